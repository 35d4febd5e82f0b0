// Package download fetches a flat list of resources through a verified
// anonymizing proxy.
//
// A Manager runs a fixed pool of workers fed by a scheduler loop. Each task
// moves through Pending, InFlight and then Completed, back to Pending for a
// retry after a backoff delay, or FailedPermanent once its attempts are
// exhausted. The scheduler owns every state transition and every backoff
// timer, so a retrying task never holds a worker.
//
// The Manager cannot be run without a verification result: the only
// transport it builds dials through the verified SOCKS5 endpoint, and there
// is no code path that issues a direct request.
//
// Completed resources are recorded in a progress.Store, which is the single
// authority for "already done". A destination file that already exists with
// content is treated as done and backfilled into the store.
package download
