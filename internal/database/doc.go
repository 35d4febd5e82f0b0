// Package database provides SQLite-based run history for torfetch.
//
// This package implements the HistoryDB, which stores:
//   - One row per download run with its counters and the proxy it used
//   - The permanently failed tasks of each run
//   - Exit identity rotations observed by the leak monitor during a run
//
// The direct (baseline) identity is never written to the database. Only
// identities observed through the proxy are stored.
//
// Design decision: We use SQLite (via modernc.org/sqlite) because the
// CGO-free driver keeps cross-compilation simple and the whole history
// stays in a single file next to the progress store.
package database
