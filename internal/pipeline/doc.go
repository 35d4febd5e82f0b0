// Package pipeline runs the fetch workflow as an ordered list of steps.
//
// A fetch goes through these stages:
//   - verify: prove that a candidate proxy changes the observed identity
//   - monitor: keep proving it in the background for the rest of the run
//   - load tasks: read and validate the task list
//   - download: fetch every task through the verified proxy
//
// Each stage is a Step that receives the shared *Run and fills in its part.
// The first failing step ends the run, so nothing after verification can
// execute without a verified endpoint. Steps that hold resources implement
// Finisher; their Finish methods run in reverse order once Execute returns,
// whether or not the run failed. History recording is a Finisher so that
// cancelled and failed runs are recorded too.
package pipeline
