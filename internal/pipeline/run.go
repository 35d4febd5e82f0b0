package pipeline

import (
	"sync"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/monitor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

// Run is the state shared by the steps of one fetch.
type Run struct {
	// TaskFile is the task list to load.
	TaskFile string

	// Candidates are the proxy endpoints to verify, in order.
	Candidates []tor.Endpoint

	// Verified is set by the verify step.
	Verified *verify.Result

	// Tasks is set by the load step.
	Tasks []download.Task

	// Report is set by the download step, also when the run was cancelled.
	Report *download.Report

	// Err is the error that ended the run, if any.
	Err error

	// PerformedSteps lists the steps that completed, in order.
	PerformedSteps []string

	// mu guards rotations, which the monitor goroutine appends to.
	mu        sync.Mutex
	rotations []monitor.Rotation
}

// NewRun creates the state for a fetch of taskFile through candidates.
func NewRun(taskFile string, candidates []tor.Endpoint) *Run {
	return &Run{
		TaskFile:   taskFile,
		Candidates: candidates,
	}
}

// AddRotation records an exit identity change. It is the monitor's
// rotation hook and is safe for concurrent use.
func (r *Run) AddRotation(rot monitor.Rotation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotations = append(r.rotations, rot)
}

// Rotations returns a copy of the rotations recorded so far.
func (r *Run) Rotations() []monitor.Rotation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]monitor.Rotation(nil), r.rotations...)
}
