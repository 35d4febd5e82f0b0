package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
)

// Verification errors.
var (
	// ErrNoWorkingProxy is matched by every *VerificationError. It means no
	// candidate could be proven to change the observed identity, and the run
	// must not perform any transfer.
	ErrNoWorkingProxy = errors.New("no working anonymizing proxy")

	// ErrSameIdentity is recorded for a candidate whose exit identity is the
	// same as the baseline: the proxy does not anonymize.
	ErrSameIdentity = errors.New("proxy exit identity matches the direct identity")
)

// Reason classifies a verification failure.
type Reason int

const (
	// ReasonNoWorkingProxy means every candidate was tried and rejected.
	ReasonNoWorkingProxy Reason = iota
	// ReasonBaselineUnavailable means the direct identity could not be
	// determined, so no candidate could be proven to differ from it.
	ReasonBaselineUnavailable
)

// String returns the reason label.
func (r Reason) String() string {
	switch r {
	case ReasonNoWorkingProxy:
		return "no working proxy"
	case ReasonBaselineUnavailable:
		return "baseline identity unavailable"
	default:
		return "unknown"
	}
}

// Stage names the verification step a candidate failed at.
type Stage string

// Verification stages, in the order they run.
const (
	StageReachability Stage = "reachability"
	StageProbe        Stage = "probe"
	StageBaseline     Stage = "baseline"
	StageIdentity     Stage = "identity"
)

// CandidateAttempt records why one candidate was rejected.
type CandidateAttempt struct {
	Endpoint tor.Endpoint
	Stage    Stage
	Err      error
}

// VerificationError is returned by Verify when no endpoint was verified.
type VerificationError struct {
	// Reason classifies the failure.
	Reason Reason
	// Attempts lists every rejected candidate, in the order tried.
	Attempts []CandidateAttempt
	// Err is the underlying cause for ReasonBaselineUnavailable.
	Err error
}

// Error implements error.
func (e *VerificationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrNoWorkingProxy.Error())
	b.WriteString(": ")
	b.WriteString(e.Reason.String())
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s failed at %s: %v", a.Endpoint.Address(), a.Stage, a.Err)
	}
	return b.String()
}

// Is reports whether target is ErrNoWorkingProxy.
func (e *VerificationError) Is(target error) bool {
	return target == ErrNoWorkingProxy
}

// Unwrap returns the underlying cause, if any.
func (e *VerificationError) Unwrap() error {
	return e.Err
}
