package download

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrNoProxy is returned when a run is attempted without a verified proxy.
	ErrNoProxy = errors.New("no verified proxy endpoint")

	// ErrInsufficientDisk is returned when free space is below the threshold.
	ErrInsufficientDisk = errors.New("insufficient disk space")

	// ErrDuplicateKey is returned when two tasks share a resource key.
	ErrDuplicateKey = errors.New("duplicate task key")

	// ErrInvalidTask is returned for a task without a URL or destination.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTransfer matches every TransferError.
	ErrTransfer = errors.New("transfer failed")

	// ErrTransferStalled is returned when no body bytes arrive within the
	// transfer timeout.
	ErrTransferStalled = errors.New("transfer stalled")

	// ErrEmptyBody is returned when a transfer produced zero bytes.
	ErrEmptyBody = errors.New("empty response body")

	// ErrUnexpectedStatus matches every StatusError.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
)

// ConfigurationError reports a precondition of the run that is not met.
// No task is started when it is returned.
type ConfigurationError struct {
	Err error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("download configuration: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ResourceError reports that the local machine cannot hold the run.
// No task is started when it is returned.
type ResourceError struct {
	Path          string
	FreeBytes     uint64
	RequiredBytes uint64
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: %d MB free, %d MB required",
		e.Path, e.FreeBytes>>20, e.RequiredBytes>>20)
}

// Is reports whether target is ErrInsufficientDisk.
func (e *ResourceError) Is(target error) bool {
	return target == ErrInsufficientDisk
}

// TransferError is a failed attempt of one task. It never aborts the batch.
type TransferError struct {
	URL     string
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	return fmt.Sprintf("attempt %d for %s: %v", e.Attempt, e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransfer.
func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Status != "" {
		return "unexpected status: " + e.Status
	}
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// Is reports whether target is ErrUnexpectedStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}
