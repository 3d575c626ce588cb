package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

var (
	// ErrNotFound is returned when a handle does not resolve to a stored record.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the authorizer denies an operation.
	ErrForbidden = errors.New("forbidden")
	// ErrIllegalTransition is returned when a task or instance state change is not permitted.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrConflict is returned when an optimistic update finds a newer stored version.
	ErrConflict = errors.New("version conflict")
	// ErrTimeout is returned when a synchronous wait exceeds its bound.
	ErrTimeout = errors.New("timed out waiting for result")
	// ErrBackpressure is returned when the gateway cannot accept another dispatch.
	ErrBackpressure = errors.New("dispatch capacity exhausted")
	// ErrGatewayClosed is returned when dispatching to a gateway that has been shut down.
	ErrGatewayClosed = errors.New("messaging gateway closed")
	// ErrRequestCancelled is delivered as the result of a cancelled dispatch.
	ErrRequestCancelled = errors.New("request cancelled")
	// ErrInvalidModel is returned when a process model fails validation.
	ErrInvalidModel = errors.New("invalid process model")
	// ErrUnknownEndpoint is returned when a message names an endpoint the transport does not know.
	ErrUnknownEndpoint = errors.New("endpoint not registered")
	// ErrModelNotPublished is returned when an unvalidated model is used.
	ErrModelNotPublished = errors.New("process model has not been published")
	// ErrInstanceNotActive is returned when an operation requires an active instance.
	ErrInstanceNotActive = errors.New("process instance is not active")
	// ErrInstanceNotDone is returned when purging a running instance.
	ErrInstanceNotDone = errors.New("process instance has not reached an end state")
)

// TraceLevel is the log level for very detailed store and dispatch tracing.
const TraceLevel = slog.Level(-41)

// VerboseLevel is the log level for raw value tracing.
const VerboseLevel = slog.Level(-51)

// DispatchFailure is a transport level send failure.
// Status carries the remote status code where the transport provides one, otherwise it is zero.
type DispatchFailure struct {
	Cause  error
	Status int
}

// Error returns the string version of the DispatchFailure error.
func (e *DispatchFailure) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch failed with status %d: %s", e.Status, e.Cause)
	}
	return fmt.Sprintf("dispatch failed: %s", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *DispatchFailure) Unwrap() error {
	return e.Cause
}

// ErrWorkflowFatal signifies that the workflow must terminate.
// InstanceHandle identifies the process instance when the failure can be attributed to one.
type ErrWorkflowFatal struct {
	Err            error
	InstanceHandle int64
}

// Error returns the string version of the ErrWorkflowFatal error.
func (e *ErrWorkflowFatal) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *ErrWorkflowFatal) Unwrap() error {
	return e.Err
}

// IsWorkflowFatal is a shortcut to determine if an error is fatal to the workflow.
func IsWorkflowFatal(err error) bool {
	var wff *ErrWorkflowFatal
	return errors.As(err, &wff)
}

// Fn returns the calling function name.
func Fn() string {
	pc := make([]uintptr, 10)
	runtime.Callers(2, pc)
	f := runtime.FuncForPC(pc[0])
	return f.Name()
}
