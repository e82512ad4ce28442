package sepal

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Build-time and run-time sentinel errors. Callers match with errors.Is.
var (
	// ErrDuplicateExecutor is returned when two executors share an ID.
	ErrDuplicateExecutor = errors.New("duplicate executor ID")

	// ErrDuplicateHandler is returned when an executor registers two
	// handlers for the same message type.
	ErrDuplicateHandler = errors.New("duplicate handler for message type")

	// ErrNoStartExecutor is returned when Build is called without StartWith.
	ErrNoStartExecutor = errors.New("no start executor")

	// ErrExecutorNotFound is returned when an edge or message references an
	// executor ID that does not exist.
	ErrExecutorNotFound = errors.New("executor not found")

	// ErrTypeIncompatible is returned when an edge connects a source to a
	// target that accepts none of its output types.
	ErrTypeIncompatible = errors.New("incompatible edge types")

	// ErrUnreachable is returned when an executor cannot be reached from the
	// start executor.
	ErrUnreachable = errors.New("executor unreachable from start")

	// ErrInvalidEdge is returned when a fan-out selection names an
	// undeclared target.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrNoHandler is returned when a delivered payload matches no
	// registered handler.
	ErrNoHandler = errors.New("no handler for message type")

	// ErrMaxIterations is returned when a drive exceeds its superstep bound.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrExecutorFailed wraps a recovered handler panic.
	ErrExecutorFailed = errors.New("executor failed")

	// ErrUnknownRequestID is returned when a response names no pending
	// request.
	ErrUnknownRequestID = errors.New("unknown request ID")

	// ErrNotPaused is returned when SendResponses is called with no pending
	// requests.
	ErrNotPaused = errors.New("workflow has no pending requests")

	// ErrRunInProgress is returned when a call overlaps an active run.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrSignatureMismatch is returned when a checkpoint's graph signature
	// does not match the workflow it is being restored into.
	ErrSignatureMismatch = errors.New("graph signature mismatch")

	// ErrCheckpointRequired is returned when RunFromCheckpoint is called
	// without checkpoint storage configured.
	ErrCheckpointRequired = errors.New("checkpoint storage required")

	// ErrSubWorkflowLost is returned when a response targets a nested run
	// that no longer exists, typically after a checkpoint restore: nested
	// runs live only in process memory and are not part of the snapshot.
	ErrSubWorkflowLost = errors.New("sub-workflow execution lost")
)

// ErrorDetails is the structured failure record carried on executor.failed,
// workflow.error, and workflow.failed events.
type ErrorDetails struct {
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
	ExecutorID string `json:"executor_id,omitempty"`
}

// newErrorDetails captures the failure with the current goroutine's stack.
func newErrorDetails(executorID string, err error) *ErrorDetails {
	return &ErrorDetails{
		ErrorType:  fmt.Sprintf("%T", err),
		Message:    err.Error(),
		StackTrace: string(debug.Stack()),
		ExecutorID: executorID,
	}
}
