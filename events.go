package sepal

import (
	"time"
)

// EventKind identifies the type of event emitted during a workflow run.
type EventKind string

const (
	// EventWorkflowStarted is emitted when a fresh run begins.
	EventWorkflowStarted EventKind = "workflow.started"

	// EventWorkflowStatus reports a lifecycle state transition. Every Run,
	// SendResponses, and RunFromCheckpoint call ends with exactly one status
	// event carrying a terminal state.
	EventWorkflowStatus EventKind = "workflow.status"

	// EventExecutorInvoked is emitted when a message is dispatched to an
	// executor within a superstep.
	EventExecutorInvoked EventKind = "executor.invoked"

	// EventExecutorCompleted is emitted when an executor handler returns
	// successfully.
	EventExecutorCompleted EventKind = "executor.completed"

	// EventExecutorFailed is emitted when an executor handler returns an
	// error or panics. The event carries structured failure details.
	EventExecutorFailed EventKind = "executor.failed"

	// EventWorkflowOutput is emitted when an executor yields a
	// workflow-level output.
	EventWorkflowOutput EventKind = "workflow.output"

	// EventRequestInfo is emitted when a RequestInfoExecutor records a
	// pending external request. The run pauses once no other messages
	// remain in flight.
	EventRequestInfo EventKind = "request.info"

	// EventWorkflowError surfaces a non-terminal error, such as a nested
	// sub-workflow failure, in the enclosing run's event stream.
	EventWorkflowError EventKind = "workflow.error"

	// EventWorkflowFailed is emitted once when a run terminates with FAILED.
	EventWorkflowFailed EventKind = "workflow.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// EventOrigin tags who produced an event, for observability filtering.
type EventOrigin string

const (
	// OriginFramework marks events emitted by the engine itself.
	OriginFramework EventOrigin = "framework"

	// OriginExecutor marks events emitted by executor code via AddEvent.
	OriginExecutor EventOrigin = "executor"
)

// Event is a structured, streamable record of what happened during a run.
// Events are pushed to the caller's stream as they occur; they may be
// observed before the superstep that produced them has fully settled.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// ExecutorID is the executor this event concerns (empty for run-level
	// events).
	ExecutorID string

	// Origin tags whether the framework or executor code emitted the event.
	Origin EventOrigin

	// State carries the lifecycle state for workflow.status events.
	State RunState

	// Data is the event payload: the yielded output for workflow.output,
	// the request data for request.info, or executor-defined data.
	Data any

	// RequestID correlates request.info events with SendResponses calls.
	RequestID string

	// RequestType names the kind of external input requested.
	RequestType string

	// Error carries structured failure details for executor.failed,
	// workflow.error, and workflow.failed events.
	Error *ErrorDetails

	// TraceID and SpanID link the event to an active OpenTelemetry span,
	// when trace enrichment is attached. Empty otherwise.
	TraceID string
	SpanID  string

	// Superstep is the superstep index the event originated in.
	Superstep int

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run (run-level events) or the
	// executor invocation (executor-level events) started.
	Elapsed time.Duration
}

// NewEvent creates a new framework-originated event with the current
// timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:   kind,
		RunID:  runID,
		Origin: OriginFramework,
		Time:   time.Now(),
	}
}

// WithExecutor sets the executor ID on the event.
func (e Event) WithExecutor(id string) Event {
	e.ExecutorID = id
	return e
}

// WithState sets the lifecycle state on the event.
func (e Event) WithState(state RunState) Event {
	e.State = state
	return e
}

// WithData sets the payload on the event.
func (e Event) WithData(data any) Event {
	e.Data = data
	return e
}

// WithError sets failure details on the event.
func (e Event) WithError(details *ErrorDetails) Event {
	e.Error = details
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the engine to
// distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
