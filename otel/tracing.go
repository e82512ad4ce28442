// Package otel provides OpenTelemetry integration for sepal run events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/sepal"
)

// TracingHandler translates sepal run events into OpenTelemetry spans.
// Each run gets a root span, opened on workflow.started and closed on the
// terminal workflow.status. Each executor invocation gets a child span,
// opened on executor.invoked and closed on executor.completed or
// executor.failed. Because an executor can be invoked repeatedly within a
// run, invocation spans are stacked per runID:executorID and closed in LIFO
// order.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span       // runID -> span
	runCtxs   map[string]context.Context  // runID -> context (for child spans)
	execSpans map[string][]trace.Span     // runID:executorID -> span stack
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from run events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		execSpans: make(map[string][]trace.Span),
	}
}

// Handle processes a run event and creates or ends spans accordingly.
func (h *TracingHandler) Handle(e sepal.Event) {
	switch e.Kind {
	case sepal.EventWorkflowStarted:
		h.handleRunStarted(e)
	case sepal.EventExecutorInvoked:
		h.handleExecutorInvoked(e)
	case sepal.EventExecutorCompleted:
		h.handleExecutorCompleted(e)
	case sepal.EventExecutorFailed:
		h.handleExecutorFailed(e)
	case sepal.EventRequestInfo, sepal.EventWorkflowOutput:
		h.handleRunEvent(e)
	case sepal.EventWorkflowStatus:
		if e.State.Terminal() {
			h.handleRunEnded(e)
		}
	}
}

// Publish implements sepal.EventPublisher, so the handler can be attached to
// a run directly via sepal.WithEventPublisher.
func (h *TracingHandler) Publish(e sepal.Event) {
	h.Handle(e)
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e sepal.Event) {
	ctx, span := h.tracer.Start(context.Background(), "workflow.run",
		trace.WithAttributes(
			attribute.String("sepal.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleExecutorInvoked pushes a child span under the run span.
func (h *TracingHandler) handleExecutorInvoked(e sepal.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "executor:"+e.ExecutorID,
		trace.WithAttributes(
			attribute.String("sepal.run_id", e.RunID),
			attribute.String("sepal.executor_id", e.ExecutorID),
			attribute.Int("sepal.superstep", e.Superstep),
		),
		trace.WithTimestamp(e.Time),
	)

	key := e.RunID + ":" + e.ExecutorID
	h.mu.Lock()
	h.execSpans[key] = append(h.execSpans[key], span)
	h.mu.Unlock()
}

// handleExecutorCompleted pops the invocation span and ends it with success.
func (h *TracingHandler) handleExecutorCompleted(e sepal.Event) {
	span, ok := h.popExecSpan(e)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("sepal.duration", e.Elapsed.String()))
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleExecutorFailed pops the invocation span and ends it with error status.
func (h *TracingHandler) handleExecutorFailed(e sepal.Event) {
	span, ok := h.popExecSpan(e)
	if !ok {
		return
	}

	errMsg := "executor failed"
	if e.Error != nil && e.Error.Message != "" {
		errMsg = e.Error.Message
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) popExecSpan(e sepal.Event) (trace.Span, bool) {
	key := e.RunID + ":" + e.ExecutorID

	h.mu.Lock()
	defer h.mu.Unlock()

	stack := h.execSpans[key]
	if len(stack) == 0 {
		return nil, false
	}
	span := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(h.execSpans, key)
	} else {
		h.execSpans[key] = stack[:len(stack)-1]
	}
	return span, true
}

// handleRunEvent records request.info and workflow.output as span events on
// the run span.
func (h *TracingHandler) handleRunEvent(e sepal.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("sepal.event_kind", string(e.Kind)),
		attribute.String("sepal.executor_id", e.ExecutorID),
	}
	if e.RequestID != "" {
		attrs = append(attrs, attribute.String("sepal.request_id", e.RequestID))
	}
	if e.RequestType != "" {
		attrs = append(attrs, attribute.String("sepal.request_type", e.RequestType))
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRunEnded ends the root run span with a status derived from the
// terminal lifecycle state.
func (h *TracingHandler) handleRunEnded(e sepal.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("sepal.state", string(e.State)),
		attribute.Int("sepal.supersteps", e.Superstep),
	)

	switch e.State {
	case sepal.RunStateFailed:
		errMsg := "run failed"
		if e.Error != nil && e.Error.Message != "" {
			errMsg = e.Error.Message
		}
		span.SetStatus(codes.Error, errMsg)
	default:
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext for the innermost active
// invocation span identified by runID and executorID. Returns an empty
// SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(runID, executorID string) trace.SpanContext {
	key := runID + ":" + executorID

	h.mu.RLock()
	stack := h.execSpans[key]
	h.mu.RUnlock()

	if len(stack) == 0 {
		return trace.SpanContext{}
	}
	return stack[len(stack)-1].SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }

var _ sepal.EventPublisher = (*TracingHandler)(nil)
