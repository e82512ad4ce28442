package otel

import (
	"github.com/petal-labs/sepal"
)

// Enrich wraps an EventHandler with OpenTelemetry trace context. When events
// pass through, it looks up the active span from the TracingHandler and
// populates the TraceID and SpanID fields on the event.
//
// For executor-level events (where ExecutorID is set), the invocation span
// is checked first. If no invocation span is found, it falls back to the
// run-level span. When no span is active, the event passes through
// unchanged.
func Enrich(handler sepal.EventHandler, tracing *TracingHandler) sepal.EventHandler {
	return func(e sepal.Event) {
		if e.ExecutorID != "" {
			sc := tracing.ActiveSpanContext(e.RunID, e.ExecutorID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		// Fallback to run-level span.
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		handler(e)
	}
}
