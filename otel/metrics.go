package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/sepal"
)

// MetricsHandler translates sepal run events into OpenTelemetry metrics.
// It records counters and histograms for executor invocations, failures,
// and run outcomes.
type MetricsHandler struct {
	execInvocations metric.Int64Counter
	execFailures    metric.Int64Counter
	execDuration    metric.Float64Histogram
	runsFinished    metric.Int64Counter
	runSupersteps   metric.Int64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording sepal run metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	execInv, err := meter.Int64Counter("sepal.executor.invocations",
		metric.WithDescription("Number of executor invocations"),
	)
	if err != nil {
		return nil, err
	}

	execFail, err := meter.Int64Counter("sepal.executor.failures",
		metric.WithDescription("Number of executor failures"),
	)
	if err != nil {
		return nil, err
	}

	execDur, err := meter.Float64Histogram("sepal.executor.duration",
		metric.WithDescription("Duration of executor invocation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runsFin, err := meter.Int64Counter("sepal.runs.finished",
		metric.WithDescription("Number of runs reaching a terminal state, by state"),
	)
	if err != nil {
		return nil, err
	}

	runSteps, err := meter.Int64Histogram("sepal.run.supersteps",
		metric.WithDescription("Supersteps executed per run"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		execInvocations: execInv,
		execFailures:    execFail,
		execDuration:    execDur,
		runsFinished:    runsFin,
		runSupersteps:   runSteps,
	}, nil
}

// Handle processes a run event and records the appropriate metrics.
func (h *MetricsHandler) Handle(e sepal.Event) {
	switch e.Kind {
	case sepal.EventExecutorCompleted:
		h.handleExecutorCompleted(e)
	case sepal.EventExecutorFailed:
		h.handleExecutorFailed(e)
	case sepal.EventWorkflowStatus:
		if e.State.Terminal() {
			h.handleRunFinished(e)
		}
	}
}

// Publish implements sepal.EventPublisher.
func (h *MetricsHandler) Publish(e sepal.Event) {
	h.Handle(e)
}

// handleExecutorCompleted increments the invocation counter and records
// duration.
func (h *MetricsHandler) handleExecutorCompleted(e sepal.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("executor_id", e.ExecutorID),
	)
	h.execInvocations.Add(ctx, 1, attrs)
	h.execDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleExecutorFailed increments both counters: a failed invocation is
// still an invocation.
func (h *MetricsHandler) handleExecutorFailed(e sepal.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("executor_id", e.ExecutorID),
	)
	h.execInvocations.Add(ctx, 1, attrs)
	h.execFailures.Add(ctx, 1, attrs)
}

// handleRunFinished records the run outcome and superstep count.
func (h *MetricsHandler) handleRunFinished(e sepal.Event) {
	ctx := context.Background()
	h.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(e.State)),
	))
	h.runSupersteps.Record(ctx, int64(e.Superstep))
}

var _ sepal.EventPublisher = (*MetricsHandler)(nil)
