package sepal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/petal-labs/sepal/checkpoint"
)

// RunConfig controls run behavior. Zero values get sensible defaults.
type RunConfig struct {
	// Storage receives a best-effort checkpoint after every superstep.
	// Nil disables checkpointing.
	Storage checkpoint.Storage

	// Publisher additionally distributes every event, e.g. to a bus.EventBus.
	Publisher EventPublisher

	// Logger reports non-fatal conditions such as checkpoint save failures.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// RunOption configures a workflow run.
type RunOption func(*RunConfig)

// WithCheckpointStorage enables per-superstep checkpointing to the store.
func WithCheckpointStorage(storage checkpoint.Storage) RunOption {
	return func(c *RunConfig) {
		c.Storage = storage
	}
}

// WithEventPublisher distributes run events to an external publisher.
func WithEventPublisher(pub EventPublisher) RunOption {
	return func(c *RunConfig) {
		c.Publisher = pub
	}
}

// WithLogger sets the logger for non-fatal run diagnostics.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *RunConfig) {
		c.Logger = logger
	}
}

// Workflow owns an immutable executor graph and drives runs over it.
// The graph (executors, edge groups, start node, iteration bound) is fixed
// at build time; per-run state lives in the runner context and shared state
// and is reset by each fresh Run.
//
// A Workflow supports one call at a time: Run, SendResponses, and
// RunFromCheckpoint return ErrRunInProgress if another call is active.
type Workflow struct {
	id            string
	executors     map[string]Executor
	order         []string
	groups        []EdgeGroup
	start         string
	maxIterations int
	signature     string

	mu      sync.Mutex
	running bool
	state   RunState
	cfg     RunConfig

	rc           *RunnerContext
	shared       *SharedState
	runners      map[string][]edgeRunner
	groupRunners []edgeRunner // indexed like groups
	locks        map[string]*sync.Mutex
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string {
	return w.id
}

// Signature returns the structural graph signature used to gate checkpoint
// resumption.
func (w *Workflow) Signature() string {
	return w.signature
}

// State returns the lifecycle state left by the most recent call.
func (w *Workflow) State() RunState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PendingRequests returns the still-unanswered external requests recorded by
// the workflow's RequestInfoExecutors.
func (w *Workflow) PendingRequests() []PendingRequest {
	var out []PendingRequest
	for _, id := range w.order {
		if rie, ok := w.executors[id].(*RequestInfoExecutor); ok {
			out = append(out, rie.pendingRequests(w.rc)...)
		}
	}
	return out
}

func (w *Workflow) pendingRequestCount() int {
	return len(w.PendingRequests())
}

// emit stamps and distributes an event: to the run's stream always, and to
// the configured publisher if any.
func (w *Workflow) emit(e Event) {
	stamped := w.rc.addEvent(e)
	if w.cfg.Publisher != nil {
		w.cfg.Publisher.Publish(stamped)
	}
}

// setState transitions the lifecycle state, emitting a status event on
// change.
func (w *Workflow) setState(state RunState) {
	w.mu.Lock()
	if w.state == state {
		w.mu.Unlock()
		return
	}
	w.state = state
	w.mu.Unlock()
	w.emit(NewEvent(EventWorkflowStatus, "").WithState(state))
}

// Stream is a live sequence of run events. Err reports the terminal error of
// the run and is valid once Events has been drained.
type Stream struct {
	ch  chan Event
	mu  sync.Mutex
	err error
}

// Events returns the event channel. It is closed after the terminal event.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Err returns the run's terminal error, if any. Only valid after the Events
// channel has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Run executes the workflow from a fresh state until it converges, pauses on
// pending external requests, fails, or is cancelled. It returns every event
// the run emitted; the last status event carries the terminal state.
func (w *Workflow) Run(ctx context.Context, input any, opts ...RunOption) ([]Event, error) {
	stream, err := w.RunStream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return collect(stream)
}

// RunStream executes the workflow from a fresh state, streaming events with
// low latency: events may be observed before the superstep that produced
// them has settled. The caller must drain the stream.
func (w *Workflow) RunStream(ctx context.Context, input any, opts ...RunOption) (*Stream, error) {
	if err := w.begin(opts...); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	w.rc.reset(runID)
	w.shared.reset()
	for _, runners := range w.runners {
		for _, r := range runners {
			r.reset()
		}
	}

	w.mu.Lock()
	w.state = RunStateStarted
	w.mu.Unlock()
	w.emit(NewEvent(EventWorkflowStarted, ""))
	w.emit(NewEvent(EventWorkflowStatus, "").WithState(RunStateStarted))

	// Initial delivery: the input goes point-to-point to the start executor.
	w.rc.stage(Message{Data: input, TargetID: w.start})
	w.rc.promote()

	return w.drive(ctx), nil
}

// SendResponses delivers responses for pending external requests and resumes
// the paused run until it next converges. The response map is keyed by
// request ID; every key must correspond to a pending request.
func (w *Workflow) SendResponses(ctx context.Context, responses map[string]any) ([]Event, error) {
	stream, err := w.SendResponsesStream(ctx, responses)
	if err != nil {
		return nil, err
	}
	return collect(stream)
}

// SendResponsesStream is the streaming form of SendResponses.
func (w *Workflow) SendResponsesStream(ctx context.Context, responses map[string]any) (*Stream, error) {
	if err := w.begin(); err != nil {
		return nil, err
	}

	if w.pendingRequestCount() == 0 {
		w.end()
		return nil, ErrNotPaused
	}

	w.rc.resume()
	if err := w.stageResponses(responses); err != nil {
		w.end()
		return nil, err
	}
	w.rc.promote()

	return w.drive(ctx), nil
}

// RunFromCheckpoint restores a previously persisted run snapshot and resumes
// it, optionally delivering responses to requests that were pending at
// checkpoint time. The checkpoint's graph signature must match this
// workflow's topology exactly.
func (w *Workflow) RunFromCheckpoint(ctx context.Context, checkpointID string, responses map[string]any, opts ...RunOption) ([]Event, error) {
	stream, err := w.RunFromCheckpointStream(ctx, checkpointID, responses, opts...)
	if err != nil {
		return nil, err
	}
	return collect(stream)
}

// RunFromCheckpointStream is the streaming form of RunFromCheckpoint.
func (w *Workflow) RunFromCheckpointStream(ctx context.Context, checkpointID string, responses map[string]any, opts ...RunOption) (*Stream, error) {
	if err := w.begin(opts...); err != nil {
		return nil, err
	}

	if w.cfg.Storage == nil {
		w.end()
		return nil, ErrCheckpointRequired
	}

	cp, err := w.cfg.Storage.Load(ctx, checkpointID)
	if err != nil {
		w.end()
		return nil, fmt.Errorf("load checkpoint %q: %w", checkpointID, err)
	}
	if cp.Metadata.GraphSignature != w.signature {
		w.end()
		return nil, fmt.Errorf("%w: checkpoint %q", ErrSignatureMismatch, checkpointID)
	}

	w.rc.reset(uuid.NewString())
	w.shared.reset()
	for _, runners := range w.runners {
		for _, r := range runners {
			r.reset()
		}
	}
	if err := w.restoreCheckpoint(cp); err != nil {
		w.end()
		return nil, fmt.Errorf("restore checkpoint %q: %w", checkpointID, err)
	}

	if len(responses) > 0 {
		if err := w.stageResponses(responses); err != nil {
			w.end()
			return nil, err
		}
		w.rc.promote()
	}

	return w.drive(ctx), nil
}

// begin claims the single run slot and applies options.
func (w *Workflow) begin(opts ...RunOption) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrRunInProgress
	}
	w.running = true
	for _, opt := range opts {
		opt(&w.cfg)
	}
	if w.cfg.Logger == nil {
		w.cfg.Logger = slog.Default()
	}
	return nil
}

func (w *Workflow) end() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// stageResponses validates every response against the pending-request
// tables and stages the correlated reply messages. Responding to an unknown
// request ID is fatal; no responses are staged in that case.
func (w *Workflow) stageResponses(responses map[string]any) error {
	type match struct {
		rie       *RequestInfoExecutor
		requestID string
		data      any
	}
	matches := make([]match, 0, len(responses))

	for requestID, data := range responses {
		var found *RequestInfoExecutor
		for _, id := range w.order {
			if rie, ok := w.executors[id].(*RequestInfoExecutor); ok && rie.has(w.rc, requestID) {
				found = rie
				break
			}
		}
		if found == nil {
			return fmt.Errorf("%w: %q", ErrUnknownRequestID, requestID)
		}
		matches = append(matches, match{rie: found, requestID: requestID, data: data})
	}

	for _, m := range matches {
		if err := m.rie.respond(w.rc, m.requestID, m.data); err != nil {
			return err
		}
	}
	return nil
}

// drive runs the superstep loop in the background and forwards the run's
// events to a Stream until the terminal event has been emitted.
func (w *Workflow) drive(ctx context.Context) *Stream {
	stream := &Stream{ch: make(chan Event, 16)}
	queue := w.rc.events

	go func() {
		defer w.end()
		defer queue.close()

		w.setState(RunStateInProgress)
		err := w.runUntilConvergence(ctx)
		stream.setErr(w.finish(ctx, err))
	}()

	go func() {
		defer close(stream.ch)
		for {
			if e, ok := queue.pop(); ok {
				stream.ch <- e
				continue
			}
			if queue.isClosed() {
				// Flush events raced in between pop and close.
				for _, e := range queue.drain() {
					stream.ch <- e
				}
				return
			}
			<-queue.notify
		}
	}()

	return stream
}

// finish maps the loop outcome onto the terminal lifecycle state and emits
// the terminal events. Exceeding the iteration bound deliberately bypasses
// the FAILED path: it is a runaway-loop guard, not a workflow failure.
func (w *Workflow) finish(ctx context.Context, err error) error {
	switch {
	case err == nil:
		if w.pendingRequestCount() > 0 {
			w.setState(RunStateIdleWithPendingRequests)
		} else {
			w.setState(RunStateIdle)
		}
		return nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		w.setState(RunStateCancelled)
		return err

	case errors.Is(err, ErrMaxIterations):
		w.mu.Lock()
		w.state = RunStateFailed
		w.mu.Unlock()
		return err

	default:
		var execErr *executorError
		details := &ErrorDetails{ErrorType: fmt.Sprintf("%T", err), Message: err.Error()}
		if errors.As(err, &execErr) {
			details = execErr.details
		}
		w.emit(NewEvent(EventWorkflowFailed, "").WithError(details))
		w.setState(RunStateFailed)
		return err
	}
}

func collect(stream *Stream) ([]Event, error) {
	var events []Event
	for e := range stream.Events() {
		events = append(events, e)
	}
	return events, stream.Err()
}
