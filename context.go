package sepal

import (
	"sync"
	"sync/atomic"
)

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// eventQueue is an unbounded FIFO of events with an explicit end-of-stream
// signal. Pushers never block; a single consumer drains with pop and waits
// on the notify channel between polls.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// push appends an event. Events pushed after close are dropped.
func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.wake()
}

// pop removes and returns the oldest event, if any.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// drain removes and returns all queued events.
func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// close marks end-of-stream. Queued events remain readable.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// RunnerContext holds the mutable per-run state the Runner drives:
// the mailbox of pending messages keyed by source ID, messages staged
// during the current superstep, the event queue, and per-executor state
// blobs. Its lifetime is one Runner instance; it is reset on a fresh run
// and preserved across SendResponses and checkpoint resume.
type RunnerContext struct {
	mu        sync.Mutex
	pending   map[string][]Message // mailbox for the current superstep, keyed by source ID
	staged    []Message            // sent during the current superstep, visible next superstep
	states    map[string]any       // executor ID -> private state blob
	iteration int
	runID     string

	events *eventQueue
	seq    *seqGen
}

func newRunnerContext() *RunnerContext {
	return &RunnerContext{
		pending: make(map[string][]Message),
		states:  make(map[string]any),
		events:  newEventQueue(),
		seq:     &seqGen{},
	}
}

// reset prepares the context for a fresh run, discarding all prior state.
func (rc *RunnerContext) reset(runID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pending = make(map[string][]Message)
	rc.staged = nil
	rc.states = make(map[string]any)
	rc.iteration = 0
	rc.runID = runID
	rc.events = newEventQueue()
	rc.seq = &seqGen{}
}

// resume keeps run state but swaps in a fresh event stream for the next
// Run/SendResponses call.
func (rc *RunnerContext) resume() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.events = newEventQueue()
}

// stage enqueues a message for delivery in the next superstep.
func (rc *RunnerContext) stage(msg Message) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.staged = append(rc.staged, msg)
}

// promote moves staged messages into the mailbox. Called at the superstep
// barrier: no executor observes another's output before this point.
func (rc *RunnerContext) promote() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, msg := range rc.staged {
		rc.pending[msg.SourceID] = append(rc.pending[msg.SourceID], msg)
	}
	rc.staged = nil
}

// drainMailbox removes and returns all pending messages grouped by source ID.
func (rc *RunnerContext) drainMailbox() map[string][]Message {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := rc.pending
	rc.pending = make(map[string][]Message)
	return out
}

// hasPendingMessages reports whether any message awaits delivery.
func (rc *RunnerContext) hasPendingMessages() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.staged) > 0 {
		return true
	}
	for _, msgs := range rc.pending {
		if len(msgs) > 0 {
			return true
		}
	}
	return false
}

// snapshotMessages copies the mailbox for checkpointing.
func (rc *RunnerContext) snapshotMessages() map[string][]Message {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string][]Message, len(rc.pending))
	for src, msgs := range rc.pending {
		out[src] = append([]Message(nil), msgs...)
	}
	return out
}

// restoreMessages replaces the mailbox from a checkpoint.
func (rc *RunnerContext) restoreMessages(msgs map[string][]Message) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pending = make(map[string][]Message, len(msgs))
	for src, m := range msgs {
		rc.pending[src] = append([]Message(nil), m...)
	}
	rc.staged = nil
}

// advance increments the superstep counter and returns the new value.
func (rc *RunnerContext) advance() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.iteration++
	return rc.iteration
}

// iterationCount returns the current superstep counter.
func (rc *RunnerContext) iterationCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.iteration
}

// setIteration restores the superstep counter from a checkpoint.
func (rc *RunnerContext) setIteration(n int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.iteration = n
}

// state returns the private state blob for an executor.
func (rc *RunnerContext) state(executorID string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.states[executorID]
	return v, ok
}

// setState replaces the private state blob for an executor.
func (rc *RunnerContext) setState(executorID string, state any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.states[executorID] = state
}

// snapshotStates copies all executor state blobs for checkpointing.
func (rc *RunnerContext) snapshotStates() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]any, len(rc.states))
	for k, v := range rc.states {
		out[k] = v
	}
	return out
}

// restoreStates replaces all executor state blobs from a checkpoint.
func (rc *RunnerContext) restoreStates(states map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.states = make(map[string]any, len(states))
	for k, v := range states {
		rc.states[k] = v
	}
}

// addEvent stamps sequencing fields, pushes the event to the stream, and
// returns the stamped event for further distribution.
func (rc *RunnerContext) addEvent(e Event) Event {
	rc.mu.Lock()
	e.Seq = rc.seq.Next()
	e.RunID = rc.runID
	e.Superstep = rc.iteration
	events := rc.events
	rc.mu.Unlock()
	events.push(e)
	return e
}

// WorkflowContext is the surface handlers use to interact with the run:
// sending messages, yielding outputs, emitting events, and accessing shared
// and private state. A WorkflowContext is bound to one executor for the
// duration of one dispatch.
type WorkflowContext struct {
	executorID string
	rc         *RunnerContext
	shared     *SharedState
	publish    func(Event)
}

// SendOption configures an outgoing message.
type SendOption func(*Message)

// WithTarget addresses the message to a specific executor, bypassing edge
// routing. Used for point-to-point replies.
func WithTarget(executorID string) SendOption {
	return func(m *Message) {
		m.TargetID = executorID
	}
}

// SendMessage enqueues a message for delivery in the next superstep.
// The message's source is the executor bound to this context.
func (wc *WorkflowContext) SendMessage(data any, opts ...SendOption) {
	msg := Message{Data: data, SourceID: wc.executorID}
	for _, opt := range opts {
		opt(&msg)
	}
	wc.rc.stage(msg)
}

// YieldOutput records a workflow-level output. The output is surfaced
// immediately as a workflow.output event on the run's stream.
func (wc *WorkflowContext) YieldOutput(data any) {
	wc.publish(NewEvent(EventWorkflowOutput, "").
		WithExecutor(wc.executorID).
		WithData(data))
}

// AddEvent emits an executor-originated event to the run's stream
// immediately, independent of superstep barriers.
func (wc *WorkflowContext) AddEvent(e Event) {
	e.Origin = OriginExecutor
	if e.ExecutorID == "" {
		e.ExecutorID = wc.executorID
	}
	wc.publish(e)
}

// SharedState returns the run's shared key/value store.
func (wc *WorkflowContext) SharedState() *SharedState {
	return wc.shared
}

// State returns this executor's private state blob, if set. Private state
// is single-writer: only the executor bound to this context mutates it.
func (wc *WorkflowContext) State() (any, bool) {
	return wc.rc.state(wc.executorID)
}

// SetState replaces this executor's private state blob. The blob is
// captured in checkpoints and must be encodable.
func (wc *WorkflowContext) SetState(state any) {
	wc.rc.setState(wc.executorID, state)
}

// ExecutorID returns the executor this context is bound to.
func (wc *WorkflowContext) ExecutorID() string {
	return wc.executorID
}
