package sepal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/sepal/checkpoint"
)

// executorError wraps a handler failure together with the structured
// details already surfaced on the executor.failed event, so the terminal
// workflow.failed event can carry the same details.
type executorError struct {
	details *ErrorDetails
	err     error
}

func (e *executorError) Error() string {
	return fmt.Sprintf("executor %q failed: %v", e.details.ExecutorID, e.err)
}

func (e *executorError) Unwrap() error {
	return e.err
}

// runUntilConvergence drives supersteps until the mailbox is empty or the
// iteration bound is hit. Within one superstep all deliveries execute
// concurrently; the barrier between supersteps guarantees no executor
// observes another's output early. After each superstep the run is
// checkpointed best-effort.
//
// Exhausting maxIterations with messages still pending is a runaway-loop
// guard: it returns ErrMaxIterations directly instead of surfacing a FAILED
// event.
func (w *Workflow) runUntilConvergence(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		mailbox := w.rc.drainMailbox()
		if mailboxEmpty(mailbox) {
			return nil
		}

		if w.rc.iterationCount() >= w.maxIterations {
			return fmt.Errorf("%w: bound %d reached", ErrMaxIterations, w.maxIterations)
		}

		if err := w.runSuperstep(ctx, mailbox); err != nil {
			return err
		}

		w.rc.advance()
		// Barrier: outputs of this superstep become visible now.
		w.rc.promote()
		w.saveCheckpoint(ctx)
		w.emitProgress()
	}
}

func mailboxEmpty(mailbox map[string][]Message) bool {
	for _, msgs := range mailbox {
		if len(msgs) > 0 {
			return false
		}
	}
	return true
}

// runSuperstep delivers every drained message concurrently: targeted
// messages go straight to their executor, routed messages pass through every
// edge runner registered for their source. The first error wins; remaining
// deliveries still run to completion before it is returned.
func (w *Workflow) runSuperstep(ctx context.Context, mailbox map[string][]Message) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for source, msgs := range mailbox {
		runners := w.runners[source]
		for _, msg := range msgs {
			if msg.Targeted() {
				wg.Add(1)
				go func(m Message) {
					defer wg.Done()
					record(w.invoke(ctx, m.TargetID, m))
				}(msg)
				continue
			}
			for _, r := range runners {
				wg.Add(1)
				go func(r edgeRunner, m Message) {
					defer wg.Done()
					record(r.deliver(ctx, m, w.invoke))
				}(r, msg)
			}
		}
	}

	wg.Wait()
	return firstErr
}

// invoke dispatches one message to one executor. A per-executor lock
// guarantees the same executor instance never runs twice concurrently inside
// a superstep; distinct executors run in parallel. Handler panics are
// recovered into errors so a misbehaving executor fails the run instead of
// the process.
func (w *Workflow) invoke(ctx context.Context, targetID string, msg Message) error {
	exec, ok := w.executors[targetID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExecutorNotFound, targetID)
	}

	lock := w.locks[targetID]
	lock.Lock()
	defer lock.Unlock()

	w.emit(NewEvent(EventExecutorInvoked, "").WithExecutor(targetID))
	start := time.Now()

	wc := &WorkflowContext{
		executorID: targetID,
		rc:         w.rc,
		shared:     w.shared,
		publish:    func(e Event) { w.emit(e) },
	}

	err := safeExecute(ctx, exec, msg, wc)
	elapsed := time.Since(start)

	if err != nil {
		details := newErrorDetails(targetID, err)
		w.emit(NewEvent(EventExecutorFailed, "").
			WithExecutor(targetID).
			WithError(details).
			WithElapsed(elapsed))
		return &executorError{details: details, err: err}
	}

	w.emit(NewEvent(EventExecutorCompleted, "").
		WithExecutor(targetID).
		WithElapsed(elapsed))
	return nil
}

func safeExecute(ctx context.Context, exec Executor, msg Message, wc *WorkflowContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrExecutorFailed, r)
		}
	}()
	return exec.Execute(ctx, msg, wc)
}

// emitProgress reports lifecycle oscillation between IN_PROGRESS and
// IN_PROGRESS_PENDING_REQUESTS while work is still live.
func (w *Workflow) emitProgress() {
	if !w.rc.hasPendingMessages() {
		return
	}
	next := RunStateInProgress
	if w.pendingRequestCount() > 0 {
		next = RunStateInProgressPendingRequests
	}
	w.setState(next)
}

// saveCheckpoint persists a superstep snapshot. Checkpointing is
// best-effort: a failure is logged and the run continues.
func (w *Workflow) saveCheckpoint(ctx context.Context) {
	if w.cfg.Storage == nil {
		return
	}
	cp := w.buildCheckpoint()
	if _, err := w.cfg.Storage.Save(ctx, cp); err != nil {
		w.cfg.Logger.Warn("checkpoint save failed",
			"workflow_id", w.id,
			"superstep", cp.Metadata.Superstep,
			"error", err)
	}
}

// encodeMessages converts messages to their persisted tagged-value form.
func encodeMessages(msgs []Message) []checkpoint.EncodedMessage {
	encoded := make([]checkpoint.EncodedMessage, len(msgs))
	for i, m := range msgs {
		encoded[i] = checkpoint.EncodedMessage{
			Data:     checkpoint.Encode(m.Data),
			SourceID: m.SourceID,
			TargetID: m.TargetID,
		}
	}
	return encoded
}

func decodeMessages(encoded []checkpoint.EncodedMessage) []Message {
	msgs := make([]Message, len(encoded))
	for i, em := range encoded {
		msgs[i] = Message{
			Data:     checkpoint.Decode(em.Data),
			SourceID: em.SourceID,
			TargetID: em.TargetID,
		}
	}
	return msgs
}

// buildCheckpoint snapshots the current run state in tagged-value form.
// Besides the mailbox, it captures messages buffered inside stateful edge
// runners: a fan-in round awaiting its last contribution lives nowhere else.
func (w *Workflow) buildCheckpoint() *checkpoint.Checkpoint {
	messages := make(map[string][]checkpoint.EncodedMessage)
	for src, msgs := range w.rc.snapshotMessages() {
		messages[src] = encodeMessages(msgs)
	}

	edgeStates := make(map[string]map[string][]checkpoint.EncodedMessage)
	for i, g := range w.groups {
		buffered := w.groupRunners[i].snapshot()
		if len(buffered) == 0 {
			continue
		}
		enc := make(map[string][]checkpoint.EncodedMessage, len(buffered))
		for src, msgs := range buffered {
			enc[src] = encodeMessages(msgs)
		}
		edgeStates[g.signature()] = enc
	}

	states := make(map[string]any)
	for id, state := range w.rc.snapshotStates() {
		states[id] = checkpoint.Encode(state)
	}

	superstep := w.rc.iterationCount()
	return &checkpoint.Checkpoint{
		WorkflowID:     w.id,
		Messages:       messages,
		EdgeStates:     edgeStates,
		SharedState:    checkpoint.Encode(w.shared.snapshot()),
		ExecutorStates: states,
		IterationCount: superstep,
		MaxIterations:  w.maxIterations,
		Metadata: checkpoint.Metadata{
			GraphSignature: w.signature,
			Superstep:      superstep,
			CheckpointType: checkpoint.TypeSuperstep,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// restoreCheckpoint loads a snapshot back into the run state. The caller has
// already validated the graph signature.
func (w *Workflow) restoreCheckpoint(cp *checkpoint.Checkpoint) error {
	messages := make(map[string][]Message, len(cp.Messages))
	for src, encoded := range cp.Messages {
		messages[src] = decodeMessages(encoded)
	}
	w.rc.restoreMessages(messages)

	// Edge states are matched by group signature, which survives differing
	// group declaration order between structurally identical workflows.
	for i, g := range w.groups {
		enc, ok := cp.EdgeStates[g.signature()]
		if !ok {
			continue
		}
		buffered := make(map[string][]Message, len(enc))
		for src, encoded := range enc {
			buffered[src] = decodeMessages(encoded)
		}
		w.groupRunners[i].restore(buffered)
	}

	shared, ok := checkpoint.Decode(cp.SharedState).(map[string]any)
	if !ok && cp.SharedState != nil {
		return errors.New("checkpoint shared state is not a map")
	}
	w.shared.restore(shared)

	states := make(map[string]any, len(cp.ExecutorStates))
	for id, encoded := range cp.ExecutorStates {
		states[id] = checkpoint.Decode(encoded)
	}
	w.rc.restoreStates(states)

	w.rc.setIteration(cp.IterationCount)
	return nil
}
