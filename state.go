package sepal

// RunState is the lifecycle state of a workflow run.
type RunState string

const (
	// RunStateStarted marks a run that has begun but not yet executed a
	// superstep.
	RunStateStarted RunState = "started"

	// RunStateInProgress marks a run actively executing supersteps.
	RunStateInProgress RunState = "in_progress"

	// RunStateInProgressPendingRequests marks a run still executing while
	// external requests are awaiting responses.
	RunStateInProgressPendingRequests RunState = "in_progress_pending_requests"

	// RunStateIdle marks a converged run: no messages in flight, no pending
	// requests. The run may be resumed by a new input or checkpoint restore.
	RunStateIdle RunState = "idle"

	// RunStateIdleWithPendingRequests marks a paused run: no messages in
	// flight, but external requests await responses via SendResponses.
	RunStateIdleWithPendingRequests RunState = "idle_with_pending_requests"

	// RunStateFailed marks a run terminated by an executor failure or the
	// iteration bound.
	RunStateFailed RunState = "failed"

	// RunStateCancelled marks a run terminated by context cancellation.
	RunStateCancelled RunState = "cancelled"
)

// String returns the string representation of the RunState.
func (s RunState) String() string {
	return string(s)
}

// Terminal reports whether the state ends a drive: the run will not make
// further progress without another call.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateIdle, RunStateIdleWithPendingRequests, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}
