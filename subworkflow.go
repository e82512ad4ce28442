package sepal

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/petal-labs/sepal/checkpoint"
)

func init() {
	checkpoint.RegisterType[SubWorkflowRequest]("sepal:SubWorkflowRequest")
	checkpoint.RegisterType[SubWorkflowResponse]("sepal:SubWorkflowResponse")
}

// SubWorkflowRequest is an external request escalated from a nested workflow
// to its parent. The parent forwards it toward its own request gateway so a
// single external surface answers for the whole hierarchy.
type SubWorkflowRequest struct {
	RequestID     string
	SubWorkflowID string
	RequestType   string
	Data          any
}

// SubWorkflowResponse carries an answered request back down to the nested
// workflow identified by SubWorkflowID.
type SubWorkflowResponse struct {
	RequestID     string
	SubWorkflowID string
	Data          any
}

// WorkflowFactory builds a fresh nested workflow instance. Each incoming
// message gets its own instance, so concurrent nested runs never share
// mutable state.
type WorkflowFactory func() (*Workflow, error)

// subExecution is one live nested run awaiting responses.
type subExecution struct {
	wf        *Workflow
	expected  int
	collected map[string]any
}

// WorkflowExecutor nests a whole workflow behind the Executor interface.
// Each non-response message starts a fresh nested run with the message data
// as input. Nested outputs are sent onward along the parent's edges; nested
// external requests are escalated as SubWorkflowRequest messages and resumed
// once every request of the batch has a SubWorkflowResponse.
//
// A response whose request ID matches no live nested run is logged and
// ignored, since the run it belonged to may have already finished. The one
// exception is a request this executor escalated in the current run but can
// no longer correlate: nested runs live only in process memory, so after a
// checkpoint restore their responses fail with ErrSubWorkflowLost rather
// than pausing the run forever.
type WorkflowExecutor struct {
	id      string
	factory WorkflowFactory
	logger  *slog.Logger

	mu         sync.Mutex
	executions map[string]*subExecution
	byRequest  map[string]string // request ID -> execution ID
}

// NewWorkflowExecutor wraps workflows produced by factory as an executor.
func NewWorkflowExecutor(id string, factory WorkflowFactory) *WorkflowExecutor {
	return &WorkflowExecutor{
		id:         id,
		factory:    factory,
		logger:     slog.Default(),
		executions: make(map[string]*subExecution),
		byRequest:  make(map[string]string),
	}
}

// ID returns the executor's unique identifier.
func (e *WorkflowExecutor) ID() string {
	return e.id
}

// InputTypes accepts anything: non-response data starts a nested run.
func (e *WorkflowExecutor) InputTypes() []reflect.Type {
	return []reflect.Type{anyType}
}

// OutputTypes declares nested outputs plus escalated requests.
func (e *WorkflowExecutor) OutputTypes() []reflect.Type {
	return []reflect.Type{anyType, reflect.TypeOf(SubWorkflowRequest{})}
}

// Execute starts a nested run or resumes one with a response.
func (e *WorkflowExecutor) Execute(ctx context.Context, msg Message, wc *WorkflowContext) error {
	if resp, ok := msg.Data.(SubWorkflowResponse); ok {
		return e.handleResponse(ctx, resp, wc)
	}
	return e.startExecution(ctx, msg.Data, wc)
}

func (e *WorkflowExecutor) startExecution(ctx context.Context, input any, wc *WorkflowContext) error {
	wf, err := e.factory()
	if err != nil {
		return fmt.Errorf("build sub-workflow for executor %q: %w", e.id, err)
	}

	execID := uuid.NewString()
	events, err := wf.Run(ctx, input)
	return e.settle(execID, wf, events, err, wc)
}

func (e *WorkflowExecutor) handleResponse(ctx context.Context, resp SubWorkflowResponse, wc *WorkflowContext) error {
	e.mu.Lock()
	execID, ok := e.byRequest[resp.RequestID]
	if !ok {
		e.mu.Unlock()
		if e.escalated(wc)[resp.RequestID] {
			return fmt.Errorf("%w: request %q on executor %q", ErrSubWorkflowLost, resp.RequestID, e.id)
		}
		e.logger.Warn("response for unknown sub-workflow request, ignoring",
			"executor_id", e.id,
			"request_id", resp.RequestID)
		return nil
	}
	exec := e.executions[execID]
	delete(e.byRequest, resp.RequestID)
	exec.collected[resp.RequestID] = resp.Data
	ready := len(exec.collected) == exec.expected
	e.mu.Unlock()

	e.dropEscalated(wc, resp.RequestID)

	if !ready {
		return nil
	}

	e.mu.Lock()
	responses := exec.collected
	exec.collected = make(map[string]any)
	e.mu.Unlock()

	events, err := exec.wf.SendResponses(ctx, responses)
	return e.settle(execID, exec.wf, events, err, wc)
}

// settle processes the outcome of one nested drive: outputs flow onward as
// messages, a paused run escalates its pending requests, and a finished run
// is forgotten.
func (e *WorkflowExecutor) settle(execID string, wf *Workflow, events []Event, err error, wc *WorkflowContext) error {
	for _, evt := range events {
		if evt.Kind == EventWorkflowOutput {
			wc.SendMessage(evt.Data)
		}
	}

	if err != nil {
		e.mu.Lock()
		var owned []string
		for reqID, id := range e.byRequest {
			if id == execID {
				owned = append(owned, reqID)
			}
		}
		e.mu.Unlock()
		e.dropEscalated(wc, owned...)
		e.forget(execID)
		evt := NewEvent(EventWorkflowError, "").
			WithExecutor(e.id).
			WithError(&ErrorDetails{
				ErrorType:  fmt.Sprintf("%T", err),
				Message:    err.Error(),
				ExecutorID: e.id,
			})
		wc.publish(evt)
		return fmt.Errorf("sub-workflow %q: %w", wf.ID(), err)
	}

	pending := wf.PendingRequests()
	if len(pending) == 0 {
		e.forget(execID)
		return nil
	}

	e.mu.Lock()
	exec, ok := e.executions[execID]
	if !ok {
		exec = &subExecution{wf: wf, collected: make(map[string]any)}
		e.executions[execID] = exec
	}
	exec.expected = len(pending)
	for _, req := range pending {
		e.byRequest[req.RequestID] = execID
	}
	e.mu.Unlock()

	// Record the escalated IDs in per-run state, so a restored run can tell
	// a stale response from one whose nested run was lost with the process.
	set := e.escalated(wc)
	for _, req := range pending {
		set[req.RequestID] = true
	}
	wc.SetState(set)

	for _, req := range pending {
		wc.SendMessage(SubWorkflowRequest{
			RequestID:     req.RequestID,
			SubWorkflowID: wf.ID(),
			RequestType:   req.RequestType,
			Data:          req.Data,
		})
	}
	return nil
}

// escalated reads the set of escalated request IDs from per-run state,
// tolerating the generic map shape a checkpoint restore produces.
func (e *WorkflowExecutor) escalated(wc *WorkflowContext) map[string]bool {
	out := make(map[string]bool)
	raw, ok := wc.State()
	if !ok {
		return out
	}
	switch m := raw.(type) {
	case map[string]bool:
		for id, v := range m {
			if v {
				out[id] = true
			}
		}
	case map[string]any:
		for id, v := range m {
			if b, ok := v.(bool); ok && b {
				out[id] = true
			}
		}
	}
	return out
}

// dropEscalated removes request IDs whose responses have been consumed or
// whose nested run ended.
func (e *WorkflowExecutor) dropEscalated(wc *WorkflowContext, requestIDs ...string) {
	if len(requestIDs) == 0 {
		return
	}
	set := e.escalated(wc)
	for _, id := range requestIDs {
		delete(set, id)
	}
	wc.SetState(set)
}

func (e *WorkflowExecutor) forget(execID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executions, execID)
	for reqID, id := range e.byRequest {
		if id == execID {
			delete(e.byRequest, reqID)
		}
	}
}

var _ Executor = (*WorkflowExecutor)(nil)
