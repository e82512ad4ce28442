package sepal

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/petal-labs/sepal/checkpoint"
)

func init() {
	checkpoint.RegisterType[RequestInfoMessage]("sepal:RequestInfoMessage")
	checkpoint.RegisterType[RequestResponse]("sepal:RequestResponse")
	checkpoint.RegisterType[PendingRequest]("sepal:PendingRequest")
}

// RequestInfoMessage asks for external input. An executor sends it along an
// edge to a RequestInfoExecutor, which surfaces it as a request.info event
// and pauses the run until a correlated response arrives via SendResponses.
type RequestInfoMessage struct {
	// RequestID correlates the response. Assigned if empty.
	RequestID string

	// RequestType names the kind of input requested, for observability.
	RequestType string

	// Data is the request payload shown to the external responder.
	Data any
}

// RequestResponse is the correlated reply delivered point-to-point to the
// executor that issued the original request.
type RequestResponse struct {
	RequestID       string
	Data            any
	OriginalRequest RequestInfoMessage
}

// PendingRequest is one still-unanswered external request. Pending requests
// live in the RequestInfoExecutor's per-run state, so they survive
// checkpoints.
type PendingRequest struct {
	RequestID     string
	SourceID      string
	RequestType   string
	Data          any
	SubWorkflowID string // set when forwarded from a nested workflow
}

// RequestInfoExecutor is the built-in gateway between a running workflow and
// external input. It records incoming requests, emits request.info events,
// and, once a response is delivered, sends the correlated reply back to the
// original requester. Recording a request enqueues no further message,
// so a run with only requests in flight naturally converges into a paused
// state.
//
// Responding to an unknown request ID is a fatal error.
type RequestInfoExecutor struct {
	id string
}

// NewRequestInfoExecutor creates a request gateway with the given ID.
func NewRequestInfoExecutor(id string) *RequestInfoExecutor {
	return &RequestInfoExecutor{id: id}
}

// ID returns the executor's unique identifier.
func (e *RequestInfoExecutor) ID() string {
	return e.id
}

// InputTypes returns the accepted request message types.
func (e *RequestInfoExecutor) InputTypes() []reflect.Type {
	return []reflect.Type{
		reflect.TypeOf(RequestInfoMessage{}),
		reflect.TypeOf(SubWorkflowRequest{}),
	}
}

// OutputTypes returns the reply types sent point-to-point to requesters.
func (e *RequestInfoExecutor) OutputTypes() []reflect.Type {
	return []reflect.Type{
		reflect.TypeOf(RequestResponse{}),
		reflect.TypeOf(SubWorkflowResponse{}),
	}
}

// Execute records the request and surfaces it as a request.info event.
func (e *RequestInfoExecutor) Execute(ctx context.Context, msg Message, wc *WorkflowContext) error {
	switch req := msg.Data.(type) {
	case RequestInfoMessage:
		id := req.RequestID
		if id == "" {
			id = uuid.NewString()
		}
		return e.record(wc, PendingRequest{
			RequestID:   id,
			SourceID:    msg.SourceID,
			RequestType: req.RequestType,
			Data:        req.Data,
		})

	case SubWorkflowRequest:
		return e.record(wc, PendingRequest{
			RequestID:     req.RequestID,
			SourceID:      msg.SourceID,
			RequestType:   req.RequestType,
			Data:          req.Data,
			SubWorkflowID: req.SubWorkflowID,
		})

	default:
		return fmt.Errorf("%w: %T on executor %q", ErrNoHandler, msg.Data, e.id)
	}
}

func (e *RequestInfoExecutor) record(wc *WorkflowContext, req PendingRequest) error {
	pending := e.pending(wc.rc)
	if _, exists := pending[req.RequestID]; exists {
		return fmt.Errorf("request ID %q already pending on executor %q", req.RequestID, e.id)
	}
	pending[req.RequestID] = req
	wc.rc.setState(e.id, pending)

	evt := NewEvent(EventRequestInfo, "").
		WithExecutor(e.id).
		WithData(req.Data)
	evt.RequestID = req.RequestID
	evt.RequestType = req.RequestType
	wc.publish(evt)
	return nil
}

// respond resolves a pending request: the entry is removed and the
// correlated reply is staged point-to-point back to the requester. A second
// response to the same, now-resolved ID fails with ErrUnknownRequestID.
func (e *RequestInfoExecutor) respond(rc *RunnerContext, requestID string, data any) error {
	pending := e.pending(rc)
	req, ok := pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRequestID, requestID)
	}
	delete(pending, requestID)
	rc.setState(e.id, pending)

	var payload any
	if req.SubWorkflowID != "" {
		payload = SubWorkflowResponse{
			RequestID:     requestID,
			SubWorkflowID: req.SubWorkflowID,
			Data:          data,
		}
	} else {
		payload = RequestResponse{
			RequestID: requestID,
			Data:      data,
			OriginalRequest: RequestInfoMessage{
				RequestID:   requestID,
				RequestType: req.RequestType,
				Data:        req.Data,
			},
		}
	}

	rc.stage(Message{Data: payload, SourceID: e.id, TargetID: req.SourceID})
	return nil
}

// has reports whether the request ID is pending on this gateway.
func (e *RequestInfoExecutor) has(rc *RunnerContext, requestID string) bool {
	_, ok := e.pending(rc)[requestID]
	return ok
}

// pendingRequests lists this gateway's unanswered requests.
func (e *RequestInfoExecutor) pendingRequests(rc *RunnerContext) []PendingRequest {
	pending := e.pending(rc)
	out := make([]PendingRequest, 0, len(pending))
	for _, req := range pending {
		out = append(out, req)
	}
	return out
}

// pending reads the pending-request table from the executor's per-run state,
// tolerating the generic map shape a checkpoint restore produces.
func (e *RequestInfoExecutor) pending(rc *RunnerContext) map[string]PendingRequest {
	out := make(map[string]PendingRequest)
	raw, ok := rc.state(e.id)
	if !ok {
		return out
	}
	switch m := raw.(type) {
	case map[string]PendingRequest:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if req, ok := v.(PendingRequest); ok {
				out[k] = req
			}
		}
	}
	return out
}

var _ Executor = (*RequestInfoExecutor)(nil)
