// Package sse provides a Server-Sent Events handler for streaming workflow
// run events to HTTP clients via the event bus.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/sepal"
	"github.com/petal-labs/sepal/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of a run event sent over
// the SSE stream.
type sseEvent struct {
	Kind        string    `json:"kind"`
	RunID       string    `json:"run_id"`
	ExecutorID  string    `json:"executor_id,omitempty"`
	Origin      string    `json:"origin"`
	State       string    `json:"state,omitempty"`
	Data        any       `json:"data,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	RequestType string    `json:"request_type,omitempty"`
	Error       any       `json:"error,omitempty"`
	Superstep   int       `json:"superstep"`
	Seq         uint64    `json:"seq"`
	Time        time.Time `json:"time"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	TraceID     string    `json:"trace_id,omitempty"`
	SpanID      string    `json:"span_id,omitempty"`
}

func toSSEEvent(e sepal.Event) sseEvent {
	out := sseEvent{
		Kind:        string(e.Kind),
		RunID:       e.RunID,
		ExecutorID:  e.ExecutorID,
		Origin:      string(e.Origin),
		State:       string(e.State),
		Data:        e.Data,
		RequestID:   e.RequestID,
		RequestType: e.RequestType,
		Superstep:   e.Superstep,
		Seq:         e.Seq,
		Time:        e.Time,
		ElapsedMs:   e.Elapsed.Milliseconds(),
		TraceID:     e.TraceID,
		SpanID:      e.SpanID,
	}
	if e.Error != nil {
		out.Error = e.Error
	}
	return out
}

// terminal reports whether an event ends the stream: the status event
// carrying a terminal lifecycle state.
func terminal(e sepal.Event) bool {
	return e.Kind == sepal.EventWorkflowStatus && e.State.Terminal()
}

// SSEHandler serves an SSE stream of run events for a given run, subscribed
// live via the EventBus.
//
// The handler expects a "run_id" path value (Go 1.22+ ServeMux) and an
// optional "after" query parameter carrying the last-seen sequence number;
// events at or below that sequence are skipped.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds. The stream
// closes when a terminal workflow.status event is sent or the client
// disconnects.
type SSEHandler struct {
	bus bus.EventBus
}

// NewSSEHandler creates an SSEHandler over the given EventBus.
func NewSSEHandler(eb bus.EventBus) *SSEHandler {
	return &SSEHandler{bus: eb}
}

// ServeHTTP implements http.Handler. It streams events for the run identified
// by the "run_id" path value.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	h.streamLive(w, r, flusher, sub, afterSeq)
}

// streamLive forwards subscribed events, skipping those at or below the
// client's cursor.
func (h *SSEHandler) streamLive(
	w http.ResponseWriter,
	r *http.Request,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq uint64,
) {
	ctx := r.Context()
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			lastSeq = evt.Seq

			if terminal(evt) {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt sepal.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
