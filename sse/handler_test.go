package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/sepal"
	"github.com/petal-labs/sepal/bus"
)

func newServer(t *testing.T, eb bus.EventBus) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/events", NewSSEHandler(eb))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func statusEvent(runID string, seq uint64, state sepal.RunState) sepal.Event {
	e := sepal.NewEvent(sepal.EventWorkflowStatus, runID).WithState(state)
	e.Seq = seq
	return e
}

// readFrames reads SSE frames from the body until it closes, returning the
// data payloads in order.
func readFrames(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var frames []sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestSSEHandler_StreamsUntilTerminal(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	srv := newServer(t, eb)

	resp, err := http.Get(srv.URL + "/runs/run-1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	out := sepal.NewEvent(sepal.EventWorkflowOutput, "run-1").WithData("result")
	out.Seq = 1
	eb.Publish(out)
	eb.Publish(statusEvent("run-1", 2, sepal.RunStateIdle))

	frames := readFrames(t, resp.Body)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Kind != "workflow.output" || frames[0].Data != "result" {
		t.Errorf("frame 0 = %+v, want workflow.output/result", frames[0])
	}
	if frames[1].Kind != "workflow.status" || frames[1].State != "idle" {
		t.Errorf("frame 1 = %+v, want terminal status", frames[1])
	}
}

func TestSSEHandler_FiltersByRun(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	srv := newServer(t, eb)

	resp, err := http.Get(srv.URL + "/runs/run-1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	time.Sleep(50 * time.Millisecond)

	foreign := sepal.NewEvent(sepal.EventWorkflowOutput, "run-2").WithData("other")
	foreign.Seq = 1
	eb.Publish(foreign)
	eb.Publish(statusEvent("run-1", 1, sepal.RunStateIdle))

	frames := readFrames(t, resp.Body)
	for _, f := range frames {
		if f.RunID != "run-1" {
			t.Errorf("received event for foreign run %q", f.RunID)
		}
	}
}

func TestSSEHandler_AfterCursorSkips(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	srv := newServer(t, eb)

	resp, err := http.Get(srv.URL + "/runs/run-1/events?after=5")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	time.Sleep(50 * time.Millisecond)

	stale := sepal.NewEvent(sepal.EventWorkflowOutput, "run-1").WithData("old")
	stale.Seq = 3
	eb.Publish(stale)
	eb.Publish(statusEvent("run-1", 6, sepal.RunStateIdle))

	frames := readFrames(t, resp.Body)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 (stale skipped)", len(frames))
	}
	if frames[0].Seq != 6 {
		t.Errorf("frame seq = %d, want 6", frames[0].Seq)
	}
}

func TestSSEHandler_MissingRunID(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	NewSSEHandler(eb).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSSEHandler_InvalidAfter(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	srv := newServer(t, eb)

	resp, err := http.Get(srv.URL + "/runs/run-1/events?after=notanumber")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
