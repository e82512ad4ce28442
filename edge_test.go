package sepal

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

// deliveryRecorder captures invocations made by an edge runner.
type deliveryRecorder struct {
	mu    sync.Mutex
	calls []struct {
		target string
		data   any
	}
}

func (r *deliveryRecorder) invoke(ctx context.Context, targetID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		target string
		data   any
	}{targetID, msg.Data})
	return nil
}

func (r *deliveryRecorder) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.target
	}
	return out
}

func TestSingleEdge_Delivers(t *testing.T) {
	rec := &deliveryRecorder{}
	r := NewSingleEdgeGroup("a", "b", nil).newRunner()

	if err := r.deliver(context.Background(), Message{Data: 1, SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.targets(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("delivered to %v, want [b]", got)
	}
}

func TestSingleEdge_ConditionBlocks(t *testing.T) {
	rec := &deliveryRecorder{}
	even := func(msg Message) bool {
		n, _ := msg.Data.(int)
		return n%2 == 0
	}
	r := NewSingleEdgeGroup("a", "b", even).newRunner()

	if err := r.deliver(context.Background(), Message{Data: 3, SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(rec.targets()) != 0 {
		t.Errorf("blocked message was delivered to %v", rec.targets())
	}

	if err := r.deliver(context.Background(), Message{Data: 4, SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.targets(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("delivered to %v, want [b]", got)
	}
}

func TestFanOut_Broadcasts(t *testing.T) {
	rec := &deliveryRecorder{}
	r := NewFanOutEdgeGroup("a", []string{"b", "c", "d"}, nil).newRunner()

	if err := r.deliver(context.Background(), Message{Data: 1, SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.targets(); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Errorf("delivered to %v, want [b c d]", got)
	}
}

func TestFanOut_SelectionSubset(t *testing.T) {
	rec := &deliveryRecorder{}
	pickLast := func(msg Message, targets []string) []string {
		return targets[len(targets)-1:]
	}
	r := NewFanOutEdgeGroup("a", []string{"b", "c"}, pickLast).newRunner()

	if err := r.deliver(context.Background(), Message{Data: 1, SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.targets(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("delivered to %v, want [c]", got)
	}
}

func TestFanOut_SelectionUndeclaredTarget(t *testing.T) {
	rec := &deliveryRecorder{}
	rogue := func(msg Message, targets []string) []string {
		return []string{"z"}
	}
	r := NewFanOutEdgeGroup("a", []string{"b", "c"}, rogue).newRunner()

	err := r.deliver(context.Background(), Message{Data: 1, SourceID: "a"}, rec.invoke)
	if !errors.Is(err, ErrInvalidEdge) {
		t.Fatalf("got %v, want ErrInvalidEdge", err)
	}
	if len(rec.targets()) != 0 {
		t.Errorf("invalid selection still delivered to %v", rec.targets())
	}
}

func TestFanIn_WaitsForAllSources(t *testing.T) {
	rec := &deliveryRecorder{}
	r := NewFanInEdgeGroup([]string{"a", "b"}, "sink").newRunner()

	if err := r.deliver(context.Background(), Message{Data: "A", SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(rec.targets()) != 0 {
		t.Fatalf("fan-in flushed before all sources arrived: %v", rec.targets())
	}

	if err := r.deliver(context.Background(), Message{Data: "B", SourceID: "b"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.targets(); !reflect.DeepEqual(got, []string{"sink"}) {
		t.Fatalf("delivered to %v, want [sink]", got)
	}
	if got := rec.calls[0].data; !reflect.DeepEqual(got, []any{"A", "B"}) {
		t.Errorf("aggregated payload = %v, want [A B]", got)
	}
}

func TestFanIn_DeclaredOrderNotArrivalOrder(t *testing.T) {
	rec := &deliveryRecorder{}
	r := NewFanInEdgeGroup([]string{"a", "b", "c"}, "sink").newRunner()

	// Arrive in reverse.
	for _, src := range []string{"c", "b", "a"} {
		if err := r.deliver(context.Background(), Message{Data: src, SourceID: src}, rec.invoke); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	if len(rec.calls) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(rec.calls))
	}
	if got := rec.calls[0].data; !reflect.DeepEqual(got, []any{"a", "b", "c"}) {
		t.Errorf("aggregated payload = %v, want declared order [a b c]", got)
	}
}

func TestFanIn_MultipleRounds(t *testing.T) {
	rec := &deliveryRecorder{}
	r := NewFanInEdgeGroup([]string{"a", "b"}, "sink").newRunner()

	// Source a races ahead; its second message buffers until b catches up.
	seq := []Message{
		{Data: "a1", SourceID: "a"},
		{Data: "a2", SourceID: "a"},
		{Data: "b1", SourceID: "b"},
		{Data: "b2", SourceID: "b"},
	}
	for _, msg := range seq {
		if err := r.deliver(context.Background(), msg, rec.invoke); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	if len(rec.calls) != 2 {
		t.Fatalf("got %d deliveries, want 2 rounds", len(rec.calls))
	}
	if got := rec.calls[0].data; !reflect.DeepEqual(got, []any{"a1", "b1"}) {
		t.Errorf("round 1 = %v, want [a1 b1]", got)
	}
	if got := rec.calls[1].data; !reflect.DeepEqual(got, []any{"a2", "b2"}) {
		t.Errorf("round 2 = %v, want [a2 b2]", got)
	}
}

func TestFanIn_ResetClearsBuffer(t *testing.T) {
	rec := &deliveryRecorder{}
	r := NewFanInEdgeGroup([]string{"a", "b"}, "sink").newRunner()

	if err := r.deliver(context.Background(), Message{Data: "stale", SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	r.reset()

	// After reset, b alone must not complete a round with the stale a.
	if err := r.deliver(context.Background(), Message{Data: "b", SourceID: "b"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("reset did not clear buffered messages: %v", rec.calls)
	}
}

func TestFanIn_SnapshotRestoreCarriesPartialRound(t *testing.T) {
	rec := &deliveryRecorder{}
	group := NewFanInEdgeGroup([]string{"a", "b"}, "sink")
	r := group.newRunner()

	if err := r.deliver(context.Background(), Message{Data: "a1", SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	snap := r.snapshot()
	if len(snap["a"]) != 1 {
		t.Fatalf("snapshot = %v, want buffered message from a", snap)
	}

	// A fresh runner picking up the snapshot completes the round once the
	// missing source contributes.
	fresh := group.newRunner()
	fresh.restore(snap)
	if err := fresh.deliver(context.Background(), Message{Data: "b1", SourceID: "b"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(rec.calls))
	}
	if got, ok := rec.calls[0].data.([]any); !ok || !reflect.DeepEqual(got, []any{"a1", "b1"}) {
		t.Errorf("delivered %v, want [a1 b1]", rec.calls[0].data)
	}
}

func TestStatelessRunners_SnapshotNil(t *testing.T) {
	groups := []EdgeGroup{
		NewSingleEdgeGroup("a", "b", nil),
		NewFanOutEdgeGroup("a", []string{"b", "c"}, nil),
		NewSwitchCaseEdgeGroup("a", nil, "b"),
	}
	for _, g := range groups {
		if snap := g.newRunner().snapshot(); snap != nil {
			t.Errorf("%s: snapshot = %v, want nil", g.signature(), snap)
		}
	}
}

func TestSwitchCase_FirstMatchWins(t *testing.T) {
	rec := &deliveryRecorder{}
	always := func(Message) bool { return true }
	r := NewSwitchCaseEdgeGroup("a", []SwitchCase{
		{When: always, Target: "first"},
		{When: always, Target: "second"},
	}, "fallback").newRunner()

	if err := r.deliver(context.Background(), Message{Data: 1, SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.targets(); !reflect.DeepEqual(got, []string{"first"}) {
		t.Errorf("delivered to %v, want [first]", got)
	}
}

func TestSwitchCase_DefaultWhenNoMatch(t *testing.T) {
	rec := &deliveryRecorder{}
	never := func(Message) bool { return false }
	r := NewSwitchCaseEdgeGroup("a", []SwitchCase{
		{When: never, Target: "b"},
	}, "fallback").newRunner()

	if err := r.deliver(context.Background(), Message{Data: 1, SourceID: "a"}, rec.invoke); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := rec.targets(); !reflect.DeepEqual(got, []string{"fallback"}) {
		t.Errorf("delivered to %v, want [fallback]", got)
	}
}

func TestUniqueTargets(t *testing.T) {
	g := NewSwitchCaseEdgeGroup("a", []SwitchCase{
		{When: nil, Target: "b"},
		{When: nil, Target: "c"},
		{When: nil, Target: "b"},
	}, "c")

	got := uniqueTargets(g)
	if !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("uniqueTargets = %v, want [b c]", got)
	}
}

func TestSortedSignatures_OrderIndependent(t *testing.T) {
	a := NewSingleEdgeGroup("a", "b", nil)
	b := NewFanOutEdgeGroup("b", []string{"c", "d"}, nil)

	got1 := sortedSignatures([]EdgeGroup{a, b})
	got2 := sortedSignatures([]EdgeGroup{b, a})
	if !reflect.DeepEqual(got1, got2) {
		t.Errorf("signatures depend on insertion order:\n%v\n%v", got1, got2)
	}
}
