package sepal

import (
	"context"
	"testing"
)

func sigExecutor(t *testing.T, id string) *HandlerExecutor {
	t.Helper()
	return mustExecutor(t, id,
		On(func(ctx context.Context, wc *WorkflowContext, v any) error { return nil }))
}

func buildSigWorkflow(t *testing.T, reversed bool) *Workflow {
	t.Helper()
	b := NewWorkflowBuilder("sig")
	if reversed {
		b.StartWith(sigExecutor(t, "a")).
			AddExecutor(sigExecutor(t, "c")).
			AddExecutor(sigExecutor(t, "b")).
			AddEdge("a", "c").
			AddEdge("a", "b")
	} else {
		b.StartWith(sigExecutor(t, "a")).
			AddExecutor(sigExecutor(t, "b")).
			AddExecutor(sigExecutor(t, "c")).
			AddEdge("a", "b").
			AddEdge("a", "c")
	}
	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return wf
}

func TestSignature_Deterministic(t *testing.T) {
	first := buildSigWorkflow(t, false)
	second := buildSigWorkflow(t, false)
	if first.Signature() != second.Signature() {
		t.Error("identical graphs produced different signatures")
	}
	if first.Signature() == "" {
		t.Error("signature is empty")
	}
}

func TestSignature_InsertionOrderIndependent(t *testing.T) {
	forward := buildSigWorkflow(t, false)
	reversed := buildSigWorkflow(t, true)
	if forward.Signature() != reversed.Signature() {
		t.Error("signature depends on declaration order")
	}
}

func TestSignature_ChangesWithTopology(t *testing.T) {
	base := buildSigWorkflow(t, false)

	extended, err := NewWorkflowBuilder("sig").
		StartWith(sigExecutor(t, "a")).
		AddExecutor(sigExecutor(t, "b")).
		AddExecutor(sigExecutor(t, "c")).
		AddExecutor(sigExecutor(t, "d")).
		AddEdge("a", "b").
		AddEdge("a", "c").
		AddEdge("c", "d").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if base.Signature() == extended.Signature() {
		t.Error("adding an executor and edge did not change the signature")
	}
}

func TestSignature_ChangesWithMaxIterations(t *testing.T) {
	base := buildSigWorkflow(t, false)

	bounded, err := NewWorkflowBuilder("sig").
		StartWith(sigExecutor(t, "a")).
		AddExecutor(sigExecutor(t, "b")).
		AddExecutor(sigExecutor(t, "c")).
		AddEdge("a", "b").
		AddEdge("a", "c").
		WithMaxIterations(7).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if base.Signature() == bounded.Signature() {
		t.Error("changing the iteration bound did not change the signature")
	}
}

func TestSignature_ChangesWithCondition(t *testing.T) {
	unconditional := buildSigWorkflow(t, false)

	conditional, err := NewWorkflowBuilder("sig").
		StartWith(sigExecutor(t, "a")).
		AddExecutor(sigExecutor(t, "b")).
		AddExecutor(sigExecutor(t, "c")).
		AddEdge("a", "b", WithCondition(isEven)).
		AddEdge("a", "c").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if unconditional.Signature() == conditional.Signature() {
		t.Error("adding an edge condition did not change the signature")
	}
}
