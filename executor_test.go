package sepal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func newTestContext(executorID string) *WorkflowContext {
	return &WorkflowContext{
		executorID: executorID,
		rc:         newRunnerContext(),
		shared:     NewSharedState(),
		publish:    func(Event) {},
	}
}

func TestNewExecutor_RequiresID(t *testing.T) {
	_, err := NewExecutor("",
		On(func(ctx context.Context, wc *WorkflowContext, s string) error { return nil }))
	if err == nil {
		t.Fatal("expected error for empty ID")
	}
}

func TestNewExecutor_RequiresHandlers(t *testing.T) {
	_, err := NewExecutor("empty")
	if err == nil {
		t.Fatal("expected error for executor with no handlers")
	}
}

func TestNewExecutor_DuplicateHandler(t *testing.T) {
	_, err := NewExecutor("dup",
		On(func(ctx context.Context, wc *WorkflowContext, s string) error { return nil }),
		On(func(ctx context.Context, wc *WorkflowContext, s string) error { return nil }),
	)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("got %v, want ErrDuplicateHandler", err)
	}
}

func TestExecute_ExactTypeMatch(t *testing.T) {
	var got string
	exec, err := NewExecutor("typed",
		On(func(ctx context.Context, wc *WorkflowContext, n int) error {
			got = fmt.Sprintf("int:%d", n)
			return nil
		}),
		On(func(ctx context.Context, wc *WorkflowContext, s string) error {
			got = "string:" + s
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	if err := exec.Execute(context.Background(), Message{Data: 42}, newTestContext("typed")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "int:42" {
		t.Errorf("dispatched to %q, want int handler", got)
	}

	if err := exec.Execute(context.Background(), Message{Data: "hi"}, newTestContext("typed")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "string:hi" {
		t.Errorf("dispatched to %q, want string handler", got)
	}
}

func TestExecute_ExactBeatsInterface(t *testing.T) {
	var got string
	exec, err := NewExecutor("mixed",
		On(func(ctx context.Context, wc *WorkflowContext, v any) error {
			got = "any"
			return nil
		}),
		On(func(ctx context.Context, wc *WorkflowContext, s string) error {
			got = "string"
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	if err := exec.Execute(context.Background(), Message{Data: "x"}, newTestContext("mixed")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "string" {
		t.Errorf("dispatched to %q, want exact string handler over any", got)
	}
}

func TestExecute_InterfaceDeclarationOrder(t *testing.T) {
	var got string
	exec, err := NewExecutor("ifaces",
		On(func(ctx context.Context, wc *WorkflowContext, e error) error {
			got = "error"
			return nil
		}),
		On(func(ctx context.Context, wc *WorkflowContext, v any) error {
			got = "any"
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	// An error value implements both; the first declared interface wins.
	if err := exec.Execute(context.Background(), Message{Data: errors.New("boom")}, newTestContext("ifaces")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "error" {
		t.Errorf("dispatched to %q, want first-declared error handler", got)
	}

	// A non-error value falls through to the catch-all.
	if err := exec.Execute(context.Background(), Message{Data: 1}, newTestContext("ifaces")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "any" {
		t.Errorf("dispatched to %q, want any handler", got)
	}
}

func TestExecute_NoHandler(t *testing.T) {
	exec, err := NewExecutor("narrow",
		On(func(ctx context.Context, wc *WorkflowContext, n int) error { return nil }))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	err = exec.Execute(context.Background(), Message{Data: "string"}, newTestContext("narrow"))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("got %v, want ErrNoHandler", err)
	}
}

func TestExecute_NilPayload(t *testing.T) {
	exec, err := NewExecutor("narrow",
		On(func(ctx context.Context, wc *WorkflowContext, n int) error { return nil }))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := exec.Execute(context.Background(), Message{}, newTestContext("narrow")); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("got %v, want ErrNoHandler for nil payload", err)
	}

	var gotNil bool
	catchAll, err := NewExecutor("wide",
		On(func(ctx context.Context, wc *WorkflowContext, v any) error {
			gotNil = v == nil
			return nil
		}))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := catchAll.Execute(context.Background(), Message{}, newTestContext("wide")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !gotNil {
		t.Error("catch-all handler should receive nil payload")
	}
}

func TestInputTypes_DeclarationOrder(t *testing.T) {
	exec, err := NewExecutor("ordered",
		On(func(ctx context.Context, wc *WorkflowContext, s string) error { return nil }),
		On(func(ctx context.Context, wc *WorkflowContext, n int) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	got := exec.InputTypes()
	want := []reflect.Type{reflect.TypeOf(""), reflect.TypeOf(0)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("InputTypes = %v, want %v", got, want)
	}
}

func TestOutputTypes_DefaultAndDeclared(t *testing.T) {
	plain, err := NewExecutor("plain",
		On(func(ctx context.Context, wc *WorkflowContext, s string) error { return nil }))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if got := plain.OutputTypes(); len(got) != 1 || got[0] != anyType {
		t.Errorf("default OutputTypes = %v, want [any]", got)
	}

	declared, err := NewExecutor("declared",
		On(func(ctx context.Context, wc *WorkflowContext, s string) error { return nil }),
		Emits[int](),
	)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if got := declared.OutputTypes(); len(got) != 1 || got[0] != reflect.TypeOf(0) {
		t.Errorf("declared OutputTypes = %v, want [int]", got)
	}
}

func TestTypeAccepted(t *testing.T) {
	intType := reflect.TypeOf(0)
	strType := reflect.TypeOf("")
	errType := reflect.TypeOf((*error)(nil)).Elem()

	cases := []struct {
		name   string
		inputs []reflect.Type
		out    reflect.Type
		want   bool
	}{
		{"exact", []reflect.Type{intType}, intType, true},
		{"mismatch", []reflect.Type{intType}, strType, false},
		{"any input accepts all", []reflect.Type{anyType}, strType, true},
		{"any output accepted optimistically", []reflect.Type{intType}, anyType, true},
		{"interface satisfied", []reflect.Type{errType}, reflect.TypeOf(errors.New("")), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := typeAccepted(tc.inputs, tc.out); got != tc.want {
				t.Errorf("typeAccepted(%v, %v) = %v, want %v", tc.inputs, tc.out, got, tc.want)
			}
		})
	}
}
