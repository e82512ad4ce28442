package sepal

import (
	"context"
	"fmt"
	"reflect"
)

// anyType is the wildcard message type: a handler registered for it accepts
// every payload, and an executor with no declared outputs is assumed to be
// able to emit anything.
var anyType = reflect.TypeOf((*any)(nil)).Elem()

// Executor is a graph node. It consumes typed messages and may send further
// messages, yield workflow outputs, and emit events through the
// WorkflowContext.
//
// Executor instances are owned exclusively by the workflow that contains
// them and must not be shared between workflows.
type Executor interface {
	// ID returns the unique identifier for this executor within a workflow.
	ID() string

	// InputTypes returns the message types this executor accepts.
	InputTypes() []reflect.Type

	// OutputTypes returns the message types this executor may send.
	OutputTypes() []reflect.Type

	// Execute dispatches the message to the matching handler.
	Execute(ctx context.Context, msg Message, wc *WorkflowContext) error
}

// HandlerFunc is the untyped form a registered handler is stored as.
// Use On to register a typed handler.
type HandlerFunc func(ctx context.Context, wc *WorkflowContext, msg Message) error

type handlerEntry struct {
	typ reflect.Type
	fn  HandlerFunc
}

// ExecutorOption configures a HandlerExecutor at construction.
type ExecutorOption func(*HandlerExecutor) error

// On registers a handler for payloads of type T. Registration happens once,
// at construction; registering two handlers for the same type is a build
// error. A handler for an interface type matches any payload implementing
// it; On[any] acts as a catch-all.
func On[T any](fn func(ctx context.Context, wc *WorkflowContext, data T) error) ExecutorOption {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	return func(e *HandlerExecutor) error {
		for _, h := range e.handlers {
			if h.typ == typ {
				return fmt.Errorf("%w: %s on executor %q", ErrDuplicateHandler, typ, e.id)
			}
		}
		e.handlers = append(e.handlers, handlerEntry{
			typ: typ,
			fn: func(ctx context.Context, wc *WorkflowContext, msg Message) error {
				data, ok := msg.Data.(T)
				if !ok {
					// Zero-value payloads routed to an interface handler.
					if msg.Data != nil {
						return fmt.Errorf("%w: %T for handler %s on executor %q",
							ErrNoHandler, msg.Data, typ, e.id)
					}
				}
				return fn(ctx, wc, data)
			},
		})
		return nil
	}
}

// Emits declares that the executor may send messages of type T. Declared
// output types drive build-time edge type checking. An executor with no
// Emits declarations is treated as emitting any type.
func Emits[T any]() ExecutorOption {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	return func(e *HandlerExecutor) error {
		e.outputs = append(e.outputs, typ)
		return nil
	}
}

// HandlerExecutor is an Executor built from a fixed handler table.
// The table is immutable after construction.
type HandlerExecutor struct {
	id       string
	handlers []handlerEntry // declaration order
	exact    map[reflect.Type]HandlerFunc
	outputs  []reflect.Type
}

// NewExecutor builds an executor with the given unique ID and handler table.
func NewExecutor(id string, opts ...ExecutorOption) (*HandlerExecutor, error) {
	if id == "" {
		return nil, fmt.Errorf("executor ID must not be empty")
	}
	e := &HandlerExecutor{id: id}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if len(e.handlers) == 0 {
		return nil, fmt.Errorf("executor %q has no handlers", id)
	}
	e.exact = make(map[reflect.Type]HandlerFunc, len(e.handlers))
	for _, h := range e.handlers {
		e.exact[h.typ] = h.fn
	}
	if len(e.outputs) == 0 {
		e.outputs = []reflect.Type{anyType}
	}
	return e, nil
}

// ID returns the executor's unique identifier.
func (e *HandlerExecutor) ID() string {
	return e.id
}

// InputTypes returns the registered handler types in declaration order.
func (e *HandlerExecutor) InputTypes() []reflect.Type {
	types := make([]reflect.Type, len(e.handlers))
	for i, h := range e.handlers {
		types[i] = h.typ
	}
	return types
}

// OutputTypes returns the declared output types.
func (e *HandlerExecutor) OutputTypes() []reflect.Type {
	return e.outputs
}

// Execute selects the first handler whose declared type matches the
// payload's runtime type and invokes it. An exact type match wins over an
// interface match; among interface handlers, declaration order decides.
// A payload no handler accepts is a fatal dispatch error.
func (e *HandlerExecutor) Execute(ctx context.Context, msg Message, wc *WorkflowContext) error {
	fn, err := e.selectHandler(msg.Data)
	if err != nil {
		return err
	}
	return fn(ctx, wc, msg)
}

func (e *HandlerExecutor) selectHandler(data any) (HandlerFunc, error) {
	typ := reflect.TypeOf(data)
	if typ != nil {
		if fn, ok := e.exact[typ]; ok {
			return fn, nil
		}
		for _, h := range e.handlers {
			if h.typ.Kind() == reflect.Interface && typ.Implements(h.typ) {
				return h.fn, nil
			}
		}
		return nil, fmt.Errorf("%w: %s on executor %q", ErrNoHandler, typ, e.id)
	}
	// nil payload: only a catch-all handler can take it.
	if fn, ok := e.exact[anyType]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: <nil> on executor %q", ErrNoHandler, e.id)
}

// accepts reports whether a payload of type t would dispatch to a handler.
// The wildcard anyType stands for "unknown at build time" and is accepted.
func (e *HandlerExecutor) accepts(t reflect.Type) bool {
	return typeAccepted(e.InputTypes(), t)
}

// typeAccepted implements the build-time compatibility rule between one
// declared output type and a set of accepted input types.
func typeAccepted(inputs []reflect.Type, out reflect.Type) bool {
	if out == anyType {
		// Unknown output; accept optimistically, dispatch checks at runtime.
		return true
	}
	for _, in := range inputs {
		if in == anyType || in == out {
			return true
		}
		if in.Kind() == reflect.Interface && out.Implements(in) {
			return true
		}
	}
	return false
}

// executorAccepts is the interface-level form of accepts, usable with any
// Executor implementation.
func executorAccepts(e Executor, t reflect.Type) bool {
	if he, ok := e.(*HandlerExecutor); ok {
		return he.accepts(t)
	}
	return typeAccepted(e.InputTypes(), t)
}

var _ Executor = (*HandlerExecutor)(nil)
