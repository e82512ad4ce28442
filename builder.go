package sepal

import (
	"fmt"
	"reflect"
	"sync"
)

// edgeSpec defers edge construction until Build, so validation sees the
// complete executor set.
type edgeSpec struct {
	group EdgeGroup
}

// WorkflowBuilder assembles a workflow graph. Methods chain; errors
// accumulate and surface from Build, so construction reads as one fluent
// expression.
type WorkflowBuilder struct {
	id            string
	executors     map[string]Executor
	order         []string
	edges         []edgeSpec
	start         string
	maxIterations int
	errs          []error
}

// DefaultMaxIterations bounds supersteps per drive when the builder is not
// told otherwise.
const DefaultMaxIterations = 100

// NewWorkflowBuilder starts a builder for the workflow with the given ID.
func NewWorkflowBuilder(id string) *WorkflowBuilder {
	return &WorkflowBuilder{
		id:            id,
		executors:     make(map[string]Executor),
		maxIterations: DefaultMaxIterations,
	}
}

// StartWith registers the executor and marks it as the entry point that
// receives the run input.
func (b *WorkflowBuilder) StartWith(e Executor) *WorkflowBuilder {
	b.AddExecutor(e)
	b.start = e.ID()
	return b
}

// AddExecutor registers an executor. IDs must be unique.
func (b *WorkflowBuilder) AddExecutor(e Executor) *WorkflowBuilder {
	id := e.ID()
	if _, exists := b.executors[id]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrDuplicateExecutor, id))
		return b
	}
	b.executors[id] = e
	b.order = append(b.order, id)
	return b
}

// EdgeOption configures a direct edge.
type EdgeOption func(*SingleEdgeGroup)

// WithCondition gates the edge: the message is delivered only when the
// condition reports true.
func WithCondition(cond Condition) EdgeOption {
	return func(g *SingleEdgeGroup) {
		g.Condition = cond
	}
}

// AddEdge connects from to to with an optional condition.
func (b *WorkflowBuilder) AddEdge(from, to string, opts ...EdgeOption) *WorkflowBuilder {
	g := &SingleEdgeGroup{Source: from, Target: to}
	for _, opt := range opts {
		opt(g)
	}
	b.edges = append(b.edges, edgeSpec{group: g})
	return b
}

// FanOutOption configures a fan-out edge group.
type FanOutOption func(*FanOutEdgeGroup)

// WithSelection narrows a fan-out to a runtime-chosen subset of its targets.
// The selection must return declared targets only.
func WithSelection(sel Selection) FanOutOption {
	return func(g *FanOutEdgeGroup) {
		g.Selection = sel
	}
}

// AddFanOut broadcasts messages from from to every target, or to the subset
// a selection picks.
func (b *WorkflowBuilder) AddFanOut(from string, targets []string, opts ...FanOutOption) *WorkflowBuilder {
	g := &FanOutEdgeGroup{Source: from, TargetIDs: append([]string(nil), targets...)}
	for _, opt := range opts {
		opt(g)
	}
	b.edges = append(b.edges, edgeSpec{group: g})
	return b
}

// AddFanIn joins messages from all sources into a single []any delivery to
// to, ordered as declared here. The join releases only when every source has
// contributed.
func (b *WorkflowBuilder) AddFanIn(sources []string, to string) *WorkflowBuilder {
	b.edges = append(b.edges, edgeSpec{group: NewFanInEdgeGroup(sources, to)})
	return b
}

// AddSwitch routes each message from from to the target of the first case
// whose condition matches, or to the default target when none do.
func (b *WorkflowBuilder) AddSwitch(from string, cases []SwitchCase, defaultTarget string) *WorkflowBuilder {
	b.edges = append(b.edges, edgeSpec{group: NewSwitchCaseEdgeGroup(from, cases, defaultTarget)})
	return b
}

// WithMaxIterations bounds the supersteps a single drive may take. Exceeding
// the bound fails the run with ErrMaxIterations.
func (b *WorkflowBuilder) WithMaxIterations(n int) *WorkflowBuilder {
	if n <= 0 {
		b.errs = append(b.errs, fmt.Errorf("max iterations must be positive, got %d", n))
		return b
	}
	b.maxIterations = n
	return b
}

// Build validates the graph and returns an immutable workflow. Validation
// covers edge endpoint existence, source/target type compatibility, and
// reachability of every executor from the start.
func (b *WorkflowBuilder) Build() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.start == "" {
		return nil, ErrNoStartExecutor
	}
	if _, ok := b.executors[b.start]; !ok {
		return nil, fmt.Errorf("%w: start executor %q", ErrExecutorNotFound, b.start)
	}

	groups := make([]EdgeGroup, 0, len(b.edges))
	for _, spec := range b.edges {
		if err := b.validateGroup(spec.group); err != nil {
			return nil, err
		}
		groups = append(groups, spec.group)
	}

	if err := b.validateReachability(groups); err != nil {
		return nil, err
	}

	// One runner per group, shared across its sources; groupRunners keeps the
	// group-to-runner pairing for checkpointing stateful runners.
	groupRunners := make([]edgeRunner, len(groups))
	runners := make(map[string][]edgeRunner, len(b.executors))
	for i, g := range groups {
		r := g.newRunner()
		groupRunners[i] = r
		for _, src := range g.Sources() {
			runners[src] = append(runners[src], r)
		}
	}

	locks := make(map[string]*sync.Mutex, len(b.executors))
	for id := range b.executors {
		locks[id] = &sync.Mutex{}
	}

	return &Workflow{
		id:            b.id,
		executors:     b.executors,
		order:         append([]string(nil), b.order...),
		groups:        groups,
		start:         b.start,
		maxIterations: b.maxIterations,
		signature:     computeSignature(b.executors, groups, b.start, b.maxIterations),
		rc:            newRunnerContext(),
		shared:        NewSharedState(),
		runners:       runners,
		groupRunners:  groupRunners,
		locks:         locks,
	}, nil
}

// validateGroup checks endpoint existence and type compatibility for one
// edge group.
func (b *WorkflowBuilder) validateGroup(g EdgeGroup) error {
	for _, src := range g.Sources() {
		if _, ok := b.executors[src]; !ok {
			return fmt.Errorf("%w: edge source %q", ErrExecutorNotFound, src)
		}
	}
	for _, tgt := range g.Targets() {
		if _, ok := b.executors[tgt]; !ok {
			return fmt.Errorf("%w: edge target %q", ErrExecutorNotFound, tgt)
		}
	}

	if fanIn, ok := g.(*FanInEdgeGroup); ok {
		// Fan-in joins arrive as a single []any slice.
		target := b.executors[fanIn.Target]
		if !executorAccepts(target, reflect.TypeOf([]any(nil))) {
			return fmt.Errorf("%w: fan-in target %q does not accept []any",
				ErrTypeIncompatible, fanIn.Target)
		}
		return nil
	}

	for _, srcID := range g.Sources() {
		src := b.executors[srcID]
		for _, tgtID := range g.Targets() {
			tgt := b.executors[tgtID]
			if !typesCompatible(src.OutputTypes(), tgt.InputTypes()) {
				return fmt.Errorf("%w: %q -> %q", ErrTypeIncompatible, srcID, tgtID)
			}
		}
	}
	return nil
}

// typesCompatible reports whether any output type could be accepted as an
// input type.
func typesCompatible(outputs, inputs []reflect.Type) bool {
	for _, out := range outputs {
		if typeAccepted(inputs, out) {
			return true
		}
	}
	return false
}

// validateReachability walks the graph from the start executor and rejects
// any executor no path reaches.
func (b *WorkflowBuilder) validateReachability(groups []EdgeGroup) error {
	adjacent := make(map[string][]string)
	for _, g := range groups {
		targets := uniqueTargets(g)
		for _, src := range g.Sources() {
			adjacent[src] = append(adjacent[src], targets...)
		}
	}

	visited := map[string]bool{b.start: true}
	frontier := []string{b.start}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		for _, next := range adjacent[node] {
			if !visited[next] {
				visited[next] = true
				frontier = append(frontier, next)
			}
		}
	}

	for _, id := range b.order {
		if !visited[id] {
			return fmt.Errorf("%w: executor %q", ErrUnreachable, id)
		}
	}
	return nil
}
