package sepal

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Condition decides whether an edge delivers a given message.
type Condition func(msg Message) bool

// Selection narrows a fan-out delivery to a subset of the declared targets.
// The returned IDs must be a subset of targetIDs.
type Selection func(msg Message, targetIDs []string) []string

// EdgeGroup is a routing rule between one or more source executors and one
// or more target executors. The set of variants is closed: single edge,
// fan-out, fan-in, and switch-case. Groups are immutable once the workflow
// is built.
type EdgeGroup interface {
	// Sources returns the source executor IDs in declaration order.
	Sources() []string

	// Targets returns the target executor IDs in declaration order.
	Targets() []string

	// signature returns the canonical identity used in the graph signature.
	signature() string

	// newRunner creates the runtime delivery state for this group.
	newRunner() edgeRunner
}

// deliverFunc invokes the named target executor with a message.
type deliverFunc func(ctx context.Context, targetID string, msg Message) error

// edgeRunner delivers messages for one edge group. Runners may hold state
// across supersteps (fan-in buffering) and are reset on a fresh run. Buffered
// state is part of the run and must survive checkpoints, so runners expose it
// via snapshot and restore.
type edgeRunner interface {
	deliver(ctx context.Context, msg Message, invoke deliverFunc) error

	// snapshot returns messages buffered across supersteps, keyed by source
	// ID. Stateless runners return nil.
	snapshot() map[string][]Message

	// restore replaces the buffered state from a checkpoint snapshot.
	restore(buffer map[string][]Message)

	reset()
}

// funcName returns a stable identity for a condition or selection function,
// used in the graph signature. Nil functions map to the empty string.
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "unknown"
	}
	return f.Name()
}

// SingleEdgeGroup routes messages from one source to one target, optionally
// gated by a condition.
type SingleEdgeGroup struct {
	Source    string
	Target    string
	Condition Condition
}

// NewSingleEdgeGroup creates a single edge from source to target. A nil
// condition always delivers.
func NewSingleEdgeGroup(source, target string, condition Condition) *SingleEdgeGroup {
	return &SingleEdgeGroup{Source: source, Target: target, Condition: condition}
}

func (g *SingleEdgeGroup) Sources() []string { return []string{g.Source} }
func (g *SingleEdgeGroup) Targets() []string { return []string{g.Target} }

func (g *SingleEdgeGroup) signature() string {
	return fmt.Sprintf("single|%s->%s|cond=%s", g.Source, g.Target, funcName(g.Condition))
}

func (g *SingleEdgeGroup) newRunner() edgeRunner {
	return &singleEdgeRunner{group: g}
}

type singleEdgeRunner struct {
	group *SingleEdgeGroup
}

func (r *singleEdgeRunner) deliver(ctx context.Context, msg Message, invoke deliverFunc) error {
	if r.group.Condition != nil && !r.group.Condition(msg) {
		return nil
	}
	return invoke(ctx, r.group.Target, msg)
}

func (r *singleEdgeRunner) snapshot() map[string][]Message { return nil }
func (r *singleEdgeRunner) restore(map[string][]Message)   {}
func (r *singleEdgeRunner) reset()                         {}

// FanOutEdgeGroup broadcasts messages from one source to every target,
// unless a selection function narrows the recipients.
type FanOutEdgeGroup struct {
	Source    string
	TargetIDs []string
	Selection Selection
}

// NewFanOutEdgeGroup creates a fan-out edge from source to targets. A nil
// selection delivers to every target.
func NewFanOutEdgeGroup(source string, targets []string, selection Selection) *FanOutEdgeGroup {
	return &FanOutEdgeGroup{
		Source:    source,
		TargetIDs: append([]string(nil), targets...),
		Selection: selection,
	}
}

func (g *FanOutEdgeGroup) Sources() []string { return []string{g.Source} }
func (g *FanOutEdgeGroup) Targets() []string { return g.TargetIDs }

func (g *FanOutEdgeGroup) signature() string {
	return fmt.Sprintf("fanout|%s->[%s]|sel=%s",
		g.Source, strings.Join(g.TargetIDs, ","), funcName(g.Selection))
}

func (g *FanOutEdgeGroup) newRunner() edgeRunner {
	return &fanOutEdgeRunner{group: g}
}

type fanOutEdgeRunner struct {
	group *FanOutEdgeGroup
}

func (r *fanOutEdgeRunner) deliver(ctx context.Context, msg Message, invoke deliverFunc) error {
	targets := r.group.TargetIDs
	if r.group.Selection != nil {
		selected := r.group.Selection(msg, append([]string(nil), targets...))
		declared := make(map[string]bool, len(targets))
		for _, id := range targets {
			declared[id] = true
		}
		for _, id := range selected {
			if !declared[id] {
				return fmt.Errorf("%w: selection returned undeclared target %q", ErrInvalidEdge, id)
			}
		}
		targets = selected
	}
	for _, id := range targets {
		if err := invoke(ctx, id, msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *fanOutEdgeRunner) snapshot() map[string][]Message { return nil }
func (r *fanOutEdgeRunner) restore(map[string][]Message)   {}
func (r *fanOutEdgeRunner) reset()                         {}

// FanInEdgeGroup aggregates messages from several sources into one target.
// Arriving messages are buffered per source; only once a message has been
// buffered from every declared source does the group flush, delivering one
// list ordered by source declaration order, then clears the buffer for the
// next round.
type FanInEdgeGroup struct {
	SourceIDs []string
	Target    string
}

// NewFanInEdgeGroup creates a fan-in edge from sources to target. The target
// receives the aggregated payloads as a []any in declared source order.
func NewFanInEdgeGroup(sources []string, target string) *FanInEdgeGroup {
	return &FanInEdgeGroup{
		SourceIDs: append([]string(nil), sources...),
		Target:    target,
	}
}

func (g *FanInEdgeGroup) Sources() []string { return g.SourceIDs }
func (g *FanInEdgeGroup) Targets() []string { return []string{g.Target} }

func (g *FanInEdgeGroup) signature() string {
	return fmt.Sprintf("fanin|[%s]->%s", strings.Join(g.SourceIDs, ","), g.Target)
}

func (g *FanInEdgeGroup) newRunner() edgeRunner {
	return &fanInEdgeRunner{
		group:  g,
		buffer: make(map[string][]Message),
	}
}

type fanInEdgeRunner struct {
	group *FanInEdgeGroup

	mu     sync.Mutex
	buffer map[string][]Message // source ID -> FIFO of buffered messages
}

func (r *fanInEdgeRunner) deliver(ctx context.Context, msg Message, invoke deliverFunc) error {
	r.mu.Lock()
	r.buffer[msg.SourceID] = append(r.buffer[msg.SourceID], msg)

	// Flush every complete round: one buffered message per declared source,
	// in declared order regardless of arrival order.
	var rounds [][]any
	for r.complete() {
		round := make([]any, 0, len(r.group.SourceIDs))
		for _, src := range r.group.SourceIDs {
			head := r.buffer[src][0]
			r.buffer[src] = r.buffer[src][1:]
			round = append(round, head.Data)
		}
		rounds = append(rounds, round)
	}
	r.mu.Unlock()

	for _, round := range rounds {
		aggregated := Message{
			Data:     round,
			SourceID: strings.Join(r.group.SourceIDs, ","),
		}
		if err := invoke(ctx, r.group.Target, aggregated); err != nil {
			return err
		}
	}
	return nil
}

// complete reports whether a message is buffered from every declared source.
// Caller holds r.mu.
func (r *fanInEdgeRunner) complete() bool {
	for _, src := range r.group.SourceIDs {
		if len(r.buffer[src]) == 0 {
			return false
		}
	}
	return len(r.group.SourceIDs) > 0
}

// snapshot copies the partially filled rounds so a checkpoint taken between
// the first and last contribution does not lose them.
func (r *fanInEdgeRunner) snapshot() map[string][]Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]Message, len(r.buffer))
	for src, msgs := range r.buffer {
		if len(msgs) == 0 {
			continue
		}
		out[src] = append([]Message(nil), msgs...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *fanInEdgeRunner) restore(buffer map[string][]Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = make(map[string][]Message, len(buffer))
	for src, msgs := range buffer {
		r.buffer[src] = append([]Message(nil), msgs...)
	}
}

func (r *fanInEdgeRunner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = make(map[string][]Message)
}

// SwitchCase pairs a condition with a target executor ID inside a
// SwitchCaseEdgeGroup.
type SwitchCase struct {
	When   Condition
	Target string
}

// SwitchCaseEdgeGroup routes each message to exactly one target: cases are
// evaluated in declaration order, the first true condition wins, and the
// default target receives everything no case claims.
type SwitchCaseEdgeGroup struct {
	Source  string
	Cases   []SwitchCase
	Default string
}

// NewSwitchCaseEdgeGroup creates a switch-case edge from source. Exactly one
// of (first matching case, default) receives each message.
func NewSwitchCaseEdgeGroup(source string, cases []SwitchCase, defaultTarget string) *SwitchCaseEdgeGroup {
	return &SwitchCaseEdgeGroup{
		Source:  source,
		Cases:   append([]SwitchCase(nil), cases...),
		Default: defaultTarget,
	}
}

func (g *SwitchCaseEdgeGroup) Sources() []string { return []string{g.Source} }

func (g *SwitchCaseEdgeGroup) Targets() []string {
	targets := make([]string, 0, len(g.Cases)+1)
	for _, c := range g.Cases {
		targets = append(targets, c.Target)
	}
	return append(targets, g.Default)
}

func (g *SwitchCaseEdgeGroup) signature() string {
	parts := make([]string, 0, len(g.Cases))
	for _, c := range g.Cases {
		parts = append(parts, fmt.Sprintf("%s->%s", funcName(c.When), c.Target))
	}
	return fmt.Sprintf("switch|%s|cases=[%s]|default=%s",
		g.Source, strings.Join(parts, ";"), g.Default)
}

func (g *SwitchCaseEdgeGroup) newRunner() edgeRunner {
	return &switchCaseEdgeRunner{group: g}
}

type switchCaseEdgeRunner struct {
	group *SwitchCaseEdgeGroup
}

func (r *switchCaseEdgeRunner) deliver(ctx context.Context, msg Message, invoke deliverFunc) error {
	for _, c := range r.group.Cases {
		if c.When != nil && c.When(msg) {
			return invoke(ctx, c.Target, msg)
		}
	}
	return invoke(ctx, r.group.Default, msg)
}

func (r *switchCaseEdgeRunner) snapshot() map[string][]Message { return nil }
func (r *switchCaseEdgeRunner) restore(map[string][]Message)   {}
func (r *switchCaseEdgeRunner) reset()                         {}

// uniqueTargets returns the deduplicated target set of a group, preserving
// declaration order. Used for reachability analysis.
func uniqueTargets(g EdgeGroup) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range g.Targets() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// sortedSignatures returns the canonical, insertion-order-independent list
// of group signatures.
func sortedSignatures(groups []EdgeGroup) []string {
	sigs := make([]string, len(groups))
	for i, g := range groups {
		sigs[i] = g.signature()
	}
	sort.Strings(sigs)
	return sigs
}

var (
	_ EdgeGroup = (*SingleEdgeGroup)(nil)
	_ EdgeGroup = (*FanOutEdgeGroup)(nil)
	_ EdgeGroup = (*FanInEdgeGroup)(nil)
	_ EdgeGroup = (*SwitchCaseEdgeGroup)(nil)
)
