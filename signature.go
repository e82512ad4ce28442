package sepal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// computeSignature produces a canonical structural hash of the workflow
// topology: executor identities and types, edge group shapes including
// condition and selection function identity, the start executor, and the
// iteration bound. The hash is independent of insertion order and gates
// checkpoint resumption: a checkpoint written under one signature can only
// be restored into a workflow with the same signature.
func computeSignature(executors map[string]Executor, groups []EdgeGroup, start string, maxIterations int) string {
	lines := make([]string, 0, len(executors)+len(groups)+2)

	ids := make([]string, 0, len(executors))
	for id := range executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := executors[id]
		lines = append(lines, fmt.Sprintf("executor|%s|%T|in=[%s]|out=[%s]",
			id, e, typeNames(e.InputTypes()), typeNames(e.OutputTypes())))
	}

	for _, sig := range sortedSignatures(groups) {
		lines = append(lines, "edge|"+sig)
	}

	lines = append(lines,
		"start|"+start,
		fmt.Sprintf("max_iterations|%d", maxIterations),
	)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func typeNames(types []reflect.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return strings.Join(names, ",")
}
