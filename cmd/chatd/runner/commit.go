package runner

import (
	"sort"

	"github.com/parleyhq/parley/common/models"
)

// commitOrder returns the deterministic execution/commit order for a set of
// operations: dependencies first, ties broken by order then opId. Sequential
// and concurrent runs both commit results in this order, so a profile
// produces the same observable sequence regardless of execution mode.
// Dependencies outside the set (earlier phase, filtered out) do not
// constrain ordering here; they are handled by dependency gating.
func commitOrder(ops []*models.ValidatedOperation) []*models.ValidatedOperation {
	inSet := make(map[string]*models.ValidatedOperation, len(ops))
	for _, op := range ops {
		inSet[op.OpID] = op
	}

	indegree := make(map[string]int, len(ops))
	dependents := make(map[string][]string, len(ops))
	for _, op := range ops {
		for _, dep := range op.DependsOn {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			indegree[op.OpID]++
			dependents[dep] = append(dependents[dep], op.OpID)
		}
	}

	ready := make([]*models.ValidatedOperation, 0, len(ops))
	for _, op := range ops {
		if indegree[op.OpID] == 0 {
			ready = append(ready, op)
		}
	}

	ordered := make([]*models.ValidatedOperation, 0, len(ops))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return lessOp(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, depID := range dependents[next.OpID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				ready = append(ready, inSet[depID])
			}
		}
	}

	// Validation rejects cycles, so every operation is reachable; the
	// fallback keeps the order total if that invariant is ever broken.
	if len(ordered) < len(ops) {
		seen := make(map[string]bool, len(ordered))
		for _, op := range ordered {
			seen[op.OpID] = true
		}
		var rest []*models.ValidatedOperation
		for _, op := range ops {
			if !seen[op.OpID] {
				rest = append(rest, op)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return lessOp(rest[i], rest[j]) })
		ordered = append(ordered, rest...)
	}

	return ordered
}

func lessOp(a, b *models.ValidatedOperation) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.OpID < b.OpID
}
