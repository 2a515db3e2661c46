/*
deps.go - Dependency ordering for NODE_ARITHMETIC rules

PURPOSE:
  Math rules may reference other nodes whose values are themselves set by
  Math rules. This file topologically orders the Math-ruled nodes so every
  rule's dependencies are finalised before the rule evaluates.

ALGORITHM:
  Kahn's algorithm over the directed graph dependency -> target. Nodes that
  appear only as dependencies (no Math rule of their own) are already
  available and never enter the order. If draining the zero-in-degree
  frontier leaves rules behind, a DFS isolates the cycle and the run fails
  with CircularDependencyError naming its nodes.

SEE ALSO:
  - engine.go: Stage 1b walks the returned order
*/
package overlay

import "sort"

// OrderMathRules returns the Math-ruled node ids in evaluation order.
// The declared dependency set drives the graph even when the expression text
// disagrees (the resolver flags mismatches separately as warnings).
func OrderMathRules(rules []*ExecutableRule) ([]NodeID, error) {
	targets := make(map[NodeID]*ExecutableRule, len(rules))
	for _, r := range rules {
		if r.Kind == RuleNodeArithmetic {
			targets[r.NodeID] = r
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	// Edges run dependency -> target, restricted to Math-ruled nodes;
	// everything else is a leaf of the order and already available.
	inDegree := make(map[NodeID]int, len(targets))
	dependents := make(map[NodeID][]NodeID)
	for id, r := range targets {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range r.Dependencies {
			if _, isTarget := targets[dep]; !isTarget {
				continue
			}
			if dep == id {
				return nil, &CircularDependencyError{CycleNodes: []NodeID{id}}
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	frontier := make([]NodeID, 0, len(targets))
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sortNodeIDs(frontier)

	order := make([]NodeID, 0, len(targets))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := dependents[id]
		sortNodeIDs(next)
		for _, t := range next {
			inDegree[t]--
			if inDegree[t] == 0 {
				frontier = append(frontier, t)
			}
		}
	}

	if len(order) != len(targets) {
		return nil, &CircularDependencyError{CycleNodes: isolateCycle(targets, inDegree)}
	}
	return order, nil
}

// isolateCycle walks the remaining component depth-first to name the nodes
// on a cycle, rather than dumping every unprocessed rule at the caller.
func isolateCycle(targets map[NodeID]*ExecutableRule, inDegree map[NodeID]int) []NodeID {
	remaining := make(map[NodeID]bool)
	for id, deg := range inDegree {
		if deg > 0 {
			remaining[id] = true
		}
	}

	var starts []NodeID
	for id := range remaining {
		starts = append(starts, id)
	}
	sortNodeIDs(starts)

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[NodeID]int)
	var stack []NodeID

	var dfs func(id NodeID) []NodeID
	dfs = func(id NodeID) []NodeID {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range targets[id].Dependencies {
			if !remaining[dep] {
				continue
			}
			switch state[dep] {
			case inStack:
				// Unwind the stack back to dep: that slice is the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append([]NodeID(nil), stack[i:]...)
						sortNodeIDs(cycle)
						return cycle
					}
				}
			case unvisited:
				if c := dfs(dep); c != nil {
					return c
				}
			}
		}
		state[id] = done
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range starts {
		if state[id] == unvisited {
			if c := dfs(id); c != nil {
				return c
			}
		}
	}
	// Should be unreachable: a stalled Kahn frontier implies a cycle.
	sortNodeIDs(starts)
	return starts
}

func sortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
