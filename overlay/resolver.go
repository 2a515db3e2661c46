/*
resolver.go - Rule Resolver: one executable rule per node

PURPOSE:
  For each hierarchy node, emits at most one ExecutableRule by priority:

    1. the custom rule stored for (use_case, node)
    2. a virtual AUTO_SQL rule derived from the node's rollup_driver
    3. nothing

  Also computes the Most-Specific-Wins skip set: a custom SQL-style rule is
  skipped during Stage 1 when any descendant carries one, because the more
  specific descendant subsumes the coarser ancestor filter and applying both
  would double-count. Math rules are never skipped this way; they are the
  declared final value for their node.

FATAL CONDITIONS (fail the run):
  - rule measure_name not in the use case's measure mapping
  - rollup_driver column not in the fact schema
  - rule payload missing for its variant
  - Math-rule dependency outside the hierarchy

SEE ALSO:
  - rule.go: ExecutableRule variants
  - engine.go: Stage 1 consumes the resolution
*/
package overlay

import "fmt"

// AutoRollupMeasure is the logical measure auto-rules target when present
// in the mapping. Use cases without it fall back to their first measure.
const AutoRollupMeasure = "daily"

// Resolution is the resolver's output for one run.
type Resolution struct {
	// ByNode holds the governing rule per node (custom or virtual).
	ByNode map[NodeID]*ExecutableRule

	// MathRules are the NODE_ARITHMETIC rules, unordered.
	MathRules []*ExecutableRule

	// Skipped marks custom SQL-style rules suppressed by a more specific
	// descendant rule.
	Skipped map[NodeID]bool

	// Warnings collects non-fatal findings (declared dependency set
	// disagreeing with the expression text, and the like).
	Warnings []string
}

// CustomSQLNodes returns the nodes carrying non-virtual SQL-style rules.
func (r *Resolution) CustomSQLNodes() map[NodeID]bool {
	out := make(map[NodeID]bool)
	for id, rule := range r.ByNode {
		if !rule.IsVirtual && rule.Kind.IsSQLStyle() {
			out[id] = true
		}
	}
	return out
}

// ResolveRules maps stored rules onto the hierarchy and derives virtual
// auto-rules for nodes that declare a rollup driver.
func ResolveRules(uc *UseCase, h *Hierarchy, stored []Rule) (*Resolution, error) {
	res := &Resolution{
		ByNode:  make(map[NodeID]*ExecutableRule),
		Skipped: make(map[NodeID]bool),
	}

	byNode := make(map[NodeID]*Rule, len(stored))
	for i := range stored {
		r := &stored[i]
		if !h.Contains(r.NodeID) {
			return nil, fmt.Errorf("rule %s targets node %s outside structure %s: %w",
				r.ID, r.NodeID, uc.StructureID, ErrNodeNotFound)
		}
		if _, dup := byNode[r.NodeID]; dup {
			return nil, &ValidationError{NodeID: r.NodeID, Field: "node_id",
				Reason: "more than one rule for node"}
		}
		byNode[r.NodeID] = r
	}

	for _, id := range h.NodeIDs() {
		if r, ok := byNode[id]; ok {
			exec, warns, err := toExecutable(uc, h, r)
			if err != nil {
				return nil, err
			}
			res.Warnings = append(res.Warnings, warns...)
			res.ByNode[id] = exec
			if exec.Kind == RuleNodeArithmetic {
				res.MathRules = append(res.MathRules, exec)
			}
			continue
		}

		node := h.Node(id)
		if node.RollupDriver == "" {
			continue
		}
		exec, err := autoRule(uc, node)
		if err != nil {
			return nil, err
		}
		res.ByNode[id] = exec
	}

	// Most Specific Wins: suppress a custom SQL-style rule when any
	// descendant carries one.
	customSQL := res.CustomSQLNodes()
	for id := range customSQL {
		for _, d := range h.Descendants(id) {
			if customSQL[d] {
				res.Skipped[id] = true
				break
			}
		}
	}

	return res, nil
}

// RuleStack describes how rules layer over one node: the node's own rule,
// custom rules on its ancestors, and whether Most-Specific-Wins suppresses
// any of them.
type RuleStack struct {
	Direct *ExecutableRule
	// Ancestors lists ancestor custom rules nearest-first.
	Ancestors   []*ExecutableRule
	HasConflict bool
}

// StackFor reports the rule stack over a node.
func (r *Resolution) StackFor(h *Hierarchy, id NodeID) RuleStack {
	stack := RuleStack{Direct: r.ByNode[id]}
	if stack.Direct != nil && r.Skipped[id] {
		stack.HasConflict = true
	}
	for _, anc := range h.Ancestors(id) {
		rule, ok := r.ByNode[anc]
		if !ok || rule.IsVirtual {
			continue
		}
		stack.Ancestors = append(stack.Ancestors, rule)
		if r.Skipped[anc] {
			stack.HasConflict = true
		}
	}
	return stack
}

func toExecutable(uc *UseCase, h *Hierarchy, r *Rule) (*ExecutableRule, []string, error) {
	exec := &ExecutableRule{
		NodeID:       r.NodeID,
		Kind:         r.Kind,
		SourceRuleID: r.ID,
		MeasureName:  r.MeasureName,
		Predicate:    r.Predicate,
		WhereSQL:     r.WhereSQL,
		Arithmetic:   r.Arithmetic,
		Expression:   r.Expression,
		Dependencies: r.Dependencies,
	}
	if err := exec.Validate(); err != nil {
		return nil, nil, err
	}
	if exec.MeasureName != "" {
		if _, ok := uc.Column(exec.MeasureName); !ok {
			return nil, nil, &ValidationError{NodeID: r.NodeID, Field: "measure_name",
				Reason: "measure " + exec.MeasureName + " not in use case mapping"}
		}
	}

	var warnings []string
	switch r.Kind {
	case RuleFilterArithmetic:
		for _, q := range r.Arithmetic.Queries {
			if _, ok := uc.Column(q.Measure); !ok {
				return nil, nil, &ValidationError{NodeID: r.NodeID, Field: "queries",
					Reason: "query " + q.QueryID + " measure " + q.Measure + " not in use case mapping"}
			}
		}
	case RuleNodeArithmetic:
		for _, dep := range r.Dependencies {
			if !h.Contains(dep) {
				return nil, nil, &ValidationError{NodeID: r.NodeID, Field: "rule_dependencies",
					Reason: "dependency " + string(dep) + " outside structure " + string(h.StructureID)}
			}
		}
		// Tolerate over/under-declaration; the graph uses the declared set.
		parsed, err := ParseExpr(r.Expression)
		if err != nil {
			return nil, nil, err
		}
		declared := make(map[NodeID]bool, len(r.Dependencies))
		for _, dep := range r.Dependencies {
			declared[dep] = true
		}
		for _, ident := range parsed.Identifiers() {
			if h.Contains(NodeID(ident)) && !declared[NodeID(ident)] {
				warnings = append(warnings, fmt.Sprintf(
					"rule at node %s uses node %s without declaring it as a dependency", r.NodeID, ident))
			}
		}
	}

	return exec, warnings, nil
}

func autoRule(uc *UseCase, node *HierarchyNode) (*ExecutableRule, error) {
	allowed := false
	for _, c := range uc.DimensionColumns {
		if c == node.RollupDriver {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &ValidationError{NodeID: node.NodeID, Field: "rollup_driver",
			Reason: "driver column " + node.RollupDriver + " not in fact schema"}
	}

	measure := AutoRollupMeasure
	if _, ok := uc.Column(measure); !ok {
		ms := uc.Measures()
		if len(ms) == 0 {
			return nil, &ValidationError{NodeID: node.NodeID, Field: "measure_mapping",
				Reason: "use case has no measures"}
		}
		measure = ms[0]
	}
	col, _ := uc.Column(measure)

	return &ExecutableRule{
		NodeID:        node.NodeID,
		Kind:          RuleAutoSQL,
		IsVirtual:     true,
		MeasureName:   measure,
		FilterCol:     node.RollupDriver,
		FilterVal:     node.RollupValue(),
		TargetMeasure: col,
	}, nil
}
