package overlay

import (
	"errors"
	"testing"
)

func resolverUseCase() *UseCase {
	return &UseCase{
		ID:               "uc-res",
		StructureID:      "s",
		MeasureMapping:   map[string]string{"daily": "daily_pnl"},
		DimensionColumns: []string{"node_id", "strategy"},
	}
}

func filterRule(id string, node NodeID) Rule {
	return Rule{
		ID:          id,
		UseCaseID:   "uc-res",
		NodeID:      node,
		Kind:        RuleFilter,
		MeasureName: "daily",
		Predicate: &Predicate{Conditions: []Condition{
			{Field: "strategy", Operator: OpEquals, Value: "CORE"},
		}},
	}
}

func TestResolveRules_CustomRuleWinsOverAutoRule(t *testing.T) {
	// GIVEN: A node declaring a rollup driver AND carrying a custom rule
	// THEN: The custom rule governs; the virtual rule is not emitted
	nodes := []HierarchyNode{
		hNode("R", "", 0, false),
		{NodeID: "L", ParentNodeID: "R", Depth: 1, IsLeaf: true, StructureID: "s",
			RollupDriver: "strategy", NodeName: "L"},
	}
	h, err := BuildHierarchy("s", nodes)
	if err != nil {
		t.Fatal(err)
	}

	res, err := ResolveRules(resolverUseCase(), h, []Rule{filterRule("r1", "L")})
	if err != nil {
		t.Fatal(err)
	}
	got := res.ByNode["L"]
	if got == nil || got.IsVirtual || got.Kind != RuleFilter {
		t.Fatalf("ByNode[L] = %+v, want the custom FILTER rule", got)
	}
}

func TestResolveRules_RollupDriver_EmitsVirtualAutoRule(t *testing.T) {
	nodes := []HierarchyNode{
		hNode("R", "", 0, false),
		{NodeID: "L", ParentNodeID: "R", Depth: 1, IsLeaf: true, StructureID: "s",
			RollupDriver: "strategy", RollupValueSource: RollupByNodeName, NodeName: "CORE"},
	}
	h, err := BuildHierarchy("s", nodes)
	if err != nil {
		t.Fatal(err)
	}

	res, err := ResolveRules(resolverUseCase(), h, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := res.ByNode["L"]
	if got == nil || !got.IsVirtual || got.Kind != RuleAutoSQL {
		t.Fatalf("ByNode[L] = %+v, want a virtual AUTO_SQL rule", got)
	}
	if got.FilterCol != "strategy" || got.FilterVal != "CORE" {
		t.Errorf("filter = %s=%s, want strategy=CORE", got.FilterCol, got.FilterVal)
	}
	if got.TargetMeasure != "daily_pnl" {
		t.Errorf("target column = %s, want daily_pnl", got.TargetMeasure)
	}
}

func TestResolveRules_DriverOutsideSchema_Fatal(t *testing.T) {
	nodes := []HierarchyNode{
		hNode("R", "", 0, false),
		{NodeID: "L", ParentNodeID: "R", Depth: 1, IsLeaf: true, StructureID: "s",
			RollupDriver: "not_a_column", NodeName: "L"},
	}
	h, err := BuildHierarchy("s", nodes)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveRules(resolverUseCase(), h, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestResolveRules_MostSpecificWins_MarksAncestorSkipped(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ResolveRules(resolverUseCase(), h, []Rule{
		filterRule("r-p", "P"),
		filterRule("r-l1", "L1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped["P"] {
		t.Error("P's rule must be skipped: L1 below it carries a custom SQL rule")
	}
	if res.Skipped["L1"] {
		t.Error("the most specific rule must not be skipped")
	}
}

func TestResolveRules_MathRuleAboveFilter_NotSkipped(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ResolveRules(resolverUseCase(), h, []Rule{
		{ID: "r-p", UseCaseID: "uc-res", NodeID: "P", Kind: RuleNodeArithmetic,
			Expression: "L1 + L2", Dependencies: []NodeID{"L1", "L2"}},
		filterRule("r-l1", "L1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped["P"] {
		t.Error("Math rules are the declared final value; never skipped")
	}
	if len(res.MathRules) != 1 {
		t.Fatalf("MathRules = %v, want the one rule at P", res.MathRules)
	}
}

func TestResolveRules_UndeclaredExpressionIdent_Warns(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ResolveRules(resolverUseCase(), h, []Rule{
		{ID: "r-p", UseCaseID: "uc-res", NodeID: "P", Kind: RuleNodeArithmetic,
			Expression: "L1 + L2", Dependencies: []NodeID{"L1"}}, // L2 undeclared
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expression referencing an undeclared in-structure node must warn")
	}
}

func TestResolveRules_DependencyOutsideStructure_Fatal(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}

	_, err = ResolveRules(resolverUseCase(), h, []Rule{
		{ID: "r-p", UseCaseID: "uc-res", NodeID: "P", Kind: RuleNodeArithmetic,
			Expression: "GHOST", Dependencies: []NodeID{"GHOST"}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestResolveRules_RuleOnUnknownNode_Fatal(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}
	_, err = ResolveRules(resolverUseCase(), h, []Rule{filterRule("r1", "GHOST")})
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected node-not-found, got %v", err)
	}
}

func TestResolveRules_TwoRulesSameNode_Fatal(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}
	_, err = ResolveRules(resolverUseCase(), h, []Rule{
		filterRule("r1", "L1"),
		filterRule("r2", "L1"),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestStackFor_ReportsDirectAncestorsAndConflict(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}
	res, err := ResolveRules(resolverUseCase(), h, []Rule{
		filterRule("r-p", "P"),
		filterRule("r-l1", "L1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	stack := res.StackFor(h, "L1")
	if stack.Direct == nil || stack.Direct.SourceRuleID != "r-l1" {
		t.Fatalf("Direct = %+v, want rule r-l1", stack.Direct)
	}
	if len(stack.Ancestors) != 1 || stack.Ancestors[0].SourceRuleID != "r-p" {
		t.Fatalf("Ancestors = %+v, want [r-p]", stack.Ancestors)
	}
	if !stack.HasConflict {
		t.Error("P's suppressed rule over L1 is a conflict")
	}
}
