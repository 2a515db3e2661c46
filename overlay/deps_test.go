package overlay

import (
	"errors"
	"testing"
)

func mathRule(node NodeID, deps ...NodeID) *ExecutableRule {
	return &ExecutableRule{
		NodeID:       node,
		Kind:         RuleNodeArithmetic,
		Expression:   "0", // ordering only looks at the declared set
		Dependencies: deps,
	}
}

func TestOrderMathRules_ChainEvaluatesDependenciesFirst(t *testing.T) {
	// C depends on B depends on A; the order must be A, B, C regardless
	// of input order.
	order, err := OrderMathRules([]*ExecutableRule{
		mathRule("C", "B"),
		mathRule("A"),
		mathRule("B", "A"),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []NodeID{"A", "B", "C"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestOrderMathRules_ExternalDependenciesIgnored(t *testing.T) {
	// Dependencies without a Math rule of their own are already available
	// and never enter the order.
	order, err := OrderMathRules([]*ExecutableRule{
		mathRule("X", "L1", "L2"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 1 || order[0] != "X" {
		t.Fatalf("order = %v, want [X]", order)
	}
}

func TestOrderMathRules_DeterministicForIndependentRules(t *testing.T) {
	rules := []*ExecutableRule{mathRule("Z"), mathRule("A"), mathRule("M")}
	first, err := OrderMathRules(rules)
	if err != nil {
		t.Fatal(err)
	}
	second, err := OrderMathRules([]*ExecutableRule{rules[2], rules[0], rules[1]})
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("order not deterministic: %v vs %v", first, second)
		}
	}
}

func TestOrderMathRules_SelfReference_IsACycle(t *testing.T) {
	_, err := OrderMathRules([]*ExecutableRule{mathRule("A", "A")})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestOrderMathRules_TwoNodeCycle_NamesBothNodes(t *testing.T) {
	_, err := OrderMathRules([]*ExecutableRule{
		mathRule("A", "B"),
		mathRule("B", "A"),
	})
	var cycErr *CircularDependencyError
	if !errors.As(err, &cycErr) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if len(cycErr.CycleNodes) != 2 || cycErr.CycleNodes[0] != "A" || cycErr.CycleNodes[1] != "B" {
		t.Fatalf("cycle nodes = %v, want [A B]", cycErr.CycleNodes)
	}
}

func TestOrderMathRules_CycleIsolated_FromHealthyRules(t *testing.T) {
	// A healthy chain alongside a cycle: the error names only the cycle.
	_, err := OrderMathRules([]*ExecutableRule{
		mathRule("OK1"),
		mathRule("OK2", "OK1"),
		mathRule("X", "Y"),
		mathRule("Y", "X"),
	})
	var cycErr *CircularDependencyError
	if !errors.As(err, &cycErr) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if len(cycErr.CycleNodes) != 2 {
		t.Fatalf("cycle nodes = %v, want exactly the two cycling nodes", cycErr.CycleNodes)
	}
}

func TestOrderMathRules_NoMathRules_NilOrder(t *testing.T) {
	order, err := OrderMathRules(nil)
	if err != nil || order != nil {
		t.Fatalf("order=%v err=%v, want nil/nil", order, err)
	}
}
