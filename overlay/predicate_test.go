package overlay

import (
	"errors"
	"testing"
)

func predicateUseCase() *UseCase {
	return &UseCase{
		ID:               "uc-pred",
		StructureID:      "s",
		MeasureMapping:   map[string]string{"daily": "daily_pnl"},
		DimensionColumns: []string{"node_id", "strategy", "process_2"},
	}
}

func TestCompilePredicate_ValuesAlwaysBound(t *testing.T) {
	// GIVEN: A conjunction of equals and in conditions
	// THEN: The fragment carries placeholders only; values travel as args
	p := &Predicate{Conditions: []Condition{
		{Field: "strategy", Operator: OpEquals, Value: "CORE"},
		{Field: "process_2", Operator: OpIn, Values: []string{"SWAP", "SD"}},
	}}
	compiled, err := CompilePredicate(p, predicateUseCase())
	if err != nil {
		t.Fatal(err)
	}
	want := "strategy = ? AND process_2 IN (?, ?)"
	if compiled.SQL != want {
		t.Errorf("SQL = %q, want %q", compiled.SQL, want)
	}
	if len(compiled.Args) != 3 {
		t.Errorf("args = %v, want 3 bound values", compiled.Args)
	}
}

func TestCompilePredicate_AllOperators(t *testing.T) {
	cases := []struct {
		cond Condition
		want string
	}{
		{Condition{Field: "strategy", Operator: OpEquals, Value: "X"}, "strategy = ?"},
		{Condition{Field: "strategy", Operator: OpNotEquals, Value: "X"}, "strategy != ?"},
		{Condition{Field: "daily_pnl", Operator: OpGreaterThan, Value: "0"}, "daily_pnl > ?"},
		{Condition{Field: "daily_pnl", Operator: OpLessThan, Value: "0"}, "daily_pnl < ?"},
		{Condition{Field: "strategy", Operator: OpNotIn, Values: []string{"A", "B"}}, "strategy NOT IN (?, ?)"},
	}
	for _, c := range cases {
		compiled, err := CompilePredicate(&Predicate{Conditions: []Condition{c.cond}}, predicateUseCase())
		if err != nil {
			t.Fatalf("%v: %v", c.cond, err)
		}
		if compiled.SQL != c.want {
			t.Errorf("SQL = %q, want %q", compiled.SQL, c.want)
		}
	}
}

func TestCompilePredicate_EmptyPredicate_MatchesEverything(t *testing.T) {
	compiled, err := CompilePredicate(nil, predicateUseCase())
	if err != nil {
		t.Fatal(err)
	}
	if compiled.SQL != "1=1" || len(compiled.Args) != 0 {
		t.Errorf("got %q with %v, want 1=1 and no args", compiled.SQL, compiled.Args)
	}
}

func TestCompilePredicate_FieldOutsideSchema_Rejected(t *testing.T) {
	p := &Predicate{Conditions: []Condition{
		{Field: "password", Operator: OpEquals, Value: "x"},
	}}
	_, err := CompilePredicate(p, predicateUseCase())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown field, got %v", err)
	}
}

func TestCompilePredicate_MalformedFieldName_Rejected(t *testing.T) {
	for _, field := range []string{"strategy; DROP TABLE x", "a b", "1col", "a-b"} {
		p := &Predicate{Conditions: []Condition{{Field: field, Operator: OpEquals, Value: "x"}}}
		if _, err := CompilePredicate(p, predicateUseCase()); err == nil {
			t.Errorf("field %q accepted", field)
		}
	}
}

func TestCompilePredicate_EmptyInSet_Rejected(t *testing.T) {
	p := &Predicate{Conditions: []Condition{{Field: "strategy", Operator: OpIn}}}
	if _, err := CompilePredicate(p, predicateUseCase()); err == nil {
		t.Error("empty in-set accepted")
	}
}

func TestScreenWhereSQL_AcceptsPlainFilters(t *testing.T) {
	ok := []string{
		"strategy = 'CORE'",
		"strategy = 'CORE' AND process_2 IN ('SWAP', 'SD')",
		"daily_pnl > 0 OR mtd_pnl < 100",
	}
	for _, f := range ok {
		if err := ScreenWhereSQL(f); err != nil {
			t.Errorf("ScreenWhereSQL(%q) = %v, want accept", f, err)
		}
	}
}

func TestScreenWhereSQL_RejectsStatementsAndComments(t *testing.T) {
	bad := []string{
		"strategy = 'CORE'; DROP TABLE pnl_facts",
		"strategy = 'CORE' -- hide the rest",
		"strategy = 'CORE' /* block */",
		"1=1 UNION SELECT secret FROM users",
		"EXISTS (SELECT 1 FROM t WHERE delete_flag = 1) OR delete from t",
		"PRAGMA writable_schema = 1",
	}
	for _, f := range bad {
		err := ScreenWhereSQL(f)
		if !errors.Is(err, ErrDangerousPredicate) {
			t.Errorf("ScreenWhereSQL(%q) = %v, want rejection", f, err)
		}
	}
}

func TestScreenWhereSQL_KeywordsMatchOnWordBoundaries(t *testing.T) {
	// Column names merely containing a keyword substring are legitimate.
	for _, f := range []string{"updated_at > '2024-01-01'", "creates_value = 'Y'"} {
		if err := ScreenWhereSQL(f); err != nil {
			t.Errorf("ScreenWhereSQL(%q) = %v, want accept", f, err)
		}
	}
}
