package overlay

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func evalExpr(t *testing.T, src string, values map[string]decimal.Decimal) (decimal.Decimal, *EvalContext) {
	t.Helper()
	parsed, err := ParseExpr(src)
	if err != nil {
		t.Fatalf("ParseExpr(%q) failed: %v", src, err)
	}
	ctx := &EvalContext{Values: values}
	v, err := parsed.Eval(ctx)
	if err != nil {
		t.Fatalf("Eval(%q) failed: %v", src, err)
	}
	return v, ctx
}

func TestExpr_OperatorPrecedence(t *testing.T) {
	// GIVEN: Mixed additive and multiplicative operators
	// THEN: Multiplication binds tighter than addition
	cases := []struct {
		src  string
		want int64
	}{
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 - 4 / 2", 8},
		{"2 * 3 + 4 * 5", 26},
		{"-5 + 3", -2},
		{"-(5 + 3)", -8},
		{"100", 100},
	}
	for _, c := range cases {
		got, _ := evalExpr(t, c.src, nil)
		if !got.Equal(decimal.NewFromInt(c.want)) {
			t.Errorf("%q = %s, want %d", c.src, got, c.want)
		}
	}
}

func TestExpr_IdentifiersResolveFromContext(t *testing.T) {
	values := map[string]decimal.Decimal{
		"DESK_A": decimal.NewFromInt(50),
		"DESK_B": decimal.NewFromInt(30),
	}
	got, ctx := evalExpr(t, "DESK_A + DESK_B * 2", values)
	if !got.Equal(decimal.NewFromInt(110)) {
		t.Errorf("got %s, want 110", got)
	}
	if len(ctx.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", ctx.Warnings)
	}
}

func TestExpr_UnknownIdentifier_ZeroAndWarning(t *testing.T) {
	// Unknown identifiers are zero, recorded as warnings, never errors.
	values := map[string]decimal.Decimal{"A": decimal.NewFromInt(7)}
	got, ctx := evalExpr(t, "A + MISSING", values)
	if !got.Equal(decimal.NewFromInt(7)) {
		t.Errorf("got %s, want 7", got)
	}
	if len(ctx.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", ctx.Warnings)
	}
}

func TestExpr_DivisionByZero_IsFatal(t *testing.T) {
	parsed, err := ParseExpr("A / B")
	if err != nil {
		t.Fatal(err)
	}
	ctx := &EvalContext{Values: map[string]decimal.Decimal{
		"A": decimal.NewFromInt(1),
		"B": decimal.Zero,
	}}
	_, err = parsed.Eval(ctx)
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestExpr_DecimalLiterals_ExactArithmetic(t *testing.T) {
	got, _ := evalExpr(t, "0.1 + 0.2", nil)
	if !got.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("0.1 + 0.2 = %s, want exactly 0.3", got)
	}
}

func TestExpr_Identifiers_DeduplicatedAndSorted(t *testing.T) {
	parsed, err := ParseExpr("B + A * B - C")
	if err != nil {
		t.Fatal(err)
	}
	ids := parsed.Identifiers()
	want := []string{"A", "B", "C"}
	if len(ids) != len(want) {
		t.Fatalf("identifiers = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("identifiers = %v, want %v", ids, want)
		}
	}
}

func TestExpr_RejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"A +",
		"(A + B",
		"A ** B",
		"A & B",
		"1.2.3",
		"sum(A)",
	}
	for _, src := range cases {
		if _, err := ParseExpr(src); err == nil {
			t.Errorf("ParseExpr(%q) accepted malformed input", src)
		}
	}
}

func TestExpr_NoFunctionCallsOrAttributes(t *testing.T) {
	// The grammar is closed: anything beyond arithmetic over identifiers
	// and literals must be rejected at parse time.
	for _, src := range []string{"__import__", "a.b", "A[0]"} {
		parsed, err := ParseExpr(src)
		if err != nil {
			continue // rejected outright is fine
		}
		// "__import__" parses as a plain identifier; it must behave as an
		// inert symbol, not host-language evaluation.
		ctx := &EvalContext{Values: map[string]decimal.Decimal{}}
		v, evalErr := parsed.Eval(ctx)
		if evalErr != nil || !v.IsZero() {
			t.Errorf("%q: v=%s err=%v, want inert zero", src, v, evalErr)
		}
	}
}
