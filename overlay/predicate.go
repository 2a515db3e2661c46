/*
predicate.go - Predicate trees, SQL compilation, and safety screening

PURPOSE:
  Compiles the closed predicate grammar into parameterized SQL fragments
  and screens free-form WHERE text before it may touch the fact store.

SAFETY MODEL:
  - JSON predicates compile to placeholder SQL; values are never interpolated.
  - Fields must appear in the use case's whitelist (dimensions + measures).
  - Pre-serialized WHERE fragments (from the external translator) are only
    accepted after ScreenWhereSQL: statement terminators, comment markers,
    and DDL/DML keywords are rejected before execution.

SEE ALSO:
  - rule.go: Predicate and Condition types
  - store/sqlite: Executes the compiled fragments inside the run transaction
*/
package overlay

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// PREDICATE -> PARAMETERIZED SQL
// =============================================================================

// CompiledPredicate is a WHERE fragment with its ordered parameters.
type CompiledPredicate struct {
	SQL  string
	Args []any
}

// CompilePredicate converts a predicate tree into a parameterized WHERE
// fragment. Fields are validated against the use case whitelist; values are
// always bound, never interpolated.
func CompilePredicate(p *Predicate, uc *UseCase) (*CompiledPredicate, error) {
	if p == nil || len(p.Conditions) == 0 {
		return &CompiledPredicate{SQL: "1=1"}, nil
	}

	var parts []string
	var args []any
	for _, c := range p.Conditions {
		if !validIdentRe.MatchString(c.Field) {
			return nil, &ValidationError{Field: c.Field, Reason: "invalid field name"}
		}
		if uc != nil && !uc.AllowedField(c.Field) {
			return nil, &ValidationError{Field: c.Field, Reason: "field not in use case schema"}
		}

		switch c.Operator {
		case OpEquals:
			parts = append(parts, c.Field+" = ?")
			args = append(args, c.Value)
		case OpNotEquals:
			parts = append(parts, c.Field+" != ?")
			args = append(args, c.Value)
		case OpGreaterThan:
			parts = append(parts, c.Field+" > ?")
			args = append(args, c.Value)
		case OpLessThan:
			parts = append(parts, c.Field+" < ?")
			args = append(args, c.Value)
		case OpIn, OpNotIn:
			if len(c.Values) == 0 {
				return nil, &ValidationError{Field: c.Field, Reason: "in/not_in requires a non-empty value set"}
			}
			holes := strings.TrimSuffix(strings.Repeat("?, ", len(c.Values)), ", ")
			kw := "IN"
			if c.Operator == OpNotIn {
				kw = "NOT IN"
			}
			parts = append(parts, fmt.Sprintf("%s %s (%s)", c.Field, kw, holes))
			for _, v := range c.Values {
				args = append(args, v)
			}
		default:
			return nil, &ValidationError{Field: c.Field, Reason: "unsupported operator " + string(c.Operator)}
		}
	}

	return &CompiledPredicate{SQL: strings.Join(parts, " AND "), Args: args}, nil
}

var validIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// =============================================================================
// FREE-FORM WHERE SCREENING
// =============================================================================

// dangerousKeywords are statement-level verbs that have no business inside a
// WHERE fragment. Matched on word boundaries, case-insensitive.
var dangerousKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create", "truncate",
	"grant", "revoke", "exec", "execute", "attach", "detach", "pragma",
	"union", "merge", "replace",
}

var keywordRes = compileKeywordRes()

func compileKeywordRes() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(dangerousKeywords))
	for _, kw := range dangerousKeywords {
		m[kw] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
	}
	return m
}

// ScreenWhereSQL rejects a WHERE fragment carrying statement terminators,
// comment markers, or DDL/DML keywords. This runs before any execution; the
// fragment is otherwise passed through verbatim.
func ScreenWhereSQL(fragment string) error {
	for _, tok := range []string{";", "--", "/*", "*/"} {
		if strings.Contains(fragment, tok) {
			return &DangerousPredicateError{Fragment: fragment, Token: tok}
		}
	}
	for kw, re := range keywordRes {
		if re.MatchString(fragment) {
			return &DangerousPredicateError{Fragment: fragment, Token: kw}
		}
	}
	return nil
}
