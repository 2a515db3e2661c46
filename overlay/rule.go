/*
rule.go - Rule and ExecutableRule tagged variants

PURPOSE:
  A Rule is a stored, user-authored override attached to (use_case, node).
  An ExecutableRule is the derived record the resolver hands the engine:
  the same variants plus a synthetic AUTO_SQL variant for auto-rollup.

VARIANTS:
  FILTER            Aggregate one measure under a WHERE predicate
  FILTER_ARITHMETIC Arithmetic over named filter-aggregations (doc v2.0)
  NODE_ARITHMETIC   "Math rule": expression over other nodes' values
  AUTO_SQL          Virtual FILTER derived from a node's rollup_driver

  Rules are a closed tagged union. Dispatch is always a switch over Kind,
  never open inheritance.

SEE ALSO:
  - resolver.go: Priority (custom > auto > none) and Most-Specific-Wins
  - predicate.go: Predicate tree -> parameterized SQL
  - expr.go: NODE_ARITHMETIC grammar and evaluation
*/
package overlay

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE KINDS
// =============================================================================

type RuleKind string

const (
	RuleFilter           RuleKind = "FILTER"
	RuleFilterArithmetic RuleKind = "FILTER_ARITHMETIC"
	RuleNodeArithmetic   RuleKind = "NODE_ARITHMETIC"
	// RuleAutoSQL only appears on ExecutableRule; it is never stored.
	RuleAutoSQL RuleKind = "AUTO_SQL"
)

// IsSQLStyle reports whether the kind is evaluated against the fact table
// (and therefore participates in Most-Specific-Wins skipping).
func (k RuleKind) IsSQLStyle() bool {
	return k == RuleFilter || k == RuleFilterArithmetic || k == RuleAutoSQL
}

// =============================================================================
// PREDICATES
// =============================================================================

// PredicateOp is the closed operator set for filter conditions.
type PredicateOp string

const (
	OpEquals      PredicateOp = "equals"
	OpNotEquals   PredicateOp = "not_equals"
	OpIn          PredicateOp = "in"
	OpNotIn       PredicateOp = "not_in"
	OpGreaterThan PredicateOp = "greater_than"
	OpLessThan    PredicateOp = "less_than"
)

// Condition is one field comparison within a predicate.
type Condition struct {
	Field    string      `json:"field"`
	Operator PredicateOp `json:"operator"`
	// Value holds the comparison value; Values holds the set for in/not_in.
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Predicate is a single top-level conjunction of conditions (AND).
type Predicate struct {
	Conditions []Condition `json:"conditions"`
}

// =============================================================================
// FILTER_ARITHMETIC DOCUMENT (version "2.0")
// =============================================================================

// Aggregation is the closed aggregation set for arithmetic queries.
type Aggregation string

const (
	AggSum   Aggregation = "SUM"
	AggAvg   Aggregation = "AVG"
	AggCount Aggregation = "COUNT"
	AggMin   Aggregation = "MIN"
	AggMax   Aggregation = "MAX"
)

// ArithmeticDocVersion is the only accepted document version.
const ArithmeticDocVersion = "2.0"

// QuerySpec is one named filter-aggregation within an arithmetic document.
// Each query evaluates independently against the use case's fact view.
type QuerySpec struct {
	QueryID     string      `json:"query_id"`
	Measure     string      `json:"measure"`
	Aggregation Aggregation `json:"aggregation"`
	Filters     []Condition `json:"filters"`
}

// OperandType tags the operand union in an arithmetic expression.
type OperandType string

const (
	OperandQuery      OperandType = "query"
	OperandConstant   OperandType = "constant"
	OperandExpression OperandType = "expression"
)

// Operand is one term of an arithmetic expression. Exactly one of QueryID,
// Value, or Expression is meaningful per Type.
type Operand struct {
	Type       OperandType     `json:"type"`
	QueryID    string          `json:"query_id,omitempty"`
	Value      decimal.Decimal `json:"value,omitempty"`
	Expression *ArithmeticExpr `json:"expression,omitempty"`
}

// ArithmeticExpr folds operands with a single operator. Operands may nest
// further expressions.
type ArithmeticExpr struct {
	Operator string    `json:"operator"` // "+", "-", "*", "/"
	Operands []Operand `json:"operands"`
}

// ArithmeticDoc is the versioned FILTER_ARITHMETIC payload.
type ArithmeticDoc struct {
	Version    string          `json:"version"`
	Expression *ArithmeticExpr `json:"expression"`
	Queries    []QuerySpec     `json:"queries"`
}

// Query returns the spec for a query id, nil if absent.
func (d *ArithmeticDoc) Query(id string) *QuerySpec {
	for i := range d.Queries {
		if d.Queries[i].QueryID == id {
			return &d.Queries[i]
		}
	}
	return nil
}

// =============================================================================
// STORED RULE
// =============================================================================

// Rule is a stored override keyed by (use_case_id, node_id); at most one per
// pair. Which payload fields are set depends on Kind:
//
//	FILTER:            MeasureName + Predicate (or WhereSQL, pre-screened)
//	FILTER_ARITHMETIC: Arithmetic document
//	NODE_ARITHMETIC:   Expression + Dependencies (applies to every measure)
type Rule struct {
	ID        string
	UseCaseID UseCaseID
	NodeID    NodeID
	Kind      RuleKind

	MeasureName string
	Predicate   *Predicate
	// WhereSQL is the pre-serialized fragment equivalent to Predicate.
	// It is only ever executed after screening (see predicate.go).
	WhereSQL string

	Arithmetic *ArithmeticDoc

	Expression string
	// Dependencies is the declared node set for NODE_ARITHMETIC ordering.
	// The dependency graph uses this set even when the expression text
	// over- or under-declares.
	Dependencies []NodeID

	CreatedAt      time.Time
	LastModifiedAt time.Time
}

// =============================================================================
// EXECUTABLE RULE
// =============================================================================

// ExecutableRule is what the resolver hands the engine for one node. Custom
// rules carry their source rule; virtual AUTO_SQL rules are derived from the
// node's rollup_driver and have no source.
type ExecutableRule struct {
	NodeID NodeID
	Kind   RuleKind

	// IsVirtual marks synthetic auto-rollup rules.
	IsVirtual    bool
	SourceRuleID string // empty for virtual rules

	MeasureName string
	Predicate   *Predicate
	WhereSQL    string

	// Auto-rollup filter (AUTO_SQL only).
	FilterCol     string
	FilterVal     string
	TargetMeasure string // physical fact column to aggregate

	Arithmetic *ArithmeticDoc

	Expression   string
	Dependencies []NodeID
}

// Validate checks that the rule's payload matches its variant.
func (r *ExecutableRule) Validate() error {
	switch r.Kind {
	case RuleFilter:
		if r.MeasureName == "" {
			return &ValidationError{NodeID: r.NodeID, Field: "measure_name", Reason: "FILTER rule missing measure"}
		}
		if r.Predicate == nil && r.WhereSQL == "" {
			return &ValidationError{NodeID: r.NodeID, Field: "predicate", Reason: "FILTER rule missing predicate"}
		}
	case RuleFilterArithmetic:
		if r.Arithmetic == nil || r.Arithmetic.Expression == nil {
			return &ValidationError{NodeID: r.NodeID, Field: "arithmetic", Reason: "FILTER_ARITHMETIC rule missing document"}
		}
		if r.Arithmetic.Version != ArithmeticDocVersion {
			return &ValidationError{NodeID: r.NodeID, Field: "version", Reason: "unsupported arithmetic document version " + r.Arithmetic.Version}
		}
	case RuleNodeArithmetic:
		if r.Expression == "" {
			return &ValidationError{NodeID: r.NodeID, Field: "rule_expression", Reason: "NODE_ARITHMETIC rule missing expression"}
		}
	case RuleAutoSQL:
		if r.FilterCol == "" || r.TargetMeasure == "" {
			return &ValidationError{NodeID: r.NodeID, Field: "rollup_driver", Reason: "AUTO_SQL rule missing filter or target column"}
		}
	default:
		return &ValidationError{NodeID: r.NodeID, Field: "kind", Reason: "unknown rule kind " + string(r.Kind)}
	}
	return nil
}
