/*
Package factory provides JSON to Go rule conversion.

PURPOSE:
  Converts JSON rule definitions into overlay.Rule objects. This enables
  override configuration without code changes - desk controllers submit
  rules through the API as JSON, and the factory creates the proper Go
  structs with the variant-specific fields populated.

JSON SCHEMA:
  {
    "id": "rule-emea-daily",
    "use_case_id": "uc-global-pnl",
    "node_id": "NODE_EMEA",
    "kind": "FILTER",
    "measure": "daily",
    "filters": [
      {"field": "region", "operator": "equals", "value": "EMEA"}
    ]
  }

  FILTER rules may carry "where_sql" instead of "filters"; the fragment is
  screened before it is ever stored. FILTER_ARITHMETIC rules carry a
  versioned "arithmetic" document ("version": "2.0"). NODE_ARITHMETIC
  rules carry "expression" plus "dependencies".

KEY FEATURES:
  - Validates variant shape before storage
  - Screens free-form SQL at intake, not just at execution
  - Generates rule ids when omitted
  - Round-trips rules back to JSON for the read API

USAGE:
  factory := NewRuleFactory()

  rule, err := factory.ParseRule(jsonStr)
  if err != nil {
      // reject the submission
  }
  store.SaveRule(ctx, rule)

SEE ALSO:
  - overlay/rule.go: Rule type definition and variant validation
  - overlay/predicate.go: SQL screening
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/overlay-engine/overlay"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID        string `json:"id,omitempty"`
	UseCaseID string `json:"use_case_id"`
	NodeID    string `json:"node_id"`
	Kind      string `json:"kind"`

	// Measure is the logical measure the rule writes (FILTER and
	// FILTER_ARITHMETIC variants).
	Measure string `json:"measure,omitempty"`

	Filters  []overlay.Condition `json:"filters,omitempty"`
	WhereSQL string              `json:"where_sql,omitempty"`

	Arithmetic *overlay.ArithmeticDoc `json:"arithmetic,omitempty"`

	Expression   string   `json:"expression,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	CreatedAt      string `json:"created_at,omitempty"`
	LastModifiedAt string `json:"last_modified_at,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to Go structs.
type RuleFactory struct{}

// NewRuleFactory creates a new rule factory.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses a JSON string into an overlay.Rule.
func (f *RuleFactory) ParseRule(jsonStr string) (*overlay.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON converts RuleJSON to an overlay.Rule, validating the variant
// shape. Free-form SQL is screened here so a dangerous fragment never
// reaches storage.
func (f *RuleFactory) FromJSON(rj RuleJSON) (*overlay.Rule, error) {
	if rj.UseCaseID == "" {
		return nil, &overlay.ValidationError{Field: "use_case_id", Reason: "required"}
	}
	if rj.NodeID == "" {
		return nil, &overlay.ValidationError{Field: "node_id", Reason: "required"}
	}

	kind := overlay.RuleKind(rj.Kind)
	switch kind {
	case overlay.RuleFilter, overlay.RuleFilterArithmetic, overlay.RuleNodeArithmetic:
	case overlay.RuleAutoSQL:
		// Virtual rules are synthesized from the hierarchy, never submitted.
		return nil, &overlay.ValidationError{Field: "kind", Reason: "AUTO_SQL rules cannot be created directly"}
	default:
		return nil, &overlay.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown rule kind %q", rj.Kind)}
	}

	rule := &overlay.Rule{
		ID:          rj.ID,
		UseCaseID:   overlay.UseCaseID(rj.UseCaseID),
		NodeID:      overlay.NodeID(rj.NodeID),
		Kind:        kind,
		MeasureName: rj.Measure,
		WhereSQL:    rj.WhereSQL,
		Arithmetic:  rj.Arithmetic,
		Expression:  rj.Expression,
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if len(rj.Filters) > 0 {
		rule.Predicate = &overlay.Predicate{Conditions: rj.Filters}
	}
	for _, dep := range rj.Dependencies {
		rule.Dependencies = append(rule.Dependencies, overlay.NodeID(dep))
	}
	if rj.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, rj.CreatedAt)
		if err != nil {
			return nil, &overlay.ValidationError{Field: "created_at", Reason: "not RFC 3339"}
		}
		rule.CreatedAt = t
	}

	if err := f.validateShape(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// validateShape enforces the variant-specific field requirements.
func (f *RuleFactory) validateShape(r *overlay.Rule) error {
	switch r.Kind {
	case overlay.RuleFilter:
		if r.MeasureName == "" {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "measure", Reason: "FILTER rule requires a target measure"}
		}
		hasPredicate := r.Predicate != nil && len(r.Predicate.Conditions) > 0
		hasSQL := r.WhereSQL != ""
		if hasPredicate == hasSQL {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "filters", Reason: "FILTER rule requires exactly one of filters or where_sql"}
		}
		if hasSQL {
			if err := overlay.ScreenWhereSQL(r.WhereSQL); err != nil {
				return err
			}
		}
		if r.Arithmetic != nil || r.Expression != "" {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "kind", Reason: "FILTER rule cannot carry arithmetic fields"}
		}

	case overlay.RuleFilterArithmetic:
		if r.MeasureName == "" {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "measure", Reason: "FILTER_ARITHMETIC rule requires a target measure"}
		}
		if r.Arithmetic == nil {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "arithmetic", Reason: "FILTER_ARITHMETIC rule requires an arithmetic document"}
		}
		if r.Arithmetic.Version != overlay.ArithmeticDocVersion {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "arithmetic.version",
				Reason: fmt.Sprintf("unsupported version %q, want %q", r.Arithmetic.Version, overlay.ArithmeticDocVersion)}
		}
		if r.Arithmetic.Expression == nil || len(r.Arithmetic.Queries) == 0 {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "arithmetic", Reason: "arithmetic document requires an expression and at least one query"}
		}
		for _, q := range r.Arithmetic.Queries {
			if q.QueryID == "" || q.Measure == "" {
				return &overlay.ValidationError{NodeID: r.NodeID, Field: "arithmetic.queries", Reason: "every query requires query_id and measure"}
			}
		}

	case overlay.RuleNodeArithmetic:
		if r.Expression == "" {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "expression", Reason: "NODE_ARITHMETIC rule requires an expression"}
		}
		if _, err := overlay.ParseExpr(r.Expression); err != nil {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "expression", Reason: err.Error()}
		}
		if r.Predicate != nil || r.WhereSQL != "" || r.Arithmetic != nil {
			return &overlay.ValidationError{NodeID: r.NodeID, Field: "kind", Reason: "NODE_ARITHMETIC rule cannot carry filter fields"}
		}
	}
	return nil
}

// ToJSON converts a rule back to its JSON representation.
func (f *RuleFactory) ToJSON(r *overlay.Rule) RuleJSON {
	rj := RuleJSON{
		ID:         r.ID,
		UseCaseID:  string(r.UseCaseID),
		NodeID:     string(r.NodeID),
		Kind:       string(r.Kind),
		Measure:    r.MeasureName,
		WhereSQL:   r.WhereSQL,
		Arithmetic: r.Arithmetic,
		Expression: r.Expression,
	}
	if r.Predicate != nil {
		rj.Filters = r.Predicate.Conditions
	}
	for _, dep := range r.Dependencies {
		rj.Dependencies = append(rj.Dependencies, string(dep))
	}
	if !r.CreatedAt.IsZero() {
		rj.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !r.LastModifiedAt.IsZero() {
		rj.LastModifiedAt = r.LastModifiedAt.UTC().Format(time.RFC3339)
	}
	return rj
}
