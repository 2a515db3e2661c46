package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/overlay-engine/overlay"
)

func TestParseRule_FilterWithPredicate(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(`{
		"id": "rule-emea-daily",
		"use_case_id": "uc-global-pnl",
		"node_id": "NODE_EMEA",
		"kind": "FILTER",
		"measure": "daily",
		"filters": [
			{"field": "region", "operator": "equals", "value": "EMEA"},
			{"field": "strategy", "operator": "in", "values": ["CORE", "LEGACY"]}
		]
	}`)
	require.NoError(t, err)

	assert.Equal(t, "rule-emea-daily", rule.ID)
	assert.Equal(t, overlay.UseCaseID("uc-global-pnl"), rule.UseCaseID)
	assert.Equal(t, overlay.NodeID("NODE_EMEA"), rule.NodeID)
	assert.Equal(t, overlay.RuleFilter, rule.Kind)
	assert.Equal(t, "daily", rule.MeasureName)
	require.NotNil(t, rule.Predicate)
	require.Len(t, rule.Predicate.Conditions, 2)
	assert.Equal(t, overlay.OpIn, rule.Predicate.Conditions[1].Operator)
}

func TestParseRule_GeneratesIDWhenOmitted(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(`{
		"use_case_id": "uc-1",
		"node_id": "N",
		"kind": "FILTER",
		"measure": "daily",
		"where_sql": "strategy = 'CORE'"
	}`)
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
}

func TestParseRule_FilterRequiresExactlyOnePredicateForm(t *testing.T) {
	f := NewRuleFactory()

	// Neither filters nor where_sql.
	_, err := f.FromJSON(RuleJSON{
		UseCaseID: "uc-1", NodeID: "N", Kind: "FILTER", Measure: "daily",
	})
	assert.Error(t, err)

	// Both at once.
	_, err = f.FromJSON(RuleJSON{
		UseCaseID: "uc-1", NodeID: "N", Kind: "FILTER", Measure: "daily",
		WhereSQL: "strategy = 'CORE'",
		Filters: []overlay.Condition{
			{Field: "strategy", Operator: overlay.OpEquals, Value: "CORE"},
		},
	})
	assert.Error(t, err)
}

func TestParseRule_DangerousWhereSQL_RejectedAtIntake(t *testing.T) {
	f := NewRuleFactory()

	_, err := f.FromJSON(RuleJSON{
		UseCaseID: "uc-1", NodeID: "N", Kind: "FILTER", Measure: "daily",
		WhereSQL: "strategy = 'CORE'; DROP TABLE pnl_facts",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, overlay.ErrDangerousPredicate)
}

func TestParseRule_AutoSQL_NotUserCreatable(t *testing.T) {
	f := NewRuleFactory()

	_, err := f.FromJSON(RuleJSON{UseCaseID: "uc-1", NodeID: "N", Kind: "AUTO_SQL"})
	require.Error(t, err)
	assert.ErrorIs(t, err, overlay.ErrValidation)
}

func TestParseRule_FilterArithmetic_VersionedDocument(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(`{
		"use_case_id": "uc-1",
		"node_id": "N",
		"kind": "FILTER_ARITHMETIC",
		"measure": "daily",
		"arithmetic": {
			"version": "2.0",
			"expression": {
				"operator": "+",
				"operands": [
					{"type": "query", "query_id": "q1"},
					{"type": "query", "query_id": "q2"}
				]
			},
			"queries": [
				{"query_id": "q1", "measure": "commission", "aggregation": "SUM",
				 "filters": [{"field": "strategy", "operator": "equals", "value": "CORE"}]},
				{"query_id": "q2", "measure": "trade", "aggregation": "SUM"}
			]
		}
	}`)
	require.NoError(t, err)
	require.NotNil(t, rule.Arithmetic)
	assert.Equal(t, overlay.ArithmeticDocVersion, rule.Arithmetic.Version)
	assert.Len(t, rule.Arithmetic.Queries, 2)
}

func TestParseRule_FilterArithmetic_RejectsOtherVersions(t *testing.T) {
	f := NewRuleFactory()

	_, err := f.FromJSON(RuleJSON{
		UseCaseID: "uc-1", NodeID: "N", Kind: "FILTER_ARITHMETIC", Measure: "daily",
		Arithmetic: &overlay.ArithmeticDoc{
			Version:    "1.0",
			Expression: &overlay.ArithmeticExpr{Operator: "+"},
			Queries:    []overlay.QuerySpec{{QueryID: "q1", Measure: "daily", Aggregation: overlay.AggSum}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestParseRule_NodeArithmetic_ExpressionMustParse(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(`{
		"use_case_id": "uc-1",
		"node_id": "C",
		"kind": "NODE_ARITHMETIC",
		"expression": "A + B",
		"dependencies": ["A", "B"]
	}`)
	require.NoError(t, err)
	assert.Equal(t, []overlay.NodeID{"A", "B"}, rule.Dependencies)

	_, err = f.FromJSON(RuleJSON{
		UseCaseID: "uc-1", NodeID: "C", Kind: "NODE_ARITHMETIC",
		Expression: "A ++ ", Dependencies: []string{"A"},
	})
	assert.Error(t, err)
}

func TestParseRule_NodeArithmetic_RejectsFilterFields(t *testing.T) {
	f := NewRuleFactory()

	_, err := f.FromJSON(RuleJSON{
		UseCaseID: "uc-1", NodeID: "C", Kind: "NODE_ARITHMETIC",
		Expression: "A + B", Dependencies: []string{"A", "B"},
		WhereSQL: "strategy = 'CORE'",
	})
	assert.Error(t, err)
}

func TestParseRule_UnknownKindAndMalformedJSON(t *testing.T) {
	f := NewRuleFactory()

	_, err := f.ParseRule(`{"use_case_id": "uc-1", "node_id": "N", "kind": "MAGIC"}`)
	assert.Error(t, err)

	_, err = f.ParseRule(`{not json`)
	assert.Error(t, err)
}

func TestToJSON_RoundTripsEveryVariantField(t *testing.T) {
	f := NewRuleFactory()

	src := `{
		"id": "rule-1",
		"use_case_id": "uc-1",
		"node_id": "C",
		"kind": "NODE_ARITHMETIC",
		"expression": "A + B * 2",
		"dependencies": ["A", "B"],
		"created_at": "2026-08-01T09:00:00Z"
	}`
	rule, err := f.ParseRule(src)
	require.NoError(t, err)

	rj := f.ToJSON(rule)
	assert.Equal(t, "rule-1", rj.ID)
	assert.Equal(t, "NODE_ARITHMETIC", rj.Kind)
	assert.Equal(t, "A + B * 2", rj.Expression)
	assert.Equal(t, []string{"A", "B"}, rj.Dependencies)
	assert.Equal(t, "2026-08-01T09:00:00Z", rj.CreatedAt)
}
