package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/overlay-engine/overlay"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func storeUseCase() *overlay.UseCase {
	return &overlay.UseCase{
		ID:          "uc-1",
		Name:        "Global P&L",
		StructureID: "structure-1",
		MeasureMapping: map[string]string{
			"daily": "daily_pnl",
			"mtd":   "mtd_pnl",
		},
		DimensionColumns: []string{"node_id", "strategy"},
		Status:           overlay.UseCaseActive,
	}
}

func TestUseCase_SaveLoadList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUseCase(ctx, storeUseCase()))

	got, err := s.UseCase(ctx, "uc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Global P&L", got.Name)
	assert.Equal(t, overlay.StructureID("structure-1"), got.StructureID)
	assert.Equal(t, "daily_pnl", got.MeasureMapping["daily"])
	assert.Equal(t, []string{"node_id", "strategy"}, got.DimensionColumns)
	assert.Equal(t, overlay.UseCaseActive, got.Status)

	missing, err := s.UseCase(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := s.ListUseCases(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUseCase_SaveIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uc := storeUseCase()
	require.NoError(t, s.SaveUseCase(ctx, uc))
	uc.Status = overlay.UseCaseArchived
	require.NoError(t, s.SaveUseCase(ctx, uc))

	got, err := s.UseCase(ctx, "uc-1")
	require.NoError(t, err)
	assert.Equal(t, overlay.UseCaseArchived, got.Status)
}

func TestNodes_SaveReplacesStructure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes := []overlay.HierarchyNode{
		{NodeID: "R", Depth: 0, NodeName: "Root", StructureID: "structure-1"},
		{NodeID: "L", ParentNodeID: "R", Depth: 1, IsLeaf: true, NodeName: "Leaf", StructureID: "structure-1"},
	}
	require.NoError(t, s.SaveNodes(ctx, "structure-1", nodes))

	got, err := s.Nodes(ctx, "structure-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Saving again replaces, never appends.
	require.NoError(t, s.SaveNodes(ctx, "structure-1", nodes[:1]))
	got, err = s.Nodes(ctx, "structure-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBridge_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bridge := overlay.Bridge{
		"R":  {"L1", "L2"},
		"L1": {"L1"},
		"L2": {"L2"},
	}
	require.NoError(t, s.SaveBridge(ctx, "structure-1", bridge))

	got, err := s.Bridge(ctx, "structure-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []overlay.NodeID{"L1", "L2"}, got["R"])
}

func TestRules_UpsertPerNodeAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := &overlay.Rule{
		ID:          "rule-1",
		UseCaseID:   "uc-1",
		NodeID:      "L",
		Kind:        overlay.RuleFilter,
		MeasureName: "daily",
		Predicate: &overlay.Predicate{Conditions: []overlay.Condition{
			{Field: "strategy", Operator: overlay.OpEquals, Value: "CORE"},
		}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveRule(ctx, rule))

	// Second rule for the same (use_case, node) replaces the first.
	replacement := &overlay.Rule{
		ID: "rule-2", UseCaseID: "uc-1", NodeID: "L",
		Kind: overlay.RuleNodeArithmetic, Expression: "A + B",
		Dependencies: []overlay.NodeID{"A", "B"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveRule(ctx, replacement))

	rules, err := s.RulesForUseCase(ctx, "uc-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, overlay.RuleNodeArithmetic, rules[0].Kind)
	assert.Equal(t, "A + B", rules[0].Expression)
	assert.Equal(t, []overlay.NodeID{"A", "B"}, rules[0].Dependencies)

	require.NoError(t, s.DeleteRule(ctx, "uc-1", "L"))
	rules, err = s.RulesForUseCase(ctx, "uc-1")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRuleLastModified_TracksLatestEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No rules: zero time.
	ts, err := s.RuleLastModified(ctx, "uc-1")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveRule(ctx, &overlay.Rule{
		ID: "rule-1", UseCaseID: "uc-1", NodeID: "L", Kind: overlay.RuleFilter,
		MeasureName: "daily", WhereSQL: "strategy = 'CORE'",
		CreatedAt: now, LastModifiedAt: now,
	}))

	ts, err = s.RuleLastModified(ctx, "uc-1")
	require.NoError(t, err)
	assert.False(t, ts.Before(now))
}

func TestFacts_LegacyLedger_ScopedByUseCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uc := storeUseCase()
	other := storeUseCase()
	other.ID = "uc-2"

	rows := []overlay.FactRow{
		{
			Dimensions: map[string]string{"node_id": "L1", "strategy": "CORE"},
			Measures: map[string]decimal.Decimal{
				"daily_pnl": decimal.NewFromInt(70),
				"mtd_pnl":   decimal.NewFromInt(700),
			},
		},
		{
			Dimensions: map[string]string{"node_id": "L1", "strategy": "LEGACY"},
			Measures: map[string]decimal.Decimal{
				"daily_pnl": decimal.NewFromInt(30),
				"mtd_pnl":   decimal.NewFromInt(300),
			},
		},
	}
	require.NoError(t, s.InsertFacts(ctx, uc, rows))
	require.NoError(t, s.InsertFacts(ctx, other, rows[:1]))

	// Each use case only sees its own slice of the shared ledger.
	got, err := s.Rows(ctx, uc)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Rows(ctx, other)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFacts_RowsClassifyColumnsByMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uc := storeUseCase()

	require.NoError(t, s.InsertFacts(ctx, uc, []overlay.FactRow{{
		Dimensions: map[string]string{"node_id": "L1", "strategy": "CORE"},
		Measures: map[string]decimal.Decimal{
			"daily_pnl": decimal.RequireFromString("70.1234"),
			"mtd_pnl":   decimal.NewFromInt(700),
		},
	}}))

	rows, err := s.Rows(ctx, uc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "L1", rows[0].Dimension("node_id"))
	assert.Equal(t, "CORE", rows[0].Dimension("strategy"))
	assert.True(t, rows[0].Measure("daily_pnl").Equal(decimal.RequireFromString("70.1234")),
		"measure columns come back as exact decimals")
}

func TestAggregate_PredicateCompiledWithBoundValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uc := storeUseCase()

	require.NoError(t, s.InsertFacts(ctx, uc, []overlay.FactRow{
		{
			Dimensions: map[string]string{"node_id": "L1", "strategy": "CORE"},
			Measures:   map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(70), "mtd_pnl": decimal.Zero},
		},
		{
			Dimensions: map[string]string{"node_id": "L1", "strategy": "LEGACY"},
			Measures:   map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(30), "mtd_pnl": decimal.Zero},
		},
	}))

	p := &overlay.Predicate{Conditions: []overlay.Condition{
		{Field: "strategy", Operator: overlay.OpEquals, Value: "CORE"},
	}}
	v, err := s.Aggregate(ctx, uc, "daily_pnl", overlay.AggSum, p)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(70)), "got %s", v)

	// Nil predicate sums the whole scope.
	v, err = s.Aggregate(ctx, uc, "daily_pnl", overlay.AggSum, nil)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(100)), "got %s", v)

	// Empty scope aggregates to zero, not NULL.
	empty := storeUseCase()
	empty.ID = "uc-empty"
	v, err = s.Aggregate(ctx, empty, "daily_pnl", overlay.AggSum, nil)
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestAggregateWhere_ScreensBeforeExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uc := storeUseCase()

	require.NoError(t, s.InsertFacts(ctx, uc, []overlay.FactRow{{
		Dimensions: map[string]string{"node_id": "L1", "strategy": "CORE"},
		Measures:   map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(70), "mtd_pnl": decimal.Zero},
	}}))

	v, err := s.AggregateWhere(ctx, uc, "daily_pnl", overlay.AggSum, "strategy = 'CORE'")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(70)))

	_, err = s.AggregateWhere(ctx, uc, "daily_pnl", overlay.AggSum, "1=1; DROP TABLE pnl_facts")
	require.Error(t, err)
	assert.ErrorIs(t, err, overlay.ErrDangerousPredicate)

	// The table survived.
	rows, err := s.Rows(ctx, uc)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCountWhere_AffectedVersusTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uc := storeUseCase()

	require.NoError(t, s.InsertFacts(ctx, uc, []overlay.FactRow{
		{Dimensions: map[string]string{"node_id": "L1", "strategy": "CORE"},
			Measures: map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(1), "mtd_pnl": decimal.Zero}},
		{Dimensions: map[string]string{"node_id": "L1", "strategy": "CORE"},
			Measures: map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(1), "mtd_pnl": decimal.Zero}},
		{Dimensions: map[string]string{"node_id": "L2", "strategy": "LEGACY"},
			Measures: map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(1), "mtd_pnl": decimal.Zero}},
	}))

	affected, total, err := s.CountWhere(ctx, uc, "strategy = 'CORE'")
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)
	assert.Equal(t, int64(3), total)
}

func TestCreateFactTable_DedicatedStrategyTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFactTable(ctx, "facts_strat",
		[]string{"strategy", "desk"}, []string{"daily_pnl"}))

	uc := &overlay.UseCase{
		ID:               "uc-strat",
		StructureID:      "s",
		InputTableName:   "facts_strat",
		MeasureMapping:   map[string]string{"daily": "daily_pnl"},
		DimensionColumns: []string{"strategy", "desk"},
	}
	require.NoError(t, s.InsertFacts(ctx, uc, []overlay.FactRow{{
		Dimensions: map[string]string{"strategy": "CORE", "desk": "D1"},
		Measures:   map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(5)},
	}}))

	rows, err := s.Rows(ctx, uc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CORE", rows[0].Dimension("strategy"))

	// Identifier validation guards the DDL path.
	err = s.CreateFactTable(ctx, "facts; DROP TABLE pnl_facts", []string{"a"}, []string{"b"})
	assert.Error(t, err)
}

func TestRuns_LifecycleAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	run := &overlay.CalculationRun{
		ID:          "run-1",
		UseCaseID:   "uc-1",
		PnlDate:     day,
		Name:        "manual",
		Status:      overlay.RunInProgress,
		TriggeredBy: "analyst",
		ExecutedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.SaveRun(ctx, run))

	run.Status = overlay.RunCompleted
	run.DurationMs = 42
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, overlay.RunCompleted, got.Status)
	assert.Equal(t, int64(42), got.DurationMs)
	assert.True(t, got.PnlDate.Equal(day))

	later := *run
	later.ID = "run-2"
	later.ExecutedAt = run.ExecutedAt.Add(time.Minute)
	require.NoError(t, s.SaveRun(ctx, &later))

	latest, err := s.LatestRun(ctx, "uc-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, overlay.RunID("run-2"), latest.ID)

	listed, err := s.ListRuns(ctx, "uc-1", day)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestRuns_DeadlineExpiry_FailureReceiptStillPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uc := storeUseCase()
	require.NoError(t, s.SaveUseCase(ctx, uc))

	// A one-nanosecond deadline kills the run at its first store read. The
	// FAILED receipt must still land: ExecContext refuses a done context,
	// so the receipt write cannot ride the run's own context.
	e := &overlay.Engine{Stores: s.Stores(), RunTimeout: time.Nanosecond}
	_, err := e.Calculate(ctx, overlay.CalculateRequest{UseCaseID: uc.ID, TriggeredBy: "analyst"})
	require.Error(t, err)

	run, err := s.LatestRun(ctx, uc.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, overlay.RunFailed, run.Status)
	assert.NotEmpty(t, run.FailureReason)

	results, err := s.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestResults_ExactDecimalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, &overlay.CalculationRun{
		ID: "run-1", UseCaseID: "uc-1", Status: overlay.RunCompleted,
		ExecutedAt: time.Now().UTC(),
	}))

	results := []overlay.CalculatedResult{
		{
			RunID:  "run-1",
			NodeID: "L1",
			MeasureVector: overlay.MeasureVector{
				"daily": decimal.RequireFromString("70.1234"),
			},
			PlugVector: overlay.MeasureVector{
				"daily": decimal.RequireFromString("-0.1234"),
			},
			IsOverride:   true,
			IsReconciled: false,
		},
	}
	require.NoError(t, s.SaveResults(ctx, results))

	got, err := s.Results(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].MeasureVector.Get("daily").Equal(decimal.RequireFromString("70.1234")),
		"adjusted survives the round trip exactly, got %s", got[0].MeasureVector.Get("daily"))
	assert.True(t, got[0].PlugVector.Get("daily").Equal(decimal.RequireFromString("-0.1234")))
	assert.True(t, got[0].IsOverride)
	assert.False(t, got[0].IsReconciled)
}

func TestReset_ClearsEveryTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUseCase(ctx, storeUseCase()))
	require.NoError(t, s.InsertFacts(ctx, storeUseCase(), []overlay.FactRow{{
		Dimensions: map[string]string{"node_id": "L1", "strategy": "CORE"},
		Measures:   map[string]decimal.Decimal{"daily_pnl": decimal.NewFromInt(1), "mtd_pnl": decimal.Zero},
	}}))

	require.NoError(t, s.Reset(ctx))

	list, err := s.ListUseCases(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	rows, err := s.Rows(ctx, storeUseCase())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStores_SatisfiesEngineInterfaces(t *testing.T) {
	s := newTestStore(t)
	bundle := s.Stores()
	assert.NotNil(t, bundle.UseCases)
	assert.NotNil(t, bundle.Hierarchy)
	assert.NotNil(t, bundle.Rules)
	assert.NotNil(t, bundle.Facts)
	assert.NotNil(t, bundle.Runs)
	assert.NotNil(t, bundle.Results)
}
