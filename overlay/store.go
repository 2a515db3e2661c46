/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  The engine is store-agnostic: it talks to the fact ledger, hierarchy,
  rules, runs, and results through these interfaces. store/sqlite implements
  them on SQLite; overlay/store provides in-memory implementations for tests
  and demos.

CONTRACT NOTES:
  - The engine only ever READS facts, hierarchy, and rules. Each run loads
    its own snapshot up front, so concurrent edits are not observed mid-run.
  - Result writes are a single atomic batch; a failed batch leaves nothing
    behind and the run transitions to FAILED.
  - Every method takes a context; loading and persisting are the only
    suspension points in a run.

SEE ALSO:
  - engine.go: The only consumer of these interfaces
  - store/memory.go: In-memory implementations
  - store/sqlite (top level): SQLite implementations
*/
package overlay

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FACT STORE
// =============================================================================

// FactStore is the tabular query surface over a use case's fact table.
type FactStore interface {
	// Rows enumerates the use case's fact rows (dimensions + measures).
	// The natural rollup works over this snapshot.
	Rows(ctx context.Context, uc *UseCase) ([]FactRow, error)

	// Aggregate evaluates SELECT <agg>(<column>) WHERE <filter> over the
	// use case's fact table. A nil filter aggregates the whole table.
	Aggregate(ctx context.Context, uc *UseCase, column string, agg Aggregation, filter *Predicate) (decimal.Decimal, error)

	// AggregateWhere is Aggregate with a pre-screened free-form WHERE
	// fragment. Callers must run ScreenWhereSQL first.
	AggregateWhere(ctx context.Context, uc *UseCase, column string, agg Aggregation, whereSQL string) (decimal.Decimal, error)

	// CountWhere returns (matching rows, total rows) for a screened WHERE
	// fragment. Used by rule preview.
	CountWhere(ctx context.Context, uc *UseCase, whereSQL string) (affected, total int64, err error)
}

// =============================================================================
// HIERARCHY / RULE / USE CASE STORES
// =============================================================================

// HierarchyStore reads the node set for a structure.
type HierarchyStore interface {
	Nodes(ctx context.Context, structureID StructureID) ([]HierarchyNode, error)
}

// RuleStore reads stored rules. The engine never writes rules; CRUD lives
// with the operator surface.
type RuleStore interface {
	// RulesForUseCase returns every rule for a use case.
	RulesForUseCase(ctx context.Context, useCaseID UseCaseID) ([]Rule, error)
}

// UseCaseStore reads use case definitions.
type UseCaseStore interface {
	UseCase(ctx context.Context, id UseCaseID) (*UseCase, error)
}

// =============================================================================
// RUN / RESULT STORES
// =============================================================================

// RunStore persists run receipts.
type RunStore interface {
	// SaveRun inserts or updates a run record (status transitions update
	// the same row).
	SaveRun(ctx context.Context, run *CalculationRun) error

	Run(ctx context.Context, id RunID) (*CalculationRun, error)

	// LatestRun returns the most recent run for a use case, nil if none.
	LatestRun(ctx context.Context, useCaseID UseCaseID) (*CalculationRun, error)

	// ListRuns filters by use case and pnl date; zero values match all.
	ListRuns(ctx context.Context, useCaseID UseCaseID, pnlDate time.Time) ([]CalculationRun, error)
}

// ResultStore persists per-node results. A run exclusively owns its rows.
type ResultStore interface {
	// SaveResults writes the whole batch atomically. On error nothing is
	// written and the run must transition to FAILED.
	SaveResults(ctx context.Context, results []CalculatedResult) error

	Results(ctx context.Context, runID RunID) ([]CalculatedResult, error)
}

// =============================================================================
// BUNDLE
// =============================================================================

// Stores bundles every interface the engine needs for a run.
type Stores struct {
	UseCases  UseCaseStore
	Hierarchy HierarchyStore
	Rules     RuleStore
	Facts     FactStore
	Runs      RunStore
	Results   ResultStore
}
