/*
Package overlay provides the core financial logic overlay engine.

PURPOSE:
  This package contains the data model and algorithms for recomputing a
  business hierarchy over a P&L ledger under user-defined override rules.
  Every node in the hierarchy carries three values per measure: the Natural
  value (rollup of raw facts), the Adjusted value (rollup under rules), and
  the Plug (Natural - Adjusted). The Plug is the accounting record of every
  override, so no dollar is ever silently dropped.

KEY CONCEPTS IN THIS FILE (types.go):
  - MeasureVector: A frozen-shape map of measure name -> decimal value
  - UseCase: Identity for a calculation sandbox (hierarchy + fact table + mapping)
  - HierarchyNode: An entity in a hierarchy tree with auto-rollup attributes
  - CalculationRun: A run receipt with status lifecycle
  - CalculatedResult: Per (run, node) adjusted/plug vectors

DESIGN PRINCIPLES:
  1. Precision: All monetary math uses decimal.Decimal, never float64
  2. Immutability: Runs are snapshots; rule edits never mutate past runs
  3. Frozen shapes: The measure key set is fixed per run, never dynamic
  4. Auditability: Plug quantifies exactly what every rule changed

SEE ALSO:
  - rule.go: Rule and ExecutableRule tagged variants
  - hierarchy.go: Hierarchy construction and validation
  - engine.go: The three-stage calculation pipeline
*/
package overlay

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UseCaseID string
type NodeID string
type StructureID string
type RunID string

// NodeOrphan is the synthetic node that absorbs fact value unmatched by any
// leaf, so the completeness check never loses a dollar.
const NodeOrphan NodeID = "NODE_ORPHAN"

// =============================================================================
// TOLERANCES
// =============================================================================

// Epsilon is the default comparison tolerance for monetary values.
// Comparisons never test exact equality; storage rounds to 4 decimal places.
var Epsilon = decimal.NewFromFloat(0.01)

// StorageScale is the decimal scale applied once at the persistence boundary.
// Stages never round internally.
const StorageScale = 4

// WithinEpsilon reports whether |a - b| <= Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return WithinTolerance(a, b, Epsilon)
}

// WithinTolerance reports whether |a - b| <= eps.
func WithinTolerance(a, b, eps decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(eps)
}

// =============================================================================
// MEASURE VECTOR - Fixed-shape map of measure name -> decimal
// =============================================================================

// MeasureVector holds one decimal per logical measure. The key set is frozen
// at run start from the use case's measure mapping; lookups outside the key
// set return zero.
type MeasureVector map[string]decimal.Decimal

// NewMeasureVector returns a zero vector over the given measure names.
func NewMeasureVector(measures []string) MeasureVector {
	v := make(MeasureVector, len(measures))
	for _, m := range measures {
		v[m] = decimal.Zero
	}
	return v
}

// Get returns the value for a measure, zero if absent.
func (v MeasureVector) Get(measure string) decimal.Decimal {
	if d, ok := v[measure]; ok {
		return d
	}
	return decimal.Zero
}

// Clone returns an independent copy.
func (v MeasureVector) Clone() MeasureVector {
	out := make(MeasureVector, len(v))
	for k, d := range v {
		out[k] = d
	}
	return out
}

// Add returns v + o, element-wise over v's key set.
func (v MeasureVector) Add(o MeasureVector) MeasureVector {
	out := make(MeasureVector, len(v))
	for k, d := range v {
		out[k] = d.Add(o.Get(k))
	}
	return out
}

// Sub returns v - o, element-wise over v's key set.
func (v MeasureVector) Sub(o MeasureVector) MeasureVector {
	out := make(MeasureVector, len(v))
	for k, d := range v {
		out[k] = d.Sub(o.Get(k))
	}
	return out
}

// IsZeroWithin reports whether every component is within eps of zero.
func (v MeasureVector) IsZeroWithin(eps decimal.Decimal) bool {
	for _, d := range v {
		if d.Abs().GreaterThan(eps) {
			return false
		}
	}
	return true
}

// Round returns a copy rounded to the given scale. Used only at the
// persistence boundary.
func (v MeasureVector) Round(scale int32) MeasureVector {
	out := make(MeasureVector, len(v))
	for k, d := range v {
		out[k] = d.Round(scale)
	}
	return out
}

// =============================================================================
// USE CASE - Calculation sandbox identity
// =============================================================================

type UseCaseStatus string

const (
	UseCaseDraft    UseCaseStatus = "DRAFT"
	UseCaseActive   UseCaseStatus = "ACTIVE"
	UseCaseArchived UseCaseStatus = "ARCHIVED"
)

// UseCase binds a hierarchy structure to a fact table shape. StructureID is
// immutable after creation.
type UseCase struct {
	ID             UseCaseID
	Name           string
	Owner          string
	StructureID    StructureID
	InputTableName string // empty means the canonical ledger (legacy path)
	// MeasureMapping maps logical measure names (e.g. "daily") to physical
	// fact columns (e.g. "daily_pnl"). Its key set freezes the vector shape
	// for every run of this use case.
	MeasureMapping map[string]string
	// DimensionColumns whitelists the fact columns a predicate may reference.
	DimensionColumns []string
	// LeafColumn names the fact column identifying a leaf node on the
	// legacy rollup path. Defaults to "node_id" when empty.
	LeafColumn string
	Status     UseCaseStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Measures returns the logical measure names in deterministic order.
func (u *UseCase) Measures() []string {
	out := make([]string, 0, len(u.MeasureMapping))
	for m := range u.MeasureMapping {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Column resolves a logical measure to its physical fact column.
func (u *UseCase) Column(measure string) (string, bool) {
	c, ok := u.MeasureMapping[measure]
	return c, ok
}

// AllowedField reports whether a predicate may filter on the given column.
func (u *UseCase) AllowedField(col string) bool {
	for _, c := range u.DimensionColumns {
		if c == col {
			return true
		}
	}
	// Measure columns are also queryable (greater_than/less_than filters).
	for _, c := range u.MeasureMapping {
		if c == col {
			return true
		}
	}
	return false
}

// UsesStrategyPath reports whether the use case has a dedicated fact table
// whose dimension columns match the hierarchy's rollup drivers. Otherwise
// the legacy leaf-id rollup applies.
func (u *UseCase) UsesStrategyPath() bool {
	return u.InputTableName != ""
}

// EffectiveLeafColumn returns the legacy leaf-identifying fact column.
func (u *UseCase) EffectiveLeafColumn() string {
	if u.LeafColumn != "" {
		return u.LeafColumn
	}
	return "node_id"
}

// =============================================================================
// HIERARCHY NODE
// =============================================================================

// RollupValueSource selects which node field supplies the auto-rollup filter
// value.
type RollupValueSource string

const (
	RollupByNodeID   RollupValueSource = "node_id"
	RollupByNodeName RollupValueSource = "node_name"
)

// HierarchyNode is one entity in a structure's tree.
type HierarchyNode struct {
	NodeID       NodeID
	ParentNodeID NodeID // empty for the root
	NodeName     string
	Depth        int // root = 0
	IsLeaf       bool
	StructureID  StructureID

	// Auto-rollup: when a node names a fact column in RollupDriver, the
	// resolver emits a virtual AUTO_SQL rule filtering that column on the
	// node's id or name per RollupValueSource.
	RollupDriver      string
	RollupValueSource RollupValueSource
}

// RollupValue returns the filter value the auto-rollup rule matches on.
func (n *HierarchyNode) RollupValue() string {
	if n.RollupValueSource == RollupByNodeName {
		return n.NodeName
	}
	return string(n.NodeID)
}

// =============================================================================
// FACTS
// =============================================================================

// FactRow is one ledger row: categorical dimensions plus decimal measures.
// The schema is use-case-specific, so both sides stay dynamic here; the
// engine freezes shapes at the MeasureVector level instead.
type FactRow struct {
	Dimensions map[string]string
	Measures   map[string]decimal.Decimal
}

// Measure returns the named measure column value, zero if absent.
func (f FactRow) Measure(col string) decimal.Decimal {
	if d, ok := f.Measures[col]; ok {
		return d
	}
	return decimal.Zero
}

// Dimension returns the named dimension column value, "" if absent.
func (f FactRow) Dimension(col string) string {
	return f.Dimensions[col]
}

// =============================================================================
// CALCULATION RUN - Immutable run receipt
// =============================================================================

type RunStatus string

const (
	RunInProgress RunStatus = "IN_PROGRESS"
	RunCompleted  RunStatus = "COMPLETED"
	RunFailed     RunStatus = "FAILED"
)

// CalculationRun records one execution of the pipeline. Runs are immutable
// snapshots: rule edits after ExecutedAt never alter a run's results.
type CalculationRun struct {
	ID          RunID
	UseCaseID   UseCaseID
	PnlDate     time.Time
	Name        string
	Status      RunStatus
	TriggeredBy string
	ExecutedAt  time.Time
	DurationMs  int64
	// FailureReason is set when Status is RunFailed.
	FailureReason string
	// Anomaly carries non-fatal reconciliation findings (run still COMPLETED).
	Anomaly string
}

// =============================================================================
// CALCULATED RESULT - Per (run, node) output
// =============================================================================

// CalculatedResult is the persisted output for one node in one run.
type CalculatedResult struct {
	RunID  RunID
	NodeID NodeID
	// MeasureVector is the Adjusted value per measure.
	MeasureVector MeasureVector
	// PlugVector is Natural - Adjusted per measure.
	PlugVector MeasureVector
	// IsOverride marks nodes whose value a rule set directly.
	IsOverride bool
	// IsReconciled holds iff |plug| <= epsilon for every measure.
	IsReconciled bool
}
