/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates a use case, a node
	tree, fact rows, and rules that demonstrate one feature of the
	calculation pipeline.

AVAILABLE SCENARIOS:

	identity-run:       No rules; Adjusted equals Natural, Plug is zero
	leaf-override:      One FILTER at a leaf; ancestors re-aggregate
	most-specific-wins: Parent rule suppressed by a descendant rule
	filter-arithmetic:  Versioned 2.0 document combining two queries
	math-dependency:    NODE_ARITHMETIC rule referencing sibling nodes
	cycle-detection:    Two mutually dependent Math rules; the run fails

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the use case and node tree
 3. Insert fact rows into the canonical ledger
 4. Insert rules
 5. Optionally trigger a calculation run

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "leaf-override"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to loadScenarioByID

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/rules.go: Rule JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overlay-engine/overlay"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "identity-run",
		Name:        "Identity Run",
		Description: "Two leaves, no rules: Adjusted equals Natural and every Plug is zero",
	},
	{
		ID:          "leaf-override",
		Name:        "Leaf Override",
		Description: "A FILTER rule at one leaf; ancestors re-aggregate and carry the plug",
	},
	{
		ID:          "most-specific-wins",
		Name:        "Most Specific Wins",
		Description: "Parent and leaf both carry FILTER rules; the parent's is suppressed",
	},
	{
		ID:          "filter-arithmetic",
		Name:        "Filter Arithmetic",
		Description: "Versioned 2.0 document: SUM(commission) + SUM(trade) under filters",
	},
	{
		ID:          "math-dependency",
		Name:        "Math Dependency",
		Description: "NODE_ARITHMETIC rule C = A + B evaluated after its dependencies",
	},
	{
		ID:          "cycle-detection",
		Name:        "Cycle Detection",
		Description: "Mutually dependent Math rules; calculation fails with the cycle named",
	},
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario id.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": h.currentScenario})
}

// LoadScenario resets the database and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	if err := h.loadScenarioByID(ctx, req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	// The reseed changed facts under the demo use case id; cached rollups
	// keyed on it are now wrong.
	h.invalidate(demoUseCaseID)
	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "loaded",
		"scenario_id": req.ScenarioID,
	})
}

var errUnknownScenario = errors.New("unknown scenario")

// loadScenarioByID dispatches to the named scenario's loader.
func (h *Handler) loadScenarioByID(ctx context.Context, id string) error {
	switch id {
	case "identity-run":
		return h.loadIdentityScenario(ctx)
	case "leaf-override":
		return h.loadLeafOverrideScenario(ctx)
	case "most-specific-wins":
		return h.loadMostSpecificScenario(ctx)
	case "filter-arithmetic":
		return h.loadFilterArithmeticScenario(ctx)
	case "math-dependency":
		return h.loadMathDependencyScenario(ctx)
	case "cycle-detection":
		return h.loadCycleScenario(ctx)
	default:
		return fmt.Errorf("%w: %s", errUnknownScenario, id)
	}
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.invalidate(demoUseCaseID)
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SEED HELPERS
// =============================================================================

const demoUseCaseID = "uc-demo"

// seedUseCase writes a legacy-path use case over the canonical ledger.
func (h *Handler) seedUseCase(ctx context.Context, mapping map[string]string) (*overlay.UseCase, error) {
	uc := &overlay.UseCase{
		ID:               demoUseCaseID,
		Name:             "Demo P&L",
		Owner:            "demo",
		StructureID:      "structure-demo",
		MeasureMapping:   mapping,
		DimensionColumns: []string{"node_id", "strategy", "process_2"},
		Status:           overlay.UseCaseActive,
	}
	if err := h.Store.SaveUseCase(ctx, uc); err != nil {
		return nil, err
	}
	return uc, nil
}

// seedTree writes a node set and its bridge for the demo structure.
func (h *Handler) seedTree(ctx context.Context, nodes []overlay.HierarchyNode) error {
	if err := h.Store.SaveNodes(ctx, "structure-demo", nodes); err != nil {
		return err
	}
	hier, err := overlay.BuildHierarchy("structure-demo", nodes)
	if err != nil {
		return err
	}
	return h.Store.SaveBridge(ctx, "structure-demo", hier.BuildBridge())
}

func node(id, parent overlay.NodeID, name string, depth int, leaf bool) overlay.HierarchyNode {
	return overlay.HierarchyNode{
		NodeID:       id,
		ParentNodeID: parent,
		NodeName:     name,
		Depth:        depth,
		IsLeaf:       leaf,
		StructureID:  "structure-demo",
	}
}

func fact(nodeID, strategy string, daily float64) overlay.FactRow {
	return overlay.FactRow{
		Dimensions: map[string]string{"node_id": nodeID, "strategy": strategy},
		Measures:   map[string]decimal.Decimal{"daily_pnl": decimal.NewFromFloat(daily)},
	}
}

func (h *Handler) seedRule(ctx context.Context, r *overlay.Rule) error {
	r.UseCaseID = demoUseCaseID
	r.CreatedAt = time.Now().UTC()
	return h.Store.SaveRule(ctx, r)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadIdentityScenario: two leaves, no rules.
func (h *Handler) loadIdentityScenario(ctx context.Context) error {
	uc, err := h.seedUseCase(ctx, map[string]string{"daily": "daily_pnl"})
	if err != nil {
		return err
	}
	if err := h.seedTree(ctx, []overlay.HierarchyNode{
		node("R", "", "Total", 0, false),
		node("L1", "R", "Rates Desk", 1, true),
		node("L2", "R", "Credit Desk", 1, true),
	}); err != nil {
		return err
	}
	return h.Store.InsertFacts(ctx, uc, []overlay.FactRow{
		fact("L1", "CORE", 100),
		fact("L2", "CORE", 40),
	})
}

// loadLeafOverrideScenario: FILTER at L1 keeps only CORE rows (70 of 100).
func (h *Handler) loadLeafOverrideScenario(ctx context.Context) error {
	uc, err := h.seedUseCase(ctx, map[string]string{"daily": "daily_pnl"})
	if err != nil {
		return err
	}
	if err := h.seedTree(ctx, []overlay.HierarchyNode{
		node("R", "", "Total", 0, false),
		node("L1", "R", "Rates Desk", 1, true),
		node("L2", "R", "Credit Desk", 1, true),
	}); err != nil {
		return err
	}
	if err := h.Store.InsertFacts(ctx, uc, []overlay.FactRow{
		fact("L1", "CORE", 70),
		fact("L1", "LEGACY", 30),
		fact("L2", "CORE", 40),
	}); err != nil {
		return err
	}
	return h.seedRule(ctx, &overlay.Rule{
		ID:          "rule-l1-core",
		NodeID:      "L1",
		Kind:        overlay.RuleFilter,
		MeasureName: "daily",
		Predicate: &overlay.Predicate{Conditions: []overlay.Condition{
			{Field: "node_id", Operator: overlay.OpEquals, Value: "L1"},
			{Field: "strategy", Operator: overlay.OpEquals, Value: "CORE"},
		}},
	})
}

// loadMostSpecificScenario: rules at both P and L1; P's is suppressed.
func (h *Handler) loadMostSpecificScenario(ctx context.Context) error {
	uc, err := h.seedUseCase(ctx, map[string]string{"daily": "daily_pnl"})
	if err != nil {
		return err
	}
	if err := h.seedTree(ctx, []overlay.HierarchyNode{
		node("R", "", "Total", 0, false),
		node("P", "R", "Macro", 1, false),
		node("L1", "P", "Rates Desk", 2, true),
		node("L2", "P", "Credit Desk", 2, true),
	}); err != nil {
		return err
	}
	if err := h.Store.InsertFacts(ctx, uc, []overlay.FactRow{
		fact("L1", "CORE", 70),
		fact("L1", "LEGACY", 30),
		fact("L2", "CORE", 40),
	}); err != nil {
		return err
	}
	if err := h.seedRule(ctx, &overlay.Rule{
		ID:          "rule-p-all",
		NodeID:      "P",
		Kind:        overlay.RuleFilter,
		MeasureName: "daily",
		Predicate: &overlay.Predicate{Conditions: []overlay.Condition{
			{Field: "strategy", Operator: overlay.OpIn, Values: []string{"CORE", "LEGACY"}},
		}},
	}); err != nil {
		return err
	}
	return h.seedRule(ctx, &overlay.Rule{
		ID:          "rule-l1-core",
		NodeID:      "L1",
		Kind:        overlay.RuleFilter,
		MeasureName: "daily",
		Predicate: &overlay.Predicate{Conditions: []overlay.Condition{
			{Field: "node_id", Operator: overlay.OpEquals, Value: "L1"},
			{Field: "strategy", Operator: overlay.OpEquals, Value: "CORE"},
		}},
	})
}

// loadFilterArithmeticScenario: 2.0 document summing two filtered queries.
func (h *Handler) loadFilterArithmeticScenario(ctx context.Context) error {
	uc, err := h.seedUseCase(ctx, map[string]string{
		"daily":      "daily_pnl",
		"commission": "commission",
		"trade":      "trade_pnl",
	})
	if err != nil {
		return err
	}
	if err := h.seedTree(ctx, []overlay.HierarchyNode{
		node("R", "", "Total", 0, false),
		node("N", "R", "Structured Desk", 1, true),
	}); err != nil {
		return err
	}

	rows := []overlay.FactRow{
		{
			Dimensions: map[string]string{"node_id": "N", "strategy": "CORE", "process_2": "CASH"},
			Measures: map[string]decimal.Decimal{
				"daily_pnl":  decimal.NewFromInt(500),
				"commission": decimal.NewFromInt(180),
				"trade_pnl":  decimal.NewFromInt(400),
			},
		},
		{
			Dimensions: map[string]string{"node_id": "N", "strategy": "CORE", "process_2": "SWAP"},
			Measures: map[string]decimal.Decimal{
				"daily_pnl": decimal.NewFromInt(900),
				"trade_pnl": decimal.NewFromInt(1100),
			},
		},
		{
			Dimensions: map[string]string{"node_id": "N", "strategy": "CORE", "process_2": "SD"},
			Measures: map[string]decimal.Decimal{
				"daily_pnl": decimal.NewFromInt(600),
				"trade_pnl": decimal.NewFromInt(800),
			},
		},
	}
	if err := h.Store.InsertFacts(ctx, uc, rows); err != nil {
		return err
	}

	return h.seedRule(ctx, &overlay.Rule{
		ID:          "rule-n-arith",
		NodeID:      "N",
		Kind:        overlay.RuleFilterArithmetic,
		MeasureName: "daily",
		Arithmetic: &overlay.ArithmeticDoc{
			Version: overlay.ArithmeticDocVersion,
			Expression: &overlay.ArithmeticExpr{
				Operator: "+",
				Operands: []overlay.Operand{
					{Type: overlay.OperandQuery, QueryID: "q1"},
					{Type: overlay.OperandQuery, QueryID: "q2"},
				},
			},
			Queries: []overlay.QuerySpec{
				{
					QueryID:     "q1",
					Measure:     "commission",
					Aggregation: overlay.AggSum,
					Filters: []overlay.Condition{
						{Field: "strategy", Operator: overlay.OpEquals, Value: "CORE"},
					},
				},
				{
					QueryID:     "q2",
					Measure:     "trade",
					Aggregation: overlay.AggSum,
					Filters: []overlay.Condition{
						{Field: "strategy", Operator: overlay.OpEquals, Value: "CORE"},
						{Field: "process_2", Operator: overlay.OpIn, Values: []string{"SWAP", "SD"}},
					},
				},
			},
		},
	})
}

// loadMathDependencyScenario: C = A + B.
func (h *Handler) loadMathDependencyScenario(ctx context.Context) error {
	uc, err := h.seedUseCase(ctx, map[string]string{"daily": "daily_pnl"})
	if err != nil {
		return err
	}
	if err := h.seedTree(ctx, []overlay.HierarchyNode{
		node("R", "", "Total", 0, false),
		node("A", "R", "Desk A", 1, true),
		node("B", "R", "Desk B", 1, true),
		node("C", "R", "Desk C", 1, true),
	}); err != nil {
		return err
	}
	if err := h.Store.InsertFacts(ctx, uc, []overlay.FactRow{
		fact("A", "CORE", 50),
		fact("B", "CORE", 30),
		fact("C", "CORE", 10),
	}); err != nil {
		return err
	}
	return h.seedRule(ctx, &overlay.Rule{
		ID:           "rule-c-math",
		NodeID:       "C",
		Kind:         overlay.RuleNodeArithmetic,
		Expression:   "A + B",
		Dependencies: []overlay.NodeID{"A", "B"},
	})
}

// loadCycleScenario: A = B + 1 and B = A + 1; any run fails.
func (h *Handler) loadCycleScenario(ctx context.Context) error {
	uc, err := h.seedUseCase(ctx, map[string]string{"daily": "daily_pnl"})
	if err != nil {
		return err
	}
	if err := h.seedTree(ctx, []overlay.HierarchyNode{
		node("R", "", "Total", 0, false),
		node("A", "R", "Desk A", 1, true),
		node("B", "R", "Desk B", 1, true),
	}); err != nil {
		return err
	}
	if err := h.Store.InsertFacts(ctx, uc, []overlay.FactRow{
		fact("A", "CORE", 50),
		fact("B", "CORE", 30),
	}); err != nil {
		return err
	}
	if err := h.seedRule(ctx, &overlay.Rule{
		ID:           "rule-a-cycle",
		NodeID:       "A",
		Kind:         overlay.RuleNodeArithmetic,
		Expression:   "B + 1",
		Dependencies: []overlay.NodeID{"B"},
	}); err != nil {
		return err
	}
	return h.seedRule(ctx, &overlay.Rule{
		ID:           "rule-b-cycle",
		NodeID:       "B",
		Kind:         overlay.RuleNodeArithmetic,
		Expression:   "A + 1",
		Dependencies: []overlay.NodeID{"A"},
	})
}
