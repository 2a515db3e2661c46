// Package store provides in-memory implementations of the engine's store
// interfaces, for tests and demos.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overlay-engine/overlay"
)

// =============================================================================
// MEMORY STORE - Implements every overlay store interface
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	useCases map[overlay.UseCaseID]*overlay.UseCase
	nodes    map[overlay.StructureID][]overlay.HierarchyNode
	rules    map[overlay.UseCaseID][]overlay.Rule
	facts    map[overlay.UseCaseID][]overlay.FactRow
	runs     map[overlay.RunID]*overlay.CalculationRun
	results  map[overlay.RunID][]overlay.CalculatedResult
}

func NewMemory() *Memory {
	return &Memory{
		useCases: make(map[overlay.UseCaseID]*overlay.UseCase),
		nodes:    make(map[overlay.StructureID][]overlay.HierarchyNode),
		rules:    make(map[overlay.UseCaseID][]overlay.Rule),
		facts:    make(map[overlay.UseCaseID][]overlay.FactRow),
		runs:     make(map[overlay.RunID]*overlay.CalculationRun),
		results:  make(map[overlay.RunID][]overlay.CalculatedResult),
	}
}

// Stores bundles the memory store for engine construction.
func (m *Memory) Stores() overlay.Stores {
	return overlay.Stores{
		UseCases:  m,
		Hierarchy: m,
		Rules:     m,
		Facts:     m,
		Runs:      m,
		Results:   m,
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) AddUseCase(uc *overlay.UseCase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.useCases[uc.ID] = uc
}

func (m *Memory) AddNodes(structureID overlay.StructureID, nodes []overlay.HierarchyNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[structureID] = append(m.nodes[structureID], nodes...)
}

func (m *Memory) AddRule(rule overlay.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.UseCaseID] = append(m.rules[rule.UseCaseID], rule)
}

func (m *Memory) AddFacts(useCaseID overlay.UseCaseID, rows []overlay.FactRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[useCaseID] = append(m.facts[useCaseID], rows...)
}

// =============================================================================
// USE CASE / HIERARCHY / RULE STORES
// =============================================================================

func (m *Memory) UseCase(_ context.Context, id overlay.UseCaseID) (*overlay.UseCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.useCases[id], nil
}

func (m *Memory) Nodes(_ context.Context, structureID overlay.StructureID) ([]overlay.HierarchyNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]overlay.HierarchyNode(nil), m.nodes[structureID]...), nil
}

func (m *Memory) RulesForUseCase(_ context.Context, useCaseID overlay.UseCaseID) ([]overlay.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]overlay.Rule(nil), m.rules[useCaseID]...), nil
}

// =============================================================================
// FACT STORE
// =============================================================================

func (m *Memory) Rows(_ context.Context, uc *overlay.UseCase) ([]overlay.FactRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]overlay.FactRow(nil), m.facts[uc.ID]...), nil
}

func (m *Memory) Aggregate(_ context.Context, uc *overlay.UseCase, column string, agg overlay.Aggregation, filter *overlay.Predicate) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []overlay.FactRow
	for _, row := range m.facts[uc.ID] {
		ok, err := rowMatches(row, filter)
		if err != nil {
			return decimal.Zero, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	switch agg {
	case overlay.AggCount:
		return decimal.NewFromInt(int64(len(matched))), nil
	case overlay.AggSum, overlay.AggAvg:
		sum := decimal.Zero
		for _, row := range matched {
			sum = sum.Add(row.Measure(column))
		}
		if agg == overlay.AggSum {
			return sum, nil
		}
		if len(matched) == 0 {
			return decimal.Zero, nil
		}
		return sum.Div(decimal.NewFromInt(int64(len(matched)))), nil
	case overlay.AggMin, overlay.AggMax:
		if len(matched) == 0 {
			return decimal.Zero, nil
		}
		best := matched[0].Measure(column)
		for _, row := range matched[1:] {
			v := row.Measure(column)
			if (agg == overlay.AggMin && v.LessThan(best)) || (agg == overlay.AggMax && v.GreaterThan(best)) {
				best = v
			}
		}
		return best, nil
	}
	return decimal.Zero, fmt.Errorf("unsupported aggregation %s", agg)
}

// AggregateWhere is unsupported in memory: free-form SQL needs a real
// database. Rules evaluated against the memory store use JSON predicates.
func (m *Memory) AggregateWhere(context.Context, *overlay.UseCase, string, overlay.Aggregation, string) (decimal.Decimal, error) {
	return decimal.Zero, &overlay.StoreError{Op: "aggregate where", Err: fmt.Errorf("memory store does not execute raw SQL")}
}

func (m *Memory) CountWhere(context.Context, *overlay.UseCase, string) (int64, int64, error) {
	return 0, 0, &overlay.StoreError{Op: "count where", Err: fmt.Errorf("memory store does not execute raw SQL")}
}

func rowMatches(row overlay.FactRow, filter *overlay.Predicate) (bool, error) {
	if filter == nil {
		return true, nil
	}
	for _, c := range filter.Conditions {
		have, isMeasure := rowValue(row, c.Field)
		switch c.Operator {
		case overlay.OpEquals:
			if have != c.Value {
				return false, nil
			}
		case overlay.OpNotEquals:
			if have == c.Value {
				return false, nil
			}
		case overlay.OpIn, overlay.OpNotIn:
			found := false
			for _, v := range c.Values {
				if have == v {
					found = true
					break
				}
			}
			if found == (c.Operator == overlay.OpNotIn) {
				return false, nil
			}
		case overlay.OpGreaterThan, overlay.OpLessThan:
			cmp, err := compareValues(have, c.Value, isMeasure)
			if err != nil {
				return false, err
			}
			if c.Operator == overlay.OpGreaterThan && cmp <= 0 {
				return false, nil
			}
			if c.Operator == overlay.OpLessThan && cmp >= 0 {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported operator %s", c.Operator)
		}
	}
	return true, nil
}

func rowValue(row overlay.FactRow, field string) (string, bool) {
	if v, ok := row.Dimensions[field]; ok {
		return v, false
	}
	if v, ok := row.Measures[field]; ok {
		return v.String(), true
	}
	return "", false
}

func compareValues(have, want string, numeric bool) (int, error) {
	if numeric {
		h, err := decimal.NewFromString(have)
		if err != nil {
			return 0, err
		}
		w, err := decimal.NewFromString(want)
		if err != nil {
			return 0, err
		}
		return h.Cmp(w), nil
	}
	switch {
	case have < want:
		return -1, nil
	case have > want:
		return 1, nil
	}
	return 0, nil
}

// =============================================================================
// RUN / RESULT STORES
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run *overlay.CalculationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) Run(_ context.Context, id overlay.RunID) (*overlay.CalculationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runs[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) LatestRun(_ context.Context, useCaseID overlay.UseCaseID) (*overlay.CalculationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *overlay.CalculationRun
	for _, r := range m.runs {
		if r.UseCaseID != useCaseID {
			continue
		}
		if latest == nil || r.ExecutedAt.After(latest.ExecutedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) ListRuns(_ context.Context, useCaseID overlay.UseCaseID, pnlDate time.Time) ([]overlay.CalculationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []overlay.CalculationRun
	for _, r := range m.runs {
		if useCaseID != "" && r.UseCaseID != useCaseID {
			continue
		}
		if !pnlDate.IsZero() && !sameDay(r.PnlDate, pnlDate) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return out, nil
}

func (m *Memory) SaveResults(_ context.Context, results []overlay.CalculatedResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		m.results[r.RunID] = append(m.results[r.RunID], r)
	}
	return nil
}

func (m *Memory) Results(_ context.Context, runID overlay.RunID) ([]overlay.CalculatedResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]overlay.CalculatedResult(nil), m.results[runID]...), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
