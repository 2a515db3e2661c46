/*
engine.go - The hybrid waterfall calculation pipeline

PURPOSE:
  Orchestrates one calculation run end to end:

    resolve rules -> load facts -> natural rollup
      -> Stage 1a: apply most-specific SQL rules
      -> Stage 1b: Math rules in dependency order
      -> Stage 2:  waterfall-up, skipping rule-finalised nodes
      -> Stage 3:  plug = natural - adjusted
      -> persist  -> reconciliation checks

RUN LIFECYCLE:
  A run starts IN_PROGRESS, transitions to COMPLETED once results are
  persisted and reconciliation checked, or to FAILED on any fatal error.
  Results are written in one atomic batch at the end, so a failed run
  leaves nothing behind. Reconciliation findings are non-fatal: they
  annotate a COMPLETED run.

CONCURRENCY:
  A run is a sequential pipeline over its own working maps. Multiple runs
  may execute concurrently; they share only the read-only ledger and the
  results table, where each writes under its own run id. Cancellation is
  honored at stage boundaries; each run carries a deadline when RunTimeout
  is set.

SEE ALSO:
  - resolver.go, rollup.go, deps.go, expr.go: Stage implementations
  - reconcile.go: Post-persist verification
*/
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine runs the calculation pipeline against a set of stores.
type Engine struct {
	Stores Stores

	// Epsilon overrides the package tolerance when non-zero.
	Epsilon decimal.Decimal

	// RunTimeout bounds a single run. Zero means no deadline.
	RunTimeout time.Duration

	// Cache, when set, memoises natural rollups per use case. Performance
	// aid only; invalidation on rule edits is the writer's responsibility.
	Cache *RollupCache
}

// CalculateRequest identifies what to run and who asked.
type CalculateRequest struct {
	UseCaseID   UseCaseID
	PnlDate     time.Time
	Name        string
	TriggeredBy string
}

// RunOutput is the in-memory result of a completed run, returned alongside
// the persisted receipt.
type RunOutput struct {
	Run      *CalculationRun
	Results  []CalculatedResult
	Warnings []string
}

func (e *Engine) epsilon() decimal.Decimal {
	if e.Epsilon.IsZero() {
		return Epsilon
	}
	return e.Epsilon
}

// Calculate executes one run. Fatal errors mark the run FAILED and are
// returned to the caller as a single classified error; the FAILED receipt
// is still persisted for audit.
func (e *Engine) Calculate(ctx context.Context, req CalculateRequest) (*RunOutput, error) {
	uc, err := e.Stores.UseCases.UseCase(ctx, req.UseCaseID)
	if err != nil {
		return nil, &StoreError{Op: "load use case", Err: err}
	}
	if uc == nil {
		return nil, fmt.Errorf("use case %s: %w", req.UseCaseID, ErrUseCaseNotFound)
	}

	run := &CalculationRun{
		ID:          RunID(uuid.NewString()),
		UseCaseID:   uc.ID,
		PnlDate:     req.PnlDate,
		Name:        req.Name,
		Status:      RunInProgress,
		TriggeredBy: req.TriggeredBy,
		ExecutedAt:  time.Now().UTC(),
	}
	if err := e.Stores.Runs.SaveRun(ctx, run); err != nil {
		return nil, &StoreError{Op: "create run", Err: err}
	}

	if e.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.RunTimeout)
		defer cancel()
	}

	started := time.Now()
	out, err := e.execute(ctx, uc, run)
	run.DurationMs = time.Since(started).Milliseconds()

	if err != nil {
		run.Status = RunFailed
		run.FailureReason = err.Error()
		// The receipt records a cancellation, so it cannot be written with
		// the cancelled context. Best effort: the failure itself is what we
		// report.
		_ = e.Stores.Runs.SaveRun(context.WithoutCancel(ctx), run)
		return nil, err
	}

	run.Status = RunCompleted
	if err := e.Stores.Runs.SaveRun(ctx, run); err != nil {
		return nil, &StoreError{Op: "complete run", Err: err}
	}
	out.Run = run
	return out, nil
}

// stageGate enforces cancellation at stage boundaries only.
func stageGate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, uc *UseCase, run *CalculationRun) (*RunOutput, error) {
	nodes, err := e.Stores.Hierarchy.Nodes(ctx, uc.StructureID)
	if err != nil {
		return nil, &StoreError{Op: "load hierarchy", Err: err}
	}
	h, err := BuildHierarchy(uc.StructureID, nodes)
	if err != nil {
		return nil, err
	}

	stored, err := e.Stores.Rules.RulesForUseCase(ctx, uc.ID)
	if err != nil {
		return nil, &StoreError{Op: "load rules", Err: err}
	}
	res, err := ResolveRules(uc, h, stored)
	if err != nil {
		return nil, err
	}
	warnings := append([]string(nil), res.Warnings...)

	rows, err := e.Stores.Facts.Rows(ctx, uc)
	if err != nil {
		return nil, &StoreError{Op: "load facts", Err: err}
	}

	natural, err := e.naturalWithCache(uc, h, rows)
	if err != nil {
		return nil, err
	}

	// Stage 1a: most-specific SQL-style rules, bottom-up.
	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	adjusted := cloneVectorMap(natural)
	overridden := make(map[NodeID]bool)
	for _, id := range h.DepthDescending() {
		rule, ok := res.ByNode[id]
		if !ok || rule.IsVirtual || !rule.Kind.IsSQLStyle() || res.Skipped[id] {
			continue
		}
		value, err := e.evalSQLRule(ctx, uc, rule)
		if err != nil {
			return nil, err
		}
		// The rule writes its own measure; the other measures zero out so
		// their plug carries the full natural value.
		v := NewMeasureVector(uc.Measures())
		v[rule.MeasureName] = value
		adjusted[id] = v
		overridden[id] = true
	}

	// Stage 1b: Math rules in dependency order.
	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	order, err := OrderMathRules(res.MathRules)
	if err != nil {
		return nil, err
	}
	mathRuled := make(map[NodeID]bool, len(order))
	rulesByNode := make(map[NodeID]*ExecutableRule, len(res.MathRules))
	for _, r := range res.MathRules {
		rulesByNode[r.NodeID] = r
	}
	for _, target := range order {
		rule := rulesByNode[target]
		v, warns, err := evalMathRule(uc, h, rule, adjusted)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, warns...)
		adjusted[target] = v
		mathRuled[target] = true
		overridden[target] = true
	}

	// Stage 2: waterfall-up. Nodes whose value a rule finalised keep it;
	// everything else re-aggregates direct + children.
	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	for _, id := range h.DepthDescending() {
		children := h.Children(id)
		if len(children) == 0 || mathRuled[id] || overridden[id] {
			continue
		}
		childNatural := NewMeasureVector(uc.Measures())
		childAdjusted := NewMeasureVector(uc.Measures())
		for _, c := range children {
			childNatural = childNatural.Add(natural[c])
			childAdjusted = childAdjusted.Add(adjusted[c])
		}
		// Hybrid direct component from natural bookkeeping, clamped >= 0.
		direct := clampNonNegative(natural[id].Sub(childNatural))
		adjusted[id] = direct.Add(childAdjusted)
	}

	// Stage 3: plugs.
	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	eps := e.epsilon()
	results := make([]CalculatedResult, 0, h.Len()+1)
	for _, id := range h.NodeIDs() {
		plug := natural[id].Sub(adjusted[id])
		results = append(results, CalculatedResult{
			RunID:         run.ID,
			NodeID:        id,
			MeasureVector: adjusted[id].Round(StorageScale),
			PlugVector:    plug.Round(StorageScale),
			IsOverride:    overridden[id],
			IsReconciled:  plug.IsZeroWithin(eps),
		})
	}

	// Reconciliation: non-fatal findings annotate the run; orphan value is
	// assigned to a synthetic result row so no dollar disappears.
	report, err := e.Verify(ctx, uc, h, natural)
	if err != nil {
		return nil, err
	}
	if len(report.Anomalies) > 0 {
		run.Anomaly = strings.Join(report.Anomalies, "; ")
	}
	if !report.OrphanDelta.IsZeroWithin(eps) {
		results = append(results, CalculatedResult{
			RunID:         run.ID,
			NodeID:        NodeOrphan,
			MeasureVector: report.OrphanDelta.Round(StorageScale),
			PlugVector:    NewMeasureVector(uc.Measures()),
			IsOverride:    false,
			IsReconciled:  false,
		})
	}

	if err := stageGate(ctx); err != nil {
		return nil, err
	}
	if err := e.Stores.Results.SaveResults(ctx, results); err != nil {
		return nil, &StoreError{Op: "persist results", Err: err}
	}

	return &RunOutput{Results: results, Warnings: warnings}, nil
}

func (e *Engine) naturalWithCache(uc *UseCase, h *Hierarchy, rows []FactRow) (map[NodeID]MeasureVector, error) {
	if e.Cache == nil {
		return ComputeNatural(uc, h, rows)
	}
	key := CacheKey(uc, h)
	if nat, ok := e.Cache.Get(key); ok {
		return nat, nil
	}
	nat, err := ComputeNatural(uc, h, rows)
	if err != nil {
		return nil, err
	}
	e.Cache.Put(uc.ID, key, nat)
	return nat, nil
}

// =============================================================================
// RULE EXECUTORS
// =============================================================================

// evalSQLRule evaluates a FILTER or FILTER_ARITHMETIC rule against the fact
// store. SQL failures are fatal and abort the run; the enclosing transaction
// discards any partial state.
func (e *Engine) evalSQLRule(ctx context.Context, uc *UseCase, r *ExecutableRule) (decimal.Decimal, error) {
	switch r.Kind {
	case RuleFilter:
		col, _ := uc.Column(r.MeasureName)
		if r.Predicate != nil {
			v, err := e.Stores.Facts.Aggregate(ctx, uc, col, AggSum, r.Predicate)
			if err != nil {
				return decimal.Zero, &StoreError{Op: "execute filter rule", Err: err}
			}
			return v, nil
		}
		if err := ScreenWhereSQL(r.WhereSQL); err != nil {
			return decimal.Zero, err
		}
		v, err := e.Stores.Facts.AggregateWhere(ctx, uc, col, AggSum, r.WhereSQL)
		if err != nil {
			return decimal.Zero, &StoreError{Op: "execute filter rule", Err: err}
		}
		return v, nil

	case RuleFilterArithmetic:
		return e.evalArithmetic(ctx, uc, r)
	}
	return decimal.Zero, &ValidationError{NodeID: r.NodeID, Field: "kind",
		Reason: "not a SQL-style rule: " + string(r.Kind)}
}

// evalArithmetic runs each named query independently, then folds the
// expression tree over the results.
func (e *Engine) evalArithmetic(ctx context.Context, uc *UseCase, r *ExecutableRule) (decimal.Decimal, error) {
	doc := r.Arithmetic
	values := make(map[string]decimal.Decimal, len(doc.Queries))
	for _, q := range doc.Queries {
		col, _ := uc.Column(q.Measure)
		v, err := e.Stores.Facts.Aggregate(ctx, uc, col, q.Aggregation, &Predicate{Conditions: q.Filters})
		if err != nil {
			return decimal.Zero, &StoreError{Op: "execute arithmetic query " + q.QueryID, Err: err}
		}
		values[q.QueryID] = v
	}
	return foldArithmetic(r, doc.Expression, values)
}

func foldArithmetic(r *ExecutableRule, expr *ArithmeticExpr, values map[string]decimal.Decimal) (decimal.Decimal, error) {
	if expr == nil || len(expr.Operands) == 0 {
		return decimal.Zero, &ValidationError{NodeID: r.NodeID, Field: "expression",
			Reason: "empty arithmetic expression"}
	}

	operand := func(op Operand) (decimal.Decimal, error) {
		switch op.Type {
		case OperandQuery:
			v, ok := values[op.QueryID]
			if !ok {
				return decimal.Zero, &ValidationError{NodeID: r.NodeID, Field: "query_id",
					Reason: "expression references unknown query " + op.QueryID}
			}
			return v, nil
		case OperandConstant:
			return op.Value, nil
		case OperandExpression:
			return foldArithmetic(r, op.Expression, values)
		}
		return decimal.Zero, &ValidationError{NodeID: r.NodeID, Field: "operand",
			Reason: "unknown operand type " + string(op.Type)}
	}

	acc, err := operand(expr.Operands[0])
	if err != nil {
		return decimal.Zero, err
	}
	for _, op := range expr.Operands[1:] {
		v, err := operand(op)
		if err != nil {
			return decimal.Zero, err
		}
		switch expr.Operator {
		case "+":
			acc = acc.Add(v)
		case "-":
			acc = acc.Sub(v)
		case "*":
			acc = acc.Mul(v)
		case "/":
			if v.IsZero() {
				return decimal.Zero, &DivisionByZeroError{NodeID: r.NodeID, Expression: "arithmetic document"}
			}
			acc = acc.Div(v)
		default:
			return decimal.Zero, &ValidationError{NodeID: r.NodeID, Field: "operator",
				Reason: "unsupported operator " + expr.Operator}
		}
	}
	return acc, nil
}

// evalMathRule evaluates a NODE_ARITHMETIC expression once per measure,
// substituting each node identifier with that measure's current value
// (adjusted, falling back to natural, falling back to zero -- the working
// map already encodes that fallback).
func evalMathRule(uc *UseCase, h *Hierarchy, r *ExecutableRule, working map[NodeID]MeasureVector) (MeasureVector, []string, error) {
	parsed, err := ParseExpr(r.Expression)
	if err != nil {
		return nil, nil, err
	}

	out := NewMeasureVector(uc.Measures())
	warnSet := make(map[string]bool)
	for _, m := range uc.Measures() {
		ectx := &EvalContext{Values: make(map[string]decimal.Decimal, h.Len())}
		for _, id := range h.NodeIDs() {
			ectx.Values[string(id)] = working[id].Get(m)
		}
		v, err := parsed.Eval(ectx)
		if err != nil {
			if errors.Is(err, ErrDivisionByZero) {
				return nil, nil, &DivisionByZeroError{NodeID: r.NodeID, Expression: r.Expression}
			}
			return nil, nil, err
		}
		out[m] = v
		for _, w := range ectx.Warnings {
			warnSet[w] = true
		}
	}

	warns := make([]string, 0, len(warnSet))
	for w := range warnSet {
		warns = append(warns, w)
	}
	sort.Strings(warns)
	return out, warns, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneVectorMap(m map[NodeID]MeasureVector) map[NodeID]MeasureVector {
	out := make(map[NodeID]MeasureVector, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}
