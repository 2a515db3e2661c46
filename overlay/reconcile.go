/*
reconcile.go - Reconciliation verifier and orphan check

PURPOSE:
  Binds a run's natural rollup back to the untouched ledger. Two tests per
  measure:

  1. Root reconciliation:  SUM(fact column) == natural[root] within epsilon.
     A miss means facts were lost between the loader and the rollup.
  2. Completeness/orphan:  SUM(fact column) == sum of leaf naturals within
     epsilon. Any residual is assigned to the synthetic NODE_ORPHAN bucket
     so it stays visible; it never fails the run.

  Both checks are non-fatal: findings annotate the COMPLETED run for humans
  to investigate.

SEE ALSO:
  - engine.go: Runs Verify after Stage 3 and persists the orphan row
*/
package overlay

import (
	"context"
	"fmt"
)

// ReconciliationReport carries the non-fatal findings of a run's checks.
type ReconciliationReport struct {
	// Anomalies describes failed checks, one entry per measure per check.
	Anomalies []string

	// OrphanDelta is SUM(facts) - sum of leaf naturals per measure: ledger
	// value no leaf accounts for.
	OrphanDelta MeasureVector
}

// Verify runs the root and completeness checks against ledger totals.
// Store failures are fatal; failed checks are reported, not returned as
// errors.
func (e *Engine) Verify(ctx context.Context, uc *UseCase, h *Hierarchy, natural map[NodeID]MeasureVector) (*ReconciliationReport, error) {
	eps := e.epsilon()
	report := &ReconciliationReport{OrphanDelta: NewMeasureVector(uc.Measures())}

	leafSum := NewMeasureVector(uc.Measures())
	for _, leaf := range h.Leaves() {
		leafSum = leafSum.Add(natural[leaf])
	}

	for _, m := range uc.Measures() {
		col, _ := uc.Column(m)
		total, err := e.Stores.Facts.Aggregate(ctx, uc, col, AggSum, nil)
		if err != nil {
			return nil, &StoreError{Op: "ledger total for " + col, Err: err}
		}

		rootVal := natural[h.Root.NodeID].Get(m)
		if !WithinTolerance(total, rootVal, eps) {
			rerr := &ReconciliationError{Check: "root", Measure: m, Delta: total.Sub(rootVal).String()}
			report.Anomalies = append(report.Anomalies, rerr.Error())
		}

		delta := total.Sub(leafSum.Get(m))
		report.OrphanDelta[m] = delta
		if delta.Abs().GreaterThan(eps) {
			rerr := &ReconciliationError{Check: "completeness", Measure: m, Delta: delta.String()}
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("%s (assigned to %s)", rerr.Error(), NodeOrphan))
		}
	}

	return report, nil
}
