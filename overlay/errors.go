/*
errors.go - Centralized error types for the overlay engine

PURPOSE:
  All engine error types in one place. The taxonomy mirrors the run-level
  failure classification surfaced to callers:

  1. Validation errors   - malformed rules, unknown measures/fields
  2. Not-found errors    - missing use case, hierarchy, run, node
  3. Execution errors    - cycles, division by zero, dangerous predicates
  4. Reconciliation      - non-fatal; run completes but is annotated
  5. Store errors        - wrapped persistence failures; always fatal

USAGE:
  Callers classify with errors.Is / errors.As:

    var cycErr *overlay.CircularDependencyError
    if errors.As(err, &cycErr) {
        log.Printf("cycle: %v", cycErr.CycleNodes)
    }

SEE ALSO:
  - engine.go: Propagation rules (fatal errors abort and roll back the run)
  - resolver.go, expr.go, predicate.go: Producers of these errors
*/
package overlay

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the base for rule and input validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrUseCaseNotFound is returned when a use case id resolves to nothing.
	ErrUseCaseNotFound = errors.New("use case not found")

	// ErrHierarchyNotFound is returned when a structure has no nodes.
	ErrHierarchyNotFound = errors.New("hierarchy not found")

	// ErrRunNotFound is returned when a run id resolves to nothing.
	ErrRunNotFound = errors.New("run not found")

	// ErrNodeNotFound is returned when a node id is outside the hierarchy.
	ErrNodeNotFound = errors.New("node not found")

	// ErrCircularDependency is returned when the Type-3 dependency graph
	// has a cycle. Wrapped by CircularDependencyError which names the nodes.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrDivisionByZero is returned when a rule expression divides by zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrDangerousPredicate is returned when a predicate carries a statement
	// terminator, comment marker, or DDL/DML keyword. Rejected before any
	// SQL is executed.
	ErrDangerousPredicate = errors.New("dangerous predicate")

	// ErrReconciliation marks a failed root or completeness check.
	// Non-fatal: the run completes annotated with the anomaly.
	ErrReconciliation = errors.New("reconciliation check failed")

	// ErrStore wraps any fact/hierarchy/rule/result store failure.
	// Always fatal; triggers run rollback.
	ErrStore = errors.New("store error")

	// ErrRunCancelled is returned when the run context is cancelled at a
	// stage boundary.
	ErrRunCancelled = errors.New("run cancelled")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports an invalid rule or input with its location.
type ValidationError struct {
	NodeID NodeID
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("validation failed at node %s: %s (%s)", e.NodeID, e.Reason, e.Field)
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Reason, e.Field)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CircularDependencyError names the nodes participating in a Type-3 cycle.
type CircularDependencyError struct {
	CycleNodes []NodeID
}

func (e *CircularDependencyError) Error() string {
	parts := make([]string, len(e.CycleNodes))
	for i, n := range e.CycleNodes {
		parts[i] = string(n)
	}
	return fmt.Sprintf("circular dependency among nodes [%s]", strings.Join(parts, ", "))
}

func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }

// DivisionByZeroError locates a zero divisor in a rule expression.
type DivisionByZeroError struct {
	NodeID     NodeID
	Expression string
}

func (e *DivisionByZeroError) Error() string {
	return fmt.Sprintf("division by zero evaluating rule at node %s: %q", e.NodeID, e.Expression)
}

func (e *DivisionByZeroError) Unwrap() error { return ErrDivisionByZero }

// DangerousPredicateError reports the offending token found in a predicate.
type DangerousPredicateError struct {
	Fragment string
	Token    string
}

func (e *DangerousPredicateError) Error() string {
	return fmt.Sprintf("dangerous predicate: found %q in %q", e.Token, e.Fragment)
}

func (e *DangerousPredicateError) Unwrap() error { return ErrDangerousPredicate }

// ReconciliationError carries the measured delta of a failed check.
// Surfaced on the run record, never fails the run.
type ReconciliationError struct {
	Check   string // "root" or "completeness"
	Measure string
	Delta   string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation %s check failed for measure %s: delta %s", e.Check, e.Measure, e.Delta)
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliation }

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return ErrStore }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUseCaseNotFound) ||
		errors.Is(err, ErrHierarchyNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrNodeNotFound)
}

// IsValidation reports whether the error is due to invalid caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDangerousPredicate)
}

// IsFatal reports whether the error must abort the run. Reconciliation
// findings are the only non-fatal engine errors.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrReconciliation)
}
