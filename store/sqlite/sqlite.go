/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the overlay engine consumes
  (UseCaseStore, HierarchyStore, RuleStore, FactStore, RunStore,
  ResultStore) using SQLite. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  use_cases:          Calculation sandboxes (mapping + schema as JSON)
  hierarchy_nodes:    Node trees per structure id
  hierarchy_bridge:   Precomputed ancestor -> leaf pairs
  rules:              User overrides, one per (use_case, node)
  calculation_runs:   Immutable run receipts
  calculated_results: Per (run, node) adjusted/plug vectors as JSON
  <fact tables>:      One real table per input_table_name, created on seed

FACT TABLES:
  Fact tables are real SQL tables so rule predicates execute as
  SELECT <agg>(<col>) ... WHERE <predicate> with bound parameters. Table
  and column names are identifier-validated before interpolation; values
  always bind. Measure columns carry NUMERIC affinity; results round-trip
  decimals exactly through JSON objects of numeric strings.

RESULT WRITES:
  SaveResults writes the whole batch inside one transaction; any failure
  rolls the batch back so a FAILED run leaves no orphan rows.

CONCURRENCY:
  sync.RWMutex for thread-safety; WAL mode for concurrent readers.

USAGE:
  store, err := sqlite.New("./data/overlay.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := &overlay.Engine{Stores: store.Stores()}

SEE ALSO:
  - overlay/store.go: Interface definitions
  - overlay/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/overlay-engine/overlay"
)

// LegacyFactTable is the canonical ledger used by use cases without a
// dedicated input table.
const LegacyFactTable = "pnl_facts"

// Store implements all overlay storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stores bundles this store for engine construction.
func (s *Store) Stores() overlay.Stores {
	return overlay.Stores{
		UseCases:  s,
		Hierarchy: s,
		Rules:     s,
		Facts:     s,
		Runs:      s,
		Results:   s,
	}
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Use cases (calculation sandboxes)
	CREATE TABLE IF NOT EXISTS use_cases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner TEXT,
		structure_id TEXT NOT NULL,
		input_table_name TEXT NOT NULL DEFAULT '',
		leaf_column TEXT NOT NULL DEFAULT '',
		measure_mapping_json TEXT NOT NULL,
		dimension_columns_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hierarchy nodes, one tree per structure id
	CREATE TABLE IF NOT EXISTS hierarchy_nodes (
		structure_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		parent_node_id TEXT NOT NULL DEFAULT '',
		node_name TEXT NOT NULL,
		depth INTEGER NOT NULL,
		is_leaf BOOLEAN NOT NULL,
		rollup_driver TEXT NOT NULL DEFAULT '',
		rollup_value_source TEXT NOT NULL DEFAULT 'node_id',
		PRIMARY KEY (structure_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_parent
		ON hierarchy_nodes(structure_id, parent_node_id);

	-- Precomputed ancestor -> leaf pairs
	CREATE TABLE IF NOT EXISTS hierarchy_bridge (
		structure_id TEXT NOT NULL,
		ancestor_node_id TEXT NOT NULL,
		leaf_node_id TEXT NOT NULL,
		PRIMARY KEY (structure_id, ancestor_node_id, leaf_node_id)
	);

	-- Rules: at most one per (use_case, node)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		use_case_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		measure_name TEXT NOT NULL DEFAULT '',
		predicate_json TEXT,
		where_sql TEXT NOT NULL DEFAULT '',
		arithmetic_json TEXT,
		expression TEXT NOT NULL DEFAULT '',
		dependencies_json TEXT,
		created_at TEXT NOT NULL,
		last_modified_at TEXT NOT NULL,
		UNIQUE(use_case_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_use_case
		ON rules(use_case_id);

	-- Run receipts
	CREATE TABLE IF NOT EXISTS calculation_runs (
		id TEXT PRIMARY KEY,
		use_case_id TEXT NOT NULL,
		pnl_date TEXT NOT NULL,
		name TEXT,
		status TEXT NOT NULL,
		triggered_by TEXT,
		executed_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		anomaly TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_use_case
		ON calculation_runs(use_case_id, executed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_pnl_date
		ON calculation_runs(pnl_date);

	-- Results: a run exclusively owns its rows
	CREATE TABLE IF NOT EXISTS calculated_results (
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		measure_json TEXT NOT NULL,
		plug_json TEXT NOT NULL,
		is_override BOOLEAN NOT NULL,
		is_reconciled BOOLEAN NOT NULL,
		PRIMARY KEY (run_id, node_id)
	);

	-- Canonical ledger for legacy-path use cases
	CREATE TABLE IF NOT EXISTS ` + LegacyFactTable + ` (
		use_case_id TEXT NOT NULL DEFAULT '',
		node_id TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL DEFAULT '',
		process_2 TEXT NOT NULL DEFAULT '',
		daily_pnl NUMERIC NOT NULL DEFAULT 0,
		commission NUMERIC NOT NULL DEFAULT 0,
		trade_pnl NUMERIC NOT NULL DEFAULT 0,
		mtd_pnl NUMERIC NOT NULL DEFAULT 0,
		ytd_pnl NUMERIC NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_pnl_facts_use_case
		ON ` + LegacyFactTable + `(use_case_id, node_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// =============================================================================
// USE CASE STORE (overlay.UseCaseStore interface)
// =============================================================================

// SaveUseCase inserts or updates a use case. structure_id never changes
// after insert.
func (s *Store) SaveUseCase(ctx context.Context, uc *overlay.UseCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappingJSON, _ := json.Marshal(uc.MeasureMapping)
	dimsJSON, _ := json.Marshal(uc.DimensionColumns)

	query := `
		INSERT INTO use_cases
		(id, name, owner, structure_id, input_table_name, leaf_column,
		 measure_mapping_json, dimension_columns_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner = excluded.owner,
			input_table_name = excluded.input_table_name,
			leaf_column = excluded.leaf_column,
			measure_mapping_json = excluded.measure_mapping_json,
			dimension_columns_json = excluded.dimension_columns_json,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, query,
		uc.ID, uc.Name, uc.Owner, uc.StructureID, uc.InputTableName, uc.LeafColumn,
		string(mappingJSON), string(dimsJSON), uc.Status, now, now,
	)
	return err
}

// UseCase retrieves a use case by id, nil if absent.
func (s *Store) UseCase(ctx context.Context, id overlay.UseCaseID) (*overlay.UseCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, structure_id, input_table_name, leaf_column,
		       measure_mapping_json, dimension_columns_json, status, created_at, updated_at
		FROM use_cases WHERE id = ?`, id)

	return scanUseCase(row)
}

// ListUseCases returns every use case ordered by name.
func (s *Store) ListUseCases(ctx context.Context) ([]overlay.UseCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner, structure_id, input_table_name, leaf_column,
		       measure_mapping_json, dimension_columns_json, status, created_at, updated_at
		FROM use_cases ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []overlay.UseCase
	for rows.Next() {
		uc, err := scanUseCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *uc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUseCase(row rowScanner) (*overlay.UseCase, error) {
	var uc overlay.UseCase
	var owner sql.NullString
	var mappingJSON, dimsJSON, createdAt, updatedAt string

	err := row.Scan(&uc.ID, &uc.Name, &owner, &uc.StructureID, &uc.InputTableName,
		&uc.LeafColumn, &mappingJSON, &dimsJSON, &uc.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	uc.Owner = owner.String
	if err := json.Unmarshal([]byte(mappingJSON), &uc.MeasureMapping); err != nil {
		return nil, fmt.Errorf("bad measure mapping for use case %s: %w", uc.ID, err)
	}
	if err := json.Unmarshal([]byte(dimsJSON), &uc.DimensionColumns); err != nil {
		return nil, fmt.Errorf("bad dimension columns for use case %s: %w", uc.ID, err)
	}
	uc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	uc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &uc, nil
}

// =============================================================================
// HIERARCHY STORE (overlay.HierarchyStore interface)
// =============================================================================

// SaveNodes replaces the node set for a structure.
func (s *Store) SaveNodes(ctx context.Context, structureID overlay.StructureID, nodes []overlay.HierarchyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM hierarchy_nodes WHERE structure_id = ?", structureID); err != nil {
		return err
	}

	for _, n := range nodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hierarchy_nodes
			(structure_id, node_id, parent_node_id, node_name, depth, is_leaf, rollup_driver, rollup_value_source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			structureID, n.NodeID, n.ParentNodeID, n.NodeName, n.Depth, n.IsLeaf,
			n.RollupDriver, n.RollupValueSource,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Nodes returns the node set for a structure.
func (s *Store) Nodes(ctx context.Context, structureID overlay.StructureID) ([]overlay.HierarchyNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT structure_id, node_id, parent_node_id, node_name, depth, is_leaf, rollup_driver, rollup_value_source
		FROM hierarchy_nodes
		WHERE structure_id = ?
		ORDER BY depth ASC, node_id ASC`, structureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []overlay.HierarchyNode
	for rows.Next() {
		var n overlay.HierarchyNode
		if err := rows.Scan(&n.StructureID, &n.NodeID, &n.ParentNodeID, &n.NodeName,
			&n.Depth, &n.IsLeaf, &n.RollupDriver, &n.RollupValueSource); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveBridge replaces the precomputed ancestor -> leaf pairs for a structure.
func (s *Store) SaveBridge(ctx context.Context, structureID overlay.StructureID, bridge overlay.Bridge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM hierarchy_bridge WHERE structure_id = ?", structureID); err != nil {
		return err
	}
	for ancestor, leaves := range bridge {
		for _, leaf := range leaves {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO hierarchy_bridge (structure_id, ancestor_node_id, leaf_node_id) VALUES (?, ?, ?)",
				structureID, ancestor, leaf); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Bridge loads the precomputed ancestor -> leaf pairs for a structure.
func (s *Store) Bridge(ctx context.Context, structureID overlay.StructureID) (overlay.Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT ancestor_node_id, leaf_node_id FROM hierarchy_bridge WHERE structure_id = ? ORDER BY ancestor_node_id, leaf_node_id",
		structureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bridge := make(overlay.Bridge)
	for rows.Next() {
		var ancestor, leaf overlay.NodeID
		if err := rows.Scan(&ancestor, &leaf); err != nil {
			return nil, err
		}
		bridge[ancestor] = append(bridge[ancestor], leaf)
	}
	return bridge, rows.Err()
}

// =============================================================================
// RULE STORE (overlay.RuleStore interface + CRUD for the operator surface)
// =============================================================================

// SaveRule inserts or updates a rule. The (use_case, node) uniqueness lives
// in the schema.
func (s *Store) SaveRule(ctx context.Context, r *overlay.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var predicateJSON, arithmeticJSON, depsJSON sql.NullString
	if r.Predicate != nil {
		b, _ := json.Marshal(r.Predicate)
		predicateJSON = sql.NullString{String: string(b), Valid: true}
	}
	if r.Arithmetic != nil {
		b, _ := json.Marshal(r.Arithmetic)
		arithmeticJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(r.Dependencies) > 0 {
		b, _ := json.Marshal(r.Dependencies)
		depsJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO rules
		(id, use_case_id, node_id, kind, measure_name, predicate_json, where_sql,
		 arithmetic_json, expression, dependencies_json, created_at, last_modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(use_case_id, node_id) DO UPDATE SET
			kind = excluded.kind,
			measure_name = excluded.measure_name,
			predicate_json = excluded.predicate_json,
			where_sql = excluded.where_sql,
			arithmetic_json = excluded.arithmetic_json,
			expression = excluded.expression,
			dependencies_json = excluded.dependencies_json,
			last_modified_at = excluded.last_modified_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UseCaseID, r.NodeID, r.Kind, r.MeasureName,
		predicateJSON, r.WhereSQL, arithmeticJSON, r.Expression, depsJSON,
		created.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// DeleteRule removes the rule for (use_case, node).
func (s *Store) DeleteRule(ctx context.Context, useCaseID overlay.UseCaseID, nodeID overlay.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM rules WHERE use_case_id = ? AND node_id = ?", useCaseID, nodeID)
	return err
}

// RulesForUseCase returns every rule for a use case.
func (s *Store) RulesForUseCase(ctx context.Context, useCaseID overlay.UseCaseID) ([]overlay.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, use_case_id, node_id, kind, measure_name, predicate_json, where_sql,
		       arithmetic_json, expression, dependencies_json, created_at, last_modified_at
		FROM rules
		WHERE use_case_id = ?
		ORDER BY node_id`, useCaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []overlay.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RuleLastModified returns the newest rule modification time for a use case.
// Zero time when the use case has no rules. Used for staleness flags.
func (s *Store) RuleLastModified(ctx context.Context, useCaseID overlay.UseCaseID) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(last_modified_at) FROM rules WHERE use_case_id = ?", useCaseID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}
	if !latest.Valid || latest.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, latest.String)
	return t, err
}

func scanRule(rows *sql.Rows) (*overlay.Rule, error) {
	var r overlay.Rule
	var predicateJSON, arithmeticJSON, depsJSON sql.NullString
	var createdAt, modifiedAt string

	err := rows.Scan(&r.ID, &r.UseCaseID, &r.NodeID, &r.Kind, &r.MeasureName,
		&predicateJSON, &r.WhereSQL, &arithmeticJSON, &r.Expression, &depsJSON,
		&createdAt, &modifiedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	if predicateJSON.Valid && predicateJSON.String != "" {
		r.Predicate = &overlay.Predicate{}
		if err := json.Unmarshal([]byte(predicateJSON.String), r.Predicate); err != nil {
			return nil, fmt.Errorf("bad predicate for rule %s: %w", r.ID, err)
		}
	}
	if arithmeticJSON.Valid && arithmeticJSON.String != "" {
		r.Arithmetic = &overlay.ArithmeticDoc{}
		if err := json.Unmarshal([]byte(arithmeticJSON.String), r.Arithmetic); err != nil {
			return nil, fmt.Errorf("bad arithmetic document for rule %s: %w", r.ID, err)
		}
	}
	if depsJSON.Valid && depsJSON.String != "" {
		if err := json.Unmarshal([]byte(depsJSON.String), &r.Dependencies); err != nil {
			return nil, fmt.Errorf("bad dependencies for rule %s: %w", r.ID, err)
		}
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.LastModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
	return &r, nil
}

// =============================================================================
// FACT STORE (overlay.FactStore interface)
// =============================================================================

func factTable(uc *overlay.UseCase) string {
	if uc.InputTableName != "" {
		return uc.InputTableName
	}
	return LegacyFactTable
}

// CreateFactTable creates a dedicated fact table for a use case: TEXT
// dimension columns plus NUMERIC measure columns.
func (s *Store) CreateFactTable(ctx context.Context, table string, dims, measures []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkIdent(table); err != nil {
		return err
	}
	cols := make([]string, 0, len(dims)+len(measures))
	for _, d := range dims {
		if err := checkIdent(d); err != nil {
			return err
		}
		cols = append(cols, d+" TEXT NOT NULL DEFAULT ''")
	}
	for _, m := range measures {
		if err := checkIdent(m); err != nil {
			return err
		}
		cols = append(cols, m+" NUMERIC NOT NULL DEFAULT 0")
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", ")))
	return err
}

// InsertFacts appends rows to the use case's fact table. Legacy-path rows
// are stamped with the use case id so the shared ledger can be filtered.
func (s *Store) InsertFacts(ctx context.Context, uc *overlay.UseCase, rows []overlay.FactRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := factTable(uc)
	if err := checkIdent(table); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, row := range rows {
		var cols []string
		var holes []string
		var args []any
		for col, v := range row.Dimensions {
			if err := checkIdent(col); err != nil {
				return err
			}
			cols = append(cols, col)
			holes = append(holes, "?")
			args = append(args, v)
		}
		for col, v := range row.Measures {
			if err := checkIdent(col); err != nil {
				return err
			}
			cols = append(cols, col)
			holes = append(holes, "?")
			args = append(args, v.String())
		}
		if !uc.UsesStrategyPath() {
			if _, tagged := row.Dimensions["use_case_id"]; !tagged {
				cols = append(cols, "use_case_id")
				holes = append(holes, "?")
				args = append(args, string(uc.ID))
			}
		}

		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(holes, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// useCaseScope returns the identity filter for the use case's facts: the
// shared legacy ledger filters on use_case_id, dedicated tables hold one
// use case each.
func useCaseScope(uc *overlay.UseCase) (string, []any) {
	if uc.UsesStrategyPath() {
		return "", nil
	}
	return "use_case_id = ?", []any{string(uc.ID)}
}

// Rows enumerates the use case's fact rows.
func (s *Store) Rows(ctx context.Context, uc *overlay.UseCase) ([]overlay.FactRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := factTable(uc)
	if err := checkIdent(table); err != nil {
		return nil, err
	}

	q := "SELECT * FROM " + table
	scope, args := useCaseScope(uc)
	if scope != "" {
		q += " WHERE " + scope
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	measureCols := make(map[string]bool, len(uc.MeasureMapping))
	for _, c := range uc.MeasureMapping {
		measureCols[c] = true
	}

	var out []overlay.FactRow
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		fr := overlay.FactRow{
			Dimensions: make(map[string]string),
			Measures:   make(map[string]decimal.Decimal),
		}
		for i, col := range cols {
			if !raw[i].Valid {
				continue
			}
			if measureCols[col] {
				d, err := decimal.NewFromString(raw[i].String)
				if err != nil {
					return nil, fmt.Errorf("non-numeric value %q in measure column %s: %w", raw[i].String, col, err)
				}
				fr.Measures[col] = d
			} else {
				fr.Dimensions[col] = raw[i].String
			}
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

var sqlAggregates = map[overlay.Aggregation]string{
	overlay.AggSum:   "SUM",
	overlay.AggAvg:   "AVG",
	overlay.AggCount: "COUNT",
	overlay.AggMin:   "MIN",
	overlay.AggMax:   "MAX",
}

// Aggregate evaluates SELECT <agg>(<column>) under a structured predicate.
// Values always bind; identifiers are validated before interpolation.
func (s *Store) Aggregate(ctx context.Context, uc *overlay.UseCase, column string, agg overlay.Aggregation, filter *overlay.Predicate) (decimal.Decimal, error) {
	compiled, err := overlay.CompilePredicate(filter, uc)
	if err != nil {
		return decimal.Zero, err
	}
	return s.aggregate(ctx, uc, column, agg, compiled.SQL, compiled.Args)
}

// AggregateWhere evaluates an aggregate under a pre-screened WHERE fragment.
func (s *Store) AggregateWhere(ctx context.Context, uc *overlay.UseCase, column string, agg overlay.Aggregation, whereSQL string) (decimal.Decimal, error) {
	// Screen again at the last gate before execution.
	if err := overlay.ScreenWhereSQL(whereSQL); err != nil {
		return decimal.Zero, err
	}
	if whereSQL == "" {
		whereSQL = "1=1"
	}
	return s.aggregate(ctx, uc, column, agg, whereSQL, nil)
}

func (s *Store) aggregate(ctx context.Context, uc *overlay.UseCase, column string, agg overlay.Aggregation, where string, args []any) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := factTable(uc)
	if err := checkIdent(table); err != nil {
		return decimal.Zero, err
	}
	if err := checkIdent(column); err != nil {
		return decimal.Zero, err
	}
	fn, ok := sqlAggregates[agg]
	if !ok {
		return decimal.Zero, fmt.Errorf("unsupported aggregation %s", agg)
	}

	if scope, scopeArgs := useCaseScope(uc); scope != "" {
		where = "(" + where + ") AND " + scope
		args = append(args, scopeArgs...)
	}

	q := fmt.Sprintf("SELECT COALESCE(%s(%s), 0) FROM %s WHERE %s", fn, column, table, where)
	var raw string
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("aggregate query failed: %w", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("non-numeric aggregate %q: %w", raw, err)
	}
	return d, nil
}

// CountWhere returns (matching rows, total rows) for a screened fragment.
// Backs the rule preview verb.
func (s *Store) CountWhere(ctx context.Context, uc *overlay.UseCase, whereSQL string) (int64, int64, error) {
	if err := overlay.ScreenWhereSQL(whereSQL); err != nil {
		return 0, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := factTable(uc)
	if err := checkIdent(table); err != nil {
		return 0, 0, err
	}

	if whereSQL == "" {
		whereSQL = "1=1"
	}
	scope, scopeArgs := useCaseScope(uc)

	totalWhere := "1=1"
	var totalArgs []any
	matchWhere := whereSQL
	var matchArgs []any
	if scope != "" {
		totalWhere = scope
		totalArgs = scopeArgs
		matchWhere = "(" + whereSQL + ") AND " + scope
		matchArgs = scopeArgs
	}

	var total, affected int64
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, totalWhere), totalArgs...,
	).Scan(&total); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, matchWhere), matchArgs...,
	).Scan(&affected); err != nil {
		return 0, 0, err
	}
	return affected, total, nil
}

// =============================================================================
// RUN STORE (overlay.RunStore interface)
// =============================================================================

// SaveRun inserts or updates a run receipt.
func (s *Store) SaveRun(ctx context.Context, run *overlay.CalculationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO calculation_runs
		(id, use_case_id, pnl_date, name, status, triggered_by, executed_at, duration_ms, failure_reason, anomaly)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			failure_reason = excluded.failure_reason,
			anomaly = excluded.anomaly
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.UseCaseID, run.PnlDate.Format("2006-01-02"), run.Name, run.Status,
		run.TriggeredBy, run.ExecutedAt.Format(time.RFC3339Nano), run.DurationMs,
		run.FailureReason, run.Anomaly,
	)
	return err
}

// Run retrieves a run by id, nil if absent.
func (s *Store) Run(ctx context.Context, id overlay.RunID) (*overlay.CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, "WHERE id = ?", id)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// LatestRun returns the most recent run for a use case, nil if none.
func (s *Store) LatestRun(ctx context.Context, useCaseID overlay.UseCaseID) (*overlay.CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, "WHERE use_case_id = ? ORDER BY executed_at DESC LIMIT 1", useCaseID)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ListRuns filters by use case and pnl date; zero values match all.
func (s *Store) ListRuns(ctx context.Context, useCaseID overlay.UseCaseID, pnlDate time.Time) ([]overlay.CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conds []string
	var args []any
	if useCaseID != "" {
		conds = append(conds, "use_case_id = ?")
		args = append(args, useCaseID)
	}
	if !pnlDate.IsZero() {
		conds = append(conds, "pnl_date = ?")
		args = append(args, pnlDate.Format("2006-01-02"))
	}

	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY executed_at DESC"

	return s.queryRuns(ctx, clause, args...)
}

func (s *Store) queryRuns(ctx context.Context, clause string, args ...any) ([]overlay.CalculationRun, error) {
	q := `
		SELECT id, use_case_id, pnl_date, name, status, triggered_by, executed_at,
		       duration_ms, failure_reason, anomaly
		FROM calculation_runs ` + clause

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []overlay.CalculationRun
	for rows.Next() {
		var r overlay.CalculationRun
		var pnlDate, executedAt string
		var name, triggeredBy sql.NullString
		if err := rows.Scan(&r.ID, &r.UseCaseID, &pnlDate, &name, &r.Status,
			&triggeredBy, &executedAt, &r.DurationMs, &r.FailureReason, &r.Anomaly); err != nil {
			return nil, err
		}
		r.Name = name.String
		r.TriggeredBy = triggeredBy.String
		r.PnlDate, _ = time.Parse("2006-01-02", pnlDate)
		r.ExecutedAt, _ = time.Parse(time.RFC3339Nano, executedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// RESULT STORE (overlay.ResultStore interface)
// =============================================================================

// SaveResults writes the whole batch inside one transaction. Decimals cross
// the JSON boundary as numeric strings so the round trip is exact.
func (s *Store) SaveResults(ctx context.Context, results []overlay.CalculatedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		measureJSON, err := encodeVector(r.MeasureVector)
		if err != nil {
			return err
		}
		plugJSON, err := encodeVector(r.PlugVector)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO calculated_results
			(run_id, node_id, measure_json, plug_json, is_override, is_reconciled)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, r.NodeID, measureJSON, plugJSON, r.IsOverride, r.IsReconciled,
		)
		if err != nil {
			return fmt.Errorf("failed to persist result for node %s: %w", r.NodeID, err)
		}
	}

	return tx.Commit()
}

// Results returns a run's rows ordered by node id.
func (s *Store) Results(ctx context.Context, runID overlay.RunID) ([]overlay.CalculatedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, node_id, measure_json, plug_json, is_override, is_reconciled
		FROM calculated_results
		WHERE run_id = ?
		ORDER BY node_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []overlay.CalculatedResult
	for rows.Next() {
		var r overlay.CalculatedResult
		var measureJSON, plugJSON string
		if err := rows.Scan(&r.RunID, &r.NodeID, &measureJSON, &plugJSON, &r.IsOverride, &r.IsReconciled); err != nil {
			return nil, err
		}
		if r.MeasureVector, err = decodeVector(measureJSON); err != nil {
			return nil, err
		}
		if r.PlugVector, err = decodeVector(plugJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// encodeVector serializes a vector as a JSON object of numeric strings;
// decimal.String preserves every digit.
func encodeVector(v overlay.MeasureVector) (string, error) {
	m := make(map[string]string, len(v))
	for k, d := range v {
		m[k] = d.String()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeVector(s string) (overlay.MeasureVector, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("bad measure vector: %w", err)
	}
	v := make(overlay.MeasureVector, len(m))
	for k, raw := range m {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("bad decimal %q for measure %s: %w", raw, k, err)
		}
		v[k] = d
	}
	return v, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all engine data (for testing/demo). Dedicated fact tables
// are dropped separately by their creators.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"calculated_results", "calculation_runs", "rules",
		"hierarchy_bridge", "hierarchy_nodes", "use_cases", LegacyFactTable,
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
