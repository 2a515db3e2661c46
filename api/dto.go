/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Use cases:
    UseCaseDTO, CreateUseCaseRequest

  Calculation:
    CalculateRequestDTO, CalculateResponse, RunDTO

  Results:
    ResultsResponse, NodeResultDTO (recursive tree)

  Rules:
    RuleStackDTO (wraps factory.RuleJSON), PreviewRequest, PreviewResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

DECIMALS:
  Measure values cross the API as JSON strings ("140.0000"), never as
  floats, so clients see the exact persisted digits.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: RuleJSON type
*/
package api

import (
	"github.com/warp/overlay-engine/factory"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// UseCaseDTO represents a use case in API responses.
type UseCaseDTO struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Owner            string            `json:"owner,omitempty"`
	StructureID      string            `json:"structure_id"`
	InputTableName   string            `json:"input_table_name,omitempty"`
	LeafColumn       string            `json:"leaf_column,omitempty"`
	MeasureMapping   map[string]string `json:"measure_mapping"`
	DimensionColumns []string          `json:"dimension_columns"`
	Status           string            `json:"status"`
	CreatedAt        string            `json:"created_at,omitempty"`
}

// CreateUseCaseRequest is the request to create or update a use case.
type CreateUseCaseRequest struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Owner            string            `json:"owner,omitempty"`
	StructureID      string            `json:"structure_id"`
	InputTableName   string            `json:"input_table_name,omitempty"`
	LeafColumn       string            `json:"leaf_column,omitempty"`
	MeasureMapping   map[string]string `json:"measure_mapping"`
	DimensionColumns []string          `json:"dimension_columns"`
	Status           string            `json:"status,omitempty"`
}

// CalculateRequestDTO is the body of the calculate verb.
type CalculateRequestDTO struct {
	PnlDate     string `json:"pnl_date"` // YYYY-MM-DD
	Name        string `json:"name,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// CalculateResponse wraps the run receipt and evaluation warnings.
type CalculateResponse struct {
	Run      RunDTO   `json:"run"`
	Warnings []string `json:"warnings,omitempty"`
}

// RunDTO represents a calculation run in API responses.
type RunDTO struct {
	ID            string `json:"id"`
	UseCaseID     string `json:"use_case_id"`
	PnlDate       string `json:"pnl_date"`
	Name          string `json:"name,omitempty"`
	Status        string `json:"status"`
	TriggeredBy   string `json:"triggered_by,omitempty"`
	ExecutedAt    string `json:"executed_at"`
	DurationMs    int64  `json:"duration_ms"`
	FailureReason string `json:"failure_reason,omitempty"`
	Anomaly       string `json:"anomaly,omitempty"`
}

// NodeResultDTO is one node of the result tree. Natural is derived from the
// persisted pair: natural = adjusted + plug.
type NodeResultDTO struct {
	NodeID       string            `json:"node_id"`
	NodeName     string            `json:"node_name"`
	Depth        int               `json:"depth"`
	IsLeaf       bool              `json:"is_leaf"`
	IsOverride   bool              `json:"is_override"`
	IsReconciled bool              `json:"is_reconciled"`
	Natural      map[string]string `json:"natural"`
	Adjusted     map[string]string `json:"adjusted"`
	Plug         map[string]string `json:"plug"`
	Children     []NodeResultDTO   `json:"children,omitempty"`
}

// ResultsResponse wraps a run's result tree.
type ResultsResponse struct {
	Run        RunDTO            `json:"run"`
	IsOutdated bool              `json:"is_outdated"`
	Tree       *NodeResultDTO    `json:"tree,omitempty"`
	Orphan     map[string]string `json:"orphan,omitempty"`
}

// PreviewRequest asks how many fact rows a WHERE fragment touches.
type PreviewRequest struct {
	UseCaseID string `json:"use_case_id"`
	WhereSQL  string `json:"where_sql"`
}

// PreviewResponse reports the blast radius of a candidate rule.
type PreviewResponse struct {
	AffectedRows int64   `json:"affected_rows"`
	TotalRows    int64   `json:"total_rows"`
	Percentage   float64 `json:"percentage"`
}

// RuleStackDTO shows the rules in force at a node: the node's own rule plus
// any ancestor rules that would be skipped under most-specific-wins.
type RuleStackDTO struct {
	NodeID      string             `json:"node_id"`
	Direct      *factory.RuleJSON  `json:"direct,omitempty"`
	Ancestors   []factory.RuleJSON `json:"ancestors,omitempty"`
	HasConflict bool               `json:"has_conflict"`
}

// ScenarioDTO describes an available demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
