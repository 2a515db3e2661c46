/*
handlers.go - HTTP API handlers for the overlay engine

PURPOSE:
  Exposes the overlay calculation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Use cases:
    GET    /api/usecases                    List all use cases
    POST   /api/usecases                    Create/update use case
    GET    /api/usecases/{id}               Get use case details
    POST   /api/usecases/{id}/calculate     Execute a calculation run
    GET    /api/usecases/{id}/results       Latest (or ?run_id=) result tree
    GET    /api/usecases/{id}/nodes/{nodeID}/rules  Rule stack at a node

  Runs:
    GET    /api/runs                        List runs (?use_case_id, ?pnl_date)

  Rules:
    GET    /api/rules?use_case_id=          List rules for a use case
    POST   /api/rules                       Create/update a rule
    DELETE /api/rules/{useCaseID}/{nodeID}  Delete a rule
    POST   /api/rules/preview               Blast radius of a WHERE fragment

  Scenarios:
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access
  - Engine: Calculation pipeline
  - Rules: JSON to Rule conversion

CACHE INVALIDATION:
  Every rule write or delete invalidates the engine's rollup cache for
  the owning use case. Stale cached rollups after a rule edit are a
  correctness bug, not a performance bug.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, dangerous predicates, invalid input
  - 404: Resource not found
  - 422: Calculation failures (cycle, division by zero)
  - 500: Store and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/overlay-engine/factory"
	"github.com/warp/overlay-engine/overlay"
	"github.com/warp/overlay-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *overlay.Engine
	Rules  *factory.RuleFactory

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store, engine *overlay.Engine) *Handler {
	return &Handler{
		Store:  store,
		Engine: engine,
		Rules:  factory.NewRuleFactory(),
	}
}

// =============================================================================
// USE CASE ENDPOINTS
// =============================================================================

// ListUseCases returns all use cases.
// GET /api/usecases
func (h *Handler) ListUseCases(w http.ResponseWriter, r *http.Request) {
	useCases, err := h.Store.ListUseCases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list use cases", err)
		return
	}

	dtos := make([]UseCaseDTO, 0, len(useCases))
	for i := range useCases {
		dtos = append(dtos, toUseCaseDTO(&useCases[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUseCase returns a single use case.
// GET /api/usecases/{id}
func (h *Handler) GetUseCase(w http.ResponseWriter, r *http.Request) {
	id := overlay.UseCaseID(chi.URLParam(r, "id"))
	uc, err := h.Store.UseCase(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get use case", err)
		return
	}
	if uc == nil {
		writeError(w, http.StatusNotFound, "Use case not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toUseCaseDTO(uc))
}

// CreateUseCase creates or updates a use case.
// POST /api/usecases
func (h *Handler) CreateUseCase(w http.ResponseWriter, r *http.Request) {
	var req CreateUseCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.StructureID == "" || len(req.MeasureMapping) == 0 {
		writeError(w, http.StatusBadRequest, "id, structure_id and measure_mapping are required", nil)
		return
	}

	status := overlay.UseCaseStatus(req.Status)
	if status == "" {
		status = overlay.UseCaseDraft
	}
	uc := &overlay.UseCase{
		ID:               overlay.UseCaseID(req.ID),
		Name:             req.Name,
		Owner:            req.Owner,
		StructureID:      overlay.StructureID(req.StructureID),
		InputTableName:   req.InputTableName,
		LeafColumn:       req.LeafColumn,
		MeasureMapping:   req.MeasureMapping,
		DimensionColumns: req.DimensionColumns,
		Status:           status,
	}
	if err := h.Store.SaveUseCase(r.Context(), uc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save use case", err)
		return
	}
	h.invalidate(uc.ID)
	writeJSON(w, http.StatusCreated, toUseCaseDTO(uc))
}

// =============================================================================
// CALCULATION ENDPOINTS
// =============================================================================

// Calculate executes a calculation run for a use case.
// POST /api/usecases/{id}/calculate
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	id := overlay.UseCaseID(chi.URLParam(r, "id"))

	var req CalculateRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pnlDate := time.Now().UTC()
	if req.PnlDate != "" {
		var err error
		pnlDate, err = time.Parse("2006-01-02", req.PnlDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid pnl_date format (use YYYY-MM-DD)", err)
			return
		}
	}

	out, err := h.Engine.Calculate(r.Context(), overlay.CalculateRequest{
		UseCaseID:   id,
		PnlDate:     pnlDate,
		Name:        req.Name,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		writeError(w, statusFor(err), "Calculation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, CalculateResponse{
		Run:      toRunDTO(out.Run),
		Warnings: out.Warnings,
	})
}

// GetResults returns the result tree for the latest run, or ?run_id=.
// GET /api/usecases/{id}/results
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := overlay.UseCaseID(chi.URLParam(r, "id"))

	uc, err := h.Store.UseCase(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get use case", err)
		return
	}
	if uc == nil {
		writeError(w, http.StatusNotFound, "Use case not found", nil)
		return
	}

	var run *overlay.CalculationRun
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		run, err = h.Store.Run(ctx, overlay.RunID(runID))
	} else {
		run, err = h.Store.LatestRun(ctx, id)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "No run found for use case", nil)
		return
	}

	results, err := h.Store.Results(ctx, run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get results", err)
		return
	}

	nodes, err := h.Store.Nodes(ctx, uc.StructureID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load hierarchy", err)
		return
	}
	hier, err := overlay.BuildHierarchy(uc.StructureID, nodes)
	if err != nil {
		writeError(w, statusFor(err), "Invalid hierarchy", err)
		return
	}

	outdated, err := h.isOutdated(r, run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check staleness", err)
		return
	}

	resp := ResultsResponse{
		Run:        toRunDTO(run),
		IsOutdated: outdated,
	}

	byNode := make(map[overlay.NodeID]*overlay.CalculatedResult, len(results))
	for i := range results {
		byNode[results[i].NodeID] = &results[i]
	}
	if orphan, ok := byNode[overlay.NodeOrphan]; ok {
		resp.Orphan = vectorToMap(orphan.MeasureVector)
	}
	if hier.Root != nil {
		tree := buildResultTree(hier, hier.Root.NodeID, byNode)
		resp.Tree = &tree
	}

	writeJSON(w, http.StatusOK, resp)
}

// outdatedGrace absorbs clock skew between rule writes and run stamps.
const outdatedGrace = 2 * time.Second

// isOutdated reports whether rules changed after the run executed.
func (h *Handler) isOutdated(r *http.Request, run *overlay.CalculationRun) (bool, error) {
	lastModified, err := h.Store.RuleLastModified(r.Context(), run.UseCaseID)
	if err != nil {
		return false, err
	}
	if lastModified.IsZero() {
		return false, nil
	}
	return lastModified.After(run.ExecutedAt.Add(outdatedGrace)), nil
}

// buildResultTree assembles the recursive node DTO. Natural is derived as
// adjusted + plug; nodes without a persisted row render as zeros.
func buildResultTree(h *overlay.Hierarchy, id overlay.NodeID, byNode map[overlay.NodeID]*overlay.CalculatedResult) NodeResultDTO {
	node := h.Node(id)
	dto := NodeResultDTO{
		NodeID:   string(id),
		NodeName: node.NodeName,
		Depth:    node.Depth,
		IsLeaf:   node.IsLeaf,
	}

	if res, ok := byNode[id]; ok {
		dto.IsOverride = res.IsOverride
		dto.IsReconciled = res.IsReconciled
		natural := res.MeasureVector.Add(res.PlugVector)
		dto.Natural = vectorToMap(natural)
		dto.Adjusted = vectorToMap(res.MeasureVector)
		dto.Plug = vectorToMap(res.PlugVector)
	}

	for _, child := range h.Children(id) {
		dto.Children = append(dto.Children, buildResultTree(h, child, byNode))
	}
	return dto
}

// ListRuns returns run receipts, optionally filtered.
// GET /api/runs?use_case_id=&pnl_date=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	useCaseID := overlay.UseCaseID(r.URL.Query().Get("use_case_id"))

	var pnlDate time.Time
	if raw := r.URL.Query().Get("pnl_date"); raw != "" {
		var err error
		pnlDate, err = time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid pnl_date format (use YYYY-MM-DD)", err)
			return
		}
	}

	runs, err := h.Store.ListRuns(r.Context(), useCaseID, pnlDate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for i := range runs {
		dtos = append(dtos, toRunDTO(&runs[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

// ListRules returns the rules for a use case.
// GET /api/rules?use_case_id=
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	useCaseID := overlay.UseCaseID(r.URL.Query().Get("use_case_id"))
	if useCaseID == "" {
		writeError(w, http.StatusBadRequest, "use_case_id is required", nil)
		return
	}

	rules, err := h.Store.RulesForUseCase(r.Context(), useCaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	dtos := make([]factory.RuleJSON, 0, len(rules))
	for i := range rules {
		dtos = append(dtos, h.Rules.ToJSON(&rules[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule creates or updates a rule, then invalidates the rollup cache
// for the owning use case.
// POST /api/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rj factory.RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule, err := h.Rules.FromJSON(rj)
	if err != nil {
		writeError(w, statusFor(err), "Invalid rule", err)
		return
	}

	uc, err := h.Store.UseCase(ctx, rule.UseCaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get use case", err)
		return
	}
	if uc == nil {
		writeError(w, http.StatusNotFound, "Use case not found", nil)
		return
	}
	if rule.Kind.IsSQLStyle() {
		if _, ok := uc.MeasureMapping[rule.MeasureName]; !ok {
			writeError(w, http.StatusBadRequest, "Measure not in use case mapping", nil)
			return
		}
	}

	if err := h.Store.SaveRule(ctx, rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rule", err)
		return
	}
	h.invalidate(rule.UseCaseID)
	writeJSON(w, http.StatusCreated, h.Rules.ToJSON(rule))
}

// DeleteRule removes a node's rule and invalidates the rollup cache.
// DELETE /api/rules/{useCaseID}/{nodeID}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	useCaseID := overlay.UseCaseID(chi.URLParam(r, "useCaseID"))
	nodeID := overlay.NodeID(chi.URLParam(r, "nodeID"))

	if err := h.Store.DeleteRule(r.Context(), useCaseID, nodeID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete rule", err)
		return
	}
	h.invalidate(useCaseID)
	w.WriteHeader(http.StatusNoContent)
}

// PreviewRule reports how many fact rows a WHERE fragment touches.
// POST /api/rules/preview
func (h *Handler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	uc, err := h.Store.UseCase(ctx, overlay.UseCaseID(req.UseCaseID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get use case", err)
		return
	}
	if uc == nil {
		writeError(w, http.StatusNotFound, "Use case not found", nil)
		return
	}

	affected, total, err := h.Store.CountWhere(ctx, uc, req.WhereSQL)
	if err != nil {
		writeError(w, statusFor(err), "Preview failed", err)
		return
	}

	resp := PreviewResponse{AffectedRows: affected, TotalRows: total}
	if total > 0 {
		resp.Percentage = float64(affected) / float64(total) * 100
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRuleStack shows the rules in force at a node: direct rule, ancestor
// rules, and whether most-specific-wins skips an ancestor.
// GET /api/usecases/{id}/nodes/{nodeID}/rules
func (h *Handler) GetRuleStack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	useCaseID := overlay.UseCaseID(chi.URLParam(r, "id"))
	nodeID := overlay.NodeID(chi.URLParam(r, "nodeID"))

	uc, err := h.Store.UseCase(ctx, useCaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get use case", err)
		return
	}
	if uc == nil {
		writeError(w, http.StatusNotFound, "Use case not found", nil)
		return
	}

	nodes, err := h.Store.Nodes(ctx, uc.StructureID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load hierarchy", err)
		return
	}
	hier, err := overlay.BuildHierarchy(uc.StructureID, nodes)
	if err != nil {
		writeError(w, statusFor(err), "Invalid hierarchy", err)
		return
	}
	if !hier.Contains(nodeID) {
		writeError(w, http.StatusNotFound, "Node not found", nil)
		return
	}

	rules, err := h.Store.RulesForUseCase(ctx, useCaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}
	res, err := overlay.ResolveRules(uc, hier, rules)
	if err != nil {
		writeError(w, statusFor(err), "Failed to resolve rules", err)
		return
	}

	byID := make(map[string]*overlay.Rule, len(rules))
	for i := range rules {
		byID[rules[i].ID] = &rules[i]
	}

	stack := res.StackFor(hier, nodeID)
	dto := RuleStackDTO{NodeID: string(nodeID), HasConflict: stack.HasConflict}
	if stack.Direct != nil {
		if stored, ok := byID[stack.Direct.SourceRuleID]; ok {
			rj := h.Rules.ToJSON(stored)
			dto.Direct = &rj
		}
	}
	for _, anc := range stack.Ancestors {
		if stored, ok := byID[anc.SourceRuleID]; ok {
			dto.Ancestors = append(dto.Ancestors, h.Rules.ToJSON(stored))
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

// invalidate drops cached rollups for a use case after any write that can
// change its numbers.
func (h *Handler) invalidate(id overlay.UseCaseID) {
	if h.Engine != nil && h.Engine.Cache != nil {
		h.Engine.Cache.Invalidate(id)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case overlay.IsNotFound(err):
		return http.StatusNotFound
	case overlay.IsValidation(err), errors.Is(err, overlay.ErrDangerousPredicate):
		return http.StatusBadRequest
	case errors.Is(err, overlay.ErrCircularDependency),
		errors.Is(err, overlay.ErrDivisionByZero):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func toUseCaseDTO(uc *overlay.UseCase) UseCaseDTO {
	dto := UseCaseDTO{
		ID:               string(uc.ID),
		Name:             uc.Name,
		Owner:            uc.Owner,
		StructureID:      string(uc.StructureID),
		InputTableName:   uc.InputTableName,
		LeafColumn:       uc.LeafColumn,
		MeasureMapping:   uc.MeasureMapping,
		DimensionColumns: uc.DimensionColumns,
		Status:           string(uc.Status),
	}
	if !uc.CreatedAt.IsZero() {
		dto.CreatedAt = uc.CreatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toRunDTO(run *overlay.CalculationRun) RunDTO {
	return RunDTO{
		ID:            string(run.ID),
		UseCaseID:     string(run.UseCaseID),
		PnlDate:       run.PnlDate.Format("2006-01-02"),
		Name:          run.Name,
		Status:        string(run.Status),
		TriggeredBy:   run.TriggeredBy,
		ExecutedAt:    run.ExecutedAt.UTC().Format(time.RFC3339Nano),
		DurationMs:    run.DurationMs,
		FailureReason: run.FailureReason,
		Anomaly:       run.Anomaly,
	}
}

func vectorToMap(v overlay.MeasureVector) map[string]string {
	out := make(map[string]string, len(v))
	for m, d := range v {
		out[m] = d.Round(overlay.StorageScale).String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
