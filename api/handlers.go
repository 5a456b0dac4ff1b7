/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the core over REST. Handles HTTP request/response and JSON
  serialization, and delegates every decision to the core. This is a thin
  external collaborator: no business rule lives here.

ENDPOINTS:
  Schema:
    GET    /api/schema                          Twin descriptors
    GET    /api/metrics                         Metric catalog in resolution order

  Twins:
    GET    /api/twins/{twin}                    Latest state of every twin (query = filters)
    POST   /api/twins/{twin}                    Create twin
    GET    /api/twins/{twin}/{id}               Current state and history
    PUT    /api/twins/{twin}/{id}               Append (versioned) or upsert (time series)
    GET    /api/twins/{twin}/{id}/as-of?ts=     State as of a timestamp
    GET    /api/twins/{twin}/states             Every state (order_by, limit, filters)

  Payroll:
    GET    /api/payroll/{person}/{company}/{period}   Compute
    POST   /api/payroll/{person}/{company}/{period}   Compute and persist
    GET    /api/payroll-summary                       Summary (format=json|xlsx)
    POST   /api/formulas/preview                      Evaluate an expression

  Batches:
    POST   /api/batches                         Stage
    GET    /api/batches/{id}                    Batch and items
    PUT    /api/batches/{id}/items/{item}       Edit proposed values
    POST   /api/batches/{id}/execute            Execute

  Scenarios:
    GET    /api/scenarios                       Available demo scenarios
    GET    /api/scenarios/current               Last loaded scenario
    POST   /api/scenarios/load                  Seed a scenario

ERROR HANDLING:
  Errors are returned as JSON with a status derived from generic.KindOf:
  - 400: Validation errors, invalid input, formula errors
  - 404: Unknown twin, twin or batch not found
  - 409: Conflict (duplicate time key, applied batch item)
  - 500: Storage and schema errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scenarios.go: Demo data loaders
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/core"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Core *core.Context
	log  *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over a core context.
func NewHandler(c *core.Context) *Handler {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Core: c, log: log.Named("api")}
}

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// reserved query parameters that are never filters.
var reserved = map[string]bool{"enrich": true, "order_by": true, "limit": true}

func filtersFrom(r *http.Request) generic.Filters {
	f := generic.Filters{}
	for k, v := range r.URL.Query() {
		if reserved[k] || len(v) == 0 {
			continue
		}
		f[k] = v[0]
	}
	return f
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, generic.NewValidationError("", name, fmt.Sprintf("invalid id %q", raw), nil)
	}
	return id, nil
}

// =============================================================================
// SCHEMA HANDLERS
// =============================================================================

// GetSchema returns every twin descriptor.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Core.Schema.Descriptors())
}

// GetMetrics returns the catalog in resolution order.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	labels := h.Core.Metrics.Labels()
	metrics := h.Core.Metrics.Ordered()
	out := make([]MetricDTO, len(metrics))
	for i, m := range metrics {
		out[i] = MetricDTO{Metric: m, DependsOn: h.Core.Metrics.DependsOn(m.Key)}
		if m.TemporalType == payroll.Formula {
			if readable, err := h.Core.Formulas.ToReadable(m.Source.Expression, labels); err == nil {
				out[i].Readable = readable
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// TWIN HANDLERS
// =============================================================================

// ListTwins returns the latest state of every matching twin.
func (h *Handler) ListTwins(w http.ResponseWriter, r *http.Request) {
	twin := chi.URLParam(r, "twin")
	enrich := r.URL.Query().Get("enrich") == "true"
	rows, err := h.Core.Store.ListTwins(r.Context(), twin, filtersFrom(r), enrich)
	if err != nil {
		h.fail(w, "Failed to list twins", err)
		return
	}
	if rows == nil {
		rows = []generic.Payload{}
	}
	writeJSON(w, http.StatusOK, TwinListDTO{Twin: twin, Count: len(rows), Items: rows})
}

// CreateTwin creates a twin with its first state.
func (h *Handler) CreateTwin(w http.ResponseWriter, r *http.Request) {
	var payload generic.Payload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rec, err := h.Core.Store.CreateTwin(r.Context(), chi.URLParam(r, "twin"), payload)
	if err != nil {
		h.fail(w, "Failed to create twin", err)
		return
	}
	writeJSON(w, http.StatusCreated, TwinDTO{ID: rec.ID, Current: rec.Current})
}

// GetTwin returns the current state and full history.
func (h *Handler) GetTwin(w http.ResponseWriter, r *http.Request) {
	twin := chi.URLParam(r, "twin")
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, "Invalid twin id", err)
		return
	}
	view, err := h.Core.Store.GetTwin(r.Context(), twin, id, r.URL.Query().Get("enrich") == "true")
	if err != nil {
		h.fail(w, "Failed to get twin", err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "Twin not found", &generic.NotFoundError{Twin: twin, ID: id})
		return
	}
	writeJSON(w, http.StatusOK, TwinDTO{
		ID:      view.ID,
		Current: view.Current,
		History: toStateDTOs(view.History),
		Related: view.Related,
	})
}

// UpdateTwin appends a state or upserts by time key.
func (h *Handler) UpdateTwin(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, "Invalid twin id", err)
		return
	}
	var payload generic.Payload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rec, err := h.Core.Store.UpdateTwin(r.Context(), chi.URLParam(r, "twin"), id, payload)
	if err != nil {
		h.fail(w, "Failed to update twin", err)
		return
	}
	writeJSON(w, http.StatusOK, TwinDTO{ID: rec.ID, Current: rec.Current})
}

// StateAt returns the state of a twin as of ts.
func (h *Handler) StateAt(w http.ResponseWriter, r *http.Request) {
	twin := chi.URLParam(r, "twin")
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, "Invalid twin id", err)
		return
	}
	ts, err := generic.ParseTimestamp(r.URL.Query().Get("ts"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ts (use YYYY-MM-DDTHH:MM:SS)", err)
		return
	}
	st, err := h.Core.Store.StateAt(r.Context(), twin, id, ts)
	if err != nil {
		h.fail(w, "Failed to read state", err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "No state at that time", nil)
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(*st))
}

// QueryStates returns every matching state.
func (h *Handler) QueryStates(w http.ResponseWriter, r *http.Request) {
	twin := chi.URLParam(r, "twin")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	states, err := h.Core.Store.QueryTwins(r.Context(), twin, filtersFrom(r), r.URL.Query().Get("order_by"), limit)
	if err != nil {
		h.fail(w, "Failed to query states", err)
		return
	}
	writeJSON(w, http.StatusOK, StateListDTO{Twin: twin, Count: len(states), States: toStateDTOs(states)})
}

// =============================================================================
// PAYROLL HANDLERS
// =============================================================================

// ComputePayroll computes without writing.
func (h *Handler) ComputePayroll(w http.ResponseWriter, r *http.Request) {
	h.payroll(w, r, false)
}

// SavePayroll computes and persists into the payroll stream.
func (h *Handler) SavePayroll(w http.ResponseWriter, r *http.Request) {
	h.payroll(w, r, true)
}

func (h *Handler) payroll(w http.ResponseWriter, r *http.Request, save bool) {
	person, err := pathID(r, "person")
	if err != nil {
		h.fail(w, "Invalid person id", err)
		return
	}
	company, err := pathID(r, "company")
	if err != nil {
		h.fail(w, "Invalid company id", err)
		return
	}
	res, err := h.Core.Engine.Compute(r.Context(), person, company, chi.URLParam(r, "period"))
	if err != nil {
		h.fail(w, "Failed to compute payroll", err)
		return
	}
	out := PayrollDTO{Result: res}
	if save {
		rec, err := payroll.Persist(r.Context(), h.Core.Store, res)
		if err != nil {
			h.fail(w, "Failed to save payroll", err)
			return
		}
		out.SavedID = rec.ID
	}
	writeJSON(w, http.StatusOK, out)
}

// PayrollSummary computes payroll for a company. format=xlsx returns a workbook.
func (h *Handler) PayrollSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := batch.SummaryRequest{
		Period: q.Get("period"),
		Targets: batch.Targets{
			Department:   q.Get("department"),
			EmployeeType: q.Get("employee_type"),
		},
	}
	if raw := q.Get("company_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid company_id", err)
			return
		}
		req.Targets.CompanyID = id
	}

	sum, err := h.Core.Batches.SummarizePayroll(r.Context(), req)
	if err != nil {
		h.fail(w, "Failed to summarize payroll", err)
		return
	}
	if q.Get("format") != "xlsx" {
		writeJSON(w, http.StatusOK, sum)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="payroll-%s.xlsx"`, sum.Period))
	if err := batch.WriteSummaryXLSX(w, sum); err != nil {
		h.log.Error("xlsx export failed", zap.String("period", sum.Period), zap.Error(err))
	}
}

// PreviewFormula evaluates an expression against caller-supplied values.
func (h *Handler) PreviewFormula(w http.ResponseWriter, r *http.Request) {
	var req FormulaPreviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	expr, err := h.Core.Formulas.Parse(req.Expression)
	if err != nil {
		h.fail(w, "Invalid expression", err)
		return
	}
	value, err := h.Core.Formulas.EvalExpr(expr, req.Vars)
	if err != nil {
		h.fail(w, "Failed to evaluate expression", err)
		return
	}
	labels := req.Labels
	if labels == nil {
		labels = h.Core.Metrics.Labels()
	}
	readable, _ := h.Core.Formulas.ToReadable(req.Expression, labels)
	withValues, _ := h.Core.Formulas.WithValues(req.Expression, req.Vars)
	writeJSON(w, http.StatusOK, FormulaPreviewDTO{
		Value:       value,
		Readable:    readable,
		WithValues:  withValues,
		Identifiers: expr.Identifiers(),
	})
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// StageBatch stages a bulk change.
func (h *Handler) StageBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.StageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	b, items, err := h.Core.Batches.Stage(r.Context(), req)
	if err != nil {
		h.fail(w, "Failed to stage batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, BatchDTO{Batch: b, Items: items})
}

// GetBatch returns a batch and its items.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, items, err := h.Core.Batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, BatchDTO{Batch: b, Items: items})
}

// EditBatchItem overwrites proposed values of one item.
func (h *Handler) EditBatchItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := pathID(r, "item")
	if err != nil {
		h.fail(w, "Invalid item id", err)
		return
	}
	var req EditItemRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	it, err := h.Core.Batches.EditItem(r.Context(), chi.URLParam(r, "id"), itemID, req.Values)
	if err != nil {
		h.fail(w, "Failed to edit batch item", err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// ExecuteBatch applies every pending item.
func (h *Handler) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.Core.Batches.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to execute batch", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if generic.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch generic.KindOf(err) {
	case generic.KindValidation:
		return http.StatusBadRequest
	case generic.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(message, zap.Error(err))
	}
	resp := ErrorResponse{Error: message, Code: string(generic.KindOf(err)), Details: err.Error()}
	var ve *generic.ValidationError
	if errors.As(err, &ve) {
		resp.Details = ve
	}
	writeJSON(w, status, resp)
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
