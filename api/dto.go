/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Twin payloads are
  already JSON objects and pass through as generic.Payload; the DTOs wrap
  them with ids, timestamps and history.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Twins:    TwinDTO, StateDTO, TwinListDTO
  Payroll:  PayrollDTO
  Formulas: FormulaPreviewRequest, FormulaPreviewDTO
  Batches:  BatchDTO, EditItemRequest
  Scenarios: ScenarioDTO, LoadScenarioRequest, ScenarioResultDTO

VALIDATION:
  Validation is done by the core (schema validator, formula parser), not
  in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// TWIN DTOs
// =============================================================================

// StateDTO is one state-stream row.
type StateDTO struct {
	TwinID  int64           `json:"twin_id"`
	Version int64           `json:"version,omitempty"`
	TimeKey string          `json:"time_key,omitempty"`
	TS      string          `json:"ts"`
	Data    generic.Payload `json:"data"`
}

// TwinDTO is a twin with its current state and, for GET, its history.
type TwinDTO struct {
	ID      int64                      `json:"id"`
	Current generic.Payload            `json:"current"`
	History []StateDTO                 `json:"history,omitempty"`
	Related map[string]generic.Payload `json:"related,omitempty"`
}

// TwinListDTO wraps list responses.
type TwinListDTO struct {
	Twin  string            `json:"twin"`
	Count int               `json:"count"`
	Items []generic.Payload `json:"items"`
}

// StateListDTO wraps all-states query responses.
type StateListDTO struct {
	Twin   string     `json:"twin"`
	Count  int        `json:"count"`
	States []StateDTO `json:"states"`
}

func toStateDTO(st generic.State) StateDTO {
	return StateDTO{
		TwinID:  st.TwinID,
		Version: st.Version,
		TimeKey: st.TimeKey,
		TS:      generic.FormatTimestamp(st.TS),
		Data:    st.Data,
	}
}

func toStateDTOs(states []generic.State) []StateDTO {
	out := make([]StateDTO, len(states))
	for i, st := range states {
		out[i] = toStateDTO(st)
	}
	return out
}

// =============================================================================
// PAYROLL DTOs
// =============================================================================

// PayrollDTO is a computed payroll. SavedID is set when the result was
// persisted (POST).
type PayrollDTO struct {
	*payroll.Result
	SavedID int64 `json:"saved_id,omitempty"`
}

// MetricDTO describes one catalog entry with its resolved dependencies.
type MetricDTO struct {
	payroll.Metric
	DependsOn []string `json:"depends_on,omitempty"`
	Readable  string   `json:"readable,omitempty"`
}

// =============================================================================
// FORMULA DTOs
// =============================================================================

// FormulaPreviewRequest evaluates an expression without saving it.
type FormulaPreviewRequest struct {
	Expression string            `json:"expression"`
	Vars       map[string]any    `json:"vars,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// FormulaPreviewDTO is the evaluation with both renderings.
type FormulaPreviewDTO struct {
	Value       decimal.Decimal `json:"value"`
	Readable    string          `json:"readable"`
	WithValues  string          `json:"with_values"`
	Identifiers []string        `json:"identifiers"`
}

// =============================================================================
// BATCH DTOs
// =============================================================================

// BatchDTO is a batch and its items.
type BatchDTO struct {
	Batch *batch.Batch `json:"batch"`
	Items []batch.Item `json:"items"`
}

// EditItemRequest overwrites proposed values of one item.
type EditItemRequest struct {
	Values generic.Payload `json:"values"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"` // "payroll" or "batch"
}

// LoadScenarioRequest selects a scenario to seed.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO lists what a scenario created.
type ScenarioResultDTO struct {
	Status    string   `json:"status"`
	Scenario  string   `json:"scenario"`
	CompanyID int64    `json:"company_id"`
	PersonIDs []int64  `json:"person_ids"`
	Periods   []string `json:"periods,omitempty"`
	BatchID   string   `json:"batch_id,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
