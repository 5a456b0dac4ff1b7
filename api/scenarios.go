/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates a company, people, employment
	histories and supporting records, and optionally persists payroll
	results or stages a batch, to show one feature of the engine.

AVAILABLE SCENARIOS:

	new-hire:             Mid-month onboarding with attendance and assessment
	mid-year-raise:       Salary change picked up from its effective month
	year-end-withholding: Cumulative withholding resetting in January
	probation-roles:      Position and employee-type lookups, daily salary
	base-adjustment:      Social-security bases staged for clamping

HOW SCENARIOS WORK:
 1. Create a fresh company named after the scenario
 2. Hire people (person twin + onboarding employment state)
 3. Append activity records (raises, assessments, attendance, bases)
 4. Optionally compute and persist payroll, or stage a batch

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "mid-year-raise"}

NOTE:

	The store is append-only, so loading never resets anything: every load
	adds a new company. Dates are relative to the core clock's year.

SEE ALSO:
  - handlers.go: route table
  - payroll/persist.go: Persist
  - batch/processor.go: Stage
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-hire",
		Name:        "New Hire",
		Description: "Engineer onboarded mid-January with attendance and a B assessment",
		Category:    "payroll",
	},
	{
		ID:          "mid-year-raise",
		Name:        "Mid-Year Raise",
		Description: "Salary raised in April, payroll persisted January to May",
		Category:    "payroll",
	},
	{
		ID:          "year-end-withholding",
		Name:        "Year-End Withholding",
		Description: "Cumulative tax withholding across the year boundary",
		Category:    "payroll",
	},
	{
		ID:          "probation-roles",
		Name:        "Probation and Roles",
		Description: "Manager on probation and a day-rate intern",
		Category:    "payroll",
	},
	{
		ID:          "base-adjustment",
		Name:        "Base Adjustment",
		Description: "Annual social-security base batch clamping three employees",
		Category:    "batch",
	},
}

type scenarioLoader func(h *Handler, s *seeder) error

var loaders = map[string]scenarioLoader{
	"new-hire":             loadNewHireScenario,
	"mid-year-raise":       loadMidYearRaiseScenario,
	"year-end-withholding": loadYearEndWithholdingScenario,
	"probation-roles":      loadProbationRolesScenario,
	"base-adjustment":      loadBaseAdjustmentScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario",
			generic.NewValidationError("", "scenario_id", fmt.Sprintf("unknown scenario %q", req.ScenarioID), nil))
		return
	}

	s, err := h.newSeeder(r.Context(), req.ScenarioID)
	if err == nil {
		err = load(h, s)
	}
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, ScenarioResultDTO{
		Status:    "loaded",
		Scenario:  req.ScenarioID,
		CompanyID: s.company,
		PersonIDs: s.people,
		Periods:   s.periods,
		BatchID:   s.batchID,
	})
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder writes one scenario's records under a fresh company.
type seeder struct {
	ctx     context.Context
	store   generic.TwinStore
	year    int
	company int64
	people  []int64
	periods []string
	batchID string
}

func (h *Handler) newSeeder(ctx context.Context, scenario string) (*seeder, error) {
	clock := h.Core.Clock
	if clock == nil {
		clock = generic.SystemClock
	}
	s := &seeder{ctx: ctx, store: h.Core.Store, year: clock().Year()}
	rec, err := s.store.CreateTwin(ctx, "company", generic.Payload{
		"name": fmt.Sprintf("Demo %s", scenario),
	})
	if err != nil {
		return nil, err
	}
	s.company = rec.ID
	return s, nil
}

// date formats a day of the scenario year; offset shifts the year.
func (s *seeder) date(offset int, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", s.year+offset, month, day)
}

func (s *seeder) month(offset int, month int) string {
	return fmt.Sprintf("%04d-%02d", s.year+offset, month)
}

// hire creates a person and their onboarding employment state.
func (s *seeder) hire(name string, employment generic.Payload) (int64, int64, error) {
	person, err := s.store.CreateTwin(s.ctx, "person", generic.Payload{"name": name})
	if err != nil {
		return 0, 0, err
	}
	s.people = append(s.people, person.ID)
	emp, err := s.add(payroll.EmploymentTwin, person.ID, generic.Payload{
		"change_type": payroll.ChangeOnboard,
	}.Merge(employment))
	if err != nil {
		return 0, 0, err
	}
	return person.ID, emp, nil
}

// add creates an activity twin of person at the scenario company.
func (s *seeder) add(twin string, person int64, data generic.Payload) (int64, error) {
	rec, err := s.store.CreateTwin(s.ctx, twin, data.Merge(generic.Payload{
		"person_id":  person,
		"company_id": s.company,
	}))
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// runPayroll computes and persists each period for person.
func (s *seeder) runPayroll(engine *payroll.Engine, person int64, periods ...string) error {
	for _, period := range periods {
		res, err := engine.Compute(s.ctx, person, s.company, period)
		if err != nil {
			return fmt.Errorf("compute %s: %w", period, err)
		}
		if _, err := payroll.Persist(s.ctx, s.store, res); err != nil {
			return fmt.Errorf("persist %s: %w", period, err)
		}
		s.periods = append(s.periods, period)
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadNewHireScenario(h *Handler, s *seeder) error {
	person, _, err := s.hire("李雷", generic.Payload{
		"position":      "Engineer",
		"department":    "R&D",
		"employee_type": "正式员工",
		"salary_type":   "月薪",
		"salary":        12000,
		"change_date":   s.date(0, 1, 15),
	})
	if err != nil {
		return err
	}
	if _, err := s.add("person_company_attendance_summary", person, generic.Payload{
		"period":        s.month(0, 1),
		"expected_days": 22,
		"actual_days":   12,
	}); err != nil {
		return err
	}
	_, err = s.add("person_company_assessment", person, generic.Payload{
		"grade":           "B",
		"score":           78,
		"assessment_date": s.date(0, 1, 31),
		"period":          s.month(0, 1),
	})
	return err
}

func loadMidYearRaiseScenario(h *Handler, s *seeder) error {
	employment := generic.Payload{
		"position":      "Engineer",
		"department":    "R&D",
		"employee_type": "正式员工",
		"salary_type":   "月薪",
		"salary":        15000,
		"change_date":   s.date(0, 1, 1),
	}
	person, emp, err := s.hire("韩梅梅", employment)
	if err != nil {
		return err
	}
	// Updates are full states: carry every field forward.
	if _, err := s.store.UpdateTwin(s.ctx, payroll.EmploymentTwin, emp, employment.Merge(generic.Payload{
		"salary":        18000,
		"change_type":   "调薪",
		"change_date":   s.date(0, 4, 1),
		"change_reason": "annual review",
	})); err != nil {
		return err
	}
	if _, err := s.add("person_company_assessment", person, generic.Payload{
		"grade":           "A",
		"assessment_date": s.date(0, 3, 31),
	}); err != nil {
		return err
	}
	return s.runPayroll(h.Core.Engine, person,
		s.month(0, 1), s.month(0, 2), s.month(0, 3), s.month(0, 4), s.month(0, 5))
}

func loadYearEndWithholdingScenario(h *Handler, s *seeder) error {
	person, _, err := s.hire("王芳", generic.Payload{
		"position":      "Engineer",
		"department":    "R&D",
		"employee_type": "正式员工",
		"salary_type":   "月薪",
		"salary":        30000,
		"change_date":   s.date(-1, 6, 1),
	})
	if err != nil {
		return err
	}
	return s.runPayroll(h.Core.Engine, person, s.month(-1, 11), s.month(-1, 12), s.month(0, 1))
}

func loadProbationRolesScenario(h *Handler, s *seeder) error {
	if _, _, err := s.hire("赵强", generic.Payload{
		"position":      "Manager",
		"department":    "Sales",
		"employee_type": "试用期",
		"salary_type":   "月薪",
		"salary":        20000,
		"change_date":   s.date(0, 2, 1),
	}); err != nil {
		return err
	}
	_, _, err := s.hire("陈晨", generic.Payload{
		"position":      "Engineer",
		"department":    "R&D",
		"employee_type": "实习生",
		"salary_type":   "日薪",
		"salary":        300,
		"change_date":   s.date(0, 3, 1),
	})
	return err
}

func loadBaseAdjustmentScenario(h *Handler, s *seeder) error {
	for i, base := range []float64{4000, 12000, 40000} {
		person, _, err := s.hire(fmt.Sprintf("员工%d", i+1), generic.Payload{
			"position":    "Engineer",
			"department":  "R&D",
			"salary_type": "月薪",
			"salary":      base,
			"change_date": s.date(-1, 1, 1),
		})
		if err != nil {
			return err
		}
		if _, err := s.add(batch.SocialSecurityBaseTwin, person, generic.Payload{
			"base_amount":    base,
			"effective_date": s.date(-1, 7, 1),
		}); err != nil {
			return err
		}
	}

	minBase, maxBase := 7310.0, 36549.0
	b, _, err := h.Core.Batches.Stage(s.ctx, batch.StageRequest{
		Kind:    batch.KindSocialSecurityBase,
		Period:  s.month(0, 7),
		Targets: batch.Targets{CompanyID: s.company},
		MinBase: &minBase,
		MaxBase: &maxBase,
	})
	if err != nil {
		return err
	}
	s.batchID = b.ID
	return nil
}
