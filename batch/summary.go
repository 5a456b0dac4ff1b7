package batch

import (
	"context"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// PAYROLL SUMMARY - The read-only fourth flow
// =============================================================================

// SummaryColumns are the metrics reported per person, in sheet order.
var SummaryColumns = []string{
	"monthly_salary",
	"base_amount",
	"perf_amount",
	"bonus",
	"allowance",
	"gross_pay",
	"social_insurance_personal",
	"housing_fund_personal",
	"special_additional_deduction",
	"current_tax",
	"other_deduction",
	"net_pay",
}

// SummaryRequest selects the people and the salary period to summarize.
type SummaryRequest struct {
	Period  string  `json:"period"`
	Targets Targets `json:"targets"`
}

// SummaryRow is one person's computed payroll.
type SummaryRow struct {
	PersonID   int64                      `json:"person_id"`
	CompanyID  int64                      `json:"company_id"`
	Name       string                     `json:"name,omitempty"`
	Department string                     `json:"department,omitempty"`
	Values     map[string]decimal.Decimal `json:"values"`
	Warnings   []payroll.Warning          `json:"warnings,omitempty"`
}

// Summary is a computed payroll run. Nothing is written.
type Summary struct {
	Period  string                     `json:"period"`
	Columns []string                   `json:"columns"`
	Labels  map[string]string          `json:"labels"`
	Rows    []SummaryRow               `json:"rows"`
	Totals  map[string]decimal.Decimal `json:"totals"`
}

// SummarizePayroll computes payroll for every targeted person.
func (p *Processor) SummarizePayroll(ctx context.Context, req SummaryRequest) (*Summary, error) {
	if p.engine == nil {
		return nil, fmt.Errorf("payroll summary needs an engine")
	}
	period, err := generic.ParseMonth(req.Period)
	if err != nil {
		return nil, err
	}
	targets, err := p.resolveTargets(ctx, req.Targets)
	if err != nil {
		return nil, err
	}

	labels := p.engine.Registry().Labels()
	sum := &Summary{
		Period:  period.String(),
		Columns: SummaryColumns,
		Labels:  make(map[string]string, len(SummaryColumns)),
		Rows:    make([]SummaryRow, 0, len(targets)),
		Totals:  make(map[string]decimal.Decimal, len(SummaryColumns)),
	}
	for _, col := range SummaryColumns {
		sum.Labels[col] = labels[col]
	}

	for _, emp := range targets {
		res, err := p.engine.Compute(ctx, emp.PersonID, emp.CompanyID, period.String())
		if err != nil {
			return nil, fmt.Errorf("person %d: %w", emp.PersonID, err)
		}
		row := SummaryRow{
			PersonID:   emp.PersonID,
			CompanyID:  emp.CompanyID,
			Department: emp.Department,
			Name:       p.personName(ctx, emp.PersonID),
			Values:     make(map[string]decimal.Decimal, len(SummaryColumns)),
			Warnings:   res.Warnings,
		}
		for _, col := range SummaryColumns {
			v := res.Value(col).Round(2)
			row.Values[col] = v
			sum.Totals[col] = sum.Totals[col].Add(v)
		}
		sum.Rows = append(sum.Rows, row)
	}
	p.log.Debug("payroll summarized", zap.String("period", sum.Period), zap.Int("rows", len(sum.Rows)))
	return sum, nil
}

func (p *Processor) personName(ctx context.Context, id int64) string {
	view, err := p.store.GetTwin(ctx, "person", id, false)
	if err != nil || view == nil {
		return ""
	}
	return view.Current.String("name")
}

// =============================================================================
// XLSX EXPORT
// =============================================================================

const summarySheet = "Payroll"

// WriteSummaryXLSX renders a summary as a single-sheet workbook: a header
// row, one row per person, and a totals row.
func WriteSummaryXLSX(w io.Writer, sum *Summary) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(summarySheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	header := []any{"person_id", "name", "department"}
	for _, col := range sum.Columns {
		label := sum.Labels[col]
		if label == "" {
			label = col
		}
		header = append(header, label)
	}
	if err := writeRow(f, 1, header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(summarySheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for i, row := range sum.Rows {
		cells := []any{row.PersonID, row.Name, row.Department}
		for _, col := range sum.Columns {
			cells = append(cells, row.Values[col].InexactFloat64())
		}
		if err := writeRow(f, i+2, cells); err != nil {
			return err
		}
	}

	totals := []any{"total", "", ""}
	for _, col := range sum.Columns {
		totals = append(totals, sum.Totals[col].InexactFloat64())
	}
	if err := writeRow(f, len(sum.Rows)+2, totals); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, row int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(summarySheet, cell, &cells); err != nil {
		return fmt.Errorf("failed to write row %d: %w", row, err)
	}
	return nil
}
