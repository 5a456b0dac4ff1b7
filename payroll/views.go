package payroll

import (
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// TYPED VIEWS - Decoded from dynamic payloads for the fields engines read
// =============================================================================

// Change types of employment states.
const (
	ChangeOnboard   = "入职"
	ChangeTerminate = "离职"
)

// Employment is the engine's view of a person_company_employment state.
type Employment struct {
	PersonID       int64   `mapstructure:"person_id"`
	CompanyID      int64   `mapstructure:"company_id"`
	Position       string  `mapstructure:"position"`
	Department     string  `mapstructure:"department"`
	EmployeeNumber string  `mapstructure:"employee_number"`
	EmployeeType   string  `mapstructure:"employee_type"`
	SalaryType     string  `mapstructure:"salary_type"`
	Salary         float64 `mapstructure:"salary"`
	ChangeType     string  `mapstructure:"change_type"`
	ChangeDate     string  `mapstructure:"change_date"`
}

// Date is the parsed change date.
func (e Employment) Date() (time.Time, bool) { return generic.ParseDate(e.ChangeDate) }

// Terminated reports whether the state records a termination.
func (e Employment) Terminated() bool { return e.ChangeType == ChangeTerminate }

// DecodeEmployment decodes a flattened employment payload. Unknown keys
// (id, ts, version, batch_id) are ignored.
func DecodeEmployment(p generic.Payload) (Employment, error) {
	var e Employment
	err := decode(p, &e)
	return e, err
}

// Base is the view of a social-security or housing-fund base state.
type Base struct {
	PersonID      int64   `mapstructure:"person_id"`
	CompanyID     int64   `mapstructure:"company_id"`
	BaseAmount    float64 `mapstructure:"base_amount"`
	Rate          float64 `mapstructure:"rate"`
	EffectiveDate string  `mapstructure:"effective_date"`
}

// DecodeBase decodes a base payload.
func DecodeBase(p generic.Payload) (Base, error) {
	var b Base
	err := decode(p, &b)
	return b, err
}

func decode(p generic.Payload, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(p))
}
