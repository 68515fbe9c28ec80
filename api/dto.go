/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract. Field names
  follow the front office's existing payloads (charge_master_id, doctor_id,
  is_doctor_charge) so clients keep working.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Request amounts are billing.AmountInput so a JSON number, a numeric
  string, an empty string and null are all accepted; the engine decides
  whether the field is coerced leniently or parsed strictly.
  Response amounts are fixed two-decimal strings.

VALIDATION:
  Shape checks (required references, enum values) are struct tags read by
  go-playground/validator before the engine is called. Business rules stay
  in the billing package.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/amount.go: AmountInput
*/
package api

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/billing"
)

const dateLayout = "2006-01-02"

var validate = newValidator()

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// CASES
// =============================================================================

type CreateCaseRequest struct {
	PatientID string              `json:"patient_id" validate:"required"`
	CaseType  string              `json:"case_type" validate:"omitempty,max=32"`
	Discount  billing.AmountInput `json:"discount"`
}

type UpdateDiscountRequest struct {
	Discount billing.AmountInput `json:"discount"`
}

type CaseDTO struct {
	ID         string  `json:"id"`
	CaseNumber string  `json:"case_number"`
	PatientID  string  `json:"patient_id"`
	CaseType   string  `json:"case_type"`
	Status     string  `json:"status"`
	Discount   string  `json:"discount"`
	ClosedAt   *string `json:"closed_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

func toCaseDTO(c billing.Case) CaseDTO {
	return CaseDTO{
		ID:         string(c.ID),
		CaseNumber: c.Number,
		PatientID:  string(c.PatientID),
		CaseType:   string(c.Kind),
		Status:     string(c.Status),
		Discount:   money(c.Discount),
		ClosedAt:   timePtr(c.ClosedAt),
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  c.UpdatedAt.Format(time.RFC3339),
	}
}

// BalanceDTO is the computed balance of a case.
type BalanceDTO struct {
	CaseID       string `json:"case_id"`
	GrossCharges string `json:"gross_charges"`
	Discount     string `json:"discount"`
	NetCharges   string `json:"net_charges"`
	TotalPaid    string `json:"total_paid"`
	Balance      string `json:"balance"`
	Settled      bool   `json:"settled"`
}

func toBalanceDTO(b billing.Balance) BalanceDTO {
	return BalanceDTO{
		CaseID:       string(b.CaseID),
		GrossCharges: money(b.Gross),
		Discount:     money(b.Discount),
		NetCharges:   money(b.Net),
		TotalPaid:    money(b.Paid),
		Balance:      money(b.Balance),
		Settled:      b.IsSettled(),
	}
}

type StatementDTO struct {
	Case     CaseDTO           `json:"case"`
	Balance  BalanceDTO        `json:"balance"`
	Buckets  map[string]string `json:"buckets"`
	Lines    []ChargeDTO       `json:"lines"`
	Payments []PaymentDTO      `json:"payments"`
}

func toStatementDTO(s billing.Statement) StatementDTO {
	buckets := make(map[string]string, len(s.Buckets))
	for b, amt := range s.Buckets {
		buckets[string(b)] = money(amt)
	}
	return StatementDTO{
		Case:     toCaseDTO(s.Case),
		Balance:  toBalanceDTO(s.Balance),
		Buckets:  buckets,
		Lines:    toClassifiedDTOs(s.Lines),
		Payments: toPaymentDTOs(s.Payments),
	}
}

// =============================================================================
// CHARGES
// =============================================================================

type ChargeRequest struct {
	CaseID         string              `json:"case_id" validate:"required"`
	ChargeMasterID string              `json:"charge_master_id"`
	DoctorID       string              `json:"doctor_id"`
	ChargeType     string              `json:"charge_type" validate:"omitempty,max=32"`
	IsDoctorCharge bool                `json:"is_doctor_charge"`
	Quantity       int                 `json:"quantity"`
	UnitAmount     billing.AmountInput `json:"unit_amount"`
	TotalAmount    billing.AmountInput `json:"total_amount"`
	Description    string              `json:"description"`
	ChargeDate     string              `json:"charge_date"`
}

func (r ChargeRequest) toInput(id billing.ChargeID) (billing.ChargeInput, error) {
	date, err := parseDate("charge_date", r.ChargeDate)
	if err != nil {
		return billing.ChargeInput{}, err
	}
	return billing.ChargeInput{
		ID:               id,
		CaseID:           billing.CaseID(r.CaseID),
		CatalogEntryID:   billing.CatalogEntryID(r.ChargeMasterID),
		PhysicianID:      billing.PhysicianID(r.DoctorID),
		Kind:             billing.ChargeKind(r.ChargeType),
		PhysicianService: r.IsDoctorCharge,
		Quantity:         r.Quantity,
		UnitAmount:       r.UnitAmount,
		TotalAmount:      r.TotalAmount,
		Description:      r.Description,
		ChargeDate:       date,
	}, nil
}

type ChargeDTO struct {
	ID             string `json:"id"`
	CaseID         string `json:"case_id"`
	ChargeMasterID string `json:"charge_master_id,omitempty"`
	ChargeName     string `json:"charge_name,omitempty"`
	DoctorID       string `json:"doctor_id,omitempty"`
	ChargeType     string `json:"charge_type"`
	IsDoctorCharge bool   `json:"is_doctor_charge"`
	Quantity       int    `json:"quantity"`
	UnitAmount     string `json:"unit_amount"`
	TotalAmount    string `json:"total_amount"`
	Description    string `json:"description,omitempty"`
	ChargeDate     string `json:"charge_date"`
	Bucket         string `json:"bucket,omitempty"`
	Legacy         bool   `json:"legacy,omitempty"`
}

func toChargeDTO(c billing.CaseCharge) ChargeDTO {
	return ChargeDTO{
		ID:             string(c.ID),
		CaseID:         string(c.CaseID),
		ChargeMasterID: string(c.CatalogEntryID),
		DoctorID:       string(c.PhysicianID),
		ChargeType:     string(c.Kind),
		IsDoctorCharge: c.IsPhysicianService(),
		Quantity:       c.Quantity,
		UnitAmount:     money(c.UnitAmount),
		TotalAmount:    money(c.TotalAmount),
		Description:    c.Description,
		ChargeDate:     c.ChargeDate.Format(dateLayout),
		Legacy:         c.Legacy,
	}
}

func toClassifiedDTOs(lines []billing.ClassifiedCharge) []ChargeDTO {
	dtos := make([]ChargeDTO, len(lines))
	for i, l := range lines {
		dtos[i] = toChargeDTO(l.CaseCharge)
		dtos[i].ChargeName = l.EntryName
		dtos[i].Bucket = string(l.Bucket)
	}
	return dtos
}

// ChargeWriteResponse carries the stored charge and the payouts resynced
// by the write. Warning is set when the charge was saved but a payout could
// not be synchronized.
type ChargeWriteResponse struct {
	Charge  *ChargeDTO  `json:"charge,omitempty"`
	Payouts []PayoutDTO `json:"payouts"`
	Warning string      `json:"warning,omitempty"`
}

func toChargeWriteResponse(cw billing.ChargeWrite, withCharge bool) ChargeWriteResponse {
	resp := ChargeWriteResponse{Payouts: toPayoutDTOs(cw.Payouts)}
	if withCharge {
		c := toChargeDTO(cw.Charge)
		resp.Charge = &c
	}
	if cw.SyncErr != nil {
		resp.Warning = cw.SyncErr.Error()
	}
	return resp
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentRequest struct {
	CaseID      string              `json:"case_id" validate:"required"`
	Amount      billing.AmountInput `json:"amount"`
	PaymentDate string              `json:"payment_date"`
	PaymentMode string              `json:"payment_mode"`
	Reference   string              `json:"reference"`
	Notes       string              `json:"notes"`
}

func (r PaymentRequest) toInput(id billing.PaymentID) (billing.PaymentInput, error) {
	date, err := parseDate("payment_date", r.PaymentDate)
	if err != nil {
		return billing.PaymentInput{}, err
	}
	return billing.PaymentInput{
		ID:        id,
		CaseID:    billing.CaseID(r.CaseID),
		Amount:    r.Amount,
		PaidOn:    date,
		Mode:      r.PaymentMode,
		Reference: r.Reference,
		Notes:     r.Notes,
	}, nil
}

type PaymentDTO struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	Amount      string `json:"amount"`
	PaymentDate string `json:"payment_date"`
	PaymentMode string `json:"payment_mode,omitempty"`
	Reference   string `json:"reference,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          string(p.ID),
		CaseID:      string(p.CaseID),
		Amount:      money(p.Amount),
		PaymentDate: p.PaidOn.Format(dateLayout),
		PaymentMode: p.Mode,
		Reference:   p.Reference,
		Notes:       p.Notes,
	}
}

func toPaymentDTOs(ps []billing.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

// =============================================================================
// PAYOUTS
// =============================================================================

type SettlementRequest struct {
	Status               string              `json:"status" validate:"required,oneof=pending partial_paid paid cancelled"`
	PartialPaymentAmount billing.AmountInput `json:"partial_payment_amount"`
	PaymentDate          string              `json:"payment_date"`
	PaymentMode          string              `json:"payment_mode"`
	Reference            string              `json:"reference"`
	Comment              string              `json:"comment"`
}

func (r SettlementRequest) toInput() (billing.SettlementInput, error) {
	in := billing.SettlementInput{
		Status:        billing.PayoutStatus(r.Status),
		PartialAmount: r.PartialPaymentAmount,
		Mode:          r.PaymentMode,
		Reference:     r.Reference,
		Comment:       r.Comment,
	}
	date, err := parseDate("payment_date", r.PaymentDate)
	if err != nil {
		return in, err
	}
	if !date.IsZero() {
		in.SettledOn = &date
	}
	return in, nil
}

type PayoutDTO struct {
	ID                   string  `json:"id"`
	CaseID               string  `json:"case_id"`
	DoctorID             string  `json:"doctor_id"`
	DoctorName           string  `json:"doctor_name,omitempty"`
	CaseNumber           string  `json:"case_number,omitempty"`
	PatientName          string  `json:"patient_name,omitempty"`
	CaseType             string  `json:"case_type,omitempty"`
	TotalChargeAmount    string  `json:"total_charge_amount"`
	DoctorChargeAmount   string  `json:"doctor_charge_amount"`
	UnratedLines         int     `json:"unrated_lines"`
	PaymentStatus        string  `json:"payment_status"`
	PartialPaymentAmount string  `json:"partial_payment_amount,omitempty"`
	PaymentDate          *string `json:"payment_date,omitempty"`
	PaymentMode          string  `json:"payment_mode,omitempty"`
	Reference            string  `json:"reference,omitempty"`
	Comment              string  `json:"comment,omitempty"`
	UpdatedAt            string  `json:"updated_at"`
}

func toPayoutDTO(p billing.Payout) PayoutDTO {
	dto := PayoutDTO{
		ID:                 string(p.ID),
		CaseID:             string(p.CaseID),
		DoctorID:           string(p.PhysicianID),
		DoctorName:         p.PhysicianName,
		CaseNumber:         p.CaseNumber,
		PatientName:        p.PatientName,
		CaseType:           string(p.CaseKind),
		TotalChargeAmount:  money(p.TotalChargeAmount),
		DoctorChargeAmount: money(p.DoctorChargeAmount),
		UnratedLines:       p.UnratedLines,
		PaymentStatus:      string(p.Settlement.Status),
		PaymentDate:        datePtr(p.Settlement.SettledOn),
		PaymentMode:        p.Settlement.Mode,
		Reference:          p.Settlement.Reference,
		Comment:            p.Settlement.Comment,
		UpdatedAt:          p.UpdatedAt.Format(time.RFC3339),
	}
	if !p.Settlement.PartialAmount.IsZero() {
		dto.PartialPaymentAmount = money(p.Settlement.PartialAmount)
	}
	return dto
}

func toPayoutDTOs(ps []billing.Payout) []PayoutDTO {
	dtos := make([]PayoutDTO, 0, len(ps))
	for _, p := range ps {
		if p.ID == "" {
			continue
		}
		dtos = append(dtos, toPayoutDTO(p))
	}
	return dtos
}

type PendingPayoutDTO struct {
	CaseID        string `json:"case_id"`
	DoctorID      string `json:"doctor_id"`
	CaseNumber    string `json:"case_number"`
	PatientName   string `json:"patient_name,omitempty"`
	DoctorName    string `json:"doctor_name,omitempty"`
	HospitalTotal string `json:"total_charge_amount"`
	PendingAmount string `json:"pending_amount"`
	UnratedLines  int    `json:"unrated_lines"`
}

func toPendingDTO(p billing.PendingPayout) PendingPayoutDTO {
	return PendingPayoutDTO{
		CaseID:        string(p.CaseID),
		DoctorID:      string(p.PhysicianID),
		CaseNumber:    p.CaseNumber,
		PatientName:   p.PatientName,
		DoctorName:    p.PhysicianName,
		HospitalTotal: money(p.HospitalTotal),
		PendingAmount: money(p.PendingAmount),
		UnratedLines:  p.UnratedLines,
	}
}

type ReconcileItemDTO struct {
	CaseID   string `json:"case_id"`
	DoctorID string `json:"doctor_id"`
	PayoutID string `json:"payout_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ReconcileResponse struct {
	Synced  int                `json:"synced"`
	Failed  int                `json:"failed"`
	Results []ReconcileItemDTO `json:"results"`
}

func toReconcileResponse(results []billing.ReconcileResult) ReconcileResponse {
	resp := ReconcileResponse{Results: make([]ReconcileItemDTO, len(results))}
	for i, r := range results {
		item := ReconcileItemDTO{
			CaseID:   string(r.Pending.CaseID),
			DoctorID: string(r.Pending.PhysicianID),
			PayoutID: string(r.Payout.ID),
		}
		if r.Err != nil {
			item.Error = r.Err.Error()
			resp.Failed++
		} else {
			resp.Synced++
		}
		resp.Results[i] = item
	}
	return resp
}

type MigrateLegacyResponse struct {
	CaseID   string `json:"case_id"`
	Migrated int    `json:"migrated"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response. Balance is set for
// close rejections so the client can show what is still owed.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
	Balance string `json:"balance,omitempty"`
}

// =============================================================================
// FORMAT HELPERS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func datePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

// parseDate accepts YYYY-MM-DD or RFC3339. Empty input is the zero time,
// which the engine replaces with now.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, &billing.ValidationError{
		Field:   field,
		Message: fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", s),
	}
}
