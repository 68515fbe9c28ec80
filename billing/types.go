/*
Package billing provides the case billing and payout reconciliation engine.

PURPOSE:
  This package owns the rules that turn mutable source records (charges,
  payments, a case-level discount) into a case balance, gate the "close case"
  transition on that balance, and keep a derived per-(case, physician) payout
  ledger in step with the charges that feed it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts with a fixed 0.01 tolerance for zero checks
  - Case: a billable episode of care with an open/closed lifecycle
  - CaseCharge: a line item, either a HospitalLine or a PhysicianLine
  - Payment: an amount received against a case
  - Payout: the derived (case, physician) record of a physician's share
  - Actor: who is calling, and whether they hold the admin capability

DESIGN PRINCIPLES:
  1. Derived, never stored: the balance is recomputed from source records
  2. Precision: decimal.Decimal for all money, tolerance only at comparisons
  3. Type Safety: distinct ID types for cases, charges, physicians, payouts
  4. One charge shape: legacy physician rows are read through the same
     CaseCharge type (see legacy.go)

USAGE:
  engine := billing.NewEngine(store, billing.Collaborators{...}, opts...)
  bal, err := engine.ComputeBalance(ctx, caseID)
  if bal.IsSettled() {
      err = engine.CloseCase(ctx, caseID, actor)
  }

SEE ALSO:
  - balance.go: Balance calculator
  - lifecycle.go: Close gate and closed-case mutation rules
  - payout.go: Payout synchronizer
  - scanner.go: Pending-payout reconciliation sweep
*/
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Epsilon is the tolerance for every equality check against zero.
var Epsilon = decimal.New(1, -2)

// IsZeroAmount reports whether |d| < Epsilon.
func IsZeroAmount(d decimal.Decimal) bool {
	return d.Abs().LessThan(Epsilon)
}

// Sum adds a list of amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CaseID string
type ChargeID string
type PaymentID string
type PayoutID string
type PhysicianID string
type PatientID string
type CatalogEntryID string

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

// CasePhysician is the compound key of the payout ledger.
type CasePhysician struct {
	CaseID      CaseID
	PhysicianID PhysicianID
}

func (k CasePhysician) String() string {
	return string(k.CaseID) + ":" + string(k.PhysicianID)
}

// =============================================================================
// ACTOR - Caller identity and capability
// =============================================================================

// Actor identifies the caller of a mutating operation. Admin is the
// capability that permits edits to closed cases.
type Actor struct {
	ID    string
	Admin bool
}

// System is the actor used by internal sweeps and migrations.
var System = Actor{ID: "system"}

// =============================================================================
// CASE
// =============================================================================

type CaseKind string

const (
	CaseOutpatient CaseKind = "outpatient"
	CaseInpatient  CaseKind = "inpatient"
)

type CaseStatus string

const (
	CaseOpen   CaseStatus = "open"
	CaseClosed CaseStatus = "closed"
)

type Case struct {
	ID        CaseID
	Number    string
	PatientID PatientID
	Kind      CaseKind
	Status    CaseStatus
	Discount  decimal.Decimal
	ClosedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Case) IsClosed() bool { return c.Status == CaseClosed }

// =============================================================================
// CATALOG & RATES (owned by collaborators)
// =============================================================================

// CatalogEntry is a reusable charge definition.
type CatalogEntry struct {
	ID         CatalogEntryID
	Name       string
	Categories []string
	Rate       decimal.Decimal
}

// PhysicianRate is a physician's per-unit share for one catalog entry.
type PhysicianRate struct {
	ID             string
	PhysicianID    PhysicianID
	CatalogEntryID CatalogEntryID
	Amount         decimal.Decimal
}

// =============================================================================
// CASE CHARGE - Tagged variant: HospitalLine | PhysicianLine
// =============================================================================

// ChargeKind is the charge-kind tag supplied with a charge.
type ChargeKind string

const (
	KindHospital  ChargeKind = "hospital"
	KindPharmacy  ChargeKind = "pharmacy"
	KindPathology ChargeKind = "pathology"
	KindDoctor    ChargeKind = "doctor"
)

// LineType distinguishes the two charge shapes.
type LineType string

const (
	HospitalLine  LineType = "hospital_line"
	PhysicianLine LineType = "physician_line"
)

type CaseCharge struct {
	ID             ChargeID
	CaseID         CaseID
	CatalogEntryID CatalogEntryID // empty for freeform lines
	PhysicianID    PhysicianID    // empty when no physician is attached
	Kind           ChargeKind
	Line           LineType
	Quantity       int
	UnitAmount     decimal.Decimal
	TotalAmount    decimal.Decimal
	TotalOverride  bool
	Description    string
	ChargeDate     time.Time

	// Legacy is set on lines read from the legacy physician-charge store.
	Legacy bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPhysicianService reports whether this is a physician-service line.
func (c CaseCharge) IsPhysicianService() bool { return c.Line == PhysicianLine }

// HasPhysician reports whether a physician is attached.
func (c CaseCharge) HasPhysician() bool { return c.PhysicianID != "" }

// Pair returns the payout key this charge feeds, if any.
func (c CaseCharge) Pair() (CasePhysician, bool) {
	if !c.HasPhysician() {
		return CasePhysician{}, false
	}
	return CasePhysician{CaseID: c.CaseID, PhysicianID: c.PhysicianID}, true
}

// ComputedTotal returns quantity × unit amount.
func (c CaseCharge) ComputedTotal() decimal.Decimal {
	return c.UnitAmount.Mul(decimal.NewFromInt(int64(c.Quantity)))
}

// =============================================================================
// PAYMENT
// =============================================================================

type Payment struct {
	ID        PaymentID
	CaseID    CaseID
	Amount    decimal.Decimal
	PaidOn    time.Time
	Mode      string
	Reference string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// PAYOUT
// =============================================================================

type PayoutStatus string

const (
	PayoutPending     PayoutStatus = "pending"
	PayoutPartialPaid PayoutStatus = "partial_paid"
	PayoutPaid        PayoutStatus = "paid"
	PayoutCancelled   PayoutStatus = "cancelled"
)

func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutPending, PayoutPartialPaid, PayoutPaid, PayoutCancelled:
		return true
	}
	return false
}

type Payout struct {
	ID          PayoutID
	CaseID      CaseID
	PhysicianID PhysicianID

	// Denormalized at creation time only.
	PhysicianName string
	CaseNumber    string
	PatientName   string
	CaseKind      CaseKind

	TotalChargeAmount  decimal.Decimal
	DoctorChargeAmount decimal.Decimal
	// UnratedLines counts catalog lines with no configured physician rate.
	UnratedLines int

	Settlement PayoutSettlement

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Payout) Key() CasePhysician {
	return CasePhysician{CaseID: p.CaseID, PhysicianID: p.PhysicianID}
}

// PayoutSettlement holds the manually advanced settlement fields. The
// synchronizer never writes these.
type PayoutSettlement struct {
	Status        PayoutStatus
	PartialAmount decimal.Decimal
	SettledOn     *time.Time
	Mode          string
	Reference     string
	Comment       string
}

// PayoutFilter narrows ListPayouts.
type PayoutFilter struct {
	CaseID      CaseID
	PhysicianID PhysicianID
	Status      PayoutStatus
}
