/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and the database, and between the
  engine and the services it consumes but does not own (charge catalog,
  physician rate table, display-name directory, case-number allocator).

KEY INTERFACES:
  CaseStore:     Case records
  ChargeStore:   Unified charges plus the legacy physician-charge read path
  PaymentStore:  Payments
  PayoutStore:   Payout ledger with an atomic totals upsert
  Store:         All of the above
  Catalog, RateTable, Directory, SequenceAllocator: consumed collaborators
  AuditLog:      Append-only record of admin overrides

ATOMIC PAYOUT UPSERT:
  UpsertPayoutTotals must be a single conditional write keyed by
  (case, physician) over non-cancelled rows: insert a pending payout when
  none is active, otherwise overwrite only the two totals and the unrated
  marker. Settlement fields are never touched by it.

ATOMIC SEQUENCES:
  NextSequence must increment-and-read in one step. "Read max, add one" is
  not an acceptable implementation.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go: SQLite
  - store/redis/redis.go: SequenceAllocator and Locker only
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Source records and the payout ledger
// =============================================================================

type CaseStore interface {
	CreateCase(ctx context.Context, c Case) error
	// GetCase returns ErrNotFound when the case does not exist.
	GetCase(ctx context.Context, id CaseID) (Case, error)
	UpdateCase(ctx context.Context, c Case) error
	// DeleteCase removes the case with its charges, legacy rows, payments and
	// unsettled (pending or cancelled) payouts. Settled payouts are kept.
	DeleteCase(ctx context.Context, id CaseID) error
}

type ChargeStore interface {
	// SaveCharge inserts or replaces a charge by ID.
	SaveCharge(ctx context.Context, c CaseCharge) error
	GetCharge(ctx context.Context, id ChargeID) (CaseCharge, error)
	DeleteCharge(ctx context.Context, id ChargeID) error
	ChargesByCase(ctx context.Context, caseID CaseID) ([]CaseCharge, error)
	ChargesByPair(ctx context.Context, key CasePhysician) ([]CaseCharge, error)

	// PhysicianCatalogPairs lists every (case, physician) pair with at least
	// one charge that references both a physician and a catalog entry.
	PhysicianCatalogPairs(ctx context.Context) ([]CasePhysician, error)

	// Legacy physician-charge store (read and drain only).
	LegacyPhysicianCharges(ctx context.Context, caseID CaseID) ([]LegacyPhysicianCharge, error)
	DeleteLegacyPhysicianCharge(ctx context.Context, id string) error
}

type PaymentStore interface {
	SavePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (Payment, error)
	DeletePayment(ctx context.Context, id PaymentID) error
	PaymentsByCase(ctx context.Context, caseID CaseID) ([]Payment, error)
}

type PayoutStore interface {
	// ActivePayout returns the non-cancelled payout for the pair, or ErrNotFound.
	ActivePayout(ctx context.Context, key CasePhysician) (Payout, error)

	// UpsertPayoutTotals atomically creates or updates the active payout for
	// p.Key(). On insert p is stored as given (status forced to pending). On
	// update only the totals, UnratedLines and UpdatedAt change. Returns the
	// stored record and whether it was created.
	UpsertPayoutTotals(ctx context.Context, p Payout) (Payout, bool, error)

	GetPayout(ctx context.Context, id PayoutID) (Payout, error)
	SavePayoutSettlement(ctx context.Context, id PayoutID, s PayoutSettlement, at time.Time) error
	ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	CaseStore
	ChargeStore
	PaymentStore
	PayoutStore
}

// =============================================================================
// COLLABORATORS - Consumed, not owned
// =============================================================================

// Catalog looks up charge definitions.
type Catalog interface {
	// CatalogEntry returns ErrNotFound for unknown ids.
	CatalogEntry(ctx context.Context, id CatalogEntryID) (CatalogEntry, error)
}

// RateTable looks up a physician's per-unit share.
type RateTable interface {
	// PhysicianRate reports found=false when no rate is configured for the pair.
	PhysicianRate(ctx context.Context, physician PhysicianID, entry CatalogEntryID) (amount decimal.Decimal, found bool, err error)
}

// Directory supplies display names for denormalized payout fields.
type Directory interface {
	PhysicianName(ctx context.Context, id PhysicianID) (string, error)
	PatientName(ctx context.Context, id PatientID) (string, error)
}

// SequenceAllocator hands out per-year case sequence numbers. The first value
// for a year is FirstCaseSequence.
type SequenceAllocator interface {
	NextSequence(ctx context.Context, year int) (int64, error)
}

// FirstCaseSequence is the first case sequence number of every year.
const FirstCaseSequence = 1000

// =============================================================================
// AUDIT LOG - Admin overrides on closed cases
// =============================================================================

type AuditAction string

const (
	AuditChargeSaved    AuditAction = "charge_saved"
	AuditChargeDeleted  AuditAction = "charge_deleted"
	AuditPaymentSaved   AuditAction = "payment_saved"
	AuditPaymentDeleted AuditAction = "payment_deleted"
	AuditDiscountSet    AuditAction = "discount_set"
	AuditLegacyMigrated AuditAction = "legacy_migrated"
)

// AuditEntry records an admin mutation of a closed case.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	CaseID    CaseID
	Ref       string
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditByCase(ctx context.Context, caseID CaseID) ([]AuditEntry, error)
}
