/*
Package sqlite provides a SQLite-backed implementation of billing.Store and
of the collaborators the engine consumes.

PURPOSE:
  Implements billing.Store, billing.AuditLog, billing.Catalog,
  billing.RateTable, billing.Directory and billing.SequenceAllocator on one
  database. In production the same patterns apply to PostgreSQL with minor
  dialect differences.

KEY TABLES:
  cases:                     Case header, discount, lifecycle status
  case_charges:              Unified charge lines (hospital and physician)
  legacy_physician_charges:  Legacy physician fees (read and drain only)
  payments:                  Payments against a case
  payouts:                   Payout ledger, one active row per (case, physician)
  case_sequences:            Per-year case number counters
  charge_catalog, physician_rates, physicians, patients: collaborator data
  audit_log:                 Admin overrides on closed cases

ATOMIC WRITES:
  - idx_payouts_active is a partial unique index on (case_id, physician_id)
    over non-cancelled rows. UpsertPayoutTotals is a single
    INSERT ... ON CONFLICT ... DO UPDATE against it, so concurrent
    synchronizers for the same pair can never create two active payouts.
  - NextSequence is one INSERT ... ON CONFLICT DO UPDATE ... RETURNING.

MONEY:
  Decimal amounts are stored as TEXT to keep exact precision.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, store.Collaborators(), billing.WithAuditLog(store))

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/care-billing/billing"
)

// Store implements the billing persistence and collaborator interfaces.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Collaborators returns the store wired as every collaborator.
func (s *Store) Collaborators() billing.Collaborators {
	return billing.Collaborators{Catalog: s, Rates: s, Directory: s, Sequences: s}
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		discount TEXT NOT NULL DEFAULT '0',
		closed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS case_charges (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		catalog_entry_id TEXT,
		physician_id TEXT,
		kind TEXT NOT NULL,
		line_type TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		unit_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL DEFAULT '0',
		total_override BOOLEAN DEFAULT FALSE,
		description TEXT,
		charge_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_charges_case
		ON case_charges(case_id, charge_date);
	CREATE INDEX IF NOT EXISTS idx_charges_case_physician
		ON case_charges(case_id, physician_id) WHERE physician_id IS NOT NULL;

	-- Legacy physician fees: amount only, no catalog reference
	CREATE TABLE IF NOT EXISTS legacy_physician_charges (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		physician_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		charged_on TEXT NOT NULL,
		description TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_legacy_charges_case
		ON legacy_physician_charges(case_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_on TEXT NOT NULL,
		mode TEXT,
		reference TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_case
		ON payments(case_id, paid_on);

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		physician_id TEXT NOT NULL,
		physician_name TEXT,
		case_number TEXT,
		patient_name TEXT,
		case_kind TEXT,
		total_charge_amount TEXT NOT NULL DEFAULT '0',
		doctor_charge_amount TEXT NOT NULL DEFAULT '0',
		unrated_lines INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		partial_payment_amount TEXT NOT NULL DEFAULT '0',
		settled_on TEXT,
		mode TEXT,
		reference TEXT,
		comment TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one non-cancelled payout per (case, physician)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payouts_active
		ON payouts(case_id, physician_id) WHERE status <> 'cancelled';
	CREATE INDEX IF NOT EXISTS idx_payouts_status
		ON payouts(status);

	CREATE TABLE IF NOT EXISTS case_sequences (
		year INTEGER PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS charge_catalog (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		categories_json TEXT NOT NULL DEFAULT '[]',
		rate TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS physician_rates (
		id TEXT PRIMARY KEY,
		physician_id TEXT NOT NULL,
		catalog_entry_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		UNIQUE(physician_id, catalog_entry_id)
	);

	CREATE TABLE IF NOT EXISTS physicians (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		case_id TEXT NOT NULL,
		ref TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_case
		ON audit_log(case_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CASES
// =============================================================================

const caseColumns = "id, number, patient_id, kind, status, discount, closed_at, created_at, updated_at"

func (s *Store) CreateCase(ctx context.Context, c billing.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO cases ("+caseColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		c.ID, c.Number, c.PatientID, c.Kind, c.Status, c.Discount.String(),
		nullTime(c.ClosedAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("case number %s already allocated: %w", c.Number, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create case: %w", err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, id billing.CaseID) (billing.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanCase(s.db.QueryRowContext(ctx, "SELECT "+caseColumns+" FROM cases WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return billing.Case{}, &billing.NotFoundError{Kind: "case", ID: string(id)}
	}
	return c, err
}

func (s *Store) UpdateCase(ctx context.Context, c billing.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET patient_id = ?, kind = ?, status = ?, discount = ?, closed_at = ?, updated_at = ?
		WHERE id = ?`,
		c.PatientID, c.Kind, c.Status, c.Discount.String(), nullTime(c.ClosedAt), formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	return requireRow(res, "case", string(c.ID))
}

// DeleteCase removes the case and its dependent rows in one transaction.
// Settled payouts (paid, partial_paid) are kept as history.
func (s *Store) DeleteCase(ctx context.Context, id billing.CaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM cases WHERE id = ?", id)
	if err != nil {
		return err
	}
	if err := requireRow(res, "case", string(id)); err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM case_charges WHERE case_id = ?",
		"DELETE FROM legacy_physician_charges WHERE case_id = ?",
		"DELETE FROM payments WHERE case_id = ?",
		"DELETE FROM payouts WHERE case_id = ? AND status IN ('pending', 'cancelled')",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete case rows: %w", err)
		}
	}
	return tx.Commit()
}

func scanCase(row interface{ Scan(...any) error }) (billing.Case, error) {
	var (
		c                    billing.Case
		discount             string
		closedAt             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.Number, &c.PatientID, &c.Kind, &c.Status, &discount, &closedAt, &createdAt, &updatedAt); err != nil {
		return billing.Case{}, err
	}
	c.Discount = parseDecimal(discount)
	c.ClosedAt = parseNullTime(closedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, case_id, catalog_entry_id, physician_id, kind, line_type, quantity,
	unit_amount, total_amount, total_override, description, charge_date, created_at, updated_at`

func (s *Store) SaveCharge(ctx context.Context, c billing.CaseCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO case_charges (` + chargeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			catalog_entry_id = excluded.catalog_entry_id,
			physician_id = excluded.physician_id,
			kind = excluded.kind,
			line_type = excluded.line_type,
			quantity = excluded.quantity,
			unit_amount = excluded.unit_amount,
			total_amount = excluded.total_amount,
			total_override = excluded.total_override,
			description = excluded.description,
			charge_date = excluded.charge_date,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CaseID, nullString(string(c.CatalogEntryID)), nullString(string(c.PhysicianID)),
		c.Kind, c.Line, c.Quantity, c.UnitAmount.String(), c.TotalAmount.String(), c.TotalOverride,
		c.Description, formatTime(c.ChargeDate), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save charge: %w", err)
	}
	return nil
}

func (s *Store) GetCharge(ctx context.Context, id billing.ChargeID) (billing.CaseCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanCharge(s.db.QueryRowContext(ctx, "SELECT "+chargeColumns+" FROM case_charges WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return billing.CaseCharge{}, &billing.NotFoundError{Kind: "charge", ID: string(id)}
	}
	return c, err
}

func (s *Store) DeleteCharge(ctx context.Context, id billing.ChargeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM case_charges WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete charge: %w", err)
	}
	return requireRow(res, "charge", string(id))
}

func (s *Store) ChargesByCase(ctx context.Context, caseID billing.CaseID) ([]billing.CaseCharge, error) {
	return s.queryCharges(ctx,
		"SELECT "+chargeColumns+" FROM case_charges WHERE case_id = ? ORDER BY charge_date, id", caseID)
}

func (s *Store) ChargesByPair(ctx context.Context, key billing.CasePhysician) ([]billing.CaseCharge, error) {
	return s.queryCharges(ctx,
		"SELECT "+chargeColumns+" FROM case_charges WHERE case_id = ? AND physician_id = ? ORDER BY charge_date, id",
		key.CaseID, key.PhysicianID)
}

func (s *Store) queryCharges(ctx context.Context, query string, args ...any) ([]billing.CaseCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []billing.CaseCharge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

func scanCharge(row interface{ Scan(...any) error }) (billing.CaseCharge, error) {
	var (
		c                        billing.CaseCharge
		entry, physician, desc   sql.NullString
		unit, total              string
		chargeDate, created, upd string
	)
	err := row.Scan(&c.ID, &c.CaseID, &entry, &physician, &c.Kind, &c.Line, &c.Quantity,
		&unit, &total, &c.TotalOverride, &desc, &chargeDate, &created, &upd)
	if err != nil {
		return billing.CaseCharge{}, err
	}
	c.CatalogEntryID = billing.CatalogEntryID(entry.String)
	c.PhysicianID = billing.PhysicianID(physician.String)
	c.Description = desc.String
	c.UnitAmount = parseDecimal(unit)
	c.TotalAmount = parseDecimal(total)
	c.ChargeDate = parseTime(chargeDate)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(upd)
	return c, nil
}

func (s *Store) PhysicianCatalogPairs(ctx context.Context) ([]billing.CasePhysician, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT case_id, physician_id FROM case_charges
		WHERE physician_id IS NOT NULL AND catalog_entry_id IS NOT NULL
		ORDER BY case_id, physician_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []billing.CasePhysician
	for rows.Next() {
		var k billing.CasePhysician
		if err := rows.Scan(&k.CaseID, &k.PhysicianID); err != nil {
			return nil, err
		}
		pairs = append(pairs, k)
	}
	return pairs, rows.Err()
}

// =============================================================================
// LEGACY PHYSICIAN CHARGES
// =============================================================================

// AddLegacyPhysicianCharge writes a row in the legacy format. Used by imports
// and tests; the engine only reads and drains this table.
func (s *Store) AddLegacyPhysicianCharge(ctx context.Context, l billing.LegacyPhysicianCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO legacy_physician_charges (id, case_id, physician_id, amount, charged_on, description)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.CaseID, l.PhysicianID, l.Amount.String(), formatTime(l.ChargedOn), l.Description,
	)
	return err
}

func (s *Store) LegacyPhysicianCharges(ctx context.Context, caseID billing.CaseID) ([]billing.LegacyPhysicianCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, physician_id, amount, charged_on, description
		FROM legacy_physician_charges WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.LegacyPhysicianCharge
	for rows.Next() {
		var (
			l               billing.LegacyPhysicianCharge
			amount, charged string
			desc            sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.CaseID, &l.PhysicianID, &amount, &charged, &desc); err != nil {
			return nil, err
		}
		l.Amount = parseDecimal(amount)
		l.ChargedOn = parseTime(charged)
		l.Description = desc.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLegacyPhysicianCharge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM legacy_physician_charges WHERE id = ?", id)
	return err
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = "id, case_id, amount, paid_on, mode, reference, notes, created_at, updated_at"

func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			paid_on = excluded.paid_on,
			mode = excluded.mode,
			reference = excluded.reference,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.CaseID, p.Amount.String(), formatTime(p.PaidOn), p.Mode, p.Reference, p.Notes,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id billing.PaymentID) (billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPayment(s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return billing.Payment{}, &billing.NotFoundError{Kind: "payment", ID: string(id)}
	}
	return p, err
}

func (s *Store) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM payments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return requireRow(res, "payment", string(id))
}

func (s *Store) PaymentsByCase(ctx context.Context, caseID billing.CaseID) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE case_id = ? ORDER BY paid_on, id", caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row interface{ Scan(...any) error }) (billing.Payment, error) {
	var (
		p                      billing.Payment
		amount, paidOn         string
		mode, reference, notes sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(&p.ID, &p.CaseID, &amount, &paidOn, &mode, &reference, &notes, &createdAt, &updatedAt); err != nil {
		return billing.Payment{}, err
	}
	p.Amount = parseDecimal(amount)
	p.PaidOn = parseTime(paidOn)
	p.Mode = mode.String
	p.Reference = reference.String
	p.Notes = notes.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, case_id, physician_id, physician_name, case_number, patient_name, case_kind,
	total_charge_amount, doctor_charge_amount, unrated_lines, status, partial_payment_amount,
	settled_on, mode, reference, comment, created_at, updated_at`

func (s *Store) ActivePayout(ctx context.Context, key billing.CasePhysician) (billing.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPayout(s.db.QueryRowContext(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE case_id = ? AND physician_id = ? AND status <> 'cancelled'",
		key.CaseID, key.PhysicianID))
	if err == sql.ErrNoRows {
		return billing.Payout{}, &billing.NotFoundError{Kind: "payout", ID: key.String()}
	}
	return p, err
}

// UpsertPayoutTotals inserts a pending payout or, when an active one exists
// for the pair, overwrites only its totals. The RETURNING id tells the two
// apart: an insert returns the id that was offered.
func (s *Store) UpsertPayoutTotals(ctx context.Context, p billing.Payout) (billing.Payout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	query := `
		INSERT INTO payouts (id, case_id, physician_id, physician_name, case_number, patient_name, case_kind,
			total_charge_amount, doctor_charge_amount, unrated_lines, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(case_id, physician_id) WHERE status <> 'cancelled' DO UPDATE SET
			total_charge_amount = excluded.total_charge_amount,
			doctor_charge_amount = excluded.doctor_charge_amount,
			unrated_lines = excluded.unrated_lines,
			updated_at = excluded.updated_at
		RETURNING id
	`
	var id billing.PayoutID
	err := s.db.QueryRowContext(ctx, query,
		p.ID, p.CaseID, p.PhysicianID, p.PhysicianName, p.CaseNumber, p.PatientName, p.CaseKind,
		p.TotalChargeAmount.String(), p.DoctorChargeAmount.String(), p.UnratedLines,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return billing.Payout{}, false, fmt.Errorf("failed to upsert payout: %w", err)
	}

	stored, err := scanPayout(s.db.QueryRowContext(ctx, "SELECT "+payoutColumns+" FROM payouts WHERE id = ?", id))
	if err != nil {
		return billing.Payout{}, false, err
	}
	return stored, id == p.ID, nil
}

func (s *Store) GetPayout(ctx context.Context, id billing.PayoutID) (billing.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPayout(s.db.QueryRowContext(ctx, "SELECT "+payoutColumns+" FROM payouts WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return billing.Payout{}, &billing.NotFoundError{Kind: "payout", ID: string(id)}
	}
	return p, err
}

func (s *Store) SavePayoutSettlement(ctx context.Context, id billing.PayoutID, st billing.PayoutSettlement, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET status = ?, partial_payment_amount = ?, settled_on = ?,
			mode = ?, reference = ?, comment = ?, updated_at = ?
		WHERE id = ?`,
		st.Status, st.PartialAmount.String(), nullTime(st.SettledOn),
		nullString(st.Mode), nullString(st.Reference), nullString(st.Comment), formatTime(at), id,
	)
	if isUniqueConstraintError(err) {
		return &billing.ValidationError{Field: "status", Message: "another active payout exists for this case and physician"}
	}
	if err != nil {
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	return requireRow(res, "payout", string(id))
}

func (s *Store) ListPayouts(ctx context.Context, f billing.PayoutFilter) ([]billing.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.CaseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, f.CaseID)
	}
	if f.PhysicianID != "" {
		where = append(where, "physician_id = ?")
		args = append(args, f.PhysicianID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := "SELECT " + payoutColumns + " FROM payouts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []billing.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func scanPayout(row interface{ Scan(...any) error }) (billing.Payout, error) {
	var (
		p                                   billing.Payout
		physName, caseNumber, patient, kind sql.NullString
		total, share, partial               string
		settledOn, mode, reference, comment sql.NullString
		createdAt, updatedAt                string
	)
	err := row.Scan(&p.ID, &p.CaseID, &p.PhysicianID, &physName, &caseNumber, &patient, &kind,
		&total, &share, &p.UnratedLines, &p.Settlement.Status, &partial,
		&settledOn, &mode, &reference, &comment, &createdAt, &updatedAt)
	if err != nil {
		return billing.Payout{}, err
	}
	p.PhysicianName = physName.String
	p.CaseNumber = caseNumber.String
	p.PatientName = patient.String
	p.CaseKind = billing.CaseKind(kind.String)
	p.TotalChargeAmount = parseDecimal(total)
	p.DoctorChargeAmount = parseDecimal(share)
	p.Settlement.PartialAmount = parseDecimal(partial)
	p.Settlement.SettledOn = parseNullTime(settledOn)
	p.Settlement.Mode = mode.String
	p.Settlement.Reference = reference.String
	p.Settlement.Comment = comment.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// SEQUENCES
// =============================================================================

// NextSequence increments and reads the year's counter in one statement.
func (s *Store) NextSequence(ctx context.Context, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO case_sequences (year, value) VALUES (?, ?)
		ON CONFLICT(year) DO UPDATE SET value = case_sequences.value + 1
		RETURNING value`,
		year, billing.FirstCaseSequence,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for %d: %w", year, err)
	}
	return value, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_log (id, ts, actor_id, action, case_id, ref) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, formatTime(e.Timestamp), e.ActorID, e.Action, e.CaseID, nullString(e.Ref),
	)
	return err
}

func (s *Store) AuditByCase(ctx context.Context, caseID billing.CaseID) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, actor_id, action, case_id, ref FROM audit_log WHERE case_id = ? ORDER BY ts, id", caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var (
			e   billing.AuditEntry
			ts  string
			ref sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &e.CaseID, &ref); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Ref = ref.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// COLLABORATORS - Catalog, rates, directory
// =============================================================================

func (s *Store) SaveCatalogEntry(ctx context.Context, e billing.CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	categories, err := json.Marshal(e.Categories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO charge_catalog (id, name, categories_json, rate) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			categories_json = excluded.categories_json,
			rate = excluded.rate`,
		e.ID, e.Name, string(categories), e.Rate.String(),
	)
	return err
}

func (s *Store) CatalogEntry(ctx context.Context, id billing.CatalogEntryID) (billing.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e                billing.CatalogEntry
		categories, rate string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, categories_json, rate FROM charge_catalog WHERE id = ?", id,
	).Scan(&e.ID, &e.Name, &categories, &rate)
	if err == sql.ErrNoRows {
		return billing.CatalogEntry{}, &billing.NotFoundError{Kind: "catalog entry", ID: string(id)}
	}
	if err != nil {
		return billing.CatalogEntry{}, err
	}
	if err := json.Unmarshal([]byte(categories), &e.Categories); err != nil {
		return billing.CatalogEntry{}, fmt.Errorf("catalog entry %s categories: %w", id, err)
	}
	e.Rate = parseDecimal(rate)
	return e, nil
}

func (s *Store) SavePhysicianRate(ctx context.Context, r billing.PhysicianRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = billing.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO physician_rates (id, physician_id, catalog_entry_id, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT(physician_id, catalog_entry_id) DO UPDATE SET amount = excluded.amount`,
		r.ID, r.PhysicianID, r.CatalogEntryID, r.Amount.String(),
	)
	return err
}

func (s *Store) PhysicianRate(ctx context.Context, physician billing.PhysicianID, entry billing.CatalogEntryID) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var amount string
	err := s.db.QueryRowContext(ctx,
		"SELECT amount FROM physician_rates WHERE physician_id = ? AND catalog_entry_id = ?",
		physician, entry,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return parseDecimal(amount), true, nil
}

func (s *Store) SavePhysician(ctx context.Context, id billing.PhysicianID, name string) error {
	return s.saveName(ctx, "physicians", string(id), name)
}

func (s *Store) SavePatient(ctx context.Context, id billing.PatientID, name string) error {
	return s.saveName(ctx, "patients", string(id), name)
}

func (s *Store) PhysicianName(ctx context.Context, id billing.PhysicianID) (string, error) {
	return s.lookupName(ctx, "physicians", "physician", string(id))
}

func (s *Store) PatientName(ctx context.Context, id billing.PatientID) (string, error) {
	return s.lookupName(ctx, "patients", "patient", string(id))
}

// table is always one of the two constants above.
func (s *Store) saveName(ctx context.Context, table, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name",
		id, name)
	return err
}

func (s *Store) lookupName(ctx context.Context, table, kind, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM "+table+" WHERE id = ?", id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", &billing.NotFoundError{Kind: kind, ID: id}
	}
	return name, err
}

// =============================================================================
// UTILITY
// =============================================================================

// Reset clears all data (for testing and demo reloads).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"cases", "case_charges", "legacy_physician_charges", "payments", "payouts",
		"case_sequences", "charge_catalog", "physician_rates", "physicians", "patients", "audit_log",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &billing.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
