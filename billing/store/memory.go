// Package store provides an in-memory billing.Store together with the
// collaborators the engine consumes.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/care-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	cases     map[billing.CaseID]billing.Case
	charges   map[billing.ChargeID]billing.CaseCharge
	legacy    map[string]billing.LegacyPhysicianCharge
	payments  map[billing.PaymentID]billing.Payment
	payouts   map[billing.PayoutID]billing.Payout
	sequences map[int]int64
	audit     []billing.AuditEntry

	catalog    map[billing.CatalogEntryID]billing.CatalogEntry
	rates      map[rateKey]decimal.Decimal
	physicians map[billing.PhysicianID]string
	patients   map[billing.PatientID]string
}

type rateKey struct {
	physician billing.PhysicianID
	entry     billing.CatalogEntryID
}

func NewMemory() *Memory {
	return &Memory{
		cases:      make(map[billing.CaseID]billing.Case),
		charges:    make(map[billing.ChargeID]billing.CaseCharge),
		legacy:     make(map[string]billing.LegacyPhysicianCharge),
		payments:   make(map[billing.PaymentID]billing.Payment),
		payouts:    make(map[billing.PayoutID]billing.Payout),
		sequences:  make(map[int]int64),
		catalog:    make(map[billing.CatalogEntryID]billing.CatalogEntry),
		rates:      make(map[rateKey]decimal.Decimal),
		physicians: make(map[billing.PhysicianID]string),
		patients:   make(map[billing.PatientID]string),
	}
}

// Collaborators returns the memory store wired as every collaborator.
func (m *Memory) Collaborators() billing.Collaborators {
	return billing.Collaborators{Catalog: m, Rates: m, Directory: m, Sequences: m}
}

// =============================================================================
// CASES
// =============================================================================

func (m *Memory) CreateCase(_ context.Context, c billing.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = c
	return nil
}

func (m *Memory) GetCase(_ context.Context, id billing.CaseID) (billing.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return billing.Case{}, &billing.NotFoundError{Kind: "case", ID: string(id)}
	}
	return c, nil
}

func (m *Memory) UpdateCase(_ context.Context, c billing.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return &billing.NotFoundError{Kind: "case", ID: string(c.ID)}
	}
	m.cases[c.ID] = c
	return nil
}

func (m *Memory) DeleteCase(_ context.Context, id billing.CaseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[id]; !ok {
		return &billing.NotFoundError{Kind: "case", ID: string(id)}
	}
	delete(m.cases, id)
	for k, c := range m.charges {
		if c.CaseID == id {
			delete(m.charges, k)
		}
	}
	for k, l := range m.legacy {
		if l.CaseID == id {
			delete(m.legacy, k)
		}
	}
	for k, p := range m.payments {
		if p.CaseID == id {
			delete(m.payments, k)
		}
	}
	for k, p := range m.payouts {
		if p.CaseID == id && (p.Settlement.Status == billing.PayoutPending || p.Settlement.Status == billing.PayoutCancelled) {
			delete(m.payouts, k)
		}
	}
	return nil
}

// =============================================================================
// CHARGES
// =============================================================================

func (m *Memory) SaveCharge(_ context.Context, c billing.CaseCharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges[c.ID] = c
	return nil
}

func (m *Memory) GetCharge(_ context.Context, id billing.ChargeID) (billing.CaseCharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.charges[id]
	if !ok {
		return billing.CaseCharge{}, &billing.NotFoundError{Kind: "charge", ID: string(id)}
	}
	return c, nil
}

func (m *Memory) DeleteCharge(_ context.Context, id billing.ChargeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.charges[id]; !ok {
		return &billing.NotFoundError{Kind: "charge", ID: string(id)}
	}
	delete(m.charges, id)
	return nil
}

func (m *Memory) ChargesByCase(_ context.Context, caseID billing.CaseID) ([]billing.CaseCharge, error) {
	return m.filterCharges(func(c billing.CaseCharge) bool { return c.CaseID == caseID }), nil
}

func (m *Memory) ChargesByPair(_ context.Context, key billing.CasePhysician) ([]billing.CaseCharge, error) {
	return m.filterCharges(func(c billing.CaseCharge) bool {
		return c.CaseID == key.CaseID && c.PhysicianID == key.PhysicianID
	}), nil
}

func (m *Memory) filterCharges(keep func(billing.CaseCharge) bool) []billing.CaseCharge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.CaseCharge
	for _, c := range m.charges {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ChargeDate.Equal(out[j].ChargeDate) {
			return out[i].ChargeDate.Before(out[j].ChargeDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) PhysicianCatalogPairs(_ context.Context) ([]billing.CasePhysician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[billing.CasePhysician]bool)
	var out []billing.CasePhysician
	for _, c := range m.charges {
		if c.PhysicianID == "" || c.CatalogEntryID == "" {
			continue
		}
		k := billing.CasePhysician{CaseID: c.CaseID, PhysicianID: c.PhysicianID}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// AddLegacyPhysicianCharge seeds a row in the legacy physician-charge store.
func (m *Memory) AddLegacyPhysicianCharge(l billing.LegacyPhysicianCharge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy[l.ID] = l
}

func (m *Memory) LegacyPhysicianCharges(_ context.Context, caseID billing.CaseID) ([]billing.LegacyPhysicianCharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.LegacyPhysicianCharge
	for _, l := range m.legacy {
		if l.CaseID == caseID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteLegacyPhysicianCharge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.legacy, id)
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) SavePayment(_ context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id billing.PaymentID) (billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return billing.Payment{}, &billing.NotFoundError{Kind: "payment", ID: string(id)}
	}
	return p, nil
}

func (m *Memory) DeletePayment(_ context.Context, id billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[id]; !ok {
		return &billing.NotFoundError{Kind: "payment", ID: string(id)}
	}
	delete(m.payments, id)
	return nil
}

func (m *Memory) PaymentsByCase(_ context.Context, caseID billing.CaseID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Payment
	for _, p := range m.payments {
		if p.CaseID == caseID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidOn.Equal(out[j].PaidOn) {
			return out[i].PaidOn.Before(out[j].PaidOn)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

func (m *Memory) ActivePayout(_ context.Context, key billing.CasePhysician) (billing.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.activeLocked(key); ok {
		return p, nil
	}
	return billing.Payout{}, &billing.NotFoundError{Kind: "payout", ID: key.String()}
}

func (m *Memory) activeLocked(key billing.CasePhysician) (billing.Payout, bool) {
	for _, p := range m.payouts {
		if p.Key() == key && p.Settlement.Status != billing.PayoutCancelled {
			return p, true
		}
	}
	return billing.Payout{}, false
}

// UpsertPayoutTotals checks and writes under one exclusive lock, which makes
// it the in-memory equivalent of the SQLite conditional upsert.
func (m *Memory) UpsertPayoutTotals(_ context.Context, p billing.Payout) (billing.Payout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.activeLocked(p.Key()); ok {
		existing.TotalChargeAmount = p.TotalChargeAmount
		existing.DoctorChargeAmount = p.DoctorChargeAmount
		existing.UnratedLines = p.UnratedLines
		existing.UpdatedAt = p.UpdatedAt
		m.payouts[existing.ID] = existing
		return existing, false, nil
	}

	p.Settlement = billing.PayoutSettlement{Status: billing.PayoutPending}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	m.payouts[p.ID] = p
	return p, true, nil
}

func (m *Memory) GetPayout(_ context.Context, id billing.PayoutID) (billing.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[id]
	if !ok {
		return billing.Payout{}, &billing.NotFoundError{Kind: "payout", ID: string(id)}
	}
	return p, nil
}

func (m *Memory) SavePayoutSettlement(_ context.Context, id billing.PayoutID, s billing.PayoutSettlement, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return &billing.NotFoundError{Kind: "payout", ID: string(id)}
	}
	p.Settlement = s
	p.UpdatedAt = at
	m.payouts[id] = p
	return nil
}

func (m *Memory) ListPayouts(_ context.Context, f billing.PayoutFilter) ([]billing.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Payout
	for _, p := range m.payouts {
		if f.CaseID != "" && p.CaseID != f.CaseID {
			continue
		}
		if f.PhysicianID != "" && p.PhysicianID != f.PhysicianID {
			continue
		}
		if f.Status != "" && p.Settlement.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// SEQUENCES & AUDIT
// =============================================================================

func (m *Memory) NextSequence(_ context.Context, year int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.sequences[year]
	if !ok {
		next = billing.FirstCaseSequence
	} else {
		next++
	}
	m.sequences[year] = next
	return next, nil
}

func (m *Memory) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) AuditByCase(_ context.Context, caseID billing.CaseID) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.AuditEntry
	for _, e := range m.audit {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// COLLABORATORS - Catalog, rates, directory
// =============================================================================

func (m *Memory) PutCatalogEntry(e billing.CatalogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[e.ID] = e
}

func (m *Memory) CatalogEntry(_ context.Context, id billing.CatalogEntryID) (billing.CatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.catalog[id]
	if !ok {
		return billing.CatalogEntry{}, &billing.NotFoundError{Kind: "catalog entry", ID: string(id)}
	}
	return e, nil
}

func (m *Memory) PutRate(physician billing.PhysicianID, entry billing.CatalogEntryID, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[rateKey{physician, entry}] = amount
}

func (m *Memory) PhysicianRate(_ context.Context, physician billing.PhysicianID, entry billing.CatalogEntryID) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	amount, ok := m.rates[rateKey{physician, entry}]
	return amount, ok, nil
}

func (m *Memory) PutPhysician(id billing.PhysicianID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.physicians[id] = name
}

func (m *Memory) PutPatient(id billing.PatientID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[id] = name
}

func (m *Memory) PhysicianName(_ context.Context, id billing.PhysicianID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.physicians[id]
	if !ok {
		return "", &billing.NotFoundError{Kind: "physician", ID: string(id)}
	}
	return name, nil
}

func (m *Memory) PatientName(_ context.Context, id billing.PatientID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.patients[id]
	if !ok {
		return "", &billing.NotFoundError{Kind: "patient", ID: string(id)}
	}
	return name, nil
}
