/*
payout.go - Payout synchronizer and payout ledger operations

PURPOSE:
  Keeps one non-cancelled Payout per (case, physician) in step with the
  charges that feed it. Totals are always recomputed from scratch.

FORMULA (per pair):
  hospitalTotal = Σ total_amount over the pair's lines
  doctorShare   = Σ share(line)
    share(line) = rate(physician, entry) × quantity   catalog line with a rate
                = 0, UnratedLines++                     catalog line, no rate
                = total_amount                          physician line, no entry
                = 0                                     hospital line, no entry

UPSERT:
  Recompute and write happen under the payout:<case>:<physician> key, and the
  write itself is the store's atomic UpsertPayoutTotals. Settlement fields
  are never written here. Display fields are filled on creation only.

EXAMPLE:
  rate(P, C) = 300, charge C × 2 for P  ->  doctor_charge_amount 600
  no rate(P, C)                          ->  doctor_charge_amount 0, unrated 1
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// COMPUTATION
// =============================================================================

// PayoutComputation is the recomputed state of one pair.
type PayoutComputation struct {
	Key           CasePhysician
	HospitalTotal decimal.Decimal
	DoctorShare   decimal.Decimal
	UnratedLines  int
	Lines         int
}

func (e *Engine) computePayout(ctx context.Context, key CasePhysician) (PayoutComputation, error) {
	lines, err := e.pairLines(ctx, key)
	if err != nil {
		return PayoutComputation{}, err
	}

	comp := PayoutComputation{
		Key:           key,
		HospitalTotal: decimal.Zero,
		DoctorShare:   decimal.Zero,
		Lines:         len(lines),
	}
	for _, l := range lines {
		comp.HospitalTotal = comp.HospitalTotal.Add(l.TotalAmount)

		if l.CatalogEntryID == "" {
			if l.IsPhysicianService() {
				comp.DoctorShare = comp.DoctorShare.Add(l.TotalAmount)
			}
			continue
		}
		if e.rates == nil {
			comp.UnratedLines++
			continue
		}
		rate, found, err := e.rates.PhysicianRate(ctx, key.PhysicianID, l.CatalogEntryID)
		if err != nil {
			return PayoutComputation{}, fmt.Errorf("rate lookup %s/%s: %w", key.PhysicianID, l.CatalogEntryID, err)
		}
		if !found {
			comp.UnratedLines++
			continue
		}
		comp.DoctorShare = comp.DoctorShare.Add(rate.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return comp, nil
}

// =============================================================================
// SYNCHRONIZER
// =============================================================================

// SyncPayout recomputes and upserts the payout for one pair. When the pair
// has no lines and no active payout, nothing is written and a zero Payout is
// returned.
func (e *Engine) SyncPayout(ctx context.Context, caseID CaseID, physicianID PhysicianID) (Payout, error) {
	if caseID == "" || physicianID == "" {
		return Payout{}, invalid("physician_id", "case and physician are required")
	}
	if _, err := e.store.GetCase(ctx, caseID); err != nil {
		return Payout{}, err
	}
	return e.syncPair(ctx, CasePhysician{CaseID: caseID, PhysicianID: physicianID})
}

func (e *Engine) syncPair(ctx context.Context, key CasePhysician) (Payout, error) {
	var out Payout
	err := e.withLock(ctx, payoutLockKey(key), func() error {
		comp, err := e.computePayout(ctx, key)
		if err != nil {
			return err
		}

		active, err := e.store.ActivePayout(ctx, key)
		exists := err == nil
		if err != nil && !IsNotFound(err) {
			return err
		}
		if !exists && comp.Lines == 0 {
			return nil
		}

		now := e.now()
		p := Payout{
			CaseID:             key.CaseID,
			PhysicianID:        key.PhysicianID,
			TotalChargeAmount:  comp.HospitalTotal,
			DoctorChargeAmount: comp.DoctorShare,
			UnratedLines:       comp.UnratedLines,
			UpdatedAt:          now,
		}
		if exists {
			p.ID = active.ID
		} else {
			p.ID = PayoutID(NewID())
			p.CreatedAt = now
			p.Settlement = PayoutSettlement{Status: PayoutPending}
			e.fillDisplayFields(ctx, &p)
		}

		stored, created, err := e.store.UpsertPayoutTotals(ctx, p)
		if err != nil {
			return fmt.Errorf("upsert payout %s: %w", key, err)
		}
		if created {
			e.log.WithFields(logrus.Fields{
				"module":       "payout",
				"case_id":      key.CaseID,
				"physician_id": key.PhysicianID,
				"doctor_share": comp.DoctorShare.String(),
			}).Info("payout created")
		}
		if comp.UnratedLines > 0 {
			e.log.WithFields(logrus.Fields{
				"module":       "payout",
				"case_id":      key.CaseID,
				"physician_id": key.PhysicianID,
				"unrated":      comp.UnratedLines,
			}).Warn("catalog lines without a physician rate contribute zero")
		}
		out = stored
		return nil
	})
	return out, err
}

// fillDisplayFields populates the denormalized names. Lookup failures leave
// the field blank rather than failing the sync.
func (e *Engine) fillDisplayFields(ctx context.Context, p *Payout) {
	c, err := e.store.GetCase(ctx, p.CaseID)
	if err == nil {
		p.CaseNumber = c.Number
		p.CaseKind = c.Kind
	}
	if e.directory == nil {
		return
	}
	log := e.log.WithFields(logrus.Fields{"module": "payout", "case_id": p.CaseID, "physician_id": p.PhysicianID})
	if name, err := e.directory.PhysicianName(ctx, p.PhysicianID); err != nil {
		log.WithError(err).Warn("physician name lookup failed")
	} else {
		p.PhysicianName = name
	}
	if c.PatientID == "" {
		return
	}
	if name, err := e.directory.PatientName(ctx, c.PatientID); err != nil {
		log.WithError(err).Warn("patient name lookup failed")
	} else {
		p.PatientName = name
	}
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

// SettlementInput is a manual settlement update. SettledOn defaults to now
// when the status becomes paid or partial_paid.
type SettlementInput struct {
	Status        PayoutStatus
	PartialAmount AmountInput
	SettledOn     *time.Time
	Mode          string
	Reference     string
	Comment       string
}

// RecordPayoutSettlement advances the settlement fields of a payout. The
// computed totals are never touched. Cancelling frees the pair so the next
// sync creates a fresh pending payout.
func (e *Engine) RecordPayoutSettlement(ctx context.Context, id PayoutID, in SettlementInput, actor Actor) (Payout, error) {
	if !in.Status.Valid() {
		return Payout{}, invalid("status", "must be pending, partial_paid, paid or cancelled")
	}
	partial, err := in.PartialAmount.Parse("partial_payment_amount", in.Status == PayoutPartialPaid)
	if err != nil {
		return Payout{}, err
	}
	if in.Status == PayoutPartialPaid && !partial.IsPositive() {
		return Payout{}, invalid("partial_payment_amount", "must be positive for partial_paid")
	}

	// The pair never changes, so the unlocked read only picks the key.
	existing, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return Payout{}, err
	}

	var out Payout
	err = e.withLock(ctx, payoutLockKey(existing.Key()), func() error {
		current, err := e.store.GetPayout(ctx, id)
		if err != nil {
			return err
		}
		if current.Settlement.Status == PayoutCancelled {
			return invalid("status", "cancelled payouts cannot be settled")
		}

		now := e.now()
		s := PayoutSettlement{
			Status:        in.Status,
			PartialAmount: partial,
			SettledOn:     in.SettledOn,
			Mode:          in.Mode,
			Reference:     in.Reference,
			Comment:       in.Comment,
		}
		if s.SettledOn == nil && (s.Status == PayoutPaid || s.Status == PayoutPartialPaid) {
			s.SettledOn = &now
		}
		if err := e.store.SavePayoutSettlement(ctx, id, s, now); err != nil {
			return err
		}
		out, err = e.store.GetPayout(ctx, id)
		return err
	})
	if err != nil {
		return Payout{}, err
	}

	e.log.WithFields(logrus.Fields{
		"module":    "payout",
		"payout_id": id,
		"status":    in.Status,
		"actor":     actor.ID,
	}).Info("payout settlement recorded")
	return out, nil
}

func (e *Engine) GetPayout(ctx context.Context, id PayoutID) (Payout, error) {
	return e.store.GetPayout(ctx, id)
}

func (e *Engine) ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", "unknown payout status")
	}
	return e.store.ListPayouts(ctx, f)
}
