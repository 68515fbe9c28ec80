/*
scanner.go - Pending-payout scanner

PURPOSE:
  The recovery path for payout synchronization gaps. Lists every
  (case, physician) pair that has a charge referencing both a physician and
  a catalog entry, has no non-cancelled payout, and has a strictly positive
  recomputed doctor share.

  This is a sweep an operator runs, not a retry loop. Reconcile runs the
  scanner and then the synchronizer for every reported pair.
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PendingPayout is one pair the scanner reports.
type PendingPayout struct {
	CaseID        CaseID
	PhysicianID   PhysicianID
	CaseNumber    string
	PatientName   string
	PhysicianName string
	HospitalTotal decimal.Decimal
	PendingAmount decimal.Decimal
	UnratedLines  int
}

func (e *Engine) ListPendingPayouts(ctx context.Context) ([]PendingPayout, error) {
	pairs, err := e.store.PhysicianCatalogPairs(ctx)
	if err != nil {
		return nil, err
	}

	var pending []PendingPayout
	for _, key := range pairs {
		_, err := e.store.ActivePayout(ctx, key)
		if err == nil {
			continue
		}
		if !IsNotFound(err) {
			return nil, err
		}

		c, err := e.store.GetCase(ctx, key.CaseID)
		if IsNotFound(err) {
			e.log.WithFields(logrus.Fields{
				"module":       "scanner",
				"case_id":      key.CaseID,
				"physician_id": key.PhysicianID,
			}).Warn("charges reference a missing case; skipped")
			continue
		}
		if err != nil {
			return nil, err
		}

		comp, err := e.computePayout(ctx, key)
		if err != nil {
			return nil, err
		}
		if !comp.DoctorShare.IsPositive() {
			continue
		}

		p := Payout{CaseID: key.CaseID, PhysicianID: key.PhysicianID}
		e.fillDisplayFields(ctx, &p)
		pending = append(pending, PendingPayout{
			CaseID:        key.CaseID,
			PhysicianID:   key.PhysicianID,
			CaseNumber:    c.Number,
			PatientName:   p.PatientName,
			PhysicianName: p.PhysicianName,
			HospitalTotal: comp.HospitalTotal,
			PendingAmount: comp.DoctorShare,
			UnratedLines:  comp.UnratedLines,
		})
	}
	return pending, nil
}

// ReconcileResult is the outcome of syncing one pending pair.
type ReconcileResult struct {
	Pending PendingPayout
	Payout  Payout
	Err     error
}

// ReconcilePendingPayouts syncs every pair the scanner reports. Per-pair
// failures are returned in the results; the sweep continues past them.
func (e *Engine) ReconcilePendingPayouts(ctx context.Context) ([]ReconcileResult, error) {
	pending, err := e.ListPendingPayouts(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ReconcileResult, 0, len(pending))
	failed := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		payout, err := e.syncPair(ctx, CasePhysician{CaseID: p.CaseID, PhysicianID: p.PhysicianID})
		if err != nil {
			failed++
		}
		results = append(results, ReconcileResult{Pending: p, Payout: payout, Err: err})
	}

	e.log.WithFields(logrus.Fields{
		"module": "scanner",
		"pairs":  len(pending),
		"failed": failed,
	}).Info("pending payouts reconciled")
	return results, nil
}
