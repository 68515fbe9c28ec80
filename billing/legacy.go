/*
legacy.go - Legacy physician-charge compatibility

PURPOSE:
  Older deployments stored physician fees in a separate table holding only
  an amount per (case, physician). Those rows still count toward the case
  balance and the physician's payout, so every read of a case's lines
  merges them in as PhysicianLine charges with Legacy set.

MIGRATION:
  MigrateLegacyCharges copies each legacy row into the unified charge store
  under a deterministic id and then drains the legacy row. Re-running it
  after a partial failure is safe: the copy is an upsert on the same id.
  A closed case only migrates for an admin, and the move is audited.
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// LegacyPhysicianCharge is a row of the legacy physician-charge store.
type LegacyPhysicianCharge struct {
	ID          string
	CaseID      CaseID
	PhysicianID PhysicianID
	Amount      decimal.Decimal
	ChargedOn   time.Time
	Description string
}

const legacyIDPrefix = "legacy-"

// AsCharge returns the row as a single-unit physician line.
func (l LegacyPhysicianCharge) AsCharge() CaseCharge {
	return CaseCharge{
		ID:            ChargeID(legacyIDPrefix + l.ID),
		CaseID:        l.CaseID,
		PhysicianID:   l.PhysicianID,
		Kind:          KindDoctor,
		Line:          PhysicianLine,
		Quantity:      1,
		UnitAmount:    l.Amount,
		TotalAmount:   l.Amount,
		TotalOverride: true,
		Description:   l.Description,
		ChargeDate:    l.ChargedOn,
		Legacy:        true,
		CreatedAt:     l.ChargedOn,
		UpdatedAt:     l.ChargedOn,
	}
}

// caseLines returns unified and legacy lines of a case.
func (e *Engine) caseLines(ctx context.Context, caseID CaseID) ([]CaseCharge, error) {
	charges, err := e.store.ChargesByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	legacy, err := e.store.LegacyPhysicianCharges(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, l := range legacy {
		charges = append(charges, l.AsCharge())
	}
	return charges, nil
}

// pairLines returns the lines feeding one payout, legacy lines included.
func (e *Engine) pairLines(ctx context.Context, key CasePhysician) ([]CaseCharge, error) {
	charges, err := e.store.ChargesByPair(ctx, key)
	if err != nil {
		return nil, err
	}
	legacy, err := e.store.LegacyPhysicianCharges(ctx, key.CaseID)
	if err != nil {
		return nil, err
	}
	for _, l := range legacy {
		if l.PhysicianID == key.PhysicianID {
			charges = append(charges, l.AsCharge())
		}
	}
	return charges, nil
}

// MigrateLegacyCharges moves a case's legacy physician rows into the unified
// charge store. It returns how many rows were moved.
func (e *Engine) MigrateLegacyCharges(ctx context.Context, caseID CaseID, actor Actor) (int, error) {
	moved := 0
	err := e.withLock(ctx, caseLockKey(caseID), func() error {
		c, err := e.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if err := rejectClosed(c, actor); err != nil {
			return err
		}
		legacy, err := e.store.LegacyPhysicianCharges(ctx, caseID)
		if err != nil {
			return err
		}
		if len(legacy) == 0 {
			return nil
		}
		if err := e.checkMutable(ctx, c, actor, AuditLegacyMigrated, string(caseID)); err != nil {
			return err
		}
		for _, l := range legacy {
			charge := l.AsCharge()
			charge.Legacy = false
			charge.UpdatedAt = e.now()
			if err := e.store.SaveCharge(ctx, charge); err != nil {
				return err
			}
			if err := e.store.DeleteLegacyPhysicianCharge(ctx, l.ID); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return moved, err
	}

	e.log.WithFields(logrus.Fields{
		"module":  "legacy",
		"case_id": caseID,
		"actor":   actor.ID,
		"moved":   moved,
	}).Info("legacy physician charges migrated")
	return moved, nil
}
