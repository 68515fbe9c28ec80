/*
charges.go - Case charge ledger

PURPOSE:
  Create, update, delete and list the line items billed to a case.

NORMALIZATION (create and update):
  - quantity defaults to 1 when absent or zero; negative is rejected
  - unit and total amounts are coerced to non-negative decimals, with
    invalid or missing input becoming 0
  - total = quantity × unit unless a total was supplied, in which case the
    supplied total wins and TotalOverride is recorded
  - the physician-service flag, or a "doctor" kind tag, makes the charge a
    PhysicianLine; physician lines need a physician

PAYOUT SIDE EFFECT:
  Any write touching a charge with a physician re-synchronizes every
  affected (case, physician) pair before returning. A failed sync never
  rolls the charge back; it is returned in ChargeWrite.SyncErr.

SEE ALSO:
  - payout.go: syncPair
  - classify.go: Reporting buckets
*/
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ChargeInput is a charge as supplied by a caller. ID is empty on create.
type ChargeInput struct {
	ID               ChargeID
	CaseID           CaseID
	CatalogEntryID   CatalogEntryID
	PhysicianID      PhysicianID
	Kind             ChargeKind
	PhysicianService bool
	Quantity         int
	UnitAmount       AmountInput
	TotalAmount      AmountInput
	Description      string
	ChargeDate       time.Time
}

// ChargeWrite is the outcome of a charge mutation. SyncErr is a non-fatal
// warning: the charge write stands even when it is set.
type ChargeWrite struct {
	Charge  CaseCharge
	Payouts []Payout
	SyncErr error
}

// normalizeCharge validates input and produces the stored shape. It never
// touches the store.
func (e *Engine) normalizeCharge(ctx context.Context, in ChargeInput) (CaseCharge, error) {
	if in.CaseID == "" {
		return CaseCharge{}, invalid("case_id", "is required")
	}

	kind := ChargeKind(strings.ToLower(strings.TrimSpace(string(in.Kind))))
	switch kind {
	case "":
		kind = KindHospital
	case KindHospital, KindPharmacy, KindPathology, KindDoctor:
	default:
		return CaseCharge{}, invalid("charge_type", "must be hospital, pharmacy, pathology or doctor")
	}

	qty := in.Quantity
	if qty < 0 {
		return CaseCharge{}, invalid("quantity", "must be positive")
	}
	if qty == 0 {
		qty = 1
	}

	line := HospitalLine
	if in.PhysicianService || kind == KindDoctor {
		line = PhysicianLine
		kind = KindDoctor
	}
	if line == PhysicianLine && in.PhysicianID == "" {
		return CaseCharge{}, invalid("doctor_id", "is required for physician-service lines")
	}

	if in.CatalogEntryID != "" && e.catalog != nil {
		if _, err := e.catalog.CatalogEntry(ctx, in.CatalogEntryID); err != nil {
			if IsNotFound(err) {
				return CaseCharge{}, invalid("charge_master_id", "unknown catalog entry")
			}
			return CaseCharge{}, err
		}
	}

	c := CaseCharge{
		ID:             in.ID,
		CaseID:         in.CaseID,
		CatalogEntryID: in.CatalogEntryID,
		PhysicianID:    in.PhysicianID,
		Kind:           kind,
		Line:           line,
		Quantity:       qty,
		UnitAmount:     in.UnitAmount.Coerce(),
		Description:    in.Description,
		ChargeDate:     in.ChargeDate,
	}
	if in.TotalAmount.Set {
		c.TotalAmount = in.TotalAmount.Coerce()
		c.TotalOverride = true
	} else {
		c.TotalAmount = c.ComputedTotal()
	}
	return c, nil
}

// UpsertCharge creates a charge (empty ID) or replaces an existing one.
// A charge cannot be moved to another case. The existing row is read again
// under the case key, so an update racing a delete fails with NotFound.
func (e *Engine) UpsertCharge(ctx context.Context, in ChargeInput, actor Actor) (ChargeWrite, error) {
	if in.ID != "" && in.CaseID == "" {
		existing, err := e.store.GetCharge(ctx, in.ID)
		if err != nil {
			return ChargeWrite{}, err
		}
		in.CaseID = existing.CaseID
	}
	if in.CaseID == "" {
		return ChargeWrite{}, invalid("case_id", "is required")
	}

	var result ChargeWrite
	err := e.withLock(ctx, caseLockKey(in.CaseID), func() error {
		c, err := e.store.GetCase(ctx, in.CaseID)
		if err != nil {
			return err
		}
		if err := rejectClosed(c, actor); err != nil {
			return err
		}

		var previous *CaseCharge
		if in.ID != "" {
			existing, err := e.store.GetCharge(ctx, in.ID)
			if err != nil {
				return err
			}
			if existing.CaseID != in.CaseID {
				return invalid("case_id", "a charge cannot move between cases")
			}
			previous = &existing
		}

		charge, err := e.normalizeCharge(ctx, in)
		if err != nil {
			return err
		}

		now := e.now()
		if previous == nil {
			charge.ID = ChargeID(NewID())
			charge.CreatedAt = now
		} else {
			charge.CreatedAt = previous.CreatedAt
		}
		charge.UpdatedAt = now
		if charge.ChargeDate.IsZero() {
			charge.ChargeDate = now
		}

		if err := e.checkMutable(ctx, c, actor, AuditChargeSaved, string(charge.ID)); err != nil {
			return err
		}
		if err := e.store.SaveCharge(ctx, charge); err != nil {
			return err
		}

		result = ChargeWrite{Charge: charge}
		result.Payouts, result.SyncErr = e.syncAfterWrite(ctx, affectedPairs(previous, &charge))
		return nil
	})
	if err != nil {
		return ChargeWrite{}, err
	}
	return result, nil
}

// DeleteCharge removes a charge and re-synchronizes its payout pair.
func (e *Engine) DeleteCharge(ctx context.Context, id ChargeID, actor Actor) (ChargeWrite, error) {
	existing, err := e.store.GetCharge(ctx, id)
	if err != nil {
		return ChargeWrite{}, err
	}

	var result ChargeWrite
	err = e.withLock(ctx, caseLockKey(existing.CaseID), func() error {
		c, err := e.store.GetCase(ctx, existing.CaseID)
		if err != nil {
			return err
		}
		if existing, err = e.store.GetCharge(ctx, id); err != nil {
			return err
		}
		if err := e.checkMutable(ctx, c, actor, AuditChargeDeleted, string(id)); err != nil {
			return err
		}
		if err := e.store.DeleteCharge(ctx, id); err != nil {
			return err
		}
		result = ChargeWrite{Charge: existing}
		result.Payouts, result.SyncErr = e.syncAfterWrite(ctx, affectedPairs(&existing, nil))
		return nil
	})
	if err != nil {
		return ChargeWrite{}, err
	}
	return result, nil
}

// ListCharges returns every line of a case, legacy lines included, each
// with its reporting bucket.
func (e *Engine) ListCharges(ctx context.Context, caseID CaseID) ([]ClassifiedCharge, error) {
	if _, err := e.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.classifiedLines(ctx, caseID)
}

func (e *Engine) classifiedLines(ctx context.Context, caseID CaseID) ([]ClassifiedCharge, error) {
	lines, err := e.caseLines(ctx, caseID)
	if err != nil {
		return nil, err
	}
	cache := make(map[CatalogEntryID]*CatalogEntry)
	out := make([]ClassifiedCharge, 0, len(lines))
	for _, l := range lines {
		entry, err := e.catalogEntry(ctx, l.CatalogEntryID, cache)
		if err != nil {
			return nil, err
		}
		cc := ClassifiedCharge{CaseCharge: l, Bucket: e.classifier.Classify(l, entry)}
		if entry != nil {
			cc.EntryName = entry.Name
		}
		out = append(out, cc)
	}
	return out, nil
}

// affectedPairs returns the distinct payout keys touched by replacing
// before with after. Either may be nil.
func affectedPairs(before, after *CaseCharge) []CasePhysician {
	var pairs []CasePhysician
	for _, c := range []*CaseCharge{before, after} {
		if c == nil {
			continue
		}
		if k, ok := c.Pair(); ok && (len(pairs) == 0 || pairs[0] != k) {
			pairs = append(pairs, k)
		}
	}
	return pairs
}

// syncAfterWrite runs the synchronizer for each pair and folds failures into
// one warning.
func (e *Engine) syncAfterWrite(ctx context.Context, pairs []CasePhysician) ([]Payout, error) {
	var (
		payouts []Payout
		errs    []error
	)
	for _, k := range pairs {
		p, err := e.syncPair(ctx, k)
		if err != nil {
			sf := &SyncFailureError{CaseID: k.CaseID, PhysicianID: k.PhysicianID, Err: err}
			e.log.WithFields(logrus.Fields{
				"module":       "charges",
				"case_id":      k.CaseID,
				"physician_id": k.PhysicianID,
			}).WithError(err).Warn("payout sync failed; pair left for the pending-payout scanner")
			errs = append(errs, sf)
			continue
		}
		if p.ID != "" {
			payouts = append(payouts, p)
		}
	}
	return payouts, errors.Join(errs...)
}
