package billing

import (
	"context"
	"time"
)

// PaymentInput is a payment as supplied by a caller. ID is empty on create.
type PaymentInput struct {
	ID        PaymentID
	CaseID    CaseID
	Amount    AmountInput
	PaidOn    time.Time
	Mode      string
	Reference string
	Notes     string
}

// RecordPayment appends a payment to a case. Payments never touch the
// payout ledger.
func (e *Engine) RecordPayment(ctx context.Context, in PaymentInput, actor Actor) (Payment, error) {
	if in.CaseID == "" {
		return Payment{}, invalid("case_id", "is required")
	}
	in.ID = ""
	return e.savePayment(ctx, in, actor)
}

// UpdatePayment replaces an existing payment. The case cannot change.
func (e *Engine) UpdatePayment(ctx context.Context, in PaymentInput, actor Actor) (Payment, error) {
	if in.ID == "" {
		return Payment{}, invalid("id", "is required")
	}
	if in.CaseID == "" {
		existing, err := e.store.GetPayment(ctx, in.ID)
		if err != nil {
			return Payment{}, err
		}
		in.CaseID = existing.CaseID
	}
	return e.savePayment(ctx, in, actor)
}

// savePayment creates (empty ID) or replaces a payment. An existing row is
// read under the case key; one deleted meanwhile yields NotFound.
func (e *Engine) savePayment(ctx context.Context, in PaymentInput, actor Actor) (Payment, error) {
	var p Payment
	err := e.withLock(ctx, caseLockKey(in.CaseID), func() error {
		c, err := e.store.GetCase(ctx, in.CaseID)
		if err != nil {
			return err
		}
		if err := rejectClosed(c, actor); err != nil {
			return err
		}

		var previous *Payment
		if in.ID != "" {
			existing, err := e.store.GetPayment(ctx, in.ID)
			if err != nil {
				return err
			}
			if existing.CaseID != in.CaseID {
				return invalid("case_id", "a payment cannot move between cases")
			}
			previous = &existing
		}

		amount, err := in.Amount.Parse("amount", true)
		if err != nil {
			return err
		}

		now := e.now()
		p = Payment{
			ID:        in.ID,
			CaseID:    in.CaseID,
			Amount:    amount,
			PaidOn:    in.PaidOn,
			Mode:      in.Mode,
			Reference: in.Reference,
			Notes:     in.Notes,
			UpdatedAt: now,
		}
		if previous == nil {
			p.ID = PaymentID(NewID())
			p.CreatedAt = now
		} else {
			p.CreatedAt = previous.CreatedAt
		}
		if p.PaidOn.IsZero() {
			p.PaidOn = now
		}
		if err := e.checkMutable(ctx, c, actor, AuditPaymentSaved, string(p.ID)); err != nil {
			return err
		}
		return e.store.SavePayment(ctx, p)
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (e *Engine) DeletePayment(ctx context.Context, id PaymentID, actor Actor) error {
	existing, err := e.store.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	return e.withLock(ctx, caseLockKey(existing.CaseID), func() error {
		c, err := e.store.GetCase(ctx, existing.CaseID)
		if err != nil {
			return err
		}
		if _, err := e.store.GetPayment(ctx, id); err != nil {
			return err
		}
		if err := e.checkMutable(ctx, c, actor, AuditPaymentDeleted, string(id)); err != nil {
			return err
		}
		return e.store.DeletePayment(ctx, id)
	})
}

func (e *Engine) ListPayments(ctx context.Context, caseID CaseID) ([]Payment, error) {
	if _, err := e.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.store.PaymentsByCase(ctx, caseID)
}
