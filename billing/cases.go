package billing

import (
	"context"
	"fmt"
	"strings"
)

// CaseInput is the data needed to open a case.
type CaseInput struct {
	PatientID PatientID
	Kind      CaseKind
	Discount  AmountInput
}

// FormatCaseNumber renders a case number such as CASE-2026-1000.
func FormatCaseNumber(year int, seq int64) string {
	return fmt.Sprintf("CASE-%d-%04d", year, seq)
}

// CreateCase opens a new case with a case number drawn from the atomic
// per-year allocator.
func (e *Engine) CreateCase(ctx context.Context, in CaseInput) (Case, error) {
	if in.PatientID == "" {
		return Case{}, invalid("patient_id", "is required")
	}
	kind := CaseKind(strings.ToLower(string(in.Kind)))
	switch kind {
	case "":
		kind = CaseOutpatient
	case CaseOutpatient, CaseInpatient:
	default:
		return Case{}, invalid("kind", "must be outpatient or inpatient")
	}
	discount, err := in.Discount.Parse("discount", false)
	if err != nil {
		return Case{}, err
	}
	if e.sequences == nil {
		return Case{}, fmt.Errorf("no case sequence allocator configured")
	}

	now := e.now()
	seq, err := e.sequences.NextSequence(ctx, now.Year())
	if err != nil {
		return Case{}, fmt.Errorf("allocate case number: %w", err)
	}

	c := Case{
		ID:        CaseID(NewID()),
		Number:    FormatCaseNumber(now.Year(), seq),
		PatientID: in.PatientID,
		Kind:      kind,
		Status:    CaseOpen,
		Discount:  discount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateCase(ctx, c); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (e *Engine) GetCase(ctx context.Context, id CaseID) (Case, error) {
	return e.store.GetCase(ctx, id)
}

// UpdateDiscount sets the case-level discount. Gated like any other mutation.
func (e *Engine) UpdateDiscount(ctx context.Context, caseID CaseID, in AmountInput, actor Actor) (Case, error) {
	discount, err := in.Parse("discount", true)
	if err != nil {
		return Case{}, err
	}

	var updated Case
	err = e.withLock(ctx, caseLockKey(caseID), func() error {
		c, err := e.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if err := e.checkMutable(ctx, c, actor, AuditDiscountSet, discount.String()); err != nil {
			return err
		}
		c.Discount = discount
		c.UpdatedAt = e.now()
		if err := e.store.UpdateCase(ctx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	return updated, err
}

// DeleteCase is the administrative delete. It requires the admin capability
// and is itself blocked while the case is closed.
func (e *Engine) DeleteCase(ctx context.Context, caseID CaseID, actor Actor) error {
	if !actor.Admin {
		return ErrForbidden
	}
	return e.withLock(ctx, caseLockKey(caseID), func() error {
		c, err := e.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.IsClosed() {
			return &CaseClosedError{CaseID: caseID}
		}
		return e.store.DeleteCase(ctx, caseID)
	})
}
