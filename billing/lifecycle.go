/*
lifecycle.go - Case lifecycle gate

STATES:
  open -> closed      CloseCase, only when the balance is settled
  closed -> open      not supported

WHILE CLOSED:
  Charge, payment and discount mutations are rejected with CaseClosedError
  unless the actor holds the admin capability. The admin path skips balance
  re-validation on purpose; every such mutation is written to the audit log
  and logged at warn level so the surrounding service can review it.

SEE ALSO:
  - balance.go: IsSettled
  - errors.go: CaseClosedError, BalanceNotZeroError
*/
package billing

import (
	"context"

	"github.com/sirupsen/logrus"
)

// CloseCase transitions an open case to closed. A nonzero balance is
// rejected with BalanceNotZeroError carrying the computed balance.
func (e *Engine) CloseCase(ctx context.Context, caseID CaseID, actor Actor) (Case, error) {
	var closed Case
	err := e.withLock(ctx, caseLockKey(caseID), func() error {
		c, err := e.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.IsClosed() {
			return &CaseClosedError{CaseID: caseID}
		}

		bal, err := e.balanceOf(ctx, c)
		if err != nil {
			return err
		}
		if !bal.IsSettled() {
			return &BalanceNotZeroError{CaseID: caseID, Balance: bal.Balance}
		}

		now := e.now()
		c.Status = CaseClosed
		c.ClosedAt = &now
		c.UpdatedAt = now
		if err := e.store.UpdateCase(ctx, c); err != nil {
			return err
		}
		closed = c
		return nil
	})
	if err != nil {
		return Case{}, err
	}

	e.log.WithFields(logrus.Fields{
		"module":  "lifecycle",
		"case_id": caseID,
		"actor":   actor.ID,
	}).Info("case closed")
	return closed, nil
}

// rejectClosed fails a non-admin mutation of a closed case before its input
// is validated, so the caller sees CaseClosedError whatever it sent.
func rejectClosed(c Case, actor Actor) error {
	if c.IsClosed() && !actor.Admin {
		return &CaseClosedError{CaseID: c.ID}
	}
	return nil
}

// checkMutable enforces the closed-case lock for one mutation. It must be
// called with the case key held.
func (e *Engine) checkMutable(ctx context.Context, c Case, actor Actor, action AuditAction, ref string) error {
	if !c.IsClosed() {
		return nil
	}
	if err := rejectClosed(c, actor); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"module":  "lifecycle",
		"audit":   true,
		"case_id": c.ID,
		"actor":   actor.ID,
		"action":  action,
		"ref":     ref,
	}).Warn("admin override on closed case")

	if e.audit == nil {
		return nil
	}
	return e.audit.AppendAudit(ctx, AuditEntry{
		ID:        NewID(),
		Timestamp: e.now(),
		ActorID:   actor.ID,
		Action:    action,
		CaseID:    c.ID,
		Ref:       ref,
	})
}
