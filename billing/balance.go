/*
balance.go - Balance calculation and the case statement

PURPOSE:
  Computes a case's balance from its stored charges, discount and payments.
  Nothing here is persisted: the balance can be re-derived at any time and
  is never subject to the staleness the payout ledger can have.

FORMULA:
  gross    = Σ charge.total_amount   (unified + legacy physician lines)
  net      = max(0, gross - discount)
  paid     = Σ payment.amount
  balance  = net - paid

  A balance is settled when |balance| < Epsilon (0.01). Overpayment yields
  a negative balance.

EXAMPLE:
  charges [hospital 1000, pharmacy 200], discount 150, payments [1050]
  gross 1200, net 1050, paid 1050, balance 0 -> case may close

SEE ALSO:
  - lifecycle.go: Uses IsSettled to gate closing
  - classify.go: Buckets used by the statement
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	CaseID   CaseID
	Gross    decimal.Decimal
	Discount decimal.Decimal
	Net      decimal.Decimal
	Paid     decimal.Decimal
	Balance  decimal.Decimal
}

// IsSettled reports whether the balance is zero within Epsilon.
func (b Balance) IsSettled() bool {
	return IsZeroAmount(b.Balance)
}

// CalculateBalance is the pure balance function.
func CalculateBalance(caseID CaseID, charges []CaseCharge, discount decimal.Decimal, payments []Payment) Balance {
	gross := decimal.Zero
	for _, c := range charges {
		gross = gross.Add(c.TotalAmount)
	}
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	net := decimal.Max(decimal.Zero, gross.Sub(discount))
	return Balance{
		CaseID:   caseID,
		Gross:    gross,
		Discount: discount,
		Net:      net,
		Paid:     paid,
		Balance:  net.Sub(paid),
	}
}

// ComputeBalance reads the case fresh from the store and returns its balance.
func (e *Engine) ComputeBalance(ctx context.Context, caseID CaseID) (Balance, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return Balance{}, err
	}
	return e.balanceOf(ctx, c)
}

func (e *Engine) balanceOf(ctx context.Context, c Case) (Balance, error) {
	charges, err := e.caseLines(ctx, c.ID)
	if err != nil {
		return Balance{}, err
	}
	payments, err := e.store.PaymentsByCase(ctx, c.ID)
	if err != nil {
		return Balance{}, err
	}
	return CalculateBalance(c.ID, charges, c.Discount, payments), nil
}

// =============================================================================
// STATEMENT - Balance plus classified lines for display
// =============================================================================

type ClassifiedCharge struct {
	CaseCharge
	Bucket    Bucket
	EntryName string
}

type Statement struct {
	Case     Case
	Balance  Balance
	Buckets  map[Bucket]decimal.Decimal
	Lines    []ClassifiedCharge
	Payments []Payment
}

// CaseStatement returns the balance with every line classified into one
// reporting bucket. Bucket subtotals always sum to Balance.Gross.
func (e *Engine) CaseStatement(ctx context.Context, caseID CaseID) (Statement, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return Statement{}, err
	}
	lines, err := e.classifiedLines(ctx, caseID)
	if err != nil {
		return Statement{}, err
	}
	payments, err := e.store.PaymentsByCase(ctx, caseID)
	if err != nil {
		return Statement{}, err
	}

	charges := make([]CaseCharge, len(lines))
	buckets := make(map[Bucket]decimal.Decimal, len(AllBuckets))
	for _, b := range AllBuckets {
		buckets[b] = decimal.Zero
	}
	for i, l := range lines {
		charges[i] = l.CaseCharge
		buckets[l.Bucket] = buckets[l.Bucket].Add(l.TotalAmount)
	}

	return Statement{
		Case:     c,
		Balance:  CalculateBalance(caseID, charges, c.Discount, payments),
		Buckets:  buckets,
		Lines:    lines,
		Payments: payments,
	}, nil
}
