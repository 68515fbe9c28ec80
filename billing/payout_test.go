package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-billing/billing"
	"github.com/warp/care-billing/billing/store"
)

func consultFor(caseID billing.CaseID, physician billing.PhysicianID, qty int) billing.ChargeInput {
	return billing.ChargeInput{
		CaseID:           caseID,
		CatalogEntryID:   "consult",
		PhysicianID:      physician,
		PhysicianService: true,
		Quantity:         qty,
		UnitAmount:       billing.AmountString("500"),
	}
}

// =============================================================================
// SYNCHRONIZER
// =============================================================================

func TestSyncPayout_RateTimesQuantity(t *testing.T) {
	// GIVEN: dr-a has a rate of 300 for consult
	// WHEN: A consult charge of quantity 2 is billed to dr-a
	// THEN: The payout carries doctor share 600 and hospital total 1000

	e, _ := newTestEngine(t)
	c := openCase(t, e)

	w := addCharge(t, e, consultFor(c.ID, "dr-a", 2))

	require.Len(t, w.Payouts, 1)
	p := w.Payouts[0]
	assert.True(t, p.DoctorChargeAmount.Equal(dec("600")))
	assert.True(t, p.TotalChargeAmount.Equal(dec("1000")))
	assert.Equal(t, billing.PayoutPending, p.Settlement.Status)
	assert.Zero(t, p.UnratedLines)
}

func TestSyncPayout_MissingRate_ContributesZero(t *testing.T) {
	e, _ := newTestEngine(t)
	c := openCase(t, e)

	w := addCharge(t, e, consultFor(c.ID, "dr-b", 2))

	require.Len(t, w.Payouts, 1)
	assert.True(t, w.Payouts[0].DoctorChargeAmount.IsZero())
	assert.Equal(t, 1, w.Payouts[0].UnratedLines)
}

func TestSyncPayout_DirectFeeLine_CountsTotal(t *testing.T) {
	e, _ := newTestEngine(t)
	c := openCase(t, e)

	w := addCharge(t, e, billing.ChargeInput{
		CaseID: c.ID, PhysicianID: "dr-b", Kind: billing.KindDoctor,
		TotalAmount: billing.AmountString("750"),
	})

	require.Len(t, w.Payouts, 1)
	assert.True(t, w.Payouts[0].DoctorChargeAmount.Equal(dec("750")))
}

func TestSyncPayout_Idempotent(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c := openCase(t, e)
	addCharge(t, e, consultFor(c.ID, "dr-a", 2))

	first, err := e.SyncPayout(ctx, c.ID, "dr-a")
	require.NoError(t, err)
	second, err := e.SyncPayout(ctx, c.ID, "dr-a")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.DoctorChargeAmount.Equal(second.DoctorChargeAmount))
	assert.True(t, first.TotalChargeAmount.Equal(second.TotalChargeAmount))

	all, err := mem.ListPayouts(ctx, billing.PayoutFilter{CaseID: c.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSyncPayout_DisplayFieldsSetOnCreate(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c := openCase(t, e)

	w := addCharge(t, e, consultFor(c.ID, "dr-a", 1))
	p := w.Payouts[0]
	assert.Equal(t, "Dr. Asha Rao", p.PhysicianName)
	assert.Equal(t, "Maria Lopez", p.PatientName)
	assert.Equal(t, c.Number, p.CaseNumber)

	// Renaming the physician later does not rewrite the payout.
	mem.PutPhysician("dr-a", "Dr. A. Rao")
	again, err := e.SyncPayout(ctx, c.ID, "dr-a")
	require.NoError(t, err)
	assert.Equal(t, "Dr. Asha Rao", again.PhysicianName)
}

func TestSyncPayout_PreservesSettlement(t *testing.T) {
	// GIVEN: A payout marked partial_paid
	// WHEN: Another charge for the pair is added
	// THEN: Totals change, settlement fields do not

	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := openCase(t, e)
	w := addCharge(t, e, consultFor(c.ID, "dr-a", 1))

	_, err := e.RecordPayoutSettlement(ctx, w.Payouts[0].ID, billing.SettlementInput{
		Status:        billing.PayoutPartialPaid,
		PartialAmount: billing.AmountString("100"),
		Mode:          "bank",
		Comment:       "first instalment",
	}, admin)
	require.NoError(t, err)

	w2 := addCharge(t, e, consultFor(c.ID, "dr-a", 1))

	p := w2.Payouts[0]
	assert.Equal(t, w.Payouts[0].ID, p.ID)
	assert.True(t, p.DoctorChargeAmount.Equal(dec("600")))
	assert.Equal(t, billing.PayoutPartialPaid, p.Settlement.Status)
	assert.True(t, p.Settlement.PartialAmount.Equal(dec("100")))
	assert.Equal(t, "first instalment", p.Settlement.Comment)
	require.NotNil(t, p.Settlement.SettledOn)
}

func TestUpsertCharge_PhysicianChange_SyncsBothPairs(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c := openCase(t, e)
	w := addCharge(t, e, consultFor(c.ID, "dr-a", 1))

	in := consultFor(c.ID, "dr-b", 1)
	in.ID = w.Charge.ID
	moved := addCharge(t, e, in)

	assert.Len(t, moved.Payouts, 2)
	old, err := mem.ActivePayout(ctx, billing.CasePhysician{CaseID: c.ID, PhysicianID: "dr-a"})
	require.NoError(t, err)
	assert.True(t, old.DoctorChargeAmount.IsZero())
	assert.True(t, old.TotalChargeAmount.IsZero())
}

func TestDeleteCharge_ResyncsPair(t *testing.T) {
	e, _ := newTestEngine(t)
	c := openCase(t, e)
	w := addCharge(t, e, consultFor(c.ID, "dr-a", 2))

	d, err := e.DeleteCharge(context.Background(), w.Charge.ID, clerk)

	require.NoError(t, err)
	require.Len(t, d.Payouts, 1)
	assert.True(t, d.Payouts[0].DoctorChargeAmount.IsZero())
}

func TestSyncPayout_CancelledFreesKey(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c := openCase(t, e)
	w := addCharge(t, e, consultFor(c.ID, "dr-a", 1))

	_, err := e.RecordPayoutSettlement(ctx, w.Payouts[0].ID, billing.SettlementInput{Status: billing.PayoutCancelled}, admin)
	require.NoError(t, err)

	fresh, err := e.SyncPayout(ctx, c.ID, "dr-a")
	require.NoError(t, err)

	assert.NotEqual(t, w.Payouts[0].ID, fresh.ID)
	assert.Equal(t, billing.PayoutPending, fresh.Settlement.Status)
	all, err := mem.ListPayouts(ctx, billing.PayoutFilter{CaseID: c.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSyncPayout_NoLinesNoPayout_WritesNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	c := openCase(t, e)

	p, err := e.SyncPayout(context.Background(), c.ID, "dr-a")

	require.NoError(t, err)
	assert.Empty(t, p.ID)
}

func TestSyncPayout_ConcurrentChargesSamePair(t *testing.T) {
	// GIVEN: 20 concurrent consult charges for the same pair
	// WHEN: All writes return
	// THEN: The single payout reflects every charge

	e, mem := newTestEngine(t)
	ctx := context.Background()
	c := openCase(t, e)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.UpsertCharge(ctx, consultFor(c.ID, "dr-a", 1), clerk)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := mem.ListPayouts(ctx, billing.PayoutFilter{CaseID: c.ID})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].DoctorChargeAmount.Equal(dec("6000")))
	assert.True(t, all[0].TotalChargeAmount.Equal(dec("10000")))
}

// =============================================================================
// SYNC FAILURE
// =============================================================================

type brokenRates struct{}

func (brokenRates) PhysicianRate(context.Context, billing.PhysicianID, billing.CatalogEntryID) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, errors.New("rate service unavailable")
}

func TestUpsertCharge_SyncFailure_ChargeStands(t *testing.T) {
	mem := store.NewMemory()
	mem.PutCatalogEntry(billing.CatalogEntry{ID: "consult", Name: "Consultation"})
	mem.PutPatient("pat-1", "Maria Lopez")
	col := mem.Collaborators()
	col.Rates = brokenRates{}
	e := billing.NewEngine(mem, col, billing.WithLogger(quietLogger()))
	ctx := context.Background()
	c := openCase(t, e)

	w, err := e.UpsertCharge(ctx, consultFor(c.ID, "dr-a", 1), clerk)

	require.NoError(t, err)
	assert.ErrorIs(t, w.SyncErr, billing.ErrSyncFailure)
	var sf *billing.SyncFailureError
	require.ErrorAs(t, w.SyncErr, &sf)
	assert.Equal(t, billing.PhysicianID("dr-a"), sf.PhysicianID)

	_, err = mem.GetCharge(ctx, w.Charge.ID)
	assert.NoError(t, err, "charge is not rolled back")
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestRecordPayoutSettlement_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c := openCase(t, e)
	w := addCharge(t, e, consultFor(c.ID, "dr-a", 1))
	id := w.Payouts[0].ID

	cases := []billing.SettlementInput{
		{Status: "settled"},
		{Status: billing.PayoutPartialPaid},
		{Status: billing.PayoutPartialPaid, PartialAmount: billing.AmountString("0")},
		{Status: billing.PayoutPaid, PartialAmount: billing.AmountString("abc")},
	}
	for i, in := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			_, err := e.RecordPayoutSettlement(ctx, id, in, admin)
			assert.ErrorIs(t, err, billing.ErrValidation)
		})
	}

	_, err := e.RecordPayoutSettlement(ctx, "missing", billing.SettlementInput{Status: billing.PayoutPaid}, admin)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestRecordPayoutSettlement_PaidDefaultsDate(t *testing.T) {
	e, _ := newTestEngine(t)
	c := openCase(t, e)
	w := addCharge(t, e, consultFor(c.ID, "dr-a", 1))

	p, err := e.RecordPayoutSettlement(context.Background(), w.Payouts[0].ID,
		billing.SettlementInput{Status: billing.PayoutPaid, Reference: "UTR-1"}, admin)

	require.NoError(t, err)
	require.NotNil(t, p.Settlement.SettledOn)
	assert.Equal(t, testNow, *p.Settlement.SettledOn)
	assert.True(t, p.DoctorChargeAmount.Equal(dec("300")), "totals untouched")
}

func TestRecordPayoutSettlement_CancelledWhileWaiting_Rejected(t *testing.T) {
	// GIVEN: A pending payout
	// WHEN: It is cancelled and resynced while a settle waits on the pair key
	// THEN: The settle is rejected and the pair keeps one active payout

	locks := newHookLocker()
	e, mem := newTestEngine(t, billing.WithLocker(locks))
	ctx := context.Background()
	c := openCase(t, e)
	w := addCharge(t, e, consultFor(c.ID, "dr-a", 1))
	stale := w.Payouts[0]

	locks.before("payout:"+stale.Key().String(), func() {
		_, err := e.RecordPayoutSettlement(ctx, stale.ID, billing.SettlementInput{Status: billing.PayoutCancelled}, admin)
		require.NoError(t, err)
		_, err = e.SyncPayout(ctx, c.ID, "dr-a")
		require.NoError(t, err)
	})

	_, err := e.RecordPayoutSettlement(ctx, stale.ID, billing.SettlementInput{Status: billing.PayoutPaid}, admin)
	var vErr *billing.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "status", vErr.Field)

	all, err := mem.ListPayouts(ctx, billing.PayoutFilter{CaseID: c.ID})
	require.NoError(t, err)
	active := 0
	for _, p := range all {
		if p.Settlement.Status != billing.PayoutCancelled {
			active++
			assert.Equal(t, billing.PayoutPending, p.Settlement.Status)
		}
	}
	assert.Equal(t, 1, active)
}
