package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-billing/billing"
	"github.com/warp/care-billing/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2026, time.June, 1, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, s *sqlite.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCatalogEntry(ctx, billing.CatalogEntry{
		ID: "consult", Name: "Consultation", Categories: []string{"Consultation"}, Rate: decimal.NewFromInt(500),
	}))
	require.NoError(t, s.SaveCatalogEntry(ctx, billing.CatalogEntry{
		ID: "med", Name: "Antibiotics", Categories: []string{"Pharmacy", "Ward"}, Rate: decimal.NewFromInt(40),
	}))
	require.NoError(t, s.SavePhysicianRate(ctx, billing.PhysicianRate{
		PhysicianID: "dr-a", CatalogEntryID: "consult", Amount: decimal.NewFromInt(300),
	}))
	require.NoError(t, s.SavePhysician(ctx, "dr-a", "Dr. Asha Rao"))
	require.NoError(t, s.SavePatient(ctx, "pat-1", "Maria Lopez"))
}

func newTestEngine(t *testing.T) (*billing.Engine, *sqlite.Store) {
	s := newTestStore(t)
	seed(t, s)
	e := billing.NewEngine(s, s.Collaborators(),
		billing.WithAuditLog(s),
		billing.WithClock(func() time.Time { return now }),
	)
	return e, s
}

func newCase(t *testing.T, s *sqlite.Store, id billing.CaseID) billing.Case {
	c := billing.Case{
		ID: id, Number: "CASE-2026-" + string(id), PatientID: "pat-1",
		Kind: billing.CaseOutpatient, Status: billing.CaseOpen,
		Discount: decimal.Zero, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateCase(context.Background(), c))
	return c
}

// =============================================================================
// RECORD ROUND TRIPS
// =============================================================================

func TestStore_CaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newCase(t, s, "c1")

	closedAt := now.Add(time.Hour)
	c.Status = billing.CaseClosed
	c.ClosedAt = &closedAt
	c.Discount = decimal.RequireFromString("150.25")
	require.NoError(t, s.UpdateCase(ctx, c))

	got, err := s.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, billing.CaseClosed, got.Status)
	assert.True(t, got.Discount.Equal(c.Discount))
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))

	_, err = s.GetCase(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
	assert.ErrorIs(t, s.UpdateCase(ctx, billing.Case{ID: "missing"}), billing.ErrNotFound)
}

func TestStore_CatalogCategoriesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	e, err := s.CatalogEntry(context.Background(), "med")
	require.NoError(t, err)
	assert.Equal(t, []string{"Pharmacy", "Ward"}, e.Categories)

	_, err = s.CatalogEntry(context.Background(), "nope")
	assert.True(t, billing.IsNotFound(err))
}

func TestStore_PhysicianRate_FoundAndMissing(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	rate, found, err := s.PhysicianRate(ctx, "dr-a", "consult")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, rate.Equal(decimal.NewFromInt(300)))

	_, found, err = s.PhysicianRate(ctx, "dr-a", "med")
	require.NoError(t, err)
	assert.False(t, found)
}

// =============================================================================
// ATOMIC SEQUENCES
// =============================================================================

func TestStore_NextSequence_StartsAt1000PerYear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.NextSequence(ctx, 2026)
	require.NoError(t, err)
	second, err := s.NextSequence(ctx, 2026)
	require.NoError(t, err)
	other, err := s.NextSequence(ctx, 2027)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), first)
	assert.Equal(t, int64(1001), second)
	assert.Equal(t, int64(1000), other)
}

func TestStore_NextSequence_ConcurrentAllocationsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.NextSequence(ctx, 2026)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

// =============================================================================
// PAYOUT UPSERT
// =============================================================================

func TestStore_UpsertPayoutTotals_InsertThenUpdate(t *testing.T) {
	// GIVEN: No payout for (c1, dr-a)
	// WHEN: Upserting twice with different offered ids
	// THEN: The first inserts, the second updates totals on the same row

	s := newTestStore(t)
	ctx := context.Background()
	newCase(t, s, "c1")

	p1, created, err := s.UpsertPayoutTotals(ctx, billing.Payout{
		ID: "p1", CaseID: "c1", PhysicianID: "dr-a", PhysicianName: "Dr. Asha Rao",
		TotalChargeAmount: decimal.NewFromInt(500), DoctorChargeAmount: decimal.NewFromInt(300),
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, billing.PayoutPending, p1.Settlement.Status)

	p2, created, err := s.UpsertPayoutTotals(ctx, billing.Payout{
		ID: "p2", CaseID: "c1", PhysicianID: "dr-a", PhysicianName: "ignored",
		TotalChargeAmount: decimal.NewFromInt(1000), DoctorChargeAmount: decimal.NewFromInt(600),
		UnratedLines: 1, UpdatedAt: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, billing.PayoutID("p1"), p2.ID)
	assert.Equal(t, "Dr. Asha Rao", p2.PhysicianName)
	assert.True(t, p2.DoctorChargeAmount.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, 1, p2.UnratedLines)
}

func TestStore_UpsertPayoutTotals_KeepsSettlement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newCase(t, s, "c1")

	_, _, err := s.UpsertPayoutTotals(ctx, billing.Payout{ID: "p1", CaseID: "c1", PhysicianID: "dr-a", UpdatedAt: now})
	require.NoError(t, err)

	settled := now.Add(24 * time.Hour)
	require.NoError(t, s.SavePayoutSettlement(ctx, "p1", billing.PayoutSettlement{
		Status: billing.PayoutPartialPaid, PartialAmount: decimal.NewFromInt(100),
		SettledOn: &settled, Mode: "bank", Reference: "UTR-9", Comment: "half",
	}, settled))

	p, _, err := s.UpsertPayoutTotals(ctx, billing.Payout{
		ID: "p-new", CaseID: "c1", PhysicianID: "dr-a", DoctorChargeAmount: decimal.NewFromInt(900), UpdatedAt: settled,
	})
	require.NoError(t, err)

	assert.Equal(t, billing.PayoutPartialPaid, p.Settlement.Status)
	assert.True(t, p.Settlement.PartialAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "UTR-9", p.Settlement.Reference)
	require.NotNil(t, p.Settlement.SettledOn)
	assert.True(t, p.Settlement.SettledOn.Equal(settled))
}

func TestStore_CancelledPayoutFreesPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newCase(t, s, "c1")

	_, _, err := s.UpsertPayoutTotals(ctx, billing.Payout{ID: "p1", CaseID: "c1", PhysicianID: "dr-a", UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, s.SavePayoutSettlement(ctx, "p1", billing.PayoutSettlement{Status: billing.PayoutCancelled}, now))

	_, err = s.ActivePayout(ctx, billing.CasePhysician{CaseID: "c1", PhysicianID: "dr-a"})
	assert.ErrorIs(t, err, billing.ErrNotFound)

	p, created, err := s.UpsertPayoutTotals(ctx, billing.Payout{ID: "p2", CaseID: "c1", PhysicianID: "dr-a", UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, billing.PayoutID("p2"), p.ID)

	// Re-activating the cancelled row would create a second active payout.
	err = s.SavePayoutSettlement(ctx, "p1", billing.PayoutSettlement{Status: billing.PayoutPending}, now)
	assert.ErrorIs(t, err, billing.ErrValidation)

	all, err := s.ListPayouts(ctx, billing.PayoutFilter{CaseID: "c1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	cancelled, err := s.ListPayouts(ctx, billing.PayoutFilter{Status: billing.PayoutCancelled})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
}

func TestStore_ConcurrentUpserts_SingleActivePayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newCase(t, s, "c1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.UpsertPayoutTotals(ctx, billing.Payout{
				ID: billing.PayoutID(billing.NewID()), CaseID: "c1", PhysicianID: "dr-a", UpdatedAt: now,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.ListPayouts(ctx, billing.PayoutFilter{CaseID: "c1", PhysicianID: "dr-a"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// DELETE CASE
// =============================================================================

func TestStore_DeleteCase_KeepsSettledPayouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newCase(t, s, "c1")

	require.NoError(t, s.SaveCharge(ctx, billing.CaseCharge{
		ID: "ch1", CaseID: "c1", Kind: billing.KindHospital, Line: billing.HospitalLine,
		Quantity: 1, ChargeDate: now, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SavePayment(ctx, billing.Payment{ID: "pm1", CaseID: "c1", PaidOn: now, CreatedAt: now, UpdatedAt: now}))
	_, _, err := s.UpsertPayoutTotals(ctx, billing.Payout{ID: "paid", CaseID: "c1", PhysicianID: "dr-a", UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, s.SavePayoutSettlement(ctx, "paid", billing.PayoutSettlement{Status: billing.PayoutPaid}, now))
	_, _, err = s.UpsertPayoutTotals(ctx, billing.Payout{ID: "open", CaseID: "c1", PhysicianID: "dr-b", UpdatedAt: now})
	require.NoError(t, err)

	require.NoError(t, s.DeleteCase(ctx, "c1"))

	_, err = s.GetCharge(ctx, "ch1")
	assert.True(t, billing.IsNotFound(err))
	payments, err := s.PaymentsByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, payments)

	_, err = s.GetPayout(ctx, "paid")
	assert.NoError(t, err)
	_, err = s.GetPayout(ctx, "open")
	assert.True(t, billing.IsNotFound(err))

	assert.ErrorIs(t, s.DeleteCase(ctx, "c1"), billing.ErrNotFound)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_EndToEnd(t *testing.T) {
	// GIVEN: A case with a consult (qty 2, unit 500) for dr-a and a legacy fee
	// WHEN: It is paid in full and closed
	// THEN: The payout reflects the rate and the legacy fee, the case closes

	e, s := newTestEngine(t)
	ctx := context.Background()

	c, err := e.CreateCase(ctx, billing.CaseInput{PatientID: "pat-1", Kind: billing.CaseInpatient})
	require.NoError(t, err)
	assert.Equal(t, "CASE-2026-1000", c.Number)

	w, err := e.UpsertCharge(ctx, billing.ChargeInput{
		CaseID: c.ID, CatalogEntryID: "consult", PhysicianID: "dr-a", PhysicianService: true,
		Quantity: 2, UnitAmount: billing.AmountString("500"),
	}, billing.System)
	require.NoError(t, err)
	require.NoError(t, w.SyncErr)
	require.Len(t, w.Payouts, 1)
	assert.Equal(t, "Maria Lopez", w.Payouts[0].PatientName)
	assert.Equal(t, billing.CaseInpatient, w.Payouts[0].CaseKind)

	require.NoError(t, s.AddLegacyPhysicianCharge(ctx, billing.LegacyPhysicianCharge{
		ID: "41", CaseID: c.ID, PhysicianID: "dr-a", Amount: decimal.NewFromInt(200), ChargedOn: now,
	}))
	p, err := e.SyncPayout(ctx, c.ID, "dr-a")
	require.NoError(t, err)
	assert.True(t, p.DoctorChargeAmount.Equal(decimal.NewFromInt(800)))
	assert.True(t, p.TotalChargeAmount.Equal(decimal.NewFromInt(1200)))

	_, err = e.RecordPayment(ctx, billing.PaymentInput{CaseID: c.ID, Amount: billing.AmountString("1200")}, billing.System)
	require.NoError(t, err)

	closed, err := e.CloseCase(ctx, c.ID, billing.System)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed())

	admin := billing.Actor{ID: "root", Admin: true}
	_, err = e.UpdateDiscount(ctx, c.ID, billing.AmountString("10"), admin)
	require.NoError(t, err)
	entries, err := s.AuditByCase(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.AuditDiscountSet, entries[0].Action)
}
