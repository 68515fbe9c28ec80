package billing_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-billing/billing"
	"github.com/warp/care-billing/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)

var (
	admin = billing.Actor{ID: "admin-1", Admin: true}
	clerk = billing.Actor{ID: "clerk-1"}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestEngine returns an engine over a seeded memory store:
//
//	room    (Room)           consult (Consultation)
//	med     (Pharmacy)       cbc     (Pathology Lab)
//	dr-a rate for consult = 300, dr-b has no rates
func newTestEngine(t *testing.T, opts ...billing.Option) (*billing.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()

	mem.PutCatalogEntry(billing.CatalogEntry{ID: "room", Name: "Room", Categories: []string{"Room"}, Rate: dec("1000")})
	mem.PutCatalogEntry(billing.CatalogEntry{ID: "med", Name: "Paracetamol", Categories: []string{"Pharmacy"}, Rate: dec("20")})
	mem.PutCatalogEntry(billing.CatalogEntry{ID: "cbc", Name: "CBC", Categories: []string{"Pathology Lab"}, Rate: dec("350")})
	mem.PutCatalogEntry(billing.CatalogEntry{ID: "consult", Name: "Consultation", Categories: []string{"Consultation"}, Rate: dec("500")})
	mem.PutPhysician("dr-a", "Dr. Asha Rao")
	mem.PutPhysician("dr-b", "Dr. Ben Okafor")
	mem.PutPatient("pat-1", "Maria Lopez")
	mem.PutRate("dr-a", "consult", dec("300"))

	base := []billing.Option{
		billing.WithAuditLog(mem),
		billing.WithLogger(quietLogger()),
		billing.WithClock(func() time.Time { return testNow }),
	}
	return billing.NewEngine(mem, mem.Collaborators(), append(base, opts...)...), mem
}

func openCase(t *testing.T, e *billing.Engine) billing.Case {
	t.Helper()
	c, err := e.CreateCase(context.Background(), billing.CaseInput{PatientID: "pat-1"})
	require.NoError(t, err)
	return c
}

func addCharge(t *testing.T, e *billing.Engine, in billing.ChargeInput) billing.ChargeWrite {
	t.Helper()
	w, err := e.UpsertCharge(context.Background(), in, clerk)
	require.NoError(t, err)
	require.NoError(t, w.SyncErr)
	return w
}

func pay(t *testing.T, e *billing.Engine, caseID billing.CaseID, amount string) billing.Payment {
	t.Helper()
	p, err := e.RecordPayment(context.Background(), billing.PaymentInput{
		CaseID: caseID,
		Amount: billing.AmountString(amount),
	}, clerk)
	require.NoError(t, err)
	return p
}

// hookLocker runs a one-shot hook before the lock for a key is taken. It
// stands in for a writer that lands while a caller waits on the key.
type hookLocker struct {
	inner billing.Locker
	mu    sync.Mutex
	hooks map[string]func()
}

func newHookLocker() *hookLocker {
	return &hookLocker{inner: billing.NewKeyedMutex(), hooks: make(map[string]func())}
}

func (h *hookLocker) before(key string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[key] = fn
}

func (h *hookLocker) Lock(ctx context.Context, key string) (func(), error) {
	h.mu.Lock()
	fn := h.hooks[key]
	delete(h.hooks, key)
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
	return h.inner.Lock(ctx, key)
}
