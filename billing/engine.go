/*
engine.go - Entry point tying the store, collaborators and rules together

PURPOSE:
  Engine exposes the operations of the billing core. Each operation is
  request-scoped and synchronous; the only suspension points are calls to
  the store, the collaborators and the locker.

LOCKING:
  Two key families are used, always acquired in this order:
    case:<caseID>                    charge/payment/discount writes and close
    payout:<caseID>:<physicianID>    payout recompute-and-upsert
  Holding the case key while closing means no charge or payment write can
  land between the balance check and the status change. Holding the payout
  key while recomputing means two synchronizer runs for the same pair never
  interleave.

SEE ALSO:
  - lifecycle.go, charges.go, payments.go, payout.go, scanner.go
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Collaborators are the external services the engine consumes.
type Collaborators struct {
	Catalog   Catalog
	Rates     RateTable
	Directory Directory
	Sequences SequenceAllocator
}

type Engine struct {
	store      Store
	catalog    Catalog
	rates      RateTable
	directory  Directory
	sequences  SequenceAllocator
	locker     Locker
	audit      AuditLog
	classifier *Classifier
	log        logrus.FieldLogger
	now        func() time.Time
}

type Option func(*Engine)

// WithLocker replaces the in-process KeyedMutex.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

// WithAuditLog records admin overrides on closed cases.
func WithAuditLog(a AuditLog) Option { return func(e *Engine) { e.audit = a } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func WithClassifier(c *Classifier) Option { return func(e *Engine) { e.classifier = c } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, c Collaborators, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		catalog:    c.Catalog,
		rates:      c.Rates,
		directory:  c.Directory,
		sequences:  c.Sequences,
		locker:     NewKeyedMutex(),
		classifier: DefaultClassifier(),
		log:        logrus.StandardLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	return fn()
}

// catalogEntry resolves an entry through a per-call cache. Freeform lines
// and unknown ids resolve to nil.
func (e *Engine) catalogEntry(ctx context.Context, id CatalogEntryID, cache map[CatalogEntryID]*CatalogEntry) (*CatalogEntry, error) {
	if id == "" || e.catalog == nil {
		return nil, nil
	}
	if entry, ok := cache[id]; ok {
		return entry, nil
	}
	entry, err := e.catalog.CatalogEntry(ctx, id)
	if IsNotFound(err) {
		cache[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog lookup %s: %w", id, err)
	}
	cache[id] = &entry
	return &entry, nil
}
