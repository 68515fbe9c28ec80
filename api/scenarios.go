/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	billing data for demos and front-office development. Each scenario
	seeds the shared reference data (catalog, physicians, rates, patients)
	and then drives the engine to build cases, so payouts and case numbers
	come out exactly as they would in production.

AVAILABLE SCENARIOS:

	settled-case:       Hospital and pharmacy lines, discount, full payment; closable
	physician-payouts:  Rated and unrated physician lines feeding two payouts
	pending-payouts:    A cancelled payout left for the scanner to pick up
	legacy-charges:     Physician fees still held in the legacy store

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed catalog, physicians, patients and rates
 3. Open cases through the engine
 4. Add charges and payments through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "physician-payouts"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - store/sqlite/sqlite.go: Seed methods
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/billing"
)

// ScenarioStore is the seeding surface a scenario needs beyond the engine.
type ScenarioStore interface {
	Reset(ctx context.Context) error
	SaveCatalogEntry(ctx context.Context, e billing.CatalogEntry) error
	SavePhysicianRate(ctx context.Context, r billing.PhysicianRate) error
	SavePhysician(ctx context.Context, id billing.PhysicianID, name string) error
	SavePatient(ctx context.Context, id billing.PatientID, name string) error
	AddLegacyPhysicianCharge(ctx context.Context, l billing.LegacyPhysicianCharge) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "settled-case",
		Name:        "Settled Case",
		Description: "Room and pharmacy charges with a discount, paid in full and ready to close",
	},
	{
		ID:          "physician-payouts",
		Name:        "Physician Payouts",
		Description: "Consultations by a rated and an unrated physician with their payouts",
	},
	{
		ID:          "pending-payouts",
		Name:        "Pending Payouts",
		Description: "A cancelled payout that the pending-payout scanner reports",
	},
	{
		ID:          "legacy-charges",
		Name:        "Legacy Physician Charges",
		Description: "Physician fees in the legacy store, counted in the balance before migration",
	},
}

// Each loader returns the case it built.
var scenarioLoaders = map[string]func(context.Context, *Handler) (billing.CaseID, error){
	"settled-case":      loadSettledCase,
	"physician-payouts": loadPhysicianPayouts,
	"pending-payouts":   loadPendingPayouts,
	"legacy-charges":    loadLegacyCharges,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if h.Seeds == nil {
		writeError(w, http.StatusNotImplemented, "Scenarios are not available on this store", nil)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if err := h.Seeds.Reset(ctx); err != nil {
		h.writeEngineError(w, r, "LoadScenario", err)
		return
	}
	if err := seedReferenceData(ctx, h.Seeds); err != nil {
		h.writeEngineError(w, r, "LoadScenario", err)
		return
	}
	caseID, err := load(ctx, h)
	if err != nil {
		h.writeEngineError(w, r, "LoadScenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
		"case_id":  string(caseID),
	})
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func seedReferenceData(ctx context.Context, s ScenarioStore) error {
	entries := []billing.CatalogEntry{
		{ID: "room-general", Name: "General Ward Bed", Categories: []string{"Room"}, Rate: decimal.NewFromInt(1000)},
		{ID: "nursing", Name: "Nursing Care", Categories: []string{"Nursing"}, Rate: decimal.NewFromInt(400)},
		{ID: "paracetamol", Name: "Paracetamol 500mg", Categories: []string{"Pharmacy"}, Rate: decimal.NewFromInt(20)},
		{ID: "cbc", Name: "Complete Blood Count", Categories: []string{"Pathology Lab"}, Rate: decimal.NewFromInt(350)},
		{ID: "consult", Name: "Specialist Consultation", Categories: []string{"Consultation"}, Rate: decimal.NewFromInt(500)},
		{ID: "surgery-minor", Name: "Minor Procedure", Categories: []string{"Procedure"}, Rate: decimal.NewFromInt(5000)},
	}
	for _, e := range entries {
		if err := s.SaveCatalogEntry(ctx, e); err != nil {
			return err
		}
	}

	physicians := map[billing.PhysicianID]string{
		"dr-rao":    "Dr. Asha Rao",
		"dr-okafor": "Dr. Ben Okafor",
		"dr-silva":  "Dr. Carla Silva",
	}
	for id, name := range physicians {
		if err := s.SavePhysician(ctx, id, name); err != nil {
			return err
		}
	}

	patients := map[billing.PatientID]string{
		"pat-lopez":  "Maria Lopez",
		"pat-nguyen": "Thanh Nguyen",
		"pat-haddad": "Omar Haddad",
	}
	for id, name := range patients {
		if err := s.SavePatient(ctx, id, name); err != nil {
			return err
		}
	}

	// dr-okafor deliberately has no consult rate.
	rates := []billing.PhysicianRate{
		{ID: "rate-rao-consult", PhysicianID: "dr-rao", CatalogEntryID: "consult", Amount: decimal.NewFromInt(300)},
		{ID: "rate-rao-surgery", PhysicianID: "dr-rao", CatalogEntryID: "surgery-minor", Amount: decimal.NewFromInt(2000)},
		{ID: "rate-okafor-surgery", PhysicianID: "dr-okafor", CatalogEntryID: "surgery-minor", Amount: decimal.NewFromInt(1800)},
		{ID: "rate-silva-consult", PhysicianID: "dr-silva", CatalogEntryID: "consult", Amount: decimal.NewFromInt(250)},
	}
	for _, r := range rates {
		if err := s.SavePhysicianRate(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// charge writes one line as the system actor and surfaces sync failures.
func charge(ctx context.Context, e *billing.Engine, in billing.ChargeInput) error {
	w, err := e.UpsertCharge(ctx, in, billing.System)
	if err != nil {
		return err
	}
	return w.SyncErr
}

func loadSettledCase(ctx context.Context, h *Handler) (billing.CaseID, error) {
	e := h.Engine
	c, err := e.CreateCase(ctx, billing.CaseInput{
		PatientID: "pat-lopez",
		Kind:      billing.CaseOutpatient,
		Discount:  billing.AmountString("150"),
	})
	if err != nil {
		return "", err
	}

	lines := []billing.ChargeInput{
		{CaseID: c.ID, CatalogEntryID: "room-general", Kind: billing.KindHospital, Quantity: 1, UnitAmount: billing.AmountString("1000")},
		{CaseID: c.ID, CatalogEntryID: "paracetamol", Kind: billing.KindPharmacy, Quantity: 10, UnitAmount: billing.AmountString("20")},
	}
	for _, in := range lines {
		if err := charge(ctx, e, in); err != nil {
			return "", err
		}
	}

	_, err = e.RecordPayment(ctx, billing.PaymentInput{
		CaseID: c.ID,
		Amount: billing.AmountString("1050"),
		Mode:   "card",
	}, billing.System)
	return c.ID, err
}

func loadPhysicianPayouts(ctx context.Context, h *Handler) (billing.CaseID, error) {
	e := h.Engine
	c, err := e.CreateCase(ctx, billing.CaseInput{PatientID: "pat-nguyen", Kind: billing.CaseInpatient})
	if err != nil {
		return "", err
	}

	day := time.Now().UTC().Truncate(24 * time.Hour)
	lines := []billing.ChargeInput{
		{CaseID: c.ID, CatalogEntryID: "room-general", Kind: billing.KindHospital, Quantity: 3, UnitAmount: billing.AmountString("1000")},
		{CaseID: c.ID, CatalogEntryID: "nursing", Kind: billing.KindHospital, Quantity: 3, UnitAmount: billing.AmountString("400")},
		{CaseID: c.ID, CatalogEntryID: "cbc", Kind: billing.KindPathology, Quantity: 1, UnitAmount: billing.AmountString("350")},
		{CaseID: c.ID, CatalogEntryID: "consult", PhysicianID: "dr-rao", Kind: billing.KindHospital, Quantity: 2, UnitAmount: billing.AmountString("500"), ChargeDate: day},
		{CaseID: c.ID, CatalogEntryID: "surgery-minor", PhysicianID: "dr-rao", Kind: billing.KindHospital, Quantity: 1, UnitAmount: billing.AmountString("5000"), ChargeDate: day},
		{CaseID: c.ID, CatalogEntryID: "consult", PhysicianID: "dr-okafor", Kind: billing.KindHospital, Quantity: 1, UnitAmount: billing.AmountString("500"), ChargeDate: day},
		{CaseID: c.ID, PhysicianID: "dr-okafor", PhysicianService: true, TotalAmount: billing.AmountString("750"), Description: "Night visit fee", ChargeDate: day},
	}
	for _, in := range lines {
		if err := charge(ctx, e, in); err != nil {
			return "", err
		}
	}

	_, err = e.RecordPayment(ctx, billing.PaymentInput{
		CaseID: c.ID,
		Amount: billing.AmountString("5000"),
		Mode:   "insurance",
		Notes:  "Pre-authorisation",
	}, billing.System)
	return c.ID, err
}

func loadPendingPayouts(ctx context.Context, h *Handler) (billing.CaseID, error) {
	e := h.Engine
	c, err := e.CreateCase(ctx, billing.CaseInput{PatientID: "pat-haddad", Kind: billing.CaseOutpatient})
	if err != nil {
		return "", err
	}

	w, err := e.UpsertCharge(ctx, billing.ChargeInput{
		CaseID:         c.ID,
		CatalogEntryID: "consult",
		PhysicianID:    "dr-silva",
		Quantity:       1,
		UnitAmount:     billing.AmountString("500"),
	}, billing.System)
	if err != nil {
		return "", err
	}
	if w.SyncErr != nil {
		return "", w.SyncErr
	}

	// Cancelling frees the pair, so the scanner reports it until the next sync.
	for _, p := range w.Payouts {
		if p.ID == "" {
			continue
		}
		if _, err := e.RecordPayoutSettlement(ctx, p.ID, billing.SettlementInput{
			Status:  billing.PayoutCancelled,
			Comment: "Raised against the wrong physician; re-sync pending",
		}, billing.System); err != nil {
			return "", err
		}
	}
	return c.ID, nil
}

func loadLegacyCharges(ctx context.Context, h *Handler) (billing.CaseID, error) {
	e := h.Engine
	c, err := e.CreateCase(ctx, billing.CaseInput{PatientID: "pat-lopez", Kind: billing.CaseInpatient})
	if err != nil {
		return "", err
	}

	if err := charge(ctx, e, billing.ChargeInput{
		CaseID: c.ID, CatalogEntryID: "room-general", Kind: billing.KindHospital, Quantity: 2, UnitAmount: billing.AmountString("1000"),
	}); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	legacy := []billing.LegacyPhysicianCharge{
		{ID: "lg-1", CaseID: c.ID, PhysicianID: "dr-rao", Amount: decimal.NewFromInt(1200), ChargedOn: now, Description: "Ward round"},
		{ID: "lg-2", CaseID: c.ID, PhysicianID: "dr-okafor", Amount: decimal.NewFromInt(800), ChargedOn: now, Description: "Anaesthesia review"},
	}
	for _, l := range legacy {
		if err := h.Seeds.AddLegacyPhysicianCharge(ctx, l); err != nil {
			return "", err
		}
	}
	return c.ID, nil
}
