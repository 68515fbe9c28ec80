/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to billing.Engine.

ENDPOINTS:
  Cases:
    POST   /api/cases                          Open a case
    GET    /api/cases/{id}                     Case details
    PUT    /api/cases/{id}/discount            Set the case discount
    DELETE /api/cases/{id}                     Administrative delete
    GET    /api/cases/{id}/balance             Computed balance
    GET    /api/cases/{id}/statement           Balance with classified lines
    POST   /api/cases/{id}/close               Close (balance must be zero)

  Charges and payments:
    GET    /api/cases/{id}/charges             Classified charge lines
    POST   /api/charges, PUT/DELETE /api/charges/{id}
    GET    /api/cases/{id}/payments            Payments on a case
    POST   /api/payments, PUT/DELETE /api/payments/{id}
    POST   /api/cases/{id}/legacy/migrate      Move legacy physician charges

  Payouts:
    POST   /api/cases/{id}/physicians/{physicianId}/payout/sync
    GET    /api/payouts                        Filter by case_id, doctor_id, status
    GET    /api/payouts/pending                Pairs with no payout yet
    POST   /api/payouts/reconcile              Sync every pending pair
    GET    /api/payouts/{id}
    PUT    /api/payouts/{id}/settlement        Record a manual settlement

ACTOR:
  The caller is read from the X-User-Id header. The admin capability is
  granted when that id is listed in config AdminUsers.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Admin capability required
  - 404: Resource not found
  - 409: Case is closed
  - 422: Balance not zero on close (body carries the balance)
  - 503: Lock not obtained in time
  - 500: Internal errors
  Business rejections are logged at debug; only 500s are logged as errors.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/care-billing/billing"
	"github.com/warp/care-billing/internal/config"
	"github.com/warp/care-billing/internal/logging"
)

// UserHeader carries the caller id.
const UserHeader = "X-User-Id"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Seeds  ScenarioStore

	cfg *config.Config
	log logrus.FieldLogger

	// scenarioMu serializes scenario loads and guards currentScenario.
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. seeds may be nil, which disables scenario loading.
func NewHandler(engine *billing.Engine, seeds ScenarioStore, cfg *config.Config, log logrus.FieldLogger) *Handler {
	return &Handler{
		Engine: engine,
		Seeds:  seeds,
		cfg:    cfg,
		log:    log,
	}
}

func (h *Handler) actor(r *http.Request) billing.Actor {
	id := r.Header.Get(UserHeader)
	if id == "" {
		return billing.Actor{ID: "anonymous"}
	}
	return billing.Actor{ID: id, Admin: h.cfg.IsAdmin(id)}
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

// CreateCase opens a new case.
// POST /api/cases
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Engine.CreateCase(r.Context(), billing.CaseInput{
		PatientID: billing.PatientID(req.PatientID),
		Kind:      billing.CaseKind(req.CaseType),
		Discount:  req.Discount,
	})
	if err != nil {
		h.writeEngineError(w, r, "CreateCase", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseDTO(c))
}

// GetCase returns a single case.
// GET /api/cases/{id}
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.GetCase(r.Context(), caseParam(r))
	if err != nil {
		h.writeEngineError(w, r, "GetCase", err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(c))
}

// UpdateDiscount sets the case-level discount.
// PUT /api/cases/{id}/discount
func (h *Handler) UpdateDiscount(w http.ResponseWriter, r *http.Request) {
	var req UpdateDiscountRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Engine.UpdateDiscount(r.Context(), caseParam(r), req.Discount, h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "UpdateDiscount", err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(c))
}

// DeleteCase removes an open case. Admin only.
// DELETE /api/cases/{id}
func (h *Handler) DeleteCase(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteCase(r.Context(), caseParam(r), h.actor(r)); err != nil {
		h.writeEngineError(w, r, "DeleteCase", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance returns the computed balance.
// GET /api/cases/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.ComputeBalance(r.Context(), caseParam(r))
	if err != nil {
		h.writeEngineError(w, r, "GetBalance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetStatement returns the balance with classified lines and payments.
// GET /api/cases/{id}/statement
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.CaseStatement(r.Context(), caseParam(r))
	if err != nil {
		h.writeEngineError(w, r, "GetStatement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(s))
}

// CloseCase closes a case whose balance is zero.
// POST /api/cases/{id}/close
func (h *Handler) CloseCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.CloseCase(r.Context(), caseParam(r), h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "CloseCase", err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(c))
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// ListCharges returns the classified lines of a case, legacy rows included.
// GET /api/cases/{id}/charges
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Engine.ListCharges(r.Context(), caseParam(r))
	if err != nil {
		h.writeEngineError(w, r, "ListCharges", err)
		return
	}
	writeJSON(w, http.StatusOK, toClassifiedDTOs(lines))
}

// CreateCharge adds a charge line and resyncs the affected payout.
// POST /api/charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	h.saveCharge(w, r, "", http.StatusCreated)
}

// UpdateCharge edits a charge line.
// PUT /api/charges/{id}
func (h *Handler) UpdateCharge(w http.ResponseWriter, r *http.Request) {
	h.saveCharge(w, r, billing.ChargeID(chi.URLParam(r, "id")), http.StatusOK)
}

func (h *Handler) saveCharge(w http.ResponseWriter, r *http.Request, id billing.ChargeID, status int) {
	var req ChargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput(id)
	if err != nil {
		h.writeEngineError(w, r, "SaveCharge", err)
		return
	}

	cw, err := h.Engine.UpsertCharge(r.Context(), in, h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "SaveCharge", err)
		return
	}
	writeJSON(w, status, toChargeWriteResponse(cw, true))
}

// DeleteCharge removes a charge line and resyncs the affected payout.
// DELETE /api/charges/{id}
func (h *Handler) DeleteCharge(w http.ResponseWriter, r *http.Request) {
	cw, err := h.Engine.DeleteCharge(r.Context(), billing.ChargeID(chi.URLParam(r, "id")), h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "DeleteCharge", err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeWriteResponse(cw, false))
}

// MigrateLegacy moves a case's legacy physician charges onto the unified ledger.
// POST /api/cases/{id}/legacy/migrate
func (h *Handler) MigrateLegacy(w http.ResponseWriter, r *http.Request) {
	caseID := caseParam(r)
	n, err := h.Engine.MigrateLegacyCharges(r.Context(), caseID, h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "MigrateLegacy", err)
		return
	}
	writeJSON(w, http.StatusOK, MigrateLegacyResponse{CaseID: string(caseID), Migrated: n})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns the payments of a case.
// GET /api/cases/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Engine.ListPayments(r.Context(), caseParam(r))
	if err != nil {
		h.writeEngineError(w, r, "ListPayments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(ps))
}

// CreatePayment records a payment.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput("")
	if err != nil {
		h.writeEngineError(w, r, "CreatePayment", err)
		return
	}

	p, err := h.Engine.RecordPayment(r.Context(), in, h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "CreatePayment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// UpdatePayment edits a payment.
// PUT /api/payments/{id}
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput(billing.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "UpdatePayment", err)
		return
	}

	p, err := h.Engine.UpdatePayment(r.Context(), in, h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "UpdatePayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// DeletePayment removes a payment.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeletePayment(r.Context(), billing.PaymentID(chi.URLParam(r, "id")), h.actor(r)); err != nil {
		h.writeEngineError(w, r, "DeletePayment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// SyncPayout recomputes the payout of one (case, physician) pair.
// POST /api/cases/{id}/physicians/{physicianId}/payout/sync
func (h *Handler) SyncPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.SyncPayout(r.Context(), caseParam(r), billing.PhysicianID(chi.URLParam(r, "physicianId")))
	if err != nil {
		h.writeEngineError(w, r, "SyncPayout", err)
		return
	}
	if p.ID == "" {
		// Nothing billable and no payout to update.
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// ListPayouts lists payouts, optionally filtered.
// GET /api/payouts?case_id=&doctor_id=&status=
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ps, err := h.Engine.ListPayouts(r.Context(), billing.PayoutFilter{
		CaseID:      billing.CaseID(q.Get("case_id")),
		PhysicianID: billing.PhysicianID(q.Get("doctor_id")),
		Status:      billing.PayoutStatus(q.Get("status")),
	})
	if err != nil {
		h.writeEngineError(w, r, "ListPayouts", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(ps))
}

// GetPayout returns a single payout.
// GET /api/payouts/{id}
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPayout(r.Context(), billing.PayoutID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "GetPayout", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// ListPendingPayouts runs the pending-payout scanner.
// GET /api/payouts/pending
func (h *Handler) ListPendingPayouts(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Engine.ListPendingPayouts(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "ListPendingPayouts", err)
		return
	}
	dtos := make([]PendingPayoutDTO, len(pending))
	for i, p := range pending {
		dtos[i] = toPendingDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReconcilePayouts syncs every pending pair.
// POST /api/payouts/reconcile
func (h *Handler) ReconcilePayouts(w http.ResponseWriter, r *http.Request) {
	results, err := h.Engine.ReconcilePendingPayouts(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "ReconcilePayouts", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(results))
}

// RecordSettlement records a manual payout settlement.
// PUT /api/payouts/{id}/settlement
func (h *Handler) RecordSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.writeEngineError(w, r, "RecordSettlement", err)
		return
	}

	p, err := h.Engine.RecordPayoutSettlement(r.Context(), billing.PayoutID(chi.URLParam(r, "id")), in, h.actor(r))
	if err != nil {
		h.writeEngineError(w, r, "RecordSettlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// =============================================================================
// HELPERS
// =============================================================================

func caseParam(r *http.Request) billing.CaseID {
	return billing.CaseID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. It writes the 400 response itself
// and reports false when the request should stop.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Details: f.Field() + " failed " + f.Tag(),
				Field:   f.Field(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeEngineError maps billing errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	var (
		balErr *billing.BalanceNotZeroError
		valErr *billing.ValidationError
	)
	switch {
	case errors.As(err, &balErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Balance not zero",
			Details: err.Error(),
			Balance: money(balErr.Balance),
		})
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Details: err.Error(),
			Field:   valErr.Field,
		})
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, billing.ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, billing.ErrCaseClosed):
		writeError(w, http.StatusConflict, "Case is closed", err)
	case errors.Is(err, billing.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case errors.Is(err, billing.ErrLockNotObtained):
		writeError(w, http.StatusServiceUnavailable, "Resource busy, retry", err)
	default:
		logging.LogError(h.log, "api", funcName, r.Method+" "+r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"module":   "api",
		"funcName": funcName,
		"path":     r.URL.Path,
	}).Debug(err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
