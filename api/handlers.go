/*
handlers.go - HTTP API handlers for the obligation engine

PURPOSE:
  Exposes the obligation engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Obligations:
    GET    /api/obligations?month=&year=        Monthly obligation view
    POST   /api/obligations/{id}/settle         Settle a rule period or a bill

  Rules:
    GET    /api/rules?active=true               List rules
    POST   /api/rules                           Create rule (factory.RuleJSON)
    GET    /api/rules/{id}                      Get rule
    POST   /api/rules/{id}/activate|deactivate  Resume / pause
    GET    /api/rules/{id}/evaluate             Pure calendar evaluation
    GET    /api/rules/{id}/overrides            List overrides
    POST   /api/rules/{id}/overrides            Create override (409 on duplicate)
    PUT    /api/rules/{id}/overrides/{y}/{m}    Upsert override
    DELETE /api/rules/{id}/overrides/{y}/{m}    Delete override

  Bills:
    GET    /api/bills?month=&year=              List bills for a period
    POST   /api/bills                           Create bill
    POST   /api/bills/{id}/renew                Copy bill onto the next period

  Accounts:
    GET    /api/accounts                        List accounts
    POST   /api/accounts                        Create account or reset balance

  Forecast:
    GET    /api/forecast/days?horizon=          Daily projection
    GET    /api/forecast/months?horizon=        Monthly projection
    GET    /api/forecast/snapshots/latest       Latest batch snapshot

IDENTITY:
  Every route is scoped to the X-User-ID caller. Records owned by another
  user are reported as 404, the same as missing ones.

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with status:
  - 400: Validation errors, invalid input, not applicable
  - 404: Resource not found (or not owned)
  - 409: Already settled, duplicate override, skipped period
  - 500: Internal errors (logged)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API persists through.
type Store interface {
	engine.TxStore
	engine.SnapshotStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       Store
	Service     *engine.Service
	View        *engine.ViewBuilder
	Projector   *engine.Projector
	RuleFactory *factory.RuleFactory
	Clock       engine.Clock
	Logger      *zap.Logger

	DefaultHorizonDays   int
	DefaultHorizonMonths int

	// Scenario most recently loaded per user
	mu        sync.Mutex
	scenarios map[engine.UserID]string
}

// NewHandler wires the engine components over one store.
func NewHandler(store Store, clock engine.Clock, settings engine.ForecastSettings, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:                store,
		Service:              engine.NewService(store, clock, logger),
		View:                 engine.NewViewBuilder(store, clock),
		Projector:            engine.NewProjector(store, clock, settings),
		RuleFactory:          factory.NewRuleFactory(),
		Clock:                clock,
		Logger:               logger,
		DefaultHorizonDays:   30,
		DefaultHorizonMonths: 6,
		scenarios:            make(map[engine.UserID]string),
	}
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// ListObligations returns the merged rule and bill view for one month.
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	period, err := h.periodParam(r)
	if err != nil {
		h.fail(w, err)
		return
	}

	obs, err := h.View.ListObligations(r.Context(), userFrom(r.Context()), period)
	if err != nil {
		h.fail(w, err)
		return
	}

	dtos := make([]ObligationDTO, len(obs))
	for i, o := range obs {
		dtos[i] = toObligationDTO(o)
	}
	writeJSON(w, http.StatusOK, ObligationsResponse{
		Period:      period.String(),
		Obligations: dtos,
		Summary:     toSummaryDTO(engine.Summarize(obs)),
	})
}

// Settle pays one obligation. For rules the id is the rule id, for bills
// the bill id.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	ctx := r.Context()
	user := userFrom(ctx)
	id := chi.URLParam(r, "id")

	var (
		res *engine.Settlement
		err error
	)
	if req.IsRecurring {
		var period *engine.Period
		if req.Month != 0 || req.Year != 0 {
			p := engine.NewPeriod(req.Year, monthOf(req.Month))
			period = &p
		}
		res, err = h.Service.SettleRule(ctx, user, engine.RuleID(id), period)
	} else {
		res, err = h.Service.SettleBill(ctx, user, engine.BillID(id))
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementDTO(res))
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := h.Service.Rules(r.Context(), userFrom(r.Context()), activeOnly)
	if err != nil {
		h.fail(w, err)
		return
	}

	dtos := make([]factory.RuleJSON, len(rules))
	for i, rule := range rules {
		dtos[i] = h.RuleFactory.ToJSON(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule accepts a factory.RuleJSON body.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rj factory.RuleJSON
	if err := decodeJSON(r, &rj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	in, err := h.RuleFactory.FromJSON(userFrom(r.Context()), rj)
	if err != nil {
		h.fail(w, err)
		return
	}
	rule, err := h.Service.CreateRule(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.RuleFactory.ToJSON(rule))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Service.Rule(r.Context(), userFrom(r.Context()), engine.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.RuleFactory.ToJSON(rule))
}

func (h *Handler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, true)
}

func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, false)
}

func (h *Handler) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	rule, err := h.Service.SetRuleActive(r.Context(), userFrom(r.Context()), engine.RuleID(chi.URLParam(r, "id")), active)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.RuleFactory.ToJSON(rule))
}

// EvaluateRule answers "does the rule produce an obligation in this period"
// without touching the rule's cursor.
func (h *Handler) EvaluateRule(w http.ResponseWriter, r *http.Request) {
	period, err := h.periodParam(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := period.Validate(); err != nil {
		h.fail(w, err)
		return
	}
	rule, err := h.Service.Rule(r.Context(), userFrom(r.Context()), engine.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}

	ev := engine.Evaluate(rule, period)
	writeJSON(w, http.StatusOK, EvaluationDTO{
		RuleID:      string(rule.ID),
		Period:      period.String(),
		Applicable:  ev.Applicable,
		DueDate:     ev.DueDate.String(),
		Installment: ev.Installment,
	})
}

// =============================================================================
// OVERRIDE HANDLERS
// =============================================================================

func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.Service.Overrides(r.Context(), userFrom(r.Context()), engine.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]OverrideDTO, len(overrides))
	for i, o := range overrides {
		dtos[i] = toOverrideDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateOverride takes the period from the body and refuses to replace an
// existing override.
func (h *Handler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	o, err := h.Service.CreateOverride(r.Context(), userFrom(r.Context()),
		overrideInput(chi.URLParam(r, "id"), engine.NewPeriod(req.Year, monthOf(req.Month)), req))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOverrideDTO(o))
}

// UpsertOverride takes the period from the path.
func (h *Handler) UpsertOverride(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req OverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	o, err := h.Service.UpsertOverride(r.Context(), userFrom(r.Context()), overrideInput(chi.URLParam(r, "id"), period, req))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(o))
}

func (h *Handler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.Service.DeleteOverride(r.Context(), userFrom(r.Context()), engine.RuleID(chi.URLParam(r, "id")), period); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func overrideInput(ruleID string, period engine.Period, req OverrideRequest) engine.OverrideInput {
	return engine.OverrideInput{
		RuleID: engine.RuleID(ruleID),
		Period: period,
		Kind:   engine.OverrideKind(req.Kind),
		Amount: req.Amount,
		Name:   req.Name,
		Notes:  req.Notes,
	}
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	period, err := h.periodParam(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	bills, err := h.Service.Bills(r.Context(), userFrom(r.Context()), period)
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]BillDTO, len(bills))
	for i, b := range bills {
		dtos[i] = toBillDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req CreateBillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	b, err := h.Service.CreateBill(r.Context(), engine.BillInput{
		UserID:    userFrom(r.Context()),
		Name:      req.Name,
		Category:  req.Category,
		Amount:    req.Amount,
		AccountID: engine.AccountID(req.AccountID),
		DueDay:    req.DueDay,
		Period:    engine.NewPeriod(req.Year, monthOf(req.Month)),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillDTO(b))
}

func (h *Handler) RenewBill(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.RenewBill(r.Context(), userFrom(r.Context()), engine.BillID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillDTO(b))
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveAccount creates an account or resets the balance of one the caller
// owns.
func (h *Handler) SaveAccount(w http.ResponseWriter, r *http.Request) {
	var req SaveAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name == "" {
		h.fail(w, &engine.ValidationError{Field: "name", Message: "is required"})
		return
	}
	ctx := r.Context()
	user := userFrom(ctx)

	a := engine.Account{
		ID:       engine.AccountID(req.ID),
		UserID:   user,
		Name:     req.Name,
		Balance:  req.Balance,
		IsActive: true,
	}
	if a.ID == "" {
		a.ID = engine.AccountID(uuid.NewString())
	} else if existing, err := h.Store.GetAccount(ctx, a.ID); err == nil && existing.UserID != user {
		h.fail(w, engine.ErrAccountNotFound)
		return
	}

	if err := h.Store.SaveAccount(ctx, a); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(a))
}

// =============================================================================
// FORECAST HANDLERS
// =============================================================================

func (h *Handler) ForecastDays(w http.ResponseWriter, r *http.Request) {
	horizon, err := intParam(r, "horizon", h.DefaultHorizonDays)
	if err != nil {
		h.fail(w, err)
		return
	}
	f, err := h.Projector.ProjectDays(r.Context(), userFrom(r.Context()), horizon)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDayForecastDTO(f))
}

func (h *Handler) ForecastMonths(w http.ResponseWriter, r *http.Request) {
	horizon, err := intParam(r, "horizon", h.DefaultHorizonMonths)
	if err != nil {
		h.fail(w, err)
		return
	}
	f, err := h.Projector.ProjectMonths(r.Context(), userFrom(r.Context()), horizon)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthForecastDTO(f))
}

func (h *Handler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Store.LatestSnapshot(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// =============================================================================
// HELPERS
// =============================================================================

// periodParam reads ?month=&year=, defaulting each to today's.
func (h *Handler) periodParam(r *http.Request) (engine.Period, error) {
	current := engine.Today(h.Clock).Period()
	year, err := intParam(r, "year", current.Year)
	if err != nil {
		return engine.Period{}, err
	}
	month, err := intParam(r, "month", int(current.Month))
	if err != nil {
		return engine.Period{}, err
	}
	return engine.NewPeriod(year, monthOf(month)), nil
}

func pathPeriod(r *http.Request) (engine.Period, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return engine.Period{}, &engine.ValidationError{Field: "year", Message: "must be a number", Err: engine.ErrInvalidPeriod}
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		return engine.Period{}, &engine.ValidationError{Field: "month", Message: "must be a number", Err: engine.ErrInvalidPeriod}
	}
	return engine.NewPeriod(year, monthOf(month)), nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &engine.ValidationError{Field: name, Message: fmt.Sprintf("%q is not a number", v), Err: engine.ErrInvalidPeriod}
	}
	return n, nil
}

// monthOf converts without normalizing, so 13 stays invalid for Validate.
func monthOf(m int) time.Month { return time.Month(m) }

// decodeJSON treats an empty body as an empty object.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// fail maps engine errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		ve *engine.ValidationError
		ce *engine.SettlementConflictError
	)
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, err.Error(), map[string]string{
			"existing_transaction_id": string(ce.ExistingTransactionID),
		})
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error(), map[string]string{"field": ve.Field})
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	default:
		h.Logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}
