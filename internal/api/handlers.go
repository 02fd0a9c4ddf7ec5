// Package api exposes the ledger over HTTP/JSON.
//
// Amounts travel as decimal strings in whole units ("100.000000"); payout
// ratios as integers scaled by 1_000_000.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/strategy-vault/internal/auth"
	"github.com/atmx/strategy-vault/internal/definition"
	"github.com/atmx/strategy-vault/internal/ledger"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/settler"
)

// ReportReader looks up execution reports by event key.
type ReportReader interface {
	Get(ctx context.Context, eventKey string) (*model.ExecutionReport, error)
}

// Handlers serves the ledger API.
type Handlers struct {
	ledger  *ledger.Service
	reports ReportReader     // optional
	settler *settler.Settler // optional
	now     func() time.Time
}

// NewHandlers creates the API handlers. reports may be nil.
func NewHandlers(l *ledger.Service, reports ReportReader) *Handlers {
	return &Handlers{ledger: l, reports: reports, now: time.Now}
}

// WithSettler enables POST /strategies/{id}/finalize.
func (h *Handlers) WithSettler(s *settler.Settler) *Handlers {
	h.settler = s
	return h
}

// --- Request/Response types ---

// PurchaseRequest is the JSON body for POST /strategies/{id}/purchase.
type PurchaseRequest struct {
	GrossAmount model.Amount `json:"gross_amount"`
}

// SettleRequest is the JSON body for POST /strategies/{id}/settle.
type SettleRequest struct {
	PayoutPerPrincipalUnit int64 `json:"payout_per_principal_unit"`
}

// FinalizeRequest is the JSON body for POST /strategies/{id}/finalize.
type FinalizeRequest struct {
	MarketPnL model.Amount `json:"market_pnl"`
}

// ActiveRequest is the JSON body for POST /strategies/{id}/active.
type ActiveRequest struct {
	Active bool `json:"active"`
}

// CloseHedgeRequest is the JSON body for POST /strategies/{id}/hedge/close.
type CloseHedgeRequest struct {
	RealizedPnL model.Amount `json:"realized_pnl"`
}

// ApproveRequest is the JSON body for POST /custody/approve.
type ApproveRequest struct {
	Amount model.Amount `json:"amount"`
}

// DepositRequest is the JSON body for POST /custody/deposit.
type DepositRequest struct {
	Account string       `json:"account"`
	Amount  model.Amount `json:"amount"`
}

// CustodyResponse reports an account's custody state.
type CustodyResponse struct {
	Account   string       `json:"account"`
	Balance   model.Amount `json:"balance"`
	Allowance model.Amount `json:"allowance"`
}

// --- Catalog ---

// ListStrategies handles GET /api/v1/strategies
func (h *Handlers) ListStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.ListStrategies(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if list == nil {
		list = []model.Strategy{}
	}
	writeJSON(w, http.StatusOK, list)
}

// NextStrategyID handles GET /api/v1/strategies/next-id
func (h *Handlers) NextStrategyID(w http.ResponseWriter, r *http.Request) {
	next, err := h.ledger.NextStrategyID(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"next_strategy_id": next})
}

// GetStrategy handles GET /api/v1/strategies/{strategyID}
func (h *Handlers) GetStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	st, err := h.ledger.GetStrategy(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CreateStrategy handles POST /api/v1/strategies. The body is a strategy
// definition document from the discovery process.
func (h *Handlers) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	def, err := definition.Parse(r.Body, h.now())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, err := h.ledger.CreateStrategy(r.Context(), caller(r), def)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// --- Positions ---

// Purchase handles POST /api/v1/strategies/{strategyID}/purchase
func (h *Handlers) Purchase(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.ledger.Purchase(r.Context(), caller(r), id, req.GrossAmount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// PositionsOf handles GET /api/v1/positions/{user}
func (h *Handlers) PositionsOf(w http.ResponseWriter, r *http.Request) {
	ps, err := h.ledger.PositionsOf(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if ps == nil {
		ps = []model.Position{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// --- Settlement & claim ---

// Settle handles POST /api/v1/strategies/{strategyID}/settle
func (h *Handlers) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.ledger.Settle(r.Context(), caller(r), id, req.PayoutPerPrincipalUnit); err != nil {
		writeLedgerError(w, err)
		return
	}
	st, err := h.ledger.GetStrategy(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Finalize handles POST /api/v1/strategies/{strategyID}/finalize. It closes
// the hedge at its venue and settles with the ratio derived from both legs.
func (h *Handlers) Finalize(w http.ResponseWriter, r *http.Request) {
	if h.settler == nil {
		writeError(w, "settlement driver not available", http.StatusNotFound)
		return
	}
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	var req FinalizeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.settler.Settle(r.Context(), caller(r), id, req.MarketPnL)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetActive handles POST /api/v1/strategies/{strategyID}/active
func (h *Handlers) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	var req ActiveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.ledger.SetActive(r.Context(), caller(r), id, req.Active); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// Claim handles POST /api/v1/strategies/{strategyID}/claim
func (h *Handlers) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	res, err := h.ledger.Claim(r.Context(), caller(r), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Hedges ---

// GetHedge handles GET /api/v1/strategies/{strategyID}/hedge
func (h *Handlers) GetHedge(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	rec, err := h.ledger.HedgeOf(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CloseHedge handles POST /api/v1/strategies/{strategyID}/hedge/close
func (h *Handlers) CloseHedge(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyID(w, r)
	if !ok {
		return
	}
	var req CloseHedgeRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.ledger.CloseHedge(r.Context(), caller(r), id, req.RealizedPnL)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Custody ---

// Approve handles POST /api/v1/custody/approve
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.ledger.Approve(r.Context(), caller(r), req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	h.writeCustody(w, r, caller(r))
}

// Deposit handles POST /api/v1/custody/deposit
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.ledger.Deposit(r.Context(), caller(r), req.Account, req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	h.writeCustody(w, r, req.Account)
}

// Custody handles GET /api/v1/custody/{account}
func (h *Handlers) Custody(w http.ResponseWriter, r *http.Request) {
	h.writeCustody(w, r, chi.URLParam(r, "account"))
}

func (h *Handlers) writeCustody(w http.ResponseWriter, r *http.Request, account string) {
	account = ledger.Address(account)
	bal, err := h.ledger.Balance(r.Context(), account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	allow, err := h.ledger.Allowance(r.Context(), account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CustodyResponse{Account: account, Balance: bal, Allowance: allow})
}

// --- Execution reports ---

// GetReport handles GET /api/v1/executions/{eventKey}
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, "execution reports not available", http.StatusNotFound)
		return
	}
	rep, err := h.reports.Get(r.Context(), chi.URLParam(r, "eventKey"))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rep == nil {
		writeError(w, "report not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Helpers ---

func caller(r *http.Request) string {
	p, _ := auth.Principal(r.Context())
	return p
}

func strategyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "strategyID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid strategy id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps ledger error kinds to HTTP statuses.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindAuthorization:
		return http.StatusForbidden
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindPrecondition:
		return http.StatusConflict
	case ledger.KindResource:
		return http.StatusUnprocessableEntity
	case ledger.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	msg := err.Error()
	if kind == ledger.KindInternal {
		msg = "internal error"
	}
	var le *ledger.Error
	code := ""
	if errors.As(err, &le) {
		code = string(le.Kind)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
