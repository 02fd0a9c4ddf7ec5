package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/strategy-vault/internal/api"
	"github.com/atmx/strategy-vault/internal/auth"
	"github.com/atmx/strategy-vault/internal/ledger"
	"github.com/atmx/strategy-vault/internal/model"
	settlement "github.com/atmx/strategy-vault/internal/settler"
	"github.com/atmx/strategy-vault/internal/store"
	"github.com/atmx/strategy-vault/internal/venue"
)

const (
	creator = "0xcreator"
	settler = "0xsettler"
	alice   = "0xalice"
)

type testEnv struct {
	router chi.Router
	auth   *auth.Service
	mu     sync.Mutex
	now    time.Time
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

// newTestEnv wires an in-memory ledger behind the real router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	authSvc, err := auth.NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	e := &testEnv{auth: authSvc, now: time.Now()}
	l := ledger.NewService(store.NewMemoryStore(),
		ledger.Authority{Creator: creator, Settler: settler, Ledger: "ledger", Vault: "vault", FeeAccount: "fees"},
		ledger.WithClock(e.clock),
	)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		api.NewHandlers(l, nil).
			WithSettler(settlement.New(l, venue.NewRegistry()).WithClock(e.clock)).
			Mount(r, authSvc.Middleware)
	})
	e.router = r
	return e
}

func (e *testEnv) do(t *testing.T, method, path, as string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		tok, err := e.auth.GenerateToken(as)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.Token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

const definitionDoc = `{
	"name": "BTC dip",
	"feeBps": 200,
	"maturityDays": 1,
	"polymarketOrders": [{"marketId": "m-1", "isYes": true, "notionalBps": 10000, "maxPriceBps": 6000}],
	"hedgeOrders": [],
	"expectedProfitBps": 500
}`

func TestCreateStrategy_RequiresCreator(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/strategies", "", definitionDoc)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/strategies", alice, definitionDoc)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "POST", "/api/v1/strategies", creator, definitionDoc)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var st model.Strategy
	json.NewDecoder(w.Body).Decode(&st)
	if st.ID != 1 || !st.Active || st.FeeBps != 200 {
		t.Errorf("unexpected strategy %+v", st)
	}
}

func TestCreateStrategy_BadDefinition(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/strategies", creator, `{"name": ""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = e.do(t, "POST", "/api/v1/strategies", creator, strings.Replace(definitionDoc, `"feeBps": 200`, `"feeBps": 2500`, 1))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for fee over cap, got %d", w.Code)
	}
}

func TestFullLifecycle(t *testing.T) {
	e := newTestEnv(t)

	if w := e.do(t, "POST", "/api/v1/strategies", creator, definitionDoc); w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if w := e.do(t, "POST", "/api/v1/custody/deposit", settler, api.DepositRequest{Account: alice, Amount: 100_000000}); w.Code != http.StatusOK {
		t.Fatalf("deposit: %d %s", w.Code, w.Body.String())
	}
	if w := e.do(t, "POST", "/api/v1/custody/approve", alice, `{"amount": "100"}`); w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}

	w := e.do(t, "POST", "/api/v1/strategies/1/purchase", alice, `{"gross_amount": "100"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", w.Code, w.Body.String())
	}
	var receipt ledger.PurchaseReceipt
	json.NewDecoder(w.Body).Decode(&receipt)
	if receipt.Position.Principal != 98_000000 || receipt.Fee != 2_000000 {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	// Claim before maturity is a precondition failure.
	w = e.do(t, "POST", "/api/v1/strategies/1/claim", alice, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before maturity, got %d", w.Code)
	}

	e.advance(48 * time.Hour)
	if w := e.do(t, "POST", "/api/v1/strategies/1/settle", alice, api.SettleRequest{PayoutPerPrincipalUnit: 1_000000}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-settler, got %d", w.Code)
	}
	if w := e.do(t, "POST", "/api/v1/strategies/1/settle", settler, api.SettleRequest{PayoutPerPrincipalUnit: 1_000000}); w.Code != http.StatusOK {
		t.Fatalf("settle: %d %s", w.Code, w.Body.String())
	}
	if w := e.do(t, "POST", "/api/v1/strategies/1/settle", settler, api.SettleRequest{PayoutPerPrincipalUnit: 2_000000}); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second settle, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/strategies/1/claim", alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", w.Code, w.Body.String())
	}
	var res ledger.ClaimResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Payout != 98_000000 {
		t.Errorf("expected payout 98, got %s", res.Payout)
	}

	w = e.do(t, "GET", "/api/v1/custody/"+alice, "", nil)
	var custody api.CustodyResponse
	json.NewDecoder(w.Body).Decode(&custody)
	if custody.Balance != 98_000000 {
		t.Errorf("expected balance 98, got %s", custody.Balance)
	}

	w = e.do(t, "GET", "/api/v1/positions/"+alice, "", nil)
	var positions []model.Position
	json.NewDecoder(w.Body).Decode(&positions)
	if len(positions) != 1 || !positions[0].Claimed {
		t.Errorf("expected one claimed position, got %+v", positions)
	}
}

func TestReadRoutes(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "GET", "/api/v1/strategies", "", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", w.Code, w.Body.String())
	}
	w = e.do(t, "GET", "/api/v1/strategies/next-id", "", nil)
	if !strings.Contains(w.Body.String(), `"next_strategy_id":1`) {
		t.Errorf("unexpected next id body %s", w.Body.String())
	}
	if w := e.do(t, "GET", "/api/v1/strategies/42", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := e.do(t, "GET", "/api/v1/strategies/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := e.do(t, "GET", "/api/v1/strategies/1/hedge", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing hedge, got %d", w.Code)
	}
	if w := e.do(t, "GET", "/api/v1/executions/0xabc:0", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without report store, got %d", w.Code)
	}
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/strategies", creator, definitionDoc)
	e.do(t, "POST", "/api/v1/custody/approve", alice, `{"amount": "5"}`)

	w := e.do(t, "POST", "/api/v1/strategies/1/purchase", alice, `{"gross_amount": "5"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"kind":"resource"`) {
		t.Errorf("expected resource kind, got %s", w.Body.String())
	}
}

func TestFinalize_DerivesRatioFromPnL(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do(t, "POST", "/api/v1/strategies", creator, definitionDoc); w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	e.do(t, "POST", "/api/v1/custody/deposit", settler, api.DepositRequest{Account: alice, Amount: 100_000000})
	e.do(t, "POST", "/api/v1/custody/approve", alice, `{"amount": "100"}`)
	if w := e.do(t, "POST", "/api/v1/strategies/1/purchase", alice, `{"gross_amount": "100"}`); w.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", w.Code, w.Body.String())
	}

	w := e.do(t, "POST", "/api/v1/strategies/1/finalize", settler, api.FinalizeRequest{MarketPnL: -9_800000})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before maturity, got %d", w.Code)
	}

	e.advance(48 * time.Hour)
	w = e.do(t, "POST", "/api/v1/strategies/1/finalize", alice, api.FinalizeRequest{MarketPnL: -9_800000})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-settler, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/strategies/1/finalize", settler, `{"market_pnl": "-9.8"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", w.Code, w.Body.String())
	}
	var res settlement.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.PayoutPerPrincipalUnit != 900_000 || res.TotalPrincipal != 98_000000 {
		t.Errorf("unexpected settlement %+v", res)
	}
}
