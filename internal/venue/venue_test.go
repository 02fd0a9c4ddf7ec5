package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/strategy-vault/internal/config"
	"github.com/atmx/strategy-vault/internal/model"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient("v", "submit", errors.New("boom")), true},
		{"permanent", Permanent("v", "submit", errors.New("boom")), false},
		{"wrapped permanent", fmt.Errorf("leg 1: %w", Permanent("v", "submit", errors.New("x"))), false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"unknown venue", fmt.Errorf("%w: kalshi", ErrUnknownVenue), false},
		{"unclassified", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func newOrderServer(t *testing.T, status int) (*httptest.Server, *[]orderRequest) {
	t.Helper()
	var got []orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders":
			var req orderRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			got = append(got, req)
			if status != http.StatusOK {
				w.WriteHeader(status)
				_, _ = w.Write([]byte("nope"))
				return
			}
			st := OrderOpen
			if req.MarketID == "closed-market" {
				st = OrderRejected
			}
			_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "ord-" + req.ClientOrderID, Status: st})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestHTTPOrderVenueSubmit(t *testing.T) {
	srv, got := newOrderServer(t, http.StatusOK)
	v := NewHTTPOrderVenue(HTTPConfig{Name: "polymarket", BaseURL: srv.URL, RatePerS: 100})

	handle, err := v.Submit(context.Background(), model.OrderIntent{
		ClientOrderID: "0xabc:0:1",
		MarketID:      "m-1",
		Side:          model.SideYes,
		Amount:        60_000_000,
		MaxPriceBps:   6500,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-0xabc:0:1", handle)
	require.Len(t, *got, 1)
	assert.Equal(t, model.Amount(60_000_000), (*got)[0].Amount)
	assert.Equal(t, int64(6500), (*got)[0].MaxPriceBps)

	_, err = v.Submit(context.Background(), model.OrderIntent{ClientOrderID: "0xabc:0:2", MarketID: "closed-market", Amount: 1})
	require.Error(t, err)
	assert.False(t, IsTransient(err), "a rejected order is not retried")
}

func TestHTTPOrderVenueClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv, _ := newOrderServer(t, tc.status)
			v := NewHTTPOrderVenue(HTTPConfig{Name: "polymarket", BaseURL: srv.URL, RatePerS: 100})

			_, err := v.Submit(context.Background(), model.OrderIntent{ClientOrderID: "c", Amount: 1})
			require.Error(t, err)
			var ve *Error
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.status, ve.StatusCode)
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestHTTPVenueTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	v := NewHTTPOrderVenue(HTTPConfig{Name: "slow", BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := v.Submit(context.Background(), model.OrderIntent{ClientOrderID: "c", Amount: 1})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPHedgeVenueOpenClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/positions":
			var req positionRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "ETH", req.Asset)
			assert.True(t, req.IsLong)
			assert.Equal(t, "strategy-7", req.Reference)
			_ = json.NewEncoder(w).Encode(positionResponse{PositionID: "pos-1"})
		case "/positions/pos-1/close":
			_, _ = w.Write([]byte(`{"position_id":"pos-1","realized_pnl":"-1.250000"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	v := NewHTTPHedgeVenue(HTTPConfig{Name: "gmx", BaseURL: srv.URL, RatePerS: 100})
	handle, err := v.Open(context.Background(), model.HedgeOrder{StrategyID: 7, Asset: "ETH", IsLong: true, Amount: 20_000_000})
	require.NoError(t, err)
	assert.Equal(t, "pos-1", handle)

	pnl, err := v.Close(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(-1_250_000), pnl)
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()
	orders := NewPaperOrderVenue("polymarket")
	hedges := NewPaperHedgeVenue("gmx")
	r.RegisterOrderVenue(orders)
	r.RegisterHedgeVenue(hedges)

	h, err := r.Submit(context.Background(), model.OrderIntent{ClientOrderID: "a:0:0", Venue: "Polymarket", Amount: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	_, err = r.Submit(context.Background(), model.OrderIntent{Venue: "kalshi", Amount: 5})
	assert.ErrorIs(t, err, ErrUnknownVenue)
	assert.False(t, IsTransient(err))

	hh, err := r.OpenHedge(context.Background(), "gmx", model.HedgeOrder{Asset: "BTC", Amount: 10})
	require.NoError(t, err)
	hedges.SetPnL(hh, 3_000_000)
	pnl, err := r.CloseHedge(context.Background(), "gmx", hh)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(3_000_000), pnl)
	assert.Zero(t, hedges.OpenPositions())

	_, err = r.OpenHedge(context.Background(), "dydx", model.HedgeOrder{Asset: "BTC", Amount: 10})
	assert.ErrorIs(t, err, ErrUnknownVenue)
}

func TestPaperOrderVenueIdempotentByClientOrderID(t *testing.T) {
	v := NewPaperOrderVenue("polymarket")
	intent := model.OrderIntent{ClientOrderID: "0xabc:3:0", Amount: 1}

	h1, err := v.Submit(context.Background(), intent)
	require.NoError(t, err)
	h2, err := v.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, v.Submitted())
}

func TestPaperHedgeVenueRejects(t *testing.T) {
	v := NewPaperHedgeVenue("gmx")
	_, err := v.Open(context.Background(), model.HedgeOrder{Asset: "ETH"})
	assert.False(t, IsTransient(err))

	_, err = v.Close(context.Background(), "missing")
	assert.False(t, IsTransient(err))
}

func TestNewRegistryFromConfig(t *testing.T) {
	r := NewRegistryFromConfig(config.VenuesConfig{
		Paper:   true,
		Markets: config.VenueConfig{Name: "polymarket"},
		Hedges:  config.VenueConfig{Name: "gmx"},
	})
	ov, err := r.OrderVenue("polymarket")
	require.NoError(t, err)
	assert.IsType(t, &PaperOrderVenue{}, ov)
	hv, err := r.HedgeVenue("GMX")
	require.NoError(t, err)
	assert.IsType(t, &PaperHedgeVenue{}, hv)

	r = NewRegistryFromConfig(config.VenuesConfig{
		Markets: config.VenueConfig{Name: "polymarket", BaseURL: "http://orders"},
		Hedges:  config.VenueConfig{Name: "gmx", BaseURL: "http://perps"},
	})
	ov, err = r.OrderVenue("polymarket")
	require.NoError(t, err)
	assert.IsType(t, &HTTPOrderVenue{}, ov)
}
