package definition

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atmx/strategy-vault/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParse_Valid(t *testing.T) {
	doc := `{
		"version": 1,
		"name": "ETH Price Strategy - YES",
		"feeBps": 150,
		"maturityTs": 1775000000,
		"polymarketOrders": [
			{"marketId": "0xabc", "isYes": true, "notionalBps": 6000, "maxPriceBps": 5500, "priority": 1},
			{"marketId": "0xdef", "isYes": false, "notionalBps": 4000, "maxPriceBps": 3000, "priority": 2, "venue": "Kalshi"}
		],
		"hedgeOrders": [{"asset": "eth", "isLong": false, "notionalBps": 2000}],
		"expectedProfitBps": 850
	}`
	s, err := Parse(strings.NewReader(doc), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "ETH Price Strategy - YES" {
		t.Errorf("expected name, got %q", s.Name)
	}
	if s.FeeBps != 150 {
		t.Errorf("expected fee 150, got %d", s.FeeBps)
	}
	if !s.MaturityTimestamp.Equal(time.Unix(1775000000, 0)) {
		t.Errorf("unexpected maturity %v", s.MaturityTimestamp)
	}
	if len(s.Details.Markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(s.Details.Markets))
	}
	if s.Details.Markets[0].Side != model.SideYes || s.Details.Markets[1].Side != model.SideNo {
		t.Errorf("unexpected sides %+v", s.Details.Markets)
	}
	if s.Details.Markets[0].Venue != model.DefaultMarketVenue {
		t.Errorf("expected default venue, got %s", s.Details.Markets[0].Venue)
	}
	if s.Details.Markets[1].Venue != "kalshi" {
		t.Errorf("expected kalshi venue, got %s", s.Details.Markets[1].Venue)
	}
	h := s.Details.Hedges[0]
	if h.Asset != "ETH" || h.MaxSlippageBps != DefaultMaxSlippageBps || h.Venue != model.DefaultHedgeVenue {
		t.Errorf("unexpected hedge %+v", h)
	}
}

func TestParse_Defaults(t *testing.T) {
	s, err := Parse(strings.NewReader(`{"name": "x", "polymarketOrders": [], "hedgeOrders": []}`), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.FeeBps != DefaultFeeBps {
		t.Errorf("expected default fee, got %d", s.FeeBps)
	}
	if !s.MaturityTimestamp.Equal(now.Add(DefaultMaturity)) {
		t.Errorf("expected default maturity, got %v", s.MaturityTimestamp)
	}
}

func TestParse_ExplicitZeroFeeKept(t *testing.T) {
	s, err := Parse(strings.NewReader(`{"name": "x", "feeBps": 0, "maturityDays": 7}`), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.FeeBps != 0 {
		t.Errorf("expected explicit zero fee, got %d", s.FeeBps)
	}
	if !s.MaturityTimestamp.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Errorf("unexpected maturity %v", s.MaturityTimestamp)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"not json", `{`, ErrInvalidDocument},
		{"unknown field", `{"name": "x", "bogus": 1}`, ErrInvalidDocument},
		{"missing name", `{"name": "  "}`, ErrInvalidDocument},
		{"future version", `{"version": 9, "name": "x"}`, ErrVersion},
		{"empty market id", `{"name": "x", "polymarketOrders": [{"marketId": "", "notionalBps": 1, "maxPriceBps": 1}]}`, ErrInvalidMarket},
		{"zero notional", `{"name": "x", "polymarketOrders": [{"marketId": "m", "notionalBps": 0, "maxPriceBps": 1}]}`, ErrInvalidMarket},
		{"price over 100%", `{"name": "x", "polymarketOrders": [{"marketId": "m", "notionalBps": 1, "maxPriceBps": 10001}]}`, ErrInvalidMarket},
		{"total notional", `{"name": "x", "polymarketOrders": [{"marketId": "a", "notionalBps": 6000, "maxPriceBps": 1}, {"marketId": "b", "notionalBps": 6000, "maxPriceBps": 1}]}`, ErrInvalidMarket},
		{"bad venue", `{"name": "x", "polymarketOrders": [{"marketId": "m", "notionalBps": 1, "maxPriceBps": 1, "venue": "no spaces"}]}`, ErrInvalidMarket},
		{"bad asset", `{"name": "x", "hedgeOrders": [{"asset": "E", "notionalBps": 1}]}`, ErrInvalidHedge},
		{"bad slippage", `{"name": "x", "hedgeOrders": [{"asset": "ETH", "notionalBps": 1, "maxSlippageBps": -4}]}`, ErrInvalidHedge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc), now)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
