// Package definition parses and validates strategy definitions produced by the
// external opportunity-discovery process. A definition is a versioned JSON
// document; parsing fills documented defaults and turns it into a
// model.Strategy ready for the catalog.
package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/atmx/strategy-vault/internal/model"
)

// Defaults applied when a definition omits a field.
const (
	DefaultFeeBps         = 200
	DefaultMaturity       = 30 * 24 * time.Hour
	DefaultMaxSlippageBps = 500
	CurrentVersion        = 1
)

// assetRegex matches leveraged-venue symbols such as ETH, BTC or SOL.
var assetRegex = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// venueRegex matches registered venue names such as polymarket or gmx.
var venueRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

var (
	ErrInvalidDocument = errors.New("definition: invalid document")
	ErrInvalidMarket   = errors.New("definition: invalid market allocation")
	ErrInvalidHedge    = errors.New("definition: invalid hedge allocation")
	ErrVersion         = errors.New("definition: unsupported version")
)

// Document is the wire shape emitted by the discovery process.
type Document struct {
	Version           int             `json:"version"`
	Name              string          `json:"name"`
	FeeBps            *int64          `json:"feeBps,omitempty"`
	MaturityTs        int64           `json:"maturityTs,omitempty"`
	MaturityDays      int             `json:"maturityDays,omitempty"`
	PolymarketOrders  []MarketOrder   `json:"polymarketOrders"`
	HedgeOrders       []HedgeOrderDoc `json:"hedgeOrders"`
	ExpectedProfitBps int64           `json:"expectedProfitBps"`
}

// MarketOrder is one prediction-market leg in a Document.
type MarketOrder struct {
	MarketID    string `json:"marketId"`
	IsYes       bool   `json:"isYes"`
	NotionalBps int64  `json:"notionalBps"`
	MaxPriceBps int64  `json:"maxPriceBps"`
	Priority    int    `json:"priority"`
	Venue       string `json:"venue,omitempty"`
}

// HedgeOrderDoc is one leveraged leg in a Document.
type HedgeOrderDoc struct {
	Asset          string `json:"asset"`
	IsLong         bool   `json:"isLong"`
	NotionalBps    int64  `json:"notionalBps"`
	MaxSlippageBps int64  `json:"maxSlippageBps,omitempty"`
	Dex            string `json:"dex,omitempty"`
}

// Parse decodes a definition document from r. See Build for validation.
func Parse(r io.Reader, now time.Time) (*model.Strategy, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return Build(doc, now)
}

// Build validates a document's legs and converts it to a strategy. Fee range
// and maturity are enforced by the catalog at creation time, not here, so the
// catalog stays the single authority for those parameters.
func Build(doc Document, now time.Time) (*model.Strategy, error) {
	if doc.Version != 0 && doc.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, doc.Version)
	}
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDocument)
	}

	fee := int64(DefaultFeeBps)
	if doc.FeeBps != nil {
		fee = *doc.FeeBps
	}

	maturity := now.Add(DefaultMaturity)
	switch {
	case doc.MaturityTs != 0:
		maturity = time.Unix(doc.MaturityTs, 0).UTC()
	case doc.MaturityDays != 0:
		maturity = now.Add(time.Duration(doc.MaturityDays) * 24 * time.Hour)
	}

	s := &model.Strategy{
		Name:              name,
		FeeBps:            fee,
		MaturityTimestamp: maturity,
		ExpectedProfitBps: doc.ExpectedProfitBps,
	}

	var total int64
	for i, o := range doc.PolymarketOrders {
		m, err := marketAllocation(o)
		if err != nil {
			return nil, fmt.Errorf("polymarketOrders[%d]: %w", i, err)
		}
		total += m.NotionalBps
		s.Details.Markets = append(s.Details.Markets, m)
	}
	if total > model.BpsDenominator {
		return nil, fmt.Errorf("%w: market notional %d bps exceeds 100%%", ErrInvalidMarket, total)
	}

	for i, h := range doc.HedgeOrders {
		a, err := hedgeAllocation(h)
		if err != nil {
			return nil, fmt.Errorf("hedgeOrders[%d]: %w", i, err)
		}
		s.Details.Hedges = append(s.Details.Hedges, a)
	}
	return s, nil
}

func marketAllocation(o MarketOrder) (model.MarketAllocation, error) {
	if strings.TrimSpace(o.MarketID) == "" {
		return model.MarketAllocation{}, fmt.Errorf("%w: marketId is required", ErrInvalidMarket)
	}
	if !bpsInRange(o.NotionalBps) {
		return model.MarketAllocation{}, fmt.Errorf("%w: notionalBps %d", ErrInvalidMarket, o.NotionalBps)
	}
	if !bpsInRange(o.MaxPriceBps) {
		return model.MarketAllocation{}, fmt.Errorf("%w: maxPriceBps %d", ErrInvalidMarket, o.MaxPriceBps)
	}
	venue, err := venueName(o.Venue, model.DefaultMarketVenue)
	if err != nil {
		return model.MarketAllocation{}, fmt.Errorf("%w: %v", ErrInvalidMarket, err)
	}
	side := model.SideNo
	if o.IsYes {
		side = model.SideYes
	}
	return model.MarketAllocation{
		ExternalMarketID: o.MarketID,
		Side:             side,
		NotionalBps:      o.NotionalBps,
		MaxPriceBps:      o.MaxPriceBps,
		Priority:         o.Priority,
		Venue:            venue,
	}, nil
}

func hedgeAllocation(h HedgeOrderDoc) (model.HedgeAllocation, error) {
	asset := strings.ToUpper(strings.TrimSpace(h.Asset))
	if !assetRegex.MatchString(asset) {
		return model.HedgeAllocation{}, fmt.Errorf("%w: asset %q", ErrInvalidHedge, h.Asset)
	}
	if !bpsInRange(h.NotionalBps) {
		return model.HedgeAllocation{}, fmt.Errorf("%w: notionalBps %d", ErrInvalidHedge, h.NotionalBps)
	}
	slippage := h.MaxSlippageBps
	if slippage == 0 {
		slippage = DefaultMaxSlippageBps
	}
	if !bpsInRange(slippage) {
		return model.HedgeAllocation{}, fmt.Errorf("%w: maxSlippageBps %d", ErrInvalidHedge, slippage)
	}
	venue, err := venueName(h.Dex, model.DefaultHedgeVenue)
	if err != nil {
		return model.HedgeAllocation{}, fmt.Errorf("%w: %v", ErrInvalidHedge, err)
	}
	return model.HedgeAllocation{
		Asset:          asset,
		IsLong:         h.IsLong,
		NotionalBps:    h.NotionalBps,
		MaxSlippageBps: slippage,
		Venue:          venue,
	}, nil
}

func venueName(raw, fallback string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return fallback, nil
	}
	if !venueRegex.MatchString(v) {
		return "", fmt.Errorf("venue %q", raw)
	}
	return v, nil
}

func bpsInRange(v int64) bool {
	return v > 0 && v <= model.BpsDenominator
}
