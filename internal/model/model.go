// Package model defines the core domain types shared across the strategy vault.
// Token amounts are fixed-point integers in 6-decimal micro-units; products and
// ratios go through shopspring/decimal so intermediate values never overflow.
package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator = 10_000
	// MaxFeeBps caps the purchase fee at 20%.
	MaxFeeBps = 2_000
	// PayoutScale is the fixed-point scale of a payout ratio (1.0x).
	PayoutScale = 1_000_000

	DefaultMarketVenue = "polymarket"
	DefaultHedgeVenue  = "gmx"
)

// Side is the outcome a prediction-market leg buys.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known outcome side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// MarketAllocation is one prediction-market leg of a strategy.
type MarketAllocation struct {
	ExternalMarketID string `json:"external_market_id" db:"external_market_id"`
	Side             Side   `json:"side" db:"side"`
	NotionalBps      int64  `json:"notional_bps" db:"notional_bps"`
	MaxPriceBps      int64  `json:"max_price_bps" db:"max_price_bps"`
	Priority         int    `json:"priority,omitempty" db:"priority"` // lower dispatches first
	Venue            string `json:"venue,omitempty" db:"venue"`
}

// HedgeAllocation is one leveraged offsetting leg of a strategy.
type HedgeAllocation struct {
	Asset          string `json:"asset" db:"asset"`
	IsLong         bool   `json:"is_long" db:"is_long"`
	NotionalBps    int64  `json:"notional_bps" db:"notional_bps"`
	MaxSlippageBps int64  `json:"max_slippage_bps" db:"max_slippage_bps"`
	Venue          string `json:"venue,omitempty" db:"venue"`
}

// StrategyDetails holds the ordered legs of a strategy.
type StrategyDetails struct {
	Markets []MarketAllocation `json:"markets"`
	Hedges  []HedgeAllocation  `json:"hedges"`
}

// Strategy is a purchasable strategy definition. Only Active, Settled and
// PayoutPerPrincipalUnit change after creation.
type Strategy struct {
	ID                     int64           `json:"id" db:"id"`
	Name                   string          `json:"name" db:"name"`
	FeeBps                 int64           `json:"fee_bps" db:"fee_bps"`
	MaturityTimestamp      time.Time       `json:"maturity_timestamp" db:"maturity_timestamp"`
	Active                 bool            `json:"active" db:"active"`
	Settled                bool            `json:"settled" db:"settled"`
	PayoutPerPrincipalUnit int64           `json:"payout_per_principal_unit" db:"payout_per_principal_unit"`
	ExpectedProfitBps      int64           `json:"expected_profit_bps" db:"expected_profit_bps"`
	Details                StrategyDetails `json:"details" db:"details"`
	Creator                string          `json:"creator" db:"creator"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
}

// Matured reports whether the strategy's maturity has been reached at now.
func (s *Strategy) Matured(now time.Time) bool {
	return !now.Before(s.MaturityTimestamp)
}

// Clone returns a deep copy so callers cannot alias allocation slices.
func (s *Strategy) Clone() *Strategy {
	c := *s
	c.Details.Markets = append([]MarketAllocation(nil), s.Details.Markets...)
	c.Details.Hedges = append([]HedgeAllocation(nil), s.Details.Hedges...)
	return &c
}

// Position is one purchase by one user. Positions are append-only per user
// and are addressed by their index in that user's sequence.
type Position struct {
	User              string    `json:"user" db:"user_addr"`
	Index             int       `json:"index" db:"idx"`
	StrategyID        int64     `json:"strategy_id" db:"strategy_id"`
	Principal         Amount    `json:"principal" db:"principal"`
	PurchaseTimestamp time.Time `json:"purchase_timestamp" db:"purchase_timestamp"`
	Claimed           bool      `json:"claimed" db:"claimed"`
}

// HedgeRecord is the single leveraged hedge registered for a strategy.
type HedgeRecord struct {
	StrategyID          int64      `json:"strategy_id" db:"strategy_id"`
	User                string     `json:"user" db:"user_addr"`
	Asset               string     `json:"asset" db:"asset"`
	IsLong              bool       `json:"is_long" db:"is_long"`
	Amount              Amount     `json:"amount" db:"amount"`
	MaxSlippageBps      int64      `json:"max_slippage_bps" db:"max_slippage_bps"`
	Venue               string     `json:"venue" db:"venue"`
	Executed            bool       `json:"executed" db:"executed"`
	ExternalOrderHandle string     `json:"external_order_handle" db:"external_order_handle"`
	Closed              bool       `json:"closed" db:"closed"`
	RealizedPnL         Amount     `json:"realized_pnl" db:"realized_pnl"`
	OpenedAt            time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// PurchaseEvent is a decoded purchase notification observed off-chain.
type PurchaseEvent struct {
	StrategyID      int64  `json:"strategy_id"`
	User            string `json:"user"`
	GrossAmount     Amount `json:"gross_amount"`
	NetAmount       Amount `json:"net_amount"`
	BlockNumber     uint64 `json:"block_number"`
	TransactionHash string `json:"transaction_hash"`
	LogIndex        uint   `json:"log_index"`
}

// Key is the deduplication identity (transactionHash, logIndex).
func (e PurchaseEvent) Key() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(e.TransactionHash), e.LogIndex)
}

// OrderIntent is a single prediction-market order derived from a purchase.
type OrderIntent struct {
	ClientOrderID string `json:"client_order_id"`
	MarketID      string `json:"market_id"`
	Side          Side   `json:"side"`
	Amount        Amount `json:"amount"`
	MaxPriceBps   int64  `json:"max_price_bps"`
	Venue         string `json:"venue"`
	Priority      int    `json:"priority"`
}

// HedgeOrder is a leveraged order submitted to a hedge venue.
type HedgeOrder struct {
	StrategyID     int64  `json:"strategy_id"`
	Asset          string `json:"asset"`
	IsLong         bool   `json:"is_long"`
	Amount         Amount `json:"amount"`
	MaxSlippageBps int64  `json:"max_slippage_bps"`
}

// ExecutionStatus is the aggregate outcome of executing one purchase event.
type ExecutionStatus string

const (
	StatusPending       ExecutionStatus = "pending"
	StatusAllSucceeded  ExecutionStatus = "all_succeeded"
	StatusPartial       ExecutionStatus = "partial"
	StatusAllFailed     ExecutionStatus = "all_failed"
	StatusUnknownStrat  ExecutionStatus = "unknown_strategy"
	StatusNothingToExec ExecutionStatus = "no_legs"
)

// LegResult is the outcome of one order intent.
type LegResult struct {
	Intent   OrderIntent `json:"intent"`
	Handle   string      `json:"handle,omitempty"`
	Error    string      `json:"error,omitempty"`
	Attempts int         `json:"attempts"`
}

// Succeeded reports whether the venue accepted the leg.
func (l LegResult) Succeeded() bool { return l.Handle != "" && l.Error == "" }

// ExecutionReport is the advisory per-event execution summary.
type ExecutionReport struct {
	EventKey    string          `json:"event_key"`
	StrategyID  int64           `json:"strategy_id"`
	User        string          `json:"user"`
	Status      ExecutionStatus `json:"status"`
	Legs        []LegResult     `json:"legs"`
	Duplicate   bool            `json:"duplicate,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Notification types emitted by the ledger.
const (
	NotifyPurchased   = "strategy_purchased"
	NotifyHedgeOpened = "hedge_opened"
	NotifyHedgeFailed = "hedge_failed"
	NotifyHedgeClosed = "hedge_closed"
	NotifySettled     = "strategy_settled"
	NotifyClaimed     = "position_claimed"
	NotifyCreated     = "strategy_created"
)

// Notification is an immutable record emitted after a ledger mutation commits.
type Notification struct {
	Type          string    `json:"type"`
	StrategyID    int64     `json:"strategy_id"`
	User          string    `json:"user,omitempty"`
	GrossAmount   Amount    `json:"gross_amount,omitempty"`
	NetAmount     Amount    `json:"net_amount,omitempty"`
	PositionIndex int       `json:"position_index,omitempty"` // index in User's positions
	Asset         string    `json:"asset,omitempty"`
	IsLong        bool      `json:"is_long,omitempty"`
	Amount        Amount    `json:"amount,omitempty"`
	Handle        string    `json:"handle,omitempty"`
	Payout        int64     `json:"payout_per_principal_unit,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
