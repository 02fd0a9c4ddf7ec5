// Package settler drives settlement of matured strategies: it closes the
// hedge leg at its venue, combines both legs' PnL into a payout ratio and
// commits it to the ledger.
package settler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/atmx/strategy-vault/internal/ledger"
	"github.com/atmx/strategy-vault/internal/model"
)

// HedgeCloser closes a position at a named hedge venue.
type HedgeCloser interface {
	CloseHedge(ctx context.Context, venue, handle string) (model.Amount, error)
}

// Result describes a committed settlement.
type Result struct {
	StrategyID             int64        `json:"strategy_id"`
	TotalPrincipal         model.Amount `json:"total_principal"`
	HedgePnL               model.Amount `json:"hedge_pnl"`
	MarketPnL              model.Amount `json:"market_pnl"`
	PayoutPerPrincipalUnit int64        `json:"payout_per_principal_unit"`
}

// Settler settles strategies through the ledger.
type Settler struct {
	ledger *ledger.Service
	hedges HedgeCloser
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a settler.
func New(l *ledger.Service, hedges HedgeCloser) *Settler {
	return &Settler{
		ledger: l,
		hedges: hedges,
		now:    time.Now,
		logger: log.With().Str("component", "settler").Logger(),
	}
}

// WithClock overrides the settler's clock.
func (s *Settler) WithClock(now func() time.Time) *Settler {
	s.now = now
	return s
}

// Settle closes the hedge of a matured strategy, if still open, and
// commits the payout ratio derived from both legs. marketPnL is the
// prediction-market result reported by the operator.
//
// Settle can be re-run after a failure: a hedge already closed on the
// ledger is not closed again at the venue.
func (s *Settler) Settle(ctx context.Context, caller string, strategyID int64, marketPnL model.Amount) (*Result, error) {
	if ledger.Address(caller) != s.ledger.Authority().Settler {
		return nil, ledger.ErrUnauthorized
	}
	st, err := s.ledger.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if st.Settled {
		return nil, ledger.ErrAlreadySettled
	}
	if !st.Matured(s.now()) {
		return nil, ledger.ErrNotMatured
	}

	hedgePnL, err := s.closeHedge(ctx, caller, strategyID)
	if err != nil {
		return nil, err
	}

	principal, err := s.ledger.TotalPrincipal(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	ratio, err := PayoutRatio(principal, hedgePnL, marketPnL)
	if err != nil {
		return nil, fmt.Errorf("settler: payout ratio: %w", err)
	}
	if err := s.ledger.Settle(ctx, caller, strategyID, ratio); err != nil {
		return nil, err
	}

	res := &Result{
		StrategyID:             strategyID,
		TotalPrincipal:         principal,
		HedgePnL:               hedgePnL,
		MarketPnL:              marketPnL,
		PayoutPerPrincipalUnit: ratio,
	}
	s.logger.Info().
		Int64("strategy_id", strategyID).
		Str("principal", principal.String()).
		Str("hedge_pnl", hedgePnL.String()).
		Str("market_pnl", marketPnL.String()).
		Int64("payout_per_principal_unit", ratio).
		Msg("settlement committed")
	return res, nil
}

func (s *Settler) closeHedge(ctx context.Context, caller string, strategyID int64) (model.Amount, error) {
	h, err := s.ledger.HedgeOf(ctx, strategyID)
	if errors.Is(err, ledger.ErrNoHedge) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if h.Closed {
		return h.RealizedPnL, nil
	}

	var pnl model.Amount
	if h.Executed && h.ExternalOrderHandle != "" {
		pnl, err = s.hedges.CloseHedge(ctx, h.Venue, h.ExternalOrderHandle)
		if err != nil {
			return 0, fmt.Errorf("settler: close hedge %s at %s: %w: %w", h.ExternalOrderHandle, h.Venue, ledger.ErrHedgeVenue, err)
		}
	} else {
		s.logger.Warn().Int64("strategy_id", strategyID).Msg("hedge never executed, closing with zero pnl")
	}

	if _, err := s.ledger.CloseHedge(ctx, caller, strategyID, pnl); err != nil {
		return 0, err
	}
	return pnl, nil
}

var payoutScale = decimal.NewFromInt(model.PayoutScale)

// PayoutRatio computes floor((principal + hedgePnL + marketPnL) × 1e6 /
// principal), floored at zero. With no principal the ratio is 1e6.
func PayoutRatio(principal, hedgePnL, marketPnL model.Amount) (int64, error) {
	if principal < 0 {
		return 0, errors.New("negative principal")
	}
	if principal == 0 {
		return model.PayoutScale, nil
	}
	total := principal.Decimal().Add(hedgePnL.Decimal()).Add(marketPnL.Decimal())
	if !total.IsPositive() {
		return 0, nil
	}
	ratio := total.Mul(payoutScale).DivRound(principal.Decimal(), 18).Floor()
	if ratio.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, model.ErrOverflow
	}
	return ratio.IntPart(), nil
}
