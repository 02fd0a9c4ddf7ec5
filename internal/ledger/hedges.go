package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

// HedgeRequest is the input to OpenHedge.
type HedgeRequest struct {
	StrategyID     int64
	User           string
	Asset          string
	IsLong         bool
	Amount         model.Amount
	MaxSlippageBps int64
	Venue          string
}

// OpenHedge submits a leveraged order to the hedge venue and registers it as
// the strategy's hedge. Only the ledger principal may call it. The registry
// holds one record per strategy: a later open overwrites the earlier record,
// which is logged and counted.
func (s *Service) OpenHedge(ctx context.Context, caller string, req HedgeRequest) (*model.HedgeRecord, error) {
	fail := func(err error) (*model.HedgeRecord, error) {
		return nil, s.reject("open_hedge", err, func(e *zerolog.Event) *zerolog.Event {
			return e.Int64("strategy_id", req.StrategyID).Str("asset", req.Asset)
		})
	}
	if err := requireCaller(caller, s.auth.Ledger); err != nil {
		return fail(err)
	}
	if req.Amount <= 0 {
		return fail(fmt.Errorf("%w: hedge amount must be positive", ErrInvalidParameters))
	}
	if s.hedges == nil {
		return fail(fmt.Errorf("%w: no hedge venue configured", ErrHedgeVenue))
	}
	if _, err := s.store.GetStrategy(ctx, req.StrategyID); err != nil {
		return fail(mapStoreErr(err))
	}
	collateral, err := s.store.Balance(ctx, s.auth.Vault)
	if err != nil {
		return fail(err)
	}
	if collateral < req.Amount {
		return fail(fmt.Errorf("%w: vault holds %s, hedge needs %s", ErrInsufficientFunds, collateral, req.Amount))
	}

	venue := req.Venue
	if venue == "" {
		venue = model.DefaultHedgeVenue
	}
	handle, err := s.hedges.OpenHedge(ctx, venue, model.HedgeOrder{
		StrategyID:     req.StrategyID,
		Asset:          req.Asset,
		IsLong:         req.IsLong,
		Amount:         req.Amount,
		MaxSlippageBps: req.MaxSlippageBps,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrHedgeVenue, venue, err))
	}

	rec := &model.HedgeRecord{
		StrategyID:          req.StrategyID,
		User:                Address(req.User),
		Asset:               req.Asset,
		IsLong:              req.IsLong,
		Amount:              req.Amount,
		MaxSlippageBps:      req.MaxSlippageBps,
		Venue:               venue,
		Executed:            true,
		ExternalOrderHandle: handle,
		OpenedAt:            s.now().UTC(),
	}
	var previous *model.HedgeRecord
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		prev, err := tx.GetHedge(ctx, req.StrategyID)
		switch {
		case err == nil:
			previous = prev
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		// A hedge closed while the venue call was in flight keeps its
		// realized PnL.
		if previous != nil && previous.Closed {
			return ErrAlreadyClosed
		}
		return tx.PutHedge(ctx, rec)
	})
	if err != nil {
		// The venue order exists but is not registered; surface the handle.
		s.log.Error().Err(err).
			Int64("strategy_id", req.StrategyID).
			Str("handle", handle).
			Msg("hedge opened at venue but not recorded")
		return fail(err)
	}

	if previous != nil {
		metrics.HedgeEvents.WithLabelValues("overwritten").Inc()
		s.log.Warn().
			Int64("strategy_id", req.StrategyID).
			Str("previous_handle", previous.ExternalOrderHandle).
			Str("handle", handle).
			Msg("hedge record overwritten")
	}
	metrics.HedgeEvents.WithLabelValues("opened").Inc()
	s.log.Info().
		Int64("strategy_id", req.StrategyID).
		Str("asset", req.Asset).
		Bool("is_long", req.IsLong).
		Str("amount", req.Amount.String()).
		Str("venue", venue).
		Str("handle", handle).
		Msg("hedge opened")
	s.publish(model.Notification{
		Type:       model.NotifyHedgeOpened,
		StrategyID: req.StrategyID,
		User:       rec.User,
		Asset:      req.Asset,
		IsLong:     req.IsLong,
		Amount:     req.Amount,
		Handle:     handle,
	})
	return rec, nil
}

// CloseHedge records the realized PnL of a strategy's hedge. Only the
// settlement authority may call it; a second close fails with
// ErrAlreadyClosed and changes nothing. Funds settle at the venue.
func (s *Service) CloseHedge(ctx context.Context, caller string, strategyID int64, realizedPnL model.Amount) (*model.HedgeRecord, error) {
	fail := func(err error) (*model.HedgeRecord, error) {
		return nil, s.reject("close_hedge", err, func(e *zerolog.Event) *zerolog.Event {
			return e.Int64("strategy_id", strategyID)
		})
	}
	if err := requireCaller(caller, s.auth.Settler); err != nil {
		return fail(err)
	}

	var rec *model.HedgeRecord
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		h, err := tx.GetHedge(ctx, strategyID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoHedge
		}
		if err != nil {
			return err
		}
		if h.Closed {
			return ErrAlreadyClosed
		}
		closedAt := s.now().UTC()
		h.Closed = true
		h.RealizedPnL = realizedPnL
		h.ClosedAt = &closedAt
		rec = h
		return tx.PutHedge(ctx, h)
	})
	if err != nil {
		return fail(err)
	}

	metrics.HedgeEvents.WithLabelValues("closed").Inc()
	s.log.Info().
		Int64("strategy_id", strategyID).
		Str("realized_pnl", realizedPnL.String()).
		Msg("hedge closed")
	s.publish(model.Notification{
		Type:       model.NotifyHedgeClosed,
		StrategyID: strategyID,
		Asset:      rec.Asset,
		Amount:     realizedPnL,
		Handle:     rec.ExternalOrderHandle,
	})
	return rec, nil
}

// HedgeOf returns the registered hedge for a strategy or ErrNoHedge.
func (s *Service) HedgeOf(ctx context.Context, strategyID int64) (*model.HedgeRecord, error) {
	h, err := s.store.GetHedge(ctx, strategyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoHedge
	}
	return h, err
}
