package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

// Settle commits the payout ratio for a matured strategy. The ratio is
// computed off-ledger from both legs and is trusted as supplied. Settlement
// happens once; later calls fail with ErrAlreadySettled.
func (s *Service) Settle(ctx context.Context, caller string, strategyID int64, payoutPerPrincipalUnit int64) error {
	fail := func(err error) error {
		return s.reject("settle", err, func(e *zerolog.Event) *zerolog.Event {
			return e.Int64("strategy_id", strategyID).Int64("payout", payoutPerPrincipalUnit)
		})
	}
	if err := requireCaller(caller, s.auth.Settler); err != nil {
		return fail(err)
	}
	if payoutPerPrincipalUnit < 0 {
		return fail(fmt.Errorf("%w: negative payout ratio", ErrInvalidParameters))
	}

	now := s.now()
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		st, err := tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return mapStoreErr(err)
		}
		if st.Settled {
			return ErrAlreadySettled
		}
		if !st.Matured(now) {
			return ErrNotMatured
		}
		return tx.UpdateStrategyState(ctx, strategyID, st.Active, true, payoutPerPrincipalUnit)
	})
	if err != nil {
		return fail(err)
	}

	metrics.SettlementsTotal.Inc()
	s.log.Info().
		Int64("strategy_id", strategyID).
		Int64("payout_per_principal_unit", payoutPerPrincipalUnit).
		Msg("strategy settled")
	s.publish(model.Notification{
		Type:       model.NotifySettled,
		StrategyID: strategyID,
		Payout:     payoutPerPrincipalUnit,
	})
	return nil
}

// SetActive toggles whether a strategy accepts purchases. Only the
// settlement authority may call it, and never after settlement.
func (s *Service) SetActive(ctx context.Context, caller string, strategyID int64, active bool) error {
	fail := func(err error) error {
		return s.reject("set_active", err, func(e *zerolog.Event) *zerolog.Event {
			return e.Int64("strategy_id", strategyID)
		})
	}
	if err := requireCaller(caller, s.auth.Settler); err != nil {
		return fail(err)
	}
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		st, err := tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return mapStoreErr(err)
		}
		if st.Settled {
			return ErrAlreadySettled
		}
		return tx.UpdateStrategyState(ctx, strategyID, active, false, st.PayoutPerPrincipalUnit)
	})
	if err != nil {
		return fail(err)
	}
	s.log.Info().Int64("strategy_id", strategyID).Bool("active", active).Msg("strategy activity changed")
	return nil
}

// ClaimResult describes a paid claim.
type ClaimResult struct {
	StrategyID    int64        `json:"strategy_id"`
	PositionIndex int          `json:"position_index"`
	Principal     model.Amount `json:"principal"`
	Payout        model.Amount `json:"payout"`
}

// Claim pays out caller's oldest unclaimed position in strategyID. The
// maturity gate is checked first, then settlement, then the position.
// The position is flagged claimed and the payout moved out of the vault in
// the same transaction, so a position pays at most once.
func (s *Service) Claim(ctx context.Context, caller string, strategyID int64) (*ClaimResult, error) {
	user := Address(caller)
	fail := func(err error) (*ClaimResult, error) {
		return nil, s.reject("claim", err, func(e *zerolog.Event) *zerolog.Event {
			return e.Int64("strategy_id", strategyID).Str("user", user)
		})
	}
	if user == "" {
		return fail(fmt.Errorf("%w: missing caller", ErrUnauthorized))
	}

	now := s.now()
	var res *ClaimResult
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		st, err := tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return mapStoreErr(err)
		}
		if !st.Matured(now) {
			return ErrNotMatured
		}
		if !st.Settled {
			return ErrNotSettled
		}

		positions, err := tx.PositionsOf(ctx, user)
		if err != nil {
			return err
		}
		pos := firstUnclaimed(positions, strategyID)
		if pos == nil {
			return ErrNoClaimableCost
		}

		payout, err := pos.Principal.MulRatio(st.PayoutPerPrincipalUnit)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		if err := tx.MarkClaimed(ctx, user, pos.Index); err != nil {
			return err
		}
		if payout > 0 {
			if err := tx.Transfer(ctx, s.auth.Vault, user, payout); err != nil {
				return mapStoreErr(err)
			}
		}
		res = &ClaimResult{
			StrategyID:    strategyID,
			PositionIndex: pos.Index,
			Principal:     pos.Principal,
			Payout:        payout,
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	metrics.ClaimsTotal.Inc()
	s.log.Info().
		Int64("strategy_id", strategyID).
		Str("user", user).
		Int("position_index", res.PositionIndex).
		Str("payout", res.Payout.String()).
		Msg("position claimed")
	s.publish(model.Notification{
		Type:       model.NotifyClaimed,
		StrategyID: strategyID,
		User:       user,
		Amount:     res.Payout,
	})
	return res, nil
}

func firstUnclaimed(positions []model.Position, strategyID int64) *model.Position {
	for i := range positions {
		if positions[i].StrategyID == strategyID && !positions[i].Claimed {
			return &positions[i]
		}
	}
	return nil
}

// MaturedUnsettled returns strategies past maturity that still await a
// payout ratio.
func (s *Service) MaturedUnsettled(ctx context.Context) ([]model.Strategy, error) {
	all, err := s.store.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []model.Strategy
	for _, st := range all {
		if !st.Settled && st.Matured(now) {
			out = append(out, st)
		}
	}
	metrics.MaturedUnsettled.Set(float64(len(out)))
	return out, nil
}

// TotalPrincipal returns the principal purchased into a strategy.
func (s *Service) TotalPrincipal(ctx context.Context, strategyID int64) (model.Amount, error) {
	if _, err := s.GetStrategy(ctx, strategyID); err != nil {
		return 0, err
	}
	return s.store.StrategyPrincipal(ctx, strategyID)
}
