package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

// CreateStrategy adds def to the catalog and returns its id. Only the
// creator principal may call it. The new strategy starts active and
// unsettled with a zero payout ratio.
func (s *Service) CreateStrategy(ctx context.Context, caller string, def *model.Strategy) (*model.Strategy, error) {
	fail := func(err error) (*model.Strategy, error) {
		return nil, s.reject("create", err, func(e *zerolog.Event) *zerolog.Event {
			return e.Str("caller", Address(caller))
		})
	}
	if err := requireCaller(caller, s.auth.Creator); err != nil {
		return fail(err)
	}
	now := s.now()
	if err := validateDefinition(def, now); err != nil {
		return fail(err)
	}

	st := def.Clone()
	st.Active = true
	st.Settled = false
	st.PayoutPerPrincipalUnit = 0
	st.Creator = Address(caller)
	st.CreatedAt = now.UTC()
	st.MaturityTimestamp = st.MaturityTimestamp.UTC()

	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		id, err := tx.InsertStrategy(ctx, st)
		st.ID = id
		return err
	})
	if err != nil {
		return fail(err)
	}

	metrics.StrategiesCreated.Inc()
	s.log.Info().
		Int64("strategy_id", st.ID).
		Str("name", st.Name).
		Int64("fee_bps", st.FeeBps).
		Time("maturity", st.MaturityTimestamp).
		Int("markets", len(st.Details.Markets)).
		Int("hedges", len(st.Details.Hedges)).
		Msg("strategy created")
	s.publish(model.Notification{Type: model.NotifyCreated, StrategyID: st.ID})
	return st, nil
}

func validateDefinition(def *model.Strategy, now time.Time) error {
	if def == nil {
		return fmt.Errorf("%w: missing definition", ErrInvalidParameters)
	}
	if def.FeeBps < 0 || def.FeeBps > model.MaxFeeBps {
		return fmt.Errorf("%w: feeBps %d outside [0, %d]", ErrInvalidParameters, def.FeeBps, model.MaxFeeBps)
	}
	if !def.MaturityTimestamp.After(now) {
		return fmt.Errorf("%w: maturity %s is not in the future", ErrInvalidParameters, def.MaturityTimestamp.Format(time.RFC3339))
	}
	for i, m := range def.Details.Markets {
		if m.NotionalBps <= 0 || m.NotionalBps > model.BpsDenominator {
			return fmt.Errorf("%w: market %d notionalBps %d", ErrInvalidParameters, i, m.NotionalBps)
		}
	}
	for i, h := range def.Details.Hedges {
		if h.NotionalBps <= 0 || h.NotionalBps > model.BpsDenominator {
			return fmt.Errorf("%w: hedge %d notionalBps %d", ErrInvalidParameters, i, h.NotionalBps)
		}
	}
	return nil
}

// GetStrategy returns a strategy or ErrUnknownStrategy.
func (s *Service) GetStrategy(ctx context.Context, id int64) (*model.Strategy, error) {
	st, err := s.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return st, nil
}

// ListStrategies returns the whole catalog ordered by id.
func (s *Service) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	return s.store.ListStrategies(ctx)
}

// NextStrategyID returns the id the next created strategy will receive.
func (s *Service) NextStrategyID(ctx context.Context) (int64, error) {
	return s.store.NextStrategyID(ctx)
}

// mapStoreErr converts store sentinels into ledger errors.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrUnknownStrategy, err)
	case errors.Is(err, store.ErrInsufficientAllowance):
		return fmt.Errorf("%w: %v", ErrTransferDenied, err)
	case errors.Is(err, store.ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return err
}
