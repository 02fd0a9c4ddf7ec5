package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

// PurchaseReceipt describes a recorded purchase.
type PurchaseReceipt struct {
	Position    model.Position `json:"position"`
	GrossAmount model.Amount   `json:"gross_amount"`
	Fee         model.Amount   `json:"fee"`
	Hedges      []HedgeOutcome `json:"hedges,omitempty"`
}

// HedgeOutcome reports what happened to one hedge allocation of a purchase.
type HedgeOutcome struct {
	Asset  string       `json:"asset"`
	Amount model.Amount `json:"amount"`
	Handle string       `json:"handle,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Purchase buys a position in strategyID for caller. The gross amount is
// pulled from the caller's custody account (it must be pre-approved), the fee
// is floored and moved to the fee account, and the net principal is appended
// as a new position. After the purchase commits, one hedge is opened per
// hedge allocation; hedge failures are reported but never undo the purchase.
func (s *Service) Purchase(ctx context.Context, caller string, strategyID int64, gross model.Amount) (*PurchaseReceipt, error) {
	user := Address(caller)
	fail := func(err error) (*PurchaseReceipt, error) {
		return nil, s.reject("purchase", err, func(e *zerolog.Event) *zerolog.Event {
			return e.Int64("strategy_id", strategyID).Str("user", user).Int64("gross", int64(gross))
		})
	}
	if user == "" {
		return fail(fmt.Errorf("%w: missing caller", ErrUnauthorized))
	}
	if gross <= 0 {
		return fail(fmt.Errorf("%w: grossAmount must be positive", ErrInvalidParameters))
	}

	now := s.now()
	var (
		st  *model.Strategy
		pos model.Position
		fee model.Amount
	)
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		st, err = tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return mapStoreErr(err)
		}
		switch {
		case !st.Active:
			return ErrInactive
		case st.Settled:
			return ErrAlreadySettled
		case st.Matured(now):
			return ErrMatured
		}

		if err := tx.SpendAllowance(ctx, user, gross); err != nil {
			return mapStoreErr(err)
		}
		if err := tx.Transfer(ctx, user, s.auth.Vault, gross); err != nil {
			return mapStoreErr(err)
		}

		fee, err = gross.MulBps(st.FeeBps)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		if fee > 0 {
			if err := tx.Transfer(ctx, s.auth.Vault, s.auth.FeeAccount, fee); err != nil {
				return mapStoreErr(err)
			}
		}

		pos = model.Position{
			User:              user,
			StrategyID:        strategyID,
			Principal:         gross - fee,
			PurchaseTimestamp: now.UTC(),
		}
		pos.Index, err = tx.AppendPosition(ctx, &pos)
		return err
	})
	if err != nil {
		return fail(err)
	}

	label := strconv.FormatInt(strategyID, 10)
	metrics.PurchasesTotal.WithLabelValues(label).Inc()
	metrics.PurchasedPrincipal.WithLabelValues(label).Add(pos.Principal.Decimal().InexactFloat64())
	s.log.Info().
		Int64("strategy_id", strategyID).
		Str("user", user).
		Str("gross", gross.String()).
		Str("fee", fee.String()).
		Str("net", pos.Principal.String()).
		Int("position_index", pos.Index).
		Msg("purchase recorded")
	s.publish(model.Notification{
		Type:          model.NotifyPurchased,
		StrategyID:    strategyID,
		User:          user,
		GrossAmount:   gross,
		NetAmount:     pos.Principal,
		PositionIndex: pos.Index,
		Timestamp:     now.UTC(),
	})

	receipt := &PurchaseReceipt{Position: pos, GrossAmount: gross, Fee: fee}
	receipt.Hedges = s.openPurchaseHedges(ctx, st, user, pos.Principal)
	return receipt, nil
}

// openPurchaseHedges opens one hedge per allocation on behalf of the
// ledger. It runs detached from the caller's cancellation: the purchase has
// already committed, so an abandoned request must not strand the hedge.
func (s *Service) openPurchaseHedges(ctx context.Context, st *model.Strategy, user string, net model.Amount) []HedgeOutcome {
	if len(st.Details.Hedges) == 0 {
		return nil
	}
	out := make([]HedgeOutcome, 0, len(st.Details.Hedges))
	for _, alloc := range st.Details.Hedges {
		outcome := HedgeOutcome{Asset: alloc.Asset}
		amount, err := net.MulBps(alloc.NotionalBps)
		if err == nil {
			outcome.Amount = amount
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.hedgeTimeout)
			var rec *model.HedgeRecord
			rec, err = s.OpenHedge(hctx, s.auth.Ledger, HedgeRequest{
				StrategyID:     st.ID,
				User:           user,
				Asset:          alloc.Asset,
				IsLong:         alloc.IsLong,
				Amount:         amount,
				MaxSlippageBps: alloc.MaxSlippageBps,
				Venue:          alloc.Venue,
			})
			cancel()
			if err == nil {
				outcome.Handle = rec.ExternalOrderHandle
			}
		}
		if err != nil {
			outcome.Error = err.Error()
			metrics.HedgeEvents.WithLabelValues("failed").Inc()
			s.publish(model.Notification{
				Type:       model.NotifyHedgeFailed,
				StrategyID: st.ID,
				User:       user,
				Asset:      alloc.Asset,
				IsLong:     alloc.IsLong,
				Amount:     amount,
				Error:      err.Error(),
			})
		}
		out = append(out, outcome)
	}
	return out
}

// PositionsOf returns every position held by user in purchase order.
func (s *Service) PositionsOf(ctx context.Context, user string) ([]model.Position, error) {
	return s.store.PositionsOf(ctx, Address(user))
}

// Approve sets how much the ledger may pull from caller's custody account.
func (s *Service) Approve(ctx context.Context, caller string, amount model.Amount) error {
	owner := Address(caller)
	if owner == "" {
		return s.reject("approve", ErrUnauthorized, nil)
	}
	if amount < 0 {
		return s.reject("approve", fmt.Errorf("%w: negative allowance", ErrInvalidParameters), nil)
	}
	return s.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.SetAllowance(ctx, owner, amount)
	})
}

// Deposit credits funds arriving from outside custody. Only the settlement
// authority may record deposits.
func (s *Service) Deposit(ctx context.Context, caller, account string, amount model.Amount) error {
	if err := requireCaller(caller, s.auth.Settler); err != nil {
		return s.reject("deposit", err, nil)
	}
	account = Address(account)
	if account == "" || amount <= 0 {
		return s.reject("deposit", fmt.Errorf("%w: account and positive amount required", ErrInvalidParameters), nil)
	}
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.Mint(ctx, account, amount)
	})
	if err != nil {
		return s.reject("deposit", err, nil)
	}
	s.log.Info().Str("account", account).Str("amount", amount.String()).Msg("deposit recorded")
	return nil
}

// Balance returns an account's custody balance.
func (s *Service) Balance(ctx context.Context, account string) (model.Amount, error) {
	return s.store.Balance(ctx, Address(account))
}

// Allowance returns how much the ledger may pull from owner.
func (s *Service) Allowance(ctx context.Context, owner string) (model.Amount, error) {
	return s.store.Allowance(ctx, Address(owner))
}

