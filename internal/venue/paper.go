package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/strategy-vault/internal/model"
)

// PaperOrderVenue fills every order immediately. Orders are keyed by client
// order id, so a resubmitted intent returns the original handle.
type PaperOrderVenue struct {
	name string

	mu     sync.Mutex
	orders map[string]string
}

// NewPaperOrderVenue creates a simulated order venue.
func NewPaperOrderVenue(name string) *PaperOrderVenue {
	return &PaperOrderVenue{name: name, orders: make(map[string]string)}
}

func (v *PaperOrderVenue) Name() string { return v.name }

func (v *PaperOrderVenue) Submit(ctx context.Context, intent model.OrderIntent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient(v.name, "submit", err)
	}
	if intent.Amount <= 0 {
		return "", Permanent(v.name, "submit", errors.New("non-positive amount"))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok := v.orders[intent.ClientOrderID]; ok && intent.ClientOrderID != "" {
		return h, nil
	}
	h := "paper-" + uuid.NewString()
	if intent.ClientOrderID != "" {
		v.orders[intent.ClientOrderID] = h
	}
	return h, nil
}

// Submitted returns how many distinct orders the venue has accepted.
func (v *PaperOrderVenue) Submitted() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// PaperHedgeVenue tracks simulated positions. Closing realizes the PnL set
// with SetPnL, zero by default.
type PaperHedgeVenue struct {
	name string

	mu        sync.Mutex
	positions map[string]model.HedgeOrder
	pnl       map[string]model.Amount
}

// NewPaperHedgeVenue creates a simulated hedge venue.
func NewPaperHedgeVenue(name string) *PaperHedgeVenue {
	return &PaperHedgeVenue{
		name:      name,
		positions: make(map[string]model.HedgeOrder),
		pnl:       make(map[string]model.Amount),
	}
}

func (v *PaperHedgeVenue) Name() string { return v.name }

func (v *PaperHedgeVenue) Open(ctx context.Context, order model.HedgeOrder) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient(v.name, "open", err)
	}
	if order.Amount <= 0 {
		return "", Permanent(v.name, "open", errors.New("non-positive collateral"))
	}
	h := "paper-" + uuid.NewString()
	v.mu.Lock()
	v.positions[h] = order
	v.mu.Unlock()
	return h, nil
}

func (v *PaperHedgeVenue) Close(ctx context.Context, handle string) (model.Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, Transient(v.name, "close", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.positions[handle]; !ok {
		return 0, Permanent(v.name, "close", fmt.Errorf("unknown position %s", handle))
	}
	delete(v.positions, handle)
	return v.pnl[handle], nil
}

// SetPnL fixes the PnL realized when handle is closed.
func (v *PaperHedgeVenue) SetPnL(handle string, pnl model.Amount) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pnl[handle] = pnl
}

// OpenPositions returns the number of positions not yet closed.
func (v *PaperHedgeVenue) OpenPositions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.positions)
}
