// Package venue defines the external trading venues the vault submits legs
// to, and classifies their failures as transient or permanent.
package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
)

// OrderStatus is the state a venue reports for a submitted order.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// OrderVenue is a prediction-market order book.
type OrderVenue interface {
	Name() string
	Submit(ctx context.Context, intent model.OrderIntent) (handle string, err error)
}

// HedgeVenue is a leveraged-derivatives exchange.
type HedgeVenue interface {
	Name() string
	Open(ctx context.Context, order model.HedgeOrder) (handle string, err error)
	Close(ctx context.Context, handle string) (realizedPnL model.Amount, err error)
}

// Error is a classified venue failure.
type Error struct {
	Venue      string
	Op         string
	StatusCode int // 0 when no HTTP response was received
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("venue %s %s: %s error (status %d): %v", e.Venue, e.Op, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("venue %s %s: %s error: %v", e.Venue, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownVenue is returned when an allocation names an unregistered venue.
var ErrUnknownVenue = errors.New("venue: unknown venue")

// Permanent wraps err as a non-retryable venue failure.
func Permanent(venue, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Err: err}
}

// Transient wraps err as a retryable venue failure.
func Transient(venue, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Transient: true, Err: err}
}

// IsTransient reports whether err is worth retrying. Cancellation and unknown
// venues are permanent. Errors no venue classified are
// treated as transient so a retry budget, not a guess, decides the outcome.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Transient
	}
	if errors.Is(err, ErrUnknownVenue) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Registry routes legs to venues by name.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]OrderVenue
	hedges map[string]HedgeVenue
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		orders: make(map[string]OrderVenue),
		hedges: make(map[string]HedgeVenue),
	}
}

// RegisterOrderVenue adds v under its lowercase name.
func (r *Registry) RegisterOrderVenue(v OrderVenue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[strings.ToLower(v.Name())] = v
}

// RegisterHedgeVenue adds v under its lowercase name.
func (r *Registry) RegisterHedgeVenue(v HedgeVenue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hedges[strings.ToLower(v.Name())] = v
}

// OrderVenue returns the order venue registered under name.
func (r *Registry) OrderVenue(name string) (OrderVenue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.orders[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, name)
	}
	return v, nil
}

// HedgeVenue returns the hedge venue registered under name.
func (r *Registry) HedgeVenue(name string) (HedgeVenue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.hedges[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, name)
	}
	return v, nil
}

// OpenHedge opens a leveraged position at the named venue.
func (r *Registry) OpenHedge(ctx context.Context, name string, order model.HedgeOrder) (string, error) {
	v, err := r.HedgeVenue(name)
	if err != nil {
		return "", err
	}
	start := time.Now()
	handle, err := v.Open(ctx, order)
	observe(v.Name(), start, err)
	return handle, err
}

// CloseHedge closes a leveraged position at the named venue.
func (r *Registry) CloseHedge(ctx context.Context, name, handle string) (model.Amount, error) {
	v, err := r.HedgeVenue(name)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	pnl, err := v.Close(ctx, handle)
	observe(v.Name(), start, err)
	return pnl, err
}

// Submit places one order intent at its venue.
func (r *Registry) Submit(ctx context.Context, intent model.OrderIntent) (string, error) {
	v, err := r.OrderVenue(intent.Venue)
	if err != nil {
		return "", err
	}
	start := time.Now()
	handle, err := v.Submit(ctx, intent)
	observe(v.Name(), start, err)
	return handle, err
}

// Outcome labels a venue call result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}

func observe(name string, start time.Time, err error) {
	metrics.VenueLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.VenueCalls.WithLabelValues(name, Outcome(err)).Inc()
}
