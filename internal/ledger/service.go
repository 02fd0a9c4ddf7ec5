// Package ledger implements the ledger-resident state machine: the strategy
// catalog, the position ledger, the hedge registry and the settlement and
// claim controller. Every mutation runs inside one store transaction and
// fails closed; notifications are published only after the commit.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

// Authority names the principals allowed to perform restricted operations
// and the custody accounts the ledger moves funds between.
type Authority struct {
	Creator    string // may create strategies
	Settler    string // may settle, close hedges, toggle activity, deposit
	Ledger     string // the position ledger's own identity, sole caller of OpenHedge
	Vault      string // custody account holding pooled principal
	FeeAccount string // custody account receiving purchase fees
}

func (a Authority) normalized() Authority {
	return Authority{
		Creator:    Address(a.Creator),
		Settler:    Address(a.Settler),
		Ledger:     Address(a.Ledger),
		Vault:      Address(a.Vault),
		FeeAccount: Address(a.FeeAccount),
	}
}

// Address canonicalizes a principal or account identifier.
func Address(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// HedgeOpener submits leveraged orders to a named hedge venue.
type HedgeOpener interface {
	OpenHedge(ctx context.Context, venue string, order model.HedgeOrder) (handle string, err error)
}

// Notifier receives notifications after their mutation has committed.
type Notifier interface {
	Publish(n model.Notification)
}

type nopNotifier struct{}

func (nopNotifier) Publish(model.Notification) {}

// Service is the ledger. It is safe for concurrent use; atomicity comes from
// store transactions.
type Service struct {
	store        store.Store
	auth         Authority
	hedges       HedgeOpener
	notifier     Notifier
	now          func() time.Time
	hedgeTimeout time.Duration
	log          zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHedgeOpener sets the venue used by OpenHedge.
func WithHedgeOpener(h HedgeOpener) Option {
	return func(s *Service) { s.hedges = h }
}

// WithNotifier sets where committed notifications are published.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithHedgeTimeout bounds each hedge venue call made on behalf of a purchase.
func WithHedgeTimeout(d time.Duration) Option {
	return func(s *Service) { s.hedgeTimeout = d }
}

// NewService creates a ledger over st.
func NewService(st store.Store, auth Authority, opts ...Option) *Service {
	s := &Service{
		store:        st,
		auth:         auth.normalized(),
		notifier:     nopNotifier{},
		now:          time.Now,
		hedgeTimeout: 15 * time.Second,
		log:          log.With().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authority returns the configured principals.
func (s *Service) Authority() Authority { return s.auth }

func (s *Service) publish(n model.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now().UTC()
	}
	s.notifier.Publish(n)
}

// reject logs and counts a failed operation and returns err unchanged.
func (s *Service) reject(op string, err error, ev func(*zerolog.Event) *zerolog.Event) error {
	kind := KindOf(err)
	metrics.LedgerRejections.WithLabelValues(op, string(kind)).Inc()
	e := s.log.Warn()
	if kind == KindInternal {
		e = s.log.Error()
	}
	if ev != nil {
		e = ev(e)
	}
	e.Err(err).Str("op", op).Str("kind", string(kind)).Msg("ledger operation rejected")
	return err
}

// requireCaller checks caller against an authorized principal. An empty
// principal is never authorized.
func requireCaller(caller, principal string) error {
	if principal == "" || Address(caller) != principal {
		return ErrUnauthorized
	}
	return nil
}
