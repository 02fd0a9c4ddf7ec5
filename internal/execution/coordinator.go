// Package execution turns observed purchases into prediction-market orders
// across venues with bounded concurrency and per-leg retry.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/venue"
)

// ErrUnknownStrategy is returned by a StrategySource when the id has no
// definition. It is a data error and is never retried.
var ErrUnknownStrategy = errors.New("execution: unknown strategy")

// StrategySource resolves strategy definitions by id.
type StrategySource interface {
	GetStrategy(ctx context.Context, id int64) (*model.Strategy, error)
}

// Submitter places one order intent at the venue it names.
type Submitter interface {
	Submit(ctx context.Context, intent model.OrderIntent) (string, error)
}

// Policy bounds retries of transient venue failures.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
}

// DefaultPolicy is used for zero Policy fields.
var DefaultPolicy = Policy{
	MaxAttempts: 4,
	BaseBackoff: 500 * time.Millisecond,
	MaxBackoff:  10 * time.Second,
	CallTimeout: 15 * time.Second,
}

// Backoff returns the wait before retrying after attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt-1))) * p.BaseBackoff
	if p.MaxBackoff > 0 && (wait > p.MaxBackoff || wait <= 0) {
		return p.MaxBackoff
	}
	return wait
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultPolicy.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultPolicy.MaxBackoff
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = DefaultPolicy.CallTimeout
	}
	return p
}

// Config configures a Coordinator.
type Config struct {
	// MaxInFlight caps simultaneous venue calls across all events.
	MaxInFlight int64
	Policy      Policy
}

// Coordinator executes purchase events. Safe for concurrent use.
type Coordinator struct {
	strategies StrategySource
	venues     Submitter
	reports    ReportStore
	sem        *semaphore.Weighted
	policy     Policy
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, strategies StrategySource, venues Submitter, reports ReportStore) *Coordinator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	return &Coordinator{
		strategies: strategies,
		venues:     venues,
		reports:    reports,
		sem:        semaphore.NewWeighted(cfg.MaxInFlight),
		policy:     cfg.Policy.withDefaults(),
		logger:     log.With().Str("component", "coordinator").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle executes ev and discards the report.
func (c *Coordinator) Handle(ctx context.Context, ev model.PurchaseEvent) error {
	_, err := c.Execute(ctx, ev)
	return err
}

// Execute dispatches every market leg of ev's strategy and records an
// advisory report. An event whose report is already complete is not
// executed again; the stored report comes back marked Duplicate.
//
// An error means the event should be retried later: the report stays
// pending, its lease is released, and a later Execute re-dispatches it under
// the same client order ids. While another executor holds the event,
// Execute fails with ErrReportLeased.
func (c *Coordinator) Execute(ctx context.Context, ev model.PurchaseEvent) (_ *model.ExecutionReport, err error) {
	key := ev.Key()
	logger := c.logger.With().Str("event", key).Int64("strategy_id", ev.StrategyID).Logger()

	report := &model.ExecutionReport{
		EventKey:   key,
		StrategyID: ev.StrategyID,
		User:       ev.User,
		Status:     model.StatusPending,
		StartedAt:  c.now(),
	}
	existing, fresh, err := c.reports.Reserve(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("execution: reserve %s: %w", key, err)
	}
	if !fresh {
		existing.Duplicate = true
		logger.Info().Str("status", string(existing.Status)).Msg("event already executed")
		return existing, nil
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := c.reports.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.Warn().Err(rerr).Msg("release execution lease")
		}
	}()

	st, err := c.strategies.GetStrategy(ctx, ev.StrategyID)
	switch {
	case errors.Is(err, ErrUnknownStrategy):
		logger.Error().Err(err).Msg("purchase references unknown strategy")
		return c.finish(ctx, report, model.StatusUnknownStrat)
	case err != nil:
		return nil, fmt.Errorf("execution: load strategy %d: %w", ev.StrategyID, err)
	}

	intents, err := BuildIntents(ev, st)
	if err != nil {
		return nil, fmt.Errorf("execution: build intents for %s: %w", key, err)
	}
	if len(intents) == 0 {
		logger.Warn().Msg("strategy has no market legs to execute")
		return c.finish(ctx, report, model.StatusNothingToExec)
	}

	report.Legs = c.dispatch(ctx, logger, intents)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.finish(ctx, report, Aggregate(report.Legs))
}

func (c *Coordinator) finish(ctx context.Context, report *model.ExecutionReport, status model.ExecutionStatus) (*model.ExecutionReport, error) {
	report.Status = status
	report.CompletedAt = c.now()
	if err := c.reports.Complete(context.WithoutCancel(ctx), report); err != nil {
		return nil, fmt.Errorf("execution: complete %s: %w", report.EventKey, err)
	}
	metrics.ExecutionReports.WithLabelValues(string(status)).Inc()

	level := zerolog.InfoLevel
	if status != model.StatusAllSucceeded {
		level = zerolog.WarnLevel
	}
	c.logger.WithLevel(level).Str("event", report.EventKey).
		Str("status", string(status)).
		Int("legs", len(report.Legs)).
		Dur("took", report.CompletedAt.Sub(report.StartedAt)).
		Msg("execution finished")
	return report, nil
}

// dispatch runs legs concurrently. First attempts take their dispatch slot
// in priority order; the semaphore, not the goroutine count, bounds venue
// calls.
func (c *Coordinator) dispatch(ctx context.Context, logger zerolog.Logger, intents []model.OrderIntent) []model.LegResult {
	results := make([]model.LegResult, len(intents))
	var wg sync.WaitGroup
	for i := range intents {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			results[i] = model.LegResult{Intent: intents[i], Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.submit(ctx, logger, intents[i])
		}(i)
	}
	wg.Wait()
	return results
}

// submit is entered holding a dispatch slot for the first attempt.
func (c *Coordinator) submit(ctx context.Context, logger zerolog.Logger, intent model.OrderIntent) model.LegResult {
	res := model.LegResult{Intent: intent}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				res.Error = err.Error()
				return res
			}
		}
		handle, err := c.call(ctx, intent)
		if err == nil {
			res.Handle = handle
			return res
		}

		transient := venue.IsTransient(err)
		logger.Warn().Err(err).
			Str("client_order_id", intent.ClientOrderID).
			Str("venue", intent.Venue).
			Int("attempt", attempt).
			Bool("transient", transient).
			Msg("venue call failed")

		if !transient || attempt >= c.policy.MaxAttempts {
			res.Error = err.Error()
			return res
		}
		if err := c.sleep(ctx, c.policy.Backoff(attempt)); err != nil {
			res.Error = err.Error()
			return res
		}
	}
}

// call releases the caller's dispatch slot when the venue answers.
func (c *Coordinator) call(ctx context.Context, intent model.OrderIntent) (string, error) {
	defer c.sem.Release(1)
	metrics.VenueInFlight.Inc()
	defer metrics.VenueInFlight.Dec()

	callCtx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
	defer cancel()
	return c.venues.Submit(callCtx, intent)
}

// BuildIntents derives one order per market allocation, sized from the
// net principal and ordered by ascending priority. Client order ids are
// <txHash>:<logIndex>:<allocationIndex> so resubmission is idempotent.
func BuildIntents(ev model.PurchaseEvent, st *model.Strategy) ([]model.OrderIntent, error) {
	intents := make([]model.OrderIntent, 0, len(st.Details.Markets))
	for i, m := range st.Details.Markets {
		amount, err := ev.NetAmount.MulBps(m.NotionalBps)
		if err != nil {
			return nil, err
		}
		if amount <= 0 {
			continue
		}
		v := m.Venue
		if v == "" {
			v = model.DefaultMarketVenue
		}
		intents = append(intents, model.OrderIntent{
			ClientOrderID: fmt.Sprintf("%s:%d:%d", strings.ToLower(ev.TransactionHash), ev.LogIndex, i),
			MarketID:      m.ExternalMarketID,
			Side:          m.Side,
			Amount:        amount,
			MaxPriceBps:   m.MaxPriceBps,
			Venue:         v,
			Priority:      m.Priority,
		})
	}
	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Priority < intents[j].Priority })
	return intents, nil
}

// Aggregate summarizes leg outcomes.
func Aggregate(legs []model.LegResult) model.ExecutionStatus {
	if len(legs) == 0 {
		return model.StatusNothingToExec
	}
	ok := 0
	for _, l := range legs {
		if l.Succeeded() {
			ok++
		}
	}
	switch ok {
	case len(legs):
		return model.StatusAllSucceeded
	case 0:
		return model.StatusAllFailed
	default:
		return model.StatusPartial
	}
}
