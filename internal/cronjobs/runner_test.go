package cronjobs

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/strategy-vault/internal/ledger"
	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

func TestRunnerRunsJobs(t *testing.T) {
	r := New(context.Background())
	var runs, fails int32
	_, err := r.Add("@every 1s", "tick", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = r.Add("* * * * * *", "broken", func(context.Context) error {
		atomic.AddInt32(&fails, 1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) > 0 && atomic.LoadInt32(&fails) > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	r := New(context.Background())
	_, err := r.Add("every tuesday", "bad", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestMaturityWatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := ledger.NewService(store.NewMemoryStore(),
		ledger.Authority{Creator: "c", Settler: "s", Ledger: "l", Vault: "v", FeeAccount: "f"},
		ledger.WithClock(func() time.Time { return now }),
	)
	for _, days := range []int{1, 10} {
		_, err := svc.CreateStrategy(ctx, "c", &model.Strategy{
			Name:              "s",
			FeeBps:            100,
			MaturityTimestamp: now.Add(time.Duration(days) * 24 * time.Hour),
			Details: model.StrategyDetails{Markets: []model.MarketAllocation{
				{ExternalMarketID: "m", Side: model.SideNo, NotionalBps: 10_000, MaxPriceBps: 5000},
			}},
		})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()
	watch := MaturityWatch(svc)

	now = now.Add(2 * 24 * time.Hour)
	require.NoError(t, watch(ctx))
	assert.Contains(t, buf.String(), `"strategy_id":1`)
	assert.NotContains(t, buf.String(), `"strategy_id":2`)
	assert.Contains(t, buf.String(), `"count":1`)

	require.NoError(t, svc.Settle(ctx, "s", 1, model.PayoutScale))
	buf.Reset()
	require.NoError(t, watch(ctx))
	assert.Empty(t, buf.String())
}
