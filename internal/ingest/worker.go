// Package ingest polls an indexer for purchase logs and hands each new
// purchase to the execution coordinator exactly once per worker history.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/indexer"
	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
)

// Handler executes one decoded purchase. A returned error stops the batch
// and leaves the checkpoint where it was.
type Handler interface {
	Handle(ctx context.Context, ev model.PurchaseEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev model.PurchaseEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev model.PurchaseEvent) error { return f(ctx, ev) }

// Config tunes the poll loop.
type Config struct {
	Name          string
	FromBlock     uint64
	PollInterval  time.Duration
	BatchSize     uint64
	ReplayDepth   uint64
	Confirmations uint64
}

// Worker is the polling ingestion loop.
type Worker struct {
	cfg         Config
	src         indexer.Source
	seen        SeenSet
	checkpoints CheckpointStore
	handler     Handler
	logger      zerolog.Logger

	next    uint64
	started bool
}

// NewWorker creates a worker. Zero config values take defaults.
func NewWorker(cfg Config, src indexer.Source, seen SeenSet, checkpoints CheckpointStore, h Handler) *Worker {
	if cfg.Name == "" {
		cfg.Name = "purchases"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	return &Worker{
		cfg:         cfg,
		src:         src,
		seen:        seen,
		checkpoints: checkpoints,
		handler:     h,
		logger:      log.With().Str("component", "ingest").Str("worker", cfg.Name).Logger(),
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Uint64("from_block", w.cfg.FromBlock).
		Dur("poll_interval", w.cfg.PollInterval).
		Uint64("batch_size", w.cfg.BatchSize).
		Msg("ingestion worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			more, err := w.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				metrics.IngestPollErrors.Inc()
				w.logger.Error().Err(err).Uint64("next_block", w.next).Msg("poll failed")
				break
			}
			if !more {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("ingestion worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) start(ctx context.Context) error {
	if w.started {
		return nil
	}
	last, ok, err := w.checkpoints.Load(ctx, w.cfg.Name)
	if err != nil {
		return err
	}
	w.next = w.cfg.FromBlock
	if ok && last+1 > w.next {
		w.next = last + 1
	}
	w.started = true
	metrics.IngestCheckpoint.Set(float64(w.next))
	w.logger.Info().Uint64("next_block", w.next).Bool("resumed", ok).Msg("checkpoint loaded")
	return nil
}

// Poll reads one batch and reports whether more confirmed blocks remain.
func (w *Worker) Poll(ctx context.Context) (bool, error) {
	if err := w.start(ctx); err != nil {
		return false, err
	}

	head, err := w.src.Head(ctx)
	if err != nil {
		return false, err
	}
	if head < w.cfg.Confirmations {
		return false, nil
	}
	safe := head - w.cfg.Confirmations
	if w.next > safe {
		return false, nil
	}

	to := w.next + w.cfg.BatchSize - 1
	if to > safe {
		to = safe
	}
	from := w.cfg.FromBlock
	if w.next > w.cfg.FromBlock+w.cfg.ReplayDepth {
		from = w.next - w.cfg.ReplayDepth
	}

	logs, err := w.src.Logs(ctx, from, to)
	if err != nil {
		return false, err
	}
	sortLogs(logs)

	if err := w.process(ctx, logs); err != nil {
		return false, err
	}

	if err := w.checkpoints.Save(ctx, w.cfg.Name, to); err != nil {
		return false, err
	}
	w.next = to + 1
	metrics.IngestCheckpoint.Set(float64(w.next))
	w.logger.Debug().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Msg("batch committed")
	return w.next <= safe, nil
}

func (w *Worker) process(ctx context.Context, logs []types.Log) error {
	for _, l := range logs {
		ev, err := indexer.Decode(l)
		if err != nil {
			metrics.IngestLogs.WithLabelValues("invalid").Inc()
			w.logger.Warn().Err(err).
				Str("tx", l.TxHash.Hex()).
				Uint("log_index", l.Index).
				Uint64("block", l.BlockNumber).
				Msg("skipping invalid log")
			continue
		}

		key := ev.Key()
		added, err := w.seen.Add(ctx, key)
		if err != nil {
			return err
		}
		if !added {
			metrics.IngestLogs.WithLabelValues("duplicate").Inc()
			w.logger.Debug().Str("event", key).Msg("duplicate log skipped")
			continue
		}

		if err := w.handler.Handle(ctx, ev); err != nil {
			if rmErr := w.seen.Remove(context.WithoutCancel(ctx), key); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
			return fmt.Errorf("ingest: handle %s: %w", key, err)
		}
		metrics.IngestLogs.WithLabelValues("processed").Inc()
	}
	return nil
}

// sortLogs orders by block, then transaction, then log index.
func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Index < b.Index
	})
}
