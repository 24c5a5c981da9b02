package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/ZeroPathAI/openerrata/internal/metrics"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

const defaultSweepBatch = 100

// SelectorConfig tunes the stale-run selector.
type SelectorConfig struct {
	BatchSize int
	Clock     Clock
}

// StaleRunSelector returns abandoned PROCESSING investigations to the queue.
type StaleRunSelector struct {
	store      repository.Store
	dispatcher Dispatcher
	batch      int
	now        Clock
}

// NewStaleRunSelector creates a new StaleRunSelector.
func NewStaleRunSelector(store repository.Store, dispatcher Dispatcher, cfg SelectorConfig) *StaleRunSelector {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &StaleRunSelector{store: store, dispatcher: dispatcher, batch: batch, now: cfg.Clock.orDefault()}
}

// Run recovers one batch of stale runs and dispatches each recovered
// investigation. It returns how many were re-enqueued. Safe to run
// concurrently with itself and with the coordinator.
func (s *StaleRunSelector) Run(ctx context.Context) (int, error) {
	return s.run(ctx, "selector")
}

func (s *StaleRunSelector) run(ctx context.Context, source string) (int, error) {
	ctx, span := tracer.Start(ctx, "StaleRunSelector.Run")
	defer span.End()

	ids, err := s.store.ListRecoverableInvestigations(ctx, s.now(), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list recoverable investigations: %w", err)
	}

	count := 0
	for _, id := range ids {
		var rec recovery
		err := s.store.InTx(ctx, func(tx repository.Tx) error {
			inv, err := tx.LockInvestigation(ctx, id)
			if err != nil {
				return err
			}
			rec, err = recoverLocked(ctx, tx, *inv, s.now())
			return err
		})
		if err != nil {
			return count, fmt.Errorf("recover investigation %d: %w", id, err)
		}
		if !rec.Recovered {
			continue
		}
		count++
		metrics.StaleRecoveries.WithLabelValues(source).Inc()
		metrics.InvestigationsQueued.WithLabelValues(metrics.QueuedRecovered).Inc()
		ev := QueuedEvent{InvestigationID: rec.Investigation.ID, RunID: rec.Run.ID}
		if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
			// The run stays PENDING and the worker poll loop will find it.
			slog.WarnContext(ctx, "dispatch recovered run failed", "investigation_id", id, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("recovered", count))
	if count > 0 {
		slog.InfoContext(ctx, "recovered stale investigations", "count", count, "source", source)
	}
	return count, nil
}

// OpportunisticSweeper lets request handlers trigger the selector without
// flooding the store: at most one sweep per interval.
type OpportunisticSweeper struct {
	selector *StaleRunSelector
	limiter  *rate.Limiter
}

// NewOpportunisticSweeper creates a sweeper allowing one sweep per interval.
func NewOpportunisticSweeper(selector *StaleRunSelector, interval time.Duration) *OpportunisticSweeper {
	return &OpportunisticSweeper{selector: selector, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// MaybeSweep runs the selector when the rate allows. Failures are logged only.
func (s *OpportunisticSweeper) MaybeSweep(ctx context.Context) int {
	if !s.limiter.Allow() {
		return 0
	}
	n, err := s.selector.run(ctx, "opportunistic")
	if err != nil {
		slog.WarnContext(ctx, "opportunistic sweep failed", "error", err)
	}
	return n
}
