package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/service"
)

// retrySlack delays re-dispatch past the retry window so the claim does not
// race the store clock.
const retrySlack = 25 * time.Millisecond

// Leases is the lease API the pool needs.
type Leases interface {
	ClaimRun(ctx context.Context, runID int64, worker string) (*service.ClaimedRun, error)
	RenewLease(ctx context.Context, runID int64, worker string) error
	ListQueuedRuns(ctx context.Context, limit int) ([]domain.InvestigationRun, error)
}

// Runner executes one attempt for a leased run.
type Runner interface {
	OrchestrateInvestigation(ctx context.Context, runID int64, logger *slog.Logger, attempt service.AttemptContext) (service.OrchestrationResult, error)
}

// Config tunes the pool.
type Config struct {
	Identity          string
	Workers           int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	PollBatch         int
}

// Pool runs Workers goroutines that claim runs from the dispatcher.
type Pool struct {
	cfg        Config
	leases     Leases
	runner     Runner
	dispatcher *ChannelDispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// NewPool creates a new Pool.
func NewPool(cfg Config, leases Leases, runner Runner, dispatcher *ChannelDispatcher, logger *slog.Logger) *Pool {
	if cfg.Identity == "" {
		cfg.Identity = NewIdentity()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:        cfg,
		leases:     leases,
		runner:     runner,
		dispatcher: dispatcher,
		logger:     logger.With("pool", cfg.Identity),
		timers:     make(map[int64]*time.Timer),
	}
}

// NewIdentity returns a worker identity unique to this process.
func NewIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Run blocks until ctx is cancelled or a worker fails.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		worker := fmt.Sprintf("%s/%d", p.cfg.Identity, i)
		g.Go(func() error { return p.work(ctx, worker) })
	}
	if p.cfg.PollInterval > 0 {
		g.Go(func() error { return p.poll(ctx) })
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)

	err := g.Wait()
	p.stopTimers()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, worker string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.dispatcher.Events():
			if _, err := p.Process(ctx, ev, worker); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Error("process run failed", "run_id", ev.RunID, "worker", worker, "error", err)
			}
		}
	}
}

// poll re-dispatches queued runs whose event was lost or dropped.
func (p *Pool) poll(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runs, err := p.leases.ListQueuedRuns(ctx, p.cfg.PollBatch)
			if err != nil {
				p.logger.Warn("poll queued runs failed", "error", err)
				continue
			}
			for _, run := range runs {
				ev := service.QueuedEvent{InvestigationID: run.InvestigationID, RunID: run.ID}
				if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
					break
				}
			}
		}
	}
}

// Process claims the run, executes one attempt while heartbeating, and
// schedules a re-dispatch when the attempt asks for a retry. Runs that are
// busy or finished are skipped.
func (p *Pool) Process(ctx context.Context, ev service.QueuedEvent, worker string) (service.OrchestrationResult, error) {
	logger := p.logger.With("run_id", ev.RunID, "investigation_id", ev.InvestigationID)

	claimed, err := p.leases.ClaimRun(ctx, ev.RunID, worker)
	switch {
	case errors.Is(err, domain.ErrLeaseHeld), errors.Is(err, domain.ErrNotClaimable), errors.Is(err, domain.ErrNotFound):
		logger.Debug("run not claimable, dropping dispatch", "reason", err)
		return service.OrchestrationResult{Outcome: service.OutcomeSkipped}, nil
	case err != nil:
		return service.OrchestrationResult{}, fmt.Errorf("claim run %d: %w", ev.RunID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(runCtx, ev.RunID, worker, logger)
	}()
	res, err := p.runner.OrchestrateInvestigation(runCtx, ev.RunID, logger, claimed.Attempt)
	cancel()
	<-heartbeatDone
	if err != nil {
		return res, err
	}

	if res.Outcome == service.OutcomeRetryScheduled && res.RetryAt != nil {
		p.scheduleRetry(service.QueuedEvent{InvestigationID: claimed.Investigation.ID, RunID: ev.RunID}, *res.RetryAt)
	}
	return res, nil
}

func (p *Pool) heartbeat(ctx context.Context, runID int64, worker string, logger *slog.Logger) {
	if p.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.leases.RenewLease(ctx, runID, worker)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLeaseHeld):
				// The attempt keeps going; its result is reconciled when recorded.
				logger.Warn("lease lost", "worker", worker)
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("renew lease failed", "worker", worker, "error", err)
			}
		}
	}
}

func (p *Pool) scheduleRetry(ev service.QueuedEvent, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[ev.RunID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(time.Until(at)+retrySlack, func() {
		p.mu.Lock()
		if p.timers[ev.RunID] == timer {
			delete(p.timers, ev.RunID)
		}
		p.mu.Unlock()
		if err := p.dispatcher.Dispatch(context.Background(), ev); err != nil {
			p.logger.Warn("re-dispatch after retry window failed", "run_id", ev.RunID, "error", err)
		}
	})
	p.timers[ev.RunID] = timer
}

func (p *Pool) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
