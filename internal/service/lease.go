package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

// AttemptContext describes the attempt a worker is about to make.
type AttemptContext struct {
	AttemptNumber  int
	IsLastAttempt  bool
	WorkerIdentity string
}

// ClaimedRun is a run leased to one worker.
type ClaimedRun struct {
	Run           domain.InvestigationRun
	Investigation domain.Investigation
	Attempt       AttemptContext
}

// LeaseConfig tunes lease handling.
type LeaseConfig struct {
	TTL         time.Duration
	MaxAttempts int
	Clock       Clock
}

// LeaseService grants and renews run leases.
type LeaseService struct {
	store       repository.Store
	ttl         time.Duration
	maxAttempts int
	now         Clock
}

// NewLeaseService creates a new LeaseService.
func NewLeaseService(store repository.Store, cfg LeaseConfig) *LeaseService {
	return &LeaseService{store: store, ttl: cfg.TTL, maxAttempts: cfg.MaxAttempts, now: cfg.Clock.orDefault()}
}

// ClaimRun leases runID to worker. A run is claimable while its investigation
// is PENDING, or PROCESSING with neither an active lease nor a retry window.
// It returns domain.ErrLeaseHeld when the run is busy and
// domain.ErrNotClaimable when the investigation already finished.
func (s *LeaseService) ClaimRun(ctx context.Context, runID int64, worker string) (*ClaimedRun, error) {
	var claimed *ClaimedRun
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		now := s.now()
		inv, run, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if inv.Status.Terminal() {
			return fmt.Errorf("claim run %d in status %s: %w", runID, inv.Status, domain.ErrNotClaimable)
		}
		if run.HasActiveLease(now) || run.IsProtected(now) {
			return fmt.Errorf("claim run %d: %w", runID, domain.ErrLeaseHeld)
		}

		since := run.CreatedAt
		if run.QueuedAt != nil {
			since = *run.QueuedAt
		}
		prior, err := tx.CountAttempts(ctx, inv.ID, since)
		if err != nil {
			return err
		}

		run.AssignLease(worker, now, s.ttl)
		if err := tx.UpdateRun(ctx, *run); err != nil {
			return err
		}
		if inv.Status != domain.StatusProcessing {
			next := inv.WithStatus(domain.StatusProcessing, now)
			if err := saveInvestigation(ctx, tx, next); err != nil {
				return err
			}
			inv = &next
		}

		number := prior + 1
		claimed = &ClaimedRun{
			Run:           *run,
			Investigation: *inv,
			Attempt: AttemptContext{
				AttemptNumber:  number,
				IsLastAttempt:  number >= s.maxAttempts,
				WorkerIdentity: worker,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RenewLease extends worker's own active lease. It returns domain.ErrLeaseHeld
// when the lease expired or passed to someone else.
func (s *LeaseService) RenewLease(ctx context.Context, runID int64, worker string) error {
	return s.store.InTx(ctx, func(tx repository.Tx) error {
		now := s.now()
		_, run, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !run.HeldBy(worker, now) {
			return fmt.Errorf("renew lease on run %d for %s: %w", runID, worker, domain.ErrLeaseHeld)
		}
		expires := now.Add(s.ttl)
		heartbeat := now
		run.LeaseExpiresAt = &expires
		run.HeartbeatAt = &heartbeat
		run.UpdatedAt = now
		return tx.UpdateRun(ctx, *run)
	})
}

// ListQueuedRuns returns runs waiting for a worker.
func (s *LeaseService) ListQueuedRuns(ctx context.Context, limit int) ([]domain.InvestigationRun, error) {
	return s.store.ListQueuedRuns(ctx, limit)
}

// lockRun locks a run's investigation and then the run itself.
func lockRun(ctx context.Context, tx repository.Tx, runID int64) (*domain.Investigation, *domain.InvestigationRun, error) {
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	inv, err := tx.LockInvestigation(ctx, run.InvestigationID)
	if err != nil {
		return nil, nil, err
	}
	run, err = tx.LockRunByInvestigation(ctx, inv.ID)
	if err != nil {
		return nil, nil, err
	}
	return inv, run, nil
}
