package service

import (
	"context"
	"errors"
	"time"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

type recovery struct {
	Investigation domain.Investigation
	Run           *domain.InvestigationRun
	Recovered     bool
	RunCreated    bool
}

// recoverLocked returns a locked PROCESSING investigation to PENDING when its
// run is missing, or is neither actively leased nor inside a retry window.
// The coordinator and the stale-run selector share it, so whichever caller
// takes the row lock second finds the investigation already PENDING.
func recoverLocked(ctx context.Context, tx repository.Tx, inv domain.Investigation, now time.Time) (recovery, error) {
	if inv.Status != domain.StatusProcessing {
		run, err := optionalRun(ctx, tx, inv.ID)
		return recovery{Investigation: inv, Run: run}, err
	}

	run, err := tx.LockRunByInvestigation(ctx, inv.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		run = nil
	case err != nil:
		return recovery{}, err
	}
	if run != nil && !run.IsRecoverable(now) {
		return recovery{Investigation: inv, Run: run}, nil
	}

	next := inv.WithStatus(domain.StatusPending, now)
	if err := saveInvestigation(ctx, tx, next); err != nil {
		return recovery{}, err
	}
	rec := recovery{Investigation: next, Recovered: true}
	if run == nil {
		rec.Run, err = insertQueuedRun(ctx, tx, inv.ID, now)
		if err != nil {
			return recovery{}, err
		}
		rec.RunCreated = true
		return rec, nil
	}
	// Attempts made since the run was last queued still count.
	run.Release(now)
	if err := tx.UpdateRun(ctx, *run); err != nil {
		return recovery{}, err
	}
	rec.Run = run
	return rec, nil
}
