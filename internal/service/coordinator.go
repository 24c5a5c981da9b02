package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/lineage"
	"github.com/ZeroPathAI/openerrata/internal/metrics"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

const defaultConflictTries = 5

// EnsureRequest identifies the investigation to create or reuse.
type EnsureRequest struct {
	ContentVersionID   int64
	PromptVersion      string
	AllowRequeueFailed bool
	// Enqueue asks for a QueuedEvent when the call moves the investigation
	// into the queued state.
	Enqueue bool
}

func (r EnsureRequest) key() string {
	return fmt.Sprintf("%d/%s/%t/%t", r.ContentVersionID, r.PromptVersion, r.AllowRequeueFailed, r.Enqueue)
}

// EnsureResult is the state after EnsureInvestigationQueued.
type EnsureResult struct {
	Investigation domain.Investigation
	Run           *domain.InvestigationRun
	Created       bool
	RunCreated    bool
	Enqueued      bool
	// Events lists the dispatches the caller owes. It is non-empty only when
	// this call performed a transition into the queued state.
	Events []QueuedEvent
}

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	// ConflictTries bounds how often a transaction is replayed after losing
	// a unique-constraint race.
	ConflictTries uint
	Clock         Clock
}

// Coordinator creates and requeues investigations. It is safe for concurrent
// use; correctness across processes rests on the store's row locks and
// unique constraints.
type Coordinator struct {
	store         repository.Store
	now           Clock
	conflictTries uint
	group         singleflight.Group
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(store repository.Store, cfg CoordinatorConfig) *Coordinator {
	tries := cfg.ConflictTries
	if tries == 0 {
		tries = defaultConflictTries
	}
	return &Coordinator{store: store, now: cfg.Clock.orDefault(), conflictTries: tries}
}

// EnsureInvestigationQueued finds or creates the investigation for a content
// version and prompt, moving it into the queued state where the rules allow.
// Concurrent callers converge on one investigation and one run.
func (c *Coordinator) EnsureInvestigationQueued(ctx context.Context, req EnsureRequest) (EnsureResult, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.EnsureInvestigationQueued")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("content_version_id", req.ContentVersionID),
		attribute.String("prompt_version", req.PromptVersion),
	)

	if req.ContentVersionID <= 0 {
		return EnsureResult{}, &domain.ValidationError{Field: "content_version_id", Message: "must be positive"}
	}
	if req.PromptVersion == "" {
		return EnsureResult{}, &domain.ValidationError{Field: "prompt_version", Message: "is required"}
	}

	// The shared call outlives any one caller's cancellation. Followers
	// observe the leader's outcome but must not re-dispatch it; if the leader
	// gave up, its events are left to the worker poll loop.
	leader := false
	ch := c.group.DoChan(req.key(), func() (any, error) {
		leader = true
		return c.ensureWithRetry(context.WithoutCancel(ctx), req)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return EnsureResult{}, fmt.Errorf("ensure investigation for content version %d: %w", req.ContentVersionID, ctx.Err())
	case r = <-ch:
	}
	if r.Err != nil {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, r.Err.Error())
		return EnsureResult{}, r.Err
	}
	res := r.Val.(EnsureResult)
	if !leader {
		res = res.shared()
	}
	span.SetAttributes(
		attribute.String("status", string(res.Investigation.Status)),
		attribute.Bool("enqueued", res.Enqueued),
	)
	return res, nil
}

func (r EnsureResult) shared() EnsureResult {
	out := EnsureResult{Investigation: r.Investigation}
	if r.Run != nil {
		run := *r.Run
		out.Run = &run
	}
	return out
}

func (c *Coordinator) ensureWithRetry(ctx context.Context, req EnsureRequest) (EnsureResult, error) {
	op := func() (EnsureResult, error) {
		res, reason, err := c.ensureOnce(ctx, req)
		if errors.Is(err, domain.ErrConflict) {
			metrics.ConflictRetries.Inc()
			slog.DebugContext(ctx, "ensure investigation lost creation race, retrying",
				"content_version_id", req.ContentVersionID)
			return EnsureResult{}, err
		}
		if err != nil {
			return EnsureResult{}, backoff.Permanent(err)
		}
		if reason != "" {
			metrics.InvestigationsQueued.WithLabelValues(reason).Inc()
			if reason == metrics.QueuedRecovered {
				metrics.StaleRecoveries.WithLabelValues("coordinator").Inc()
			}
		}
		return res, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	res, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(c.conflictTries))
	if errors.Is(err, domain.ErrConflict) {
		// Out of tries: report whatever the winners committed.
		if winner, ok := c.readCommitted(ctx, req); ok {
			return winner, nil
		}
	}
	if err != nil {
		return EnsureResult{}, fmt.Errorf("ensure investigation for content version %d: %w", req.ContentVersionID, err)
	}
	return res, nil
}

// readCommitted reads the investigation and run outside a transaction. It
// performs no transition, so the result carries no flags or events.
func (c *Coordinator) readCommitted(ctx context.Context, req EnsureRequest) (EnsureResult, bool) {
	inv, err := c.store.GetInvestigationByKey(ctx, req.ContentVersionID, req.PromptVersion)
	if err != nil {
		return EnsureResult{}, false
	}
	res := EnsureResult{Investigation: *inv}
	run, err := c.store.GetRunByInvestigation(ctx, inv.ID)
	switch {
	case err == nil:
		res.Run = run
	case !errors.Is(err, domain.ErrNotFound):
		return EnsureResult{}, false
	}
	return res, true
}

// ensureOnce runs one attempt of the transition. The returned reason is the
// metrics label of a queued transition, or empty when nothing was queued.
func (c *Coordinator) ensureOnce(ctx context.Context, req EnsureRequest) (EnsureResult, string, error) {
	var (
		res    EnsureResult
		reason string
	)
	err := c.store.InTx(ctx, func(tx repository.Tx) error {
		res, reason = EnsureResult{}, ""
		now := c.now()

		inv, err := tx.LockInvestigationByKey(ctx, req.ContentVersionID, req.PromptVersion)
		if errors.Is(err, domain.ErrNotFound) {
			created, run, err := c.create(ctx, tx, req, now)
			if err != nil {
				return err
			}
			res = EnsureResult{Investigation: *created, Run: run, Created: true, RunCreated: true}
			reason = metrics.QueuedCreated
			return nil
		}
		if err != nil {
			return err
		}

		switch inv.Status {
		case domain.StatusFailed:
			if !req.AllowRequeueFailed {
				res.Investigation = *inv
				res.Run, err = optionalRun(ctx, tx, inv.ID)
				return err
			}
			next, run, runCreated, err := requeueLocked(ctx, tx, *inv, now)
			if err != nil {
				return err
			}
			res = EnsureResult{Investigation: next, Run: run, RunCreated: runCreated}
			reason = metrics.QueuedRequeued
		case domain.StatusComplete:
			res.Investigation = *inv
			res.Run, err = optionalRun(ctx, tx, inv.ID)
			return err
		case domain.StatusPending:
			res.Investigation = *inv
			run, err := tx.LockRunByInvestigation(ctx, inv.ID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				run, err = insertQueuedRun(ctx, tx, inv.ID, now)
				if err != nil {
					return err
				}
				res.RunCreated = true
				reason = metrics.QueuedRunCreated
			case err != nil:
				return err
			}
			res.Run = run
		case domain.StatusProcessing:
			rec, err := recoverLocked(ctx, tx, *inv, now)
			if err != nil {
				return err
			}
			res = EnsureResult{Investigation: rec.Investigation, Run: rec.Run, RunCreated: rec.RunCreated}
			if rec.Recovered {
				reason = metrics.QueuedRecovered
			}
		default:
			return fmt.Errorf("investigation %d has status %q: %w", inv.ID, inv.Status, domain.ErrInvariant)
		}
		return nil
	})
	if err != nil {
		return EnsureResult{}, "", err
	}
	if reason != "" && req.Enqueue && res.Investigation.Status == domain.StatusPending && res.Run != nil {
		res.Enqueued = true
		res.Events = []QueuedEvent{{InvestigationID: res.Investigation.ID, RunID: res.Run.ID}}
	}
	return res, reason, nil
}

func (c *Coordinator) create(ctx context.Context, tx repository.Tx, req EnsureRequest, now time.Time) (*domain.Investigation, *domain.InvestigationRun, error) {
	cv, err := tx.GetContentVersion(ctx, req.ContentVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load content version %d: %w", req.ContentVersionID, err)
	}
	candidates, err := tx.ListLineageCandidates(ctx, cv.PostID)
	if err != nil {
		return nil, nil, err
	}
	lin := lineage.Build(candidates, cv.ID, cv.ContentText)

	inv := domain.Investigation{
		ContentVersionID:      cv.ID,
		PromptVersion:         req.PromptVersion,
		Status:                domain.StatusPending,
		ParentInvestigationID: lin.ParentInvestigationID,
		ContentDiff:           lin.ContentDiff,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := inv.Validate(); err != nil {
		return nil, nil, err
	}
	created, err := tx.InsertInvestigation(ctx, inv)
	if err != nil {
		return nil, nil, err
	}
	run, err := insertQueuedRun(ctx, tx, created.ID, now)
	if err != nil {
		return nil, nil, err
	}
	return created, run, nil
}

// requeueLocked moves a locked FAILED investigation back to PENDING.
func requeueLocked(ctx context.Context, tx repository.Tx, inv domain.Investigation, now time.Time) (domain.Investigation, *domain.InvestigationRun, bool, error) {
	next := inv.WithStatus(domain.StatusPending, now)
	if err := saveInvestigation(ctx, tx, next); err != nil {
		return domain.Investigation{}, nil, false, err
	}
	run, created, err := queueRun(ctx, tx, inv.ID, now)
	if err != nil {
		return domain.Investigation{}, nil, false, err
	}
	return next, run, created, nil
}

// queueRun stamps the investigation's run as queued, creating it if absent.
func queueRun(ctx context.Context, tx repository.Tx, investigationID int64, now time.Time) (*domain.InvestigationRun, bool, error) {
	run, err := tx.LockRunByInvestigation(ctx, investigationID)
	if errors.Is(err, domain.ErrNotFound) {
		run, err = insertQueuedRun(ctx, tx, investigationID, now)
		return run, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}
	run.MarkQueued(now)
	if err := tx.UpdateRun(ctx, *run); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

func insertQueuedRun(ctx context.Context, tx repository.Tx, investigationID int64, now time.Time) (*domain.InvestigationRun, error) {
	queued := now
	return tx.InsertRun(ctx, domain.InvestigationRun{
		InvestigationID: investigationID,
		QueuedAt:        &queued,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

func optionalRun(ctx context.Context, tx repository.Tx, investigationID int64) (*domain.InvestigationRun, error) {
	run, err := tx.GetRunByInvestigation(ctx, investigationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// saveInvestigation checks the status invariants before every write.
func saveInvestigation(ctx context.Context, tx repository.Tx, inv domain.Investigation) error {
	if err := inv.Validate(); err != nil {
		return fmt.Errorf("save investigation %d: %w", inv.ID, err)
	}
	return tx.UpdateInvestigation(ctx, inv)
}
