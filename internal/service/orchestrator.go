package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/metrics"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

const maxErrorMessageLen = 2000

// Outcome is what one orchestration did.
type Outcome string

const (
	// OutcomeSkipped means the investigator was not called.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSucceeded means claims were stored and the investigation completed.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeRetryScheduled means a FAILED attempt was recorded and the run is
	// protected until RetryAt.
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeFailed means the last attempt failed and the investigation is FAILED.
	OutcomeFailed Outcome = "failed"
	// OutcomeDiscarded means another worker already completed the investigation.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeYielded means the failure was recorded but the run now belongs
	// to someone else, so status and lease were left alone.
	OutcomeYielded Outcome = "yielded"
)

// OrchestrationResult reports an orchestration's outcome.
type OrchestrationResult struct {
	Outcome Outcome
	RetryAt *time.Time
}

// APIKeyLoader supplies the caller-provided credential for a run, if any.
type APIKeyLoader interface {
	LoadAPIKey(ctx context.Context, runID int64) (string, error)
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	InvestigateTimeout   time.Duration
	Clock                Clock
}

// Orchestrator runs single investigation attempts for leased runs.
type Orchestrator struct {
	store        repository.Store
	investigator Investigator
	keys         APIKeyLoader
	cfg          OrchestratorConfig
	now          Clock
}

// NewOrchestrator creates a new Orchestrator. keys may be nil.
func NewOrchestrator(store repository.Store, investigator Investigator, keys APIKeyLoader, cfg OrchestratorConfig) *Orchestrator {
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 5 * time.Second
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = 2 * time.Minute
	}
	return &Orchestrator{store: store, investigator: investigator, keys: keys, cfg: cfg, now: cfg.Clock.orDefault()}
}

// OrchestrateInvestigation makes one attempt at the run's investigation. It
// never takes a lease itself. Errors are reserved for store failures and
// broken invariants; investigator failures are reported through the outcome.
func (o *Orchestrator) OrchestrateInvestigation(ctx context.Context, runID int64, logger *slog.Logger, attempt AttemptContext) (OrchestrationResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.OrchestrateInvestigation")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("run_id", runID),
		attribute.Int("attempt", attempt.AttemptNumber),
	)
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", runID, "attempt", attempt.AttemptNumber, "worker", attempt.WorkerIdentity)

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return OrchestrationResult{}, fmt.Errorf("load run %d: %w", runID, err)
	}
	if run.HeldByOther(attempt.WorkerIdentity, o.now()) {
		metrics.DuplicateDispatches.Inc()
		logger.Info("run leased by another worker, skipping", "lease_owner", *run.LeaseOwner)
		return OrchestrationResult{Outcome: OutcomeSkipped}, nil
	}
	inv, err := o.store.GetInvestigation(ctx, run.InvestigationID)
	if err != nil {
		return OrchestrationResult{}, fmt.Errorf("load investigation %d: %w", run.InvestigationID, err)
	}
	if inv.Status.Terminal() {
		logger.Debug("investigation already finished, skipping", "status", inv.Status)
		return OrchestrationResult{Outcome: OutcomeSkipped}, nil
	}

	input, err := o.buildInput(ctx, *inv, runID, logger)
	if err != nil {
		return OrchestrationResult{}, err
	}

	started := o.now()
	result, invErr := o.investigate(ctx, input)
	if invErr != nil && ctx.Err() != nil {
		// Shutting down: leave the lease to expire and the run to be recovered.
		return OrchestrationResult{}, fmt.Errorf("investigate run %d: %w", runID, ctx.Err())
	}

	var res OrchestrationResult
	if invErr == nil {
		res, err = o.recordSuccess(ctx, *run, attempt, started, result, logger)
	} else {
		res, err = o.recordFailure(ctx, *run, attempt, started, invErr, logger)
	}
	if err != nil {
		return OrchestrationResult{}, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	return res, nil
}

func (o *Orchestrator) buildInput(ctx context.Context, inv domain.Investigation, runID int64, logger *slog.Logger) (InvestigateInput, error) {
	cv, err := o.store.GetContentVersion(ctx, inv.ContentVersionID)
	if err != nil {
		return InvestigateInput{}, fmt.Errorf("load content version %d: %w", inv.ContentVersionID, err)
	}
	in := InvestigateInput{
		InvestigationID: inv.ID,
		PromptVersion:   inv.PromptVersion,
		Content:         cv.ContentText,
	}
	if inv.ParentInvestigationID != nil {
		parentClaims, err := o.store.ListClaims(ctx, *inv.ParentInvestigationID)
		if err != nil {
			return InvestigateInput{}, fmt.Errorf("load parent claims: %w", err)
		}
		in.Update = &UpdateContext{
			ParentInvestigationID: *inv.ParentInvestigationID,
			ParentClaims:          parentClaims,
			ContentDiff:           *inv.ContentDiff,
		}
	}
	if o.keys != nil {
		key, err := o.keys.LoadAPIKey(ctx, runID)
		switch {
		case err == nil:
			in.APIKey = key
		case errors.Is(err, domain.ErrNotFound):
		default:
			logger.Warn("caller key unavailable, using default credential", "error", err)
		}
	}
	return in, nil
}

func (o *Orchestrator) investigate(ctx context.Context, in InvestigateInput) (*InvestigateResult, error) {
	if o.cfg.InvestigateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.InvestigateTimeout)
		defer cancel()
	}
	start := time.Now()
	result, err := o.investigator.Investigate(ctx, in)
	label := "ok"
	if err != nil {
		label = "error"
	}
	metrics.InvestigatorDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err == nil && result == nil {
		err = errors.New("investigator returned no result")
	}
	return result, err
}

func (o *Orchestrator) recordSuccess(ctx context.Context, run domain.InvestigationRun, attempt AttemptContext, started time.Time, result *InvestigateResult, logger *slog.Logger) (OrchestrationResult, error) {
	discarded := false
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		discarded = false
		now := o.now()
		inv, done, err := lockUnfinished(ctx, tx, run.InvestigationID)
		if err != nil {
			return err
		}
		if done {
			discarded = true
			return nil
		}

		if err := tx.InsertClaims(ctx, inv.ID, result.Claims); err != nil {
			return err
		}
		if err := saveInvestigation(ctx, tx, inv.WithStatus(domain.StatusComplete, now)); err != nil {
			return err
		}
		if _, err := tx.InsertAttempt(ctx, domain.InvestigationAttempt{
			InvestigationID: inv.ID,
			RunID:           run.ID,
			AttemptNumber:   attempt.AttemptNumber,
			Outcome:         domain.OutcomeSucceeded,
			WorkerIdentity:  attempt.WorkerIdentity,
			StartedAt:       started,
			FinishedAt:      now,
		}); err != nil {
			return err
		}
		return releaseRun(ctx, tx, inv.ID, now)
	})
	if errors.Is(err, domain.ErrConflict) {
		discarded, err = true, nil
	}
	if err != nil {
		return OrchestrationResult{}, fmt.Errorf("record success for run %d: %w", run.ID, err)
	}
	if discarded {
		metrics.RaceDiscards.WithLabelValues("success").Inc()
		logger.Debug("investigation already completed by another worker, discarding result")
		return OrchestrationResult{Outcome: OutcomeDiscarded}, nil
	}
	metrics.Attempts.WithLabelValues(string(domain.OutcomeSucceeded)).Inc()
	logger.Info("investigation complete", "claims", len(result.Claims), "model", result.Metadata.Model)
	return OrchestrationResult{Outcome: OutcomeSucceeded}, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, run domain.InvestigationRun, attempt AttemptContext, started time.Time, cause error, logger *slog.Logger) (OrchestrationResult, error) {
	var res OrchestrationResult
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		res = OrchestrationResult{}
		now := o.now()
		inv, done, err := lockUnfinished(ctx, tx, run.InvestigationID)
		if err != nil {
			return err
		}
		if done {
			res.Outcome = OutcomeDiscarded
			return nil
		}

		msg := truncate(cause.Error(), maxErrorMessageLen)
		if _, err := tx.InsertAttempt(ctx, domain.InvestigationAttempt{
			InvestigationID: inv.ID,
			RunID:           run.ID,
			AttemptNumber:   attempt.AttemptNumber,
			Outcome:         domain.OutcomeFailed,
			WorkerIdentity:  attempt.WorkerIdentity,
			ErrorMessage:    &msg,
			StartedAt:       started,
			FinishedAt:      now,
		}); err != nil {
			return err
		}

		current, err := tx.LockRunByInvestigation(ctx, inv.ID)
		if err != nil {
			return err
		}
		// Our lease went stale and the run was recovered or re-leased meanwhile.
		if inv.Status != domain.StatusProcessing || current.HeldByOther(attempt.WorkerIdentity, now) {
			res.Outcome = OutcomeYielded
			return nil
		}

		if attempt.IsLastAttempt {
			if err := saveInvestigation(ctx, tx, inv.WithStatus(domain.StatusFailed, now)); err != nil {
				return err
			}
			res.Outcome = OutcomeFailed
			return releaseRun(ctx, tx, inv.ID, now)
		}

		retryAt := now.Add(o.retryDelay(attempt.AttemptNumber))
		current.Protect(retryAt, now)
		if err := tx.UpdateRun(ctx, *current); err != nil {
			return err
		}
		res = OrchestrationResult{Outcome: OutcomeRetryScheduled, RetryAt: &retryAt}
		return nil
	})
	if err != nil {
		return OrchestrationResult{}, fmt.Errorf("record failure for run %d: %w", run.ID, err)
	}

	var ie *InvestigatorError
	transient := errors.As(cause, &ie) && ie.Transient
	switch res.Outcome {
	case OutcomeDiscarded:
		metrics.RaceDiscards.WithLabelValues("failure").Inc()
		logger.Debug("investigation already completed by another worker, discarding failure")
	case OutcomeFailed:
		metrics.Attempts.WithLabelValues(string(domain.OutcomeFailed)).Inc()
		logger.Error("investigation failed on last attempt", "error", cause, "transient", transient)
	case OutcomeRetryScheduled:
		metrics.Attempts.WithLabelValues(string(domain.OutcomeFailed)).Inc()
		logger.Warn("investigation attempt failed, retry scheduled",
			"error", cause, "transient", transient, "retry_at", res.RetryAt)
	case OutcomeYielded:
		metrics.Attempts.WithLabelValues(string(domain.OutcomeFailed)).Inc()
		logger.Info("investigation attempt failed after losing the lease", "error", cause)
	}
	return res, nil
}

// retryDelay grows exponentially with the attempt number.
func (o *Orchestrator) retryDelay(attemptNumber int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval
	b.MaxInterval = o.cfg.RetryMaxInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attemptNumber; i++ {
		d = b.NextBackOff()
	}
	return d
}

// lockUnfinished locks the investigation and reports done when it is COMPLETE
// or already has a SUCCEEDED attempt.
func lockUnfinished(ctx context.Context, tx repository.Tx, investigationID int64) (*domain.Investigation, bool, error) {
	inv, err := tx.LockInvestigation(ctx, investigationID)
	if err != nil {
		return nil, false, err
	}
	if inv.Status == domain.StatusComplete {
		return inv, true, nil
	}
	succeeded, err := tx.HasSucceededAttempt(ctx, investigationID)
	if err != nil {
		return nil, false, err
	}
	return inv, succeeded, nil
}

// releaseRun clears the lease and retry window and drops the run's key source.
func releaseRun(ctx context.Context, tx repository.Tx, investigationID int64, now time.Time) error {
	run, err := tx.LockRunByInvestigation(ctx, investigationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	run.Release(now)
	if err := tx.UpdateRun(ctx, *run); err != nil {
		return err
	}
	return tx.DeleteKeySource(ctx, run.ID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
