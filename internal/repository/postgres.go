package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/lineage"
)

const uniqueViolation = "23505"

const (
	investigationColumns = `id, content_version_id, prompt_version, status, checked_at,
		parent_investigation_id, content_diff, created_at, updated_at`
	runColumns = `id, investigation_id, lease_owner, lease_expires_at, recover_after_at,
		heartbeat_at, started_at, queued_at, created_at, updated_at`
	attemptColumns = `id, investigation_id, run_id, attempt_number, outcome, worker_identity,
		error_message, started_at, finished_at`
	keySourceColumns = `id, run_id, ciphertext, iv, auth_tag, key_id, expires_at, created_at`
)

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*queries)(nil)
)

// PostgresStore implements Store on PostgreSQL through sqlx and the pgx driver.
type PostgresStore struct {
	queries
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore over an open connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{queries: queries{ext: db}, db: db}
}

// InTx runs fn inside a READ COMMITTED transaction. Row locks taken through
// the Lock* methods serialise writers on the same investigation.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{ext: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// UpsertPost returns the post for platform/externalID, creating it if needed.
func (s *PostgresStore) UpsertPost(ctx context.Context, platform, externalID string) (*domain.Post, error) {
	var post domain.Post
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO posts (platform, external_id)
		 VALUES ($1, $2)
		 ON CONFLICT (platform, external_id)
		 DO UPDATE SET platform = EXCLUDED.platform
		 RETURNING id, platform, external_id, created_at`,
		platform, externalID,
	).StructScan(&post)
	if err != nil {
		return nil, fmt.Errorf("upsert post %s/%s: %w", platform, externalID, err)
	}
	return &post, nil
}

// UpsertContentVersion returns the stored version matching post, hash and
// provenance, creating it if needed. Existing text is never rewritten.
func (s *PostgresStore) UpsertContentVersion(ctx context.Context, cv domain.ContentVersion) (*domain.ContentVersion, error) {
	var out domain.ContentVersion
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO content_versions (post_id, content_hash, content_text, provenance)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (post_id, content_hash, provenance)
		 DO UPDATE SET content_hash = EXCLUDED.content_hash
		 RETURNING id, post_id, content_hash, content_text, provenance, created_at`,
		cv.PostID, cv.ContentHash, cv.ContentText, cv.Provenance,
	).StructScan(&out)
	if err != nil {
		return nil, fmt.Errorf("upsert content version for post %d: %w", cv.PostID, err)
	}
	return &out, nil
}

// queries implements Tx over either the pool or an open transaction.
type queries struct {
	ext sqlx.ExtContext
}

func (q *queries) GetInvestigation(ctx context.Context, id int64) (*domain.Investigation, error) {
	return q.getInvestigation(ctx, `SELECT `+investigationColumns+` FROM investigations WHERE id = $1`, id)
}

func (q *queries) GetInvestigationByKey(ctx context.Context, contentVersionID int64, promptVersion string) (*domain.Investigation, error) {
	return q.getInvestigation(ctx,
		`SELECT `+investigationColumns+` FROM investigations WHERE content_version_id = $1 AND prompt_version = $2`,
		contentVersionID, promptVersion)
}

func (q *queries) LockInvestigation(ctx context.Context, id int64) (*domain.Investigation, error) {
	return q.getInvestigation(ctx, `SELECT `+investigationColumns+` FROM investigations WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) LockInvestigationByKey(ctx context.Context, contentVersionID int64, promptVersion string) (*domain.Investigation, error) {
	return q.getInvestigation(ctx,
		`SELECT `+investigationColumns+` FROM investigations
		 WHERE content_version_id = $1 AND prompt_version = $2 FOR UPDATE`,
		contentVersionID, promptVersion)
}

func (q *queries) getInvestigation(ctx context.Context, query string, args ...any) (*domain.Investigation, error) {
	var inv domain.Investigation
	if err := sqlx.GetContext(ctx, q.ext, &inv, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get investigation: %w", err)
	}
	return &inv, nil
}

func (q *queries) GetRun(ctx context.Context, runID int64) (*domain.InvestigationRun, error) {
	return q.getRun(ctx, `SELECT `+runColumns+` FROM investigation_runs WHERE id = $1`, runID)
}

func (q *queries) GetRunByInvestigation(ctx context.Context, investigationID int64) (*domain.InvestigationRun, error) {
	return q.getRun(ctx, `SELECT `+runColumns+` FROM investigation_runs WHERE investigation_id = $1`, investigationID)
}

func (q *queries) LockRunByInvestigation(ctx context.Context, investigationID int64) (*domain.InvestigationRun, error) {
	return q.getRun(ctx,
		`SELECT `+runColumns+` FROM investigation_runs WHERE investigation_id = $1 FOR UPDATE`, investigationID)
}

func (q *queries) getRun(ctx context.Context, query string, args ...any) (*domain.InvestigationRun, error) {
	var run domain.InvestigationRun
	if err := sqlx.GetContext(ctx, q.ext, &run, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (q *queries) GetContentVersion(ctx context.Context, id int64) (*domain.ContentVersion, error) {
	var cv domain.ContentVersion
	err := sqlx.GetContext(ctx, q.ext, &cv,
		`SELECT id, post_id, content_hash, content_text, provenance, created_at
		 FROM content_versions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get content version %d: %w", id, err)
	}
	return &cv, nil
}

func (q *queries) GetKeySource(ctx context.Context, runID int64) (*domain.KeySource, error) {
	var ks domain.KeySource
	err := sqlx.GetContext(ctx, q.ext, &ks,
		`SELECT `+keySourceColumns+` FROM investigation_open_ai_key_sources WHERE run_id = $1`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get key source for run %d: %w", runID, err)
	}
	return &ks, nil
}

func (q *queries) ListClaims(ctx context.Context, investigationID int64) ([]domain.Claim, error) {
	var claims []domain.Claim
	err := sqlx.SelectContext(ctx, q.ext, &claims,
		`SELECT id, investigation_id, position, text, context, summary, reasoning
		 FROM claims WHERE investigation_id = $1 ORDER BY position`, investigationID)
	if err != nil {
		return nil, fmt.Errorf("list claims for investigation %d: %w", investigationID, err)
	}
	if len(claims) == 0 {
		return claims, nil
	}

	ids := make([]int64, len(claims))
	byID := make(map[int64]int, len(claims))
	for i, c := range claims {
		ids[i] = c.ID
		byID[c.ID] = i
	}
	query, args, err := sqlx.In(
		`SELECT id, claim_id, url, title, snippet FROM claim_sources WHERE claim_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build claim source query: %w", err)
	}
	var sources []domain.ClaimSource
	if err := sqlx.SelectContext(ctx, q.ext, &sources, q.ext.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list claim sources for investigation %d: %w", investigationID, err)
	}
	for _, src := range sources {
		i := byID[src.ClaimID]
		claims[i].Sources = append(claims[i].Sources, src)
	}
	return claims, nil
}

func (q *queries) ListAttempts(ctx context.Context, investigationID int64) ([]domain.InvestigationAttempt, error) {
	var attempts []domain.InvestigationAttempt
	err := sqlx.SelectContext(ctx, q.ext, &attempts,
		`SELECT `+attemptColumns+` FROM investigation_attempts WHERE investigation_id = $1 ORDER BY id`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for investigation %d: %w", investigationID, err)
	}
	return attempts, nil
}

func (q *queries) ListLineageCandidates(ctx context.Context, postID int64) ([]lineage.SourceCandidate, error) {
	var out []lineage.SourceCandidate
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT i.id AS investigation_id, i.content_version_id, i.status, i.checked_at,
		        cv.provenance, cv.content_text
		 FROM investigations i
		 JOIN content_versions cv ON cv.id = i.content_version_id
		 WHERE cv.post_id = $1
		 ORDER BY i.checked_at DESC NULLS LAST`, postID)
	if err != nil {
		return nil, fmt.Errorf("list lineage candidates for post %d: %w", postID, err)
	}
	return out, nil
}

func (q *queries) ListRecoverableInvestigations(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, q.ext, &ids,
		`SELECT i.id
		 FROM investigations i
		 LEFT JOIN investigation_runs r ON r.investigation_id = i.id
		 WHERE i.status = 'PROCESSING'
		   AND (r.id IS NULL OR (
		        (r.lease_owner IS NULL OR r.lease_expires_at IS NULL OR r.lease_expires_at <= $1)
		        AND (r.recover_after_at IS NULL OR r.recover_after_at <= $1)))
		 ORDER BY i.updated_at, i.id
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list recoverable investigations: %w", err)
	}
	return ids, nil
}

func (q *queries) ListQueuedRuns(ctx context.Context, limit int) ([]domain.InvestigationRun, error) {
	var runs []domain.InvestigationRun
	err := sqlx.SelectContext(ctx, q.ext, &runs,
		`SELECT r.id, r.investigation_id, r.lease_owner, r.lease_expires_at, r.recover_after_at,
		        r.heartbeat_at, r.started_at, r.queued_at, r.created_at, r.updated_at
		 FROM investigation_runs r
		 JOIN investigations i ON i.id = r.investigation_id
		 WHERE i.status = 'PENDING'
		 ORDER BY r.queued_at ASC NULLS LAST, r.id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued runs: %w", err)
	}
	return runs, nil
}

func (q *queries) InsertInvestigation(ctx context.Context, inv domain.Investigation) (*domain.Investigation, error) {
	var out domain.Investigation
	err := q.ext.QueryRowxContext(ctx,
		`INSERT INTO investigations (content_version_id, prompt_version, status, checked_at,
		                             parent_investigation_id, content_diff, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+investigationColumns,
		inv.ContentVersionID, inv.PromptVersion, inv.Status, inv.CheckedAt,
		inv.ParentInvestigationID, inv.ContentDiff, inv.CreatedAt, inv.UpdatedAt,
	).StructScan(&out)
	if err != nil {
		return nil, fmt.Errorf("insert investigation for content version %d: %w", inv.ContentVersionID, mapError(err))
	}
	return &out, nil
}

func (q *queries) InsertRun(ctx context.Context, run domain.InvestigationRun) (*domain.InvestigationRun, error) {
	var out domain.InvestigationRun
	err := q.ext.QueryRowxContext(ctx,
		`INSERT INTO investigation_runs (investigation_id, lease_owner, lease_expires_at, recover_after_at,
		                                 heartbeat_at, started_at, queued_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+runColumns,
		run.InvestigationID, run.LeaseOwner, run.LeaseExpiresAt, run.RecoverAfterAt,
		run.HeartbeatAt, run.StartedAt, run.QueuedAt, run.CreatedAt, run.UpdatedAt,
	).StructScan(&out)
	if err != nil {
		return nil, fmt.Errorf("insert run for investigation %d: %w", run.InvestigationID, mapError(err))
	}
	return &out, nil
}

func (q *queries) UpdateInvestigation(ctx context.Context, inv domain.Investigation) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE investigations SET status = $2, checked_at = $3, updated_at = $4 WHERE id = $1`,
		inv.ID, inv.Status, inv.CheckedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update investigation %d: %w", inv.ID, mapError(err))
	}
	return expectOneRow(res, "investigation", inv.ID)
}

func (q *queries) UpdateRun(ctx context.Context, run domain.InvestigationRun) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE investigation_runs
		 SET lease_owner = $2, lease_expires_at = $3, recover_after_at = $4, heartbeat_at = $5,
		     started_at = $6, queued_at = $7, updated_at = $8
		 WHERE id = $1`,
		run.ID, run.LeaseOwner, run.LeaseExpiresAt, run.RecoverAfterAt, run.HeartbeatAt,
		run.StartedAt, run.QueuedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update run %d: %w", run.ID, err)
	}
	return expectOneRow(res, "run", run.ID)
}

func (q *queries) InsertAttempt(ctx context.Context, attempt domain.InvestigationAttempt) (*domain.InvestigationAttempt, error) {
	var out domain.InvestigationAttempt
	err := q.ext.QueryRowxContext(ctx,
		`INSERT INTO investigation_attempts (investigation_id, run_id, attempt_number, outcome,
		                                     worker_identity, error_message, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+attemptColumns,
		attempt.InvestigationID, attempt.RunID, attempt.AttemptNumber, attempt.Outcome,
		attempt.WorkerIdentity, attempt.ErrorMessage, attempt.StartedAt, attempt.FinishedAt,
	).StructScan(&out)
	if err != nil {
		return nil, fmt.Errorf("insert attempt for investigation %d: %w", attempt.InvestigationID, mapError(err))
	}
	return &out, nil
}

func (q *queries) HasSucceededAttempt(ctx context.Context, investigationID int64) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.ext, &exists,
		`SELECT EXISTS(SELECT 1 FROM investigation_attempts WHERE investigation_id = $1 AND outcome = 'SUCCEEDED')`,
		investigationID)
	if err != nil {
		return false, fmt.Errorf("check succeeded attempt for investigation %d: %w", investigationID, err)
	}
	return exists, nil
}

func (q *queries) CountAttempts(ctx context.Context, investigationID int64, since time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COUNT(1) FROM investigation_attempts WHERE investigation_id = $1 AND started_at >= $2`,
		investigationID, since)
	if err != nil {
		return 0, fmt.Errorf("count attempts for investigation %d: %w", investigationID, err)
	}
	return n, nil
}

func (q *queries) InsertClaims(ctx context.Context, investigationID int64, claims []domain.Claim) error {
	for i, c := range claims {
		var claimID int64
		err := q.ext.QueryRowxContext(ctx,
			`INSERT INTO claims (investigation_id, position, text, context, summary, reasoning)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			investigationID, i, c.Text, c.Context, c.Summary, c.Reasoning,
		).Scan(&claimID)
		if err != nil {
			return fmt.Errorf("insert claim %d for investigation %d: %w", i, investigationID, mapError(err))
		}
		for _, src := range c.Sources {
			if _, err := q.ext.ExecContext(ctx,
				`INSERT INTO claim_sources (claim_id, url, title, snippet) VALUES ($1, $2, $3, $4)`,
				claimID, src.URL, src.Title, src.Snippet,
			); err != nil {
				return fmt.Errorf("insert source for claim %d: %w", claimID, err)
			}
		}
	}
	return nil
}

func (q *queries) InsertKeySource(ctx context.Context, ks domain.KeySource) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		`INSERT INTO investigation_open_ai_key_sources (run_id, ciphertext, iv, auth_tag, key_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id) DO NOTHING`,
		ks.RunID, ks.Ciphertext, ks.IV, ks.AuthTag, ks.KeyID, ks.ExpiresAt, ks.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert key source for run %d: %w", ks.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert key source rows affected: %w", err)
	}
	return n == 1, nil
}

func (q *queries) DeleteKeySource(ctx context.Context, runID int64) error {
	if _, err := q.ext.ExecContext(ctx,
		`DELETE FROM investigation_open_ai_key_sources WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete key source for run %d: %w", runID, err)
	}
	return nil
}

func expectOneRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d rows affected: %w", entity, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, domain.ErrNotFound)
	}
	return nil
}

// mapError turns a unique-constraint violation into domain.ErrConflict and
// a check-constraint violation into domain.ErrInvariant.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation:
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	case "23514":
		return fmt.Errorf("%w: %s", domain.ErrInvariant, pgErr.ConstraintName)
	}
	return err
}
