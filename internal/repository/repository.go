// Package repository persists investigations, their runs and everything hanging
// off them. Two implementations share one contract: PostgresStore for
// deployments and MemoryStore for tests and local runs.
package repository

import (
	"context"
	"time"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/lineage"
)

// Reader holds the non-locking lookups. Missing rows return domain.ErrNotFound.
type Reader interface {
	GetInvestigation(ctx context.Context, id int64) (*domain.Investigation, error)
	GetInvestigationByKey(ctx context.Context, contentVersionID int64, promptVersion string) (*domain.Investigation, error)
	GetRun(ctx context.Context, runID int64) (*domain.InvestigationRun, error)
	GetRunByInvestigation(ctx context.Context, investigationID int64) (*domain.InvestigationRun, error)
	GetContentVersion(ctx context.Context, id int64) (*domain.ContentVersion, error)
	GetKeySource(ctx context.Context, runID int64) (*domain.KeySource, error)
	ListClaims(ctx context.Context, investigationID int64) ([]domain.Claim, error)
	ListAttempts(ctx context.Context, investigationID int64) ([]domain.InvestigationAttempt, error)

	// ListLineageCandidates returns every investigation of the post, joined
	// with the content version it examined.
	ListLineageCandidates(ctx context.Context, postID int64) ([]lineage.SourceCandidate, error)

	// ListRecoverableInvestigations returns PROCESSING investigations whose
	// run is missing, or unleased (or lease expired) and not protected at now.
	ListRecoverableInvestigations(ctx context.Context, now time.Time, limit int) ([]int64, error)

	// ListQueuedRuns returns runs of PENDING investigations, oldest queue time first.
	ListQueuedRuns(ctx context.Context, limit int) ([]domain.InvestigationRun, error)
}

// Tx is a unit of work. Lock* methods take row locks held until the
// transaction ends; investigations are always locked before their runs.
type Tx interface {
	Reader

	LockInvestigation(ctx context.Context, id int64) (*domain.Investigation, error)
	LockInvestigationByKey(ctx context.Context, contentVersionID int64, promptVersion string) (*domain.Investigation, error)
	LockRunByInvestigation(ctx context.Context, investigationID int64) (*domain.InvestigationRun, error)

	// InsertInvestigation and InsertRun return domain.ErrConflict when a
	// racing writer already created the row. The transaction is unusable
	// afterwards and must be retried from the start.
	InsertInvestigation(ctx context.Context, inv domain.Investigation) (*domain.Investigation, error)
	InsertRun(ctx context.Context, run domain.InvestigationRun) (*domain.InvestigationRun, error)

	UpdateInvestigation(ctx context.Context, inv domain.Investigation) error
	UpdateRun(ctx context.Context, run domain.InvestigationRun) error

	InsertAttempt(ctx context.Context, attempt domain.InvestigationAttempt) (*domain.InvestigationAttempt, error)
	HasSucceededAttempt(ctx context.Context, investigationID int64) (bool, error)

	// CountAttempts counts attempts started at or after since.
	CountAttempts(ctx context.Context, investigationID int64, since time.Time) (int, error)

	InsertClaims(ctx context.Context, investigationID int64, claims []domain.Claim) error

	// InsertKeySource reports false when the run already has a key source.
	InsertKeySource(ctx context.Context, ks domain.KeySource) (bool, error)
	DeleteKeySource(ctx context.Context, runID int64) error
}

// Store is the persistent store shared by request handlers and workers.
type Store interface {
	Reader

	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	UpsertPost(ctx context.Context, platform, externalID string) (*domain.Post, error)
	UpsertContentVersion(ctx context.Context, cv domain.ContentVersion) (*domain.ContentVersion, error)
}
