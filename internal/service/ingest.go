package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

// SubmitRequest is content observed by a client.
type SubmitRequest struct {
	Platform    string
	ExternalID  string
	ContentText string
	Provenance  domain.Provenance
	// APIKey is an optional caller credential used instead of the server's.
	APIKey string
}

// SubmitResult summarises what a submission did.
type SubmitResult struct {
	Investigation domain.Investigation
	Run           *domain.InvestigationRun
	Created       bool
	Enqueued      bool
}

// InvestigationView is an investigation with its findings.
type InvestigationView struct {
	Investigation domain.Investigation
	Run           *domain.InvestigationRun
	Claims        []domain.Claim
	Attempts      []domain.InvestigationAttempt
}

// IngestService is the request path: it records content versions and makes
// sure each one has a queued investigation.
type IngestService struct {
	store         repository.Store
	coordinator   *Coordinator
	vault         *KeySourceVault
	dispatcher    Dispatcher
	sweeper       *OpportunisticSweeper
	promptVersion string
}

// NewIngestService creates a new IngestService. vault and sweeper may be nil.
func NewIngestService(store repository.Store, coordinator *Coordinator, vault *KeySourceVault, dispatcher Dispatcher, sweeper *OpportunisticSweeper, promptVersion string) *IngestService {
	return &IngestService{
		store:         store,
		coordinator:   coordinator,
		vault:         vault,
		dispatcher:    dispatcher,
		sweeper:       sweeper,
		promptVersion: promptVersion,
	}
}

// Submit stores the content version and ensures its investigation is queued.
func (s *IngestService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !req.Provenance.Valid() {
		return nil, &domain.ValidationError{Field: "provenance", Message: "must be SERVER_VERIFIED or CLIENT_FALLBACK"}
	}
	post, err := s.store.UpsertPost(ctx, req.Platform, req.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("upsert post: %w", err)
	}
	cv, err := s.store.UpsertContentVersion(ctx, domain.ContentVersion{
		PostID:      post.ID,
		ContentHash: ContentHash(req.ContentText),
		ContentText: req.ContentText,
		Provenance:  req.Provenance,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert content version: %w", err)
	}

	res, err := s.coordinator.EnsureInvestigationQueued(ctx, EnsureRequest{
		ContentVersionID:   cv.ID,
		PromptVersion:      s.promptVersion,
		AllowRequeueFailed: true,
		Enqueue:            true,
	})
	if err != nil {
		return nil, err
	}

	// Attach before dispatching so the worker sees the credential.
	if req.APIKey != "" && s.vault != nil && res.Run != nil && res.Investigation.Status == domain.StatusPending {
		if err := s.vault.AttachAPIKey(ctx, res.Run.ID, req.APIKey); err != nil {
			return nil, err
		}
	}
	if err := DispatchAll(ctx, s.dispatcher, res.Events); err != nil {
		slog.WarnContext(ctx, "dispatch queued investigation failed",
			"investigation_id", res.Investigation.ID, "error", err)
	}
	if s.sweeper != nil {
		s.sweeper.MaybeSweep(ctx)
	}

	return &SubmitResult{
		Investigation: res.Investigation,
		Run:           res.Run,
		Created:       res.Created,
		Enqueued:      res.Enqueued,
	}, nil
}

// Get returns an investigation with its run, attempts and, once COMPLETE, claims.
func (s *IngestService) Get(ctx context.Context, id int64) (*InvestigationView, error) {
	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &InvestigationView{Investigation: *inv}
	run, err := s.store.GetRunByInvestigation(ctx, id)
	switch {
	case err == nil:
		view.Run = run
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	if view.Attempts, err = s.store.ListAttempts(ctx, id); err != nil {
		return nil, err
	}
	if inv.Status == domain.StatusComplete {
		if view.Claims, err = s.store.ListClaims(ctx, id); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// ContentHash is the hex SHA-256 of the content text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
