package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

const testPrompt = "v1"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []QueuedEvent
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev QueuedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.err
}

func (d *recordingDispatcher) Events() []QueuedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]QueuedEvent(nil), d.events...)
}

type investigatorFunc func(ctx context.Context, in InvestigateInput) (*InvestigateResult, error)

func (f investigatorFunc) Investigate(ctx context.Context, in InvestigateInput) (*InvestigateResult, error) {
	return f(ctx, in)
}

func succeedWith(claims ...domain.Claim) investigatorFunc {
	return func(context.Context, InvestigateInput) (*InvestigateResult, error) {
		return &InvestigateResult{Claims: claims, Metadata: InvestigateMetadata{Model: "test"}}, nil
	}
}

func failWith(msg string) investigatorFunc {
	return func(context.Context, InvestigateInput) (*InvestigateResult, error) {
		return nil, &InvestigatorError{Transient: true, Err: errors.New(msg)}
	}
}

func sampleClaim(text string) domain.Claim {
	return domain.Claim{
		Text:      text,
		Summary:   "summary of " + text,
		Reasoning: "because",
		Sources:   []domain.ClaimSource{{URL: "https://example.org/" + text, Title: "source"}},
	}
}

// plainCipher stores credentials unencrypted.
type plainCipher struct{}

func (plainCipher) Seal(plaintext []byte, expiresAt time.Time) (domain.EncryptedCredential, error) {
	return domain.EncryptedCredential{
		Ciphertext: append([]byte(nil), plaintext...),
		IV:         []byte("iv"),
		AuthTag:    []byte("tag"),
		KeyID:      "plain",
		ExpiresAt:  expiresAt,
	}, nil
}

func (plainCipher) Open(cred domain.EncryptedCredential) ([]byte, error) {
	return cred.Ciphertext, nil
}

// harness wires every service against one MemoryStore and fake clock.
type harness struct {
	store       *repository.MemoryStore
	clock       *fakeClock
	dispatcher  *recordingDispatcher
	coordinator *Coordinator
	leases      *LeaseService
	selector    *StaleRunSelector
	vault       *KeySourceVault
}

const (
	testLeaseTTL    = 30 * time.Second
	testMaxAttempts = 3
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := newFakeClock()
	dispatcher := &recordingDispatcher{}
	return &harness{
		store:       store,
		clock:       clock,
		dispatcher:  dispatcher,
		coordinator: NewCoordinator(store, CoordinatorConfig{Clock: clock.Now}),
		leases:      NewLeaseService(store, LeaseConfig{TTL: testLeaseTTL, MaxAttempts: testMaxAttempts, Clock: clock.Now}),
		selector:    NewStaleRunSelector(store, dispatcher, SelectorConfig{Clock: clock.Now}),
		vault:       NewKeySourceVault(store, plainCipher{}, VaultConfig{TTL: time.Hour, Clock: clock.Now}),
	}
}

func (h *harness) orchestrator(inv Investigator) *Orchestrator {
	return NewOrchestrator(h.store, inv, h.vault, OrchestratorConfig{
		RetryInitialInterval: 5 * time.Second,
		RetryMaxInterval:     2 * time.Minute,
		Clock:                h.clock.Now,
	})
}

func (h *harness) seedContent(t *testing.T, externalID, text string, provenance domain.Provenance) *domain.ContentVersion {
	t.Helper()
	ctx := context.Background()
	post, err := h.store.UpsertPost(ctx, "WIKIPEDIA", externalID)
	require.NoError(t, err)
	cv, err := h.store.UpsertContentVersion(ctx, domain.ContentVersion{
		PostID:      post.ID,
		ContentHash: ContentHash(text),
		ContentText: text,
		Provenance:  provenance,
	})
	require.NoError(t, err)
	return cv
}

func (h *harness) ensure(t *testing.T, cvID int64, allowRequeue bool) EnsureResult {
	t.Helper()
	res, err := h.coordinator.EnsureInvestigationQueued(context.Background(), EnsureRequest{
		ContentVersionID:   cvID,
		PromptVersion:      testPrompt,
		AllowRequeueFailed: allowRequeue,
		Enqueue:            true,
	})
	require.NoError(t, err)
	return res
}

// queued creates a PENDING investigation and returns it with its run.
func (h *harness) queued(t *testing.T, text string) EnsureResult {
	t.Helper()
	cv := h.seedContent(t, text, text, domain.ProvenanceServerVerified)
	res := h.ensure(t, cv.ID, true)
	require.True(t, res.Created)
	return res
}

// mutate edits an investigation and its run in one transaction.
func (h *harness) mutate(t *testing.T, invID int64, fn func(inv *domain.Investigation, run *domain.InvestigationRun)) {
	t.Helper()
	err := h.store.InTx(context.Background(), func(tx repository.Tx) error {
		inv, err := tx.LockInvestigation(context.Background(), invID)
		if err != nil {
			return err
		}
		run, err := tx.LockRunByInvestigation(context.Background(), invID)
		if err != nil {
			return err
		}
		fn(inv, run)
		if err := tx.UpdateInvestigation(context.Background(), *inv); err != nil {
			return err
		}
		return tx.UpdateRun(context.Background(), *run)
	})
	require.NoError(t, err)
}

func (h *harness) investigation(t *testing.T, id int64) domain.Investigation {
	t.Helper()
	inv, err := h.store.GetInvestigation(context.Background(), id)
	require.NoError(t, err)
	return *inv
}

func (h *harness) run(t *testing.T, invID int64) domain.InvestigationRun {
	t.Helper()
	run, err := h.store.GetRunByInvestigation(context.Background(), invID)
	require.NoError(t, err)
	return *run
}

func (h *harness) attempts(t *testing.T, invID int64) []domain.InvestigationAttempt {
	t.Helper()
	attempts, err := h.store.ListAttempts(context.Background(), invID)
	require.NoError(t, err)
	return attempts
}
