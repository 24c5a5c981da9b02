package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/repository"
	"github.com/ZeroPathAI/openerrata/internal/service"
)

type investigatorFunc func(ctx context.Context, in service.InvestigateInput) (*service.InvestigateResult, error)

func (f investigatorFunc) Investigate(ctx context.Context, in service.InvestigateInput) (*service.InvestigateResult, error) {
	return f(ctx, in)
}

var okClaim = domain.Claim{
	Text:      "claim",
	Summary:   "summary",
	Reasoning: "reasoning",
	Sources:   []domain.ClaimSource{{URL: "https://example.org"}},
}

type fixture struct {
	store      *repository.MemoryStore
	dispatcher *ChannelDispatcher
	leases     *service.LeaseService
	coord      *service.Coordinator
}

func newFixture() *fixture {
	store := repository.NewMemoryStore()
	return &fixture{
		store:      store,
		dispatcher: NewChannelDispatcher(16),
		leases:     service.NewLeaseService(store, service.LeaseConfig{TTL: 5 * time.Second, MaxAttempts: 3}),
		coord:      service.NewCoordinator(store, service.CoordinatorConfig{}),
	}
}

func (f *fixture) enqueue(t *testing.T, text string) service.EnsureResult {
	t.Helper()
	ctx := context.Background()
	post, err := f.store.UpsertPost(ctx, "X", text)
	require.NoError(t, err)
	cv, err := f.store.UpsertContentVersion(ctx, domain.ContentVersion{
		PostID: post.ID, ContentHash: service.ContentHash(text), ContentText: text,
		Provenance: domain.ProvenanceServerVerified,
	})
	require.NoError(t, err)
	res, err := f.coord.EnsureInvestigationQueued(ctx, service.EnsureRequest{
		ContentVersionID: cv.ID, PromptVersion: "v1", Enqueue: true,
	})
	require.NoError(t, err)
	require.NoError(t, service.DispatchAll(ctx, f.dispatcher, res.Events))
	return res
}

func (f *fixture) pool(inv service.Investigator, poll time.Duration) *Pool {
	orch := service.NewOrchestrator(f.store, inv, nil, service.OrchestratorConfig{
		RetryInitialInterval: 20 * time.Millisecond,
		RetryMaxInterval:     100 * time.Millisecond,
	})
	return NewPool(Config{
		Identity:          "test",
		Workers:           2,
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      poll,
	}, f.leases, orch, f.dispatcher, nil)
}

func (f *fixture) status(t *testing.T, id int64) domain.InvestigationStatus {
	inv, err := f.store.GetInvestigation(context.Background(), id)
	require.NoError(t, err)
	return inv.Status
}

func runPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestPool_CompletesDispatchedRun(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	inv := investigatorFunc(func(context.Context, service.InvestigateInput) (*service.InvestigateResult, error) {
		calls.Add(1)
		return &service.InvestigateResult{Claims: []domain.Claim{okClaim}}, nil
	})
	res := f.enqueue(t, "text")
	// A duplicate delivery must not cause a second attempt.
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), res.Events[0]))

	runPool(t, f.pool(inv, 0))

	require.Eventually(t, func() bool {
		return f.status(t, res.Investigation.ID) == domain.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_RetriesAfterFailure(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	inv := investigatorFunc(func(context.Context, service.InvestigateInput) (*service.InvestigateResult, error) {
		if calls.Add(1) == 1 {
			return nil, &service.InvestigatorError{Transient: true, Err: errors.New("timeout")}
		}
		return &service.InvestigateResult{Claims: []domain.Claim{okClaim}}, nil
	})
	res := f.enqueue(t, "text")

	runPool(t, f.pool(inv, 0))

	require.Eventually(t, func() bool {
		return f.status(t, res.Investigation.ID) == domain.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
	attempts, err := f.store.ListAttempts(context.Background(), res.Investigation.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, domain.OutcomeSucceeded, attempts[1].Outcome)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
}

func TestPool_PollPicksUpLostDispatch(t *testing.T) {
	f := newFixture()
	inv := investigatorFunc(func(context.Context, service.InvestigateInput) (*service.InvestigateResult, error) {
		return &service.InvestigateResult{Claims: []domain.Claim{okClaim}}, nil
	})
	res := f.enqueue(t, "text")
	<-f.dispatcher.Events() // lost in transit

	runPool(t, f.pool(inv, 10*time.Millisecond))

	require.Eventually(t, func() bool {
		return f.status(t, res.Investigation.ID) == domain.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPool_HeartbeatKeepsLeaseAlive(t *testing.T) {
	f := newFixture()
	f.leases = service.NewLeaseService(f.store, service.LeaseConfig{TTL: 50 * time.Millisecond, MaxAttempts: 3})
	release := make(chan struct{})
	inv := investigatorFunc(func(ctx context.Context, _ service.InvestigateInput) (*service.InvestigateResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &service.InvestigateResult{Claims: []domain.Claim{okClaim}}, nil
	})
	res := f.enqueue(t, "slow")
	p := f.pool(inv, 0)

	done := make(chan service.OrchestrationResult, 1)
	go func() {
		out, err := p.Process(context.Background(), res.Events[0], "slow-worker")
		assert.NoError(t, err)
		done <- out
	}()

	time.Sleep(150 * time.Millisecond)
	run, err := f.store.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.True(t, run.HasActiveLease(time.Now().UTC()), "lease should still be active after three TTLs")
	_, err = f.leases.ClaimRun(context.Background(), res.Run.ID, "thief")
	require.ErrorIs(t, err, domain.ErrLeaseHeld)

	close(release)
	assert.Equal(t, service.OutcomeSucceeded, (<-done).Outcome)
}

func TestChannelDispatcher_Full(t *testing.T) {
	d := NewChannelDispatcher(1)
	ev := service.QueuedEvent{InvestigationID: 1, RunID: 2}

	require.NoError(t, d.Dispatch(context.Background(), ev))
	require.ErrorIs(t, d.Dispatch(context.Background(), ev), ErrQueueFull)
	assert.Equal(t, ev, <-d.Events())
}
