package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeroPathAI/openerrata/internal/domain"
)

func TestStaleRunSelector_RecoversOnlyStaleRuns(t *testing.T) {
	h := newHarness(t)
	stale := h.queued(t, "stale")
	active := h.queued(t, "active")
	protected := h.queued(t, "protected")
	pending := h.queued(t, "pending")

	h.claim(t, stale.Run.ID, "crashed-worker")
	h.clock.Advance(testLeaseTTL + time.Second)
	h.claim(t, active.Run.ID, "live-worker")
	h.claim(t, protected.Run.ID, "retrying-worker")
	h.mutate(t, protected.Investigation.ID, func(_ *domain.Investigation, run *domain.InvestigationRun) {
		run.Protect(h.clock.Now().Add(time.Minute), h.clock.Now())
	})
	activeBefore := h.run(t, active.Investigation.ID)

	n, err := h.selector.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, []QueuedEvent{{InvestigationID: stale.Investigation.ID, RunID: stale.Run.ID}}, h.dispatcher.Events())

	assert.Equal(t, domain.StatusPending, h.investigation(t, stale.Investigation.ID).Status)
	recovered := h.run(t, stale.Investigation.ID)
	assert.Nil(t, recovered.LeaseOwner)
	assert.Nil(t, recovered.LeaseExpiresAt)
	require.NotNil(t, recovered.QueuedAt)
	assert.Equal(t, h.clock.Now(), *recovered.QueuedAt)

	assert.Equal(t, activeBefore, h.run(t, active.Investigation.ID))
	assert.Equal(t, domain.StatusProcessing, h.investigation(t, active.Investigation.ID).Status)
	assert.Equal(t, domain.StatusProcessing, h.investigation(t, protected.Investigation.ID).Status)
	assert.Equal(t, domain.StatusPending, h.investigation(t, pending.Investigation.ID).Status)

	n, err = h.selector.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStaleRunSelector_ConcurrentSweepsRecoverOnce(t *testing.T) {
	h := newHarness(t)
	q := h.queued(t, "stale")
	h.claim(t, q.Run.ID, "crashed-worker")
	h.clock.Advance(testLeaseTTL + time.Second)

	const sweeps = 8
	counts := make([]int, sweeps)
	var wg sync.WaitGroup
	for i := range sweeps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := h.selector.Run(context.Background())
			assert.NoError(t, err)
			counts[i] = n
		}()
	}
	// The coordinator applies the same recovery rule.
	res := h.ensure(t, q.Investigation.ContentVersionID, true)
	wg.Wait()

	total := len(res.Events)
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, domain.StatusPending, h.investigation(t, q.Investigation.ID).Status)
}

func TestStaleRunSelector_DispatchFailureStillCounts(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = assert.AnError
	q := h.queued(t, "stale")
	h.claim(t, q.Run.ID, "crashed-worker")
	h.clock.Advance(testLeaseTTL + time.Second)

	n, err := h.selector.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	queued, err := h.leases.ListQueuedRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, q.Run.ID, queued[0].ID)
}

func TestOpportunisticSweeper_RateLimited(t *testing.T) {
	h := newHarness(t)
	sweeper := NewOpportunisticSweeper(h.selector, time.Hour)
	a := h.queued(t, "a")
	b := h.queued(t, "b")
	h.claim(t, a.Run.ID, "crashed-worker")
	h.clock.Advance(testLeaseTTL + time.Second)

	assert.Equal(t, 1, sweeper.MaybeSweep(context.Background()))

	h.claim(t, b.Run.ID, "crashed-worker")
	h.clock.Advance(testLeaseTTL + time.Second)
	assert.Zero(t, sweeper.MaybeSweep(context.Background()))
	assert.Equal(t, domain.StatusProcessing, h.investigation(t, b.Investigation.ID).Status)
}
