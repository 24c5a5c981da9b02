package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

// TestLeaseState covers the absent, active and stale classifications.
func TestLeaseState(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		run  InvestigationRun
		want LeaseState
	}{
		{name: "idle", run: InvestigationRun{}, want: LeaseAbsent},
		{name: "active", run: InvestigationRun{LeaseOwner: ptr("w1"), LeaseExpiresAt: ptr(now.Add(time.Minute))}, want: LeaseActive},
		{name: "expired", run: InvestigationRun{LeaseOwner: ptr("w1"), LeaseExpiresAt: ptr(now.Add(-time.Second))}, want: LeaseStale},
		{name: "expires exactly now", run: InvestigationRun{LeaseOwner: ptr("w1"), LeaseExpiresAt: ptr(now)}, want: LeaseStale},
		{name: "owner without expiry", run: InvestigationRun{LeaseOwner: ptr("w1")}, want: LeaseStale},
		{name: "expiry without owner", run: InvestigationRun{LeaseExpiresAt: ptr(now.Add(time.Minute))}, want: LeaseAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.run.LeaseState(now))
		})
	}
}

// TestRecoverability distinguishes a crashed worker from a protected retry window.
func TestRecoverability(t *testing.T) {
	now := time.Now()

	stale := InvestigationRun{LeaseOwner: ptr("w1"), LeaseExpiresAt: ptr(now.Add(-time.Second))}
	assert.True(t, stale.IsRecoverable(now))

	active := InvestigationRun{LeaseOwner: ptr("w1"), LeaseExpiresAt: ptr(now.Add(time.Minute))}
	assert.False(t, active.IsRecoverable(now))

	protected := InvestigationRun{RecoverAfterAt: ptr(now.Add(30 * time.Second))}
	assert.False(t, protected.IsRecoverable(now))
	assert.True(t, protected.IsRecoverable(now.Add(31*time.Second)))
}

// TestHeldByOther checks the duplicate-dispatch predicate.
func TestHeldByOther(t *testing.T) {
	now := time.Now()
	run := InvestigationRun{LeaseOwner: ptr("w1"), LeaseExpiresAt: ptr(now.Add(time.Minute))}

	assert.False(t, run.HeldByOther("w1", now))
	assert.True(t, run.HeldByOther("w2", now))
	assert.True(t, run.HeldBy("w1", now))
	assert.False(t, run.HeldByOther("w2", now.Add(2*time.Minute)), "expired lease blocks nobody")
}

// TestLeaseTransitions checks assign, protect and queue field handling.
func TestLeaseTransitions(t *testing.T) {
	now := time.Now()
	var run InvestigationRun

	run.Protect(now.Add(time.Minute), now)
	assert.NotNil(t, run.RecoverAfterAt)

	run.AssignLease("w1", now, 30*time.Second)
	assert.Equal(t, "w1", *run.LeaseOwner)
	assert.Equal(t, now.Add(30*time.Second), *run.LeaseExpiresAt)
	assert.Nil(t, run.RecoverAfterAt)
	assert.Equal(t, LeaseActive, run.LeaseState(now))

	run.MarkQueued(now)
	assert.Nil(t, run.LeaseOwner)
	assert.Nil(t, run.LeaseExpiresAt)
	assert.Nil(t, run.HeartbeatAt)
	assert.Equal(t, now, *run.QueuedAt)
	assert.Equal(t, LeaseAbsent, run.LeaseState(now))
}

// TestRelease keeps queuedAt so the attempt budget survives recovery.
func TestRelease(t *testing.T) {
	queued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := queued.Add(time.Hour)
	run := InvestigationRun{QueuedAt: ptr(queued)}
	run.AssignLease("w1", queued, 30*time.Second)
	run.Protect(queued.Add(time.Minute), queued)

	run.Release(now)

	assert.Nil(t, run.LeaseOwner)
	assert.Nil(t, run.HeartbeatAt)
	assert.Nil(t, run.RecoverAfterAt)
	assert.Equal(t, queued, *run.QueuedAt)
	assert.Equal(t, now, run.UpdatedAt)
	assert.True(t, run.IsRecoverable(now))
}
