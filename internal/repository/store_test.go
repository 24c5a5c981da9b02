package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeroPathAI/openerrata/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("upserts are idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p1, err := s.UpsertPost(ctx, "LESSWRONG", "post-1")
		require.NoError(t, err)
		p2, err := s.UpsertPost(ctx, "LESSWRONG", "post-1")
		require.NoError(t, err)
		assert.Equal(t, p1.ID, p2.ID)

		cv := domain.ContentVersion{PostID: p1.ID, ContentHash: "h1", ContentText: "text", Provenance: domain.ProvenanceServerVerified}
		v1, err := s.UpsertContentVersion(ctx, cv)
		require.NoError(t, err)
		v2, err := s.UpsertContentVersion(ctx, cv)
		require.NoError(t, err)
		assert.Equal(t, v1.ID, v2.ID)

		cv.Provenance = domain.ProvenanceClientFallback
		v3, err := s.UpsertContentVersion(ctx, cv)
		require.NoError(t, err)
		assert.NotEqual(t, v1.ID, v3.ID)
	})

	t.Run("investigation key is unique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cv := seedVersion(t, s, "post-1", "text")

		inv := seedInvestigation(t, s, cv.ID)
		err := s.InTx(ctx, func(tx Tx) error {
			_, err := tx.InsertInvestigation(ctx, pendingInvestigation(cv.ID))
			return err
		})
		require.ErrorIs(t, err, domain.ErrConflict)

		got, err := s.GetInvestigationByKey(ctx, cv.ID, "v1")
		require.NoError(t, err)
		assert.Equal(t, inv.ID, got.ID)
	})

	t.Run("one run per investigation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvestigation(t, s, seedVersion(t, s, "post-1", "text").ID)

		insert := func() error {
			return s.InTx(ctx, func(tx Tx) error {
				_, err := tx.InsertRun(ctx, domain.InvestigationRun{InvestigationID: inv.ID, QueuedAt: &testNow, CreatedAt: testNow, UpdatedAt: testNow})
				return err
			})
		}
		require.NoError(t, insert())
		require.ErrorIs(t, insert(), domain.ErrConflict)
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cv := seedVersion(t, s, "post-1", "text")
		boom := errors.New("boom")

		err := s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertInvestigation(ctx, pendingInvestigation(cv.ID)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = s.GetInvestigationByKey(ctx, cv.ID, "v1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("at most one succeeded attempt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvestigation(t, s, seedVersion(t, s, "post-1", "text").ID)
		run := seedRun(t, s, inv.ID)

		record := func(outcome domain.AttemptOutcome, n int) error {
			return s.InTx(ctx, func(tx Tx) error {
				_, err := tx.InsertAttempt(ctx, domain.InvestigationAttempt{
					InvestigationID: inv.ID, RunID: run.ID, AttemptNumber: n, Outcome: outcome,
					WorkerIdentity: "w", StartedAt: testNow.Add(time.Duration(n) * time.Second), FinishedAt: testNow.Add(time.Duration(n) * time.Second),
				})
				return err
			})
		}
		require.NoError(t, record(domain.OutcomeFailed, 1))
		require.NoError(t, record(domain.OutcomeSucceeded, 2))
		require.ErrorIs(t, record(domain.OutcomeSucceeded, 3), domain.ErrConflict)
		require.NoError(t, record(domain.OutcomeFailed, 4))

		err := s.InTx(ctx, func(tx Tx) error {
			ok, err := tx.HasSucceededAttempt(ctx, inv.ID)
			require.NoError(t, err)
			assert.True(t, ok)

			n, err := tx.CountAttempts(ctx, inv.ID, testNow.Add(2*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			return nil
		})
		require.NoError(t, err)

		attempts, err := s.ListAttempts(ctx, inv.ID)
		require.NoError(t, err)
		assert.Len(t, attempts, 3)
	})

	t.Run("key source first writer wins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvestigation(t, s, seedVersion(t, s, "post-1", "text").ID)
		run := seedRun(t, s, inv.ID)

		attach := func(cipher string) bool {
			var inserted bool
			err := s.InTx(ctx, func(tx Tx) error {
				var err error
				inserted, err = tx.InsertKeySource(ctx, domain.KeySource{RunID: run.ID, CreatedAt: testNow, EncryptedCredential: domain.EncryptedCredential{
					Ciphertext: []byte(cipher), IV: []byte("iv"), AuthTag: []byte("tag"), KeyID: "k", ExpiresAt: testNow.Add(time.Hour),
				}})
				return err
			})
			require.NoError(t, err)
			return inserted
		}
		assert.True(t, attach("first"))
		assert.False(t, attach("second"))

		ks, err := s.GetKeySource(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), ks.Ciphertext)

		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.DeleteKeySource(ctx, run.ID) }))
		_, err = s.GetKeySource(ctx, run.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("recoverable investigations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		stale := processing(t, s, "stale", func(r *domain.InvestigationRun) {
			r.AssignLease("gone", testNow.Add(-time.Hour), time.Minute)
		})
		processing(t, s, "active", func(r *domain.InvestigationRun) {
			r.AssignLease("alive", testNow, time.Minute)
		})
		processing(t, s, "protected", func(r *domain.InvestigationRun) {
			r.Protect(testNow.Add(time.Minute), testNow)
		})
		unleased := processing(t, s, "unleased", func(r *domain.InvestigationRun) {})
		noRun := seedInvestigation(t, s, seedVersion(t, s, "norun", "text").ID)
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.UpdateInvestigation(ctx, noRun.WithStatus(domain.StatusProcessing, testNow))
		}))

		ids, err := s.ListRecoverableInvestigations(ctx, testNow, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{stale.ID, unleased.ID, noRun.ID}, ids)

		ids, err = s.ListRecoverableInvestigations(ctx, testNow, 1)
		require.NoError(t, err)
		assert.Len(t, ids, 1)
	})

	t.Run("queued runs are pending only", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := seedInvestigation(t, s, seedVersion(t, s, "a", "text").ID)
		second := seedInvestigation(t, s, seedVersion(t, s, "b", "text").ID)
		firstRun := seedRun(t, s, first.ID)
		secondRun := seedRun(t, s, second.ID)
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			r := *firstRun
			r.MarkQueued(testNow.Add(time.Minute))
			return tx.UpdateRun(ctx, r)
		}))

		runs, err := s.ListQueuedRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, secondRun.ID, runs[0].ID)
		assert.Equal(t, firstRun.ID, runs[1].ID)

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.UpdateInvestigation(ctx, second.WithStatus(domain.StatusProcessing, testNow))
		}))
		runs, err = s.ListQueuedRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, firstRun.ID, runs[0].ID)
	})

	t.Run("claims keep their order and sources", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := seedInvestigation(t, s, seedVersion(t, s, "post-1", "text").ID)
		claims := []domain.Claim{
			{Text: "a", Summary: "sa", Reasoning: "ra", Sources: []domain.ClaimSource{{URL: "https://a.example"}}},
			{Text: "b", Summary: "sb", Reasoning: "rb", Sources: []domain.ClaimSource{{URL: "https://b.example"}, {URL: "https://c.example"}}},
		}
		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertClaims(ctx, inv.ID, claims) }))

		got, err := s.ListClaims(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].Text)
		assert.Equal(t, 1, got[1].Position)
		require.Len(t, got[1].Sources, 2)
		assert.Equal(t, "https://c.example", got[1].Sources[1].URL)
	})

	t.Run("lineage candidates span the post", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v1 := seedVersion(t, s, "post-1", "one")
		v2 := seedVersion(t, s, "post-1", "two")
		other := seedVersion(t, s, "post-2", "three")
		a := seedInvestigation(t, s, v1.ID)
		b := seedInvestigation(t, s, v2.ID)
		seedInvestigation(t, s, other.ID)

		got, err := s.ListLineageCandidates(ctx, v1.PostID)
		require.NoError(t, err)
		texts := map[int64]string{}
		for _, c := range got {
			texts[c.InvestigationID] = c.ContentText
		}
		assert.Equal(t, map[int64]string{a.ID: "one", b.ID: "two"}, texts)
	})
}

func seedVersion(t *testing.T, s Store, externalID, text string) *domain.ContentVersion {
	t.Helper()
	ctx := context.Background()
	post, err := s.UpsertPost(ctx, "LESSWRONG", externalID)
	require.NoError(t, err)
	cv, err := s.UpsertContentVersion(ctx, domain.ContentVersion{
		PostID: post.ID, ContentHash: externalID + ":" + text, ContentText: text, Provenance: domain.ProvenanceServerVerified,
	})
	require.NoError(t, err)
	return cv
}

func pendingInvestigation(cvID int64) domain.Investigation {
	return domain.Investigation{ContentVersionID: cvID, PromptVersion: "v1", Status: domain.StatusPending, CreatedAt: testNow, UpdatedAt: testNow}
}

func seedInvestigation(t *testing.T, s Store, cvID int64) *domain.Investigation {
	t.Helper()
	ctx := context.Background()
	var inv *domain.Investigation
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		var err error
		inv, err = tx.InsertInvestigation(ctx, pendingInvestigation(cvID))
		return err
	}))
	return inv
}

func seedRun(t *testing.T, s Store, invID int64) *domain.InvestigationRun {
	t.Helper()
	ctx := context.Background()
	var run *domain.InvestigationRun
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		var err error
		run, err = tx.InsertRun(ctx, domain.InvestigationRun{InvestigationID: invID, QueuedAt: &testNow, CreatedAt: testNow, UpdatedAt: testNow})
		return err
	}))
	return run
}

// processing seeds a PROCESSING investigation whose run is shaped by edit.
func processing(t *testing.T, s Store, externalID string, edit func(*domain.InvestigationRun)) *domain.Investigation {
	t.Helper()
	ctx := context.Background()
	inv := seedInvestigation(t, s, seedVersion(t, s, externalID, "text").ID)
	run := seedRun(t, s, inv.ID)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.UpdateInvestigation(ctx, inv.WithStatus(domain.StatusProcessing, testNow)); err != nil {
			return err
		}
		r := *run
		edit(&r)
		return tx.UpdateRun(ctx, r)
	}))
	return inv
}
