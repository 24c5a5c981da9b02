package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/lineage"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

// MemoryStore implements Store in process memory. Transactions are serialised
// and applied copy-on-write, so a failed transaction leaves no trace. It
// enforces the same uniqueness and check constraints as the Postgres schema.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			nextID:         1,
			posts:          make(map[int64]domain.Post),
			versions:       make(map[int64]domain.ContentVersion),
			investigations: make(map[int64]domain.Investigation),
			runs:           make(map[int64]domain.InvestigationRun),
			keySources:     make(map[int64]domain.KeySource),
			claims:         make(map[int64][]domain.Claim),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// InTx runs fn against a private copy of the state and publishes it on success.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) UpsertPost(_ context.Context, platform, externalID string) (*domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.state.posts {
		if p.Platform == platform && p.ExternalID == externalID {
			out := p
			return &out, nil
		}
	}
	p := domain.Post{ID: m.state.id(), Platform: platform, ExternalID: externalID, CreatedAt: m.now()}
	m.state.posts[p.ID] = p
	return &p, nil
}

func (m *MemoryStore) UpsertContentVersion(_ context.Context, cv domain.ContentVersion) (*domain.ContentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.posts[cv.PostID]; !ok {
		return nil, fmt.Errorf("upsert content version for post %d: %w", cv.PostID, domain.ErrNotFound)
	}
	for _, v := range m.state.versions {
		if v.PostID == cv.PostID && v.ContentHash == cv.ContentHash && v.Provenance == cv.Provenance {
			out := v
			return &out, nil
		}
	}
	cv.ID = m.state.id()
	cv.CreatedAt = m.now()
	m.state.versions[cv.ID] = cv
	return &cv, nil
}

func (m *MemoryStore) view() *memTx { return &memTx{s: m.state} }

func (m *MemoryStore) GetInvestigation(ctx context.Context, id int64) (*domain.Investigation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetInvestigation(ctx, id)
}

func (m *MemoryStore) GetInvestigationByKey(ctx context.Context, contentVersionID int64, promptVersion string) (*domain.Investigation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetInvestigationByKey(ctx, contentVersionID, promptVersion)
}

func (m *MemoryStore) GetRun(ctx context.Context, runID int64) (*domain.InvestigationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetRun(ctx, runID)
}

func (m *MemoryStore) GetRunByInvestigation(ctx context.Context, investigationID int64) (*domain.InvestigationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetRunByInvestigation(ctx, investigationID)
}

func (m *MemoryStore) GetContentVersion(ctx context.Context, id int64) (*domain.ContentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetContentVersion(ctx, id)
}

func (m *MemoryStore) GetKeySource(ctx context.Context, runID int64) (*domain.KeySource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetKeySource(ctx, runID)
}

func (m *MemoryStore) ListClaims(ctx context.Context, investigationID int64) ([]domain.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListClaims(ctx, investigationID)
}

func (m *MemoryStore) ListAttempts(ctx context.Context, investigationID int64) ([]domain.InvestigationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListAttempts(ctx, investigationID)
}

func (m *MemoryStore) ListLineageCandidates(ctx context.Context, postID int64) ([]lineage.SourceCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListLineageCandidates(ctx, postID)
}

func (m *MemoryStore) ListRecoverableInvestigations(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListRecoverableInvestigations(ctx, now, limit)
}

func (m *MemoryStore) ListQueuedRuns(ctx context.Context, limit int) ([]domain.InvestigationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListQueuedRuns(ctx, limit)
}

type memState struct {
	nextID         int64
	posts          map[int64]domain.Post
	versions       map[int64]domain.ContentVersion
	investigations map[int64]domain.Investigation
	runs           map[int64]domain.InvestigationRun
	attempts       []domain.InvestigationAttempt
	keySources     map[int64]domain.KeySource
	claims         map[int64][]domain.Claim
}

func (s *memState) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// clone copies every table. Row values are copied; pointer fields inside rows
// are shared, which is safe because writers replace pointers, never mutate
// through them.
func (s *memState) clone() *memState {
	c := &memState{
		nextID:         s.nextID,
		posts:          make(map[int64]domain.Post, len(s.posts)),
		versions:       make(map[int64]domain.ContentVersion, len(s.versions)),
		investigations: make(map[int64]domain.Investigation, len(s.investigations)),
		runs:           make(map[int64]domain.InvestigationRun, len(s.runs)),
		attempts:       append([]domain.InvestigationAttempt(nil), s.attempts...),
		keySources:     make(map[int64]domain.KeySource, len(s.keySources)),
		claims:         make(map[int64][]domain.Claim, len(s.claims)),
	}
	for k, v := range s.posts {
		c.posts[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	for k, v := range s.investigations {
		c.investigations[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.keySources {
		c.keySources[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	return c
}

// memTx implements Tx over one memState. The enclosing MemoryStore lock makes
// every Lock* call trivially exclusive.
type memTx struct {
	s *memState
}

func (t *memTx) GetInvestigation(_ context.Context, id int64) (*domain.Investigation, error) {
	inv, ok := t.s.investigations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &inv, nil
}

func (t *memTx) GetInvestigationByKey(_ context.Context, contentVersionID int64, promptVersion string) (*domain.Investigation, error) {
	for _, inv := range t.s.investigations {
		if inv.ContentVersionID == contentVersionID && inv.PromptVersion == promptVersion {
			out := inv
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *memTx) LockInvestigation(ctx context.Context, id int64) (*domain.Investigation, error) {
	return t.GetInvestigation(ctx, id)
}

func (t *memTx) LockInvestigationByKey(ctx context.Context, contentVersionID int64, promptVersion string) (*domain.Investigation, error) {
	return t.GetInvestigationByKey(ctx, contentVersionID, promptVersion)
}

func (t *memTx) GetRun(_ context.Context, runID int64) (*domain.InvestigationRun, error) {
	run, ok := t.s.runs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &run, nil
}

func (t *memTx) GetRunByInvestigation(_ context.Context, investigationID int64) (*domain.InvestigationRun, error) {
	for _, run := range t.s.runs {
		if run.InvestigationID == investigationID {
			out := run
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *memTx) LockRunByInvestigation(ctx context.Context, investigationID int64) (*domain.InvestigationRun, error) {
	return t.GetRunByInvestigation(ctx, investigationID)
}

func (t *memTx) GetContentVersion(_ context.Context, id int64) (*domain.ContentVersion, error) {
	cv, ok := t.s.versions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &cv, nil
}

func (t *memTx) GetKeySource(_ context.Context, runID int64) (*domain.KeySource, error) {
	ks, ok := t.s.keySources[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &ks, nil
}

func (t *memTx) ListClaims(_ context.Context, investigationID int64) ([]domain.Claim, error) {
	stored := t.s.claims[investigationID]
	out := make([]domain.Claim, len(stored))
	copy(out, stored)
	return out, nil
}

func (t *memTx) ListAttempts(_ context.Context, investigationID int64) ([]domain.InvestigationAttempt, error) {
	var out []domain.InvestigationAttempt
	for _, a := range t.s.attempts {
		if a.InvestigationID == investigationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) ListLineageCandidates(_ context.Context, postID int64) ([]lineage.SourceCandidate, error) {
	var out []lineage.SourceCandidate
	for _, inv := range t.s.investigations {
		cv, ok := t.s.versions[inv.ContentVersionID]
		if !ok || cv.PostID != postID {
			continue
		}
		out = append(out, lineage.SourceCandidate{
			InvestigationID:  inv.ID,
			ContentVersionID: inv.ContentVersionID,
			Status:           inv.Status,
			CheckedAt:        inv.CheckedAt,
			Provenance:       cv.Provenance,
			ContentText:      cv.ContentText,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvestigationID < out[j].InvestigationID })
	return out, nil
}

func (t *memTx) ListRecoverableInvestigations(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var candidates []domain.Investigation
	for _, inv := range t.s.investigations {
		if inv.Status != domain.StatusProcessing {
			continue
		}
		run, err := t.GetRunByInvestigation(ctx, inv.ID)
		if err == nil && !run.IsRecoverable(now) {
			continue
		}
		candidates = append(candidates, inv)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	ids := make([]int64, 0, len(candidates))
	for _, inv := range candidates {
		if len(ids) == limit {
			break
		}
		ids = append(ids, inv.ID)
	}
	return ids, nil
}

func (t *memTx) ListQueuedRuns(_ context.Context, limit int) ([]domain.InvestigationRun, error) {
	var runs []domain.InvestigationRun
	for _, run := range t.s.runs {
		if inv, ok := t.s.investigations[run.InvestigationID]; ok && inv.Status == domain.StatusPending {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i].QueuedAt, runs[j].QueuedAt
		switch {
		case a == nil && b == nil:
			return runs[i].ID < runs[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return runs[i].ID < runs[j].ID
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (t *memTx) InsertInvestigation(ctx context.Context, inv domain.Investigation) (*domain.Investigation, error) {
	if _, err := t.GetInvestigationByKey(ctx, inv.ContentVersionID, inv.PromptVersion); err == nil {
		return nil, fmt.Errorf("insert investigation for content version %d: %w", inv.ContentVersionID, domain.ErrConflict)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	inv.ID = t.s.id()
	t.s.investigations[inv.ID] = inv
	return &inv, nil
}

func (t *memTx) InsertRun(ctx context.Context, run domain.InvestigationRun) (*domain.InvestigationRun, error) {
	if _, ok := t.s.investigations[run.InvestigationID]; !ok {
		return nil, fmt.Errorf("insert run for investigation %d: %w", run.InvestigationID, domain.ErrNotFound)
	}
	if _, err := t.GetRunByInvestigation(ctx, run.InvestigationID); err == nil {
		return nil, fmt.Errorf("insert run for investigation %d: %w", run.InvestigationID, domain.ErrConflict)
	}
	run.ID = t.s.id()
	t.s.runs[run.ID] = run
	return &run, nil
}

func (t *memTx) UpdateInvestigation(_ context.Context, inv domain.Investigation) error {
	stored, ok := t.s.investigations[inv.ID]
	if !ok {
		return fmt.Errorf("investigation %d: %w", inv.ID, domain.ErrNotFound)
	}
	stored.Status = inv.Status
	stored.CheckedAt = inv.CheckedAt
	stored.UpdatedAt = inv.UpdatedAt
	if err := stored.Validate(); err != nil {
		return err
	}
	t.s.investigations[inv.ID] = stored
	return nil
}

func (t *memTx) UpdateRun(_ context.Context, run domain.InvestigationRun) error {
	stored, ok := t.s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %d: %w", run.ID, domain.ErrNotFound)
	}
	run.InvestigationID = stored.InvestigationID
	run.CreatedAt = stored.CreatedAt
	t.s.runs[run.ID] = run
	return nil
}

func (t *memTx) InsertAttempt(ctx context.Context, attempt domain.InvestigationAttempt) (*domain.InvestigationAttempt, error) {
	if attempt.Outcome == domain.OutcomeSucceeded {
		ok, _ := t.HasSucceededAttempt(ctx, attempt.InvestigationID)
		if ok {
			return nil, fmt.Errorf("insert attempt for investigation %d: %w", attempt.InvestigationID, domain.ErrConflict)
		}
	}
	attempt.ID = t.s.id()
	t.s.attempts = append(t.s.attempts, attempt)
	return &attempt, nil
}

func (t *memTx) HasSucceededAttempt(_ context.Context, investigationID int64) (bool, error) {
	for _, a := range t.s.attempts {
		if a.InvestigationID == investigationID && a.Outcome == domain.OutcomeSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountAttempts(_ context.Context, investigationID int64, since time.Time) (int, error) {
	n := 0
	for _, a := range t.s.attempts {
		if a.InvestigationID == investigationID && !a.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertClaims(_ context.Context, investigationID int64, claims []domain.Claim) error {
	if len(t.s.claims[investigationID]) > 0 {
		return fmt.Errorf("insert claims for investigation %d: %w", investigationID, domain.ErrConflict)
	}
	stored := make([]domain.Claim, len(claims))
	for i, c := range claims {
		c.ID = t.s.id()
		c.InvestigationID = investigationID
		c.Position = i
		sources := make([]domain.ClaimSource, len(c.Sources))
		for j, src := range c.Sources {
			src.ID = t.s.id()
			src.ClaimID = c.ID
			sources[j] = src
		}
		c.Sources = sources
		stored[i] = c
	}
	t.s.claims[investigationID] = stored
	return nil
}

func (t *memTx) InsertKeySource(_ context.Context, ks domain.KeySource) (bool, error) {
	if _, ok := t.s.runs[ks.RunID]; !ok {
		return false, fmt.Errorf("insert key source for run %d: %w", ks.RunID, domain.ErrNotFound)
	}
	if _, exists := t.s.keySources[ks.RunID]; exists {
		return false, nil
	}
	ks.ID = t.s.id()
	t.s.keySources[ks.RunID] = ks
	return true, nil
}

func (t *memTx) DeleteKeySource(_ context.Context, runID int64) error {
	delete(t.s.keySources, runID)
	return nil
}
