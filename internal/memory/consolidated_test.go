package memory

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mama/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestConsolidatedStore(t *testing.T) *ConsolidatedStore {
	t.Helper()
	return NewConsolidatedStore(newTestStore(t), NewEmbeddingService(nil, nil), nil)
}

func TestCreateAndGetMemory(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, NewMemory{
		Category:       CategoryFact,
		Content:        "User drinks coffee every morning",
		Confidence:     0.8,
		SourceEpisodes: []string{"ep-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.ReinforcementCount)
	assert.True(t, created.Active)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Content, got.Content)
	assert.Equal(t, CategoryFact, got.Category)
	assert.Equal(t, []string{"ep-1"}, got.SourceEpisodes)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
}

func TestCreateRejectsInvalidCategory(t *testing.T) {
	s := newTestConsolidatedStore(t)
	_, err := s.Create(context.Background(), NewMemory{Category: "vibe", Content: "x"})
	assert.Error(t, err)
}

func TestCreateClampsConfidence(t *testing.T) {
	s := newTestConsolidatedStore(t)
	created, err := s.Create(context.Background(), NewMemory{
		Category: CategoryFact, Content: "x", Confidence: 1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, created.Confidence)
}

func TestReinforceCapsAtOne(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()
	created, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "x", Confidence: 0.95})
	require.NoError(t, err)

	require.NoError(t, s.Reinforce(ctx, created.ID))
	require.NoError(t, s.Reinforce(ctx, created.ID))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 3, got.ReinforcementCount)
}

func TestReinforceUnknownID(t *testing.T) {
	s := newTestConsolidatedStore(t)
	assert.Error(t, s.Reinforce(context.Background(), "missing"))
}

func TestDeactivatePreservesConfidence(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()
	created, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "x", Confidence: 0.7})
	require.NoError(t, err)

	require.NoError(t, s.Deactivate(ctx, created.ID))
	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)

	require.NoError(t, s.Reactivate(ctx, created.ID))
	got, err = s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
}

func TestUpdatePatchesFields(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()
	created, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "old", Confidence: 0.5})
	require.NoError(t, err)

	content := "new content"
	category := CategoryPreference
	confidence := 0.9
	updated, err := s.Update(ctx, created.ID, UpdatePatch{
		Content: &content, Category: &category, Confidence: &confidence,
	})
	require.NoError(t, err)
	assert.Equal(t, "new content", updated.Content)
	assert.Equal(t, CategoryPreference, updated.Category)
	assert.InDelta(t, 0.9, updated.Confidence, 1e-9)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "new content", got.Content)
}

func TestUpdateRejectsInvalidCategory(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()
	created, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "x"})
	require.NoError(t, err)

	bad := Category("vibe")
	_, err = s.Update(ctx, created.ID, UpdatePatch{Category: &bad})
	assert.Error(t, err)
}

func TestSearchExcludesInactiveAndWeak(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()

	strong, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "coffee brewing routine", Confidence: 0.9})
	require.NoError(t, err)
	weak, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "coffee grinder brand", Confidence: 0.2})
	require.NoError(t, err)
	inactive, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "coffee shop nearby", Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, s.Deactivate(ctx, inactive.ID))

	found, err := s.Search(ctx, "coffee", MemorySearchOptions{TopK: 10, MinConfidence: 0.3})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, strong.ID, found[0].ID)

	all, err := s.Search(ctx, "coffee", MemorySearchOptions{TopK: 10, IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	_ = weak
}

func TestSearchRanksLexicalMatchesFirst(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()

	match, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "the garden needs watering daily", Confidence: 0.5})
	require.NoError(t, err)
	_, err = s.Create(ctx, NewMemory{Category: CategoryFact, Content: "taxes are due in April", Confidence: 0.5})
	require.NoError(t, err)

	found, err := s.Search(ctx, "garden watering", MemorySearchOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, match.ID, found[0].ID)
}

func TestGetActiveOrdersByConfidence(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "mid", Confidence: 0.5})
	require.NoError(t, err)
	_, err = s.Create(ctx, NewMemory{Category: CategoryFact, Content: "high", Confidence: 0.9})
	require.NoError(t, err)

	active, err := s.GetActive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "high", active[0].Content)
}

func TestGetByCategory(t *testing.T) {
	s := newTestConsolidatedStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, NewMemory{Category: CategoryGoal, Content: "finish report"})
	require.NoError(t, err)
	_, err = s.Create(ctx, NewMemory{Category: CategoryFact, Content: "a fact"})
	require.NoError(t, err)

	goals, err := s.GetByCategory(ctx, CategoryGoal)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "finish report", goals[0].Content)
}

func TestAddContradictionLowersConfidence(t *testing.T) {
	db := newTestStore(t)
	s := NewConsolidatedStore(db, NewEmbeddingService(nil, nil), nil)
	ctx := context.Background()

	a, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "lives in Berlin", Confidence: 0.8})
	require.NoError(t, err)
	b, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "lives in Munich", Confidence: 0.8})
	require.NoError(t, err)

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AddContradictionTx(ctx, tx, a.ID, b.ID)
	})
	require.NoError(t, err)

	gotA, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, gotA.Contradictions)
	assert.InDelta(t, 0.8, gotA.Confidence, 1e-9)

	gotB, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, gotB.Confidence, 1e-9)

	// Repeating the same contradiction is a no-op.
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AddContradictionTx(ctx, tx, a.ID, b.ID)
	})
	require.NoError(t, err)
	gotA, _ = s.Get(ctx, a.ID)
	assert.Len(t, gotA.Contradictions, 1)
}

func TestAddContradictionFloor(t *testing.T) {
	db := newTestStore(t)
	s := NewConsolidatedStore(db, NewEmbeddingService(nil, nil), nil)
	ctx := context.Background()

	a, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "a", Confidence: 0.8})
	require.NoError(t, err)
	b, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "b", Confidence: 0.15})
	require.NoError(t, err)

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AddContradictionTx(ctx, tx, a.ID, b.ID)
	})
	require.NoError(t, err)

	gotB, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, gotB.Confidence, 1e-9)
}

func TestAddContradictionRejectsSelf(t *testing.T) {
	db := newTestStore(t)
	s := NewConsolidatedStore(db, NewEmbeddingService(nil, nil), nil)
	ctx := context.Background()
	a, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "a"})
	require.NoError(t, err)

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AddContradictionTx(ctx, tx, a.ID, a.ID)
	})
	assert.Error(t, err)
}

func TestDecayPass(t *testing.T) {
	db := newTestStore(t)
	s := NewConsolidatedStore(db, NewEmbeddingService(nil, nil), nil)
	ctx := context.Background()

	stale, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "stale", Confidence: 0.5})
	require.NoError(t, err)
	doomed, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "doomed", Confidence: 0.1})
	require.NoError(t, err)
	fresh, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "fresh", Confidence: 0.5})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	_, err = db.Exec(ctx, `UPDATE memories SET last_reinforced_at = ? WHERE id IN (?, ?)`, old, stale.ID, doomed.ID)
	require.NoError(t, err)

	engine := NewDecayEngine(db, DecayConfig{}, nil)
	report, err := engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Decayed)
	assert.Equal(t, 1, report.Deactivated)

	gotStale, _ := s.Get(ctx, stale.ID)
	assert.InDelta(t, 0.45, gotStale.Confidence, 1e-9)
	assert.True(t, gotStale.Active)

	gotDoomed, _ := s.Get(ctx, doomed.ID)
	assert.False(t, gotDoomed.Active)

	gotFresh, _ := s.Get(ctx, fresh.ID)
	assert.InDelta(t, 0.5, gotFresh.Confidence, 1e-9)
	assert.True(t, gotFresh.Active)
}

func TestDecayKeepsFreshLowConfidenceMemory(t *testing.T) {
	db := newTestStore(t)
	s := NewConsolidatedStore(db, NewEmbeddingService(nil, nil), nil)
	ctx := context.Background()

	// Created just now, below the deactivation floor: it did not decay this
	// pass, so it stays active.
	weak, err := s.Create(ctx, NewMemory{Category: CategoryFact, Content: "weak", Confidence: 0.05})
	require.NoError(t, err)

	report, err := NewDecayEngine(db, DecayConfig{}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Decayed)
	assert.Equal(t, 0, report.Deactivated)

	got, err := s.Get(ctx, weak.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.InDelta(t, 0.05, got.Confidence, 1e-9)
}
