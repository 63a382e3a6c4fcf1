package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobSource struct {
	jobs []UpcomingJob
	err  error
}

func (f *fakeJobSource) Upcoming(context.Context, int) ([]UpcomingJob, error) {
	return f.jobs, f.err
}

func newTestRetriever(t *testing.T, jobs JobSource) (*Retriever, *ConsolidatedStore, *EpisodicStore) {
	t.Helper()
	db := newTestStore(t)
	memories := NewConsolidatedStore(db, NewEmbeddingService(nil, nil), nil)
	episodes := NewEpisodicStore(db, nil, nil)
	return NewRetriever(memories, episodes, jobs, nil), memories, episodes
}

func TestRetrieveZeroBudget(t *testing.T) {
	r, _, _ := newTestRetriever(t, nil)
	result, err := r.Retrieve(context.Background(), "anything", 0)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
	assert.Equal(t, "", result.Formatted)
}

func TestRetrieveAssemblesSections(t *testing.T) {
	jobs := &fakeJobSource{jobs: []UpcomingJob{
		{ID: "j1", Description: "water the plants", NextRun: time.Now().Add(time.Hour)},
	}}
	r, memories, episodes := newTestRetriever(t, jobs)
	ctx := context.Background()

	_, err := memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "user waters plants on Mondays", Confidence: 0.9})
	require.NoError(t, err)
	_, err = episodes.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: "remind me about the plants"})
	require.NoError(t, err)

	result, err := r.Retrieve(ctx, "plants watering", 1200)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Stats.Memories)
	assert.Equal(t, 1, result.Stats.Episodes)
	assert.Equal(t, 1, result.Stats.Goals)
	assert.Contains(t, result.Formatted, "## What I know")
	assert.Contains(t, result.Formatted, "## Recent context")
	assert.Contains(t, result.Formatted, "## Upcoming")
	assert.LessOrEqual(t, result.TokenCount, 1200)
}

func TestRetrieveTightBudgetSkipsExpensiveEntries(t *testing.T) {
	r, memories, _ := newTestRetriever(t, nil)
	ctx := context.Background()

	// "[fact] tea" is 7 estimated tokens; the longer memory exceeds the budget.
	_, err := memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "tea", Confidence: 0.9})
	require.NoError(t, err)
	_, err = memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "an elaborate description of the tea ritual", Confidence: 0.9})
	require.NoError(t, err)

	result, err := r.Retrieve(ctx, "tea", 8)
	require.NoError(t, err)

	require.Len(t, result.Entries, 1)
	assert.Equal(t, "[fact] tea", result.Entries[0].Text)
	assert.LessOrEqual(t, result.TokenCount, 8)
	assert.Equal(t, 1, result.Stats.Dropped)
}

func TestRetrieveExcludesWeakMemories(t *testing.T) {
	r, memories, _ := newTestRetriever(t, nil)
	ctx := context.Background()

	_, err := memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "barely remembered thing", Confidence: 0.2})
	require.NoError(t, err)

	result, err := r.Retrieve(ctx, "barely remembered thing", 1200)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stats.Memories)
}

func TestGoalUrgencyScoring(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	jobs := &fakeJobSource{jobs: []UpcomingJob{
		{ID: "due", Description: "overdue backup", NextRun: now.Add(-time.Hour)},
		{ID: "soon", Description: "noon standup", NextRun: now.Add(12 * time.Hour)},
		{ID: "far", Description: "distant review", NextRun: now.Add(48 * time.Hour)},
	}}
	r := NewRetriever(nil, nil, jobs, nil)
	r.now = func() time.Time { return now }

	entries := r.goalCandidates(context.Background(), "", now)
	require.Len(t, entries, 3)

	byRef := map[string]float64{}
	for _, e := range entries {
		byRef[e.Ref] = e.Score
	}
	assert.InDelta(t, 0.4, byRef["due"], 1e-9)
	assert.InDelta(t, 0.2, byRef["soon"], 1e-9)
	assert.InDelta(t, 0.0, byRef["far"], 1e-9)
}

func TestEpisodeHighImportanceBonus(t *testing.T) {
	r, _, episodes := newTestRetriever(t, nil)
	ctx := context.Background()

	_, err := episodes.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: "urgent security incident on the server"})
	require.NoError(t, err)
	_, err = episodes.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: "lunch was fine"})
	require.NoError(t, err)

	result, err := r.Retrieve(ctx, "", 1200)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Entries), 2)
	assert.Contains(t, result.Entries[0].Text, "security incident")
}

func TestRetrieveToleratesJobSourceFailure(t *testing.T) {
	jobs := &fakeJobSource{err: assert.AnError}
	r, memories, _ := newTestRetriever(t, jobs)
	ctx := context.Background()

	_, err := memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "still works", Confidence: 0.9})
	require.NoError(t, err)

	result, err := r.Retrieve(ctx, "works", 1200)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Memories)
	assert.Equal(t, 0, result.Stats.Goals)
}
