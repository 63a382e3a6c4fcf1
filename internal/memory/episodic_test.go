package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEpisodicStore(t *testing.T) *EpisodicStore {
	t.Helper()
	return NewEpisodicStore(newTestStore(t), nil, nil)
}

func TestStoreEpisodeEnrichesMetadata(t *testing.T) {
	s := newTestEpisodicStore(t)
	ctx := context.Background()

	ep, err := s.StoreEpisode(ctx, NewEpisode{
		Channel: "cli",
		Role:    "user",
		Content: "URGENT: the deploy pipeline is broken, tell Alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ep.ID)
	assert.Equal(t, ImportanceHigh, ep.Metadata.Importance)
	assert.Equal(t, ToneNegative, ep.Metadata.Tone)
	assert.Contains(t, ep.Metadata.Entities, "Alice")
	assert.False(t, ep.Consolidated)

	recent, err := s.GetRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, ep.ID, recent[0].ID)
	assert.Equal(t, ImportanceHigh, recent[0].Metadata.Importance)
}

func TestSearchTemporalWindow(t *testing.T) {
	s := newTestEpisodicStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, content := range []string{"first", "second", "third"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		_, err := s.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: content})
		require.NoError(t, err)
	}

	window, err := s.SearchTemporal(ctx, base.Add(30*time.Minute), base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "second", window[0].Content)
}

func TestSearchHybridPrefersTopicMatch(t *testing.T) {
	s := newTestEpisodicStore(t)
	ctx := context.Background()

	_, err := s.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: "booked flight tickets to Lisbon"})
	require.NoError(t, err)
	_, err = s.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: "watered the garden plants"})
	require.NoError(t, err)

	// No embedder: ranking falls to recency and topic overlap.
	found, err := s.SearchHybrid(ctx, "flight tickets Lisbon", SearchOptions{TopK: 1}, HybridWeights{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Content, "flight")
}

func TestSearchSemanticRequiresEmbedder(t *testing.T) {
	s := newTestEpisodicStore(t)
	_, err := s.SearchSemantic(context.Background(), "anything", SearchOptions{})
	assert.Error(t, err)
}

func TestMarkConsolidatedAndPending(t *testing.T) {
	s := newTestEpisodicStore(t)
	ctx := context.Background()

	first, err := s.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: "one"})
	require.NoError(t, err)
	_, err = s.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: "two"})
	require.NoError(t, err)

	pending, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	require.NoError(t, s.MarkConsolidated(ctx, []string{first.ID}))

	pending, err = s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	remaining, err := s.LoadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "two", remaining[0].Content)
}

func TestMarkConsolidatedEmptyIsNoop(t *testing.T) {
	s := newTestEpisodicStore(t)
	assert.NoError(t, s.MarkConsolidated(context.Background(), nil))
}

func TestLoadPendingOldestFirst(t *testing.T) {
	s := newTestEpisodicStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, content := range []string{"oldest", "middle", "newest"} {
		offset := time.Duration(i) * time.Minute
		s.now = func() time.Time { return base.Add(offset) }
		_, err := s.StoreEpisode(ctx, NewEpisode{Channel: "cli", Role: "user", Content: content})
		require.NoError(t, err)
	}

	pending, err := s.LoadPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "oldest", pending[0].Content)
	assert.Equal(t, "middle", pending[1].Content)
}
