package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mama/internal/llm"
	"mama/internal/store"
)

type consolidationFixture struct {
	db       *store.Store
	episodes *EpisodicStore
	memories *ConsolidatedStore
	mock     *llm.Mock
	engine   *ConsolidationEngine
}

func newConsolidationFixture(t *testing.T) *consolidationFixture {
	t.Helper()
	db := newTestStore(t)
	embedding := NewEmbeddingService(nil, nil)
	episodes := NewEpisodicStore(db, nil, nil)
	memories := NewConsolidatedStore(db, embedding, nil)
	mock := llm.NewMock("consolidator")
	soul := NewSoulManager(filepath.Join(t.TempDir(), "soul.md"), nil)
	require.NoError(t, soul.Load())
	engine := NewConsolidationEngine(db, episodes, memories, embedding, mock, soul,
		NewDecayEngine(db, DecayConfig{}, nil), ConsolidationConfig{MinEpisodes: 2}, nil)
	return &consolidationFixture{db: db, episodes: episodes, memories: memories, mock: mock, engine: engine}
}

func (f *consolidationFixture) addEpisodes(t *testing.T, n int) []Episode {
	t.Helper()
	out := make([]Episode, 0, n)
	for i := 0; i < n; i++ {
		ep, err := f.episodes.StoreEpisode(context.Background(), NewEpisode{
			Channel: "cli", Role: "user", Content: fmt.Sprintf("episode content %d", i),
		})
		require.NoError(t, err)
		out = append(out, *ep)
	}
	return out
}

func TestConsolidationSkipsBelowThreshold(t *testing.T) {
	f := newConsolidationFixture(t)
	f.addEpisodes(t, 1)

	report, err := f.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Contains(t, report.SkipReason, "threshold")
	assert.Equal(t, 0, f.mock.Calls())
}

func TestConsolidationForceOverridesThreshold(t *testing.T) {
	f := newConsolidationFixture(t)
	f.addEpisodes(t, 1)
	f.mock.Enqueue(&llm.Response{Content: `{"new":[],"reinforce":[],"update":[],"contradict":[],"decay":[],"connect":[]}`})

	report, err := f.engine.Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.EpisodesProcessed)
	assert.Equal(t, 1, f.mock.Calls())
}

func TestConsolidationCreatesAndReinforces(t *testing.T) {
	f := newConsolidationFixture(t)
	ctx := context.Background()
	eps := f.addEpisodes(t, 3)

	existing, err := f.memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "known fact", Confidence: 0.5})
	require.NoError(t, err)

	f.mock.Enqueue(&llm.Response{Content: fmt.Sprintf(`{
		"new": [
			{"category": "preference", "content": "likes espresso", "sourceEpisodes": ["%s"]},
			{"category": "nonsense", "content": "skipped"}
		],
		"reinforce": ["%s", "ghost-id"],
		"update": [], "contradict": [], "decay": [], "connect": []
	}`, eps[0].ID, existing.ID)})

	report, err := f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Reinforced)
	assert.Equal(t, 3, report.EpisodesProcessed)
	assert.Len(t, report.Errors, 2) // invalid category + missing reinforce target

	prefs, err := f.memories.GetByCategory(ctx, CategoryPreference)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "likes espresso", prefs[0].Content)
	assert.InDelta(t, 0.75, prefs[0].Confidence, 1e-9)
	assert.Equal(t, []string{eps[0].ID}, prefs[0].SourceEpisodes)

	reinforced, err := f.memories.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, reinforced.Confidence, 1e-9)
	assert.Equal(t, 2, reinforced.ReinforcementCount)

	pending, err := f.episodes.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestConsolidationUpdateContradictDecay(t *testing.T) {
	f := newConsolidationFixture(t)
	ctx := context.Background()
	f.addEpisodes(t, 2)

	a, err := f.memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "works at Acme", Confidence: 0.8})
	require.NoError(t, err)
	b, err := f.memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "works at Initech", Confidence: 0.8})
	require.NoError(t, err)
	c, err := f.memories.Create(ctx, NewMemory{Category: CategoryRoutine, Content: "jogs at dawn", Confidence: 0.6})
	require.NoError(t, err)

	f.mock.Enqueue(&llm.Response{Content: fmt.Sprintf(`{
		"new": [],
		"reinforce": [],
		"update": [{"id": "%s", "content": "works at Acme as a lead", "confidence": 0.9}],
		"contradict": [{"memoryId": "%s", "contradictsId": "%s"}],
		"decay": [{"id": "%s", "confidence": 0.05}],
		"connect": [{"from": "%s", "to": "%s"}]
	}`, a.ID, a.ID, b.ID, c.ID, a.ID, b.ID)})

	report, err := f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Contradicted)
	assert.Equal(t, 1, report.Decayed)
	assert.Equal(t, 1, report.Connected)

	gotA, _ := f.memories.Get(ctx, a.ID)
	assert.Equal(t, "works at Acme as a lead", gotA.Content)
	assert.InDelta(t, 0.9, gotA.Confidence, 1e-9)
	assert.Equal(t, []string{b.ID}, gotA.Contradictions)

	gotB, _ := f.memories.Get(ctx, b.ID)
	assert.InDelta(t, 0.6, gotB.Confidence, 1e-9)

	gotC, _ := f.memories.Get(ctx, c.ID)
	assert.False(t, gotC.Active)
	assert.InDelta(t, 0.05, gotC.Confidence, 1e-9)
}

func TestConsolidationParseFailureStillMarksNothing(t *testing.T) {
	f := newConsolidationFixture(t)
	ctx := context.Background()
	f.addEpisodes(t, 2)
	f.mock.Enqueue(&llm.Response{Content: "I could not produce JSON, sorry"})

	report, err := f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Created)
	assert.NotEmpty(t, report.Errors)
	// Episodes are still consumed so a malformed answer cannot wedge the queue.
	assert.Equal(t, 2, report.EpisodesProcessed)
}

func TestConsolidationLLMFailureDegrades(t *testing.T) {
	f := newConsolidationFixture(t)
	ctx := context.Background()
	f.addEpisodes(t, 2)
	f.mock.EnqueueError(assert.AnError)

	report, err := f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.NotEmpty(t, report.Errors)
}

func TestConsolidationSerialized(t *testing.T) {
	f := newConsolidationFixture(t)
	ctx := context.Background()
	f.addEpisodes(t, 2)

	blocked := make(chan struct{})
	release := make(chan struct{})
	slowLLM := &blockingCompleter{blocked: blocked, release: release}
	engine := NewConsolidationEngine(f.db, f.episodes, f.memories, nil, slowLLM, nil, nil,
		ConsolidationConfig{MinEpisodes: 2}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := engine.Run(ctx, RunOptions{})
		assert.NoError(t, err)
	}()

	<-blocked
	report, err := engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, "consolidation already in progress", report.SkipReason)

	close(release)
	wg.Wait()
}

// blockingCompleter signals when called and waits for release.
type blockingCompleter struct {
	blocked chan struct{}
	release chan struct{}
}

func (b *blockingCompleter) Complete(context.Context, llm.Request) (*llm.Response, error) {
	close(b.blocked)
	<-b.release
	return &llm.Response{Content: `{"new":[],"reinforce":[],"update":[],"contradict":[],"decay":[],"connect":[]}`}, nil
}

func TestConsolidationSendsContextToModel(t *testing.T) {
	f := newConsolidationFixture(t)
	ctx := context.Background()
	f.addEpisodes(t, 2)
	_, err := f.memories.Create(ctx, NewMemory{Category: CategoryFact, Content: "existing knowledge", Confidence: 0.7})
	require.NoError(t, err)

	f.mock.Enqueue(&llm.Response{Content: `{"new":[],"reinforce":[],"update":[],"contradict":[],"decay":[],"connect":[]}`})

	_, err = f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)

	require.Len(t, f.mock.Requests, 1)
	req := f.mock.Requests[0]
	assert.Equal(t, llm.TaskMemoryConsolidation, req.TaskType)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.1, *req.Temperature, 1e-9)
	assert.Equal(t, 4096, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "existing knowledge")
	assert.Contains(t, req.Messages[0].Content, "episode content 0")
}
