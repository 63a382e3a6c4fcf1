package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"mama/internal/logging"
)

// EntryKind distinguishes the retrieval streams.
type EntryKind string

const (
	EntryMemory  EntryKind = "memory"
	EntryEpisode EntryKind = "episode"
	EntryGoal    EntryKind = "goal"
)

// retrievalMinConfidence excludes weak memories from retrieval.
const retrievalMinConfidence = 0.3

// UpcomingJob is a scheduled job surfaced to retrieval.
type UpcomingJob struct {
	ID          string
	Description string
	NextRun     time.Time
}

// JobSource supplies upcoming scheduled jobs. Implemented by the scheduler.
type JobSource interface {
	Upcoming(ctx context.Context, limit int) ([]UpcomingJob, error)
}

// ContextEntry is one candidate line of assembled context.
type ContextEntry struct {
	Kind   EntryKind `json:"kind"`
	Text   string    `json:"text"`
	Score  float64   `json:"score"`
	Tokens int       `json:"tokens"`
	Ref    string    `json:"ref,omitempty"`
}

// RetrievalStats counts the selected entries per stream.
type RetrievalStats struct {
	Memories int `json:"memories"`
	Episodes int `json:"episodes"`
	Goals    int `json:"goals"`
	Dropped  int `json:"dropped"`
}

// RetrievalResult is the assembled context for one message.
type RetrievalResult struct {
	Entries    []ContextEntry `json:"entries"`
	Formatted  string         `json:"formatted"`
	TokenCount int            `json:"token_count"`
	Stats      RetrievalStats `json:"stats"`
}

// Retriever assembles relevant context from the memory layers under a token
// budget.
type Retriever struct {
	memories *ConsolidatedStore
	episodes *EpisodicStore
	jobs     JobSource
	logger   logging.Logger
	now      func() time.Time
}

// NewRetriever creates the retriever. jobs may be nil.
func NewRetriever(memories *ConsolidatedStore, episodes *EpisodicStore, jobs JobSource, logger logging.Logger) *Retriever {
	return &Retriever{
		memories: memories,
		episodes: episodes,
		jobs:     jobs,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Retrieve gathers candidates from consolidated memories, the last 24 hours
// of episodes, and upcoming jobs, scores them per stream, and greedily fills
// the token budget in score order. Ties go to the cheaper entry.
func (r *Retriever) Retrieve(ctx context.Context, query string, budget int) (*RetrievalResult, error) {
	if budget <= 0 {
		return &RetrievalResult{Formatted: "", Entries: []ContextEntry{}}, nil
	}
	now := r.now().UTC()

	var candidates []ContextEntry
	candidates = append(candidates, r.memoryCandidates(ctx, query, now)...)
	candidates = append(candidates, r.episodeCandidates(ctx, query, now)...)
	candidates = append(candidates, r.goalCandidates(ctx, query, now)...)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Tokens < candidates[j].Tokens
	})

	result := &RetrievalResult{Entries: []ContextEntry{}}
	for _, c := range candidates {
		if result.TokenCount+c.Tokens > budget {
			result.Stats.Dropped++
			continue
		}
		result.Entries = append(result.Entries, c)
		result.TokenCount += c.Tokens
		switch c.Kind {
		case EntryMemory:
			result.Stats.Memories++
		case EntryEpisode:
			result.Stats.Episodes++
		case EntryGoal:
			result.Stats.Goals++
		}
	}
	result.Formatted = formatEntries(result.Entries)
	return result, nil
}

// memoryCandidates scores active memories:
// 0.5*lexical + 0.35*confidence + 0.15*freshness over a 14-day horizon.
func (r *Retriever) memoryCandidates(ctx context.Context, query string, now time.Time) []ContextEntry {
	if r.memories == nil {
		return nil
	}
	memories, err := r.memories.Search(ctx, query, MemorySearchOptions{
		TopK:          20,
		MinConfidence: retrievalMinConfidence,
	})
	if err != nil {
		r.logger.Warn("Memory retrieval stream failed: %v", err)
		return nil
	}
	out := make([]ContextEntry, 0, len(memories))
	for _, mem := range memories {
		ageDays := now.Sub(mem.UpdatedAt).Hours() / 24
		freshness := 1 - ageDays/14
		if freshness < 0 {
			freshness = 0
		}
		score := 0.5*LexicalOverlap(query, mem.Content) + 0.35*mem.Confidence + 0.15*freshness
		text := fmt.Sprintf("[%s] %s", mem.Category, mem.Content)
		out = append(out, ContextEntry{
			Kind:   EntryMemory,
			Text:   text,
			Score:  score,
			Tokens: EstimateTokens(text),
			Ref:    mem.ID,
		})
	}
	return out
}

// episodeCandidates scores the last 24 hours of episodes:
// 0.55*lexical + 0.45*recency + 0.15 bonus for high importance.
func (r *Retriever) episodeCandidates(ctx context.Context, query string, now time.Time) []ContextEntry {
	if r.episodes == nil {
		return nil
	}
	episodes, err := r.episodes.SearchTemporal(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		r.logger.Warn("Episode retrieval stream failed: %v", err)
		return nil
	}
	out := make([]ContextEntry, 0, len(episodes))
	for _, ep := range episodes {
		age := now.Sub(ep.Timestamp)
		recency := 1 - age.Hours()/24
		if recency < 0 {
			recency = 0
		}
		score := 0.55*LexicalOverlap(query, ep.Content) + 0.45*recency
		if ep.Metadata.Importance == ImportanceHigh {
			score += 0.15
		}
		text := fmt.Sprintf("(%s, %s) %s", ep.Timestamp.Format("15:04"), ep.Role, ep.Content)
		out = append(out, ContextEntry{
			Kind:   EntryEpisode,
			Text:   text,
			Score:  score,
			Tokens: EstimateTokens(text),
			Ref:    ep.ID,
		})
	}
	return out
}

// goalCandidates scores upcoming jobs: 0.6*lexical + 0.4*urgency. Urgency is
// 1 for past-due jobs and decays linearly to 0 at 24 hours out.
func (r *Retriever) goalCandidates(ctx context.Context, query string, now time.Time) []ContextEntry {
	if r.jobs == nil {
		return nil
	}
	jobs, err := r.jobs.Upcoming(ctx, 10)
	if err != nil {
		r.logger.Warn("Job retrieval stream failed: %v", err)
		return nil
	}
	out := make([]ContextEntry, 0, len(jobs))
	for _, job := range jobs {
		hoursUntil := job.NextRun.Sub(now).Hours()
		urgency := 1 - hoursUntil/24
		if urgency > 1 {
			urgency = 1
		}
		if urgency < 0 {
			urgency = 0
		}
		score := 0.6*LexicalOverlap(query, job.Description) + 0.4*urgency
		text := fmt.Sprintf("Upcoming (%s): %s", job.NextRun.Format("Jan 2 15:04"), job.Description)
		out = append(out, ContextEntry{
			Kind:   EntryGoal,
			Text:   text,
			Score:  score,
			Tokens: EstimateTokens(text),
			Ref:    job.ID,
		})
	}
	return out
}

func formatEntries(entries []ContextEntry) string {
	if len(entries) == 0 {
		return ""
	}
	sections := map[EntryKind][]string{}
	for _, e := range entries {
		sections[e.Kind] = append(sections[e.Kind], "- "+e.Text)
	}
	var b strings.Builder
	if lines := sections[EntryMemory]; len(lines) > 0 {
		b.WriteString("## What I know\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	if lines := sections[EntryEpisode]; len(lines) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Recent context\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	if lines := sections[EntryGoal]; len(lines) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Upcoming\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}
