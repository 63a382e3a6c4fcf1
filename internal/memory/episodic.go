package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mama/internal/logging"
	"mama/internal/store"
)

// EpisodicStore owns the episodes table.
type EpisodicStore struct {
	db        *store.Store
	embedding *EmbeddingService
	logger    logging.Logger
	now       func() time.Time
}

// NewEpisodicStore creates the store. embedding may be nil; episodes are
// then stored without vectors.
func NewEpisodicStore(db *store.Store, embedding *EmbeddingService, logger logging.Logger) *EpisodicStore {
	return &EpisodicStore{
		db:        db,
		embedding: embedding,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// StoreEpisode persists a new episode, enriching metadata and computing an
// embedding. Embedding failure is tolerated; the episode is stored without
// a vector.
func (s *EpisodicStore) StoreEpisode(ctx context.Context, ep NewEpisode) (*Episode, error) {
	episode := &Episode{
		ID:        uuid.NewString(),
		Timestamp: s.now().UTC(),
		Channel:   ep.Channel,
		Role:      ep.Role,
		Content:   ep.Content,
		Metadata:  enrichMetadata(ep.Content, ep.Extra),
	}

	if s.embedding != nil {
		vec, err := s.embedding.Embed(ctx, ep.Content)
		if err != nil {
			s.logger.Debug("Episode embedding failed, storing without vector: %v", err)
		} else {
			episode.Embedding = vec
		}
	}

	topics, _ := json.Marshal(episode.Metadata.Topics)
	entities, _ := json.Marshal(episode.Metadata.Entities)
	extra, _ := json.Marshal(episode.Metadata.Extra)
	var embedding sql.NullString
	if episode.Embedding != nil {
		raw, _ := json.Marshal(episode.Embedding)
		embedding = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.Exec(ctx, `INSERT INTO episodes
		(id, timestamp, channel, role, content, embedding, topics, entities, importance, emotional_tone, extra, consolidated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		episode.ID, episode.Timestamp, episode.Channel, episode.Role, episode.Content,
		embedding, string(topics), string(entities), string(episode.Metadata.Importance),
		string(episode.Metadata.Tone), string(extra))
	if err != nil {
		return nil, fmt.Errorf("store episode: %w", err)
	}
	return episode, nil
}

// SearchOptions filters episode searches.
type SearchOptions struct {
	Start   time.Time
	End     time.Time
	Channel string
	Role    string
	TopK    int
}

// SearchSemantic ranks candidate episodes by cosine similarity to the query
// embedding and returns the top K (default 10).
func (s *EpisodicStore) SearchSemantic(ctx context.Context, query string, opts SearchOptions) ([]Episode, error) {
	if s.embedding == nil {
		return nil, fmt.Errorf("semantic search requires an embedder")
	}
	queryVec, err := s.embedding.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := s.loadFiltered(ctx, opts)
	if err != nil {
		return nil, err
	}

	type scored struct {
		episode Episode
		score   float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, ep := range candidates {
		ranked = append(ranked, scored{ep, CosineSimilarity(queryVec, ep.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]Episode, 0, topK)
	for _, r := range ranked[:topK] {
		out = append(out, r.episode)
	}
	return out, nil
}

// SearchTemporal returns episodes within [start, end], newest first.
func (s *EpisodicStore) SearchTemporal(ctx context.Context, start, end time.Time) ([]Episode, error) {
	rows, err := s.db.Query(ctx, selectEpisode+` WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp DESC`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("temporal search: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// HybridWeights tunes the hybrid search score.
type HybridWeights struct {
	Semantic float64
	Recency  float64
	Topic    float64
}

// DefaultHybridWeights is the standard hybrid scoring mix.
var DefaultHybridWeights = HybridWeights{Semantic: 0.65, Recency: 0.25, Topic: 0.10}

// SearchHybrid combines semantic similarity, recency, and topic overlap:
// score = w1*cosine + w2*(1/(1+ageDays)) + w3*topicHitRate.
func (s *EpisodicStore) SearchHybrid(ctx context.Context, query string, opts SearchOptions, weights HybridWeights) ([]Episode, error) {
	if weights == (HybridWeights{}) {
		weights = DefaultHybridWeights
	}

	var queryVec []float64
	if s.embedding != nil {
		if vec, err := s.embedding.Embed(ctx, query); err == nil {
			queryVec = vec
		}
	}
	queryTopics := extractTopics(query)

	candidates, err := s.loadFiltered(ctx, opts)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	type scored struct {
		episode Episode
		score   float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, ep := range candidates {
		semantic := CosineSimilarity(queryVec, ep.Embedding)
		ageDays := now.Sub(ep.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := 1 / (1 + ageDays)
		score := weights.Semantic*semantic + weights.Recency*recency + weights.Topic*topicHitRate(queryTopics, ep.Metadata.Topics)
		ranked = append(ranked, scored{ep, score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]Episode, 0, topK)
	for _, r := range ranked[:topK] {
		out = append(out, r.episode)
	}
	return out, nil
}

// GetRecent returns the n newest episodes, newest first.
func (s *EpisodicStore) GetRecent(ctx context.Context, n int) ([]Episode, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.Query(ctx, selectEpisode+` ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// MarkConsolidated flips the consolidated flag for the given ids. The flag
// is monotonic; it is never reset.
func (s *EpisodicStore) MarkConsolidated(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(ctx, `UPDATE episodes SET consolidated = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark consolidated: %w", err)
	}
	return nil
}

// CountPending returns the number of non-consolidated episodes.
func (s *EpisodicStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM episodes WHERE consolidated = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending episodes: %w", err)
	}
	return n, nil
}

// LoadPending returns up to limit non-consolidated episodes, oldest first.
func (s *EpisodicStore) LoadPending(ctx context.Context, limit int) ([]Episode, error) {
	rows, err := s.db.Query(ctx, selectEpisode+` WHERE consolidated = 0 ORDER BY timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

const selectEpisode = `SELECT id, timestamp, channel, role, content, embedding, topics, entities, importance, emotional_tone, extra, consolidated FROM episodes`

func (s *EpisodicStore) loadFiltered(ctx context.Context, opts SearchOptions) ([]Episode, error) {
	var conds []string
	var args []any
	if !opts.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, opts.End.UTC())
	}
	if opts.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, opts.Channel)
	}
	if opts.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, opts.Role)
	}

	query := selectEpisode
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT 2000"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var out []Episode
	for rows.Next() {
		var ep Episode
		var embedding sql.NullString
		var topics, entities, extra, importance, tone string
		var consolidated int
		if err := rows.Scan(&ep.ID, &ep.Timestamp, &ep.Channel, &ep.Role, &ep.Content,
			&embedding, &topics, &entities, &importance, &tone, &extra, &consolidated); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		if embedding.Valid {
			_ = json.Unmarshal([]byte(embedding.String), &ep.Embedding)
		}
		_ = json.Unmarshal([]byte(topics), &ep.Metadata.Topics)
		_ = json.Unmarshal([]byte(entities), &ep.Metadata.Entities)
		if extra != "" && extra != "{}" && extra != "null" {
			_ = json.Unmarshal([]byte(extra), &ep.Metadata.Extra)
		}
		ep.Metadata.Importance = Importance(importance)
		ep.Metadata.Tone = Tone(tone)
		ep.Consolidated = consolidated != 0
		out = append(out, ep)
	}
	return out, rows.Err()
}

// topicHitRate is the fraction of query topics present in the episode topics.
func topicHitRate(queryTopics, episodeTopics []string) float64 {
	if len(queryTopics) == 0 {
		return 0
	}
	set := make(map[string]bool, len(episodeTopics))
	for _, t := range episodeTopics {
		set[t] = true
	}
	hits := 0
	for _, t := range queryTopics {
		if set[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTopics))
}
