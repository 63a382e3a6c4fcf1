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

// reinforceBoost is the confidence gain per reinforcement.
const reinforceBoost = 0.05

// ConsolidatedStore owns the memories table. Memories are never physically
// deleted; deactivation is the forget operation.
type ConsolidatedStore struct {
	db        *store.Store
	embedding *EmbeddingService
	logger    logging.Logger
	now       func() time.Time
}

// NewConsolidatedStore creates the store.
func NewConsolidatedStore(db *store.Store, embedding *EmbeddingService, logger logging.Logger) *ConsolidatedStore {
	return &ConsolidatedStore{
		db:        db,
		embedding: embedding,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// NewMemory carries caller-supplied fields for creation.
type NewMemory struct {
	Category       Category
	Content        string
	Confidence     float64
	SourceEpisodes []string
	Embedding      []float64
}

// Create inserts a new memory with confidence clamped to [0,1],
// reinforcementCount 1, and no contradictions.
func (s *ConsolidatedStore) Create(ctx context.Context, nm NewMemory) (*ConsolidatedMemory, error) {
	if !ValidCategory(nm.Category) {
		return nil, fmt.Errorf("invalid memory category: %q", nm.Category)
	}
	now := s.now().UTC()
	mem := &ConsolidatedMemory{
		ID:                 uuid.NewString(),
		CreatedAt:          now,
		UpdatedAt:          now,
		Category:           nm.Category,
		Content:            nm.Content,
		Confidence:         ClampConfidence(nm.Confidence),
		SourceEpisodes:     nm.SourceEpisodes,
		Embedding:          nm.Embedding,
		Active:             true,
		ReinforcementCount: 1,
		LastReinforcedAt:   now,
	}
	if mem.Embedding == nil && s.embedding != nil {
		if vec, err := s.embedding.Embed(ctx, nm.Content); err == nil {
			mem.Embedding = vec
		}
	}
	if err := s.insert(ctx, nil, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// CreateTx inserts a pre-built memory inside an existing transaction.
func (s *ConsolidatedStore) CreateTx(ctx context.Context, tx *sql.Tx, mem *ConsolidatedMemory) error {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now
	if mem.LastReinforcedAt.IsZero() {
		mem.LastReinforcedAt = now
	}
	if mem.ReinforcementCount == 0 {
		mem.ReinforcementCount = 1
	}
	mem.Confidence = ClampConfidence(mem.Confidence)
	return s.insert(ctx, tx, mem)
}

func (s *ConsolidatedStore) insert(ctx context.Context, tx *sql.Tx, mem *ConsolidatedMemory) error {
	sources, _ := json.Marshal(orEmpty(mem.SourceEpisodes))
	contradictions, _ := json.Marshal(orEmpty(mem.Contradictions))
	var embedding sql.NullString
	if mem.Embedding != nil {
		raw, _ := json.Marshal(mem.Embedding)
		embedding = sql.NullString{String: string(raw), Valid: true}
	}

	query := `INSERT INTO memories
		(id, created_at, updated_at, category, content, confidence, source_episodes, embedding, active, reinforcement_count, last_reinforced_at, contradictions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{mem.ID, mem.CreatedAt, mem.UpdatedAt, string(mem.Category), mem.Content,
		mem.Confidence, string(sources), embedding, boolToInt(mem.Active),
		mem.ReinforcementCount, mem.LastReinforcedAt, string(contradictions)}

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = s.db.Exec(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Get returns the memory with the given id.
func (s *ConsolidatedStore) Get(ctx context.Context, id string) (*ConsolidatedMemory, error) {
	rows, err := s.db.Query(ctx, selectMemory+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	defer rows.Close()
	memories, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, fmt.Errorf("memory not found: %s", id)
	}
	return &memories[0], nil
}

// UpdatePatch carries optional field updates.
type UpdatePatch struct {
	Content    *string
	Category   *Category
	Confidence *float64
}

// Update patches the memory. A content change triggers re-embedding.
func (s *ConsolidatedStore) Update(ctx context.Context, id string, patch UpdatePatch) (*ConsolidatedMemory, error) {
	mem, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Content != nil && *patch.Content != mem.Content {
		mem.Content = *patch.Content
		mem.Embedding = nil
		if s.embedding != nil {
			if vec, embErr := s.embedding.Embed(ctx, mem.Content); embErr == nil {
				mem.Embedding = vec
			}
		}
	}
	if patch.Category != nil {
		if !ValidCategory(*patch.Category) {
			return nil, fmt.Errorf("invalid memory category: %q", *patch.Category)
		}
		mem.Category = *patch.Category
	}
	if patch.Confidence != nil {
		mem.Confidence = ClampConfidence(*patch.Confidence)
	}
	mem.UpdatedAt = s.now().UTC()

	var embedding sql.NullString
	if mem.Embedding != nil {
		raw, _ := json.Marshal(mem.Embedding)
		embedding = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = s.db.Exec(ctx, `UPDATE memories SET content = ?, category = ?, confidence = ?, embedding = ?, updated_at = ? WHERE id = ?`,
		mem.Content, string(mem.Category), mem.Confidence, embedding, mem.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update memory: %w", err)
	}
	return mem, nil
}

// Reinforce increments the reinforcement count and bumps confidence by 0.05
// up to 1.0.
func (s *ConsolidatedStore) Reinforce(ctx context.Context, id string) error {
	now := s.now().UTC()
	res, err := s.db.Exec(ctx, `UPDATE memories SET
		reinforcement_count = reinforcement_count + 1,
		last_reinforced_at = ?,
		confidence = MIN(confidence + ?, 1.0),
		updated_at = ?
		WHERE id = ?`, now, reinforceBoost, now, id)
	if err != nil {
		return fmt.Errorf("reinforce memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory not found: %s", id)
	}
	return nil
}

// Deactivate excludes the memory from retrieval without altering confidence.
func (s *ConsolidatedStore) Deactivate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

// Reactivate restores a deactivated memory.
func (s *ConsolidatedStore) Reactivate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

func (s *ConsolidatedStore) setActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.Exec(ctx, `UPDATE memories SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set memory active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory not found: %s", id)
	}
	return nil
}

// MemorySearchOptions filters memory search.
type MemorySearchOptions struct {
	TopK            int
	MinConfidence   float64
	IncludeInactive bool
	Category        Category
}

// Search loads SQL-filtered candidates (newest first, capped at 2000) and
// re-ranks them by 0.75*cosine + 0.25*lexical + 0.05*confidence.
func (s *ConsolidatedStore) Search(ctx context.Context, query string, opts MemorySearchOptions) ([]ConsolidatedMemory, error) {
	conds := []string{"confidence >= ?"}
	args := []any{opts.MinConfidence}
	if !opts.IncludeInactive {
		conds = append(conds, "active = 1")
	}
	if opts.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(opts.Category))
	}

	rows, err := s.db.Query(ctx, selectMemory+` WHERE `+strings.Join(conds, " AND ")+
		` ORDER BY updated_at DESC LIMIT 2000`, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	candidates, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}

	var queryVec []float64
	if s.embedding != nil {
		if vec, embErr := s.embedding.Embed(ctx, query); embErr == nil {
			queryVec = vec
		}
	}

	type scored struct {
		memory ConsolidatedMemory
		score  float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, mem := range candidates {
		score := 0.75*CosineSimilarity(queryVec, mem.Embedding) +
			0.25*LexicalOverlap(query, mem.Content) +
			0.05*mem.Confidence
		ranked = append(ranked, scored{mem, score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]ConsolidatedMemory, 0, topK)
	for _, r := range ranked[:topK] {
		out = append(out, r.memory)
	}
	return out, nil
}

// GetByCategory returns active memories of the category, newest first.
func (s *ConsolidatedStore) GetByCategory(ctx context.Context, category Category) ([]ConsolidatedMemory, error) {
	rows, err := s.db.Query(ctx, selectMemory+` WHERE category = ? AND active = 1 ORDER BY updated_at DESC`, string(category))
	if err != nil {
		return nil, fmt.Errorf("memories by category: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetActive returns active memories at or above minConfidence, strongest
// first.
func (s *ConsolidatedStore) GetActive(ctx context.Context, minConfidence float64) ([]ConsolidatedMemory, error) {
	rows, err := s.db.Query(ctx, selectMemory+` WHERE active = 1 AND confidence >= ? ORDER BY confidence DESC, updated_at DESC`, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("active memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// AddContradictionTx appends contradictedID to the memory's contradiction
// set and lowers the contradicted memory's confidence by 0.2 (floor 0.1).
// Self-references are rejected.
func (s *ConsolidatedStore) AddContradictionTx(ctx context.Context, tx *sql.Tx, memoryID, contradictedID string) error {
	if memoryID == contradictedID {
		return fmt.Errorf("memory cannot contradict itself")
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT contradictions FROM memories WHERE id = ?`, memoryID).Scan(&raw); err != nil {
		return fmt.Errorf("load contradictions: %w", err)
	}
	var contradictions []string
	_ = json.Unmarshal([]byte(raw), &contradictions)
	for _, id := range contradictions {
		if id == contradictedID {
			return nil
		}
	}
	contradictions = append(contradictions, contradictedID)
	updated, _ := json.Marshal(contradictions)

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET contradictions = ?, updated_at = ? WHERE id = ?`,
		string(updated), now, memoryID); err != nil {
		return fmt.Errorf("store contradictions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET confidence = MAX(confidence - 0.2, 0.1), updated_at = ? WHERE id = ?`,
		now, contradictedID); err != nil {
		return fmt.Errorf("lower contradicted confidence: %w", err)
	}
	return nil
}

const selectMemory = `SELECT id, created_at, updated_at, category, content, confidence, source_episodes, embedding, active, reinforcement_count, last_reinforced_at, contradictions FROM memories`

func scanMemories(rows *sql.Rows) ([]ConsolidatedMemory, error) {
	var out []ConsolidatedMemory
	for rows.Next() {
		var mem ConsolidatedMemory
		var category, sources, contradictions string
		var embedding sql.NullString
		var active int
		if err := rows.Scan(&mem.ID, &mem.CreatedAt, &mem.UpdatedAt, &category, &mem.Content,
			&mem.Confidence, &sources, &embedding, &active, &mem.ReinforcementCount,
			&mem.LastReinforcedAt, &contradictions); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		mem.Category = Category(category)
		mem.Active = active != 0
		_ = json.Unmarshal([]byte(sources), &mem.SourceEpisodes)
		_ = json.Unmarshal([]byte(contradictions), &mem.Contradictions)
		if embedding.Valid {
			_ = json.Unmarshal([]byte(embedding.String), &mem.Embedding)
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

// LexicalOverlap is the fraction of query words (length >= 3, lowercased)
// present in the content.
func LexicalOverlap(query, content string) float64 {
	queryWords := wordPattern.FindAllString(strings.ToLower(query), -1)
	var considered []string
	for _, w := range queryWords {
		if len(w) >= 3 {
			considered = append(considered, w)
		}
	}
	if len(considered) == 0 {
		return 0
	}
	contentSet := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(content), -1) {
		contentSet[w] = true
	}
	hits := 0
	for _, w := range considered {
		if contentSet[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(considered))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
