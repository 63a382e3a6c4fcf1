package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mama/internal/jsonx"
	"mama/internal/llm"
	"mama/internal/logging"
	"mama/internal/store"
)

// Completer is the LLM surface the consolidation engine needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ConsolidationConfig tunes the consolidation engine.
type ConsolidationConfig struct {
	// MinEpisodes is the pending-episode threshold below which a
	// non-forced run skips. Default 5.
	MinEpisodes int
	// BatchSize caps how many pending episodes one run folds. Default 100.
	BatchSize int
	// MaxExistingMemories caps how many active memories are shown to the
	// model. Default 300.
	MaxExistingMemories int
	// DefaultConfidence is assigned to new memories that omit one.
	// Default 0.75.
	DefaultConfidence float64
	// DeactivateBelow deactivates memories whose decayed confidence falls
	// under this floor. Default 0.1.
	DeactivateBelow float64
}

func (c ConsolidationConfig) withDefaults() ConsolidationConfig {
	if c.MinEpisodes <= 0 {
		c.MinEpisodes = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxExistingMemories <= 0 {
		c.MaxExistingMemories = 300
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = 0.75
	}
	if c.DeactivateBelow <= 0 {
		c.DeactivateBelow = 0.1
	}
	return c
}

// RunOptions overrides per-run behavior.
type RunOptions struct {
	Force          bool
	MinEpisodes    int
	RunDecay       bool
	RegenerateSoul bool
}

// ConsolidationReport summarizes one consolidation run.
type ConsolidationReport struct {
	Skipped           bool         `json:"skipped"`
	SkipReason        string       `json:"skip_reason,omitempty"`
	EpisodesProcessed int          `json:"episodes_processed"`
	Created           int          `json:"created"`
	Reinforced        int          `json:"reinforced"`
	Updated           int          `json:"updated"`
	Contradicted      int          `json:"contradicted"`
	Decayed           int          `json:"decayed"`
	Connected         int          `json:"connected"`
	Errors            []string     `json:"errors,omitempty"`
	Decay             *DecayReport `json:"decay,omitempty"`
	DurationMs        int64        `json:"duration_ms"`
}

// consolidationResult is the strict JSON shape the model must return.
type consolidationResult struct {
	New []struct {
		Category       string   `json:"category"`
		Content        string   `json:"content"`
		Confidence     *float64 `json:"confidence"`
		SourceEpisodes []string `json:"sourceEpisodes"`
	} `json:"new"`
	Reinforce []string `json:"reinforce"`
	Update    []struct {
		ID         string   `json:"id"`
		Content    string   `json:"content"`
		Category   string   `json:"category"`
		Confidence *float64 `json:"confidence"`
	} `json:"update"`
	Contradict []struct {
		MemoryID     string `json:"memoryId"`
		ContradictID string `json:"contradictsId"`
	} `json:"contradict"`
	Decay []struct {
		ID         string  `json:"id"`
		Confidence float64 `json:"confidence"`
	} `json:"decay"`
	Connect []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"connect"`
}

// ConsolidationEngine folds pending episodes into consolidated memories via
// a background LLM call.
type ConsolidationEngine struct {
	db        *store.Store
	episodes  *EpisodicStore
	memories  *ConsolidatedStore
	embedding *EmbeddingService
	llm       Completer
	soul      *SoulManager
	decay     *DecayEngine
	config    ConsolidationConfig
	logger    logging.Logger

	mu      sync.Mutex
	running bool
}

// NewConsolidationEngine creates the engine. soul and decay may be nil.
func NewConsolidationEngine(db *store.Store, episodes *EpisodicStore, memories *ConsolidatedStore,
	embedding *EmbeddingService, completer Completer, soul *SoulManager, decay *DecayEngine,
	config ConsolidationConfig, logger logging.Logger) *ConsolidationEngine {
	return &ConsolidationEngine{
		db:        db,
		episodes:  episodes,
		memories:  memories,
		embedding: embedding,
		llm:       completer,
		soul:      soul,
		decay:     decay,
		config:    config.withDefaults(),
		logger:    logging.OrNop(logger),
	}
}

// Running reports whether a consolidation run is in progress.
func (e *ConsolidationEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run performs one consolidation pass. At most one run is in flight at a
// time; a concurrent call skips with a reason.
func (e *ConsolidationEngine) Run(ctx context.Context, opts RunOptions) (*ConsolidationReport, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return &ConsolidationReport{Skipped: true, SkipReason: "consolidation already in progress"}, nil
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	start := time.Now()
	report := &ConsolidationReport{}

	threshold := opts.MinEpisodes
	if threshold <= 0 {
		threshold = e.config.MinEpisodes
	}
	pending, err := e.episodes.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	if pending < threshold && !opts.Force {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("only %d pending episodes (threshold %d)", pending, threshold)
		return report, nil
	}

	episodes, err := e.episodes.LoadPending(ctx, e.config.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		report.Skipped = true
		report.SkipReason = "no pending episodes"
		return report, nil
	}

	existing, err := e.memories.GetActive(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(existing) > e.config.MaxExistingMemories {
		existing = existing[:e.config.MaxExistingMemories]
	}

	result := e.analyze(ctx, episodes, existing, report)
	e.apply(ctx, episodes, result, report)

	if opts.RunDecay && e.decay != nil {
		decayReport, decayErr := e.decay.Run(ctx)
		if decayErr != nil {
			report.Errors = append(report.Errors, decayErr.Error())
		} else {
			report.Decay = &decayReport
		}
	}
	if opts.RegenerateSoul && e.soul != nil {
		active, soulErr := e.memories.GetActive(ctx, 0)
		if soulErr == nil {
			soulErr = e.soul.RegenerateFromMemories(active)
		}
		if soulErr != nil {
			report.Errors = append(report.Errors, soulErr.Error())
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	e.logger.Info("Consolidation run: %d episodes, %d new, %d reinforced, %d updated, %d contradicted, %d decayed",
		report.EpisodesProcessed, report.Created, report.Reinforced, report.Updated,
		report.Contradicted, report.Decayed)
	return report, nil
}

// analyze calls the model and parses its six-array answer. Parse or call
// failures degrade to an empty result.
func (e *ConsolidationEngine) analyze(ctx context.Context, episodes []Episode, existing []ConsolidatedMemory, report *ConsolidationReport) consolidationResult {
	var result consolidationResult
	if e.llm == nil {
		report.Errors = append(report.Errors, "no LLM configured for consolidation")
		return result
	}

	temperature := 0.1
	resp, err := e.llm.Complete(ctx, llm.Request{
		SystemPrompt: consolidationSystemPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: buildConsolidationPrompt(episodes, existing),
		}},
		TaskType:    llm.TaskMemoryConsolidation,
		Temperature: &temperature,
		MaxTokens:   4096,
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("consolidation LLM call failed: %v", err))
		return consolidationResult{}
	}
	if err := jsonx.Decode(resp.Content, &result); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("consolidation output parse failed: %v", err))
		return consolidationResult{}
	}
	return result
}

// apply commits the analysis in a single transaction and marks the processed
// episodes consolidated. Individual invalid items are skipped with an error
// entry rather than aborting the pass.
func (e *ConsolidationEngine) apply(ctx context.Context, episodes []Episode, result consolidationResult, report *ConsolidationReport) {
	// Embeddings are prepared outside the transaction.
	var texts []string
	for _, n := range result.New {
		texts = append(texts, n.Content)
	}
	for _, u := range result.Update {
		if u.Content != "" {
			texts = append(texts, u.Content)
		}
	}
	var vectors map[string][]float64
	if e.embedding != nil {
		vectors = e.embedding.EmbedBatch(ctx, texts)
	}

	episodeIDs := make([]string, len(episodes))
	for i, ep := range episodes {
		episodeIDs[i] = ep.ID
	}

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		for _, n := range result.New {
			if !ValidCategory(Category(n.Category)) {
				report.Errors = append(report.Errors, fmt.Sprintf("new memory with invalid category %q skipped", n.Category))
				continue
			}
			confidence := e.config.DefaultConfidence
			if n.Confidence != nil {
				confidence = *n.Confidence
			}
			mem := &ConsolidatedMemory{
				ID:             uuid.NewString(),
				Category:       Category(n.Category),
				Content:        n.Content,
				Confidence:     ClampConfidence(confidence),
				SourceEpisodes: intersect(n.SourceEpisodes, episodeIDs),
				Embedding:      vectors[strings.TrimSpace(n.Content)],
			}
			if err := e.memories.CreateTx(ctx, tx, mem); err != nil {
				return err
			}
			report.Created++
		}

		for _, id := range result.Reinforce {
			res, err := tx.ExecContext(ctx, `UPDATE memories SET
				reinforcement_count = reinforcement_count + 1,
				last_reinforced_at = ?, confidence = MIN(confidence + ?, 1.0), updated_at = ?
				WHERE id = ?`, now, reinforceBoost, now, id)
			if err != nil {
				return fmt.Errorf("reinforce memory: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				report.Reinforced++
			} else {
				report.Errors = append(report.Errors, fmt.Sprintf("reinforce target %s not found", id))
			}
		}

		for _, u := range result.Update {
			sets := []string{"updated_at = ?"}
			args := []any{now}
			if u.Content != "" {
				sets = append(sets, "content = ?")
				args = append(args, u.Content)
				if vec, ok := vectors[strings.TrimSpace(u.Content)]; ok {
					raw, _ := json.Marshal(vec)
					sets = append(sets, "embedding = ?")
					args = append(args, string(raw))
				}
			}
			if u.Category != "" && ValidCategory(Category(u.Category)) {
				sets = append(sets, "category = ?")
				args = append(args, u.Category)
			}
			if u.Confidence != nil {
				sets = append(sets, "confidence = ?")
				args = append(args, ClampConfidence(*u.Confidence))
			}
			args = append(args, u.ID)
			res, err := tx.ExecContext(ctx, `UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
			if err != nil {
				return fmt.Errorf("update memory: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				report.Updated++
			} else {
				report.Errors = append(report.Errors, fmt.Sprintf("update target %s not found", u.ID))
			}
		}

		for _, c := range result.Contradict {
			if c.MemoryID == "" || c.ContradictID == "" || c.MemoryID == c.ContradictID {
				report.Errors = append(report.Errors, "invalid contradiction pair skipped")
				continue
			}
			if err := e.memories.AddContradictionTx(ctx, tx, c.MemoryID, c.ContradictID); err != nil {
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			report.Contradicted++
		}

		for _, d := range result.Decay {
			confidence := ClampConfidence(d.Confidence)
			active := 1
			if confidence < e.config.DeactivateBelow {
				active = 0
			}
			res, err := tx.ExecContext(ctx, `UPDATE memories SET confidence = ?, active = ?, updated_at = ? WHERE id = ?`,
				confidence, active, now, d.ID)
			if err != nil {
				return fmt.Errorf("decay memory: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				report.Decayed++
			}
		}

		for _, c := range result.Connect {
			if c.From == "" || c.To == "" || c.From == c.To {
				continue
			}
			e.logger.Debug("Consolidation linked memories %s and %s", c.From, c.To)
			report.Connected++
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(episodeIDs)), ",")
		args := make([]any, len(episodeIDs))
		for i, id := range episodeIDs {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, `UPDATE episodes SET consolidated = 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("mark episodes consolidated: %w", err)
		}
		report.EpisodesProcessed = len(episodeIDs)
		return nil
	})
	if err != nil {
		*report = ConsolidationReport{Errors: append(report.Errors, err.Error())}
	}
}

const consolidationSystemPrompt = `You are a memory consolidation system. You read recent conversation episodes together with existing long-term memories and decide what to remember.

Respond with STRICT JSON only, no prose, matching exactly this shape:
{
  "new": [{"category": "fact|preference|pattern|goal|relationship|skill|routine|emotional|project", "content": "...", "confidence": 0.75, "sourceEpisodes": ["episode-id"]}],
  "reinforce": ["memory-id"],
  "update": [{"id": "memory-id", "content": "...", "category": "...", "confidence": 0.8}],
  "contradict": [{"memoryId": "new-or-existing-id", "contradictsId": "existing-id"}],
  "decay": [{"id": "memory-id", "confidence": 0.4}],
  "connect": [{"from": "memory-id", "to": "memory-id"}]
}
Every array may be empty. Only reference memory ids that were listed. Keep each memory content a single standalone sentence.`

func buildConsolidationPrompt(episodes []Episode, existing []ConsolidatedMemory) string {
	var b strings.Builder
	b.WriteString("## Existing memories\n")
	if len(existing) == 0 {
		b.WriteString("(none)\n")
	}
	for _, mem := range existing {
		fmt.Fprintf(&b, "- id=%s category=%s confidence=%.2f: %s\n", mem.ID, mem.Category, mem.Confidence, mem.Content)
	}
	b.WriteString("\n## New episodes\n")
	for _, ep := range episodes {
		fmt.Fprintf(&b, "- id=%s [%s/%s at %s]: %s\n", ep.ID, ep.Channel, ep.Role,
			ep.Timestamp.Format(time.RFC3339), ep.Content)
	}
	return b.String()
}

// intersect keeps the members of ids that appear in allowed.
func intersect(ids, allowed []string) []string {
	set := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	var out []string
	for _, id := range ids {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
