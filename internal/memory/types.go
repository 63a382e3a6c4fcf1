// Package memory implements the layered memory engine: episodic records
// with embedded vectors, consolidated long-term facts with reinforcement and
// decay, hybrid retrieval under a token budget, the consolidation engine and
// its scheduler, the soul document, and the working-memory buffer.
package memory

import (
	"math"
	"time"
)

// Importance grades an episode.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// Tone is the coarse emotional tone of an episode.
type Tone string

const (
	ToneNeutral  Tone = "neutral"
	TonePositive Tone = "positive"
	ToneNegative Tone = "negative"
)

// Metadata enriches an episode.
type Metadata struct {
	Topics     []string       `json:"topics,omitempty"`
	Entities   []string       `json:"entities,omitempty"`
	Importance Importance     `json:"importance,omitempty"`
	Tone       Tone           `json:"emotional_tone,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Episode is a single interaction record.
type Episode struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Channel      string    `json:"channel"`
	Role         string    `json:"role"` // system | user | assistant | tool
	Content      string    `json:"content"`
	Embedding    []float64 `json:"embedding,omitempty"`
	Metadata     Metadata  `json:"metadata"`
	Consolidated bool      `json:"consolidated"`
}

// NewEpisode carries the caller-supplied fields of an episode.
type NewEpisode struct {
	Channel string
	Role    string
	Content string
	Extra   map[string]any
}

// Category classifies a consolidated memory.
type Category string

const (
	CategoryFact         Category = "fact"
	CategoryPreference   Category = "preference"
	CategoryPattern      Category = "pattern"
	CategoryGoal         Category = "goal"
	CategoryRelationship Category = "relationship"
	CategorySkill        Category = "skill"
	CategoryRoutine      Category = "routine"
	CategoryEmotional    Category = "emotional"
	CategoryProject      Category = "project"
)

// ValidCategory reports whether c is one of the closed category set.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryFact, CategoryPreference, CategoryPattern, CategoryGoal,
		CategoryRelationship, CategorySkill, CategoryRoutine,
		CategoryEmotional, CategoryProject:
		return true
	}
	return false
}

// ConsolidatedMemory is a long-term fact derived from episodes.
type ConsolidatedMemory struct {
	ID                 string    `json:"id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Category           Category  `json:"category"`
	Content            string    `json:"content"`
	Confidence         float64   `json:"confidence"`
	SourceEpisodes     []string  `json:"source_episodes,omitempty"`
	Embedding          []float64 `json:"embedding,omitempty"`
	Active             bool      `json:"active"`
	ReinforcementCount int       `json:"reinforcement_count"`
	LastReinforcedAt   time.Time `json:"last_reinforced_at"`
	Contradictions     []string  `json:"contradictions,omitempty"`
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// EstimateTokens approximates the token cost of text as ceil(len/4) + 4.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text))/4)) + 4
}

// CosineSimilarity returns the cosine of two vectors, or 0 for nil or
// zero-norm inputs.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
