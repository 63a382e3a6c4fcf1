package memory

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"mama/internal/logging"
)

// embedCacheSize bounds the in-process embedding cache.
const embedCacheSize = 4096

// TextEmbedder produces a vector for a piece of text.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// EmbeddingService wraps a provider embed call with an in-memory cache keyed
// by trimmed text.
type EmbeddingService struct {
	embedder TextEmbedder
	cache    *lru.Cache[string, []float64]
	logger   logging.Logger
}

// NewEmbeddingService creates the service. embedder may be nil, in which
// case every call fails and callers store records without vectors.
func NewEmbeddingService(embedder TextEmbedder, logger logging.Logger) *EmbeddingService {
	cache, _ := lru.New[string, []float64](embedCacheSize)
	return &EmbeddingService{
		embedder: embedder,
		cache:    cache,
		logger:   logging.OrNop(logger),
	}
}

// Embed returns the vector for text, consulting the cache first.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float64, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	key := strings.TrimSpace(text)
	if key == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	if vec, ok := s.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := s.embedder.Embed(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	s.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds a slice of texts, deduplicating inputs before calling
// the provider. The result maps trimmed text to its vector; failed items are
// omitted.
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) map[string][]float64 {
	out := make(map[string][]float64, len(texts))
	seen := make(map[string]bool, len(texts))
	for _, text := range texts {
		key := strings.TrimSpace(text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		vec, err := s.Embed(ctx, key)
		if err != nil {
			s.logger.Debug("Embedding batch item failed: %v", err)
			continue
		}
		out[key] = vec
	}
	return out
}
