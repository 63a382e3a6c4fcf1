package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 4, EstimateTokens(""))
	assert.Equal(t, 5, EstimateTokens("abc"))
	assert.Equal(t, 5, EstimateTokens("abcd"))
	assert.Equal(t, 6, EstimateTokens("abcde"))
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-0.5))
	assert.Equal(t, 0.5, ClampConfidence(0.5))
	assert.Equal(t, 1.0, ClampConfidence(1.7))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	assert.Equal(t, 0.0, CosineSimilarity(nil, []float64{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1, 2}, []float64{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory(CategoryFact))
	assert.True(t, ValidCategory(CategorySkill))
	assert.False(t, ValidCategory(Category("opinion")))
	assert.False(t, ValidCategory(Category("")))
}

func TestLexicalOverlap(t *testing.T) {
	assert.Equal(t, 1.0, LexicalOverlap("coffee morning", "I drink coffee every morning"))
	assert.Equal(t, 0.5, LexicalOverlap("coffee evening", "I drink coffee every morning"))
	assert.Equal(t, 0.0, LexicalOverlap("", "anything"))
	// Words shorter than three characters are ignored.
	assert.Equal(t, 0.0, LexicalOverlap("a an to", "a an to"))
}
