package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTopics(t *testing.T) {
	topics := extractTopics("Deploy the deploy pipeline today, deploy tomorrow")
	assert.Equal(t, "deploy", topics[0])
	assert.Contains(t, topics, "pipeline")
	assert.NotContains(t, topics, "the")
}

func TestExtractTopicsSkipsStopwordsAndShortWords(t *testing.T) {
	topics := extractTopics("this is a cat that they have")
	assert.NotContains(t, topics, "this")
	assert.NotContains(t, topics, "that")
	assert.NotContains(t, topics, "cat")
}

func TestExtractTopicsCapsAtSix(t *testing.T) {
	topics := extractTopics("alpha bravo charlie delta echoed foxtrot golfing hotels")
	assert.Len(t, topics, 6)
}

func TestExtractEntities(t *testing.T) {
	entities := extractEntities("Tell Alice that Bob moved to Berlin. Alice already knows.")
	assert.Equal(t, []string{"Tell", "Alice", "Bob", "Berlin"}, entities)
}

func TestExtractEntitiesCapsAtEight(t *testing.T) {
	entities := extractEntities("Aaa Bbb Ccc Ddd Eee Fff Ggg Hhh Iii Jjj")
	assert.Len(t, entities, 8)
}

func TestClassifyImportance(t *testing.T) {
	assert.Equal(t, ImportanceHigh, classifyImportance("URGENT: the server is down"))
	assert.Equal(t, ImportanceHigh, classifyImportance(strings.Repeat("x", 300)))
	assert.Equal(t, ImportanceMedium, classifyImportance(strings.Repeat("x", 150)))
	assert.Equal(t, ImportanceLow, classifyImportance("short note"))
}

func TestClassifyTone(t *testing.T) {
	assert.Equal(t, TonePositive, classifyTone("This is great, I love it"))
	assert.Equal(t, ToneNegative, classifyTone("The build is broken and everything failed"))
	assert.Equal(t, ToneNeutral, classifyTone("The meeting is at noon"))
	assert.Equal(t, ToneNeutral, classifyTone("good but broken"))
}

func TestEnrichMetadataPreservesExtra(t *testing.T) {
	meta := enrichMetadata("hello", map[string]any{"source": "test"})
	assert.Equal(t, "test", meta.Extra["source"])
	assert.Equal(t, ImportanceLow, meta.Importance)
}
