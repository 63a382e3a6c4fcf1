package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultSoul(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soul.md")
	m := NewSoulManager(path, nil)
	require.NoError(t, m.Load())

	for _, section := range soulSections {
		assert.Contains(t, m.Text(), "## "+section)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, m.Text(), string(raw))
}

func TestLoadExistingSoul(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soul.md")
	custom := "# Soul\n\n## Identity\nI am custom.\n\n## Knowledge\nold knowledge\n"
	require.NoError(t, os.WriteFile(path, []byte(custom), 0o644))

	m := NewSoulManager(path, nil)
	require.NoError(t, m.Load())
	assert.Equal(t, custom, m.Text())
}

func TestRegenerateRewritesDerivedSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soul.md")
	m := NewSoulManager(path, nil)
	require.NoError(t, m.Load())

	memories := []ConsolidatedMemory{
		{Category: CategoryFact, Content: "user works from home", Active: true},
		{Category: CategoryGoal, Content: "ship the quarterly report", Active: true},
		{Category: CategoryPreference, Content: "prefers short answers", Active: true},
		{Category: CategoryFact, Content: "ignored because inactive", Active: false},
	}
	require.NoError(t, m.RegenerateFromMemories(memories))

	text := m.Text()
	assert.Contains(t, text, "- user works from home")
	assert.Contains(t, text, "- ship the quarterly report")
	assert.Contains(t, text, "- prefers short answers")
	assert.NotContains(t, text, "ignored because inactive")

	// Hand-written sections survive regeneration.
	assert.Contains(t, text, "## Identity\nI am mama")
	assert.Contains(t, text, "## Boundaries")
}

func TestRegenerateCapsSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soul.md")
	m := NewSoulManager(path, nil)
	require.NoError(t, m.Load())

	var memories []ConsolidatedMemory
	for i := 0; i < 20; i++ {
		memories = append(memories, ConsolidatedMemory{
			Category: CategoryFact, Content: fmt.Sprintf("fact number %d", i), Active: true,
		})
		memories = append(memories, ConsolidatedMemory{
			Category: CategoryGoal, Content: fmt.Sprintf("goal number %d", i), Active: true,
		})
	}
	require.NoError(t, m.RegenerateFromMemories(memories))

	text := m.Text()
	assert.Equal(t, 12, strings.Count(text, "- fact number"))
	assert.Equal(t, 8, strings.Count(text, "- goal number"))
}

func TestRegenerateDeduplicatesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soul.md")
	m := NewSoulManager(path, nil)
	require.NoError(t, m.Load())

	memories := []ConsolidatedMemory{
		{Category: CategoryFact, Content: "Likes Tea", Active: true},
		{Category: CategoryFact, Content: "likes tea", Active: true},
	}
	require.NoError(t, m.RegenerateFromMemories(memories))
	assert.Equal(t, 1, strings.Count(strings.ToLower(m.Text()), "- likes tea"))
}

func TestUpsertSectionReplacesBody(t *testing.T) {
	text := "# Soul\n\n## Knowledge\nold line\n\n## Preferences\nkeep me\n"
	got := upsertSection(text, "Knowledge", "- new line")
	assert.Contains(t, got, "## Knowledge\n- new line")
	assert.NotContains(t, got, "old line")
	assert.Contains(t, got, "## Preferences\nkeep me")
}

func TestUpsertSectionAppendsMissing(t *testing.T) {
	got := upsertSection("# Soul\n", "Knowledge", "- a fact")
	assert.Contains(t, got, "## Knowledge\n- a fact")
}

func TestRegenerateWithEmptyMemories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soul.md")
	m := NewSoulManager(path, nil)
	require.NoError(t, m.Load())
	require.NoError(t, m.RegenerateFromMemories(nil))

	text := m.Text()
	assert.Contains(t, text, "(nothing consolidated yet)")
	assert.Contains(t, text, "(none)")
	assert.Contains(t, text, "(none recorded)")
}
