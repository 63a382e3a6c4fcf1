package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"mama/internal/logging"
)

// soulSections is the canonical section order of the soul document.
var soulSections = []string{"Identity", "Personality", "Knowledge", "Active Goals", "Preferences", "Boundaries"}

const defaultSoul = `# Soul

## Identity
I am mama, a personal assistant that runs on this machine and remembers.

## Personality
Warm, direct, and economical with the user's attention.

## Knowledge
(nothing consolidated yet)

## Active Goals
(none)

## Preferences
(none recorded)

## Boundaries
I never act outside my sandbox, and I ask before anything irreversible.
`

// SoulManager owns the soul document on disk: the assistant's identity and
// distilled knowledge, used as the base of every system prompt.
type SoulManager struct {
	path   string
	logger logging.Logger

	mu   sync.RWMutex
	text string
}

// NewSoulManager creates the manager for the document at path. The file is
// not touched until Load or a regeneration.
func NewSoulManager(path string, logger logging.Logger) *SoulManager {
	return &SoulManager{path: path, logger: logging.OrNop(logger)}
}

// Load reads the document, writing the default one first if none exists.
func (m *SoulManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		if err := writeFileAtomic(m.path, []byte(defaultSoul)); err != nil {
			return fmt.Errorf("write default soul: %w", err)
		}
		m.text = defaultSoul
		m.logger.Info("Created default soul document at %s", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load soul: %w", err)
	}
	m.text = string(raw)
	return nil
}

// Text returns the current document.
func (m *SoulManager) Text() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.text
}

// RegenerateFromMemories rewrites the Knowledge, Active Goals, and
// Preferences sections from active memories. Identity, Personality, and
// Boundaries are preserved as the user wrote them.
func (m *SoulManager) RegenerateFromMemories(memories []ConsolidatedMemory) error {
	var knowledge, goals, preferences []string
	seen := make(map[string]bool)
	for _, mem := range memories {
		if !mem.Active {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(mem.Content))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		switch mem.Category {
		case CategoryFact, CategoryPattern, CategoryRelationship, CategorySkill, CategoryProject:
			if len(knowledge) < 12 {
				knowledge = append(knowledge, mem.Content)
			}
		case CategoryGoal:
			if len(goals) < 8 {
				goals = append(goals, mem.Content)
			}
		case CategoryPreference, CategoryRoutine, CategoryEmotional:
			if len(preferences) < 8 {
				preferences = append(preferences, mem.Content)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	text := m.text
	if text == "" {
		text = defaultSoul
	}
	text = upsertSection(text, "Knowledge", bulletize(knowledge, "(nothing consolidated yet)"))
	text = upsertSection(text, "Active Goals", bulletize(goals, "(none)"))
	text = upsertSection(text, "Preferences", bulletize(preferences, "(none recorded)"))

	if err := writeFileAtomic(m.path, []byte(text)); err != nil {
		return fmt.Errorf("write soul: %w", err)
	}
	m.text = text
	m.logger.Debug("Soul regenerated: %d knowledge, %d goals, %d preferences",
		len(knowledge), len(goals), len(preferences))
	return nil
}

// upsertSection replaces the body of "## <name>" in text, appending the
// section if it is missing.
func upsertSection(text, name, body string) string {
	pattern := regexp.MustCompile(`(?s)(## ` + regexp.QuoteMeta(name) + `\n)(.*?)(\n## |\z)`)
	replacement := "${1}" + body + "\n${3}"
	if pattern.MatchString(text) {
		return pattern.ReplaceAllString(text, replacement)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text + "\n## " + name + "\n" + body + "\n"
}

func bulletize(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".soul-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
