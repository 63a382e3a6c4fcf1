package memory

import (
	"regexp"
	"sort"
	"strings"
)

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "been": true,
	"before": true, "being": true, "between": true, "both": true, "cannot": true,
	"could": true, "does": true, "doing": true, "down": true, "during": true,
	"each": true, "from": true, "further": true, "have": true, "having": true,
	"here": true, "into": true, "itself": true, "just": true, "more": true,
	"most": true, "only": true, "other": true, "over": true, "same": true,
	"should": true, "some": true, "such": true, "than": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "through": true, "under": true,
	"until": true, "very": true, "what": true, "when": true, "where": true,
	"which": true, "while": true, "will": true, "with": true, "would": true,
	"your": true, "please": true, "thanks": true, "thank": true,
}

var highImportanceWords = []string{"urgent", "critical", "security", "incident"}

var positiveWords = map[string]bool{
	"great": true, "good": true, "love": true, "excellent": true, "happy": true,
	"awesome": true, "perfect": true, "wonderful": true, "thanks": true, "nice": true,
}

var negativeWords = map[string]bool{
	"bad": true, "hate": true, "terrible": true, "awful": true, "angry": true,
	"broken": true, "failed": true, "wrong": true, "annoying": true, "frustrated": true,
}

var wordPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9'_-]*`)

// enrichMetadata fills topics, entities, importance, and tone from content.
// Caller-supplied extra fields are preserved.
func enrichMetadata(content string, extra map[string]any) Metadata {
	return Metadata{
		Topics:     extractTopics(content),
		Entities:   extractEntities(content),
		Importance: classifyImportance(content),
		Tone:       classifyTone(content),
		Extra:      extra,
	}
}

// extractTopics returns the top 6 lowercased words of length >= 4 by
// frequency, excluding stopwords, ties broken alphabetically.
func extractTopics(content string) []string {
	counts := make(map[string]int)
	for _, word := range wordPattern.FindAllString(content, -1) {
		lower := strings.ToLower(word)
		if len(lower) < 4 || stopwords[lower] {
			continue
		}
		counts[lower]++
	}

	topics := make([]string, 0, len(counts))
	for word := range counts {
		topics = append(topics, word)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > 6 {
		topics = topics[:6]
	}
	return topics
}

// extractEntities returns the first 8 distinct capitalized words of length >= 3.
func extractEntities(content string) []string {
	var entities []string
	seen := make(map[string]bool)
	for _, word := range wordPattern.FindAllString(content, -1) {
		if len(word) < 3 || word[0] < 'A' || word[0] > 'Z' {
			continue
		}
		if seen[word] {
			continue
		}
		seen[word] = true
		entities = append(entities, word)
		if len(entities) == 8 {
			break
		}
	}
	return entities
}

func classifyImportance(content string) Importance {
	lower := strings.ToLower(content)
	for _, word := range highImportanceWords {
		if strings.Contains(lower, word) {
			return ImportanceHigh
		}
	}
	if len(content) > 280 {
		return ImportanceHigh
	}
	if len(content) > 120 {
		return ImportanceMedium
	}
	return ImportanceLow
}

func classifyTone(content string) Tone {
	positive, negative := 0, 0
	for _, word := range wordPattern.FindAllString(content, -1) {
		lower := strings.ToLower(word)
		if positiveWords[lower] {
			positive++
		}
		if negativeWords[lower] {
			negative++
		}
	}
	switch {
	case positive > negative:
		return TonePositive
	case negative > positive:
		return ToneNegative
	default:
		return ToneNeutral
	}
}
