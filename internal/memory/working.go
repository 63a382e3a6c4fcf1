package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"mama/internal/llm"
	"mama/internal/logging"
)

// defaultCompressThreshold is the fraction of the token budget at which
// compression fires.
const defaultCompressThreshold = 0.75

// compressKeepTail is how many trailing messages compression preserves.
const compressKeepTail = 4

// Summarizer condenses a span of messages into a short summary.
type Summarizer func(ctx context.Context, messages []llm.Message) (string, error)

// WorkingMemory is the token-budgeted conversation buffer of one agent
// session, plus the retrieval injection that seeds the system prompt.
type WorkingMemory struct {
	maxTokens         int
	compressThreshold float64
	logger            logging.Logger

	mu        sync.Mutex
	messages  []llm.Message
	used      int
	injection []ContextEntry
}

// NewWorkingMemory creates a buffer with the given token budget.
func NewWorkingMemory(maxTokens int, logger logging.Logger) *WorkingMemory {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &WorkingMemory{
		maxTokens:         maxTokens,
		compressThreshold: defaultCompressThreshold,
		logger:            logging.OrNop(logger),
	}
}

// AddMessage appends msg and accounts its token cost.
func (w *WorkingMemory) AddMessage(msg llm.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msg)
	w.used += messageTokens(msg)
}

// Messages returns a copy of the buffered messages in order.
func (w *WorkingMemory) Messages() []llm.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]llm.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// UsedTokens returns the current estimated token usage.
func (w *WorkingMemory) UsedTokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}

// NeedsCompression reports whether usage has crossed the compression
// threshold.
func (w *WorkingMemory) NeedsCompression() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(w.used) > w.compressThreshold*float64(w.maxTokens) &&
		len(w.messages) > compressKeepTail
}

// Compress summarizes all but the last 4 messages and replaces the span with
// a single system summary message. A no-op below the threshold.
func (w *WorkingMemory) Compress(ctx context.Context, summarize Summarizer) error {
	if !w.NeedsCompression() || summarize == nil {
		return nil
	}

	w.mu.Lock()
	head := make([]llm.Message, len(w.messages)-compressKeepTail)
	copy(head, w.messages[:len(w.messages)-compressKeepTail])
	w.mu.Unlock()

	summary, err := summarize(ctx, head)
	if err != nil {
		return fmt.Errorf("compress working memory: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.messages) <= compressKeepTail {
		return nil
	}
	tail := w.messages[len(w.messages)-compressKeepTail:]
	compressed := make([]llm.Message, 0, compressKeepTail+1)
	compressed = append(compressed, llm.Message{
		Role:    "system",
		Content: "[Previous conversation summary]: " + summary,
	})
	compressed = append(compressed, tail...)
	w.messages = compressed

	w.used = 0
	for _, msg := range w.messages {
		w.used += messageTokens(msg)
	}
	w.logger.Debug("Working memory compressed to %d messages (%d tokens)", len(w.messages), w.used)
	return nil
}

// SetSystemInjection stores the retrieval entries to merge into the system
// prompt. nil clears the injection.
func (w *WorkingMemory) SetSystemInjection(entries []ContextEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.injection = entries
}

// SystemInjection returns the current retrieval entries.
func (w *WorkingMemory) SystemInjection() []ContextEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ContextEntry, len(w.injection))
	copy(out, w.injection)
	return out
}

// Clear drops all messages and the injection.
func (w *WorkingMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
	w.used = 0
	w.injection = nil
}

// messageTokens estimates the token cost of a message, including any
// tool-call payloads.
func messageTokens(msg llm.Message) int {
	tokens := EstimateTokens(msg.Content)
	for _, call := range msg.ToolCalls {
		raw, _ := json.Marshal(call.Arguments)
		tokens += EstimateTokens(call.Name + string(raw))
	}
	return tokens
}
