// Package audit records every capability invocation as an immutable,
// tamper-evident entry. The durable store is SQLite; a bounded in-memory
// fallback preserves the same query contract when no database is available.
package audit

import (
	"context"
	"time"
	"unicode/utf8"
)

// Decision enumerates the possible permission outcomes of a capability call.
type Decision string

const (
	DecisionAutoApproved Decision = "auto-approved"
	DecisionUserApproved Decision = "user-approved"
	DecisionRuleDenied   Decision = "rule-denied"
	DecisionUserDenied   Decision = "user-denied"
	DecisionError        Decision = "error"
)

// Result enumerates the execution outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// maxOutputBytes caps stored output at 1 KiB.
const maxOutputBytes = 1024

// Entry is a single immutable audit record.
type Entry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Capability  string         `json:"capability"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Params      map[string]any `json:"params,omitempty"`
	Decision    Decision       `json:"decision"`
	Result      Result         `json:"result"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	RequestedBy string         `json:"requested_by"`
}

// Filter narrows audit queries. Zero values match everything.
type Filter struct {
	Capability  string
	Action      string
	Result      Result
	RequestedBy string
	Since       time.Time
	Until       time.Time
}

// Store is the append-only audit log contract.
type Store interface {
	// Log appends an entry. Output is truncated before storage.
	Log(ctx context.Context, entry Entry) error

	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Entry, error)

	// GetRecent returns the n newest entries, newest first.
	GetRecent(ctx context.Context, n int) ([]Entry, error)
}

// TruncateOutput caps s at 1 KiB without splitting a UTF-8 sequence.
func TruncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (f Filter) matches(e Entry) bool {
	if f.Capability != "" && e.Capability != f.Capability {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.RequestedBy != "" && e.RequestedBy != f.RequestedBy {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
