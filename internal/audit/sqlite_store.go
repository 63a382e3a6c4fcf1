package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mama/internal/store"
)

// SQLiteStore persists audit entries in the shared store. SQLite journals in
// WAL mode, so entries survive process crashes.
type SQLiteStore struct {
	db *store.Store
}

// NewSQLiteStore returns a durable audit store backed by db.
func NewSQLiteStore(db *store.Store) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Log appends an entry. The id and timestamp are assigned when absent.
func (s *SQLiteStore) Log(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Output = TruncateOutput(entry.Output)

	params, err := json.Marshal(entry.Params)
	if err != nil {
		params = []byte("{}")
	}

	var errStr sql.NullString
	if entry.Error != "" {
		errStr = sql.NullString{String: entry.Error, Valid: true}
	}

	_, err = s.db.Exec(ctx, `INSERT INTO audit_entries
		(id, timestamp, capability, action, resource, params, decision, result, output, error, duration_ms, requested_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.Capability, entry.Action, entry.Resource,
		string(params), string(entry.Decision), string(entry.Result), entry.Output,
		errStr, entry.DurationMs, entry.RequestedBy)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching the filter, newest first.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	var conds []string
	var args []any
	if filter.Capability != "" {
		conds = append(conds, "capability = ?")
		args = append(args, filter.Capability)
	}
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, string(filter.Result))
	}
	if filter.RequestedBy != "" {
		conds = append(conds, "requested_by = ?")
		args = append(args, filter.RequestedBy)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.Until)
	}

	query := `SELECT id, timestamp, capability, action, resource, params, decision, result, output, error, duration_ms, requested_by FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetRecent returns the n newest entries.
func (s *SQLiteStore) GetRecent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.Query(ctx, `SELECT id, timestamp, capability, action, resource, params, decision, result, output, error, duration_ms, requested_by
		FROM audit_entries ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var params string
		var errStr sql.NullString
		var decision, result string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Capability, &e.Action, &e.Resource,
			&params, &decision, &result, &e.Output, &errStr, &e.DurationMs, &e.RequestedBy); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Decision = Decision(decision)
		e.Result = Result(result)
		if errStr.Valid {
			e.Error = errStr.String
		}
		if params != "" && params != "{}" {
			_ = json.Unmarshal([]byte(params), &e.Params)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
