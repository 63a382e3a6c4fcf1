// Package costs records immutable LLM usage entries and produces period
// rollups for the cost CLI and API.
package costs

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"mama/internal/store"
)

// Record is one immutable billing/trace entry.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	TaskType     string    `json:"task_type"`
	LatencyMs    int64     `json:"latency_ms"`
}

// ModelStat aggregates usage for one model.
type ModelStat struct {
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summary aggregates a set of records.
type Summary struct {
	TotalCostUSD   float64              `json:"total_cost_usd"`
	InputTokens    int                  `json:"input_tokens"`
	OutputTokens   int                  `json:"output_tokens"`
	Requests       int                  `json:"requests"`
	ByModel        map[string]ModelStat `json:"by_model"`
	ByProvider     map[string]float64   `json:"by_provider"`
	AvgCostPerDay  float64              `json:"avg_cost_per_day"`
	PeriodStart    time.Time            `json:"period_start"`
	PeriodEnd      time.Time            `json:"period_end"`
}

// pricing holds per-million-token USD rates.
type pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// pricingTable lists known model rates. Local models are free.
var pricingTable = map[string]pricing{
	"gpt-4o":            {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":       {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4.1":           {InputPerM: 2.00, OutputPerM: 8.00},
	"gpt-4.1-mini":      {InputPerM: 0.40, OutputPerM: 1.60},
	"o3-mini":           {InputPerM: 1.10, OutputPerM: 4.40},
	"deepseek-chat":     {InputPerM: 0.14, OutputPerM: 0.28},
	"deepseek-reasoner": {InputPerM: 0.55, OutputPerM: 2.19},
	"text-embedding-3-small": {InputPerM: 0.02, OutputPerM: 0},
	"text-embedding-3-large": {InputPerM: 0.13, OutputPerM: 0},
}

// localModelPrefixes marks models billed at zero.
var localModelPrefixes = []string{"llama", "qwen", "mistral", "gemma", "phi", "nomic", "mxbai"}

// Cost computes the USD cost of a call.
func Cost(model string, inputTokens, outputTokens int) float64 {
	if p, ok := pricingTable[model]; ok {
		return float64(inputTokens)/1e6*p.InputPerM + float64(outputTokens)/1e6*p.OutputPerM
	}
	lower := strings.ToLower(model)
	for _, prefix := range localModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return 0
		}
	}
	// Unknown cloud models get a conservative default rate.
	return float64(inputTokens)/1e6*1.0 + float64(outputTokens)/1e6*3.0
}

// Tracker is an append-only usage log backed by the store.
type Tracker struct {
	db  *store.Store
	now func() time.Time
}

// NewTracker creates a tracker over db.
func NewTracker(db *store.Store) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

// Record appends a usage entry. The id and timestamp are assigned when
// absent; cost is computed from the pricing table when zero.
func (t *Tracker) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now().UTC()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = Cost(rec.Model, rec.InputTokens, rec.OutputTokens)
	}
	_, err := t.db.Exec(ctx, `INSERT INTO usage_records
		(id, timestamp, provider, model, input_tokens, output_tokens, cost_usd, task_type, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.Provider, rec.Model, rec.InputTokens,
		rec.OutputTokens, rec.CostUSD, rec.TaskType, rec.LatencyMs)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Period selects a rollup window.
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// periodStart returns the inclusive start of the period. Weeks start Sunday.
func (t *Tracker) periodStart(p Period) time.Time {
	now := t.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch p {
	case PeriodToday:
		return midnight
	case PeriodWeek:
		return midnight.AddDate(0, 0, -int(now.Weekday()))
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}

// Summarize aggregates all records within the period.
func (t *Tracker) Summarize(ctx context.Context, p Period) (*Summary, error) {
	start := t.periodStart(p)

	query := `SELECT timestamp, provider, model, input_tokens, output_tokens, cost_usd FROM usage_records`
	var args []any
	if !start.IsZero() {
		query += ` WHERE timestamp >= ?`
		args = append(args, start.UTC())
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := t.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	summary := &Summary{
		ByModel:    make(map[string]ModelStat),
		ByProvider: make(map[string]float64),
	}
	var first, last time.Time
	for rows.Next() {
		var ts time.Time
		var provider, model string
		var in, out int
		var cost float64
		if err := rows.Scan(&ts, &provider, &model, &in, &out, &cost); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if first.IsZero() {
			first = ts
		}
		last = ts

		summary.TotalCostUSD += cost
		summary.InputTokens += in
		summary.OutputTokens += out
		summary.Requests++

		stat := summary.ByModel[model]
		stat.Model = model
		stat.Requests++
		stat.InputTokens += in
		stat.OutputTokens += out
		stat.CostUSD += cost
		summary.ByModel[model] = stat
		summary.ByProvider[provider] += cost
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary.PeriodStart = first
	summary.PeriodEnd = last
	if !first.IsZero() {
		spanDays := math.Ceil(last.Sub(first).Hours() / 24)
		summary.AvgCostPerDay = summary.TotalCostUSD / math.Max(1, spanDays)
	}
	return summary, nil
}
