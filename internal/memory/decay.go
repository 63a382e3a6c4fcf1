package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mama/internal/logging"
	"mama/internal/store"
)

// DecayConfig tunes the confidence decay pass.
type DecayConfig struct {
	// Threshold is how long a memory may go without reinforcement before
	// it decays. Default 30 days.
	Threshold time.Duration
	// Factor multiplies confidence on each decay pass. Default 0.9.
	Factor float64
	// DeactivateBelow deactivates memories whose confidence falls under
	// this floor. Default 0.1.
	DeactivateBelow float64
}

func (c DecayConfig) withDefaults() DecayConfig {
	if c.Threshold <= 0 {
		c.Threshold = 30 * 24 * time.Hour
	}
	if c.Factor <= 0 || c.Factor >= 1 {
		c.Factor = 0.9
	}
	if c.DeactivateBelow <= 0 {
		c.DeactivateBelow = 0.1
	}
	return c
}

// DecayReport summarizes one decay pass.
type DecayReport struct {
	Checked     int `json:"checked"`
	Decayed     int `json:"decayed"`
	Deactivated int `json:"deactivated"`
}

// DecayEngine applies time-based confidence decay to active memories.
type DecayEngine struct {
	db     *store.Store
	config DecayConfig
	logger logging.Logger
	now    func() time.Time
}

// NewDecayEngine creates the engine with defaults filled in.
func NewDecayEngine(db *store.Store, config DecayConfig, logger logging.Logger) *DecayEngine {
	return &DecayEngine{
		db:     db,
		config: config.withDefaults(),
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Run decays every active memory whose last reinforcement is older than the
// threshold and deactivates those falling below the floor. The whole pass is
// a single transaction.
func (e *DecayEngine) Run(ctx context.Context) (DecayReport, error) {
	var report DecayReport
	now := e.now().UTC()
	cutoff := now.Add(-e.config.Threshold)

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE active = 1`).Scan(&report.Checked); err != nil {
			return fmt.Errorf("count active memories: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE memories SET confidence = confidence * ?, updated_at = ?
			WHERE active = 1 AND last_reinforced_at < ?`, e.config.Factor, now, cutoff)
		if err != nil {
			return fmt.Errorf("decay memories: %w", err)
		}
		decayed, _ := res.RowsAffected()
		report.Decayed = int(decayed)

		// Deactivation applies only to memories this pass decayed; a
		// freshly created low-confidence memory keeps its chance to be
		// reinforced.
		res, err = tx.ExecContext(ctx, `UPDATE memories SET active = 0, updated_at = ?
			WHERE active = 1 AND confidence < ? AND last_reinforced_at < ?`,
			now, e.config.DeactivateBelow, cutoff)
		if err != nil {
			return fmt.Errorf("deactivate decayed memories: %w", err)
		}
		deactivated, _ := res.RowsAffected()
		report.Deactivated = int(deactivated)
		return nil
	})
	if err != nil {
		return DecayReport{}, err
	}

	if report.Decayed > 0 || report.Deactivated > 0 {
		e.logger.Info("Memory decay pass: %d checked, %d decayed, %d deactivated",
			report.Checked, report.Decayed, report.Deactivated)
	}
	return report, nil
}
