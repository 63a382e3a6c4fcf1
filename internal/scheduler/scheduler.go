// Package scheduler runs recurring jobs against agent sessions using cron
// semantics. Job records persist across restarts; schedules accept either
// 5-field cron expressions or natural language.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"mama/internal/audit"
	"mama/internal/logging"
	"mama/internal/memory"
	"mama/internal/store"
	"mama/internal/tools"
)

// JobResult is the persisted outcome of the most recent run.
type JobResult struct {
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Job is a scheduled task record.
type Job struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Schedule   string     `json:"schedule"`
	Task       string     `json:"task"`
	Enabled    bool       `json:"enabled"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int        `json:"run_count"`
	LastResult *JobResult `json:"last_result,omitempty"`
}

// RunTaskFunc executes a job's task, typically via a one-shot agent session.
type RunTaskFunc func(ctx context.Context, task, invocationContext string) (string, error)

// Service is the cron scheduler. It implements tools.JobService and
// memory.JobSource.
type Service struct {
	db      *store.Store
	cron    *cron.Cron
	runTask RunTaskFunc
	audit   audit.Store
	parser  *Parser
	logger  logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// New creates the scheduler. auditStore may be nil.
func New(db *store.Store, runTask RunTaskFunc, parser *Parser, auditStore audit.Store, logger logging.Logger) *Service {
	logger = logging.OrNop(logger)
	return &Service{
		db:      db,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runTask: runTask,
		audit:   auditStore,
		parser:  parser,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads enabled jobs, installs their cron tasks, and begins ticking.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	jobs, err := s.loadJobs(ctx, "")
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.installLocked(job); err != nil {
			s.logger.Error("Scheduler: installing job %s failed: %v", job.ID, err)
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("Scheduler started with %d jobs", len(s.entries))
	return nil
}

// Stop halts the cron loop and waits for in-flight jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// CreateJob normalizes the schedule, persists the job enabled, and installs
// its cron task.
func (s *Service) CreateJob(ctx context.Context, name, schedule, task, jobType string) (tools.JobSummary, error) {
	normalized, err := s.parser.Parse(ctx, schedule)
	if err != nil {
		return tools.JobSummary{}, err
	}
	if jobType == "" {
		jobType = "cron"
	}
	if name == "" {
		name = task
		if len(name) > 40 {
			name = name[:40]
		}
	}

	spec, err := cronParser.Parse(normalized)
	if err != nil {
		return tools.JobSummary{}, fmt.Errorf("invalid schedule %q: %w", normalized, err)
	}
	next := spec.Next(s.now())
	job := Job{
		ID:       uuid.NewString(),
		Name:     name,
		Type:     jobType,
		Schedule: normalized,
		Task:     task,
		Enabled:  true,
		NextRun:  &next,
	}

	_, err = s.db.Exec(ctx, `INSERT INTO jobs (id, name, type, schedule, task, enabled, next_run, run_count)
		VALUES (?, ?, ?, ?, ?, 1, ?, 0)`,
		job.ID, job.Name, job.Type, job.Schedule, job.Task, next.UTC())
	if err != nil {
		return tools.JobSummary{}, fmt.Errorf("create job: %w", err)
	}

	s.mu.Lock()
	if s.started {
		if err := s.installLocked(job); err != nil {
			s.logger.Error("Scheduler: installing job %s failed: %v", job.ID, err)
		}
	}
	s.mu.Unlock()

	s.logger.Info("Created job %s (%s): %s", job.ID, job.Schedule, job.Task)
	return summarize(job), nil
}

// ListJobs returns all jobs ordered by name.
func (s *Service) ListJobs(ctx context.Context) ([]tools.JobSummary, error) {
	jobs, err := s.loadJobs(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]tools.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, summarize(job))
	}
	return out, nil
}

// GetJob returns the full record for id.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	jobs, err := s.loadJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return &jobs[0], nil
}

// EnableJob re-enables a job and installs its cron task.
func (s *Service) EnableJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	spec, err := cronParser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	next := spec.Next(s.now())
	if _, err := s.db.Exec(ctx, `UPDATE jobs SET enabled = 1, next_run = ? WHERE id = ?`, next.UTC(), id); err != nil {
		return fmt.Errorf("enable job: %w", err)
	}
	job.Enabled = true
	job.NextRun = &next

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	if s.started {
		return s.installLocked(*job)
	}
	return nil
}

// DisableJob stops the job's cron task. A disabled job has no next run.
func (s *Service) DisableJob(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `UPDATE jobs SET enabled = 0, next_run = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("disable job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
	return nil
}

// DeleteJob removes the job and its cron task.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
	return nil
}

// RunJobNow executes the job immediately, outside its schedule.
func (s *Service) RunJobNow(ctx context.Context, id string) (string, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	result := s.execute(ctx, job)
	if !result.Success {
		return "", fmt.Errorf("job %s failed: %s", id, result.Error)
	}
	return result.Output, nil
}

// Upcoming returns enabled jobs ordered by soonest next run. Implements the
// retrieval pipeline's job stream.
func (s *Service) Upcoming(ctx context.Context, limit int) ([]memory.UpcomingJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `SELECT id, task, next_run FROM jobs
		WHERE enabled = 1 AND next_run IS NOT NULL ORDER BY next_run ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("upcoming jobs: %w", err)
	}
	defer rows.Close()

	var out []memory.UpcomingJob
	for rows.Next() {
		var job memory.UpcomingJob
		var next time.Time
		if err := rows.Scan(&job.ID, &job.Description, &next); err != nil {
			return nil, fmt.Errorf("scan upcoming job: %w", err)
		}
		job.NextRun = next
		out = append(out, job)
	}
	return out, rows.Err()
}

// ParseSchedule exposes schedule normalization for CLI validation.
func (s *Service) ParseSchedule(ctx context.Context, input string) (string, error) {
	return s.parser.Parse(ctx, input)
}

func (s *Service) installLocked(job Job) error {
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		current, err := s.GetJob(ctx, id)
		if err != nil || !current.Enabled {
			return
		}
		s.execute(ctx, current)
	})
	if err != nil {
		return fmt.Errorf("install cron task: %w", err)
	}
	s.entries[job.ID] = entryID
	return nil
}

func (s *Service) removeLocked(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// execute runs the job's task and atomically persists lastRun, nextRun,
// runCount, and lastResult, then writes an audit entry.
func (s *Service) execute(ctx context.Context, job *Job) JobResult {
	start := s.now()
	result := JobResult{Success: true}

	if s.runTask == nil {
		result = JobResult{Success: false, Error: "no task runner configured"}
	} else {
		output, err := s.runTask(ctx, job.Task, fmt.Sprintf("scheduled job %q (%s)", job.Name, job.ID))
		if err != nil {
			result = JobResult{Success: false, Error: err.Error()}
		} else {
			result.Output = output
		}
	}
	result.FinishedAt = s.now().UTC()

	var next *time.Time
	if job.Enabled {
		if spec, err := cronParser.Parse(job.Schedule); err == nil {
			n := spec.Next(s.now())
			next = &n
		}
	}

	encoded, _ := json.Marshal(result)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET last_run = ?, next_run = ?, run_count = run_count + 1, last_result = ? WHERE id = ?`,
			start.UTC(), nullableTime(next), string(encoded), job.ID)
		return err
	})
	if err != nil {
		s.logger.Error("Scheduler: persisting result for job %s failed: %v", job.ID, err)
	}

	if s.audit != nil {
		auditResult := audit.ResultSuccess
		if !result.Success {
			auditResult = audit.ResultError
		}
		if err := s.audit.Log(ctx, audit.Entry{
			Capability:  "scheduler",
			Action:      "run_job",
			Resource:    job.ID,
			Params:      map[string]any{"name": job.Name, "task": job.Task},
			Decision:    audit.DecisionAutoApproved,
			Result:      auditResult,
			Output:      result.Output,
			Error:       result.Error,
			DurationMs:  s.now().Sub(start).Milliseconds(),
			RequestedBy: "scheduler",
		}); err != nil {
			s.logger.Warn("Scheduler: audit write failed: %v", err)
		}
	}

	return result
}

func (s *Service) loadJobs(ctx context.Context, id string) ([]Job, error) {
	query := `SELECT id, name, type, schedule, task, enabled, last_run, next_run, run_count, last_result FROM jobs`
	var args []any
	if id != "" {
		query += ` WHERE id = ?`
		args = append(args, id)
	} else {
		query += ` ORDER BY name`
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var job Job
		var enabled int
		var lastRun, nextRun sql.NullTime
		var lastResult sql.NullString
		if err := rows.Scan(&job.ID, &job.Name, &job.Type, &job.Schedule, &job.Task,
			&enabled, &lastRun, &nextRun, &job.RunCount, &lastResult); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			job.LastRun = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			job.NextRun = &t
		}
		if lastResult.Valid && lastResult.String != "" {
			var r JobResult
			if json.Unmarshal([]byte(lastResult.String), &r) == nil {
				job.LastResult = &r
			}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func summarize(job Job) tools.JobSummary {
	return tools.JobSummary{
		ID:       job.ID,
		Name:     job.Name,
		Schedule: job.Schedule,
		Task:     job.Task,
		Enabled:  job.Enabled,
		NextRun:  job.NextRun,
		RunCount: job.RunCount,
	}
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
