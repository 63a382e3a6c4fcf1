// Package heartbeat periodically runs a checklist prompt through an agent
// session so the assistant can act proactively between user messages.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"mama/internal/audit"
	"mama/internal/logging"
)

// defaultInterval is how often the heartbeat fires.
const defaultInterval = 30 * time.Minute

// noChecklist substitutes for a missing checklist file.
const noChecklist = "(no checklist configured — review recent context and decide whether anything needs attention)"

// RunTaskFunc executes the heartbeat prompt via an agent session.
type RunTaskFunc func(ctx context.Context, task, invocationContext string) (string, error)

// ReportFunc receives each tick's outcome. May be nil.
type ReportFunc func(result string, err error)

// Config tunes the heartbeat service.
type Config struct {
	Interval      time.Duration
	ChecklistPath string
}

// Service is the heartbeat loop.
type Service struct {
	config  Config
	runTask RunTaskFunc
	audit   audit.Store
	report  ReportFunc
	logger  logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the service. auditStore and report may be nil.
func New(config Config, runTask RunTaskFunc, auditStore audit.Store, report ReportFunc, logger logging.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	return &Service{
		config:  config,
		runTask: runTask,
		audit:   auditStore,
		report:  report,
		logger:  logging.OrNop(logger),
	}
}

// Start begins ticking. Starting twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	s.logger.Info("Heartbeat started (interval %s)", s.config.Interval)
	return nil
}

// Stop halts the loop. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one heartbeat pass immediately.
func (s *Service) Tick(ctx context.Context) {
	start := time.Now()
	prompt := s.buildPrompt()

	var result string
	var err error
	if s.runTask == nil {
		err = fmt.Errorf("no task runner configured")
	} else {
		result, err = s.runTask(ctx, prompt, "heartbeat")
	}
	if err != nil {
		s.logger.Warn("Heartbeat tick failed: %v", err)
	}

	if s.audit != nil {
		auditResult := audit.ResultSuccess
		errText := ""
		if err != nil {
			auditResult = audit.ResultError
			errText = err.Error()
		}
		if logErr := s.audit.Log(ctx, audit.Entry{
			Capability:  "heartbeat",
			Action:      "tick",
			Decision:    audit.DecisionAutoApproved,
			Result:      auditResult,
			Output:      result,
			Error:       errText,
			DurationMs:  time.Since(start).Milliseconds(),
			RequestedBy: "heartbeat",
		}); logErr != nil {
			s.logger.Warn("Heartbeat audit write failed: %v", logErr)
		}
	}

	if s.report != nil {
		s.report(result, err)
	}
}

func (s *Service) buildPrompt() string {
	checklist := noChecklist
	if s.config.ChecklistPath != "" {
		if raw, err := os.ReadFile(s.config.ChecklistPath); err == nil && len(strings.TrimSpace(string(raw))) > 0 {
			checklist = string(raw)
		}
	}
	return fmt.Sprintf(`This is a scheduled heartbeat check. Work through the checklist below and take any action that is due. If nothing needs attention, reply briefly that all is quiet.

## Checklist
%s

## System state
%s`, checklist, systemState())
}

// systemState gathers coarse host metrics. Metric errors are tolerated; the
// affected line is simply omitted.
func systemState() string {
	var lines []string
	lines = append(lines, "platform: "+runtime.GOOS+"/"+runtime.GOARCH)
	if uptime, ok := readUptime(); ok {
		lines = append(lines, "uptime: "+uptime)
	}
	if load, ok := readLoadAvg(); ok {
		lines = append(lines, "load: "+load)
	}
	if mem, ok := readMemory(); ok {
		lines = append(lines, "memory: "+mem)
	}
	return strings.Join(lines, "\n")
}

func readUptime() (string, bool) {
	raw, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return "", false
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", false
	}
	return (time.Duration(seconds) * time.Second).String(), true
}

func readLoadAvg() (string, bool) {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return "", false
	}
	return strings.Join(fields[:3], " "), true
}

func readMemory() (string, bool) {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return "", false
	}
	var total, available string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			total = strings.TrimSpace(strings.TrimPrefix(line, "MemTotal:"))
		}
		if strings.HasPrefix(line, "MemAvailable:") {
			available = strings.TrimSpace(strings.TrimPrefix(line, "MemAvailable:"))
		}
	}
	if total == "" {
		return "", false
	}
	if available == "" {
		return total + " total", true
	}
	return available + " free of " + total, true
}
