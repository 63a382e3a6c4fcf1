package memory

import (
	"context"
	"sync"
	"time"

	"mama/internal/logging"
)

// minConsolidationInterval floors the tick interval.
const minConsolidationInterval = time.Minute

// ConsolidationScheduler ticks the consolidation engine at a fixed interval,
// skipping ticks while a run is in progress or the assistant is busy.
type ConsolidationScheduler struct {
	engine   *ConsolidationEngine
	interval time.Duration
	isIdle   func() bool
	opts     RunOptions
	logger   logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsolidationScheduler creates the scheduler. isIdle may be nil, in
// which case the process is always considered idle.
func NewConsolidationScheduler(engine *ConsolidationEngine, interval time.Duration, isIdle func() bool, opts RunOptions, logger logging.Logger) *ConsolidationScheduler {
	if interval < minConsolidationInterval {
		interval = minConsolidationInterval
	}
	return &ConsolidationScheduler{
		engine:   engine,
		interval: interval,
		isIdle:   isIdle,
		opts:     opts,
		logger:   logging.OrNop(logger),
	}
}

// Start begins ticking. Starting twice is a no-op.
func (s *ConsolidationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	s.logger.Info("Consolidation scheduler started (interval %s)", s.interval)
	return nil
}

// Stop halts ticking and waits for the loop to exit. Idempotent.
func (s *ConsolidationScheduler) Stop() {
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

func (s *ConsolidationScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ConsolidationScheduler) tick(ctx context.Context) {
	if s.engine.Running() {
		s.logger.Debug("Consolidation tick skipped: run in progress")
		return
	}
	if s.isIdle != nil && !s.isIdle() {
		s.logger.Debug("Consolidation tick skipped: assistant busy")
		return
	}
	report, err := s.engine.Run(ctx, s.opts)
	if err != nil {
		s.logger.Error("Consolidation tick failed: %v", err)
		return
	}
	if report.Skipped {
		s.logger.Debug("Consolidation tick skipped: %s", report.SkipReason)
	}
}
