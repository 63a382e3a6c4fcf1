// Package daemon supervises the long-running services of the assistant:
// startup order, PID-file ownership, periodic health checks, and graceful
// shutdown.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mama/internal/logging"
)

// minHealthInterval floors the health-check period.
const minHealthInterval = 5 * time.Second

// defaultHealthInterval is used when the configuration gives none.
const defaultHealthInterval = 30 * time.Second

// Service is one supervised unit. HealthCheck may be nil for services
// without a liveness probe.
type Service struct {
	Name        string
	Start       func(ctx context.Context) error
	Stop        func()
	HealthCheck func() bool
}

// Supervisor owns the service set and the health loop.
type Supervisor struct {
	pidPath        string
	services       []Service
	healthInterval time.Duration
	logger         logging.Logger

	mu       sync.Mutex
	running  bool
	started  []Service
	cancel   context.CancelFunc
	healthWG sync.WaitGroup
}

// New creates a supervisor. Services start in the given order and stop in
// reverse.
func New(pidPath string, healthInterval time.Duration, logger logging.Logger) *Supervisor {
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	if healthInterval < minHealthInterval {
		healthInterval = minHealthInterval
	}
	return &Supervisor{
		pidPath:        pidPath,
		healthInterval: healthInterval,
		logger:         logging.OrNop(logger),
	}
}

// Register appends a service. Must be called before Start.
func (s *Supervisor) Register(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, svc)
}

// Start writes the PID file, starts every service in order, and installs
// the health loop. Starting while another daemon instance holds the PID file
// is an error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("daemon already started")
	}

	if pid := ReadPID(s.pidPath); pid != 0 && ProcessAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	RemovePID(s.pidPath)
	if err := WritePID(s.pidPath); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, svc := range s.services {
		if err := svc.Start(runCtx); err != nil {
			s.logger.Error("Service %s failed to start: %v", svc.Name, err)
			s.stopStartedLocked()
			cancel()
			RemovePID(s.pidPath)
			return fmt.Errorf("start %s: %w", svc.Name, err)
		}
		s.started = append(s.started, svc)
		s.logger.Info("Service %s started", svc.Name)
	}

	s.healthWG.Add(1)
	go s.healthLoop(runCtx)
	s.running = true
	s.logger.Info("Daemon started (%d services)", len(s.started))
	return nil
}

// Stop halts the health loop, stops services in reverse order, and removes
// the PID file. Stopping a non-running daemon only clears a stale PID file.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		RemovePID(s.pidPath)
		return
	}
	s.running = false

	s.cancel()
	s.mu.Unlock()
	s.healthWG.Wait()
	s.mu.Lock()

	s.stopStartedLocked()
	RemovePID(s.pidPath)
	s.logger.Info("Daemon stopped")
}

func (s *Supervisor) stopStartedLocked() {
	for i := len(s.started) - 1; i >= 0; i-- {
		svc := s.started[i]
		svc.Stop()
		s.logger.Info("Service %s stopped", svc.Name)
	}
	s.started = nil
}

// healthLoop restarts any service whose health check reports false.
func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.healthWG.Done()
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth restarts every unhealthy service. Restarts of independent
// services run concurrently; the pass returns once all have settled.
func (s *Supervisor) checkHealth(ctx context.Context) {
	s.mu.Lock()
	services := make([]Service, len(s.started))
	copy(services, s.started)
	s.mu.Unlock()

	var g errgroup.Group
	for _, svc := range services {
		svc := svc
		if svc.HealthCheck == nil || svc.HealthCheck() {
			continue
		}
		g.Go(func() error {
			s.logger.Warn("Service %s unhealthy, restarting", svc.Name)
			svc.Stop()
			if err := svc.Start(ctx); err != nil {
				s.logger.Error("Service %s restart failed: %v", svc.Name, err)
				return err
			}
			s.logger.Info("Service %s restarted", svc.Name)
			return nil
		})
	}
	_ = g.Wait()
}
