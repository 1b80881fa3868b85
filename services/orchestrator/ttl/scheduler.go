// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the background sweeper.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 15 minutes.
//   - Name: Label used in log records. Default: "ttl".
type SchedulerConfig struct {
	Interval time.Duration
	Name     string
}

// DefaultSchedulerConfig returns the default scheduler configuration.
//
// # Examples
//
//	config := DefaultSchedulerConfig()
//	config.Interval = 5 * time.Minute
//	scheduler := NewScheduler(sweeper, config)
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 15 * time.Minute,
		Name:     "ttl",
	}
}

// scheduler implements Scheduler with a ticker and a done channel.
//
// # Fields
//
//   - sweeper: Performs the actual cleanup.
//   - config: Scheduler configuration.
//   - done: Closed to request shutdown.
//   - stopped: Closed when the loop goroutine returns.
//   - mu: Protects running, done and stopped.
type scheduler struct {
	sweeper Sweeper
	config  SchedulerConfig
	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a background sweeper.
//
// # Description
//
// The scheduler sweeps once when started and then at every Interval until
// Stop is called or the start context is cancelled.
//
// # Inputs
//
//   - sweeper: The Sweeper to run.
//   - config: Scheduler configuration. Zero values use defaults.
//
// # Outputs
//
//   - Scheduler: Ready to Start().
//
// # Examples
//
//	sweeper, _ := NewTempFileSweeper(TempFileConfig{Dir: uploadDir})
//	s := NewScheduler(sweeper, DefaultSchedulerConfig())
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// # Limitations
//
//   - State is not persisted between restarts.
func NewScheduler(sweeper Sweeper, config SchedulerConfig) Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Name == "" {
		config.Name = defaults.Name
	}
	return &scheduler{
		sweeper: sweeper,
		config:  config,
	}
}

// Start begins the background loop.
//
// # Inputs
//
//   - ctx: When cancelled, the loop stops.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Sweeper starting", "name", s.config.Name, "interval", s.config.Interval.String())

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to end and waits for the current sweep to finish.
// Safe to call multiple times.
func (s *scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	slog.Info("Sweeper stopping", "name", s.config.Name)
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow performs a sweep immediately. It does not affect the schedule.
func (s *scheduler) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweeper.Sweep(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *scheduler) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.execute(ctx)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			slog.Info("Sweeper stopped (context cancelled)", "name", s.config.Name)
			return
		case <-done:
			slog.Info("Sweeper stopped (stop requested)", "name", s.config.Name)
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

// execute runs one sweep and logs the outcome. Errors never stop the loop.
func (s *scheduler) execute(ctx context.Context) {
	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		slog.Error("Sweep failed", "name", s.config.Name, "error", err)
		return
	}

	if result.Found > 0 {
		slog.Info("Sweep completed",
			"name", s.config.Name,
			"found", result.Found,
			"removed", result.Removed,
			"errors", len(result.Errors),
			"duration_ms", result.Duration().Milliseconds(),
		)
	} else {
		slog.Debug("Sweep completed (nothing expired)", "name", s.config.Name)
	}
}
