// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl removes short-lived artifacts left behind by the conversation
// API once they outlive their time-to-live.
//
// Uploaded audio is normally deleted when its sequence2txt request ends.
// Files survive only when the process dies mid-request; the sweeper
// collects those on a fixed interval.
package ttl

import (
	"context"
	"time"
)

// =============================================================================
// Interfaces
// =============================================================================

// Sweeper removes expired artifacts.
//
// # Description
//
// One call to Sweep inspects the artifacts it owns and removes those past
// their TTL. Implementations must be safe for concurrent use with the
// request path that creates the artifacts.
type Sweeper interface {
	// Sweep runs one cleanup pass.
	//
	// # Outputs
	//
	//   - SweepResult: What was found and removed.
	//   - error: Non-nil only when the pass could not run at all. Failures
	//     on single artifacts are reported in SweepResult.Errors.
	Sweep(ctx context.Context) (SweepResult, error)
}

// Scheduler runs a Sweeper in the background.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler interface {
	// Start begins periodic sweeps. Returns an error if already running.
	Start(ctx context.Context) error

	// Stop ends the background loop. Safe to call multiple times.
	Stop() error

	// RunNow performs one sweep immediately.
	RunNow(ctx context.Context) (SweepResult, error)
}

// =============================================================================
// Results
// =============================================================================

// SweepResult summarizes one sweep.
type SweepResult struct {
	StartTime time.Time
	EndTime   time.Time
	Found     int
	Removed   int
	Errors    []SweepError
}

func (r *SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

func (r *SweepResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// SweepError records a single artifact that could not be removed.
type SweepError struct {
	Path  string
	Error string
}
