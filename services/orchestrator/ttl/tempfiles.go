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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultUploadPattern matches the temp files written by sequence2txt.
const DefaultUploadPattern = "asr-*"

// TempFileConfig configures a TempFileSweeper.
type TempFileConfig struct {
	// Dir is the directory to sweep. Required.
	Dir string

	// Pattern is a filepath.Match pattern for file names. Default:
	// DefaultUploadPattern.
	Pattern string

	// MaxAge is how long a file may exist. Default: 1 hour.
	MaxAge time.Duration

	// ClockSkew is added to MaxAge before a file counts as expired, so a
	// file being written right now on a slightly fast clock is left alone.
	// Default: 5 seconds.
	ClockSkew time.Duration
}

// TempFileSweeper removes matching files older than MaxAge from a directory.
type TempFileSweeper struct {
	cfg TempFileConfig
	now func() time.Time
}

// NewTempFileSweeper creates a sweeper.
//
// # Inputs
//
//   - cfg: Sweeper settings. Zero values use defaults.
//
// # Outputs
//
//   - *TempFileSweeper: Ready to Sweep.
//   - error: Non-nil if Dir is empty or Pattern is malformed.
func NewTempFileSweeper(cfg TempFileConfig) (*TempFileSweeper, error) {
	if cfg.Dir == "" {
		return nil, errors.New("temp file sweeper requires a directory")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultUploadPattern
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 5 * time.Second
	}
	return &TempFileSweeper{cfg: cfg, now: time.Now}, nil
}

// IsExpired reports whether a file modified at modTime is past its TTL.
func (s *TempFileSweeper) IsExpired(modTime time.Time) bool {
	return s.now().Sub(modTime) > s.cfg.MaxAge+s.cfg.ClockSkew
}

// Sweep removes expired files. Directories and non-matching names are
// skipped. A missing directory is not an error.
func (s *TempFileSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{StartTime: s.now()}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.EndTime = s.now()
			return result, nil
		}
		return result, fmt.Errorf("read %s: %w", s.cfg.Dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			result.EndTime = s.now()
			return result, err
		}
		if entry.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(s.cfg.Pattern, entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if !s.IsExpired(info.ModTime()) {
			continue
		}

		result.Found++
		path := filepath.Join(s.cfg.Dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.Errors = append(result.Errors, SweepError{Path: path, Error: err.Error()})
			slog.Warn("Failed to remove expired temp file", "path", path, "error", err)
			continue
		}
		result.Removed++
	}

	result.EndTime = s.now()
	return result, nil
}

var _ Sweeper = (*TempFileSweeper)(nil)
