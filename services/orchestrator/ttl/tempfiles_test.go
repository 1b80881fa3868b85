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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestNewTempFileSweeper_RequiresDir(t *testing.T) {
	_, err := NewTempFileSweeper(TempFileConfig{})
	assert.Error(t, err)

	_, err = NewTempFileSweeper(TempFileConfig{Dir: t.TempDir(), Pattern: "["})
	assert.Error(t, err)
}

func TestTempFileSweeper_RemovesOnlyExpiredMatches(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "asr-123.wav", 2*time.Hour)
	fresh := writeAged(t, dir, "asr-456.mp3", time.Minute)
	other := writeAged(t, dir, "keep.wav", 3*time.Hour)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "asr-dir"), 0o700))

	s, err := NewTempFileSweeper(TempFileConfig{Dir: dir, MaxAge: time.Hour})
	require.NoError(t, err)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Removed)
	assert.False(t, res.HasErrors())

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
	assert.DirExists(t, filepath.Join(dir, "asr-dir"))
}

func TestTempFileSweeper_ClockSkewGrace(t *testing.T) {
	s, err := NewTempFileSweeper(TempFileConfig{Dir: t.TempDir(), MaxAge: time.Minute, ClockSkew: 10 * time.Second})
	require.NoError(t, err)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.False(t, s.IsExpired(now.Add(-65*time.Second)))
	assert.True(t, s.IsExpired(now.Add(-71*time.Second)))
}

func TestTempFileSweeper_MissingDir(t *testing.T) {
	s, err := NewTempFileSweeper(TempFileConfig{Dir: filepath.Join(t.TempDir(), "gone")})
	require.NoError(t, err)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Found)
}

func TestTempFileSweeper_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "asr-1.wav", 2*time.Hour)
	s, err := NewTempFileSweeper(TempFileConfig{Dir: dir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Scheduler
// =============================================================================

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) Sweep(context.Context) (SweepResult, error) {
	c.calls.Add(1)
	return SweepResult{}, nil
}

func TestScheduler_SweepsOnStartAndStops(t *testing.T) {
	sw := &countingSweeper{}
	s := NewScheduler(sw, SchedulerConfig{Interval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

func TestScheduler_RunNow(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "asr-1.wav", 2*time.Hour)
	sweeper, err := NewTempFileSweeper(TempFileConfig{Dir: dir})
	require.NoError(t, err)

	res, err := NewScheduler(sweeper, DefaultSchedulerConfig()).RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
}
