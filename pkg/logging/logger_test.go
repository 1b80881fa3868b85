// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" Warn ":  LevelWarn,
		"error":   LevelError,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevel_String(t *testing.T) {
	if LevelWarn.String() != "WARN" {
		t.Errorf("unexpected string %q", LevelWarn.String())
	}
	if Level(42).String() != "UNKNOWN" {
		t.Errorf("unexpected string %q", Level(42).String())
	}
}

func TestNew_JSONConsoleWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "conversation", JSON: true, Output: &buf})
	defer logger.Close()

	logger.Slog().Info("hello", "conversation_id", "c1")
	logger.Slog().Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if rec["service"] != "conversation" {
		t.Errorf("expected service attribute, got %v", rec["service"])
	}
	if rec["conversation_id"] != "c1" {
		t.Errorf("expected conversation_id attribute, got %v", rec["conversation_id"])
	}
}

func TestNew_WritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger := New(Config{Level: LevelDebug, LogDir: dir, Service: "svc", Output: &console})

	logger.Slog().Warn("to both sinks")
	path := logger.FilePath()
	if path == "" {
		t.Fatal("expected a log file to be opened")
	}
	if !strings.HasPrefix(path, dir) || !strings.Contains(path, "svc_") {
		t.Errorf("unexpected log path %q", path)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to both sinks") {
		t.Errorf("file sink missing record: %q", string(data))
	}
	if !strings.Contains(console.String(), "to both sinks") {
		t.Errorf("console sink missing record: %q", console.String())
	}
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	logger := New(Config{Quiet: true})
	logger.Slog().Error("dropped")
	if logger.FilePath() != "" {
		t.Error("no file expected")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on fileless logger returned %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); !strings.HasPrefix(got, home) {
		t.Errorf("expandPath did not expand home: %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}
