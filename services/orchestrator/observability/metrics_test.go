// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates metric instances on a private registry so tests
// do not collide with the global Prometheus registry.
func newTestMetrics(t *testing.T) (*StreamingMetrics, *SpeechMetrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewStreamingMetrics(reg), NewSpeechMetrics(reg)
}

// ============================================================================
// Streaming Tests
// ============================================================================

func TestRecordRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest(EndpointCompletion, true)
	m.RecordRequest(EndpointCompletion, true)
	m.RecordRequest(EndpointCompletion, false)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completion", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completion", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestActiveStreams(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted(EndpointSequence2Txt)
	m.StreamStarted(EndpointSequence2Txt)
	m.StreamEnded(EndpointSequence2Txt)

	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("sequence2txt")); got != 1 {
		t.Errorf("active streams = %v, want 1", got)
	}
}

func TestRecordErrorAndDisconnect(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordError(EndpointAsk, ErrorCodeLLMError)
	m.RecordClientDisconnect(EndpointAsk)
	m.RecordKeepAlive(EndpointAsk)

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("ask", "llm_error")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("ask")); got != 1 {
		t.Errorf("disconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("ask")); got != 1 {
		t.Errorf("keepalives = %v, want 1", got)
	}
}

func TestHistogramsObserve(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTimeToFirstAnswer(EndpointCompletion, 0.3)
	m.RecordStreamDuration(EndpointCompletion, 4.2, true)

	if n := testutil.CollectAndCount(m.TimeToFirstAnswerSeconds); n != 1 {
		t.Errorf("first-answer series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(m.StreamDurationSeconds); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

// ============================================================================
// Speech Tests
// ============================================================================

func TestSpeechMetrics(t *testing.T) {
	_, s := newTestMetrics(t)

	s.RecordSubmission(true)
	s.RecordCallback("completed", OutcomeApplied)
	s.RecordArtifactFailure(StageDownload)
	s.RecordPlayback("message")
	s.RecordTranscription("stream", false)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"submission", s.TTSSubmissionsTotal.WithLabelValues("success"), 1},
		{"callback", s.TTSCallbacksTotal.WithLabelValues("completed", "applied"), 1},
		{"artifact", s.TTSArtifactFailuresTotal.WithLabelValues("download"), 1},
		{"playback", s.TTSPlaybackTotal.WithLabelValues("message"), 1},
		{"asr", s.ASRTranscriptionsTotal.WithLabelValues("stream", "error"), 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

// ============================================================================
// Nil Safety
// ============================================================================

func TestNilReceiversAreNoops(t *testing.T) {
	var m *StreamingMetrics
	var s *SpeechMetrics

	m.RecordRequest(EndpointCompletion, true)
	m.RecordError(EndpointCompletion, ErrorCodeInternal)
	m.StreamStarted(EndpointCompletion)
	m.StreamEnded(EndpointCompletion)
	m.RecordTimeToFirstAnswer(EndpointCompletion, 1)
	m.RecordStreamDuration(EndpointCompletion, 1, false)
	m.RecordKeepAlive(EndpointCompletion)
	m.RecordClientDisconnect(EndpointCompletion)

	s.RecordSubmission(false)
	s.RecordCallback("failed", OutcomeNotFound)
	s.RecordArtifactFailure(StageUpload)
	s.RecordPlayback("none")
	s.RecordTranscription("batch", true)
}
