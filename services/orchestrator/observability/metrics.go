// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for the conversation service:
//   - Streaming counters and histograms for completion, ask and
//     speech-to-text streams
//   - Speech metrics covering the text-to-speech task lifecycle
//     (submissions, callbacks, artifact failures, playback tiers) and
//     speech recognition
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every helper is safe to call on a nil receiver, so components work
// without metrics initialized.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

const (
	streamingSubsystem = "streaming"
	speechSubsystem    = "speech"
)

// StreamingMetrics holds all Prometheus metrics for SSE endpoints.
//
// # Fields
//
//   - RequestsTotal: Counter of streaming requests by endpoint and status
//   - TimeToFirstAnswerSeconds: Histogram of latency to the first frame
//   - StreamDurationSeconds: Histogram of total stream duration
//   - ActiveStreams: Gauge of currently active streams
//   - ErrorsTotal: Counter of errors by type and endpoint
//   - KeepAlivesTotal: Counter of keepalive comments sent
//   - ClientDisconnectsTotal: Counter of clients that went away mid-stream
type StreamingMetrics struct {
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// Labels: endpoint
	TimeToFirstAnswerSeconds *prometheus.HistogramVec

	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// SpeechMetrics holds the Prometheus metrics for speech synthesis and
// recognition.
type SpeechMetrics struct {
	// TTSSubmissionsTotal counts task submissions. Labels: status (success, error)
	TTSSubmissionsTotal *prometheus.CounterVec

	// TTSCallbacksTotal counts callbacks. Labels: status (as reported), outcome
	// (applied, not_found, invalid, store_error)
	TTSCallbacksTotal *prometheus.CounterVec

	// TTSArtifactFailuresTotal counts absorbed failures while storing audio.
	// Labels: stage (download, upload, presign)
	TTSArtifactFailuresTotal *prometheus.CounterVec

	// TTSPlaybackTotal counts playback lookups. Labels: tier (conversation,
	// message, live, none)
	TTSPlaybackTotal *prometheus.CounterVec

	// ASRTranscriptionsTotal counts recognition requests. Labels: mode (batch,
	// stream), status (success, error)
	ASRTranscriptionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// DefaultSpeechMetrics is the singleton instance of SpeechMetrics.
// Initialized by InitMetrics().
var DefaultSpeechMetrics *SpeechMetrics

// InitMetrics initializes the default metrics instances on the default
// Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() (*StreamingMetrics, *SpeechMetrics) {
	DefaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	DefaultSpeechMetrics = NewSpeechMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics, DefaultSpeechMetrics
}

// NewStreamingMetrics creates streaming metrics registered on reg.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TimeToFirstAnswerSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_answer_seconds",
				Help:      "Time from request to first streamed frame in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}
}

// NewSpeechMetrics creates speech metrics registered on reg.
func NewSpeechMetrics(reg prometheus.Registerer) *SpeechMetrics {
	factory := promauto.With(reg)
	return &SpeechMetrics{
		TTSSubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: speechSubsystem,
				Name:      "tts_submissions_total",
				Help:      "Text-to-speech task submissions by status",
			},
			[]string{"status"},
		),
		TTSCallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: speechSubsystem,
				Name:      "tts_callbacks_total",
				Help:      "Text-to-speech callbacks by reported status and outcome",
			},
			[]string{"status", "outcome"},
		),
		TTSArtifactFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: speechSubsystem,
				Name:      "tts_artifact_failures_total",
				Help:      "Absorbed failures while persisting synthesized audio",
			},
			[]string{"stage"},
		),
		TTSPlaybackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: speechSubsystem,
				Name:      "tts_playback_total",
				Help:      "Audio playback lookups by the tier that served them",
			},
			[]string{"tier"},
		),
		ASRTranscriptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: speechSubsystem,
				Name:      "asr_transcriptions_total",
				Help:      "Speech recognition requests by mode and status",
			},
			[]string{"mode", "status"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates chat model failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeASRError indicates speech recognition failure.
	ErrorCodeASRError ErrorCode = "asr_error"

	// ErrorCodeStoreError indicates a conversation write failure.
	ErrorCodeStoreError ErrorCode = "store_error"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	EndpointCompletion   Endpoint = "completion"
	EndpointAsk          Endpoint = "ask"
	EndpointSequence2Txt Endpoint = "sequence2txt"
)

// =============================================================================
// Streaming Helpers
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstAnswer records the latency to the first frame.
func (m *StreamingMetrics) RecordTimeToFirstAnswer(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstAnswerSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// =============================================================================
// Speech Helpers
// =============================================================================

// Artifact stages for RecordArtifactFailure.
const (
	StageDownload = "download"
	StageUpload   = "upload"
	StagePresign  = "presign"
)

// Callback outcomes for RecordCallback.
const (
	OutcomeApplied    = "applied"
	OutcomeNotFound   = "not_found"
	OutcomeInvalid    = "invalid"
	OutcomeStoreError = "store_error"
)

func (m *SpeechMetrics) RecordSubmission(success bool) {
	if m == nil {
		return
	}
	m.TTSSubmissionsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func (m *SpeechMetrics) RecordCallback(status, outcome string) {
	if m == nil {
		return
	}
	m.TTSCallbacksTotal.WithLabelValues(status, outcome).Inc()
}

func (m *SpeechMetrics) RecordArtifactFailure(stage string) {
	if m == nil {
		return
	}
	m.TTSArtifactFailuresTotal.WithLabelValues(stage).Inc()
}

func (m *SpeechMetrics) RecordPlayback(tier string) {
	if m == nil {
		return
	}
	m.TTSPlaybackTotal.WithLabelValues(tier).Inc()
}

func (m *SpeechMetrics) RecordTranscription(mode string, success bool) {
	if m == nil {
		return
	}
	m.ASRTranscriptionsTotal.WithLabelValues(mode, statusLabel(success)).Inc()
}
