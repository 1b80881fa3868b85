// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/bytedance/sonic"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events frames to an HTTP response.
//
// # Description
//
// Every frame is a single data line followed by a blank line:
//
//	data:<json>\n\n
//
// Most frames carry the response envelope {"code","message","data"}. A
// stream always ends with WriteDone, the envelope whose data is true.
// Keep-alive frames are SSE comments and are ignored by clients.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The keep-alive ticker
// writes from its own goroutine while the handler writes answers.
//
// # Assumptions
//
//   - Caller has set SSE (or audio streaming) headers before the first write.
//   - The ResponseWriter implements http.Flusher.
type SSEWriter interface {
	// WriteData writes a success envelope carrying data.
	WriteData(data any) error

	// WriteError writes the failure frame of an answer stream:
	// {"code":500,"message":err,"data":{"answer":"**ERROR**: err","reference":[]}}
	WriteError(err error) error

	// WriteRaw writes v as the frame payload without an envelope.
	WriteRaw(v any) error

	// WriteDone writes the terminal {"code":0,"message":"","data":true} frame.
	WriteDone() error

	// WriteKeepAlive writes an SSE comment to keep proxies from timing out.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for w.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if w does not support flushing.
//
// # Examples
//
//	SetSSEHeaders(c.Writer)
//	sse, err := NewSSEWriter(c.Writer)
//	if err != nil {
//	    respondError(c, err)
//	    return
//	}
//	defer sse.WriteDone()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteData(data any) error {
	return w.WriteRaw(datatypes.Success(data))
}

func (w *sseWriter) WriteError(err error) error {
	return w.WriteRaw(datatypes.Envelope{
		Code:    datatypes.RetServerError,
		Message: err.Error(),
		Data:    datatypes.NewErrorAnswer(err.Error()),
	})
}

func (w *sseWriter) WriteRaw(v any) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data:%s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteDone() error {
	return w.WriteData(true)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Sets Content-Type: text/event-stream, Cache-Control: no-cache,
// Connection: keep-alive and X-Accel-Buffering: no (disables nginx
// buffering). Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	setStreamingHeaders(w)
}

// setStreamingHeaders sets the no-buffering headers shared by event and
// audio streams.
func setStreamingHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
