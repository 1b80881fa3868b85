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
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
)

// StreamConfig holds the settings shared by streaming handlers.
type StreamConfig struct {
	// KeepAlive is the interval between SSE comment frames while the
	// producer is silent. Zero disables keep-alives.
	KeepAlive time.Duration

	Metrics *observability.StreamingMetrics
}

// DefaultKeepAlive is the keep-alive interval used by the service.
const DefaultKeepAlive = 15 * time.Second

// streamAnswers writes an answer sequence as SSE frames.
//
// # Description
//
// Each item is passed through shape and written as a success envelope
// before the producer continues. When the sequence fails, or finish fails
// after it completed, one error frame is written. The terminal data:true
// frame is always written last. A cancelled request context counts as a
// client disconnect and gets no error frame.
//
// # Inputs
//
//   - c: Gin context. Headers must not have been written yet.
//   - cfg: Keep-alive and metrics settings.
//   - endpoint: Metrics label.
//   - seq: The answer sequence.
//   - shape: Converts an answer to the frame data. May mutate state such as
//     the conversation being built.
//   - finish: Runs once after the sequence completed without error, e.g.
//     to persist the conversation. May be nil.
func streamAnswers(
	c *gin.Context,
	cfg StreamConfig,
	endpoint observability.Endpoint,
	seq iter.Seq2[datatypes.Answer, error],
	shape func(*datatypes.Answer) any,
	finish func() error,
) {
	ctx := c.Request.Context()
	SetSSEHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		cfg.Metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		respondError(c, err)
		return
	}

	cfg.Metrics.StreamStarted(endpoint)
	defer cfg.Metrics.StreamEnded(endpoint)
	stopKeepAlive := startKeepAlive(ctx, sse, cfg.KeepAlive, func() {
		cfg.Metrics.RecordKeepAlive(endpoint)
	})

	start := time.Now()
	first := true
	var streamErr error
	var writeErr error
	finishFailed := false
	for ans, err := range seq {
		if err != nil {
			streamErr = err
			break
		}
		if first {
			cfg.Metrics.RecordTimeToFirstAnswer(endpoint, time.Since(start).Seconds())
			first = false
		}
		if writeErr = sse.WriteData(shape(&ans)); writeErr != nil {
			break
		}
	}

	if streamErr == nil && writeErr == nil && finish != nil {
		if err := finish(); err != nil {
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeStoreError)
			streamErr = err
			finishFailed = true
		}
	}

	stopKeepAlive()

	switch {
	case writeErr != nil || (streamErr != nil && ctx.Err() != nil):
		cfg.Metrics.RecordClientDisconnect(endpoint)
		slog.Info("Client disconnected during stream", "endpoint", endpoint, "error", errors.Join(writeErr, streamErr))
	case streamErr != nil:
		if !finishFailed {
			cfg.Metrics.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		slog.Error("Answer stream failed", "endpoint", endpoint, "error", streamErr)
		_ = sse.WriteError(streamErr)
	}

	success := streamErr == nil && writeErr == nil
	cfg.Metrics.RecordRequest(endpoint, success)
	cfg.Metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)

	if writeErr == nil {
		_ = sse.WriteDone()
	}
}
