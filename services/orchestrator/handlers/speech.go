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
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tenants"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tts"
	"github.com/AleutianAI/AleutianChat/services/speech"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// allowedAudioSuffixes are the upload extensions accepted by sequence2txt.
var allowedAudioSuffixes = []string{
	".aac", ".flac", ".m4a", ".mp3", ".ogg", ".opus", ".wav", ".webm", ".wma",
}

// Transcriber is the speech recognition surface.
// *speech.ASRClient satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
	StreamTranscription(ctx context.Context, path string) iter.Seq2[speech.RecognitionEvent, error]
}

// SpeechConfig wires the speech handlers.
type SpeechConfig struct {
	Registry *tenants.Registry
	ASR      Transcriber
	Tracker  *tts.Tracker
	Resolver *tts.PlaybackResolver
	Live     tts.LiveSynthesizer

	// TempDir receives uploaded audio while it is transcribed. Empty means
	// os.TempDir().
	TempDir string

	Stream  StreamConfig
	Metrics *observability.SpeechMetrics
}

// SpeechHandler serves sequence2txt and the tts endpoints.
type SpeechHandler struct {
	cfg SpeechConfig
}

func NewSpeechHandler(cfg SpeechConfig) *SpeechHandler {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &SpeechHandler{cfg: cfg}
}

// HandleSequence2Txt transcribes an uploaded audio file.
//
// # Description
//
// The multipart field "file" holds the audio. Its extension must be one of
// allowedAudioSuffixes and the caller's tenant must have a default ASR
// model. The upload is written to a temporary file that is removed on every
// path once the request finishes.
//
// With stream=true the response is an SSE stream of raw recognition events,
// an {"event":"error"} frame on failure and the terminal data:true frame.
// Otherwise the envelope data is {"text": ...}.
//
// # Inputs
//
// multipart/form-data: file, stream ("true" enables streaming).
//
// # Outputs
//
// JSON envelope or SSE frames, see above.
//
// POST /v1/conversation/sequence2txt
func (h *SpeechHandler) HandleSequence2Txt(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "SpeechHandler.HandleSequence2Txt")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	stream := strings.EqualFold(c.PostForm("stream"), "true")
	mode := "batch"
	if stream {
		mode = "stream"
	}
	span.SetAttributes(attribute.String("asr.mode", mode))

	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, datatypes.ValidationError("Missing 'file' in multipart form-data"))
		return
	}
	suffix := strings.ToLower(filepath.Ext(fh.Filename))
	if !slices.Contains(allowedAudioSuffixes, suffix) {
		respondError(c, datatypes.ValidationError(fmt.Sprintf(
			"Unsupported audio format: %s. Allowed: %s", suffix, strings.Join(allowedAudioSuffixes, ", "))))
		return
	}

	tenant, err := h.cfg.Registry.DefaultTenant(middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if tenant.ASRID == "" {
		respondError(c, datatypes.NotConfiguredError("No default ASR model is set"))
		return
	}

	path, cleanup, err := h.saveUpload(fh, suffix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save upload failed")
		respondError(c, err)
		return
	}
	defer cleanup()

	if !stream {
		text, err := h.cfg.ASR.Transcribe(ctx, path)
		h.cfg.Metrics.RecordTranscription(mode, err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transcription failed")
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"text": text})
		return
	}

	h.streamTranscription(c, path)
}

// saveUpload copies the uploaded file into TempDir.
func (h *SpeechHandler) saveUpload(fh *multipart.FileHeader, suffix string) (string, func(), error) {
	src, err := fh.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(h.cfg.TempDir, "asr-*"+suffix)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(dst.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove temp audio", "path", dst.Name(), "error", err)
		}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return dst.Name(), cleanup, nil
}

func (h *SpeechHandler) streamTranscription(c *gin.Context, path string) {
	ctx := c.Request.Context()
	endpoint := observability.EndpointSequence2Txt
	metrics := h.cfg.Stream.Metrics

	SetSSEHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.StreamStarted(endpoint)
	defer metrics.StreamEnded(endpoint)
	stopKeepAlive := startKeepAlive(ctx, sse, h.cfg.Stream.KeepAlive, func() {
		metrics.RecordKeepAlive(endpoint)
	})

	start := time.Now()
	var streamErr, writeErr error
	for ev, err := range h.cfg.ASR.StreamTranscription(ctx, path) {
		if err != nil {
			streamErr = err
			break
		}
		if writeErr = sse.WriteRaw(ev); writeErr != nil {
			break
		}
	}
	stopKeepAlive()

	switch {
	case writeErr != nil || (streamErr != nil && ctx.Err() != nil):
		metrics.RecordClientDisconnect(endpoint)
		slog.Info("Client disconnected during transcription", "error", errors.Join(writeErr, streamErr))
	case streamErr != nil:
		metrics.RecordError(endpoint, observability.ErrorCodeASRError)
		slog.Error("Transcription stream failed", "error", streamErr)
		_ = sse.WriteRaw(speech.RecognitionEvent{Event: speech.EventError, Text: streamErr.Error()})
	}

	success := streamErr == nil && writeErr == nil
	h.cfg.Metrics.RecordTranscription("stream", success)
	metrics.RecordRequest(endpoint, success)
	metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
	if writeErr == nil {
		_ = sse.WriteDone()
	}
}

// HandleTTS returns playable audio for a conversation.
//
// # Description
//
// Stored audio is served from the first tier that has it: the conversation's
// completed task, then (when the tenant has no synthesis model) a message's
// completed task. When the tenant has a synthesis model and the
// conversation has no stored audio, text is synthesized sentence by
// sentence and streamed as audio/mpeg. A synthesis failure mid-stream is
// written into the body as an error frame.
//
// POST /v1/conversation/tts
func (h *SpeechHandler) HandleTTS(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "SpeechHandler.HandleTTS")
	defer span.End()

	var req datatypes.TTSRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	userID := middleware.UserID(c)
	audio, err := h.cfg.Resolver.Resolve(ctx, req.ConversationID, func() (datatypes.Tenant, error) {
		return h.cfg.Registry.DefaultTenant(userID)
	})
	switch {
	case err == nil:
		setStreamingHeaders(c.Writer)
		c.Data(http.StatusOK, audio.ContentType, audio.Data)
		return
	case !errors.Is(err, tts.ErrSynthesisRequired):
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "audio/mpeg")
	setStreamingHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
	for chunk, err := range tts.Stream(ctx, h.cfg.Live, req.Text) {
		if err != nil {
			if ctx.Err() == nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "live synthesis failed")
				slog.Error("Live synthesis failed", "conversation_id", req.ConversationID, "error", err)
				_ = sse.WriteError(err)
			}
			return
		}
		if _, err := c.Writer.Write(chunk); err != nil {
			slog.Info("Client disconnected during audio stream", "error", err)
			return
		}
		c.Writer.Flush()
	}
}

// HandleTTSGenerate submits an asynchronous synthesis task.
//
// POST /v1/conversation/tts/generate
func (h *SpeechHandler) HandleTTSGenerate(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "SpeechHandler.HandleTTSGenerate")
	defer span.End()

	var req datatypes.TTSGenerateRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	taskID, err := h.cfg.Tracker.Submit(ctx, req.ConversationID, req.Content, req.MessageID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"task_id": taskID})
}

// HandleTTSCallback receives task status updates from the synthesis
// service. The route has no user authentication.
//
// POST /v1/conversation/tts/callback
func (h *SpeechHandler) HandleTTSCallback(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "SpeechHandler.HandleTTSCallback")
	defer span.End()

	var req datatypes.TTSCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, datatypes.ValidationError("invalid request body: "+err.Error()))
		return
	}
	res, err := h.cfg.Tracker.OnCallback(ctx, req.TaskID, datatypes.ParseTTSStatus(req.Status), req.Result.OutputURL)
	if err != nil {
		if datatypes.KindOf(err) == datatypes.KindInternal {
			err = &datatypes.AppError{Kind: datatypes.KindInternal, Message: "Failed to update conversation", Err: err}
		}
		respondError(c, err)
		return
	}
	if res.ArtifactError != nil && res.ArtifactStage == observability.StageDownload {
		respondOK(c, gin.H{"success": true, "message": "Status updated but audio download failed"})
		return
	}
	respondOK(c, gin.H{"success": true})
}

// HandleTTSDownload returns a conversation's stored audio as an attachment.
//
// GET /v1/conversation/tts/down?conversation_id=
func (h *SpeechHandler) HandleTTSDownload(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "SpeechHandler.HandleTTSDownload")
	defer span.End()

	convID := c.Query("conversation_id")
	if convID == "" {
		respondError(c, datatypes.ValidationError("Missing conversation_id"))
		return
	}
	audio, err := h.cfg.Resolver.Download(ctx, convID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", audio.Filename))
	c.Data(http.StatusOK, audio.ContentType, audio.Data)
}
