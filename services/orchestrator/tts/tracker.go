// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tts coordinates remote speech synthesis tasks with conversations.
//
// A task is submitted to the synthesis service and its id is recorded on the
// conversation (and optionally on one message). When the service calls back,
// the Tracker resolves the owning conversation, applies the reported status,
// and on completion copies the audio into blob storage behind a presigned
// URL. The PlaybackResolver serves that audio back to clients.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/blob"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.orchestrator.tts")

// Synthesizer is the part of the synthesis service the tracker needs.
// *speech.TTSClient satisfies it.
type Synthesizer interface {
	SubmitTask(ctx context.Context, text string) (string, error)
	DownloadAudio(ctx context.Context, taskID string) ([]byte, error)
	ResultURL(ctx context.Context, taskID string) (string, error)
}

// CallbackResult describes what a callback changed.
type CallbackResult struct {
	ConversationID string
	Status         datatypes.TTSStatus
	// FileURL is the presigned URL of the stored audio. Empty when the task
	// did not complete or the audio could not be stored.
	FileURL string
	// ArtifactError is set when the status was saved but the audio could not
	// be downloaded, uploaded or presigned. ArtifactStage names the step.
	ArtifactError error
	ArtifactStage string
	// MessagesUpdated counts messages whose own task id matched.
	MessagesUpdated int
}

// Tracker owns the submit → callback lifecycle of synthesis tasks.
type Tracker struct {
	store      store.ConversationStore
	synth      Synthesizer
	blobs      blob.Store
	presignTTL time.Duration
	metrics    *observability.SpeechMetrics
	fileName   func(taskID string) string
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPresignTTL sets how long presigned audio URLs stay valid.
func WithPresignTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.presignTTL = ttl
		}
	}
}

// WithMetrics records submissions, callbacks and artifact failures.
func WithMetrics(m *observability.SpeechMetrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithFileNamer overrides how stored audio objects are named.
func WithFileNamer(fn func(taskID string) string) TrackerOption {
	return func(t *Tracker) {
		if fn != nil {
			t.fileName = fn
		}
	}
}

// NewTracker creates a Tracker.
func NewTracker(st store.ConversationStore, synth Synthesizer, blobs blob.Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:      st,
		synth:      synth,
		blobs:      blobs,
		presignTTL: blob.DefaultPresignTTL,
		fileName:   AudioFileName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AudioFileName returns "<taskID>_<uuid hex>.mp3".
func AudioFileName(taskID string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%x.mp3", taskID, id[:])
}

// Submit queues text for synthesis and marks the conversation pending.
//
// # Description
//
// The conversation must exist before anything is sent to the synthesis
// service. When messageID names a message of the conversation, that message
// is also tagged with the task id so the callback can update it. Audio of an
// earlier task is unlinked so it is never served for the new text.
//
// # Inputs
//
//   - ctx: Request context.
//   - conversationID: Owning conversation.
//   - text: Text to synthesize.
//   - messageID: Optional message to tag. Unknown ids are ignored.
//
// # Outputs
//
//   - string: The remote task id.
//   - error: NotFoundError, ExternalServiceError, or a store failure.
func (t *Tracker) Submit(ctx context.Context, conversationID, text, messageID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Tracker.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	conv, err := t.store.Get(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversation lookup failed")
		return "", err
	}

	taskID, err := t.synth.SubmitTask(ctx, text)
	t.metrics.RecordSubmission(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return "", err
	}
	span.SetAttributes(attribute.String("tts.task_id", taskID))

	conv.TTSTaskID = taskID
	conv.TTSStatus = datatypes.TTSStatusPending
	conv.TTSFileURL = ""
	if messageID != "" {
		for i := range conv.Message {
			if conv.Message[i].ID == messageID {
				conv.Message[i].TTSTaskID = taskID
				conv.Message[i].TTSStatus = datatypes.TTSStatusPending
				conv.Message[i].TTSFileURL = ""
			}
		}
	}

	if err := t.store.Save(ctx, conv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return "", fmt.Errorf("record tts task: %w", err)
	}
	slog.Info("TTS task submitted", "conversation_id", conversationID, "task_id", taskID, "message_id", messageID)
	return taskID, nil
}

// OnCallback applies a status report from the synthesis service.
//
// # Description
//
// The conversation's status is always overwritten with the reported value,
// even when only one of its messages carries the task id. Messages whose own
// task id matches get the status, and on completion the service's result URL
// when one was supplied.
//
// On completion the audio is downloaded, stored under
// bucket=<conversation id>, key=tts/<taskID>_<hex>.mp3, and presigned. The
// presigned URL goes to the conversation and to any matching message still
// without a URL. Failures in that pipeline are absorbed: the status is
// saved and the failure is reported in CallbackResult.ArtifactError.
//
// # Outputs
//
//   - *CallbackResult: What was applied.
//   - error: ValidationError for an empty task id, NotFoundError when no
//     conversation owns the task, or the store failure when the final write
//     fails.
//
// # Limitations
//
// Read-modify-write without a lock: a concurrent edit of the same
// conversation between the read and the save is overwritten.
func (t *Tracker) OnCallback(ctx context.Context, taskID string, status datatypes.TTSStatus, resultURL string) (*CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "Tracker.OnCallback")
	defer span.End()
	span.SetAttributes(
		attribute.String("tts.task_id", taskID),
		attribute.String("tts.status", string(status)),
	)

	if taskID == "" {
		t.metrics.RecordCallback(string(status), observability.OutcomeInvalid)
		return nil, datatypes.ValidationError("Missing task_id")
	}

	conv, err := t.store.FindByTTSTask(ctx, taskID)
	if err != nil {
		t.metrics.RecordCallback(string(status), observability.OutcomeNotFound)
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversation lookup failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	res := &CallbackResult{ConversationID: conv.ID, Status: status}

	conv.TTSStatus = status
	var matched []int
	for i := range conv.Message {
		if conv.Message[i].TTSTaskID == taskID {
			matched = append(matched, i)
		}
	}
	res.MessagesUpdated = len(matched)

	if status == datatypes.TTSStatusCompleted && resultURL == "" && len(matched) > 0 {
		resultURL = t.lookupResultURL(ctx, taskID)
	}
	for _, i := range matched {
		conv.Message[i].TTSStatus = status
		if status == datatypes.TTSStatusCompleted && resultURL != "" {
			conv.Message[i].TTSFileURL = resultURL
		}
	}

	if status == datatypes.TTSStatusCompleted {
		fileURL, stage, err := t.storeAudio(ctx, conv.ID, taskID)
		if err != nil {
			res.ArtifactError = err
			res.ArtifactStage = stage
			span.AddEvent("audio not stored")
			slog.Warn("TTS audio not stored, saving status only",
				"conversation_id", conv.ID, "task_id", taskID, "error", err)
		} else {
			res.FileURL = fileURL
			conv.TTSFileURL = fileURL
			for _, i := range matched {
				if conv.Message[i].TTSFileURL == "" {
					conv.Message[i].TTSFileURL = fileURL
				}
			}
		}
	}

	if err := t.store.Save(ctx, conv); err != nil {
		t.metrics.RecordCallback(string(status), observability.OutcomeStoreError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, fmt.Errorf("update conversation for task %s: %w", taskID, err)
	}

	t.metrics.RecordCallback(string(status), observability.OutcomeApplied)
	slog.Info("TTS callback applied",
		"conversation_id", conv.ID,
		"task_id", taskID,
		"status", status,
		"messages_updated", res.MessagesUpdated,
		"stored", res.FileURL != "")
	return res, nil
}

// lookupResultURL asks the synthesis service for the direct audio URL of a
// task whose callback did not carry one. Failures yield "" and the messages
// are back-filled with the stored copy instead.
func (t *Tracker) lookupResultURL(ctx context.Context, taskID string) string {
	u, err := t.synth.ResultURL(ctx, taskID)
	if err != nil {
		slog.Warn("TTS result URL lookup failed", "task_id", taskID, "error", err)
		return ""
	}
	return u
}

// storeAudio copies the finished audio into blob storage and returns a
// presigned URL for it. On failure the failing stage is returned.
func (t *Tracker) storeAudio(ctx context.Context, conversationID, taskID string) (string, string, error) {
	ctx, span := tracer.Start(ctx, "Tracker.storeAudio")
	defer span.End()

	data, err := t.synth.DownloadAudio(ctx, taskID)
	if err != nil {
		t.metrics.RecordArtifactFailure(observability.StageDownload)
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return "", observability.StageDownload, fmt.Errorf("download audio: %w", err)
	}

	key := blob.TTSKey(t.fileName(taskID))
	span.SetAttributes(attribute.String("blob.key", key), attribute.Int("blob.size", len(data)))

	if err := t.blobs.Put(ctx, conversationID, key, data); err != nil {
		t.metrics.RecordArtifactFailure(observability.StageUpload)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return "", observability.StageUpload, fmt.Errorf("upload audio: %w", err)
	}

	url, err := t.blobs.Presign(ctx, conversationID, key, t.presignTTL)
	if err != nil {
		t.metrics.RecordArtifactFailure(observability.StagePresign)
		span.RecordError(err)
		span.SetStatus(codes.Error, "presign failed")
		return "", observability.StagePresign, fmt.Errorf("presign audio: %w", err)
	}
	return url, "", nil
}
