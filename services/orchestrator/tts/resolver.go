// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/blob"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Playback tiers, used as the metrics label.
const (
	TierConversation = "conversation"
	TierMessage      = "message"
	TierLive         = "live"
	TierNone         = "none"
)

// ErrSynthesisRequired is returned by Resolve when no stored audio was found
// and the tenant has a synthesis model, so the caller should synthesize the
// text live.
var ErrSynthesisRequired = errors.New("no stored audio, live synthesis required")

// TenantFunc looks up the caller's tenant. Resolve calls it only after the
// conversation-level tier missed.
type TenantFunc func() (datatypes.Tenant, error)

// Audio is a stored audio object ready to be served.
type Audio struct {
	Data        []byte
	Filename    string
	ContentType string
	Tier        string
}

// PlaybackResolver finds previously synthesized audio for a conversation.
type PlaybackResolver struct {
	store   store.ConversationStore
	blobs   blob.Store
	metrics *observability.SpeechMetrics
}

// NewPlaybackResolver creates a resolver. metrics may be nil.
func NewPlaybackResolver(st store.ConversationStore, blobs blob.Store, metrics *observability.SpeechMetrics) *PlaybackResolver {
	return &PlaybackResolver{store: st, blobs: blobs, metrics: metrics}
}

// Resolve looks up playable audio for a conversation.
//
// # Description
//
// Lookup order:
//
//  1. The conversation's own completed tts_file_url, read back from the
//     bucket named after the conversation.
//  2. When the tenant has no synthesis model, the first message carrying a
//     completed tts_file_url.
//  3. Nothing stored: NotConfiguredError when the tenant has no synthesis
//     model, ErrSynthesisRequired otherwise.
//
// Storage read failures and missing objects fall through to the next tier.
// An empty or unknown conversationID skips the stored tiers. Errors from
// tenant are returned as is.
func (r *PlaybackResolver) Resolve(ctx context.Context, conversationID string, tenant TenantFunc) (*Audio, error) {
	ctx, span := tracer.Start(ctx, "PlaybackResolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	var conv *datatypes.Conversation
	if conversationID != "" {
		c, err := r.store.Get(ctx, conversationID)
		if err != nil && !errors.Is(err, datatypes.ErrNotFound) {
			slog.Warn("Conversation lookup for playback failed", "conversation_id", conversationID, "error", err)
		}
		conv = c
	}

	if conv != nil && conv.TTSFileURL != "" && conv.TTSStatus == datatypes.TTSStatusCompleted {
		if audio := r.fetch(ctx, conv.ID, conv.TTSFileURL); audio != nil {
			return r.served(span, audio, TierConversation), nil
		}
	}

	t, err := tenant()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant lookup failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("tenant.has_tts", t.TTSID != ""))

	if t.TTSID != "" {
		r.metrics.RecordPlayback(TierLive)
		span.SetAttributes(attribute.String("tts.tier", TierLive))
		return nil, ErrSynthesisRequired
	}

	if conv != nil {
		for _, msg := range conv.Message {
			if msg.TTSFileURL == "" || msg.TTSStatus != datatypes.TTSStatusCompleted {
				continue
			}
			if audio := r.fetch(ctx, conv.ID, msg.TTSFileURL); audio != nil {
				return r.served(span, audio, TierMessage), nil
			}
		}
	}

	r.metrics.RecordPlayback(TierNone)
	err = datatypes.NotConfiguredError("No default TTS model is set")
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (r *PlaybackResolver) served(span trace.Span, audio *Audio, tier string) *Audio {
	audio.Tier = tier
	r.metrics.RecordPlayback(tier)
	span.SetAttributes(attribute.String("tts.tier", tier), attribute.Int("audio.size", len(audio.Data)))
	return audio
}

// fetch reads the object a stored file URL points at, or returns nil.
func (r *PlaybackResolver) fetch(ctx context.Context, bucket, fileURL string) *Audio {
	name, err := FileNameFromURL(fileURL)
	if err != nil {
		slog.Warn("Unusable TTS file URL", "conversation_id", bucket, "url", fileURL, "error", err)
		return nil
	}
	key := blob.TTSKey(name)
	data, err := r.blobs.Get(ctx, bucket, key)
	if err != nil {
		slog.Warn("Reading stored TTS audio failed", "conversation_id", bucket, "key", key, "error", err)
		return nil
	}
	if data == nil {
		slog.Warn("Stored TTS audio missing", "conversation_id", bucket, "key", key)
		return nil
	}
	return &Audio{Data: data, Filename: name, ContentType: blob.ContentTypeFor(name)}
}

// Download returns the conversation's stored audio as an attachment.
//
// The conversation must have a tts_file_url and a completed status.
func (r *PlaybackResolver) Download(ctx context.Context, conversationID string) (*Audio, error) {
	ctx, span := tracer.Start(ctx, "PlaybackResolver.Download")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	conv, err := r.store.Get(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversation lookup failed")
		return nil, err
	}
	if conv.TTSFileURL == "" {
		return nil, datatypes.NotFoundError("No TTS audio file available")
	}
	if conv.TTSStatus != datatypes.TTSStatusCompleted {
		return nil, datatypes.NotFoundError("TTS task is not completed")
	}

	name, err := FileNameFromURL(conv.TTSFileURL)
	if err != nil {
		return nil, datatypes.NotFoundError("No TTS audio file available")
	}
	data, err := r.blobs.Get(ctx, conv.ID, blob.TTSKey(name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob read failed")
		slog.Error("Reading TTS audio for download failed", "conversation_id", conv.ID, "file", name, "error", err)
	}
	if len(data) == 0 {
		return nil, datatypes.NotFoundError("Failed to download audio file from storage")
	}
	return &Audio{Data: data, Filename: name, ContentType: blob.ContentTypeFor(name), Tier: TierConversation}, nil
}

// FileNameFromURL returns the last path segment of a stored file URL.
// Query strings, such as presign signatures, are ignored.
func FileNameFromURL(fileURL string) (string, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("parse file url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("file url %q has no file name", fileURL)
	}
	return name, nil
}
