// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blob stores synthesized audio and hands out time-limited URLs.
//
// Buckets are named after conversation ids and objects live under the
// "tts/" prefix. Two backends exist: Google Cloud Storage for deployments and
// a BadgerDB-backed store for single-node installs, whose presigned URLs are
// served by the orchestrator itself.
package blob

import (
	"context"
	"mime"
	"path"
	"time"
)

// TTSPrefix is the object key prefix for synthesized audio.
const TTSPrefix = "tts/"

// DefaultPresignTTL is how long playback URLs stay valid.
const DefaultPresignTTL = 7 * 24 * time.Hour

// Store is the blob storage contract.
//
// Get returns (nil, nil) when the object does not exist, so callers can
// fall through to another lookup without inspecting error types.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// TTSKey returns the object key for an audio file name.
func TTSKey(filename string) string {
	return TTSPrefix + filename
}

// ContentTypeFor guesses the MIME type of an object from its extension.
func ContentTypeFor(key string) string {
	ext := path.Ext(key)
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case "":
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
