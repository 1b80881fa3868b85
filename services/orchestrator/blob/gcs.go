// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// maxV4SignedTTL is the longest expiry GCS accepts for V4 signatures. A
// small margin keeps requests for exactly seven days valid.
const maxV4SignedTTL = 7*24*time.Hour - time.Minute

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	// ProjectID owns buckets created on first write.
	ProjectID string

	// CredentialsFile is a service account key. Empty uses Application
	// Default Credentials.
	CredentialsFile string

	// BucketPrefix is prepended to every logical bucket name, since GCS
	// bucket names are global.
	BucketPrefix string

	// Location for newly created buckets. Default: "US".
	Location string
}

// GCSStore implements Store on Google Cloud Storage.
type GCSStore struct {
	client  *storage.Client
	cfg     GCSConfig
	created sync.Map
}

// NewGCSStore creates a GCS client.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Location == "" {
		cfg.Location = "US"
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, cfg: cfg}, nil
}

func (s *GCSStore) bucketName(bucket string) string {
	return s.cfg.BucketPrefix + bucket
}

// ensureBucket creates the bucket when it does not exist yet.
func (s *GCSStore) ensureBucket(ctx context.Context, name string) error {
	if _, ok := s.created.Load(name); ok {
		return nil
	}
	bkt := s.client.Bucket(name)
	_, err := bkt.Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		err = bkt.Create(ctx, s.cfg.ProjectID, &storage.BucketAttrs{Location: s.cfg.Location})
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
		slog.Info("Created GCS bucket", "bucket", name)
	} else if err != nil {
		return fmt.Errorf("inspect bucket %s: %w", name, err)
	}
	s.created.Store(name, struct{}{})
	return nil
}

// Put uploads data, creating the bucket if needed.
func (s *GCSStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	name := s.bucketName(bucket)
	if err := s.ensureBucket(ctx, name); err != nil {
		return err
	}

	writer := s.client.Bucket(name).Object(key).NewWriter(ctx)
	writer.ContentType = ContentTypeFor(key)
	writer.CacheControl = "private, max-age=3600"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write GCS object gs://%s/%s: %w", name, key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for gs://%s/%s: %w", name, key, err)
	}
	slog.Debug("Uploaded object to GCS", "bucket", name, "key", key, "bytes", len(data))
	return nil
}

// Get downloads an object. Missing buckets and objects yield (nil, nil).
func (s *GCSStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	name := s.bucketName(bucket)
	reader, err := s.client.Bucket(name).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open GCS object gs://%s/%s: %w", name, key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read GCS object gs://%s/%s: %w", name, key, err)
	}
	return data, nil
}

// Presign returns a V4 signed GET URL. ttl is capped at the V4 maximum.
func (s *GCSStore) Presign(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > maxV4SignedTTL {
		ttl = maxV4SignedTTL
	}
	name := s.bucketName(bucket)
	u, err := s.client.Bucket(name).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign URL for gs://%s/%s: %w", name, key, err)
	}
	return u, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ Store = (*GCSStore)(nil)
