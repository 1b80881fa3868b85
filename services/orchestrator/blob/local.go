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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/dgraph-io/badger/v4"
)

const localBlobPrefix = "blob/"

// LocalRoutePrefix is the path under which presigned local objects are
// served. The router registers GET {LocalRoutePrefix}/:bucket/*key.
const LocalRoutePrefix = "/v1/blob"

// ErrSignatureInvalid is returned by Verify for tampered or expired URLs.
var ErrSignatureInvalid = errors.New("invalid or expired signature")

// LocalStore keeps objects in the conversation BadgerDB and signs URLs with
// an HMAC key.
type LocalStore struct {
	db      *store.DB
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocalStore creates a local store. baseURL is the externally reachable
// origin of this service, e.g. "http://127.0.0.1:9380". An empty secret is
// replaced by a random one, which invalidates URLs across restarts.
func NewLocalStore(db *store.DB, baseURL string, secret []byte) (*LocalStore, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	return &LocalStore{
		db:      db,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

func localKey(bucket, key string) []byte {
	return []byte(localBlobPrefix + bucket + "/" + key)
}

// Put stores data under bucket/key.
func (s *LocalStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(localKey(bucket, key), data); err != nil {
			return fmt.Errorf("write blob %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// Get returns the object or (nil, nil) when absent.
func (s *LocalStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(localKey(bucket, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read blob %s/%s: %w", bucket, key, err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Presign returns {baseURL}/v1/blob/{bucket}/{key}?expires=..&signature=..
func (s *LocalStore) Presign(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	expires := s.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(bucket, key, expires))

	return fmt.Sprintf("%s%s/%s/%s?%s", s.baseURL, LocalRoutePrefix,
		url.PathEscape(bucket), escapeKey(key), q.Encode()), nil
}

// Verify checks a presigned URL's expiry and signature.
func (s *LocalStore) Verify(bucket, key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrSignatureInvalid
	}
	want := s.sign(bucket, key, exp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *LocalStore) sign(bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", bucket, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ Store = (*LocalStore)(nil)
