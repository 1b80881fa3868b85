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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/blob"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobHandler_HandleGet(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := blob.NewLocalStore(db, "http://chat.test", []byte("secret"))
	require.NoError(t, err)

	router := gin.New()
	router.GET(blob.LocalRoutePrefix+"/:bucket/*key", NewBlobHandler(blobs).HandleGet)

	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, "c1", "tts/a.wav", []byte("RIFF")))
	stored, err := blobs.Presign(ctx, "c1", "tts/a.wav", 0)
	require.NoError(t, err)
	missing, err := blobs.Presign(ctx, "c1", "tts/none.wav", 0)
	require.NoError(t, err)

	get := func(raw string) *httptest.ResponseRecorder {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
		return w
	}

	t.Run("valid signature", func(t *testing.T) {
		w := get(stored)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
		assert.Equal(t, "private, max-age=300", w.Header().Get("Cache-Control"))
		assert.Equal(t, "RIFF", w.Body.String())
	})

	t.Run("tampered signature", func(t *testing.T) {
		u, _ := url.Parse(stored)
		q := u.Query()
		q.Set("signature", strings.Repeat("0", len(q.Get("signature"))))
		u.RawQuery = q.Encode()
		assert.Equal(t, http.StatusForbidden, get(u.String()).Code)
	})

	t.Run("signature for another object", func(t *testing.T) {
		u, _ := url.Parse(stored)
		u.Path = blob.LocalRoutePrefix + "/c2/tts/a.wav"
		assert.Equal(t, http.StatusForbidden, get(u.String()).Code)
	})

	t.Run("expired", func(t *testing.T) {
		u, _ := url.Parse(stored)
		q := u.Query()
		q.Set("expires", "1")
		u.RawQuery = q.Encode()
		assert.Equal(t, http.StatusForbidden, get(u.String()).Code)
	})

	t.Run("missing object", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(missing).Code)
	})
}
