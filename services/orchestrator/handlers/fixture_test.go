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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tenants"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	prologue = "Hi! I'm your assistant, what can I do for you?"

	userWithSpeech = "u1" // tenant t1: ASR and TTS configured
	userPlain      = "u2" // tenant t2: no speech models
	userStranger   = "u3" // no tenant
)

// testEnvelope mirrors datatypes.Envelope with raw data for assertions.
type testEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type handlerFixture struct {
	db       *store.DB
	store    *store.BadgerConversationStore
	registry *tenants.Registry
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := tenants.New(tenants.File{
		Users: []tenants.User{
			{ID: userWithSpeech, Tenants: []string{"t1"}},
			{ID: userPlain, Tenants: []string{"t2"}},
			{ID: userStranger},
		},
		APITokens: []tenants.APIToken{
			{Token: "embed-any", TenantID: "t1"},
			{Token: "embed-d1", TenantID: "t1", DialogID: "d1"},
		},
		Tenants: []datatypes.Tenant{
			{ID: "t1", Name: "Acme", LLMID: "gpt-4o", Models: []string{"gpt-4o-mini"}, ASRID: "paraformer", TTSID: "chatterbox"},
			{ID: "t2", Name: "Plain"},
		},
		Dialogs: []datatypes.Dialog{
			{ID: "d1", TenantID: "t1", Name: "Support", Icon: "bot.png", PromptConfig: datatypes.PromptConfig{Prologue: prologue}},
			{ID: "d2", TenantID: "t2", Name: "Other"},
		},
	})
	require.NoError(t, err)

	return &handlerFixture{db: db, store: store.NewConversationStore(db), registry: reg}
}

// seed stores a conversation of dialog d1 owned by u1.
func (f *handlerFixture) seed(t *testing.T, conv *datatypes.Conversation) *datatypes.Conversation {
	t.Helper()
	if conv == nil {
		conv = datatypes.NewConversation("c1", "d1", userWithSpeech, "chat", prologue)
	}
	require.NoError(t, f.store.Save(context.Background(), conv))
	return conv
}

func (f *handlerFixture) get(t *testing.T, id string) *datatypes.Conversation {
	t.Helper()
	conv, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return conv
}

// asUser returns middleware that authenticates every request as userID.
func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		middleware.SetAuthInfo(c, &extensions.AuthInfo{UserID: userID})
		c.Next()
	}
}

// newRouter builds an engine authenticated as userID. register adds the
// routes under test.
func newRouter(userID string, register func(r gin.IRoutes)) *gin.Engine {
	router := gin.New()
	register(router.Group("", asUser(userID)))
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, "envelopes are always HTTP 200")
	var env testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return env
}

// sseFrames returns the data payloads of every frame in body, in order.
// Keep-alive comments are skipped.
func sseFrames(body string) []string {
	var frames []string
	for _, chunk := range strings.Split(body, "\n\n") {
		if payload, ok := strings.CutPrefix(chunk, "data:"); ok {
			frames = append(frames, payload)
		}
	}
	return frames
}

func decodeFrame(t *testing.T, frame string) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal([]byte(frame), &env), "frame: %s", frame)
	return env
}

func boolPtr(b bool) *bool { return &b }
