// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/gin-gonic/gin"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// rejectingAuth fails every token.
type rejectingAuth struct{}

func (rejectingAuth) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	return nil, extensions.ErrUnauthorized
}

// emptyHandlers registers routes without constructing services. Requests
// that reach a handler would panic, so tests only exercise paths that stop
// in middleware or never touch the handlers.
func emptyHandlers() Handlers {
	return Handlers{
		Conversations: &handlers.ConversationHandler{},
		Completion:    &handlers.CompletionHandler{},
		Knowledge:     &handlers.KnowledgeHandler{},
		Speech:        &handlers.SpeechHandler{},
	}
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// ============================================================================
// Registration Tests
// ============================================================================

func TestSetupRoutes_ConversationRoutes(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, emptyHandlers(), Options{EnableMetrics: true})

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/conversation/set"},
		{"GET", "/v1/conversation/get"},
		{"GET", "/v1/conversation/getsse/:dialog_id"},
		{"POST", "/v1/conversation/rm"},
		{"GET", "/v1/conversation/list"},
		{"POST", "/v1/conversation/delete_msg"},
		{"POST", "/v1/conversation/thumbup"},
		{"POST", "/v1/conversation/completion"},
		{"POST", "/v1/conversation/ask"},
		{"POST", "/v1/conversation/mindmap"},
		{"POST", "/v1/conversation/related_questions"},
		{"POST", "/v1/conversation/sequence2txt"},
		{"POST", "/v1/conversation/tts"},
		{"POST", "/v1/conversation/tts/generate"},
		{"POST", "/v1/conversation/tts/callback"},
		{"GET", "/v1/conversation/tts/down"},
	}
	for _, e := range expected {
		if !hasRoute(router, e.method, e.path) {
			t.Errorf("Expected route %s %s not found", e.method, e.path)
		}
	}
}

func TestSetupRoutes_BlobRouteOnlyWithLocalStore(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, emptyHandlers(), Options{})
	if hasRoute(router, "GET", "/v1/blob/:bucket/*key") {
		t.Error("blob route should not be registered without a local store")
	}
	if hasRoute(router, "GET", "/metrics") {
		t.Error("metrics route should not be registered when disabled")
	}

	h := emptyHandlers()
	h.Blobs = &handlers.BlobHandler{}
	router = gin.New()
	SetupRoutes(router, h, Options{})
	if !hasRoute(router, "GET", "/v1/blob/:bucket/*key") {
		t.Error("blob route should be registered with a local store")
	}
}

// ============================================================================
// Request Tests
// ============================================================================

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, emptyHandlers(), Options{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, emptyHandlers(), Options{EnableMetrics: true})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Metrics endpoint should return Content-Type header")
	}
}

func TestSetupRoutes_UserRoutesRequireAuth(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, emptyHandlers(), Options{Auth: rejectingAuth{}})

	for _, path := range []string{"/v1/conversation/set", "/v1/conversation/completion", "/v1/conversation/tts"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", path, strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer nope")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s returned %d, want %d", path, w.Code, http.StatusUnauthorized)
			continue
		}
		var env struct {
			Code int `json:"code"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Code != 401 {
			t.Errorf("%s envelope code = %d, want 401", path, env.Code)
		}
	}
}
