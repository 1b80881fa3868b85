// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

const testRegistry = `
users:
  - id: u1
    email: u1@example.com
    token: tok-1
    tenants: [t1]
tenants:
  - id: t1
    name: Acme
    asr_id: paraformer
    tts_id: chatterbox
dialogs:
  - id: d1
    tenant_id: t1
    name: Support
`

// testConfig returns a config that opens nothing outside t.TempDir().
func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		InMemory:          true,
		GinMode:           gin.TestMode,
		MetricsRegisterer: prometheus.NewRegistry(),
		UploadDir:         filepath.Join(t.TempDir(), "uploads"),
		BlobSecret:        "test-secret",
		LLM:               llm.Config{Backend: llm.BackendOllama, Ollama: llm.OllamaConfig{Model: "test"}},
	}
}

// =============================================================================
// Config Tests
// =============================================================================

// TestApplyConfigDefaults_AllDefaults verifies default values are applied.
func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	// Arrange
	cfg := Config{}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 9380, result.Port, "default port should be 9380")
	assert.Equal(t, "http://127.0.0.1:9380", result.PublicBaseURL)
	assert.Equal(t, "http://127.0.0.1:9380/v1/conversation/tts/callback", result.TTS.CallbackURL)
	assert.Equal(t, BlobBackendLocal, result.BlobBackend)
	assert.Equal(t, 7*24*time.Hour, result.PresignTTL)
	assert.Equal(t, time.Hour, result.UploadMaxAge)
	assert.Equal(t, 15*time.Minute, result.SweepInterval)
	assert.Equal(t, 15*time.Second, result.KeepAlive)
	assert.Empty(t, result.OTelEndpoint, "trace export should be off by default")
	assert.False(t, result.DisableMetrics, "metrics should be enabled by default")
	assert.NotNil(t, result.MetricsRegisterer)
}

// TestApplyConfigDefaults_PreservesCustomValues verifies custom values are not overwritten.
func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	// Arrange
	cfg := Config{
		Port:          8080,
		PublicBaseURL: "https://chat.example.com/",
		OTelEndpoint:  "collector:4317",
		BlobBackend:   BlobBackendGCS,
		PresignTTL:    time.Hour,
	}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 8080, result.Port)
	assert.Equal(t, "https://chat.example.com", result.PublicBaseURL, "trailing slash should be trimmed")
	assert.Equal(t, "https://chat.example.com/v1/conversation/tts/callback", result.TTS.CallbackURL)
	assert.Equal(t, "collector:4317", result.OTelEndpoint)
	assert.Equal(t, BlobBackendGCS, result.BlobBackend)
	assert.Equal(t, time.Hour, result.PresignTTL)
}

// TestApplyConfigDefaults_ExplicitCallbackURL verifies an explicit callback wins.
func TestApplyConfigDefaults_ExplicitCallbackURL(t *testing.T) {
	cfg := Config{}
	cfg.TTS.CallbackURL = "http://gateway/cb"

	result := applyConfigDefaults(cfg)

	assert.Equal(t, "http://gateway/cb", result.TTS.CallbackURL)
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_EmptyRegistry(t *testing.T) {
	// Arrange
	cfg := testConfig(t)

	// Act
	svc, err := New(cfg, nil)

	// Assert
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	assert.NotNil(t, svc.Router())
	assert.DirExists(t, cfg.UploadDir, "upload directory should be created")
}

func TestNew_UnknownBlobBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlobBackend = "s3"

	_, err := New(cfg, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown blob backend")
}

func TestNew_UnknownLLMBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Backend = "nope"

	_, err := New(cfg, nil)

	assert.Error(t, err)
}

func TestNew_MissingRegistryFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegistryPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(cfg, nil)

	assert.Error(t, err)
}

// =============================================================================
// Router Tests
// =============================================================================

func TestRouter_HealthAndMetrics(t *testing.T) {
	svc, err := New(testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisableMetrics = true
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestRouter_RegistryAuth verifies the registry authenticates user routes
// when no extension options are given.
func TestRouter_RegistryAuth(t *testing.T) {
	// Arrange
	cfg := testConfig(t)
	cfg.RegistryPath = filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(cfg.RegistryPath, []byte(testRegistry), 0o600))
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	// Act: unknown token
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/conversation/list?dialog_id=d1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	svc.Router().ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Act: registered token
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/conversation/list?dialog_id=d1", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	svc.Router().ServeHTTP(w, req)

	// Assert
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Code int               `json:"code"`
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, 0, env.Code)
	assert.Empty(t, env.Data)
}

// TestRouter_CustomAuthOptions verifies extension options replace the registry.
func TestRouter_CustomAuthOptions(t *testing.T) {
	opts := extensions.DefaultOptions()
	svc, err := New(testConfig(t), &opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversation/set", strings.NewReader(`{`))
	svc.Router().ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusUnauthorized, w.Code, "no-op auth should let the request reach the handler")
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_StopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := testConfig(t)
	cfg.Port = l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	svc, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
