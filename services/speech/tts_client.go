// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package speech holds HTTP clients for the external speech microservices:
// a task-based text-to-speech service and a task-based speech recognition
// service. Neither client retries; callers decide what a failure means.
package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.speech")

// TTSConfig configures the synthesis client.
type TTSConfig struct {
	// BaseURL of the synthesis service. Default: http://127.0.0.1:8001
	BaseURL string

	// CallbackURL is sent with submitted tasks so the service can report
	// completion. Default: http://127.0.0.1:9380/v1/conversation/tts/callback
	CallbackURL string

	// Timeout bounds submit and download calls. Default: 30s
	Timeout time.Duration

	// StatusTimeout bounds each status or result poll. Default: 5s
	StatusTimeout time.Duration

	// PollInterval and PollTimeout govern Synthesize. Defaults: 500ms, 30s
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Voice settings sent with every task.
	LanguageID   string
	Exaggeration float64
	Temperature  float64
	CFGWeight    float64
	SeedNum      int
}

// DefaultTTSConfig returns the settings the synthesis service expects.
func DefaultTTSConfig() TTSConfig {
	return TTSConfig{
		BaseURL:       "http://127.0.0.1:8001",
		CallbackURL:   "http://127.0.0.1:9380/v1/conversation/tts/callback",
		Timeout:       30 * time.Second,
		StatusTimeout: 5 * time.Second,
		PollInterval:  500 * time.Millisecond,
		PollTimeout:   30 * time.Second,
		LanguageID:    "zh",
		Exaggeration:  0.5,
		Temperature:   0.8,
		CFGWeight:     0.5,
		SeedNum:       0,
	}
}

// TTSClient talks to the synthesis service.
type TTSClient struct {
	cfg        TTSConfig
	httpClient *http.Client
}

// NewTTSClient creates a client. Zero fields in cfg take the defaults.
func NewTTSClient(cfg TTSConfig) *TTSClient {
	def := DefaultTTSConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = def.StatusTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.LanguageID == "" {
		cfg.LanguageID = def.LanguageID
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &TTSClient{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

type ttsSubmitResponse struct {
	Code   int    `json:"code"`
	TaskID string `json:"task_id"`
	Msg    string `json:"msg"`
}

type ttsStatusResponse struct {
	Status string `json:"status"`
}

type ttsResultResponse struct {
	Result struct {
		OutputURL string `json:"output_url"`
	} `json:"result"`
}

// SubmitTask queues text for synthesis with the configured callback URL
// and returns the remote task id.
func (c *TTSClient) SubmitTask(ctx context.Context, text string) (string, error) {
	return c.submit(ctx, text, c.cfg.CallbackURL)
}

func (c *TTSClient) submit(ctx context.Context, text, callbackURL string) (string, error) {
	ctx, span := tracer.Start(ctx, "TTSClient.SubmitTask")
	defer span.End()
	span.SetAttributes(attribute.Int("tts.text_length", len(text)))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("text", text)
	form.Set("language_id", c.cfg.LanguageID)
	form.Set("exaggeration", strconv.FormatFloat(c.cfg.Exaggeration, 'f', -1, 64))
	form.Set("temperature", strconv.FormatFloat(c.cfg.Temperature, 'f', -1, 64))
	form.Set("cfg_weight", strconv.FormatFloat(c.cfg.CFGWeight, 'f', -1, 64))
	form.Set("seed_num", strconv.Itoa(c.cfg.SeedNum))
	if callbackURL != "" {
		form.Set("callback_url", callbackURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/submit_tts_task",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create TTS submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", datatypes.ExternalServiceError("TTS API error: request failed", err)
	}
	if status != http.StatusOK {
		err := datatypes.ExternalServiceError("TTS API error: "+string(body), nil)
		span.SetStatus(codes.Error, "non-200 response")
		slog.Error("TTS submit returned an error", "status_code", status, "response", string(body))
		return "", err
	}

	var resp ttsSubmitResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		return "", datatypes.ExternalServiceError("Invalid TTS API response", err)
	}
	if resp.Code != 0 {
		span.SetStatus(codes.Error, resp.Msg)
		return "", datatypes.ExternalServiceError("TTS API error: "+resp.Msg, nil)
	}
	if resp.TaskID == "" {
		span.SetStatus(codes.Error, "missing task_id")
		return "", datatypes.ExternalServiceError("Invalid TTS API response: missing task_id", nil)
	}

	span.SetAttributes(attribute.String("tts.task_id", resp.TaskID))
	slog.Info("Submitted TTS task", "task_id", resp.TaskID)
	return resp.TaskID, nil
}

// Status returns the task state reported by the service.
func (c *TTSClient) Status(ctx context.Context, taskID string) (datatypes.TTSStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	var resp ttsStatusResponse
	if err := c.getJSON(ctx, "/get_tts_status", taskID, &resp); err != nil {
		return datatypes.TTSStatusUnknown, err
	}
	return datatypes.ParseTTSStatus(resp.Status), nil
}

// ResultURL returns the absolute URL of a completed task's audio.
func (c *TTSClient) ResultURL(ctx context.Context, taskID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	var resp ttsResultResponse
	if err := c.getJSON(ctx, "/get_tts_result", taskID, &resp); err != nil {
		return "", err
	}
	if resp.Result.OutputURL == "" {
		return "", datatypes.ExternalServiceError("TTS result has no output_url", nil)
	}
	if strings.HasPrefix(resp.Result.OutputURL, "http") {
		return resp.Result.OutputURL, nil
	}
	return c.cfg.BaseURL + resp.Result.OutputURL, nil
}

// DownloadAudio fetches the synthesized audio bytes of a task.
func (c *TTSClient) DownloadAudio(ctx context.Context, taskID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "TTSClient.DownloadAudio")
	defer span.End()
	span.SetAttributes(attribute.String("tts.task_id", taskID))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + "/download_tts_audio?task_id=" + url.QueryEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS download request: %w", err)
	}

	body, status, err := c.do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, datatypes.ExternalServiceError("TTS audio download failed", err)
	}
	if status != http.StatusOK {
		span.SetStatus(codes.Error, "non-200 response")
		return nil, datatypes.ExternalServiceError(
			fmt.Sprintf("TTS audio download failed with status %d", status), nil)
	}
	if len(body) == 0 {
		return nil, datatypes.ExternalServiceError("TTS audio download returned no data", nil)
	}
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(body)))
	return body, nil
}

// Synthesize submits text without a callback, polls until the task
// settles and returns the audio bytes.
func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	taskID, err := c.submit(ctx, text, "")
	if err != nil {
		return nil, err
	}
	if err := c.waitForCompletion(ctx, taskID); err != nil {
		return nil, err
	}
	return c.DownloadAudio(ctx, taskID)
}

func (c *TTSClient) waitForCompletion(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, taskID)
		if err != nil {
			slog.Warn("TTS status poll failed", "task_id", taskID, "error", err)
		}
		switch status {
		case datatypes.TTSStatusCompleted:
			return nil
		case datatypes.TTSStatusFailed:
			return datatypes.ExternalServiceError(fmt.Sprintf("TTS task %s failed", taskID), nil)
		}

		select {
		case <-ctx.Done():
			return datatypes.ExternalServiceError(
				fmt.Sprintf("timed out waiting for TTS task %s", taskID), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *TTSClient) getJSON(ctx context.Context, path, taskID string, out any) error {
	u := c.cfg.BaseURL + path + "?task_id=" + url.QueryEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	body, status, err := c.do(req)
	if err != nil {
		return datatypes.ExternalServiceError("TTS service unreachable", err)
	}
	if status != http.StatusOK {
		return datatypes.ExternalServiceError(
			fmt.Sprintf("TTS %s failed with status %d: %s", path, status, string(body)), nil)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return datatypes.ExternalServiceError("Invalid TTS API response", err)
	}
	return nil
}

func (c *TTSClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}
