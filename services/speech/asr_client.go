// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Recognition modes understood by the ASR service.
const (
	ModeDefault = "default"
	ModeMeeting = "meeting"
)

// Recognition event names emitted by StreamTranscription.
const (
	EventProcessing = "processing"
	EventPartial    = "partial"
	EventFinal      = "final"
	EventError      = "error"
)

// RecognitionEvent is one item of a streamed transcription.
type RecognitionEvent struct {
	Event   string `json:"event"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// ASRConfig configures the recognition client.
type ASRConfig struct {
	// BaseURL of the recognition service. Default: http://127.0.0.1:8002
	BaseURL string

	// Mode sent as recognition_mode. Default: "default"
	Mode string

	// SubmitTimeout and ResultTimeout bound single calls. Defaults: 30s, 10s
	SubmitTimeout time.Duration
	ResultTimeout time.Duration

	// PollInterval and PollTimeout govern Transcribe. Defaults: 1s, 5m
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// DefaultASRConfig returns the standard settings.
func DefaultASRConfig() ASRConfig {
	return ASRConfig{
		BaseURL:       "http://127.0.0.1:8002",
		Mode:          ModeDefault,
		SubmitTimeout: 30 * time.Second,
		ResultTimeout: 10 * time.Second,
		PollInterval:  time.Second,
		PollTimeout:   5 * time.Minute,
	}
}

// ASRClient talks to the recognition service.
type ASRClient struct {
	cfg        ASRConfig
	httpClient *http.Client
}

// NewASRClient creates a client. Zero fields in cfg take the defaults.
func NewASRClient(cfg ASRConfig) *ASRClient {
	def := DefaultASRConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = def.ResultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &ASRClient{cfg: cfg, httpClient: &http.Client{}}
}

type asrSubmitResponse struct {
	Code   int    `json:"code"`
	TaskID string `json:"task_id"`
	Msg    string `json:"msg"`
}

type asrUtterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// RecognitionResult is the decoded /get_task_result payload.
type RecognitionResult struct {
	Status          string `json:"status"`
	RecognitionMode string `json:"recognition_mode"`
	Result          struct {
		Text     string         `json:"text"`
		Dialogue []asrUtterance `json:"dialogue"`
	} `json:"result"`
}

// Completed reports whether the task finished successfully.
func (r *RecognitionResult) Completed() bool { return r.Status == "completed" }

// Failed reports whether the task ended in failure.
func (r *RecognitionResult) Failed() bool { return r.Status == "failed" }

// Text flattens the result. Meeting mode joins "speaker: text" lines.
func (r *RecognitionResult) Text() string {
	if r.RecognitionMode != ModeMeeting {
		return r.Result.Text
	}
	lines := make([]string, 0, len(r.Result.Dialogue))
	for _, u := range r.Result.Dialogue {
		lines = append(lines, u.Speaker+": "+u.Text)
	}
	return strings.Join(lines, "\n")
}

// Submit uploads an audio file and returns the task id.
func (c *ASRClient) Submit(ctx context.Context, path, mode, callbackURL string) (string, error) {
	ctx, span := tracer.Start(ctx, "ASRClient.Submit")
	defer span.End()

	if mode == "" {
		mode = c.cfg.Mode
	}
	span.SetAttributes(attribute.String("asr.mode", mode))

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	contentType, err := writeSubmitForm(&buf, f, filepath.Base(path), mode, callbackURL)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/submit_task", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create ASR submit request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", datatypes.ExternalServiceError("ASR service unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, "non-200 response")
		slog.Error("ASR submit returned an error", "status_code", resp.StatusCode, "response", string(body))
		return "", datatypes.ExternalServiceError("ASR API error: "+string(body), nil)
	}

	var out asrSubmitResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return "", datatypes.ExternalServiceError("Invalid ASR API response", err)
	}
	if out.Code != 0 {
		return "", datatypes.ExternalServiceError("ASR API error: "+out.Msg, nil)
	}
	if out.TaskID == "" {
		return "", datatypes.ExternalServiceError("Invalid ASR API response: missing task_id", nil)
	}
	span.SetAttributes(attribute.String("asr.task_id", out.TaskID))
	return out.TaskID, nil
}

// writeSubmitForm encodes the submit_task multipart body into w and returns
// its content type.
func writeSubmitForm(w io.Writer, audio io.Reader, fileName, mode, callbackURL string) (string, error) {
	mw := multipart.NewWriter(w)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart file part: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("failed to copy audio into request: %w", err)
	}
	if err := mw.WriteField("recognition_mode", mode); err != nil {
		return "", fmt.Errorf("failed to write recognition_mode: %w", err)
	}
	if callbackURL != "" {
		if err := mw.WriteField("callback_url", callbackURL); err != nil {
			return "", fmt.Errorf("failed to write callback_url: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return mw.FormDataContentType(), nil
}

// Result fetches the current state of a task.
func (c *ASRClient) Result(ctx context.Context, taskID string) (*RecognitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ResultTimeout)
	defer cancel()

	u := c.cfg.BaseURL + "/get_task_result?task_id=" + url.QueryEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ASR result request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, datatypes.ExternalServiceError("ASR service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, datatypes.ExternalServiceError(
			fmt.Sprintf("ASR result failed with status %d: %s", resp.StatusCode, string(body)), nil)
	}
	var out RecognitionResult
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, datatypes.ExternalServiceError("Invalid ASR API response", err)
	}
	return &out, nil
}

// Transcribe submits a file and waits for its text.
func (c *ASRClient) Transcribe(ctx context.Context, path string) (string, error) {
	taskID, err := c.Submit(ctx, path, "", "")
	if err != nil {
		return "", err
	}
	res, err := c.wait(ctx, taskID, nil)
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

// StreamTranscription yields a processing event after submission, one
// partial event per utterance in meeting mode and a final event with the
// full text. Failures end the sequence with an error.
func (c *ASRClient) StreamTranscription(ctx context.Context, path string) iter.Seq2[RecognitionEvent, error] {
	return func(yield func(RecognitionEvent, error) bool) {
		taskID, err := c.Submit(ctx, path, "", "")
		if err != nil {
			yield(RecognitionEvent{}, err)
			return
		}
		if !yield(RecognitionEvent{Event: EventProcessing, TaskID: taskID}, nil) {
			return
		}

		stopped := false
		res, err := c.wait(ctx, taskID, func() bool {
			stopped = !yield(RecognitionEvent{Event: EventProcessing, TaskID: taskID}, nil)
			return !stopped
		})
		if stopped {
			return
		}
		if err != nil {
			yield(RecognitionEvent{}, err)
			return
		}

		if res.RecognitionMode == ModeMeeting {
			for _, u := range res.Result.Dialogue {
				if !yield(RecognitionEvent{Event: EventPartial, Speaker: u.Speaker, Text: u.Text, TaskID: taskID}, nil) {
					return
				}
			}
		}
		yield(RecognitionEvent{Event: EventFinal, Text: res.Text(), TaskID: taskID}, nil)
	}
}

// wait polls until the task completes or fails. tick, when set, runs
// after each pending poll and stops polling when it returns false.
func (c *ASRClient) wait(ctx context.Context, taskID string, tick func() bool) (*RecognitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := c.Result(ctx, taskID)
		switch {
		case err != nil:
			slog.Warn("ASR result poll failed", "task_id", taskID, "error", err)
		case res.Completed():
			return res, nil
		case res.Failed():
			return nil, datatypes.ExternalServiceError(fmt.Sprintf("ASR task %s failed", taskID), nil)
		}

		select {
		case <-ctx.Done():
			return nil, datatypes.ExternalServiceError(
				fmt.Sprintf("timed out waiting for ASR task %s", taskID), ctx.Err())
		case <-ticker.C:
		}
		if tick != nil && !tick() {
			return nil, nil
		}
	}
}
