// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.llm")

// OllamaConfig configures the Ollama chat backend.
type OllamaConfig struct {
	// BaseURL of the Ollama server. Default: http://localhost:11434
	BaseURL string

	// Model is the default chat model. Default: gpt-oss
	Model string

	// Timeout bounds a whole request including streaming. Default: 5m
	Timeout time.Duration
}

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaStreamChunk is one NDJSON line of /api/chat. The non-streaming
// response has the same shape with Done=true.
type ollamaStreamChunk struct {
	Message   ChatMessage `json:"message"`
	CreatedAt string      `json:"created_at"`
	Done      bool        `json:"done"`
	Error     string      `json:"error,omitempty"`
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, requests must specify model, default gpt-oss")
		model = "gpt-oss"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

func (o *OllamaClient) options(params GenerationParams) map[string]any {
	options := map[string]any{
		"temperature": float32(0.2),
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if params.FrequencyPenalty != nil {
		options["frequency_penalty"] = *params.FrequencyPenalty
	}
	if params.PresencePenalty != nil {
		options["presence_penalty"] = *params.PresencePenalty
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func (o *OllamaClient) post(ctx context.Context, messages []ChatMessage, params GenerationParams, stream bool) (*http.Response, string, error) {
	model := o.model
	if params.Model != "" {
		model = params.Model
	}
	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  o.options(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, model, fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return nil, model, fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, model, fmt.Errorf("Ollama API call failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(respBody), "not found") {
			slog.Warn("Ollama model not found", "model", model)
			return nil, model, fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", model, model)
		}
		slog.Error("Ollama chat returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return nil, model, fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, model, nil
}

// Chat implements the LLMClient interface
func (o *OllamaClient) Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	resp, model, err := o.post(ctx, messages, params, false)
	span.SetAttributes(attribute.String("llm.model", model))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaStreamChunk
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to parse Ollama chat response: %w", err)
	}
	if out.Message.Role != RoleAssistant {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", out.Message.Role)
	}
	return out.Message.Content, nil
}

// ChatStream implements the LLMClient interface by reading NDJSON chunks.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	resp, model, err := o.post(ctx, messages, params, true)
	span.SetAttributes(attribute.String("llm.model", model))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	tokens := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Warn("Skipping malformed Ollama stream line", "error", err)
			continue
		}
		if chunk.Error != "" {
			err := fmt.Errorf("ollama stream error: %s", chunk.Error)
			span.RecordError(err)
			span.SetStatus(codes.Error, chunk.Error)
			_ = callback(StreamEvent{Type: StreamEventError, Error: chunk.Error})
			return err
		}
		if chunk.Message.Content != "" {
			tokens++
			if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if chunk.Done {
			span.SetAttributes(attribute.Int("llm.stream_chunks", tokens))
			return callback(StreamEvent{Type: StreamEventDone})
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed reading Ollama stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("ollama stream ended without done marker")
}

var _ LLMClient = (*OllamaClient)(nil)
