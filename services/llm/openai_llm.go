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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const openAISecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures an OpenAI-compatible chat backend.
type OpenAIConfig struct {
	// APIKey. Empty falls back to OPENAI_API_KEY, then the mounted secret.
	APIKey string

	// BaseURL for OpenAI-compatible servers. Empty uses api.openai.com.
	BaseURL string

	// Model is the default chat model. Default: gpt-4o-mini
	Model string
}

type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		apiKeyBytes, err := os.ReadFile(openAISecretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", openAISecretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API Key from Podman Secrets")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

func (o *OpenAIClient) buildRequest(messages []ChatMessage, params GenerationParams, stream bool) openai.ChatCompletionRequest {
	model := o.model
	if params.Model != "" {
		model = params.Model
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *params.FrequencyPenalty
	}
	if params.PresencePenalty != nil {
		req.PresencePenalty = *params.PresencePenalty
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Chat implements the LLMClient interface
func (o *OpenAIClient) Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()

	req := o.buildRequest(messages, params, false)
	span.SetAttributes(attribute.String("llm.model", req.Model), attribute.Int("llm.num_messages", len(messages)))

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient interface
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()

	req := o.buildRequest(messages, params, true)
	span.SetAttributes(attribute.String("llm.model", req.Model), attribute.Int("llm.num_messages", len(messages)))

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("OpenAI stream request failed: %w", err)
	}
	defer stream.Close()

	tokens := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
			return fmt.Errorf("OpenAI stream failed: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		tokens++
		if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Choices[0].Delta.Content}); err != nil {
			return err
		}
	}
	span.SetAttributes(attribute.Int("llm.stream_chunks", tokens))
	return callback(StreamEvent{Type: StreamEventDone})
}

var _ LLMClient = (*OpenAIClient)(nil)
