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
	"fmt"
	"strings"
)

// Roles accepted by chat backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn sent to a chat model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams carries per-request sampling overrides. Nil fields use the
// backend default. Model, when set, replaces the client's configured model.
type GenerationParams struct {
	Model            string   `json:"model,omitempty"`
	Temperature      *float32 `json:"temperature"`
	TopP             *float32 `json:"top_p"`
	FrequencyPenalty *float32 `json:"frequency_penalty"`
	PresencePenalty  *float32 `json:"presence_penalty"`
	MaxTokens        *int     `json:"max_tokens"`
	Stop             []string `json:"stop"`
}

// StreamEventType identifies a streaming callback event.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is delivered to a StreamCallback for every decoded chunk.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives streaming events. Returning an error aborts the
// stream and ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any chat backend.
type LLMClient interface {
	// Chat returns the complete assistant reply.
	Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)

	// ChatStream delivers the reply token by token, then a done event.
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, callback StreamCallback) error
}

// Backend names accepted by New.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	OpenAI  OpenAIConfig
	Ollama  OllamaConfig
}

// New builds the configured client.
func New(cfg Config) (LLMClient, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendOpenAI, "":
		return NewOpenAIClient(cfg.OpenAI)
	case BackendOllama:
		return NewOllamaClient(cfg.Ollama)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}
