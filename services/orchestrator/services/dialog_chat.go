// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the orchestrator.
//
// Services orchestrate calls to external collaborators (the knowledge
// retriever and chat models) and hand results to HTTP handlers. They take
// their dependencies through constructors and accept a context on every
// call for cancellation and tracing.
package services

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var chatTracer = otel.Tracer("aleutian.orchestrator.services.dialog_chat")

// errConsumerStopped aborts a model stream once the consumer stops pulling.
var errConsumerStopped = errors.New("answer consumer stopped")

const knowledgePlaceholder = "{knowledge}"

// ChatOptions are the per-request knobs of a dialog completion.
type ChatOptions struct {
	// Stream yields partial answers as the model produces tokens.
	Stream bool

	// Model overrides the dialog's chat model when set.
	Model string

	// Setting overrides individual dialog sampling parameters.
	Setting datatypes.LLMSetting
}

// DialogChatService generates answers for a dialog.
type DialogChatService struct {
	llmClient llm.LLMClient
	retriever Retriever
}

// NewDialogChatService creates the service. retriever may be nil, in which
// case dialogs are answered without knowledge.
func NewDialogChatService(llmClient llm.LLMClient, retriever Retriever) *DialogChatService {
	return &DialogChatService{llmClient: llmClient, retriever: retriever}
}

// Chat produces the answer sequence for the next turn of a dialog.
//
// # Description
//
// Retrieves knowledge for the last user message from the dialog's knowledge
// bases, renders the system prompt and calls the chat model. In streaming
// mode every token yields an answer with the accumulated text; the sequence
// always ends with one answer marked Final carrying the full text and the
// retrieval reference. When knowledge bases are configured, nothing is
// retrieved and the dialog defines an empty response, that response is the
// only answer.
//
// # Inputs
//
//   - ctx: Cancels retrieval and generation.
//   - dialog: Dialog configuration.
//   - history: Conversation turns to send, oldest first.
//   - opts: Streaming flag and overrides.
//
// # Outputs
//
//   - iter.Seq2[datatypes.Answer, error]: Answers, or a single error that
//     ends the sequence.
func (s *DialogChatService) Chat(ctx context.Context, dialog datatypes.Dialog, history []datatypes.Message, opts ChatOptions) iter.Seq2[datatypes.Answer, error] {
	return func(yield func(datatypes.Answer, error) bool) {
		ctx, span := chatTracer.Start(ctx, "DialogChatService.Chat")
		defer span.End()
		span.SetAttributes(
			attribute.String("dialog.id", dialog.ID),
			attribute.Int("chat.history_len", len(history)),
			attribute.Bool("chat.stream", opts.Stream))

		question := lastUserQuestion(history)
		ref := datatypes.EmptyReference()
		if s.retriever != nil && len(dialog.KBIDs) > 0 {
			var err error
			ref, err = s.retriever.Retrieve(ctx, question, dialog.KBIDs, dialog.TopN)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(datatypes.Answer{}, err)
				return
			}
			if len(ref.Chunks) == 0 && dialog.PromptConfig.EmptyResponse != "" {
				yield(finalAnswer(dialog.PromptConfig.EmptyResponse, ref), nil)
				return
			}
		}

		messages := make([]llm.ChatMessage, 0, len(history)+1)
		if system := renderSystemPrompt(dialog.PromptConfig.System, ref); system != "" {
			messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: system})
		}
		for _, m := range history {
			messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
		}

		params := GenerationParams(dialog.LLMSetting, opts.Setting)
		params.Model = dialog.LLMID
		if opts.Model != "" {
			params.Model = opts.Model
		}

		if !opts.Stream {
			text, err := s.llmClient.Chat(ctx, messages, params)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(datatypes.Answer{}, err)
				return
			}
			yield(finalAnswer(text, ref), nil)
			return
		}

		streamAnswer(ctx, s.llmClient, messages, params, ref, yield)
	}
}

// streamAnswer runs a model stream and yields accumulated partial answers
// followed by the final one.
func streamAnswer(ctx context.Context, client llm.LLMClient, messages []llm.ChatMessage,
	params llm.GenerationParams, ref datatypes.Reference, yield func(datatypes.Answer, error) bool) {

	var sb strings.Builder
	stopped := false
	err := client.ChatStream(ctx, messages, params, func(evt llm.StreamEvent) error {
		if evt.Type != llm.StreamEventToken {
			return nil
		}
		sb.WriteString(evt.Content)
		if !yield(datatypes.Answer{Answer: sb.String(), CreatedAt: nowSeconds()}, nil) {
			stopped = true
			return errConsumerStopped
		}
		return nil
	})
	if stopped {
		return
	}
	if err != nil {
		slog.Warn("Chat model stream failed", "error", err)
		yield(datatypes.Answer{}, err)
		return
	}
	yield(finalAnswer(sb.String(), ref), nil)
}

// GenerationParams merges sampling overrides onto the dialog defaults.
func GenerationParams(base, override datatypes.LLMSetting) llm.GenerationParams {
	pick := func(a, b *float32) *float32 {
		if b != nil {
			return b
		}
		return a
	}
	p := llm.GenerationParams{
		Temperature:      pick(base.Temperature, override.Temperature),
		TopP:             pick(base.TopP, override.TopP),
		FrequencyPenalty: pick(base.FrequencyPenalty, override.FrequencyPenalty),
		PresencePenalty:  pick(base.PresencePenalty, override.PresencePenalty),
		MaxTokens:        base.MaxTokens,
	}
	if override.MaxTokens != nil {
		p.MaxTokens = override.MaxTokens
	}
	return p
}

func renderSystemPrompt(system string, ref datatypes.Reference) string {
	if !strings.Contains(system, knowledgePlaceholder) {
		return system
	}
	return strings.ReplaceAll(system, knowledgePlaceholder, FormatKnowledge(ref))
}

func lastUserQuestion(history []datatypes.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == datatypes.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func finalAnswer(text string, ref datatypes.Reference) datatypes.Answer {
	return datatypes.Answer{
		Answer:    text,
		Reference: &ref,
		CreatedAt: nowSeconds(),
		Final:     true,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}
