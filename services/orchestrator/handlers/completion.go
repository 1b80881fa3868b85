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
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tenants"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DialogChatter produces the answer sequence for a dialog turn.
// *services.DialogChatService satisfies it.
type DialogChatter interface {
	Chat(ctx context.Context, dialog datatypes.Dialog, history []datatypes.Message, opts services.ChatOptions) iter.Seq2[datatypes.Answer, error]
}

// CompletionHandler serves POST /v1/conversation/completion.
type CompletionHandler struct {
	store    store.ConversationStore
	registry *tenants.Registry
	chat     DialogChatter
	authz    extensions.AuthzProvider
	stream   StreamConfig
}

// NewCompletionHandler creates the handler. A nil authz allows every
// authenticated caller.
func NewCompletionHandler(st store.ConversationStore, registry *tenants.Registry, chat DialogChatter, authz extensions.AuthzProvider, cfg StreamConfig) *CompletionHandler {
	if authz == nil {
		authz = &extensions.NopAuthzProvider{}
	}
	return &CompletionHandler{store: st, registry: registry, chat: chat, authz: authz, stream: cfg}
}

// HandleCompletion generates the next answer of a conversation.
//
// # Description
//
// System messages and assistant messages before the first user turn are
// not sent to the model; the id of the last remaining message becomes the
// answer's message id. The conversation's messages are replaced by the
// request's and a new reference block is opened for the answer.
//
// A request carrying llm_id is an embedded invocation: the model must be
// permitted for the dialog's tenant, the request's sampling parameters
// replace the dialog's, and nothing is persisted.
//
// Streaming (the default) writes one frame per answer, an error frame on
// failure and always the terminal data:true frame; the conversation is
// saved once after the sequence completes. Non-streaming returns the first
// answer in the JSON envelope.
//
// # Inputs
//
// JSON datatypes.CompletionRequest.
//
// # Outputs
//
// SSE frames or a JSON envelope, see above.
//
// # Limitations
//
// The conversation is read at the start and written at the end with no
// lock. Concurrent completions on one conversation overwrite each other.
func (h *CompletionHandler) HandleCompletion(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "CompletionHandler.HandleCompletion")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req datatypes.CompletionRequest
	if err := bindJSON(c, &req); err != nil {
		h.stream.Metrics.RecordError(observability.EndpointCompletion, observability.ErrorCodeValidation)
		respondError(c, err)
		return
	}

	history := req.ModelHistory()
	if len(history) == 0 {
		respondError(c, datatypes.ValidationError("No user message to answer"))
		return
	}
	messageID := history[len(history)-1].ID
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.Bool("completion.stream", req.Streaming()),
		attribute.Bool("completion.embedded", req.LLMID != ""),
	)

	conv, err := h.store.Get(ctx, req.ConversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	dialog, err := h.registry.Dialog(conv.DialogID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.authz.Authorize(ctx, extensions.AuthzRequest{
		User:         middleware.GetAuthInfo(c),
		Action:       "completion",
		ResourceType: extensions.ResourceDialog,
		ResourceID:   dialog.ID,
	}); err != nil {
		respondError(c, datatypes.AuthorizationError(msgConversationNotOwned))
		return
	}

	conv.Message = append([]datatypes.Message(nil), req.Messages...)
	conv.Reference = append(conv.Reference, datatypes.EmptyReference())

	embedded := req.LLMID != ""
	if embedded {
		tenant, err := h.registry.DialogTenant(dialog.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !tenant.PermitsModel(req.LLMID) {
			respondError(c, datatypes.NotConfiguredError(fmt.Sprintf("Cannot use specified model %s.", req.LLMID)))
			return
		}
		dialog.LLMID = req.LLMID
		dialog.LLMSetting = req.LLMSetting()
	}

	seq := h.chat.Chat(ctx, dialog, history, services.ChatOptions{Stream: req.Streaming()})
	shape := func(ans *datatypes.Answer) any {
		return conv.ApplyAnswer(ans, messageID)
	}

	if req.Streaming() {
		var persist func() error
		if !embedded {
			persist = func() error { return h.store.Save(ctx, conv) }
		}
		streamAnswers(c, h.stream, observability.EndpointCompletion, seq, shape, persist)
		return
	}

	for ans, err := range seq {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
			h.stream.Metrics.RecordRequest(observability.EndpointCompletion, false)
			respondError(c, err)
			return
		}
		result := shape(&ans)
		if !embedded {
			if err := h.store.Save(ctx, conv); err != nil {
				respondError(c, err)
				return
			}
		}
		h.stream.Metrics.RecordRequest(observability.EndpointCompletion, true)
		respondOK(c, result)
		return
	}
	slog.Error("Answer sequence ended without an answer", "conversation_id", conv.ID)
	respondError(c, errors.New("no answer generated"))
}
