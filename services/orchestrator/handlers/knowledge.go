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
	"iter"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tenants"
	"github.com/gin-gonic/gin"
)

// KnowledgeAsker is the knowledge-base Q&A surface.
// *services.KnowledgeService satisfies it.
type KnowledgeAsker interface {
	Ask(ctx context.Context, question string, kbIDs []string, model string) iter.Seq2[datatypes.Answer, error]
	MindMap(ctx context.Context, question string, kbIDs []string, model string) (*services.MindMapNode, error)
	RelatedQuestions(ctx context.Context, question, model string) ([]string, error)
}

// KnowledgeHandler serves ask, mindmap and related_questions.
type KnowledgeHandler struct {
	registry  *tenants.Registry
	knowledge KnowledgeAsker
	stream    StreamConfig
}

func NewKnowledgeHandler(registry *tenants.Registry, knowledge KnowledgeAsker, cfg StreamConfig) *KnowledgeHandler {
	return &KnowledgeHandler{registry: registry, knowledge: knowledge, stream: cfg}
}

// chatModel returns the caller's tenant chat model, or "" for the client
// default.
func (h *KnowledgeHandler) chatModel(c *gin.Context) string {
	tenant, err := h.registry.DefaultTenant(middleware.UserID(c))
	if err != nil {
		return ""
	}
	return tenant.LLMID
}

// HandleAsk streams an answer from the given knowledge bases. Frames are the
// same as the completion stream; nothing is persisted.
//
// POST /v1/conversation/ask
func (h *KnowledgeHandler) HandleAsk(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "KnowledgeHandler.HandleAsk")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req datatypes.KnowledgeRequest
	if err := bindJSON(c, &req); err != nil {
		h.stream.Metrics.RecordError(observability.EndpointAsk, observability.ErrorCodeValidation)
		respondError(c, err)
		return
	}

	seq := h.knowledge.Ask(ctx, req.Question, req.KBIDs, h.chatModel(c))
	streamAnswers(c, h.stream, observability.EndpointAsk, seq, func(ans *datatypes.Answer) any {
		if ans.Reference == nil {
			ref := datatypes.EmptyReference()
			ans.Reference = &ref
		}
		return ans
	}, nil)
}

// HandleMindMap builds a mind map for a question.
//
// POST /v1/conversation/mindmap
func (h *KnowledgeHandler) HandleMindMap(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "KnowledgeHandler.HandleMindMap")
	defer span.End()

	var req datatypes.KnowledgeRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	root, err := h.knowledge.MindMap(ctx, req.Question, req.KBIDs, h.chatModel(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, root)
}

// HandleRelatedQuestions suggests follow-up search terms.
//
// POST /v1/conversation/related_questions
func (h *KnowledgeHandler) HandleRelatedQuestions(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "KnowledgeHandler.HandleRelatedQuestions")
	defer span.End()

	var req datatypes.RelatedQuestionsRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	questions, err := h.knowledge.RelatedQuestions(ctx, req.Question, h.chatModel(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if questions == nil {
		questions = []string{}
	}
	respondOK(c, questions)
}
