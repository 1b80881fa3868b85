// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const askSystemPrompt = `You are an intelligent assistant. Answer the question using the knowledge base below.
When none of the knowledge base content is relevant, say that the answer was not found in the knowledge base.

Here is the knowledge base:
{knowledge}
The above is the knowledge base.`

const mindMapSystemPrompt = `Summarize the knowledge below as a markdown outline.
Use one "# " heading for the main topic, "## " headings for sections and "- " bullets (indented by two spaces per level) for details.
Output only the outline.

{knowledge}`

const relatedQuestionPrompt = `Role: You are an AI language model assistant tasked with generating 5-10 related questions based on a user's original query.

Instructions:
 - Generate 5-10 alternative questions that are related to the original query.
 - Use the same language as the original query.
 - Output each question on its own line, numbered "1. " to "9. ".
 - Do not include explanations.`

var relatedQuestionLine = regexp.MustCompile(`^[0-9]\. `)

// KnowledgeService answers free questions against knowledge bases without
// a dialog or conversation.
type KnowledgeService struct {
	llmClient llm.LLMClient
	retriever Retriever
	topN      int
}

func NewKnowledgeService(llmClient llm.LLMClient, retriever Retriever) *KnowledgeService {
	return &KnowledgeService{llmClient: llmClient, retriever: retriever, topN: 8}
}

func (s *KnowledgeService) retrieve(ctx context.Context, question string, kbIDs []string) (datatypes.Reference, error) {
	if s.retriever == nil {
		return datatypes.EmptyReference(), nil
	}
	return s.retriever.Retrieve(ctx, question, kbIDs, s.topN)
}

// Ask streams an answer to question using the given knowledge bases. The
// sequence has the same shape as DialogChatService.Chat in streaming mode.
func (s *KnowledgeService) Ask(ctx context.Context, question string, kbIDs []string, model string) iter.Seq2[datatypes.Answer, error] {
	return func(yield func(datatypes.Answer, error) bool) {
		ctx, span := chatTracer.Start(ctx, "KnowledgeService.Ask")
		defer span.End()
		span.SetAttributes(attribute.Int("retrieval.kb_count", len(kbIDs)))

		ref, err := s.retrieve(ctx, question, kbIDs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(datatypes.Answer{}, err)
			return
		}
		messages := []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: renderSystemPrompt(askSystemPrompt, ref)},
			{Role: llm.RoleUser, Content: question},
		}
		streamAnswer(ctx, s.llmClient, messages, llm.GenerationParams{Model: model}, ref, yield)
	}
}

// MindMapNode is one node of a mind map tree.
type MindMapNode struct {
	ID       string         `json:"id"`
	Children []*MindMapNode `json:"children"`
}

// MindMap builds a topic tree for question from the retrieved knowledge.
func (s *KnowledgeService) MindMap(ctx context.Context, question string, kbIDs []string, model string) (*MindMapNode, error) {
	ctx, span := chatTracer.Start(ctx, "KnowledgeService.MindMap")
	defer span.End()

	ref, err := s.retrieve(ctx, question, kbIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(ref.Chunks) == 0 {
		return &MindMapNode{ID: question, Children: []*MindMapNode{}}, nil
	}

	temp := float32(0.5)
	outline, err := s.llmClient.Chat(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: renderSystemPrompt(mindMapSystemPrompt, ref)},
		{Role: llm.RoleUser, Content: question},
	}, llm.GenerationParams{Model: model, Temperature: &temp})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate mind map: %w", err)
	}
	return ParseOutline(question, outline), nil
}

// ParseOutline converts a markdown outline into a tree. Headings nest by
// their level; bullets nest under the latest heading by indentation. The
// first level-one heading names the root, falling back to rootName.
func ParseOutline(rootName, outline string) *MindMapNode {
	root := &MindMapNode{ID: rootName, Children: []*MindMapNode{}}

	type frame struct {
		depth int
		node  *MindMapNode
	}
	stack := []frame{{depth: 0, node: root}}
	headingDepth := 0

	push := func(depth int, title string) {
		for len(stack) > 1 && stack[len(stack)-1].depth >= depth {
			stack = stack[:len(stack)-1]
		}
		n := &MindMapNode{ID: title, Children: []*MindMapNode{}}
		parent := stack[len(stack)-1].node
		parent.Children = append(parent.Children, n)
		stack = append(stack, frame{depth: depth, node: n})
	}

	for _, raw := range strings.Split(outline, "\n") {
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			title := strings.TrimSpace(trimmed[level:])
			if title == "" {
				continue
			}
			if level == 1 {
				root.ID = title
				stack = stack[:1]
				headingDepth = 0
				continue
			}
			headingDepth = (level - 1) * 100
			push(headingDepth, title)
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			indent := len(line) - len(trimmed)
			push(headingDepth+1+indent/2, strings.TrimSpace(trimmed[2:]))
		}
	}
	return root
}

// RelatedQuestions asks the model for follow-up search terms and keeps the
// numbered lines without their numbering.
func (s *KnowledgeService) RelatedQuestions(ctx context.Context, question, model string) ([]string, error) {
	ctx, span := chatTracer.Start(ctx, "KnowledgeService.RelatedQuestions")
	defer span.End()

	temp := float32(0.9)
	ans, err := s.llmClient.Chat(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: relatedQuestionPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("\nKeywords: %s\nRelated search terms:\n    ", question)},
	}, llm.GenerationParams{Model: model, Temperature: &temp})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate related questions: %w", err)
	}
	return ParseRelatedQuestions(ans), nil
}

// ParseRelatedQuestions keeps lines starting with a single digit, a dot and
// a space, and strips that prefix.
func ParseRelatedQuestions(ans string) []string {
	out := []string{}
	for _, line := range strings.Split(ans, "\n") {
		if relatedQuestionLine.MatchString(line) {
			out = append(out, relatedQuestionLine.ReplaceAllString(line, ""))
		}
	}
	return out
}
