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

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Mock LLM Client
// =============================================================================

// MockLLMClient implements llm.LLMClient for testing purposes.
// It allows configuring responses and tracking calls for verification.
type MockLLMClient struct {
	// ChatResponse is returned by Chat
	ChatResponse string
	// Tokens are emitted one by one by ChatStream
	Tokens []string
	// Err is returned by Chat, and by ChatStream after all tokens
	Err error

	CallCount    int
	LastMessages []llm.ChatMessage
	LastParams   llm.GenerationParams
}

func (m *MockLLMClient) Chat(_ context.Context, messages []llm.ChatMessage, params llm.GenerationParams) (string, error) {
	m.CallCount++
	m.LastMessages = messages
	m.LastParams = params
	return m.ChatResponse, m.Err
}

func (m *MockLLMClient) ChatStream(_ context.Context, messages []llm.ChatMessage, params llm.GenerationParams, callback llm.StreamCallback) error {
	m.CallCount++
	m.LastMessages = messages
	m.LastParams = params
	for _, tok := range m.Tokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if m.Err != nil {
		return m.Err
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

// =============================================================================
// Mock Retriever
// =============================================================================

type MockRetriever struct {
	Ref       datatypes.Reference
	Err       error
	LastKBIDs []string
	LastQuery string
}

func (m *MockRetriever) Retrieve(_ context.Context, question string, kbIDs []string, _ int) (datatypes.Reference, error) {
	m.LastQuery = question
	m.LastKBIDs = kbIDs
	return m.Ref, m.Err
}

func sampleReference() datatypes.Reference {
	return datatypes.Reference{
		Total: 2,
		Chunks: []datatypes.Chunk{
			{ID: "c1", Content: "Refunds take 5 days.", DocumentID: "doc1", DocumentName: "faq.md"},
			{ID: "c2", Content: "Contact support by email.", DocumentID: "doc1", DocumentName: "faq.md"},
		},
		DocAggs: []datatypes.DocAgg{{DocID: "doc1", DocName: "faq.md", Count: 2}},
	}
}
