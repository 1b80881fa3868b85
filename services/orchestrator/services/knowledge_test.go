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
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestParseRelatedQuestions(t *testing.T) {
	ans := "Here you go:\n1. refund policy\n2. refund time\n10. skipped\n- not numbered\n3.missing space\n4. shipping"
	assert.Equal(t, []string{"refund policy", "refund time", "shipping"}, ParseRelatedQuestions(ans))
	assert.Empty(t, ParseRelatedQuestions("nothing useful"))
}

func TestKnowledgeService_RelatedQuestions(t *testing.T) {
	mockLLM := &MockLLMClient{ChatResponse: "1. a\n2. b"}
	svc := NewKnowledgeService(mockLLM, nil)

	qs, err := svc.RelatedQuestions(context.Background(), "refunds", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, qs)
	assert.Contains(t, mockLLM.LastMessages[1].Content, "Keywords: refunds")
	require.NotNil(t, mockLLM.LastParams.Temperature)
	assert.InDelta(t, 0.9, *mockLLM.LastParams.Temperature, 0.001)
}

func TestParseOutline(t *testing.T) {
	outline := "# Refunds\n## Timing\n- Five days\n  - Business days only\n- Card refunds\n## Contact\n- Email support"
	root := ParseOutline("question", outline)

	assert.Equal(t, "Refunds", root.ID)
	require.Len(t, root.Children, 2)

	timing := root.Children[0]
	assert.Equal(t, "Timing", timing.ID)
	require.Len(t, timing.Children, 2)
	assert.Equal(t, "Five days", timing.Children[0].ID)
	require.Len(t, timing.Children[0].Children, 1)
	assert.Equal(t, "Business days only", timing.Children[0].Children[0].ID)
	assert.Equal(t, "Card refunds", timing.Children[1].ID)

	contact := root.Children[1]
	assert.Equal(t, "Contact", contact.ID)
	require.Len(t, contact.Children, 1)
}

func TestKnowledgeService_MindMapNoKnowledge(t *testing.T) {
	mockLLM := &MockLLMClient{}
	svc := NewKnowledgeService(mockLLM, &MockRetriever{Ref: datatypes.EmptyReference()})

	root, err := svc.MindMap(context.Background(), "refunds", []string{"kb1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "refunds", root.ID)
	assert.Empty(t, root.Children)
	assert.Zero(t, mockLLM.CallCount)
}

func TestKnowledgeService_Ask(t *testing.T) {
	mockLLM := &MockLLMClient{Tokens: []string{"Five", " days"}}
	svc := NewKnowledgeService(mockLLM, &MockRetriever{Ref: sampleReference()})

	answers, err := drain(t, svc.Ask(context.Background(), "refund time?", []string{"kb1"}, ""))
	require.NoError(t, err)
	require.Len(t, answers, 3)
	assert.True(t, answers[2].Final)
	assert.Equal(t, "Five days", answers[2].Answer)
	assert.Contains(t, mockLLM.LastMessages[0].Content, "Contact support by email.")
}

func TestParseChunks_AggregatesDocuments(t *testing.T) {
	data := map[string]models.JSONObject{
		"Get": map[string]interface{}{
			ChunkClassName: []interface{}{
				map[string]interface{}{"content": "a", "chunk_id": "c1", "doc_id": "d1", "doc_name": "one.md", "kb_id": "kb1",
					"_additional": map[string]interface{}{"score": "1.5"}},
				map[string]interface{}{"content": "b", "doc_id": "d2", "doc_name": "two.md", "kb_id": "kb1",
					"_additional": map[string]interface{}{"id": "uuid-2", "score": "0.5"}},
				map[string]interface{}{"content": "c", "chunk_id": "c3", "doc_id": "d1", "doc_name": "one.md", "kb_id": "kb1"},
			},
		},
	}

	ref := parseChunks(data)
	require.Len(t, ref.Chunks, 3)
	assert.Equal(t, 3, ref.Total)
	assert.InDelta(t, 1.5, ref.Chunks[0].Similarity, 0.0001)
	assert.Equal(t, "uuid-2", ref.Chunks[1].ID)
	require.Len(t, ref.DocAggs, 2)
	assert.Equal(t, datatypes.DocAgg{DocID: "d1", DocName: "one.md", Count: 2}, ref.DocAggs[0])

	empty := parseChunks(map[string]models.JSONObject{})
	assert.NotNil(t, empty.Chunks)
	assert.Empty(t, empty.Chunks)
}

func TestFormatKnowledge(t *testing.T) {
	got := FormatKnowledge(sampleReference())
	assert.Equal(t, "[Document 1: faq.md]\nRefunds take 5 days.\n\n[Document 2: faq.md]\nContact support by email.", got)
}
