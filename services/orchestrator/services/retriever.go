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
	"log/slog"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var retrieverTracer = otel.Tracer("aleutian.orchestrator.services.retriever")

// ChunkClassName is the Weaviate class holding knowledge-base chunks.
const ChunkClassName = "KnowledgeChunk"

// Retriever finds the chunks of the given knowledge bases most relevant to a
// question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, kbIDs []string, topN int) (datatypes.Reference, error)
}

// WeaviateRetriever runs BM25 keyword search over ChunkClassName.
type WeaviateRetriever struct {
	client *weaviate.Client
}

func NewWeaviateRetriever(client *weaviate.Client) *WeaviateRetriever {
	return &WeaviateRetriever{client: client}
}

// ChunkSchema returns the class definition for knowledge chunks.
func ChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChunkClassName,
		Description: "A retrievable chunk of a knowledge-base document.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "chunk_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "doc_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "doc_name",
				DataType:     []string{"text"},
				Tokenization: "field",
			},
			{
				Name:            "kb_id",
				DataType:        []string{"text"},
				Description:     "Knowledge base the chunk belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureChunkSchema creates the chunk class when it is missing.
func EnsureChunkSchema(ctx context.Context, client *weaviate.Client) error {
	class := ChunkSchema()
	if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}
	slog.Info("Schema not found, creating it...", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", class.Class, err)
	}
	return nil
}

// Retrieve implements Retriever.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, question string, kbIDs []string, topN int) (datatypes.Reference, error) {
	ctx, span := retrieverTracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.kb_count", len(kbIDs)), attribute.Int("retrieval.top_n", topN))

	ref := datatypes.EmptyReference()
	if len(kbIDs) == 0 || strings.TrimSpace(question) == "" {
		return ref, nil
	}
	if topN <= 0 {
		topN = 6
	}

	operands := make([]*filters.WhereBuilder, 0, len(kbIDs))
	for _, kb := range kbIDs {
		operands = append(operands, filters.Where().
			WithPath([]string{"kb_id"}).
			WithOperator(filters.Equal).
			WithValueText(kb))
	}
	whereFilter := operands[0]
	if len(operands) > 1 {
		whereFilter = filters.Where().WithOperator(filters.Or).WithOperands(operands)
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "chunk_id"},
		{Name: "doc_id"},
		{Name: "doc_name"},
		{Name: "kb_id"},
		{Name: "_additional { id score }"},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(ChunkClassName).
		WithFields(fields...).
		WithBM25(r.client.GraphQL().Bm25ArgBuilder().WithQuery(question).WithProperties("content")).
		WithWhere(whereFilter).
		WithLimit(topN).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ref, fmt.Errorf("knowledge search: %w", err)
	}
	if len(result.Errors) > 0 {
		span.SetStatus(codes.Error, result.Errors[0].Message)
		return ref, fmt.Errorf("knowledge search error: %s", result.Errors[0].Message)
	}

	ref = parseChunks(result.Data)
	span.SetAttributes(attribute.Int("retrieval.chunks", len(ref.Chunks)))
	return ref, nil
}

func parseChunks(data map[string]models.JSONObject) datatypes.Reference {
	ref := datatypes.EmptyReference()
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return ref
	}
	objects, ok := get[ChunkClassName].([]interface{})
	if !ok {
		return ref
	}

	aggIndex := map[string]int{}
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := datatypes.Chunk{
			ID:           getString(m, "chunk_id"),
			Content:      getString(m, "content"),
			DocumentID:   getString(m, "doc_id"),
			DocumentName: getString(m, "doc_name"),
			DatasetID:    getString(m, "kb_id"),
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if chunk.ID == "" {
				chunk.ID = getString(additional, "id")
			}
			// BM25 scores come back as strings.
			if s, err := strconv.ParseFloat(getString(additional, "score"), 64); err == nil {
				chunk.Similarity = s
			}
		}
		ref.Chunks = append(ref.Chunks, chunk)

		if i, seen := aggIndex[chunk.DocumentID]; seen {
			ref.DocAggs[i].Count++
		} else {
			aggIndex[chunk.DocumentID] = len(ref.DocAggs)
			ref.DocAggs = append(ref.DocAggs, datatypes.DocAgg{
				DocID:   chunk.DocumentID,
				DocName: chunk.DocumentName,
				Count:   1,
			})
		}
	}
	ref.Total = len(ref.Chunks)
	return ref
}

// FormatKnowledge renders retrieved chunks for inclusion in a prompt.
func FormatKnowledge(ref datatypes.Reference) string {
	var sb strings.Builder
	for i, c := range ref.Chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Document %d: %s]\n%s", i+1, c.DocumentName, c.Content)
	}
	return sb.String()
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

var _ Retriever = (*WeaviateRetriever)(nil)
