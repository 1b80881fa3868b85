// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Answer is one item of an answer-generation sequence.
//
// Intermediate items carry the accumulated answer text so far; the item with
// Final set carries the complete text and its retrieval reference.
type Answer struct {
	Answer    string     `json:"answer"`
	Reference *Reference `json:"reference"`
	ID        string     `json:"id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Prompt    string     `json:"prompt,omitempty"`
	CreatedAt float64    `json:"created_at,omitempty"`
	Final     bool       `json:"final"`
}

// ErrorAnswer is the data payload of an error frame on a completion stream.
type ErrorAnswer struct {
	Answer    string `json:"answer"`
	Reference []any  `json:"reference"`
}

// NewErrorAnswer formats msg the way streaming clients render failures.
func NewErrorAnswer(msg string) ErrorAnswer {
	return ErrorAnswer{Answer: "**ERROR**: " + msg, Reference: []any{}}
}

// ApplyAnswer folds an answer into the conversation and stamps it with the
// message and session ids.
//
// The last message becomes the assistant answer: it is appended when the
// conversation does not end with an assistant message and replaced
// otherwise. The last reference block is replaced by the answer's reference.
// ans is modified in place and also returned.
func (c *Conversation) ApplyAnswer(ans *Answer, messageID string) *Answer {
	if ans.Reference == nil {
		ref := EmptyReference()
		ans.Reference = &ref
	}
	if ans.Reference.Chunks == nil {
		ans.Reference.Chunks = []Chunk{}
	}
	if ans.Reference.DocAggs == nil {
		ans.Reference.DocAggs = []DocAgg{}
	}
	ans.ID = messageID
	ans.SessionID = c.ID

	msg := Message{
		ID:        messageID,
		Role:      RoleAssistant,
		Content:   ans.Answer,
		CreatedAt: float64(time.Now().UnixMilli()) / 1000,
	}
	if n := len(c.Message); n == 0 || c.Message[n-1].Role != RoleAssistant {
		c.Message = append(c.Message, msg)
	} else {
		c.Message[n-1] = msg
	}

	if n := len(c.Reference); n > 0 {
		c.Reference[n-1] = *ans.Reference
	}
	return ans
}
