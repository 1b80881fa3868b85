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

import (
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// MaxConversationNameRunes bounds the conversation display name.
const MaxConversationNameRunes = 255

// =============================================================================
// TTS Status
// =============================================================================

// TTSStatus is the lifecycle state of a remote speech synthesis task.
//
// Transitions are pending → completed or pending → failed. The value is
// applied exactly as reported by the synthesis service; no ordering between
// callbacks is enforced.
type TTSStatus string

const (
	TTSStatusPending   TTSStatus = "pending"
	TTSStatusCompleted TTSStatus = "completed"
	TTSStatusFailed    TTSStatus = "failed"
	TTSStatusUnknown   TTSStatus = "unknown"
)

// ParseTTSStatus maps a status string reported by the synthesis service.
// Unrecognized values become TTSStatusUnknown.
func ParseTTSStatus(s string) TTSStatus {
	switch TTSStatus(s) {
	case TTSStatusPending, TTSStatusCompleted, TTSStatusFailed:
		return TTSStatus(s)
	default:
		return TTSStatusUnknown
	}
}

// =============================================================================
// Message
// =============================================================================

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn inside a conversation.
//
// A user question and the assistant answer generated for it share the same
// ID. Per-message TTS fields are populated when a synthesis task was
// submitted for that specific answer.
type Message struct {
	ID         string    `json:"id,omitempty"`
	Role       string    `json:"role" validate:"required,oneof=system user assistant"`
	Content    string    `json:"content" validate:"maxbytes"`
	CreatedAt  float64   `json:"created_at,omitempty"`
	Thumbup    *bool     `json:"thumbup,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	TTSTaskID  string    `json:"tts_task_id,omitempty"`
	TTSStatus  TTSStatus `json:"tts_status,omitempty"`
	TTSFileURL string    `json:"tts_file_url,omitempty"`
}

// UnmarshalJSON accepts the legacy camel-case "ttsTaskId" key written by
// older web clients and folds it into TTSTaskID.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		LegacyTTSTaskID string `json:"ttsTaskId,omitempty"`
	}
	if err := sonic.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.TTSTaskID == "" {
		m.TTSTaskID = aux.LegacyTTSTaskID
	}
	return nil
}

// =============================================================================
// Reference
// =============================================================================

// Chunk is one retrieved knowledge fragment cited by an answer.
type Chunk struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	DatasetID    string  `json:"dataset_id"`
	Similarity   float64 `json:"similarity"`
}

// DocAgg counts how many cited chunks came from one document.
type DocAgg struct {
	DocID   string `json:"doc_id"`
	DocName string `json:"doc_name"`
	Count   int    `json:"count"`
}

// Reference is the retrieval context attached to one assistant answer.
type Reference struct {
	Total   int      `json:"total,omitempty"`
	Chunks  []Chunk  `json:"chunks"`
	DocAggs []DocAgg `json:"doc_aggs"`
}

// EmptyReference returns a reference block with non-nil, empty lists so it
// serializes as {"chunks":[],"doc_aggs":[]}.
func EmptyReference() Reference {
	return Reference{Chunks: []Chunk{}, DocAggs: []DocAgg{}}
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is a chat session bound to a dialog.
type Conversation struct {
	ID         string      `json:"id"`
	DialogID   string      `json:"dialog_id"`
	UserID     string      `json:"user_id,omitempty"`
	Name       string      `json:"name"`
	Message    []Message   `json:"message"`
	Reference  []Reference `json:"reference"`
	TTSTaskID  string      `json:"tts_task_id,omitempty"`
	TTSStatus  TTSStatus   `json:"tts_status,omitempty"`
	TTSFileURL string      `json:"tts_file_url,omitempty"`
	Revision   int64       `json:"revision"`
	CreateTime int64       `json:"create_time"`
	UpdateTime int64       `json:"update_time"`
}

// NewConversation creates a conversation whose first message is the dialog
// prologue.
func NewConversation(id, dialogID, userID, name, prologue string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:       id,
		DialogID: dialogID,
		UserID:   userID,
		Name:     TruncateName(name),
		Message: []Message{{
			Role:      RoleAssistant,
			Content:   prologue,
			CreatedAt: float64(now.UnixMilli()) / 1000,
		}},
		Reference:  []Reference{},
		CreateTime: now.UnixMilli(),
		UpdateTime: now.UnixMilli(),
	}
}

// TruncateName cuts a display name to MaxConversationNameRunes runes.
func TruncateName(name string) string {
	if utf8.RuneCountInString(name) <= MaxConversationNameRunes {
		return name
	}
	return string([]rune(name)[:MaxConversationNameRunes])
}

// TaskIDs returns every TTS task id referenced by the conversation or any of
// its messages, conversation-level first.
func (c *Conversation) TaskIDs() []string {
	var ids []string
	if c.TTSTaskID != "" {
		ids = append(ids, c.TTSTaskID)
	}
	for _, m := range c.Message {
		if m.TTSTaskID != "" && m.TTSTaskID != c.TTSTaskID {
			ids = append(ids, m.TTSTaskID)
		}
	}
	return ids
}

// HasMessageTask reports whether any message carries the given task id.
func (c *Conversation) HasMessageTask(taskID string) bool {
	for _, m := range c.Message {
		if m.TTSTaskID == taskID {
			return true
		}
	}
	return false
}

// hasPrologue reports whether the first message is a dialog prologue, which
// is an assistant message with no preceding question.
func (c *Conversation) hasPrologue() bool {
	return len(c.Message) > 0 && c.Message[0].Role == RoleAssistant
}

// DeleteMessagePair removes the assistant answer identified by messageID
// together with the user question directly before it, and drops the
// reference block that belonged to the answer.
//
// Returns false when no assistant message has that id; the conversation is
// left untouched in that case.
func (c *Conversation) DeleteMessagePair(messageID string) bool {
	idx := -1
	for i, m := range c.Message {
		if m.ID == messageID && m.Role == RoleAssistant {
			if i == 0 && c.hasPrologue() {
				continue
			}
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	// Ordinal of this answer among answers, not counting the prologue.
	ordinal := 0
	for i := 0; i < idx; i++ {
		if c.Message[i].Role == RoleAssistant && !(i == 0 && c.hasPrologue()) {
			ordinal++
		}
	}

	start := idx
	if idx > 0 && c.Message[idx-1].Role == RoleUser {
		start = idx - 1
	}
	c.Message = append(c.Message[:start], c.Message[idx+1:]...)

	if n := len(c.Reference); n > 0 {
		refIdx := min(ordinal, n-1)
		c.Reference = append(c.Reference[:refIdx], c.Reference[refIdx+1:]...)
	}
	return true
}

// SetThumb records user feedback on an assistant answer.
//
// up=true marks the answer liked and clears any stored feedback text.
// up=false marks it disliked and stores feedback when it is non-empty.
// Returns false when no assistant message has that id.
func (c *Conversation) SetThumb(messageID string, up bool, feedback string) bool {
	for i := range c.Message {
		m := &c.Message[i]
		if m.ID != messageID || m.Role != RoleAssistant {
			continue
		}
		thumb := up
		m.Thumbup = &thumb
		if up {
			m.Feedback = ""
		} else if feedback != "" {
			m.Feedback = feedback
		}
		return true
	}
	return false
}

// AnswerCount returns the number of assistant answers, excluding a leading
// prologue.
func (c *Conversation) AnswerCount() int {
	n := 0
	for i, m := range c.Message {
		if m.Role == RoleAssistant && !(i == 0 && c.hasPrologue()) {
			n++
		}
	}
	return n
}

// Touch bumps the update time.
func (c *Conversation) Touch() {
	c.UpdateTime = time.Now().UnixMilli()
}
