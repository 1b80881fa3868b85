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
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Request Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of one message body.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest bounds the history a completion request may carry.
	MaxMessagesPerRequest = 200
)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// validateStruct runs struct validation and converts the result into a
// ValidationError naming the first offending field.
func validateStruct(v any) error {
	err := requestValidate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := toSnake(fe.Field())
		if fe.Tag() == "required" || strings.HasPrefix(fe.Tag(), "required_") {
			return ValidationError(fmt.Sprintf("required argument is missing: %s", field))
		}
		return ValidationError(fmt.Sprintf("invalid argument %s: failed %s", field, fe.Tag()))
	}
	return ValidationError(err.Error())
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// Conversation Requests
// =============================================================================

// SetConversationRequest creates (IsNew) or updates a conversation.
type SetConversationRequest struct {
	ConversationID string    `json:"conversation_id" validate:"required_without=IsNew,max=64"`
	IsNew          bool      `json:"is_new"`
	Name           string    `json:"name"`
	DialogID       string    `json:"dialog_id" validate:"required_with=IsNew"`
	Message        []Message `json:"message,omitempty" validate:"omitempty,max=200,dive"`
}

func (r *SetConversationRequest) Validate() error {
	return validateStruct(r)
}

// EnsureDefaults fills the display name of a conversation being created.
func (r *SetConversationRequest) EnsureDefaults() {
	if r.Name == "" {
		r.Name = "New conversation"
	}
	r.Name = TruncateName(r.Name)
}

// RemoveConversationsRequest deletes several conversations at once.
type RemoveConversationsRequest struct {
	ConversationIDs []string `json:"conversation_ids" validate:"required,min=1,dive,required"`
}

func (r *RemoveConversationsRequest) Validate() error {
	return validateStruct(r)
}

// DeleteMessageRequest removes one question/answer pair.
type DeleteMessageRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	MessageID      string `json:"message_id" validate:"required"`
}

func (r *DeleteMessageRequest) Validate() error {
	return validateStruct(r)
}

// ThumbupRequest records feedback on an answer.
type ThumbupRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	MessageID      string `json:"message_id" validate:"required"`
	Thumbup        *bool  `json:"thumbup" validate:"required"`
	Feedback       string `json:"feedback" validate:"maxbytes"`
}

func (r *ThumbupRequest) Validate() error {
	return validateStruct(r)
}

// =============================================================================
// Completion Requests
// =============================================================================

// CompletionRequest asks for the next assistant answer of a conversation.
type CompletionRequest struct {
	ConversationID   string    `json:"conversation_id" validate:"required"`
	Messages         []Message `json:"messages" validate:"required,min=1,max=200,dive"`
	LLMID            string    `json:"llm_id"`
	Temperature      *float32  `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP             *float32  `json:"top_p" validate:"omitempty,gte=0,lte=1"`
	FrequencyPenalty *float32  `json:"frequency_penalty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float32  `json:"presence_penalty" validate:"omitempty,gte=-2,lte=2"`
	MaxTokens        *int      `json:"max_tokens" validate:"omitempty,gt=0"`
	Stream           *bool     `json:"stream"`
}

func (r *CompletionRequest) Validate() error {
	return validateStruct(r)
}

// Streaming reports whether an SSE response was requested. Defaults to true.
func (r *CompletionRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// LLMSetting returns the sampling overrides carried by the request.
func (r *CompletionRequest) LLMSetting() LLMSetting {
	return LLMSetting{
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		MaxTokens:        r.MaxTokens,
	}
}

// ModelHistory returns the messages to send to the model: system messages
// are dropped, as are assistant messages before the first user turn.
func (r *CompletionRequest) ModelHistory() []Message {
	var out []Message
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			continue
		}
		if m.Role == RoleAssistant && len(out) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// KnowledgeRequest is shared by the ask and mindmap endpoints.
type KnowledgeRequest struct {
	Question string   `json:"question" validate:"required,maxbytes"`
	KBIDs    []string `json:"kb_ids" validate:"required,min=1,dive,required"`
}

func (r *KnowledgeRequest) Validate() error {
	return validateStruct(r)
}

// RelatedQuestionsRequest asks for follow-up search terms.
type RelatedQuestionsRequest struct {
	Question string `json:"question" validate:"required,maxbytes"`
}

func (r *RelatedQuestionsRequest) Validate() error {
	return validateStruct(r)
}

// =============================================================================
// Speech Requests
// =============================================================================

// TTSRequest asks for playable audio for a conversation.
type TTSRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text" validate:"max=16384"`
}

func (r *TTSRequest) Validate() error {
	return validateStruct(r)
}

// TTSGenerateRequest submits an asynchronous synthesis task.
type TTSGenerateRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Content        string `json:"content" validate:"required,max=16384"`
	MessageID      string `json:"message_id"`
}

func (r *TTSGenerateRequest) Validate() error {
	return validateStruct(r)
}

// TTSCallbackRequest is posted by the synthesis service when a task settles.
type TTSCallbackRequest struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result struct {
		OutputURL string `json:"output_url"`
	} `json:"result"`
}
