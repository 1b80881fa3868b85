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
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tenants"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.orchestrator.handlers")

const (
	msgConversationNotOwned = "Only owner of conversation authorized for this operation."
	msgDialogNotOwned       = "Only owner of dialog authorized for this operation."
)

// ConversationHandler serves conversation CRUD and feedback endpoints.
type ConversationHandler struct {
	store    store.ConversationStore
	registry *tenants.Registry
	authz    extensions.AuthzProvider
}

// NewConversationHandler creates the handler. A nil authz allows every
// authenticated caller.
func NewConversationHandler(st store.ConversationStore, registry *tenants.Registry, authz extensions.AuthzProvider) *ConversationHandler {
	if authz == nil {
		authz = &extensions.NopAuthzProvider{}
	}
	return &ConversationHandler{store: st, registry: registry, authz: authz}
}

type conversationView struct {
	*datatypes.Conversation
	Avatar string `json:"avatar"`
}

type dialogView struct {
	datatypes.Dialog
	Avatar string `json:"avatar"`
}

// NewConversationID returns a dash-free random id.
func NewConversationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// authorizeDialog checks that the caller may act on a dialog. Denials
// become an AuthorizationError carrying msg.
func (h *ConversationHandler) authorizeDialog(ctx context.Context, c *gin.Context, dialogID, msg string) error {
	err := h.authz.Authorize(ctx, extensions.AuthzRequest{
		User:         middleware.GetAuthInfo(c),
		Action:       c.Request.Method,
		ResourceType: extensions.ResourceDialog,
		ResourceID:   dialogID,
	})
	if err != nil {
		slog.Warn("Dialog access denied", "user_id", middleware.UserID(c), "dialog_id", dialogID, "error", err)
		return datatypes.AuthorizationError(msg)
	}
	return nil
}

// HandleSet creates or updates a conversation.
//
// POST /v1/conversation/set
//
// With is_new=false the named conversation takes the fields present in the
// request: a non-empty name (truncated) and a non-empty message list. With
// is_new=true a conversation is created for dialog_id, opened by the dialog
// prologue; a conversation_id that is already taken is refused.
func (h *ConversationHandler) HandleSet(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ConversationHandler.HandleSet")
	defer span.End()

	var req datatypes.SetConversationRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.IsNew {
		req.EnsureDefaults()
	}
	span.SetAttributes(attribute.Bool("conversation.is_new", req.IsNew))

	if !req.IsNew {
		conv, err := h.store.Get(ctx, req.ConversationID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := h.authorizeDialog(ctx, c, conv.DialogID, msgConversationNotOwned); err != nil {
			respondError(c, err)
			return
		}
		if req.Name != "" {
			conv.Name = datatypes.TruncateName(req.Name)
		}
		if len(req.Message) > 0 {
			conv.Message = req.Message
		}
		if err := h.store.Save(ctx, conv); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, conv)
		return
	}

	dialog, err := h.registry.Dialog(req.DialogID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.authorizeDialog(ctx, c, dialog.ID, msgDialogNotOwned); err != nil {
		respondError(c, err)
		return
	}

	id := req.ConversationID
	if id == "" {
		id = NewConversationID()
	}
	conv := datatypes.NewConversation(id, dialog.ID, middleware.UserID(c), req.Name, dialog.PromptConfig.Prologue)
	if err := h.store.Create(ctx, conv); err != nil {
		respondError(c, err)
		return
	}
	slog.Info("Conversation created", "conversation_id", conv.ID, "dialog_id", dialog.ID)
	respondOK(c, conv)
}

// HandleGet returns one conversation with its dialog's avatar.
//
// GET /v1/conversation/get?conversation_id=
func (h *ConversationHandler) HandleGet(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ConversationHandler.HandleGet")
	defer span.End()

	convID := c.Query("conversation_id")
	if convID == "" {
		respondError(c, datatypes.ValidationError("required argument is missing: conversation_id"))
		return
	}
	conv, err := h.store.Get(ctx, convID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.authorizeDialog(ctx, c, conv.DialogID, msgConversationNotOwned); err != nil {
		respondError(c, err)
		return
	}

	view := conversationView{Conversation: conv}
	if dialog, err := h.registry.Dialog(conv.DialogID); err == nil {
		view.Avatar = dialog.Icon
	}
	respondOK(c, view)
}

// HandleGetSSE returns a dialog for an embedded client authenticated by an
// API token.
//
// GET /v1/conversation/getsse/:dialog_id
//
// The route is outside the user auth middleware. The token is the second
// word of the Authorization header.
func (h *ConversationHandler) HandleGetSSE(c *gin.Context) {
	dialogID := c.Param("dialog_id")

	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) != 2 {
		respondError(c, datatypes.ValidationError("Authorization is not valid!"))
		return
	}
	token, err := h.registry.ValidateAPIToken(parts[1])
	if err != nil {
		respondError(c, err)
		return
	}
	if token.DialogID != "" && token.DialogID != dialogID {
		respondError(c, datatypes.AuthorizationError("Authentication error: API key is invalid!"))
		return
	}

	dialog, err := h.registry.Dialog(dialogID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, dialogView{Dialog: dialog, Avatar: dialog.Icon})
}

// HandleRemove deletes conversations after checking each one's ownership.
//
// POST /v1/conversation/rm
func (h *ConversationHandler) HandleRemove(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ConversationHandler.HandleRemove")
	defer span.End()

	var req datatypes.RemoveConversationsRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	span.SetAttributes(attribute.Int("conversation.count", len(req.ConversationIDs)))

	for _, id := range req.ConversationIDs {
		conv, err := h.store.Get(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := h.authorizeDialog(ctx, c, conv.DialogID, msgConversationNotOwned); err != nil {
			respondError(c, err)
			return
		}
		if err := h.store.Delete(ctx, id); err != nil {
			respondError(c, err)
			return
		}
	}
	respondOK(c, true)
}

// HandleList lists a dialog's conversations, newest first.
//
// GET /v1/conversation/list?dialog_id=
func (h *ConversationHandler) HandleList(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ConversationHandler.HandleList")
	defer span.End()

	dialogID := c.Query("dialog_id")
	if dialogID == "" {
		respondError(c, datatypes.ValidationError("required argument is missing: dialog_id"))
		return
	}
	if _, err := h.registry.Dialog(dialogID); err != nil {
		respondError(c, datatypes.AuthorizationError(msgDialogNotOwned))
		return
	}
	if err := h.authorizeDialog(ctx, c, dialogID, msgDialogNotOwned); err != nil {
		respondError(c, err)
		return
	}

	convs, err := h.store.ListByDialog(ctx, dialogID)
	if err != nil {
		respondError(c, err)
		return
	}
	if convs == nil {
		convs = []*datatypes.Conversation{}
	}
	respondOK(c, convs)
}

// HandleDeleteMessage removes a question/answer pair.
//
// POST /v1/conversation/delete_msg
func (h *ConversationHandler) HandleDeleteMessage(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ConversationHandler.HandleDeleteMessage")
	defer span.End()

	var req datatypes.DeleteMessageRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	conv, err := h.store.Get(ctx, req.ConversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.authorizeDialog(ctx, c, conv.DialogID, msgConversationNotOwned); err != nil {
		respondError(c, err)
		return
	}

	if conv.DeleteMessagePair(req.MessageID) {
		if err := h.store.Save(ctx, conv); err != nil {
			respondError(c, err)
			return
		}
	}
	respondOK(c, conv)
}

// HandleThumbup records like/dislike feedback on an answer.
//
// POST /v1/conversation/thumbup
func (h *ConversationHandler) HandleThumbup(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ConversationHandler.HandleThumbup")
	defer span.End()

	var req datatypes.ThumbupRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	conv, err := h.store.Get(ctx, req.ConversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.authorizeDialog(ctx, c, conv.DialogID, msgConversationNotOwned); err != nil {
		respondError(c, err)
		return
	}

	if conv.SetThumb(req.MessageID, *req.Thumbup, req.Feedback) {
		if err := h.store.Save(ctx, conv); err != nil {
			respondError(c, err)
			return
		}
	}
	respondOK(c, conv)
}
