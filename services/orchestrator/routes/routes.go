// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/blob"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers bundles the handler structs served by the router.
//
// Blobs is nil when audio is stored in a cloud bucket, whose presigned URLs
// point at the provider directly.
type Handlers struct {
	Conversations *handlers.ConversationHandler
	Completion    *handlers.CompletionHandler
	Knowledge     *handlers.KnowledgeHandler
	Speech        *handlers.SpeechHandler
	Blobs         *handlers.BlobHandler
}

// Options controls the router's cross-cutting behavior.
type Options struct {
	// Auth validates bearer tokens on user routes. Nil means no-op auth.
	Auth extensions.AuthProvider

	// CallbackLimit rate-limits the unauthenticated TTS callback route.
	CallbackLimit middleware.RateLimitConfig

	// EnableMetrics exposes /metrics.
	EnableMetrics bool
}

// SetupRoutes registers every route on router.
//
// # Description
//
// User routes under /v1/conversation require a bearer token. Two routes
// are reachable without one: getsse, which authenticates by API token
// itself, and tts/callback, which the synthesis service calls and which is
// rate-limited per client address instead.
func SetupRoutes(router *gin.Engine, h Handlers, opts Options) {
	auth := opts.Auth
	if auth == nil {
		auth = &extensions.NopAuthProvider{}
	}

	router.GET("/health", handlers.HealthCheck)
	if opts.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if h.Blobs != nil {
		router.GET(blob.LocalRoutePrefix+"/:bucket/*key", h.Blobs.HandleGet)
	}

	conv := router.Group("/v1/conversation")
	{
		conv.GET("/getsse/:dialog_id", h.Conversations.HandleGetSSE)
		conv.POST("/tts/callback", middleware.RateLimitMiddleware(opts.CallbackLimit), h.Speech.HandleTTSCallback)

		user := conv.Group("", middleware.AuthMiddleware(auth))
		{
			user.POST("/set", h.Conversations.HandleSet)
			user.GET("/get", h.Conversations.HandleGet)
			user.POST("/rm", h.Conversations.HandleRemove)
			user.GET("/list", h.Conversations.HandleList)
			user.POST("/delete_msg", h.Conversations.HandleDeleteMessage)
			user.POST("/thumbup", h.Conversations.HandleThumbup)

			user.POST("/completion", h.Completion.HandleCompletion)

			user.POST("/ask", h.Knowledge.HandleAsk)
			user.POST("/mindmap", h.Knowledge.HandleMindMap)
			user.POST("/related_questions", h.Knowledge.HandleRelatedQuestions)

			user.POST("/sequence2txt", h.Speech.HandleSequence2Txt)
			user.POST("/tts", h.Speech.HandleTTS)
			user.POST("/tts/generate", h.Speech.HandleTTSGenerate)
			user.GET("/tts/down", h.Speech.HandleTTSDownload)
		}
	}
}
