// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware holds the gin middleware of the conversation service:
// bearer-token authentication for the user routes and a per-client rate
// limiter for the unauthenticated synthesis callback.
//
// Authentication resolves the caller to an extensions.AuthInfo whose UserID
// is the key into the tenant registry. Handlers read it back with
// GetAuthInfo. Rejections use the response envelope with code 401 so web
// clients can handle them like any other API failure.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const authInfoKey = "conversation_auth_info"

// SetAuthInfo stores the caller identity on the request context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the caller identity stored by AuthMiddleware, or nil
// when the request did not pass through it.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// AuthMiddleware authenticates user routes.
//
// # Description
//
// Reads the token from "Authorization: Bearer <token>", validates it with
// provider and stores the resulting AuthInfo for the handlers. The user id
// is also attached to the active request span as "user.id".
//
// # Inputs
//
//   - provider: Token validator. The tenant registry in production,
//     NopAuthProvider in local setups.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with HTTP 401 and
//     {"code":401,"message":"Authentication error: ...","data":false} when
//     the token is rejected.
//
// # Limitations
//
//   - A missing or malformed header is passed to the provider as "".
//   - Results are not cached; every request hits the provider.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			message := "Authentication error: invalid token"
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Warn("Auth provider failed", "path", c.FullPath(), "error", err)
				message = "Authentication error: authentication failed"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.Envelope{
				Code:    datatypes.RetUnauthorized,
				Message: message,
				Data:    false,
			})
			return
		}

		if authInfo != nil {
			trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("user.id", authInfo.UserID))
		}
		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is matched case-insensitively; anything else yields "".
func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
