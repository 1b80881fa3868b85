// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// tokenTable accepts a fixed set of user tokens, the way the tenant
// registry does.
type tokenTable struct {
	users   map[string]string
	failure error
	seen    string
}

func (p *tokenTable) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	p.seen = token
	if p.failure != nil {
		return nil, p.failure
	}
	userID, ok := p.users[token]
	if !ok {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{UserID: userID}, nil
}

func whoAmIRouter(provider extensions.AuthProvider) *gin.Engine {
	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return router
}

func callWhoAmI(router *gin.Engine, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer tok-1", "tok-1"},
		{"bearer tok-1", "tok-1"},
		{"BEARER  tok-1 ", "tok-1"},
		{"", ""},
		{"tok-1", ""},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
	}
	for _, tc := range tests {
		t.Run(tc.header, func(t *testing.T) {
			assert.Equal(t, tc.want, extractBearerToken(tc.header))
		})
	}
}

func TestAuthMiddleware_KnownToken(t *testing.T) {
	provider := &tokenTable{users: map[string]string{"tok-1": "u1"}}

	w := callWhoAmI(whoAmIRouter(provider), "Bearer tok-1")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
	assert.Equal(t, "tok-1", provider.seen)
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		provider    *tokenTable
		header      string
		wantMessage string
	}{
		{"unknown token", &tokenTable{users: map[string]string{"tok-1": "u1"}}, "Bearer tok-2", "Authentication error: invalid token"},
		{"missing header", &tokenTable{users: map[string]string{"tok-1": "u1"}}, "", "Authentication error: invalid token"},
		{"provider failure", &tokenTable{failure: errors.New("registry unavailable")}, "Bearer tok-1", "Authentication error: authentication failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := callWhoAmI(whoAmIRouter(tc.provider), tc.header)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			var env datatypes.Envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.Equal(t, datatypes.RetUnauthorized, env.Code)
			assert.Equal(t, tc.wantMessage, env.Message)
			assert.Equal(t, false, env.Data)
		})
	}
}

func TestAuthMiddleware_NopProviderIsLocalUser(t *testing.T) {
	w := callWhoAmI(whoAmIRouter(&extensions.NopAuthProvider{}), "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "local-user", w.Body.String())
}

func TestAuthInfoHelpers(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
	assert.Empty(t, UserID(c))

	c.Set(authInfoKey, "not auth info")
	assert.Nil(t, GetAuthInfo(c))

	SetAuthInfo(c, &extensions.AuthInfo{UserID: "u2", Roles: []string{"viewer"}})
	require.NotNil(t, GetAuthInfo(c))
	assert.Equal(t, "u2", UserID(c))
	assert.Equal(t, []string{"viewer"}, GetAuthInfo(c).Roles)
}
