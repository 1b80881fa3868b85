// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when a token cannot be validated.
//
// Implementations should wrap it with context:
//
//	return nil, fmt.Errorf("unknown token: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated caller may not act on a
// resource.
var ErrForbidden = errors.New("forbidden")

// AuthInfo contains identity information returned after authentication.
//
// UserID is always populated. TenantIDs lists the tenants the user is a
// member of, when the provider knows them.
type AuthInfo struct {
	UserID    string
	Email     string
	Roles     []string
	TenantIDs []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// # Description
//
// Validate receives the raw token from the Authorization header (without the
// "Bearer " prefix) and returns the caller identity. An empty token is passed
// through so providers can decide whether anonymous access is allowed.
//
// # Outputs
//
//   - *AuthInfo: Caller identity on success.
//   - error: ErrUnauthorized (possibly wrapped) when the token is rejected.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// Resource types checked by AuthzProvider implementations.
const (
	ResourceDialog       = "dialog"
	ResourceConversation = "conversation"
)

// AuthzRequest describes an access decision.
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider decides whether a user may act on a resource.
// Implementations return ErrForbidden (possibly wrapped) to deny.
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts every token as the local user.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider allows everything.
type NopAuthzProvider struct{}

func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
