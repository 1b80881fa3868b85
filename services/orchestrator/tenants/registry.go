// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tenants provides the read-only registry of users, tenants, dialogs
// and API tokens. The registry is loaded from a YAML file and can follow
// changes to that file while the service runs.
//
// The registry also acts as the service's AuthProvider (bearer token to
// user) and AuthzProvider (dialog ownership).
package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"gopkg.in/yaml.v3"
)

// User is a login-capable account. Token is the bearer token it presents.
type User struct {
	ID      string   `yaml:"id"`
	Email   string   `yaml:"email"`
	Token   string   `yaml:"token"`
	Roles   []string `yaml:"roles"`
	Tenants []string `yaml:"tenants"`
}

// APIToken grants embedded access to a tenant's dialogs.
type APIToken struct {
	Token    string `yaml:"token"`
	TenantID string `yaml:"tenant_id"`
	DialogID string `yaml:"dialog_id,omitempty"`
}

// File is the on-disk registry layout.
type File struct {
	Users     []User             `yaml:"users"`
	APITokens []APIToken         `yaml:"api_tokens"`
	Tenants   []datatypes.Tenant `yaml:"tenants"`
	Dialogs   []datatypes.Dialog `yaml:"dialogs"`
}

type snapshot struct {
	usersByToken map[string]User
	usersByID    map[string]User
	apiTokens    map[string]APIToken
	tenants      map[string]datatypes.Tenant
	dialogs      map[string]datatypes.Dialog
}

func buildSnapshot(f File) (*snapshot, error) {
	s := &snapshot{
		usersByToken: make(map[string]User, len(f.Users)),
		usersByID:    make(map[string]User, len(f.Users)),
		apiTokens:    make(map[string]APIToken, len(f.APITokens)),
		tenants:      make(map[string]datatypes.Tenant, len(f.Tenants)),
		dialogs:      make(map[string]datatypes.Dialog, len(f.Dialogs)),
	}
	for _, u := range f.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("user without id")
		}
		if u.Token != "" {
			if _, dup := s.usersByToken[u.Token]; dup {
				return nil, fmt.Errorf("duplicate token for user %s", u.ID)
			}
			s.usersByToken[u.Token] = u
		}
		s.usersByID[u.ID] = u
	}
	for _, t := range f.APITokens {
		s.apiTokens[t.Token] = t
	}
	for _, t := range f.Tenants {
		s.tenants[t.ID] = t
	}
	for _, d := range f.Dialogs {
		if _, ok := s.tenants[d.TenantID]; !ok {
			return nil, fmt.Errorf("dialog %s references unknown tenant %s", d.ID, d.TenantID)
		}
		s.dialogs[d.ID] = d
	}
	return s, nil
}

// Registry serves lookups from the latest successfully loaded snapshot.
type Registry struct {
	path string

	mu   sync.RWMutex
	snap *snapshot

	watchMu  sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a registry from an in-memory File.
func New(f File) (*Registry, error) {
	snap, err := buildSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}
	return &Registry{snap: snap, done: make(chan struct{})}, nil
}

// Load reads the registry from a YAML file.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, done: make(chan struct{})}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file. On error the previous snapshot stays
// active.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	snap, err := buildSnapshot(f)
	if err != nil {
		return fmt.Errorf("invalid registry %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	slog.Info("Loaded tenant registry",
		"path", r.path,
		"users", len(snap.usersByID),
		"tenants", len(snap.tenants),
		"dialogs", len(snap.dialogs))
	return nil
}

func (r *Registry) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Tenant returns a tenant by id.
func (r *Registry) Tenant(id string) (datatypes.Tenant, bool) {
	t, ok := r.current().tenants[id]
	return t, ok
}

// TenantIDs lists the tenants a user belongs to. A user without explicit
// memberships owns the tenant with its own id.
func (r *Registry) TenantIDs(userID string) []string {
	if u, ok := r.current().usersByID[userID]; ok && len(u.Tenants) > 0 {
		return append([]string(nil), u.Tenants...)
	}
	return []string{userID}
}

// DefaultTenant returns the first tenant the user belongs to.
func (r *Registry) DefaultTenant(userID string) (datatypes.Tenant, error) {
	snap := r.current()
	for _, id := range r.TenantIDs(userID) {
		if t, ok := snap.tenants[id]; ok {
			return t, nil
		}
	}
	return datatypes.Tenant{}, datatypes.NotFoundError("Tenant not found!")
}

// Dialog returns a dialog by id.
func (r *Registry) Dialog(id string) (datatypes.Dialog, error) {
	d, ok := r.current().dialogs[id]
	if !ok {
		return datatypes.Dialog{}, datatypes.NotFoundError("Dialog not found!")
	}
	return d, nil
}

// DialogTenant returns the tenant that owns a dialog.
func (r *Registry) DialogTenant(dialogID string) (datatypes.Tenant, error) {
	d, err := r.Dialog(dialogID)
	if err != nil {
		return datatypes.Tenant{}, err
	}
	t, ok := r.Tenant(d.TenantID)
	if !ok {
		return datatypes.Tenant{}, datatypes.NotFoundError("Tenant not found!")
	}
	return t, nil
}

// OwnsDialog reports whether any of the user's tenants owns the dialog.
func (r *Registry) OwnsDialog(userID, dialogID string) bool {
	d, ok := r.current().dialogs[dialogID]
	if !ok {
		return false
	}
	for _, id := range r.TenantIDs(userID) {
		if id == d.TenantID {
			return true
		}
	}
	return false
}

// ValidateAPIToken resolves an API token used by embedded clients.
func (r *Registry) ValidateAPIToken(token string) (APIToken, error) {
	t, ok := r.current().apiTokens[token]
	if !ok || token == "" {
		return APIToken{}, datatypes.AuthorizationError("Authentication error: API key is invalid!")
	}
	return t, nil
}

// Validate implements extensions.AuthProvider.
func (r *Registry) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	u, ok := r.current().usersByToken[token]
	if !ok || token == "" {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{
		UserID:    u.ID,
		Email:     u.Email,
		Roles:     append([]string(nil), u.Roles...),
		TenantIDs: r.TenantIDs(u.ID),
	}, nil
}

// Authorize implements extensions.AuthzProvider. Only dialog resources are
// checked; conversations are authorized through their dialog.
func (r *Registry) Authorize(_ context.Context, req extensions.AuthzRequest) error {
	if req.User == nil {
		return extensions.ErrUnauthorized
	}
	switch req.ResourceType {
	case extensions.ResourceDialog:
		if !r.OwnsDialog(req.User.UserID, req.ResourceID) {
			return extensions.ErrForbidden
		}
	}
	return nil
}

var (
	_ extensions.AuthProvider  = (*Registry)(nil)
	_ extensions.AuthzProvider = (*Registry)(nil)
)
