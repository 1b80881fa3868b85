// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable identity hooks of the
// conversation service.
//
// The open-source build ships no-op defaults. Deployments that need real
// authentication supply their own AuthProvider and AuthzProvider through
// ServiceOptions:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(myTokenProvider).
//	    WithAuthz(myTenantPolicy)
//	svc, err := orchestrator.New(cfg, &opts)
package extensions

// ServiceOptions carries the extension implementations used by the service.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on every protected route.
	AuthProvider AuthProvider

	// AuthzProvider decides dialog and conversation ownership.
	AuthzProvider AuthzProvider
}

// DefaultOptions returns options with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
	}
}

// WithAuth returns a copy with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}
