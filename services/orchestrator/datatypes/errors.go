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
)

// ErrorKind classifies failures so the HTTP layer can pick an envelope code.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindAuthorization   ErrorKind = "authorization"
	KindValidation      ErrorKind = "validation"
	KindExternalService ErrorKind = "external_service"
	KindNotConfigured   ErrorKind = "not_configured"
	KindInternal        ErrorKind = "internal"
)

// Sentinels for errors.Is checks against a kind regardless of message.
var (
	ErrNotFound        = &AppError{Kind: KindNotFound}
	ErrAuthorization   = &AppError{Kind: KindAuthorization}
	ErrValidation      = &AppError{Kind: KindValidation}
	ErrExternalService = &AppError{Kind: KindExternalService}
	ErrNotConfigured   = &AppError{Kind: KindNotConfigured}
)

// AppError is a classified error carrying a client-facing message.
//
// Message is safe to return to callers. Err, when set, holds the underlying
// cause and is only logged.
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError of the same kind, so errors.Is(err, ErrNotFound)
// works for every not-found error.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func NotFoundError(msg string) error {
	return &AppError{Kind: KindNotFound, Message: msg}
}

func AuthorizationError(msg string) error {
	return &AppError{Kind: KindAuthorization, Message: msg}
}

func ValidationError(msg string) error {
	return &AppError{Kind: KindValidation, Message: msg}
}

func NotConfiguredError(msg string) error {
	return &AppError{Kind: KindNotConfigured, Message: msg}
}

// ExternalServiceError wraps a failure talking to a remote dependency.
func ExternalServiceError(msg string, cause error) error {
	return &AppError{Kind: KindExternalService, Message: msg, Err: cause}
}

// KindOf returns the kind of the first AppError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// ClientMessage returns the message that may be shown to API callers.
func ClientMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
