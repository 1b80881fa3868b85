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

// RetCode is the numeric status carried inside every JSON envelope.
type RetCode int

const (
	RetSuccess        RetCode = 0
	RetArgumentError  RetCode = 101
	RetDataError      RetCode = 102
	RetOperatingError RetCode = 103
	RetUnauthorized   RetCode = 401
	RetServerError    RetCode = 500
)

// Envelope is the response body shape shared by all endpoints and by every
// SSE frame: {"code": ..., "message": ..., "data": ...}.
type Envelope struct {
	Code    RetCode `json:"code"`
	Message string  `json:"message"`
	Data    any     `json:"data"`
}

// Success wraps data in a zero-code envelope.
func Success(data any) Envelope {
	return Envelope{Code: RetSuccess, Message: "", Data: data}
}

// Failure builds an envelope for err using its kind.
func Failure(err error) Envelope {
	return Envelope{
		Code:    CodeForKind(KindOf(err)),
		Message: ClientMessage(err),
		Data:    false,
	}
}

// CodeForKind maps an error kind to its envelope code.
func CodeForKind(kind ErrorKind) RetCode {
	switch kind {
	case KindValidation:
		return RetArgumentError
	case KindNotFound, KindExternalService, KindNotConfigured:
		return RetDataError
	case KindAuthorization:
		return RetOperatingError
	default:
		return RetServerError
	}
}
