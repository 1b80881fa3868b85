// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers of the conversation API.
//
// Every JSON response uses the envelope {"code","message","data"} with HTTP
// status 200; the envelope code carries the outcome. Streaming endpoints
// write the same envelope as Server-Sent Events frames.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// validatable is implemented by the request types in datatypes.
type validatable interface {
	Validate() error
}

// respondOK writes a success envelope.
func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, datatypes.Success(data))
}

// respondError converts err into an envelope at the HTTP boundary.
func respondError(c *gin.Context, err error) {
	kind := datatypes.KindOf(err)
	switch kind {
	case datatypes.KindInternal, datatypes.KindExternalService:
		slog.Error("Request failed", "path", c.FullPath(), "kind", kind, "error", err)
	default:
		slog.Warn("Request rejected", "path", c.FullPath(), "kind", kind, "error", err)
	}
	c.JSON(http.StatusOK, datatypes.Failure(err))
}

// bindJSON decodes and validates a JSON request body.
func bindJSON(c *gin.Context, req validatable) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return datatypes.ValidationError("invalid request body: " + err.Error())
	}
	return req.Validate()
}

// startKeepAlive writes keep-alive comments every interval until the
// returned stop function is called. A non-positive interval disables it.
func startKeepAlive(ctx context.Context, sse SSEWriter, interval time.Duration, onTick func()) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sse.WriteKeepAlive(); err != nil {
					return
				}
				if onTick != nil {
					onTick()
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
