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
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/blob"
	"github.com/gin-gonic/gin"
)

// BlobHandler serves objects of the local blob store through the URLs
// produced by LocalStore.Presign. Only used when no cloud bucket is
// configured.
type BlobHandler struct {
	store *blob.LocalStore
}

func NewBlobHandler(st *blob.LocalStore) *BlobHandler {
	return &BlobHandler{store: st}
}

// HandleGet serves one presigned object.
//
// GET /v1/blob/:bucket/*key?expires=&signature=
func (h *BlobHandler) HandleGet(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "BlobHandler.HandleGet")
	defer span.End()

	bucket := c.Param("bucket")
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.store.Verify(bucket, key, c.Query("expires"), c.Query("signature")); err != nil {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	data, err := h.store.Get(ctx, bucket, key)
	if err != nil {
		span.RecordError(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if data == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, blob.ContentTypeFor(key), data)
}
