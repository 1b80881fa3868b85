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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	// PerSecond is the sustained rate. Zero or negative disables limiting.
	PerSecond float64
	// Burst is the bucket size.
	Burst int
	// IdleTTL evicts limiters for clients not seen for this long.
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client IP.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*clientLimiter
	now     func() time.Time
}

// NewRateLimiter creates a RateLimiter. Burst defaults to 1 and IdleTTL to
// ten minutes.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = now

	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > l.cfg.IdleTTL {
			delete(l.clients, k)
		}
	}
	return cl.limiter.AllowN(now, 1)
}

// RateLimitMiddleware rejects clients that exceed cfg with HTTP 429.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.PerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := NewRateLimiter(cfg)
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			slog.Warn("Rate limit exceeded", "client_ip", c.ClientIP(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.Envelope{
				Code:    datatypes.RetOperatingError,
				Message: "Too many requests",
				Data:    false,
			})
			return
		}
		c.Next()
	}
}
