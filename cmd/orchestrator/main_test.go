// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("T_STR", "abc")
	t.Setenv("T_INT", "42")
	t.Setenv("T_BAD_INT", "x")
	t.Setenv("T_FLOAT", "2.5")
	t.Setenv("T_BOOL", "false")
	t.Setenv("T_DUR", "90s")
	t.Setenv("T_BAD_DUR", "soon")

	assert.Equal(t, "abc", getEnvString("T_STR", "d"))
	assert.Equal(t, "d", getEnvString("T_UNSET", "d"))
	assert.Equal(t, 42, getEnvInt("T_INT", 1))
	assert.Equal(t, 1, getEnvInt("T_BAD_INT", 1))
	assert.Equal(t, 2.5, getEnvFloat("T_FLOAT", 1))
	assert.False(t, getEnvBool("T_BOOL", true))
	assert.True(t, getEnvBool("T_UNSET", true))
	assert.Equal(t, 90*time.Second, getEnvDuration("T_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("T_BAD_DUR", time.Second))
}

func TestServeCommandRegistered(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"serve"})
	assert.NoError(t, err)
	assert.Equal(t, "serve", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("registry"))
	assert.NotNil(t, cmd.Flags().Lookup("blob-backend"))
}
