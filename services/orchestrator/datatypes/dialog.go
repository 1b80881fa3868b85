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

// PromptConfig holds the prompt pieces a dialog is configured with.
//
// System may contain the placeholder {knowledge}, replaced by the retrieved
// chunk text before the prompt is sent to the model.
type PromptConfig struct {
	System        string `yaml:"system" json:"system"`
	Prologue      string `yaml:"prologue" json:"prologue"`
	EmptyResponse string `yaml:"empty_response" json:"empty_response"`
}

// LLMSetting is the sampling configuration of a dialog. Nil fields fall back
// to the model defaults.
type LLMSetting struct {
	Temperature      *float32 `yaml:"temperature" json:"temperature,omitempty"`
	TopP             *float32 `yaml:"top_p" json:"top_p,omitempty"`
	FrequencyPenalty *float32 `yaml:"frequency_penalty" json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `yaml:"presence_penalty" json:"presence_penalty,omitempty"`
	MaxTokens        *int     `yaml:"max_tokens" json:"max_tokens,omitempty"`
}

// Dialog is a chat assistant definition owned by a tenant.
type Dialog struct {
	ID           string       `yaml:"id" json:"id"`
	TenantID     string       `yaml:"tenant_id" json:"tenant_id"`
	Name         string       `yaml:"name" json:"name"`
	Description  string       `yaml:"description" json:"description,omitempty"`
	Icon         string       `yaml:"icon" json:"icon,omitempty"`
	LLMID        string       `yaml:"llm_id" json:"llm_id"`
	LLMSetting   LLMSetting   `yaml:"llm_setting" json:"llm_setting"`
	KBIDs        []string     `yaml:"kb_ids" json:"kb_ids"`
	TopN         int          `yaml:"top_n" json:"top_n"`
	PromptConfig PromptConfig `yaml:"prompt_config" json:"prompt_config"`
}

// Tenant is the unit that owns dialogs and model configuration.
//
// An empty TTSID or ASRID means no default speech model is configured for
// the tenant.
type Tenant struct {
	ID     string   `yaml:"id" json:"id"`
	Name   string   `yaml:"name" json:"name"`
	LLMID  string   `yaml:"llm_id" json:"llm_id"`
	TTSID  string   `yaml:"tts_id" json:"tts_id"`
	ASRID  string   `yaml:"asr_id" json:"asr_id"`
	Models []string `yaml:"models" json:"models"`
}

// PermitsModel reports whether a chat model may be selected for this tenant.
func (t Tenant) PermitsModel(model string) bool {
	if model == t.LLMID {
		return true
	}
	for _, m := range t.Models {
		if m == model {
			return true
		}
	}
	return false
}
