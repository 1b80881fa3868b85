// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tts

import (
	"context"
	"iter"
	"regexp"
	"strings"
)

// LiveSynthesizer turns text into audio synchronously.
// *speech.TTSClient satisfies it.
type LiveSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

var sentenceDelims = regexp.MustCompile(`[，。/《》？；：！\n\r:;]+`)

// SplitSentences splits text on CJK and ASCII sentence punctuation and drops
// blank segments.
func SplitSentences(text string) []string {
	var out []string
	for _, seg := range sentenceDelims.Split(text, -1) {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Stream synthesizes text one sentence at a time. Iteration stops after the
// first error.
func Stream(ctx context.Context, synth LiveSynthesizer, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, seg := range SplitSentences(text) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			audio, err := synth.Synthesize(ctx, seg)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(audio, nil) {
				return
			}
		}
	}
}
