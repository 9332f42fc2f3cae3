// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream decodes the orchestrator's incremental answer stream.
//
// The wire format is line-oriented SSE, but the payload shape is not
// uniform: the backend may send OpenAI-style nested deltas, flat content
// objects, document lists, or bare text lines. This package converts that
// raggedness into a single tagged Frame type so downstream consumers never
// have to inspect raw payloads.
//
// Single Responsibility:
//
//	This package ONLY parses. It performs no I/O, no rendering, and no
//	conversation state management beyond the per-stream source-list latch.
package stream

// FrameKind identifies the variant of a parsed Frame.
type FrameKind string

const (
	// FrameContentDelta carries an incremental piece of answer text.
	FrameContentDelta FrameKind = "content"

	// FrameSourceList carries the retrieved supporting documents.
	// Emitted at most once per parser lifetime.
	FrameSourceList FrameKind = "sources"

	// FrameCompletion marks normal end of stream.
	FrameCompletion FrameKind = "done"

	// FrameServerError carries a backend-reported failure message.
	FrameServerError FrameKind = "error"

	// FrameUnrecognized carries a payload the parser could not classify.
	// Non-fatal: the stream continues after one of these.
	FrameUnrecognized FrameKind = "unrecognized"
)

// Source is one supporting document citation from retrieval.
type Source struct {
	Title   string  `json:"title,omitempty"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
}

// Frame is a single parsed unit from the answer stream.
//
// # Description
//
// Frame is a tagged union: Kind selects which payload fields are
// meaningful. Frames are ephemeral - produced by the Parser and consumed
// immediately by the session layer, never persisted.
//
// # Fields
//
//   - Kind: Variant selector.
//   - Text: Delta text (FrameContentDelta) or error message (FrameServerError).
//   - Sources: Document list (FrameSourceList only).
//   - Raw: Original payload text (FrameUnrecognized only).
type Frame struct {
	Kind    FrameKind
	Text    string
	Sources []Source
	Raw     string
}

// IsTerminal reports whether the frame ends the stream.
func (f Frame) IsTerminal() bool {
	return f.Kind == FrameCompletion || f.Kind == FrameServerError
}
