// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// doneSentinel is the literal end-of-stream payload.
const doneSentinel = "[DONE]"

// contentSalvageRe extracts a "content" string field from payloads that
// fail full JSON decoding (truncated or otherwise malformed frames).
var contentSalvageRe = regexp.MustCompile(`"content"\s*:\s*("(?:[^"\\]|\\.)*")`)

// =============================================================================
// Parser
// =============================================================================

// Parser converts raw text chunks into Frames.
//
// # Description
//
// Parser is fed arbitrary chunks of the response body as they arrive.
// Chunk boundaries carry no meaning: a protocol line may be split across
// any number of chunks, and the reassembled stream always yields the same
// frame sequence. The incomplete trailing line is buffered between Feed
// calls; call Flush once the stream is exhausted to drain it.
//
// Parser never returns an error. Malformed payloads degrade to
// FrameUnrecognized frames so that one bad frame cannot abort a turn.
//
// # Thread Safety
//
// Not safe for concurrent use. A Parser belongs to exactly one stream and
// is discarded with it.
//
// # Limitations
//
//   - One source list per parser lifetime; later source frames are
//     dropped silently (observed backend behavior, preserved as-is).
type Parser struct {
	buf          strings.Builder // incomplete trailing line
	eventType    string          // pending SSE event type for the next data line
	sourcesSeen  bool
	completeSeen bool
}

// NewParser creates a Parser for a single stream.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one raw chunk and returns the frames completed by it.
//
// The returned slice may be empty (chunk ended mid-line) and is never nil
// aliased to internal state. Frames appear in wire order.
func (p *Parser) Feed(chunk string) []Frame {
	var frames []Frame

	rest := chunk
	for {
		idx := strings.IndexByte(rest, '\n')
		if idx < 0 {
			p.buf.WriteString(rest)
			break
		}
		p.buf.WriteString(rest[:idx])
		line := p.buf.String()
		p.buf.Reset()
		rest = rest[idx+1:]

		if f, ok := p.parseLine(line); ok {
			frames = append(frames, f...)
		}
	}
	return frames
}

// Flush drains the buffered trailing line after the stream ends.
//
// Needed when the final line is not newline-terminated; without it the
// last frame would depend on how the server closed the connection.
func (p *Parser) Flush() []Frame {
	if p.buf.Len() == 0 {
		return nil
	}
	line := p.buf.String()
	p.buf.Reset()
	if f, ok := p.parseLine(line); ok {
		return f
	}
	return nil
}

// parseLine applies the line-level protocol rules in priority order.
func (p *Parser) parseLine(line string) ([]Frame, bool) {
	line = strings.TrimSuffix(line, "\r")
	trimmed := strings.TrimSpace(line)

	// Blank lines are event delimiters.
	if trimmed == "" {
		return nil, false
	}

	// SSE comments.
	if strings.HasPrefix(trimmed, ":") {
		return nil, false
	}

	// Event type marker: frame boundary only, classification is deferred
	// to the next data line.
	if rest, ok := cutMarker(trimmed, "event:"); ok {
		p.eventType = rest
		return nil, false
	}

	if payload, ok := cutMarker(trimmed, "data:"); ok {
		eventType := p.eventType
		p.eventType = ""
		return p.classifyPayload(payload, eventType, true), true
	}

	// No marker at all: the backend is allowed to send unwrapped text.
	return p.classifyPayload(trimmed, "", false), true
}

// classifyPayload turns one payload candidate into zero or more frames.
//
// fromData distinguishes "data:"-marked payloads from bare lines: a
// marked payload that defies decoding becomes FrameUnrecognized, while a
// bare unstructured line is plain answer text.
func (p *Parser) classifyPayload(payload, eventType string, fromData bool) []Frame {
	if payload == doneSentinel {
		p.completeSeen = true
		return []Frame{{Kind: FrameCompletion}}
	}

	if eventType == "error" {
		return []Frame{{Kind: FrameServerError, Text: payload}}
	}

	var probe payloadProbe
	if err := json.Unmarshal([]byte(payload), &probe); err == nil {
		return p.classifyDecoded(payload, &probe)
	}

	// Decode failed. Best-effort salvage of a content field keeps a
	// slightly mangled delta from losing answer text.
	if text, ok := salvageContent(payload); ok {
		return []Frame{{Kind: FrameContentDelta, Text: text}}
	}

	if fromData {
		return []Frame{{Kind: FrameUnrecognized, Raw: payload}}
	}
	return []Frame{{Kind: FrameContentDelta, Text: payload}}
}

// payloadProbe matches every payload shape the backend is known to emit.
// Pointer fields distinguish "absent" from "empty" where it matters.
type payloadProbe struct {
	Docs    []Source `json:"docs"`
	Sources []Source `json:"sources"`
	Content *string  `json:"content"`
	Done    bool     `json:"done"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// classifyDecoded maps a successfully decoded payload onto frames.
func (p *Parser) classifyDecoded(payload string, probe *payloadProbe) []Frame {
	// Source list: first non-empty one wins, the rest are dropped.
	docs := probe.Docs
	if len(docs) == 0 {
		docs = probe.Sources
	}
	if len(docs) > 0 {
		if p.sourcesSeen {
			return nil
		}
		p.sourcesSeen = true
		return []Frame{{Kind: FrameSourceList, Sources: docs}}
	}

	var frames []Frame
	finished := probe.Done

	if len(probe.Choices) > 0 {
		choice := probe.Choices[0]
		text := choice.Delta.Content
		if text == "" {
			text = choice.Text
		}
		if text != "" {
			frames = append(frames, Frame{Kind: FrameContentDelta, Text: text})
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finished = true
		}
	} else if probe.Content != nil {
		if *probe.Content != "" {
			frames = append(frames, Frame{Kind: FrameContentDelta, Text: *probe.Content})
		}
	} else if !finished {
		// Valid JSON with no recognizable structure. Do not guess: the
		// payload is surfaced for logging and the turn continues.
		return []Frame{{Kind: FrameUnrecognized, Raw: payload}}
	}

	if finished {
		p.completeSeen = true
		frames = append(frames, Frame{Kind: FrameCompletion})
	}
	return frames
}

// Completed reports whether the stream signaled normal completion.
func (p *Parser) Completed() bool {
	return p.completeSeen
}

// cutMarker strips an SSE field marker and its optional following space.
func cutMarker(line, marker string) (string, bool) {
	if !strings.HasPrefix(line, marker) {
		return "", false
	}
	rest := strings.TrimPrefix(line, marker)
	return strings.TrimPrefix(rest, " "), true
}

// salvageContent regex-extracts a content field from malformed JSON.
func salvageContent(payload string) (string, bool) {
	m := contentSalvageRe.FindStringSubmatch(payload)
	if m == nil {
		return "", false
	}
	text, err := strconv.Unquote(m[1])
	if err != nil {
		return "", false
	}
	return text, true
}
