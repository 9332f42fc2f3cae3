// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"strings"
	"testing"
)

// collect feeds chunks through a fresh parser and returns all frames,
// including those drained by Flush.
func collect(chunks ...string) []Frame {
	p := NewParser()
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, p.Feed(c)...)
	}
	frames = append(frames, p.Flush()...)
	return frames
}

// answerOf concatenates all content deltas in order.
func answerOf(frames []Frame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Kind == FrameContentDelta {
			b.WriteString(f.Text)
		}
	}
	return b.String()
}

// TestParser_HelloScenario verifies the canonical OpenAI-delta stream:
// two nested deltas followed by the [DONE] sentinel.
func TestParser_HelloScenario(t *testing.T) {
	t.Parallel()

	frames := collect(
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n",
		"data: [DONE]\n",
	)

	if got := answerOf(frames); got != "Hello" {
		t.Errorf("answer = %q, want %q", got, "Hello")
	}
	last := frames[len(frames)-1]
	if last.Kind != FrameCompletion {
		t.Errorf("last frame = %v, want completion", last.Kind)
	}
}

// TestParser_ChunkBoundaryInsensitive verifies that every split point of
// the same byte stream yields an identical frame sequence.
func TestParser_ChunkBoundaryInsensitive(t *testing.T) {
	t.Parallel()

	raw := "event: sources\n" +
		"data: {\"docs\":[{\"title\":\"a.pdf\",\"score\":0.9}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n" +
		"data: not json {{\n" +
		"plain tail text\n" +
		"data: {\"content\":\"lo\"}\n" +
		"data: [DONE]\n"

	want := collect(raw)
	wantAnswer := answerOf(want)

	for split := 1; split < len(raw); split++ {
		got := collect(raw[:split], raw[split:])
		if len(got) != len(want) {
			t.Fatalf("split %d: %d frames, want %d", split, len(got), len(want))
		}
		for i := range got {
			if got[i].Kind != want[i].Kind || got[i].Text != want[i].Text {
				t.Fatalf("split %d: frame %d = %+v, want %+v", split, i, got[i], want[i])
			}
		}
		if a := answerOf(got); a != wantAnswer {
			t.Fatalf("split %d: answer %q, want %q", split, a, wantAnswer)
		}
	}
}

// TestParser_FirstSourceListWins verifies that a second docs frame in the
// same stream is dropped.
func TestParser_FirstSourceListWins(t *testing.T) {
	t.Parallel()

	frames := collect(
		"data: {\"docs\":[{\"title\":\"a\"},{\"title\":\"b\"}]}\n",
		"data: {\"docs\":[{\"title\":\"c\"},{\"title\":\"d\"},{\"title\":\"e\"}]}\n",
	)

	var lists [][]Source
	for _, f := range frames {
		if f.Kind == FrameSourceList {
			lists = append(lists, f.Sources)
		}
	}
	if len(lists) != 1 {
		t.Fatalf("source list frames = %d, want 1", len(lists))
	}
	if len(lists[0]) != 2 {
		t.Errorf("sources = %d items, want 2 (first frame wins)", len(lists[0]))
	}
}

// TestParser_UnparsableLineDoesNotAbort verifies that a malformed data
// payload degrades to an unrecognized frame and later deltas still land.
func TestParser_UnparsableLineDoesNotAbort(t *testing.T) {
	t.Parallel()

	frames := collect(
		"data: not json {{\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n",
	)

	if frames[0].Kind != FrameUnrecognized {
		t.Errorf("frame 0 = %v, want unrecognized", frames[0].Kind)
	}
	if got := answerOf(frames); got != "ok" {
		t.Errorf("answer = %q, want %q", got, "ok")
	}
}

// TestParser_ServerErrorEvent verifies event-typed error frames.
func TestParser_ServerErrorEvent(t *testing.T) {
	t.Parallel()

	frames := collect("event: error\ndata: retrieval backend unavailable\n")
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Kind != FrameServerError {
		t.Fatalf("kind = %v, want server error", frames[0].Kind)
	}
	if frames[0].Text != "retrieval backend unavailable" {
		t.Errorf("message = %q", frames[0].Text)
	}
}

// TestParser_EventTypeConsumedOnce verifies the pending event type applies
// only to the next data line.
func TestParser_EventTypeConsumedOnce(t *testing.T) {
	t.Parallel()

	frames := collect(
		"event: error\n",
		"data: boom\n",
		"data: {\"content\":\"fine\"}\n",
	)
	if frames[0].Kind != FrameServerError {
		t.Errorf("frame 0 = %v, want server error", frames[0].Kind)
	}
	if frames[1].Kind != FrameContentDelta || frames[1].Text != "fine" {
		t.Errorf("frame 1 = %+v, want content %q", frames[1], "fine")
	}
}

// TestParser_PlainTextLines verifies unwrapped backend text becomes
// content deltas.
func TestParser_PlainTextLines(t *testing.T) {
	t.Parallel()

	frames := collect("The answer is\n", "forty-two.\n")
	if got := answerOf(frames); got != "The answer isforty-two." {
		t.Errorf("answer = %q", got)
	}
}

// TestParser_FlatContentAndFinishIndicator verifies the flat content
// shape and the structured finish flag.
func TestParser_FlatContentAndFinishIndicator(t *testing.T) {
	t.Parallel()

	frames := collect("data: {\"content\":\"hi\",\"done\":true}\n")
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want delta + completion", len(frames))
	}
	if frames[0].Kind != FrameContentDelta || frames[0].Text != "hi" {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Kind != FrameCompletion {
		t.Errorf("frame 1 = %v, want completion", frames[1].Kind)
	}
}

// TestParser_FinishReasonEmitsCompletion verifies an OpenAI finish_reason
// also terminates the stream.
func TestParser_FinishReasonEmitsCompletion(t *testing.T) {
	t.Parallel()

	frames := collect("data: {\"choices\":[{\"delta\":{\"content\":\"x\"},\"finish_reason\":\"stop\"}]}\n")
	if len(frames) != 2 || frames[1].Kind != FrameCompletion {
		t.Fatalf("frames = %+v, want delta then completion", frames)
	}
	if !collectParserCompleted("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n") {
		t.Error("parser did not record completion for bare finish_reason")
	}
}

func collectParserCompleted(chunk string) bool {
	p := NewParser()
	p.Feed(chunk)
	p.Flush()
	return p.Completed()
}

// TestParser_SalvageRecoversContent verifies the regex salvage path for
// truncated JSON that still carries a content field.
func TestParser_SalvageRecoversContent(t *testing.T) {
	t.Parallel()

	frames := collect("data: {\"choices\":[{\"delta\":{\"content\":\"sal\\nvage\"}}\n")
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Kind != FrameContentDelta || frames[0].Text != "sal\nvage" {
		t.Errorf("frame = %+v, want salvaged content", frames[0])
	}
}

// TestParser_FlushDrainsUnterminatedLine verifies the final line is not
// lost when the server closes without a trailing newline.
func TestParser_FlushDrainsUnterminatedLine(t *testing.T) {
	t.Parallel()

	p := NewParser()
	frames := p.Feed("data: {\"content\":\"tail\"}")
	if len(frames) != 0 {
		t.Fatalf("premature frames: %+v", frames)
	}
	frames = p.Flush()
	if len(frames) != 1 || frames[0].Text != "tail" {
		t.Fatalf("flush frames = %+v, want tail delta", frames)
	}
}

// TestParser_BlankAndCommentLinesIgnored covers SSE delimiters.
func TestParser_BlankAndCommentLinesIgnored(t *testing.T) {
	t.Parallel()

	frames := collect("\n", ": keepalive\n", "\r\n", "data: {\"content\":\"a\"}\n")
	if len(frames) != 1 || frames[0].Text != "a" {
		t.Fatalf("frames = %+v", frames)
	}
}
