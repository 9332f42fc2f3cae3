// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/AleutianAI/KodiakChat/pkg/session"
	"github.com/AleutianAI/KodiakChat/pkg/stream"
)

func TestRenderer_IncrementalDeltas(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(&buf, PersonalityMinimal)

	r.BeginTurn()
	r.Apply(session.Snapshot{Answer: "Hel", Status: session.StatusStreaming})
	r.Apply(session.Snapshot{Answer: "Hello", Status: session.StatusStreaming})
	r.Apply(session.Snapshot{Answer: "Hello", Status: session.StatusCompleted})

	out := buf.String()
	// Each delta printed exactly once: the text appears as "Hel" + "lo",
	// never a repeated "Hello" prefix.
	if !strings.Contains(out, "Hello") {
		t.Fatalf("output missing answer: %q", out)
	}
	if strings.Count(out, "Hel") != 1 {
		t.Errorf("answer prefix printed more than once: %q", out)
	}
}

func TestRenderer_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(&buf, PersonalityMachine)

	r.BeginTurn()
	r.Apply(session.Snapshot{Answer: "42", Status: session.StatusStreaming})
	r.Apply(session.Snapshot{
		Answer: "42",
		Status: session.StatusCompleted,
		Sources: []stream.Source{
			{Title: "handbook.pdf", Score: 0.91},
		},
	})

	out := buf.String()
	if !strings.Contains(out, "ANSWER: 42\n") {
		t.Errorf("machine output missing ANSWER line: %q", out)
	}
	if !strings.Contains(out, "SOURCE: handbook.pdf") {
		t.Errorf("machine output missing SOURCE line: %q", out)
	}
	// No streaming effect in machine mode: the answer appears once.
	if strings.Count(out, "42") != 1 {
		t.Errorf("machine mode should buffer, got %q", out)
	}
}

func TestRenderer_RestartResetsAnswer(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(&buf, PersonalityMinimal)

	r.BeginTurn()
	r.Apply(session.Snapshot{Answer: "stale partial", Status: session.StatusStreaming})
	// Credential recovery restarted the turn from scratch.
	r.Apply(session.Snapshot{Answer: "fresh", Status: session.StatusStreaming})
	r.Apply(session.Snapshot{Answer: "fresh answer", Status: session.StatusCompleted})

	out := buf.String()
	if !strings.Contains(out, "retrying") {
		t.Errorf("restart notice missing: %q", out)
	}
	if !strings.Contains(out, "fresh answer") {
		t.Errorf("restarted answer missing: %q", out)
	}
}

func TestRenderer_FailureFooter(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(&buf, PersonalityMinimal)

	r.BeginTurn()
	r.Apply(session.Snapshot{
		Status: session.StatusFailed,
		Err: &session.TurnError{
			Kind:    session.FailureServerRejected,
			Message: "vector index corrupted",
		},
	})

	out := buf.String()
	if !strings.Contains(out, "vector index corrupted") {
		t.Errorf("verbatim backend message missing: %q", out)
	}
	if !strings.Contains(out, failureLabel(session.FailureServerRejected)) {
		t.Errorf("failure label missing: %q", out)
	}
}

func TestRenderer_NoOutputAfterTerminal(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(&buf, PersonalityMinimal)

	r.BeginTurn()
	r.Apply(session.Snapshot{Answer: "done", Status: session.StatusCompleted})
	before := buf.String()
	r.Apply(session.Snapshot{Answer: "done and more", Status: session.StatusStreaming})

	if buf.String() != before {
		t.Errorf("renderer wrote after terminal snapshot: %q", buf.String())
	}
}

func TestFailureLabel(t *testing.T) {
	tests := []struct {
		kind session.FailureKind
		want string
	}{
		{session.FailureAuthExpired, "Session expired"},
		{session.FailureCancelled, "Cancelled"},
		{session.FailureTransient, "Connection trouble"},
	}
	for _, tt := range tests {
		if got := failureLabel(tt.kind); got != tt.want {
			t.Errorf("failureLabel(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
