// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the snapshot renderer that turns conversation
// snapshots into incremental terminal output.
//
// Single Responsibility:
//
//	The renderer ONLY renders. It does not parse frames, manage HTTP,
//	or drive the session. It receives monotonic snapshots and prints
//	the part of the answer it has not printed yet.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/AleutianAI/KodiakChat/pkg/session"
	"github.com/AleutianAI/KodiakChat/pkg/stream"
)

// =============================================================================
// Snapshot Renderer
// =============================================================================

// Renderer prints streaming answer snapshots incrementally.
//
// # Description
//
//	Because snapshots carry the full accumulated answer, the renderer
//	tracks how many bytes it has already written and emits only the
//	new suffix. A snapshot whose answer is shorter than what was
//	printed means the turn restarted (credential recovery); the
//	renderer notes the retry and starts the answer over.
//
// # Thread Safety
//
//	Safe for concurrent use. Snapshot delivery is serialized by an
//	internal mutex.
type Renderer struct {
	writer      io.Writer
	personality PersonalityLevel

	mu       sync.Mutex
	printed  int
	spinner  *Spinner
	spinning bool
	finished bool
}

// NewRenderer creates a renderer bound to stdout with the current
// personality level.
func NewRenderer() *Renderer {
	return &Renderer{
		writer:      os.Stdout,
		personality: GetPersonality(),
	}
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(w io.Writer, level PersonalityLevel) *Renderer {
	return &Renderer{
		writer:      w,
		personality: level,
	}
}

// BeginTurn resets the renderer for a new question and starts the
// waiting indicator.
func (r *Renderer) BeginTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.printed = 0
	r.finished = false

	if r.personality == PersonalityMachine {
		return
	}
	r.spinner = NewSpinner("Retrieving context...").WithWriter(r.writer)
	r.spinner.Start()
	r.spinning = true
}

// Apply renders one snapshot.
func (r *Renderer) Apply(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return
	}

	// Shorter answer than already printed means the turn restarted.
	if len(snap.Answer) < r.printed {
		r.printed = 0
		if r.personality != PersonalityMachine {
			fmt.Fprintln(r.writer)
			fmt.Fprintln(r.writer, Styles.Muted.Render("(session refreshed, retrying)"))
		}
	}

	if len(snap.Answer) > r.printed {
		r.stopSpinnerLocked()
		if r.personality != PersonalityMachine {
			fmt.Fprint(r.writer, snap.Answer[r.printed:])
		}
		r.printed = len(snap.Answer)
	}

	if snap.Status.Terminal() {
		r.finishLocked(snap)
	}
}

// finishLocked prints the terminal footer: final newline, the source
// table, and any failure box.
func (r *Renderer) finishLocked(snap session.Snapshot) {
	r.stopSpinnerLocked()
	r.finished = true

	if r.personality == PersonalityMachine {
		if snap.Answer != "" {
			fmt.Fprintf(r.writer, "ANSWER: %s\n", snap.Answer)
		}
		for _, src := range snap.Sources {
			fmt.Fprintf(r.writer, "SOURCE: %s\t%s\t%.3f\n", src.Title, src.Source, src.Score)
		}
		if snap.Status == session.StatusFailed && snap.Err != nil {
			fmt.Fprintf(r.writer, "ERROR: %s: %s\n", snap.Err.Kind, snap.Err.Message)
		}
		return
	}

	if r.printed > 0 && !strings.HasSuffix(snap.Answer, "\n") {
		fmt.Fprintln(r.writer)
	}

	if len(snap.Sources) > 0 && snap.Status == session.StatusCompleted {
		r.renderSources(snap.Sources)
	}

	if snap.Status == session.StatusFailed && snap.Err != nil {
		r.renderFailure(snap.Err)
	}
}

// renderSources prints the retrieved document table.
func (r *Renderer) renderSources(sources []stream.Source) {
	fmt.Fprintln(r.writer)
	fmt.Fprintln(r.writer, Styles.Title.Render("Sources"))
	for i, src := range sources {
		title := src.Title
		if title == "" {
			title = src.Source
		}
		if title == "" {
			title = "(untitled)"
		}
		line := fmt.Sprintf("  %d. %s", i+1, Styles.SourceTitle.Render(title))
		if src.Score > 0 {
			line += " " + Styles.SourceScore.Render(fmt.Sprintf("(%.2f)", src.Score))
		}
		fmt.Fprintln(r.writer, line)
		if src.Snippet != "" && r.personality == PersonalityFull {
			fmt.Fprintln(r.writer, Styles.Muted.Render("     "+truncateSnippet(src.Snippet, 100)))
		}
	}
}

// renderFailure prints the turn failure in an error box.
func (r *Renderer) renderFailure(turnErr *session.TurnError) {
	fmt.Fprintln(r.writer)
	label := failureLabel(turnErr.Kind)
	if r.personality == PersonalityMinimal {
		fmt.Fprintf(r.writer, "%s %s: %s\n", IconError.Render(), label, turnErr.Message)
		return
	}
	box := Styles.ErrorBox.Width(72)
	heading := Styles.Error.Bold(true).Render(label)
	fmt.Fprintln(r.writer, box.Render(heading+"\n"+turnErr.Message))
}

func failureLabel(kind session.FailureKind) string {
	switch kind {
	case session.FailureAuthExpired:
		return "Session expired"
	case session.FailureServerRejected:
		return "Backend rejected the question"
	case session.FailureCancelled:
		return "Cancelled"
	default:
		return "Connection trouble"
	}
}

func (r *Renderer) stopSpinnerLocked() {
	if r.spinning {
		r.spinner.Stop()
		r.spinner = nil
		r.spinning = false
	}
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
