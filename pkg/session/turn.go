// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the lifecycle of conversation turns.
//
// A Session issues the streaming request through the auth Gateway, feeds
// raw chunks to the stream parser, merges deltas into a monotonic answer
// buffer, captures the one-shot source list, and drives each turn to a
// terminal state. It is the only component that mutates a turn.
package session

import (
	"time"

	"github.com/AleutianAI/KodiakChat/pkg/stream"
	"github.com/google/uuid"
)

// Status is a turn's lifecycle state. Transitions are monotonic:
// Pending → Streaming → (Completed | Failed). Terminal states are
// immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ConversationTurn is one question/answer exchange.
//
// # Description
//
// The turn is owned exclusively by its Session; the Gateway and Parser
// never see it. Answer is append-only for the life of a streaming
// attempt, Sources is set at most once per turn, and once the turn is
// terminal nothing mutates it again.
type ConversationTurn struct {
	ID       string
	Question string
	Answer   string
	Sources  []stream.Source
	Status   Status
	Err      *TurnError

	StartedAt   time.Time
	CompletedAt time.Time
}

// nowFunc is stubbed in tests.
var nowFunc = time.Now

func newTurn(question string) *ConversationTurn {
	return &ConversationTurn{
		ID:        uuid.New().String(),
		Question:  question,
		Status:    StatusPending,
		StartedAt: nowFunc(),
	}
}

// resetForRestart returns the turn to Pending for a verbatim re-run
// after a successful credential refresh. Partial stream state cannot be
// resumed mid-frame, so accumulated output is discarded. Never called on
// a terminal turn.
func (t *ConversationTurn) resetForRestart() {
	t.Answer = ""
	t.Sources = nil
	t.Status = StatusPending
}

// Snapshot is the UI-visible view of a live or finished turn.
//
// Snapshots are delivered at-least-once; consumers must tolerate
// redundant identical snapshots. The answer in consecutive snapshots of
// one streaming attempt only ever grows.
type Snapshot struct {
	TurnID  string
	Answer  string
	Sources []stream.Source
	Status  Status
	Err     *TurnError
}

func (t *ConversationTurn) snapshot() Snapshot {
	return Snapshot{
		TurnID:  t.ID,
		Answer:  t.Answer,
		Sources: t.Sources,
		Status:  t.Status,
		Err:     t.Err,
	}
}

// Conversation is an ordered container of finished turns.
//
// Turns are appended once terminal and are immutable from then on.
type Conversation struct {
	turns []*ConversationTurn
}

// Append records a terminal turn.
func (c *Conversation) Append(t *ConversationTurn) {
	c.turns = append(c.turns, t)
}

// Turns returns the recorded turns, oldest first.
func (c *Conversation) Turns() []*ConversationTurn {
	out := make([]*ConversationTurn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of recorded turns.
func (c *Conversation) Len() int { return len(c.turns) }
