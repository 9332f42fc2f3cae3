// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/AleutianAI/KodiakChat/pkg/auth"
	"github.com/AleutianAI/KodiakChat/pkg/logging"
	"github.com/AleutianAI/KodiakChat/pkg/stream"
)

// streamPath is the orchestrator's streaming answer endpoint.
const streamPath = "/v1/chat/stream"

// =============================================================================
// Gateway Abstraction
// =============================================================================

// StreamHandle is the pull side of an open answer stream.
type StreamHandle interface {
	// Next returns the next raw chunk, io.EOF at natural end of stream,
	// or the error that broke the stream.
	Next(ctx context.Context) (string, error)
	Close() error
}

// Gateway is what the session needs from the auth layer.
//
// Abstracted so the state machine can be tested against scripted
// streams without HTTP.
type Gateway interface {
	OpenStream(ctx context.Context, desc *auth.RequestDescriptor) (StreamHandle, error)
	Refresh(ctx context.Context) (*auth.Credentials, error)
}

// gatewayAdapter lifts *auth.Gateway onto the session's interface.
type gatewayAdapter struct {
	gw *auth.Gateway
}

func (a gatewayAdapter) OpenStream(ctx context.Context, desc *auth.RequestDescriptor) (StreamHandle, error) {
	return a.gw.OpenStream(ctx, desc)
}

func (a gatewayAdapter) Refresh(ctx context.Context) (*auth.Credentials, error) {
	return a.gw.Refresh(ctx)
}

// =============================================================================
// Session
// =============================================================================

// RetrievalOptions are the method-specific query parameters sent with
// every question. Validation against the method catalog happens at the
// CLI boundary; the session trusts its inputs.
type RetrievalOptions struct {
	Method    string
	TopK      int
	Rewrite   bool
	Decompose bool
}

// SnapshotFunc receives live answer snapshots and terminal updates.
// Called from the goroutine running Ask; must not block for long.
type SnapshotFunc func(Snapshot)

// Config configures a Session.
type Config struct {
	// Gateway for authenticated streaming. Required.
	Gateway *auth.Gateway

	// Space is the knowledge base to query. Changeable via SelectSpace.
	Space string

	// Retrieval options for the chosen RAG method.
	Retrieval RetrievalOptions

	// OnSnapshot receives UI updates. May be nil.
	OnSnapshot SnapshotFunc

	// Logger defaults to logging.Default().
	Logger *logging.Logger
}

// Session drives conversation turns against one knowledge base.
//
// # Description
//
// Session is the only owner of turn state. One Ask runs at a time; the
// interleaving that matters (refresh waiters, stream chunks) is
// asynchronous, not parallel, and the mutex only guards the small
// control surface shared with CancelTurn and SelectSpace.
//
// # Thread Safety
//
// Ask must not be called concurrently with itself. CancelTurn and
// SelectSpace are safe from any goroutine.
type Session struct {
	gw         Gateway
	onSnapshot SnapshotFunc
	log        *logging.Logger

	mu         sync.Mutex
	space      string
	retrieval  RetrievalOptions
	liveCancel context.CancelFunc
	cancelled  bool // set by CancelTurn for the live turn

	history Conversation
}

// New creates a Session over a production auth Gateway.
func New(config Config) *Session {
	if config.Gateway == nil {
		panic("session: Config.Gateway is required")
	}
	return newWithGateway(gatewayAdapter{gw: config.Gateway}, config)
}

// NewWithGateway creates a Session over any Gateway implementation.
// Intended for tests.
func NewWithGateway(gw Gateway, config Config) *Session {
	if gw == nil {
		panic("session: gateway is required")
	}
	return newWithGateway(gw, config)
}

func newWithGateway(gw Gateway, config Config) *Session {
	log := config.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Session{
		gw:         gw,
		onSnapshot: config.OnSnapshot,
		log:        log,
		space:      config.Space,
		retrieval:  config.Retrieval,
	}
}

// SelectSpace switches the knowledge base for subsequent turns. The
// live turn, if any, is unaffected.
func (s *Session) SelectSpace(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.space = id
}

// Space returns the currently selected knowledge base.
func (s *Session) Space() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.space
}

// History returns the finished turns, oldest first.
func (s *Session) History() []*ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Turns()
}

// CancelTurn aborts the live turn, if any. The turn terminates as
// Failed with a Cancelled reason and emits no further snapshots.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	cancel := s.liveCancel
	if cancel != nil {
		s.cancelled = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Ask runs one conversation turn to a terminal state.
//
// # Description
//
// The returned turn is always non-nil and terminal. On failure the
// error equals the turn's Err, so callers may consume either. Expired
// credentials are handled transparently once: the session refreshes via
// the Gateway and restarts the turn verbatim from Pending, since a
// partially consumed stream cannot be resumed mid-frame. A second
// expiry within the same turn is fatal.
//
// # Inputs
//
//   - ctx: Cancels the turn; the turn then terminates as Cancelled.
//   - question: Must be non-empty.
//
// # Side Effects
//
// Every state change after the initial send produces a snapshot via
// OnSnapshot. Exactly one terminal transition occurs per turn.
func (s *Session) Ask(ctx context.Context, question string) (*ConversationTurn, error) {
	if question == "" {
		return nil, errors.New("question must not be empty")
	}

	turn := newTurn(question)
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.liveCancel = cancel
	s.cancelled = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.liveCancel = nil
		s.history.Append(turn)
		s.mu.Unlock()
	}()

	s.log.Info("turn started", "turn_id", turn.ID, "space", s.Space())

	authRetried := false
	for {
		err := s.streamOnce(turnCtx, turn)
		if err == nil {
			s.complete(turn)
			return turn, nil
		}

		// Auth expiry gets one transparent recovery: refresh through
		// the Gateway's single-flight flow, then restart from Pending.
		if errors.Is(err, auth.ErrCredentialExpired) && !authRetried && !s.turnCancelled() {
			if _, refreshErr := s.gw.Refresh(turnCtx); refreshErr == nil {
				authRetried = true
				turn.resetForRestart()
				s.log.Info("credentials refreshed, restarting turn", "turn_id", turn.ID)
				continue
			} else {
				err = refreshErr
			}
		}

		s.fail(turn, err)
		return turn, turn.Err
	}
}

// streamOnce runs a single streaming attempt. A nil return means the
// stream completed normally; any error is classified by the caller.
func (s *Session) streamOnce(ctx context.Context, turn *ConversationTurn) error {
	handle, err := s.gw.OpenStream(ctx, s.buildDescriptor(turn.Question))
	if err != nil {
		if s.turnCancelled() || ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer handle.Close()

	turn.Status = StatusStreaming
	parser := stream.NewParser()

	for {
		chunk, err := handle.Next(ctx)
		if errors.Is(err, io.EOF) {
			// Abrupt end without a sentinel still completes the turn:
			// the reader signaled exhaustion and no error preceded it.
			return s.applyFrames(turn, parser.Flush())
		}
		if err != nil {
			if s.turnCancelled() {
				return context.Canceled
			}
			return err
		}

		if err := s.applyFrames(turn, parser.Feed(chunk)); err != nil {
			return err
		}
		if parser.Completed() {
			return nil
		}
	}
}

// applyFrames folds parsed frames into the turn. Returns serverRejection
// when the backend reports an error frame; completion surfaces through
// parser.Completed.
func (s *Session) applyFrames(turn *ConversationTurn, frames []stream.Frame) error {
	for _, f := range frames {
		switch f.Kind {
		case stream.FrameContentDelta:
			turn.Answer += f.Text
			s.emit(turn)
		case stream.FrameSourceList:
			// Write-once per turn; the parser already drops repeats,
			// this guard also covers restarted attempts.
			if turn.Sources == nil {
				turn.Sources = f.Sources
				s.emit(turn)
			}
		case stream.FrameServerError:
			return &serverRejection{message: f.Text}
		case stream.FrameUnrecognized:
			s.log.Warn("unrecognized stream frame", "turn_id", turn.ID, "raw", f.Raw)
		case stream.FrameCompletion:
			// Handled by the caller via parser.Completed.
		}
	}
	return nil
}

// buildDescriptor assembles the streaming request for one question.
func (s *Session) buildDescriptor(question string) *auth.RequestDescriptor {
	s.mu.Lock()
	space := s.space
	ret := s.retrieval
	s.mu.Unlock()

	q := url.Values{}
	q.Set("space", space)
	q.Set("question", question)
	if ret.Method != "" {
		q.Set("method", ret.Method)
	}
	if ret.TopK > 0 {
		q.Set("top_k", strconv.Itoa(ret.TopK))
	}
	q.Set("rewrite", strconv.FormatBool(ret.Rewrite))
	q.Set("decompose", strconv.FormatBool(ret.Decompose))

	return &auth.RequestDescriptor{
		Method: http.MethodGet,
		Path:   streamPath,
		Query:  q,
	}
}

// complete performs the single terminal transition to Completed.
func (s *Session) complete(turn *ConversationTurn) {
	if turn.Status.Terminal() {
		return
	}
	turn.Status = StatusCompleted
	turn.CompletedAt = nowFunc()
	s.emit(turn)
	s.log.Info("turn completed",
		"turn_id", turn.ID,
		"answer_len", len(turn.Answer),
		"sources", len(turn.Sources))
}

// fail performs the single terminal transition to Failed.
func (s *Session) fail(turn *ConversationTurn, err error) {
	if turn.Status.Terminal() {
		return
	}
	turn.Status = StatusFailed
	turn.Err = newTurnError(err)
	turn.CompletedAt = nowFunc()
	// Cancelled turns stay silent, but the terminal state itself is
	// still surfaced so the UI can settle.
	s.emit(turn)
	s.log.Warn("turn failed",
		"turn_id", turn.ID,
		"kind", turn.Err.Kind,
		"error", err)
}

// emit delivers a snapshot unless the turn was cancelled.
func (s *Session) emit(turn *ConversationTurn) {
	if s.onSnapshot == nil {
		return
	}
	if s.turnCancelled() && turn.Status != StatusFailed {
		return
	}
	s.onSnapshot(turn.snapshot())
}

func (s *Session) turnCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
