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
	"fmt"

	"github.com/AleutianAI/KodiakChat/pkg/auth"
)

// FailureKind classifies how a turn failed. Every failure maps to
// exactly one kind; parse anomalies never reach this layer (the parser
// degrades them to unrecognized frames inline).
type FailureKind string

const (
	// FailureTransient is a network-level blip. Reported to the user,
	// never auto-retried; resending the question is the user's call.
	FailureTransient FailureKind = "transient"

	// FailureAuthExpired means the credential could not be restored.
	// The user must re-authenticate.
	FailureAuthExpired FailureKind = "auth_expired"

	// FailureServerRejected is a backend-reported error, shown verbatim.
	FailureServerRejected FailureKind = "server_rejected"

	// FailureCancelled is user- or timeout-policy-initiated, distinct
	// from failure proper.
	FailureCancelled FailureKind = "cancelled"
)

// TurnError is the terminal error recorded on a failed turn.
type TurnError struct {
	Kind    FailureKind
	Message string
	err     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is chains.
func (e *TurnError) Unwrap() error { return e.err }

// serverRejection carries a backend error frame's message out of the
// streaming loop.
type serverRejection struct {
	message string
}

func (e *serverRejection) Error() string { return e.message }

// Classify maps a streaming failure onto exactly one FailureKind.
//
// Order matters: cancellation is checked before transport errors because
// a cancelled context also surfaces as a read error, and auth sentinels
// are checked before the transient catch-all.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, auth.ErrCredentialExpired),
		errors.Is(err, auth.ErrAuthExpired),
		errors.Is(err, auth.ErrNotAuthenticated):
		return FailureAuthExpired
	default:
		var rej *serverRejection
		if errors.As(err, &rej) {
			return FailureServerRejected
		}
		// Connection drops, idle timeouts, non-2xx opens, deadline
		// expiry: all transient from the user's point of view.
		return FailureTransient
	}
}

// userMessage renders a failure for display.
func userMessage(kind FailureKind, err error) string {
	switch kind {
	case FailureCancelled:
		return "turn cancelled"
	case FailureAuthExpired:
		return "your session has expired, please log in again"
	case FailureServerRejected:
		var rej *serverRejection
		if errors.As(err, &rej) {
			// Backend messages are shown verbatim.
			return rej.message
		}
		return err.Error()
	default:
		if errors.Is(err, auth.ErrStreamIdle) {
			return "the answer stream went silent, please try again"
		}
		return fmt.Sprintf("connection problem: %v", err)
	}
}

// newTurnError builds the terminal error for a failed turn.
func newTurnError(err error) *TurnError {
	kind := Classify(err)
	return &TurnError{
		Kind:    kind,
		Message: userMessage(kind, err),
		err:     err,
	}
}
