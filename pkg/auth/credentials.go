// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth holds credentials and makes authenticated calls against the
// orchestrator.
//
// The package has three layers:
//
//   - Store: durable access/refresh credential pair (memory or badger).
//   - RefreshCoordinator: single-flight refresh with a waiter queue.
//   - Gateway: outbound request wrapper that attaches the bearer token,
//     detects expiry-class failures, and coordinates transparent refresh.
//
// Concurrency is handled entirely by the Gateway and coordinator; Store
// implementations only need to be individually safe for serialized use.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for the auth layer.
var (
	// ErrNotAuthenticated means no credential pair is stored. The caller
	// must log in before making authenticated calls.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAuthExpired means the refresh credential was rejected. The session
	// is over; the user must re-authenticate.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrNoCredentials is returned by Store.Get when nothing is stored.
	ErrNoCredentials = errors.New("no stored credentials")
)

// Credentials is the access/refresh token pair issued by the identity
// provider. Both tokens are opaque to this client; the access token's
// expiry is server-defined and encoded inside the token itself.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Store persists one credential pair.
//
// # Description
//
// Store has no concurrency obligations of its own: the Gateway reads it
// on every call and writes it only inside the refresh critical section,
// so access is strictly serialized.
//
// Get returns ErrNoCredentials when nothing is stored.
type Store interface {
	Get() (*Credentials, error)
	Set(creds Credentials) error
	Clear() error
}

// =============================================================================
// In-Memory Store
// =============================================================================

// MemoryStore keeps credentials in process memory.
//
// Used by tests and by embedders that manage persistence themselves.
// The mutex makes it independently safe even outside the Gateway's
// serialization, which keeps test setups honest.
type MemoryStore struct {
	mu    sync.Mutex
	creds *Credentials
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the stored pair or ErrNoCredentials.
func (s *MemoryStore) Get() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, ErrNoCredentials
	}
	c := *s.creds
	return &c, nil
}

// Set replaces the stored pair.
func (s *MemoryStore) Set(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &creds
	return nil
}

// Clear removes the stored pair.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

var _ Store = (*MemoryStore)(nil)

// =============================================================================
// Token Inspection
// =============================================================================

// TokenExpiresAt extracts the expiry claim from a JWT access token
// without verifying its signature.
//
// # Description
//
// The server is authoritative for expiry; this helper exists only for
// logging and for the Gateway's proactive-refresh hint. A token that
// cannot be parsed, or that carries no exp claim, reports a zero time
// and the caller falls back to reactive 401 handling.
func TokenExpiresAt(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
