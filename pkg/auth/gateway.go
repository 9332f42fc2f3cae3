// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/KodiakChat/pkg/logging"
	"github.com/google/uuid"
)

// ErrCredentialExpired signals that the access credential was rejected on
// a stream open. The caller should run the Gateway's refresh flow and, on
// success, restart the turn from the beginning - a partially consumed
// stream cannot be replayed.
var ErrCredentialExpired = errors.New("access credential expired")

// ErrStreamIdle signals that no bytes arrived on an open stream within
// the configured idle interval. Classified as a transient failure.
var ErrStreamIdle = errors.New("stream idle timeout")

// defaultIdleTimeout bounds how long a stream may go silent before the
// handle gives up. Generous because retrieval plus first-token latency
// on large knowledge bases can exceed 30s.
const defaultIdleTimeout = 90 * time.Second

// =============================================================================
// HTTP Client Interface
// =============================================================================

// HTTPClient abstracts http.Client for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Request Descriptor
// =============================================================================

// RequestDescriptor describes one outbound call.
//
// # Description
//
// Descriptors own their body bytes, so the Gateway can rebuild the
// http.Request from scratch when a call must be replayed after a
// credential refresh. Partially consumed streams are never replayed;
// only descriptors built from owned byte slices are.
type RequestDescriptor struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// StatusError is a non-2xx response surfaced to the caller.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, body)
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway makes every outbound call carry a valid access credential.
//
// # Description
//
// Gateway attaches the bearer token from the Store, detects expiry-class
// failures (HTTP 401), and coordinates transparent single-flight refresh
// so that expiry is invisible to callers except as added latency.
//
//   - Send: plain request/response. A 401 triggers refresh and one
//     internal replay; a second consecutive 401 is ErrAuthExpired.
//   - OpenStream: long-lived SSE endpoint. A 401 on open surfaces as
//     ErrCredentialExpired so the session can refresh and restart the
//     turn; mid-stream data is never replayed.
//
// Failures unrelated to auth pass through untouched - the Gateway never
// retries them.
//
// # Thread Safety
//
// Safe for concurrent use. The refreshing flag and waiter queue live in
// the RefreshCoordinator; the Store is written only inside the refresh
// critical section.
type Gateway struct {
	baseURL     string
	client      HTTPClient
	store       Store
	coord       *RefreshCoordinator
	log         *logging.Logger
	idleTimeout time.Duration

	// refreshAhead triggers a proactive refresh when the access token
	// expires within this window. Zero disables the hint.
	refreshAhead time.Duration
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// BaseURL of the orchestrator, e.g. "https://api.example.com".
	BaseURL string

	// Store holding the credential pair. Required.
	Store Store

	// Client used for all HTTP calls. Defaults to an http.Client with no
	// overall timeout (streams are long-lived; idle detection is
	// per-read).
	Client HTTPClient

	// Logger defaults to logging.Default().
	Logger *logging.Logger

	// IdleTimeout for open streams. Defaults to defaultIdleTimeout.
	IdleTimeout time.Duration

	// RefreshAhead enables proactive refresh this long before the access
	// token's exp claim. Zero disables.
	RefreshAhead time.Duration
}

// NewGateway creates a Gateway.
//
// Panics if Store is nil or BaseURL is empty: both are programming
// errors, not runtime conditions.
func NewGateway(config GatewayConfig) *Gateway {
	if config.Store == nil {
		panic("auth: GatewayConfig.Store is required")
	}
	if config.BaseURL == "" {
		panic("auth: GatewayConfig.BaseURL is required")
	}

	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	log := config.Logger
	if log == nil {
		log = logging.Default()
	}
	idle := config.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	return &Gateway{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		client:       client,
		store:        config.Store,
		coord:        NewRefreshCoordinator(),
		log:          log,
		idleTimeout:  idle,
		refreshAhead: config.RefreshAhead,
	}
}

// -----------------------------------------------------------------------------
// Login / Logout
// -----------------------------------------------------------------------------

// tokenPairResponse matches the identity provider's token responses.
type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges a username and password for a credential pair and
// stores it.
func (g *Gateway) Login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}

	resp, err := g.doUnauthenticated(ctx, http.MethodPost, "/v1/auth/login", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}

	var pair tokenPairResponse
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if err := g.store.Set(Credentials{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	g.log.Info("logged in",
		"username", username,
		"token_expires_at", TokenExpiresAt(pair.AccessToken))
	return nil
}

// Logout destroys the stored credential pair.
func (g *Gateway) Logout() error {
	return g.store.Clear()
}

// -----------------------------------------------------------------------------
// Send
// -----------------------------------------------------------------------------

// Send performs a plain authenticated call.
//
// On a 401 the Gateway refreshes (single-flight) and replays the
// descriptor once with the rotated credential. The caller owns the
// returned response body.
func (g *Gateway) Send(ctx context.Context, desc *RequestDescriptor) (*http.Response, error) {
	creds, err := g.currentCredentials(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := g.do(ctx, desc, creds.AccessToken, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drainAndClose(resp.Body)

	refreshed, err := g.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = g.do(ctx, desc, refreshed.AccessToken, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Second consecutive expiry with a fresh token: fatal.
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("rejected after refresh: %w", ErrAuthExpired)
	}
	return resp, nil
}

// -----------------------------------------------------------------------------
// OpenStream
// -----------------------------------------------------------------------------

// OpenStream opens the long-lived streaming endpoint.
//
// The returned handle pulls raw chunks; the caller must Close it. A 401
// on open returns ErrCredentialExpired (see the variable doc for the
// recovery contract); other non-2xx opens return a *StatusError.
func (g *Gateway) OpenStream(ctx context.Context, desc *RequestDescriptor) (*StreamHandle, error) {
	creds, err := g.currentCredentials(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := g.do(ctx, desc, creds.AccessToken, true)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drainAndClose(resp.Body)
		return nil, ErrCredentialExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}

	streamID := uuid.New().String()
	g.log.Debug("stream opened", "stream_id", streamID, "path", desc.Path)
	return newStreamHandle(resp, g.idleTimeout), nil
}

// -----------------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------------

// Refresh rotates the credential pair, coordinating so that at most one
// refresh call is ever in flight.
//
// On success every queued waiter receives the new pair. On failure the
// store is cleared, every waiter is rejected, and ErrAuthExpired is
// returned: the session is over and the user must re-authenticate.
func (g *Gateway) Refresh(ctx context.Context) (*Credentials, error) {
	wait, leader := g.coord.AcquireOrWait()
	if !leader {
		return wait(ctx)
	}

	creds, err := g.store.Get()
	if err != nil {
		failure := fmt.Errorf("%w: %w", ErrAuthExpired, err)
		g.coord.RejectAll(failure)
		return nil, failure
	}

	pair, err := g.callRefreshEndpoint(ctx, creds.RefreshToken)
	if err != nil {
		g.log.Warn("credential refresh failed", "error", err)
		if clearErr := g.store.Clear(); clearErr != nil {
			g.log.Error("failed to clear credentials after refresh failure", "error", clearErr)
		}
		failure := fmt.Errorf("%w: %w", ErrAuthExpired, err)
		g.coord.RejectAll(failure)
		return nil, failure
	}

	rotated := Credentials{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
	if err := g.store.Set(rotated); err != nil {
		failure := fmt.Errorf("store rotated credentials: %w", err)
		g.coord.RejectAll(failure)
		return nil, failure
	}

	g.log.Debug("credentials rotated",
		"token_expires_at", TokenExpiresAt(rotated.AccessToken))
	g.coord.ResolveAll(rotated)
	return &rotated, nil
}

// callRefreshEndpoint performs the actual refresh HTTP call.
func (g *Gateway) callRefreshEndpoint(ctx context.Context, refreshToken string) (*tokenPairResponse, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	resp, err := g.doUnauthenticated(ctx, http.MethodPost, "/v1/auth/refresh", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError(resp)
	}

	var pair tokenPairResponse
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, errors.New("refresh response missing tokens")
	}
	return &pair, nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// currentCredentials loads the pair and applies the proactive-refresh
// hint: refreshing before opening a stream is much cheaper than tearing
// one down mid-answer.
func (g *Gateway) currentCredentials(ctx context.Context) (*Credentials, error) {
	creds, err := g.store.Get()
	if errors.Is(err, ErrNoCredentials) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}

	if g.refreshAhead > 0 {
		exp := TokenExpiresAt(creds.AccessToken)
		if !exp.IsZero() && time.Until(exp) < g.refreshAhead {
			refreshed, err := g.Refresh(ctx)
			if err != nil {
				return nil, err
			}
			return refreshed, nil
		}
	}
	return creds, nil
}

// do builds and executes one attempt from the descriptor.
func (g *Gateway) do(ctx context.Context, desc *RequestDescriptor, accessToken string, streaming bool) (*http.Response, error) {
	u := g.baseURL + desc.Path
	if len(desc.Query) > 0 {
		u += "?" + desc.Query.Encode()
	}

	var body io.Reader
	if len(desc.Body) > 0 {
		body = bytes.NewReader(desc.Body)
	}

	req, err := http.NewRequestWithContext(ctx, desc.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range desc.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if len(desc.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	return g.client.Do(req)
}

// doUnauthenticated performs token-endpoint calls that must not carry a
// bearer header.
func (g *Gateway) doUnauthenticated(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.client.Do(req)
}

// readStatusError captures a bounded slice of the body for diagnostics.
func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}

// drainAndClose discards a response body so the connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// =============================================================================
// Stream Handle
// =============================================================================

// chunkResult is one read from the stream's pump goroutine.
type chunkResult struct {
	data string
	err  error
}

// StreamHandle is a pull interface over an open streaming response.
//
// # Description
//
// A pump goroutine reads the response body and forwards chunks over a
// channel; Next selects between the next chunk, the caller's context,
// and the idle timer. Close is idempotent and unblocks the pump.
//
// Next returns io.EOF at natural end of stream and ErrStreamIdle when
// the idle interval elapses with no bytes.
type StreamHandle struct {
	resp      *http.Response
	chunks    chan chunkResult
	done      chan struct{}
	idle      time.Duration
	closeOnce sync.Once
}

func newStreamHandle(resp *http.Response, idle time.Duration) *StreamHandle {
	h := &StreamHandle{
		resp:   resp,
		chunks: make(chan chunkResult),
		done:   make(chan struct{}),
		idle:   idle,
	}
	go h.pump()
	return h
}

// pump reads the body until EOF, error, or Close. Closing the response
// body unblocks the blocking Read; selecting on done keeps the goroutine
// from leaking when the consumer stops pulling.
func (h *StreamHandle) pump() {
	defer close(h.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := h.resp.Body.Read(buf)
		if n > 0 {
			select {
			case h.chunks <- chunkResult{data: string(buf[:n])}:
			case <-h.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case h.chunks <- chunkResult{err: err}:
				case <-h.done:
				}
			}
			return
		}
	}
}

// Next returns the next raw chunk.
//
// Returns io.EOF when the stream ends normally, ErrStreamIdle on idle
// timeout, or ctx.Err() on cancellation. After any error the handle
// should be closed.
func (h *StreamHandle) Next(ctx context.Context) (string, error) {
	timer := time.NewTimer(h.idle)
	defer timer.Stop()

	select {
	case res, ok := <-h.chunks:
		if !ok {
			return "", io.EOF
		}
		if res.err != nil {
			return "", res.err
		}
		return res.data, nil
	case <-timer.C:
		return "", ErrStreamIdle
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close terminates the stream. Safe to call multiple times and
// concurrently with Next.
func (h *StreamHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.resp.Body.Close()
	})
	return err
}
