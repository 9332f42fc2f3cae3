// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Test Backend
// =============================================================================

// fakeBackend emulates the orchestrator's auth and data endpoints.
//
// The /v1/data endpoint returns 401 until the access token matches
// current, letting tests drive expiry scenarios precisely.
type fakeBackend struct {
	mu           sync.Mutex
	current      string // access token the backend accepts
	next         string // access token issued by the next refresh
	refreshCalls int32
	refreshFail  bool
	refreshDelay time.Duration
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.refreshCalls, 1)
		if b.refreshDelay > 0 {
			time.Sleep(b.refreshDelay)
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.refreshFail {
			http.Error(w, "refresh token revoked", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  b.next,
			"refresh_token": "rotated-refresh",
		})
	})
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  b.current,
			"refresh_token": "initial-refresh",
		})
	})
	mux.HandleFunc("/v1/data", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		accepted := "Bearer " + b.current
		b.mu.Unlock()
		if r.Header.Get("Authorization") != accepted {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "payload")
	})
	return mux
}

func newTestGateway(t *testing.T, backend *fakeBackend, stored Credentials) (*Gateway, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	store := NewMemoryStore()
	if err := store.Set(stored); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	gw := NewGateway(GatewayConfig{
		BaseURL: server.URL,
		Store:   store,
	})
	return gw, server
}

// =============================================================================
// Send Tests
// =============================================================================

// TestGateway_Send_TransparentRefresh verifies an expired token is
// refreshed and the call replayed without the caller noticing.
func TestGateway_Send_TransparentRefresh(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{current: "good", next: "good"}
	gw, _ := newTestGateway(t, backend, Credentials{AccessToken: "stale", RefreshToken: "r1"})

	resp, err := gw.Send(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/data"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Errorf("body = %q, want %q", body, "payload")
	}
	if n := atomic.LoadInt32(&backend.refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

// TestGateway_Send_SingleFlightUnderConcurrency verifies the core
// guarantee: N concurrent expired calls issue exactly one refresh, and
// every call is satisfied.
func TestGateway_Send_SingleFlightUnderConcurrency(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{current: "good", next: "good", refreshDelay: 30 * time.Millisecond}
	gw, _ := newTestGateway(t, backend, Credentials{AccessToken: "stale", RefreshToken: "r1"})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := gw.Send(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/data"})
			if err != nil {
				errs <- err
				return
			}
			drainAndClose(resp.Body)
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Send failed: %v", err)
		}
	}
	if calls := atomic.LoadInt32(&backend.refreshCalls); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

// TestGateway_Send_RefreshFailureClearsStore verifies refresh failure is
// fatal: callers get ErrAuthExpired and the store is cleared.
func TestGateway_Send_RefreshFailureClearsStore(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{current: "good", refreshFail: true, refreshDelay: 30 * time.Millisecond}
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	store := NewMemoryStore()
	store.Set(Credentials{AccessToken: "stale", RefreshToken: "r1"})
	gw := NewGateway(GatewayConfig{BaseURL: server.URL, Store: store})

	const n = 3
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Send(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/data"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrAuthExpired) {
			t.Errorf("error = %v, want ErrAuthExpired", err)
		}
	}
	if _, err := store.Get(); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("store not cleared after refresh failure: %v", err)
	}
}

// TestGateway_Send_SecondExpiryIsFatal verifies that a 401 on the
// replayed call propagates ErrAuthExpired instead of looping.
func TestGateway_Send_SecondExpiryIsFatal(t *testing.T) {
	t.Parallel()

	// The refreshed token is still not accepted by /v1/data.
	backend := &fakeBackend{current: "good", next: "still-stale"}
	gw, _ := newTestGateway(t, backend, Credentials{AccessToken: "stale", RefreshToken: "r1"})

	_, err := gw.Send(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/data"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("error = %v, want ErrAuthExpired", err)
	}
	if n := atomic.LoadInt32(&backend.refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

// TestGateway_Send_NonAuthFailurePassesThrough verifies the Gateway never
// retries or wraps failures unrelated to auth.
func TestGateway_Send_NonAuthFailurePassesThrough(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	t.Cleanup(server.Close)

	store := NewMemoryStore()
	store.Set(Credentials{AccessToken: "a", RefreshToken: "r"})
	gw := NewGateway(GatewayConfig{BaseURL: server.URL, Store: store})

	resp, err := gw.Send(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/data"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d untouched", resp.StatusCode, http.StatusTeapot)
	}
}

// TestGateway_Send_NotAuthenticated verifies calls without stored
// credentials fail fast.
func TestGateway_Send_NotAuthenticated(t *testing.T) {
	t.Parallel()

	gw := NewGateway(GatewayConfig{BaseURL: "http://localhost:0", Store: NewMemoryStore()})
	_, err := gw.Send(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/data"})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("error = %v, want ErrNotAuthenticated", err)
	}
}

// =============================================================================
// OpenStream Tests
// =============================================================================

// TestGateway_OpenStream_AttachesStreamHeaders verifies bearer and SSE
// headers on the open request.
func TestGateway_OpenStream_AttachesStreamHeaders(t *testing.T) {
	t.Parallel()

	var gotAuth, gotAccept, gotCache string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotCache = r.Header.Get("Cache-Control")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	t.Cleanup(server.Close)

	store := NewMemoryStore()
	store.Set(Credentials{AccessToken: "tok", RefreshToken: "r"})
	gw := NewGateway(GatewayConfig{BaseURL: server.URL, Store: store})

	handle, err := gw.OpenStream(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/chat/stream"})
	if err != nil {
		t.Fatalf("OpenStream returned error: %v", err)
	}
	defer handle.Close()

	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotCache != "no-cache" {
		t.Errorf("Cache-Control = %q", gotCache)
	}
}

// TestGateway_OpenStream_ExpiredCredential verifies a 401 on open maps to
// ErrCredentialExpired for the session's restart flow.
func TestGateway_OpenStream_ExpiredCredential(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	store := NewMemoryStore()
	store.Set(Credentials{AccessToken: "stale", RefreshToken: "r"})
	gw := NewGateway(GatewayConfig{BaseURL: server.URL, Store: store})

	_, err := gw.OpenStream(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/chat/stream"})
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("error = %v, want ErrCredentialExpired", err)
	}
}

// TestStreamHandle_DeliversChunksAndEOF verifies the pull interface over
// a finite stream.
func TestStreamHandle_DeliversChunksAndEOF(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\":\"hi\"}\n")
	}))
	t.Cleanup(server.Close)

	store := NewMemoryStore()
	store.Set(Credentials{AccessToken: "tok", RefreshToken: "r"})
	gw := NewGateway(GatewayConfig{BaseURL: server.URL, Store: store})

	handle, err := gw.OpenStream(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/chat/stream"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer handle.Close()

	var all string
	for {
		chunk, err := handle.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		all += chunk
	}
	if all != "data: {\"content\":\"hi\"}\n" {
		t.Errorf("stream content = %q", all)
	}
}

// TestStreamHandle_IdleTimeout verifies a silent stream reports
// ErrStreamIdle within the configured bound.
func TestStreamHandle_IdleTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release // hold the stream open, byte-silent
	}))
	t.Cleanup(func() { close(release); server.Close() })

	store := NewMemoryStore()
	store.Set(Credentials{AccessToken: "tok", RefreshToken: "r"})
	gw := NewGateway(GatewayConfig{
		BaseURL:     server.URL,
		Store:       store,
		IdleTimeout: 50 * time.Millisecond,
	})

	handle, err := gw.OpenStream(context.Background(), &RequestDescriptor{Method: http.MethodGet, Path: "/v1/chat/stream"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer handle.Close()

	_, err = handle.Next(context.Background())
	if !errors.Is(err, ErrStreamIdle) {
		t.Fatalf("error = %v, want ErrStreamIdle", err)
	}
}

// =============================================================================
// Login Tests
// =============================================================================

// TestGateway_Login_StoresPair verifies login persists the issued pair.
func TestGateway_Login_StoresPair(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{current: "issued"}
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	store := NewMemoryStore()
	gw := NewGateway(GatewayConfig{BaseURL: server.URL, Store: store})

	if err := gw.Login(context.Background(), "ada", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	creds, err := store.Get()
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if creds.AccessToken != "issued" || creds.RefreshToken != "initial-refresh" {
		t.Errorf("stored pair = %+v", creds)
	}
}
