// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// kodiakmock is a development stand-in for the document intelligence
// orchestrator. It issues real JWT token pairs, enforces Bearer auth,
// and streams answers in the mixed wire format the client parses, so
// the full login/refresh/stream loop can be exercised without the
// production stack.
package main

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/AleutianAI/KodiakChat/pkg/logging"
)

// =============================================================================
// Token State
// =============================================================================

// tokenState tracks issued token pairs. Refresh rotates both tokens
// and invalidates the old pair.
type tokenState struct {
	mu sync.Mutex

	signingKey    []byte
	accessTTL     time.Duration
	validAccess   map[string]bool
	validRefresh  map[string]bool
	streamCount   int
	expireEveryN  int // retire the access token after every Nth stream
	refreshCalls  int
	loginAttempts int
}

func newTokenState(accessTTL time.Duration, expireEveryN int) *tokenState {
	return &tokenState{
		signingKey:   []byte(uuid.New().String()),
		accessTTL:    accessTTL,
		validAccess:  make(map[string]bool),
		validRefresh: make(map[string]bool),
		expireEveryN: expireEveryN,
	}
}

// issuePair mints a signed access token plus an opaque refresh token.
func (s *tokenState) issuePair(username string) (access, refresh string, err error) {
	claims := jwt.MapClaims{
		"sub": username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(s.accessTTL).Unix(),
		"jti": uuid.New().String(),
	}
	access, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("signing access token: %w", err)
	}
	refresh = "kodiak-refresh-" + uuid.New().String()

	s.validAccess[access] = true
	s.validRefresh[refresh] = true
	return access, refresh, nil
}

func (s *tokenState) login(username string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginAttempts++
	return s.issuePair(username)
}

// rotate swaps a valid refresh token for a fresh pair.
func (s *tokenState) rotate(refreshToken string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++

	if !s.validRefresh[refreshToken] {
		return "", "", false
	}
	delete(s.validRefresh, refreshToken)

	access, refresh, err := s.issuePair("mock-user")
	if err != nil {
		return "", "", false
	}
	return access, refresh, true
}

// checkAccess validates a bearer token. When expireEveryN is set, the
// token is retired after every Nth stream it serves, so the client's
// next open gets a 401 and must recover through its refresh path.
func (s *tokenState) checkAccess(token string, forStream bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validAccess[token] {
		return false
	}
	if forStream && s.expireEveryN > 0 {
		s.streamCount++
		if s.streamCount%s.expireEveryN == 0 {
			delete(s.validAccess, token)
		}
	}
	return true
}

// =============================================================================
// Server
// =============================================================================

type mockServer struct {
	tokens *tokenState
	log    *logging.Logger

	// tokenDelay paces delta emission to make streaming visible.
	tokenDelay time.Duration
}

func newMockServer(tokens *tokenState, log *logging.Logger, tokenDelay time.Duration) *mockServer {
	return &mockServer{tokens: tokens, log: log, tokenDelay: tokenDelay}
}

// router builds the gin engine with all mock endpoints.
func (s *mockServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/auth/login", s.handleLogin)
	r.POST("/v1/auth/refresh", s.handleRefresh)

	authed := r.Group("/", s.requireBearer)
	authed.GET("/v1/chat/stream", s.handleChatStream)
	authed.GET("/v1/spaces", s.handleListSpaces)

	return r
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *mockServer) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	// Any non-empty pair is accepted; this is a development mock.
	access, refresh, err := s.tokens.login(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token minting failed"})
		return
	}
	s.log.Info("issued token pair", "username", req.Username)
	c.JSON(http.StatusOK, tokenPairResponse{AccessToken: access, RefreshToken: refresh})
}

func (s *mockServer) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}
	access, refresh, ok := s.tokens.rotate(req.RefreshToken)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token is not valid"})
		return
	}
	s.log.Info("rotated token pair")
	c.JSON(http.StatusOK, tokenPairResponse{AccessToken: access, RefreshToken: refresh})
}

// requireBearer rejects requests without a currently valid access token.
func (s *mockServer) requireBearer(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	forStream := strings.HasSuffix(c.Request.URL.Path, "/chat/stream")
	if !s.tokens.checkAccess(token, forStream) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "access token expired"})
		return
	}
	c.Next()
}

func (s *mockServer) handleListSpaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"spaces": []gin.H{
			{"name": "default", "documents": 128},
			{"name": "handbook", "documents": 42},
			{"name": "contracts", "documents": 310},
		},
	})
}

// handleChatStream emits the heterogeneous frame stream: a document
// list, token deltas, and the completion sentinel. A question
// containing "fail" produces a mid-stream server error instead.
func (s *mockServer) handleChatStream(c *gin.Context) {
	question := c.Query("question")
	if strings.TrimSpace(question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	space := c.DefaultQuery("space", "default")
	method := c.DefaultQuery("method", "hybrid")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	w := newFrameWriter(c.Writer)

	if err := w.writeDocs(mockSources(space)); err != nil {
		return
	}

	if strings.Contains(strings.ToLower(question), "fail") {
		w.writeServerError("mock backend was asked to fail")
		return
	}

	answer := fmt.Sprintf(
		"This is a mock answer for %q, retrieved from the %s space with the %s method. "+
			"Point the client at a real orchestrator for grounded answers.",
		question, space, method)

	for _, word := range strings.SplitAfter(answer, " ") {
		if err := w.writeDelta(word); err != nil {
			// Client went away mid-stream.
			s.log.Debug("stream aborted", "error", err)
			return
		}
		if s.tokenDelay > 0 {
			time.Sleep(s.tokenDelay)
		}
	}
	w.writeDone()
}

func mockSources(space string) []mockSource {
	return []mockSource{
		{Title: "employee_handbook.pdf", Source: space + "/employee_handbook.pdf", Score: 0.93,
			Snippet: "Mock snippet: the first retrieved passage."},
		{Title: "onboarding_faq.md", Source: space + "/onboarding_faq.md", Score: 0.81,
			Snippet: "Mock snippet: the second retrieved passage."},
	}
}
