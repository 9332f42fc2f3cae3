// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/AleutianAI/KodiakChat/pkg/auth"
	"github.com/AleutianAI/KodiakChat/pkg/session"
	"github.com/AleutianAI/KodiakChat/pkg/ux"
)

// echoHandle streams back a canned answer and completes.
type echoHandle struct {
	chunks []string
}

func (h *echoHandle) Next(ctx context.Context) (string, error) {
	if len(h.chunks) == 0 {
		return "", io.EOF
	}
	c := h.chunks[0]
	h.chunks = h.chunks[1:]
	return c, nil
}

func (h *echoHandle) Close() error { return nil }

// echoGateway answers every question with a fixed completed stream and
// records how many streams it opened.
type echoGateway struct {
	mu    sync.Mutex
	opens int
}

func (g *echoGateway) OpenStream(ctx context.Context, desc *auth.RequestDescriptor) (session.StreamHandle, error) {
	g.mu.Lock()
	g.opens++
	g.mu.Unlock()
	return &echoHandle{chunks: []string{
		"data: {\"content\":\"answered\"}\n",
		"data: [DONE]\n",
	}}, nil
}

func (g *echoGateway) Refresh(ctx context.Context) (*auth.Credentials, error) {
	return &auth.Credentials{AccessToken: "a", RefreshToken: "r"}, nil
}

func (g *echoGateway) openCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens
}

func newTestRunner(gw *echoGateway, inputs []string) (*StreamingChatRunner, *bytes.Buffer) {
	var buf bytes.Buffer
	renderer := ux.NewRendererWithWriter(&buf, ux.PersonalityMachine)
	sess := session.NewWithGateway(gw, session.Config{
		Space:      "docs",
		OnSnapshot: renderer.Apply,
	})
	return NewStreamingChatRunner(StreamingChatRunnerConfig{
		Session:  sess,
		Renderer: renderer,
		Reader:   NewMockInputReader(inputs),
	}), &buf
}

func TestStreamingChatRunner_QuestionThenEOF(t *testing.T) {
	gw := &echoGateway{}
	runner, buf := newTestRunner(gw, []string{"what is the handbook policy?"})
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if gw.openCount() != 1 {
		t.Errorf("streams opened = %d, want 1", gw.openCount())
	}
	if !bytes.Contains(buf.Bytes(), []byte("ANSWER: answered")) {
		t.Errorf("answer not rendered: %q", buf.String())
	}
}

func TestStreamingChatRunner_ExitCommandStopsLoop(t *testing.T) {
	gw := &echoGateway{}
	runner, _ := newTestRunner(gw, []string{"exit", "never asked"})
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if gw.openCount() != 0 {
		t.Errorf("streams opened = %d, want 0 after exit", gw.openCount())
	}
}

func TestStreamingChatRunner_SlashCommandsDoNotStream(t *testing.T) {
	gw := &echoGateway{}
	runner, _ := newTestRunner(gw, []string{"/space archive", "/help", "/bogus", ""})
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if gw.openCount() != 0 {
		t.Errorf("streams opened = %d, want 0 for slash commands", gw.openCount())
	}
}

func TestStreamingChatRunner_CancelledContext(t *testing.T) {
	gw := &echoGateway{}
	runner, _ := newTestRunner(gw, []string{"question"})
	defer runner.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runner.Run(ctx); err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}

func TestMockInputReader_Sequence(t *testing.T) {
	t.Parallel()

	mock := NewMockInputReader([]string{"a", "b"})
	if line, _ := mock.ReadLine(); line != "a" {
		t.Errorf("first = %q", line)
	}
	if line, _ := mock.ReadLine(); line != "b" {
		t.Errorf("second = %q", line)
	}
	if _, err := mock.ReadLine(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestIsExitCommand(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]bool{
		"exit": true, "quit": true, "EXIT": false, "hello": false,
	} {
		if got := isExitCommand(input); got != want {
			t.Errorf("isExitCommand(%q) = %v, want %v", input, got, want)
		}
	}
}
