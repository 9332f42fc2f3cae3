// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file defines the ChatRunner interface for the interactive loop
// and the stdin abstraction that makes it testable.
//
// Architecture:
//
//	cmd_chat.go → ChatRunner Interface → StreamingChatRunner
//	                                     ↓
//	                                     session.Session (turn driver)
//	                                     InputReader (stdin abstraction)
//	                                     ux.Renderer (snapshot output)
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/KodiakChat/pkg/logging"
	"github.com/AleutianAI/KodiakChat/pkg/methods"
	"github.com/AleutianAI/KodiakChat/pkg/session"
	"github.com/AleutianAI/KodiakChat/pkg/ux"
)

// =============================================================================
// Interfaces
// =============================================================================

// ChatRunner defines the contract for running interactive chat sessions.
//
// Run blocks until the user exits (returns nil), the context is
// cancelled (returns context.Canceled), or a fatal error occurs.
// Callers MUST call Close() when done, typically via defer.
type ChatRunner interface {
	Run(ctx context.Context) error
	Close() error
}

// InputReader abstracts user input reading for testability.
//
// ReadLine returns the trimmed line, or io.EOF when input is exhausted.
type InputReader interface {
	ReadLine() (string, error)
}

// =============================================================================
// StdinReader
// =============================================================================

// StdinReader implements InputReader over os.Stdin.
//
// # Thread Safety
//
//	Not thread-safe. Single reader per stdin.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a new StdinReader wrapping os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{
		reader: bufio.NewReader(os.Stdin),
	}
}

// ReadLine reads a single line from stdin. Blocks until a newline
// arrives or stdin closes (io.EOF).
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// MockInputReader (for testing)
// =============================================================================

// MockInputReader returns predetermined inputs for unit testing chat
// runners without actual user input. Returns io.EOF after all inputs
// are consumed.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a MockInputReader with predetermined inputs.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

// ReadLine returns the next predetermined input, then io.EOF.
func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	line := m.inputs[m.index]
	m.index++
	return line, nil
}

// =============================================================================
// StreamingChatRunner
// =============================================================================

// StreamingChatRunnerConfig groups the collaborators for the loop.
type StreamingChatRunnerConfig struct {
	Session  *session.Session // Required
	Renderer *ux.Renderer     // Required
	Reader   InputReader      // Required
	Log      *logging.Logger  // Optional, defaults to logging.Default()
}

// StreamingChatRunner drives the interactive question loop against a
// streaming session.
type StreamingChatRunner struct {
	session  *session.Session
	renderer *ux.Renderer
	reader   InputReader
	log      *logging.Logger
	closed   bool
}

// NewStreamingChatRunner creates the interactive runner.
func NewStreamingChatRunner(config StreamingChatRunnerConfig) *StreamingChatRunner {
	log := config.Log
	if log == nil {
		log = logging.Default()
	}
	return &StreamingChatRunner{
		session:  config.Session,
		renderer: config.Renderer,
		reader:   config.Reader,
		log:      log,
	}
}

var _ ChatRunner = (*StreamingChatRunner)(nil)

// Run executes the chat loop until exit, EOF, or context cancellation.
func (r *StreamingChatRunner) Run(ctx context.Context) error {
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		r.printBanner()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if ux.GetPersonality() != ux.PersonalityMachine {
			fmt.Print(ux.Styles.Highlight.Render("⟩ "))
		}

		line, err := r.reader.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			ux.Muted("Bye.")
			return nil
		}
		if strings.HasPrefix(line, "/") {
			r.handleSlashCommand(line)
			continue
		}

		r.renderer.BeginTurn()
		if _, err := r.session.Ask(ctx, line); err != nil {
			// Failure already rendered; the loop continues so the user
			// can rephrase or retry.
			r.log.Debug("turn failed", "error", err)
		}
	}
}

// handleSlashCommand processes in-chat directives.
func (r *StreamingChatRunner) handleSlashCommand(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/space":
		if len(fields) < 2 {
			ux.Info(fmt.Sprintf("Current space: %s", r.session.Space()))
			return
		}
		r.session.SelectSpace(fields[1])
		ux.Success(fmt.Sprintf("Switched to space %q", fields[1]))
	case "/methods":
		cat, err := methods.Load()
		if err != nil {
			ux.Error(err.Error())
			return
		}
		for _, name := range cat.Names() {
			ux.Info(name)
		}
	case "/history":
		for _, turn := range r.session.History() {
			ux.Info(fmt.Sprintf("[%s] %s", turn.Status, turn.Question))
		}
	case "/help":
		r.printHelp()
	default:
		ux.Warning(fmt.Sprintf("Unknown command %s (try /help)", fields[0]))
	}
}

func (r *StreamingChatRunner) printBanner() {
	ux.Title("Kodiak")
	ux.Muted(fmt.Sprintf("Asking in space %q. Type /help for commands, exit to quit.", r.session.Space()))
}

func (r *StreamingChatRunner) printHelp() {
	ux.Info("/space [name]  show or switch the knowledge space")
	ux.Info("/methods       list retrieval methods")
	ux.Info("/history       show this session's questions")
	ux.Info("exit | quit    leave the chat")
	ux.Info("Ctrl+C         cancel the answer currently streaming")
}

// Close releases runner resources. Safe to call multiple times.
func (r *StreamingChatRunner) Close() error {
	r.closed = true
	return nil
}

// isExitCommand checks if the input is an exit command.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}
