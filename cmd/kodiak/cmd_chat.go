// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/KodiakChat/cmd/kodiak/config"
	"github.com/AleutianAI/KodiakChat/pkg/auth"
	"github.com/AleutianAI/KodiakChat/pkg/logging"
	"github.com/AleutianAI/KodiakChat/pkg/methods"
	"github.com/AleutianAI/KodiakChat/pkg/session"
	"github.com/AleutianAI/KodiakChat/pkg/ux"
)

// =============================================================================
// Runtime Construction
// =============================================================================

// cliRuntime bundles the long-lived pieces a chat command needs: the
// credential store, the authenticated gateway, and the logger.
type cliRuntime struct {
	gateway *auth.Gateway
	store   *auth.BadgerStore
	log     *logging.Logger
}

func newRuntime() (*cliRuntime, error) {
	cfg := config.Global

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "kodiak",
	})

	store, err := auth.OpenBadgerStore(cfg.Auth.CredentialsDir)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	gw := auth.NewGateway(auth.GatewayConfig{
		BaseURL:      cfg.Server.BaseURL,
		Store:        store,
		Logger:       log,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		RefreshAhead: 30 * time.Second,
	})

	return &cliRuntime{gateway: gw, store: store, log: log}, nil
}

func (r *cliRuntime) Close() error {
	err := r.store.Close()
	r.log.Close()
	return err
}

// resolveRetrieval merges config defaults with command flags and
// validates the result against the method catalog.
func resolveRetrieval() (space string, opts session.RetrievalOptions, err error) {
	cfg := config.Global

	space = cfg.Defaults.Space
	if spaceFlag != "" {
		space = spaceFlag
	}

	opts = session.RetrievalOptions{
		Method:    cfg.Defaults.Method,
		TopK:      cfg.Defaults.TopK,
		Rewrite:   cfg.Defaults.Rewrite || rewriteFlag,
		Decompose: cfg.Defaults.Decompose || decomposeFlag,
	}
	if methodFlag != "" {
		opts.Method = methodFlag
	}
	if topKFlag > 0 {
		opts.TopK = topKFlag
	}

	cat, err := methods.Load()
	if err != nil {
		return "", opts, err
	}
	if opts.Method == "" {
		opts.Method = cat.DefaultMethod()
	}
	if err := cat.ValidateRequest(opts.Method, opts.TopK); err != nil {
		return "", opts, err
	}
	return space, opts, nil
}

// =============================================================================
// Commands
// =============================================================================

// runAskCommand streams a single question to completion and exits.
func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		ux.Error("No question provided.")
		os.Exit(1)
	}

	space, opts, err := resolveRetrieval()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	rt, err := newRuntime()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer rt.Close()

	renderer := ux.NewRenderer()
	sess := session.New(session.Config{
		Gateway:    rt.gateway,
		Space:      space,
		Retrieval:  opts,
		OnSnapshot: renderer.Apply,
		Logger:     rt.log,
	})

	ctx, stopSignals := interruptCancels(sess)
	defer stopSignals()

	renderer.BeginTurn()
	if _, err := sess.Ask(ctx, question); err != nil {
		// The renderer already showed the failure; exit nonzero so
		// scripts can tell.
		rt.log.Debug("ask failed", "error", err)
		os.Exit(1)
	}
}

// runChatCommand starts the interactive loop.
func runChatCommand(cmd *cobra.Command, args []string) {
	space, opts, err := resolveRetrieval()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	rt, err := newRuntime()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer rt.Close()

	renderer := ux.NewRenderer()
	sess := session.New(session.Config{
		Gateway:    rt.gateway,
		Space:      space,
		Retrieval:  opts,
		OnSnapshot: renderer.Apply,
		Logger:     rt.log,
	})

	runner := NewStreamingChatRunner(StreamingChatRunnerConfig{
		Session:  sess,
		Renderer: renderer,
		Reader:   NewStdinReader(),
		Log:      rt.log,
	})
	defer runner.Close()

	ctx, stopSignals := interruptCancels(sess)
	defer stopSignals()

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		ux.Error(err.Error())
		os.Exit(1)
	}
}

// interruptCancels routes SIGINT to the live turn instead of killing
// the process, so Ctrl+C aborts the answer but keeps the session.
func interruptCancels(sess *session.Session) (context.Context, func()) {
	ctx := context.Background()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				sess.CancelTurn()
			case <-done:
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
	}
}
