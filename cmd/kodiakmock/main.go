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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/KodiakChat/pkg/logging"
)

var (
	listenAddr   string
	accessTTL    time.Duration
	expireEveryN int
	tokenDelay   time.Duration

	rootCmd = &cobra.Command{
		Use:   "kodiakmock",
		Short: "A mock document intelligence orchestrator for developing the kodiak client",
		Run:   runServe,
	}
)

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	rootCmd.Flags().DurationVar(&accessTTL, "token-ttl", 15*time.Minute, "Access token lifetime")
	rootCmd.Flags().IntVar(&expireEveryN, "expire-every", 0,
		"Invalidate the access token before every Nth stream (0 disables), to exercise client refresh")
	rootCmd.Flags().DurationVar(&tokenDelay, "token-delay", 20*time.Millisecond,
		"Pause between answer deltas so streaming is visible")
}

func runServe(cmd *cobra.Command, args []string) {
	log := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "kodiakmock",
	})
	defer log.Close()

	server := newMockServer(newTokenState(accessTTL, expireEveryN), log, tokenDelay)

	log.Info("mock orchestrator listening",
		"addr", listenAddr,
		"token_ttl", accessTTL.String(),
		"expire_every", expireEveryN)
	if err := server.router().Run(listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
