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
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/KodiakChat/cmd/kodiak/config"
	"github.com/AleutianAI/KodiakChat/pkg/ux"
)

// --- Global Command Variables ---
var (
	spaceFlag        string
	methodFlag       string
	topKFlag         int
	rewriteFlag      bool
	decomposeFlag    bool
	personalityLevel string // UX personality level (full/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "A cli for asking questions against your private document intelligence stack",
		Long: `Kodiak streams grounded answers from a self-hosted document
				intelligence orchestrator, with citations back to the
				documents the answer came from.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonality(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
			if err := config.Load(); err != nil {
				log.Fatalf("Error loading config: %v", err)
			}
		},
	}

	// --- Ask / Chat ---
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Asks a single question against the selected knowledge space",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_chat.go
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive chat session",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	// --- Auth ---
	authCmd = &cobra.Command{
		Use:   "auth",
		Short: "Manage credentials for the orchestrator",
	}
	loginCmd = &cobra.Command{
		Use:   "login [username]",
		Short: "Log in and persist the token pair locally",
		Args:  cobra.MaximumNArgs(1),
		Run:   runLogin, // Defined in cmd_auth.go
	}
	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Discard the locally persisted token pair",
		Run:   runLogout, // Defined in cmd_auth.go
	}
	authStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show whether credentials are present and when they expire",
		Run:   runAuthStatus, // Defined in cmd_auth.go
	}

	// --- Catalog ---
	methodsCmd = &cobra.Command{
		Use:   "methods",
		Short: "List the retrieval methods the client can request",
		Run:   runListMethods, // Defined in cmd_methods.go
	}

	spacesCmd = &cobra.Command{
		Use:   "spaces",
		Short: "List the knowledge spaces available on the orchestrator",
		Run:   runListSpaces, // Defined in cmd_methods.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default), minimal, or machine (scripting)")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&spaceFlag, "space", "s", "", "Knowledge space to query (default from config)")
	askCmd.Flags().StringVarP(&methodFlag, "method", "m", "", "Retrieval method (see 'kodiak methods')")
	askCmd.Flags().IntVarP(&topKFlag, "top-k", "k", 0, "Number of documents to retrieve")
	askCmd.Flags().BoolVar(&rewriteFlag, "rewrite", false, "Rewrite the question before retrieval")
	askCmd.Flags().BoolVar(&decomposeFlag, "decompose", false, "Decompose the question into sub-queries")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&spaceFlag, "space", "s", "", "Knowledge space to query (default from config)")
	chatCmd.Flags().StringVarP(&methodFlag, "method", "m", "", "Retrieval method (see 'kodiak methods')")
	chatCmd.Flags().IntVarP(&topKFlag, "top-k", "k", 0, "Number of documents to retrieve")

	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	authCmd.AddCommand(authStatusCmd)

	rootCmd.AddCommand(methodsCmd)
	rootCmd.AddCommand(spacesCmd)
}
