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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/KodiakChat/pkg/auth"
	"github.com/AleutianAI/KodiakChat/pkg/ux"
)

// runLogin exchanges a username and password for a token pair and
// persists it in the local credential store.
func runLogin(cmd *cobra.Command, args []string) {
	var username string
	if len(args) > 0 {
		username = args[0]
	} else {
		fmt.Print("Username: ")
		line, err := NewStdinReader().ReadLine()
		if err != nil {
			ux.Error("No username provided.")
			os.Exit(1)
		}
		username = line
	}

	// KODIAK_PASSWORD lets scripts log in without a prompt.
	password := os.Getenv("KODIAK_PASSWORD")
	if password == "" {
		fmt.Print("Password: ")
		line, err := NewStdinReader().ReadLine()
		if err != nil {
			ux.Error("No password provided.")
			os.Exit(1)
		}
		password = line
	}

	rt, err := newRuntime()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = ux.WithSpinner(fmt.Sprintf("Logging in as %s", username), func() error {
		return rt.gateway.Login(ctx, username, password)
	})
	if err != nil {
		os.Exit(1)
	}
}

// runLogout discards the persisted token pair.
func runLogout(cmd *cobra.Command, args []string) {
	rt, err := newRuntime()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.gateway.Logout(); err != nil {
		ux.Error(fmt.Sprintf("Logout failed: %v", err))
		os.Exit(1)
	}
	ux.Success("Logged out.")
}

// runAuthStatus reports whether credentials exist and when the access
// token expires.
func runAuthStatus(cmd *cobra.Command, args []string) {
	rt, err := newRuntime()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer rt.Close()

	creds, err := rt.store.Get()
	if errors.Is(err, auth.ErrNoCredentials) {
		ux.Info("Not logged in. Run 'kodiak auth login' first.")
		return
	}
	if err != nil {
		ux.Error(fmt.Sprintf("Reading credential store: %v", err))
		os.Exit(1)
	}

	expiry := auth.TokenExpiresAt(creds.AccessToken)
	switch {
	case expiry.IsZero():
		ux.Success("Logged in (access token carries no expiry claim).")
	case time.Now().After(expiry):
		ux.Warning(fmt.Sprintf("Access token expired at %s; it will refresh on the next request.",
			expiry.Format(time.RFC3339)))
	default:
		ux.Success(fmt.Sprintf("Logged in. Access token valid for %s (until %s).",
			time.Until(expiry).Round(time.Second), expiry.Format(time.RFC3339)))
	}
}
