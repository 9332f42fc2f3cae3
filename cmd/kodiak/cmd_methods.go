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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/KodiakChat/pkg/auth"
	"github.com/AleutianAI/KodiakChat/pkg/methods"
	"github.com/AleutianAI/KodiakChat/pkg/ux"
)

// runListMethods prints the retrieval method catalog.
func runListMethods(cmd *cobra.Command, args []string) {
	cat, err := methods.Load()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	for _, name := range cat.Names() {
		m, _ := cat.Get(name)
		label := name
		if name == cat.DefaultMethod() {
			label += " (default)"
		}
		if ux.GetPersonality() == ux.PersonalityMachine {
			fmt.Printf("METHOD: %s\n", name)
			continue
		}
		fmt.Printf("%s %s\n", ux.IconBullet.Render(), ux.Styles.Bold.Render(label))
		if m.Description != "" {
			ux.Muted("    " + m.Description)
		}
		if p, ok := m.Param("top_k"); ok {
			ux.Muted(fmt.Sprintf("    top_k %d..%d (default %v)", p.Min, p.Max, p.Default))
		}
	}
}

// spacesResponse is the orchestrator's space listing payload.
type spacesResponse struct {
	Spaces []struct {
		Name      string `json:"name"`
		Documents int    `json:"documents"`
	} `json:"spaces"`
}

// runListSpaces asks the orchestrator which knowledge spaces exist.
func runListSpaces(cmd *cobra.Command, args []string) {
	rt, err := newRuntime()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := rt.gateway.Send(ctx, &auth.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/v1/spaces",
	})
	if errors.Is(err, auth.ErrNotAuthenticated) {
		ux.Error("Not logged in. Run 'kodiak auth login' first.")
		os.Exit(1)
	}
	if err != nil {
		ux.Error(fmt.Sprintf("Listing spaces: %v", err))
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		ux.Error(fmt.Sprintf("Reading response: %v", err))
		os.Exit(1)
	}

	var listing spacesResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		ux.Error(fmt.Sprintf("Decoding response: %v", err))
		os.Exit(1)
	}

	if len(listing.Spaces) == 0 {
		ux.Info("No knowledge spaces found.")
		return
	}
	for _, space := range listing.Spaces {
		if ux.GetPersonality() == ux.PersonalityMachine {
			fmt.Printf("SPACE: %s\t%d\n", space.Name, space.Documents)
			continue
		}
		fmt.Printf("%s %s %s\n",
			ux.IconBullet.Render(),
			ux.Styles.Bold.Render(space.Name),
			ux.Styles.Muted.Render(fmt.Sprintf("(%d documents)", space.Documents)))
	}
}
