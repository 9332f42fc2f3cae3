// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
)

type KodiakConfig struct {
	// Server: where the document intelligence orchestrator lives
	Server ServerConfig `yaml:"server" validate:"required"`

	// Defaults: per-question retrieval settings used unless overridden
	Defaults DefaultsConfig `yaml:"defaults"`

	// Auth: where refresh tokens are persisted between runs
	Auth AuthConfig `yaml:"auth"`

	// Logging: structured log destination and verbosity
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// IdleTimeoutSeconds aborts a stream when no bytes arrive for this long.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" validate:"gte=0,lte=3600"`
}

type DefaultsConfig struct {
	Space     string `yaml:"space"`
	Method    string `yaml:"method"`
	TopK      int    `yaml:"top_k" validate:"gte=0,lte=100"`
	Rewrite   bool   `yaml:"rewrite"`
	Decompose bool   `yaml:"decompose"`
}

type AuthConfig struct {
	// CredentialsDir holds the badger store with the token pair.
	CredentialsDir string `yaml:"credentials_dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
}

func DefaultConfig() KodiakConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return KodiakConfig{
		Server: ServerConfig{
			BaseURL:            "http://localhost:8080",
			IdleTimeoutSeconds: 90,
		},
		Defaults: DefaultsConfig{
			Space:     "default",
			Method:    "hybrid",
			TopK:      4,
			Rewrite:   false,
			Decompose: false,
		},
		Auth: AuthConfig{
			CredentialsDir: filepath.Join(home, ".kodiak", "credentials"),
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(home, ".kodiak", "logs"),
		},
	}
}
