// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// serverConfig is the YAML daemon configuration. Flags override file values;
// file values override the defaults below.
type serverConfig struct {
	Listen      string `yaml:"listen"`       // HTTP listen address
	DatabaseURL string `yaml:"database_url"` // PostgreSQL connection string
	JWTSecret   string `yaml:"jwt_secret"`   // HS256 signing secret

	Log struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		File       string `yaml:"file"`        // empty = stderr
		MaxSizeMB  int    `yaml:"max_size_mb"` // rotate threshold
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`

	Feed struct {
		Buffer int `yaml:"buffer"` // per-subscriber message buffer
	} `yaml:"feed"`

	RateLimit struct {
		PerSecond float64 `yaml:"per_second"` // requests per second per user
		Burst     int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

func defaultServerConfig() *serverConfig {
	cfg := &serverConfig{
		Listen: ":8080",
	}
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 50
	cfg.Log.MaxBackups = 5
	cfg.Log.MaxAgeDays = 30
	cfg.Feed.Buffer = 64
	cfg.RateLimit.PerSecond = 20
	cfg.RateLimit.Burst = 60
	return cfg
}

// loadServerConfig merges the YAML file at path (if given) over the defaults.
func loadServerConfig(path string) (*serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c *serverConfig) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	return nil
}
