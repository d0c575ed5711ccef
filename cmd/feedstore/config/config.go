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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/feedstore/pkg/logging"
	"github.com/AleutianAI/feedstore/services/persist/legacy"
	"github.com/AleutianAI/feedstore/services/persist/store"
)

// FeedstoreConfig is the CLI configuration file.
type FeedstoreConfig struct {
	Store     StoreConfig     `yaml:"store"`
	Upgrade   UpgradeConfig   `yaml:"upgrade"`
	Logging   LoggingConfig   `yaml:"logging"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StoreConfig struct {
	// Path is the default store file for commands given no argument.
	Path            string        `yaml:"path" validate:"required"`
	Backup          bool          `yaml:"backup"`
	DisableRecovery bool          `yaml:"disable_recovery"`
	LockTimeout     time.Duration `yaml:"lock_timeout" validate:"gte=0"`
}

// UpgradeConfig feeds legacy.Env and the coercion policy.
type UpgradeConfig struct {
	Policy                   string `yaml:"policy" validate:"oneof=lenient strict"`
	Platform                 string `yaml:"platform,omitempty"`
	FilenamesAreBytes        bool   `yaml:"filenames_are_bytes"`
	ChannelGuideURL          string `yaml:"channel_guide_url" validate:"omitempty,url"`
	ChannelGuideAllowedURLs  string `yaml:"channel_guide_allowed_urls"`
	ChannelGuideFirstTimeURL string `yaml:"channel_guide_first_time_url" validate:"omitempty,url"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// JournalConfig locates the badger upgrade journal. Empty Path disables it.
type JournalConfig struct {
	Path       string        `yaml:"path,omitempty"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultDir returns ~/.feedstore.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".feedstore"), nil
}

// DefaultPath returns ~/.feedstore/config.yaml.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultConfig returns the configuration written on first run, with
// files kept under dir.
func DefaultConfig(dir string) FeedstoreConfig {
	env := legacy.DefaultEnv()
	return FeedstoreConfig{
		Store: StoreConfig{
			Path:        filepath.Join(dir, "library.db"),
			Backup:      true,
			LockTimeout: 5 * time.Second,
		},
		Upgrade: UpgradeConfig{
			Policy:                   legacy.Lenient.String(),
			ChannelGuideURL:          env.ChannelGuideURL,
			ChannelGuideAllowedURLs:  env.ChannelGuideAllowedURLs,
			ChannelGuideFirstTimeURL: env.ChannelGuideFirstTimeURL,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(dir, "logs"),
		},
		Journal: JournalConfig{
			Path:       filepath.Join(dir, "journal"),
			GCInterval: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{TraceExporter: "none", MetricExporter: "none"},
	}
}

// Load reads the configuration at path, writing the defaults first when
// the file does not exist.
//
// Outputs:
//
//	FeedstoreConfig - The validated configuration.
//	bool            - True when the file was created by this call.
//	error           - Read, parse or validation failures.
func Load(path string) (FeedstoreConfig, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return FeedstoreConfig{}, false, err
		}
		created = true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FeedstoreConfig{}, created, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig(filepath.Dir(path))
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FeedstoreConfig{}, created, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	cfg.Journal.Path = expandPath(cfg.Journal.Path)
	if err := cfg.Validate(); err != nil {
		return FeedstoreConfig{}, created, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, created, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig(dir))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks field constraints.
func (c FeedstoreConfig) Validate() error {
	return validate.Struct(c)
}

// StoreOptions converts the configuration to store.Options. Logger and
// Journal are left for the caller.
func (c FeedstoreConfig) StoreOptions() (store.Options, error) {
	policy, err := legacy.ParsePolicy(c.Upgrade.Policy)
	if err != nil {
		return store.Options{}, err
	}
	return store.Options{
		Policy: policy,
		Env: legacy.Env{
			Platform:                 c.Upgrade.Platform,
			ChannelGuideURL:          c.Upgrade.ChannelGuideURL,
			ChannelGuideAllowedURLs:  c.Upgrade.ChannelGuideAllowedURLs,
			ChannelGuideFirstTimeURL: c.Upgrade.ChannelGuideFirstTimeURL,
			FilenamesAreBytes:        c.Upgrade.FilenamesAreBytes,
		},
		Backup:          c.Store.Backup,
		DisableRecovery: c.Store.DisableRecovery,
		LockTimeout:     c.Store.LockTimeout,
	}, nil
}

// LoggerConfig converts the configuration to logging.Config.
func (c FeedstoreConfig) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:  level,
		LogDir: c.Logging.Dir,
		JSON:   c.Logging.JSON,
	}, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
