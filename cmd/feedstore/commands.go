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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/feedstore/cmd/feedstore/config"
	"github.com/AleutianAI/feedstore/pkg/logging"
	"github.com/AleutianAI/feedstore/pkg/ux"
	"github.com/AleutianAI/feedstore/services/persist/audit"
	"github.com/AleutianAI/feedstore/services/persist/telemetry"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// app holds what every command needs once the root has loaded the config.
type app struct {
	configPath string
	jsonOutput bool
	outputMode string

	start    time.Time
	cfg      config.FeedstoreConfig
	logger   *logging.Logger
	printer  *ux.Printer
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "feedstore",
		Short: "Open, upgrade and inspect feed library stores",
		Long: `feedstore manages the versioned store a feed library is saved in.

Opening a store upgrades it to the current schema version, taking a backup
first. Stores that cannot be read are moved aside and replaced by an empty
store unless recovery is disabled.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.feedstore/config.yaml)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "write results as JSON")
	root.PersistentFlags().StringVar(&a.outputMode, "output", "", "output style: rich or plain (default: detect)")

	root.AddCommand(
		newOpenCmd(a),
		newInspectCmd(a),
		newJournalCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.start = time.Now()
	path := a.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	lc.Writer = cmd.ErrOrStderr()
	a.logger = logging.New(lc)

	mode := ux.ParseMode(a.outputMode)
	if a.outputMode == "" {
		mode = ux.ModePlain
		if f, ok := cmd.OutOrStdout().(*os.File); ok {
			mode = ux.DetectMode(f)
		}
	}
	a.printer = ux.NewPrinter(cmd.OutOrStdout(), mode)
	if created && !a.jsonOutput {
		a.printer.Muted(fmt.Sprintf("First run detected, created the config at %s", path))
	}

	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = fmt.Sprintf("schema-%d", version.Current)
	tc.TraceExporter = cfg.Telemetry.TraceExporter
	tc.MetricExporter = cfg.Telemetry.MetricExporter
	tc.Writer = cmd.ErrOrStderr()
	shutdown, err := telemetry.Init(cmd.Context(), tc)
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var err error
	if a.shutdown != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		err = a.shutdown(ctx)
	}
	if a.logger != nil {
		if cerr := a.logger.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// storePath returns the path argument or the configured store.
func (a *app) storePath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.cfg.Store.Path
}

// openJournal opens the configured upgrade journal, or returns nil when
// none is configured.
func (a *app) openJournal() (*audit.Journal, error) {
	if a.cfg.Journal.Path == "" {
		return nil, nil
	}
	jc := audit.DefaultConfig(a.cfg.Journal.Path)
	jc.Logger = a.logger.Slog()
	jc.GCInterval = a.cfg.Journal.GCInterval
	j, err := audit.Open(jc)
	if err != nil {
		return nil, fmt.Errorf("open upgrade journal: %w", err)
	}
	return j, nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the schema versions this build reads and writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data := map[string]int{
				"current": version.Current,
				"cutover": version.Cutover,
				"minimum": version.Minimum,
			}
			if a.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), "version", a.start, data, nil)
			}
			a.printer.Fields(
				"current", version.Current,
				"cutover", version.Cutover,
				"minimum", version.Minimum,
			)
			return nil
		},
	}
}
