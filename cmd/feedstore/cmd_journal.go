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
	"errors"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// errNoJournal is returned by the journal command when the config has no
// journal path.
var errNoJournal = errors.New("no upgrade journal is configured (set journal.path)")

func newJournalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "journal [run-id]",
		Short: "List the upgrade steps recorded by previous opens",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runID string
			if len(args) > 0 {
				runID = args[0]
			}

			j, err := a.openJournal()
			if err == nil && j == nil {
				err = errNoJournal
			}
			if err != nil {
				if a.jsonOutput {
					return outputJSON(cmd.OutOrStdout(), "journal", a.start, nil, err)
				}
				return err
			}
			defer j.Close()

			entries, err := j.List(cmd.Context(), runID)
			if a.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), "journal", a.start, entries, err)
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				a.printer.Muted("no upgrade steps recorded")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					strconv.Itoa(e.Version),
					e.Chain,
					strconv.Itoa(e.Changed),
					e.Duration.Round(time.Microsecond).String(),
					e.At.Local().Format("2006-01-02 15:04:05"),
					e.RunID,
				})
			}
			a.printer.Table([]string{"VERSION", "CHAIN", "CHANGED", "DURATION", "AT", "RUN"}, rows)
			return nil
		},
	}
}
