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
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/feedstore/services/persist/legacy"
	"github.com/AleutianAI/feedstore/services/persist/lock"
	"github.com/AleutianAI/feedstore/services/persist/store"
)

// OpenResult is the outcome of the open command.
type OpenResult struct {
	Path      string       `json:"path"`
	Format    string       `json:"format"`
	From      int          `json:"from"`
	Version   int          `json:"version"`
	RunID     string       `json:"run_id"`
	Steps     []StepResult `json:"steps,omitempty"`
	MovedTo   string       `json:"moved_to,omitempty"`
	Recovered string       `json:"recovered_from,omitempty"`
	Metrics   []MetricLine `json:"metrics,omitempty"`
}

// StepResult is one executed upgrade step.
type StepResult struct {
	Version    int    `json:"version"`
	Chain      string `json:"chain"`
	Changed    int    `json:"changed"`
	DurationMs int64  `json:"duration_ms"`
}

// MetricLine is one feedstore metric sample.
type MetricLine struct {
	Name   string  `json:"name"`
	Labels string  `json:"labels,omitempty"`
	Value  float64 `json:"value"`
}

func newOpenCmd(a *app) *cobra.Command {
	var (
		strict      bool
		noBackup    bool
		noRecovery  bool
		showMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "open [store]",
		Short: "Open a store, upgrading or recovering it as needed",
		Long: `Open takes the store lock, upgrades the store to the current schema
version and closes it again. Without an argument the configured store is
used; a missing store is created empty.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.cfg.StoreOptions()
			if err != nil {
				return err
			}
			if strict {
				opts.Policy = legacy.Strict
			}
			if noBackup {
				opts.Backup = false
			}
			if noRecovery {
				opts.DisableRecovery = true
			}
			opts.Logger = a.logger.Slog()
			opts.OnExternalChange = func(ev lock.ExternalChangeEvent) {
				a.printer.Warning(fmt.Sprintf("%s was changed by another process (%s)", ev.Path, ev.EventType))
			}

			journal, err := a.openJournal()
			if err != nil {
				return err
			}
			if journal != nil {
				defer journal.Close()
				opts.Journal = journal
			}

			path := a.storePath(args)
			h, err := store.Open(cmd.Context(), path, opts)
			if err != nil {
				if a.jsonOutput {
					return outputJSON(cmd.OutOrStdout(), "open", a.start, nil, err)
				}
				return err
			}
			result := describeOpen(h)
			if err := h.Close(); err != nil {
				return err
			}
			if showMetrics {
				result.Metrics = gatherMetrics()
			}

			if a.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), "open", a.start, result, nil)
			}
			printOpen(a, result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "abort on the first value that cannot be coerced")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the backup taken before upgrading")
	cmd.Flags().BoolVar(&noRecovery, "no-recovery", false, "fail instead of moving an unreadable store aside")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print the feedstore metrics after opening")
	return cmd
}

func describeOpen(h *store.Handle) OpenResult {
	run := h.Run()
	result := OpenResult{
		Path:    h.Path(),
		Format:  h.Format().String(),
		From:    run.From(),
		Version: h.Version(),
		RunID:   run.ID,
	}
	for _, s := range run.Steps() {
		result.Steps = append(result.Steps, StepResult{
			Version:    s.Version,
			Chain:      s.Chain,
			Changed:    s.Changed,
			DurationMs: s.Duration.Milliseconds(),
		})
	}
	if rec := h.Recovery(); rec != nil {
		result.MovedTo = rec.MovedTo
		result.Recovered = rec.Cause.Error()
	}
	return result
}

func printOpen(a *app, r OpenResult) {
	p := a.printer
	if r.MovedTo != "" {
		p.Warning(fmt.Sprintf("store was unreadable and has been moved to %s", r.MovedTo))
		p.Muted(r.Recovered)
	}
	switch {
	case len(r.Steps) > 0:
		p.Success(fmt.Sprintf("upgraded %s from version %d to %d", r.Path, r.From, r.Version))
	default:
		p.Success(fmt.Sprintf("%s is at version %d", r.Path, r.Version))
	}
	p.Fields("format", r.Format, "run", r.RunID, "steps", len(r.Steps))

	if len(r.Metrics) > 0 {
		rows := make([][]string, 0, len(r.Metrics))
		for _, m := range r.Metrics {
			rows = append(rows, []string{m.Name, m.Labels, fmt.Sprintf("%g", m.Value)})
		}
		p.Table([]string{"METRIC", "LABELS", "VALUE"}, rows)
	}
}

// gatherMetrics collects the feedstore counters from the default registry.
func gatherMetrics() []MetricLine {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil
	}
	var out []MetricLine
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "feedstore_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			sort.Strings(labels)
			out = append(out, MetricLine{Name: mf.GetName(), Labels: strings.Join(labels, ","), Value: value})
		}
	}
	return out
}
