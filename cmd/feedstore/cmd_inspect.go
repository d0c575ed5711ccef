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
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/feedstore/pkg/validation"
	"github.com/AleutianAI/feedstore/services/persist/lock"
	"github.com/AleutianAI/feedstore/services/persist/relational"
	"github.com/AleutianAI/feedstore/services/persist/snapshot"
	"github.com/AleutianAI/feedstore/services/persist/store"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// InspectResult describes a store without opening it for use.
type InspectResult struct {
	Path    string         `json:"path"`
	Format  string         `json:"format"`
	Version int            `json:"version,omitempty"`
	Status  string         `json:"status"`
	Counts  map[string]int `json:"counts,omitempty"`
	Holder  *lock.LockInfo `json:"holder,omitempty"`
}

// Status values reported by inspect.
const (
	statusMissing      = "missing"
	statusCurrent      = "current"
	statusNeedsUpgrade = "needs_upgrade"
	statusTooNew       = "too_new"
	statusUnsupported  = "unsupported"
	statusCorrupt      = "corrupt"
)

// inspectConcurrency bounds how many stores inspect reads at once.
const inspectConcurrency = 4

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [store...]",
		Short: "Report a store's format, version and contents without changing it",
		Long: `Inspect reads each store's format and schema version and counts its
records per class (record lists) or rows per table (SQLite stores). The store
lock is not taken; the current holder, if any, is reported. Without an
argument the configured store is inspected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = []string{a.storePath(nil)}
			}
			results, err := inspectAll(cmd.Context(), paths)
			if a.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), "inspect", a.start, results, err)
			}
			if err != nil {
				return err
			}
			for _, r := range results {
				printInspect(a, r)
			}
			return nil
		},
	}
}

// inspectAll inspects paths concurrently. Results keep the order of paths.
func inspectAll(ctx context.Context, paths []string) ([]InspectResult, error) {
	results := make([]InspectResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			r, err := inspect(gctx, path)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", path, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func inspect(ctx context.Context, path string) (InspectResult, error) {
	result := InspectResult{Path: path}
	format, err := store.Detect(path)
	if err != nil {
		return result, err
	}
	result.Format = format.String()
	if holder, err := lock.ReadInfo(path); err == nil {
		result.Holder = holder
	}

	switch format {
	case store.FormatMissing:
		result.Status = statusMissing
		return result, nil
	case store.FormatRecordList:
		snap, err := snapshot.ReadFile(path)
		if err != nil {
			result.Status = statusCorrupt
			return result, nil
		}
		result.Version = snap.Version
		result.Counts = make(map[string]int)
		for _, rec := range snap.Records {
			result.Counts[rec.Class]++
		}
	case store.FormatRelational:
		if err := inspectRelational(ctx, path, &result); err != nil {
			result.Status = statusCorrupt
			return result, nil
		}
	default:
		result.Status = statusCorrupt
		return result, nil
	}
	result.Status = versionStatus(result.Version)
	return result, nil
}

func inspectRelational(ctx context.Context, path string, result *InspectResult) error {
	db, err := relational.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	ex := relational.NewDBExecutor(db)

	v, err := relational.ReadVersion(ctx, ex)
	if err != nil {
		return err
	}
	result.Version = v

	rows, err := ex.Query(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return err
	}
	result.Counts = make(map[string]int, len(rows))
	for _, row := range rows {
		name := fmt.Sprint(row[0])
		if b, ok := row[0].([]byte); ok {
			name = string(b)
		}
		if name == "store_variables" {
			continue
		}
		quoted, err := validation.QuoteIdentifier(name)
		if err != nil {
			return err
		}
		count, err := ex.Query(ctx, "SELECT COUNT(*) FROM "+quoted)
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(fmt.Sprint(count[0][0]))
		result.Counts[name] = n
	}
	return nil
}

func versionStatus(v int) string {
	switch err := version.Check(v, version.Current); {
	case err == nil && v == version.Current:
		return statusCurrent
	case err == nil:
		return statusNeedsUpgrade
	default:
		var tooNew *version.DatabaseTooNewError
		if errors.As(err, &tooNew) {
			return statusTooNew
		}
		return statusUnsupported
	}
}

func printInspect(a *app, r InspectResult) {
	p := a.printer
	p.Title(r.Path)
	p.Fields("format", r.Format, "version", r.Version, "status", r.Status)
	if r.Holder != nil && lock.IsProcessAlive(r.Holder.PID) {
		p.Warning(fmt.Sprintf("locked by pid %d since %s (%s)", r.Holder.PID,
			r.Holder.LockedAt.Format("2006-01-02 15:04:05"), r.Holder.Reason))
	}
	if len(r.Counts) == 0 {
		return
	}
	names := make([]string, 0, len(r.Counts))
	for name := range r.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, strconv.Itoa(r.Counts[name])})
	}
	p.Table([]string{"CLASS", "COUNT"}, rows)
}
