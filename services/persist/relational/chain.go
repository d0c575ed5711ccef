// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relational upgrades a SQLite store from the cutover version to
// the current schema version, and converts record-list snapshots into that
// store at the cutover.
//
// # Description
//
// Each version N in 81..93 has a Step that issues statements against an
// Executor. Steps read table shapes and rows through the Executor only; the
// repr text that composite values were stored as is read back with the
// restricted parser in package repr.
//
// # Thread Safety
//
// A run owns its Executor for its whole duration. Nothing here is safe for
// concurrent use on the same store.
package relational

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/feedstore/services/persist/legacy"
	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// FirstVersion is the first version the relational chain produces.
const FirstVersion = version.Cutover + 1

// Step upgrades the store behind m by one version.
type Step func(ctx context.Context, m *Migration) error

// ErrBeforeCutover indicates a run that starts below the cutover.
var ErrBeforeCutover = errors.New("relational chain starts at the cutover")

// Steps maps each version to the step that produces it.
var Steps = map[int]Step{
	81: upgrade81, 82: upgrade82, 83: upgrade83, 84: upgrade84, 85: upgrade85,
	86: upgrade86, 87: upgrade87, 88: upgrade88, 89: upgrade89, 90: upgrade90,
	91: upgrade91, 92: upgrade92, 93: upgrade93,
}

// Options configures a relational run.
type Options struct {
	Policy legacy.Policy
	Env    legacy.Env
	Logger *slog.Logger

	// AfterStep is called once a version has been applied and recorded.
	// A non-nil error aborts the run.
	AfterStep func(ctx context.Context, version int) error
}

// Migration is what a step sees: the executor plus the run settings.
type Migration struct {
	Executor

	policy  legacy.Policy
	env     legacy.Env
	logger  *slog.Logger
	version int
}

// NewMigration binds ex to the settings of opts.
func NewMigration(ex Executor, opts Options) *Migration {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Migration{Executor: ex, policy: opts.Policy, env: opts.Env, logger: logger}
}

// Env returns the installation facts of the run.
func (m *Migration) Env() legacy.Env { return m.env }

// Logger returns the run logger annotated with the current version.
func (m *Migration) Logger() *slog.Logger {
	return m.logger.With("chain", version.ChainRelational, "version", m.version)
}

// BestEffort runs a lookup that historically could fail on bad data.
// Under legacy.Lenient a failure is logged and nil is returned; under
// legacy.Strict it is returned.
func (m *Migration) BestEffort(table string, id int64, field string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if m.policy == legacy.Strict {
		return &legacy.CoercionError{Version: m.version, RecordID: id, Class: table, Field: field, Err: err}
	}
	m.Logger().Debug("best effort lookup failed",
		"table", table,
		"row_id", id,
		"field", field,
		"error", err)
	return nil
}

// Apply runs the step for v and records v as the store version.
func (m *Migration) Apply(ctx context.Context, v int) error {
	step, ok := Steps[v]
	if !ok {
		return &version.UpgradeStepError{Chain: version.ChainRelational, Version: v, Err: legacy.ErrMissingStep}
	}
	m.version = v
	defer func() { m.version = 0 }()

	if err := step(ctx, m); err != nil {
		return &version.UpgradeStepError{Chain: version.ChainRelational, Version: v, Err: err}
	}
	if err := WriteVersion(ctx, m, v); err != nil {
		return &version.UpgradeStepError{Chain: version.ChainRelational, Version: v, Err: err}
	}
	return nil
}

// Run upgrades the store behind ex from version from to target.
//
// Description:
//
//	Versions (from, target] are applied in increasing order and the store
//	version is written after each. The caller owns the transaction: a
//	failed run leaves the store partially upgraded until it is rolled back.
//
// Outputs:
//
//	error - *version.DatabaseTooNewError, ErrBeforeCutover, or the first
//	        step failure as *version.UpgradeStepError.
func Run(ctx context.Context, ex Executor, from, target int, opts Options) error {
	if err := version.Check(from, target); err != nil {
		return err
	}
	if from < version.Cutover {
		return fmt.Errorf("%w: store is at %d", ErrBeforeCutover, from)
	}
	m := NewMigration(ex, opts)
	for v := from + 1; v <= target; v++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Apply(ctx, v); err != nil {
			return err
		}
		m.logger.Debug("upgraded store", "chain", version.ChainRelational, "version", v)
		if opts.AfterStep != nil {
			if err := opts.AfterStep(ctx, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckReferences verifies that every id column of catalog resolves in a
// store at version v.
//
// Description:
//
//	Only single-reference fields are checked; id lists are stored as text.
//	Target tables are the tables of the declared class and its
//	descendants. Tables and columns that do not exist at v are skipped,
//	which covers tables merged or renamed by later steps.
//
// Outputs:
//
//	error - *schema.DanglingReferenceError for the first unresolved id.
func CheckReferences(ctx context.Context, ex Executor, catalog *schema.Registry, v int) error {
	exists := make(map[string]bool)
	hasTable := func(table string) (bool, error) {
		if ok, seen := exists[table]; seen {
			return ok, nil
		}
		ok, err := HasTable(ctx, ex, table)
		if err != nil {
			return false, err
		}
		exists[table] = ok
		return ok, nil
	}

	for _, tag := range catalog.Tags() {
		table := TableName(tag, v)
		shape, err := ex.TableShape(ctx, table)
		if err != nil {
			return err
		}
		columns := make(map[string]bool, len(shape))
		for _, c := range shape {
			columns[c.Name] = true
		}
		sc, err := catalog.Lookup(tag)
		if err != nil {
			return err
		}
		for _, f := range sc.Fields() {
			if f.Type.Kind != schema.KindObject || !columns[f.Name] {
				continue
			}
			var targets []string
			for _, t := range catalog.Lineage(f.Type.Target) {
				name := TableName(t, v)
				ok, err := hasTable(name)
				if err != nil {
					return err
				}
				if ok {
					targets = append(targets, name)
				}
			}
			if len(targets) == 0 {
				continue
			}
			if err := checkColumn(ctx, ex, tag, table, f.Name, targets); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkColumn(ctx context.Context, ex Executor, tag, table, column string, targets []string) error {
	conds := make([]string, 0, len(targets))
	for _, t := range targets {
		conds = append(conds, fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s WHERE id = src.%s)",
			quoteIdent(t), quoteIdent(column)))
	}
	query := fmt.Sprintf("SELECT src.id, src.%s FROM %s AS src WHERE src.%s IS NOT NULL AND %s LIMIT 1",
		quoteIdent(column), quoteIdent(table), quoteIdent(column), strings.Join(conds, " AND "))
	rows, err := ex.Query(ctx, query)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	id, _ := asInt64(rows[0][0])
	target, _ := asInt64(rows[0][1])
	return &schema.DanglingReferenceError{RecordID: id, Class: tag, Field: column, Target: target}
}
