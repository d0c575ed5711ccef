// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upgrade drives a stored library from its saved schema version to
// the version the program expects.
//
// # Description
//
// A Driver picks the strategy from the saved version. Record-list
// snapshots below the cutover go through the legacy chain; relational
// stores go through the relational chain; a snapshot whose target lies past
// the cutover goes through both, converted into the relational store in
// between. Referential integrity is re-checked after every step.
//
// Every run and step is traced with OpenTelemetry, counted in Prometheus
// and, when a journal is configured, recorded in the audit journal.
//
// # Thread Safety
//
// A Driver is safe for concurrent use. A Run is owned by its caller.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/feedstore/services/persist/audit"
	"github.com/AleutianAI/feedstore/services/persist/legacy"
	"github.com/AleutianAI/feedstore/services/persist/relational"
	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/telemetry"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

const tracerName = "feedstore/upgrade"

var (
	// ErrNoSnapshot indicates a legacy run without a snapshot.
	ErrNoSnapshot = errors.New("legacy upgrade needs a snapshot")

	// ErrNoExecutor indicates a relational run without an executor.
	ErrNoExecutor = errors.New("relational upgrade needs an executor")

	// ErrNotUpToDate is returned by MarkOpen on a run that did not finish.
	ErrNotUpToDate = errors.New("run is not up to date")
)

// State is the position of a run in the upgrade state machine.
type State int

const (
	StateUnopened State = iota
	StateVersionChecked
	StateUpToDate
	StateLegacyUpgrading
	StateRelationalUpgrading
	StateOpen
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateVersionChecked:
		return "version_checked"
	case StateUpToDate:
		return "up_to_date"
	case StateLegacyUpgrading:
		return "legacy_upgrading"
	case StateRelationalUpgrading:
		return "relational_upgrading"
	case StateOpen:
		return "open"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Journal receives one entry per executed version.
type Journal interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Config configures a Driver.
type Config struct {
	// Target is the version to upgrade to. Zero means version.Current.
	Target int

	Policy legacy.Policy
	Env    legacy.Env

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Journal is optional.
	Journal Journal

	// Catalog is the relational table layout. It defaults to
	// relational.CutoverCatalog for Env.FilenamesAreBytes.
	Catalog *schema.Registry
}

// Driver runs upgrades.
type Driver struct {
	target  int
	policy  legacy.Policy
	env     legacy.Env
	logger  *slog.Logger
	journal Journal
	catalog *schema.Registry
}

// New creates a Driver.
//
// Outputs:
//
//	*Driver - The driver.
//	error   - Non-nil when the target is outside [version.Minimum,
//	          version.Current].
func New(cfg Config) (*Driver, error) {
	target := cfg.Target
	if target == 0 {
		target = version.Current
	}
	if target < version.Minimum || target > version.Current {
		return nil, fmt.Errorf("%w: target %d", version.ErrUnsupportedVersion, target)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = relational.CutoverCatalog(cfg.Env.FilenamesAreBytes)
	}
	return &Driver{
		target:  target,
		policy:  cfg.Policy,
		env:     cfg.Env,
		logger:  logger,
		journal: cfg.Journal,
		catalog: catalog,
	}, nil
}

// Target returns the version runs upgrade to.
func (d *Driver) Target() int { return d.target }

// Catalog returns the relational table layout the driver converts into.
func (d *Driver) Catalog() *schema.Registry { return d.catalog }

// Input is the stored state a run starts from.
type Input struct {
	// Version is the saved schema version.
	Version int

	// Snapshot holds the records of a store below the cutover. It is
	// upgraded in place.
	Snapshot *schema.Snapshot

	// Executor returns the statement surface of the relational store. It
	// is called at most once, when relational work is needed. For a
	// snapshot crossing the cutover it must return an empty store.
	Executor func(ctx context.Context) (relational.Executor, error)
}

// StepRecord describes one executed version.
type StepRecord struct {
	Version int
	Chain   string

	// Changed is the number of records the step touched, or -1 when
	// unknown.
	Changed  int
	Duration time.Duration
}

// Run is the state of one upgrade.
type Run struct {
	// ID identifies the run in logs and the audit journal.
	ID string

	state    State
	from     int
	version  int
	steps    []StepRecord
	snapshot *schema.Snapshot
	ex       relational.Executor
}

// State returns where the run is, or where it stopped when it failed.
func (r *Run) State() State { return r.state }

// Steps returns the executed versions in order.
func (r *Run) Steps() []StepRecord { return r.steps }

// From returns the saved version the run started at.
func (r *Run) From() int { return r.from }

// Version returns the version the store is at.
func (r *Run) Version() int { return r.version }

// Snapshot returns the upgraded snapshot of a run that ended below the
// cutover. It is nil for runs that ended in a relational store.
func (r *Run) Snapshot() *schema.Snapshot { return r.snapshot }

// Executor returns the relational store of a run that ended at or past
// the cutover.
func (r *Run) Executor() relational.Executor { return r.ex }

// MarkOpen moves an up-to-date run to the open state.
func (r *Run) MarkOpen() error {
	if r.state != StateUpToDate {
		return fmt.Errorf("%w: %s", ErrNotUpToDate, r.state)
	}
	r.state = StateOpen
	return nil
}

// Run brings the stored state described by in to the driver's target.
//
// Description:
//
//	The saved version is checked first: a store newer than the target is
//	rejected. A store at the target is up to date with no steps. Otherwise
//	the legacy chain runs up to min(target, cutover-1). When the target is
//	past the cutover the snapshot is validated against the catalog,
//	converted through the executor and the relational chain runs to the
//	target. The context is consulted between steps only.
//
// Inputs:
//
//	ctx - Cancels the run between steps.
//	in  - Saved version with the snapshot or executor it needs.
//
// Outputs:
//
//	*Run  - The run, also returned on failure so callers can inspect State
//	        and Steps.
//	error - *version.DatabaseTooNewError, *version.UpgradeStepError for a
//	        failed step, conversion or integrity check, ErrNoSnapshot,
//	        ErrNoExecutor, or the context error.
func (d *Driver) Run(ctx context.Context, in Input) (*Run, error) {
	r := &Run{ID: uuid.NewString(), state: StateUnopened, from: in.Version, version: in.Version}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "upgrade.Run",
		trace.WithAttributes(
			attribute.String("upgrade.run_id", r.ID),
			attribute.Int("upgrade.saved_version", in.Version),
			attribute.Int("upgrade.target_version", d.target),
		))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, d.logger).With("run_id", r.ID)

	outcome, err := d.run(ctx, r, in, logger)
	runsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("upgrade.outcome", outcome), attribute.Int("upgrade.steps", len(r.steps)))
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Warn("upgrade failed",
			"from", in.Version,
			"target", d.target,
			"state", r.state.String(),
			"error", err)
		return r, err
	}
	telemetry.SetSpanOK(span)
	if outcome == OutcomeUpgraded {
		logger.Info("upgraded store",
			"from", in.Version,
			"to", r.version,
			"steps", len(r.steps))
	}
	return r, nil
}

func (d *Driver) run(ctx context.Context, r *Run, in Input, logger *slog.Logger) (string, error) {
	if err := version.Check(in.Version, d.target); err != nil {
		r.state = StateRejected
		return OutcomeRejected, err
	}
	r.state = StateVersionChecked
	if in.Version == d.target {
		r.snapshot = in.Snapshot
		if !version.IsLegacy(in.Version) {
			ex, err := d.executor(ctx, in)
			if err != nil {
				return OutcomeFailed, err
			}
			r.ex = ex
		}
		r.state = StateUpToDate
		return OutcomeUpToDate, nil
	}

	from := in.Version
	if version.IsLegacy(from) {
		if in.Snapshot == nil {
			return OutcomeFailed, ErrNoSnapshot
		}
		if in.Snapshot.Version != from {
			return OutcomeFailed, fmt.Errorf("snapshot is at %d, input says %d", in.Snapshot.Version, from)
		}
		r.state = StateLegacyUpgrading
		if err := d.runLegacy(ctx, r, in.Snapshot, logger); err != nil {
			return OutcomeFailed, err
		}
		if d.target <= legacy.LastVersion {
			r.snapshot = in.Snapshot
			r.state = StateUpToDate
			return OutcomeUpgraded, nil
		}
	}

	ex, err := d.executor(ctx, in)
	if err != nil {
		return OutcomeFailed, err
	}
	r.ex = ex
	r.state = StateRelationalUpgrading
	if version.IsLegacy(from) {
		if err := d.cutover(ctx, r, ex, in.Snapshot, logger); err != nil {
			return OutcomeFailed, err
		}
		from = version.Cutover
	}
	if err := d.runRelational(ctx, r, ex, from, logger); err != nil {
		return OutcomeFailed, err
	}
	r.state = StateUpToDate
	return OutcomeUpgraded, nil
}

func (d *Driver) executor(ctx context.Context, in Input) (relational.Executor, error) {
	if in.Executor == nil {
		return nil, ErrNoExecutor
	}
	ex, err := in.Executor(ctx)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	return ex, nil
}

func (d *Driver) runLegacy(ctx context.Context, r *Run, snap *schema.Snapshot, logger *slog.Logger) error {
	c, err := legacy.NewContext(snap, legacy.Options{Policy: d.policy, Env: d.env, Logger: logger})
	if err != nil {
		return err
	}
	target := min(d.target, legacy.LastVersion)
	for v := snap.Version + 1; v <= target; v++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var changes legacy.ChangeSet
		err := d.step(ctx, r, version.ChainLegacy, v, func(context.Context) (int, error) {
			var err error
			changes, err = c.Apply(v)
			return changes.Len(), err
		})
		if err != nil {
			return err
		}
		r.version = v
		d.record(ctx, r, logger, changes.IDs())
	}
	return nil
}

// cutover validates the last legacy snapshot and writes it into the
// relational store.
func (d *Driver) cutover(ctx context.Context, r *Run, ex relational.Executor, snap *schema.Snapshot, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.step(ctx, r, version.ChainCutover, version.Cutover, func(ctx context.Context) (int, error) {
		if err := schema.ValidateSnapshot(snap, d.catalog); err != nil {
			return 0, err
		}
		if err := relational.Convert(ctx, ex, snap, d.catalog, logger); err != nil {
			return 0, err
		}
		return len(snap.Records), relational.CheckReferences(ctx, ex, d.catalog, version.Cutover)
	})
	if err != nil {
		return err
	}
	r.version = version.Cutover
	d.record(ctx, r, logger, nil)
	return nil
}

func (d *Driver) runRelational(ctx context.Context, r *Run, ex relational.Executor, from int, logger *slog.Logger) error {
	m := relational.NewMigration(ex, relational.Options{Policy: d.policy, Env: d.env, Logger: logger})
	for v := from + 1; v <= d.target; v++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.step(ctx, r, version.ChainRelational, v, func(ctx context.Context) (int, error) {
			if err := m.Apply(ctx, v); err != nil {
				return -1, err
			}
			if err := relational.CheckReferences(ctx, ex, d.catalog, v); err != nil {
				return -1, &version.UpgradeStepError{Chain: version.ChainRelational, Version: v, Err: err}
			}
			return -1, nil
		})
		if err != nil {
			return err
		}
		r.version = v
		d.record(ctx, r, logger, nil)
	}
	return nil
}

// step runs fn as version v of chain under a span, and records its
// outcome. Errors that are not already step errors are wrapped as one.
func (d *Driver) step(ctx context.Context, r *Run, chain string, v int, fn func(context.Context) (int, error)) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "upgrade.step",
		trace.WithAttributes(
			attribute.String("upgrade.chain", chain),
			attribute.Int("upgrade.version", v),
		))
	defer span.End()

	start := time.Now()
	changed, err := fn(ctx)
	elapsed := time.Since(start)
	stepDuration.WithLabelValues(chain).Observe(elapsed.Seconds())
	if err != nil {
		stepsTotal.WithLabelValues(chain, "error").Inc()
		var stepErr *version.UpgradeStepError
		if !errors.As(err, &stepErr) {
			err = &version.UpgradeStepError{Chain: chain, Version: v, Err: err}
		}
		telemetry.RecordError(span, err)
		return err
	}
	stepsTotal.WithLabelValues(chain, "ok").Inc()
	span.SetAttributes(attribute.Int("upgrade.changed", changed))
	r.steps = append(r.steps, StepRecord{Version: v, Chain: chain, Changed: changed, Duration: elapsed})
	return nil
}

// record writes the latest step to the journal. Journal failures are
// logged and never fail the run.
func (d *Driver) record(ctx context.Context, r *Run, logger *slog.Logger, ids []int64) {
	if d.journal == nil || len(r.steps) == 0 {
		return
	}
	s := r.steps[len(r.steps)-1]
	err := d.journal.Record(ctx, audit.Entry{
		RunID:    r.ID,
		Chain:    s.Chain,
		Version:  s.Version,
		Changed:  s.Changed,
		IDs:      ids,
		Duration: s.Duration,
		At:       time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("failed to record upgrade step", "version", s.Version, "error", err)
	}
}
