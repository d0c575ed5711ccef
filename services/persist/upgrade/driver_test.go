// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/feedstore/services/persist/audit"
	"github.com/AleutianAI/feedstore/services/persist/relational"
	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// =============================================================================
// Fixtures
// =============================================================================

type txStore struct {
	db *sql.DB
	tx *sql.Tx
}

func newTxStore(t *testing.T) *txStore {
	t.Helper()
	db, err := relational.Open(filepath.Join(t.TempDir(), "store.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &txStore{db: db}
}

func (s *txStore) executor(ctx context.Context) (relational.Executor, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return relational.NewTxExecutor(tx), nil
}

func rec(class string, id int64, kv ...any) *schema.Record {
	r := schema.NewRecord(class, id)
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

// lastLegacySnapshot is a small library saved by the last legacy version.
func lastLegacySnapshot(status string) *schema.Snapshot {
	return &schema.Snapshot{Version: version.Cutover - 1, Records: []*schema.Record{
		rec("feed", 1, "feed_impl_id", int64(2), "visible", true),
		rec("rss-feed-impl", 2, "ufeed_id", int64(1), "url", "http://x/feed"),
		rec("remote-downloader", 3, "status", status),
		rec("item", 4, "feed_id", int64(1), "downloader_id", int64(3), "videoFilename", "",
			"expired", false, "isContainerItem", false),
	}}
}

func newDriver(t *testing.T, cfg Config) *Driver {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

// =============================================================================
// Tests
// =============================================================================

func TestNew(t *testing.T) {
	d, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, version.Current, d.Target())
	assert.True(t, d.Catalog().Has("item"))

	for _, target := range []int{-1, version.Current + 1} {
		_, err := New(Config{Target: target})
		assert.ErrorIs(t, err, version.ErrUnsupportedVersion, "target %d", target)
	}
}

func TestRun_Rejected(t *testing.T) {
	d := newDriver(t, Config{})
	before := testutil.ToFloat64(runsTotal.WithLabelValues(OutcomeRejected))

	r, err := d.Run(context.Background(), Input{Version: version.Current + 1})
	var tooNew *version.DatabaseTooNewError
	require.ErrorAs(t, err, &tooNew)
	assert.Equal(t, version.Current+1, tooNew.Saved)
	assert.Equal(t, StateRejected, r.State())
	assert.Empty(t, r.Steps())
	assert.ErrorIs(t, r.MarkOpen(), ErrNotUpToDate)
	assert.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues(OutcomeRejected)))

	r, err = d.Run(context.Background(), Input{Version: 0})
	assert.ErrorIs(t, err, version.ErrUnsupportedVersion)
	assert.Equal(t, StateRejected, r.State())
}

func TestRun_UpToDate(t *testing.T) {
	store := newTxStore(t)
	d := newDriver(t, Config{})

	r, err := d.Run(context.Background(), Input{Version: version.Current, Executor: store.executor})
	require.NoError(t, err)
	defer store.tx.Rollback()
	assert.Equal(t, StateUpToDate, r.State())
	assert.Empty(t, r.Steps())
	assert.NotNil(t, r.Executor())
	require.NoError(t, r.MarkOpen())
	assert.Equal(t, StateOpen, r.State())
}

func TestRun_LegacyOnly(t *testing.T) {
	journal, err := audit.Open(audit.InMemoryConfig())
	require.NoError(t, err)
	defer journal.Close()

	d := newDriver(t, Config{Target: 20, Journal: journal})
	snap := &schema.Snapshot{Version: 5}
	r, err := d.Run(context.Background(), Input{Version: 5, Snapshot: snap})
	require.NoError(t, err)

	assert.Equal(t, StateUpToDate, r.State())
	assert.Equal(t, 20, r.Version())
	assert.Equal(t, 20, r.Snapshot().Version)
	assert.Nil(t, r.Executor())
	require.Len(t, r.Steps(), 15)
	for i, s := range r.Steps() {
		assert.Equal(t, 6+i, s.Version)
		assert.Equal(t, version.ChainLegacy, s.Chain)
	}

	entries, err := journal.List(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, entries, 15)
	assert.Equal(t, 6, entries[0].Version)
	assert.Equal(t, 20, entries[14].Version)
}

func TestRun_NeedsSnapshotOrExecutor(t *testing.T) {
	d := newDriver(t, Config{})

	_, err := d.Run(context.Background(), Input{Version: 10})
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = d.Run(context.Background(), Input{Version: 85})
	assert.ErrorIs(t, err, ErrNoExecutor)

	r, err := d.Run(context.Background(), Input{Version: 10, Snapshot: &schema.Snapshot{Version: 11}})
	assert.Error(t, err)
	assert.Equal(t, StateVersionChecked, r.State())
}

func TestRun_AcrossCutover(t *testing.T) {
	recorder := recordSpans(t)
	store := newTxStore(t)
	d := newDriver(t, Config{})
	okBefore := testutil.ToFloat64(stepsTotal.WithLabelValues(version.ChainRelational, "ok"))

	r, err := d.Run(context.Background(), Input{
		Version:  1,
		Snapshot: &schema.Snapshot{Version: 1},
		Executor: store.executor,
	})
	require.NoError(t, err)
	require.NoError(t, store.tx.Commit())

	assert.Equal(t, StateUpToDate, r.State())
	assert.Equal(t, version.Current, r.Version())
	assert.Nil(t, r.Snapshot())
	require.Len(t, r.Steps(), version.Current-1)

	steps := r.Steps()
	assert.Equal(t, version.ChainLegacy, steps[0].Chain)
	assert.Equal(t, version.ChainCutover, steps[version.Cutover-2].Chain)
	assert.Equal(t, version.Cutover, steps[version.Cutover-2].Version)
	assert.Equal(t, version.ChainRelational, steps[len(steps)-1].Chain)
	assert.Equal(t, version.Current, steps[len(steps)-1].Version)
	assert.Equal(t, okBefore+float64(version.Current-version.Cutover),
		testutil.ToFloat64(stepsTotal.WithLabelValues(version.ChainRelational, "ok")))

	v, err := relational.ReadVersion(context.Background(), relational.NewDBExecutor(store.db))
	require.NoError(t, err)
	assert.Equal(t, version.Current, v)

	var runs, stepSpans int
	for _, s := range recorder.Ended() {
		switch s.Name() {
		case "upgrade.Run":
			runs++
		case "upgrade.step":
			stepSpans++
		}
	}
	assert.Equal(t, 1, runs)
	assert.Equal(t, version.Current-1, stepSpans)
}

func TestRun_FromLastLegacyVersion(t *testing.T) {
	store := newTxStore(t)
	d := newDriver(t, Config{})

	r, err := d.Run(context.Background(), Input{
		Version:  version.Cutover - 1,
		Snapshot: lastLegacySnapshot("{u'state': u'finished', u'filename': u'/v/a.mp4'}"),
		Executor: store.executor,
	})
	require.NoError(t, err)
	require.NoError(t, store.tx.Commit())
	require.Len(t, r.Steps(), 1+version.Current-version.Cutover)

	rows, err := relational.NewDBExecutor(store.db).Query(context.Background(),
		"SELECT videoFilename, file_type FROM item WHERE id=4")
	require.NoError(t, err)
	assert.Equal(t, []relational.Row{{"/v/a.mp4", "video"}}, rows)
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name      string
		snap      *schema.Snapshot
		wantChain string
		wantVer   int
		wantState State
		wantInner any
	}{
		{
			name:      "bad downloader status",
			snap:      lastLegacySnapshot("not a literal("),
			wantChain: version.ChainRelational,
			wantVer:   81,
			wantState: StateRelationalUpgrading,
		},
		{
			name: "record does not fit the catalog",
			snap: func() *schema.Snapshot {
				s := lastLegacySnapshot("{}")
				s.Records[0].Set("maxOldItems", "thirty")
				return s
			}(),
			wantChain: version.ChainCutover,
			wantVer:   version.Cutover,
			wantState: StateRelationalUpgrading,
			wantInner: &schema.ValidationError{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTxStore(t)
			d := newDriver(t, Config{})
			failedBefore := testutil.ToFloat64(runsTotal.WithLabelValues(OutcomeFailed))

			r, err := d.Run(context.Background(), Input{
				Version:  tt.snap.Version,
				Snapshot: tt.snap,
				Executor: store.executor,
			})
			require.Error(t, err)
			require.NoError(t, store.tx.Rollback())

			var stepErr *version.UpgradeStepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.wantChain, stepErr.Chain)
			assert.Equal(t, tt.wantVer, stepErr.Version)
			assert.Equal(t, tt.wantState, r.State())
			if tt.wantInner != nil {
				var verr *schema.ValidationError
				assert.True(t, errors.As(err, &verr))
			}
			assert.Equal(t, failedBefore+1, testutil.ToFloat64(runsTotal.WithLabelValues(OutcomeFailed)))
		})
	}
}

func TestRun_Cancelled(t *testing.T) {
	d := newDriver(t, Config{Target: 30})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := d.Run(ctx, Input{Version: 10, Snapshot: &schema.Snapshot{Version: 10}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.Steps())
	assert.Equal(t, StateLegacyUpgrading, r.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "relational_upgrading", StateRelationalUpgrading.String())
	assert.Equal(t, "state(42)", State(42).String())
}
