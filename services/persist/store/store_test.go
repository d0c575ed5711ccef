// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/feedstore/services/persist/audit"
	"github.com/AleutianAI/feedstore/services/persist/codec"
	"github.com/AleutianAI/feedstore/services/persist/lock"
	"github.com/AleutianAI/feedstore/services/persist/relational"
	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/snapshot"
	"github.com/AleutianAI/feedstore/services/persist/upgrade"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// =============================================================================
// Fixtures
// =============================================================================

type Feed struct {
	URL   string         `store:"url"`
	Title string         `store:"title"`
	Extra map[string]any `store:"extra"`
}

type Entry struct {
	Title string `store:"title"`
	Feed  *Feed  `store:"feed"`
}

func libraryRegistry(v int) *schema.Registry {
	return schema.NewRegistry(v).MustRegister(
		schema.NewSchema("library-feed",
			schema.F("url", schema.String()),
			schema.F("title", schema.String()),
			schema.F("extra", schema.Container().OrNull()),
		),
		schema.NewSchema("library-entry",
			schema.F("title", schema.String()),
			schema.F("feed", schema.ObjectRef("library-feed").OrNull()),
		),
	)
}

func libraryCodec(t *testing.T, v int) *codec.Codec {
	t.Helper()
	c, err := codec.New(libraryRegistry(v),
		codec.Binding{Tag: "library-feed", New: func() any { return &Feed{} }},
		codec.Binding{Tag: "library-entry", New: func() any { return &Entry{} }},
	)
	require.NoError(t, err)
	return c
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

const finishedStatus = "{u'state': u'finished', u'filename': u'/v/a.mp4'}"

func testOptions() Options {
	opts := DefaultOptions()
	opts.LockTimeout = 0
	return opts
}

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "library.db")
}

func openStore(t *testing.T, path string, opts Options) *Handle {
	t.Helper()
	h, err := Open(context.Background(), path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// writeCutoverStore leaves a relational store at version.Cutover at path.
func writeCutoverStore(t *testing.T, path string) {
	t.Helper()
	db, err := relational.Open(path)
	require.NoError(t, err)
	defer db.Close()

	d, err := upgrade.New(upgrade.Config{Target: version.Cutover})
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = d.Run(context.Background(), upgrade.Input{
		Version:  version.Cutover - 1,
		Snapshot: lastLegacySnapshot(finishedStatus),
		Executor: func(context.Context) (relational.Executor, error) {
			return relational.NewTxExecutor(tx), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "%s should not exist", path)
}

// =============================================================================
// Tests
// =============================================================================

func TestOpen_Fresh(t *testing.T) {
	path := storePath(t)
	h, err := Open(context.Background(), path, testOptions())
	require.NoError(t, err)

	assert.Equal(t, FormatMissing, h.Format())
	assert.Equal(t, version.Current, h.Version())
	assert.Nil(t, h.Recovery())
	assert.Equal(t, upgrade.StateOpen, h.Run().State())
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, FormatRelational, format)

	objects, err := h.Restore(context.Background(), libraryCodec(t, version.Current), codec.DecodeOptions{})
	require.NoError(t, err)
	assert.Empty(t, objects)

	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Close(), ErrClosed)
	_, err = h.Executor()
	assert.ErrorIs(t, err, ErrClosed)
	assertNoFile(t, lock.Path(path))
}

func TestSaveRestore(t *testing.T) {
	path := storePath(t)
	h := openStore(t, path, testOptions())

	feed := &Feed{URL: "http://x/feed", Title: "News", Extra: map[string]any{"k": int64(1)}}
	objects := []any{
		feed,
		&Entry{Title: "first", Feed: feed},
		&Entry{Title: "orphan"},
	}
	require.NoError(t, h.Save(context.Background(), libraryCodec(t, version.Current), objects))
	assert.Equal(t, version.Current, h.Version())
	assertNoFile(t, path+saveSuffix)
	require.NoError(t, h.Close())

	h = openStore(t, path, testOptions())
	assert.Equal(t, FormatRelational, h.Format())
	assert.Empty(t, h.Run().Steps())

	restored, err := h.Restore(context.Background(), libraryCodec(t, version.Current), codec.DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, restored, 3)

	var feeds []*Feed
	var entries []*Entry
	for _, obj := range restored {
		switch o := obj.(type) {
		case *Feed:
			feeds = append(feeds, o)
		case *Entry:
			entries = append(entries, o)
		}
	}
	require.Len(t, feeds, 1)
	require.Len(t, entries, 2)
	assert.Equal(t, "News", feeds[0].Title)
	assert.Equal(t, map[string]any{"k": int64(1)}, feeds[0].Extra)
	for _, e := range entries {
		if e.Title == "first" {
			assert.Same(t, feeds[0], e.Feed)
		} else {
			assert.Nil(t, e.Feed)
		}
	}
}

func TestSave_Errors(t *testing.T) {
	tests := []struct {
		name    string
		codec   func(t *testing.T) *codec.Codec
		objects []any
	}{
		{
			name:    "registry at another version",
			codec:   func(t *testing.T) *codec.Codec { return libraryCodec(t, version.Current-1) },
			objects: []any{&Feed{URL: "u"}},
		},
		{
			name:    "value the store cannot hold",
			codec:   func(t *testing.T) *codec.Codec { return libraryCodec(t, version.Current) },
			objects: []any{&Feed{URL: "u", Extra: map[string]any{"ch": make(chan int)}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := storePath(t)
			h := openStore(t, path, testOptions())
			c := libraryCodec(t, version.Current)
			require.NoError(t, h.Save(context.Background(), c, []any{&Feed{URL: "kept"}}))
			before, err := os.ReadFile(path)
			require.NoError(t, err)

			require.Error(t, h.Save(context.Background(), tt.codec(t), tt.objects))

			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assertNoFile(t, path+saveSuffix)

			restored, err := h.Restore(context.Background(), c, codec.DecodeOptions{})
			require.NoError(t, err)
			require.Len(t, restored, 1)
			assert.Equal(t, "kept", restored[0].(*Feed).URL)
		})
	}
}

func TestOpen_RecordList(t *testing.T) {
	tests := []struct {
		name       string
		backup     bool
		wantBackup bool
	}{
		{name: "with backup", backup: true, wantBackup: true},
		{name: "without backup", backup: false, wantBackup: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := storePath(t)
			require.NoError(t, snapshot.WriteFile(path, lastLegacySnapshot(finishedStatus)))

			journal, err := audit.Open(audit.InMemoryConfig())
			require.NoError(t, err)
			defer journal.Close()

			opts := testOptions()
			opts.Backup = tt.backup
			opts.Journal = journal
			h := openStore(t, path, opts)

			assert.Equal(t, FormatRecordList, h.Format())
			assert.Equal(t, version.Current, h.Version())
			assert.Nil(t, h.Recovery())
			assert.Equal(t, version.Cutover-1, h.Run().From())
			assertNoFile(t, path+upgradeSuffix)

			format, err := Detect(path)
			require.NoError(t, err)
			assert.Equal(t, FormatRelational, format)

			backup := BackupPath(path, version.Cutover-1)
			if tt.wantBackup {
				format, err := Detect(backup)
				require.NoError(t, err)
				assert.Equal(t, FormatRecordList, format)
			} else {
				assertNoFile(t, backup)
			}

			ex, err := h.Executor()
			require.NoError(t, err)
			rows, err := ex.Query(context.Background(), "SELECT videoFilename, file_type FROM item WHERE id=4")
			require.NoError(t, err)
			assert.Equal(t, []relational.Row{{"/v/a.mp4", "video"}}, rows)

			entries, err := journal.List(context.Background(), h.Run().ID)
			require.NoError(t, err)
			assert.Len(t, entries, version.Current-version.Cutover+1)
		})
	}
}

func TestOpen_CurrentStoreIsUntouched(t *testing.T) {
	path := storePath(t)
	require.NoError(t, snapshot.WriteFile(path, lastLegacySnapshot(finishedStatus)))

	first, err := Open(context.Background(), path, testOptions())
	require.NoError(t, err)
	require.NotEmpty(t, first.Run().Steps())
	require.NoError(t, first.Close())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	second, err := Open(context.Background(), path, testOptions())
	require.NoError(t, err)
	assert.Equal(t, FormatRelational, second.Format())
	assert.Equal(t, version.Current, second.Version())
	assert.Equal(t, version.Current, second.Run().From())
	assert.Empty(t, second.Run().Steps())
	require.NoError(t, second.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assertNoFile(t, BackupPath(path, version.Current))
}

func TestOpen_RelationalUpgrade(t *testing.T) {
	path := storePath(t)
	writeCutoverStore(t, path)

	h := openStore(t, path, testOptions())
	assert.Equal(t, FormatRelational, h.Format())
	assert.Equal(t, version.Current, h.Version())
	assert.Equal(t, version.Cutover, h.Run().From())
	assert.Len(t, h.Run().Steps(), version.Current-version.Cutover)

	format, err := Detect(BackupPath(path, version.Cutover))
	require.NoError(t, err)
	assert.Equal(t, FormatRelational, format)

	ex, err := h.Executor()
	require.NoError(t, err)
	v, err := relational.ReadVersion(context.Background(), ex)
	require.NoError(t, err)
	assert.Equal(t, version.Current, v)
}

func TestOpen_RecoversCorruptStore(t *testing.T) {
	path := storePath(t)
	garbage := []byte("this is not a store")
	require.NoError(t, os.WriteFile(path, garbage, 0o644))
	before := testutil.ToFloat64(recoveriesTotal)

	h, err := Open(context.Background(), path, testOptions())
	require.NoError(t, err)
	rec := h.Recovery()
	require.NotNil(t, rec)
	assert.Equal(t, path+corruptSuffix, rec.MovedTo)
	assert.ErrorIs(t, rec.Cause, ErrCorruptStore)
	assert.Equal(t, version.Current, h.Version())
	assert.Equal(t, before+1, testutil.ToFloat64(recoveriesTotal))

	moved, err := os.ReadFile(rec.MovedTo)
	require.NoError(t, err)
	assert.Equal(t, garbage, moved)
	require.NoError(t, h.Close())

	// A second corrupt store must not overwrite the first.
	require.NoError(t, os.WriteFile(path, garbage, 0o644))
	h = openStore(t, path, testOptions())
	rec = h.Recovery()
	require.NotNil(t, rec)
	assert.True(t, strings.HasPrefix(rec.MovedTo, path+corruptSuffix+"."), rec.MovedTo)
	assert.FileExists(t, path+corruptSuffix)
}

func TestOpen_RecoversFailedUpgrade(t *testing.T) {
	path := storePath(t)
	require.NoError(t, snapshot.WriteFile(path, lastLegacySnapshot("not a literal(")))

	h := openStore(t, path, testOptions())
	rec := h.Recovery()
	require.NotNil(t, rec)
	var stepErr *version.UpgradeStepError
	require.ErrorAs(t, rec.Cause, &stepErr)
	assert.Equal(t, 81, stepErr.Version)
	assertNoFile(t, path+upgradeSuffix)

	format, err := Detect(rec.MovedTo)
	require.NoError(t, err)
	assert.Equal(t, FormatRecordList, format)

	ex, err := h.Executor()
	require.NoError(t, err)
	ok, err := relational.HasTable(context.Background(), ex, "item")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_NotRecovered(t *testing.T) {
	t.Run("recovery disabled", func(t *testing.T) {
		path := storePath(t)
		require.NoError(t, os.WriteFile(path, []byte{0x1f, 0x8b, 0, 0}, 0o644))
		opts := testOptions()
		opts.DisableRecovery = true

		_, err := Open(context.Background(), path, opts)
		assert.ErrorIs(t, err, snapshot.ErrMalformed)
		assertNoFile(t, path+corruptSuffix)
		assertNoFile(t, lock.Path(path))
	})

	t.Run("database too new", func(t *testing.T) {
		path := storePath(t)
		h, err := Open(context.Background(), path, testOptions())
		require.NoError(t, err)
		ex, err := h.Executor()
		require.NoError(t, err)
		require.NoError(t, relational.WriteVersion(context.Background(), ex, version.Current+1))
		require.NoError(t, h.Close())

		_, err = Open(context.Background(), path, testOptions())
		var tooNew *version.DatabaseTooNewError
		require.ErrorAs(t, err, &tooNew)
		assert.Equal(t, version.Current+1, tooNew.Saved)
		assertNoFile(t, path+corruptSuffix)
		assertNoFile(t, BackupPath(path, version.Current+1))
	})

	t.Run("held by another handle", func(t *testing.T) {
		path := storePath(t)
		openStore(t, path, testOptions())

		_, err := Open(context.Background(), path, testOptions())
		assert.ErrorIs(t, err, lock.ErrFileLocked)
		var lockErr *lock.FileLockError
		require.ErrorAs(t, err, &lockErr)
		require.NotNil(t, lockErr.Holder)
		assert.Equal(t, os.Getpid(), lockErr.Holder.PID)
	})
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"corrupt", ErrCorruptStore, true},
		{"malformed", snapshot.ErrMalformed, true},
		{"no version", relational.ErrNoVersion, true},
		{"step", &version.UpgradeStepError{Chain: version.ChainLegacy, Version: 3, Err: os.ErrInvalid}, true},
		{"dangling", &schema.DanglingReferenceError{RecordID: 1}, true},
		{"too new", &version.DatabaseTooNewError{Saved: 200, Supported: version.Current}, false},
		{"locked", &lock.FileLockError{Err: lock.ErrFileLocked}, false},
		{"cancelled", context.Canceled, false},
		{"io", &StorageIOError{Op: "read", Path: "p", Err: os.ErrPermission}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recoverable(tt.err))
		})
	}
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content []byte
		want    Format
	}{
		{"empty", []byte{}, FormatUnknown},
		{"text", []byte("hello"), FormatUnknown},
		{"gzip", []byte{0x1f, 0x8b, 8}, FormatRecordList},
		{"sqlite", append([]byte("SQLite format 3\x00"), 1, 2), FormatRelational},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			require.NoError(t, os.WriteFile(path, tt.content, 0o644))
			got, err := Detect(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := Detect(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, FormatMissing, got)
	assert.Equal(t, "record-list", FormatRecordList.String())
}
