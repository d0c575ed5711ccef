// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relational

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/feedstore/services/persist/legacy"
	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// =============================================================================
// Fixtures
// =============================================================================

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// inTx runs fn in a transaction that is committed when fn succeeds.
func inTx(t *testing.T, db *sql.DB, fn func(ex Executor) error) error {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(NewTxExecutor(tx)); err != nil {
		require.NoError(t, tx.Rollback())
		return err
	}
	return tx.Commit()
}

func rec(class string, id int64, kv ...any) *schema.Record {
	r := schema.NewRecord(class, id)
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

var lastViewed = time.Date(2009, 6, 1, 12, 30, 0, 0, time.UTC)

// cutoverSnapshot is a small library at the last legacy version.
func cutoverSnapshot() *schema.Snapshot {
	return &schema.Snapshot{Version: version.Cutover - 1, Records: []*schema.Record{
		rec("feed", 1, "feed_impl_id", int64(2), "visible", true, "maxOldItems", int64(30),
			"section", "video", "leftover", "dropped at cutover"),
		rec("rss-feed-impl", 2, "ufeed_id", int64(1), "url", "http://x/feed", "lastViewed", lastViewed),
		rec("remote-downloader", 3, "origURL", "http://x/a.mp4",
			"status", "{u'state': u'finished', u'filename': u'/v/a.mp4'}"),
		rec("remote-downloader", 4, "status", "{}"),
		rec("item", 5, "feed_id", int64(1), "downloader_id", int64(3), "videoFilename", "",
			"seen", true, "expired", false, "isContainerItem", false, "feedparser_output", "{}"),
		rec("item", 6, "feed_id", int64(1), "videoFilename", "", "seen", false,
			"expired", true, "isContainerItem", true),
		rec("file-item", 7, "feed_id", int64(1), "parent_id", int64(6), "seen", true,
			"filename", "/f/b.mp3", "videoFilename", "", "deleted", false),
		rec("playlist-folder", 8, "title", "folder", "item_ids", "[5]"),
		rec("playlist", 9, "title", "list", "item_ids", "[5, 7]", "folder_id", int64(8)),
		rec("channel-guide", 10, "allowedURLs", "[]"),
	}}
}

func convertFixture(t *testing.T, db *sql.DB, snap *schema.Snapshot) {
	t.Helper()
	err := inTx(t, db, func(ex Executor) error {
		return Convert(context.Background(), ex, snap, CutoverCatalog(false), nil)
	})
	require.NoError(t, err)
}

func queryRows(t *testing.T, db *sql.DB, query string, args ...any) []Row {
	t.Helper()
	rows, err := NewDBExecutor(db).Query(context.Background(), query, args...)
	require.NoError(t, err)
	return rows
}

func columnNames(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	shape, err := NewDBExecutor(db).TableShape(context.Background(), table)
	require.NoError(t, err)
	names := make([]string, len(shape))
	for i, c := range shape {
		names[i] = c.Name
	}
	return names
}

// =============================================================================
// Executor Tests
// =============================================================================

func TestTableShape_MissingTable(t *testing.T) {
	db := openTestDB(t)
	shape, err := NewDBExecutor(db).TableShape(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, shape)
}

func TestRemoveColumns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ex := NewDBExecutor(db)
	require.NoError(t, ex.Exec(ctx, "CREATE TABLE t (id integer PRIMARY KEY, a text, b integer, c real, d timestamp)"))
	require.NoError(t, ex.Exec(ctx, "INSERT INTO t (id, a, b, c) VALUES (1, 'one', 10, 1.5), (2, 'two', 20, 2.5)"))

	require.NoError(t, RemoveColumns(ctx, ex, "t", "b", "missing"))

	// SQLite reports standard type names in upper case and keeps others
	// as declared.
	shape, err := ex.TableShape(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []Column{{"id", "INTEGER"}, {"a", "TEXT"}, {"c", "REAL"}, {"d", "timestamp"}}, shape)

	rows := queryRows(t, db, "SELECT id, a, c FROM t ORDER BY id")
	require.Len(t, rows, 2)
	assert.Equal(t, Row{int64(1), "one", 1.5}, rows[0])
	assert.Equal(t, Row{int64(2), "two", 2.5}, rows[1])

	pk := queryRows(t, db, "SELECT pk FROM pragma_table_info('t') WHERE name='id'")
	assert.Equal(t, int64(1), pk[0][0])

	assert.Error(t, RemoveColumns(ctx, ex, "nope", "a"))
}

// =============================================================================
// Table Codec Tests
// =============================================================================

func TestTableCodec_RoundTrip(t *testing.T) {
	reg := schema.NewRegistry(version.Current).MustRegister(
		schema.NewSchema("feed",
			schema.F("title", schema.String()),
			schema.F("blob", schema.Binary().OrNull()),
			schema.F("count", schema.Integer()),
			schema.F("ratio", schema.Float()),
			schema.F("active", schema.Boolean()),
			schema.F("seen_at", schema.DateTime().OrNull()),
			schema.F("tags", schema.List(schema.String())),
			schema.F("scores", schema.Mapping(schema.String(), schema.Integer())),
			schema.F("extra", schema.Container().OrNull()),
			schema.F("parent_id", schema.ObjectRef("feed").OrNull()),
		),
	)
	when := time.Date(2010, 1, 2, 3, 4, 5, 123456000, time.UTC)
	in := []*schema.Record{
		rec("feed", 1, "title", "first", "blob", []byte("raw"), "count", int64(3), "ratio", 0.5,
			"active", true, "seen_at", when, "tags", []any{"a", "b"},
			"scores", map[any]any{"x": int64(1)}, "extra", []any{int64(1), nil}, "parent_id", nil),
		rec("feed", 2, "title", "second", "count", int64(0), "ratio", 1.0, "active", false,
			"tags", []any{}, "scores", map[any]any{}, "parent_id", int64(1)),
	}

	db := openTestDB(t)
	ctx := context.Background()
	err := inTx(t, db, func(ex Executor) error {
		if err := CreateTables(ctx, ex, reg); err != nil {
			return err
		}
		return WriteRecords(ctx, ex, reg, in)
	})
	require.NoError(t, err)

	snap, err := ReadRecords(ctx, NewDBExecutor(db), reg)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, version.Current, snap.Version)

	first := snap.Records[0]
	assert.Equal(t, "first", first.Get("title"))
	assert.Equal(t, []byte("raw"), first.Get("blob"))
	assert.Equal(t, int64(3), first.Get("count"))
	assert.Equal(t, 0.5, first.Get("ratio"))
	assert.Equal(t, true, first.Get("active"))
	got, ok := first.Get("seen_at").(time.Time)
	require.True(t, ok)
	assert.True(t, when.Equal(got))
	assert.Equal(t, []any{"a", "b"}, first.Get("tags"))
	assert.Equal(t, map[any]any{"x": int64(1)}, first.Get("scores"))
	assert.Equal(t, []any{int64(1), nil}, first.Get("extra"))
	assert.Nil(t, first.Get("parent_id"))

	second := snap.Records[1]
	assert.Equal(t, false, second.Get("active"))
	assert.Nil(t, second.Get("blob"))
	assert.Equal(t, int64(1), second.Get("parent_id"))
	require.NoError(t, schema.ValidateSnapshot(snap, reg))
}

func TestWriteRecords_RejectsWrongKind(t *testing.T) {
	reg := schema.NewRegistry(version.Current).MustRegister(
		schema.NewSchema("feed", schema.F("count", schema.Integer())),
	)
	db := openTestDB(t)
	ctx := context.Background()
	err := inTx(t, db, func(ex Executor) error {
		if err := CreateTables(ctx, ex, reg); err != nil {
			return err
		}
		return WriteRecords(ctx, ex, reg, []*schema.Record{rec("feed", 1, "count", "three")})
	})
	assert.Error(t, err)
}

func TestVersionVariable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ex := NewDBExecutor(db)

	_, err := ReadVersion(ctx, ex)
	assert.ErrorIs(t, err, ErrNoVersion)

	require.NoError(t, CreateVariables(ctx, ex))
	_, err = ReadVersion(ctx, ex)
	assert.ErrorIs(t, err, ErrNoVersion)

	require.NoError(t, WriteVersion(ctx, ex, 85))
	require.NoError(t, WriteVersion(ctx, ex, 86))
	v, err := ReadVersion(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, 86, v)
}

// =============================================================================
// Cutover Tests
// =============================================================================

func TestTableName(t *testing.T) {
	assert.Equal(t, "field_impl", TableName("feed-impl", version.Cutover))
	assert.Equal(t, "feed_impl", TableName("feed-impl", 84))
	assert.Equal(t, "rss_multi_feed_impl", TableName("rss-multi-feed-impl", version.Cutover))
}

func TestCutoverCatalog_Lineage(t *testing.T) {
	catalog := CutoverCatalog(false)
	assert.True(t, catalog.IsA("file-item", "item"))
	assert.True(t, catalog.IsA("search-feed-impl", "feed-impl"))
	assert.Len(t, catalog.Lineage("feed-impl"), len(FeedImplTables))

	fi, err := catalog.Lookup("file-item")
	require.NoError(t, err)
	f, ok := fi.Field("videoFilename")
	require.True(t, ok)
	assert.Equal(t, schema.KindString, f.Type.Kind)

	fi, err = CutoverCatalog(true).Lookup("file-item")
	require.NoError(t, err)
	f, _ = fi.Field("filename")
	assert.Equal(t, schema.KindBinary, f.Type.Kind)
}

func TestConvert(t *testing.T) {
	db := openTestDB(t)
	snap := cutoverSnapshot()
	require.NoError(t, schema.ValidateSnapshot(snap, CutoverCatalog(false)))
	convertFixture(t, db, snap)

	v, err := ReadVersion(context.Background(), NewDBExecutor(db))
	require.NoError(t, err)
	assert.Equal(t, version.Cutover, v)

	assert.NotEmpty(t, columnNames(t, db, "field_impl"))
	assert.NotContains(t, columnNames(t, db, "feed"), "leftover")
	assert.Len(t, queryRows(t, db, "SELECT id FROM item"), 2)
	assert.Len(t, queryRows(t, db, "SELECT id FROM file_item"), 1)

	require.NoError(t, CheckReferences(context.Background(), NewDBExecutor(db), CutoverCatalog(false), version.Cutover))
}

func TestConvert_WrongVersion(t *testing.T) {
	db := openTestDB(t)
	err := inTx(t, db, func(ex Executor) error {
		return Convert(context.Background(), ex, &schema.Snapshot{Version: 40}, CutoverCatalog(false), nil)
	})
	assert.Error(t, err)
}

// =============================================================================
// Chain Tests
// =============================================================================

func TestRun_VersionErrors(t *testing.T) {
	db := openTestDB(t)
	ex := NewDBExecutor(db)

	err := Run(context.Background(), ex, version.Current+1, version.Current, Options{})
	var tooNew *version.DatabaseTooNewError
	require.ErrorAs(t, err, &tooNew)

	err = Run(context.Background(), ex, version.Cutover-1, version.Current, Options{})
	assert.ErrorIs(t, err, ErrBeforeCutover)
}

func TestRun_FullChain(t *testing.T) {
	db := openTestDB(t)
	convertFixture(t, db, cutoverSnapshot())
	catalog := CutoverCatalog(false)

	var applied []int
	err := inTx(t, db, func(ex Executor) error {
		return Run(context.Background(), ex, version.Cutover, version.Current, Options{
			AfterStep: func(ctx context.Context, v int) error {
				applied = append(applied, v)
				return CheckReferences(ctx, ex, catalog, v)
			},
		})
	})
	require.NoError(t, err)
	assert.Len(t, applied, version.Current-version.Cutover)

	v, err := ReadVersion(context.Background(), NewDBExecutor(db))
	require.NoError(t, err)
	assert.Equal(t, version.Current, v)

	t.Run("81 downloader state", func(t *testing.T) {
		rows := queryRows(t, db, "SELECT id, state, main_item_id FROM remote_downloader ORDER BY id")
		require.Len(t, rows, 2)
		assert.Equal(t, Row{int64(3), "finished", int64(5)}, rows[0])
		assert.Equal(t, Row{int64(4), "downloading", nil}, rows[1])
	})

	t.Run("82 and 83 merged items", func(t *testing.T) {
		rows := queryRows(t, db, "SELECT id, was_downloaded, is_file_item FROM item ORDER BY id")
		require.Len(t, rows, 3)
		assert.Equal(t, Row{int64(5), int64(1), int64(0)}, rows[0])
		assert.Equal(t, Row{int64(6), int64(1), int64(0)}, rows[1])
		assert.Equal(t, Row{int64(7), int64(0), int64(1)}, rows[2])
		assert.Empty(t, columnNames(t, db, "file_item"))
	})

	t.Run("84 table rename", func(t *testing.T) {
		assert.Empty(t, columnNames(t, db, "field_impl"))
		assert.NotEmpty(t, columnNames(t, db, "feed_impl"))
	})

	t.Run("85 container seen", func(t *testing.T) {
		rows := queryRows(t, db, "SELECT seen FROM item WHERE id=6")
		assert.Equal(t, int64(1), rows[0][0])
	})

	t.Run("86 and 87 last viewed", func(t *testing.T) {
		shape, err := NewDBExecutor(db).TableShape(context.Background(), "feed")
		require.NoError(t, err)
		var found bool
		for _, c := range shape {
			assert.NotEqual(t, "TIMESTAMP", c.Type, c.Name)
			if c.Name == "last_viewed" {
				found = true
				assert.Equal(t, "timestamp", c.Type)
			}
		}
		assert.True(t, found)
		rows := queryRows(t, db, "SELECT last_viewed FROM feed WHERE id=1")
		assert.NotNil(t, rows[0][0])
	})

	t.Run("88 item maps", func(t *testing.T) {
		rows := queryRows(t, db, "SELECT id, playlist_id, item_id, position FROM playlist_item_map ORDER BY id")
		assert.Equal(t, []Row{
			{int64(11), int64(9), int64(5), int64(0)},
			{int64(12), int64(9), int64(7), int64(1)},
		}, rows)
		rows = queryRows(t, db, "SELECT id, playlist_id, item_id, position, count FROM playlist_folder_item_map")
		assert.Equal(t, []Row{{int64(13), int64(8), int64(5), int64(0), int64(1)}}, rows)
	})

	t.Run("89 and 93 filenames", func(t *testing.T) {
		rows := queryRows(t, db, "SELECT id, videoFilename, file_type FROM item ORDER BY id")
		assert.Equal(t, []Row{
			{int64(5), "/v/a.mp4", "video"},
			{int64(6), "", "other"},
			{int64(7), "/f/b.mp3", "audio"},
		}, rows)
	})

	t.Run("91 indexes", func(t *testing.T) {
		rows := queryRows(t, db, "SELECT name FROM sqlite_master WHERE type='index' AND name NOT LIKE 'sqlite_%' ORDER BY name")
		var names []string
		for _, r := range rows {
			n, _ := asString(r[0])
			names = append(names, n)
		}
		assert.Equal(t, []string{"downloader_state", "item_downloader", "item_feed",
			"item_feed_downloader", "item_file_type"}, names)
	})

	t.Run("92 dropped columns", func(t *testing.T) {
		for _, table := range FeedImplTables {
			assert.NotContains(t, columnNames(t, db, table), "lastViewed", table)
		}
		assert.NotContains(t, columnNames(t, db, "playlist"), "item_ids")
		assert.NotContains(t, columnNames(t, db, "playlist_folder"), "item_ids")
		assert.Contains(t, columnNames(t, db, "playlist"), "folder_id")
	})
}

func TestRun_RollbackOnFailure(t *testing.T) {
	db := openTestDB(t)
	snap := cutoverSnapshot()
	snap.Records[2].Set("status", "not a literal(")
	convertFixture(t, db, snap)

	err := inTx(t, db, func(ex Executor) error {
		return Run(context.Background(), ex, version.Cutover, version.Current, Options{})
	})
	var stepErr *version.UpgradeStepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 81, stepErr.Version)
	assert.Equal(t, version.ChainRelational, stepErr.Chain)

	v, err := ReadVersion(context.Background(), NewDBExecutor(db))
	require.NoError(t, err)
	assert.Equal(t, version.Cutover, v)
	assert.NotContains(t, columnNames(t, db, "remote_downloader"), "state")
}

func TestUpgrade88_FolderCountPolicy(t *testing.T) {
	build := func(t *testing.T) *sql.DB {
		db := openTestDB(t)
		snap := cutoverSnapshot()
		// The folder lists an item none of its playlists hold.
		snap.Records[7].Set("item_ids", "[6]")
		convertFixture(t, db, snap)
		return db
	}

	t.Run("lenient counts zero", func(t *testing.T) {
		db := build(t)
		err := inTx(t, db, func(ex Executor) error {
			return Run(context.Background(), ex, version.Cutover, 88, Options{Policy: legacy.Lenient})
		})
		require.NoError(t, err)
		rows := queryRows(t, db, "SELECT item_id, count FROM playlist_folder_item_map")
		assert.Equal(t, []Row{{int64(6), int64(0)}}, rows)
	})

	t.Run("strict fails", func(t *testing.T) {
		db := build(t)
		err := inTx(t, db, func(ex Executor) error {
			return Run(context.Background(), ex, version.Cutover, 88, Options{Policy: legacy.Strict})
		})
		var coerce *legacy.CoercionError
		require.ErrorAs(t, err, &coerce)
		assert.Equal(t, 88, coerce.Version)
	})
}

func TestCheckReferences_Dangling(t *testing.T) {
	db := openTestDB(t)
	snap := cutoverSnapshot()
	convertFixture(t, db, snap)
	ctx := context.Background()
	ex := NewDBExecutor(db)
	require.NoError(t, ex.Exec(ctx, "UPDATE item SET feed_id=99 WHERE id=5"))

	err := CheckReferences(ctx, ex, CutoverCatalog(false), version.Cutover)
	var dangling *schema.DanglingReferenceError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, int64(5), dangling.RecordID)
	assert.Equal(t, int64(99), dangling.Target)
	assert.Equal(t, "feed_id", dangling.Field)
}
