// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package legacy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// =============================================================================
// Fixtures
// =============================================================================

func rec(class string, id int64, kv ...any) *schema.Record {
	r := schema.NewRecord(class, id)
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

func snapshotAt(v int, records ...*schema.Record) *schema.Snapshot {
	return &schema.Snapshot{Version: v, Records: records}
}

func videoEntry(title, url string) map[any]any {
	return map[any]any{
		"title": title,
		"enclosures": []any{
			map[any]any{"url": url, "type": "video/mp4"},
		},
	}
}

func run(t *testing.T, snap *schema.Snapshot, target int, opts Options) ChangeSet {
	t.Helper()
	changes, err := Run(context.Background(), snap, target, opts)
	require.NoError(t, err)
	require.Equal(t, target, snap.Version)
	return changes
}

func find(t *testing.T, snap *schema.Snapshot, id int64) *schema.Record {
	t.Helper()
	r, ok := snap.Index()[id]
	require.True(t, ok, "record %d missing", id)
	return r
}

// =============================================================================
// ChangeSet Tests
// =============================================================================

func TestChangeSet(t *testing.T) {
	t.Run("union of known sets", func(t *testing.T) {
		a := Changed(3, 1)
		b := Changed(2, 3)
		u := a.Union(b)
		assert.Equal(t, []int64{1, 2, 3}, u.IDs())
		assert.Equal(t, 3, u.Len())
		assert.False(t, u.Unknown())
	})

	t.Run("unknown absorbs", func(t *testing.T) {
		u := Changed(1).Union(AllChanged)
		assert.True(t, u.Unknown())
		assert.True(t, u.Has(42))
		assert.Equal(t, -1, u.Len())
		assert.Nil(t, u.IDs())
	})

	t.Run("add to unknown is a no-op", func(t *testing.T) {
		u := AllChanged
		u.Add(7)
		assert.True(t, u.Unknown())
	})
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Lenient, false},
		{"lenient", Lenient, false},
		{" Strict ", Strict, false},
		{"paranoid", Lenient, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_VersionErrors(t *testing.T) {
	t.Run("too new", func(t *testing.T) {
		_, err := Run(context.Background(), snapshotAt(79), 40, Options{})
		var tooNew *version.DatabaseTooNewError
		require.ErrorAs(t, err, &tooNew)
		assert.Equal(t, 79, tooNew.Saved)
		assert.Equal(t, 40, tooNew.Supported)
	})

	t.Run("below minimum", func(t *testing.T) {
		_, err := Run(context.Background(), snapshotAt(0), 10, Options{})
		assert.ErrorIs(t, err, version.ErrUnsupportedVersion)
	})

	t.Run("past cutover", func(t *testing.T) {
		_, err := Run(context.Background(), snapshotAt(70), version.Cutover, Options{})
		assert.ErrorIs(t, err, ErrCrossesCutover)
	})

	t.Run("duplicate ids", func(t *testing.T) {
		_, err := Run(context.Background(), snapshotAt(70, rec("feed", 1), rec("item", 1)), 71, Options{})
		assert.Error(t, err)
	})
}

func TestRun_EveryVersionHasAStep(t *testing.T) {
	for v := version.Minimum + 1; v <= LastVersion; v++ {
		_, ok := Steps[v]
		assert.True(t, ok, "version %d", v)
	}
}

func TestRun_EmptySnapshotReachesLastVersion(t *testing.T) {
	snap := snapshotAt(1)
	changes := run(t, snap, LastVersion, Options{Env: DefaultEnv()})
	assert.True(t, changes.Unknown())
	assert.Empty(t, snap.Records)
}

func TestRun_AfterStep(t *testing.T) {
	var seen []int
	snap := snapshotAt(60)
	run(t, snap, 63, Options{AfterStep: func(v int, _ ChangeSet) error {
		seen = append(seen, v)
		return nil
	}})
	assert.Equal(t, []int{61, 62, 63}, seen)

	boom := errors.New("boom")
	snap = snapshotAt(60)
	_, err := Run(context.Background(), snap, 63, Options{AfterStep: func(v int, _ ChangeSet) error {
		if v == 62 {
			return boom
		}
		return nil
	}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 62, snap.Version)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := snapshotAt(60)
	_, err := Run(ctx, snap, 63, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 60, snap.Version)
}

func TestApply_WrongVersion(t *testing.T) {
	c, err := NewContext(snapshotAt(10), Options{})
	require.NoError(t, err)
	_, err = c.Apply(12)
	assert.Error(t, err)
}

// =============================================================================
// Step Tests
// =============================================================================

func TestUpgrade8_FeedBecomesFeedID(t *testing.T) {
	snap := snapshotAt(7,
		rec("feed", 1),
		rec("item", 2, "feed", rec("feed", 1)),
	)
	run(t, snap, 8, Options{})

	item := find(t, snap, 2)
	assert.Equal(t, int64(1), item.Get("feed_id"))
	assert.False(t, item.Fields.Has("feed"))
}

func TestUpgrade28_RemovesDuplicates(t *testing.T) {
	snap := snapshotAt(27,
		rec("feed", 10),
		rec("item", 1, "feed_id", int64(10), "entry", videoEntry("same", "http://x/a.mp4")),
		rec("item", 2, "feed_id", int64(10), "entry", videoEntry("other", "http://x/a.mp4")),
		rec("item", 3, "feed_id", int64(10), "entry", videoEntry("same", "http://x/a.mp4")),
		rec("playlist", 4, "item_ids", []any{int64(1), int64(3)}),
	)
	changes := run(t, snap, 28, Options{})

	idx := snap.Index()
	assert.NotContains(t, idx, int64(1))
	assert.Contains(t, idx, int64(2))
	assert.Contains(t, idx, int64(3))
	assert.Equal(t, []any{int64(3)}, find(t, snap, 4).Get("item_ids"))
	assert.True(t, changes.Has(1))
	assert.True(t, changes.Has(4))
}

func TestUpgrade37_PurgeCascades(t *testing.T) {
	snap := snapshotAt(36,
		rec("feed", 1, "actualFeed", rec("directory-feed-impl", 0)),
		rec("file-item", 2, "feed_id", int64(1)),
		rec("file-item", 3, "feed_id", int64(5), "parent_id", int64(2)),
		rec("item", 4, "feed_id", int64(5), "parent_id", int64(2)),
		rec("feed", 5, "actualFeed", rec("rss-feed-impl", 0)),
		rec("playlist", 6, "item_ids", []any{int64(2), int64(4), int64(3)}),
	)
	changes := run(t, snap, 37, Options{})

	idx := snap.Index()
	assert.NotContains(t, idx, int64(2))
	assert.NotContains(t, idx, int64(3))
	assert.Nil(t, find(t, snap, 4).Get("parent_id"))
	assert.Equal(t, []any{int64(4)}, find(t, snap, 6).Get("item_ids"))
	assert.Equal(t, []int64{2, 3, 4, 6}, changes.IDs())
}

func TestUpgrade38_Policy(t *testing.T) {
	build := func() *schema.Snapshot {
		return snapshotAt(37,
			rec("remote-downloader", 1, "status", "garbage"),
			rec("remote-downloader", 2, "status", map[any]any{"channelName": "a/b:c"}),
		)
	}

	t.Run("lenient keeps going", func(t *testing.T) {
		snap := build()
		run(t, snap, 38, Options{Policy: Lenient})
		assert.Equal(t, "garbage", find(t, snap, 1).Get("status"))
		assert.Equal(t, "a-b-c", mapOf(find(t, snap, 2).Get("status"))["channelName"])
	})

	t.Run("strict aborts", func(t *testing.T) {
		_, err := Run(context.Background(), build(), 38, Options{Policy: Strict})
		var stepErr *version.UpgradeStepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, 38, stepErr.Version)
		assert.Equal(t, version.ChainLegacy, stepErr.Chain)

		var coerce *CoercionError
		require.ErrorAs(t, err, &coerce)
		assert.Equal(t, int64(1), coerce.RecordID)
		assert.Equal(t, "status.channelName", coerce.Field)
	})
}

func TestUpgrade41_TextRules(t *testing.T) {
	tests := []struct {
		name          string
		bytesPlatform bool
		wantFilename  any
	}{
		{"text filenames", false, "a.mp4"},
		{"byte filenames", true, []byte("a.mp4")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshotAt(40,
				rec("item", 1,
					"videoFilename", []byte("a.mp4"),
					"initialHTML", "<p>",
					"title", []byte("caf\xe9"),
				),
				rec("remote-downloader", 2, "status", map[any]any{
					"metainfo": "xyz",
					"state":    []byte("finished"),
				}),
				rec("channel-guide", 3, "cachedGuideBody", "<html>"),
			)
			run(t, snap, 41, Options{Env: Env{FilenamesAreBytes: tt.bytesPlatform}})

			item := find(t, snap, 1)
			assert.Equal(t, tt.wantFilename, item.Get("videoFilename"))
			assert.Equal(t, []byte("<p>"), item.Get("initialHTML"))
			assert.Equal(t, "caf\uFFFD", item.Get("title"))

			status := mapOf(find(t, snap, 2).Get("status"))
			assert.Equal(t, []byte("xyz"), status["metainfo"])
			assert.Equal(t, "finished", status["state"])

			assert.False(t, find(t, snap, 3).Fields.Has("cachedGuideBody"))
		})
	}
}

func TestUpgrade64_72_AllowedURLs(t *testing.T) {
	env := DefaultEnv()
	snap := snapshotAt(63,
		rec("channel-guide", 1, "url", env.ChannelGuideURL),
		rec("channel-guide", 2, "url", "http://elsewhere.example/"),
	)
	run(t, snap, 64, Options{Env: env})

	assert.Equal(t, []any{
		"https://www.miroguide.com/",
		"https://miroguide.com/",
		[]byte("https://www.miroguide.com/firsttime"),
	}, find(t, snap, 1).Get("allowedURLs"))
	assert.Equal(t, []any{}, find(t, snap, 2).Get("allowedURLs"))

	run(t, snap, 72, Options{Env: env})
	urls := find(t, snap, 1).Get("allowedURLs").([]any)
	assert.Equal(t, "https://www.miroguide.com/firsttime", urls[2])
}

func TestUpgrade71_LinksDownloaders(t *testing.T) {
	snap := snapshotAt(70,
		rec("remote-downloader", 1, "origURL", "http://x/a%20b.mp4"),
		rec("remote-downloader", 2, "origURL", nil),
		rec("item", 3, "entry", videoEntry("hit", "http://x/a+b.mp4")),
		rec("item", 4, "entry", videoEntry("miss", "http://x/other.mp4")),
		rec("item", 5, "entry", map[any]any{
			"enclosures": []any{
				map[any]any{"url": "http://x/a%20b.mp4", "type": "text/html"},
			},
		}),
	)
	run(t, snap, 71, Options{})

	assert.Equal(t, int64(1), find(t, snap, 3).Get("downloader_id"))
	assert.Nil(t, find(t, snap, 4).Get("downloader_id"))
	assert.Equal(t, int64(1), find(t, snap, 5).Get("downloader_id"))
}

func TestUpgrade75_FlattensEntry(t *testing.T) {
	entry := map[any]any{
		"title": "A &amp; B",
		"id":    "guid-1",
		"link":  map[any]any{"href": []byte("http://example.com/p")},
	}
	snap := snapshotAt(74,
		rec("item", 1, "entry", entry),
		rec("item", 2, "entry", nil),
	)
	run(t, snap, 75, Options{})

	item := find(t, snap, 1)
	assert.False(t, item.Fields.Has("entry"))
	assert.Equal(t, "A & B", item.Get("entry_title"))
	assert.Equal(t, "guid-1", item.Get("rss_id"))
	assert.Equal(t, "http://example.com/p", item.Get("link"))
	assert.Equal(t, "", item.Get("url"))
	assert.Equal(t, minDatetime, item.Get("releaseDateObj"))
	assert.Equal(t, entry, item.Get("feedparser_output"))

	empty := find(t, snap, 2)
	assert.Equal(t, map[any]any{}, empty.Get("feedparser_output"))
}

func TestUpgrade75_RejectsBadEntry(t *testing.T) {
	snap := snapshotAt(74, rec("item", 1, "entry", "not a mapping"))
	_, err := Run(context.Background(), snap, 75, Options{})
	var stepErr *version.UpgradeStepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 75, stepErr.Version)
}

func TestUpgrade77_78_SplitsEmbeddedObjects(t *testing.T) {
	impl := rec("rss-feed-impl", 0, "visible", true, "ufeed", rec("feed", 1))
	snap := snapshotAt(75,
		rec("feed", 1,
			"actualFeed", impl,
			"iconCache", rec("icon-cache", 0, "url", "http://x/icon.png"),
		),
		rec("item", 2, "feed_id", int64(1), "iconCache", nil),
	)
	changes := run(t, snap, 78, Options{})

	feed := find(t, snap, 1)
	assert.Equal(t, int64(3), feed.Get("feed_impl_id"))
	assert.Equal(t, int64(4), feed.Get("icon_cache_id"))
	assert.False(t, feed.Fields.Has("actualFeed"))
	assert.False(t, feed.Fields.Has("iconCache"))

	split := find(t, snap, 3)
	assert.Equal(t, "rss-feed-impl", split.Class)
	assert.Equal(t, int64(1), split.Get("ufeed_id"))
	assert.False(t, split.Fields.Has("ufeed"))
	assert.False(t, split.Fields.Has("visible"))
	assert.Equal(t, true, feed.Get("visible"))

	cache := find(t, snap, 4)
	assert.Equal(t, "icon-cache", cache.Class)
	assert.Equal(t, "http://x/icon.png", cache.Get("url"))

	item := find(t, snap, 2)
	assert.Nil(t, item.Get("icon_cache_id"))
	assert.True(t, item.Fields.Has("icon_cache_id"))

	assert.Len(t, snap.Records, 4)
	assert.Equal(t, []int64{1, 2, 3, 4}, changes.IDs())
}

func TestUpgrade77_MissingImpl(t *testing.T) {
	snap := snapshotAt(76, rec("feed", 1, "actualFeed", nil))
	_, err := Run(context.Background(), snap, 77, Options{})
	assert.Error(t, err)
}

func TestUpgrade79_ReprFields(t *testing.T) {
	snap := snapshotAt(78,
		rec("item", 1, "feedparser_output", map[any]any{"title": "t"}),
		rec("playlist", 2, "item_ids", []any{int64(1)}),
		rec("remote-downloader", 3, "status", map[any]any{"state": []byte("finished")}),
		rec("channel-guide", 4),
	)
	run(t, snap, 79, Options{})

	assert.Equal(t, "{u'title': u't'}", find(t, snap, 1).Get("feedparser_output"))
	assert.Equal(t, "[1]", find(t, snap, 2).Get("item_ids"))
	assert.Equal(t, "{u'state': 'finished'}", find(t, snap, 3).Get("status"))
	assert.Equal(t, "None", find(t, snap, 4).Get("allowedURLs"))
}

func TestApply_DetectsDanglingReference(t *testing.T) {
	snap := snapshotAt(60, rec("item", 1, "feed_id", int64(99)))
	_, err := Run(context.Background(), snap, 61, Options{})
	var dangling *schema.DanglingReferenceError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, int64(99), dangling.Target)
}
