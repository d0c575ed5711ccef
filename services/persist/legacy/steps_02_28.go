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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// statusOf returns a downloader's status mapping, or nil.
func statusOf(rec *schema.Record) map[any]any {
	return mapOf(rec.Get("status"))
}

// setAll stores v under field on every record of the given classes.
func setAll(c *Context, field string, v any, tags ...string) ChangeSet {
	var changed ChangeSet
	for _, rec := range c.Class(tags...) {
		rec.Set(field, schema.CloneValue(v))
		changed.Add(rec.ID)
	}
	return changed
}

// setOnImpl stores v under field on the embedded implementation of every
// feed whose implementation class is one of implTags, or of every feed
// when implTags is empty.
func setOnImpl(c *Context, field string, v any, implTags ...string) ChangeSet {
	var changed ChangeSet
	for _, feed := range c.Class("feed") {
		impl := embedded(feed, "actualFeed")
		if impl == nil {
			continue
		}
		if len(implTags) > 0 && !isClass(impl, implTags...) {
			continue
		}
		impl.Set(field, schema.CloneValue(v))
		changed.Add(feed.ID)
	}
	return changed
}

// upgrade2 moves the downloader progress fields into a status mapping and
// forces a fresh downloader.
func upgrade2(c *Context) (ChangeSet, error) {
	for _, rec := range c.Class("remote-downloader") {
		status := make(map[any]any)
		for _, key := range []string{"startTime", "endTime", "filename", "state",
			"currentSize", "totalSize", "reasonFailed"} {
			v, _ := rec.Fields.Pop(key)
			status[key] = v
		}
		rec.Set("status", status)
		rec.Set("dlid", "noid")
	}
	return AllChanged, nil
}

func upgrade3(c *Context) (ChangeSet, error) {
	setOnImpl(c, "expireTime", nil)
	return AllChanged, nil
}

func upgrade4(c *Context) (ChangeSet, error) {
	setAll(c, "iconCache", nil, "item", "file-item", "feed")
	return AllChanged, nil
}

// upgrade5 drops torrent metainfo; upgrade24 repeats it for the switch back.
func upgrade5(c *Context) (ChangeSet, error) {
	for _, rec := range c.Class("remote-downloader") {
		status := statusOf(rec)
		if has(status, "metainfo") {
			status["metainfo"] = nil
			status["infohash"] = nil
		}
	}
	return AllChanged, nil
}

func upgrade6(c *Context) (ChangeSet, error) {
	setAll(c, "downloadedTime", nil, "item", "file-item")
	return AllChanged, nil
}

func upgrade7(c *Context) (ChangeSet, error) {
	setOnImpl(c, "initialUpdate", false)
	return AllChanged, nil
}

// upgrade8 replaces the nested feed object on items with its id.
func upgrade8(c *Context) (ChangeSet, error) {
	for _, rec := range c.Class("item", "file-item") {
		var feedID any
		switch f := rec.Get("feed").(type) {
		case *schema.Record:
			if f != nil {
				feedID = f.ID
			}
		case int64:
			feedID = f
		}
		rec.Set("feed_id", feedID)
		rec.Fields.Delete("feed")
	}
	return AllChanged, nil
}

func upgrade9(c *Context) (ChangeSet, error) {
	setAll(c, "deleted", false, "file-item")
	return AllChanged, nil
}

// upgrade10 assumes watched items were watched when they were downloaded.
func upgrade10(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("item", "file-item") {
		if truthy(rec.Get("seen")) {
			rec.Set("watchedTime", rec.Get("downloadedTime"))
		} else {
			rec.Set("watchedTime", nil)
		}
		changed.Add(rec.ID)
	}
	return changed, nil
}

// upgrade12 backfills release dates from the entry.
func upgrade12(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("item", "file-item") {
		if rec.Fields.Has("releaseDateObj") {
			continue
		}
		rec.Set("releaseDateObj", minDatetime)
		entry := mapOf(rec.Get("entry"))
		err := c.BestEffort(rec, "releaseDateObj", func() error {
			t, err := entryReleaseDate(entry)
			if err != nil {
				return err
			}
			rec.Set("releaseDateObj", t)
			return nil
		})
		if err != nil {
			return ChangeSet{}, err
		}
		changed.Add(rec.ID)
	}
	return changed, nil
}

func entryReleaseDate(entry map[any]any) (time.Time, error) {
	if entry == nil {
		return time.Time{}, errors.New("item has no entry")
	}
	if enc := firstVideoEnclosure(entry); enc != nil {
		if t, err := pyDatetime(enc["updated_parsed"]); err == nil {
			return t, nil
		}
	}
	return pyDatetime(entry["updated_parsed"])
}

// upgrade13 drops items without a feed and resets the container fields.
func upgrade13(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	removed := make(map[int64]bool)
	for _, rec := range c.Class("item", "file-item") {
		changed.Add(rec.ID)
		if rec.Get("feed_id") == nil {
			removed[rec.ID] = true
			continue
		}
		rec.Set("isContainerItem", nil)
		rec.Set("parent_id", nil)
		rec.Set("videoFilename", "")
	}
	purgeItems(c, &changed, removed)
	return changed, nil
}

func upgrade14(c *Context) (ChangeSet, error) {
	return setAll(c, "url", nil, "channel-guide"), nil
}

// upgrade15 renames playlist items to item_ids, keeping the ids that still
// resolve.
func upgrade15(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("playlist") {
		items, _ := rec.Get("items").([]any)
		ids := make([]any, 0, len(items))
		for _, v := range items {
			if id, ok := asID(v); ok && c.Lookup(id) != nil {
				ids = append(ids, id)
			}
		}
		rec.Set("item_ids", ids)
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade16(c *Context) (ChangeSet, error) {
	return setAll(c, "shortFilename", nil, "file-item"), nil
}

func upgrade17(c *Context) (ChangeSet, error) {
	changed := setAll(c, "folder_id", nil, "feed", "playlist")
	return changed.Union(setAll(c, "item_ids", []any{}, "playlist-folder")), nil
}

func upgrade18(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("remote-downloader") {
		status := statusOf(rec)
		if status == nil {
			return ChangeSet{}, fmt.Errorf("downloader %d has no status", rec.ID)
		}
		status["shortReasonFailed"] = status["reasonFailed"]
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade19(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("remote-downloader") {
		rec.Set("origURL", rec.Get("url"))
		changed.Add(rec.ID)
	}
	return changed, nil
}

// upgrade20 clears the cached guide body so the redirect is recomputed.
func upgrade20(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("channel-guide") {
		rec.Set("redirectedURL", nil)
		rec.Set("cachedGuideBody", nil)
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade21(c *Context) (ChangeSet, error) {
	return setAll(c, "searchTerm", nil, "feed"), nil
}

func upgrade22(c *Context) (ChangeSet, error) {
	return setAll(c, "userTitle", nil, "feed"), nil
}

// upgrade23 removes container items from playlists.
func upgrade23(c *Context) (ChangeSet, error) {
	containers := make(map[int64]bool)
	for _, rec := range c.Class("item", "file-item") {
		if truthy(rec.Get("isContainerItem")) {
			containers[rec.ID] = true
		}
	}

	var changed ChangeSet
	for _, p := range c.Class("playlist", "playlist-folder") {
		ids, ok := p.Get("item_ids").([]any)
		if !ok {
			continue
		}
		filtered := make([]any, 0, len(ids))
		for _, v := range ids {
			if id, ok := asID(v); ok && containers[id] {
				continue
			}
			filtered = append(filtered, v)
		}
		if len(filtered) != len(ids) {
			p.Set("item_ids", filtered)
			changed.Add(p.ID)
		}
	}
	return changed, nil
}

// upgrade25 computes auto-download eligibility from each feed's start date.
func upgrade25(c *Context) (ChangeSet, error) {
	startFroms := make(map[int64]any)
	for _, feed := range c.Class("feed") {
		if impl := embedded(feed, "actualFeed"); impl != nil {
			startFroms[feed.ID] = impl.Get("startfrom")
		}
	}

	var changed ChangeSet
	for _, rec := range c.Records() {
		switch rec.Class {
		case "item":
			rec.Set("eligibleForAutoDownload", false)
			feedID, ok := asID(rec.Get("feed_id"))
			start, known := startFroms[feedID]
			if ok && known {
				pub := rec.Get("releaseDateObj")
				err := c.BestEffort(rec, "eligibleForAutoDownload", func() error {
					eligible, err := eligibleSince(pub, start)
					if err != nil {
						return err
					}
					rec.Set("eligibleForAutoDownload", eligible)
					return nil
				})
				if err != nil {
					return ChangeSet{}, err
				}
			}
			changed.Add(rec.ID)
		case "file-item":
			rec.Set("eligibleForAutoDownload", true)
			changed.Add(rec.ID)
		}
	}
	return changed, nil
}

func eligibleSince(pub, start any) (bool, error) {
	p, ok := pub.(time.Time)
	if !ok {
		return false, fmt.Errorf("release date is %s", schema.Describe(pub))
	}
	s, ok := start.(time.Time)
	if !ok {
		return false, fmt.Errorf("feed start date is %s", schema.Describe(start))
	}
	return !p.Equal(maxDatetime) && !p.Before(s), nil
}

// upgrade26 copies the download settings from the implementation to the
// feed.
func upgrade26(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, feed := range c.Class("feed") {
		impl := embedded(feed, "actualFeed")
		if impl == nil {
			continue
		}
		for _, field := range []string{"autoDownloadable", "getEverything", "maxNew",
			"fallBehind", "expire", "expireTime"} {
			feed.Set(field, schema.CloneValue(impl.Get(field)))
		}
		changed.Add(feed.ID)
	}
	return changed, nil
}

// upgrade28 removes duplicate items, keeping the one with the highest id.
// Items are duplicates when they share the feed, the first video enclosure
// URL and the title.
func upgrade28(c *Context) (ChangeSet, error) {
	c.SortByID()

	type itemKey struct{ feed, url, title string }
	seen := make(map[itemKey]bool)
	removed := make(map[int64]bool)

	recs := c.Records()
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.Class != "item" {
			continue
		}
		entry := mapOf(rec.Get("entry"))
		var url any
		if enc := firstVideoEnclosure(entry); enc != nil {
			url = enc["url"]
		}
		title := entry["title"]
		if title == nil && url == nil {
			continue
		}
		key := itemKey{textKey(rec.Get("feed_id")), textKey(url), textKey(title)}
		if seen[key] {
			removed[rec.ID] = true
		} else {
			seen[key] = true
		}
	}

	var changed ChangeSet
	purgeItems(c, &changed, removed)
	return changed, nil
}
