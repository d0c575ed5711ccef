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
	"fmt"
	"strings"

	"github.com/AleutianAI/feedstore/services/persist/repr"
	"github.com/AleutianAI/feedstore/services/persist/schema"
)

func upgrade61(c *Context) (ChangeSet, error) {
	return setAll(c, "channelTitle", nil, "item", "file-item"), nil
}

func upgrade62(c *Context) (ChangeSet, error) {
	return setAll(c, "baseTitle", nil, "feed"), nil
}

// upgrade64 seeds the allowed URL list of the default guide.
//
// The first-time URL is appended as a byte string, which upgrade72 later
// converts to text.
func upgrade64(c *Context) (ChangeSet, error) {
	env := c.Env()
	var changed ChangeSet
	for _, rec := range c.Class("channel-guide") {
		allowed := []any{}
		if equalText(rec.Get("url"), env.ChannelGuideURL) {
			for _, u := range strings.Fields(env.ChannelGuideAllowedURLs) {
				allowed = append(allowed, u)
			}
			allowed = append(allowed, []byte(env.ChannelGuideFirstTimeURL))
		}
		rec.Set("allowedURLs", allowed)
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade65(c *Context) (ChangeSet, error) {
	return setAll(c, "maxOldItems", int64(30), "feed"), nil
}

func upgrade66(c *Context) (ChangeSet, error) {
	return setAll(c, "title", "", "item", "file-item"), nil
}

func upgrade67(c *Context) (ChangeSet, error) {
	return setAll(c, "userTitle", nil, "channel-guide"), nil
}

func upgrade68(c *Context) (ChangeSet, error) {
	return setAll(c, "section", "video", "feed", "channel-folder"), nil
}

func upgrade70(c *Context) (ChangeSet, error) {
	return setOnImpl(c, "query", "", "search-feed-impl", "rss-multi-feed-impl"), nil
}

// upgrade71 links items to their downloader through the enclosure URL.
func upgrade71(c *Context) (ChangeSet, error) {
	byURL := make(map[string]int64)
	for _, rec := range c.Class("remote-downloader") {
		if u, ok := text(rec.Get("origURL")); ok {
			byURL[u] = rec.ID
		}
	}

	var changed ChangeSet
	for _, rec := range c.Class("item", "file-item") {
		entry := mapOf(rec.Get("entry"))
		var downloaderID any
		if u, ok := enclosureURL(bestVideoEnclosure(entry)); ok {
			if id, found := byURL[u]; found {
				downloaderID = id
			}
		}
		if downloaderID == nil {
			// The best enclosure changed between releases, so fall back to
			// any enclosure that matches a downloader.
			encs, _ := enclosuresOf(entry)
			for _, enc := range encs {
				u, ok := enclosureURL(enc)
				if !ok {
					continue
				}
				if id, found := byURL[u]; found {
					downloaderID = id
					break
				}
			}
		}
		rec.Set("downloader_id", downloaderID)
		changed.Add(rec.ID)
	}
	return changed, nil
}

// upgrade72 turns the byte string left at the end of allowedURLs into text.
func upgrade72(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("channel-guide") {
		urls, ok := rec.Get("allowedURLs").([]any)
		if !ok || len(urls) == 0 {
			continue
		}
		if b, isBytes := urls[len(urls)-1].([]byte); isBytes {
			urls[len(urls)-1] = decodeASCII(b)
			changed.Add(rec.ID)
		}
	}
	return changed, nil
}

// upgrade75 replaces the parsed entry of every item with flat attributes
// and a normalized copy of the entry.
func upgrade75(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("item", "file-item") {
		raw, _ := rec.Fields.Pop("entry")
		entry := mapOf(raw)
		if raw != nil && entry == nil {
			return ChangeSet{}, fmt.Errorf("item %d: entry is %s", rec.ID, schema.Describe(raw))
		}
		values := newEntryValues(entry)
		normalized, err := normalizeEntry(values.entry)
		if err != nil {
			return ChangeSet{}, fmt.Errorf("item %d: %w", rec.ID, err)
		}
		for _, f := range values.fields() {
			rec.Set(f.name, f.value)
		}
		rec.Set("feedparser_output", normalized)
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade76(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, feed := range c.Class("feed") {
		impl := embedded(feed, "actualFeed")
		if impl == nil {
			return ChangeSet{}, fmt.Errorf("feed %d has no implementation", feed.ID)
		}
		visible, _ := impl.Fields.Pop("visible")
		feed.Set("visible", visible)
		changed.Add(feed.ID)
	}
	return changed, nil
}

// upgrade77 makes feed implementations top-level records with fresh ids
// linked to their feed in both directions.
func upgrade77(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	next := c.MaxID() + 1
	for _, feed := range c.Class("feed") {
		impl := embedded(feed, "actualFeed")
		if impl == nil {
			return ChangeSet{}, fmt.Errorf("feed %d has no implementation", feed.ID)
		}
		impl.Set("ufeed_id", feed.ID)
		impl.ID = next
		feed.Set("feed_impl_id", next)
		impl.Fields.Delete("ufeed")
		feed.Fields.Delete("actualFeed")
		if err := c.Add(impl); err != nil {
			return ChangeSet{}, err
		}
		changed.Add(feed.ID, impl.ID)
		next++
	}
	return changed, nil
}

// upgrade78 makes icon caches top-level records with fresh ids.
func upgrade78(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	next := c.MaxID() + 1
	for _, obj := range c.Class("feed", "item", "file-item", "channel-guide") {
		if cache := embedded(obj, "iconCache"); cache != nil {
			cache.ID = next
			obj.Set("icon_cache_id", next)
			if err := c.Add(cache); err != nil {
				return ChangeSet{}, err
			}
			changed.Add(cache.ID)
		} else {
			obj.Set("icon_cache_id", nil)
		}
		obj.Fields.Delete("iconCache")
		changed.Add(obj.ID)
		next++
	}
	return changed, nil
}

// reprFields lists the container fields stored as repr text from 79 on.
var reprFields = map[string][]string{
	"remote-downloader":      {"status"},
	"item":                   {"feedparser_output"},
	"file-item":              {"feedparser_output"},
	"scraper-feed-impl":      {"linkHistory"},
	"rss-multi-feed-impl":    {"etag", "modified"},
	"search-feed-impl":       {"etag", "modified"},
	"playlist":               {"item_ids"},
	"playlist-folder":        {"item_ids"},
	"taborder-order":         {"tab_ids"},
	"channel-guide":          {"allowedURLs"},
	"theme-history":          {"pastThemes"},
	"widgets-frontend-state": {"list_view_displays"},
}

// upgrade79 stores container fields as repr text.
func upgrade79(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Records() {
		for _, field := range reprFields[rec.Class] {
			s, err := repr.Format(rec.Get(field))
			if err != nil {
				return ChangeSet{}, fmt.Errorf("%s %d field %s: %w", rec.Class, rec.ID, field, err)
			}
			rec.Set(field, s)
			changed.Add(rec.ID)
		}
	}
	return changed, nil
}
