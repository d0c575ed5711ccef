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
	"strings"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

func upgrade24(c *Context) (ChangeSet, error) {
	return upgrade5(c)
}

// upgrade29 and upgrade30 target a "guide" class that no released snapshot
// contains. They are kept as written so replays stay exact.
func upgrade29(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("guide") {
		rec.Set("default", rec.Get("url") == nil)
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade30(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("guide") {
		if truthy(rec.Get("default")) {
			rec.Set("url", nil)
			changed.Add(rec.ID)
		}
	}
	return changed, nil
}

func upgrade31(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("remote-downloader") {
		status := statusOf(rec)
		if status == nil {
			return ChangeSet{}, fmt.Errorf("downloader %d has no status", rec.ID)
		}
		status["retryTime"] = nil
		status["retryCount"] = int64(-1)
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade32(c *Context) (ChangeSet, error) {
	return setAll(c, "channelName", nil, "remote-downloader"), nil
}

func upgrade33(c *Context) (ChangeSet, error) {
	return setAll(c, "duration", nil, "remote-downloader"), nil
}

func upgrade34(c *Context) (ChangeSet, error) {
	return setAll(c, "duration", nil, "item", "file-item"), nil
}

// upgrade35 meant to re-decode byte string titles, but its guard tested for
// an attribute the field map never has, so it never changed anything.
// Titles are converted by upgrade47 instead.
func upgrade35(*Context) (ChangeSet, error) {
	return ChangeSet{}, nil
}

func upgrade36(c *Context) (ChangeSet, error) {
	return setAll(c, "manualUpload", false, "remote-downloader"), nil
}

// upgrade37 removes the file items of the first directory feed; upgrade63
// runs it again.
func upgrade37(c *Context) (ChangeSet, error) {
	var target int64
	for _, feed := range c.Class("feed") {
		if impl := embedded(feed, "actualFeed"); impl != nil && impl.Class == "directory-feed-impl" {
			target = feed.ID
			break
		}
	}
	if target == 0 {
		return ChangeSet{}, nil
	}

	removed := make(map[int64]bool)
	for _, rec := range c.Class("file-item") {
		if sameID(rec.Get("feed_id"), target) {
			removed[rec.ID] = true
		}
	}
	var changed ChangeSet
	purgeItems(c, &changed, removed)
	return changed, nil
}

var channelNameReplacer = strings.NewReplacer("/", "-", "\\", "-", ":", "-")

// upgrade38 removes path separators from download channel names.
func upgrade38(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("remote-downloader") {
		err := c.BestEffort(rec, "status.channelName", func() error {
			status := statusOf(rec)
			if status == nil {
				return fmt.Errorf("status is %s", schema.Describe(rec.Get("status")))
			}
			name := status["channelName"]
			if !truthy(name) {
				return nil
			}
			s, ok := name.(string)
			if !ok {
				return fmt.Errorf("channel name is %s", schema.Describe(name))
			}
			status["channelName"] = channelNameReplacer.Replace(s)
			changed.Add(rec.ID)
			return nil
		})
		if err != nil {
			return ChangeSet{}, err
		}
	}
	return changed, nil
}

// upgrade39 drops child items and resets the media detection fields.
func upgrade39(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	removed := make(map[int64]bool)
	for _, rec := range c.Class("item", "file-item") {
		changed.Add(rec.ID)
		if truthy(rec.Get("parent_id")) {
			removed[rec.ID] = true
			continue
		}
		rec.Set("isVideo", false)
		rec.Set("videoFilename", "")
		rec.Set("isContainerItem", nil)
		if rec.Class == "file-item" {
			rec.Set("offsetPath", nil)
		}
	}
	purgeItems(c, &changed, removed)
	return changed, nil
}

func upgrade40(c *Context) (ChangeSet, error) {
	return setAll(c, "resumeTime", int64(0), "item", "file-item"), nil
}

// textRules lists which fields stay byte strings after upgrade41.
type textRules struct {
	binary       map[string]bool
	iconStrings  []string
	iconBinary   []string
	statusBinary map[string]bool
}

func set(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func textRulesFor(filenamesAreBytes bool) textRules {
	if filenamesAreBytes {
		return textRules{
			binary: set("filename", "videoFilename", "shortFilename", "offsetPath",
				"initialHTML", "status", "channelName"),
			iconStrings:  []string{"etag", "modified", "url"},
			iconBinary:   []string{"filename"},
			statusBinary: set("channelName", "shortFilename", "filename", "metainfo"),
		}
	}
	return textRules{
		binary:       set("initialHTML", "status"),
		iconStrings:  []string{"etag", "modified", "url", "filename"},
		statusBinary: set("metainfo"),
	}
}

// upgrade41 makes every string field text, except the fields that hold
// filenames or raw data, which become ASCII byte strings.
func upgrade41(c *Context) (ChangeSet, error) {
	rules := textRulesFor(c.Env().FilenamesAreBytes)
	var changed ChangeSet
	for _, rec := range c.Records() {
		unicodifyRecord(rec)
		for _, name := range rec.Fields.Names() {
			v := rec.Get(name)
			if !rules.binary[name] {
				switch name {
				case "actualFeed":
					if impl := embedded(rec, name); impl != nil {
						unicodifyRecord(impl)
					}
				case "iconCache":
					if cache := embedded(rec, name); cache != nil {
						for _, f := range rules.iconStrings {
							if iv, ok := cache.Fields.Get(f); ok {
								cache.Set(f, unicodify(iv))
							}
						}
						for _, f := range rules.iconBinary {
							if s, ok := cache.Get(f).(string); ok {
								cache.Set(f, encodeASCII(s))
							}
						}
					}
				}
				continue
			}
			if name == "status" {
				for k, sv := range mapOf(v) {
					key, _ := k.(string)
					switch t := sv.(type) {
					case string:
						if rules.statusBinary[key] {
							mapOf(v)[k] = encodeASCII(t)
						}
					case []byte:
						if !rules.statusBinary[key] {
							mapOf(v)[k] = decodeASCII(t)
						}
					}
				}
				continue
			}
			if s, ok := v.(string); ok {
				rec.Set(name, encodeASCII(s))
			}
		}
		if rec.Class == "channel-guide" {
			rec.Fields.Delete("cachedGuideBody")
		}
		changed.Add(rec.ID)
	}
	return changed, nil
}

// upgrade42 clears screenshots; upgrade49 runs it again.
func upgrade42(c *Context) (ChangeSet, error) {
	return setAll(c, "screenshot", nil, "item", "file-item"), nil
}

// upgrade43 removes deleted file items of the manual feed.
func upgrade43(c *Context) (ChangeSet, error) {
	feeds := c.Class("feed")
	var target int64
	for i := len(feeds) - 1; i >= 0; i-- {
		if impl := embedded(feeds[i], "actualFeed"); impl != nil && impl.Class == "manual-feed-impl" {
			target = feeds[i].ID
			break
		}
	}

	removed := make(map[int64]bool)
	for _, rec := range c.Class("file-item") {
		if sameID(rec.Get("feed_id"), target) && sameID(rec.Get("deleted"), 1) {
			removed[rec.ID] = true
		}
	}
	var changed ChangeSet
	purgeItems(c, &changed, removed)
	return changed, nil
}

func upgrade44(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Records() {
		if cache := embedded(rec, "iconCache"); cache != nil {
			cache.Set("resized_filenames", map[any]any{})
			changed.Add(rec.ID)
		}
	}
	return changed, nil
}

var errNoStatus = errors.New("downloader has no status mapping")

// upgrade46 stores fast resume data as a byte string.
func upgrade46(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("remote-downloader") {
		err := c.BestEffort(rec, "status.fastResumeData", func() error {
			status := statusOf(rec)
			if status == nil {
				return errNoStatus
			}
			v, ok := status["fastResumeData"]
			if !ok {
				return errors.New("status has no fastResumeData")
			}
			if s, isText := v.(string); isText {
				status["fastResumeData"] = encodeASCII(s)
			}
			changed.Add(rec.ID)
			return nil
		})
		if err != nil {
			return ChangeSet{}, err
		}
	}
	return changed, nil
}

// upgrade47 makes every string of a parsed entry text.
func upgrade47(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("item") {
		rec.Set("entry", unicodify(rec.Get("entry")))
		changed.Add(rec.ID)
	}
	return changed, nil
}

// upgrade48 removes the file items of watched directories.
func upgrade48(c *Context) (ChangeSet, error) {
	ids := make(map[int64]bool)
	for _, feed := range c.Class("feed") {
		if impl := embedded(feed, "actualFeed"); impl != nil && impl.Class == "directory-watch-feed-impl" {
			ids[feed.ID] = true
		}
	}
	if len(ids) == 0 {
		return ChangeSet{}, nil
	}

	removed := make(map[int64]bool)
	for _, rec := range c.Class("file-item") {
		if id, ok := asID(rec.Get("feed_id")); ok && ids[id] {
			removed[rec.ID] = true
		}
	}
	var changed ChangeSet
	purgeItems(c, &changed, removed)
	return changed, nil
}

// upgrade50 strips a leading backslash from video filenames.
func upgrade50(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("item", "file-item") {
		switch name := rec.Get("videoFilename").(type) {
		case string:
			if strings.HasPrefix(name, "\\") {
				rec.Set("videoFilename", name[1:])
				changed.Add(rec.ID)
			}
		case []byte:
			if len(name) > 0 && name[0] == '\\' {
				rec.Set("videoFilename", append([]byte(nil), name[1:]...))
				changed.Add(rec.ID)
			}
		}
	}
	return changed, nil
}

func upgrade51(c *Context) (ChangeSet, error) {
	return setAll(c, "title", nil, "channel-guide"), nil
}

// upgrade52 removes search download items that duplicate a search result.
func upgrade52(c *Context) (ChangeSet, error) {
	var searchID, downloadsID int64
	for _, feed := range c.Class("feed") {
		impl := embedded(feed, "actualFeed")
		if impl == nil {
			continue
		}
		switch impl.Class {
		case "search-feed-impl":
			searchID = feed.ID
		case "search-downloads-feed-impl":
			downloadsID = feed.ID
		}
	}

	videoInfo := func(rec *schema.Record) (url, id, title any) {
		entry := mapOf(rec.Get("entry"))
		if enc := lastVideoEnclosure(entry); enc != nil {
			url = enc["url"]
		}
		id = entry["id"]
		if guid, ok := entry["guid"]; ok {
			id = guid
		}
		return url, id, entry["title"]
	}

	type pair struct{ a, b string }
	byIDURL := make(map[pair]bool)
	byTitleURL := make(map[pair]bool)

	if searchID != 0 {
		for _, rec := range c.Class("item") {
			if !sameID(rec.Get("feed_id"), searchID) {
				continue
			}
			url, id, title := videoInfo(rec)
			if truthy(url) && truthy(id) {
				byIDURL[pair{textKey(id), textKey(url)}] = true
			}
			if truthy(url) && truthy(title) {
				byTitleURL[pair{textKey(title), textKey(url)}] = true
			}
		}
	}
	if downloadsID == 0 {
		return ChangeSet{}, nil
	}

	removed := make(map[int64]bool)
	items := c.Class("item")
	for i := len(items) - 1; i >= 0; i-- {
		rec := items[i]
		if !sameID(rec.Get("feed_id"), downloadsID) {
			continue
		}
		url, id, title := videoInfo(rec)
		remove := false
		if truthy(url) && truthy(id) {
			k := pair{textKey(id), textKey(url)}
			if byIDURL[k] {
				remove = true
			} else {
				byIDURL[k] = true
			}
		}
		if truthy(url) && truthy(title) {
			k := pair{textKey(title), textKey(url)}
			if byTitleURL[k] {
				remove = true
			} else {
				byTitleURL[k] = true
			}
		}
		if remove {
			removed[rec.ID] = true
		}
	}
	var changed ChangeSet
	purgeItems(c, &changed, removed)
	return changed, nil
}

func upgrade53(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("channel-guide") {
		rec.Set("favicon", nil)
		rec.Set("iconCache", nil)
		rec.Set("updated_url", schema.CloneValue(rec.Get("url")))
		changed.Add(rec.ID)
	}
	return changed, nil
}

// upgrade54 clears media info gathered by the old windows frontend.
func upgrade54(c *Context) (ChangeSet, error) {
	if c.Env().Platform != "windows-xul" {
		return ChangeSet{}, nil
	}
	var changed ChangeSet
	for _, rec := range c.Class("item", "file-item") {
		rec.Set("screenshot", nil)
		rec.Set("duration", nil)
		changed.Add(rec.ID)
	}
	return changed, nil
}

func upgrade55(c *Context) (ChangeSet, error) {
	return setAll(c, "resized_screenshots", map[any]any{}, "item", "file-item"), nil
}

func upgrade56(c *Context) (ChangeSet, error) {
	return setAll(c, "firstTime", false, "channel-guide"), nil
}

// upgrade58 clears fast resume data.
func upgrade58(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Class("remote-downloader") {
		err := c.BestEffort(rec, "status.fastResumeData", func() error {
			status := statusOf(rec)
			if status == nil {
				return errNoStatus
			}
			status["fastResumeData"] = nil
			changed.Add(rec.ID)
			return nil
		})
		if err != nil {
			return ChangeSet{}, err
		}
	}
	return changed, nil
}

// defaultGuideURL replaces a missing channel guide URL.
const defaultGuideURL = "https://www.miroguide.com/"

// upgrade59 requires a guide URL and lets theme history hold null.
func upgrade59(c *Context) (ChangeSet, error) {
	var changed ChangeSet
	for _, rec := range c.Records() {
		switch {
		case rec.Class == "channel-guide" && rec.Get("url") == nil:
			rec.Set("url", defaultGuideURL)
			changed.Add(rec.ID)
		case rec.Class == "theme-history":
			themes, ok := rec.Get("pastThemes").([]any)
			if !ok {
				continue
			}
			hasNull := false
			for _, t := range themes {
				if t == nil {
					hasNull = true
					break
				}
			}
			if !hasNull {
				rec.Set("pastThemes", append(themes, nil))
				changed.Add(rec.ID)
			}
		}
	}
	return changed, nil
}

func upgrade60(c *Context) (ChangeSet, error) {
	changed := setOnImpl(c, "etag", map[any]any{}, "search-feed-impl")
	changed = changed.Union(setOnImpl(c, "modified", map[any]any{}, "search-feed-impl"))
	return changed, nil
}
