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
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

var knownMimeTypes = map[string]bool{"audio": true, "video": true}

var knownMimeSubtypes = map[string]bool{
	"mov": true, "wmv": true, "mp4": true, "mp3": true, "mpg": true,
	"mpeg": true, "avi": true, "x-flv": true, "x-msvideo": true, "m4v": true,
	"mkv": true, "m2v": true, "ogg": true,
}

var mimeSubstitutions = map[string]string{"QUICKTIME": "MOV"}

var entityReplacer = strings.NewReplacer(
	"&#39;", "'",
	"&apos;", "'",
	"&#34;", `"`,
	"&quot;", `"`,
	"&#38;", "&",
	"&amp;", "&",
	"&#60;", "<",
	"&lt;", "<",
	"&#62;", ">",
	"&gt;", ">",
)

// entityReplace decodes the handful of entities feeds put in titles.
func entityReplace(v any) any {
	switch t := v.(type) {
	case string:
		return entityReplacer.Replace(t)
	case []byte:
		return []byte(entityReplacer.Replace(string(t)))
	default:
		return v
	}
}

// entryField is one flattened item attribute.
type entryField struct {
	name  string
	value any
}

// entryValues flattens a parsed feed entry into the item attributes that
// replaced it at version 75.
type entryValues struct {
	entry map[any]any
	enc   map[any]any
}

func newEntryValues(entry map[any]any) entryValues {
	if entry == nil {
		entry = map[any]any{}
	}
	return entryValues{entry: entry, enc: bestVideoEnclosure(entry)}
}

// fields returns the flattened attributes in a fixed order.
func (ev entryValues) fields() []entryField {
	return []entryField{
		{"license", ev.entry["license"]},
		{"rss_id", ev.entry["id"]},
		{"entry_title", ev.title()},
		{"thumbnail_url", ev.thumbnailURL()},
		{"raw_descrption", ev.rawDescription()},
		{"link", ev.link()},
		{"payment_link", ev.paymentLink()},
		{"comments_link", ev.commentsLink()},
		{"url", ev.url()},
		{"enclosure_size", ev.enclosureSize()},
		{"enclosure_type", ev.enclosureType()},
		{"enclosure_format", ev.enclosureFormat()},
		{"releaseDateObj", ev.releaseDate()},
	}
}

func (ev entryValues) title() any {
	if t, ok := ev.entry["title"]; ok {
		return entityReplace(t)
	}
	if has(ev.enc, "url") {
		if s, ok := asText(ev.enc["url"], false); ok {
			return s
		}
	}
	return nil
}

func (ev entryValues) thumbnailURL() any {
	if ev.enc != nil {
		if u := elementThumbnail(ev.enc); u != nil {
			return u
		}
	}
	encs, _ := enclosuresOf(ev.entry)
	for _, enc := range encs {
		if u := elementThumbnail(enc); u != nil {
			return u
		}
	}
	return elementThumbnail(ev.entry)
}

func elementThumbnail(el map[any]any) any {
	thumb, ok := el["thumbnail"]
	if !ok {
		return nil
	}
	switch t := thumb.(type) {
	case []byte:
		return t
	case string:
		return t
	case map[any]any:
		if s, ok := asText(t["url"], false); ok {
			return s
		}
	}
	return nil
}

func (ev entryValues) rawDescription() any {
	var rv any
	switch {
	case has(ev.enc, "text"):
		rv = ev.enc["text"]
	case has(ev.entry, "description"):
		rv = ev.entry["description"]
	}
	if rv == nil {
		return ""
	}
	return rv
}

func (ev entryValues) link() any {
	link, ok := ev.entry["link"]
	if !ok {
		return ""
	}
	if m := mapOf(link); m != nil {
		href, ok := m["href"]
		if !ok {
			return ""
		}
		link = href
	}
	if s, ok := asText(link, false); ok {
		return s
	}
	return ""
}

func (ev entryValues) paymentLink() any {
	if has(ev.enc, "payment_url") {
		if s, ok := asText(ev.enc["payment_url"], true); ok {
			return s
		}
	}
	if has(ev.entry, "payment_url") {
		if s, ok := asText(ev.entry["payment_url"], true); ok {
			return s
		}
	}
	return ""
}

func (ev entryValues) commentsLink() any {
	if v, ok := ev.entry["comments"]; ok {
		return v
	}
	return ""
}

func (ev entryValues) url() any {
	if u, ok := enclosureURL(ev.enc); ok {
		return u
	}
	return ""
}

func (ev entryValues) enclosureSize() any {
	if ev.enc == nil {
		return nil
	}
	if t, _ := text(ev.enc["type"]); strings.Contains(t, "torrent") {
		return nil
	}
	switch n := ev.enc["length"].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string, []byte:
		s, _ := text(n)
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil
		}
		return v
	}
	return nil
}

func (ev entryValues) enclosureType() any {
	if len(ev.enc) > 0 && has(ev.enc, "type") {
		return ev.enc["type"]
	}
	return nil
}

func (ev entryValues) enclosureFormat() any {
	if len(ev.enc) == 0 {
		return nil
	}
	extension := ""
	if u, ok := text(ev.enc["url"]); ok {
		parts := strings.Split(u, ".")
		extension = string(encodeASCII(strings.ToLower(parts[len(parts)-1])))
	}
	if extension == "mp3" {
		return ".mp3"
	}
	if truthy(ev.enc["type"]) {
		if enc, ok := asText(ev.enc["type"], false); ok {
			if mtype, subtype, found := strings.Cut(enc, "/"); found {
				mtype = strings.ToLower(mtype)
				if knownMimeTypes[mtype] {
					format := strings.ToUpper(strings.SplitN(subtype, ";", 2)[0])
					if mtype == "audio" {
						format += " AUDIO"
					}
					format = strings.TrimPrefix(format, "X-")
					if sub, ok := mimeSubstitutions[format]; ok {
						format = sub
					}
					return "." + strings.ToLower(format)
				}
			}
		}
	}
	if knownMimeSubtypes[extension] {
		return "." + extension
	}
	return nil
}

func (ev entryValues) releaseDate() time.Time {
	if ev.enc != nil {
		if t, err := pyDatetime(ev.enc["updated_parsed"]); err == nil {
			return t
		}
	}
	if t, err := pyDatetime(ev.entry["updated_parsed"]); err == nil {
		return t
	}
	return minDatetime
}

// normalizeEntry deep-copies a parsed entry into a plain mapping.
//
// Top-level values must be an integer, text, byte string, boolean, null,
// timestamp, mapping or sequence; anything else could not be normalized
// and fails the step. Nested values must be storable in an opaque
// container.
func normalizeEntry(entry map[any]any) (map[any]any, error) {
	out := make(map[any]any, len(entry))
	for k, v := range entry {
		switch v.(type) {
		case nil, int64, string, []byte, bool, time.Time, map[any]any, []any:
		default:
			return nil, fmt.Errorf("cannot normalize entry value %s (%T)", schema.Describe(v), v)
		}
		if !schema.IsSimple(v) {
			return nil, fmt.Errorf("cannot normalize entry value under %v", k)
		}
		out[k] = schema.CloneValue(v)
	}
	return out, nil
}

// equalText compares two values as text, treating string and byte string
// with the same characters as equal.
func equalText(a, b any) bool {
	as, aok := text(a)
	bs, bok := text(b)
	if aok && bok {
		return as == bs
	}
	return a == nil && b == nil
}
