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
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// Legacy snapshots distinguish byte strings ([]byte) from text (string).
// The helpers below reproduce how the historical steps compared, tested
// and converted those values.

// isClass reports whether rec has one of the class tags.
func isClass(rec *schema.Record, tags ...string) bool {
	for _, t := range tags {
		if rec.Class == t {
			return true
		}
	}
	return false
}

// embedded returns the sub-object stored under field, or nil.
func embedded(rec *schema.Record, field string) *schema.Record {
	sub, _ := rec.Get(field).(*schema.Record)
	return sub
}

// mapOf returns v as a mapping, or nil.
func mapOf(v any) map[any]any {
	m, _ := v.(map[any]any)
	return m
}

// has reports whether a mapping value holds key.
func has(m map[any]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// truthy applies the historical truth test: empty and zero values are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []byte:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case map[any]any:
		return len(t) > 0
	case time.Duration:
		return t != 0
	case *schema.Record:
		return t != nil
	default:
		return true
	}
}

// asID returns v as a record id.
func asID(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

// sameID reports whether v holds id. Booleans compare as 0 and 1.
func sameID(v any, id int64) bool {
	if b, ok := v.(bool); ok {
		if b {
			return id == 1
		}
		return id == 0
	}
	got, ok := asID(v)
	return ok && got == id
}

// text returns the characters of a string or byte string.
func text(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

// textKey makes string and byte string values usable as one map key.
func textKey(v any) string {
	if s, ok := text(v); ok {
		return "s:" + s
	}
	return fmt.Sprintf("%T:%v", v, v)
}

// decodeASCII turns a byte string into text, replacing every non-ASCII
// byte with U+FFFD.
func decodeASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
		} else {
			sb.WriteRune(utf8.RuneError)
		}
	}
	return sb.String()
}

// encodeASCII turns text into a byte string, replacing every non-ASCII
// character with '?'.
func encodeASCII(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
		} else {
			out = append(out, '?')
		}
	}
	return out
}

// isASCII reports whether s has only 7-bit characters.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// asText converts a byte string to text with decodeASCII and passes text
// through. strict rejects text with non-ASCII characters, which the
// historical ascii decode of a text value could not handle.
func asText(v any, strict bool) (string, bool) {
	switch t := v.(type) {
	case []byte:
		return decodeASCII(t), true
	case string:
		if strict && !isASCII(t) {
			return "", false
		}
		return t, true
	default:
		return "", false
	}
}

// unicodify converts every byte string inside v to text. Mappings and lists
// are converted in place; embedded records are left alone.
func unicodify(v any) any {
	switch t := v.(type) {
	case []byte:
		return decodeASCII(t)
	case []any:
		for i, e := range t {
			t[i] = unicodify(e)
		}
		return t
	case map[any]any:
		for k, e := range t {
			t[k] = unicodify(e)
		}
		return t
	default:
		return v
	}
}

// unicodifyRecord converts every field of rec with unicodify.
func unicodifyRecord(rec *schema.Record) {
	for _, name := range rec.Fields.Names() {
		v, _ := rec.Fields.Get(name)
		rec.Set(name, unicodify(v))
	}
}

// pyDatetime builds a timestamp from the first seven elements of a time
// tuple, the way datetime(*t[0:7]) did. The seventh element lands in the
// microsecond slot.
func pyDatetime(v any) (time.Time, error) {
	tuple, ok := v.([]any)
	if !ok {
		return time.Time{}, fmt.Errorf("time tuple is %T", v)
	}
	if len(tuple) > 7 {
		tuple = tuple[:7]
	}
	if len(tuple) < 3 {
		return time.Time{}, fmt.Errorf("time tuple has %d elements, need at least 3", len(tuple))
	}
	parts := [7]int64{}
	for i, e := range tuple {
		n, ok := asID(e)
		if !ok {
			return time.Time{}, fmt.Errorf("time tuple element %d is %T", i, e)
		}
		parts[i] = n
	}
	year, month, day := parts[0], parts[1], parts[2]
	hour, minute, second, micro := parts[3], parts[4], parts[5], parts[6]
	switch {
	case year < 1 || year > 9999:
		return time.Time{}, fmt.Errorf("year %d is out of range", year)
	case month < 1 || month > 12:
		return time.Time{}, fmt.Errorf("month %d is out of range", month)
	case day < 1 || day > int64(daysIn(int(year), time.Month(month))):
		return time.Time{}, fmt.Errorf("day %d is out of range for month", day)
	case hour < 0 || hour > 23, minute < 0 || minute > 59, second < 0 || second > 59:
		return time.Time{}, fmt.Errorf("time %02d:%02d:%02d is out of range", hour, minute, second)
	case micro < 0 || micro > 999999:
		return time.Time{}, fmt.Errorf("microsecond %d is out of range", micro)
	}
	return time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), int(second),
		int(micro)*int(time.Microsecond), time.UTC), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// minDatetime is the earliest representable timestamp.
var minDatetime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// maxDatetime is the latest representable timestamp.
var maxDatetime = time.Date(9999, time.December, 31, 23, 59, 59, 999999000, time.UTC)

// -----------------------------------------------------------------------------
// Removal
// -----------------------------------------------------------------------------

// purgeItems removes the records in removed together with everything that
// depends on them.
//
// Description:
//
//	File items whose parent was removed are removed too, repeatedly, until
//	no new removals happen. Plain items lose their parent_id instead.
//	Removed ids are stripped from playlist and folder item lists. Every
//	record touched is added to changed.
func purgeItems(c *Context, changed *ChangeSet, removed map[int64]bool) {
	if len(removed) == 0 {
		return
	}
	for id := range removed {
		c.Remove(id)
		changed.Add(id)
	}

	frontier := removed
	for len(frontier) > 0 {
		next := make(map[int64]bool)
		for _, rec := range c.Records() {
			if !isClass(rec, "item", "file-item") {
				continue
			}
			parent, ok := asID(rec.Get("parent_id"))
			if !ok || !frontier[parent] {
				continue
			}
			if rec.Class == "file-item" {
				c.Remove(rec.ID)
				next[rec.ID] = true
				removed[rec.ID] = true
			} else {
				rec.Set("parent_id", nil)
			}
			changed.Add(rec.ID)
		}
		frontier = next
	}

	for _, rec := range c.Class("playlist", "playlist-folder") {
		ids, ok := rec.Get("item_ids").([]any)
		if !ok {
			continue
		}
		kept := make([]any, 0, len(ids))
		for _, v := range ids {
			if id, ok := asID(v); ok && removed[id] {
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) != len(ids) {
			rec.Set("item_ids", kept)
			changed.Add(rec.ID)
		}
	}
}
