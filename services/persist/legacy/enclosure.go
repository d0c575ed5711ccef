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
	"regexp"
	"sort"
	"strings"
)

// Enclosure classification as of versions 71 and 75. Entries and
// enclosures are mappings keyed by text.

var unsupportedMimeTypes = map[string]bool{
	"video/3gpp":             true,
	"video/vnd.rn-realvideo": true,
	"video/x-ms-asf":         true,
}

var videoExtensions = []string{
	".mov", ".wmv", ".mp4", ".m4v", ".ogg", ".ogv", ".anx", ".mpg", ".avi",
	".flv", ".mpeg", ".divx", ".xvid", ".rmvb", ".mkv", ".m2v", ".ogm",
}

var audioExtensions = []string{".mp3", ".m4a", ".wma", ".mka"}

var preferredTypes = []string{
	"application/x-bittorrent",
	"application/ogg", "video/ogg", "audio/ogg",
	"video/mp4", "video/quicktime", "video/mpeg",
	"video/x-xvid", "video/x-divx", "video/x-wmv",
	"video/x-msmpeg", "video/x-flv",
}

var driveLetterPath = regexp.MustCompile(`^/[a-zA-Z]:`)

// enclosuresOf returns the enclosure mappings of entry and whether the
// entry had an enclosures key at all.
func enclosuresOf(entry map[any]any) ([]map[any]any, bool) {
	raw, ok := entry["enclosures"]
	if !ok {
		return nil, false
	}
	list, _ := raw.([]any)
	out := make([]map[any]any, 0, len(list))
	for _, e := range list {
		if m := mapOf(e); m != nil {
			out = append(out, m)
		}
	}
	return out, true
}

func isVideoEnclosure(enc map[any]any) bool {
	return hasVideoType(enc) || hasVideoExtension(enc, "url") || hasVideoExtension(enc, "href")
}

func hasVideoType(enc map[any]any) bool {
	t, ok := text(enc["type"])
	if !ok {
		return false
	}
	known := strings.HasPrefix(t, "video/") ||
		strings.HasPrefix(t, "audio/") ||
		t == "application/ogg" ||
		t == "application/x-annodex" ||
		t == "application/x-bittorrent" ||
		t == "application/x-shockwave-flash"
	return known && !unsupportedMimeTypes[t]
}

func hasVideoExtension(enc map[any]any, key string) bool {
	raw, ok := enc[key]
	if !ok {
		return false
	}
	u, ok := text(raw)
	if !ok {
		return false
	}
	return isAllowedFilename(urlPath(u))
}

func isAllowedFilename(name string) bool {
	name = strings.ToLower(name)
	for _, ext := range videoExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	for _, ext := range audioExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return strings.HasSuffix(name, ".torrent")
}

// urlPath extracts the path component of a feed URL, without parameters or
// query, normalized the way download filenames were derived from it.
func urlPath(raw string) string {
	if strings.HasPrefix(raw, "file://") {
		if !strings.HasPrefix(raw, "file:///") {
			raw = "file:///" + raw[len("file://"):]
		}
		raw = strings.ReplaceAll(raw, "\\", "/")
	}

	rest := raw
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, ':'); i > 0 && isSchemeName(rest[:i]) {
		rest = rest[i+1:]
	}
	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[i:]
		} else {
			rest = ""
		}
	}
	if i := strings.LastIndexByte(rest, '/'); i >= 0 {
		if j := strings.IndexByte(rest[i:], ';'); j >= 0 {
			rest = rest[:i+j]
		}
	} else if j := strings.IndexByte(rest, ';'); j >= 0 {
		rest = rest[:j]
	}

	path := strings.ReplaceAll(rest, "|", ":")
	switch {
	case path == "" || !strings.HasPrefix(path, "/"):
		path = "/" + path
	case driveLetterPath.MatchString(path):
		path = path[1:]
	}
	return path
}

func isSchemeName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

// firstVideoEnclosure returns the first video enclosure in entry order.
func firstVideoEnclosure(entry map[any]any) map[any]any {
	encs, _ := enclosuresOf(entry)
	for _, enc := range encs {
		if isVideoEnclosure(enc) {
			return enc
		}
	}
	return nil
}

// lastVideoEnclosure returns the last video enclosure in entry order.
func lastVideoEnclosure(entry map[any]any) map[any]any {
	encs, _ := enclosuresOf(entry)
	var last map[any]any
	for _, enc := range encs {
		if isVideoEnclosure(enc) {
			last = enc
		}
	}
	return last
}

// bestVideoEnclosure returns the preferred video enclosure: feed defaults
// first, then by mime type preference, bitrate and file size.
func bestVideoEnclosure(entry map[any]any) map[any]any {
	encs, _ := enclosuresOf(entry)
	var videos []map[any]any
	for _, enc := range encs {
		if isVideoEnclosure(enc) {
			videos = append(videos, enc)
		}
	}
	if len(videos) == 0 {
		return nil
	}
	sort.SliceStable(videos, func(i, j int) bool {
		return compareEnclosures(videos[i], videos[j]) < 0
	})
	return videos[0]
}

// optInt is an integer that may be absent. Absent sorts below every value.
type optInt struct {
	v  int
	ok bool
}

func (a optInt) less(b optInt) bool {
	switch {
	case !a.ok:
		return b.ok
	case !b.ok:
		return false
	default:
		return a.v < b.v
	}
}

func compareEnclosures(a, b map[any]any) int {
	if truthy(a["isDefault"]) {
		return -1
	}
	if truthy(b["isDefault"]) {
		return 1
	}

	ai, bi := typeIndex(a), typeIndex(b)
	if ai.less(bi) {
		return -1
	}
	if bi.less(ai) {
		return 1
	}

	ar, br := digitsField(a, "bitrate"), digitsField(b, "bitrate")
	if br.less(ar) {
		return -1
	}
	if ar.less(br) {
		return 1
	}

	as, bs := digitsField(a, "filesize"), digitsField(b, "filesize")
	if bs.less(as) {
		return -1
	}
	if as.less(bs) {
		return 1
	}
	return 0
}

func typeIndex(enc map[any]any) optInt {
	t, ok := text(enc["type"])
	if !ok {
		return optInt{}
	}
	for i, p := range preferredTypes {
		if p == t {
			return optInt{v: i, ok: true}
		}
	}
	return optInt{}
}

func digitsField(enc map[any]any, key string) optInt {
	s, ok := text(enc[key])
	if !ok || s == "" {
		return optInt{}
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return optInt{}
		}
		n = n*10 + int(s[i]-'0')
	}
	return optInt{v: n, ok: true}
}

// quoteURL percent-encodes every byte above 0x7f of the URL's UTF-8 form.
func quoteURL(u string) string {
	var sb strings.Builder
	sb.Grow(len(u))
	for i := 0; i < len(u); i++ {
		c := u[i]
		if c > 0x7f {
			fmt.Fprintf(&sb, "%%%02X", c)
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// enclosureURL returns the quoted download URL of enc, with '+' read as a
// space.
func enclosureURL(enc map[any]any) (string, bool) {
	if enc == nil {
		return "", false
	}
	raw, ok := enc["url"]
	if !ok {
		return "", false
	}
	u, ok := text(raw)
	if !ok {
		return "", false
	}
	return quoteURL(strings.ReplaceAll(u, "+", "%20")), true
}
