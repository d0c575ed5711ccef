// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repr

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// UnsupportedTypeError is returned by Format for values outside the literal
// language, such as embedded records.
type UnsupportedTypeError struct {
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("repr: cannot format %T", e.Value)
}

// Format renders v as literal text that Parse reads back to an equal value.
//
// Description:
//
//	Mapping keys are emitted in sorted order of their rendered form so the
//	output is deterministic. Times are rendered in UTC.
//
// Outputs:
//
//	string - The literal text.
//	error  - *UnsupportedTypeError for values outside the literal language.
func Format(v any) (string, error) {
	var b strings.Builder
	if err := write(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

// MustFormat is Format for values known to be literal-safe.
func MustFormat(v any) string {
	s, err := Format(v)
	if err != nil {
		panic(err)
	}
	return s
}

func write(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("None")
	case bool:
		if t {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case int:
		b.WriteString(strconv.Itoa(t))
	case float64:
		b.WriteString(formatFloat(t))
	case string:
		b.WriteByte('u')
		writeQuoted(b, []byte(t), true)
	case []byte:
		writeQuoted(b, t, false)
	case time.Time:
		writeTime(b, t.UTC())
	case time.Duration:
		writeDuration(b, t)
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := write(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[any]any:
		return writeMap(b, t)
	default:
		return &UnsupportedTypeError{Value: v}
	}
	return nil
}

func writeMap(b *strings.Builder, m map[any]any) error {
	type entry struct {
		key string
		val any
	}
	entries := make([]entry, 0, len(m))
	for k, v := range m {
		ks, err := Format(k)
		if err != nil {
			return err
		}
		entries = append(entries, entry{key: ks, val: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.key)
		b.WriteString(": ")
		if err := write(b, e.val); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "float('inf')"
	case math.IsInf(f, -1):
		return "float('-inf')"
	case math.IsNaN(f):
		return "float('nan')"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func writeTime(b *strings.Builder, t time.Time) {
	fmt.Fprintf(b, "datetime.datetime(%d, %d, %d, %d, %d", t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute())
	us := t.Nanosecond() / 1000
	if t.Second() != 0 || us != 0 {
		fmt.Fprintf(b, ", %d", t.Second())
	}
	if us != 0 {
		fmt.Fprintf(b, ", %d", us)
	}
	b.WriteByte(')')
}

// writeDuration renders days, seconds and microseconds with the seconds
// component normalized into [0, 86400).
func writeDuration(b *strings.Builder, d time.Duration) {
	us := d.Microseconds()
	const usPerDay = int64(24 * time.Hour / time.Microsecond)
	days := us / usPerDay
	rem := us % usPerDay
	if rem < 0 {
		days--
		rem += usPerDay
	}
	secs := rem / 1_000_000
	micros := rem % 1_000_000

	fmt.Fprintf(b, "datetime.timedelta(%d", days)
	if secs != 0 || micros != 0 {
		fmt.Fprintf(b, ", %d", secs)
	}
	if micros != 0 {
		fmt.Fprintf(b, ", %d", micros)
	}
	b.WriteByte(')')
}

// writeQuoted emits a quoted literal. Single quotes are preferred unless
// the body contains a single quote and no double quote.
func writeQuoted(b *strings.Builder, body []byte, text bool) {
	quote := byte('\'')
	if strings.IndexByte(string(body), '\'') >= 0 && strings.IndexByte(string(body), '"') < 0 {
		quote = '"'
	}
	b.WriteByte(quote)
	for i := 0; i < len(body); {
		c := body[i]
		if text && c >= utf8.RuneSelf {
			r, size := utf8.DecodeRune(body[i:])
			switch {
			case r == utf8.RuneError && size == 1:
				fmt.Fprintf(b, `\x%02x`, c)
			case r < 0x100:
				fmt.Fprintf(b, `\x%02x`, r)
			case r < 0x10000:
				fmt.Fprintf(b, `\u%04x`, r)
			default:
				fmt.Fprintf(b, `\U%08x`, r)
			}
			i += size
			continue
		}
		switch {
		case c == quote || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
		i++
	}
	b.WriteByte(quote)
}
