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
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Scalars(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"None", nil},
		{"True", true},
		{"False", false},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"1024L", int64(1024)},
		{"1.5", 1.5},
		{"-2.5e3", -2500.0},
		{"'abc'", []byte("abc")},
		{`"it's"`, []byte("it's")},
		{`'\xff\n'`, []byte{0xff, '\n'}},
		{"u'abc'", "abc"},
		{`u'caf\xe9'`, "café"},
		{`u'☃'`, "☃"},
		{`u'\U0001f600'`, "😀"},
		{"datetime.datetime(2008, 1, 2, 3, 4, 5, 600)", time.Date(2008, 1, 2, 3, 4, 5, 600000, time.UTC)},
		{"datetime.datetime(2008, 1, 2)", time.Date(2008, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"datetime.date(2008, 1, 2)", time.Date(2008, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"datetime.timedelta(1, 30, 5)", 24*time.Hour + 30*time.Second + 5*time.Microsecond},
		{"datetime.timedelta(0)", time.Duration(0)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Containers(t *testing.T) {
	got, err := Parse(`{'state': u'downloading', 'rate': 12.5, 'eta': None, 'ids': [1, 2, (3, 4)], 5: True}`)
	require.NoError(t, err)

	assert.Equal(t, map[any]any{
		"state": "downloading",
		"rate":  12.5,
		"eta":   nil,
		"ids":   []any{int64(1), int64(2), []any{int64(3), int64(4)}},
		int64(5): true,
	}, got)

	list, err := ParseList("[]")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = ParseList("{}")
	assert.Error(t, err)
	_, err = ParseMapping("[1]")
	assert.Error(t, err)
}

func TestParse_StructTime(t *testing.T) {
	want := []any{int64(2008), int64(3), int64(4), int64(5), int64(6), int64(7), int64(1), int64(64), int64(0)}

	got, err := Parse("time.struct_time((2008, 3, 4, 5, 6, 7, 1, 64, 0))")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = Parse("time.struct_time(tm_year=2008, tm_mon=3, tm_mday=4, tm_hour=5, tm_min=6, tm_sec=7, tm_wday=1, tm_yday=64, tm_isdst=0)")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParse_SyntaxErrors(t *testing.T) {
	tests := []string{
		"",
		"[1, 2",
		"{'a' 1}",
		"__import__('os')",
		"open('/etc/passwd')",
		"'unterminated",
		"1 2",
		"{[1]: 2}",
		"datetime.datetime(2008)",
		"datetime.datetime(u'x', 1, 1)",
		"lambda: 1",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			var syn *SyntaxError
			require.ErrorAs(t, err, &syn)
		})
	}
}

func TestParse_NestingLimit(t *testing.T) {
	t.Run("at limit", func(t *testing.T) {
		in := strings.Repeat("[", MaxDepth) + strings.Repeat("]", MaxDepth)
		v, err := Parse(in)
		require.NoError(t, err)
		assert.IsType(t, []any{}, v)
	})

	t.Run("mixed containers past limit", func(t *testing.T) {
		in := strings.Repeat("[{'k': (", MaxDepth) + "1"
		_, err := Parse(in)
		var syn *SyntaxError
		require.ErrorAs(t, err, &syn)
		assert.Contains(t, syn.Msg, "nesting")
	})

	t.Run("deep input fails without exhausting the stack", func(t *testing.T) {
		const n = 100000
		_, err := Parse(strings.Repeat("[", n) + strings.Repeat("]", n))
		var syn *SyntaxError
		require.ErrorAs(t, err, &syn)
		assert.Equal(t, MaxDepth, syn.Offset)
	})
}

func TestFormat_RoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		int64(-12),
		3.25,
		2.0,
		[]byte("it's \"quoted\"\x00"),
		"plain",
		"snow ☃ and café",
		time.Date(2009, 11, 3, 8, 15, 0, 0, time.UTC),
		time.Date(2009, 11, 3, 8, 15, 1, 250000, time.UTC),
		-90 * time.Second,
		36*time.Hour + time.Microsecond,
		[]any{int64(1), "two", []byte("three"), []any{}},
		map[any]any{"b": int64(2), "a": []any{nil, false}, int64(3): map[any]any{}},
	}

	for _, v := range values {
		text, err := Format(v)
		require.NoError(t, err)
		got, err := Parse(text)
		require.NoError(t, err, text)
		assert.Equal(t, v, got, text)
	}
}

func TestFormat_Deterministic(t *testing.T) {
	m := map[any]any{"zeta": int64(1), "alpha": int64(2), "mid": int64(3)}
	assert.Equal(t, "{u'alpha': 2, u'mid': 3, u'zeta': 1}", MustFormat(m))
	assert.Equal(t, "[1, 2, 3]", MustFormat([]any{int64(1), int64(2), int64(3)}))
	assert.Equal(t, "u'caf\\xe9'", MustFormat("café"))
	assert.Equal(t, "datetime.timedelta(-1, 86310)", MustFormat(-90*time.Second))
}

func TestFormat_Special(t *testing.T) {
	text, err := Format(math.Inf(-1))
	require.NoError(t, err)
	got, err := Parse(text)
	require.NoError(t, err)
	assert.True(t, math.IsInf(got.(float64), -1))

	_, err = Format(struct{}{})
	var unsupported *UnsupportedTypeError
	assert.ErrorAs(t, err, &unsupported)
}
