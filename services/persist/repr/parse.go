// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repr reads and writes the literal text encoding used by repr
// containers.
//
// # Description
//
// Several persisted fields hold nested values serialized as literal text:
// downloader status maps, feedparser output, playlist id lists. The grammar
// is a closed, restricted literal language. Parse never evaluates code; any
// construct outside the grammar is a *SyntaxError.
//
// Grammar:
//
//	None | True | False
//	integers (optional trailing L), floats, inf/nan via float('...')
//	'byte string' | "byte string" | u'text' | u"text"
//	[a, b] | (a, b) | {k: v}
//	datetime.datetime(y, m, d[, h[, mi[, s[, us]]]])
//	datetime.date(y, m, d)
//	datetime.timedelta(days[, seconds[, microseconds]])
//	time.struct_time((y, m, d, h, mi, s, wday, yday, isdst))
//	time.struct_time(tm_year=y, ..., tm_isdst=n)
//
// Value mapping: byte strings decode to []byte, text to string, lists and
// tuples to []any, dicts to map[any]any with byte-string keys stored as
// string, datetimes to UTC time.Time, timedeltas to time.Duration and
// struct_time to a nine-element []any of int64.
//
// # Thread Safety
//
// All functions are stateless and safe for concurrent use.
package repr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// SyntaxError reports text that is not a valid literal.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("repr: %s at offset %d", e.Msg, e.Offset)
}

// Parse decodes one literal value from s.
//
// Outputs:
//
//	any   - The decoded record value.
//	error - *SyntaxError when s is not exactly one literal.
func Parse(s string) (any, error) {
	p := &parser{src: s}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input")
	}
	return v, nil
}

// ParseMapping decodes s and requires a dict literal.
func ParseMapping(s string) (map[any]any, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[any]any)
	if !ok {
		return nil, &SyntaxError{Offset: 0, Msg: fmt.Sprintf("expected dict, got %T", v)}
	}
	return m, nil
}

// ParseList decodes s and requires a list or tuple literal.
func ParseList(s string) ([]any, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]any)
	if !ok {
		return nil, &SyntaxError{Offset: 0, Msg: fmt.Sprintf("expected list, got %T", v)}
	}
	return l, nil
}

// MaxDepth bounds container nesting accepted by Parse.
const MaxDepth = 512

type parser struct {
	src   string
	pos   int
	depth int
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func (p *parser) value() (any, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > MaxDepth {
		return nil, p.errorf("nesting deeper than %d", MaxDepth)
	}
	p.skipSpace()
	c := p.peek()
	switch {
	case c == 0:
		return nil, p.errorf("unexpected end of input")
	case c == '[':
		p.pos++
		return p.sequence(']')
	case c == '(':
		p.pos++
		return p.sequence(')')
	case c == '{':
		p.pos++
		return p.dict()
	case c == '\'' || c == '"':
		return p.byteString()
	case (c == 'u' || c == 'U') && p.pos+1 < len(p.src) && (p.src[p.pos+1] == '\'' || p.src[p.pos+1] == '"'):
		p.pos++
		return p.text()
	case c == '-' || c == '+' || c == '.' || isDigit(c):
		return p.number()
	case isIdentStart(c):
		return p.name()
	default:
		return nil, p.errorf("unexpected character %q", c)
	}
}

func (p *parser) sequence(closer byte) ([]any, error) {
	out := []any{}
	for {
		p.skipSpace()
		if p.peek() == closer {
			p.pos++
			return out, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case closer:
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or %q", closer)
		}
	}
}

func (p *parser) dict() (map[any]any, error) {
	out := map[any]any{}
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		keyPos := p.pos
		k, err := p.value()
		if err != nil {
			return nil, err
		}
		key, err := mapKey(k)
		if err != nil {
			return nil, &SyntaxError{Offset: keyPos, Msg: err.Error()}
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[key] = v
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or '}'")
		}
	}
}

// mapKey converts a parsed value into a comparable map key.
func mapKey(k any) (any, error) {
	switch t := k.(type) {
	case []byte:
		return string(t), nil
	case nil, string, int64, float64, bool, time.Time, time.Duration:
		return t, nil
	default:
		return nil, fmt.Errorf("unhashable dict key %T", k)
	}
}

func (p *parser) name() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && (isIdentStart(p.src[p.pos]) || isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	ident := p.src[start:p.pos]
	switch ident {
	case "None":
		return nil, nil
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "float":
		return p.floatCall()
	case "datetime.datetime":
		return p.datetime(3, 7)
	case "datetime.date":
		return p.datetime(3, 3)
	case "datetime.timedelta":
		return p.timedelta()
	case "time.struct_time":
		return p.structTime()
	}
	p.pos = start
	return nil, p.errorf("unsupported name %q", ident)
}

// intArgs reads a parenthesized list of integer arguments.
func (p *parser) intArgs(min, max int) ([]int64, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	argPos := p.pos
	seq, err := p.sequence(')')
	if err != nil {
		return nil, err
	}
	if len(seq) < min || len(seq) > max {
		return nil, &SyntaxError{Offset: argPos, Msg: fmt.Sprintf("expected %d to %d arguments, got %d", min, max, len(seq))}
	}
	out := make([]int64, len(seq))
	for i, v := range seq {
		n, ok := v.(int64)
		if !ok {
			return nil, &SyntaxError{Offset: argPos, Msg: fmt.Sprintf("argument %d is %T, want integer", i, v)}
		}
		out[i] = n
	}
	return out, nil
}

func (p *parser) datetime(min, max int) (any, error) {
	args, err := p.intArgs(min, max)
	if err != nil {
		return nil, err
	}
	parts := make([]int, 7)
	for i, a := range args {
		parts[i] = int(a)
	}
	return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6]*1000, time.UTC), nil
}

func (p *parser) timedelta() (any, error) {
	args, err := p.intArgs(1, 3)
	if err != nil {
		return nil, err
	}
	parts := make([]int64, 3)
	copy(parts, args)
	d := time.Duration(parts[0])*24*time.Hour +
		time.Duration(parts[1])*time.Second +
		time.Duration(parts[2])*time.Microsecond
	return d, nil
}

var structTimeFields = []string{
	"tm_year", "tm_mon", "tm_mday", "tm_hour", "tm_min",
	"tm_sec", "tm_wday", "tm_yday", "tm_isdst",
}

func (p *parser) structTime() (any, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() == '(' || p.peek() == '[' {
		seqPos := p.pos
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		seq := v.([]any)
		if len(seq) != len(structTimeFields) {
			return nil, &SyntaxError{Offset: seqPos, Msg: "struct_time needs nine fields"}
		}
		for _, e := range seq {
			if _, ok := e.(int64); !ok {
				return nil, &SyntaxError{Offset: seqPos, Msg: "struct_time fields must be integers"}
			}
		}
		return seq, nil
	}

	out := make([]any, len(structTimeFields))
	for i, want := range structTimeFields {
		if i > 0 {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		p.skipSpace()
		if !strings.HasPrefix(p.src[p.pos:], want+"=") {
			return nil, p.errorf("expected %s=", want)
		}
		p.pos += len(want) + 1
		v, err := p.number()
		if err != nil {
			return nil, err
		}
		n, ok := v.(int64)
		if !ok {
			return nil, p.errorf("%s must be an integer", want)
		}
		out[i] = n
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) floatCall() (any, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	argPos := p.pos
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	var s string
	switch t := v.(type) {
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return nil, &SyntaxError{Offset: argPos, Msg: "float() takes a string"}
	}
	switch strings.ToLower(s) {
	case "inf", "+inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	case "nan":
		return math.NaN(), nil
	}
	return nil, &SyntaxError{Offset: argPos, Msg: fmt.Sprintf("unsupported float literal %q", s)}
}

func (p *parser) number() (any, error) {
	start := p.pos
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
	}
	isFloat := false
scan:
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case isDigit(c):
		case c == '.':
			isFloat = true
		case c == 'e' || c == 'E':
			isFloat = true
			if p.pos+1 < len(p.src) && (p.src[p.pos+1] == '-' || p.src[p.pos+1] == '+') {
				p.pos++
			}
		default:
			break scan
		}
		p.pos++
	}
	lit := p.src[start:p.pos]
	if isFloat {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, &SyntaxError{Offset: start, Msg: fmt.Sprintf("bad float %q", lit)}
		}
		return f, nil
	}
	if c := p.peek(); c == 'L' || c == 'l' {
		p.pos++
	}
	n, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return nil, &SyntaxError{Offset: start, Msg: fmt.Sprintf("bad integer %q", lit)}
	}
	return n, nil
}

// quoted scans a quoted literal body and returns its raw bytes with
// escapes resolved. Text literals decode \u and \U escapes; byte strings
// keep them verbatim.
func (p *parser) quoted(text bool) ([]byte, error) {
	quote := p.src[p.pos]
	p.pos++
	var out []byte
	for {
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated string")
		}
		c := p.src[p.pos]
		if c == quote {
			p.pos++
			return out, nil
		}
		if c != '\\' {
			out = append(out, c)
			p.pos++
			continue
		}
		p.pos++
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated escape")
		}
		esc := p.src[p.pos]
		p.pos++
		switch esc {
		case '\\', '\'', '"':
			out = append(out, esc)
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'a':
			out = append(out, '\a')
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'v':
			out = append(out, '\v')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			n := int(esc - '0')
			for i := 0; i < 2 && p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '7'; i++ {
				n = n*8 + int(p.src[p.pos]-'0')
				p.pos++
			}
			out = appendUnit(out, rune(n), text)
		case 'x':
			r, err := p.hex(2)
			if err != nil {
				return nil, err
			}
			out = appendUnit(out, r, text)
		case 'u', 'U':
			if !text {
				out = append(out, '\\', esc)
				continue
			}
			width := 4
			if esc == 'U' {
				width = 8
			}
			r, err := p.hex(width)
			if err != nil {
				return nil, err
			}
			out = utf8.AppendRune(out, r)
		case '\n':
		default:
			out = append(out, '\\', esc)
		}
	}
}

// appendUnit appends an escaped code unit. In text it is a code point; in
// a byte string it is a raw byte.
func appendUnit(out []byte, r rune, text bool) []byte {
	if text {
		return utf8.AppendRune(out, r)
	}
	return append(out, byte(r))
}

func (p *parser) hex(width int) (rune, error) {
	if p.pos+width > len(p.src) {
		return 0, p.errorf("truncated escape")
	}
	n, err := strconv.ParseUint(p.src[p.pos:p.pos+width], 16, 32)
	if err != nil {
		return 0, p.errorf("bad escape")
	}
	p.pos += width
	return rune(n), nil
}

func (p *parser) byteString() (any, error) {
	b, err := p.quoted(false)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *parser) text() (any, error) {
	b, err := p.quoted(true)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
