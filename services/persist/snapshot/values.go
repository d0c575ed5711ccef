// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/feedstore/services/persist/repr"
	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// Value tags. Strings, booleans and null are written as plain JSON; every
// other value is a single-key object naming its type.
const (
	tagInt      = "i"
	tagFloat    = "f"
	tagBytes    = "y"
	tagTime     = "t"
	tagDuration = "d"
	tagList     = "l"
	tagMap      = "m"
	tagObject   = "o"
)

func encodeRecord(rec *schema.Record) (map[string]any, error) {
	fields := make([]any, 0, rec.Fields.Len())
	var err error
	rec.Fields.Range(func(name string, v any) bool {
		var ev any
		ev, err = encodeValue(v)
		if err != nil {
			err = fmt.Errorf("record %d field %s: %w", rec.ID, name, err)
			return false
		}
		fields = append(fields, []any{name, ev})
		return true
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"class": rec.Class, "id": rec.ID, "fields": fields}, nil
}

func encodeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool:
		return t, nil
	case int64:
		return map[string]any{tagInt: t}, nil
	case int:
		return map[string]any{tagInt: int64(t)}, nil
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return map[string]any{tagFloat: strconv.FormatFloat(t, 'g', -1, 64)}, nil
		}
		return map[string]any{tagFloat: t}, nil
	case []byte:
		return map[string]any{tagBytes: base64.StdEncoding.EncodeToString(t)}, nil
	case time.Time:
		return map[string]any{tagTime: t.UTC().Format(time.RFC3339Nano)}, nil
	case time.Duration:
		return map[string]any{tagDuration: int64(t)}, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ev, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return map[string]any{tagList: out}, nil
	case map[any]any:
		type pair struct {
			sortKey string
			k, v    any
		}
		pairs := make([]pair, 0, len(t))
		for k, e := range t {
			ek, err := encodeValue(k)
			if err != nil {
				return nil, err
			}
			ev, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, pair{sortKey: repr.MustFormat(mapSortKey(k)), k: ek, v: ev})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].sortKey < pairs[j].sortKey })
		out := make([]any, len(pairs))
		for i, p := range pairs {
			out[i] = []any{p.k, p.v}
		}
		return map[string]any{tagMap: out}, nil
	case *schema.Record:
		if t == nil {
			return nil, nil
		}
		rec, err := encodeRecord(t)
		if err != nil {
			return nil, err
		}
		return map[string]any{tagObject: rec}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// mapSortKey reduces keys that repr cannot format to a sortable form.
func mapSortKey(k any) any {
	switch k.(type) {
	case nil, string, []byte, int64, float64, bool, time.Time, time.Duration:
		return k
	default:
		return fmt.Sprintf("%T:%v", k, k)
	}
}

func decodeRecord(raw any) (*schema.Record, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record is %T, want object", raw)
	}
	class, ok := m["class"].(string)
	if !ok {
		return nil, fmt.Errorf("record class missing")
	}
	num, ok := m["id"].(json.Number)
	if !ok {
		return nil, fmt.Errorf("record id missing")
	}
	id, err := num.Int64()
	if err != nil {
		return nil, fmt.Errorf("record id: %w", err)
	}
	rec := schema.NewRecord(class, id)
	fields, ok := m["fields"].([]any)
	if !ok {
		return nil, fmt.Errorf("record %d fields missing", id)
	}
	for _, f := range fields {
		pair, ok := f.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("record %d: malformed field entry", id)
		}
		name, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("record %d: field name is %T", id, pair[0])
		}
		v, err := decodeValue(pair[1])
		if err != nil {
			return nil, fmt.Errorf("record %d field %s: %w", id, name, err)
		}
		rec.Set(name, v)
	}
	return rec, nil
}

func decodeValue(raw any) (any, error) {
	switch t := raw.(type) {
	case nil, string, bool:
		return t, nil
	case map[string]any:
		if len(t) != 1 {
			return nil, fmt.Errorf("tagged value has %d keys", len(t))
		}
		for tag, body := range t {
			return decodeTagged(tag, body)
		}
	}
	return nil, fmt.Errorf("untagged %T value", raw)
}

func decodeTagged(tag string, body any) (any, error) {
	switch tag {
	case tagInt:
		num, ok := body.(json.Number)
		if !ok {
			return nil, fmt.Errorf("int body is %T", body)
		}
		return num.Int64()
	case tagFloat:
		switch b := body.(type) {
		case json.Number:
			return b.Float64()
		case string:
			return strconv.ParseFloat(b, 64)
		}
		return nil, fmt.Errorf("float body is %T", body)
	case tagBytes:
		s, ok := body.(string)
		if !ok {
			return nil, fmt.Errorf("bytes body is %T", body)
		}
		return base64.StdEncoding.DecodeString(s)
	case tagTime:
		s, ok := body.(string)
		if !ok {
			return nil, fmt.Errorf("time body is %T", body)
		}
		return time.Parse(time.RFC3339Nano, s)
	case tagDuration:
		num, ok := body.(json.Number)
		if !ok {
			return nil, fmt.Errorf("duration body is %T", body)
		}
		n, err := num.Int64()
		return time.Duration(n), err
	case tagList:
		items, ok := body.([]any)
		if !ok {
			return nil, fmt.Errorf("list body is %T", body)
		}
		out := make([]any, len(items))
		for i, e := range items {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case tagMap:
		pairs, ok := body.([]any)
		if !ok {
			return nil, fmt.Errorf("map body is %T", body)
		}
		out := make(map[any]any, len(pairs))
		for _, p := range pairs {
			kv, ok := p.([]any)
			if !ok || len(kv) != 2 {
				return nil, fmt.Errorf("malformed map entry")
			}
			k, err := decodeValue(kv[0])
			if err != nil {
				return nil, err
			}
			if b, isBytes := k.([]byte); isBytes {
				k = string(b)
			}
			switch k.(type) {
			case []any, map[any]any, *schema.Record:
				return nil, fmt.Errorf("unhashable map key %T", k)
			}
			v, err := decodeValue(kv[1])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case tagObject:
		return decodeRecord(body)
	default:
		return nil, fmt.Errorf("unknown value tag %q", tag)
	}
}
