// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"time"
)

// -----------------------------------------------------------------------------
// Fields
// -----------------------------------------------------------------------------

// Fields is an insertion-ordered map from field name to record value.
//
// Record values are one of: nil, string, []byte, int64, float64, bool,
// time.Time, time.Duration, []any, map[any]any, or *Record for an embedded
// sub-object of a legacy snapshot.
type Fields struct {
	names  []string
	values map[string]any
}

// NewFields returns an empty field map.
func NewFields() *Fields {
	return &Fields{values: make(map[string]any)}
}

// Get returns the value stored under name.
func (f *Fields) Get(name string) (any, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Set stores v under name. A new name is appended; an existing name keeps
// its position.
func (f *Fields) Set(name string, v any) {
	if _, ok := f.values[name]; !ok {
		f.names = append(f.names, name)
	}
	f.values[name] = v
}

// Has reports whether name is present.
func (f *Fields) Has(name string) bool {
	_, ok := f.values[name]
	return ok
}

// Delete removes name and reports whether it was present.
func (f *Fields) Delete(name string) bool {
	if _, ok := f.values[name]; !ok {
		return false
	}
	delete(f.values, name)
	for i, n := range f.names {
		if n == name {
			f.names = append(f.names[:i], f.names[i+1:]...)
			break
		}
	}
	return true
}

// Pop removes name and returns the value it held.
func (f *Fields) Pop(name string) (any, bool) {
	v, ok := f.values[name]
	if ok {
		f.Delete(name)
	}
	return v, ok
}

// Names returns the field names in order.
func (f *Fields) Names() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// Len returns the number of fields.
func (f *Fields) Len() int { return len(f.names) }

// Range calls fn for each field in order until fn returns false.
func (f *Fields) Range(fn func(name string, v any) bool) {
	for _, n := range f.names {
		if !fn(n, f.values[n]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (f *Fields) Clone() *Fields {
	out := &Fields{
		names:  make([]string, len(f.names)),
		values: make(map[string]any, len(f.values)),
	}
	copy(out.names, f.names)
	for k, v := range f.values {
		out.values[k] = CloneValue(v)
	}
	return out
}

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is the savable form of one persisted object.
type Record struct {
	Class  string
	ID     int64
	Fields *Fields
}

// NewRecord creates an empty record.
func NewRecord(class string, id int64) *Record {
	return &Record{Class: class, ID: id, Fields: NewFields()}
}

// Get returns the named value, or nil when absent.
func (r *Record) Get(name string) any {
	v, _ := r.Fields.Get(name)
	return v
}

// Set stores a field value.
func (r *Record) Set(name string, v any) {
	r.Fields.Set(name, v)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	return &Record{Class: r.Class, ID: r.ID, Fields: r.Fields.Clone()}
}

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Snapshot is a versioned, ordered list of records.
type Snapshot struct {
	Version int
	Records []*Record
}

// Index maps stable ids to records.
func (s *Snapshot) Index() map[int64]*Record {
	idx := make(map[int64]*Record, len(s.Records))
	for _, r := range s.Records {
		idx[r.ID] = r
	}
	return idx
}

// CheckIDs fails with *DuplicateIDError when two records share an id.
func (s *Snapshot) CheckIDs() error {
	seen := make(map[int64]string, len(s.Records))
	for _, r := range s.Records {
		if first, dup := seen[r.ID]; dup {
			return &DuplicateIDError{ID: r.ID, First: first, Class: r.Class}
		}
		seen[r.ID] = r.Class
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{Version: s.Version, Records: make([]*Record, len(s.Records))}
	for i, r := range s.Records {
		out.Records[i] = r.Clone()
	}
	return out
}

// ClassOf implements RefResolver over the snapshot's records.
func (s *Snapshot) ClassOf(id int64) (string, bool) {
	for _, r := range s.Records {
		if r.ID == id {
			return r.Class, true
		}
	}
	return "", false
}

// indexResolver resolves ids through a prebuilt index.
type indexResolver map[int64]*Record

func (ix indexResolver) ClassOf(id int64) (string, bool) {
	r, ok := ix[id]
	if !ok {
		return "", false
	}
	return r.Class, true
}

// -----------------------------------------------------------------------------
// Values
// -----------------------------------------------------------------------------

// CloneValue deep-copies a record value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	case *Record:
		if t == nil {
			return t
		}
		return t.Clone()
	default:
		return v
	}
}

// IsSimple reports whether v may be stored in an opaque container.
func IsSimple(v any) bool {
	switch t := v.(type) {
	case nil, string, []byte, int64, float64, bool, time.Time, time.Duration:
		return true
	case []any:
		for _, e := range t {
			if !IsSimple(e) {
				return false
			}
		}
		return true
	case map[any]any:
		for k, e := range t {
			if !IsSimple(k) || !IsSimple(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
