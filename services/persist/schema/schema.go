// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema declares persisted classes and their savable records.
//
// # Description
//
// A Schema is an explicit variant: a stable class tag plus an ordered list of
// typed fields. Subclasses are composed at definition time with Extend, which
// places the parent's fields first and appends the child's own fields, so
// serialization order is deterministic and is resolved once per schema rather
// than per instance.
//
// A Registry binds schemas to one schema version. Records are the flattened
// field maps the codec, the validator, and the upgrade chains exchange.
//
// # Thread Safety
//
// Schemas are immutable after construction. A Registry must be fully
// populated before it is shared; lookups are then safe for concurrent use.
package schema

// Schema is the declared shape of one persisted class.
type Schema struct {
	tag    string
	parent string
	fields []Field
	index  map[string]int
}

// NewSchema declares a root class.
func NewSchema(tag string, fields ...Field) *Schema {
	s := &Schema{tag: tag}
	s.setFields(fields)
	return s
}

// Extend declares a subclass of s.
//
// Description:
//
//	The returned schema carries every field of s, in order, followed by
//	extra. The parent tag is recorded so the registry can answer lineage
//	questions for ObjectRef validation.
//
// Inputs:
//
//	tag   - Class tag of the subclass.
//	extra - Fields declared only by the subclass.
//
// Outputs:
//
//	*Schema - The composed subclass schema. s is not modified.
func (s *Schema) Extend(tag string, extra ...Field) *Schema {
	fields := make([]Field, 0, len(s.fields)+len(extra))
	fields = append(fields, s.fields...)
	fields = append(fields, extra...)
	child := &Schema{tag: tag, parent: s.tag}
	child.setFields(fields)
	return child
}

func (s *Schema) setFields(fields []Field) {
	s.fields = fields
	s.index = make(map[string]int, len(fields))
	for i, f := range fields {
		if _, dup := s.index[f.Name]; !dup {
			s.index[f.Name] = i
		}
	}
}

// Tag returns the stable class tag.
func (s *Schema) Tag() string { return s.tag }

// Parent returns the parent's tag, or "" for a root class.
func (s *Schema) Parent() string { return s.parent }

// Fields returns a copy of the declared fields in serialization order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a declared field by name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Len returns the number of declared fields.
func (s *Schema) Len() int { return len(s.fields) }

// hasDuplicateFields reports the first field name declared twice.
func (s *Schema) hasDuplicateFields() (string, bool) {
	if len(s.index) == len(s.fields) {
		return "", false
	}
	seen := make(map[string]bool, len(s.fields))
	for _, f := range s.fields {
		if seen[f.Name] {
			return f.Name, true
		}
		seen[f.Name] = true
	}
	return "", false
}
