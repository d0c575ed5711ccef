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
	"fmt"
	"time"
)

// RefResolver answers which class a stable id belongs to.
type RefResolver interface {
	ClassOf(id int64) (string, bool)
}

// Checker validates records against schemas.
//
// Description:
//
//	The zero Checker validates value shapes only: an ObjectRef must hold an
//	int64 id. With a Registry, referenced classes are checked against the
//	declared target's lineage. With Refs, referenced ids must resolve, and
//	an unresolved id is reported as *DanglingReferenceError.
type Checker struct {
	Registry *Registry
	Refs     RefResolver
}

// Validate checks rec against s using shape rules only.
func Validate(rec *Record, s *Schema) error {
	return Checker{}.Validate(rec, s)
}

// Validate checks every declared field of rec.
//
// Description:
//
//	Types must match exactly: an integer field rejects floats and a float
//	field rejects integers. Missing fields are treated as null. Undeclared
//	fields are ignored.
//
// Outputs:
//
//	error - *ValidationError or *DanglingReferenceError on the first
//	        mismatch, nil when rec conforms.
func (c Checker) Validate(rec *Record, s *Schema) error {
	for _, f := range s.fields {
		v, _ := rec.Fields.Get(f.Name)
		if err := c.check(rec, f.Name, f.Name, f.Type, v); err != nil {
			return err
		}
	}
	return nil
}

func (c Checker) check(rec *Record, field, path string, t FieldType, v any) error {
	fail := func() error {
		return &ValidationError{
			RecordID: rec.ID,
			Class:    rec.Class,
			Field:    field,
			Path:     path,
			Expected: t.String(),
			Actual:   v,
		}
	}

	if v == nil {
		if t.Nullable {
			return nil
		}
		return fail()
	}
	if emb, ok := v.(*Record); ok && emb == nil {
		if t.Nullable {
			return nil
		}
		return fail()
	}

	switch t.Kind {
	case KindString:
		if _, ok := v.(string); !ok {
			return fail()
		}
	case KindBinary:
		if _, ok := v.([]byte); !ok {
			return fail()
		}
	case KindInteger:
		if _, ok := v.(int64); !ok {
			return fail()
		}
	case KindFloat:
		if _, ok := v.(float64); !ok {
			return fail()
		}
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return fail()
		}
	case KindDateTime:
		if _, ok := v.(time.Time); !ok {
			return fail()
		}
	case KindContainer:
		if !IsSimple(v) {
			return fail()
		}
	case KindObject:
		id, ok := v.(int64)
		if !ok {
			return fail()
		}
		return c.checkRef(rec, field, path, t, id)
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return fail()
		}
		for i, e := range items {
			if err := c.check(rec, field, fmt.Sprintf("%s[%d]", path, i), *t.Elem, e); err != nil {
				return err
			}
		}
	case KindMapping:
		m, ok := v.(map[any]any)
		if !ok {
			return fail()
		}
		for k, e := range m {
			sub := fmt.Sprintf("%s[%v]", path, k)
			if err := c.check(rec, field, sub, *t.Key, k); err != nil {
				return err
			}
			if err := c.check(rec, field, sub, *t.Elem, e); err != nil {
				return err
			}
		}
	default:
		return fail()
	}
	return nil
}

func (c Checker) checkRef(rec *Record, field, path string, t FieldType, id int64) error {
	if c.Refs == nil {
		return nil
	}
	class, ok := c.Refs.ClassOf(id)
	if !ok {
		return &DanglingReferenceError{RecordID: rec.ID, Class: rec.Class, Field: path, Target: id}
	}
	if c.Registry == nil {
		return nil
	}
	if !c.Registry.Has(class) || !c.Registry.IsA(class, t.Target) {
		return &ValidationError{
			RecordID: rec.ID,
			Class:    rec.Class,
			Field:    field,
			Path:     path,
			Expected: t.String(),
			Actual:   fmt.Sprintf("%s record %d", class, id),
		}
	}
	return nil
}

// ValidateSnapshot validates every record of snap against reg.
//
// Description:
//
//	Each record's class must be registered. References are resolved within
//	the snapshot, so a dangling id fails with *DanglingReferenceError.
//	Record ids must be unique; a repeat fails with *DuplicateIDError.
func ValidateSnapshot(snap *Snapshot, reg *Registry) error {
	if err := snap.CheckIDs(); err != nil {
		return err
	}
	c := Checker{Registry: reg, Refs: indexResolver(snap.Index())}
	for _, rec := range snap.Records {
		s, err := reg.Lookup(rec.Class)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
		if err := c.Validate(rec, s); err != nil {
			return err
		}
	}
	return nil
}
