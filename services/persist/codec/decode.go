// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// Decode reconstructs objects from snap.
//
// Description:
//
//	Pass one constructs an instance per record and assigns every
//	non-reference field. Pass two links references through the id table,
//	so cycles and forward references resolve. Pass three calls OnRestore
//	in record order unless opts.SkipRestoreHooks is set. The returned
//	objects are in record order and keep their ids for the next Encode.
//	A successful Decode replaces the identity table, so objects from
//	earlier calls lose their ids and new objects number past the
//	snapshot's highest id.
//
// Outputs:
//
//	[]any - Pointers to the decoded structs.
//	error - *schema.UnknownClassError for a record without a binding,
//	        *schema.DuplicateIDError for a repeated record id,
//	        *schema.DanglingReferenceError for an unresolved id, or
//	        *schema.ValidationError for a value the Go field cannot hold.
func (c *Codec) Decode(snap *schema.Snapshot, opts DecodeOptions) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type pending struct {
		rec *schema.Record
		b   *binding
		obj any
	}
	work := make([]pending, 0, len(snap.Records))
	byID := make(map[int64]any, len(snap.Records))

	for _, rec := range snap.Records {
		b, ok := c.byTag[rec.Class]
		if !ok {
			return nil, fmt.Errorf("decode record %d: %w", rec.ID, &schema.UnknownClassError{Tag: rec.Class})
		}
		obj := b.newFn()
		v := reflect.ValueOf(obj).Elem()
		for _, fm := range b.fields {
			if fm.ftype.IsReference() {
				continue
			}
			val, _ := rec.Fields.Get(fm.name)
			if err := assign(v.FieldByIndex(fm.index), val); err != nil {
				return nil, fieldError(rec, fm, val, err)
			}
		}
		if prev, dup := byID[rec.ID]; dup {
			first := c.byType[reflect.TypeOf(prev)].tag
			return nil, fmt.Errorf("decode record %d: %w", rec.ID,
				&schema.DuplicateIDError{ID: rec.ID, First: first, Class: rec.Class})
		}
		byID[rec.ID] = obj
		work = append(work, pending{rec: rec, b: b, obj: obj})
	}

	for _, w := range work {
		v := reflect.ValueOf(w.obj).Elem()
		for _, fm := range w.b.fields {
			if !fm.ftype.IsReference() {
				continue
			}
			val, _ := w.rec.Fields.Get(fm.name)
			if err := link(v.FieldByIndex(fm.index), val, fm.ftype, byID, w.rec, fm.name); err != nil {
				return nil, err
			}
		}
	}

	c.ids = make(map[any]int64, len(work))
	c.nextID = 1
	out := make([]any, len(work))
	for i, w := range work {
		c.ids[w.obj] = w.rec.ID
		c.observeID(w.rec.ID)
		out[i] = w.obj
	}

	if !opts.SkipRestoreHooks {
		for _, obj := range out {
			if r, ok := obj.(Restorer); ok {
				r.OnRestore()
			}
		}
	}
	return out, nil
}

func fieldError(rec *schema.Record, fm fieldMap, val any, err error) error {
	return &schema.ValidationError{
		RecordID: rec.ID,
		Class:    rec.Class,
		Field:    fm.name,
		Path:     fm.name,
		Expected: err.Error(),
		Actual:   val,
	}
}

// link assigns reference values, resolving ids through byID.
func link(dst reflect.Value, val any, t schema.FieldType, byID map[int64]any, rec *schema.Record, path string) error {
	if val == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	mismatch := func(want string) error {
		return &schema.ValidationError{
			RecordID: rec.ID,
			Class:    rec.Class,
			Field:    path,
			Path:     path,
			Expected: want,
			Actual:   val,
		}
	}

	switch t.Kind {
	case schema.KindObject:
		id, ok := val.(int64)
		if !ok {
			return mismatch(t.String())
		}
		target, ok := byID[id]
		if !ok {
			return &schema.DanglingReferenceError{RecordID: rec.ID, Class: rec.Class, Field: path, Target: id}
		}
		tv := reflect.ValueOf(target)
		if !tv.Type().AssignableTo(dst.Type()) {
			return mismatch(dst.Type().String())
		}
		dst.Set(tv)
	case schema.KindList:
		items, ok := val.([]any)
		if !ok || dst.Kind() != reflect.Slice {
			return mismatch(t.String())
		}
		out := reflect.MakeSlice(dst.Type(), len(items), len(items))
		for i, e := range items {
			if err := link(out.Index(i), e, *t.Elem, byID, rec, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		dst.Set(out)
	case schema.KindMapping:
		m, ok := val.(map[any]any)
		if !ok || dst.Kind() != reflect.Map {
			return mismatch(t.String())
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, e := range m {
			kv := reflect.New(dst.Type().Key()).Elem()
			if err := assign(kv, k); err != nil {
				return mismatch(err.Error())
			}
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := link(ev, e, *t.Elem, byID, rec, fmt.Sprintf("%s[%v]", path, k)); err != nil {
				return err
			}
			out.SetMapIndex(kv, ev)
		}
		dst.Set(out)
	default:
		return assign(dst, val)
	}
	return nil
}

// assign stores a record value into a Go value, converting between the
// record value set and the destination's type.
func assign(dst reflect.Value, val any) error {
	if val == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.Kind() == reflect.Interface {
		rv := reflect.ValueOf(val)
		if !rv.Type().AssignableTo(dst.Type()) {
			return fmt.Errorf("%s", dst.Type())
		}
		dst.Set(rv)
		return nil
	}
	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), val); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}

	fail := fmt.Errorf("%s", dst.Type())
	switch dst.Type() {
	case timeType:
		tv, ok := val.(time.Time)
		if !ok {
			return fail
		}
		dst.Set(reflect.ValueOf(tv))
		return nil
	case durationType:
		d, ok := val.(time.Duration)
		if !ok {
			return fail
		}
		dst.SetInt(int64(d))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		s, ok := val.(string)
		if !ok {
			return fail
		}
		dst.SetString(s)
	case reflect.Bool:
		b, ok := val.(bool)
		if !ok {
			return fail
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := val.(int64)
		if !ok || dst.OverflowInt(n) {
			return fail
		}
		dst.SetInt(n)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		n, ok := val.(int64)
		if !ok || n < 0 || dst.OverflowUint(uint64(n)) {
			return fail
		}
		dst.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		f, ok := val.(float64)
		if !ok || (dst.Kind() == reflect.Float32 && math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0)) {
			return fail
		}
		dst.SetFloat(f)
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := val.([]byte)
			if !ok {
				return fail
			}
			cp := make([]byte, len(b))
			copy(cp, b)
			dst.SetBytes(cp)
			return nil
		}
		items, ok := val.([]any)
		if !ok {
			return fail
		}
		out := reflect.MakeSlice(dst.Type(), len(items), len(items))
		for i, e := range items {
			if err := assign(out.Index(i), e); err != nil {
				return err
			}
		}
		dst.Set(out)
	case reflect.Map:
		m, ok := val.(map[any]any)
		if !ok {
			return fail
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, e := range m {
			kv := reflect.New(dst.Type().Key()).Elem()
			if err := assign(kv, k); err != nil {
				return err
			}
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(ev, e); err != nil {
				return err
			}
			out.SetMapIndex(kv, ev)
		}
		dst.Set(out)
	default:
		return fail
	}
	return nil
}
