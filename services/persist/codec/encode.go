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

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	bytesType    = reflect.TypeOf([]byte(nil))
)

// Encode converts objects to a validated snapshot.
//
// Description:
//
//	Roots whose Go type has no binding are ignored. Every object reachable
//	through a reference field is included, after the roots, in discovery
//	order. Objects keep the ids they were decoded or previously encoded
//	with; new objects receive the next unused id.
//
// Inputs:
//
//	objects - Root objects, typically pointers to bound structs.
//
// Outputs:
//
//	*schema.Snapshot - Records at the registry's version.
//	error            - *schema.ValidationError when a reachable object is
//	                   unbound, has the wrong class, or holds a value that
//	                   does not match its declared type.
func (c *Codec) Encode(objects []any) (*schema.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var order []any
	seen := make(map[any]bool)
	for _, obj := range objects {
		if obj == nil {
			continue
		}
		if _, ok := c.bindingOf(obj); !ok || seen[obj] {
			continue
		}
		seen[obj] = true
		order = append(order, obj)
		c.idFor(obj)
	}

	for i := 0; i < len(order); i++ {
		obj := order[i]
		b, _ := c.bindingOf(obj)
		v := reflect.ValueOf(obj).Elem()
		for _, fm := range b.fields {
			if !fm.ftype.IsReference() {
				continue
			}
			err := c.walkRefs(v.FieldByIndex(fm.index), fm.ftype, func(target any) error {
				tb, ok := c.bindingOf(target)
				if !ok {
					return c.refError(obj, b, fm, fmt.Sprintf("unbound %T", target))
				}
				if !c.reg.IsA(tb.tag, refTarget(fm.ftype)) {
					return c.refError(obj, b, fm, fmt.Sprintf("%s object", tb.tag))
				}
				if !seen[target] {
					seen[target] = true
					order = append(order, target)
					c.idFor(target)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	snap := &schema.Snapshot{Version: c.reg.Version(), Records: make([]*schema.Record, 0, len(order))}
	for _, obj := range order {
		b, _ := c.bindingOf(obj)
		rec := schema.NewRecord(b.tag, c.ids[obj])
		v := reflect.ValueOf(obj).Elem()
		for _, fm := range b.fields {
			rec.Set(fm.name, c.toRecord(v.FieldByIndex(fm.index), fm.ftype))
		}
		snap.Records = append(snap.Records, rec)
	}

	if err := schema.ValidateSnapshot(snap, c.reg); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Codec) refError(obj any, b *binding, fm fieldMap, actual string) error {
	return &schema.ValidationError{
		RecordID: c.ids[obj],
		Class:    b.tag,
		Field:    fm.name,
		Path:     fm.name,
		Expected: fm.ftype.String(),
		Actual:   actual,
	}
}

// refTarget returns the class targeted by a reference-bearing type.
func refTarget(t schema.FieldType) string {
	for t.Kind != schema.KindObject && t.Elem != nil {
		t = *t.Elem
	}
	return t.Target
}

// walkRefs calls fn for every non-nil object held by v at reference
// positions of t.
func (c *Codec) walkRefs(v reflect.Value, t schema.FieldType, fn func(any) error) error {
	v = unwrap(v)
	if !v.IsValid() {
		return nil
	}
	switch t.Kind {
	case schema.KindObject:
		if v.Kind() == reflect.Pointer && v.Elem().Kind() == reflect.Struct && v.Type() != reflect.PointerTo(timeType) {
			return fn(v.Interface())
		}
	case schema.KindList:
		if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
			for i := 0; i < v.Len(); i++ {
				if err := c.walkRefs(v.Index(i), *t.Elem, fn); err != nil {
					return err
				}
			}
		}
	case schema.KindMapping:
		if v.Kind() == reflect.Map {
			iter := v.MapRange()
			for iter.Next() {
				if err := c.walkRefs(iter.Value(), *t.Elem, fn); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// unwrap strips interfaces and reports nil as the invalid Value.
func unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	if v.IsValid() && v.Kind() == reflect.Pointer && v.IsNil() {
		return reflect.Value{}
	}
	return v
}

// toRecord converts a Go value to a record value. Values that cannot be
// represented are returned unchanged so the validator reports them.
func (c *Codec) toRecord(v reflect.Value, t schema.FieldType) any {
	v = unwrap(v)
	if !v.IsValid() {
		return nil
	}
	switch t.Kind {
	case schema.KindObject:
		if v.Kind() == reflect.Pointer {
			if id, ok := c.ids[v.Interface()]; ok {
				return id
			}
		}
		return v.Interface()
	case schema.KindList:
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array || v.Type() == bytesType {
			return simple(v)
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = c.toRecord(v.Index(i), *t.Elem)
		}
		return out
	case schema.KindMapping:
		if v.Kind() != reflect.Map {
			return simple(v)
		}
		out := make(map[any]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(c.toRecord(iter.Key(), *t.Key))] = c.toRecord(iter.Value(), *t.Elem)
		}
		return out
	default:
		return simple(v)
	}
}

// simple converts a Go value built from scalars, slices and maps into the
// record value set.
func simple(v reflect.Value) any {
	v = unwrap(v)
	if !v.IsValid() {
		return nil
	}
	switch v.Type() {
	case timeType:
		return v.Interface().(time.Time)
	case durationType:
		return time.Duration(v.Int())
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.Elem().Kind() == reflect.Struct && v.Elem().Type() != timeType {
			return v.Interface()
		}
		return simple(v.Elem())
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(v.Uint())
	case reflect.Uint, reflect.Uint64:
		// Values past the int64 range stay unsigned so validation rejects them.
		if n := v.Uint(); n <= math.MaxInt64 {
			return int64(n)
		}
		return v.Interface()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			out := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(out), v)
			return out
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = simple(v.Index(i))
		}
		return out
	case reflect.Map:
		out := make(map[any]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(simple(iter.Key()))] = simple(iter.Value())
		}
		return out
	default:
		return v.Interface()
	}
}

// mapKey keeps converted keys hashable.
func mapKey(k any) any {
	switch t := k.(type) {
	case []byte:
		return string(t)
	case []any:
		return fmt.Sprint(t...)
	}
	return k
}
