// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec converts live object graphs to savable records and back.
//
// # Description
//
// A Codec binds class tags of a schema.Registry to Go struct types. Encode
// assigns stable ids to every object reachable from the roots, flattens each
// object to a record and validates the result. Decode reverses the process
// in three passes so that circular references resolve: construct, link,
// restore.
//
// Struct fields map to schema fields through `store:"name"` tags, or the
// lowercased Go field name. Promoted fields of embedded structs are mapped
// too, which lets a subclass struct embed its parent struct.
//
// An object keeps its id until the next Decode resets the identity table or
// Forget drops it. Callers that Encode a stream of short-lived objects
// without decoding should Forget them.
//
// # Thread Safety
//
// A Codec is safe for concurrent use. Encode and Decode serialize on the
// identity table.
package codec

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// Binding ties a class tag to a Go type. New must return a non-nil pointer
// to a fresh struct value.
type Binding struct {
	Tag string
	New func() any
}

// Restorer is implemented by objects that finish initialization after all
// of their references are linked.
type Restorer interface {
	OnRestore()
}

// DecodeOptions controls Decode.
type DecodeOptions struct {
	// SkipRestoreHooks suppresses OnRestore calls.
	SkipRestoreHooks bool
}

type fieldMap struct {
	name  string
	index []int
	ftype schema.FieldType
}

type binding struct {
	tag    string
	typ    reflect.Type
	newFn  func() any
	schema *schema.Schema
	fields []fieldMap
}

// Codec converts between objects and snapshots for one registry.
type Codec struct {
	reg    *schema.Registry
	byTag  map[string]*binding
	byType map[reflect.Type]*binding

	mu     sync.Mutex
	ids    map[any]int64
	nextID int64
}

// New creates a Codec.
//
// Description:
//
//	Each binding's tag must be registered in reg, and its struct must have a
//	field for every schema field. A Go type may be bound to only one tag.
//
// Outputs:
//
//	*Codec - The codec.
//	error  - *schema.UnknownClassError for an unregistered tag, or a
//	         descriptive error for an incompatible struct.
func New(reg *schema.Registry, bindings ...Binding) (*Codec, error) {
	c := &Codec{
		reg:    reg,
		byTag:  make(map[string]*binding, len(bindings)),
		byType: make(map[reflect.Type]*binding, len(bindings)),
		ids:    make(map[any]int64),
		nextID: 1,
	}
	for _, b := range bindings {
		s, err := reg.Lookup(b.Tag)
		if err != nil {
			return nil, fmt.Errorf("codec: bind %s: %w", b.Tag, err)
		}
		if b.New == nil {
			return nil, fmt.Errorf("codec: bind %s: nil constructor", b.Tag)
		}
		sample := reflect.TypeOf(b.New())
		if sample == nil || sample.Kind() != reflect.Pointer || sample.Elem().Kind() != reflect.Struct {
			return nil, fmt.Errorf("codec: bind %s: constructor must return a struct pointer, got %v", b.Tag, sample)
		}
		if prev, dup := c.byType[sample]; dup {
			return nil, fmt.Errorf("codec: %v is bound to both %s and %s", sample, prev.tag, b.Tag)
		}
		fields, err := mapFields(sample.Elem(), s)
		if err != nil {
			return nil, fmt.Errorf("codec: bind %s: %w", b.Tag, err)
		}
		bd := &binding{tag: b.Tag, typ: sample, newFn: b.New, schema: s, fields: fields}
		c.byTag[b.Tag] = bd
		c.byType[sample] = bd
	}
	return c, nil
}

// MustNew is New for statically declared bindings.
func MustNew(reg *schema.Registry, bindings ...Binding) *Codec {
	c, err := New(reg, bindings...)
	if err != nil {
		panic(err)
	}
	return c
}

// Registry returns the registry the codec encodes against.
func (c *Codec) Registry() *schema.Registry { return c.reg }

func mapFields(st reflect.Type, s *schema.Schema) ([]fieldMap, error) {
	byName := make(map[string][]int)
	for _, sf := range reflect.VisibleFields(st) {
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		name := strings.ToLower(sf.Name)
		if tag, ok := sf.Tag.Lookup("store"); ok {
			if tag == "-" {
				continue
			}
			name = tag
		}
		if _, taken := byName[name]; !taken {
			byName[name] = sf.Index
		}
	}

	out := make([]fieldMap, 0, s.Len())
	for _, f := range s.Fields() {
		idx, ok := byName[f.Name]
		if !ok {
			return nil, fmt.Errorf("%v has no field for %q", st, f.Name)
		}
		out = append(out, fieldMap{name: f.Name, index: idx, ftype: f.Type})
	}
	return out, nil
}

// ID returns the stable id assigned to obj by a previous Encode or Decode.
func (c *Codec) ID(obj any) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[obj]
	return id, ok
}

// Forget drops obj from the identity table. A later Encode assigns it a
// new id.
func (c *Codec) Forget(obj any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, obj)
}

func (c *Codec) bindingOf(obj any) (*binding, bool) {
	b, ok := c.byType[reflect.TypeOf(obj)]
	return b, ok
}

func (c *Codec) idFor(obj any) int64 {
	if id, ok := c.ids[obj]; ok {
		return id
	}
	id := c.nextID
	c.nextID++
	c.ids[obj] = id
	return id
}

func (c *Codec) observeID(id int64) {
	if id >= c.nextID {
		c.nextID = id + 1
	}
}
