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
	"strings"
)

// Kind identifies the shape of a field type.
type Kind int

const (
	KindString Kind = iota + 1
	KindBinary
	KindInteger
	KindFloat
	KindBoolean
	KindDateTime
	KindObject
	KindList
	KindMapping
	KindContainer
)

// String returns the lowercase kind name used in validation messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBoolean:
		return "boolean"
	case KindDateTime:
		return "datetime"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	case KindMapping:
		return "mapping"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// FieldType describes the value a field may hold.
//
// Description:
//
//	FieldType is a small value type built with the constructors below.
//	Nullability belongs to the type rather than the field so that nested
//	element types can accept null independently, for example a list of
//	nullable object references.
//
// Example:
//
//	schema.List(schema.ObjectRef("human"))
//	schema.Mapping(schema.String(), schema.Integer())
//	schema.ObjectRef("human").OrNull()
type FieldType struct {
	Kind     Kind
	Nullable bool

	// Target is the class tag referenced by a KindObject type.
	Target string

	// Elem is the element type of a list, or the value type of a mapping.
	Elem *FieldType

	// Key is the key type of a mapping.
	Key *FieldType
}

func String() FieldType   { return FieldType{Kind: KindString} }
func Binary() FieldType   { return FieldType{Kind: KindBinary} }
func Integer() FieldType  { return FieldType{Kind: KindInteger} }
func Float() FieldType    { return FieldType{Kind: KindFloat} }
func Boolean() FieldType  { return FieldType{Kind: KindBoolean} }
func DateTime() FieldType { return FieldType{Kind: KindDateTime} }

// Container is an opaque value made only of simple values: scalars, byte
// strings, times, durations, and lists or maps of those.
func Container() FieldType { return FieldType{Kind: KindContainer} }

// ObjectRef is a non-owning reference to a record of class target, or of
// any class registered as a descendant of target.
func ObjectRef(target string) FieldType {
	return FieldType{Kind: KindObject, Target: target}
}

func List(elem FieldType) FieldType {
	return FieldType{Kind: KindList, Elem: &elem}
}

func Mapping(key, value FieldType) FieldType {
	return FieldType{Kind: KindMapping, Key: &key, Elem: &value}
}

// OrNull returns a copy of t that also accepts null.
func (t FieldType) OrNull() FieldType {
	t.Nullable = true
	return t
}

// IsReference reports whether values of t carry object ids, directly or
// inside a list or mapping.
func (t FieldType) IsReference() bool {
	switch t.Kind {
	case KindObject:
		return true
	case KindList, KindMapping:
		return t.Elem != nil && t.Elem.IsReference()
	default:
		return false
	}
}

// String renders the type as it appears in ValidationError.Expected.
func (t FieldType) String() string {
	var b strings.Builder
	if t.Nullable {
		b.WriteString("?")
	}
	switch t.Kind {
	case KindObject:
		fmt.Fprintf(&b, "object(%s)", t.Target)
	case KindList:
		fmt.Fprintf(&b, "list<%s>", t.Elem)
	case KindMapping:
		fmt.Fprintf(&b, "mapping<%s,%s>", t.Key, t.Elem)
	default:
		b.WriteString(t.Kind.String())
	}
	return b.String()
}

// Field is one named, typed slot of a schema.
type Field struct {
	Name string
	Type FieldType
}

// F is shorthand for declaring a field.
func F(name string, t FieldType) Field {
	return Field{Name: name, Type: t}
}
