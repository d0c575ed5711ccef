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
	"errors"
	"fmt"
)

var (
	// ErrDuplicateField indicates a schema declaring a field name twice.
	ErrDuplicateField = errors.New("duplicate field name")
)

// DuplicateTagError is returned when a class tag is registered twice.
type DuplicateTagError struct {
	Tag string
}

func (e *DuplicateTagError) Error() string {
	return fmt.Sprintf("class tag %q is already registered", e.Tag)
}

// UnknownClassError is returned when a tag has no registered schema.
type UnknownClassError struct {
	Tag string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("no schema registered for class %q", e.Tag)
}

// ValidationError describes a value that does not match its declared type.
//
// Field is the top-level field name. Path locates the offending value inside
// a list or mapping ("friends[2]", "high_scores[pong]") and equals Field for
// top-level mismatches.
type ValidationError struct {
	RecordID int64
	Class    string
	Field    string
	Path     string
	Expected string
	Actual   any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record %d: field %s: expected %s, got %s",
		e.Class, e.RecordID, e.Path, e.Expected, Describe(e.Actual))
}

// DanglingReferenceError reports a non-null reference whose target id is
// absent from the snapshot. It always signals corruption.
type DanglingReferenceError struct {
	RecordID int64
	Class    string
	Field    string
	Target   int64
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("dangling reference: %s record %d field %s points at missing id %d",
		e.Class, e.RecordID, e.Field, e.Target)
}

// DuplicateIDError reports two records in one snapshot sharing an id.
type DuplicateIDError struct {
	ID    int64
	First string
	Class string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate record id %d: %s record repeats id of %s record", e.ID, e.Class, e.First)
}

// Describe renders a record value with its Go type for error messages.
func Describe(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case *Record:
		if t == nil {
			return "null"
		}
		return fmt.Sprintf("embedded %s record %d", t.Class, t.ID)
	case string:
		return fmt.Sprintf("string(%q)", t)
	case []byte:
		return fmt.Sprintf("binary(%q)", t)
	default:
		return fmt.Sprintf("%T(%v)", v, v)
	}
}
