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

	"github.com/AleutianAI/feedstore/pkg/validation"
)

// Registry holds the schemas of one schema version.
type Registry struct {
	version  int
	schemas  map[string]*Schema
	order    []string
	children map[string][]string
}

// NewRegistry creates an empty registry for the given schema version.
func NewRegistry(version int) *Registry {
	return &Registry{
		version:  version,
		schemas:  make(map[string]*Schema),
		children: make(map[string][]string),
	}
}

// Version returns the schema version the registry describes.
func (r *Registry) Version() int { return r.version }

// Register adds s to the registry.
//
// Description:
//
//	Registration fails when the tag is already present, when the tag or a
//	field name is not a valid SQL identifier, or when the schema declares
//	the same field name twice. A subclass must be registered after
//	its parent so lineage is resolved at registration time.
//
// Outputs:
//
//	error - *DuplicateTagError, *UnknownClassError for a missing parent,
//	        or an error wrapping ErrDuplicateField or
//	        validation.ErrInvalidIdentifier.
func (r *Registry) Register(s *Schema) error {
	if _, exists := r.schemas[s.tag]; exists {
		return &DuplicateTagError{Tag: s.tag}
	}
	if err := validation.ValidateIdentifier(s.tag); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	if err := validation.ValidateIdentifiers(names); err != nil {
		return fmt.Errorf("register %s: %w", s.tag, err)
	}
	if name, dup := s.hasDuplicateFields(); dup {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateField, s.tag, name)
	}
	if s.parent != "" {
		if _, ok := r.schemas[s.parent]; !ok {
			return fmt.Errorf("register %s: parent: %w", s.tag, &UnknownClassError{Tag: s.parent})
		}
		r.children[s.parent] = append(r.children[s.parent], s.tag)
	}
	r.schemas[s.tag] = s
	r.order = append(r.order, s.tag)
	return nil
}

// MustRegister registers every schema and panics on the first error.
// It is meant for statically declared catalogs.
func (r *Registry) MustRegister(schemas ...*Schema) *Registry {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the schema registered under tag.
func (r *Registry) Lookup(tag string) (*Schema, error) {
	s, ok := r.schemas[tag]
	if !ok {
		return nil, &UnknownClassError{Tag: tag}
	}
	return s, nil
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	_, ok := r.schemas[tag]
	return ok
}

// Tags returns the registered tags in registration order.
func (r *Registry) Tags() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsA reports whether tag is base or a registered descendant of base.
func (r *Registry) IsA(tag, base string) bool {
	for tag != "" {
		if tag == base {
			return true
		}
		s, ok := r.schemas[tag]
		if !ok {
			return false
		}
		tag = s.parent
	}
	return false
}

// Lineage returns base followed by all of its registered descendants,
// depth first in registration order.
func (r *Registry) Lineage(base string) []string {
	if !r.Has(base) {
		return nil
	}
	out := []string{base}
	for _, child := range r.children[base] {
		out = append(out, r.Lineage(child)...)
	}
	return out
}
