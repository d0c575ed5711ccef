// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for names that end up in
// SQL statements.
//
// Class tags and field names become table and column names, and inspect
// reads table names out of files it did not write. Validating them keeps
// identifier quoting trivial and rules out injection through a crafted
// store.
package validation

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentifier is returned for names that cannot be used as table
// or column names.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// identifierPattern allows ASCII letters, digits, underscores and hyphens,
// starting with a letter or underscore. Max length: 64 characters.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]{0,63}$`)

// ValidateIdentifier checks that name is usable as a class tag, field,
// table or column name.
//
// Example:
//
//	if err := validation.ValidateIdentifier(tag); err != nil {
//	    return fmt.Errorf("register %s: %w", tag, err)
//	}
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q (must be 1-64 letters, digits, underscores or hyphens)", ErrInvalidIdentifier, name)
	}
	return nil
}

// ValidateIdentifiers validates multiple names.
// Returns an error listing all invalid names if any fail validation.
func ValidateIdentifiers(names []string) error {
	var invalid []string
	for _, n := range names {
		if ValidateIdentifier(n) != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, invalid)
	}
	return nil
}

// QuoteIdentifier validates name and returns it as a double-quoted SQL
// identifier.
func QuoteIdentifier(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	return `"` + name + `"`, nil
}
