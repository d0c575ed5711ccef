// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version holds the schema version constants shared by both upgrade
// chains and the error kinds an upgrade run can end with.
//
// Versions below Cutover are stored as record-list snapshot files and are
// upgraded by the legacy chain. Cutover itself has no upgrade step: it is the
// version at which a record list is converted into a relational store.
// Versions above Cutover are upgraded in place by the relational chain.
package version

import (
	"errors"
	"fmt"
)

const (
	// Current is the schema version this build reads and writes.
	Current = 93

	// Cutover is the version at which storage moved from record-list files
	// to the relational store.
	Cutover = 80

	// Minimum is the oldest saved version the legacy chain can start from.
	Minimum = 1
)

// Chain names used in errors, logs, and metric labels.
const (
	ChainLegacy     = "legacy"
	ChainRelational = "relational"
	ChainCutover    = "cutover"
)

var (
	// ErrUnsupportedVersion indicates a saved version older than Minimum.
	ErrUnsupportedVersion = errors.New("unsupported schema version")
)

// DatabaseTooNewError reports a snapshot written by a newer release.
//
// It is fatal for the open: the store is never modified or moved aside.
type DatabaseTooNewError struct {
	Saved     int
	Supported int
}

func (e *DatabaseTooNewError) Error() string {
	return fmt.Sprintf("database was created by a newer version (db version is %d, this build supports %d)",
		e.Saved, e.Supported)
}

// UpgradeStepError wraps a failure raised while applying one version's step.
//
// The whole run is aborted when a step fails and nothing it did is committed.
type UpgradeStepError struct {
	Chain   string
	Version int
	Err     error
}

func (e *UpgradeStepError) Error() string {
	return fmt.Sprintf("%s upgrade to version %d: %v", e.Chain, e.Version, e.Err)
}

func (e *UpgradeStepError) Unwrap() error {
	return e.Err
}

// Check validates that a snapshot saved at saved can be brought to target.
//
// Outputs:
//
//	error - *DatabaseTooNewError when saved > target, ErrUnsupportedVersion
//	        when saved < Minimum, nil otherwise.
func Check(saved, target int) error {
	if saved > target {
		return &DatabaseTooNewError{Saved: saved, Supported: target}
	}
	if saved < Minimum {
		return fmt.Errorf("%w: %d (minimum %d)", ErrUnsupportedVersion, saved, Minimum)
	}
	return nil
}

// IsLegacy reports whether v is stored as a record-list snapshot.
func IsLegacy(v int) bool {
	return v < Cutover
}
