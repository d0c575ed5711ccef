// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/feedstore/services/persist/lock"
	"github.com/AleutianAI/feedstore/services/persist/relational"
	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/snapshot"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// ErrCorruptStore indicates a store file that cannot be parsed.
var ErrCorruptStore = errors.New("corrupt store")

// ErrClosed is returned by operations on a closed handle.
var ErrClosed = errors.New("store is closed")

// StorageIOError reports a byte-level read or write failure.
type StorageIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageIOError) Unwrap() error { return e.Err }

// Recovery describes a corrupt store that was moved aside.
type Recovery struct {
	// MovedTo is where the corrupt file now lives.
	MovedTo string

	// Cause is the error that made the store unusable.
	Cause error
}

// recoverable reports whether err means the stored data is unusable, as
// opposed to a store that must not be touched or an environment failure.
func recoverable(err error) bool {
	var (
		tooNew   *version.DatabaseTooNewError
		lockErr  *lock.FileLockError
		stepErr  *version.UpgradeStepError
		valErr   *schema.ValidationError
		dangling *schema.DanglingReferenceError
	)
	switch {
	case errors.As(err, &tooNew), errors.As(err, &lockErr), errors.Is(err, lock.ErrFileLocked):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCorruptStore), errors.Is(err, snapshot.ErrMalformed),
		errors.Is(err, relational.ErrNoVersion), errors.Is(err, version.ErrUnsupportedVersion):
		return true
	case errors.As(err, &stepErr), errors.As(err, &valErr), errors.As(err, &dangling):
		return true
	}
	return false
}
