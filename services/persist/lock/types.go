// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock gives a process exclusive ownership of a store file.
//
// # Description
//
// The lock lives in a sidecar file next to the store, "<store>.lock". The
// sidecar is locked with flock(2) on Unix and LockFileEx on Windows and
// holds a JSON LockInfo describing the holder. While the lock is held, a
// fsnotify watcher reports changes to the store file made by anyone else.
//
// # Thread Safety
//
// A StoreLock is safe for concurrent use.
package lock

import (
	"errors"
	"fmt"
	"time"
)

// Suffix is appended to a store path to name its lock file.
const Suffix = ".lock"

var (
	// ErrFileLocked indicates the store is locked by another holder.
	ErrFileLocked = errors.New("store is locked")

	// ErrLockNotHeld indicates a release of a lock that is not held.
	ErrLockNotHeld = errors.New("lock not held")
)

// LockInfo describes the holder of a store lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	LockedAt  time.Time `json:"locked_at"`
	Reason    string    `json:"reason,omitempty"`
}

// FileLockError reports a store that could not be locked.
type FileLockError struct {
	Path string

	// Holder is the recorded holder, nil when it could not be read.
	Holder *LockInfo

	Err error
}

func (e *FileLockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %s: %v (held by pid %d since %s)",
			e.Path, e.Err, e.Holder.PID, e.Holder.LockedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("lock %s: %v", e.Path, e.Err)
}

func (e *FileLockError) Unwrap() error { return e.Err }

// ChangeType is the kind of an external change to a locked store.
type ChangeType int

const (
	ChangeWrite ChangeType = iota
	ChangeDelete
	ChangeRename
)

func (c ChangeType) String() string {
	switch c {
	case ChangeWrite:
		return "write"
	case ChangeDelete:
		return "delete"
	case ChangeRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ExternalChangeEvent reports a change to a locked store made by someone
// other than the holder.
type ExternalChangeEvent struct {
	Path      string
	EventType ChangeType
	At        time.Time
}
