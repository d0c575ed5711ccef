// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second

	// muteGrace covers the delay between a holder's own write and the
	// watcher event it causes.
	muteGrace = 500 * time.Millisecond
)

// Config configures Acquire.
type Config struct {
	// SessionID identifies the holder in LockInfo. A random id is used
	// when empty.
	SessionID string

	// Timeout bounds how long Acquire polls a held lock. Zero tries once.
	Timeout time.Duration

	// Reason is recorded in LockInfo.
	Reason string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// StoreLock is a held lock on a store file.
type StoreLock struct {
	path     string
	lockPath string
	file     *os.File
	info     LockInfo
	locker   FileLocker
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu         sync.Mutex
	released   bool
	mutedUntil time.Time
	muteDepth  int
	callbacks  []func(ExternalChangeEvent)
}

// Path returns the lock file path of a store.
func Path(storePath string) string {
	return storePath + Suffix
}

// Acquire takes the exclusive lock on storePath.
//
// # Description
//
// Opens or creates the sidecar lock file and locks it. While another holder
// has it, Acquire retries with exponential backoff from 100ms up to 2s
// between attempts until cfg.Timeout has passed. Lock info left by a holder
// that died without releasing is replaced.
//
// # Inputs
//
//   - ctx: Cancels the wait.
//   - storePath: Store file to lock. It need not exist yet.
//   - cfg: Holder identity and timeout.
//
// # Outputs
//
//   - *StoreLock: The held lock. Call Release when done.
//   - error: *FileLockError wrapping ErrFileLocked on timeout, the context
//     error on cancellation, other errors on I/O failure.
func Acquire(ctx context.Context, storePath string, cfg Config) (*StoreLock, error) {
	absPath, err := filepath.Abs(storePath)
	if err != nil {
		return nil, fmt.Errorf("resolving path %s: %w", storePath, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	l := &StoreLock{
		path:     absPath,
		lockPath: Path(absPath),
		locker:   newFileLocker(),
		logger:   logger,
	}

	deadline := time.Now().Add(cfg.Timeout)
	backoff := initialBackoff
	for {
		f, err := l.tryLock()
		if err == nil {
			l.file = f
			break
		}
		if !errors.Is(err, ErrFileLocked) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			holder, _ := ReadInfo(absPath)
			return nil, &FileLockError{Path: absPath, Holder: holder, Err: ErrFileLocked}
		}
		wait := min(backoff, remaining)
		logger.Debug("store is locked, waiting", "path", absPath, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, maxBackoff)
	}

	if prev, err := ReadInfo(absPath); err == nil && prev != nil && prev.PID != os.Getpid() {
		logger.Info("replacing stale lock info",
			"path", absPath,
			"old_pid", prev.PID,
			"old_alive", IsProcessAlive(prev.PID))
	}

	l.info = LockInfo{
		PID:       os.Getpid(),
		SessionID: cfg.SessionID,
		Path:      absPath,
		LockedAt:  time.Now().UTC(),
		Reason:    cfg.Reason,
	}
	if err := l.writeInfo(); err != nil {
		l.unlock()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}

	if err := l.startWatch(); err != nil {
		// The lock still protects the store without change reports.
		logger.Warn("store change watch unavailable", "path", absPath, "error", err)
	}

	logger.Debug("acquired store lock", "path", absPath, "session_id", cfg.SessionID)
	return l, nil
}

// tryLock makes one locking attempt. The lock file may be removed by a
// releasing holder between our open and our lock, in which case the lock
// is on an unlinked file and the attempt is repeated.
func (l *StoreLock) tryLock() (*os.File, error) {
	for {
		f, err := os.OpenFile(l.lockPath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening lock file %s: %w", l.lockPath, err)
		}
		if err := l.locker.Lock(f); err != nil {
			f.Close()
			if errors.Is(err, ErrFileLocked) {
				return nil, ErrFileLocked
			}
			return nil, fmt.Errorf("acquiring lock on %s: %w", l.lockPath, err)
		}
		held, err := f.Stat()
		if err != nil {
			l.locker.Unlock(f)
			f.Close()
			return nil, err
		}
		current, err := os.Stat(l.lockPath)
		if err == nil && os.SameFile(held, current) {
			return f, nil
		}
		l.locker.Unlock(f)
		f.Close()
	}
}

func (l *StoreLock) writeInfo() error {
	data, err := json.MarshalIndent(l.info, "", "  ")
	if err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return err
	}
	return l.file.Sync()
}

// ReadInfo returns the holder recorded for storePath.
//
// # Outputs
//
//   - *LockInfo: The recorded holder, nil if the lock file is missing or empty.
//   - error: Non-nil when the file cannot be read or parsed.
func ReadInfo(storePath string) (*LockInfo, error) {
	data, err := os.ReadFile(Path(storePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock info: %w", err)
	}
	return &info, nil
}

// Info returns the holder information of l.
func (l *StoreLock) Info() LockInfo { return l.info }

// StorePath returns the absolute path of the locked store.
func (l *StoreLock) StorePath() string { return l.path }

// Release removes the lock file and unlocks it.
//
// # Outputs
//
//   - error: ErrLockNotHeld on a second release, I/O errors otherwise.
func (l *StoreLock) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrLockNotHeld
	}
	l.released = true
	l.mu.Unlock()

	if l.watcher != nil {
		l.watcher.Close()
		<-l.done
	}

	// Removing first keeps a waiter from locking a file that is about to
	// be unlinked. Windows refuses to remove an open file, so retry after
	// closing there.
	removeErr := os.Remove(l.lockPath)
	l.unlock()
	if removeErr != nil && !os.IsNotExist(removeErr) {
		if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing lock file: %w", err)
		}
	}
	l.logger.Debug("released store lock", "path", l.path)
	return nil
}

func (l *StoreLock) unlock() {
	if err := l.locker.Unlock(l.file); err != nil {
		l.logger.Warn("failed to unlock store", "path", l.path, "error", err)
	}
	l.file.Close()
}

// OnExternalChange registers a callback for changes to the store made by
// anyone other than the holder.
func (l *StoreLock) OnExternalChange(cb func(ExternalChangeEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// Muted runs fn, a write of the store by the holder, without reporting
// the changes it causes.
func (l *StoreLock) Muted(fn func() error) error {
	l.mu.Lock()
	l.muteDepth++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.muteDepth--
		l.mutedUntil = time.Now().Add(muteGrace)
		l.mu.Unlock()
	}()
	return fn()
}

func (l *StoreLock) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	// The directory is watched because saves replace the store file.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *StoreLock) watchLoop() {
	defer close(l.done)
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleWatchEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("store watcher error", "error", err)
		}
	}
}

func (l *StoreLock) handleWatchEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != l.path {
		return
	}
	var changeType ChangeType
	switch {
	case event.Op&fsnotify.Write != 0:
		changeType = ChangeWrite
	case event.Op&fsnotify.Remove != 0:
		changeType = ChangeDelete
	case event.Op&fsnotify.Rename != 0:
		changeType = ChangeRename
	default:
		return
	}

	l.mu.Lock()
	muted := l.muteDepth > 0 || time.Now().Before(l.mutedUntil)
	callbacks := append([]func(ExternalChangeEvent){}, l.callbacks...)
	l.mu.Unlock()
	if muted {
		return
	}

	l.logger.Warn("external modification detected on locked store",
		"path", l.path,
		"event", changeType.String())
	ev := ExternalChangeEvent{Path: l.path, EventType: changeType, At: time.Now()}
	for _, cb := range callbacks {
		cb(ev)
	}
}
