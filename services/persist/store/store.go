// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store opens, upgrades, saves and restores feed library stores.
//
// A store is a single file. Current stores are SQLite databases; stores
// written before the relational cutover are gzip record lists and are
// upgraded into SQLite on open. Every open holds an exclusive sidecar lock
// until Close.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/feedstore/services/persist/codec"
	"github.com/AleutianAI/feedstore/services/persist/legacy"
	"github.com/AleutianAI/feedstore/services/persist/lock"
	"github.com/AleutianAI/feedstore/services/persist/relational"
	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/snapshot"
	"github.com/AleutianAI/feedstore/services/persist/upgrade"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

const (
	upgradeSuffix = ".upgrade"
	saveSuffix    = ".save"
	corruptSuffix = ".corrupt"
)

// Options configures Open.
type Options struct {
	Policy legacy.Policy
	Env    legacy.Env

	// Backup copies a store to BackupPath before upgrading it.
	Backup bool

	// DisableRecovery makes Open return corruption errors instead of
	// moving the store aside.
	DisableRecovery bool

	// LockTimeout bounds how long Open waits for another holder. Zero
	// tries once.
	LockTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Journal receives one entry per upgrade step. Optional.
	Journal upgrade.Journal

	// OnExternalChange is called when another process changes the store
	// file while it is open. Optional.
	OnExternalChange func(lock.ExternalChangeEvent)
}

// DefaultOptions returns lenient options with backups enabled.
func DefaultOptions() Options {
	return Options{
		Policy:      legacy.Lenient,
		Env:         legacy.DefaultEnv(),
		Backup:      true,
		LockTimeout: 5 * time.Second,
	}
}

// BackupPath returns where a store at version v is copied before upgrading.
func BackupPath(path string, v int) string {
	return fmt.Sprintf("%s.v%d.bak", path, v)
}

// Handle is an open store.
//
// # Description
//
// A Handle owns the store's connection and lock. Save replaces the whole
// file; Restore reads it back through a codec.
//
// # Thread Safety
//
// Safe for concurrent use. Operations are serialized.
type Handle struct {
	path   string
	opts   Options
	logger *slog.Logger
	driver *upgrade.Driver
	lock   *lock.StoreLock

	mu       sync.Mutex
	db       *sql.DB
	format   Format
	version  int
	run      *upgrade.Run
	recovery *Recovery
	closed   bool
}

// Open opens the store at path, creating, upgrading or recovering it.
//
// Description:
//
//	Open takes the store lock, detects the file format and brings the
//	store to version.Current. A missing file becomes a fresh store.
//	When the store cannot be read or upgraded and recovery is enabled,
//	the file is moved aside and a fresh store takes its place; the
//	returned handle reports this through Recovery.
//
// Inputs:
//
//	ctx  - Consulted between upgrade steps and while waiting for the lock.
//	path - The store file.
//	opts - See Options.
//
// Outputs:
//
//	*Handle - The open store. The caller must Close it.
//	error   - *version.DatabaseTooNewError for a store written by a newer
//	          release, *lock.FileLockError when the store is held, the
//	          cause of any failure when recovery is disabled or not
//	          applicable.
func Open(ctx context.Context, path string, opts Options) (*Handle, error) {
	start := time.Now()
	h, err := open(ctx, path, opts)
	format := FormatUnknown
	if h != nil {
		format = h.format
	}
	recordOpen(ctx, format, time.Since(start), err)
	return h, err
}

func open(ctx context.Context, path string, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", path)

	driver, err := upgrade.New(upgrade.Config{
		Policy:  opts.Policy,
		Env:     opts.Env,
		Logger:  logger,
		Journal: opts.Journal,
	})
	if err != nil {
		return nil, err
	}

	l, err := lock.Acquire(ctx, path, lock.Config{
		Timeout: opts.LockTimeout,
		Reason:  "open",
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{
		path:   path,
		opts:   opts,
		logger: logger,
		driver: driver,
		lock:   l,
	}

	err = l.Muted(func() error { return h.load(ctx) })
	if err != nil {
		if opts.DisableRecovery || !recoverable(err) {
			l.Release()
			return nil, err
		}
		if rerr := l.Muted(func() error { return h.recover(ctx, err) }); rerr != nil {
			l.Release()
			return nil, fmt.Errorf("recover from %v: %w", err, rerr)
		}
	}

	if opts.OnExternalChange != nil {
		l.OnExternalChange(opts.OnExternalChange)
	}
	logger.Info("store opened", "format", h.format.String(), "version", h.version)
	return h, nil
}

func (h *Handle) load(ctx context.Context) error {
	format, err := Detect(h.path)
	if err != nil {
		return err
	}
	h.format = format
	switch format {
	case FormatMissing:
		return h.createFresh(ctx)
	case FormatRelational:
		return h.loadRelational(ctx)
	case FormatRecordList:
		return h.loadRecordList(ctx)
	default:
		return fmt.Errorf("%w: %s is not a store", ErrCorruptStore, h.path)
	}
}

// createFresh writes an empty store at version.Current.
func (h *Handle) createFresh(ctx context.Context) error {
	db, err := relational.Open(h.path)
	if err != nil {
		return &StorageIOError{Op: "create", Path: h.path, Err: err}
	}
	ex := relational.NewDBExecutor(db)
	err = relational.CreateVariables(ctx, ex)
	if err == nil {
		err = relational.WriteVersion(ctx, ex, version.Current)
	}
	if err != nil {
		db.Close()
		os.Remove(h.path)
		return &StorageIOError{Op: "create", Path: h.path, Err: err}
	}

	run, err := h.driver.Run(ctx, upgrade.Input{
		Version:  version.Current,
		Executor: func(context.Context) (relational.Executor, error) { return ex, nil },
	})
	if err != nil {
		db.Close()
		return err
	}
	h.db, h.version, h.run = db, version.Current, run
	return run.MarkOpen()
}

func (h *Handle) loadRelational(ctx context.Context) error {
	db, err := relational.Open(h.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	saved, err := relational.ReadVersion(ctx, relational.NewDBExecutor(db))
	if err != nil {
		db.Close()
		if errors.Is(err, relational.ErrNoVersion) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	if version.IsLegacy(saved) {
		db.Close()
		return fmt.Errorf("%w: relational store records legacy version %d", ErrCorruptStore, saved)
	}
	if saved < h.driver.Target() && h.opts.Backup {
		if err := h.backup(saved); err != nil {
			db.Close()
			return err
		}
	}

	var tx *sql.Tx
	run, err := h.driver.Run(ctx, upgrade.Input{
		Version: saved,
		Executor: func(ctx context.Context) (relational.Executor, error) {
			if saved == h.driver.Target() {
				return relational.NewDBExecutor(db), nil
			}
			var err error
			if tx, err = db.BeginTx(ctx, nil); err != nil {
				return nil, err
			}
			return relational.NewTxExecutor(tx), nil
		},
	})
	if err != nil {
		if tx != nil {
			tx.Rollback()
		}
		db.Close()
		return err
	}
	if tx != nil {
		if err := tx.Commit(); err != nil {
			db.Close()
			return &StorageIOError{Op: "commit", Path: h.path, Err: err}
		}
	}
	h.db, h.version, h.run = db, run.Version(), run
	return run.MarkOpen()
}

// loadRecordList upgrades a legacy record list into a temporary SQLite
// store and moves it over path once the whole run has committed.
func (h *Handle) loadRecordList(ctx context.Context) error {
	snap, err := snapshot.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, snapshot.ErrMalformed) {
			return err
		}
		return &StorageIOError{Op: "read", Path: h.path, Err: err}
	}
	if !version.IsLegacy(snap.Version) {
		return fmt.Errorf("%w: record list claims relational version %d", ErrCorruptStore, snap.Version)
	}
	if err := version.Check(snap.Version, h.driver.Target()); err == nil && h.opts.Backup {
		if err := h.backup(snap.Version); err != nil {
			return err
		}
	}

	tmp := h.path + upgradeSuffix
	os.Remove(tmp)
	var (
		db *sql.DB
		tx *sql.Tx
	)
	discard := func() {
		if tx != nil {
			tx.Rollback()
		}
		if db != nil {
			db.Close()
		}
		os.Remove(tmp)
	}

	run, err := h.driver.Run(ctx, upgrade.Input{
		Version:  snap.Version,
		Snapshot: snap,
		Executor: func(ctx context.Context) (relational.Executor, error) {
			var err error
			if db, err = relational.Open(tmp); err != nil {
				return nil, &StorageIOError{Op: "create", Path: tmp, Err: err}
			}
			if tx, err = db.BeginTx(ctx, nil); err != nil {
				return nil, &StorageIOError{Op: "begin", Path: tmp, Err: err}
			}
			return relational.NewTxExecutor(tx), nil
		},
	})
	if err != nil {
		discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx = nil
		discard()
		return &StorageIOError{Op: "commit", Path: tmp, Err: err}
	}
	tx = nil
	if err := db.Close(); err != nil {
		db = nil
		discard()
		return &StorageIOError{Op: "close", Path: tmp, Err: err}
	}
	db = nil
	if err := snapshot.Replace(tmp, h.path); err != nil {
		discard()
		return &StorageIOError{Op: "replace", Path: h.path, Err: err}
	}

	if db, err = relational.Open(h.path); err != nil {
		return &StorageIOError{Op: "reopen", Path: h.path, Err: err}
	}
	h.db, h.version, h.run = db, run.Version(), run
	return run.MarkOpen()
}

// backup copies the store file to BackupPath before an upgrade touches it.
func (h *Handle) backup(saved int) error {
	dst := BackupPath(h.path, saved)
	src, err := os.Open(h.path)
	if err != nil {
		return &StorageIOError{Op: "backup", Path: h.path, Err: err}
	}
	defer src.Close()

	err = snapshot.WriteAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
	if err != nil {
		return &StorageIOError{Op: "backup", Path: dst, Err: err}
	}
	h.logger.Info("backed up store before upgrade", "backup", dst, "version", saved)
	return nil
}

// recover moves the unusable store aside and starts a fresh one.
func (h *Handle) recover(ctx context.Context, cause error) error {
	if h.db != nil {
		h.db.Close()
		h.db = nil
	}
	moved := h.path + corruptSuffix
	if _, err := os.Stat(moved); err == nil {
		moved += "." + time.Now().UTC().Format("20060102T150405.000000000Z")
	}
	if err := os.Rename(h.path, moved); err != nil {
		return &StorageIOError{Op: "rename", Path: h.path, Err: err}
	}
	os.Remove(h.path + upgradeSuffix)

	if err := h.createFresh(ctx); err != nil {
		return err
	}
	h.recovery = &Recovery{MovedTo: moved, Cause: cause}
	recoveriesTotal.Inc()
	h.logger.Warn("store was unusable, moved it aside and started fresh",
		"moved_to", moved,
		"error", cause,
	)
	return nil
}

// Path returns the store file.
func (h *Handle) Path() string { return h.path }

// Format returns the format the store had when it was opened.
func (h *Handle) Format() Format {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.format
}

// Version returns the store's schema version.
func (h *Handle) Version() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Run returns the upgrade run performed by Open.
func (h *Handle) Run() *upgrade.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run
}

// Recovery returns the recovery Open performed, or nil.
func (h *Handle) Recovery() *Recovery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recovery
}

// Executor returns a statement executor on the store's connection. Writes
// through it are not muted and show up as external changes.
func (h *Handle) Executor() (relational.Executor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	return relational.NewDBExecutor(h.db), nil
}

// Save replaces the store with objects.
//
// Description:
//
//	The graph is encoded with c and validated against its registry before
//	anything is written. A complete store is then built in a temporary
//	file, synced and renamed over the store. On error the prior file is
//	left as it was.
//
// Inputs:
//
//	ctx     - Cancels the write before the rename.
//	c       - Codec whose registry describes version.Current.
//	objects - The graph to store.
//
// Outputs:
//
//	error - Encoding and validation errors, or *StorageIOError.
func (h *Handle) Save(ctx context.Context, c *codec.Codec, objects []any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	reg := c.Registry()
	if reg.Version() != version.Current {
		return fmt.Errorf("save: codec registry is at version %d, store is at %d", reg.Version(), version.Current)
	}
	snap, err := c.Encode(objects)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if err := schema.ValidateSnapshot(snap, reg); err != nil {
		return fmt.Errorf("save: %w", err)
	}

	tmp := h.path + saveSuffix
	os.Remove(tmp)
	if err := writeStore(ctx, tmp, reg, snap); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmp)
		return err
	}

	err = h.lock.Muted(func() error {
		if err := h.db.Close(); err != nil {
			h.logger.Warn("closing store before replace", "error", err)
		}
		return snapshot.Replace(tmp, h.path)
	})
	db, oerr := relational.Open(h.path)
	if oerr != nil {
		h.db = nil
		h.closed = true
		h.lock.Release()
		return &StorageIOError{Op: "reopen", Path: h.path, Err: oerr}
	}
	h.db = db
	if err != nil {
		os.Remove(tmp)
		return &StorageIOError{Op: "replace", Path: h.path, Err: err}
	}
	h.version = version.Current
	recordSave(ctx, len(snap.Records))
	h.logger.Info("store saved", "records", len(snap.Records))
	return nil
}

// writeStore builds a complete store for snap at path.
func writeStore(ctx context.Context, path string, reg *schema.Registry, snap *schema.Snapshot) error {
	db, err := relational.Open(path)
	if err != nil {
		return &StorageIOError{Op: "create", Path: path, Err: err}
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageIOError{Op: "begin", Path: path, Err: err}
	}
	ex := relational.NewTxExecutor(tx)
	err = relational.CreateVariables(ctx, ex)
	if err == nil {
		err = relational.CreateTables(ctx, ex, reg)
	}
	if err == nil {
		err = relational.WriteRecords(ctx, ex, reg, snap.Records)
	}
	if err == nil {
		err = relational.WriteVersion(ctx, ex, reg.Version())
	}
	if err != nil {
		tx.Rollback()
		return &StorageIOError{Op: "write", Path: path, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageIOError{Op: "commit", Path: path, Err: err}
	}
	if err := db.Close(); err != nil {
		return &StorageIOError{Op: "close", Path: path, Err: err}
	}
	return syncFile(path)
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return &StorageIOError{Op: "sync", Path: path, Err: err}
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return &StorageIOError{Op: "sync", Path: path, Err: err}
	}
	return nil
}

// Restore reads the store back into objects.
//
// Tables of classes the store does not have read as empty, so a store
// without any of c's tables restores as an empty graph.
func (h *Handle) Restore(ctx context.Context, c *codec.Codec, opts codec.DecodeOptions) ([]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	snap, err := relational.ReadRecords(ctx, relational.NewDBExecutor(h.db), c.Registry())
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	objects, err := c.Decode(snap, opts)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	return objects, nil
}

// Close closes the connection and releases the lock.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true

	var errs []error
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			errs = append(errs, &StorageIOError{Op: "close", Path: h.path, Err: err})
		}
		h.db = nil
	}
	if err := h.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
