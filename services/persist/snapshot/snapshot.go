// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot reads and writes record-list snapshot files.
//
// # Description
//
// A record-list file is the storage format used before the relational
// cutover. It is a gzip stream wrapping one JSON envelope:
//
//	{"format": "feedstore/records", "version": N, "records": [...]}
//
// Each record is {"class", "id", "fields": [[name, value], ...]} with field
// order preserved. The SHA-256 of the JSON payload is stored in the gzip
// header comment as "sha256:<hex>" and verified on read, so truncation and
// bit rot are reported as ErrMalformed instead of silently decoding.
//
// Output is deterministic: the gzip header carries no timestamp and mapping
// entries are sorted, so writing the same snapshot twice yields identical
// bytes.
//
// # Thread Safety
//
// Functions are stateless. Concurrent writers to the same path must be
// serialized by the caller.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// FormatName identifies record-list envelopes.
const FormatName = "feedstore/records"

const checksumPrefix = "sha256:"

var (
	// ErrMalformed indicates a file that is not a readable record list.
	ErrMalformed = errors.New("malformed snapshot")

	// ErrChecksumMismatch indicates a payload whose hash does not match the
	// header. It wraps ErrMalformed.
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrMalformed)
)

// Magic is the gzip signature every record-list file starts with.
var Magic = []byte{0x1f, 0x8b}

// Write encodes snap to w.
func Write(w io.Writer, snap *schema.Snapshot) error {
	payload, err := marshal(snap)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)

	zw := gzip.NewWriter(w)
	zw.Comment = checksumPrefix + hex.EncodeToString(sum[:])
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func marshal(snap *schema.Snapshot) ([]byte, error) {
	records := make([]any, len(snap.Records))
	for i, rec := range snap.Records {
		enc, err := encodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		records[i] = enc
	}
	envelope := map[string]any{
		"format":  FormatName,
		"version": snap.Version,
		"records": records,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return payload, nil
}

// Read decodes a snapshot from r.
//
// Outputs:
//
//	*schema.Snapshot - The decoded snapshot.
//	error            - Wraps ErrMalformed for anything that is not a
//	                   complete, checksummed record list.
func Read(r io.Reader) (*schema.Snapshot, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	want, ok := strings.CutPrefix(zr.Comment, checksumPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing checksum", ErrMalformed)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != want {
		return nil, ErrChecksumMismatch
	}
	return unmarshal(payload)
}

func unmarshal(payload []byte) (*schema.Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var envelope struct {
		Format  string `json:"format"`
		Version int    `json:"version"`
		Records []any  `json:"records"`
	}
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.Format != FormatName {
		return nil, fmt.Errorf("%w: unexpected format %q", ErrMalformed, envelope.Format)
	}

	snap := &schema.Snapshot{Version: envelope.Version, Records: make([]*schema.Record, 0, len(envelope.Records))}
	seen := make(map[int64]bool, len(envelope.Records))
	for _, raw := range envelope.Records {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if seen[rec.ID] {
			return nil, fmt.Errorf("%w: duplicate record id %d", ErrMalformed, rec.ID)
		}
		seen[rec.ID] = true
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

// ReadFile reads the snapshot stored at path.
func ReadFile(path string) (*schema.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// WriteFile atomically replaces path with snap.
func WriteFile(path string, snap *schema.Snapshot) error {
	return WriteAtomic(path, func(w io.Writer) error {
		return Write(w, snap)
	})
}

// -----------------------------------------------------------------------------
// Atomic file replacement
// -----------------------------------------------------------------------------

// WriteAtomic writes a file through a temporary sibling and renames it
// over path.
//
// Description:
//
//	The temporary file is synced and closed before the rename, and the
//	parent directory is synced afterwards. On any error the temporary file
//	is removed and path is left untouched.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	tmpPath := path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmpFile); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := Replace(tmpPath, path); err != nil {
		return err
	}
	cleanupTmp = false
	return nil
}

// Replace renames src over dst and syncs the parent directory.
func Replace(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	if err := SyncDir(filepath.Dir(dst)); err != nil {
		return err
	}
	return nil
}

// SyncDir flushes directory metadata so a completed rename survives a
// crash.
func SyncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
