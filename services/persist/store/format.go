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
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/AleutianAI/feedstore/services/persist/snapshot"
)

// Format is the on-disk layout of a store file.
type Format int

const (
	FormatMissing Format = iota
	FormatRelational
	FormatRecordList
	FormatUnknown
)

func (f Format) String() string {
	switch f {
	case FormatMissing:
		return "missing"
	case FormatRelational:
		return "sqlite"
	case FormatRecordList:
		return "record-list"
	default:
		return "unknown"
	}
}

var sqliteMagic = []byte("SQLite format 3\x00")

// Detect reads the leading bytes of path to tell its format.
//
// Outputs:
//
//	Format - FormatMissing when the file does not exist, FormatUnknown for
//	         an empty file or unrecognized bytes.
//	error  - *StorageIOError when the file exists but cannot be read.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FormatMissing, nil
		}
		return FormatUnknown, &StorageIOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	head := make([]byte, len(sqliteMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, &StorageIOError{Op: "read", Path: path, Err: err}
	}
	head = head[:n]
	switch {
	case bytes.Equal(head, sqliteMagic):
		return FormatRelational, nil
	case bytes.HasPrefix(head, snapshot.Magic):
		return FormatRecordList, nil
	default:
		return FormatUnknown, nil
	}
}
