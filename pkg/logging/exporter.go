// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"sync"
	"time"
)

// LogExporter receives log entries for an external system.
//
// # Description
//
// Export is called synchronously from the logging call with a one second
// deadline, so implementations that talk to the network should buffer and
// send in batches. Flush and Close are called by Logger.Close.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LogExporter interface {
	// Export hands over one entry. Errors are ignored by the logger.
	Export(ctx context.Context, entry LogEntry) error

	// Flush sends anything buffered before returning.
	Flush(ctx context.Context) error

	// Close releases the exporter's resources.
	Close() error
}

// LogEntry is a record as seen by a LogExporter.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string

	// Attrs holds the record's attributes. Group members are keyed
	// "group.key".
	Attrs map[string]any
}

// BufferedExporter keeps entries in memory.
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Quiet: true, Exporter: exporter})
//	logger.Warn("store recovered", "moved_to", path)
//	entries := exporter.Entries()
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	closed  bool
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 64)}
}

// Export appends entry. Entries exported after Close are dropped.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.entries = append(e.entries, entry)
	}
	return nil
}

// Flush is a no-op.
func (e *BufferedExporter) Flush(context.Context) error { return nil }

// Close stops collecting. Entries stay readable.
func (e *BufferedExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Entries returns a copy of the collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Messages returns the message of every collected entry at or above threshold.
func (e *BufferedExporter) Messages(threshold Level) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, entry := range e.entries {
		if entry.Level >= threshold {
			out = append(out, entry.Message)
		}
	}
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)
