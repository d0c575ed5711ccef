// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"io"
	"time"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess = 0
	CLIExitError   = 2
)

// CommandResult wraps --json output with metadata.
type CommandResult struct {
	APIVersion string    `json:"api_version"`
	Command    string    `json:"command"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// outputJSON writes data wrapped in a CommandResult.
//
// # Inputs
//
//   - w: Destination, normally the command's stdout.
//   - cmd: Command name for metadata.
//   - start: Start time for the duration.
//   - data: JSON-serializable payload.
//   - err: When non-nil the result is unsuccessful and carries the message.
func outputJSON(w io.Writer, cmd string, start time.Time, data any, err error) error {
	result := CommandResult{
		APIVersion: "1.0",
		Command:    cmd,
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
		Data:       data,
	}
	if err != nil {
		result.Error = err.Error()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
