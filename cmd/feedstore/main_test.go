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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/feedstore/services/persist/version"
)

type cliEnv struct {
	dir    string
	config string
	store  string
}

func newCLIEnv(t *testing.T, withJournal bool) cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := cliEnv{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		store:  filepath.Join(dir, "library.db"),
	}
	journal := ""
	if withJournal {
		journal = filepath.Join(dir, "journal")
	}
	cfg := fmt.Sprintf(`store:
  path: %s
  backup: true
  lock_timeout: 0s
logging:
  level: error
  dir: %s
journal:
  path: %q
  gc_interval: 0s
telemetry:
  trace_exporter: none
  metric_exporter: none
`, env.store, filepath.Join(dir, "logs"), journal)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0644))
	return env
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", e.config, "--output", "plain"}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func decodeResult(t *testing.T, out string, data any) CommandResult {
	t.Helper()
	var raw struct {
		CommandResult
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.CommandResult
}

func TestVersionCmd(t *testing.T) {
	env := newCLIEnv(t, false)

	out, err := env.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("current\t%d", version.Current))
	assert.Contains(t, out, fmt.Sprintf("cutover\t%d", version.Cutover))

	out, err = env.run(t, "version", "--json")
	require.NoError(t, err)
	var data map[string]int
	res := decodeResult(t, out, &data)
	assert.True(t, res.Success)
	assert.Equal(t, "version", res.Command)
	assert.Equal(t, version.Current, data["current"])
}

func TestOpenCmd_CreatesStore(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "open")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("OK: %s is at version %d", env.store, version.Current))
	assert.FileExists(t, env.store)

	out, err = env.run(t, "open", "--json", "--metrics")
	require.NoError(t, err)
	var result OpenResult
	res := decodeResult(t, out, &result)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "sqlite", result.Format)
	assert.Equal(t, version.Current, result.Version)
	assert.Empty(t, result.Steps)
	assert.NotEmpty(t, result.RunID)
}

func TestOpenCmd_RecoversGarbage(t *testing.T) {
	env := newCLIEnv(t, false)
	require.NoError(t, os.WriteFile(env.store, []byte("not a store"), 0644))

	out, err := env.run(t, "open", "--json")
	require.NoError(t, err)
	var result OpenResult
	decodeResult(t, out, &result)
	assert.Equal(t, env.store+".corrupt", result.MovedTo)
	assert.NotEmpty(t, result.Recovered)
	assert.FileExists(t, env.store+".corrupt")
}

func TestOpenCmd_NoRecovery(t *testing.T) {
	env := newCLIEnv(t, false)
	require.NoError(t, os.WriteFile(env.store, []byte("not a store"), 0644))

	_, err := env.run(t, "open", "--no-recovery")
	require.Error(t, err)
	assert.NoFileExists(t, env.store+".corrupt")

	out, err := env.run(t, "open", "--no-recovery", "--json")
	require.NoError(t, err)
	res := decodeResult(t, out, nil)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestInspectCmd(t *testing.T) {
	env := newCLIEnv(t, false)

	out, err := env.run(t, "inspect", "--json")
	require.NoError(t, err)
	var missing []InspectResult
	decodeResult(t, out, &missing)
	require.Len(t, missing, 1)
	assert.Equal(t, statusMissing, missing[0].Status)
	assert.NoFileExists(t, env.store)

	_, err = env.run(t, "open")
	require.NoError(t, err)

	out, err = env.run(t, "inspect", "--json")
	require.NoError(t, err)
	var current []InspectResult
	decodeResult(t, out, &current)
	require.Len(t, current, 1)
	assert.Equal(t, "sqlite", current[0].Format)
	assert.Equal(t, version.Current, current[0].Version)
	assert.Equal(t, statusCurrent, current[0].Status)

	out, err = env.run(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "status\tcurrent")
}

func TestInspectAll_KeepsOrder(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("not a store"), 0644))
	paths := []string{
		filepath.Join(dir, "a.db"),
		garbage,
		filepath.Join(dir, "b.db"),
	}

	results, err := inspectAll(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, paths[i], r.Path)
	}
	assert.Equal(t, statusMissing, results[0].Status)
	assert.Equal(t, statusCorrupt, results[1].Status)
	assert.Equal(t, "unknown", results[1].Format)
}

func TestVersionStatus(t *testing.T) {
	tests := []struct {
		v    int
		want string
	}{
		{version.Current, statusCurrent},
		{version.Cutover, statusNeedsUpgrade},
		{version.Minimum, statusNeedsUpgrade},
		{version.Current + 1, statusTooNew},
		{0, statusUnsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, versionStatus(tt.v), "version %d", tt.v)
	}
}

func TestJournalCmd(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newCLIEnv(t, false)
		_, err := env.run(t, "journal")
		assert.ErrorIs(t, err, errNoJournal)
	})

	t.Run("lists a run", func(t *testing.T) {
		env := newCLIEnv(t, true)
		out, err := env.run(t, "open", "--json")
		require.NoError(t, err)
		var opened OpenResult
		decodeResult(t, out, &opened)

		out, err = env.run(t, "journal", opened.RunID)
		require.NoError(t, err)
		// A fresh store records no steps.
		assert.Empty(t, strings.TrimSpace(out))

		out, err = env.run(t, "journal", "--json")
		require.NoError(t, err)
		res := decodeResult(t, out, nil)
		assert.True(t, res.Success, res.Error)
	})
}
