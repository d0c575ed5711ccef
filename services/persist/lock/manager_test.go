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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.sqlite")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
	return path
}

func TestAcquireRelease(t *testing.T) {
	path := storeFile(t)

	l, err := Acquire(context.Background(), path, Config{SessionID: "sess-1", Reason: "open"})
	require.NoError(t, err)

	info, err := ReadInfo(path)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, "open", info.Reason)
	assert.Equal(t, l.StorePath(), info.Path)

	require.NoError(t, l.Release())
	assert.NoFileExists(t, Path(path))
	assert.ErrorIs(t, l.Release(), ErrLockNotHeld)

	info, err = ReadInfo(path)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestAcquire_HeldElsewhere(t *testing.T) {
	path := storeFile(t)
	first, err := Acquire(context.Background(), path, Config{SessionID: "first"})
	require.NoError(t, err)
	defer first.Release()

	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"single attempt", 0},
		{"with timeout", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			_, err := Acquire(context.Background(), path, Config{Timeout: tt.timeout})
			require.ErrorIs(t, err, ErrFileLocked)

			var lockErr *FileLockError
			require.True(t, errors.As(err, &lockErr))
			require.NotNil(t, lockErr.Holder)
			assert.Equal(t, "first", lockErr.Holder.SessionID)
			assert.GreaterOrEqual(t, time.Since(start), tt.timeout)
		})
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := storeFile(t)
	first, err := Acquire(context.Background(), path, Config{})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		first.Release()
	}()

	second, err := Acquire(context.Background(), path, Config{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquire_Cancelled(t *testing.T) {
	path := storeFile(t)
	first, err := Acquire(context.Background(), path, Config{})
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, Config{Timeout: time.Minute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_ReplacesStaleInfo(t *testing.T) {
	path := storeFile(t)
	stale, err := json.Marshal(LockInfo{PID: 1 << 30, SessionID: "crashed", LockedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(Path(path), stale, 0644))

	l, err := Acquire(context.Background(), path, Config{SessionID: "fresh"})
	require.NoError(t, err)
	defer l.Release()

	info, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", info.SessionID)
}

func TestReadInfo_Corrupt(t *testing.T) {
	path := storeFile(t)
	require.NoError(t, os.WriteFile(Path(path), []byte("{not json"), 0644))
	_, err := ReadInfo(path)
	assert.Error(t, err)
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-1))
}

func TestOnExternalChange(t *testing.T) {
	path := storeFile(t)
	l, err := Acquire(context.Background(), path, Config{})
	require.NoError(t, err)
	defer l.Release()

	events := make(chan ExternalChangeEvent, 16)
	l.OnExternalChange(func(ev ExternalChangeEvent) { events <- ev })

	// Writes made through Muted are the holder's own.
	require.NoError(t, l.Muted(func() error {
		return os.WriteFile(path, []byte("own"), 0644)
	}))
	time.Sleep(muteGrace + 100*time.Millisecond)
	assert.Empty(t, events)

	require.NoError(t, os.WriteFile(path, []byte("someone else"), 0644))
	select {
	case ev := <-events:
		assert.Equal(t, l.StorePath(), ev.Path)
		assert.Equal(t, ChangeWrite, ev.EventType)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event for an external write")
	}
}

func TestChangeType_String(t *testing.T) {
	assert.Equal(t, "write", ChangeWrite.String())
	assert.Equal(t, "delete", ChangeDelete.String())
	assert.Equal(t, "rename", ChangeRename.String())
	assert.Equal(t, "unknown", ChangeType(9).String())
}
