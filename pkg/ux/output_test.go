// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"plain", ModePlain},
		{" PLAIN ", ModePlain},
		{"rich", ModeRich},
		{"", ModeRich},
		{"fancy", ModeRich},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDetectMode(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	t.Setenv("FEEDSTORE_OUTPUT", "")
	if got := DetectMode(f); got != ModePlain {
		t.Errorf("DetectMode(regular file) = %v, want plain", got)
	}
	t.Setenv("FEEDSTORE_OUTPUT", "rich")
	if got := DetectMode(f); got != ModeRich {
		t.Errorf("DetectMode with FEEDSTORE_OUTPUT=rich = %v, want rich", got)
	}
}

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Title("Store")
	p.Success("opened")
	p.Warning("recovered")
	p.Error("failed")
	p.Muted("hint")
	p.Fields("version", 93, "format", "sqlite", "dangling")
	p.Table([]string{"VERSION", "CHAIN"}, [][]string{{"81", "relational"}, {"82", "relational"}})

	want := strings.Join([]string{
		"OK: opened",
		"WARN: recovered",
		"ERROR: failed",
		"version\t93",
		"format\tsqlite",
		"81\trelational",
		"82\trelational",
		"",
	}, "\n")
	if got := buf.String(); got != want {
		t.Errorf("plain output:\n%q\nwant:\n%q", got, want)
	}
}

func TestPrinter_Rich(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)

	p.Title("Store")
	p.Success("opened")
	p.Fields("version", 93, "format", "sqlite")
	p.Table([]string{"VERSION", "CHAIN"}, [][]string{{"81", "relational"}})

	out := buf.String()
	for _, want := range []string{"Store", string(IconSuccess), "opened", "version", "93", "VERSION", "relational"} {
		if !strings.Contains(out, want) {
			t.Errorf("rich output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "OK:") {
		t.Error("rich output should not use plain prefixes")
	}
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconArrow} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("%q.Render() lost the glyph", icon)
		}
	}
}
