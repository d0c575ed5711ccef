// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package legacy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

// Policy selects how best-effort coercions react to bad data.
type Policy int

const (
	// Lenient logs the failed coercion and keeps the fallback value.
	Lenient Policy = iota

	// Strict aborts the run on the first failed coercion.
	Strict
)

func (p Policy) String() string {
	switch p {
	case Lenient:
		return "lenient"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps "lenient" or "strict" to a Policy. The empty string is
// Lenient.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lenient":
		return Lenient, nil
	case "strict":
		return Strict, nil
	default:
		return Lenient, fmt.Errorf("unknown upgrade policy %q", s)
	}
}

// CoercionError reports a best-effort conversion that failed under Strict.
type CoercionError struct {
	Version  int
	RecordID int64
	Class    string
	Field    string
	Err      error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("coerce %s.%s on record %d at version %d: %v",
		e.Class, e.Field, e.RecordID, e.Version, e.Err)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Env
// -----------------------------------------------------------------------------

// Env holds the installation facts a few historical steps consulted.
type Env struct {
	// Platform names the frontend. Step 54 only runs on "windows-xul".
	Platform string

	// ChannelGuideURL is the default guide location compared by step 64.
	ChannelGuideURL string

	// ChannelGuideAllowedURLs is a whitespace separated URL list.
	ChannelGuideAllowedURLs string

	// ChannelGuideFirstTimeURL is appended to the allowed list.
	ChannelGuideFirstTimeURL string

	// FilenamesAreBytes marks platforms whose filenames are byte strings.
	FilenamesAreBytes bool
}

// DefaultEnv returns the stock guide settings.
func DefaultEnv() Env {
	return Env{
		ChannelGuideURL:          "https://www.miroguide.com/",
		ChannelGuideAllowedURLs:  "https://www.miroguide.com/ https://miroguide.com/",
		ChannelGuideFirstTimeURL: "https://www.miroguide.com/firsttime",
	}
}

// -----------------------------------------------------------------------------
// ChangeSet
// -----------------------------------------------------------------------------

// ChangeSet is the set of record ids a step touched.
//
// Steps that never reported their changes return AllChanged. A union that
// includes AllChanged is AllChanged.
type ChangeSet struct {
	ids     map[int64]struct{}
	unknown bool
}

// AllChanged is the change set of a step that does not report changes.
var AllChanged = ChangeSet{unknown: true}

// Changed returns a change set holding ids.
func Changed(ids ...int64) ChangeSet {
	var c ChangeSet
	c.Add(ids...)
	return c
}

// Add records ids.
func (c *ChangeSet) Add(ids ...int64) {
	if c.unknown {
		return
	}
	if c.ids == nil {
		c.ids = make(map[int64]struct{}, len(ids))
	}
	for _, id := range ids {
		c.ids[id] = struct{}{}
	}
}

// Unknown reports whether the set stands for "everything may have changed".
func (c ChangeSet) Unknown() bool { return c.unknown }

// Has reports whether id is in the set. Unknown sets contain every id.
func (c ChangeSet) Has(id int64) bool {
	if c.unknown {
		return true
	}
	_, ok := c.ids[id]
	return ok
}

// Len returns the number of ids, or -1 for an unknown set.
func (c ChangeSet) Len() int {
	if c.unknown {
		return -1
	}
	return len(c.ids)
}

// IDs returns the ids in ascending order. It is nil for an unknown set.
func (c ChangeSet) IDs() []int64 {
	if c.unknown {
		return nil
	}
	out := make([]int64, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Union returns c ∪ o.
func (c ChangeSet) Union(o ChangeSet) ChangeSet {
	if c.unknown || o.unknown {
		return AllChanged
	}
	out := Changed(c.IDs()...)
	out.Add(o.IDs()...)
	return out
}

// -----------------------------------------------------------------------------
// Context
// -----------------------------------------------------------------------------

// Context is the mutable view of a snapshot that upgrade steps operate on.
//
// # Description
//
// Records keeps snapshot order. Remove only marks a record dead, so a step
// may keep ranging over a slice returned by Records while it removes
// records; the next call to Records drops the dead ones.
//
// # Thread Safety
//
// A Context is owned by one run and is not safe for concurrent use.
type Context struct {
	snap    *schema.Snapshot
	records []*schema.Record
	byID    map[int64]*schema.Record
	dead    map[*schema.Record]bool

	policy Policy
	env    Env
	logger *slog.Logger
	step   int
}

// NewContext wraps snap. The snapshot is mutated in place by Apply.
//
// Outputs:
//
//	*Context - The context.
//	error    - Non-nil when two records share an id.
func NewContext(snap *schema.Snapshot, opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Context{
		snap:    snap,
		records: append([]*schema.Record(nil), snap.Records...),
		byID:    make(map[int64]*schema.Record, len(snap.Records)),
		dead:    make(map[*schema.Record]bool),
		policy:  opts.Policy,
		env:     opts.Env,
		logger:  logger,
	}
	for _, rec := range c.records {
		if _, dup := c.byID[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate record id %d", rec.ID)
		}
		c.byID[rec.ID] = rec
	}
	return c, nil
}

// Records returns the live records in snapshot order. Callers must not
// append to the returned slice.
func (c *Context) Records() []*schema.Record {
	if len(c.dead) == 0 {
		return c.records
	}
	live := make([]*schema.Record, 0, len(c.records)-len(c.dead))
	for _, rec := range c.records {
		if !c.dead[rec] {
			live = append(live, rec)
		}
	}
	c.records = live
	c.dead = make(map[*schema.Record]bool)
	return c.records
}

// Add appends rec as a top-level record.
func (c *Context) Add(rec *schema.Record) error {
	if rec == nil {
		return fmt.Errorf("add nil record")
	}
	if _, dup := c.byID[rec.ID]; dup {
		return fmt.Errorf("add %s: duplicate record id %d", rec.Class, rec.ID)
	}
	c.records = append(c.Records(), rec)
	c.byID[rec.ID] = rec
	return nil
}

// Remove deletes the record with id and reports whether it existed.
func (c *Context) Remove(id int64) bool {
	rec, ok := c.byID[id]
	if !ok {
		return false
	}
	delete(c.byID, id)
	c.dead[rec] = true
	return true
}

// Lookup returns the live record with id, or nil.
func (c *Context) Lookup(id int64) *schema.Record {
	return c.byID[id]
}

// Class returns the live records whose class is one of tags.
func (c *Context) Class(tags ...string) []*schema.Record {
	var out []*schema.Record
	for _, rec := range c.Records() {
		for _, t := range tags {
			if rec.Class == t {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

// MaxID returns the largest live id, or 0 for an empty snapshot.
func (c *Context) MaxID() int64 {
	var max int64
	for id := range c.byID {
		if id > max {
			max = id
		}
	}
	return max
}

// SortByID reorders the records by ascending id.
func (c *Context) SortByID() {
	recs := c.Records()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

// Policy returns the coercion policy of the run.
func (c *Context) Policy() Policy { return c.policy }

// Env returns the installation facts of the run.
func (c *Context) Env() Env { return c.env }

// Logger returns the run logger, annotated with the current version.
func (c *Context) Logger() *slog.Logger {
	return c.logger.With("chain", "legacy", "version", c.step)
}

// Version returns the version of the step being applied, or the snapshot
// version between steps.
func (c *Context) Version() int {
	if c.step != 0 {
		return c.step
	}
	return c.snap.Version
}

// Snapshot returns the wrapped snapshot with dead records dropped.
func (c *Context) Snapshot() *schema.Snapshot {
	c.snap.Records = c.Records()
	return c.snap
}

// BestEffort runs a coercion that historically swallowed its failures.
//
// Description:
//
//	Under Lenient a failure is logged at debug level and nil is returned,
//	leaving whatever fallback the caller already stored. Under Strict the
//	failure is returned as a *CoercionError and aborts the run.
func (c *Context) BestEffort(rec *schema.Record, field string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if c.policy == Strict {
		return &CoercionError{Version: c.step, RecordID: rec.ID, Class: rec.Class, Field: field, Err: err}
	}
	c.Logger().Debug("best effort coercion failed",
		"record_id", rec.ID,
		"class", rec.Class,
		"field", field,
		"error", err)
	return nil
}
