// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package legacy upgrades record-list snapshots from version 1 up to the
// last version before the relational cutover.
//
// # Description
//
// Each version N in 2..79 has a Step that turns a snapshot at N-1 into one
// at N. Steps work on a Context that owns the record list: they read and
// rewrite record fields, add top-level records and remove records. Records
// are identified by their stable id; a removal cascades through purgeItems
// so no surviving reference dangles.
//
// Many steps embed a frozen copy of the logic they need (enclosure ranking,
// URL quoting, feedparser flattening). Those helpers describe the data as
// it was at that version and must not follow later behavior.
//
// # Thread Safety
//
// Steps and Run are not safe for concurrent use on the same snapshot.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// LastVersion is the newest version the legacy chain produces.
const LastVersion = version.Cutover - 1

// Step upgrades the snapshot held by ctx by one version.
type Step func(ctx *Context) (ChangeSet, error)

var (
	// ErrCrossesCutover indicates a target the legacy chain cannot reach.
	ErrCrossesCutover = errors.New("legacy chain cannot upgrade past the cutover")

	// ErrMissingStep indicates a version without a registered step.
	ErrMissingStep = errors.New("no upgrade step for version")
)

// Steps maps each version to the step that produces it.
var Steps = map[int]Step{
	2: upgrade2, 3: upgrade3, 4: upgrade4, 5: upgrade5, 6: upgrade6,
	7: upgrade7, 8: upgrade8, 9: upgrade9, 10: upgrade10, 11: noChanges,
	12: upgrade12, 13: upgrade13, 14: upgrade14, 15: upgrade15, 16: upgrade16,
	17: upgrade17, 18: upgrade18, 19: upgrade19, 20: upgrade20, 21: upgrade21,
	22: upgrade22, 23: upgrade23, 24: upgrade24, 25: upgrade25, 26: upgrade26,
	27: noChanges, 28: upgrade28, 29: upgrade29, 30: upgrade30, 31: upgrade31,
	32: upgrade32, 33: upgrade33, 34: upgrade34, 35: upgrade35, 36: upgrade36,
	37: upgrade37, 38: upgrade38, 39: upgrade39, 40: upgrade40, 41: upgrade41,
	42: upgrade42, 43: upgrade43, 44: upgrade44, 45: noChanges, 46: upgrade46,
	47: upgrade47, 48: upgrade48, 49: upgrade42, 50: upgrade50, 51: upgrade51,
	52: upgrade52, 53: upgrade53, 54: upgrade54, 55: upgrade55, 56: upgrade56,
	57: noChanges, 58: upgrade58, 59: upgrade59, 60: upgrade60, 61: upgrade61,
	62: upgrade62, 63: upgrade37, 64: upgrade64, 65: upgrade65, 66: upgrade66,
	67: upgrade67, 68: upgrade68, 69: noChanges, 70: upgrade70, 71: upgrade71,
	72: upgrade72, 73: noChanges, 74: noChanges, 75: upgrade75, 76: upgrade76,
	77: upgrade77, 78: upgrade78, 79: upgrade79,
}

// FeedImplClasses lists the feed implementation classes.
var FeedImplClasses = []string{
	"feed-impl", "rss-feed-impl", "rss-multi-feed-impl", "scraper-feed-impl",
	"search-feed-impl", "directory-watch-feed-impl", "directory-feed-impl",
	"search-downloads-feed-impl", "manual-feed-impl", "single-feed-impl",
}

// RefFields lists the id-bearing fields checked after every step.
//
// Fields are only checked while they hold ids; once step 79 turns a list
// into repr text it is no longer inspected. tab_ids is left out because tab
// orders historically mixed feeds, folders and guides of every era, and the
// pre-15 playlist "items" list is superseded by item_ids.
var RefFields = func() schema.RefFields {
	itemRefs := []string{"feed_id", "parent_id", "downloader_id", "icon_cache_id"}
	refs := schema.RefFields{
		"item":            itemRefs,
		"file-item":       itemRefs,
		"feed":            {"feed_impl_id", "icon_cache_id", "folder_id"},
		"channel-guide":   {"icon_cache_id"},
		"playlist":        {"folder_id", "item_ids"},
		"playlist-folder": {"item_ids"},
	}
	for _, c := range FeedImplClasses {
		refs[c] = []string{"ufeed_id"}
	}
	return refs
}()

// Options configures a legacy run.
type Options struct {
	Policy Policy
	Env    Env
	Logger *slog.Logger

	// AfterStep is called once a version has been applied and checked.
	// A non-nil error aborts the run.
	AfterStep func(version int, changes ChangeSet) error
}

// Apply runs the step for v, which must be the version after the
// snapshot's, and re-checks referential integrity.
//
// Outputs:
//
//	ChangeSet - The ids the step touched.
//	error     - *version.UpgradeStepError wrapping the step failure or a
//	            *schema.DanglingReferenceError left behind by the step.
func (c *Context) Apply(v int) (ChangeSet, error) {
	if v != c.snap.Version+1 {
		return ChangeSet{}, fmt.Errorf("apply version %d to a snapshot at %d", v, c.snap.Version)
	}
	step, ok := Steps[v]
	if !ok {
		return ChangeSet{}, &version.UpgradeStepError{Chain: version.ChainLegacy, Version: v, Err: ErrMissingStep}
	}

	c.step = v
	defer func() { c.step = 0 }()

	changes, err := step(c)
	if err != nil {
		return ChangeSet{}, &version.UpgradeStepError{Chain: version.ChainLegacy, Version: v, Err: err}
	}
	snap := c.Snapshot()
	snap.Version = v
	if err := schema.CheckReferences(snap, RefFields); err != nil {
		return ChangeSet{}, &version.UpgradeStepError{Chain: version.ChainLegacy, Version: v, Err: err}
	}
	return changes, nil
}

// Run upgrades snap in place to target.
//
// Description:
//
//	Versions (snap.Version, target] are applied in increasing order. The
//	context is checked between steps; a cancelled run stops before the next
//	step and leaves snap at the last completed version. Callers that need
//	all-or-nothing semantics run on a clone.
//
// Outputs:
//
//	ChangeSet - Union of every step's changes.
//	error     - *version.DatabaseTooNewError, ErrCrossesCutover, or the
//	            first step failure.
func Run(ctx context.Context, snap *schema.Snapshot, target int, opts Options) (ChangeSet, error) {
	if err := version.Check(snap.Version, target); err != nil {
		return ChangeSet{}, err
	}
	if target > LastVersion {
		return ChangeSet{}, fmt.Errorf("%w: target %d", ErrCrossesCutover, target)
	}
	c, err := NewContext(snap, opts)
	if err != nil {
		return ChangeSet{}, err
	}

	var total ChangeSet
	for v := snap.Version + 1; v <= target; v++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		changes, err := c.Apply(v)
		if err != nil {
			return total, err
		}
		c.logger.Debug("upgraded snapshot",
			"chain", version.ChainLegacy,
			"version", v,
			"changed", changes.Len())
		total = total.Union(changes)
		if opts.AfterStep != nil {
			if err := opts.AfterStep(v, changes); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func noChanges(*Context) (ChangeSet, error) {
	return ChangeSet{}, nil
}
