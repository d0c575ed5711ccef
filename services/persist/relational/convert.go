// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relational

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// Convert writes a snapshot at the last legacy version into an empty store
// and marks the store as being at the cutover.
//
// Description:
//
//	One table is created per class of catalog and every record is
//	inserted into the table of its class. Fields the catalog does not
//	declare are dropped and reported at debug level, one line per class
//	and field. The snapshot is not modified.
//
// Inputs:
//
//	ctx     - Context for the statements.
//	ex      - Executor over an empty store, normally inside a transaction.
//	snap    - Snapshot at version.Cutover-1.
//	catalog - Table layout, normally CutoverCatalog.
//	logger  - Destination for dropped-field reports. Nil uses slog.Default.
//
// Outputs:
//
//	error - Non-nil when the snapshot is at the wrong version, holds a class
//	        the catalog does not know, or a statement fails.
func Convert(ctx context.Context, ex Executor, snap *schema.Snapshot, catalog *schema.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if snap.Version != version.Cutover-1 {
		return fmt.Errorf("convert snapshot at version %d: want %d", snap.Version, version.Cutover-1)
	}

	dropped := make(map[string]map[string]int)
	for _, rec := range snap.Records {
		sc, err := catalog.Lookup(rec.Class)
		if err != nil {
			return fmt.Errorf("convert record %d: %w", rec.ID, err)
		}
		for _, name := range rec.Fields.Names() {
			if _, ok := sc.Field(name); ok {
				continue
			}
			if dropped[rec.Class] == nil {
				dropped[rec.Class] = make(map[string]int)
			}
			dropped[rec.Class][name]++
		}
	}

	if err := CreateVariables(ctx, ex); err != nil {
		return err
	}
	if err := CreateTables(ctx, ex, catalog); err != nil {
		return err
	}
	if err := WriteRecords(ctx, ex, catalog, snap.Records); err != nil {
		return err
	}
	if err := WriteVersion(ctx, ex, version.Cutover); err != nil {
		return err
	}

	classes := make([]string, 0, len(dropped))
	for class := range dropped {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		names := make([]string, 0, len(dropped[class]))
		for name := range dropped[class] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			logger.Debug("dropped undeclared field at cutover",
				"class", class,
				"field", name,
				"records", dropped[class][name])
		}
	}
	logger.Info("converted snapshot to relational store",
		"records", len(snap.Records),
		"version", version.Cutover)
	return nil
}
