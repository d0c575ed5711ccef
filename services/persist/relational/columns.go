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
	"strings"
)

// RemoveColumns drops the named columns from table.
//
// Description:
//
//	SQLite cannot drop a column in place, so the table is renamed aside, a
//	new table with the remaining columns is created under the original
//	name, the rows are copied and the old table is dropped. Remaining
//	columns keep their order and types; the id column stays the primary
//	key. Names that are not columns of table are ignored.
//
// Outputs:
//
//	error - Non-nil when table does not exist or a statement fails.
func RemoveColumns(ctx context.Context, ex Executor, table string, names ...string) error {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	return rebuildTable(ctx, ex, table, func(c Column) (Column, bool) {
		return c, !drop[c.Name]
	})
}

// rebuildTable recreates table, passing every column through keep. A
// column is dropped when keep returns false.
func rebuildTable(ctx context.Context, ex Executor, table string, keep func(Column) (Column, bool)) error {
	shape, err := ex.TableShape(ctx, table)
	if err != nil {
		return err
	}
	if len(shape) == 0 {
		return fmt.Errorf("rebuild %s: no such table", table)
	}

	var names, defs []string
	for _, c := range shape {
		c, ok := keep(c)
		if !ok {
			continue
		}
		def := quoteIdent(c.Name) + " " + c.Type
		if c.Name == "id" {
			def += " PRIMARY KEY"
		}
		names = append(names, quoteIdent(c.Name))
		defs = append(defs, strings.TrimSpace(def))
	}
	if len(names) == 0 {
		return fmt.Errorf("rebuild %s: no columns left", table)
	}

	old := "old_" + table
	cols := strings.Join(names, ", ")
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(table), quoteIdent(old)),
		fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", ")),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", quoteIdent(table), cols, cols, quoteIdent(old)),
		fmt.Sprintf("DROP TABLE %s", quoteIdent(old)),
	}
	for _, s := range stmts {
		if err := ex.Exec(ctx, s); err != nil {
			return fmt.Errorf("rebuild %s: %w", table, err)
		}
	}
	return nil
}
