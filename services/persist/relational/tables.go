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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/feedstore/services/persist/repr"
	"github.com/AleutianAI/feedstore/services/persist/schema"
)

// -----------------------------------------------------------------------------
// Store variables
// -----------------------------------------------------------------------------

const versionVariable = "schema_version"

// ErrNoVersion indicates a relational store without a recorded version.
var ErrNoVersion = errors.New("store has no schema version")

// CreateVariables creates the store_variables table when it is missing.
func CreateVariables(ctx context.Context, ex Executor) error {
	return ex.Exec(ctx, "CREATE TABLE IF NOT EXISTS store_variables "+
		"(name TEXT PRIMARY KEY NOT NULL, value TEXT)")
}

// ReadVersion returns the schema version recorded in the store.
//
// Outputs:
//
//	int   - The version.
//	error - ErrNoVersion when the table or the row is missing.
func ReadVersion(ctx context.Context, ex Executor) (int, error) {
	ok, err := HasTable(ctx, ex, "store_variables")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoVersion
	}
	rows, err := ex.Query(ctx, "SELECT value FROM store_variables WHERE name=?", versionVariable)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ErrNoVersion
	}
	text, _ := asString(rows[0][0])
	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", text, err)
	}
	return v, nil
}

// WriteVersion records v as the store's schema version.
func WriteVersion(ctx context.Context, ex Executor, v int) error {
	return ex.Exec(ctx, "INSERT OR REPLACE INTO store_variables (name, value) VALUES (?, ?)",
		versionVariable, strconv.Itoa(v))
}

// -----------------------------------------------------------------------------
// Table codec
// -----------------------------------------------------------------------------

// sqlType returns the declared column type for t.
//
// Byte strings live in text columns so that comparisons against text
// literals behave the same for both filename kinds.
func sqlType(t schema.FieldType) string {
	switch t.Kind {
	case schema.KindString, schema.KindBinary:
		return "text"
	case schema.KindInteger, schema.KindObject, schema.KindBoolean:
		return "integer"
	case schema.KindFloat:
		return "real"
	case schema.KindDateTime:
		return "timestamp"
	default:
		return "text"
	}
}

// CreateTables creates one table per class of reg.
func CreateTables(ctx context.Context, ex Executor, reg *schema.Registry) error {
	for _, tag := range reg.Tags() {
		sc, err := reg.Lookup(tag)
		if err != nil {
			return err
		}
		defs := []string{"id integer PRIMARY KEY"}
		for _, f := range sc.Fields() {
			defs = append(defs, quoteIdent(f.Name)+" "+sqlType(f.Type))
		}
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(TableName(tag, reg.Version())), strings.Join(defs, ", "))
		if err := ex.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table for %s: %w", tag, err)
		}
	}
	return nil
}

// WriteRecords inserts recs into the tables of reg. Fields the class does
// not declare are not written.
func WriteRecords(ctx context.Context, ex Executor, reg *schema.Registry, recs []*schema.Record) error {
	for _, rec := range recs {
		sc, err := reg.Lookup(rec.Class)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
		fields := sc.Fields()
		cols := make([]string, 0, len(fields)+1)
		marks := make([]string, 0, len(fields)+1)
		args := make([]any, 0, len(fields)+1)
		cols, marks, args = append(cols, "id"), append(marks, "?"), append(args, rec.ID)
		for _, f := range fields {
			v, err := encodeColumn(f.Type, rec.Get(f.Name))
			if err != nil {
				return fmt.Errorf("record %d field %s: %w", rec.ID, f.Name, err)
			}
			cols = append(cols, quoteIdent(f.Name))
			marks = append(marks, "?")
			args = append(args, v)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(TableName(rec.Class, reg.Version())), strings.Join(cols, ", "), strings.Join(marks, ", "))
		if err := ex.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert record %d: %w", rec.ID, err)
		}
	}
	return nil
}

// ReadRecords loads every table of reg into a snapshot.
//
// Description:
//
//	Classes are read in registration order and rows by ascending id.
//	Missing tables read as empty and missing columns as null. The snapshot
//	carries the registry's version.
func ReadRecords(ctx context.Context, ex Executor, reg *schema.Registry) (*schema.Snapshot, error) {
	snap := &schema.Snapshot{Version: reg.Version()}
	for _, tag := range reg.Tags() {
		sc, err := reg.Lookup(tag)
		if err != nil {
			return nil, err
		}
		table := TableName(tag, reg.Version())
		shape, err := ex.TableShape(ctx, table)
		if err != nil {
			return nil, err
		}
		if len(shape) == 0 {
			continue
		}
		present := make(map[string]bool, len(shape))
		for _, c := range shape {
			present[c.Name] = true
		}

		var fields []schema.Field
		cols := []string{"id"}
		for _, f := range sc.Fields() {
			if present[f.Name] {
				fields = append(fields, f)
				cols = append(cols, quoteIdent(f.Name))
			}
		}
		rows, err := ex.Query(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY id",
			strings.Join(cols, ", "), quoteIdent(table)))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			id, ok := asInt64(row[0])
			if !ok {
				return nil, fmt.Errorf("table %s: id is %T", table, row[0])
			}
			rec := schema.NewRecord(tag, id)
			for i, f := range fields {
				v, err := decodeColumn(f.Type, row[i+1])
				if err != nil {
					return nil, fmt.Errorf("table %s row %d column %s: %w", table, id, f.Name, err)
				}
				rec.Set(f.Name, v)
			}
			snap.Records = append(snap.Records, rec)
		}
	}
	return snap, nil
}

func encodeColumn(t schema.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Kind {
	case schema.KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case schema.KindBinary:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	case schema.KindInteger, schema.KindObject:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case schema.KindFloat:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case schema.KindBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case schema.KindDateTime:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format(time.RFC3339Nano), nil
		}
	case schema.KindList, schema.KindMapping, schema.KindContainer:
		return repr.Format(v)
	}
	return nil, fmt.Errorf("cannot store %s as %s", schema.Describe(v), t)
}

func decodeColumn(t schema.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Kind {
	case schema.KindString:
		if s, ok := asString(v); ok {
			return s, nil
		}
	case schema.KindBinary:
		if s, ok := asString(v); ok {
			return []byte(s), nil
		}
	case schema.KindInteger, schema.KindObject:
		if n, ok := asInt64(v); ok {
			return n, nil
		}
	case schema.KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case schema.KindBoolean:
		if n, ok := asInt64(v); ok {
			return n != 0, nil
		}
	case schema.KindDateTime:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string, []byte:
			text, _ := asString(ts)
			parsed, err := time.Parse(time.RFC3339Nano, text)
			if err != nil {
				return nil, err
			}
			return parsed.UTC(), nil
		}
	case schema.KindList, schema.KindMapping, schema.KindContainer:
		if s, ok := asString(v); ok {
			return repr.Parse(s)
		}
	}
	return nil, fmt.Errorf("cannot read %T as %s", v, t)
}
