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
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver the store is opened with.
const DriverName = "sqlite"

// Row is one result row, in select-list order.
type Row []any

// Column is one entry of a table's shape.
type Column struct {
	Name string
	Type string
}

// Executor is the statement surface upgrade steps run against.
//
// # Description
//
// All statements of one run go through one Executor, which is normally
// bound to a single transaction. Query returns every row at once, the way
// the historical steps read results before issuing updates.
//
// # Thread Safety
//
// Implementations are not safe for concurrent use.
type Executor interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) error

	// Query runs a statement and returns all of its rows.
	Query(ctx context.Context, query string, args ...any) ([]Row, error)

	// TableShape returns the ordered columns of table. A missing table has
	// no columns.
	TableShape(ctx context.Context, table string) ([]Column, error)
}

// queryer is the part of *sql.DB and *sql.Tx the executor needs.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxExecutor runs statements inside one transaction.
type TxExecutor struct {
	q queryer
}

// NewTxExecutor wraps tx.
func NewTxExecutor(tx *sql.Tx) *TxExecutor {
	return &TxExecutor{q: tx}
}

// NewDBExecutor runs every statement directly on db. It is used for
// read-only inspection, where no transaction is needed.
func NewDBExecutor(db *sql.DB) *TxExecutor {
	return &TxExecutor{q: db}
}

// Exec implements Executor.
func (e *TxExecutor) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec %q: %w", abbreviate(query), err)
	}
	return nil
}

// Query implements Executor.
func (e *TxExecutor) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", abbreviate(query), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query %q: columns: %w", abbreviate(query), err)
	}
	var out []Row
	for rows.Next() {
		row := make(Row, len(cols))
		ptrs := make([]any, len(cols))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query %q: scan: %w", abbreviate(query), err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %q: %w", abbreviate(query), err)
	}
	return out, nil
}

// TableShape implements Executor using PRAGMA table_info.
func (e *TxExecutor) TableShape(ctx context.Context, table string) ([]Column, error) {
	rows, err := e.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		// cid, name, type, notnull, dflt_value, pk
		name, _ := asString(r[1])
		typ, _ := asString(r[2])
		cols = append(cols, Column{Name: name, Type: typ})
	}
	return cols, nil
}

// Open opens the store at path with a single connection.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// HasTable reports whether table exists.
func HasTable(ctx context.Context, ex Executor, table string) (bool, error) {
	cols, err := ex.TableShape(ctx, table)
	if err != nil {
		return false, err
	}
	return len(cols) > 0, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func abbreviate(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > 80 {
		return query[:77] + "..."
	}
	return query
}

// asString reads a text column that the driver may return as bytes.
func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

// asInt64 reads an integer column.
func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
