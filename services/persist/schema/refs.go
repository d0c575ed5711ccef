// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import "fmt"

// RefFields maps a class tag to the names of its reference-bearing fields.
type RefFields map[string][]string

// RefFieldsOf derives RefFields from the reference-typed fields of reg.
func RefFieldsOf(reg *Registry) RefFields {
	out := make(RefFields)
	for _, tag := range reg.order {
		for _, f := range reg.schemas[tag].fields {
			if f.Type.IsReference() {
				out[tag] = append(out[tag], f.Name)
			}
		}
	}
	return out
}

// CheckReferences verifies snapshot-wide referential integrity.
//
// Description:
//
//	For each record whose class appears in fields, every listed field that
//	holds an int64 id, or a list containing int64 ids, must resolve to a
//	record in snap. Other representations (embedded records, text) are not
//	references at this point of a snapshot's history and are skipped.
//
// Outputs:
//
//	error - *DanglingReferenceError for the first unresolved id.
func CheckReferences(snap *Snapshot, fields RefFields) error {
	if len(fields) == 0 {
		return nil
	}
	idx := snap.Index()
	for _, rec := range snap.Records {
		for _, name := range fields[rec.Class] {
			v, ok := rec.Fields.Get(name)
			if !ok {
				continue
			}
			switch t := v.(type) {
			case int64:
				if _, ok := idx[t]; !ok {
					return &DanglingReferenceError{RecordID: rec.ID, Class: rec.Class, Field: name, Target: t}
				}
			case []any:
				for i, e := range t {
					id, ok := e.(int64)
					if !ok {
						continue
					}
					if _, ok := idx[id]; !ok {
						return &DanglingReferenceError{
							RecordID: rec.ID,
							Class:    rec.Class,
							Field:    fmt.Sprintf("%s[%d]", name, i),
							Target:   id,
						}
					}
				}
			}
		}
	}
	return nil
}
