/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package shapes defines the declarative data model shared by the shape
// cache, its consumers and its snapshotters: shape definitions, the stable
// fingerprint used to deduplicate them, and the handle assigned to each
// live shape instance.
package shapes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Column is a single projected column of a shape: its name and its
// Postgres type OID, used by the snapshotter and consumer to keep
// wire formatting consistent between the initial snapshot and the log.
type Column struct {
	Name    string `json:"name"`
	TypeOID uint32 `json:"type_oid"`
}

// Table identifies a Postgres relation by schema-qualified name.
type Table struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

func (t Table) String() string {
	return t.Schema + "." + t.Name
}

// Definition is the declarative description of a subset of rows from a
// root table: an optional row predicate and an ordered column
// projection with its primary key. Two Definitions are equivalent iff
// they are structurally equal; equivalence is what Fingerprint captures.
type Definition struct {
	Root Table `json:"root_table"`

	// Where is an opaque row predicate, e.g. a SQL boolean expression.
	// Empty means "no predicate" (select all rows).
	Where string `json:"where,omitempty"`

	// Projection is the ordered list of selected columns.
	Projection []Column `json:"projection"`

	// PK is the ordered list of primary key column names, a subset of
	// Projection's names.
	PK []string `json:"pk"`
}

// Fingerprint is a stable content-addressed identifier for a Definition:
// equal definitions, however constructed, hash to the same Fingerprint.
// It is the key used by the shape cache to deduplicate shapes.
type Fingerprint string

// Fingerprint computes the content hash of d from its canonical JSON
// serialization. Field order in the struct, not map iteration, drives
// the encoding, so the result is deterministic across processes.
func (d Definition) Fingerprint() Fingerprint {
	canon, err := json.Marshal(d)
	if err != nil {
		// Definition contains only marshalable primitives; this would be
		// a programming error, not a runtime condition to recover from.
		panic(fmt.Sprintf("shapes: definition is not serializable: %v", err))
	}
	sum := sha256.Sum256(canon)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// References reports whether the definition's projection or primary key
// mentions the given column name. RelationChange.Affects does not use
// it: that predicate matches on the root table alone.
func (d Definition) References(column string) bool {
	for _, c := range d.Projection {
		if c.Name == column {
			return true
		}
	}
	for _, k := range d.PK {
		if k == column {
			return true
		}
	}
	return false
}
