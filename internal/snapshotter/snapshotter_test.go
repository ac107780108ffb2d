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

package snapshotter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/capaj/electric/internal/shapes"
	"github.com/capaj/electric/internal/storage"
)

func testShape() shapes.Definition {
	return shapes.Definition{
		Root: shapes.Table{Schema: "public", Name: "items"},
		Projection: []shapes.Column{
			{Name: "id", TypeOID: 23},
			{Name: "date", TypeOID: oidDate},
			{Name: "timestamptz", TypeOID: oidTimestamptz},
			{Name: "float", TypeOID: oidFloat8},
			{Name: "bytea", TypeOID: oidBytea},
			{Name: "interval", TypeOID: oidInterval},
		},
		PK: []string{"id"},
	}
}

func TestSnapshotterFormatsRowPerScenarioS2(t *testing.T) {
	ctx := context.Background()
	handle := shapes.NewHandle()
	shape := testShape()

	date := time.Date(2022, 5, 17, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2022, 1, 12, 0, 1, 0, 0, time.UTC)
	row := Row{Values: []any{
		1,
		date,
		ts,
		1.234567890123456,
		[]byte{0x05, 0x10, 0xfa},
		Interval{Days: 1, Micros: (12*3600 + 59*60 + 10) * 1_000_000},
	}}

	store, err := storage.OpenBoltStorage(t.TempDir(), handle)
	if err != nil {
		t.Fatalf("OpenBoltStorage: %v", err)
	}
	defer store.Close()

	preparer := &FakeTablePreparer{}
	source := &FakeSnapshotSource{Xmin: 500, Columns: shape.Projection, Rows: []Row{row}}
	sink := &FakeConsumerSink{}

	snap := New(handle, shape, store, preparer, source, sink)
	snap.Run(ctx)

	if preparer.CallCount != 1 {
		t.Fatalf("expected prepare_tables called once, got %d", preparer.CallCount)
	}
	if len(sink.XminKnown) != 1 || sink.XminKnown[0] != 500 {
		t.Fatalf("expected xmin 500 reported once, got %v", sink.XminKnown)
	}
	if sink.StartedCount != 1 {
		t.Fatalf("expected snapshot_started exactly once, got %d", sink.StartedCount)
	}
	if len(sink.FailedErrs) != 0 {
		t.Fatalf("expected no failures, got %v", sink.FailedErrs)
	}

	started, err := store.SnapshotStarted(ctx)
	if err != nil || !started {
		t.Fatalf("expected storage to report snapshot_started, got (%v, %v)", started, err)
	}

	_, r, err := store.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		t.Fatalf("expected at least one line in the snapshot stream")
	}
	var decoded map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding snapshot line: %v", err)
	}

	want := map[string]any{
		"date":        "2022-05-17",
		"timestamptz": "2022-01-12 00:01:00+00",
		"float":       "1.234567890123456",
		"bytea":       "\\x0510fa",
		"interval":    "P1DT12H59M10S",
	}
	for k, v := range want {
		if decoded[k] != v {
			t.Errorf("field %s = %v, want %v", k, decoded[k], v)
		}
	}
}

func TestSnapshotterSkipsWhenAlreadyStarted(t *testing.T) {
	ctx := context.Background()
	handle := shapes.NewHandle()
	shape := testShape()

	store, err := storage.OpenBoltStorage(t.TempDir(), handle)
	if err != nil {
		t.Fatalf("OpenBoltStorage: %v", err)
	}
	defer store.Close()
	if err := store.MakeNewSnapshot(ctx, strings.NewReader("")); err != nil {
		t.Fatalf("seeding existing snapshot: %v", err)
	}

	preparer := &FakeTablePreparer{}
	source := &FakeSnapshotSource{}
	sink := &FakeConsumerSink{}

	New(handle, shape, store, preparer, source, sink).Run(ctx)

	if preparer.CallCount != 0 {
		t.Fatalf("did not expect prepare_tables to run when a snapshot already exists")
	}
	if source.CallCount != 0 {
		t.Fatalf("did not expect a new snapshot transaction when one already exists")
	}
	if sink.ExistsCount != 1 {
		t.Fatalf("expected snapshot_exists exactly once, got %d", sink.ExistsCount)
	}
}

func TestSnapshotterReportsPrepareTablesFailure(t *testing.T) {
	ctx := context.Background()
	handle := shapes.NewHandle()
	shape := testShape()

	store, err := storage.OpenBoltStorage(t.TempDir(), handle)
	if err != nil {
		t.Fatalf("OpenBoltStorage: %v", err)
	}
	defer store.Close()

	cause := errors.New("expected error")
	preparer := &FakeTablePreparer{FailWith: cause}
	source := &FakeSnapshotSource{}
	sink := &FakeConsumerSink{}

	New(handle, shape, store, preparer, source, sink).Run(ctx)

	if len(sink.FailedErrs) != 1 {
		t.Fatalf("expected exactly one snapshot_failed, got %v", sink.FailedErrs)
	}
	if source.CallCount != 0 {
		t.Fatalf("did not expect Snapshot to be called after prepare_tables failed")
	}
}

func TestSnapshotterReportsSourceFailure(t *testing.T) {
	ctx := context.Background()
	handle := shapes.NewHandle()
	shape := testShape()

	store, err := storage.OpenBoltStorage(t.TempDir(), handle)
	if err != nil {
		t.Fatalf("OpenBoltStorage: %v", err)
	}
	defer store.Close()

	cause := errors.New("expected error")
	preparer := &FakeTablePreparer{}
	source := &FakeSnapshotSource{FailWith: cause}
	sink := &FakeConsumerSink{}

	New(handle, shape, store, preparer, source, sink).Run(ctx)

	if len(sink.FailedErrs) != 1 {
		t.Fatalf("expected exactly one snapshot_failed, got %v", sink.FailedErrs)
	}
	if sink.StartedCount != 0 {
		t.Fatalf("did not expect snapshot_started after the source failed")
	}
}

