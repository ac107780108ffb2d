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

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/capaj/electric/internal/consumer"
	"github.com/capaj/electric/internal/kv"
	"github.com/capaj/electric/internal/shapes"
	"github.com/capaj/electric/internal/shapestatus"
	"github.com/capaj/electric/internal/snapshotter"
	"github.com/capaj/electric/internal/storage"
)

func testShape() shapes.Definition {
	return shapes.Definition{
		Root:       shapes.Table{Schema: "public", Name: "items"},
		Projection: []shapes.Column{{Name: "id", TypeOID: 23}},
		PK:         []string{"id"},
	}
}

func newPair(t *testing.T) (shapes.Handle, *consumer.Consumer, *snapshotter.Snapshotter, *shapestatus.Store) {
	t.Helper()
	ctx := context.Background()
	status := shapestatus.New(kv.NewMemoryStore())
	handle := shapes.NewHandle()
	shape := testShape()
	if err := status.AddShape(ctx, shapes.NewShapeRecord(handle, shape)); err != nil {
		t.Fatalf("AddShape: %v", err)
	}
	store, err := storage.OpenBoltStorage(t.TempDir(), handle)
	if err != nil {
		t.Fatalf("OpenBoltStorage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := consumer.New(handle, shape, store, status, consumer.AcceptAll{})
	sink := c
	snap := snapshotter.New(handle, shape, store, &snapshotter.FakeTablePreparer{},
		&snapshotter.FakeSnapshotSource{Xmin: 1, Columns: shape.Projection}, sink)
	return handle, c, snap, status
}

func TestStartRunsConsumerAndSnapshotterTogether(t *testing.T) {
	s := New()
	ctx := context.Background()
	handle, c, snap, status := newPair(t)

	s.Start(ctx, handle, c, snap)
	defer s.Stop(ctx, handle)

	deadline := time.After(2 * time.Second)
	for {
		if status.SnapshotStarted(handle) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for snapshot to start")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !s.Has(handle) {
		t.Fatalf("expected supervisor to report the handle as running")
	}
	if got, ok := s.Consumer(handle); !ok || got != c {
		t.Fatalf("expected Consumer to return the registered consumer")
	}
}

func TestStartIsSingleFlightPerHandle(t *testing.T) {
	s := New()
	ctx := context.Background()
	handle, c, snap, _ := newPair(t)

	s.Start(ctx, handle, c, snap)
	defer s.Stop(ctx, handle)

	// A second Start for the same handle with a different consumer must
	// be ignored; the first pair keeps running.
	_, c2, snap2, _ := newPair(t)
	s.Start(ctx, handle, c2, snap2)

	got, ok := s.Consumer(handle)
	if !ok || got != c {
		t.Fatalf("expected the original consumer to remain registered, single-flight violated")
	}
}

func TestStopTearsDownAndDeregisters(t *testing.T) {
	s := New()
	ctx := context.Background()
	handle, c, snap, status := newPair(t)

	s.Start(ctx, handle, c, snap)

	if err := s.Stop(ctx, handle); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Has(handle) {
		t.Fatalf("expected handle to be deregistered after Stop")
	}
	if _, ok := status.GetRecord(handle); ok {
		t.Fatalf("expected shape status record to be removed after Stop")
	}

	// Stopping again is a no-op, not an error.
	if err := s.Stop(ctx, handle); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopUnknownHandleIsNoop(t *testing.T) {
	s := New()
	if err := s.Stop(context.Background(), shapes.NewHandle()); err != nil {
		t.Fatalf("Stop on unregistered handle: %v", err)
	}
}
