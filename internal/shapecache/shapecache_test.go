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

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/capaj/electric/internal/consumer"
	"github.com/capaj/electric/internal/kv"
	"github.com/capaj/electric/internal/logcollector"
	"github.com/capaj/electric/internal/shapes"
	"github.com/capaj/electric/internal/shapestatus"
	"github.com/capaj/electric/internal/snapshotter"
	"github.com/capaj/electric/internal/storage"
	"github.com/capaj/electric/internal/supervisor"
)

type fakeRecorder struct {
	mu                   sync.Mutex
	created              int
	cleaned              int
	failed               int
	relationCleanups     int
	transactionsByHandle map[shapes.Handle]int
	observedCount        int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{transactionsByHandle: make(map[shapes.Handle]int)}
}
func (f *fakeRecorder) ShapeCreated() { f.mu.Lock(); f.created++; f.mu.Unlock() }
func (f *fakeRecorder) ShapeCleaned() { f.mu.Lock(); f.cleaned++; f.mu.Unlock() }
func (f *fakeRecorder) SnapshotFailed() { f.mu.Lock(); f.failed++; f.mu.Unlock() }
func (f *fakeRecorder) RelationChangeCleanup() { f.mu.Lock(); f.relationCleanups++; f.mu.Unlock() }
func (f *fakeRecorder) TransactionApplied(h shapes.Handle) {
	f.mu.Lock()
	f.transactionsByHandle[h]++
	f.mu.Unlock()
}
func (f *fakeRecorder) Observe(records []shapes.ShapeRecord) {
	f.mu.Lock()
	f.observedCount = len(records)
	f.mu.Unlock()
}

type harness struct {
	coord    *Coordinator
	status   *shapestatus.Store
	sup      *supervisor.Supervisor
	kvStore  kv.Store
	dir      string
	preparer *snapshotter.FakeTablePreparer
	source   *snapshotter.FakeSnapshotSource
	recorder *fakeRecorder
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, xmin uint64) *harness {
	t.Helper()
	dir := t.TempDir()
	kvStore := kv.NewMemoryStore()
	status := shapestatus.New(kvStore)
	sup := supervisor.New()
	preparer := &snapshotter.FakeTablePreparer{}
	source := &snapshotter.FakeSnapshotSource{Xmin: xmin}
	recorder := newFakeRecorder()

	factory := func(handle shapes.Handle) (storage.Storage, error) {
		return storage.OpenBoltStorage(dir, handle)
	}
	coord := New(status, sup, factory, preparer, source, consumer.AcceptAll{}, nil, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(cancel)

	return &harness{coord: coord, status: status, sup: sup, kvStore: kvStore, dir: dir,
		preparer: preparer, source: source, recorder: recorder, cancel: cancel}
}

func shapeFor(schema, table string, where string) shapes.Definition {
	return shapes.Definition{
		Root:       shapes.Table{Schema: schema, Name: table},
		Where:      where,
		Projection: []shapes.Column{{Name: "id", TypeOID: 23}},
		PK:         []string{"id"},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Property 1 & 2, scenario S1: concurrent callers on the same
// fingerprint converge on one handle, and the Snapshotter/prepare_tables
// each run at most once.
func TestGetOrCreateConcurrentCallersConverge(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()
	shape := shapeFor("public", "items", "")

	const n = 10
	handles := make([]shapes.Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			handle, _, err := h.coord.GetOrCreateShapeHandle(ctx, shape)
			if err != nil {
				t.Errorf("GetOrCreateShapeHandle: %v", err)
			}
			handles[i] = handle
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("expected all callers to receive the same handle, got %v", handles)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return h.preparer.CallCount == 1 })
	if h.source.CallCount != 1 {
		t.Fatalf("expected the snapshot source to be invoked exactly once, got %d", h.source.CallCount)
	}
}

// Scenario S4: awaiting an unregistered handle returns Unknown.
func TestAwaitSnapshotStartUnknownHandleReturnsUnknown(t *testing.T) {
	h := newHarness(t, 1)
	result, err := h.coord.AwaitSnapshotStart(context.Background(), shapes.Handle("orphan"))
	if err != nil {
		t.Fatalf("AwaitSnapshotStart: %v", err)
	}
	if result.Status != consumer.AwaitUnknown {
		t.Fatalf("expected AwaitUnknown, got %v", result.Status)
	}
}

// Scenario S3: applying a transaction advances latest_offset, observed
// through a subsequent GetOrCreateShapeHandle call.
func TestTransactionAdvancesLatestOffset(t *testing.T) {
	h := newHarness(t, 7)
	ctx := context.Background()
	shape := shapeFor("public", "items", "")

	handle, _, err := h.coord.GetOrCreateShapeHandle(ctx, shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return h.status.SnapshotStarted(handle) })

	tx := logcollector.Transaction{
		LastLogOffset: shapes.LogOffset{LSN: 1000, OpIndex: 0},
		Changes: []logcollector.Change{{
			Relation: shapes.Table{Schema: "public", Name: "items"},
			Kind:     "insert",
			Offset:   shapes.LogOffset{LSN: 1000, OpIndex: 0},
		}},
		AffectedRelations: map[shapes.Table]struct{}{
			{Schema: "public", Name: "items"}: {},
		},
	}
	h.coord.OnTransaction(tx)

	waitFor(t, 2*time.Second, func() bool {
		_, offset, _ := h.coord.GetOrCreateShapeHandle(ctx, shape)
		return offset == tx.LastLogOffset
	})

	gotHandle, offset, err := h.coord.GetOrCreateShapeHandle(ctx, shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle: %v", err)
	}
	if gotHandle != handle {
		t.Fatalf("expected the same handle back, got %s want %s", gotHandle, handle)
	}
	if offset != tx.LastLogOffset {
		t.Fatalf("expected latest_offset %v, got %v", tx.LastLogOffset, offset)
	}
}

// Scenario S6: a relation rename tears down shapes rooted at the old
// table and spares shapes rooted at an unrelated table.
func TestRelationRenameCleansAffectedSparesOthers(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	s1 := shapeFor("public", "test_table", "")
	s2 := shapeFor("public", "test_table", "id>5")
	s3 := shapeFor("public", "other_table", "")

	h1, _, err := h.coord.GetOrCreateShapeHandle(ctx, s1)
	if err != nil {
		t.Fatalf("create s1: %v", err)
	}
	h2, _, err := h.coord.GetOrCreateShapeHandle(ctx, s2)
	if err != nil {
		t.Fatalf("create s2: %v", err)
	}
	h3, _, err := h.coord.GetOrCreateShapeHandle(ctx, s3)
	if err != nil {
		t.Fatalf("create s3: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return h.status.SnapshotStarted(h1) && h.status.SnapshotStarted(h2) && h.status.SnapshotStarted(h3)
	})

	h.coord.OnRelation(logcollector.RelationMessage{Relation: shapes.Relation{
		ID: 42, Schema: "public", Table: "test_table",
		Columns: []shapes.Column{{Name: "id", TypeOID: 23}},
	}})
	h.coord.OnRelation(logcollector.RelationMessage{Relation: shapes.Relation{
		ID: 42, Schema: "public", Table: "renamed_test_table",
		Columns: []shapes.Column{{Name: "id", TypeOID: 23}},
	}})

	waitFor(t, 2*time.Second, func() bool { return !h.coord.HasShape(h1) && !h.coord.HasShape(h2) })
	if !h.coord.HasShape(h3) {
		t.Fatalf("expected s3 (unrelated table) to remain untouched")
	}
}

// Property 6 / error taxonomy: clean_shape(h) is idempotent.
func TestCleanShapeIsIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	shape := shapeFor("public", "items", "")

	handle, _, err := h.coord.GetOrCreateShapeHandle(ctx, shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle: %v", err)
	}

	if err := h.coord.CleanShape(ctx, handle); err != nil {
		t.Fatalf("first CleanShape: %v", err)
	}
	if err := h.coord.CleanShape(ctx, handle); err != nil {
		t.Fatalf("second CleanShape: %v", err)
	}
	if h.coord.HasShape(handle) {
		t.Fatalf("expected handle to be gone after cleaning")
	}
}

// Scenario S5: a Snapshotter failure is reported to listeners and the
// shape is marked failed rather than started.
func TestSnapshotFailurePropagatesToListeners(t *testing.T) {
	h := newHarness(t, 1)
	h.source.FailWith = errors.New("expected error")
	ctx := context.Background()
	shape := shapeFor("public", "items", "")

	handle, _, err := h.coord.GetOrCreateShapeHandle(ctx, shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle: %v", err)
	}

	result, err := h.coord.AwaitSnapshotStart(ctx, handle)
	if err != nil {
		t.Fatalf("AwaitSnapshotStart: %v", err)
	}
	if result.Status != consumer.AwaitFailed || result.Err == nil {
		t.Fatalf("expected AwaitFailed with a cause, got %+v", result)
	}
}

// Scenario S5 (continued): once a shape's snapshot has failed, its
// fingerprint is no longer reachable, so a later get_or_create for an
// equivalent shape mints a brand new handle rather than handing back
// the dead one.
func TestGetOrCreateMintsNewHandleAfterSnapshotFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.source.FailWith = errors.New("expected error")
	ctx := context.Background()
	shape := shapeFor("public", "items", "")

	handle, _, err := h.coord.GetOrCreateShapeHandle(ctx, shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle: %v", err)
	}

	result, err := h.coord.AwaitSnapshotStart(ctx, handle)
	if err != nil {
		t.Fatalf("AwaitSnapshotStart: %v", err)
	}
	if result.Status != consumer.AwaitFailed {
		t.Fatalf("expected AwaitFailed, got %+v", result)
	}

	waitFor(t, 2*time.Second, func() bool { return !h.sup.Has(handle) })

	h.source.FailWith = nil
	newHandle, offset, err := h.coord.GetOrCreateShapeHandle(ctx, shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle after failure: %v", err)
	}
	if newHandle == handle {
		t.Fatalf("expected a fresh handle for an equivalent shape after the prior one failed, got the same handle back")
	}
	if offset != shapes.ZeroOffset {
		t.Fatalf("expected the new handle to start at the zero offset, got %v", offset)
	}

	waitFor(t, 2*time.Second, func() bool { return h.status.SnapshotStarted(newHandle) })

	// The failed handle's terminal state is still directly addressable.
	result, err = h.coord.AwaitSnapshotStart(ctx, handle)
	if err != nil {
		t.Fatalf("AwaitSnapshotStart on the old handle: %v", err)
	}
	if result.Status != consumer.AwaitFailed {
		t.Fatalf("expected the old handle to still report AwaitFailed, got %+v", result)
	}
}

// Property 4 / scenario S7: a restart round-trip preserves handle
// identity, latest_offset, and xmin.
func TestRecoverPreservesIdentityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	kvStore := kv.NewMemoryStore()
	shape := shapeFor("public", "items", "")

	var storesMu sync.Mutex
	var opened []*storage.BoltStorage
	buildCoordinator := func(xmin uint64) *harness {
		status := shapestatus.New(kvStore)
		sup := supervisor.New()
		preparer := &snapshotter.FakeTablePreparer{}
		source := &snapshotter.FakeSnapshotSource{Xmin: xmin}
		recorder := newFakeRecorder()
		factory := func(handle shapes.Handle) (storage.Storage, error) {
			s, err := storage.OpenBoltStorage(dir, handle)
			if err != nil {
				return nil, err
			}
			storesMu.Lock()
			opened = append(opened, s)
			storesMu.Unlock()
			return s, nil
		}
		coord := New(status, sup, factory, preparer, source, consumer.AcceptAll{}, nil, recorder)
		ctx, cancel := context.WithCancel(context.Background())
		go coord.Run(ctx)
		return &harness{coord: coord, status: status, sup: sup, kvStore: kvStore, dir: dir,
			preparer: preparer, source: source, recorder: recorder, cancel: cancel}
	}

	first := buildCoordinator(10)
	ctx := context.Background()
	handle, _, err := first.coord.GetOrCreateShapeHandle(ctx, shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return first.status.SnapshotStarted(handle) })

	first.coord.OnTransaction(logcollector.Transaction{
		LastLogOffset: shapes.LogOffset{LSN: 13, OpIndex: 2},
		Changes: []logcollector.Change{{
			Relation: shapes.Table{Schema: "public", Name: "items"},
			Offset:   shapes.LogOffset{LSN: 13, OpIndex: 2},
		}},
	})
	waitFor(t, 2*time.Second, func() bool {
		rec, ok := first.status.GetRecord(handle)
		return ok && rec.LatestOffset == (shapes.LogOffset{LSN: 13, OpIndex: 2})
	})
	first.cancel()
	// A process exit releases its bolt file locks; close the first
	// coordinator's storage files so the second one can reopen them.
	waitFor(t, 2*time.Second, func() bool { return !first.sup.Has(handle) })
	storesMu.Lock()
	for _, s := range opened {
		s.Close()
	}
	opened = nil
	storesMu.Unlock()

	second := buildCoordinator(999) // xmin here must not matter: no new snapshot should run
	t.Cleanup(second.cancel)
	logSource := logcollector.NewFakeSource()
	unsubscribe, err := second.coord.Recover(context.Background(), logSource)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	t.Cleanup(unsubscribe)

	if second.preparer.CallCount != 0 {
		t.Fatalf("did not expect prepare_tables to run again on recovery (snapshot already complete)")
	}

	result, err := second.coord.AwaitSnapshotStart(context.Background(), handle)
	if err != nil {
		t.Fatalf("AwaitSnapshotStart after recovery: %v", err)
	}
	if result.Status != consumer.AwaitStarted {
		t.Fatalf("expected recovered shape to already be started, got %v", result)
	}

	gotHandle, offset, err := second.coord.GetOrCreateShapeHandle(context.Background(), shape)
	if err != nil {
		t.Fatalf("GetOrCreateShapeHandle after recovery: %v", err)
	}
	if gotHandle != handle {
		t.Fatalf("expected recovery to preserve the handle, got %s want %s", gotHandle, handle)
	}
	if offset != (shapes.LogOffset{LSN: 13, OpIndex: 2}) {
		t.Fatalf("expected recovered latest_offset (13,2), got %v", offset)
	}
	if xmin, ok := second.status.SnapshotXmin(handle); !ok || xmin != 10 {
		t.Fatalf("expected recovered xmin 10, got (%v, %v)", xmin, ok)
	}
}
