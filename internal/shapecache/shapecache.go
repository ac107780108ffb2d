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

// Package shapecache implements the Shape Cache coordinator: the
// singleton that assigns handles to shape definitions, starts exactly
// one Consumer+Snapshotter pair per new shape, reacts to relation
// changes by tearing down affected shapes, and recovers all shapes from
// durable state on boot. Mutating requests are serialized through a
// single goroutine draining one buffered channel, matching spec.md
// §5's "single-threaded cooperative" scheduling model.
package shapecache

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/capaj/electric/internal/consumer"
	"github.com/capaj/electric/internal/logcollector"
	"github.com/capaj/electric/internal/shapes"
	"github.com/capaj/electric/internal/shapestatus"
	"github.com/capaj/electric/internal/snapshotter"
	"github.com/capaj/electric/internal/storage"
	"github.com/capaj/electric/internal/supervisor"
)

// StorageFactory opens (or reopens, on recovery) the per-shape Storage
// for a handle. Production wiring opens a bbolt file under a
// configured directory; tests substitute an in-memory or tempdir-backed
// factory.
type StorageFactory func(handle shapes.Handle) (storage.Storage, error)

type reqKind int

const (
	reqGetOrCreate reqKind = iota
	reqTruncate
	reqClean
	reqCleanAll
	reqRelation
)

type request struct {
	kind     reqKind
	shape    shapes.Definition
	handle   shapes.Handle
	relation shapes.Relation
	reply    chan response
}

type response struct {
	handle shapes.Handle
	offset shapes.LogOffset
	err    error
}

// Coordinator is the Shape Cache singleton described in spec.md §4.1.
type Coordinator struct {
	status *shapestatus.Store
	sup    *supervisor.Supervisor

	storageFactory StorageFactory
	preparer       snapshotter.TablePreparer
	source         snapshotter.SnapshotSource
	filter         consumer.RowFilter
	inspector      Inspector
	recorder       Recorder

	requests chan request
}

// New constructs a Coordinator. Run must be called (typically in its
// own goroutine) to start serving requests.
func New(status *shapestatus.Store, sup *supervisor.Supervisor, storageFactory StorageFactory,
	preparer snapshotter.TablePreparer, source snapshotter.SnapshotSource, filter consumer.RowFilter,
	inspector Inspector, recorder Recorder) *Coordinator {
	if filter == nil {
		filter = consumer.AcceptAll{}
	}
	return &Coordinator{
		status:         status,
		sup:            sup,
		storageFactory: storageFactory,
		preparer:       preparer,
		source:         source,
		filter:         filter,
		inspector:      inspector,
		recorder:       recorder,
		requests:       make(chan request, 256),
	}
}

// Run drains the coordinator's request queue until ctx is cancelled.
// It must be running before any of the blocking public methods below
// are called (their slow paths send into requests).
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			c.dispatch(ctx, req)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, req request) {
	switch req.kind {
	case reqGetOrCreate:
		c.handleGetOrCreate(ctx, req)
	case reqTruncate:
		c.handleTeardown(ctx, req, true)
	case reqClean:
		c.handleTeardown(ctx, req, false)
	case reqCleanAll:
		c.handleCleanAll(ctx, req)
	case reqRelation:
		c.handleRelation(ctx, req.relation)
		if req.reply != nil {
			req.reply <- response{}
		}
	}
}

// GetOrCreateShapeHandle implements spec.md §4.1's fast-path/slow-path
// split: a fingerprint already in the index is returned without
// touching the coordinator's serialized queue.
func (c *Coordinator) GetOrCreateShapeHandle(ctx context.Context, shape shapes.Definition) (shapes.Handle, shapes.LogOffset, error) {
	fp := shape.Fingerprint()
	if h, ok := c.status.LookupFingerprint(fp); ok {
		rec, _ := c.status.GetRecord(h)
		return h, rec.LatestOffset, nil
	}

	reply := make(chan response, 1)
	select {
	case c.requests <- request{kind: reqGetOrCreate, shape: shape, reply: reply}:
	case <-ctx.Done():
		return "", shapes.ZeroOffset, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.handle, resp.offset, resp.err
	case <-ctx.Done():
		return "", shapes.ZeroOffset, ctx.Err()
	}
}

func (c *Coordinator) handleGetOrCreate(ctx context.Context, req request) {
	fp := req.shape.Fingerprint()
	if h, ok := c.status.LookupFingerprint(fp); ok {
		rec, _ := c.status.GetRecord(h)
		req.reply <- response{handle: h, offset: rec.LatestOffset}
		return
	}

	handle := shapes.NewHandle()
	rec := shapes.NewShapeRecord(handle, req.shape)
	if err := c.status.AddShape(ctx, rec); err != nil {
		req.reply <- response{err: errors.Wrap(err, "shapecache: adding shape")}
		return
	}

	c.startPair(ctx, handle, req.shape)
	if c.recorder != nil {
		c.recorder.ShapeCreated()
	}
	glog.Infof("shapecache: created shape %s rooted at %s", handle, req.shape.Root)
	req.reply <- response{handle: handle, offset: shapes.ZeroOffset}
}

func (c *Coordinator) startPair(ctx context.Context, handle shapes.Handle, shape shapes.Definition) {
	store, err := c.storageFactory(handle)
	if err != nil {
		cause := errors.Wrapf(err, "shapecache: opening storage for handle %s", handle)
		if markErr := c.status.MarkSnapshotFailed(ctx, handle, cause); markErr != nil {
			glog.Errorf("shapecache: handle %s: recording storage-open failure: %v", handle, markErr)
		}
		if c.recorder != nil {
			c.recorder.SnapshotFailed()
		}
		glog.Errorf("shapecache: %v", cause)
		return
	}

	cons := consumer.New(handle, shape, store, c.status, c.filter)
	snap := snapshotter.New(handle, shape, store, c.preparer, c.source, cons)
	// c.recorder's concrete type (internal/metrics.Registry in
	// production) satisfies both shapecache.Recorder and
	// snapshotter.Recorder; the shapecache.Recorder interface alone
	// doesn't declare SnapshotDuration, so a runtime assertion bridges
	// the two narrow capability interfaces.
	if sr, ok := c.recorder.(snapshotter.Recorder); ok {
		snap.SetRecorder(sr)
	}
	c.sup.Start(ctx, handle, cons, snap)
}

// AwaitSnapshotStart implements spec.md §4.1's three-way decision. The
// Started/immediate case is handled inside consumer.Consumer itself. A
// handle whose Consumer already self-terminated after a snapshot
// failure (spec.md §7) still answers AwaitFailed from its last known
// state; a handle that never existed, or was torn down by truncate or
// clean, resolves to AwaitUnknown without blocking.
func (c *Coordinator) AwaitSnapshotStart(ctx context.Context, handle shapes.Handle) (consumer.AwaitResult, error) {
	cons, ok := c.sup.Consumer(handle)
	if !ok {
		if rec, found := c.status.GetRecord(handle); found && rec.Snapshot.Phase == shapes.SnapshotFailed {
			return consumer.AwaitResult{Status: consumer.AwaitFailed, Err: rec.Snapshot.Err}, nil
		}
		return consumer.AwaitResult{Status: consumer.AwaitUnknown}, nil
	}
	return cons.AwaitSnapshotStart(ctx)
}

// ListShapes returns every known (handle, shape) pair.
func (c *Coordinator) ListShapes() []shapes.ShapeRecord {
	return c.status.ListShapes()
}

// HasShape reports whether handle names a live shape.
func (c *Coordinator) HasShape(handle shapes.Handle) bool {
	_, ok := c.status.GetRecord(handle)
	return ok
}

// GetRelation returns the cached relation for id, if known.
func (c *Coordinator) GetRelation(id uint32) (shapes.Relation, bool) {
	return c.status.GetRelation(id)
}

// HandleTruncate stops handle's Consumer (which drops storage and
// deregisters it) and logs a rotation message. A later
// GetOrCreateShapeHandle for an equivalent shape mints a new handle.
func (c *Coordinator) HandleTruncate(ctx context.Context, handle shapes.Handle) error {
	return c.teardown(ctx, handle, true)
}

// CleanShape is semantically a deletion rather than a rotation, and is
// idempotent: cleaning an unknown handle succeeds silently.
func (c *Coordinator) CleanShape(ctx context.Context, handle shapes.Handle) error {
	return c.teardown(ctx, handle, false)
}

func (c *Coordinator) teardown(ctx context.Context, handle shapes.Handle, truncate bool) error {
	kind := reqClean
	if truncate {
		kind = reqTruncate
	}
	reply := make(chan response, 1)
	select {
	case c.requests <- request{kind: kind, handle: handle, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handleTeardown(ctx context.Context, req request, truncate bool) {
	rec, existed := c.status.GetRecord(req.handle)
	if err := c.sup.Stop(ctx, req.handle); err != nil {
		req.reply <- response{err: errors.Wrapf(err, "shapecache: stopping handle %s", req.handle)}
		return
	}
	if existed {
		if c.recorder != nil {
			c.recorder.ShapeCleaned()
		}
		if truncate {
			glog.Infof("shapecache: rotated shape %s (table %s)", req.handle, rec.Shape.Root)
		} else {
			glog.Infof("shapecache: cleaned shape %s (table %s)", req.handle, rec.Shape.Root)
		}
	}
	req.reply <- response{}
}

// CleanAllShapes cleans every known shape.
func (c *Coordinator) CleanAllShapes(ctx context.Context) error {
	reply := make(chan response, 1)
	select {
	case c.requests <- request{kind: reqCleanAll, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handleCleanAll(ctx context.Context, req request) {
	for _, rec := range c.status.ListShapes() {
		if err := c.sup.Stop(ctx, rec.Handle); err != nil {
			glog.Errorf("shapecache: cleaning handle %s: %v", rec.Handle, err)
			continue
		}
		if c.recorder != nil {
			c.recorder.ShapeCleaned()
		}
	}
	req.reply <- response{}
}

// --- logcollector.Subscriber ---

// OnRelation routes a relation message through the coordinator's
// serialized queue, matching spec.md §2's data flow ("relation msgs ->
// Shape Cache"). It blocks until the coordinator has processed it.
func (c *Coordinator) OnRelation(msg logcollector.RelationMessage) {
	reply := make(chan response, 1)
	c.requests <- request{kind: reqRelation, relation: msg.Relation, reply: reply}
	<-reply
}

func (c *Coordinator) handleRelation(ctx context.Context, rel shapes.Relation) {
	old, hadOld := c.status.GetRelation(rel.ID)
	if !hadOld || !old.Equal(rel) {
		if err := c.status.StoreRelation(ctx, rel); err != nil {
			glog.Errorf("shapecache: storing relation %d: %v", rel.ID, err)
			return
		}
	}
	if !hadOld || old.Equal(rel) {
		return
	}

	change := shapes.RelationChange{Old: old, New: rel}
	for _, rec := range c.status.ListShapes() {
		if !change.Affects(rec.Shape) {
			continue
		}
		if err := c.sup.Stop(ctx, rec.Handle); err != nil {
			glog.Errorf("shapecache: tearing down handle %s after relation change: %v", rec.Handle, err)
			continue
		}
		if c.recorder != nil {
			c.recorder.RelationChangeCleanup()
		}
	}
	glog.Infof("Schema for the table %s changed", old.TableRef())
	if c.inspector != nil {
		c.inspector.CleanColumnInfo(old.TableRef())
	}
}

// OnTransaction forwards a transaction to every live Consumer whose
// shape's root table is among the transaction's affected relations.
// A transaction with nil AffectedRelations is forwarded to every live
// Consumer. Each Consumer independently filters by predicate before
// appending.
func (c *Coordinator) OnTransaction(tx logcollector.Transaction) {
	for _, rec := range c.status.ListShapes() {
		if tx.AffectedRelations != nil {
			if _, affected := tx.AffectedRelations[rec.Shape.Root]; !affected {
				continue
			}
		}
		cons, ok := c.sup.Consumer(rec.Handle)
		if !ok {
			continue
		}
		cons.HandleTransaction(tx)
		if c.recorder != nil {
			c.recorder.TransactionApplied(rec.Handle)
		}
	}
}

// Recover hydrates the in-memory index from durable KV, starts a
// Consumer+Snapshotter pair for every recovered handle, and only then
// subscribes to the Log Collector — matching spec.md §4.1's recovery
// note: consumers are registered before the coordinator demands events.
func (c *Coordinator) Recover(ctx context.Context, source logcollector.Source) (unsubscribe func(), err error) {
	if err := c.status.Initialise(ctx); err != nil {
		return nil, errors.Wrap(err, "shapecache: recovering shape status from kv")
	}

	recovered := 0
	for _, rec := range c.status.ListShapes() {
		// A failed snapshot is terminal: its fingerprint mapping is
		// already gone (see shapestatus.Store.Initialise), and there is
		// no live Consumer to recover into. Starting a fresh pair for it
		// would silently retry a snapshot nothing asked for.
		if rec.Snapshot.Phase == shapes.SnapshotFailed {
			continue
		}
		c.startPair(ctx, rec.Handle, rec.Shape)
		recovered++
	}
	glog.Infof("shapecache: recovered %d shapes, subscribing to the log collector", recovered)

	unsubscribe, err = source.Subscribe(c)
	if err != nil {
		return nil, errors.Wrap(err, "shapecache: subscribing to log collector")
	}
	return unsubscribe, nil
}
