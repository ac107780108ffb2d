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

// Package shapestatus implements the Shape Status registry: a
// thread-safe in-memory index of shape records and known relations,
// write-through mirrored to a Persistent KV store. It holds no
// scheduling logic of its own; the coordinator and Consumers are the
// only callers that decide when to call it.
package shapestatus

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/capaj/electric/internal/kv"
	"github.com/capaj/electric/internal/shapes"
)

// Store is the Shape Status registry described in spec.md §4.4.
type Store struct {
	kv kv.Store

	mu            sync.RWMutex
	byHandle      map[shapes.Handle]shapes.ShapeRecord
	byFingerprint map[shapes.Fingerprint]shapes.Handle
	relations     map[uint32]shapes.Relation
}

// New returns an empty Store backed by the given Persistent KV.
// Callers wanting to recover prior state must call Initialise.
func New(store kv.Store) *Store {
	return &Store{
		kv:            store,
		byHandle:      make(map[shapes.Handle]shapes.ShapeRecord),
		byFingerprint: make(map[shapes.Fingerprint]shapes.Handle),
		relations:     make(map[uint32]shapes.Relation),
	}
}

// Initialise hydrates the in-memory index from the durable KV store.
// Called once on boot, before the coordinator starts serving requests.
func (s *Store) Initialise(ctx context.Context) error {
	shapeEntries, err := s.kv.Scan(ctx, kv.PrefixShape)
	if err != nil {
		return errors.Wrap(err, "shapestatus: scanning shapes from kv")
	}
	relationEntries, err := s.kv.Scan(ctx, kv.PrefixRelation)
	if err != nil {
		return errors.Wrap(err, "shapestatus: scanning relations from kv")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range shapeEntries {
		var rec shapes.ShapeRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return errors.Wrapf(err, "shapestatus: decoding shape record at key %s", e.Key)
		}
		s.byHandle[rec.Handle] = rec
		// A failed snapshot is terminal (spec.md §7): the fingerprint
		// index must not point back at it, or the next get_or_create for
		// an equivalent shape would hand out this dead handle instead of
		// minting a fresh one.
		if rec.Snapshot.Phase != shapes.SnapshotFailed {
			s.byFingerprint[rec.Shape.Fingerprint()] = rec.Handle
		}
	}
	for _, e := range relationEntries {
		var rel shapes.Relation
		if err := json.Unmarshal(e.Value, &rel); err != nil {
			return errors.Wrapf(err, "shapestatus: decoding relation at key %s", e.Key)
		}
		s.relations[rel.ID] = rel
	}
	glog.Infof("shapestatus: recovered %d shapes and %d relations from kv", len(s.byHandle), len(s.relations))
	return nil
}

// LookupFingerprint returns the handle for a given fingerprint, if any.
// Lock-free for the common case is not possible in Go without a
// specialized structure; this still avoids touching KV, which is the
// expensive path the fast path in spec.md §4.1 exists to skip.
func (s *Store) LookupFingerprint(fp shapes.Fingerprint) (shapes.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byFingerprint[fp]
	return h, ok
}

// GetRecord returns a copy of the record for handle, if known.
func (s *Store) GetRecord(h shapes.Handle) (shapes.ShapeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byHandle[h]
	return rec, ok
}

// AddShape persists and indexes a freshly created shape record. It is
// the coordinator's responsibility to have already checked that no
// record exists for this fingerprint.
func (s *Store) AddShape(ctx context.Context, rec shapes.ShapeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "shapestatus: encoding shape record")
	}
	if err := s.kv.Put(ctx, kv.ShapeKey(string(rec.Handle)), payload); err != nil {
		return errors.Wrap(err, "shapestatus: writing shape record to kv")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHandle[rec.Handle] = rec
	s.byFingerprint[rec.Shape.Fingerprint()] = rec.Handle
	return nil
}

// SetLatestOffset advances a record's LatestOffset, enforcing
// monotonicity per spec.md invariant 4. Returns an error if the handle
// is unknown, distinguishable from the ok=true/err!=nil case of a
// rejected (behind-current) offset.
func (s *Store) SetLatestOffset(ctx context.Context, h shapes.Handle, offset shapes.LogOffset) (bool, error) {
	s.mu.Lock()
	rec, ok := s.byHandle[h]
	if !ok {
		s.mu.Unlock()
		return false, errors.Errorf("shapestatus: tried to update latest offset for shape %s which doesn't exist", h)
	}
	next, err := rec.AdvanceOffset(offset)
	if err != nil {
		s.mu.Unlock()
		return true, err
	}
	s.mu.Unlock()

	if err := s.persistRecord(ctx, next); err != nil {
		return true, err
	}

	s.mu.Lock()
	s.byHandle[h] = next
	s.mu.Unlock()
	return true, nil
}

// SetSnapshotXmin records the xmin captured when a shape's snapshot
// began, advancing its SnapshotState from pending to pending(xmin).
func (s *Store) SetSnapshotXmin(ctx context.Context, h shapes.Handle, xmin uint64) error {
	return s.mutateSnapshotState(ctx, h, func(st shapes.SnapshotState) shapes.SnapshotState {
		return st.WithXmin(xmin)
	})
}

// SnapshotXmin returns the xmin recorded for h, if any.
func (s *Store) SnapshotXmin(h shapes.Handle) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byHandle[h]
	if !ok || rec.Snapshot.Xmin == nil {
		return 0, false
	}
	return *rec.Snapshot.Xmin, true
}

// MarkSnapshotStarted advances a shape's SnapshotState to started.
func (s *Store) MarkSnapshotStarted(ctx context.Context, h shapes.Handle) error {
	return s.mutateSnapshotState(ctx, h, func(st shapes.SnapshotState) shapes.SnapshotState {
		return st.Started()
	})
}

// MarkSnapshotFailed advances a shape's SnapshotState to the terminal
// failed phase, recording cause.
func (s *Store) MarkSnapshotFailed(ctx context.Context, h shapes.Handle, cause error) error {
	return s.mutateSnapshotState(ctx, h, func(st shapes.SnapshotState) shapes.SnapshotState {
		return st.Failed(cause)
	})
}

// InvalidateFingerprint removes h's fingerprint->handle mapping without
// disturbing the record itself: h remains addressable by handle (e.g.
// for a late await_snapshot_start), but the next get_or_create for an
// equivalent shape will no longer find it and mints a new handle
// instead. Called once a shape's snapshot has failed terminally.
func (s *Store) InvalidateFingerprint(h shapes.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byHandle[h]
	if !ok {
		return
	}
	fp := rec.Shape.Fingerprint()
	if s.byFingerprint[fp] == h {
		delete(s.byFingerprint, fp)
	}
}

// SnapshotStarted reports whether h's snapshot has reached the started
// phase. Returns false for an unknown handle.
func (s *Store) SnapshotStarted(h shapes.Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byHandle[h]
	return ok && rec.Snapshot.Phase == shapes.SnapshotStarted
}

func (s *Store) mutateSnapshotState(ctx context.Context, h shapes.Handle, transition func(shapes.SnapshotState) shapes.SnapshotState) error {
	s.mu.Lock()
	rec, ok := s.byHandle[h]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("shapestatus: unknown handle %s", h)
	}
	rec.Snapshot = transition(rec.Snapshot)
	s.mu.Unlock()

	if err := s.persistRecord(ctx, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.byHandle[h] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) persistRecord(ctx context.Context, rec shapes.ShapeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "shapestatus: encoding shape record")
	}
	if err := s.kv.Put(ctx, kv.ShapeKey(string(rec.Handle)), payload); err != nil {
		return errors.Wrap(err, "shapestatus: writing shape record to kv")
	}
	return nil
}

// Remove erases a handle from both the index and durable KV. Removing
// an unknown handle is a no-op, matching clean_shape's idempotence.
func (s *Store) Remove(ctx context.Context, h shapes.Handle) error {
	if err := s.kv.Delete(ctx, kv.ShapeKey(string(h))); err != nil {
		return errors.Wrapf(err, "shapestatus: deleting shape %s from kv", h)
	}

	s.mu.Lock()
	rec, ok := s.byHandle[h]
	if ok {
		delete(s.byHandle, h)
		delete(s.byFingerprint, rec.Shape.Fingerprint())
	}
	s.mu.Unlock()
	return nil
}

// ListShapes returns every known (handle, shape) pair.
func (s *Store) ListShapes() []shapes.ShapeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shapes.ShapeRecord, 0, len(s.byHandle))
	for _, rec := range s.byHandle {
		out = append(out, rec)
	}
	return out
}

// GetRelation returns the cached relation for id, if known.
func (s *Store) GetRelation(id uint32) (shapes.Relation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relations[id]
	return rel, ok
}

// StoreRelation persists and indexes a relation.
func (s *Store) StoreRelation(ctx context.Context, rel shapes.Relation) error {
	payload, err := json.Marshal(rel)
	if err != nil {
		return errors.Wrap(err, "shapestatus: encoding relation")
	}
	if err := s.kv.Put(ctx, kv.RelationKey(strconv.FormatUint(uint64(rel.ID), 10)), payload); err != nil {
		return errors.Wrap(err, "shapestatus: writing relation to kv")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[rel.ID] = rel
	return nil
}
