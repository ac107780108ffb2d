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

package shapes

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SnapshotPhase is the forward-only state of a shape's snapshot:
//
//	pending -> pending(xmin) -> started
//	                         -> failed(err)
//
// There is no transition back to an earlier phase; a shape that needs
// to be re-snapshotted (e.g. after a relation change) is cleaned and a
// fresh ShapeRecord, with a fresh Handle, takes its place.
type SnapshotPhase int

const (
	// SnapshotPending is the initial phase: the consumer has been
	// created but the snapshotter has not yet reported the transaction
	// id below which the snapshot is complete.
	SnapshotPending SnapshotPhase = iota
	// SnapshotPendingXmin is reached once the snapshot's xmin is known
	// but the snapshotter has not yet signalled that it started.
	SnapshotPendingXmin
	// SnapshotStarted means the snapshot's streaming cursor is open and
	// its rows are being written to storage (they may not all be written
	// yet); the shape is ready to serve reads and accept log transactions.
	SnapshotStarted
	// SnapshotFailed is a terminal phase: the snapshot could not be
	// completed and the record must be cleaned before retrying.
	SnapshotFailed
)

func (p SnapshotPhase) String() string {
	switch p {
	case SnapshotPending:
		return "pending"
	case SnapshotPendingXmin:
		return "pending_xmin"
	case SnapshotStarted:
		return "started"
	case SnapshotFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// SnapshotState tracks a shape's snapshot phase together with the
// phase-specific data: the xmin once known, and the error once failed.
type SnapshotState struct {
	Phase SnapshotPhase
	Xmin  *uint64
	Err   error
}

// PendingState is the initial SnapshotState for a newly created shape.
func PendingState() SnapshotState {
	return SnapshotState{Phase: SnapshotPending}
}

// WithXmin advances a pending state to pending(xmin). It is a
// programming error to call it from any phase but SnapshotPending.
func (s SnapshotState) WithXmin(xmin uint64) SnapshotState {
	if s.Phase != SnapshotPending {
		panic(fmt.Sprintf("shapes: snapshot_xmin_known received in phase %s", s.Phase))
	}
	return SnapshotState{Phase: SnapshotPendingXmin, Xmin: &xmin}
}

// Started advances a pending(xmin) state to started.
func (s SnapshotState) Started() SnapshotState {
	if s.Phase != SnapshotPendingXmin {
		panic(fmt.Sprintf("shapes: snapshot_started received in phase %s", s.Phase))
	}
	return SnapshotState{Phase: SnapshotStarted, Xmin: s.Xmin}
}

// Failed moves a pending or pending(xmin) state to the terminal failed
// phase, recording the cause.
func (s SnapshotState) Failed(err error) SnapshotState {
	return SnapshotState{Phase: SnapshotFailed, Xmin: s.Xmin, Err: err}
}

// snapshotStateJSON mirrors SnapshotState for encoding, substituting
// Err's message for the error interface: Err carries no json tag
// because encoding/json can't (un)marshal an interface value, and a
// persisted failed record must still decode cleanly on the next boot.
type snapshotStateJSON struct {
	Phase SnapshotPhase
	Xmin  *uint64
	Err   string `json:",omitempty"`
}

func (s SnapshotState) MarshalJSON() ([]byte, error) {
	aux := snapshotStateJSON{Phase: s.Phase, Xmin: s.Xmin}
	if s.Err != nil {
		aux.Err = s.Err.Error()
	}
	return json.Marshal(aux)
}

func (s *SnapshotState) UnmarshalJSON(data []byte) error {
	var aux snapshotStateJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Phase = aux.Phase
	s.Xmin = aux.Xmin
	s.Err = nil
	if aux.Err != "" {
		s.Err = errors.New(aux.Err)
	}
	return nil
}

// ShapeRecord is the durable description of a single live shape: its
// stable handle, the definition it was created from, the snapshot
// transaction id once known, the furthest log offset it has been
// brought up to, and its current snapshot state.
type ShapeRecord struct {
	Handle       Handle
	Shape        Definition
	LatestOffset LogOffset
	Snapshot     SnapshotState
}

// NewShapeRecord creates the initial record for a freshly minted shape
// handle: pending snapshot, zero offset.
func NewShapeRecord(handle Handle, def Definition) ShapeRecord {
	return ShapeRecord{
		Handle:       handle,
		Shape:        def,
		LatestOffset: ZeroOffset,
		Snapshot:     PendingState(),
	}
}

// AdvanceOffset returns a copy of r with LatestOffset set to next,
// provided next does not move the offset backwards. The shape cache's
// monotonicity invariant depends on every call site using this instead
// of assigning LatestOffset directly.
func (r ShapeRecord) AdvanceOffset(next LogOffset) (ShapeRecord, error) {
	if next.Less(r.LatestOffset) {
		return r, fmt.Errorf("shapes: offset %s is behind current latest_offset %s", next, r.LatestOffset)
	}
	r.LatestOffset = next
	return r, nil
}
