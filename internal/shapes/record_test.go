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
	"errors"
	"testing"
)

func TestSnapshotStateHappyPath(t *testing.T) {
	s := PendingState()
	if s.Phase != SnapshotPending {
		t.Fatalf("expected initial phase to be pending, got %s", s.Phase)
	}

	s = s.WithXmin(1000)
	if s.Phase != SnapshotPendingXmin || s.Xmin == nil || *s.Xmin != 1000 {
		t.Fatalf("expected pending_xmin with xmin=1000, got %+v", s)
	}

	s = s.Started()
	if s.Phase != SnapshotStarted {
		t.Fatalf("expected started phase, got %s", s.Phase)
	}
	if s.Xmin == nil || *s.Xmin != 1000 {
		t.Fatalf("expected xmin to survive the transition to started")
	}
}

func TestSnapshotStateFailurePath(t *testing.T) {
	s := PendingState()
	cause := errors.New("connection reset")
	s = s.Failed(cause)
	if s.Phase != SnapshotFailed {
		t.Fatalf("expected failed phase, got %s", s.Phase)
	}
	if s.Err != cause {
		t.Fatalf("expected failure cause to be preserved")
	}
}

func TestSnapshotStateWithXminPanicsOutOfOrder(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected WithXmin to panic when called on a non-pending state")
		}
	}()
	s := PendingState().WithXmin(1)
	s.WithXmin(2)
}

func TestSnapshotStateStartedPanicsOutOfOrder(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Started to panic when called on a non-pending-xmin state")
		}
	}()
	PendingState().Started()
}

func TestShapeRecordAdvanceOffsetMonotonic(t *testing.T) {
	r := NewShapeRecord(NewHandle(), sampleDefinition())
	r, err := r.AdvanceOffset(LogOffset{LSN: 10, OpIndex: 0})
	if err != nil {
		t.Fatalf("unexpected error advancing from zero offset: %v", err)
	}
	if _, err := r.AdvanceOffset(LogOffset{LSN: 5, OpIndex: 0}); err == nil {
		t.Fatalf("expected an error when advancing to an earlier offset")
	}
	if r.LatestOffset != (LogOffset{LSN: 10, OpIndex: 0}) {
		t.Fatalf("expected the rejected advance to leave latest_offset unchanged")
	}
}
