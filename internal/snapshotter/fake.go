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
	"sync"

	"github.com/capaj/electric/internal/shapes"
)

// FakeTablePreparer counts calls and can be configured to fail, for
// exercising testable property 2 (prepare_tables called at most once).
type FakeTablePreparer struct {
	mu         sync.Mutex
	CallCount  int
	FailWith   error
	LastTables []shapes.Table
}

func (p *FakeTablePreparer) PrepareTables(_ context.Context, tables []shapes.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCount++
	p.LastTables = tables
	return p.FailWith
}

// FakeSnapshotSource returns a fixed xmin/column/row set, or fails,
// counting how many times Snapshot itself was invoked.
type FakeSnapshotSource struct {
	mu        sync.Mutex
	CallCount int

	Xmin     uint64
	Columns  []shapes.Column
	Rows     []Row
	FailWith error
}

func (f *FakeSnapshotSource) Snapshot(_ context.Context, _ shapes.Definition) (uint64, []shapes.Column, SnapshotStream, error) {
	f.mu.Lock()
	f.CallCount++
	f.mu.Unlock()

	if f.FailWith != nil {
		return 0, nil, nil, f.FailWith
	}
	return f.Xmin, f.Columns, &fakeStream{rows: f.Rows}, nil
}

type fakeStream struct {
	rows   []Row
	cursor int
	closed bool
}

func (s *fakeStream) Next(_ context.Context) (Row, bool, error) {
	if s.cursor >= len(s.rows) {
		return Row{}, false, nil
	}
	row := s.rows[s.cursor]
	s.cursor++
	return row, true, nil
}

func (s *fakeStream) Close() { s.closed = true }

// FakeConsumerSink records every message it receives, for assertions.
type FakeConsumerSink struct {
	mu sync.Mutex

	XminKnown    []uint64
	StartedCount int
	ExistsCount  int
	FailedErrs   []error
}

func (s *FakeConsumerSink) SnapshotXminKnown(xmin uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.XminKnown = append(s.XminKnown, xmin)
}

func (s *FakeConsumerSink) SnapshotStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartedCount++
}

func (s *FakeConsumerSink) SnapshotExists() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExistsCount++
}

func (s *FakeConsumerSink) SnapshotFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailedErrs = append(s.FailedErrs, err)
}
