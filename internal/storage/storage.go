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

// Package storage defines the per-shape Storage contract: a snapshot
// byte stream plus an append-only, offset-keyed log. The Shape
// Consumer owns exactly one Storage per handle; there is no
// cross-Consumer sharing.
package storage

import (
	"context"
	"io"

	"github.com/capaj/electric/internal/shapes"
)

// LogItem is a single entry appended to a shape's log.
type LogItem struct {
	Offset shapes.LogOffset
	Kind   string // "insert", "update", "delete"
	Record []byte // pre-formatted row payload, see snapshotter.encodeValue
	Key    []byte // primary key encoding; stored with the item, nothing here compacts on it
}

// Storage is the per-shape backend described in spec.md §6. A single
// Storage instance is created per handle and dropped by Cleanup when
// its shape is truncated or cleaned.
type Storage interface {
	// SnapshotStarted reports whether a snapshot has been fully
	// written already (used on recovery to distinguish a fresh handle
	// from one whose snapshot survived a restart).
	SnapshotStarted(ctx context.Context) (bool, error)

	// MakeNewSnapshot writes a snapshot blob by draining r to
	// completion. Errors from r propagate to the caller.
	MakeNewSnapshot(ctx context.Context, r io.Reader) error

	// GetSnapshot returns the zero offset and a stream of the
	// snapshot's bytes. Returns ErrSnapshotMissing if no snapshot has
	// been written.
	GetSnapshot(ctx context.Context) (shapes.LogOffset, io.ReadCloser, error)

	// AppendToLog appends items, in order, to the shape's log.
	AppendToLog(ctx context.Context, items []LogItem) error

	// GetLogStream returns every log item with an offset strictly
	// greater than from, in ascending offset order.
	GetLogStream(ctx context.Context, from shapes.LogOffset) ([]LogItem, error)

	// Cleanup deletes the snapshot and the log in their entirety.
	Cleanup(ctx context.Context) error
}

// ErrSnapshotMissing is returned by GetSnapshot when no snapshot has
// been written yet; storage backends should wrap it with a concrete
// backend error via errors.Wrap, not replace it, so callers can still
// match it with errors.Is.
var ErrSnapshotMissing = errSnapshotMissing{}

type errSnapshotMissing struct{}

func (errSnapshotMissing) Error() string { return "storage: snapshot missing" }
