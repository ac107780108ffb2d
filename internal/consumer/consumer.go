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

// Package consumer implements the Shape Consumer: a long-lived,
// per-handle worker that owns a shape's storage, ingests filtered
// transactions from the log collector, appends them to the shape's
// log, tracks the latest offset, and answers await_snapshot_start.
package consumer

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/capaj/electric/internal/logcollector"
	"github.com/capaj/electric/internal/shapes"
	"github.com/capaj/electric/internal/shapestatus"
	"github.com/capaj/electric/internal/storage"
)

// RowFilter decides whether a change belongs in a shape's log. The
// root-table check is always enforced by the Consumer itself; a
// RowFilter additionally evaluates the shape's predicate against the
// change. Evaluating an opaque SQL predicate string is outside this
// core's scope (spec.md treats `where` as an opaque string); production
// wiring supplies an evaluator, tests supply AcceptAll or a stub.
type RowFilter interface {
	Matches(shape shapes.Definition, change logcollector.Change) bool
}

// AcceptAll is a RowFilter that only checks the root table, accepting
// every row that matches it. Suitable when predicate evaluation has
// already happened upstream (e.g. a logical replication publication
// scoped to the predicate) or when a shape has no predicate.
type AcceptAll struct{}

func (AcceptAll) Matches(shape shapes.Definition, change logcollector.Change) bool {
	return change.Relation == shape.Root
}

// AwaitStatus is the three-way result of await_snapshot_start.
type AwaitStatus int

const (
	AwaitUnknown AwaitStatus = iota
	AwaitStarted
	AwaitFailed
)

// AwaitResult is delivered to every pending await_snapshot_start
// caller when the Consumer's snapshot transitions out of pending.
type AwaitResult struct {
	Status AwaitStatus
	Err    error
}

type msgKind int

const (
	msgSnapshotXminKnown msgKind = iota
	msgSnapshotStarted
	msgSnapshotExists
	msgSnapshotFailed
	msgTransaction
	msgAwaitSnapshotStart
	msgShutdown
)

type message struct {
	kind  msgKind
	xmin  uint64
	err   error
	tx    logcollector.Transaction
	reply chan AwaitResult
	done  chan struct{}
}

// Consumer is the per-handle actor described in spec.md §4.2. Exactly
// one exists per live handle (spec.md invariant 2); the Consumer
// Supervisor enforces that.
type Consumer struct {
	handle shapes.Handle
	shape  shapes.Definition
	store  storage.Storage
	status *shapestatus.Store
	filter RowFilter

	mailbox    chan message
	terminated chan struct{}
}

// New constructs a Consumer. Run must be called to start processing
// its mailbox.
func New(handle shapes.Handle, shape shapes.Definition, store storage.Storage, status *shapestatus.Store, filter RowFilter) *Consumer {
	if filter == nil {
		filter = AcceptAll{}
	}
	return &Consumer{
		handle:     handle,
		shape:      shape,
		store:      store,
		status:     status,
		filter:     filter,
		mailbox:    make(chan message, 64),
		terminated: make(chan struct{}),
	}
}

// Run drains the mailbox until ctx is cancelled, a shutdown message is
// processed, or the Consumer self-terminates after a snapshot failure.
// It is intended to run in its own goroutine, started by the Consumer
// Supervisor alongside the handle's Snapshotter. terminated is always
// closed on the way out, regardless of which of those three paths was
// taken, so a send racing the very end of Run is never left stranded
// waiting on a reply nobody will deliver.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.terminated)
	var listeners []chan AwaitResult

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.mailbox:
			switch msg.kind {
			case msgSnapshotXminKnown:
				if err := c.status.SetSnapshotXmin(ctx, c.handle, msg.xmin); err != nil {
					glog.Errorf("consumer: handle %s: recording xmin: %v", c.handle, err)
				}

			case msgSnapshotStarted:
				if err := c.status.MarkSnapshotStarted(ctx, c.handle); err != nil {
					glog.Errorf("consumer: handle %s: marking snapshot started: %v", c.handle, err)
				}
				listeners = resolveListeners(listeners, AwaitResult{Status: AwaitStarted})

			case msgSnapshotExists:
				// Recovery path: storage already holds a completed
				// snapshot from before a restart. Status was already
				// hydrated from KV as started; nothing to persist.
				listeners = resolveListeners(listeners, AwaitResult{Status: AwaitStarted})

			case msgSnapshotFailed:
				if err := c.status.MarkSnapshotFailed(ctx, c.handle, msg.err); err != nil {
					glog.Errorf("consumer: handle %s: marking snapshot failed: %v", c.handle, err)
				}
				c.status.InvalidateFingerprint(c.handle)
				listeners = resolveListeners(listeners, AwaitResult{Status: AwaitFailed, Err: msg.err})
				if err := c.store.Cleanup(ctx); err != nil {
					glog.Errorf("consumer: handle %s: cleanup after snapshot failure: %v", c.handle, err)
				}
				glog.Errorf("consumer: handle %s: snapshot failed, self-terminating: %v", c.handle, msg.err)
				return

			case msgTransaction:
				c.applyTransaction(ctx, msg.tx)

			case msgAwaitSnapshotStart:
				if c.status.SnapshotStarted(c.handle) {
					msg.reply <- AwaitResult{Status: AwaitStarted}
					continue
				}
				if rec, ok := c.status.GetRecord(c.handle); ok && rec.Snapshot.Phase == shapes.SnapshotFailed {
					msg.reply <- AwaitResult{Status: AwaitFailed, Err: rec.Snapshot.Err}
					continue
				}
				listeners = append(listeners, msg.reply)

			case msgShutdown:
				listeners = resolveListeners(listeners, AwaitResult{Status: AwaitUnknown})
				if err := c.store.Cleanup(ctx); err != nil {
					glog.Errorf("consumer: handle %s: cleanup: %v", c.handle, err)
				}
				if err := c.status.Remove(ctx, c.handle); err != nil {
					glog.Errorf("consumer: handle %s: removing from shape status: %v", c.handle, err)
				}
				close(msg.done)
				return
			}
		}
	}
}

func resolveListeners(listeners []chan AwaitResult, result AwaitResult) []chan AwaitResult {
	for _, l := range listeners {
		l <- result
	}
	return nil
}

// applyTransaction appends every change matching this shape to its
// log, in the transaction's own order, then advances latest_offset.
// Transactions are delivered to a Consumer in LSN order by the log
// collector; ordering across different Consumers is not guaranteed.
func (c *Consumer) applyTransaction(ctx context.Context, tx logcollector.Transaction) {
	var items []storage.LogItem
	for _, change := range tx.Changes {
		if change.Relation != c.shape.Root || !c.filter.Matches(c.shape, change) {
			continue
		}
		items = append(items, storage.LogItem{
			Offset: change.Offset,
			Kind:   change.Kind,
			Record: change.Record,
			Key:    change.Key,
		})
	}
	if len(items) > 0 {
		if err := c.store.AppendToLog(ctx, items); err != nil {
			glog.Errorf("consumer: handle %s: appending %d log items: %v", c.handle, len(items), err)
			return
		}
	}

	ok, err := c.status.SetLatestOffset(ctx, c.handle, tx.LastLogOffset)
	if err != nil {
		if !ok {
			glog.Errorf("Tried to update latest offset for shape %s which doesn't exist", c.handle)
			return
		}
		glog.Warningf("consumer: handle %s: %v", c.handle, err)
	}
}

// --- snapshotter.ConsumerSink ---

func (c *Consumer) SnapshotXminKnown(xmin uint64) {
	c.mailbox <- message{kind: msgSnapshotXminKnown, xmin: xmin}
}

func (c *Consumer) SnapshotStarted() {
	c.mailbox <- message{kind: msgSnapshotStarted}
}

func (c *Consumer) SnapshotExists() {
	c.mailbox <- message{kind: msgSnapshotExists}
}

func (c *Consumer) SnapshotFailed(err error) {
	c.mailbox <- message{kind: msgSnapshotFailed, err: err}
}

// --- public API ---

// HandleTransaction routes a transaction into the Consumer's mailbox.
func (c *Consumer) HandleTransaction(tx logcollector.Transaction) {
	c.mailbox <- message{kind: msgTransaction, tx: tx}
}

// AwaitSnapshotStart blocks until the snapshot transitions out of
// pending, the handle is shut down, or ctx is cancelled. A send that
// wins the race against Run's own exit (the mailbox channel stays open
// after Run returns, so the send itself never fails) is resolved from
// terminalResult instead of waiting on a reply that will never come.
func (c *Consumer) AwaitSnapshotStart(ctx context.Context) (AwaitResult, error) {
	reply := make(chan AwaitResult, 1)
	select {
	case c.mailbox <- message{kind: msgAwaitSnapshotStart, reply: reply}:
	case <-c.terminated:
		return c.terminalResult(), nil
	case <-ctx.Done():
		return AwaitResult{}, ctx.Err()
	}
	select {
	case result := <-reply:
		return result, nil
	case <-c.terminated:
		return c.terminalResult(), nil
	case <-ctx.Done():
		return AwaitResult{}, ctx.Err()
	}
}

// terminalResult reports the snapshot's last known status once the
// Consumer itself is no longer around to answer from its mailbox.
func (c *Consumer) terminalResult() AwaitResult {
	rec, ok := c.status.GetRecord(c.handle)
	if !ok {
		return AwaitResult{Status: AwaitUnknown}
	}
	switch rec.Snapshot.Phase {
	case shapes.SnapshotStarted:
		return AwaitResult{Status: AwaitStarted}
	case shapes.SnapshotFailed:
		return AwaitResult{Status: AwaitFailed, Err: rec.Snapshot.Err}
	default:
		return AwaitResult{Status: AwaitUnknown}
	}
}

// Shutdown drops storage, deregisters from Shape Status, and stops
// the Consumer's Run loop. It blocks until shutdown has completed.
func (c *Consumer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.mailbox <- message{kind: msgShutdown, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "consumer: shutdown did not complete before context cancellation")
	}
}
