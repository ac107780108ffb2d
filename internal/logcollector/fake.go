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

package logcollector

import (
	"sort"
	"sync"
)

// FakeSource is an in-memory Source for tests: it fans out
// EmitTransaction/EmitRelation calls synchronously to every current
// subscriber, in the order they were registered.
type FakeSource struct {
	mu   sync.Mutex
	subs map[int]Subscriber
	next int
}

func NewFakeSource() *FakeSource {
	return &FakeSource{subs: make(map[int]Subscriber)}
}

func (f *FakeSource) Subscribe(sub Subscriber) (func(), error) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = sub
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *FakeSource) EmitTransaction(tx Transaction) {
	for _, sub := range f.snapshotSubs() {
		sub.OnTransaction(tx)
	}
}

func (f *FakeSource) EmitRelation(msg RelationMessage) {
	for _, sub := range f.snapshotSubs() {
		sub.OnRelation(msg)
	}
}

func (f *FakeSource) snapshotSubs() []Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.subs[id])
	}
	return out
}
