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

package shapecache

import (
	"context"
	"time"

	"github.com/golang/glog"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/capaj/electric/internal/kv"
)

// RunReconciler periodically cross-checks the in-memory index against
// durable KV and logs any divergence. This is a consistency-checking
// safety net, not a correctness requirement: spec.md invariant 3
// already describes the converged state ("a handle appears in the
// in-memory index iff it appears in durable KV, after boot recovery
// quiesces"); this loop only ever observes, it never repairs, since a
// crash between a write and its KV flush self-heals on the next boot
// recovery anyway.
func (c *Coordinator) RunReconciler(ctx context.Context, store kv.Store, interval time.Duration) {
	wait.Until(func() {
		c.reconcileOnce(ctx, store)
	}, interval, ctx.Done())
}

func (c *Coordinator) reconcileOnce(ctx context.Context, store kv.Store) {
	if c.recorder != nil {
		c.recorder.Observe(c.status.ListShapes())
	}

	entries, err := store.Scan(ctx, kv.PrefixShape)
	if err != nil {
		glog.Warningf("shapecache: reconcile: scanning kv shapes: %v", err)
		return
	}
	inKV := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		inKV[e.Key] = struct{}{}
	}

	inMemory := make(map[string]struct{})
	for _, rec := range c.status.ListShapes() {
		key := kv.ShapeKey(string(rec.Handle))
		inMemory[key] = struct{}{}
		if _, ok := inKV[key]; !ok {
			glog.Warningf("shapecache: reconcile: handle %s is indexed but missing from kv", rec.Handle)
		}
	}
	for key := range inKV {
		if _, ok := inMemory[key]; !ok {
			glog.Warningf("shapecache: reconcile: kv key %s has no matching in-memory shape", key)
		}
	}
}
