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

// Package metrics implements the operational Recorder capability that
// internal/shapecache and internal/snapshotter call into: counters and
// histograms registered with prometheus/client_golang, following
// local-volume/provisioner/pkg/metrics/metrics.go's pattern of a
// collector set registered against its own prometheus.Registry rather
// than the global default one; here each Registry value owns both its
// collectors and that prometheus.Registry, so
// cmd/shapecached controls exactly what gets served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/capaj/electric/internal/shapes"
)

// Subsystem is the prometheus subsystem name every collector below is
// registered under, matching the teacher's LocalVolumeProvisionerSubsystem
// convention of namespacing metrics by component rather than by binary.
const Subsystem = "shapecache"

// Registry bundles every collector this core exposes and implements
// both shapecache.Recorder and snapshotter.Recorder, so a single value
// can be threaded through shapecache.New and attached to each
// Snapshotter it starts.
type Registry struct {
	reg *prometheus.Registry

	shapesCreatedTotal          prometheus.Counter
	shapesCleanedTotal          prometheus.Counter
	snapshotFailuresTotal       prometheus.Counter
	snapshotDurationSeconds     *prometheus.HistogramVec
	relationChangeCleanupsTotal prometheus.Counter
	transactionsAppliedTotal    *prometheus.CounterVec
	liveShapes                  prometheus.Gauge
	latestOffsetLSN             *prometheus.GaugeVec
}

// NewRegistry constructs a fresh prometheus.Registry and registers
// every collector against it. Use Gatherer to hand it to promhttp.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		shapesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "shapes_created_total",
			Help:      "Total number of shape handles created by get_or_create_shape_handle.",
		}),
		shapesCleanedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "shapes_cleaned_total",
			Help:      "Total number of shape handles removed by truncate, clean, or relation-change cleanup.",
		}),
		snapshotFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "snapshot_failures_total",
			Help:      "Total number of snapshots that ended in snapshot_failed.",
		}),
		snapshotDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: Subsystem,
			Name:      "snapshot_duration_seconds",
			Help:      "Time from Snapshotter.Run starting to snapshot_started (or snapshot_failed) being signalled.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		relationChangeCleanupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "relation_change_cleanups_total",
			Help:      "Total number of shape handles torn down because their relation changed incompatibly.",
		}),
		transactionsAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "transactions_applied_total",
			Help:      "Total number of replication transactions routed to a shape's Consumer.",
		}, []string{"handle"}),
		liveShapes: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: Subsystem,
			Name:      "live_shapes",
			Help:      "Current number of shapes present in the in-memory index.",
		}),
		latestOffsetLSN: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: Subsystem,
			Name:      "shape_latest_offset_lsn",
			Help:      "Latest log offset LSN observed per shape handle.",
		}, []string{"handle"}),
	}

	r.reg.MustRegister(
		r.shapesCreatedTotal,
		r.shapesCleanedTotal,
		r.snapshotFailuresTotal,
		r.snapshotDurationSeconds,
		r.relationChangeCleanupsTotal,
		r.transactionsAppliedTotal,
		r.liveShapes,
		r.latestOffsetLSN,
	)
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// --- shapecache.Recorder ---

func (r *Registry) ShapeCreated() { r.shapesCreatedTotal.Inc() }
func (r *Registry) ShapeCleaned() { r.shapesCleanedTotal.Inc() }
func (r *Registry) SnapshotFailed() {
	r.snapshotFailuresTotal.Inc()
}
func (r *Registry) RelationChangeCleanup() { r.relationChangeCleanupsTotal.Inc() }

func (r *Registry) TransactionApplied(handle shapes.Handle) {
	r.transactionsAppliedTotal.WithLabelValues(string(handle)).Inc()
}

// Observe refreshes the gauges that reflect a point-in-time snapshot of
// every live shape, called once per internal/shapecache reconciliation
// tick rather than on every mutation.
func (r *Registry) Observe(records []shapes.ShapeRecord) {
	r.liveShapes.Set(float64(len(records)))
	r.latestOffsetLSN.Reset()
	for _, rec := range records {
		r.latestOffsetLSN.WithLabelValues(string(rec.Handle)).Set(float64(rec.LatestOffset.LSN))
	}
}

// --- snapshotter.Recorder ---

func (r *Registry) SnapshotDuration(success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.snapshotDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}
