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

// Command shapecached is the process entrypoint: it parses flags and
// environment into internal/config.Config, opens the Persistent KV
// and Postgres connection pool, constructs the Shape Cache coordinator
// and its collaborators, serves Prometheus metrics, and runs until
// signalled — following snapshot/cmd/snapshot-controller/snapshot-controller.go's
// "build clients, construct the controller, run until signaled" shape,
// with flag/env binding done the way iscsi/targetd/cmd/root.go pairs
// cobra, pflag and viper.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/capaj/electric/internal/config"
	"github.com/capaj/electric/internal/consumer"
	"github.com/capaj/electric/internal/kv"
	"github.com/capaj/electric/internal/logcollector"
	"github.com/capaj/electric/internal/metrics"
	"github.com/capaj/electric/internal/shapecache"
	"github.com/capaj/electric/internal/shapes"
	"github.com/capaj/electric/internal/shapestatus"
	"github.com/capaj/electric/internal/snapshotter"
	"github.com/capaj/electric/internal/storage"
	"github.com/capaj/electric/internal/supervisor"
)

var rootCmd = &cobra.Command{
	Use:   "shapecached",
	Short: "shape cache core for a Postgres-to-client incremental replication service",
	RunE:  run,
}

func main() {
	config.BindFlags(rootCmd, viper.GetViper())
	if err := rootCmd.Execute(); err != nil {
		glog.Fatalf("shapecached: %v", err)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.PostgresURL == "" {
		glog.Fatalf("shapecached: --postgres-url (or SHAPECACHE_POSTGRES_URL) is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvStore, err := kv.OpenBoltStore(cfg.KVPath)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return err
	}

	status := shapestatus.New(kvStore)
	sup := supervisor.New()
	preparer := snapshotter.NewPgxTablePreparer(pool)
	source := snapshotter.NewPgxSnapshotSource(pool)
	storageFactory := func(handle shapes.Handle) (storage.Storage, error) {
		return storage.OpenBoltStorage(cfg.StorageDir, handle)
	}

	var recorder shapecache.Recorder
	if cfg.MetricsAddr != "" {
		registry := metrics.NewRegistry()
		recorder = registry
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}))
		go func() {
			glog.Infof("shapecached: serving metrics on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				glog.Errorf("shapecached: metrics server: %v", err)
			}
		}()
	}

	// No Inspector is wired: column/PK introspection is an external
	// collaborator per spec.md §1, and the coordinator treats a nil
	// Inspector as valid, skipping the CleanColumnInfo call.
	coord := shapecache.New(status, sup, storageFactory, preparer, source, consumer.AcceptAll{}, nil, recorder)
	go coord.Run(ctx)
	go coord.RunReconciler(ctx, kvStore, cfg.ReconcileInterval)

	// The logical-replication decoder is an external collaborator per
	// spec.md §1 ("out of scope"); FakeSource stands in for it here so
	// the process is runnable end to end. A production deployment
	// replaces this with a logcollector.Source backed by a real
	// decoder wired to the same Subscriber (coord).
	logSource := logcollector.NewFakeSource()
	unsubscribe, err := coord.Recover(ctx, logSource)
	if err != nil {
		return err
	}
	defer unsubscribe()

	glog.Infof("shapecached: ready")
	waitForSignal()
	glog.Infof("shapecached: shutting down")
	return nil
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
