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

// Package config reads cmd/shapecached's flags and environment into a
// typed Config, following iscsi/targetd/cmd/root.go's pattern of
// binding cobra/pflag flags into a viper instance and reading values
// back out of it, rather than parsing the command line twice.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully resolved, typed configuration for a shapecached
// process. Every field has a flag and an environment-variable
// fallback of the same name with dashes turned to underscores and a
// SHAPECACHE_ prefix, matching viper.AutomaticEnv()'s convention in
// the teacher's initConfig.
type Config struct {
	// PostgresURL is the libpq connection string the Snapshotter's
	// pgxpool.Pool is built from.
	PostgresURL string

	// KVPath is the BoltDB file Persistent KV mirrors shape state to.
	KVPath string

	// StorageDir holds one BoltDB file per shape handle for the
	// per-shape Storage backend.
	StorageDir string

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string

	// ReconcileInterval is how often the Shape Cache cross-checks its
	// in-memory index against durable KV (see internal/shapecache's
	// RunReconciler).
	ReconcileInterval time.Duration
}

// Defaults returns the Config a fresh process starts from before
// flags or environment are applied.
func Defaults() Config {
	return Config{
		KVPath:            "shapecache.db",
		StorageDir:        "shapes",
		MetricsAddr:       ":9100",
		ReconcileInterval: 30 * time.Second,
	}
}

// BindFlags registers cmd's persistent flags and binds each one into
// v, following iscsi/targetd/cmd/root.go's RootCmd.PersistentFlags()
// + viper.BindPFlag pairing. Call once, against the root command,
// before cobra.Execute.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := Defaults()
	flags := cmd.PersistentFlags()
	flags.String("postgres-url", "", "libpq connection string for the upstream Postgres database")
	flags.String("kv-path", d.KVPath, "path to the bbolt file backing the Persistent KV mirror")
	flags.String("storage-dir", d.StorageDir, "directory holding one bbolt file per shape handle")
	flags.String("metrics-addr", d.MetricsAddr, "listen address for the /metrics endpoint, empty to disable")
	flags.Duration("reconcile-interval", d.ReconcileInterval, "how often the shape cache cross-checks its index against durable kv")

	for _, name := range []string{"postgres-url", "kv-path", "storage-dir", "metrics-addr", "reconcile-interval"} {
		v.BindPFlag(name, flags.Lookup(name))
	}

	v.SetEnvPrefix("shapecache")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads every bound key out of v into a Config.
func Load(v *viper.Viper) Config {
	return Config{
		PostgresURL:       v.GetString("postgres-url"),
		KVPath:            v.GetString("kv-path"),
		StorageDir:        v.GetString("storage-dir"),
		MetricsAddr:       v.GetString("metrics-addr"),
		ReconcileInterval: v.GetDuration("reconcile-interval"),
	}
}
