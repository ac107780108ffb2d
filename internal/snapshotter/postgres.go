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
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/capaj/electric/internal/shapes"
)

// sessionSettings is the fixed list from spec.md §4.3 step 5, applied
// before the streaming cursor opens so the initial snapshot and the
// live logical-replication stream agree exactly on formatting.
var sessionSettings = []string{
	`SET DateStyle = 'ISO, DMY'`,
	`SET TimeZone = 'UTC'`,
	`SET extra_float_digits = 1`,
	`SET bytea_output = 'hex'`,
	`SET IntervalStyle = 'iso_8601'`,
}

// PgxTablePreparer implements TablePreparer against a live Postgres
// connection pool: it sets REPLICA IDENTITY FULL on every affected
// table so the logical-replication stream feeding the Shape Consumer
// carries full old-row images for updates and deletes, matching what
// the predicate/projection filtering in internal/consumer needs to
// evaluate a change correctly. It is idempotent; re-running it against
// a table that already has REPLICA IDENTITY FULL is a no-op in
// Postgres itself.
type PgxTablePreparer struct {
	pool *pgxpool.Pool
}

func NewPgxTablePreparer(pool *pgxpool.Pool) *PgxTablePreparer {
	return &PgxTablePreparer{pool: pool}
}

func (p *PgxTablePreparer) PrepareTables(ctx context.Context, tables []shapes.Table) error {
	for _, t := range tables {
		ident := pgx.Identifier{t.Schema, t.Name}.Sanitize()
		if _, err := p.pool.Exec(ctx, fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY FULL", ident)); err != nil {
			return errors.Wrapf(err, "setting replica identity full on %s", t)
		}
	}
	return nil
}

// PgxSnapshotSource implements SnapshotSource against a live Postgres
// connection pool.
type PgxSnapshotSource struct {
	pool *pgxpool.Pool
}

func NewPgxSnapshotSource(pool *pgxpool.Pool) *PgxSnapshotSource {
	return &PgxSnapshotSource{pool: pool}
}

func (p *PgxSnapshotSource) Snapshot(ctx context.Context, def shapes.Definition) (uint64, []shapes.Column, SnapshotStream, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "beginning repeatable-read read-only transaction")
	}

	var xmin uint64
	if err := tx.QueryRow(ctx, `SELECT pg_snapshot_xmin(pg_current_snapshot())`).Scan(&xmin); err != nil {
		tx.Rollback(ctx)
		return 0, nil, nil, errors.Wrap(err, "querying pg_snapshot_xmin")
	}

	for _, stmt := range sessionSettings {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			tx.Rollback(ctx)
			return 0, nil, nil, errors.Wrapf(err, "applying session setting %q", stmt)
		}
	}

	query, err := buildSnapshotQuery(def)
	if err != nil {
		tx.Rollback(ctx)
		return 0, nil, nil, err
	}
	rows, err := tx.Query(ctx, query)
	if err != nil {
		tx.Rollback(ctx)
		return 0, nil, nil, errors.Wrap(err, "opening streaming cursor")
	}

	return xmin, def.Projection, &pgxSnapshotStream{tx: tx, rows: rows}, nil
}

func buildSnapshotQuery(def shapes.Definition) (string, error) {
	if len(def.Projection) == 0 {
		return "", errors.New("snapshotter: shape has an empty projection")
	}
	names := make([]string, len(def.Projection))
	for i, col := range def.Projection {
		names[i] = pgx.Identifier{col.Name}.Sanitize()
	}
	table := pgx.Identifier{def.Root.Schema, def.Root.Name}.Sanitize()
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), table)
	if def.Where != "" {
		query += " WHERE " + def.Where
	}
	return query, nil
}

// pgxSnapshotStream adapts pgx.Rows, plus the transaction that owns
// it, to the SnapshotStream contract. The transaction stays open for
// the life of the stream and is rolled back on Close: the snapshot's
// REPEATABLE READ READ ONLY transaction only exists to pin a
// consistent view, it is never committed.
type pgxSnapshotStream struct {
	tx   pgx.Tx
	rows pgx.Rows
}

func (s *pgxSnapshotStream) Next(ctx context.Context) (Row, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return Row{}, false, errors.Wrap(err, "iterating snapshot rows")
		}
		return Row{}, false, nil
	}
	values, err := s.rows.Values()
	if err != nil {
		return Row{}, false, errors.Wrap(err, "reading snapshot row values")
	}
	for i, v := range values {
		if iv, ok := v.(pgtype.Interval); ok && iv.Valid {
			values[i] = Interval{Months: iv.Months, Days: iv.Days, Micros: iv.Microseconds}
		}
	}
	return Row{Values: values}, true, nil
}

func (s *pgxSnapshotStream) Close() {
	s.rows.Close()
	s.tx.Rollback(context.Background())
}
