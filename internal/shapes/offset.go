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

package shapes

import "fmt"

// LogOffset is a totally-ordered position in a shape's append-only log:
// the replication LSN the change came from, and a tie-breaker for
// multiple changes within the same transaction. ZeroOffset is the
// minimum value and marks "snapshot complete, nothing logged yet".
type LogOffset struct {
	LSN     uint64
	OpIndex uint32
}

// ZeroOffset is the minimum LogOffset, assigned to a shape's
// latest_offset when its snapshot completes and before any transaction
// has been appended to its log.
var ZeroOffset = LogOffset{}

// Less reports whether o sorts strictly before other.
func (o LogOffset) Less(other LogOffset) bool {
	if o.LSN != other.LSN {
		return o.LSN < other.LSN
	}
	return o.OpIndex < other.OpIndex
}

// Compare returns -1, 0 or 1 as o is less than, equal to, or greater
// than other.
func (o LogOffset) Compare(other LogOffset) int {
	switch {
	case o.Less(other):
		return -1
	case other.Less(o):
		return 1
	default:
		return 0
	}
}

func (o LogOffset) String() string {
	return fmt.Sprintf("%d_%d", o.LSN, o.OpIndex)
}

// Encode returns a 12-byte big-endian key suitable for ordering LogOffsets
// lexicographically in a byte-keyed store (used by the storage backend to
// keep log entries in offset order without decoding them).
func (o LogOffset) Encode() [12]byte {
	var b [12]byte
	putUint64(b[0:8], o.LSN)
	putUint32(b[8:12], o.OpIndex)
	return b
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putUint32(b []byte, v uint32) {
	for i := 3; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
