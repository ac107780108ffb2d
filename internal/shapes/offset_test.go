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

import (
	"bytes"
	"testing"
)

func TestLogOffsetLess(t *testing.T) {
	cases := []struct {
		a, b LogOffset
		want bool
	}{
		{LogOffset{1, 0}, LogOffset{2, 0}, true},
		{LogOffset{2, 0}, LogOffset{1, 0}, false},
		{LogOffset{1, 0}, LogOffset{1, 1}, true},
		{LogOffset{1, 1}, LogOffset{1, 0}, false},
		{LogOffset{1, 1}, LogOffset{1, 1}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%s.Less(%s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestLogOffsetCompare(t *testing.T) {
	if ZeroOffset.Compare(ZeroOffset) != 0 {
		t.Fatalf("expected ZeroOffset to compare equal to itself")
	}
	lo := LogOffset{LSN: 10, OpIndex: 0}
	if lo.Compare(ZeroOffset) <= 0 {
		t.Fatalf("expected non-zero offset to compare greater than ZeroOffset")
	}
}

func TestLogOffsetEncodeOrdering(t *testing.T) {
	offsets := []LogOffset{
		{LSN: 0, OpIndex: 0},
		{LSN: 1, OpIndex: 0},
		{LSN: 1, OpIndex: 1},
		{LSN: 2, OpIndex: 0},
		{LSN: 1 << 40, OpIndex: 5},
	}
	for i := 1; i < len(offsets); i++ {
		prev := offsets[i-1].Encode()
		cur := offsets[i].Encode()
		if bytes.Compare(prev[:], cur[:]) >= 0 {
			t.Fatalf("expected Encode() of %s to sort before %s", offsets[i-1], offsets[i])
		}
	}
}

func TestLogOffsetString(t *testing.T) {
	lo := LogOffset{LSN: 42, OpIndex: 3}
	if got, want := lo.String(), "42_3"; got != want {
		t.Fatalf("LogOffset.String() = %q, want %q", got, want)
	}
}
