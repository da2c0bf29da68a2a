//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package bitseq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBytesRoundTrip(t *testing.T) {
	in := []byte{0x9e, 0xe7, 0x05}
	bits := FromBytes(in, 19)
	if got, want := len(bits), 19; got != want {
		t.Fatalf("got: %d, want: %d", got, want)
	}
	if diff := cmp.Diff([]byte{0x9e, 0xe7, 0x05}, ToBytes(bits)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if !bits[1] || bits[0] {
		t.Errorf("bit order is not LSB first: %v", bits[:8])
	}
}

func TestUint(t *testing.T) {
	for _, c := range []struct {
		v uint64
		n int
	}{
		{0, 1}, {1, 1}, {0x1e, 5}, {0x4ba00477, 32}, {0x7ffffffff, 35},
	} {
		if got := ToUint(FromUint(c.v, c.n)); got != c.v {
			t.Errorf("0x%x/%d: got 0x%x", c.v, c.n, got)
		}
	}
}

func TestParity(t *testing.T) {
	for _, c := range []struct {
		v    uint32
		want bool
	}{
		{0, false}, {1, true}, {3, false}, {0xffffffff, false}, {0x80000000, true}, {0x12345678, true},
	} {
		if got := Parity(c.v); got != c.want {
			t.Errorf("parity(0x%x) = %t, want %t", c.v, got, c.want)
		}
	}
}
