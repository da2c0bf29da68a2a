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

package memory

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/dbgerr"
)

// wordPort is RAM at base reachable with 32-bit accesses only.
type wordPort struct {
	base   uint64
	data   []byte
	reads  int
	writes int
}

func (p *wordPort) SupportsWidth(w Width) bool {
	return w == Width32
}

func (p *wordPort) ReadBlock(ctx context.Context, w Width, addr uint64, data []byte) error {
	p.reads++
	copy(data, p.data[addr-p.base:])
	return nil
}

func (p *wordPort) WriteBlock(ctx context.Context, w Width, addr uint64, data []byte) error {
	p.writes++
	copy(p.data[addr-p.base:], data)
	return nil
}

func (p *wordPort) Flush(ctx context.Context) error {
	return nil
}

func newTestMemory() (*wordPort, *Memory) {
	p := &wordPort{base: 0x1000, data: make([]byte, 0x100)}
	for i := range p.data {
		p.data[i] = byte(i)
	}
	m := New(p, []Region{{Name: "ram", Kind: RAM, Start: 0x1000, End: 0x1100}})
	m.Strict = true
	return p, m
}

func TestSubWordEmulation(t *testing.T) {
	ctx := context.Background()
	p, m := newTestMemory()
	v, err := m.Read16(ctx, 0x1006)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, uint16(0x0706); got != want {
		t.Errorf("got: 0x%04x, want: 0x%04x", got, want)
	}
	if err := m.WriteBlock8(ctx, 0x1003, []byte{0xaa, 0xbb, 0xcc}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x01, 0x02, 0xaa, 0xbb, 0xcc, 0x06, 0x07}
	if diff := cmp.Diff(want, p.data[:8]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	// Both partial words are read back before the write.
	if got, want := p.reads, 3; got != want {
		t.Errorf("reads: got: %d, want: %d", got, want)
	}
	p.reads = 0
	if err := m.Write16(ctx, 0x1008, 0xeeff); err != nil {
		t.Fatal(err)
	}
	if got, want := p.reads, 1; got != want {
		t.Errorf("reads: got: %d, want: %d", got, want)
	}
	if diff := cmp.Diff([]byte{0xff, 0xee, 0x0a, 0x0b}, p.data[8:12]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestWidth64Emulation(t *testing.T) {
	ctx := context.Background()
	p, m := newTestMemory()
	if m.SupportsNative64() {
		t.Errorf("native 64-bit reported")
	}
	if err := m.WriteBlock64(ctx, 0x1010, []uint64{0x1122334455667788}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if diff := cmp.Diff(want, p.data[0x10:0x18]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	v, err := m.Read64(ctx, 0x1010)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, uint64(0x1122334455667788); got != want {
		t.Errorf("got: 0x%x, want: 0x%x", got, want)
	}
}

func TestAlignment(t *testing.T) {
	ctx := context.Background()
	p, m := newTestMemory()
	for _, tc := range []struct {
		w    Width
		addr uint64
	}{
		{Width16, 0x1001},
		{Width32, 0x1002},
		{Width64, 0x1004},
	} {
		err := m.read(ctx, tc.w, tc.addr, make([]byte, tc.w.Bytes()))
		if !dbgerr.IsDetail(err, dbgerr.Misaligned) {
			t.Errorf("%s at 0x%x: got: %v, want Misaligned", tc.w, tc.addr, err)
		}
		if e := dbgerr.As(err); e == nil || e.Addr != tc.addr {
			t.Errorf("%s at 0x%x: no address in %v", tc.w, tc.addr, err)
		}
	}
	if p.reads != 0 {
		t.Errorf("misaligned reads reached the port")
	}
}

func TestRegionBounds(t *testing.T) {
	ctx := context.Background()
	_, m := newTestMemory()
	// 64 words end exactly at the end of the region.
	if err := m.ReadBlock32(ctx, 0x1000, make([]uint32, 64)); err != nil {
		t.Errorf("read up to the end of the region: %v", err)
	}
	err := m.ReadBlock32(ctx, 0x1000, make([]uint32, 65))
	if !dbgerr.IsDetail(err, dbgerr.OutOfBounds) {
		t.Errorf("got: %v, want OutOfBounds", err)
	}
	if err := m.Write32(ctx, 0x0ffc, 0); !dbgerr.IsDetail(err, dbgerr.OutOfBounds) {
		t.Errorf("got: %v, want OutOfBounds", err)
	}
	m.Strict = false
	if err := m.ReadBlock32(ctx, 0x1000, make([]uint32, 64)); err != nil {
		t.Error(err)
	}
	if r, ok := m.RegionAt(0x10ff); !ok || r.Name != "ram" {
		t.Errorf("RegionAt: got: %v %t", r, ok)
	}
	if _, ok := m.RegionAt(0x1100); ok {
		t.Errorf("RegionAt: end address is outside")
	}
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	_, m := newTestMemory()
	got, err := m.Read(ctx, 0x1001, 6)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
