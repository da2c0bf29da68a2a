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

package espjtag

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

// fakeBridge decodes the nibble stream with TDO looped back to TDI.
type fakeBridge struct {
	caps     []byte
	divisors []uint16
	tms      []bool
	tdi      []bool
	captured []bool
	resets   []bool

	last  uint8
	shift uint
}

func newFakeBridge() *fakeBridge {
	// APB 80 MHz in 10 kHz units divided by two, divisor 1..255.
	return &fakeBridge{caps: []byte{capsVersion, 10, capSpeedAPB, 8, 0x40, 0x1f, 1, 0, 255, 0}}
}

func (f *fakeBridge) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	switch {
	case rType == reqTypeStdIn && request == reqGetDescriptor:
		return copy(data, f.caps), nil
	case rType == reqTypeVendorOut && request == vendSetDiv:
		f.divisors = append(f.divisors, val)
	}
	return 0, nil
}

func (f *fakeBridge) clock(n uint8) {
	tms, tdi := n&2 != 0, n&1 != 0
	f.tms = append(f.tms, tms)
	f.tdi = append(f.tdi, tdi)
	if n&4 != 0 {
		f.captured = append(f.captured, tdi)
	}
}

func (f *fakeBridge) nibble(n uint8) {
	if n >= nibRepeat {
		count := int(n-nibRepeat) << (2 * f.shift)
		f.shift++
		for i := 0; i < count; i++ {
			f.clock(f.last)
		}
		return
	}
	f.shift = 0
	switch {
	case n < nibReset:
		f.last = n
		f.clock(n)
	case n == nibReset, n == nibReset|1:
		f.resets = append(f.resets, n&1 != 0)
	}
}

func (f *fakeBridge) Write(ctx context.Context, data []byte) error {
	for _, b := range data {
		f.nibble(b >> 4)
		f.nibble(b & 0xf)
	}
	return nil
}

func (f *fakeBridge) Read(ctx context.Context, buf []byte) (int, error) {
	n := len(f.captured)
	if n > len(buf)*8 {
		n = len(buf) * 8
	}
	b := bitseq.ToBytes(f.captured[:n])
	f.captured = f.captured[n:]
	return copy(buf, b), nil
}

func (f *fakeBridge) Close() error {
	return nil
}

func openFake(t *testing.T) (*Probe, *fakeBridge) {
	t.Helper()
	f := newFakeBridge()
	p, err := newProbe(context.Background(), f, probe.Info{Driver: probe.DriverESPUSBJTAG}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.SelectProtocol(context.Background(), probe.ProtocolJTAG); err != nil {
		t.Fatal(err)
	}
	return p, f
}

func TestCapabilities(t *testing.T) {
	p, _ := openFake(t)
	if got, want := p.baseKHz, uint32(40000); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if p.divMin != 1 || p.divMax != 255 {
		t.Errorf("got divisor range %d..%d, want 1..255", p.divMin, p.divMax)
	}
	if _, err := newProbe(context.Background(), &fakeBridge{caps: []byte{2, 2}}, probe.Info{}, 0); !dbgerr.Is(err, dbgerr.KindProbeProtocol) {
		t.Errorf("want probe protocol error, got %v", err)
	}
}

func TestSetSpeed(t *testing.T) {
	p, f := openFake(t)
	for _, c := range []struct {
		want, got uint32
	}{
		{1000, 1000},
		{3000, 2857},
		{100000, 40000},
		{0, 156},
	} {
		got, err := p.SetSpeedKHz(context.Background(), c.want)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.got {
			t.Errorf("%d kHz: got %d, want %d", c.want, got, c.got)
		}
	}
	if diff := cmp.Diff([]uint16{40, 14, 1, 255}, f.divisors); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRepeatEncoding(t *testing.T) {
	ctx := context.Background()
	var pkts [][]byte
	s := stream{send: func(ctx context.Context, pkt []byte) error {
		pkts = append(pkts, pkt)
		return nil
	}}
	for i := 0; i < 1000; i++ {
		if err := s.clock(ctx, false, false, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.finish(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.sendBuffer(ctx); err != nil {
		t.Fatal(err)
	}
	// 999 repeats is 3,1,2,3,3 in base 4.
	if diff := cmp.Diff([][]byte{{0x0f, 0xde, 0xff}}, pkts); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRawJTAGShiftLoopback(t *testing.T) {
	p, f := openFake(t)
	n := 5000
	tms := make([]bool, n)
	tdi := make([]bool, n)
	for i := range tdi {
		tdi[i] = (i/7)%3 == 0
		tms[i] = i%501 == 0
	}
	tdo, err := p.RawJTAGShift(context.Background(), tms, tdi, true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(tdi, tdo); diff != "" {
		t.Errorf("TDO mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tms, f.tms); diff != "" {
		t.Errorf("TMS mismatch (-want +got):\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	p, f := openFake(t)
	ctx := context.Background()
	if err := p.TargetResetAssert(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.TargetResetDeassert(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{true, false}, f.resets); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectSWD(t *testing.T) {
	p, _ := openFake(t)
	if _, err := p.SelectProtocol(context.Background(), probe.ProtocolSWD); !dbgerr.IsDetail(err, dbgerr.ProtocolUnsupported) {
		t.Errorf("want ProtocolUnsupported, got %v", err)
	}
}
