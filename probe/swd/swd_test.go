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

package swd

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

// lineTarget decodes raw SWD cycles into accesses on a register model.
type lineTarget struct {
	trn     int
	dp      map[uint8]uint32
	ap      map[uint8]uint32
	posted  uint32
	waits   int
	fault   bool
	badPar  bool
	headers []uint8
	targets []uint32
	aborts  []uint32
}

func (l *lineTarget) RawSWDIO(ctx context.Context, dir, out []bool) ([]bool, error) {
	in := make([]bool, len(dir))
	h := uint8(bitseq.ToUint(out[:8]))
	l.headers = append(l.headers, h)
	ap := h&(1<<1) != 0
	read := h&(1<<2) != 0
	addr := (h >> 1) & 0xc
	ackPos := 8 + l.trn
	if !ap && !read && addr == 0xc && len(dir) > ackPos+3+l.trn+33 && !dir[ackPos+3] {
		// TARGETSEL-shaped: no ACK driven.
		l.targets = append(l.targets, uint32(bitseq.ToUint(out[ackPos+3+l.trn:ackPos+3+l.trn+32])))
		return in, nil
	}
	ack := uint8(AckOK)
	abort := !ap && !read && addr == regABORT
	switch {
	case abort:
	case l.waits > 0:
		l.waits--
		ack = AckWait
	case l.fault:
		ack = AckFault
	}
	copy(in[ackPos:], bitseq.FromUint(uint64(ack), 3))
	if ack != AckOK {
		return in, nil
	}
	dataPos := ackPos + 3
	if read {
		var v uint32
		switch {
		case ap:
			v = l.posted
			l.posted = l.ap[addr]
		case addr == regRDBUFF:
			v = l.posted
		default:
			v = l.dp[addr]
		}
		copy(in[dataPos:], bitseq.FromUint(uint64(v), 32))
		in[dataPos+32] = bitseq.Parity(v) != l.badPar
		return in, nil
	}
	v := uint32(bitseq.ToUint(out[dataPos+l.trn : dataPos+l.trn+32]))
	switch {
	case abort:
		l.aborts = append(l.aborts, v)
	case ap:
		l.ap[addr] = v
	default:
		l.dp[addr] = v
	}
	return in, nil
}

func newLine() *lineTarget {
	return &lineTarget{trn: 1, dp: map[uint8]uint32{0: 0x2ba01477}, ap: map[uint8]uint32{}}
}

func TestHeader(t *testing.T) {
	for _, c := range []struct {
		ap, read bool
		addr     uint8
		want     uint8
	}{
		{false, true, 0x0, 0xa5}, // DPIDR read
		{false, false, 0x8, 0xb1}, // SELECT write
		{true, true, 0xc, 0x9f},   // DRW read
		{false, true, 0xc, 0xbd},  // RDBUFF read
		{false, false, 0x4, 0xa9}, // CTRL/STAT write
	} {
		if got := Header(c.ap, c.read, c.addr); got != c.want {
			t.Errorf("Header(%t, %t, 0x%x) = 0x%02x, want 0x%02x", c.ap, c.read, c.addr, got, c.want)
		}
	}
}

func TestTransactRead(t *testing.T) {
	l := newLine()
	v, err := Transact(context.Background(), l, probe.DAPRequest{Addr: 0}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, uint32(0x2ba01477); got != want {
		t.Errorf("got: 0x%x, want: 0x%x", got, want)
	}
}

func TestWaitRetry(t *testing.T) {
	l := newLine()
	l.waits = 5
	cfg := DefaultConfig()
	if _, err := Transact(context.Background(), l, probe.DAPRequest{Addr: 0}, cfg); err != nil {
		t.Fatalf("retries should absorb WAIT: %v", err)
	}
	// Every WAIT is followed by an ABORT clearing the overrun.
	if got, want := len(l.headers), 11; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if diff := cmp.Diff([]uint32{0x10, 0x10, 0x10, 0x10, 0x10}, l.aborts); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	l = newLine()
	l.waits = 1000
	cfg.WaitRetries = 3
	_, err := Transact(context.Background(), l, probe.DAPRequest{Addr: 0}, cfg)
	if !dbgerr.IsDetail(err, dbgerr.SwdWait) {
		t.Fatalf("want SwdWait, got %v", err)
	}
	if got, want := len(l.headers), 7; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func TestFaultAndParity(t *testing.T) {
	l := newLine()
	l.fault = true
	_, err := Transact(context.Background(), l, probe.DAPRequest{Addr: 4}, DefaultConfig())
	if !dbgerr.IsDetail(err, dbgerr.SwdFault) {
		t.Errorf("want fault, got %v", err)
	}
	l = newLine()
	l.badPar = true
	_, err = Transact(context.Background(), l, probe.DAPRequest{Addr: 0}, DefaultConfig())
	if !dbgerr.IsDetail(err, dbgerr.SwdParity) {
		t.Errorf("want parity, got %v", err)
	}
}

func TestTransferPostedReads(t *testing.T) {
	l := newLine()
	l.ap[0x0] = 0x23000052
	l.ap[0x4] = 0x20000000
	l.ap[0xc] = 0xdeadbeef
	res, err := Transfer(context.Background(), l, []probe.DAPRequest{
		{AP: true, Addr: 0x0},
		{AP: true, Addr: 0x4},
		{Addr: 0x0},
		{AP: true, Addr: 0xc},
		{AP: true, Write: true, Addr: 0x4, Value: 0x1000},
	}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x23000052, 0x20000000, 0x2ba01477, 0xdeadbeef}, res); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got, want := l.ap[0x4], uint32(0x1000); got != want {
		t.Errorf("got: 0x%x, want: 0x%x", got, want)
	}
}

func TestWriteTargetSel(t *testing.T) {
	l := newLine()
	if err := WriteTargetSel(context.Background(), l, 0x01002927, DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x01002927}, l.targets); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
