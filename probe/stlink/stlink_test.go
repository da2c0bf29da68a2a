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

package stlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
)

type regKey struct {
	port, addr uint16
}

// fakeLink emulates ST-Link V2-1 firmware with a DAP register file.
type fakeLink struct {
	verWord  uint16
	out      bytes.Buffer
	regs     map[regKey]uint32
	initAPs  []uint8
	divisors []uint16
	nrst     []uint8
	waits    int
	mode     uint8
	exited   int
}

func newFakeLink(jtag int) *fakeLink {
	return &fakeLink{
		verWord: uint16(2<<12 | jtag<<6 | 26),
		regs: map[regKey]uint32{
			{portDP, 0x0}:  0x2ba01477,
			{0, 0xfc}:      0x24770011,
			{1, 0xfc}:      0x14770015,
			{portDP, 0x24}: 0x0000f000,
		},
		mode: modeDebug,
	}
}

func (f *fakeLink) status(st uint8, n int) {
	f.out.WriteByte(st)
	f.out.Write(make([]byte, n-1))
}

func (f *fakeLink) Write(ctx context.Context, data []byte) error {
	switch data[0] {
	case cmdGetVersion:
		f.out.Write([]byte{uint8(f.verWord >> 8), uint8(f.verWord), 0x83, 0x04, 0x4b, 0x37})
	case cmdGetCurrentMode:
		f.out.Write([]byte{f.mode, 0})
	case cmdGetTargetVoltage:
		binary.Write(&f.out, binary.LittleEndian, uint32(1600))
		binary.Write(&f.out, binary.LittleEndian, uint32(2200))
	case cmdDebug:
		f.debug(data[1:])
	}
	return nil
}

func (f *fakeLink) debug(d []byte) {
	switch d[0] {
	case debugExit:
		f.exited++
	case debugAPIV2Enter:
		f.status(statusOK, 2)
	case debugSWDSetFreq, debugJTAGSetFreq:
		f.divisors = append(f.divisors, binary.LittleEndian.Uint16(d[1:]))
		f.status(statusOK, 2)
	case debugDriveNRST:
		f.nrst = append(f.nrst, d[1])
		f.status(statusOK, 2)
	case debugInitAP:
		f.initAPs = append(f.initAPs, d[1])
		f.status(statusOK, 2)
	case debugCloseAP:
		f.status(statusOK, 2)
	case debugReadDAPReg:
		if f.waits > 0 {
			f.waits--
			f.status(statusAPWait, 8)
			return
		}
		k := regKey{binary.LittleEndian.Uint16(d[1:]), binary.LittleEndian.Uint16(d[3:])}
		f.out.Write([]byte{statusOK, 0, 0, 0})
		binary.Write(&f.out, binary.LittleEndian, f.regs[k])
	case debugWriteDAPReg:
		k := regKey{binary.LittleEndian.Uint16(d[1:]), binary.LittleEndian.Uint16(d[3:])}
		f.regs[k] = binary.LittleEndian.Uint32(d[5:])
		f.status(statusOK, 2)
	}
}

func (f *fakeLink) ReadFull(ctx context.Context, buf []byte) error {
	_, err := f.out.Read(buf)
	return err
}

func (f *fakeLink) Close() error {
	return nil
}

func openFake(t *testing.T, f *fakeLink) *Probe {
	t.Helper()
	p, err := newProbe(context.Background(), f, probe.Info{Driver: probe.DriverSTLink, VendorID: VendorID, ProductID: pidV21})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestVersionFlags(t *testing.T) {
	for _, c := range []struct {
		stlink, jtag int
		want         []feature
		missing      []feature
	}{
		{2, 21, []feature{featTrace, featLastRWStatus2}, []feature{featSWDSetFreq, featDAPReg}},
		{2, 24, []feature{featSWDSetFreq, featDAPReg}, []feature{featAPInit}},
		{2, 28, []feature{featAPInit}, []feature{featFixCloseAP, featDPBankSel}},
		{2, 37, []feature{featAPInit, featDPBankSel}, nil},
		{3, 1, []feature{featDAPReg, featAPInit}, []feature{featDPBankSel}},
		{3, 7, []feature{featDPBankSel}, nil},
	} {
		v := version{stlink: c.stlink, jtag: c.jtag}
		v.computeFlags()
		for _, f := range c.want {
			if !v.has(f) {
				t.Errorf("V%dJ%d: missing %s", c.stlink, c.jtag, featureNames[f])
			}
		}
		for _, f := range c.missing {
			if v.has(f) {
				t.Errorf("V%dJ%d: unexpected %s", c.stlink, c.jtag, featureNames[f])
			}
		}
	}
}

func TestParseVersion(t *testing.T) {
	v := parseVersion([]byte{0x29, 0x5a, 0x83, 0x04, 0x4b, 0x37})
	if got, want := v.String(), "V2J37M26"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	v = parseVersion([]byte{0x26, 0x47, 0x83, 0x04, 0x48, 0x37})
	if got, want := v.String(), "V2J25S7"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestOpenLeavesDebugMode(t *testing.T) {
	f := newFakeLink(37)
	p := openFake(t, f)
	if got, want := f.exited, 1; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if !p.Capabilities().Has(probe.CapDAPTransfer) {
		t.Errorf("caps %s lack dap-transfer", p.Capabilities())
	}
	if p.Capabilities().Has(probe.CapRawSWD) || p.Capabilities().Has(probe.CapRawJTAG) {
		t.Errorf("caps %s must not offer raw access", p.Capabilities())
	}
	if _, err := p.RawJTAGShift(context.Background(), nil, nil, false); !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("want unsupported, got %v", err)
	}
}

func TestDAPTransferBanking(t *testing.T) {
	f := newFakeLink(37)
	p := openFake(t, f)
	ctx := context.Background()
	res, err := p.DAPTransfer(ctx, []probe.DAPRequest{
		{Addr: 0x0},
		{Write: true, Addr: 0x8, Value: 0x000000f0},
		{AP: true, Addr: 0xc},
		{Addr: 0xc},
		{Write: true, Addr: 0x8, Value: 0x010000f0},
		{AP: true, Addr: 0xc},
		{Write: true, Addr: 0x8, Value: 0x00000002},
		{Addr: 0x4},
		{Write: true, Addr: 0x8, Value: 0x00000000},
		{AP: true, Write: true, Addr: 0x4, Value: 0x20000000},
		{AP: true, Addr: 0x4},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0x2ba01477, 0x24770011, 0x24770011, 0x14770015, 0x0000f000, 0x20000000}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint8{0, 1}, f.initAPs); diff != "" {
		t.Errorf("each AP must be initialized once (-want +got):\n%s", diff)
	}
}

func TestDAPTransferWait(t *testing.T) {
	f := newFakeLink(37)
	p := openFake(t, f)
	ctx := context.Background()
	f.waits = 2
	if _, err := p.DAPTransfer(ctx, []probe.DAPRequest{{AP: true, Addr: 0xc}}); err != nil {
		t.Fatalf("WAIT should be retried: %v", err)
	}
	f.waits = 10
	_, err := p.DAPTransfer(ctx, []probe.DAPRequest{{AP: true, Addr: 0xc}})
	if !dbgerr.IsDetail(err, dbgerr.SwdWait) {
		t.Errorf("want SwdWait, got %v", err)
	}
}

func TestDPBankRequiresFirmware(t *testing.T) {
	f := newFakeLink(28)
	p := openFake(t, f)
	_, err := p.DAPTransfer(context.Background(), []probe.DAPRequest{
		{Write: true, Addr: 0x8, Value: 0x00000002},
		{Addr: 0x4},
	})
	if !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("want unsupported, got %v", err)
	}
}

func TestSetSpeed(t *testing.T) {
	f := newFakeLink(37)
	p := openFake(t, f)
	ctx := context.Background()
	if _, err := p.SelectProtocol(ctx, probe.ProtocolSWD); err != nil {
		t.Fatal(err)
	}
	got, err := p.SetSpeedKHz(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint32(950); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if got, _ := p.SetSpeedKHz(ctx, 1); got != 5 {
		t.Errorf("got: %d, want: 5", got)
	}
	if diff := cmp.Diff([]uint16{3, 798}, f.divisors); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	f := newFakeLink(37)
	p := openFake(t, f)
	ctx := context.Background()
	if err := p.TargetResetPulse(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint8{nrstLow, nrstHigh}, f.nrst); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
