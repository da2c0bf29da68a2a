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

package fake_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/fake"
	"github.com/mongoose-os/probekit/probe/swd"
)

func powerUp() []probe.DAPRequest {
	return []probe.DAPRequest{
		{Write: true, Addr: 0x4, Value: 0x50000001},
		{Write: true, Addr: 0x8, Value: 0},
		{AP: true, Write: true, Addr: 0x0, Value: 0x12},
	}
}

func TestDAPTransferMemory(t *testing.T) {
	ctx := context.Background()
	p := fake.New(fake.DefaultOptions())
	if _, err := p.SelectProtocol(ctx, probe.ProtocolSWD); err != nil {
		t.Fatal(err)
	}
	reqs := append(powerUp(),
		probe.DAPRequest{AP: true, Write: true, Addr: 0x4, Value: 0x20000000},
		probe.DAPRequest{AP: true, Write: true, Addr: 0xc, Value: 0x11223344},
		probe.DAPRequest{AP: true, Write: true, Addr: 0xc, Value: 0x55667788},
		probe.DAPRequest{AP: true, Write: true, Addr: 0x4, Value: 0x20000000},
		probe.DAPRequest{AP: true, Addr: 0xc},
		probe.DAPRequest{AP: true, Addr: 0xc},
		probe.DAPRequest{Addr: 0x0},
	)
	res, err := p.DAPTransfer(ctx, reqs)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x11223344, 0x55667788, 0x2ba01477}, res); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDAPTransferFaultsWithoutPower(t *testing.T) {
	ctx := context.Background()
	p := fake.New(fake.DefaultOptions())
	p.SelectProtocol(ctx, probe.ProtocolSWD)
	_, err := p.DAPTransfer(ctx, []probe.DAPRequest{{AP: true, Addr: 0xc}})
	if !dbgerr.IsDetail(err, dbgerr.SwdFault) {
		t.Fatalf("want SwdFault, got %v", err)
	}
	if p.T.DP.Ctrl()&(1<<5) == 0 {
		t.Errorf("STICKYERR not set: 0x%x", p.T.DP.Ctrl())
	}
}

func TestRawSWD(t *testing.T) {
	ctx := context.Background()
	p := fake.New(fake.DefaultOptions())
	p.SelectProtocol(ctx, probe.ProtocolSWD)
	cfg := swd.DefaultConfig()
	reqs := append(powerUp(),
		probe.DAPRequest{AP: true, Write: true, Addr: 0x4, Value: 0x20000100},
		probe.DAPRequest{AP: true, Write: true, Addr: 0xc, Value: 0xcafef00d},
		probe.DAPRequest{AP: true, Write: true, Addr: 0x4, Value: 0x20000100},
		probe.DAPRequest{AP: true, Addr: 0xc},
		probe.DAPRequest{Addr: 0x0},
	)
	res, err := swd.Transfer(ctx, p, reqs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0xcafef00d, 0x2ba01477}, res); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// WAITs are retried, each followed by an overrun clear.
	p.T.DP.InjectWaits(3)
	res, err = swd.Transfer(ctx, p, []probe.DAPRequest{
		{AP: true, Write: true, Addr: 0x4, Value: 0x20000100},
		{AP: true, Addr: 0xc},
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0xcafef00d}, res); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0x10, 0x10, 0x10}, p.T.DP.Aborts); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkLostOnReset(t *testing.T) {
	ctx := context.Background()
	opts := fake.DefaultOptions()
	opts.LoseLinkOnReset = true
	p := fake.New(opts)
	p.SelectProtocol(ctx, probe.ProtocolSWD)
	if err := p.TargetResetPulse(ctx, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !p.T.LinkLost() {
		t.Fatal("link should be lost")
	}
	_, err := p.DAPTransfer(ctx, []probe.DAPRequest{{Addr: 0x0}})
	if !dbgerr.IsDetail(err, dbgerr.SwdNoAck) {
		t.Fatalf("want SwdNoAck, got %v", err)
	}
	if err := p.SWJSequence(ctx, 64, swd.LineReset()); err != nil {
		t.Fatal(err)
	}
	// Until DPIDR is read, nothing else answers.
	if _, err := p.DAPTransfer(ctx, []probe.DAPRequest{{Addr: 0x4}}); !dbgerr.IsDetail(err, dbgerr.SwdNoAck) {
		t.Fatalf("want SwdNoAck, got %v", err)
	}
	res, err := p.DAPTransfer(ctx, []probe.DAPRequest{{Addr: 0x0}, {Addr: 0x4}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x2ba01477, 0}, res); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestScanChain(t *testing.T) {
	ctx := context.Background()
	opts := fake.DefaultOptions()
	opts.ExtraTAPs = []fake.Device{&fake.BypassTAP{IR: 5, ID: 0x06431041}}
	p := fake.New(opts)
	p.SelectProtocol(ctx, probe.ProtocolJTAG)
	e := jtag.New(p, jtag.DefaultOptions())
	chain, err := e.ScanChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []jtag.TapInfo{{IDCode: 0x4ba00477, IRLen: 4}, {IDCode: 0x06431041, IRLen: 5}}
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsupported(t *testing.T) {
	ctx := context.Background()
	opts := fake.DefaultOptions()
	opts.Caps = probe.CapSWD | probe.CapDAPTransfer
	p := fake.New(opts)
	if _, err := p.SelectProtocol(ctx, probe.ProtocolJTAG); !dbgerr.IsDetail(err, dbgerr.ProtocolUnsupported) {
		t.Errorf("want ProtocolUnsupported, got %v", err)
	}
	if _, err := p.RawSWDIO(ctx, nil, nil); !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("want UnsupportedOperation, got %v", err)
	}
	if got, want := p.SpeedKHz(), uint32(1000); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}
