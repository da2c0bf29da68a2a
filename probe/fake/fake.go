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

// Package fake simulates a debug probe wired to an ARMv7-M target: a DP
// reachable over SWD and JTAG, a MEM-AP, a Cortex-M core with an FPB, flash
// and RAM. Tests plug Go routines in place of target code, such as flash
// algorithms, and extra TAPs into the scan chain.
package fake

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

const (
	VendorID  = 0x1209
	ProductID = 0xda9e
)

type Options struct {
	Caps       probe.Capabilities
	DPIDR      uint32
	JTAGIDCode uint32
	CPUID      uint32
	NumCode    int
	FPU        bool
	FlashBase  uint32
	FlashSize  uint32
	RAMBase    uint32
	RAMSize    uint32
	SpeedSteps []uint32

	// LoseLinkOnReset drops the SWD link on system reset until a line reset.
	LoseLinkOnReset bool
	// NoDAP leaves the JTAG-DP out of the scan chain.
	NoDAP bool
	// ExtraTAPs follow the JTAG-DP in the chain, further from TDO.
	ExtraTAPs []Device
}

const AllCaps = probe.CapSWD | probe.CapJTAG | probe.CapDAPTransfer | probe.CapRawJTAG | probe.CapRawSWD |
	probe.CapSWJSequence | probe.CapSWJPins | probe.CapTargetReset | probe.CapSpeedControl

func DefaultOptions() Options {
	return Options{
		Caps:       AllCaps,
		DPIDR:      0x2ba01477,
		JTAGIDCode: 0x4ba00477,
		CPUID:      0x410fc241,
		NumCode:    6,
		FlashBase:  0x00000000,
		FlashSize:  256 * 1024,
		RAMBase:    0x20000000,
		RAMSize:    64 * 1024,
		SpeedSteps: []uint32{100, 500, 1000, 2000, 4000},
	}
}

// Target is the simulated chip.
type Target struct {
	Bus   *Bus
	DP    *DP
	APs   []*MemAP
	Core  *Core
	Flash *Region
	RAM   *Region

	// RegAPs are register-file APs by APSEL. They take precedence over APs.
	RegAPs map[int]*RegAP

	opts     Options
	linkLost bool
	needIDR  bool
}

// Reset vector contents of a fresh target.
const (
	InitialSP = 0x20010000
	InitialPC = 0x00000100
)

func NewTarget(opts Options) *Target {
	t := &Target{opts: opts}
	t.Flash = &Region{Name: "flash", Start: opts.FlashBase, Data: make([]byte, opts.FlashSize), ReadOnly: true}
	for i := range t.Flash.Data {
		t.Flash.Data[i] = 0xff
	}
	t.RAM = &Region{Name: "ram", Start: opts.RAMBase, Data: make([]byte, opts.RAMSize)}
	t.Bus = &Bus{Regions: []*Region{t.Flash, t.RAM}}
	t.Core = newCore(t, opts.CPUID, opts.NumCode, opts.FPU)
	rom := &component{
		base:  romBase,
		cidr1: 0x10,
		pidr:  armPIDR(0x4c4),
		entries: []uint32{
			romEntry(scsBase),
			romEntry(dwtBase),
			romEntry(fpbBase),
			0,
		},
	}
	dwt := &component{base: dwtBase, cidr1: 0xe0, pidr: armPIDR(0x002)}
	t.Bus.Peripherals = []Peripheral{t.Core, rom, dwt}
	t.DP = &DP{t: t, IDR: opts.DPIDR}
	t.APs = []*MemAP{{IDR: 0x24770011, Base: romBase | 3, Bus: t.Bus}}
	if opts.FlashSize >= 8 {
		vec := make([]byte, 8)
		putLE32(vec, InitialSP)
		putLE32(vec[4:], InitialPC|1)
		t.Bus.Load(opts.FlashBase, vec)
		for a := uint32(InitialPC); a < InitialPC+0x100 && a+2 <= opts.FlashBase+opts.FlashSize; a += 2 {
			t.Bus.Load(a, []byte{0x00, 0xbf}) // NOP
		}
	}
	t.Core.reset()
	t.Core.Resets = 0
	return t
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// SystemReset resets the core and, with LoseLinkOnReset, the debug link.
func (t *Target) SystemReset() {
	glog.V(2).Infof("fake: system reset")
	t.Core.reset()
	if t.opts.LoseLinkOnReset {
		t.linkLost = true
		t.DP.reset()
	}
}

// LinkLost reports whether the SWD link is down.
func (t *Target) LinkLost() bool {
	return t.linkLost
}

func (t *Target) lineReset() {
	t.linkLost = false
	t.needIDR = true
}

func (t *Target) tick() {
	t.Core.tick()
}

func (t *Target) swdAck(ap, read bool, addr uint8) ack {
	if t.linkLost {
		return ackNone
	}
	if t.needIDR && (ap || !read || addr != 0) {
		return ackNone
	}
	return ackOK
}

// Probe is the simulated adapter.
type Probe struct {
	T *Target

	opts     Options
	proto    probe.Protocol
	speed    uint32
	attached bool
	reset    bool
	chain    *Chain
	swd      swdLine

	// Sequences records SWJ sequences as bit slices.
	Sequences [][]bool
	// JTAGChain is the last chain configuration passed by the host.
	JTAGChain []int
	Closed    bool
}

func New(opts Options) *Probe {
	return NewWithTarget(NewTarget(opts), opts)
}

func NewWithTarget(t *Target, opts Options) *Probe {
	p := &Probe{T: t, opts: opts, speed: 1000}
	var devs []Device
	if !opts.NoDAP {
		devs = append(devs, &jtagDP{t: t, idcode: opts.JTAGIDCode})
	}
	p.chain = NewChain(append(devs, opts.ExtraTAPs...)...)
	p.swd = swdLine{t: t, trn: 1}
	return p
}

// Chain is the simulated scan chain.
func (p *Probe) Chain() *Chain {
	return p.chain
}

func (p *Probe) Info() probe.Info {
	return probe.Info{Driver: probe.DriverFake, VendorID: VendorID, ProductID: ProductID, Serial: "fake", Product: "simulated probe"}
}

func (p *Probe) Capabilities() probe.Capabilities {
	return p.opts.Caps
}

func (p *Probe) unsupported(what string) error {
	return dbgerr.Unsupported("fake: %s is not supported", what)
}

func (p *Probe) SelectProtocol(ctx context.Context, proto probe.Protocol) (probe.Protocol, error) {
	switch {
	case proto == probe.ProtocolSWD && p.opts.Caps.Has(probe.CapSWD),
		proto == probe.ProtocolJTAG && p.opts.Caps.Has(probe.CapJTAG):
		p.proto = proto
		return proto, nil
	}
	return probe.ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "fake: %s is not supported", proto)
}

func (p *Probe) Protocol() probe.Protocol {
	return p.proto
}

func (p *Probe) SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error) {
	if !p.opts.Caps.Has(probe.CapSpeedControl) {
		return 0, p.unsupported("speed control")
	}
	p.speed = probe.PickSpeed(p.opts.SpeedSteps, khz)
	return p.speed, nil
}

func (p *Probe) SpeedKHz() uint32 {
	return p.speed
}

func (p *Probe) Attach(ctx context.Context) error {
	p.attached = true
	return nil
}

func (p *Probe) Detach(ctx context.Context) error {
	p.attached = false
	return nil
}

func (p *Probe) Attached() bool {
	return p.attached
}

func (p *Probe) TargetResetAssert(ctx context.Context) error {
	if !p.opts.Caps.Has(probe.CapTargetReset) {
		return p.unsupported("reset")
	}
	p.reset = true
	return nil
}

func (p *Probe) TargetResetDeassert(ctx context.Context) error {
	if !p.opts.Caps.Has(probe.CapTargetReset) {
		return p.unsupported("reset")
	}
	if p.reset {
		p.T.SystemReset()
	}
	p.reset = false
	return nil
}

func (p *Probe) TargetResetPulse(ctx context.Context, d time.Duration) error {
	return probe.PulseReset(ctx, p, d)
}

func (p *Probe) SWJSequence(ctx context.Context, bitCount int, bits []byte) error {
	if !p.opts.Caps.Has(probe.CapSWJSequence) {
		return p.unsupported("SWJ sequence")
	}
	seq := bitseq.FromBytes(bits, bitCount)
	p.Sequences = append(p.Sequences, seq)
	ones := 0
	for _, b := range seq {
		if b {
			ones++
			continue
		}
		if ones >= 50 {
			p.T.lineReset()
		}
		ones = 0
	}
	if ones >= 50 {
		p.T.lineReset()
	}
	p.swd.reset()
	if p.proto == probe.ProtocolJTAG || p.opts.Caps&probe.CapSWD == 0 {
		p.chain.Shift(seq, bitseq.Repeat(true, len(seq)))
	}
	return nil
}

func (p *Probe) SWJPins(ctx context.Context, set, clear uint8, wait time.Duration) (uint8, error) {
	if !p.opts.Caps.Has(probe.CapSWJPins) {
		return 0, p.unsupported("SWJ pins")
	}
	if clear&probe.PinNRESET != 0 {
		p.reset = true
	}
	if set&probe.PinNRESET != 0 && p.reset {
		p.T.SystemReset()
		p.reset = false
	}
	pins := probe.PinSWDIO | probe.PinTDO | probe.PinNTRST
	if !p.reset {
		pins |= probe.PinNRESET
	}
	return pins, nil
}

func (p *Probe) RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error) {
	if !p.opts.Caps.Has(probe.CapRawJTAG) {
		return nil, p.unsupported("raw JTAG")
	}
	return p.chain.RawJTAGShift(ctx, tms, tdi, capture)
}

func (p *Probe) RawSWDIO(ctx context.Context, dir, out []bool) ([]bool, error) {
	if !p.opts.Caps.Has(probe.CapRawSWD) {
		return nil, p.unsupported("raw SWD")
	}
	return p.swd.io(dir, out), nil
}

func (p *Probe) DAPTransfer(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error) {
	if !p.opts.Caps.Has(probe.CapDAPTransfer) {
		return nil, p.unsupported("DAP transfers")
	}
	var res []uint32
	for _, r := range reqs {
		if p.proto == probe.ProtocolSWD && p.T.swdAck(r.AP, !r.Write, r.Addr) != ackOK {
			return res, dbgerr.Wire(dbgerr.SwdNoAck, "%s: no acknowledge", r)
		}
		if p.proto == probe.ProtocolJTAG && p.T.linkLost {
			return res, dbgerr.Wire(dbgerr.JtagBadAck, "%s: bad acknowledge", r)
		}
		var v uint32
		var a ack
		for i := 0; ; i++ {
			v, a = p.T.DP.access(r.AP, r.Write, r.Addr, r.Value)
			if a != ackWait || i >= 128 {
				break
			}
		}
		switch a {
		case ackWait:
			return res, dbgerr.Wire(dbgerr.SwdWait, "%s: WAIT", r)
		case ackFault:
			return res, dbgerr.Wire(dbgerr.SwdFault, "%s: FAULT", r)
		}
		if !r.AP && !r.Write && r.Addr == 0 {
			p.T.needIDR = false
		}
		if !r.Write {
			res = append(res, v)
		}
	}
	return res, nil
}

func (p *Probe) ConfigureJTAGChain(ctx context.Context, irLens []int, selected int) error {
	p.JTAGChain = append([]int(nil), irLens...)
	return nil
}

func (p *Probe) Flush(ctx context.Context) error {
	return nil
}

func (p *Probe) Close(ctx context.Context) error {
	p.Closed = true
	return nil
}
