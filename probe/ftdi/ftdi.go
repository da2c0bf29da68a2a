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

// Package ftdi drives FTDI MPSSE based JTAG adapters (FT2232C/D/H, FT4232H,
// FT232H and boards built on them). Only JTAG is supported.
package ftdi

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
	"github.com/mongoose-os/probekit/retry"
)

// SIO control requests, sent to the interface index (1 for interface A).
const (
	sioReset      = 0x00
	sioSetLatency = 0x09
	sioSetBitmode = 0x0b

	sioResetSIO     = 0
	sioResetPurgeRX = 1
	sioResetPurgeTX = 2

	bitmodeReset = 0x00
	bitmodeMPSSE = 0x02

	reqTypeVendorOut = 0x40
	intfA            = 1
)

// Low byte pins shared by all layouts.
const (
	pinTCK = 1 << 0
	pinTDI = 1 << 1
	pinTDO = 1 << 2
	pinTMS = 1 << 3

	jtagDir = pinTCK | pinTDI | pinTMS
)

const (
	defaultSpeedKHz = 1000
	readTimeout     = 500 * time.Millisecond
)

type chipType int

const (
	chipUnknown chipType = iota
	chipFT2232C
	chipFT2232H
	chipFT4232H
	chipFT232H
)

var chipNames = map[chipType]string{
	chipFT2232C: "FT2232C",
	chipFT2232H: "FT2232H",
	chipFT4232H: "FT4232H",
	chipFT232H:  "FT232H",
}

// chipFromBCD classifies a chip by its bcdDevice.
func chipFromBCD(bcd uint16) chipType {
	switch bcd {
	case 0x500:
		return chipFT2232C
	case 0x700:
		return chipFT2232H
	case 0x800:
		return chipFT4232H
	case 0x900:
		return chipFT232H
	}
	return chipUnknown
}

type chipProps struct {
	bufferSize int
	maxKHz     uint32
	highSpeed  bool
}

var chips = map[chipType]chipProps{
	chipFT2232C: {bufferSize: 128, maxKHz: 6000},
	chipFT2232H: {bufferSize: 4096, maxKHz: 30000, highSpeed: true},
	chipFT4232H: {bufferSize: 4096, maxKHz: 30000, highSpeed: true},
	chipFT232H:  {bufferSize: 1024, maxKHz: 30000, highSpeed: true},
}

type conn interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, buf []byte) (int, error)
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	MaxPacketSize() int
	Close() error
}

// Probe is an FTDI MPSSE adapter.
type Probe struct {
	probe.Unsupported

	c        conn
	info     probe.Info
	chip     chipType
	props    chipProps
	layout   layout
	pins     uint16
	dir      uint16
	tmsLevel bool
	attached bool
	speedKHz uint32

	cmds  []byte
	reads []int
	tdo   []bool
}

func newProbe(c conn, info probe.Info, chip chipType, l layout) *Probe {
	props, ok := chips[chip]
	if !ok {
		props = chips[l.fallback]
		chip = l.fallback
	}
	info.Firmware = chipNames[chip]
	return &Probe{
		Unsupported: probe.Unsupported{Name: "FTDI"},
		c:           c,
		info:        info,
		chip:        chip,
		props:       props,
		layout:      l,
		speedKHz:    defaultSpeedKHz,
	}
}

func (p *Probe) Info() probe.Info {
	return p.info
}

func (p *Probe) Capabilities() probe.Capabilities {
	c := probe.CapJTAG | probe.CapRawJTAG | probe.CapSWJSequence | probe.CapSWJPins | probe.CapSpeedControl
	if p.layout.srst != 0 {
		c |= probe.CapTargetReset
	}
	return c
}

func (p *Probe) Protocol() probe.Protocol {
	if p.attached {
		return probe.ProtocolJTAG
	}
	return probe.ProtocolNone
}

func (p *Probe) SelectProtocol(ctx context.Context, proto probe.Protocol) (probe.Protocol, error) {
	if proto != probe.ProtocolJTAG {
		return probe.ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "FTDI: %s is not supported", proto)
	}
	if err := p.Attach(ctx); err != nil {
		return probe.ProtocolNone, errors.Trace(err)
	}
	return proto, nil
}

func (p *Probe) sio(request uint8, val uint16) error {
	_, err := p.c.Control(reqTypeVendorOut, request, val, intfA, nil)
	return errors.Annotatef(err, "SIO request 0x%02x", request)
}

// Attach puts the interface into MPSSE mode and drives the layout's idle pin
// state.
func (p *Probe) Attach(ctx context.Context) error {
	if p.attached {
		return nil
	}
	if err := p.sio(sioReset, sioResetSIO); err != nil {
		return errors.Trace(err)
	}
	if err := p.sio(sioSetBitmode, bitmodeMPSSE<<8|jtagDir); err != nil {
		return errors.Trace(err)
	}
	if err := p.sio(sioSetLatency, 1); err != nil {
		return errors.Trace(err)
	}
	if err := p.sio(sioReset, sioResetPurgeRX); err != nil {
		return errors.Trace(err)
	}
	if err := p.sio(sioReset, sioResetPurgeTX); err != nil {
		return errors.Trace(err)
	}
	p.cmds, p.reads, p.tdo = nil, nil, nil
	p.pins, p.dir = p.layout.initPins, p.layout.initDir
	p.tmsLevel = true
	setup := append(p.pinCommands(), opLoopbackOff)
	if p.props.highSpeed {
		setup = append(setup, opDisableAdaptive, opDisable3Phase)
	}
	if err := p.queue(ctx, mpsseCmd{data: setup}); err != nil {
		return errors.Annotatef(err, "MPSSE setup")
	}
	if err := p.flush(ctx); err != nil {
		return errors.Annotatef(err, "MPSSE setup")
	}
	p.attached = true
	if _, err := p.SetSpeedKHz(ctx, p.speedKHz); err != nil {
		return errors.Trace(err)
	}
	glog.V(1).Infof("%s: %s attached, layout %s", p.info, chipNames[p.chip], p.layout.name)
	return nil
}

func (p *Probe) Detach(ctx context.Context) error {
	if !p.attached {
		return nil
	}
	p.attached = false
	return errors.Trace(p.sio(sioSetBitmode, bitmodeReset<<8))
}

// divisor computes the clock divisor for khz: TCK = max / (divisor + 1),
// rounded so that the result never exceeds khz.
func (p *Probe) divisor(khz uint32) uint16 {
	if khz == 0 {
		return 0xffff
	}
	d := p.props.maxKHz / khz
	if d > 0 && p.props.maxKHz%khz == 0 {
		d--
	}
	if d > 0xffff {
		d = 0xffff
	}
	return uint16(d)
}

func (p *Probe) SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error) {
	d := p.divisor(khz)
	actual := p.props.maxKHz / (uint32(d) + 1)
	p.speedKHz = actual
	if !p.attached {
		return actual, nil
	}
	var cmd []byte
	if p.props.highSpeed {
		cmd = append(cmd, opDisableDiv5)
	}
	cmd = append(cmd, opClockDivisor, byte(d), byte(d>>8))
	if err := p.queue(ctx, mpsseCmd{data: cmd}); err != nil {
		return 0, errors.Annotatef(err, "failed to set speed")
	}
	if err := p.flush(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to set speed")
	}
	glog.V(2).Infof("speed %d kHz -> %d kHz (divisor %d)", khz, actual, d)
	return actual, nil
}

func (p *Probe) SpeedKHz() uint32 {
	return p.speedKHz
}

func (p *Probe) pinCommands() []byte {
	return []byte{
		opSetLow, byte(p.pins), byte(p.dir),
		opSetHigh, byte(p.pins >> 8), byte(p.dir >> 8),
	}
}

// setSignal drives an active-low layout signal.
func (p *Probe) setSignal(ctx context.Context, mask uint16, asserted bool) error {
	if err := p.Attach(ctx); err != nil {
		return errors.Trace(err)
	}
	if asserted {
		p.pins &^= mask
	} else {
		p.pins |= mask
	}
	p.dir |= mask
	if err := p.queue(ctx, mpsseCmd{data: p.pinCommands()}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.flush(ctx))
}

func (p *Probe) TargetResetAssert(ctx context.Context) error {
	if p.layout.srst == 0 {
		return p.Unsupported.TargetResetAssert(ctx)
	}
	return p.setSignal(ctx, p.layout.srst, true)
}

func (p *Probe) TargetResetDeassert(ctx context.Context) error {
	if p.layout.srst == 0 {
		return p.Unsupported.TargetResetDeassert(ctx)
	}
	return p.setSignal(ctx, p.layout.srst, false)
}

func (p *Probe) TargetResetPulse(ctx context.Context, d time.Duration) error {
	return probe.PulseReset(ctx, p, d)
}

// SWJPins drives nTRST and nRESET where the layout wires them and samples
// the JTAG lines.
func (p *Probe) SWJPins(ctx context.Context, set, clear uint8, wait time.Duration) (uint8, error) {
	if (set|clear)&^(probe.PinNTRST|probe.PinNRESET) != 0 {
		return 0, dbgerr.Unsupported("FTDI: only nTRST and nRESET can be driven")
	}
	if err := p.Attach(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	for _, s := range []struct {
		pin  uint8
		mask uint16
	}{{probe.PinNTRST, p.layout.trst}, {probe.PinNRESET, p.layout.srst}} {
		if (set|clear)&s.pin == 0 {
			continue
		}
		if s.mask == 0 {
			return 0, dbgerr.Unsupported("FTDI layout %s has no pin 0x%02x", p.layout.name, s.pin)
		}
		if err := p.setSignal(ctx, s.mask, clear&s.pin != 0); err != nil {
			return 0, errors.Trace(err)
		}
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	if err := p.queue(ctx, mpsseCmd{data: []byte{opGetLow, opGetHigh}, reads: []int{8, 8}}); err != nil {
		return 0, errors.Trace(err)
	}
	if err := p.flush(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	bits := p.takeTDO()
	v := uint16(bitseq.ToUint(bits))
	var res uint8
	for _, m := range []struct {
		mask uint16
		pin  uint8
	}{
		{pinTCK, probe.PinSWCLK},
		{pinTDI, probe.PinTDI},
		{pinTDO, probe.PinTDO},
		{pinTMS, probe.PinSWDIO},
		{p.layout.trst, probe.PinNTRST},
		{p.layout.srst, probe.PinNRESET},
	} {
		if m.mask != 0 && v&m.mask != 0 {
			res |= m.pin
		}
	}
	return res, nil
}

// queue appends a command, sending the buffer first if it would overflow.
func (p *Probe) queue(ctx context.Context, c mpsseCmd) error {
	if len(p.cmds)+len(c.data)+1 > p.props.bufferSize {
		if err := p.send(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	p.cmds = append(p.cmds, c.data...)
	p.reads = append(p.reads, c.reads...)
	return nil
}

// send writes the queued commands followed by SEND_IMMEDIATE and collects
// the response.
func (p *Probe) send(ctx context.Context) error {
	if len(p.cmds) == 0 {
		return nil
	}
	buf := append(p.cmds, opSendImmediate)
	reads := p.reads
	p.cmds, p.reads = nil, nil
	glog.V(4).Infof(" => %s", hex.EncodeToString(buf))
	if err := p.c.Write(ctx, buf); err != nil {
		return errors.Annotatef(err, "MPSSE write")
	}
	if len(reads) == 0 {
		return nil
	}
	resp, err := p.readResponse(ctx, len(reads))
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	p.tdo = append(p.tdo, decodeReads(resp, reads)...)
	return nil
}

func (p *Probe) readResponse(ctx context.Context, n int) ([]byte, error) {
	mps := p.c.MaxPacketSize()
	if mps <= 2 {
		mps = 64
	}
	var resp []byte
	buf := make([]byte, mps*((n+mps-3)/(mps-2)+1))
	err := retry.Poll(ctx, "MPSSE response", readTimeout, 0, func() (bool, error) {
		got, err := p.c.Read(ctx, buf)
		if err != nil {
			return false, errors.Trace(err)
		}
		resp = append(resp, stripStatus(buf[:got], mps)...)
		return len(resp) >= n, nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "got %d of %d response bytes", len(resp), n)
	}
	if len(resp) != n {
		return nil, dbgerr.ProbeProtocol("MPSSE returned %d bytes, want %d", len(resp), n)
	}
	return resp, nil
}

func (p *Probe) flush(ctx context.Context) error {
	return p.send(ctx)
}

func (p *Probe) takeTDO() []bool {
	res := p.tdo
	p.tdo = nil
	return res
}

func (p *Probe) Flush(ctx context.Context) error {
	return errors.Trace(p.flush(ctx))
}

// RawJTAGShift encodes the cycles into byte, bit and TMS commands and runs
// them in as few USB round trips as the chip buffer allows.
func (p *Probe) RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error) {
	if len(tms) != len(tdi) {
		return nil, errors.Errorf("tms and tdi lengths differ: %d != %d", len(tms), len(tdi))
	}
	if err := p.Attach(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	cmds, level := encodeShift(tms, tdi, capture, p.tmsLevel, p.props.bufferSize-4)
	p.tmsLevel = level
	p.tdo = nil
	for _, c := range cmds {
		if err := p.queue(ctx, c); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := p.flush(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	tdo := p.takeTDO()
	if capture && len(tdo) != len(tms) {
		return nil, dbgerr.ProbeProtocol("captured %d bits, want %d", len(tdo), len(tms))
	}
	if !capture {
		return nil, nil
	}
	return tdo, nil
}

// SWJSequence clocks the bits on TMS with TDI low.
func (p *Probe) SWJSequence(ctx context.Context, bitCount int, bits []byte) error {
	_, err := p.RawJTAGShift(ctx, bitseq.FromBytes(bits, bitCount), make([]bool, bitCount), false)
	return errors.Trace(err)
}

func (p *Probe) Close(ctx context.Context) error {
	p.Detach(ctx)
	return p.c.Close()
}
