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

// Package espjtag drives the USB-JTAG bridge built into Espressif ESP32-C3,
// ESP32-S3 and later chips.
package espjtag

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
	"github.com/mongoose-os/probekit/retry"
)

const (
	VendorID  = 0x303a
	ProductID = 0x1001
)

const (
	descCapabilities = 0x20
	capsVersion      = 1
	capSpeedAPB      = 1

	reqGetDescriptor = 0x06
	reqTypeStdIn     = 0x80
	reqTypeVendorOut = 0x40
	vendSetDiv       = 0x00

	descTimeout = 5 * time.Second
)

type conn interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, buf []byte) (int, error)
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// Probe is an ESP USB-JTAG bridge.
type Probe struct {
	probe.Unsupported

	c        conn
	info     probe.Info
	intf     uint16
	baseKHz  uint32
	divMin   uint16
	divMax   uint16
	speedKHz uint32
	attached bool

	s   stream
	tdo []bool
}

func newProbe(ctx context.Context, c conn, info probe.Info, intf int) (*Probe, error) {
	p := &Probe{
		Unsupported: probe.Unsupported{Name: "ESP USB-JTAG"},
		c:           c,
		info:        info,
		intf:        uint16(intf),
		baseKHz:     1000,
		divMin:      1,
		divMax:      1,
	}
	p.s.send = p.sendPacket
	if err := p.readCapabilities(ctx); err != nil {
		c.Close()
		return nil, errors.Trace(err)
	}
	p.speedKHz = p.baseKHz / uint32(p.divMin)
	return p, nil
}

// readCapabilities fetches the vendor capabilities descriptor. The device
// may answer with an empty descriptor for a while after enumeration.
func (p *Probe) readCapabilities(ctx context.Context) error {
	buf := make([]byte, 256)
	var n int
	err := retry.Poll(ctx, "capabilities descriptor", descTimeout, 10*time.Millisecond, func() (bool, error) {
		var err error
		n, err = p.c.Control(reqTypeStdIn, reqGetDescriptor, descCapabilities<<8, 0, buf)
		if err != nil {
			return false, errors.Trace(err)
		}
		return n > 0, nil
	})
	if err != nil {
		return errors.Annotatef(err, "failed to read capabilities")
	}
	return errors.Trace(p.parseCapabilities(buf[:n]))
}

func (p *Probe) parseCapabilities(d []byte) error {
	glog.V(4).Infof("caps: %s", hex.EncodeToString(d))
	if len(d) < 2 {
		return dbgerr.ProbeProtocol("short capabilities descriptor")
	}
	if d[0] != capsVersion {
		return dbgerr.ProbeProtocol("unknown capabilities version %d", d[0])
	}
	total := int(d[1])
	if total > len(d) {
		total = len(d)
	}
	for i := 2; i+2 <= total; {
		typ, l := d[i], int(d[i+1])
		if l < 2 || i+l > total {
			return dbgerr.ProbeProtocol("bad capability at %d", i)
		}
		body := d[i+2 : i+l]
		switch {
		case typ == capSpeedAPB && len(body) >= 6:
			p.baseKHz = uint32(binary.LittleEndian.Uint16(body)) * 10 / 2
			p.divMin = binary.LittleEndian.Uint16(body[2:])
			p.divMax = binary.LittleEndian.Uint16(body[4:])
			if p.divMin == 0 {
				p.divMin = 1
			}
			if p.divMax < p.divMin {
				p.divMax = p.divMin
			}
		default:
			glog.V(2).Infof("unknown capability type %d", typ)
		}
		i += l
	}
	glog.V(1).Infof("%s: base %d kHz, divisor %d..%d", p.info, p.baseKHz, p.divMin, p.divMax)
	return nil
}

func (p *Probe) Info() probe.Info {
	return p.info
}

func (p *Probe) Capabilities() probe.Capabilities {
	return probe.CapJTAG | probe.CapRawJTAG | probe.CapSWJSequence | probe.CapTargetReset | probe.CapSpeedControl
}

func (p *Probe) Protocol() probe.Protocol {
	return probe.ProtocolJTAG
}

func (p *Probe) SelectProtocol(ctx context.Context, proto probe.Protocol) (probe.Protocol, error) {
	if proto != probe.ProtocolJTAG {
		return probe.ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "ESP USB-JTAG: %s is not supported", proto)
	}
	return proto, errors.Trace(p.Attach(ctx))
}

// Attach drains stale capture data left by a previous session.
func (p *Probe) Attach(ctx context.Context) error {
	if p.attached {
		return nil
	}
	buf := make([]byte, inBufSize)
	for i := 0; i < 16; i++ {
		dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		n, err := p.c.Read(dctx, buf)
		cancel()
		if err != nil || n == 0 {
			break
		}
		glog.V(2).Infof("drained %d stale bytes", n)
	}
	p.attached = true
	return nil
}

func (p *Probe) Detach(ctx context.Context) error {
	p.attached = false
	return nil
}

// divisor picks the smallest divisor whose clock does not exceed khz.
func (p *Probe) divisor(khz uint32) uint16 {
	if khz == 0 {
		return p.divMax
	}
	d := (p.baseKHz + khz - 1) / khz
	if d < uint32(p.divMin) {
		d = uint32(p.divMin)
	}
	if d > uint32(p.divMax) {
		d = uint32(p.divMax)
	}
	return uint16(d)
}

func (p *Probe) SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error) {
	d := p.divisor(khz)
	if _, err := p.c.Control(reqTypeVendorOut, vendSetDiv, d, p.intf, nil); err != nil {
		return 0, errors.Annotatef(err, "failed to set divisor %d", d)
	}
	p.speedKHz = p.baseKHz / uint32(d)
	glog.V(2).Infof("speed %d kHz -> %d kHz (divisor %d)", khz, p.speedKHz, d)
	return p.speedKHz, nil
}

func (p *Probe) SpeedKHz() uint32 {
	return p.speedKHz
}

func (p *Probe) setReset(ctx context.Context, srst bool) error {
	if err := p.s.finish(ctx); err != nil {
		return errors.Trace(err)
	}
	n := uint8(nibReset)
	if srst {
		n |= 1
	}
	if err := p.s.raw(ctx, n); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.flush(ctx))
}

func (p *Probe) TargetResetAssert(ctx context.Context) error {
	return p.setReset(ctx, true)
}

func (p *Probe) TargetResetDeassert(ctx context.Context) error {
	return p.setReset(ctx, false)
}

func (p *Probe) TargetResetPulse(ctx context.Context, d time.Duration) error {
	return probe.PulseReset(ctx, p, d)
}

func (p *Probe) sendPacket(ctx context.Context, pkt []byte) error {
	glog.V(4).Infof(" => %s", hex.EncodeToString(pkt))
	if err := p.c.Write(ctx, pkt); err != nil {
		return errors.Annotatef(err, "USB-JTAG write")
	}
	// Keep at most one IN buffer of capture data queued in the device.
	for p.s.pending > (inBufSize+hwFIFOSize)*8 {
		if err := p.receive(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (p *Probe) receive(ctx context.Context) error {
	if p.s.pending == 0 {
		return nil
	}
	buf := make([]byte, inBufSize)
	n, err := p.c.Read(ctx, buf)
	if err != nil {
		return errors.Annotatef(err, "USB-JTAG read (%d bits pending)", p.s.pending)
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(buf[:n]))
	bits := n * 8
	if bits > p.s.pending {
		bits = p.s.pending
	}
	p.s.pending -= bits
	p.tdo = append(p.tdo, bitseq.FromBytes(buf[:n], bits)...)
	return nil
}

func (p *Probe) flush(ctx context.Context) error {
	if err := p.s.finish(ctx); err != nil {
		return errors.Trace(err)
	}
	if len(p.s.out) == 0 && p.s.pending == 0 {
		return nil
	}
	if err := p.s.raw(ctx, nibFlush); err != nil {
		return errors.Trace(err)
	}
	if err := p.s.sendBuffer(ctx); err != nil {
		return errors.Trace(err)
	}
	for p.s.pending > 0 {
		if err := p.receive(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (p *Probe) Flush(ctx context.Context) error {
	return errors.Trace(p.flush(ctx))
}

// RawJTAGShift clocks the cycles through the run-length encoded stream.
func (p *Probe) RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error) {
	if len(tms) != len(tdi) {
		return nil, errors.Errorf("tms and tdi lengths differ: %d != %d", len(tms), len(tdi))
	}
	p.tdo = nil
	for i := range tms {
		if err := p.s.clock(ctx, tms[i], tdi[i], capture); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := p.flush(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if !capture {
		return nil, nil
	}
	tdo := p.tdo
	p.tdo = nil
	if len(tdo) != len(tms) {
		return nil, dbgerr.ProbeProtocol("captured %d bits, want %d", len(tdo), len(tms))
	}
	return tdo, nil
}

// SWJSequence clocks the bits on TMS with TDI high.
func (p *Probe) SWJSequence(ctx context.Context, bitCount int, bits []byte) error {
	_, err := p.RawJTAGShift(ctx, bitseq.FromBytes(bits, bitCount), bitseq.Repeat(true, bitCount), false)
	return errors.Trace(err)
}

func (p *Probe) Close(ctx context.Context) error {
	return p.c.Close()
}
