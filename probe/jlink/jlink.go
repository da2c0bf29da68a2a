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

// Package jlink drives SEGGER J-Link adapters over their vendor bulk
// interface. JTAG and SWD are both clocked with EMU_CMD_HW_JTAG3; DP/AP
// transactions are built from raw SWD cycles by the wire layer.
package jlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
	"github.com/mongoose-os/probekit/probe/usbutil"
)

const VendorID = 0x1366

type cmd uint8

const (
	cmdVersion      cmd = 0x01
	cmdSetSpeed     cmd = 0x05
	cmdGetState     cmd = 0x07
	cmdGetSpeeds    cmd = 0xc0
	cmdSelectIf     cmd = 0xc7
	cmdHwJTAG3      cmd = 0xcf
	cmdHwReset0     cmd = 0xdc
	cmdHwReset1     cmd = 0xdd
	cmdHwTRST0      cmd = 0xde
	cmdHwTRST1      cmd = 0xdf
	cmdGetCaps      cmd = 0xe8
	cmdGetHwVersion cmd = 0xf0
)

// Capability bits returned by EMU_CMD_GET_CAPS.
const (
	capGetHwVersion = 1 << 1
	capSpeedInfo    = 1 << 9
	capSelectIf     = 1 << 17
)

// Interfaces for EMU_CMD_SELECT_IF.
const (
	ifJTAG         = 0
	ifSWD          = 1
	ifGetAvailable = 0xfe
)

// Bits per EMU_CMD_HW_JTAG3 command.
const maxShiftBits = 4096

type conn interface {
	Write(ctx context.Context, data []byte) error
	ReadFull(ctx context.Context, buf []byte) error
	Close() error
}

// Probe is a J-Link adapter.
type Probe struct {
	probe.Unsupported

	c        conn
	info     probe.Info
	caps     uint32
	ifaces   uint32
	hwVer    uint32
	baseFreq uint32
	minDiv   uint16
	proto    probe.Protocol
	speedKHz uint32
}

func newProbe(ctx context.Context, c conn, info probe.Info) (*Probe, error) {
	p := &Probe{
		Unsupported: probe.Unsupported{Name: "J-Link"},
		c:           c,
		info:        info,
		ifaces:      1 << ifJTAG,
	}
	if err := p.init(ctx); err != nil {
		c.Close()
		return nil, errors.Trace(err)
	}
	return p, nil
}

func (p *Probe) init(ctx context.Context) error {
	ver, err := p.version(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to get version")
	}
	p.info.Firmware = ver
	resp, err := p.exec(ctx, []byte{uint8(cmdGetCaps)}, 4)
	if err != nil {
		return errors.Annotatef(err, "failed to get caps")
	}
	p.caps = binary.LittleEndian.Uint32(resp)
	if p.caps&capGetHwVersion != 0 {
		if resp, err = p.exec(ctx, []byte{uint8(cmdGetHwVersion)}, 4); err != nil {
			return errors.Annotatef(err, "failed to get hw version")
		}
		p.hwVer = binary.LittleEndian.Uint32(resp)
	}
	if p.caps&capSelectIf != 0 {
		if resp, err = p.exec(ctx, []byte{uint8(cmdSelectIf), ifGetAvailable}, 4); err != nil {
			return errors.Annotatef(err, "failed to get interfaces")
		}
		p.ifaces = binary.LittleEndian.Uint32(resp)
	}
	p.baseFreq, p.minDiv = 12000000, 1
	if p.caps&capSpeedInfo != 0 {
		if resp, err = p.exec(ctx, []byte{uint8(cmdGetSpeeds)}, 6); err != nil {
			return errors.Annotatef(err, "failed to get speeds")
		}
		p.baseFreq = binary.LittleEndian.Uint32(resp)
		p.minDiv = binary.LittleEndian.Uint16(resp[4:])
		if p.minDiv == 0 {
			p.minDiv = 1
		}
	}
	glog.V(1).Infof("%s: %q hw %s caps 0x%08x if 0x%x base %d Hz div %d",
		p.info, ver, hwVersionString(p.hwVer), p.caps, p.ifaces, p.baseFreq, p.minDiv)
	return nil
}

// hwVersionString formats TTMMmmrr as "type major.minor.rev".
func hwVersionString(v uint32) string {
	return fmt.Sprintf("%d %d.%d.%d", v/1000000, (v/10000)%100, (v/100)%100, v%100)
}

func (p *Probe) exec(ctx context.Context, req []byte, respLen int) ([]byte, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(req))
	if err := p.c.Write(ctx, req); err != nil {
		return nil, errors.Annotatef(err, "J-Link cmd 0x%02x", req[0])
	}
	if respLen == 0 {
		return nil, nil
	}
	resp := make([]byte, respLen)
	if err := p.c.ReadFull(ctx, resp); err != nil {
		return nil, errors.Annotatef(err, "J-Link cmd 0x%02x", req[0])
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	return resp, nil
}

func (p *Probe) version(ctx context.Context) (string, error) {
	resp, err := p.exec(ctx, []byte{uint8(cmdVersion)}, 2)
	if err != nil {
		return "", errors.Trace(err)
	}
	n := int(binary.LittleEndian.Uint16(resp))
	if n == 0 || n > 0x1000 {
		return "", dbgerr.ProbeProtocol("invalid version length %d", n)
	}
	buf := make([]byte, n)
	if err := p.c.ReadFull(ctx, buf); err != nil {
		return "", errors.Trace(err)
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

func (p *Probe) Info() probe.Info {
	return p.info
}

func (p *Probe) Capabilities() probe.Capabilities {
	c := probe.CapRawJTAG | probe.CapSWJSequence | probe.CapSWJPins | probe.CapTargetReset | probe.CapSpeedControl
	if p.ifaces&(1<<ifJTAG) != 0 {
		c |= probe.CapJTAG
	}
	if p.ifaces&(1<<ifSWD) != 0 {
		c |= probe.CapSWD | probe.CapRawSWD
	}
	return c
}

func (p *Probe) Protocol() probe.Protocol {
	return p.proto
}

func (p *Probe) SelectProtocol(ctx context.Context, proto probe.Protocol) (probe.Protocol, error) {
	var iface uint8
	switch proto {
	case probe.ProtocolJTAG:
		iface = ifJTAG
	case probe.ProtocolSWD:
		iface = ifSWD
	default:
		return probe.ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "invalid protocol %s", proto)
	}
	if p.ifaces&(1<<iface) == 0 {
		return probe.ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "%s does not support %s", p.info, proto)
	}
	if p.caps&capSelectIf != 0 {
		// The response is the previously selected interface.
		if _, err := p.exec(ctx, []byte{uint8(cmdSelectIf), iface}, 4); err != nil {
			return probe.ProtocolNone, errors.Annotatef(err, "failed to select %s", proto)
		}
	}
	p.proto = proto
	return proto, nil
}

// divider returns the clock divider for the fastest speed not above khz.
func (p *Probe) divider(khz uint32) uint32 {
	div := (p.baseFreq + khz*1000 - 1) / (khz * 1000)
	if div < uint32(p.minDiv) {
		div = uint32(p.minDiv)
	}
	return div
}

func (p *Probe) SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error) {
	if khz == 0 {
		khz = 1
	}
	actual := p.baseFreq / p.divider(khz) / 1000
	if actual == 0 {
		actual = 1
	}
	if actual > 0xfffe {
		actual = 0xfffe
	}
	req := []byte{uint8(cmdSetSpeed), 0, 0}
	binary.LittleEndian.PutUint16(req[1:], uint16(actual))
	if _, err := p.exec(ctx, req, 0); err != nil {
		return 0, errors.Annotatef(err, "failed to set speed")
	}
	p.speedKHz = actual
	return actual, nil
}

func (p *Probe) SpeedKHz() uint32 {
	return p.speedKHz
}

func (p *Probe) TargetResetAssert(ctx context.Context) error {
	_, err := p.exec(ctx, []byte{uint8(cmdHwReset0)}, 0)
	return errors.Annotatef(err, "reset assert")
}

func (p *Probe) TargetResetDeassert(ctx context.Context) error {
	_, err := p.exec(ctx, []byte{uint8(cmdHwReset1)}, 0)
	return errors.Annotatef(err, "reset deassert")
}

func (p *Probe) TargetResetPulse(ctx context.Context, d time.Duration) error {
	return probe.PulseReset(ctx, p, d)
}

// SWJPins drives nRESET and nTRST; other pins are only sampled.
func (p *Probe) SWJPins(ctx context.Context, set, clear uint8, wait time.Duration) (uint8, error) {
	if (set|clear)&^(probe.PinNRESET|probe.PinNTRST) != 0 {
		return 0, dbgerr.Unsupported("%s: only nRESET and nTRST can be driven", p.info)
	}
	for _, pc := range []struct {
		pin       uint8
		low, high cmd
	}{
		{probe.PinNRESET, cmdHwReset0, cmdHwReset1},
		{probe.PinNTRST, cmdHwTRST0, cmdHwTRST1},
	} {
		var c cmd
		switch {
		case set&pc.pin != 0:
			c = pc.high
		case clear&pc.pin != 0:
			c = pc.low
		default:
			continue
		}
		if _, err := p.exec(ctx, []byte{uint8(c)}, 0); err != nil {
			return 0, errors.Trace(err)
		}
	}
	if wait > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
	return p.state(ctx)
}

// state samples the pins with EMU_CMD_GET_STATE.
func (p *Probe) state(ctx context.Context) (uint8, error) {
	resp, err := p.exec(ctx, []byte{uint8(cmdGetState)}, 8)
	if err != nil {
		return 0, errors.Trace(err)
	}
	// VTarget(2) TCK TDI TDO TMS TRES TRST
	var pins uint8
	for _, b := range []struct {
		idx int
		pin uint8
	}{{2, probe.PinSWCLK}, {3, probe.PinTDI}, {4, probe.PinTDO}, {5, probe.PinSWDIO}, {6, probe.PinNRESET}, {7, probe.PinNTRST}} {
		if resp[b.idx] != 0 {
			pins |= b.pin
		}
	}
	glog.V(3).Infof("state: vtarget %d mV pins 0x%02x", binary.LittleEndian.Uint16(resp), pins)
	return pins, nil
}

// hwJTAG3 clocks len(tms) cycles and returns the sampled TDO (JTAG) or SWDIO
// (SWD, where tms is the output enable).
func (p *Probe) hwJTAG3(ctx context.Context, tms, tdi []bool) ([]bool, error) {
	var res []bool
	for off := 0; off < len(tms); off += maxShiftBits {
		n := len(tms) - off
		if n > maxShiftBits {
			n = maxShiftBits
		}
		nb := (n + 7) / 8
		req := bytes.NewBuffer([]byte{uint8(cmdHwJTAG3), 0})
		binary.Write(req, binary.LittleEndian, uint16(n))
		req.Write(bitseq.ToBytes(tms[off : off+n]))
		req.Write(bitseq.ToBytes(tdi[off : off+n]))
		resp, err := p.exec(ctx, req.Bytes(), nb+1)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if st := resp[nb]; st != 0 {
			return nil, dbgerr.ProbeProtocol("HW_JTAG3 failed: status 0x%02x", st)
		}
		res = append(res, bitseq.FromBytes(resp[:nb], n)...)
	}
	return res, nil
}

func (p *Probe) RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error) {
	if len(tms) != len(tdi) {
		return nil, errors.Errorf("tms and tdi length mismatch (%d vs %d)", len(tms), len(tdi))
	}
	tdo, err := p.hwJTAG3(ctx, tms, tdi)
	if err != nil || !capture {
		return nil, err
	}
	return tdo, nil
}

func (p *Probe) RawSWDIO(ctx context.Context, dir, out []bool) ([]bool, error) {
	if p.proto != probe.ProtocolSWD {
		return nil, dbgerr.Unsupported("%s: raw SWD requires SWD mode", p.info)
	}
	if len(dir) != len(out) {
		return nil, errors.Errorf("dir and out length mismatch (%d vs %d)", len(dir), len(out))
	}
	return p.hwJTAG3(ctx, dir, out)
}

// SWJSequence clocks bits on SWDIO in SWD mode and on TMS otherwise.
func (p *Probe) SWJSequence(ctx context.Context, bitCount int, bits []byte) error {
	seq := bitseq.FromBytes(bits, bitCount)
	var err error
	if p.proto == probe.ProtocolSWD {
		_, err = p.hwJTAG3(ctx, bitseq.Repeat(true, bitCount), seq)
	} else {
		_, err = p.hwJTAG3(ctx, seq, make([]bool, bitCount))
	}
	return errors.Annotatef(err, "SWJ sequence")
}

func (p *Probe) Close(ctx context.Context) error {
	return p.c.Close()
}

type driver struct{}

func init() {
	probe.Register(driver{})
}

func (driver) Kind() probe.DriverKind {
	return probe.DriverJLink
}

type found struct {
	info              probe.Info
	intf, epIn, epOut int
}

func find() ([]found, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		if dd.Vendor != VendorID {
			return false
		}
		_, _, _, ok := usbutil.VendorBulkInterface(dd)
		return ok
	})
	if err != nil && len(devs) == 0 {
		return nil, dbgerr.Transport(err, "failed to enumerate USB devices")
	}
	var res []found
	for _, dev := range devs {
		intf, in, out, _ := usbutil.VendorBulkInterface(dev.Desc)
		sn, _ := dev.SerialNumber()
		prod, _ := dev.Product()
		res = append(res, found{
			info: probe.Info{
				Driver:    probe.DriverJLink,
				VendorID:  uint16(dev.Desc.Vendor),
				ProductID: uint16(dev.Desc.Product),
				Serial:    sn,
				Product:   prod,
			},
			intf: intf, epIn: in, epOut: out,
		})
		dev.Close()
	}
	return res, nil
}

func (driver) List(ctx context.Context) ([]probe.Info, error) {
	fs, err := find()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var res []probe.Info
	for _, f := range fs {
		res = append(res, f.info)
	}
	return res, nil
}

func (driver) Open(ctx context.Context, sel probe.Selector) (probe.Probe, error) {
	fs, err := find()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, f := range fs {
		if !sel.Matches(f.info) {
			continue
		}
		b, err := usbutil.OpenBulk(f.info.VendorID, f.info.ProductID, f.info.Serial, f.intf, f.epIn, f.epOut)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p, err := newProbe(ctx, b, f.info)
		if err != nil {
			return nil, errors.Annotatef(err, "J-Link")
		}
		return p, nil
	}
	return nil, errors.NotFoundf("J-Link %s", sel)
}
