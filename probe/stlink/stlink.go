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

// Package stlink drives ST-LINK/V2, V2-1 and V3 adapters. The firmware owns
// the SWD/JTAG wire; the host only sees DP and AP register accesses, so the
// probe offers DAPTransfer and no raw bit operations.
package stlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/retry"
)

const (
	cmdGetVersion        = 0xf1
	cmdDebug             = 0xf2
	cmdDFU               = 0xf3
	cmdGetCurrentMode    = 0xf5
	cmdGetTargetVoltage  = 0xf7
	cmdAPIV3GetVersionEx = 0xfb

	dfuExit = 0x07

	debugEnterJTAGReset = 0x00
	debugAPIV2Enter     = 0x30
	debugExit           = 0x21
	debugEnterSWD       = 0xa3
	debugEnterJTAG      = 0xa4
	debugDriveNRST      = 0x3c
	debugSWDSetFreq     = 0x43
	debugJTAGSetFreq    = 0x44
	debugReadDAPReg     = 0x45
	debugWriteDAPReg    = 0x46
	debugInitAP         = 0x4b
	debugCloseAP        = 0x4c
	debugAPIV3SetFreq   = 0x61
	debugAPIV3GetFreq   = 0x62

	nrstLow   = 0x00
	nrstHigh  = 0x01
	nrstPulse = 0x02
)

// Device modes reported by GET_CURRENT_MODE.
const (
	modeDFU        = 0x00
	modeMass       = 0x01
	modeDebug      = 0x02
	modeSWIM       = 0x03
	modeBootloader = 0x04
)

// Status codes.
const (
	statusOK          = 0x80
	statusFault       = 0x81
	statusAPWait      = 0x10
	statusAPFault     = 0x11
	statusAPError     = 0x12
	statusAPParity    = 0x13
	statusDPWait      = 0x14
	statusDPFault     = 0x15
	statusDPError     = 0x16
	statusDPParity    = 0x17
	statusWDataError  = 0x18
	statusStickyError = 0x19
	statusStickyOrun  = 0x1a
	statusBadAP       = 0x1d
)

// DAP register port number that addresses the DP.
const portDP = 0xffff

const (
	cmdSize     = 16
	maxAPSel    = 255
	v3MaxFreqNb = 10
)

type speedStep struct {
	khz     uint32
	divisor uint16
}

var swdSpeeds = []speedStep{
	{4000, 0}, {1800, 1}, {1200, 2}, {950, 3}, {480, 7}, {240, 15},
	{125, 31}, {100, 40}, {50, 79}, {25, 158}, {15, 265}, {5, 798},
}

var jtagSpeeds = []speedStep{
	{9000, 4}, {4500, 8}, {2250, 16}, {1125, 32}, {562, 64}, {281, 128}, {140, 256},
}

type conn interface {
	Write(ctx context.Context, data []byte) error
	ReadFull(ctx context.Context, buf []byte) error
	Close() error
}

// Probe is an ST-Link adapter.
type Probe struct {
	probe.Unsupported

	c        conn
	info     probe.Info
	ver      version
	proto    probe.Protocol
	entered  bool
	speedKHz uint32
	openAPs  bitmap.Bitmap

	// SELECT as last written by the host; the firmware does its own banking.
	apSel, apBank, dpBank uint8
	lastAP                uint32
}

func newProbe(ctx context.Context, c conn, info probe.Info) (*Probe, error) {
	p := &Probe{
		Unsupported: probe.Unsupported{Name: "ST-Link"},
		c:           c,
		info:        info,
		openAPs:     bitmap.New(maxAPSel + 1),
	}
	if err := p.init(ctx); err != nil {
		c.Close()
		return nil, errors.Trace(err)
	}
	return p, nil
}

func (p *Probe) exec(ctx context.Context, cmd []byte, respLen int) ([]byte, error) {
	buf := make([]byte, cmdSize)
	copy(buf, cmd)
	glog.V(4).Infof(" => %s", hex.EncodeToString(cmd))
	if err := p.c.Write(ctx, buf); err != nil {
		return nil, errors.Annotatef(err, "ST-Link cmd %02x", cmd[0])
	}
	if respLen == 0 {
		return nil, nil
	}
	resp := make([]byte, respLen)
	if err := p.c.ReadFull(ctx, resp); err != nil {
		return nil, errors.Annotatef(err, "ST-Link cmd %02x", cmd[0])
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	return resp, nil
}

// execCheck runs a command whose response starts with a status byte.
func (p *Probe) execCheck(ctx context.Context, cmd []byte, respLen int) ([]byte, error) {
	resp, err := p.exec(ctx, cmd, respLen)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return resp, statusError(resp[0])
}

// statusError classifies an ST-Link status byte.
func statusError(st uint8) error {
	switch st {
	case statusOK:
		return nil
	case statusAPWait, statusDPWait:
		return dbgerr.Wire(dbgerr.SwdWait, "ST-Link status 0x%02x: WAIT", st)
	case statusAPFault, statusDPFault, statusFault:
		return dbgerr.Wire(dbgerr.SwdFault, "ST-Link status 0x%02x: FAULT", st)
	case statusAPParity, statusDPParity:
		return dbgerr.Wire(dbgerr.SwdParity, "ST-Link status 0x%02x: parity error", st)
	case statusAPError, statusDPError:
		return dbgerr.Wire(dbgerr.SwdNoAck, "ST-Link status 0x%02x: no response", st)
	case statusWDataError, statusStickyError, statusStickyOrun:
		return dbgerr.Dap("ST-Link status 0x%02x: sticky error", st)
	case statusBadAP:
		return dbgerr.Dap("ST-Link status 0x%02x: bad AP", st)
	}
	return dbgerr.ProbeProtocol("unknown ST-Link status 0x%02x", st)
}

func (p *Probe) init(ctx context.Context) error {
	resp, err := p.exec(ctx, []byte{cmdGetVersion}, 6)
	if err != nil {
		return errors.Annotatef(err, "failed to get version")
	}
	p.ver = parseVersion(resp)
	if p.ver.needsVersionEx() {
		if resp, err = p.exec(ctx, []byte{cmdAPIV3GetVersionEx}, 12); err != nil {
			return errors.Annotatef(err, "failed to get version")
		}
		p.ver = parseVersionEx(resp)
	}
	if p.ver.stlink < 2 {
		return dbgerr.Unsupported("ST-Link %s is not supported", p.ver)
	}
	p.ver.computeFlags()
	p.info.Firmware = p.ver.String()
	glog.V(1).Infof("%s: %s features %s", p.info, p.ver, p.ver.featureString())
	if err := p.leaveMode(ctx); err != nil {
		return errors.Trace(err)
	}
	if p.ver.has(featTrace) {
		if mv, err := p.targetVoltage(ctx); err == nil {
			glog.V(1).Infof("%s: target voltage %d mV", p.info, mv)
		}
	}
	return nil
}

// leaveMode returns the adapter to idle from DFU, mass storage or debug.
func (p *Probe) leaveMode(ctx context.Context) error {
	resp, err := p.exec(ctx, []byte{cmdGetCurrentMode}, 2)
	if err != nil {
		return errors.Annotatef(err, "failed to get mode")
	}
	switch resp[0] {
	case modeDFU:
		_, err = p.exec(ctx, []byte{cmdDFU, dfuExit}, 0)
	case modeDebug:
		_, err = p.exec(ctx, []byte{cmdDebug, debugExit}, 0)
	}
	return errors.Annotatef(err, "failed to leave mode %d", resp[0])
}

func (p *Probe) targetVoltage(ctx context.Context) (int, error) {
	resp, err := p.exec(ctx, []byte{cmdGetTargetVoltage}, 8)
	if err != nil {
		return 0, errors.Trace(err)
	}
	factor := binary.LittleEndian.Uint32(resp)
	reading := binary.LittleEndian.Uint32(resp[4:])
	if factor == 0 {
		return 0, dbgerr.ProbeProtocol("invalid voltage factor")
	}
	// 2 * reading * 1.2 V / factor
	return int(2400 * uint64(reading) / uint64(factor)), nil
}

func (p *Probe) Info() probe.Info {
	return p.info
}

func (p *Probe) Capabilities() probe.Capabilities {
	c := probe.CapSWD | probe.CapJTAG | probe.CapTargetReset | probe.CapSpeedControl
	if p.ver.has(featDAPReg) {
		c |= probe.CapDAPTransfer
	}
	return c
}

func (p *Probe) Protocol() probe.Protocol {
	return p.proto
}

func (p *Probe) SelectProtocol(ctx context.Context, proto probe.Protocol) (probe.Protocol, error) {
	if proto != probe.ProtocolSWD && proto != probe.ProtocolJTAG {
		return probe.ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "invalid protocol %s", proto)
	}
	if p.entered {
		p.exec(ctx, []byte{cmdDebug, debugExit}, 0)
		p.entered = false
	}
	p.proto = proto
	if p.speedKHz != 0 {
		if _, err := p.SetSpeedKHz(ctx, p.speedKHz); err != nil {
			return probe.ProtocolNone, errors.Trace(err)
		}
	}
	if err := p.Attach(ctx); err != nil {
		return probe.ProtocolNone, errors.Trace(err)
	}
	return proto, nil
}

// Attach enters debug mode on the selected wire.
func (p *Probe) Attach(ctx context.Context) error {
	if p.entered {
		return nil
	}
	if p.proto == probe.ProtocolNone {
		p.proto = probe.ProtocolSWD
	}
	mode := uint8(debugEnterSWD)
	if p.proto == probe.ProtocolJTAG {
		mode = debugEnterJTAG
	}
	if _, err := p.execCheck(ctx, []byte{cmdDebug, debugAPIV2Enter, mode}, 2); err != nil {
		return errors.Annotatef(err, "failed to enter %s mode", p.proto)
	}
	p.entered = true
	p.openAPs = bitmap.New(maxAPSel + 1)
	p.apSel, p.apBank, p.dpBank = 0, 0, 0
	return nil
}

func (p *Probe) Detach(ctx context.Context) error {
	if !p.entered {
		return nil
	}
	p.closeAPs(ctx)
	_, err := p.exec(ctx, []byte{cmdDebug, debugExit}, 0)
	p.entered = false
	return errors.Annotatef(err, "failed to exit debug mode")
}

func (p *Probe) closeAPs(ctx context.Context) {
	if !p.ver.has(featAPInit) {
		return
	}
	for i := 0; i <= maxAPSel; i++ {
		if !p.openAPs.Get(i) {
			continue
		}
		if _, err := p.execCheck(ctx, []byte{cmdDebug, debugCloseAP, uint8(i)}, 2); err != nil && p.ver.has(featFixCloseAP) {
			glog.Warningf("failed to close AP %d: %s", i, err)
		}
		p.openAPs.Set(i, false)
	}
}

// speedSteps returns the speed table for the current wire.
func (p *Probe) speedSteps(ctx context.Context) ([]speedStep, error) {
	jtag := p.proto == probe.ProtocolJTAG
	if p.ver.stlink < 3 {
		if jtag {
			return jtagSpeeds, nil
		}
		return swdSpeeds, nil
	}
	var m uint8
	if jtag {
		m = 1
	}
	resp, err := p.execCheck(ctx, []byte{cmdDebug, debugAPIV3GetFreq, m}, 52)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get frequencies")
	}
	n := int(resp[8])
	if n > v3MaxFreqNb {
		n = v3MaxFreqNb
	}
	var res []speedStep
	for i := 0; i < n; i++ {
		res = append(res, speedStep{khz: binary.LittleEndian.Uint32(resp[12+4*i:]), divisor: uint16(i)})
	}
	return res, nil
}

func (p *Probe) SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error) {
	steps, err := p.speedSteps(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var khzs []uint32
	for _, s := range steps {
		khzs = append(khzs, s.khz)
	}
	actual := probe.PickSpeed(khzs, khz)
	var div uint16
	for _, s := range steps {
		if s.khz == actual {
			div = s.divisor
		}
	}
	jtag := p.proto == probe.ProtocolJTAG
	switch {
	case p.ver.stlink >= 3:
		cmd := bytes.NewBuffer([]byte{cmdDebug, debugAPIV3SetFreq, 0, 0})
		if jtag {
			cmd.Bytes()[2] = 1
		}
		binary.Write(cmd, binary.LittleEndian, actual)
		_, err = p.execCheck(ctx, cmd.Bytes(), 8)
	case jtag && p.ver.has(featJTAGSetFreq):
		_, err = p.execCheck(ctx, []byte{cmdDebug, debugJTAGSetFreq, uint8(div), uint8(div >> 8)}, 2)
	case !jtag && p.ver.has(featSWDSetFreq):
		_, err = p.execCheck(ctx, []byte{cmdDebug, debugSWDSetFreq, uint8(div), uint8(div >> 8)}, 2)
	default:
		return 0, dbgerr.Unsupported("ST-Link %s cannot change %s speed", p.ver, p.proto)
	}
	if err != nil {
		return 0, errors.Annotatef(err, "failed to set speed")
	}
	glog.V(2).Infof("speed %d kHz -> %d kHz", khz, actual)
	p.speedKHz = actual
	return actual, nil
}

func (p *Probe) SpeedKHz() uint32 {
	return p.speedKHz
}

func (p *Probe) driveNRST(ctx context.Context, v uint8) error {
	_, err := p.execCheck(ctx, []byte{cmdDebug, debugDriveNRST, v}, 2)
	return errors.Annotatef(err, "NRST %d", v)
}

func (p *Probe) TargetResetAssert(ctx context.Context) error {
	return p.driveNRST(ctx, nrstLow)
}

func (p *Probe) TargetResetDeassert(ctx context.Context) error {
	return p.driveNRST(ctx, nrstHigh)
}

func (p *Probe) TargetResetPulse(ctx context.Context, d time.Duration) error {
	return probe.PulseReset(ctx, p, d)
}

func (p *Probe) openAP(ctx context.Context, apsel uint8) error {
	if !p.ver.has(featAPInit) || p.openAPs.Get(int(apsel)) {
		return nil
	}
	if _, err := p.execCheck(ctx, []byte{cmdDebug, debugInitAP, apsel}, 2); err != nil {
		return errors.Annotatef(err, "failed to init AP %d", apsel)
	}
	glog.V(2).Infof("AP %d initialized", apsel)
	p.openAPs.Set(int(apsel), true)
	return nil
}

func (p *Probe) readReg(ctx context.Context, port, addr uint16) (uint32, error) {
	cmd := []byte{cmdDebug, debugReadDAPReg, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:], port)
	binary.LittleEndian.PutUint16(cmd[4:], addr)
	resp, err := p.execCheck(ctx, cmd, 8)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint32(resp[4:]), nil
}

func (p *Probe) writeReg(ctx context.Context, port, addr uint16, v uint32) error {
	cmd := []byte{cmdDebug, debugWriteDAPReg, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:], port)
	binary.LittleEndian.PutUint16(cmd[4:], addr)
	binary.LittleEndian.PutUint32(cmd[6:], v)
	_, err := p.execCheck(ctx, cmd, 2)
	return errors.Trace(err)
}

// DAPTransfer maps each request onto READ/WRITE_DAPREG. Writes to DP SELECT
// are absorbed into the bank shadow; reads of DP RDBUFF return the previous
// AP read since the firmware resolves posted reads itself.
func (p *Probe) DAPTransfer(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error) {
	if !p.ver.has(featDAPReg) {
		return nil, dbgerr.Unsupported("ST-Link %s has no DAP register access", p.ver)
	}
	if err := p.Attach(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	var res []uint32
	for _, r := range reqs {
		var v uint32
		err := retry.Do(ctx, retry.Policy{Attempts: 3, Backoff: time.Millisecond}, func() error {
			var err error
			v, err = p.transferOne(ctx, r)
			return err
		}, func(err error) bool {
			return dbgerr.IsDetail(err, dbgerr.SwdWait)
		})
		if err != nil {
			return nil, errors.Annotatef(err, "%s", r)
		}
		if !r.Write {
			res = append(res, v)
		}
	}
	return res, nil
}

func (p *Probe) transferOne(ctx context.Context, r probe.DAPRequest) (uint32, error) {
	if !r.AP {
		switch {
		case r.Addr == 0x8 && r.Write:
			p.apSel, p.apBank, p.dpBank = uint8(r.Value>>24), uint8(r.Value>>4)&0xf, uint8(r.Value)&0xf
			return 0, nil
		case r.Addr == 0xc && !r.Write:
			return p.lastAP, nil
		}
		addr := uint16(r.Addr)
		if r.Addr == 0x4 && p.dpBank != 0 {
			if !p.ver.has(featDPBankSel) {
				return 0, dbgerr.Unsupported("ST-Link %s cannot access DP bank %d", p.ver, p.dpBank)
			}
			addr |= uint16(p.dpBank) << 4
		}
		if r.Write {
			return 0, p.writeReg(ctx, portDP, addr, r.Value)
		}
		return p.readReg(ctx, portDP, addr)
	}
	if err := p.openAP(ctx, p.apSel); err != nil {
		return 0, errors.Trace(err)
	}
	addr := uint16(p.apBank)<<4 | uint16(r.Addr)
	if r.Write {
		return 0, p.writeReg(ctx, uint16(p.apSel), addr, r.Value)
	}
	v, err := p.readReg(ctx, uint16(p.apSel), addr)
	if err == nil {
		p.lastAP = v
	}
	return v, err
}

func (p *Probe) Close(ctx context.Context) error {
	p.Detach(ctx)
	return p.c.Close()
}
