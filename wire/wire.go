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

// Package wire owns the debug wire protocol of a session. It emits the SWJ
// switching sequences, validates the link (DPIDR on SWD, the scan chain on
// JTAG) and carries DP and AP register transfers over whatever the probe
// offers: native DAP transfers, raw SWD cycles or raw JTAG scans.
package wire

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/swd"
)

type Options struct {
	Protocol  probe.Protocol
	SpeedKHz  uint32
	SWD       swd.Config
	JTAG      jtag.Options
	// TAP is the chain position of the debug TAP, 0 being closest to TDO.
	TAP       int
	// TargetSel, when Multidrop is set, is written to DP TARGETSEL after
	// every line reset.
	Multidrop bool
	TargetSel uint32
}

func DefaultOptions() Options {
	return Options{
		Protocol: probe.ProtocolSWD,
		SpeedKHz: 1000,
		SWD:      swd.DefaultConfig(),
		JTAG:     jtag.DefaultOptions(),
	}
}

type mode int

const (
	modeNone mode = iota
	// The probe performs DP/AP transfers itself.
	modeDAP
	modeRawSWD
	modeRawJTAG
)

// DP register addresses the dispatcher needs to know about.
const (
	regDPIDR    = 0x0
	regCTRLSTAT = 0x4
	regSELECT   = 0x8
	regRDBUFF   = 0xc

	ctrlOrunDetect = 1 << 0
	ctrlStickyMask = 1<<1 | 1<<4 | 1<<5 | 1<<7
)

// Wire dispatches DP/AP transfers to the probe. It is not safe for
// concurrent use.
type Wire struct {
	p    probe.Probe
	opts Options

	proto probe.Protocol
	speed uint32
	mode  mode
	tap   *jtag.Engine
	chain []jtag.TapInfo
	dpidr uint32
	// bank is DPBANKSEL as last written through SELECT.
	bank uint32
}

func New(p probe.Probe, opts Options) *Wire {
	return &Wire{p: p, opts: opts}
}

func (w *Wire) Probe() probe.Probe {
	return w.p
}

func (w *Wire) Protocol() probe.Protocol {
	return w.proto
}

// SpeedKHz is the negotiated clock speed.
func (w *Wire) SpeedKHz() uint32 {
	return w.speed
}

// JTAG returns the TAP engine, or nil if the probe cannot shift raw JTAG.
func (w *Wire) JTAG() *jtag.Engine {
	return w.tap
}

// Chain is the scan chain found by Connect on JTAG.
func (w *Wire) Chain() []jtag.TapInfo {
	return w.chain
}

// DPIDR is the value read while validating an SWD link.
func (w *Wire) DPIDR() uint32 {
	return w.dpidr
}

// Connect selects the protocol and speed, attaches the probe and brings up
// the link.
func (w *Wire) Connect(ctx context.Context) error {
	caps := w.p.Capabilities()
	proto, err := w.p.SelectProtocol(ctx, w.opts.Protocol)
	if err != nil {
		return errors.Annotatef(err, "failed to select %s", w.opts.Protocol)
	}
	w.proto = proto
	if caps.Has(probe.CapSpeedControl) && w.opts.SpeedKHz > 0 {
		w.speed, err = w.p.SetSpeedKHz(ctx, w.opts.SpeedKHz)
		if err != nil {
			return errors.Annotatef(err, "failed to set speed")
		}
		glog.V(1).Infof("%s speed: %d kHz", proto, w.speed)
	} else {
		w.speed = w.p.SpeedKHz()
	}
	if err := w.p.Attach(ctx); err != nil {
		return errors.Annotatef(err, "failed to attach")
	}
	switch proto {
	case probe.ProtocolSWD:
		switch {
		case caps.Has(probe.CapDAPTransfer):
			w.mode = modeDAP
		case caps.Has(probe.CapRawSWD):
			w.mode = modeRawSWD
		default:
			return dbgerr.Unsupported("%s can not transfer over SWD", w.p.Info().Driver)
		}
	case probe.ProtocolJTAG:
		if caps.Has(probe.CapRawJTAG) {
			w.tap = jtag.New(w.p, w.opts.JTAG)
		}
		switch {
		case caps.Has(probe.CapDAPTransfer):
			w.mode = modeDAP
		case w.tap != nil:
			w.mode = modeRawJTAG
		default:
			return dbgerr.Unsupported("%s can not transfer over JTAG", w.p.Info().Driver)
		}
	}
	return errors.Trace(w.Reinitialize(ctx))
}

// Reinitialize re-runs the switching sequence and link validation, as
// needed after a reset that dropped the debug port.
func (w *Wire) Reinitialize(ctx context.Context) error {
	w.bank = 0
	switch w.proto {
	case probe.ProtocolSWD:
		return errors.Trace(w.connectSWD(ctx))
	case probe.ProtocolJTAG:
		return errors.Trace(w.connectJTAG(ctx))
	}
	return errors.Errorf("not connected")
}

var (
	// At least 50 cycles with SWDIO/TMS high.
	lineReset = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// 0xE79E, LSB first.
	jtagToSWD = []byte{0x9e, 0xe7}
	// 0xE73C, LSB first.
	swdToJTAG = []byte{0x3c, 0xe7}
)

func (w *Wire) swj(ctx context.Context, bitCount int, bits []byte) error {
	caps := w.p.Capabilities()
	switch {
	case caps.Has(probe.CapSWJSequence):
		return errors.Trace(w.p.SWJSequence(ctx, bitCount, bits))
	case w.proto == probe.ProtocolSWD && caps.Has(probe.CapRawSWD):
		out := make([]bool, bitCount)
		dir := make([]bool, bitCount)
		for i := range out {
			out[i] = bits[i/8]&(1<<uint(i%8)) != 0
			dir[i] = true
		}
		_, err := w.p.RawSWDIO(ctx, dir, out)
		return errors.Trace(err)
	}
	// The probe firmware switches protocols by itself.
	return nil
}

func (w *Wire) connectSWD(ctx context.Context) error {
	seq := []struct {
		n    int
		bits []byte
	}{
		{56, lineReset},
		{16, jtagToSWD},
		{56, lineReset},
		{8, []byte{0}},
	}
	for _, s := range seq {
		if err := w.swj(ctx, s.n, s.bits); err != nil {
			return errors.Annotatef(err, "JTAG-to-SWD sequence")
		}
	}
	if w.opts.Multidrop {
		if w.mode != modeRawSWD {
			return dbgerr.Unsupported("multidrop SWD needs raw SWD access")
		}
		if err := swd.WriteTargetSel(ctx, w.p, w.opts.TargetSel, w.opts.SWD); err != nil {
			return errors.Trace(err)
		}
	}
	res, err := w.Transfer(ctx, []probe.DAPRequest{{Addr: regDPIDR}})
	if err != nil {
		return errors.Annotatef(err, "failed to read DPIDR")
	}
	if res[0]&1 == 0 || res[0]>>1&0x7ff == 0 {
		return dbgerr.Dap("invalid DPIDR 0x%08x", res[0])
	}
	w.dpidr = res[0]
	glog.V(1).Infof("DPIDR: 0x%08x", w.dpidr)
	return nil
}

func (w *Wire) connectJTAG(ctx context.Context) error {
	if w.p.Capabilities().Has(probe.CapSWJSequence) {
		if err := w.swj(ctx, 56, lineReset); err != nil {
			return errors.Annotatef(err, "SWD-to-JTAG sequence")
		}
		if err := w.swj(ctx, 16, swdToJTAG); err != nil {
			return errors.Annotatef(err, "SWD-to-JTAG sequence")
		}
	}
	if w.tap == nil {
		return nil
	}
	chain, err := w.tap.ScanChain(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to scan the JTAG chain")
	}
	if len(chain) == 0 {
		return dbgerr.Wire(dbgerr.JtagNoIdcode, "no TAPs found")
	}
	w.chain = chain
	if err := w.tap.SelectTarget(w.opts.TAP); err != nil {
		return errors.Trace(err)
	}
	if w.mode == modeDAP {
		var lens []int
		for _, t := range chain {
			lens = append(lens, t.IRLen)
		}
		if err := w.p.ConfigureJTAGChain(ctx, lens, w.opts.TAP); err != nil {
			return errors.Annotatef(err, "failed to configure the JTAG chain")
		}
	}
	return nil
}

// Transfer performs DP/AP register requests in order and returns the values
// of the reads. AP reads return their own data, never the posted value of a
// previous read.
func (w *Wire) Transfer(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error) {
	reqs = w.track(reqs)
	var res []uint32
	var err error
	switch w.mode {
	case modeDAP:
		res, err = w.p.DAPTransfer(ctx, reqs)
	case modeRawSWD:
		res, err = swd.Transfer(ctx, w.p, reqs, w.opts.SWD)
	case modeRawJTAG:
		res, err = w.jtagTransfer(ctx, reqs)
	default:
		return nil, errors.Errorf("not connected")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return res, nil
}

// track follows DPBANKSEL and, on raw SWD and JTAG, sets ORUNDETECT in
// CTRL/STAT writes. Raw SWD always clocks the data phase, which a target
// only expects with overrun detection on. On JTAG it keeps the scans queued
// behind a WAIT from executing.
func (w *Wire) track(reqs []probe.DAPRequest) []probe.DAPRequest {
	var out []probe.DAPRequest
	for i, r := range reqs {
		if r.AP || !r.Write {
			continue
		}
		if r.Addr == regSELECT {
			w.bank = r.Value & 0xf
			continue
		}
		if w.mode != modeDAP && r.Addr == regCTRLSTAT && w.bank == 0 && r.Value&ctrlOrunDetect == 0 {
			if out == nil {
				out = append([]probe.DAPRequest(nil), reqs...)
			}
			out[i].Value |= ctrlOrunDetect
		}
	}
	if out == nil {
		return reqs
	}
	return out
}

func (w *Wire) Flush(ctx context.Context) error {
	return errors.Trace(w.p.Flush(ctx))
}
