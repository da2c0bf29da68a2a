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

package cmsisdap

import (
	"context"
	"regexp"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	goversion "github.com/mcuadros/go-version"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

const (
	// Wait retries performed by the firmware before it reports WAIT.
	defaultWaitRetry  = 128
	defaultIdleCycles = 0
	maxSWJBits        = 256
	maxSeqBits        = 64
)

// DAP_SWD_Sequence appeared in CMSIS-DAP 1.2.0.
const minSWDSequenceVersion = "1.2.0"

var (
	dapLinkVersionRE = regexp.MustCompile(`^\d{4}$`)
	oldVersionRE     = regexp.MustCompile(`^(\d)\.(\d)(\d)$`)
)

// normalizeVersion turns the DAP_Info firmware string into a dotted version.
// Firmware before 2.0 reports "1.10" for 1.1.0. Old DAPLink firmware reports
// its own build number ("0254") instead; that is treated as 1.0.
func normalizeVersion(v string) string {
	if dapLinkVersionRE.MatchString(v) {
		return "1.0.0"
	}
	if m := oldVersionRE.FindStringSubmatch(v); m != nil {
		return m[1] + "." + m[2] + "." + m[3]
	}
	return v
}

// Probe is a CMSIS-DAP adapter.
type Probe struct {
	probe.Unsupported

	dapc     *dapClient
	info     probe.Info
	dapCaps  uint8
	swdSeq   bool
	proto    probe.Protocol
	speedKHz uint32
	dapIndex uint8
	attached bool
}

func newProbe(ctx context.Context, t transport, info probe.Info) (*Probe, error) {
	dapc, err := newClient(ctx, t)
	if err != nil {
		t.Close()
		return nil, errors.Trace(err)
	}
	p := &Probe{
		Unsupported: probe.Unsupported{Name: "CMSIS-DAP"},
		dapc:        dapc,
		info:        info,
	}
	if p.dapCaps, err = dapc.GetCapabilities(ctx); err != nil {
		dapc.Close(ctx)
		return nil, errors.Annotatef(err, "failed to get capabilities")
	}
	if p.info.Firmware, err = dapc.GetInfoString(ctx, infoFirmware); err != nil {
		dapc.Close(ctx)
		return nil, errors.Annotatef(err, "failed to get firmware version")
	}
	if p.info.Serial == "" {
		p.info.Serial, _ = dapc.GetInfoString(ctx, infoSerial)
	}
	if p.info.Product == "" {
		p.info.Product, _ = dapc.GetInfoString(ctx, infoProduct)
	}
	p.swdSeq = p.dapCaps&capSWD != 0 &&
		goversion.Compare(normalizeVersion(p.info.Firmware), minSWDSequenceVersion, ">=")
	glog.V(1).Infof("%s: fw %s caps 0x%02x swd_seq %t", p.info, p.info.Firmware, p.dapCaps, p.swdSeq)
	return p, nil
}

func (p *Probe) Info() probe.Info {
	return p.info
}

func (p *Probe) Capabilities() probe.Capabilities {
	c := probe.CapDAPTransfer | probe.CapSWJSequence | probe.CapSWJPins | probe.CapTargetReset | probe.CapSpeedControl
	if p.dapCaps&capSWD != 0 {
		c |= probe.CapSWD
	}
	if p.dapCaps&capJTAG != 0 {
		c |= probe.CapJTAG | probe.CapRawJTAG
	}
	if p.swdSeq {
		c |= probe.CapRawSWD
	}
	return c
}

func (p *Probe) Protocol() probe.Protocol {
	return p.proto
}

func (p *Probe) SelectProtocol(ctx context.Context, proto probe.Protocol) (probe.Protocol, error) {
	var mode ConnectMode
	switch {
	case proto == probe.ProtocolSWD && p.dapCaps&capSWD != 0:
		mode = ConnectModeSWD
	case proto == probe.ProtocolJTAG && p.dapCaps&capJTAG != 0:
		mode = ConnectModeJTAG
	default:
		return probe.ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "%s does not support %s", p.info, proto)
	}
	if _, err := p.dapc.Connect(ctx, mode); err != nil {
		return probe.ProtocolNone, errors.Annotatef(err, "failed to select %s", proto)
	}
	p.proto = proto
	p.attached = false
	return proto, nil
}

func (p *Probe) SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error) {
	if khz == 0 {
		khz = 1
	}
	if err := p.dapc.SWJClock(ctx, khz*1000); err != nil {
		return 0, errors.Annotatef(err, "failed to set speed")
	}
	p.speedKHz = khz
	return khz, nil
}

func (p *Probe) SpeedKHz() uint32 {
	return p.speedKHz
}

func (p *Probe) Attach(ctx context.Context) error {
	if p.attached {
		return nil
	}
	if p.proto == probe.ProtocolNone {
		if _, err := p.SelectProtocol(ctx, probe.ProtocolSWD); err != nil {
			return errors.Trace(err)
		}
	}
	if err := p.dapc.TransferConfigure(ctx, defaultIdleCycles, defaultWaitRetry, 0); err != nil {
		return errors.Annotatef(err, "TransferConfigure")
	}
	if p.proto == probe.ProtocolSWD {
		// One turnaround cycle, no data phase on WAIT/FAULT.
		if err := p.dapc.SWDConfigure(ctx, 0); err != nil {
			return errors.Annotatef(err, "SWDConfigure")
		}
	}
	p.dapc.SetHostStatus(ctx, StatusConnected, true)
	p.attached = true
	return nil
}

func (p *Probe) Detach(ctx context.Context) error {
	if !p.attached && p.proto == probe.ProtocolNone {
		return nil
	}
	p.dapc.SetHostStatus(ctx, StatusConnected, false)
	err := p.dapc.Disconnect(ctx)
	p.attached = false
	p.proto = probe.ProtocolNone
	return errors.Annotatef(err, "disconnect")
}

func (p *Probe) TargetResetAssert(ctx context.Context) error {
	_, err := p.dapc.SWJPins(ctx, 0, probe.PinNRESET, 0)
	return errors.Annotatef(err, "reset assert")
}

func (p *Probe) TargetResetDeassert(ctx context.Context) error {
	_, err := p.dapc.SWJPins(ctx, probe.PinNRESET, probe.PinNRESET, 0)
	return errors.Annotatef(err, "reset deassert")
}

// TargetResetPulse uses the firmware's device-specific reset when it has
// one. Otherwise nRESET is held low for d, timed by the probe with DAP_Delay
// when d is short enough.
func (p *Probe) TargetResetPulse(ctx context.Context, d time.Duration) error {
	done, err := p.dapc.ResetTarget(ctx)
	if err != nil {
		return errors.Annotatef(err, "reset pulse")
	}
	if done {
		return nil
	}
	if d > maxDelay {
		return probe.PulseReset(ctx, p, d)
	}
	if err := p.TargetResetAssert(ctx); err != nil {
		return errors.Trace(err)
	}
	derr := p.dapc.Delay(ctx, d)
	if err := p.TargetResetDeassert(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(derr, "reset pulse")
}

func (p *Probe) SWJSequence(ctx context.Context, bitCount int, bits []byte) error {
	all := bitseq.FromBytes(bits, bitCount)
	for off := 0; off < bitCount; off += maxSWJBits {
		n := bitCount - off
		if n > maxSWJBits {
			n = maxSWJBits
		}
		chunk := bitseq.ToBytes(all[off : off+n])
		if err := p.dapc.SWJSequence(ctx, n, chunk); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (p *Probe) SWJPins(ctx context.Context, set, clear uint8, wait time.Duration) (uint8, error) {
	return p.dapc.SWJPins(ctx, set, set|clear, wait)
}

// seqRun is a run of cycles with the same TMS (JTAG) or direction (SWD).
type seqRun struct {
	start, n int
	flag     bool
}

func splitRuns(flags []bool, max int) []seqRun {
	var runs []seqRun
	for i := 0; i < len(flags); {
		r := seqRun{start: i, flag: flags[i]}
		for i < len(flags) && flags[i] == r.flag && r.n < max {
			i++
			r.n++
		}
		runs = append(runs, r)
	}
	return runs
}

// packRuns groups runs into packets. reqCost and respCost return the bytes a
// run adds to the request and the response.
func (p *Probe) packRuns(runs []seqRun, reqCost, respCost func(seqRun) int) [][]seqRun {
	var res [][]seqRun
	var cur []seqRun
	reqLen, respLen := 2, 2
	for _, r := range runs {
		rq, rs := reqCost(r), respCost(r)
		if len(cur) > 0 && (reqLen+rq > p.dapc.maxPacketSize || respLen+rs > p.dapc.maxPacketSize || len(cur) == 255) {
			res = append(res, cur)
			cur, reqLen, respLen = nil, 2, 2
		}
		cur = append(cur, r)
		reqLen += rq
		respLen += rs
	}
	if len(cur) > 0 {
		res = append(res, cur)
	}
	return res
}

// RawJTAGShift coalesces cycles with equal TMS into DAP_JTAG_Sequence
// entries of up to 64 bits and sends as many per packet as fit.
func (p *Probe) RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error) {
	if len(tms) != len(tdi) {
		return nil, errors.Errorf("tms and tdi length mismatch (%d vs %d)", len(tms), len(tdi))
	}
	if p.dapCaps&capJTAG == 0 {
		return nil, dbgerr.Unsupported("%s: raw JTAG is not supported", p.info)
	}
	var tdo []bool
	if capture {
		tdo = make([]bool, 0, len(tms))
	}
	runs := splitRuns(tms, maxSeqBits)
	packets := p.packRuns(runs,
		func(r seqRun) int { return 1 + (r.n+7)/8 },
		func(r seqRun) int {
			if capture {
				return (r.n + 7) / 8
			}
			return 0
		})
	for _, pkt := range packets {
		seqs := make([]JTAGSequence, len(pkt))
		for i, r := range pkt {
			seqs[i] = JTAGSequence{
				Count:   r.n,
				TMS:     r.flag,
				Capture: capture,
				TDI:     bitseq.ToBytes(tdi[r.start : r.start+r.n]),
			}
		}
		res, err := p.dapc.JTAGSequence(ctx, seqs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if capture {
			for i, r := range pkt {
				tdo = append(tdo, bitseq.FromBytes(res[i], r.n)...)
			}
		}
	}
	return tdo, nil
}

// RawSWDIO maps runs of equal direction onto DAP_SWD_Sequence entries.
func (p *Probe) RawSWDIO(ctx context.Context, dir, out []bool) ([]bool, error) {
	if !p.swdSeq {
		return nil, dbgerr.Unsupported("%s: raw SWD requires firmware >= %s", p.info, minSWDSequenceVersion)
	}
	if len(dir) != len(out) {
		return nil, errors.Errorf("dir and out length mismatch (%d vs %d)", len(dir), len(out))
	}
	in := make([]bool, len(dir))
	runs := splitRuns(dir, maxSeqBits)
	packets := p.packRuns(runs,
		func(r seqRun) int {
			if r.flag {
				return 1 + (r.n+7)/8
			}
			return 1
		},
		func(r seqRun) int {
			if r.flag {
				return 0
			}
			return (r.n + 7) / 8
		})
	for _, pkt := range packets {
		seqs := make([]SWDSequence, len(pkt))
		for i, r := range pkt {
			seqs[i] = SWDSequence{Count: r.n, Input: !r.flag}
			if r.flag {
				seqs[i].Data = bitseq.ToBytes(out[r.start : r.start+r.n])
			}
		}
		res, err := p.dapc.SWDSequence(ctx, seqs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for i, r := range pkt {
			if !r.flag {
				copy(in[r.start:], bitseq.FromBytes(res[i], r.n))
			}
		}
	}
	return in, nil
}

// blockRun returns the length of the run of reqs[i:] that can go into one
// DAP_TransferBlock: the same AP register, same direction.
func blockRun(reqs []probe.DAPRequest, i int) int {
	n := 1
	for i+n < len(reqs) {
		r := reqs[i+n]
		if r.AP != reqs[i].AP || r.Write != reqs[i].Write || r.Addr != reqs[i].Addr {
			break
		}
		n++
	}
	return n
}

// DAPTransfer sends runs of four or more identical AP register accesses
// (DRW streaming) as DAP_TransferBlock and everything else as DAP_Transfer.
// The firmware resolves posted reads itself.
func (p *Probe) DAPTransfer(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error) {
	if !p.attached {
		if err := p.Attach(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
	var res []uint32
	var pending []TransferRequest
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		data, err := p.dapc.Transfer(ctx, p.dapIndex, pending)
		if err != nil {
			return errors.Trace(err)
		}
		res = append(res, data...)
		pending = nil
		return nil
	}
	for i := 0; i < len(reqs); {
		if n := blockRun(reqs, i); n >= 4 && reqs[i].AP {
			if err := flush(); err != nil {
				return nil, err
			}
			if err := p.transferBlock(ctx, reqs[i:i+n], &res); err != nil {
				return nil, err
			}
			i += n
			continue
		}
		r := reqs[i]
		tr := TransferRequest{Op: OpRead, AP: r.AP, Reg: r.Addr}
		if r.Write {
			tr.Op, tr.Data = OpWrite, r.Value
		}
		pending = append(pending, tr)
		i++
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Probe) transferBlock(ctx context.Context, reqs []probe.DAPRequest, res *[]uint32) error {
	max := p.dapc.GetTransferBlockMaxSize()
	for len(reqs) > 0 {
		n := len(reqs)
		if n > max {
			n = max
		}
		r := reqs[0]
		if r.Write {
			data := make([]uint32, n)
			for i := range data {
				data[i] = reqs[i].Value
			}
			if err := p.dapc.TransferBlockWrite(ctx, p.dapIndex, r.AP, r.Addr, data); err != nil {
				return errors.Trace(err)
			}
		} else {
			data, err := p.dapc.TransferBlockRead(ctx, p.dapIndex, r.AP, r.Addr, n)
			if err != nil {
				return errors.Trace(err)
			}
			*res = append(*res, data...)
		}
		reqs = reqs[n:]
	}
	return nil
}

func (p *Probe) ConfigureJTAGChain(ctx context.Context, irLens []int, selected int) error {
	if p.dapCaps&capJTAG == 0 {
		return nil
	}
	if err := p.dapc.JTAGConfigure(ctx, irLens); err != nil {
		return errors.Annotatef(err, "JTAG configure")
	}
	p.dapIndex = uint8(selected)
	return nil
}

func (p *Probe) Close(ctx context.Context) error {
	if p.attached {
		p.Detach(ctx)
	}
	return p.dapc.Close(ctx)
}
