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

// Package dp drives an ARM debug port: DPIDR identification, the power-up
// handshake, sticky error recovery and the SELECT/SELECT1 shadow that lets
// AP accesses skip redundant bank switches.
package dp

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/arm"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/retry"
)

// Transferer carries DP/AP register requests, see wire.Wire.
type Transferer interface {
	Transfer(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error)
}

type Options struct {
	PowerUpTimeout time.Duration
	// MaxBlock bounds the number of requests per transfer.
	MaxBlock       int
}

func DefaultOptions() Options {
	return Options{PowerUpTimeout: 100 * time.Millisecond, MaxBlock: 256}
}

// DP is a debug port. It is not safe for concurrent use.
type DP struct {
	t    Transferer
	opts Options

	idr      arm.DPIDRValue
	targetID uint32

	// SELECT shadows, valid until Invalidate. DPBANKSEL is kept 0.
	sel       uint32
	selValid  bool
	sel1      uint32
	sel1Valid bool
}

func New(t Transferer, opts Options) *DP {
	if opts.MaxBlock <= 0 {
		opts.MaxBlock = DefaultOptions().MaxBlock
	}
	return &DP{t: t, opts: opts}
}

// IDR is the DPIDR read by Start.
func (d *DP) IDR() arm.DPIDRValue {
	return d.idr
}

// MaxBlock is the largest number of requests to put in one transfer.
func (d *DP) MaxBlock() int {
	return d.opts.MaxBlock
}

// TargetID is the TARGETID read by Start on DPv2 and later, 0 before that.
func (d *DP) TargetID() uint32 {
	return d.targetID
}

// Version is the DP architecture version.
func (d *DP) Version() int {
	return d.idr.Version()
}

// Invalidate forgets the SELECT shadows, as needed after the debug port was
// reset or reconnected.
func (d *DP) Invalidate() {
	d.selValid = false
	d.sel1Valid = false
}

// IsStickyFault reports whether err is a FAULT acknowledge or sticky error,
// both of which ABORT clears.
func IsStickyFault(err error) bool {
	return dbgerr.IsDetail(err, dbgerr.SwdFault) || dbgerr.IsDetail(err, dbgerr.StickyError)
}

// transfer runs reqs; a FAULT or sticky error is cleared with ABORT and the
// transfer retried once. reqs must be safe to replay: no auto-incrementing
// accesses.
func (d *DP) transfer(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error) {
	res, err := d.t.Transfer(ctx, reqs)
	if err == nil {
		return res, nil
	}
	if !IsStickyFault(err) {
		return nil, errors.Trace(err)
	}
	glog.V(2).Infof("sticky error, clearing: %s", err)
	if cerr := d.ClearSticky(ctx); cerr != nil {
		return nil, errors.Annotatef(cerr, "failed to clear sticky error after: %s", err)
	}
	res, err2 := d.t.Transfer(ctx, reqs)
	if err2 != nil {
		if IsStickyFault(err2) {
			d.ClearSticky(ctx)
			return nil, dbgerr.Dap("sticky error persists after ABORT: %s", err2)
		}
		return nil, errors.Trace(err2)
	}
	return res, nil
}

// ClearSticky writes ABORT with every sticky clear bit.
func (d *DP) ClearSticky(ctx context.Context) error {
	_, err := d.t.Transfer(ctx, []probe.DAPRequest{{Write: true, Addr: arm.ABORT.Addr, Value: arm.AbortClearAll}})
	return errors.Annotatef(err, "ABORT")
}

// Abort cancels a stalled transaction and clears every sticky flag.
func (d *DP) Abort(ctx context.Context) error {
	_, err := d.t.Transfer(ctx, []probe.DAPRequest{{Write: true, Addr: arm.ABORT.Addr, Value: arm.AbortDAPAbort | arm.AbortClearAll}})
	return errors.Annotatef(err, "ABORT")
}

func (d *DP) bankedReqs(reg arm.DPRegister, req probe.DAPRequest) ([]probe.DAPRequest, error) {
	if !reg.Banked {
		return []probe.DAPRequest{req}, nil
	}
	since := reg.Since
	if since < 1 {
		since = 1
	}
	if d.Version() < since {
		return nil, dbgerr.Unsupported("%s needs DPv%d or later, have DPv%d", reg, since, d.Version())
	}
	if !d.selValid {
		return nil, errors.Errorf("SELECT is unknown, start the DP first")
	}
	return []probe.DAPRequest{
		{Write: true, Addr: arm.SELECT.Addr, Value: d.sel | uint32(reg.Bank)},
		req,
		{Write: true, Addr: arm.SELECT.Addr, Value: d.sel},
	}, nil
}

func (d *DP) ReadDP(ctx context.Context, reg arm.DPRegister) (uint32, error) {
	reqs, err := d.bankedReqs(reg, probe.DAPRequest{Addr: reg.Addr})
	if err != nil {
		return 0, errors.Trace(err)
	}
	res, err := d.transfer(ctx, reqs)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read %s", reg)
	}
	glog.V(3).Infof("%s == 0x%08x", reg, res[0])
	return res[0], nil
}

func (d *DP) WriteDP(ctx context.Context, reg arm.DPRegister, v uint32) error {
	reqs, err := d.bankedReqs(reg, probe.DAPRequest{Write: true, Addr: reg.Addr, Value: v})
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("%s = 0x%08x", reg, v)
	if _, err := d.transfer(ctx, reqs); err != nil {
		return errors.Annotatef(err, "failed to write %s", reg)
	}
	if reg == arm.SELECT {
		d.sel, d.selValid = v&^0xf, true
	}
	return nil
}

// Start reads DPIDR, clears sticky errors, and powers up the debug and
// system domains.
func (d *DP) Start(ctx context.Context) error {
	d.Invalidate()
	v, err := d.ReadDP(ctx, arm.DPIDR)
	if err != nil {
		return errors.Trace(err)
	}
	d.idr = arm.DPIDRValue(v)
	glog.V(1).Infof("%s", d.idr)
	if err := d.ClearSticky(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := d.WriteDP(ctx, arm.SELECT, 0); err != nil {
		return errors.Trace(err)
	}
	if d.Version() >= 3 {
		if err := d.WriteDP(ctx, arm.SELECT1, 0); err != nil {
			return errors.Trace(err)
		}
		d.sel1, d.sel1Valid = 0, true
	}
	d.targetID = 0
	if d.Version() >= 2 {
		if d.targetID, err = d.ReadDP(ctx, arm.TARGETID); err != nil {
			return errors.Trace(err)
		}
		glog.V(1).Infof("TARGETID: 0x%08x", d.targetID)
	}
	return errors.Trace(d.SetPower(ctx, true, true))
}

// SetPower requests the debug and system power domains and waits for the
// acknowledges to follow.
func (d *DP) SetPower(ctx context.Context, dbg, sys bool) error {
	var req, ack uint32
	if dbg {
		req |= arm.CtrlCDbgPwrUpReq
		ack |= arm.CtrlCDbgPwrUpAck
	}
	if sys {
		req |= arm.CtrlCSysPwrUpReq
		ack |= arm.CtrlCSysPwrUpAck
	}
	if err := d.WriteDP(ctx, arm.CTRLSTAT, req); err != nil {
		return errors.Trace(err)
	}
	err := retry.Poll(ctx, "DP power-up acknowledge", d.opts.PowerUpTimeout, retry.DefaultPollInterval, func() (bool, error) {
		v, err := d.ReadDP(ctx, arm.CTRLSTAT)
		if err != nil {
			return false, errors.Trace(err)
		}
		return v&(arm.CtrlCDbgPwrUpAck|arm.CtrlCSysPwrUpAck) == ack, nil
	})
	return errors.Annotatef(err, "power request 0x%08x", req)
}

// Stop powers the debug domains down.
func (d *DP) Stop(ctx context.Context) error {
	return errors.Trace(d.SetPower(ctx, false, false))
}

// BasePointer returns the base address of the top-level ROM table of a
// DPv3 debug port.
func (d *DP) BasePointer(ctx context.Context) (uint64, bool, error) {
	if d.Version() < 3 {
		return 0, false, nil
	}
	lo, err := d.ReadDP(ctx, arm.BASEPTR0)
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	if lo&1 == 0 {
		return 0, false, nil
	}
	hi, err := d.ReadDP(ctx, arm.BASEPTR1)
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	return uint64(hi)<<32 | uint64(lo&^0xfff), true, nil
}

// apSelect returns the SELECT and SELECT1 values addressing reg of ap, and
// the A[3:2] offset within the selected bank.
func apSelect(ap arm.APAddress, off uint64) (sel, sel1 uint32, addr uint8) {
	if ap.V2 {
		full := ap.Base + off
		return uint32(full) &^ 0xf, uint32(full >> 32), uint8(full & 0xc)
	}
	return uint32(ap.Sel)<<24 | uint32(off)&0xf0, 0, uint8(off & 0xc)
}

// selectReqs returns the SELECT writes needed before an access to off of ap
// and updates the shadows.
func (d *DP) selectReqs(ap arm.APAddress, off uint64) ([]probe.DAPRequest, uint8, error) {
	sel, sel1, addr := apSelect(ap, off)
	var reqs []probe.DAPRequest
	if ap.V2 && d.Version() < 3 {
		return nil, 0, dbgerr.Unsupported("%s needs an ADIv6 debug port", ap)
	}
	if d.Version() >= 3 && (!d.sel1Valid || d.sel1 != sel1) {
		reqs = append(reqs,
			probe.DAPRequest{Write: true, Addr: arm.SELECT.Addr, Value: d.sel | uint32(arm.SELECT1.Bank)},
			probe.DAPRequest{Write: true, Addr: arm.SELECT1.Addr, Value: sel1},
		)
		d.sel1, d.sel1Valid = sel1, true
		d.selValid = false
	}
	if !d.selValid || d.sel != sel {
		reqs = append(reqs, probe.DAPRequest{Write: true, Addr: arm.SELECT.Addr, Value: sel})
		d.sel, d.selValid = sel, true
	}
	return reqs, addr, nil
}

// SelectAP makes reg of ap addressable, writing SELECT only if it changed.
func (d *DP) SelectAP(ctx context.Context, ap arm.APAddress, reg arm.APRegister) error {
	reqs, _, err := d.selectReqs(ap, reg.Offset(ap))
	if err != nil {
		return errors.Trace(err)
	}
	if len(reqs) == 0 {
		return nil
	}
	if _, err := d.transfer(ctx, reqs); err != nil {
		d.Invalidate()
		return errors.Annotatef(err, "failed to select %s", ap)
	}
	return nil
}

// Op is one AP register access of an APTransfer.
type Op struct {
	Reg   arm.APRegister
	Write bool
	Value uint32
}

func (d *DP) apReqs(ap arm.APAddress, ops []Op) ([]probe.DAPRequest, error) {
	reqs, _, err := d.selectReqs(ap, ops[0].Reg.Offset(ap))
	if err != nil {
		return nil, errors.Trace(err)
	}
	bank := uint64(ops[0].Reg.Offset(ap)) &^ 0xf
	for _, op := range ops {
		off := op.Reg.Offset(ap)
		if off&^0xf != bank {
			return nil, errors.Errorf("%s and %s are in different banks", ops[0].Reg, op.Reg)
		}
		reqs = append(reqs, probe.DAPRequest{AP: true, Write: op.Write, Addr: uint8(off & 0xc), Value: op.Value})
	}
	return reqs, nil
}

// APTransfer performs ops on ap in one transfer, prefixed by the SELECT
// writes the first op needs. All ops must live in the same register bank.
// A FAULT or sticky error is cleared and the transfer replayed once, so ops
// must not include auto-incrementing DRW accesses; use APTransferOnce for
// those.
func (d *DP) APTransfer(ctx context.Context, ap arm.APAddress, ops []Op) ([]uint32, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	reqs, err := d.apReqs(ap, ops)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res, err := d.transfer(ctx, reqs)
	if err != nil {
		d.Invalidate()
		return nil, errors.Annotatef(err, "%s transfer", ap)
	}
	return res, nil
}

// APTransferOnce is APTransfer without the replay. A FAULT or sticky error
// is cleared with ABORT and returned; IsStickyFault holds for it.
func (d *DP) APTransferOnce(ctx context.Context, ap arm.APAddress, ops []Op) ([]uint32, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	reqs, err := d.apReqs(ap, ops)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res, err := d.t.Transfer(ctx, reqs)
	if err == nil {
		return res, nil
	}
	d.Invalidate()
	if IsStickyFault(err) {
		glog.V(2).Infof("sticky error, clearing: %s", err)
		if cerr := d.ClearSticky(ctx); cerr != nil {
			return nil, errors.Annotatef(cerr, "failed to clear sticky error after: %s", err)
		}
	}
	return nil, errors.Annotatef(err, "%s transfer", ap)
}

func (d *DP) ReadAP(ctx context.Context, ap arm.APAddress, reg arm.APRegister) (uint32, error) {
	res, err := d.APTransfer(ctx, ap, []Op{{Reg: reg}})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read %s %s", ap, reg)
	}
	glog.V(3).Infof("%s %s == 0x%08x", ap, reg, res[0])
	return res[0], nil
}

func (d *DP) WriteAP(ctx context.Context, ap arm.APAddress, reg arm.APRegister, v uint32) error {
	glog.V(3).Infof("%s %s = 0x%08x", ap, reg, v)
	_, err := d.APTransfer(ctx, ap, []Op{{Reg: reg, Write: true, Value: v}})
	return errors.Annotatef(err, "failed to write %s %s", ap, reg)
}

// ReadRaw reads a 32-bit register at an absolute ADIv6 address, such as a
// ROM table entry at the DP level.
func (d *DP) ReadRaw(ctx context.Context, addr uint64) (uint32, error) {
	reqs, a, err := d.selectReqs(arm.APv2(0), addr)
	if err != nil {
		return 0, errors.Trace(err)
	}
	res, err := d.transfer(ctx, append(reqs, probe.DAPRequest{AP: true, Addr: a}))
	if err != nil {
		d.Invalidate()
		return 0, errors.Annotatef(err, "failed to read 0x%x", addr)
	}
	glog.V(3).Infof("[0x%x] == 0x%08x", addr, res[0])
	return res[0], nil
}
