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

// Package xtensa drives Xtensa cores through the on-chip debug (OCD)
// registers of the Xtensa Debug Module, reached over JTAG with the NARSEL
// instruction.
package xtensa

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/probe/bitseq"
	"github.com/mongoose-os/probekit/retry"
)

const (
	PowerTimeout = 100 * time.Millisecond
	ExecTimeout  = 100 * time.Millisecond
)

// XDM is the debug module of one Xtensa core. Registers are addressed by
// an 8-bit NAR scan carrying the address and direction, followed by a
// 32-bit NDR scan carrying the data.
type XDM struct {
	e      *jtag.Engine
	pwrctl uint8

	// OCDID is the OCD identification register.
	OCDID uint32
}

// NewXDM wakes up the debug, memory and core power domains, claims the
// debug module for JTAG and enables OCD.
func NewXDM(ctx context.Context, e *jtag.Engine) (*XDM, error) {
	x := &XDM{e: e}
	if err := x.SetPower(ctx, pwrWakeup); err != nil {
		return nil, errors.Annotatef(err, "power up")
	}
	if err := x.SetPower(ctx, pwrWakeup|pwrJTAGDebugUse); err != nil {
		return nil, errors.Annotatef(err, "power up")
	}
	err := retry.Poll(ctx, "debug power domain", PowerTimeout, retry.DefaultPollInterval, func() (bool, error) {
		st, err := x.PowerStatus(ctx, 0)
		return st&pwrStatDebugDomainOn != 0, errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := x.EnableOCD(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	id, err := x.ReadNAR(ctx, NAROCDID)
	if err != nil {
		return nil, errors.Annotatef(err, "OCDID")
	}
	if id == 0 || id == 0xffffffff {
		return nil, dbgerr.TargetDescription("no Xtensa debug module (OCDID 0x%08x)", id)
	}
	x.OCDID = id
	glog.V(1).Infof("Xtensa OCDID 0x%08x", id)
	return x, nil
}

func (x *XDM) EnableOCD(ctx context.Context) error {
	return errors.Annotatef(x.WriteNAR(ctx, NARDCRSet, dcrDefaultSettings), "enable OCD")
}

// SetPower writes PWRCTL and returns once the scan is done.
func (x *XDM) SetPower(ctx context.Context, v uint8) error {
	if _, err := x.e.ScanDR(ctx, IRPwrCtl, uint64(v), 8); err != nil {
		return errors.Annotatef(err, "PWRCTL")
	}
	x.pwrctl = v
	return nil
}

func (x *XDM) Power() uint8 {
	return x.pwrctl
}

// PowerStatus reads PWRSTAT and clears the WasReset bits set in clear.
func (x *XDM) PowerStatus(ctx context.Context, clear uint8) (uint8, error) {
	v, err := x.e.ScanDR(ctx, IRPwrStat, uint64(clear), 8)
	if err != nil {
		return 0, errors.Annotatef(err, "PWRSTAT")
	}
	return uint8(v), nil
}

func (x *XDM) ReadNAR(ctx context.Context, reg uint8) (uint32, error) {
	v, err := x.nar(ctx, reg, false, 0)
	glog.V(3).Infof("NAR 0x%02x -> 0x%08x", reg, v)
	return v, errors.Trace(err)
}

func (x *XDM) WriteNAR(ctx context.Context, reg uint8, v uint32) error {
	glog.V(3).Infof("NAR 0x%02x <- 0x%08x", reg, v)
	_, err := x.nar(ctx, reg, true, v)
	return errors.Trace(err)
}

func (x *XDM) nar(ctx context.Context, reg uint8, write bool, v uint32) (uint32, error) {
	b := x.e.NewBatch()
	if err := b.SetIR(IRNARSel); err != nil {
		return 0, errors.Trace(err)
	}
	a := uint64(reg) << 1
	if write {
		a |= 1
	}
	b.ShiftDR(bitseq.FromUint(a, narLen), false)
	i := b.ShiftDR(bitseq.FromUint(uint64(v), ndrLen), true)
	res, err := b.Execute(ctx)
	if err != nil {
		return 0, errors.Annotatef(err, "NAR 0x%02x", reg)
	}
	return uint32(bitseq.ToUint(res[i])), nil
}

func (x *XDM) Status(ctx context.Context) (uint32, error) {
	v, err := x.ReadNAR(ctx, NARDSR)
	return v, errors.Annotatef(err, "DSR")
}

func (x *XDM) Stopped(ctx context.Context) (bool, error) {
	st, err := x.Status(ctx)
	return st&dsrStopped != 0, errors.Trace(err)
}

// poll waits for DSR.Stopped to become stopped.
func (x *XDM) poll(ctx context.Context, what string, timeout time.Duration, stopped bool) error {
	return retry.Poll(ctx, what, timeout, retry.DefaultPollInterval, func() (bool, error) {
		s, err := x.Stopped(ctx)
		return s == stopped, err
	})
}

// pollPower waits for all bits of mask in PWRSTAT.
func (x *XDM) pollPower(ctx context.Context, mask uint8, timeout time.Duration) error {
	return retry.Poll(ctx, "power status", timeout, retry.DefaultPollInterval, func() (bool, error) {
		st, err := x.PowerStatus(ctx, 0)
		return st&mask == mask, err
	})
}

// Execute runs insn in the stopped core and checks that it completed.
func (x *XDM) Execute(ctx context.Context, insn uint32) error {
	if err := x.WriteNAR(ctx, NARDIR0Exec, insn); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(x.CheckExec(ctx), "instruction 0x%06x", insn)
}

// CheckExec waits for the last executed instruction to finish. A pending
// exception or overrun is cleared and reported as an OcdError.
func (x *XDM) CheckExec(ctx context.Context) error {
	var dsr uint32
	err := retry.Poll(ctx, "OCD execution", ExecTimeout, retry.DefaultPollInterval, func() (bool, error) {
		var err error
		dsr, err = x.Status(ctx)
		return dsr&dsrExecBusy == 0, errors.Trace(err)
	})
	if err != nil {
		return errors.Trace(err)
	}
	if dsr&(dsrExecException|dsrExecOverrun) == 0 {
		return nil
	}
	if err := x.WriteNAR(ctx, NARDSR, dsrExecW1C); err != nil {
		return errors.Trace(err)
	}
	if dsr&dsrExecOverrun != 0 {
		return dbgerr.Arch(dbgerr.OcdError, "execution overrun (DSR 0x%08x)", dsr)
	}
	return dbgerr.Arch(dbgerr.OcdError, "execution exception (DSR 0x%08x)", dsr)
}

func (x *XDM) ReadDDR(ctx context.Context) (uint32, error) {
	return x.ReadNAR(ctx, NARDDR)
}

func (x *XDM) WriteDDR(ctx context.Context, v uint32) error {
	return x.WriteNAR(ctx, NARDDR, v)
}

// ReadDDRExec reads DDR and runs the instruction in DIR0 again.
func (x *XDM) ReadDDRExec(ctx context.Context) (uint32, error) {
	return x.ReadNAR(ctx, NARDDRExec)
}

// WriteDDRExec writes DDR and runs the instruction in DIR0 again.
func (x *XDM) WriteDDRExec(ctx context.Context, v uint32) error {
	return x.WriteNAR(ctx, NARDDRExec, v)
}

// ReadAR reads address register a<n> of the current window.
func (x *XDM) ReadAR(ctx context.Context, n int) (uint32, error) {
	if err := x.Execute(ctx, insnWSR(SRDDR, n)); err != nil {
		return 0, errors.Annotatef(err, "read a%d", n)
	}
	return x.ReadDDR(ctx)
}

func (x *XDM) WriteAR(ctx context.Context, n int, v uint32) error {
	if err := x.WriteDDR(ctx, v); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(x.Execute(ctx, insnRSR(SRDDR, n)), "write a%d", n)
}

// withScratch runs fn with the scratch register saved and restores it
// afterwards.
func (x *XDM) withScratch(ctx context.Context, fn func() error) error {
	saved, err := x.ReadAR(ctx, scratch)
	if err != nil {
		return errors.Trace(err)
	}
	ferr := fn()
	if err := x.WriteAR(ctx, scratch, saved); err != nil && ferr == nil {
		ferr = errors.Trace(err)
	}
	return ferr
}

// ReadSR reads a special register through the scratch register.
func (x *XDM) ReadSR(ctx context.Context, sr uint8) (uint32, error) {
	var v uint32
	err := x.withScratch(ctx, func() error {
		if err := x.Execute(ctx, insnRSR(sr, scratch)); err != nil {
			return errors.Trace(err)
		}
		var err error
		v, err = x.ReadAR(ctx, scratch)
		return errors.Trace(err)
	})
	return v, errors.Annotatef(err, "read SR %d", sr)
}

func (x *XDM) WriteSR(ctx context.Context, sr uint8, v uint32) error {
	err := x.withScratch(ctx, func() error {
		if err := x.WriteAR(ctx, scratch, v); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(x.Execute(ctx, insnWSR(sr, scratch)))
	})
	return errors.Annotatef(err, "write SR %d", sr)
}
