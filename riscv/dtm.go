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

// Package riscv implements the RISC-V external debug stack: the JTAG debug
// transport (DTM), the Debug Module, memory access through the system bus
// or the program buffer, and a core controller with trigger breakpoints.
package riscv

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

// DMI reads and writes Debug Module registers.
type DMI interface {
	ReadDMI(ctx context.Context, addr uint32) (uint32, error)
	WriteDMI(ctx context.Context, addr, v uint32) error
}

// DMITimeout bounds the busy retries of one DMI operation.
const DMITimeout = 100 * time.Millisecond

// maxIdleCycles caps the Run-Test/Idle cycles added after busy responses.
const maxIdleCycles = 64

// DTM is the JTAG Debug Transport Module of one TAP.
type DTM struct {
	e     *jtag.Engine
	abits int
}

// NewDTM reads dtmcs from the selected TAP of e and sets up the DMI width
// and idle cycles it asks for.
func NewDTM(ctx context.Context, e *jtag.Engine) (*DTM, error) {
	d := &DTM{e: e}
	dtmcs, err := e.ScanDR(ctx, IRDTMCS, 0, 32)
	if err != nil {
		return nil, errors.Annotatef(err, "dtmcs")
	}
	if dtmcs == 0 || dtmcs == 0xffffffff {
		return nil, dbgerr.TargetDescription("no RISC-V DTM at TAP %d (dtmcs 0x%08x)", e.Selected(), dtmcs)
	}
	if v := dtmcs & dtmcsVersionMask; v != 1 {
		return nil, dbgerr.Unsupported("DTM version %d", v)
	}
	d.abits = int(dtmcs >> dtmcsAbitsShift & dtmcsAbitsMask)
	idle := int(dtmcs >> dtmcsIdleShift & dtmcsIdleMask)
	if idle > e.IdleCycles() {
		e.SetIdleCycles(idle)
	}
	glog.V(1).Infof("DTM: dtmcs 0x%08x, abits %d, idle %d", dtmcs, d.abits, idle)
	if err := d.reset(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

func (d *DTM) Abits() int {
	return d.abits
}

// reset clears a sticky DMI error or busy status.
func (d *DTM) reset(ctx context.Context) error {
	_, err := d.e.ScanDR(ctx, IRDTMCS, dtmcsDMIReset, 32)
	return errors.Annotatef(err, "dmireset")
}

// HardReset resets the DTM, dropping any outstanding DMI transaction.
func (d *DTM) HardReset(ctx context.Context) error {
	_, err := d.e.ScanDR(ctx, IRDTMCS, dtmcsDMIHardReset, 32)
	return errors.Annotatef(err, "dmihardreset")
}

func (d *DTM) encode(op int, addr, data uint32) []bool {
	v := uint64(op) | uint64(data)<<2 | uint64(addr)<<34
	return bitseq.FromUint(v, d.abits+34)
}

// op issues one DMI operation followed by a NOP scan that captures its
// result. Busy results are retried with more idle cycles.
func (d *DTM) op(ctx context.Context, op int, addr, data uint32) (uint32, error) {
	deadline := time.Now().Add(DMITimeout)
	for {
		b := d.e.NewBatch()
		if err := b.SetIR(IRDMI); err != nil {
			return 0, errors.Trace(err)
		}
		b.ShiftDR(d.encode(op, addr, data), false)
		i := b.ShiftDR(d.encode(dmiOpNop, 0, 0), true)
		res, err := b.Execute(ctx)
		if err != nil {
			return 0, errors.Annotatef(err, "DMI 0x%02x", addr)
		}
		v := bitseq.ToUint(res[i])
		switch status := v & 3; status {
		case dmiStatusOK:
			return uint32(v >> 2), nil
		case dmiStatusBusy:
			if err := d.reset(ctx); err != nil {
				return 0, errors.Trace(err)
			}
			if n := d.e.IdleCycles(); n < maxIdleCycles {
				d.e.SetIdleCycles(n + 1)
			}
			glog.V(3).Infof("DMI 0x%02x busy, idle cycles now %d", addr, d.e.IdleCycles())
			if time.Now().After(deadline) {
				return 0, dbgerr.Timeout("DMI access")
			}
		default:
			if err := d.reset(ctx); err != nil {
				return 0, errors.Trace(err)
			}
			return 0, dbgerr.Wire(dbgerr.DetailNone, "DMI 0x%02x failed (status %d)", addr, status)
		}
	}
}

func (d *DTM) ReadDMI(ctx context.Context, addr uint32) (uint32, error) {
	v, err := d.op(ctx, dmiOpRead, addr, 0)
	if err != nil {
		return 0, err
	}
	glog.V(4).Infof("DMI R 0x%02x = 0x%08x", addr, v)
	return v, nil
}

func (d *DTM) WriteDMI(ctx context.Context, addr, v uint32) error {
	glog.V(4).Infof("DMI W 0x%02x = 0x%08x", addr, v)
	_, err := d.op(ctx, dmiOpWrite, addr, v)
	return err
}
