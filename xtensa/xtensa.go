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

package xtensa

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

// Options carries the core configuration that cannot be discovered over
// OCD.
type Options struct {
	// DebugLevel is the interrupt level of the debug exception.
	DebugLevel int
	// NumAR is the number of physical address registers, 32 or 64.
	NumAR      int
	NumIBreak  int
	OpTimeout  time.Duration
	Regions    []memory.Region
	// Sequence may replace the OCD core reset through ResetSystem.
	Sequence   core.Sequence
}

// DefaultOptions match the ESP32 cores.
func DefaultOptions() Options {
	return Options{DebugLevel: 6, NumAR: 64, NumIBreak: 2, OpTimeout: 100 * time.Millisecond}
}

// Controller implements core.Controller on top of an XDM.
type Controller struct {
	x    *XDM
	mem  *memory.Memory
	opts Options
	regs *core.RegisterFile
}

func New(ctx context.Context, x *XDM, opts Options) (*Controller, error) {
	def := DefaultOptions()
	if opts.DebugLevel == 0 {
		opts.DebugLevel = def.DebugLevel
	}
	if opts.NumAR == 0 {
		opts.NumAR = def.NumAR
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = def.OpTimeout
	}
	c := &Controller{
		x:    x,
		mem:  memory.New(NewDDRPort(x), opts.Regions),
		opts: opts,
		regs: registerFile(opts.NumAR),
	}
	if opts.Sequence != nil {
		if err := opts.Sequence.DebugCoreStart(ctx, c.mem, core.Xtensa, 0, 0); err != nil {
			return nil, errors.Annotatef(err, "debug core start")
		}
	}
	glog.V(1).Infof("Xtensa core: debug level %d, %d ARs, %d IBREAK", opts.DebugLevel, opts.NumAR, opts.NumIBreak)
	return c, nil
}

func (c *Controller) XDM() *XDM {
	return c.x
}

func (c *Controller) Type() core.Type {
	return core.Xtensa
}

func (c *Controller) Registers() *core.RegisterFile {
	return c.regs
}

func (c *Controller) Memory() *memory.Memory {
	return c.mem
}

func (c *Controller) Status(ctx context.Context) (core.Status, error) {
	stopped, err := c.x.Stopped(ctx)
	if err != nil {
		return core.Status{}, errors.Trace(err)
	}
	if !stopped {
		return core.Running, nil
	}
	cause, err := c.x.ReadSR(ctx, SRDebugCause)
	if err != nil {
		return core.Status{}, errors.Annotatef(err, "DEBUGCAUSE")
	}
	reason := core.HaltReason{Kind: core.HaltUnknown}
	switch {
	case cause&causeICount != 0:
		reason.Kind = core.HaltStep
	case cause&causeIBreak != 0:
		reason = core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakHardware}
	case cause&causeDBreak != 0:
		reason.Kind = core.HaltWatchpoint
	case cause&(causeBreak|causeBreakN) != 0:
		reason = core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakSoftware}
		if op, ok := c.semihosting(ctx); ok {
			reason.Cause, reason.Semihosting = core.BreakSemihosting, op
		}
	case cause&causeDebugInt != 0:
		reason.Kind = core.HaltRequest
	}
	return core.Halted(reason), nil
}

// semihosting recognizes BREAK 1,14 at the halt address and returns the
// operation in a2.
func (c *Controller) semihosting(ctx context.Context) (uint32, bool) {
	pc, err := c.x.ReadSR(ctx, epc(c.opts.DebugLevel))
	if err != nil {
		return 0, false
	}
	buf, err := c.mem.Read(ctx, uint64(pc), insnLen)
	if err != nil {
		return 0, false
	}
	if uint32(buf[0])|uint32(buf[1])<<8|uint32(buf[2])<<16 != insnSemihosting {
		return 0, false
	}
	a2, err := c.x.ReadAR(ctx, 2)
	if err != nil {
		return 0, false
	}
	return a2, true
}

// Halt raises the OCD debug interrupt. It stays raised until the next
// resume.
func (c *Controller) Halt(ctx context.Context, timeout time.Duration) error {
	glog.V(2).Infof("xtensa: halt")
	if err := c.x.WriteNAR(ctx, NARDCRSet, dcrDebugInterrupt); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.WaitHalted(ctx, timeout))
}

func (c *Controller) WaitHalted(ctx context.Context, timeout time.Duration) error {
	return errors.Trace(c.x.poll(ctx, "halt", timeout, true))
}

// resume drops the debug interrupt and returns from the debug exception
// to EPC[DEBUGLEVEL].
func (c *Controller) resume(ctx context.Context) error {
	if err := c.x.WriteNAR(ctx, NARDCRClr, dcrDebugInterrupt); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(c.x.Execute(ctx, insnRFDO), "RFDO")
}

func (c *Controller) Run(ctx context.Context) error {
	stopped, err := c.x.Stopped(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !stopped {
		return nil
	}
	glog.V(2).Infof("xtensa: run")
	return c.resume(ctx)
}

// Step counts one instruction with ICOUNT. With maskInts only
// instructions at the current interrupt level are counted, so handlers
// taken during the step run to completion.
func (c *Controller) Step(ctx context.Context, maskInts bool) error {
	level := uint32(c.opts.DebugLevel)
	if maskInts {
		ps, err := c.x.ReadSR(ctx, eps(c.opts.DebugLevel))
		if err != nil {
			return errors.Annotatef(err, "PS")
		}
		level = ps&psIntLevelMask + 1
	}
	if err := c.x.WriteSR(ctx, SRICountLevel, level); err != nil {
		return errors.Trace(err)
	}
	// ICOUNT raises the exception on the instruction after the one that
	// brings it to -1.
	if err := c.x.WriteSR(ctx, SRICount, 0xfffffffe); err != nil {
		return errors.Trace(err)
	}
	if err := c.resume(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.WaitHalted(ctx, c.opts.OpTimeout); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.x.WriteSR(ctx, SRICountLevel, 0))
}

// Reset resets the core through the target sequence or, when it has
// none, the PWRCTL core reset. The debug interrupt is raised across the
// reset for a halting reset so that the core stops on its first
// instruction.
func (c *Controller) Reset(ctx context.Context, halt bool, timeout time.Duration) error {
	glog.V(1).Infof("xtensa: reset (halt %t)", halt)
	if _, err := c.x.PowerStatus(ctx, pwrStatCoreWasReset|pwrStatDebugWasReset); err != nil {
		return errors.Trace(err)
	}
	dcr := uint8(NARDCRClr)
	if halt {
		dcr = NARDCRSet
	}
	if err := c.x.WriteNAR(ctx, dcr, dcrDebugInterrupt); err != nil {
		return errors.Trace(err)
	}
	if err := c.assertReset(ctx, halt, timeout); err != nil {
		return errors.Trace(err)
	}
	err := c.x.pollPower(ctx, pwrStatCoreWasReset, timeout)
	if err != nil {
		return dbgerr.Arch(dbgerr.ResetFailed, "core did not report reset: %s", err)
	}
	if _, err := c.x.PowerStatus(ctx, pwrStatCoreWasReset|pwrStatDebugWasReset); err != nil {
		return errors.Trace(err)
	}
	// A debug reset disables OCD.
	if err := c.x.EnableOCD(ctx); err != nil {
		return errors.Trace(err)
	}
	if !halt {
		return nil
	}
	return errors.Trace(c.WaitHalted(ctx, timeout))
}

// assertReset gives the target sequence the first chance. The sequence
// touches memory, so the core is stopped for it and, for a running reset,
// released from the debug interrupt so that it starts once reset.
func (c *Controller) assertReset(ctx context.Context, halt bool, timeout time.Duration) error {
	if c.opts.Sequence != nil {
		if err := c.Halt(ctx, timeout); err != nil {
			return errors.Trace(err)
		}
		if !halt {
			if err := c.x.WriteNAR(ctx, NARDCRClr, dcrDebugInterrupt); err != nil {
				return errors.Trace(err)
			}
		}
		err := c.opts.Sequence.ResetSystem(ctx, c.mem, core.Xtensa, 0)
		if !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
			return errors.Annotatef(err, "reset sequence")
		}
	}
	pwr := c.x.Power()
	if err := c.x.SetPower(ctx, pwr|pwrCoreReset); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.x.SetPower(ctx, pwr))
}

func (c *Controller) ReadReg(ctx context.Context, id core.RegID) (uint64, error) {
	var v uint32
	var err error
	switch {
	case id < RegA0+16:
		v, err = c.x.ReadAR(ctx, int(id-RegA0))
	case id >= RegAR0 && id < RegAR0+core.RegID(c.opts.NumAR):
		var ars []uint32
		ars, err = c.ReadPhysical(ctx)
		if err == nil {
			v = ars[id-RegAR0]
		}
	case id == RegPC:
		v, err = c.x.ReadSR(ctx, epc(c.opts.DebugLevel))
	case id == RegPS:
		v, err = c.x.ReadSR(ctx, eps(c.opts.DebugLevel))
	case id >= RegSR0 && id < RegSR0+256:
		v, err = c.x.ReadSR(ctx, uint8(id-RegSR0))
	default:
		return 0, dbgerr.Unsupported("no Xtensa register 0x%x", id)
	}
	return uint64(v), errors.Trace(err)
}

func (c *Controller) WriteReg(ctx context.Context, id core.RegID, v uint64) error {
	switch {
	case id < RegA0+16:
		return errors.Trace(c.x.WriteAR(ctx, int(id-RegA0), uint32(v)))
	case id >= RegAR0 && id < RegAR0+core.RegID(c.opts.NumAR):
		return errors.Trace(c.writePhysical(ctx, int(id-RegAR0), uint32(v)))
	case id == RegPC:
		return errors.Trace(c.x.WriteSR(ctx, epc(c.opts.DebugLevel), uint32(v)))
	case id == RegPS:
		return errors.Trace(c.x.WriteSR(ctx, eps(c.opts.DebugLevel), uint32(v)))
	case id >= RegSR0 && id < RegSR0+256:
		return errors.Trace(c.x.WriteSR(ctx, uint8(id-RegSR0), uint32(v)))
	}
	return dbgerr.Unsupported("no Xtensa register 0x%x", id)
}

// ReadPhysical reads all physical address registers, indexed by AR
// number. The current window is read first, then ROTW 1 moves the window
// by four registers until WINDOWBASE is back where it started.
func (c *Controller) ReadPhysical(ctx context.Context) ([]uint32, error) {
	wb, err := c.x.ReadSR(ctx, SRWindowBase)
	if err != nil {
		return nil, errors.Trace(err)
	}
	n := c.opts.NumAR
	ars := make([]uint32, n)
	for i := 0; i < n/4; i++ {
		base := (int(wb) + i) * 4 % n
		for k := 0; k < 4; k++ {
			v, err := c.x.ReadAR(ctx, k)
			if err != nil {
				return nil, errors.Trace(err)
			}
			ars[base+k] = v
		}
		if err := c.x.Execute(ctx, insnROTW(1)); err != nil {
			return nil, errors.Annotatef(err, "ROTW")
		}
	}
	return ars, nil
}

// writePhysical rotates the window until ar is one of a0..a3, writes it,
// and completes the rotation back to the original WINDOWBASE.
func (c *Controller) writePhysical(ctx context.Context, ar int, v uint32) error {
	wb, err := c.x.ReadSR(ctx, SRWindowBase)
	if err != nil {
		return errors.Trace(err)
	}
	windows := c.opts.NumAR / 4
	for i := 0; i < windows; i++ {
		if (int(wb)+i)%windows == ar/4 {
			if err := c.x.WriteAR(ctx, ar%4, v); err != nil {
				return errors.Trace(err)
			}
		}
		if err := c.x.Execute(ctx, insnROTW(1)); err != nil {
			return errors.Annotatef(err, "ROTW")
		}
	}
	return nil
}

func (c *Controller) NumBreakpointUnits(ctx context.Context) (int, error) {
	return c.opts.NumIBreak, nil
}

func (c *Controller) EnableBreakpoints(ctx context.Context, on bool) error {
	return nil
}

func (c *Controller) unit(i int) error {
	if i < 0 || i >= c.opts.NumIBreak {
		return dbgerr.Arch(dbgerr.NoFreeBreakpointUnit, "IBREAK %d out of range (%d)", i, c.opts.NumIBreak)
	}
	return nil
}

func (c *Controller) SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error {
	if err := c.unit(unit); err != nil {
		return err
	}
	if err := c.x.WriteSR(ctx, uint8(SRIBreakA0+unit), uint32(addr)); err != nil {
		return errors.Trace(err)
	}
	en, err := c.x.ReadSR(ctx, SRIBreakEnable)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.x.WriteSR(ctx, SRIBreakEnable, en|1<<uint(unit)))
}

func (c *Controller) ClearHWBreakpoint(ctx context.Context, unit int) error {
	if err := c.unit(unit); err != nil {
		return err
	}
	en, err := c.x.ReadSR(ctx, SRIBreakEnable)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.x.WriteSR(ctx, SRIBreakEnable, en&^(1<<uint(unit))))
}

// SoftwareBreakpoint is BREAK 1,15.
func (c *Controller) SoftwareBreakpoint(addr uint64) []byte {
	return []byte{byte(insnSWBreak), byte(insnSWBreak >> 8), byte(insnSWBreak >> 16)}
}
