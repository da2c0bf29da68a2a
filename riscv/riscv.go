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

package riscv

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

type Options struct {
	Hart      int
	// Sequence may replace the native hart reset through ResetSystem. A
	// sequence returning UnsupportedOperation leaves the reset to the DM.
	Sequence  core.Sequence
	OpTimeout time.Duration
	Regions   []memory.Region
}

func DefaultOptions() Options {
	return Options{OpTimeout: 100 * time.Millisecond}
}

// Controller implements core.Controller for one hart.
type Controller struct {
	dm   *DM
	mem  *memory.Memory
	opts Options

	xlen int
	size int
	misa uint64
	regs *core.RegisterFile

	// triggers lists the trigger indices usable as execute breakpoints.
	triggers []int
}

// New selects the hart, probes XLEN and misa and builds the memory view.
// The hart is halted briefly when it is running, since abstract register
// access needs a halted hart.
func New(ctx context.Context, dm *DM, opts Options) (*Controller, error) {
	if opts.OpTimeout == 0 {
		opts.OpTimeout = DefaultOptions().OpTimeout
	}
	c := &Controller{dm: dm, opts: opts}
	if err := dm.SelectHart(ctx, opts.Hart); err != nil {
		return nil, errors.Trace(err)
	}
	// Clear a stale reset indication from before we attached.
	if err := dm.WriteControl(ctx, ctlAckHaveReset); err != nil {
		return nil, errors.Trace(err)
	}
	st, err := dm.Status(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	wasRunning := st&statAllHalted == 0
	if wasRunning {
		if err := c.Halt(ctx, opts.OpTimeout); err != nil {
			return nil, errors.Annotatef(err, "halt for discovery")
		}
	}
	if err := c.probeXLEN(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	mem, err := NewMemory(dm, c.xlen, opts.Regions)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.mem = mem
	if opts.Sequence != nil {
		if err := opts.Sequence.DebugCoreStart(ctx, mem, core.Riscv, 0, 0); err != nil {
			return nil, errors.Annotatef(err, "debug core start")
		}
	}
	if wasRunning {
		if err := c.Run(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
	glog.V(1).Infof("hart %d: RV%d, misa 0x%x", opts.Hart, c.xlen, c.misa)
	return c, nil
}

// probeXLEN tries a 64-bit misa read and falls back to 32 bits when the
// hart rejects the size.
func (c *Controller) probeXLEN(ctx context.Context) error {
	misa, err := c.dm.ReadRegister(ctx, CSRMisa, aarSize64)
	c.xlen, c.size = 64, aarSize64
	if code, ok := cmdErrCode(err); ok && code == cmdErrNotSupported {
		misa, err = c.dm.ReadRegister(ctx, CSRMisa, aarSize32)
		c.xlen, c.size = 32, aarSize32
	}
	if err != nil {
		return errors.Annotatef(err, "misa")
	}
	c.misa = misa
	if c.xlen == 64 && misa>>62 == 1 {
		// misa reads back zero-extended on a 32-bit hart that accepts
		// 64-bit accesses.
		c.xlen, c.size = 32, aarSize32
	}
	fpr := c.hasExt('F') || c.hasExt('D')
	c.regs = registerFile(c.xlen, fpr)
	return nil
}

func (c *Controller) hasExt(ext byte) bool {
	return c.misa&(1<<(ext-'A')) != 0
}

func (c *Controller) XLEN() int {
	return c.xlen
}

func (c *Controller) DM() *DM {
	return c.dm
}

func (c *Controller) Type() core.Type {
	return core.Riscv
}

func (c *Controller) Registers() *core.RegisterFile {
	return c.regs
}

func (c *Controller) Memory() *memory.Memory {
	return c.mem
}

func (c *Controller) Status(ctx context.Context) (core.Status, error) {
	st, err := c.dm.Status(ctx)
	if err != nil {
		return core.Status{}, errors.Trace(err)
	}
	switch {
	case st&statAllHalted != 0:
	case st&statAllRunning != 0:
		return core.Running, nil
	case st&statAllUnavail != 0:
		return core.Status{State: core.StateSleeping}, nil
	default:
		return core.Status{}, nil
	}
	dcsr, err := c.dm.ReadRegister(ctx, CSRDCSR, aarSize32)
	if err != nil {
		return core.Status{}, errors.Annotatef(err, "dcsr")
	}
	reason := core.HaltReason{Kind: core.HaltUnknown}
	switch dcsr >> dcsrCauseShift & dcsrCauseMask {
	case causeEBreak:
		reason = core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakSoftware}
		if op, ok := c.semihosting(ctx); ok {
			reason.Cause, reason.Semihosting = core.BreakSemihosting, op
		}
	case causeTrigger:
		reason = core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakHardware}
	case causeHaltReq, causeResetHaltReq:
		reason.Kind = core.HaltRequest
	case causeStep:
		reason.Kind = core.HaltStep
	case causeGroup:
		reason.Kind = core.HaltExternal
	}
	return core.Halted(reason), nil
}

// semihosting recognizes the SLLI/EBREAK/SRAI sequence around the halt
// address and returns the operation in a0.
func (c *Controller) semihosting(ctx context.Context) (uint32, bool) {
	pc, err := c.dm.ReadRegister(ctx, CSRDPC, c.size)
	if err != nil || pc < 4 || c.mem == nil {
		return 0, false
	}
	buf, err := c.mem.Read(ctx, pc-4, 12)
	if err != nil {
		return 0, false
	}
	if binary.LittleEndian.Uint32(buf) != insnSlliX0 || binary.LittleEndian.Uint32(buf[8:]) != insnSraiX0 {
		return 0, false
	}
	a0, err := c.dm.ReadRegister(ctx, uint32(RegA0), c.size)
	if err != nil {
		return 0, false
	}
	return uint32(a0), true
}

func (c *Controller) Halt(ctx context.Context, timeout time.Duration) error {
	glog.V(2).Infof("hart %d: halt", c.opts.Hart)
	if err := c.dm.WriteControl(ctx, ctlHaltReq); err != nil {
		return errors.Trace(err)
	}
	werr := c.WaitHalted(ctx, timeout)
	if err := c.dm.WriteControl(ctx, 0); err != nil && werr == nil {
		werr = err
	}
	return errors.Trace(werr)
}

func (c *Controller) WaitHalted(ctx context.Context, timeout time.Duration) error {
	return errors.Trace(c.dm.PollStatus(ctx, "halt", statAllHalted, timeout))
}

// resume leaves debug mode. dcsr is rewritten first so that ebreak keeps
// entering debug mode and step is set only when requested.
func (c *Controller) resume(ctx context.Context, step, maskInts bool) error {
	dcsr, err := c.dm.ReadRegister(ctx, CSRDCSR, aarSize32)
	if err != nil {
		return errors.Annotatef(err, "dcsr")
	}
	dcsr |= dcsrEBreakM | dcsrEBreakS | dcsrEBreakU
	dcsr &^= dcsrStep | dcsrStepIE
	if step {
		dcsr |= dcsrStep
		if !maskInts {
			dcsr |= dcsrStepIE
		}
	}
	if err := c.dm.WriteRegister(ctx, CSRDCSR, aarSize32, dcsr, false); err != nil {
		return errors.Annotatef(err, "dcsr")
	}
	if err := c.dm.WriteControl(ctx, ctlResumeReq); err != nil {
		return errors.Trace(err)
	}
	werr := c.dm.PollStatus(ctx, "resume", statAllResumeAck, c.opts.OpTimeout)
	if err := c.dm.WriteControl(ctx, 0); err != nil && werr == nil {
		werr = err
	}
	return errors.Trace(werr)
}

func (c *Controller) Run(ctx context.Context) error {
	st, err := c.dm.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if st&statAllHalted == 0 {
		return nil
	}
	glog.V(2).Infof("hart %d: run", c.opts.Hart)
	return c.resume(ctx, false, false)
}

func (c *Controller) Step(ctx context.Context, maskInts bool) error {
	if err := c.resume(ctx, true, maskInts); err != nil {
		return errors.Trace(err)
	}
	if err := c.WaitHalted(ctx, c.opts.OpTimeout); err != nil {
		return errors.Trace(err)
	}
	dcsr, err := c.dm.ReadRegister(ctx, CSRDCSR, aarSize32)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.dm.WriteRegister(ctx, CSRDCSR, aarSize32, dcsr&^dcsrStep, false))
}

// Reset resets the hart. A halting reset uses resethaltreq when the DM
// supports it and a halt request held across the reset otherwise.
func (c *Controller) Reset(ctx context.Context, halt bool, timeout time.Duration) error {
	st, err := c.dm.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	useResetHalt := halt && st&statHasResetHaltReq != 0
	var hold uint32
	switch {
	case useResetHalt:
		if err := c.dm.WriteControl(ctx, ctlSetResetHaltReq); err != nil {
			return errors.Trace(err)
		}
	case halt:
		hold = ctlHaltReq
	}
	glog.V(1).Infof("hart %d: reset (halt %t)", c.opts.Hart, halt)
	if err := c.assertReset(ctx, hold); err != nil {
		return errors.Trace(err)
	}
	if err := c.dm.PollStatus(ctx, "reset", statAllHaveReset, timeout); err != nil {
		return dbgerr.Arch(dbgerr.ResetFailed, "hart %d did not report reset: %s", c.opts.Hart, err)
	}
	if err := c.dm.WriteControl(ctx, hold|ctlAckHaveReset); err != nil {
		return errors.Trace(err)
	}
	if !halt {
		return nil
	}
	werr := c.WaitHalted(ctx, timeout)
	clear := uint32(0)
	if useResetHalt {
		clear = ctlClrResetHaltReq
	}
	if err := c.dm.WriteControl(ctx, clear); err != nil && werr == nil {
		werr = err
	}
	return errors.Trace(werr)
}

// assertReset pulses a reset with hold kept set in dmcontrol. A target
// sequence gets the first chance, then hartreset, then ndmreset for DMs
// that do not implement hartreset.
func (c *Controller) assertReset(ctx context.Context, hold uint32) error {
	if c.opts.Sequence != nil {
		if hold != 0 {
			if err := c.dm.WriteControl(ctx, hold); err != nil {
				return errors.Trace(err)
			}
		}
		err := c.opts.Sequence.ResetSystem(ctx, c.mem, core.Riscv, 0)
		if !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
			return errors.Annotatef(err, "reset sequence")
		}
	}
	if err := c.dm.WriteControl(ctx, hold|ctlHartReset); err != nil {
		return errors.Trace(err)
	}
	ctl, err := c.dm.ReadControl(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	bit := uint32(ctlHartReset)
	if ctl&ctlHartReset == 0 {
		bit = ctlNDMReset
		glog.V(2).Infof("hartreset not implemented, using ndmreset")
		if err := c.dm.WriteControl(ctx, hold|bit); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(c.dm.WriteControl(ctx, hold))
}

func (c *Controller) regSize(id core.RegID) int {
	switch {
	case id >= RegFPR0 && id < RegFPR0+32:
		if c.hasExt('D') {
			return aarSize64
		}
		return aarSize32
	case id == CSRDCSR:
		return aarSize32
	}
	return c.size
}

func (c *Controller) ReadReg(ctx context.Context, id core.RegID) (uint64, error) {
	v, err := c.dm.ReadRegister(ctx, uint32(id), c.regSize(id))
	return v, errors.Trace(err)
}

func (c *Controller) WriteReg(ctx context.Context, id core.RegID, v uint64) error {
	return errors.Trace(c.dm.WriteRegister(ctx, uint32(id), c.regSize(id), v, false))
}

// NumBreakpointUnits enumerates triggers through tselect and keeps those
// that support address matching on execution.
func (c *Controller) NumBreakpointUnits(ctx context.Context) (int, error) {
	if c.triggers != nil {
		return len(c.triggers), nil
	}
	c.triggers = []int{}
	for i := 0; i < 32; i++ {
		if err := c.WriteReg(ctx, CSRTSelect, uint64(i)); err != nil {
			return 0, errors.Trace(err)
		}
		got, err := c.ReadReg(ctx, CSRTSelect)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if got != uint64(i) {
			break
		}
		info, err := c.ReadReg(ctx, CSRTInfo)
		if err != nil {
			if _, ok := cmdErrCode(err); !ok {
				return 0, errors.Trace(err)
			}
			// No tinfo: infer the type from tdata1.
			tdata1, err := c.ReadReg(ctx, CSRTData1)
			if err != nil {
				return 0, errors.Trace(err)
			}
			info = 1 << (tdata1 >> uint(c.xlen-4))
		}
		if info == 1 {
			// Type 0 only: no trigger here.
			break
		}
		if info&(1<<triggerTypeMControl|1<<triggerTypeMControl6) != 0 {
			c.triggers = append(c.triggers, i)
		}
	}
	glog.V(1).Infof("hart %d: %d breakpoint triggers", c.opts.Hart, len(c.triggers))
	return len(c.triggers), nil
}

// EnableBreakpoints is a no-op: triggers are armed individually.
func (c *Controller) EnableBreakpoints(ctx context.Context, on bool) error {
	return nil
}

func (c *Controller) trigger(ctx context.Context, unit int) error {
	if _, err := c.NumBreakpointUnits(ctx); err != nil {
		return errors.Trace(err)
	}
	if unit < 0 || unit >= len(c.triggers) {
		return dbgerr.Arch(dbgerr.NoFreeBreakpointUnit, "no trigger %d (%d available)", unit, len(c.triggers))
	}
	return errors.Trace(c.WriteReg(ctx, CSRTSelect, uint64(c.triggers[unit])))
}

func (c *Controller) mcontrol() uint64 {
	x := uint(c.xlen)
	v := uint64(triggerTypeMControl)<<(x-4) | 1<<(x-5) |
		mcontrolActionDebug | mcontrolM | mcontrolExecute
	if c.hasExt('S') {
		v |= mcontrolS
	}
	if c.hasExt('U') {
		v |= mcontrolU
	}
	return v
}

func (c *Controller) SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error {
	if err := c.trigger(ctx, unit); err != nil {
		return err
	}
	// tdata1 is cleared first so that a half written trigger never fires.
	if err := c.WriteReg(ctx, CSRTData1, 0); err != nil {
		return errors.Trace(err)
	}
	if err := c.WriteReg(ctx, CSRTData2, addr); err != nil {
		return errors.Trace(err)
	}
	want := c.mcontrol()
	if err := c.WriteReg(ctx, CSRTData1, want); err != nil {
		return errors.Trace(err)
	}
	got, err := c.ReadReg(ctx, CSRTData1)
	if err != nil {
		return errors.Trace(err)
	}
	if got&mcontrolExecute == 0 {
		return dbgerr.Arch(dbgerr.DetailNone, "trigger %d rejected execute match (tdata1 0x%x)", c.triggers[unit], got)
	}
	return nil
}

func (c *Controller) ClearHWBreakpoint(ctx context.Context, unit int) error {
	if err := c.trigger(ctx, unit); err != nil {
		return err
	}
	return errors.Trace(c.WriteReg(ctx, CSRTData1, 0))
}

func (c *Controller) SoftwareBreakpoint(addr uint64) []byte {
	if c.hasExt('C') {
		return []byte{byte(insnCEBreak & 0xff), byte(insnCEBreak >> 8)}
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], insnEBreak)
	return b[:]
}
