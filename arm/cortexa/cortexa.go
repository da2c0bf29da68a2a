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

// Package cortexa controls ARMv7-A and ARMv8-A cores through their external
// debug interface. Core registers are reached by feeding instructions to
// ITR and moving data through the DCC, so register access needs a halted
// core and clobbers r0/x0, which is cached and written back on resume.
package cortexa

import (
	"context"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/retry"
)

type Options struct {
	// Type is Armv7a or Armv8a.
	Type core.Type
	// DebugBase is the address of the core debug registers on the debug bus.
	DebugBase uint64
	// CTIBase is the cross trigger interface paired with the core. ARMv8-A
	// cores halt and resume through it.
	CTIBase uint64
	// Sequence provides the chip-specific reset and start hooks.
	Sequence core.Sequence

	PollInterval time.Duration
	// OpTimeout bounds ITR completion and DCC handshakes.
	OpTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Type:         core.Armv7a,
		PollInterval: retry.DefaultPollInterval,
		OpTimeout:    100 * time.Millisecond,
	}
}

type cachedReg struct {
	v     uint64
	dirty bool
}

type Controller struct {
	// mem is the system bus, dbg reaches the debug registers.
	mem  *memory.Memory
	dbg  *memory.Memory
	opts Options
	seq  core.Sequence

	is64  bool
	itrOn bool
	numBP int
	cache map[core.RegID]*cachedReg

	stepped bool
}

// New returns a controller reaching the core debug registers through dbg
// and target memory through mem.
func New(mem, dbg *memory.Memory, opts Options) *Controller {
	seq := opts.Sequence
	if seq == nil {
		seq = DefaultSequence{}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = retry.DefaultPollInterval
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 100 * time.Millisecond
	}
	return &Controller{mem: mem, dbg: dbg, opts: opts, seq: seq, cache: map[core.RegID]*cachedReg{}}
}

func (c *Controller) v8() bool {
	return c.opts.Type == core.Armv8a
}

// Init unlocks the debug registers and enables halting debug.
func (c *Controller) Init(ctx context.Context) error {
	if c.opts.Type != core.Armv7a && c.opts.Type != core.Armv8a {
		return dbgerr.TargetDescription("%s is not an A-profile core", c.opts.Type)
	}
	if c.v8() && c.opts.CTIBase == 0 {
		return dbgerr.TargetDescription("ARMv8-A core needs a CTI base")
	}
	if err := c.seq.DebugCoreStart(ctx, c.dbg, c.opts.Type, c.opts.DebugBase, c.opts.CTIBase); err != nil {
		return errors.Annotatef(err, "debug core start")
	}
	st, err := c.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(1).Infof("%s core at 0x%x: %s", c.opts.Type, c.opts.DebugBase, st)
	return nil
}

func (c *Controller) Type() core.Type {
	return c.opts.Type
}

func (c *Controller) Registers() *core.RegisterFile {
	if c.is64 {
		return aarch64Regs
	}
	return aarch32Regs
}

func (c *Controller) Memory() *memory.Memory {
	return c.mem
}

// AArch64 reports whether the core was in AArch64 state at the last halt.
func (c *Controller) AArch64() bool {
	return c.is64
}

func (c *Controller) readDebug(ctx context.Context, off uint64) (uint32, error) {
	v, err := c.dbg.Read32(ctx, c.opts.DebugBase+off)
	return v, errors.Annotatef(err, "debug register 0x%03x", off)
}

func (c *Controller) writeDebug(ctx context.Context, off uint64, v uint32) error {
	return errors.Annotatef(c.dbg.Write32(ctx, c.opts.DebugBase+off, v), "debug register 0x%03x", off)
}

func (c *Controller) writeCTI(ctx context.Context, off uint64, v uint32) error {
	return errors.Annotatef(c.dbg.Write32(ctx, c.opts.CTIBase+off, v), "CTI register 0x%03x", off)
}

func (c *Controller) dscrHalted(dscr uint32) bool {
	if c.v8() {
		s := dscr & EDSCRStatusMask
		return s != statusNonDebug && s != statusRestarting
	}
	return dscr&DSCRHalted != 0
}

func (c *Controller) Status(ctx context.Context) (core.Status, error) {
	dscr, err := c.readDebug(ctx, RegDSCR)
	if err != nil {
		return core.Status{}, errors.Trace(err)
	}
	if !c.dscrHalted(dscr) {
		return core.Running, nil
	}
	if c.v8() {
		c.is64 = (dscr>>EDSCRRWShift)&0xf == 0xf
		return core.Halted(c.v8Reason(dscr & EDSCRStatusMask)), nil
	}
	return core.Halted(c.v7Reason((dscr >> 2) & 0xf)), nil
}

func (c *Controller) v7Reason(moe uint32) core.HaltReason {
	switch moe {
	case 0:
		return core.HaltReason{Kind: core.HaltRequest}
	case 1:
		// Stepping uses an address mismatch breakpoint.
		if c.stepped {
			return core.HaltReason{Kind: core.HaltStep}
		}
		return core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakHardware}
	case 2, 0xa:
		return core.HaltReason{Kind: core.HaltWatchpoint}
	case 3:
		return core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakSoftware}
	case 4:
		return core.HaltReason{Kind: core.HaltExternal}
	case 5, 8:
		return core.HaltReason{Kind: core.HaltVectorCatch}
	}
	return core.HaltReason{}
}

func (c *Controller) v8Reason(status uint32) core.HaltReason {
	switch status {
	case statusBreakpoint:
		return core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakHardware}
	case statusHLT:
		return core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakSoftware}
	case statusExtDebugReq, statusSoftwareAccess:
		return core.HaltReason{Kind: core.HaltRequest}
	case statusStepNormal, statusStepExclusive, statusStepNoSyndrome:
		return core.HaltReason{Kind: core.HaltStep}
	case statusOSUnlock, statusResetCatch:
		return core.HaltReason{Kind: core.HaltVectorCatch}
	case statusWatchpoint:
		return core.HaltReason{Kind: core.HaltWatchpoint}
	case statusExceptionCatch:
		return core.HaltReason{Kind: core.HaltException}
	}
	return core.HaltReason{}
}

func (c *Controller) isHalted(ctx context.Context) (bool, error) {
	dscr, err := c.readDebug(ctx, RegDSCR)
	if err != nil {
		return false, errors.Trace(err)
	}
	return c.dscrHalted(dscr), nil
}

func (c *Controller) WaitHalted(ctx context.Context, timeout time.Duration) error {
	return retry.Poll(ctx, "halt", timeout, c.opts.PollInterval, func() (bool, error) {
		return c.isHalted(ctx)
	})
}

// enterDebug refreshes state after the core entered debug state.
func (c *Controller) enterDebug(ctx context.Context) error {
	c.cache = map[core.RegID]*cachedReg{}
	c.itrOn = false
	_, err := c.Status(ctx)
	return errors.Trace(err)
}

func (c *Controller) Halt(ctx context.Context, timeout time.Duration) error {
	halted, err := c.isHalted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if halted {
		return nil
	}
	c.stepped = false
	if c.v8() {
		if err := c.pulseCTI(ctx, ctiHaltChannel); err != nil {
			return errors.Annotatef(err, "halt request")
		}
	} else if err := c.writeDebug(ctx, RegDRCR, DRCRHaltReq); err != nil {
		return errors.Annotatef(err, "halt request")
	}
	if err := c.WaitHalted(ctx, timeout); err != nil {
		return errors.Trace(err)
	}
	return c.enterDebug(ctx)
}

// pulseCTI opens the gate for one channel, pulses it and closes the gate.
func (c *Controller) pulseCTI(ctx context.Context, ch uint) error {
	if err := c.writeCTI(ctx, RegCTIGate, 1<<ch); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeCTI(ctx, RegCTIAppPulse, 1<<ch); err != nil {
		return errors.Trace(err)
	}
	return c.writeCTI(ctx, RegCTIGate, 0)
}

// ackCTIHalt drops the halt trigger output, which otherwise keeps the core
// in debug state.
func (c *Controller) ackCTIHalt(ctx context.Context) error {
	if err := c.writeCTI(ctx, RegCTIIntAck, 1<<ctiHaltChannel); err != nil {
		return errors.Trace(err)
	}
	return retry.Poll(ctx, "CTI halt ack", c.opts.OpTimeout, c.opts.PollInterval, func() (bool, error) {
		v, err := c.dbg.Read32(ctx, c.opts.CTIBase+RegCTITrigOutSt)
		if err != nil {
			return false, errors.Annotatef(err, "CTI trigger status")
		}
		return v&(1<<ctiHaltChannel) == 0, nil
	})
}

func (c *Controller) Run(ctx context.Context) error {
	c.stepped = false
	return c.resume(ctx)
}

func (c *Controller) resume(ctx context.Context) error {
	halted, err := c.isHalted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !halted {
		return nil
	}
	if err := c.writeback(ctx); err != nil {
		return errors.Annotatef(err, "register writeback")
	}
	if c.v8() {
		if err := c.ackCTIHalt(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := c.pulseCTI(ctx, ctiResumeChannel); err != nil {
			return errors.Annotatef(err, "restart request")
		}
		return retry.Poll(ctx, "restart", c.opts.OpTimeout, c.opts.PollInterval, func() (bool, error) {
			prsr, err := c.readDebug(ctx, RegPRSR)
			return prsr&PRSRStickyRestart != 0, err
		})
	}
	if c.itrOn {
		dscr, err := c.readDebug(ctx, RegDSCR)
		if err != nil {
			return errors.Trace(err)
		}
		if err := c.writeDebug(ctx, RegDSCR, dscr&^DSCRITREn); err != nil {
			return errors.Trace(err)
		}
		c.itrOn = false
	}
	if err := c.writeDebug(ctx, RegDRCR, DRCRRestart|DRCRClrSticky); err != nil {
		return errors.Annotatef(err, "restart request")
	}
	return retry.Poll(ctx, "restart", c.opts.OpTimeout, c.opts.PollInterval, func() (bool, error) {
		dscr, err := c.readDebug(ctx, RegDSCR)
		return dscr&DSCRRestarted != 0, err
	})
}

// Step executes one instruction. ARMv8-A uses the halting step control in
// EDECR; ARMv7-A resumes with the last breakpoint unit set to mismatch the
// current PC. Interrupt masking is not available on either.
func (c *Controller) Step(ctx context.Context, maskInts bool) error {
	if c.v8() {
		return c.stepV8(ctx)
	}
	return c.stepV7(ctx)
}

func (c *Controller) stepV8(ctx context.Context) error {
	edecr, err := c.readDebug(ctx, RegEDECR)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDebug(ctx, RegEDECR, edecr|EDECRSS); err != nil {
		return errors.Trace(err)
	}
	c.stepped = true
	if err := c.resume(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.WaitHalted(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDebug(ctx, RegEDECR, edecr&^EDECRSS); err != nil {
		return errors.Trace(err)
	}
	return c.enterDebug(ctx)
}

func (c *Controller) stepV7(ctx context.Context) error {
	n, err := c.breakpointPairs(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	pc, err := c.ReadReg(ctx, RegPC)
	if err != nil {
		return errors.Trace(err)
	}
	bvr, bcr := c.bpRegs(n - 1)
	savedBVR, err := c.readDebug(ctx, bvr)
	if err != nil {
		return errors.Trace(err)
	}
	savedBCR, err := c.readDebug(ctx, bcr)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDebug(ctx, bvr, uint32(pc)&^3); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDebug(ctx, bcr, bcrValue(pc)|bcrMismatch); err != nil {
		return errors.Trace(err)
	}
	c.stepped = true
	if err := c.resume(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.WaitHalted(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDebug(ctx, bvr, savedBVR); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDebug(ctx, bcr, savedBCR); err != nil {
		return errors.Trace(err)
	}
	return c.enterDebug(ctx)
}

func (c *Controller) Reset(ctx context.Context, halt bool, timeout time.Duration) error {
	t, base := c.opts.Type, c.opts.DebugBase
	c.stepped = false
	if halt {
		if err := c.seq.ResetCatchSet(ctx, c.dbg, t, base); err != nil {
			return errors.Annotatef(err, "reset catch set")
		}
	}
	if err := c.seq.ResetSystem(ctx, c.dbg, t, base); err != nil {
		return errors.Annotatef(err, "reset")
	}
	c.cache = map[core.RegID]*cachedReg{}
	c.itrOn = false
	if !halt {
		return nil
	}
	halted, err := c.isHalted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !halted && !c.v8() {
		glog.Warningf("core not halted after reset, requesting halt")
		if err := c.writeDebug(ctx, RegDRCR, DRCRHaltReq); err != nil {
			return errors.Trace(err)
		}
	}
	if err := c.seq.ResetCatchClear(ctx, c.dbg, t, base); err != nil {
		return errors.Annotatef(err, "reset catch clear")
	}
	if err := c.WaitHalted(ctx, timeout); err != nil {
		return errors.Trace(err)
	}
	return c.enterDebug(ctx)
}

// exec runs one instruction in debug state and checks for aborts.
func (c *Controller) exec(ctx context.Context, insn uint32) error {
	if !c.v8() && !c.itrOn {
		dscr, err := c.readDebug(ctx, RegDSCR)
		if err != nil {
			return errors.Trace(err)
		}
		if err := c.writeDebug(ctx, RegDSCR, dscr|DSCRITREn); err != nil {
			return errors.Trace(err)
		}
		c.itrOn = true
	}
	if c.v8() && !c.is64 {
		insn = swapT32(insn)
	}
	glog.V(3).Infof("ITR 0x%08x", insn)
	if err := c.writeDebug(ctx, RegITR, insn); err != nil {
		return errors.Trace(err)
	}
	var dscr uint32
	err := retry.Poll(ctx, "instruction", c.opts.OpTimeout, c.opts.PollInterval, func() (bool, error) {
		var err error
		dscr, err = c.readDebug(ctx, RegDSCR)
		if err != nil {
			return false, err
		}
		return dscr&DSCRInstrCompl != 0 || c.aborted(dscr), nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	if c.aborted(dscr) {
		if err := c.writeDebug(ctx, RegDRCR, DRCRClrSticky); err != nil {
			return errors.Trace(err)
		}
		return dbgerr.Arch(dbgerr.DetailNone, "instruction 0x%08x aborted (DSCR 0x%08x)", insn, dscr)
	}
	return nil
}

func (c *Controller) aborted(dscr uint32) bool {
	if c.v8() {
		return dscr&EDSCRErr != 0
	}
	return dscr&(DSCRSDAbort|DSCRADAbort|DSCRUnd) != 0
}

func (c *Controller) readDTR(ctx context.Context) (uint32, error) {
	full := uint32(DSCRTXFullL)
	if c.v8() {
		full = DSCRTXFull
	}
	err := retry.Poll(ctx, "DTRTX", c.opts.OpTimeout, c.opts.PollInterval, func() (bool, error) {
		dscr, err := c.readDebug(ctx, RegDSCR)
		return dscr&full != 0, err
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return c.readDebug(ctx, RegDTRTX)
}

func (c *Controller) writeDTR(ctx context.Context, v uint32) error {
	if err := c.writeDebug(ctx, RegDTRRX, v); err != nil {
		return errors.Trace(err)
	}
	full := uint32(DSCRRXFullL)
	if c.v8() {
		full = DSCRRXFull
	}
	return retry.Poll(ctx, "DTRRX", c.opts.OpTimeout, c.opts.PollInterval, func() (bool, error) {
		dscr, err := c.readDebug(ctx, RegDSCR)
		return dscr&full != 0, err
	})
}

// readGPR moves a general purpose register out through the DCC.
func (c *Controller) readGPR(ctx context.Context, n uint32) (uint64, error) {
	if c.is64 {
		if err := c.exec(ctx, insnMsrDTRX(n)); err != nil {
			return 0, errors.Trace(err)
		}
		hi, err := c.readDebug(ctx, RegDTRRX)
		if err != nil {
			return 0, errors.Trace(err)
		}
		lo, err := c.readDTR(ctx)
		if err != nil {
			return 0, errors.Trace(err)
		}
		return uint64(hi)<<32 | uint64(lo), nil
	}
	if err := c.exec(ctx, insnToDTR(n)); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := c.readDTR(ctx)
	return uint64(v), errors.Trace(err)
}

func (c *Controller) writeGPR(ctx context.Context, n uint32, v uint64) error {
	if c.is64 {
		if err := c.writeDebug(ctx, RegDTRTX, uint32(v>>32)); err != nil {
			return errors.Trace(err)
		}
		if err := c.writeDTR(ctx, uint32(v)); err != nil {
			return errors.Trace(err)
		}
		return c.exec(ctx, insnMrsXDTR(n))
	}
	if err := c.writeDTR(ctx, uint32(v)); err != nil {
		return errors.Trace(err)
	}
	return c.exec(ctx, insnFromDTR(n))
}

// saveR0 caches r0/x0 before an instruction sequence uses it as scratch.
func (c *Controller) saveR0(ctx context.Context) error {
	if _, ok := c.cache[0]; ok {
		return nil
	}
	v, err := c.readGPR(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	c.cache[0] = &cachedReg{v: v, dirty: true}
	return nil
}

// viaR0 runs insn, which leaves its result in r0/x0, and reads it back.
func (c *Controller) viaR0(ctx context.Context, insn uint32) (uint64, error) {
	if err := c.saveR0(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.exec(ctx, insn); err != nil {
		return 0, errors.Trace(err)
	}
	return c.readGPR(ctx, 0)
}

func (c *Controller) pcReg() core.RegID {
	if c.is64 {
		return RegPC64
	}
	return RegPC
}

func (c *Controller) psrReg() core.RegID {
	if c.is64 {
		return RegPState
	}
	return RegCPSR
}

func (c *Controller) ReadReg(ctx context.Context, id core.RegID) (uint64, error) {
	if r, ok := c.cache[id]; ok {
		return r.v, nil
	}
	v, err := c.readRegUncached(ctx, id)
	if err != nil {
		return 0, errors.Annotatef(err, "reading register %d", id)
	}
	glog.V(3).Infof("reg %d = 0x%x", id, v)
	c.cache[id] = &cachedReg{v: v}
	return v, nil
}

func (c *Controller) readRegUncached(ctx context.Context, id core.RegID) (uint64, error) {
	switch {
	case c.is64 && id <= RegX30, !c.is64 && id < RegPC:
		return c.readGPR(ctx, uint32(id))
	case id == c.pcReg():
		switch {
		case c.is64:
			return c.viaR0(ctx, insnMrsX0DLR)
		case c.v8():
			return c.viaR0(ctx, insnReadDLR)
		}
		cpsr, err := c.ReadReg(ctx, RegCPSR)
		if err != nil {
			return 0, errors.Trace(err)
		}
		pc, err := c.viaR0(ctx, insnMovR0PC)
		if err != nil {
			return 0, errors.Trace(err)
		}
		// Reading PC in debug state yields the halt address plus the
		// pipeline offset of the current instruction set.
		if cpsr&cpsrThumb != 0 {
			return pc - 4, nil
		}
		return pc - 8, nil
	case id == c.psrReg():
		switch {
		case c.is64:
			return c.viaR0(ctx, insnMrsX0DSPSR)
		case c.v8():
			return c.viaR0(ctx, insnReadDSPSR)
		}
		return c.viaR0(ctx, insnMrsR0CPSR)
	case c.is64 && id == RegSP64:
		return c.viaR0(ctx, insnMovX0SP)
	}
	return 0, dbgerr.Unsupported("register %d", id)
}

// WriteReg updates the cache. Values reach the core on resume.
func (c *Controller) WriteReg(ctx context.Context, id core.RegID, v uint64) error {
	if _, ok := c.Registers().ByID(id); !ok {
		return dbgerr.Unsupported("register %d", id)
	}
	if !c.is64 {
		v &= 0xffffffff
	}
	if id == 0 || id == c.pcReg() || id == c.psrReg() || (c.is64 && id == RegSP64) {
		// These go through r0, which must be saved first.
		if err := c.saveR0(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	c.cache[id] = &cachedReg{v: v, dirty: true}
	return nil
}

// writeback pushes dirty registers to the core. Registers written through
// r0 go first and r0 itself last.
func (c *Controller) writeback(ctx context.Context) error {
	var ids []core.RegID
	for id, r := range c.cache {
		if r.dirty && id != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		v := c.cache[id].v
		var insn uint32
		switch {
		case id == c.pcReg() && c.is64:
			insn = insnMsrDLRX0
		case id == c.pcReg() && c.v8():
			insn = insnWriteDLR
		case id == c.pcReg():
			insn = insnMovPCR0
		case id == c.psrReg() && c.is64:
			insn = insnMsrDSPSRX0
		case id == c.psrReg() && c.v8():
			insn = insnWriteDSPSR
		case id == c.psrReg():
			insn = insnMsrCPSRR0
		case c.is64 && id == RegSP64:
			insn = insnMovSPX0
		default:
			if err := c.writeGPR(ctx, uint32(id), v); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if err := c.writeGPR(ctx, 0, v); err != nil {
			return errors.Trace(err)
		}
		if err := c.exec(ctx, insn); err != nil {
			return errors.Trace(err)
		}
	}
	if r, ok := c.cache[0]; ok && r.dirty {
		if err := c.writeGPR(ctx, 0, r.v); err != nil {
			return errors.Trace(err)
		}
	}
	c.cache = map[core.RegID]*cachedReg{}
	return nil
}

func (c *Controller) bpRegs(unit int) (bvr, bcr uint64) {
	if c.v8() {
		return RegV8BVR + 16*uint64(unit), RegV8BCR + 16*uint64(unit)
	}
	return RegV7BVR + 4*uint64(unit), RegV7BCR + 4*uint64(unit)
}

// NumBreakpointUnits reports the breakpoint pairs available for
// breakpoints. ARMv7-A keeps the last pair for stepping.
func (c *Controller) NumBreakpointUnits(ctx context.Context) (int, error) {
	n, err := c.breakpointPairs(ctx)
	if err != nil || c.v8() {
		return n, err
	}
	return n - 1, nil
}

func (c *Controller) breakpointPairs(ctx context.Context) (int, error) {
	if c.numBP > 0 {
		return c.numBP, nil
	}
	if c.v8() {
		dfr, err := c.readDebug(ctx, RegEDDFR)
		if err != nil {
			return 0, errors.Trace(err)
		}
		c.numBP = int((dfr>>12)&0xf) + 1
	} else {
		didr, err := c.readDebug(ctx, RegDIDR)
		if err != nil {
			return 0, errors.Trace(err)
		}
		c.numBP = int((didr>>24)&0xf) + 1
	}
	return c.numBP, nil
}

// EnableBreakpoints is a no-op: breakpoint units are enabled one by one.
func (c *Controller) EnableBreakpoints(ctx context.Context, on bool) error {
	return nil
}

func (c *Controller) SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error {
	bvr, bcr := c.bpRegs(unit)
	if !c.v8() && addr > 0xffffffff {
		return dbgerr.Unsupported("breakpoint address 0x%x beyond 32 bits", addr)
	}
	if err := c.writeDebug(ctx, bvr, uint32(addr)&^3); err != nil {
		return errors.Trace(err)
	}
	if c.v8() {
		if err := c.writeDebug(ctx, bvr+4, uint32(addr>>32)); err != nil {
			return errors.Trace(err)
		}
	}
	return c.writeDebug(ctx, bcr, bcrValue(addr))
}

func (c *Controller) ClearHWBreakpoint(ctx context.Context, unit int) error {
	bvr, bcr := c.bpRegs(unit)
	if err := c.writeDebug(ctx, bcr, 0); err != nil {
		return errors.Trace(err)
	}
	if c.v8() {
		if err := c.writeDebug(ctx, bvr+4, 0); err != nil {
			return errors.Trace(err)
		}
	}
	return c.writeDebug(ctx, bvr, 0)
}

// SoftwareBreakpoint is HLT #0 in AArch64 state and BKPT #0 (A32) otherwise.
func (c *Controller) SoftwareBreakpoint(addr uint64) []byte {
	if c.is64 {
		return []byte{0x00, 0x00, 0x40, 0xd4}
	}
	return []byte{0x70, 0x00, 0x20, 0xe1}
}
