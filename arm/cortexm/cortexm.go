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

// Package cortexm controls ARMv6-M, ARMv7-M and ARMv8-M cores through the
// debug registers of the system control space.
package cortexm

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/retry"
)

type Options struct {
	// Type overrides the architecture derived from CPUID.
	Type core.Type
	// DebugBase is the SCS base passed to sequences.
	DebugBase uint64
	// Sequence provides the chip-specific reset and start hooks. The
	// default ARM behaviour is used when nil.
	Sequence core.Sequence
	// Reconnect re-establishes the debug link after a reset dropped it.
	Reconnect func(ctx context.Context) error
	// CatchHardFault halts the core on HardFault entry.
	CatchHardFault bool

	ResetPolicy  retry.Policy
	PollInterval time.Duration
	// RegTimeout bounds the wait for DHCSR.S_REGRDY.
	RegTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		DebugBase:    0xE000EDF0,
		ResetPolicy:  retry.ResetPolicy,
		PollInterval: retry.DefaultPollInterval,
		RegTimeout:   100 * time.Millisecond,
	}
}

type Controller struct {
	mem  *memory.Memory
	opts Options
	seq  core.Sequence

	typ   core.Type
	cpuid uint32
	fpu   bool
	regs  *core.RegisterFile
	fpb   *fpb

	// stepped is set while the last resume was a single step.
	stepped bool
}

func New(mem *memory.Memory, opts Options) *Controller {
	seq := opts.Sequence
	if seq == nil {
		seq = DefaultSequence{}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = retry.DefaultPollInterval
	}
	if opts.RegTimeout == 0 {
		opts.RegTimeout = 100 * time.Millisecond
	}
	return &Controller{mem: mem, opts: opts, seq: seq}
}

// Init identifies the core, enables debug and programs vector catch.
func (c *Controller) Init(ctx context.Context) error {
	if _, ok := c.mem.RegionAt(RegDHCSR); !ok {
		c.mem.Regions = append(c.mem.Regions, memory.PPB)
	}
	cpuid, err := c.mem.Read32(ctx, uint64(RegCPUID))
	if err != nil {
		return errors.Annotatef(err, "failed to get CPUID")
	}
	c.cpuid = cpuid
	c.typ = c.opts.Type
	if c.typ == core.TypeUnknown {
		c.typ = CoreType(cpuid)
	}
	if !c.typ.IsCortexM() {
		return dbgerr.Arch(dbgerr.DetailNone, "target is not a Cortex-M (CPUID 0x%08x)", cpuid)
	}
	if c.typ != core.Armv6m {
		mvfr0, err := c.mem.Read32(ctx, RegMVFR0)
		if err != nil {
			return errors.Annotatef(err, "failed to get MVFR0")
		}
		c.fpu = mvfr0 != 0
	}
	c.regs = RegisterFile(c.fpu)
	if err := c.seq.DebugCoreStart(ctx, c.mem, c.typ, c.opts.DebugBase, 0); err != nil {
		return errors.Annotatef(err, "debug core start")
	}
	if err := c.setHardFaultCatch(ctx, c.opts.CatchHardFault); err != nil {
		return errors.Trace(err)
	}
	glog.V(1).Infof("%s (%s)", TargetName(cpuid, c.fpu), c.typ)
	return nil
}

func (c *Controller) Name() string {
	return TargetName(c.cpuid, c.fpu)
}

func (c *Controller) Type() core.Type {
	return c.typ
}

func (c *Controller) Registers() *core.RegisterFile {
	return c.regs
}

func (c *Controller) Memory() *memory.Memory {
	return c.mem
}

func (c *Controller) HasFPU() bool {
	return c.fpu
}

func (c *Controller) setHardFaultCatch(ctx context.Context, on bool) error {
	demcr, err := c.mem.Read32(ctx, RegDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DEMCR")
	}
	if on {
		demcr |= DEMCRVCHardErr
	} else {
		demcr &^= DEMCRVCHardErr
	}
	return errors.Annotatef(c.mem.Write32(ctx, RegDEMCR, demcr), "failed to set DEMCR")
}

func (c *Controller) dhcsr(ctx context.Context) (uint32, error) {
	v, err := c.mem.Read32(ctx, RegDHCSR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to get DHCSR")
	}
	glog.V(3).Infof("DHCSR 0x%08x", v)
	return v, nil
}

func (c *Controller) setDHCSR(ctx context.Context, v uint32) error {
	return errors.Annotatef(c.mem.Write32(ctx, RegDHCSR, DHCSRKey|v), "failed to set DHCSR")
}

func (c *Controller) clearDFSR(ctx context.Context) error {
	return errors.Annotatef(c.mem.Write32(ctx, RegDFSR, DFSRAll), "failed to clear DFSR")
}

func (c *Controller) Status(ctx context.Context) (core.Status, error) {
	dhcsr, err := c.dhcsr(ctx)
	if err != nil {
		return core.Status{}, err
	}
	switch {
	case dhcsr&DHCSRSHalt != 0:
		r, err := c.haltReason(ctx)
		if err != nil {
			return core.Status{}, errors.Trace(err)
		}
		return core.Halted(r), nil
	case dhcsr&DHCSRSLockup != 0:
		return core.Status{State: core.StateLockedUp, Reason: core.HaltReason{Kind: core.HaltLockedUp}}, nil
	case dhcsr&DHCSRSSleep != 0:
		return core.Status{State: core.StateSleeping}, nil
	}
	return core.Running, nil
}

func (c *Controller) haltReason(ctx context.Context) (core.HaltReason, error) {
	dfsr, err := c.mem.Read32(ctx, RegDFSR)
	if err != nil {
		return core.HaltReason{}, errors.Annotatef(err, "failed to get DFSR")
	}
	dfsr &= DFSRAll
	// A step that lands on a breakpoint reports both.
	if dfsr&(dfsr-1) != 0 && !(dfsr == DFSRHalted|DFSRBkpt && c.stepped) {
		return core.HaltReason{Kind: core.HaltMultiple}, nil
	}
	switch {
	case dfsr&DFSRBkpt != 0:
		return c.breakReason(ctx)
	case dfsr&DFSRVCatch != 0:
		return c.catchReason(ctx)
	case dfsr&DFSRDWTTrap != 0:
		return core.HaltReason{Kind: core.HaltWatchpoint}, nil
	case dfsr&DFSRExternal != 0:
		return core.HaltReason{Kind: core.HaltExternal}, nil
	case dfsr&DFSRHalted != 0:
		if c.stepped {
			return core.HaltReason{Kind: core.HaltStep}, nil
		}
		return core.HaltReason{Kind: core.HaltRequest}, nil
	}
	return core.HaltReason{Kind: core.HaltUnknown}, nil
}

// breakReason tells BKPT instructions from FPB matches and recognizes
// semihosting calls (BKPT 0xAB).
func (c *Controller) breakReason(ctx context.Context) (core.HaltReason, error) {
	pc, err := c.readReg(ctx, RegPC)
	if err != nil {
		return core.HaltReason{}, errors.Trace(err)
	}
	r := core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakHardware}
	insn, err := c.mem.Read16(ctx, uint64(pc&^1))
	if err != nil {
		// Unreadable code cannot hold a BKPT.
		glog.V(2).Infof("reading instruction at 0x%08x: %s", pc, err)
		return r, nil
	}
	switch {
	case insn == 0xbeab:
		r.Cause = core.BreakSemihosting
		r0, err := c.readReg(ctx, 0)
		if err != nil {
			return core.HaltReason{}, errors.Trace(err)
		}
		r.Semihosting = r0
	case insn&0xff00 == 0xbe00:
		r.Cause = core.BreakSoftware
	}
	return r, nil
}

func (c *Controller) catchReason(ctx context.Context) (core.HaltReason, error) {
	if !c.opts.CatchHardFault {
		return core.HaltReason{Kind: core.HaltVectorCatch}, nil
	}
	f, err := c.ReadFaultStatus(ctx)
	if err != nil {
		return core.HaltReason{}, errors.Trace(err)
	}
	if !f.HardFault() {
		return core.HaltReason{Kind: core.HaltVectorCatch}, nil
	}
	return core.HaltReason{Kind: core.HaltException, Exception: core.ExceptionHardFault, Desc: f.String()}, nil
}

func (c *Controller) pollDHCSR(ctx context.Context, what string, timeout time.Duration, cond func(dhcsr uint32) bool) error {
	return retry.Poll(ctx, what, timeout, c.opts.PollInterval, func() (bool, error) {
		v, err := c.dhcsr(ctx)
		if err != nil {
			return false, err
		}
		return cond(v), nil
	})
}

func (c *Controller) Halt(ctx context.Context, timeout time.Duration) error {
	dhcsr, err := c.dhcsr(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if dhcsr&DHCSRSHalt != 0 {
		return nil
	}
	c.stepped = false
	if err := c.clearDFSR(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.setDHCSR(ctx, DHCSRHalt|DHCSRDebugEn); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.WaitHalted(ctx, timeout))
}

func (c *Controller) WaitHalted(ctx context.Context, timeout time.Duration) error {
	return c.pollDHCSR(ctx, "halt", timeout, func(v uint32) bool { return v&DHCSRSHalt != 0 })
}

func (c *Controller) Run(ctx context.Context) error {
	glog.V(3).Infof("Run()")
	c.stepped = false
	if err := c.clearDFSR(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.setDHCSR(ctx, DHCSRDebugEn); err != nil {
		return errors.Trace(err)
	}
	// The core may run straight into a breakpoint: a retired instruction or
	// a fresh debug event in DFSR shows that it left the halted state.
	return retry.Poll(ctx, "run", 10*c.opts.PollInterval, c.opts.PollInterval, func() (bool, error) {
		v, err := c.dhcsr(ctx)
		if err != nil || v&DHCSRSHalt == 0 || v&DHCSRSRetire != 0 {
			return err == nil, err
		}
		dfsr, err := c.mem.Read32(ctx, RegDFSR)
		if err != nil {
			return false, errors.Annotatef(err, "failed to get DFSR")
		}
		return dfsr&DFSRAll != 0, nil
	})
}

func (c *Controller) Step(ctx context.Context, maskInts bool) error {
	var mask uint32
	if maskInts {
		mask = DHCSRMaskInts
	}
	if err := c.clearDFSR(ctx); err != nil {
		return errors.Trace(err)
	}
	// C_MASKINTS may only change while halted.
	if err := c.setDHCSR(ctx, DHCSRHalt|DHCSRDebugEn|mask); err != nil {
		return errors.Trace(err)
	}
	c.stepped = true
	if err := c.setDHCSR(ctx, DHCSRStep|DHCSRDebugEn|mask); err != nil {
		return errors.Trace(err)
	}
	if err := c.WaitHalted(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.setDHCSR(ctx, DHCSRHalt|DHCSRDebugEn))
}

func (c *Controller) waitRegReady(ctx context.Context) error {
	return c.pollDHCSR(ctx, "register transfer", c.opts.RegTimeout, func(v uint32) bool { return v&DHCSRRegRdy != 0 })
}

func (c *Controller) checkFP(ctx context.Context, id core.RegID) error {
	if !isFPReg(id) {
		return nil
	}
	if !c.fpu {
		return dbgerr.Unsupported("core has no FPU")
	}
	cpacr, err := c.mem.Read32(ctx, RegCPACR)
	if err != nil {
		return errors.Annotatef(err, "failed to get CPACR")
	}
	if cpacr&(0xf<<20) == 0 {
		return dbgerr.Unsupported("FPU is disabled in CPACR")
	}
	return nil
}

func (c *Controller) readReg(ctx context.Context, id core.RegID) (uint32, error) {
	if err := c.mem.Write32(ctx, RegDCRSR, uint32(id)); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := c.waitRegReady(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to wait for reg read")
	}
	v, err := c.mem.Read32(ctx, RegDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", id, v)
	return v, nil
}

func (c *Controller) ReadReg(ctx context.Context, id core.RegID) (uint64, error) {
	if err := c.checkFP(ctx, id); err != nil {
		return 0, err
	}
	v, err := c.readReg(ctx, id)
	return uint64(v), err
}

func (c *Controller) WriteReg(ctx context.Context, id core.RegID, v uint64) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", id, v)
	if err := c.checkFP(ctx, id); err != nil {
		return err
	}
	if err := c.mem.Write32(ctx, RegDCRDR, uint32(v)); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := c.mem.Write32(ctx, RegDCRSR, DCRSRWrite|uint32(id)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(c.waitRegReady(ctx))
}

// Reset resets the system through the debug sequence, retrying the whole
// choreography under the reset policy.
func (c *Controller) Reset(ctx context.Context, halt bool, timeout time.Duration) error {
	glog.V(1).Infof("reset (halt: %t)", halt)
	attempt := 0
	err := retry.Do(ctx, c.opts.ResetPolicy, func() error {
		attempt++
		return c.reset(ctx, halt, timeout)
	}, resetRetryable)
	if err != nil {
		return dbgerr.Arch(dbgerr.ResetFailed, "reset failed after %d attempts: %s", attempt, err)
	}
	return nil
}

func resetRetryable(err error) bool {
	if errors.Cause(err) == context.Canceled || errors.Cause(err) == context.DeadlineExceeded {
		return false
	}
	k, _ := dbgerr.KindOf(err)
	return k != dbgerr.KindUnsupportedOperation && k != dbgerr.KindMissingPermissions
}

// LostConnection reports errors that mean the debug link went away.
func LostConnection(err error) bool {
	return dbgerr.IsDetail(err, dbgerr.SwdNoAck) || dbgerr.IsDetail(err, dbgerr.JtagBadAck) ||
		dbgerr.IsDetail(err, dbgerr.LostConnection)
}

func (c *Controller) reset(ctx context.Context, halt bool, timeout time.Duration) error {
	c.stepped = false
	mem, t, base := c.mem, c.typ, c.opts.DebugBase
	if halt {
		if err := c.seq.ResetCatchSet(ctx, mem, t, base); err != nil {
			return errors.Annotatef(err, "reset catch set")
		}
	} else if err := c.seq.ResetCatchClear(ctx, mem, t, base); err != nil {
		return errors.Annotatef(err, "reset catch clear")
	}
	if err := c.clearDFSR(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.seq.ResetSystem(ctx, mem, t, base); err != nil {
		if !LostConnection(err) || c.opts.Reconnect == nil {
			return errors.Annotatef(err, "reset system")
		}
		glog.V(1).Infof("debug link lost on reset, reconnecting")
		if err := c.opts.Reconnect(ctx); err != nil {
			return errors.Annotatef(err, "reconnect")
		}
		if err := c.seq.DebugCoreStart(ctx, mem, t, base, 0); err != nil {
			return errors.Annotatef(err, "debug core start")
		}
	}
	if halt {
		if err := c.WaitHalted(ctx, timeout); err != nil {
			return errors.Annotatef(err, "halt after reset")
		}
		if err := c.seq.ResetCatchClear(ctx, mem, t, base); err != nil {
			return errors.Annotatef(err, "reset catch clear")
		}
	}
	return nil
}

func (c *Controller) NumBreakpointUnits(ctx context.Context) (int, error) {
	if err := c.loadFPB(ctx); err != nil {
		return 0, err
	}
	return c.fpb.numCode, nil
}

func (c *Controller) loadFPB(ctx context.Context) error {
	if c.fpb != nil {
		return nil
	}
	f, err := readFPB(ctx, c.mem)
	if err != nil {
		return errors.Trace(err)
	}
	c.fpb = f
	return nil
}

func (c *Controller) EnableBreakpoints(ctx context.Context, on bool) error {
	v := uint32(FPCtrlKey)
	if on {
		v |= FPCtrlEnable
	}
	return errors.Annotatef(c.mem.Write32(ctx, RegFPCtrl, v), "failed to set FP_CTRL")
}

func (c *Controller) SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error {
	if err := c.loadFPB(ctx); err != nil {
		return err
	}
	v, err := c.fpb.comparator(addr)
	if err != nil {
		return err
	}
	return errors.Trace(c.fpb.set(ctx, c.mem, unit, v))
}

func (c *Controller) ClearHWBreakpoint(ctx context.Context, unit int) error {
	if err := c.loadFPB(ctx); err != nil {
		return err
	}
	return errors.Trace(c.fpb.set(ctx, c.mem, unit, 0))
}

// SoftwareBreakpoint is BKPT #0.
func (c *Controller) SoftwareBreakpoint(addr uint64) []byte {
	return []byte{0x00, 0xbe}
}
