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

package core

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

// Breakpoint is an installed breakpoint. Unit is -1 for software ones.
type Breakpoint struct {
	Addr uint64
	Unit int
	orig []byte
}

func (b Breakpoint) Software() bool {
	return b.Unit < 0
}

// Core is a handle on one core of a session. It checks run state before
// register access and owns breakpoint bookkeeping.
type Core struct {
	Index int
	Name  string

	ctrl  Controller
	units *Units
	bps   map[uint64]*Breakpoint

	// SoftwareBreakpoints lets SetBreakpoint patch RAM when no hardware
	// unit is free.
	SoftwareBreakpoints bool
}

func New(index int, name string, ctrl Controller) *Core {
	return &Core{Index: index, Name: name, ctrl: ctrl, bps: map[uint64]*Breakpoint{}}
}

func (c *Core) Controller() Controller {
	return c.ctrl
}

func (c *Core) Type() Type {
	return c.ctrl.Type()
}

func (c *Core) Memory() *memory.Memory {
	return c.ctrl.Memory()
}

func (c *Core) Registers() *RegisterFile {
	return c.ctrl.Registers()
}

func (c *Core) Status(ctx context.Context) (Status, error) {
	st, err := c.ctrl.Status(ctx)
	return st, errors.Trace(err)
}

func (c *Core) Halt(ctx context.Context, timeout time.Duration) error {
	return errors.Trace(c.ctrl.Halt(ctx, timeout))
}

func (c *Core) WaitHalted(ctx context.Context, timeout time.Duration) error {
	return errors.Trace(c.ctrl.WaitHalted(ctx, timeout))
}

func (c *Core) requireHalted(ctx context.Context, op string) error {
	st, err := c.ctrl.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !st.IsHalted() {
		return dbgerr.Arch(dbgerr.NotHalted, "%s: core %d is %s", op, c.Index, st.State)
	}
	return nil
}

func (c *Core) ReadReg(ctx context.Context, id RegID) (uint64, error) {
	if err := c.requireHalted(ctx, "read register"); err != nil {
		return 0, err
	}
	v, err := c.ctrl.ReadReg(ctx, id)
	return v, errors.Trace(err)
}

func (c *Core) WriteReg(ctx context.Context, id RegID, v uint64) error {
	if err := c.requireHalted(ctx, "write register"); err != nil {
		return err
	}
	return errors.Trace(c.ctrl.WriteReg(ctx, id, v))
}

// ReadRegs reads several registers in one go.
func (c *Core) ReadRegs(ctx context.Context, regs []Register) (Values, error) {
	if err := c.requireHalted(ctx, "read registers"); err != nil {
		return nil, err
	}
	res := Values{}
	for _, r := range regs {
		v, err := c.ctrl.ReadReg(ctx, r.ID)
		if err != nil {
			return nil, errors.Annotatef(err, "%s", r.Name)
		}
		res[r.ID] = v
	}
	return res, nil
}

func (c *Core) WriteRegs(ctx context.Context, v Values) error {
	if err := c.requireHalted(ctx, "write registers"); err != nil {
		return err
	}
	ids := make([]int, 0, len(v))
	for id := range v {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := c.ctrl.WriteReg(ctx, RegID(id), v[RegID(id)]); err != nil {
			return errors.Annotatef(err, "register %d", id)
		}
	}
	return nil
}

func (c *Core) PC(ctx context.Context) (uint64, error) {
	return c.ReadReg(ctx, c.ctrl.Registers().PC().ID)
}

func (c *Core) SetPC(ctx context.Context, pc uint64) error {
	return c.WriteReg(ctx, c.ctrl.Registers().PC().ID, pc)
}

// Step executes one instruction, stepping over a software breakpoint at PC.
// Interrupts are masked for the step unless stepOverInterrupts is set, in
// which case a pending interrupt may be taken and the core stops in its
// handler.
func (c *Core) Step(ctx context.Context, stepOverInterrupts bool) error {
	if err := c.requireHalted(ctx, "step"); err != nil {
		return err
	}
	return errors.Trace(c.stepOver(ctx, !stepOverInterrupts))
}

func (c *Core) stepOver(ctx context.Context, maskInts bool) error {
	pc, err := c.ctrl.ReadReg(ctx, c.ctrl.Registers().PC().ID)
	if err != nil {
		return errors.Trace(err)
	}
	bp := c.bps[pc]
	if bp == nil {
		return errors.Trace(c.ctrl.Step(ctx, maskInts))
	}
	glog.V(2).Infof("core %d: stepping over breakpoint at 0x%x", c.Index, pc)
	if err := c.remove(ctx, bp); err != nil {
		return errors.Trace(err)
	}
	serr := c.ctrl.Step(ctx, maskInts)
	if err := c.install(ctx, bp); err != nil && serr == nil {
		serr = err
	}
	return errors.Trace(serr)
}

// Unwind returns the context interrupted by the exception the core is
// halted in, or nil when it is not in an exception handler.
func (c *Core) Unwind(ctx context.Context) (*ExceptionFrame, error) {
	u, ok := c.ctrl.(Unwinder)
	if !ok {
		return nil, dbgerr.Unsupported("unwind: not supported on %s", c.ctrl.Type())
	}
	if err := c.requireHalted(ctx, "unwind"); err != nil {
		return nil, err
	}
	f, ok, err := u.Unwind(ctx)
	if err != nil || !ok {
		return nil, errors.Trace(err)
	}
	return f, nil
}

// Run resumes the core. A breakpoint at the current PC is stepped over
// first so that the core does not halt on it straight away.
func (c *Core) Run(ctx context.Context) error {
	st, err := c.ctrl.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if st.IsHalted() && len(c.bps) > 0 {
		if err := c.stepOver(ctx, true); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(c.ctrl.Run(ctx))
}

func (c *Core) Reset(ctx context.Context, timeout time.Duration) error {
	return errors.Trace(c.ctrl.Reset(ctx, false, timeout))
}

func (c *Core) ResetAndHalt(ctx context.Context, timeout time.Duration) error {
	return errors.Trace(c.ctrl.Reset(ctx, true, timeout))
}

func (c *Core) ensureUnits(ctx context.Context) error {
	if c.units != nil {
		return nil
	}
	n, err := c.ctrl.NumBreakpointUnits(ctx)
	if err != nil {
		return errors.Annotatef(err, "breakpoint units")
	}
	c.units = NewUnits(n)
	return nil
}

// NumBreakpointUnits returns the number of hardware comparators.
func (c *Core) NumBreakpointUnits(ctx context.Context) (int, error) {
	if err := c.ensureUnits(ctx); err != nil {
		return 0, err
	}
	return c.units.Len(), nil
}

// SetBreakpoint installs a breakpoint at addr. Hardware units are used
// first. Setting a breakpoint twice is a no-op.
func (c *Core) SetBreakpoint(ctx context.Context, addr uint64) (Breakpoint, error) {
	if bp, ok := c.bps[addr]; ok {
		return *bp, nil
	}
	if err := c.ensureUnits(ctx); err != nil {
		return Breakpoint{}, err
	}
	bp := &Breakpoint{Addr: addr, Unit: -1}
	unit, err := c.units.Alloc()
	if err == nil {
		bp.Unit = unit
	} else if !c.SoftwareBreakpoints || !c.inRAM(addr) {
		return Breakpoint{}, err
	}
	if err := c.install(ctx, bp); err != nil {
		c.units.Free(bp.Unit)
		return Breakpoint{}, errors.Annotatef(err, "breakpoint at 0x%x", addr)
	}
	c.bps[addr] = bp
	glog.V(1).Infof("core %d: breakpoint at 0x%x (unit %d)", c.Index, addr, bp.Unit)
	return *bp, nil
}

func (c *Core) inRAM(addr uint64) bool {
	r, ok := c.ctrl.Memory().RegionAt(addr)
	return ok && r.Kind == memory.RAM
}

func (c *Core) install(ctx context.Context, bp *Breakpoint) error {
	if !bp.Software() {
		if c.units.Count() == 1 {
			if err := c.ctrl.EnableBreakpoints(ctx, true); err != nil {
				return errors.Trace(err)
			}
		}
		return errors.Trace(c.ctrl.SetHWBreakpoint(ctx, bp.Unit, bp.Addr))
	}
	insn := c.ctrl.SoftwareBreakpoint(bp.Addr)
	mem := c.ctrl.Memory()
	orig, err := mem.Read(ctx, bp.Addr, len(insn))
	if err != nil {
		return errors.Trace(err)
	}
	if err := mem.Write(ctx, bp.Addr, insn); err != nil {
		return errors.Trace(err)
	}
	back, err := mem.Read(ctx, bp.Addr, len(insn))
	if err != nil {
		return errors.Trace(err)
	}
	if !bytes.Equal(back, insn) {
		return dbgerr.Memory(dbgerr.DetailNone, bp.Addr, "memory at 0x%x is not writable", bp.Addr)
	}
	if bp.orig == nil {
		bp.orig = orig
	}
	return nil
}

func (c *Core) remove(ctx context.Context, bp *Breakpoint) error {
	if !bp.Software() {
		return errors.Trace(c.ctrl.ClearHWBreakpoint(ctx, bp.Unit))
	}
	return errors.Trace(c.ctrl.Memory().Write(ctx, bp.Addr, bp.orig))
}

// ClearBreakpoint removes the breakpoint at addr, if any.
func (c *Core) ClearBreakpoint(ctx context.Context, addr uint64) error {
	bp, ok := c.bps[addr]
	if !ok {
		return nil
	}
	if err := c.remove(ctx, bp); err != nil {
		return errors.Annotatef(err, "breakpoint at 0x%x", addr)
	}
	delete(c.bps, addr)
	if !bp.Software() {
		c.units.Free(bp.Unit)
		if c.units.Count() == 0 {
			return errors.Trace(c.ctrl.EnableBreakpoints(ctx, false))
		}
	}
	return nil
}

func (c *Core) ClearAllBreakpoints(ctx context.Context) error {
	for _, bp := range c.Breakpoints() {
		if err := c.ClearBreakpoint(ctx, bp.Addr); err != nil {
			return err
		}
	}
	return nil
}

// Breakpoints lists installed breakpoints by address.
func (c *Core) Breakpoints() []Breakpoint {
	res := make([]Breakpoint, 0, len(c.bps))
	for _, bp := range c.bps {
		res = append(res, *bp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Addr < res[j].Addr })
	return res
}
