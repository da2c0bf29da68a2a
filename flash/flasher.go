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

package flash

import (
	"bytes"
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

const (
	InitTimeout      = 1 * time.Second
	EraseChipTimeout = 60 * time.Second
	// Used when the algorithm does not set its own budgets.
	DefaultProgramTimeout = 1 * time.Second
	DefaultEraseTimeout   = 5 * time.Second

	haltTimeout  = 100 * time.Millisecond
	resetTimeout = 500 * time.Millisecond
)

// Registers that hold the static base for position independent data.
var staticBase = map[core.Type]string{
	core.Armv6m:  "r9",
	core.Armv7m:  "r9",
	core.Armv7em: "r9",
	core.Armv8m:  "r9",
	core.Riscv:   "s1",
}

// Flasher runs the routines of one algorithm on a halted core.
type Flasher struct {
	c     *core.Core
	algo  *Algorithm
	p     progress
	clock uint32

	pc, sp, ret core.Register
	args        [4]core.Register
	sb          core.Register
}

// NewFlasher places raw in ram, resets and halts the core and loads the
// algorithm.
func NewFlasher(ctx context.Context, c *core.Core, raw *RawAlgorithm, ram memory.Region, clock uint32, sink Progress) (*Flasher, error) {
	a, err := Assemble(raw, ram, c.Type())
	if err != nil {
		return nil, errors.Trace(err)
	}
	regs := c.Registers()
	f := &Flasher{c: c, algo: a, p: progress{sink}, clock: clock, pc: regs.PC(), sp: regs.SP(), ret: regs.LR()}
	for i := range f.args {
		f.args[i] = regs.Arg(i)
	}
	if name, ok := staticBase[c.Type()]; ok {
		f.sb, _ = regs.ByName(name)
	}
	if err := f.load(ctx); err != nil {
		return nil, errors.Annotatef(err, "load algorithm %s", raw.Name)
	}
	return f, nil
}

func (f *Flasher) Algorithm() *Algorithm {
	return f.algo
}

func (f *Flasher) load(ctx context.Context) error {
	if err := f.c.Halt(ctx, haltTimeout); err != nil {
		return errors.Trace(err)
	}
	if err := f.c.ResetAndHalt(ctx, resetTimeout); err != nil {
		return errors.Trace(err)
	}
	mem := f.c.Memory()
	glog.V(1).Infof("loading %d bytes of %s at 0x%08x", len(f.algo.Blob), f.algo.Name, f.algo.LoadAddress)
	if err := mem.Write(ctx, f.algo.LoadAddress, f.algo.Blob); err != nil {
		return errors.Trace(err)
	}
	back, err := mem.Read(ctx, f.algo.LoadAddress, len(f.algo.Blob))
	if err != nil {
		return errors.Trace(err)
	}
	if !bytes.Equal(back, f.algo.Blob) {
		return dbgerr.Flash(dbgerr.AlgorithmFailed, "algorithm %s did not load at 0x%08x", f.algo.Name, f.algo.LoadAddress)
	}
	return nil
}

// start sets up the registers for a call of the routine at pc and resumes
// the core.
func (f *Flasher) start(ctx context.Context, fn string, pc uint64, args ...uint32) error {
	glog.V(2).Infof("%s: call 0x%08x %x", f.algo.Name, pc, args)
	ret := f.algo.Return
	if f.algo.Thumb {
		ret |= 1
	}
	v := core.Values{
		f.pc.ID:  pc,
		f.sp.ID:  f.algo.StackTop,
		f.ret.ID: ret,
	}
	if f.sb.Name != "" {
		v[f.sb.ID] = f.algo.StaticBase
	}
	for i, a := range args {
		v[f.args[i].ID] = uint64(a)
	}
	if err := f.c.WriteRegs(ctx, v); err != nil {
		return errors.Annotatef(err, "%s", fn)
	}
	return errors.Annotatef(f.c.Run(ctx), "%s", fn)
}

// wait waits for the routine to return and checks its result.
func (f *Flasher) wait(ctx context.Context, fn string, addr uint64, timeout time.Duration) error {
	if err := f.c.WaitHalted(ctx, timeout); err != nil {
		if !dbgerr.Is(err, dbgerr.KindTimeout) {
			return errors.Annotatef(err, "%s @ 0x%08x", fn, addr)
		}
		if herr := f.c.Halt(ctx, haltTimeout); herr != nil {
			glog.Warningf("%s: halt after timeout: %s", fn, herr)
		}
		return dbgerr.AlgorithmTimeoutErr(fn, addr)
	}
	st, err := f.c.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if st.Reason.Kind != core.HaltBreakpoint {
		return dbgerr.Flash(dbgerr.AlgorithmFailed, "%s @ 0x%08x: core %s", fn, addr, st)
	}
	rc, err := f.c.ReadReg(ctx, f.args[0].ID)
	if err != nil {
		return errors.Trace(err)
	}
	if rc != 0 {
		return dbgerr.AlgorithmFailedErr(fn, addr, uint32(rc))
	}
	return nil
}

func (f *Flasher) call(ctx context.Context, fn string, addr uint64, e Entry, timeout time.Duration, args ...uint32) error {
	if err := f.start(ctx, fn, f.algo.Entry(e), args...); err != nil {
		return err
	}
	return f.wait(ctx, fn, addr, timeout)
}

func (f *Flasher) Init(ctx context.Context, op Operation) error {
	if !f.algo.RawAlgorithm.Init.Present() {
		return nil
	}
	start := f.algo.Device.Start
	return f.call(ctx, "Init", start, f.algo.RawAlgorithm.Init, InitTimeout, uint32(start), f.clock, uint32(op))
}

func (f *Flasher) UnInit(ctx context.Context, op Operation) error {
	if !f.algo.UnInit.Present() {
		return nil
	}
	return f.call(ctx, "UnInit", f.algo.Device.Start, f.algo.UnInit, InitTimeout, uint32(op))
}

// run brackets fn with Init and UnInit for op.
func (f *Flasher) run(ctx context.Context, op Operation, fn func() error) error {
	if err := f.Init(ctx, op); err != nil {
		return errors.Annotatef(err, "init for %s", op)
	}
	if err := fn(); err != nil {
		return err
	}
	return errors.Annotatef(f.UnInit(ctx, op), "uninit after %s", op)
}

func (f *Flasher) eraseTimeout() time.Duration {
	if t := f.algo.Device.EraseTimeout; t > 0 {
		return t
	}
	return DefaultEraseTimeout
}

func (f *Flasher) programTimeout() time.Duration {
	if t := f.algo.Device.ProgramTimeout; t > 0 {
		return t
	}
	return DefaultProgramTimeout
}

// EraseChip erases the whole device with the EraseChip routine.
func (f *Flasher) EraseChip(ctx context.Context) error {
	if !f.algo.EraseChip.Present() {
		return dbgerr.Unsupported("algorithm %s cannot erase the chip", f.algo.Name)
	}
	f.p.emit(Event{Kind: StartedErasing, Size: f.algo.Device.Size})
	err := f.run(ctx, OpErase, func() error {
		return f.call(ctx, "EraseChip", f.algo.Device.Start, f.algo.EraseChip, EraseChipTimeout)
	})
	return f.p.finish(err, FinishedErasing, FailedErasing)
}

// EraseSectors erases sectors in order.
func (f *Flasher) EraseSectors(ctx context.Context, sectors []Sector) error {
	var total uint64
	for _, s := range sectors {
		total += s.Size
	}
	f.p.emit(Event{Kind: StartedErasing, Size: total})
	err := f.run(ctx, OpErase, func() error {
		for _, s := range sectors {
			t := time.Now()
			glog.V(1).Infof("erasing sector 0x%08x (%d)", s.Addr, s.Size)
			if err := f.call(ctx, "EraseSector", s.Addr, f.algo.EraseSector, f.eraseTimeout(), uint32(s.Addr)); err != nil {
				return err
			}
			f.p.done(SectorErased, s.Size, t)
		}
		return nil
	})
	return f.p.finish(err, FinishedErasing, FailedErasing)
}

// Fill reads the current flash content of the fills into their pages.
func (f *Flasher) Fill(ctx context.Context, l *Layout) error {
	if len(l.Fills) == 0 {
		return nil
	}
	f.p.emit(Event{Kind: StartedFilling})
	mem := f.c.Memory()
	err := f.run(ctx, OpVerify, func() error {
		for _, fl := range l.Fills {
			t := time.Now()
			data, err := mem.Read(ctx, fl.Addr, int(fl.Size))
			if err != nil {
				return errors.Annotatef(err, "fill 0x%08x", fl.Addr)
			}
			p := &l.Pages[fl.Page]
			copy(p.Data[fl.Addr-p.Addr:], data)
			f.p.done(PageFilled, fl.Size, t)
		}
		return nil
	})
	return f.p.finish(err, FinishedFilling, FailedFilling)
}

func (f *Flasher) loadPage(ctx context.Context, buf uint64, p Page) error {
	return errors.Annotatef(f.c.Memory().Write(ctx, buf, p.Data), "page 0x%08x to buffer 0x%08x", p.Addr, buf)
}

// Program programs pages that are not all erased value. Their sectors must
// have been erased. With double buffering the next page is uploaded while
// the previous one programs.
func (f *Flasher) Program(ctx context.Context, pages []Page, doubleBuffer bool) error {
	var todo []Page
	var total uint64
	for _, p := range pages {
		if bytes.Count(p.Data, []byte{f.algo.Device.ErasedValue}) == len(p.Data) {
			glog.V(2).Infof("page 0x%08x is blank, skipping", p.Addr)
			continue
		}
		todo = append(todo, p)
		total += uint64(len(p.Data))
	}
	f.p.emit(Event{Kind: StartedProgramming, Size: total})
	err := f.run(ctx, OpProgram, func() error {
		if doubleBuffer && f.algo.DoubleBuffered() {
			return f.programDouble(ctx, todo)
		}
		return f.programSimple(ctx, todo)
	})
	return f.p.finish(err, FinishedProgramming, FailedProgramming)
}

func (f *Flasher) programSimple(ctx context.Context, pages []Page) error {
	buf := f.algo.PageBuffers[0]
	for _, p := range pages {
		t := time.Now()
		if err := f.loadPage(ctx, buf, p); err != nil {
			return err
		}
		if err := f.call(ctx, "ProgramPage", p.Addr, f.algo.ProgramPage, f.programTimeout(), uint32(p.Addr), uint32(len(p.Data)), uint32(buf)); err != nil {
			return err
		}
		f.p.done(PageProgrammed, uint64(len(p.Data)), t)
	}
	return nil
}

func (f *Flasher) programDouble(ctx context.Context, pages []Page) error {
	var prev *Page
	var t time.Time
	for i := range pages {
		p := &pages[i]
		buf := f.algo.PageBuffers[i%2]
		if err := f.loadPage(ctx, buf, *p); err != nil {
			return err
		}
		if prev != nil {
			if err := f.wait(ctx, "ProgramPage", prev.Addr, f.programTimeout()); err != nil {
				return err
			}
			f.p.done(PageProgrammed, uint64(len(prev.Data)), t)
		}
		t = time.Now()
		if err := f.start(ctx, "ProgramPage", f.algo.Entry(f.algo.ProgramPage), uint32(p.Addr), uint32(len(p.Data)), uint32(buf)); err != nil {
			return err
		}
		prev = p
	}
	if prev == nil {
		return nil
	}
	if err := f.wait(ctx, "ProgramPage", prev.Addr, f.programTimeout()); err != nil {
		return err
	}
	f.p.done(PageProgrammed, uint64(len(prev.Data)), t)
	return nil
}
