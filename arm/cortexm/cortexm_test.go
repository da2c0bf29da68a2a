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

package cortexm_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/arm"
	"github.com/mongoose-os/probekit/arm/ap"
	"github.com/mongoose-os/probekit/arm/cortexm"
	"github.com/mongoose-os/probekit/arm/dp"
	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/probe/fake"
	"github.com/mongoose-os/probekit/retry"
	"github.com/mongoose-os/probekit/wire"
)

type rig struct {
	p    *fake.Probe
	mem  *memory.Memory
	ctrl *cortexm.Controller
}

func setup(t *testing.T, fo fake.Options, opts cortexm.Options) *rig {
	t.Helper()
	ctx := context.Background()
	p := fake.New(fo)
	w := wire.New(p, wire.DefaultOptions())
	if err := w.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	d := dp.New(w, dp.DefaultOptions())
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	m := ap.NewMemAP(d, arm.APv1(0))
	if err := m.Init(ctx); err != nil {
		t.Fatal(err)
	}
	mem := memory.New(m, []memory.Region{
		{Name: "flash", Kind: memory.NVM, Start: uint64(fo.FlashBase), End: uint64(fo.FlashBase + fo.FlashSize)},
		{Name: "ram", Kind: memory.RAM, Start: uint64(fo.RAMBase), End: uint64(fo.RAMBase + fo.RAMSize)},
	})
	opts.Reconnect = func(ctx context.Context) error {
		if err := w.Reinitialize(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := d.Start(ctx); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(m.Init(ctx))
	}
	c := cortexm.New(mem, opts)
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	return &rig{p: p, mem: mem, ctrl: c}
}

func defaultRig(t *testing.T) *rig {
	return setup(t, fake.DefaultOptions(), cortexm.DefaultOptions())
}

func status(t *testing.T, c core.Controller) core.Status {
	t.Helper()
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func readReg(t *testing.T, c core.Controller, id core.RegID) uint64 {
	t.Helper()
	v, err := c.ReadReg(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestInit(t *testing.T) {
	r := defaultRig(t)
	if got, want := r.ctrl.Type(), core.Armv7em; got != want {
		t.Errorf("type: got: %s, want: %s", got, want)
	}
	if got, want := r.ctrl.Name(), "ARM Cortex-M4 r0p1"; got != want {
		t.Errorf("name: got: %q, want: %q", got, want)
	}
	if reg, ok := r.mem.RegionAt(0xe000edf0); !ok || reg.Name != memory.PPB.Name {
		t.Errorf("PPB region missing: %v", r.mem.Regions)
	}
	if _, ok := r.ctrl.Registers().ByName("s0"); ok {
		t.Errorf("FP registers listed without an FPU")
	}
	if _, err := r.ctrl.ReadReg(context.Background(), cortexm.RegS0); !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("got: %v, want UnsupportedOperation", err)
	}
}

func TestResetAndHaltAtVector(t *testing.T) {
	ctx := context.Background()
	r := defaultRig(t)
	for i := 0; i < 2; i++ {
		if err := r.ctrl.Reset(ctx, true, time.Second); err != nil {
			t.Fatal(err)
		}
		st := status(t, r.ctrl)
		if got, want := st.Reason.Kind, core.HaltVectorCatch; !st.IsHalted() || got != want {
			t.Errorf("status: got: %s, want: halted by %s", st, want)
		}
		if got, want := readReg(t, r.ctrl, cortexm.RegPC), uint64(fake.InitialPC); got != want {
			t.Errorf("pc: got: 0x%x, want: 0x%x", got, want)
		}
		if got, want := readReg(t, r.ctrl, cortexm.RegSP), uint64(fake.InitialSP); got != want {
			t.Errorf("sp: got: 0x%x, want: 0x%x", got, want)
		}
	}
	if got, want := r.p.T.Core.Resets, 2; got != want {
		t.Errorf("resets: got: %d, want: %d", got, want)
	}
	// The catch is removed again: a plain reset leaves the core running.
	if err := r.ctrl.Reset(ctx, false, time.Second); err != nil {
		t.Fatal(err)
	}
	if st := status(t, r.ctrl); st.State != core.StateRunning {
		t.Errorf("status after reset: got: %s, want: running", st)
	}
}

func TestHaltRunStep(t *testing.T) {
	ctx := context.Background()
	r := defaultRig(t)
	if err := r.ctrl.Halt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if st := status(t, r.ctrl); st.Reason.Kind != core.HaltRequest {
		t.Errorf("got: %s, want: halted by request", st)
	}
	if err := r.ctrl.Reset(ctx, true, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.Step(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got, want := readReg(t, r.ctrl, cortexm.RegPC), uint64(fake.InitialPC+2); got != want {
		t.Errorf("pc: got: 0x%x, want: 0x%x", got, want)
	}
	if st := status(t, r.ctrl); st.Reason.Kind != core.HaltStep {
		t.Errorf("got: %s, want: halted by step", st)
	}
	if err := r.ctrl.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if st := status(t, r.ctrl); st.State != core.StateRunning {
		t.Errorf("got: %s, want: running", st)
	}
	if err := r.ctrl.Halt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if !r.p.T.Core.Halted() {
		t.Errorf("simulated core is not halted")
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := defaultRig(t)
	if err := r.ctrl.Halt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	for _, reg := range r.ctrl.Registers().Regs {
		v := uint64(0x1000 + 4*uint64(reg.ID))
		if err := r.ctrl.WriteReg(ctx, reg.ID, v); err != nil {
			t.Fatalf("%s: %v", reg.Name, err)
		}
		if got := readReg(t, r.ctrl, reg.ID); got != v {
			t.Errorf("%s: got: 0x%x, want: 0x%x", reg.Name, got, v)
		}
	}
}

func TestFPURegisters(t *testing.T) {
	ctx := context.Background()
	fo := fake.DefaultOptions()
	fo.FPU = true
	r := setup(t, fo, cortexm.DefaultOptions())
	if !r.ctrl.HasFPU() {
		t.Fatalf("FPU not detected")
	}
	if got, want := r.ctrl.Name(), "ARM Cortex-M4F r0p1"; got != want {
		t.Errorf("name: got: %q, want: %q", got, want)
	}
	if err := r.ctrl.Halt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	s1 := cortexm.RegS0 + 1
	if err := r.ctrl.WriteReg(ctx, s1, 0x3f800000); !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("FPU disabled in CPACR: got: %v", err)
	}
	if err := r.mem.Write32(ctx, cortexm.RegCPACR, 0xf<<20); err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.WriteReg(ctx, s1, 0x3f800000); err != nil {
		t.Fatal(err)
	}
	if got, want := readReg(t, r.ctrl, s1), uint64(0x3f800000); got != want {
		t.Errorf("got: 0x%x, want: 0x%x", got, want)
	}
}

func TestHardwareBreakpoint(t *testing.T) {
	ctx := context.Background()
	r := defaultRig(t)
	c := core.New(0, "main", r.ctrl)
	if err := c.ResetAndHalt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	n, err := c.NumBreakpointUnits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, fake.DefaultOptions().NumCode; got != want {
		t.Errorf("units: got: %d, want: %d", got, want)
	}
	const a = fake.InitialPC + 0x10
	for i := 0; i < n; i++ {
		if _, err := c.SetBreakpoint(ctx, uint64(a+2*i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.SetBreakpoint(ctx, 0x300); !dbgerr.IsDetail(err, dbgerr.NoFreeBreakpointUnit) {
		t.Errorf("got: %v, want NoFreeBreakpointUnit", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitHalted(ctx, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := core.Halted(core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakHardware})
	if st != want {
		t.Errorf("status: got: %s, want: %s", st, want)
	}
	pc, err := c.PC(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pc != a {
		t.Errorf("pc: got: 0x%x, want: 0x%x", pc, a)
	}
	// Resuming continues to the next comparator.
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitHalted(ctx, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if pc, _ := c.PC(ctx); pc != a+2 {
		t.Errorf("pc: got: 0x%x, want: 0x%x", pc, a+2)
	}
}

func TestSemihostingAndSoftwareBreakpoint(t *testing.T) {
	ctx := context.Background()
	r := defaultRig(t)
	const code = 0x20000100
	r.p.T.Bus.Load(code, []byte{
		0x00, 0xbf, // NOP
		0xab, 0xbe, // BKPT 0xAB
		0x00, 0xbf, // NOP
		0x00, 0xbf, // NOP
	})
	if err := r.ctrl.Halt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.WriteReg(ctx, cortexm.RegPC, code); err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.WriteReg(ctx, 0, 0x18); err != nil {
		t.Fatal(err)
	}
	c := core.New(0, "main", r.ctrl)
	c.SoftwareBreakpoints = true
	// Take every hardware unit so the next breakpoint goes to RAM.
	n, _ := c.NumBreakpointUnits(ctx)
	for i := 0; i < n; i++ {
		if _, err := c.SetBreakpoint(ctx, uint64(0x1000+2*i)); err != nil {
			t.Fatal(err)
		}
	}
	bp, err := c.SetBreakpoint(ctx, code+6)
	if err != nil {
		t.Fatal(err)
	}
	if !bp.Software() {
		t.Fatalf("breakpoint in RAM is not a software one")
	}

	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitHalted(ctx, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	st, _ := c.Status(ctx)
	want := core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakSemihosting, Semihosting: 0x18}
	if st.Reason != want {
		t.Errorf("got: %s, want: %s", st.Reason, want)
	}
	// Skip the BKPT as a semihosting host would.
	if err := c.SetPC(ctx, code+4); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitHalted(ctx, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	st, _ = c.Status(ctx)
	if st.Reason.Cause != core.BreakSoftware {
		t.Errorf("got: %s, want: software breakpoint", st.Reason)
	}
	if pc, _ := c.PC(ctx); pc != code+6 {
		t.Errorf("pc: got: 0x%x, want: 0x%x", pc, code+6)
	}
	if err := c.ClearAllBreakpoints(ctx); err != nil {
		t.Fatal(err)
	}
	if got := r.p.T.Bus.Dump(code+6, 2); got[1] != 0xbf {
		t.Errorf("instruction not restored: % x", got)
	}
}

func TestHardFaultCatch(t *testing.T) {
	ctx := context.Background()
	opts := cortexm.DefaultOptions()
	opts.CatchHardFault = true
	r := setup(t, fake.DefaultOptions(), opts)
	r.p.T.Bus.Load(0x0c, []byte{0x81, 0x01, 0x00, 0x00}) // HardFault handler at 0x180
	if err := r.ctrl.Reset(ctx, true, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.WriteReg(ctx, cortexm.RegPC, fake.InitialPC+0x20); err != nil {
		t.Fatal(err)
	}
	if err := r.mem.Write32(ctx, cortexm.RegDFSR, cortexm.DFSRAll); err != nil {
		t.Fatal(err)
	}
	r.p.T.Core.Fault(1<<17, 1<<30)
	st := status(t, r.ctrl)
	if st.Reason.Kind != core.HaltException || st.Reason.Exception != core.ExceptionHardFault {
		t.Fatalf("got: %s, want: HardFault", st)
	}
	if got, want := st.Reason.Desc, "HardFault: forced, invalid state"; got != want {
		t.Errorf("desc: got: %q, want: %q", got, want)
	}
	if got, want := readReg(t, r.ctrl, cortexm.RegPC), uint64(0x180); got != want {
		t.Errorf("pc: got: 0x%x, want: 0x%x", got, want)
	}
	f, ok, err := r.ctrl.Unwind(ctx)
	if err != nil || !ok {
		t.Fatalf("unwind: %t %v", ok, err)
	}
	if f.Extended {
		t.Errorf("got an extended frame")
	}
	if got, want := f.Regs[cortexm.RegPC], uint64(fake.InitialPC+0x20); got != want {
		t.Errorf("caller pc: got: 0x%x, want: 0x%x", got, want)
	}
	if got, want := f.Regs[cortexm.RegSP], uint64(fake.InitialSP); got != want {
		t.Errorf("caller sp: got: 0x%x, want: 0x%x", got, want)
	}
	if got, want := f.Regs[cortexm.RegLR], uint64(0xffffffff); got != want {
		t.Errorf("caller lr: got: 0x%x, want: 0x%x", got, want)
	}
	fs, err := r.ctrl.ReadFaultStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.ClearFaultStatus(ctx, fs); err != nil {
		t.Fatal(err)
	}
	if fs, _ := r.ctrl.ReadFaultStatus(ctx); fs.HardFault() {
		t.Errorf("fault status not cleared: %+v", fs)
	}
}

func TestUnwindOutsideException(t *testing.T) {
	ctx := context.Background()
	r := defaultRig(t)
	if err := r.ctrl.Reset(ctx, true, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := r.ctrl.Unwind(ctx); ok || err != nil {
		t.Errorf("got: %t %v, want no frame", ok, err)
	}
}

func TestLockup(t *testing.T) {
	r := defaultRig(t)
	r.p.T.Core.Lockup()
	if st := status(t, r.ctrl); st.State != core.StateLockedUp {
		t.Errorf("got: %s, want: locked up", st)
	}
}

func TestResetReconnects(t *testing.T) {
	ctx := context.Background()
	fo := fake.DefaultOptions()
	fo.LoseLinkOnReset = true
	r := setup(t, fo, cortexm.DefaultOptions())
	if err := r.ctrl.Reset(ctx, true, time.Second); err != nil {
		t.Fatal(err)
	}
	if r.p.T.LinkLost() {
		t.Errorf("link still down")
	}
	st := status(t, r.ctrl)
	if st.Reason.Kind != core.HaltVectorCatch {
		t.Errorf("got: %s, want: halted by vector catch", st)
	}
	if got, want := readReg(t, r.ctrl, cortexm.RegPC), uint64(fake.InitialPC); got != want {
		t.Errorf("pc: got: 0x%x, want: 0x%x", got, want)
	}
}

type failingReset struct {
	cortexm.DefaultSequence
	calls int
}

func (s *failingReset) ResetSystem(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	s.calls++
	return errors.New("reset line stuck")
}

func TestResetFailed(t *testing.T) {
	seq := &failingReset{}
	opts := cortexm.DefaultOptions()
	opts.Sequence = seq
	opts.ResetPolicy = retry.Policy{Attempts: 3}
	r := setup(t, fake.DefaultOptions(), opts)
	err := r.ctrl.Reset(context.Background(), true, time.Second)
	if !dbgerr.IsDetail(err, dbgerr.ResetFailed) {
		t.Errorf("got: %v, want ResetFailed", err)
	}
	if got, want := seq.calls, 3; got != want {
		t.Errorf("attempts: got: %d, want: %d", got, want)
	}
}
