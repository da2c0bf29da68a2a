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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/probe/fake"
)

const timeout = 100 * time.Millisecond

var testRegions = []memory.Region{{Name: "DRAM", Kind: memory.RAM, Start: ramBase, End: ramBase + ramSize}}

func newXDM(t *testing.T, f *fakeXDM) (*XDM, error) {
	t.Helper()
	ctx := context.Background()
	e := jtag.New(fake.NewChain(f), jtag.DefaultOptions())
	chain, err := e.ScanChain(ctx)
	if err != nil {
		t.Fatalf("ScanChain: %s", err)
	}
	if len(chain) != 1 || chain[0].IDCode != testIDCode || chain[0].IRLen != IRLen {
		t.Fatalf("chain: %v", chain)
	}
	return NewXDM(ctx, e)
}

func setupWith(t *testing.T, f *fakeXDM, seq core.Sequence) *Controller {
	t.Helper()
	x, err := newXDM(t, f)
	if err != nil {
		t.Fatalf("NewXDM: %s", err)
	}
	opts := DefaultOptions()
	opts.Regions = testRegions
	opts.Sequence = seq
	c, err := New(context.Background(), x, opts)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return c
}

func setup(t *testing.T) (*Controller, *fakeXDM) {
	f := newFakeXDM()
	return setupWith(t, f, nil), f
}

func wantHalted(t *testing.T, c *Controller, want core.HaltReason) {
	t.Helper()
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %s", err)
	}
	if diff := cmp.Diff(core.Halted(want), st); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
}

func halt(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Halt(context.Background(), timeout); err != nil {
		t.Fatalf("Halt: %s", err)
	}
}

func TestAttach(t *testing.T) {
	c, f := setup(t)
	if got, want := c.XDM().OCDID, uint32(testOCDID); got != want {
		t.Errorf("OCDID got: 0x%08x, want: 0x%08x", got, want)
	}
	if got, want := f.pwrctl, uint8(pwrWakeup|pwrJTAGDebugUse); got != want {
		t.Errorf("PWRCTL got: 0x%02x, want: 0x%02x", got, want)
	}
	if f.dcr&dcrEnableOCD == 0 {
		t.Errorf("OCD not enabled")
	}
	if f.stopped {
		t.Errorf("attach stopped the core")
	}
	regs := c.Registers()
	if got, want := len(regs.Regs), 1+16+1+len(namedSRs)+numAR; got != want {
		t.Errorf("registers got: %d, want: %d", got, want)
	}
	if got, want := regs.PC().ID, RegPC; got != want {
		t.Errorf("pc got: 0x%x, want: 0x%x", got, want)
	}
	if got, want := regs.Arg(0).Name, "a2"; got != want {
		t.Errorf("arg0 got: %s, want: %s", got, want)
	}
	if got, want := regs.SP().Name, "a1"; got != want {
		t.Errorf("sp got: %s, want: %s", got, want)
	}
}

func TestAttachNoDebugModule(t *testing.T) {
	f := newFakeXDM()
	f.ocdid = 0
	if _, err := newXDM(t, f); !dbgerr.Is(err, dbgerr.KindTargetDescription) {
		t.Errorf("got: %v, want TargetDescription", err)
	}
}

func TestHaltStepRun(t *testing.T) {
	ctx := context.Background()
	c, f := setup(t)

	halt(t, c)
	wantHalted(t, c, core.HaltReason{Kind: core.HaltRequest})
	pc, err := c.ReadReg(ctx, RegPC)
	if err != nil {
		t.Fatalf("ReadReg: %s", err)
	}
	if pc != uint64(f.pc) {
		t.Errorf("pc got: 0x%x, want: 0x%x", pc, f.pc)
	}

	for _, maskInts := range []bool{false, true} {
		if err := c.Step(ctx, maskInts); err != nil {
			t.Fatalf("Step: %s", err)
		}
		wantHalted(t, c, core.HaltReason{Kind: core.HaltStep})
		pc += insnLen
		if got := uint64(f.pc); got != pc {
			t.Errorf("pc after step got: 0x%x, want: 0x%x", got, pc)
		}
		if f.sr[SRICountLevel] != 0 {
			t.Errorf("ICOUNTLEVEL left at %d", f.sr[SRICountLevel])
		}
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %s", err)
	}
	st, err := c.Status(ctx)
	if err != nil || st.State != core.StateRunning {
		t.Errorf("got: %s %v, want running", st, err)
	}
	if f.dcr&dcrDebugInterrupt != 0 {
		t.Errorf("debug interrupt still raised")
	}
	if _, err := c.ReadReg(ctx, RegA0); !dbgerr.IsDetail(err, dbgerr.OcdError) {
		t.Errorf("register read of a running core got: %v, want OcdError", err)
	}
	if f.dsr&dsrExecException != 0 {
		t.Errorf("exec exception left pending")
	}
}

func TestRegisters(t *testing.T) {
	ctx := context.Background()
	c, f := setup(t)
	halt(t, c)

	f.ar[2] = 0x22
	f.ar[3] = 0x33
	f.sr[SRSAR] = 17
	if v, err := c.ReadReg(ctx, RegA0+2); err != nil || v != 0x22 {
		t.Errorf("a2 got: 0x%x %v, want: 0x22", v, err)
	}
	if v, err := c.ReadReg(ctx, RegSR0+SRSAR); err != nil || v != 17 {
		t.Errorf("sar got: %d %v, want: 17", v, err)
	}
	if err := c.WriteReg(ctx, RegA0+5, 0x55); err != nil {
		t.Fatalf("WriteReg: %s", err)
	}
	if err := c.WriteReg(ctx, RegSR0+SRWindowStart, 0x1); err != nil {
		t.Fatalf("WriteReg: %s", err)
	}
	if got, want := f.ar[5], uint32(0x55); got != want {
		t.Errorf("a5 got: 0x%x, want: 0x%x", got, want)
	}
	if got, want := f.sr[SRWindowStart], uint32(1); got != want {
		t.Errorf("windowstart got: 0x%x, want: 0x%x", got, want)
	}
	if got, want := f.ar[3], uint32(0x33); got != want {
		t.Errorf("scratch register got: 0x%x, want: 0x%x", got, want)
	}

	newPC := uint64(ramBase + 0x200)
	if err := c.WriteReg(ctx, RegPC, newPC); err != nil {
		t.Fatalf("WriteReg: %s", err)
	}
	if err := c.Step(ctx, false); err != nil {
		t.Fatalf("Step: %s", err)
	}
	if v, err := c.ReadReg(ctx, RegPC); err != nil || v != newPC+insnLen {
		t.Errorf("pc got: 0x%x %v, want: 0x%x", v, err, newPC+insnLen)
	}

	if _, err := c.ReadReg(ctx, 0x400); !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("got: %v, want UnsupportedOperation", err)
	}
}

func TestPhysicalRegisters(t *testing.T) {
	ctx := context.Background()
	c, f := setup(t)
	halt(t, c)

	f.wb = 5
	var want []uint32
	for i := range f.ar {
		f.ar[i] = 0x1000 + uint32(i)
		want = append(want, f.ar[i])
	}
	got, err := c.ReadPhysical(ctx)
	if err != nil {
		t.Fatalf("ReadPhysical: %s", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ARs mismatch (-want +got):\n%s", diff)
	}
	if f.wb != 5 {
		t.Errorf("WINDOWBASE got: %d, want: 5", f.wb)
	}

	// ar22 is a2 of the current window.
	if v, err := c.ReadReg(ctx, RegAR0+22); err != nil || v != 0x1016 {
		t.Errorf("ar22 got: 0x%x %v, want: 0x1016", v, err)
	}
	if err := c.WriteReg(ctx, RegAR0+10, 0xabcd); err != nil {
		t.Fatalf("WriteReg: %s", err)
	}
	if got, want := f.ar[10], uint32(0xabcd); got != want {
		t.Errorf("ar10 got: 0x%x, want: 0x%x", got, want)
	}
	if f.wb != 5 {
		t.Errorf("WINDOWBASE got: %d, want: 5", f.wb)
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	c, f := setup(t)
	mem := c.Memory()

	if _, err := mem.Read32(ctx, ramBase); !dbgerr.IsDetail(err, dbgerr.NotHalted) {
		t.Errorf("read of a running core got: %v, want NotHalted", err)
	}

	halt(t, c)
	f.ar[3] = 0x33
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if err := mem.Write(ctx, ramBase+0x800, data); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if !bytes.Equal(f.ram[0x800:0x80c], data) {
		t.Errorf("ram got: %v, want: %v", f.ram[0x800:0x80c], data)
	}
	got, err := mem.Read(ctx, ramBase+0x800, len(data))
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read got: %v, want: %v", got, data)
	}

	if err := mem.Write8(ctx, ramBase+0x805, 0xee); err != nil {
		t.Fatalf("Write8: %s", err)
	}
	if v, err := mem.Read32(ctx, ramBase+0x804); err != nil || v != 0x0807ee05 {
		t.Errorf("Read32 got: 0x%08x %v, want: 0x0807ee05", v, err)
	}

	if _, err := mem.Read32(ctx, 0x10); !dbgerr.Is(err, dbgerr.KindMemory) {
		t.Errorf("read of unmapped memory got: %v, want Memory", err)
	}
	// A fault after the first word is reported too.
	if _, err := mem.Read(ctx, ramBase+ramSize-4, 8); !dbgerr.Is(err, dbgerr.KindMemory) {
		t.Errorf("read across the end of RAM got: %v, want Memory", err)
	}
	if got, want := f.ar[3], uint32(0x33); got != want {
		t.Errorf("scratch register got: 0x%x, want: 0x%x", got, want)
	}
	if f.dsr&dsrExecException != 0 {
		t.Errorf("exec exception left pending")
	}
}

func TestBreakpoints(t *testing.T) {
	ctx := context.Background()
	c, f := setup(t)
	h := core.New(0, "cpu0", c)
	h.SoftwareBreakpoints = true
	if err := h.Halt(ctx, timeout); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	pc := uint64(f.pc)

	for _, addr := range []uint64{pc + 0x30, pc + 0x300} {
		bp, err := h.SetBreakpoint(ctx, addr)
		if err != nil {
			t.Fatalf("SetBreakpoint: %s", err)
		}
		if bp.Software() {
			t.Errorf("breakpoint at 0x%x is a software breakpoint", addr)
		}
	}
	if got, want := f.sr[SRIBreakEnable], uint32(3); got != want {
		t.Errorf("IBREAKENABLE got: 0x%x, want: 0x%x", got, want)
	}
	if got, want := f.sr[SRIBreakA0], uint32(pc+0x30); got != want {
		t.Errorf("IBREAKA0 got: 0x%x, want: 0x%x", got, want)
	}
	// Both IBREAK units are taken, so this one patches RAM.
	swAddr := pc + 0x60
	bp, err := h.SetBreakpoint(ctx, swAddr)
	if err != nil {
		t.Fatalf("SetBreakpoint: %s", err)
	}
	if !bp.Software() {
		t.Errorf("breakpoint at 0x%x is not a software breakpoint", swAddr)
	}

	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run: %s", err)
	}
	if err := h.WaitHalted(ctx, timeout); err != nil {
		t.Fatalf("WaitHalted: %s", err)
	}
	wantHalted(t, c, core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakHardware})
	if got, want := uint64(f.pc), pc+0x30; got != want {
		t.Errorf("pc got: 0x%x, want: 0x%x", got, want)
	}

	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run: %s", err)
	}
	if err := h.WaitHalted(ctx, timeout); err != nil {
		t.Fatalf("WaitHalted: %s", err)
	}
	wantHalted(t, c, core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakSoftware})
	if got, want := uint64(f.pc), swAddr; got != want {
		t.Errorf("pc got: 0x%x, want: 0x%x", got, want)
	}

	// Running again steps off the patched instruction.
	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run: %s", err)
	}
	if f.stopped {
		t.Errorf("core stopped again at 0x%x", f.pc)
	}
	if err := h.Halt(ctx, timeout); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	if err := h.ClearAllBreakpoints(ctx); err != nil {
		t.Fatalf("ClearAllBreakpoints: %s", err)
	}
	if f.sr[SRIBreakEnable] != 0 {
		t.Errorf("IBREAKENABLE got: 0x%x, want: 0", f.sr[SRIBreakEnable])
	}
	off := swAddr - ramBase
	if got := f.ram[off : off+insnLen]; !bytes.Equal(got, []byte{0, 0, 0}) {
		t.Errorf("instruction not restored: %v", got)
	}
}

func TestSemihosting(t *testing.T) {
	ctx := context.Background()
	c, f := setup(t)
	halt(t, c)
	at := uint64(f.pc) + insnLen
	call := []byte{byte(insnSemihosting), byte(insnSemihosting >> 8), byte(insnSemihosting >> 16)}
	if err := c.Memory().Write(ctx, at, call); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if err := c.WriteReg(ctx, RegA0+2, 0x18); err != nil {
		t.Fatalf("WriteReg: %s", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %s", err)
	}
	if err := c.WaitHalted(ctx, timeout); err != nil {
		t.Fatalf("WaitHalted: %s", err)
	}
	wantHalted(t, c, core.HaltReason{Kind: core.HaltBreakpoint, Cause: core.BreakSemihosting, Semihosting: 0x18})
	if got, want := uint64(f.pc), at; got != want {
		t.Errorf("pc got: 0x%x, want: 0x%x", got, want)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	c, f := setup(t)

	if err := c.Reset(ctx, true, timeout); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	wantHalted(t, c, core.HaltReason{Kind: core.HaltRequest})
	if v, err := c.ReadReg(ctx, RegPC); err != nil || v != resetVector {
		t.Errorf("pc got: 0x%x %v, want: 0x%x", v, err, resetVector)
	}
	if f.resets != 1 || f.pwrstat&pwrStatCoreWasReset != 0 || f.pwrctl&pwrCoreReset != 0 {
		t.Errorf("resets %d, PWRSTAT 0x%02x, PWRCTL 0x%02x", f.resets, f.pwrstat, f.pwrctl)
	}

	if err := c.Reset(ctx, false, timeout); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	if f.stopped || f.resets != 2 {
		t.Errorf("stopped %t, resets %d", f.stopped, f.resets)
	}
}

// rtcReset resets the chip through an RTC control register.
type rtcReset struct {
	calls       []string
	unsupported bool
}

func (s *rtcReset) DebugCoreStart(ctx context.Context, mem *memory.Memory, t core.Type, debugBase, ctiBase uint64) error {
	s.calls = append(s.calls, "start")
	return nil
}

func (s *rtcReset) DebugCoreStop(ctx context.Context, mem *memory.Memory, t core.Type) error {
	return nil
}

func (s *rtcReset) ResetCatchSet(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	return nil
}

func (s *rtcReset) ResetCatchClear(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	return nil
}

func (s *rtcReset) ResetSystem(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	s.calls = append(s.calls, "reset")
	if s.unsupported {
		return dbgerr.Unsupported("no RTC reset")
	}
	return mem.Write32(ctx, resetReg, 1<<31)
}

func TestResetSequence(t *testing.T) {
	ctx := context.Background()
	for _, unsupported := range []bool{false, true} {
		f := newFakeXDM()
		seq := &rtcReset{unsupported: unsupported}
		c := setupWith(t, f, seq)
		if err := c.Reset(ctx, true, timeout); err != nil {
			t.Fatalf("Reset (unsupported %t): %s", unsupported, err)
		}
		wantHalted(t, c, core.HaltReason{Kind: core.HaltRequest})
		if diff := cmp.Diff([]string{"start", "reset"}, seq.calls); diff != "" {
			t.Errorf("calls mismatch (-want +got):\n%s", diff)
		}
		if f.resets != 1 || f.pc != resetVector {
			t.Errorf("resets %d, pc 0x%x", f.resets, f.pc)
		}
	}
}
