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
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

type ramPort struct {
	data []byte
}

func (p *ramPort) SupportsWidth(w memory.Width) bool { return w != memory.Width64 }

func (p *ramPort) ReadBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	copy(data, p.data[addr:])
	return nil
}

func (p *ramPort) WriteBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	copy(p.data[addr:], data)
	return nil
}

func (p *ramPort) Flush(ctx context.Context) error { return nil }

// stubCtrl is a controller with two hardware units over 8 KiB of memory,
// the lower half flash and the upper half RAM.
type stubCtrl struct {
	mem    *memory.Memory
	halted bool
	regs   map[RegID]uint64
	units  []uint64
	enable []bool
	steps  int
	masks  []bool
}

var stubRegs = &RegisterFile{Regs: []Register{
	{Name: "r0", ID: 0, Bits: 32, Role: RoleArg, Arg: 0},
	{Name: "sp", ID: 13, Bits: 32, Role: RoleSP},
	{Name: "lr", ID: 14, Bits: 32, Role: RoleLR},
	{Name: "pc", ID: 15, Bits: 32, Role: RolePC},
}}

func newStub() *stubCtrl {
	mem := memory.New(&ramPort{data: make([]byte, 0x2000)}, []memory.Region{
		{Name: "flash", Kind: memory.NVM, Start: 0, End: 0x1000},
		{Name: "ram", Kind: memory.RAM, Start: 0x1000, End: 0x2000},
	})
	return &stubCtrl{mem: mem, halted: true, regs: map[RegID]uint64{}, units: make([]uint64, 2)}
}

func (s *stubCtrl) Type() Type { return Armv7m }

func (s *stubCtrl) Registers() *RegisterFile { return stubRegs }

func (s *stubCtrl) Memory() *memory.Memory { return s.mem }

func (s *stubCtrl) Run(ctx context.Context) error {
	s.halted = false
	return nil
}

func (s *stubCtrl) Status(ctx context.Context) (Status, error) {
	if s.halted {
		return Halted(HaltReason{Kind: HaltRequest}), nil
	}
	return Running, nil
}

func (s *stubCtrl) Halt(ctx context.Context, timeout time.Duration) error {
	s.halted = true
	return nil
}

func (s *stubCtrl) Step(ctx context.Context, maskInts bool) error {
	s.steps++
	s.masks = append(s.masks, maskInts)
	s.regs[15] += 2
	return nil
}

func (s *stubCtrl) WaitHalted(ctx context.Context, timeout time.Duration) error { return nil }

func (s *stubCtrl) Reset(ctx context.Context, halt bool, timeout time.Duration) error {
	s.halted = halt
	return nil
}

func (s *stubCtrl) ReadReg(ctx context.Context, id RegID) (uint64, error) { return s.regs[id], nil }

func (s *stubCtrl) WriteReg(ctx context.Context, id RegID, v uint64) error {
	s.regs[id] = v
	return nil
}

func (s *stubCtrl) NumBreakpointUnits(ctx context.Context) (int, error) { return len(s.units), nil }

func (s *stubCtrl) EnableBreakpoints(ctx context.Context, on bool) error {
	s.enable = append(s.enable, on)
	return nil
}

func (s *stubCtrl) SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error {
	s.units[unit] = addr | 1
	return nil
}

func (s *stubCtrl) ClearHWBreakpoint(ctx context.Context, unit int) error {
	s.units[unit] = 0
	return nil
}

func (s *stubCtrl) SoftwareBreakpoint(addr uint64) []byte { return []byte{0x00, 0xbe} }

func TestRegistersNeedHalt(t *testing.T) {
	ctx := context.Background()
	s := newStub()
	c := New(0, "main", s)
	if err := c.SetPC(ctx, 0x100); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.PC(ctx); !dbgerr.IsDetail(err, dbgerr.NotHalted) {
		t.Errorf("got: %v, want NotHalted", err)
	}
	if err := c.WriteReg(ctx, 0, 1); !dbgerr.IsDetail(err, dbgerr.NotHalted) {
		t.Errorf("got: %v, want NotHalted", err)
	}
	if err := c.Halt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	pc, err := c.PC(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pc, uint64(0x100); got != want {
		t.Errorf("got: 0x%x, want: 0x%x", got, want)
	}
}

// unwindCtrl reports a fixed exception frame.
type unwindCtrl struct {
	*stubCtrl
	frame *ExceptionFrame
}

func (u unwindCtrl) Unwind(ctx context.Context) (*ExceptionFrame, bool, error) {
	return u.frame, u.frame != nil, nil
}

func TestUnwind(t *testing.T) {
	ctx := context.Background()
	if _, err := New(0, "main", newStub()).Unwind(ctx); !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("without unwinder: got: %v, want unsupported", err)
	}

	frame := &ExceptionFrame{ExcReturn: 0xfffffff9, FrameSP: 0x1fe0, Regs: Values{15: 0x100}}
	u := unwindCtrl{stubCtrl: newStub(), frame: frame}
	c := New(0, "main", u)
	f, err := c.Unwind(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(frame, f); diff != "" {
		t.Errorf("frame (-want +got):\n%s", diff)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Unwind(ctx); !dbgerr.IsDetail(err, dbgerr.NotHalted) {
		t.Errorf("running: got: %v, want NotHalted", err)
	}

	u.frame = nil
	if err := u.Halt(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if f, err := New(0, "main", u).Unwind(ctx); f != nil || err != nil {
		t.Errorf("outside exception: got: %+v %v, want nothing", f, err)
	}
}

func TestHardwareBreakpointUnits(t *testing.T) {
	ctx := context.Background()
	s := newStub()
	c := New(0, "main", s)
	for _, addr := range []uint64{0x200, 0x300} {
		if _, err := c.SetBreakpoint(ctx, addr); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.SetBreakpoint(ctx, 0x200); err != nil {
		t.Errorf("setting an existing breakpoint: %v", err)
	}
	_, err := c.SetBreakpoint(ctx, 0x400)
	if !dbgerr.IsDetail(err, dbgerr.NoFreeBreakpointUnit) {
		t.Fatalf("got: %v, want NoFreeBreakpointUnit", err)
	}
	if diff := cmp.Diff([]uint64{0x201, 0x301}, s.units); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}
	if err := c.ClearBreakpoint(ctx, 0x200); err != nil {
		t.Fatal(err)
	}
	bp, err := c.SetBreakpoint(ctx, 0x400)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := bp.Unit, 0; got != want {
		t.Errorf("unit: got: %d, want: %d", got, want)
	}
	if err := c.ClearAllBreakpoints(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{true, false}, s.enable); diff != "" {
		t.Errorf("enable mismatch (-want +got):\n%s", diff)
	}
	if len(c.Breakpoints()) != 0 {
		t.Errorf("breakpoints left: %v", c.Breakpoints())
	}
}

func TestSoftwareBreakpoints(t *testing.T) {
	ctx := context.Background()
	s := newStub()
	s.units = nil
	c := New(0, "main", s)
	mem := s.Memory()
	if err := mem.Write(ctx, 0x1100, []byte{0x00, 0xbf}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetBreakpoint(ctx, 0x1100); !dbgerr.IsDetail(err, dbgerr.NoFreeBreakpointUnit) {
		t.Errorf("software breakpoints are opt-in, got: %v", err)
	}
	c.SoftwareBreakpoints = true
	if _, err := c.SetBreakpoint(ctx, 0x100); !dbgerr.IsDetail(err, dbgerr.NoFreeBreakpointUnit) {
		t.Errorf("software breakpoint in flash: got: %v", err)
	}
	bp, err := c.SetBreakpoint(ctx, 0x1100)
	if err != nil {
		t.Fatal(err)
	}
	if !bp.Software() {
		t.Errorf("got a hardware breakpoint")
	}
	got, _ := mem.Read(ctx, 0x1100, 2)
	if diff := cmp.Diff([]byte{0x00, 0xbe}, got); diff != "" {
		t.Errorf("patched mismatch (-want +got):\n%s", diff)
	}

	// Stepping from the breakpoint restores the original instruction for
	// the step and puts the breakpoint back afterwards.
	s.regs[15] = 0x1100
	if err := c.Step(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got, want := s.regs[15], uint64(0x1102); got != want {
		t.Errorf("pc: got: 0x%x, want: 0x%x", got, want)
	}
	got, _ = mem.Read(ctx, 0x1100, 2)
	if diff := cmp.Diff([]byte{0x00, 0xbe}, got); diff != "" {
		t.Errorf("re-patched mismatch (-want +got):\n%s", diff)
	}

	if err := c.ClearBreakpoint(ctx, 0x1100); err != nil {
		t.Fatal(err)
	}
	got, _ = mem.Read(ctx, 0x1100, 2)
	if diff := cmp.Diff([]byte{0x00, 0xbf}, got); diff != "" {
		t.Errorf("restored mismatch (-want +got):\n%s", diff)
	}
}

func TestStepMasksInterrupts(t *testing.T) {
	ctx := context.Background()
	s := newStub()
	c := New(0, "main", s)
	for _, over := range []bool{false, true} {
		if err := c.Step(ctx, over); err != nil {
			t.Fatal(err)
		}
	}
	// Stepping over a breakpoint on Run always masks.
	if _, err := c.SetBreakpoint(ctx, s.regs[15]); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{true, false, true}, s.masks); diff != "" {
		t.Errorf("masks (-want +got):\n%s", diff)
	}
}

func TestRunStepsOverBreakpoint(t *testing.T) {
	ctx := context.Background()
	s := newStub()
	c := New(0, "main", s)
	if _, err := c.SetBreakpoint(ctx, 0x200); err != nil {
		t.Fatal(err)
	}
	s.regs[15] = 0x200
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := s.steps, 1; got != want {
		t.Errorf("steps: got: %d, want: %d", got, want)
	}
	if got, want := s.units[0], uint64(0x201); got != want {
		t.Errorf("unit 0: got: 0x%x, want: 0x%x", got, want)
	}
}

func TestUnits(t *testing.T) {
	u := NewUnits(3)
	for want := 0; want < 3; want++ {
		got, err := u.Alloc()
		if err != nil || got != want {
			t.Errorf("got: %d %v, want: %d", got, err, want)
		}
	}
	u.Free(1)
	if u.InUse(1) || !u.InUse(2) {
		t.Errorf("bad state after Free")
	}
	if got, _ := u.Alloc(); got != 1 {
		t.Errorf("got: %d, want: 1", got)
	}
	if got, want := u.Count(), 3; got != want {
		t.Errorf("count: got: %d, want: %d", got, want)
	}
}

func TestTypeNames(t *testing.T) {
	for _, ty := range []Type{Armv6m, Armv7em, Armv8a, Riscv, Xtensa} {
		got, err := ParseType(ty.String())
		if err != nil || got != ty {
			t.Errorf("%s: got: %s %v", ty, got, err)
		}
	}
	if _, err := ParseType("unknown"); err == nil {
		t.Errorf("want error")
	}
	st := Halted(HaltReason{Kind: HaltBreakpoint, Cause: BreakSemihosting, Semihosting: 0x18})
	if got, want := st.String(), "halted: breakpoint (semihosting 0x18)"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
