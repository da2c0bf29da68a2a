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

// Package core defines the architecture-neutral view of a CPU under debug:
// its type, run state and halt reasons, register descriptions, and the Core
// handle that adds breakpoint bookkeeping on top of an architecture
// controller.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/mongoose-os/probekit/memory"
)

type Type int

const (
	TypeUnknown Type = iota
	Armv6m
	Armv7m
	Armv7em
	Armv8m
	Armv7a
	Armv8a
	Riscv
	Xtensa
)

var typeNames = map[Type]string{
	TypeUnknown: "unknown",
	Armv6m:      "armv6m",
	Armv7m:      "armv7m",
	Armv7em:     "armv7em",
	Armv8m:      "armv8m",
	Armv7a:      "armv7a",
	Armv8a:      "armv8a",
	Riscv:       "riscv",
	Xtensa:      "xtensa",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s && t != TypeUnknown {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown core type %q", s)
}

// IsCortexM reports the M-profile ARM types.
func (t Type) IsCortexM() bool {
	switch t {
	case Armv6m, Armv7m, Armv7em, Armv8m:
		return true
	}
	return false
}

func (t Type) IsARM() bool {
	return t.IsCortexM() || t == Armv7a || t == Armv8a
}

type State int

const (
	StateUnknown State = iota
	StateRunning
	StateHalted
	StateLockedUp
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateLockedUp:
		return "locked up"
	case StateSleeping:
		return "sleeping"
	}
	return "unknown"
}

type HaltKind int

const (
	HaltUnknown HaltKind = iota
	HaltRequest
	HaltStep
	HaltBreakpoint
	HaltVectorCatch
	HaltException
	HaltWatchpoint
	HaltExternal
	HaltLockedUp
	// HaltMultiple is reported when several causes are pending, such as a
	// step that lands on a breakpoint.
	HaltMultiple
)

var haltKindNames = map[HaltKind]string{
	HaltUnknown:     "unknown",
	HaltRequest:     "request",
	HaltStep:        "step",
	HaltBreakpoint:  "breakpoint",
	HaltVectorCatch: "vector catch",
	HaltException:   "exception",
	HaltWatchpoint:  "watchpoint",
	HaltExternal:    "external",
	HaltLockedUp:    "locked up",
	HaltMultiple:    "multiple",
}

func (k HaltKind) String() string {
	return haltKindNames[k]
}

type BreakCause int

const (
	BreakUnknown BreakCause = iota
	BreakHardware
	BreakSoftware
	BreakSemihosting
)

func (c BreakCause) String() string {
	switch c {
	case BreakHardware:
		return "hardware"
	case BreakSoftware:
		return "software"
	case BreakSemihosting:
		return "semihosting"
	}
	return "unknown"
}

// Exception numbers reported with HaltException.
const (
	ExceptionHardFault = 3
)

type HaltReason struct {
	Kind HaltKind
	// Cause refines HaltBreakpoint.
	Cause BreakCause
	// Semihosting is the operation number in R0 for BreakSemihosting.
	Semihosting uint32
	// Exception is the exception number for HaltException.
	Exception uint32
	// Desc is a human readable account of a fault.
	Desc string
}

func (r HaltReason) String() string {
	switch r.Kind {
	case HaltBreakpoint:
		if r.Cause == BreakSemihosting {
			return fmt.Sprintf("breakpoint (semihosting 0x%x)", r.Semihosting)
		}
		return fmt.Sprintf("breakpoint (%s)", r.Cause)
	case HaltException:
		if r.Desc != "" {
			return fmt.Sprintf("exception %d: %s", r.Exception, r.Desc)
		}
		return fmt.Sprintf("exception %d", r.Exception)
	}
	return r.Kind.String()
}

// Status is the run state of a core. Reason is meaningful when halted.
type Status struct {
	State  State
	Reason HaltReason
}

var Running = Status{State: StateRunning}

func Halted(r HaltReason) Status {
	return Status{State: StateHalted, Reason: r}
}

func (s Status) IsHalted() bool {
	return s.State == StateHalted
}

func (s Status) String() string {
	if s.IsHalted() {
		return fmt.Sprintf("halted: %s", s.Reason)
	}
	return s.State.String()
}

// Controller is what an architecture implementation provides. Register
// operations may assume the core is halted; Core checks it.
type Controller interface {
	Type() Type
	Registers() *RegisterFile
	Memory() *memory.Memory

	Status(ctx context.Context) (Status, error)
	Halt(ctx context.Context, timeout time.Duration) error
	Run(ctx context.Context) error
	// Step executes one instruction. When maskInts is set interrupts stay
	// pending during the step.
	Step(ctx context.Context, maskInts bool) error
	WaitHalted(ctx context.Context, timeout time.Duration) error
	// Reset resets the core, halting it on the first instruction when halt
	// is set.
	Reset(ctx context.Context, halt bool, timeout time.Duration) error

	ReadReg(ctx context.Context, id RegID) (uint64, error)
	WriteReg(ctx context.Context, id RegID, v uint64) error

	NumBreakpointUnits(ctx context.Context) (int, error)
	EnableBreakpoints(ctx context.Context, on bool) error
	SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error
	ClearHWBreakpoint(ctx context.Context, unit int) error
	// SoftwareBreakpoint is the instruction encoding used for software
	// breakpoints at addr.
	SoftwareBreakpoint(addr uint64) []byte
}

// ExceptionFrame is the context of the code an exception interrupted, as
// recovered from the frame stacked on exception entry.
type ExceptionFrame struct {
	// ExcReturn is the EXC_RETURN value found in LR.
	ExcReturn uint32
	// Extended is set when the frame includes FP state.
	Extended  bool
	// FrameSP is where the frame was stacked.
	FrameSP   uint32
	// Regs holds the stacked registers and the SP of the interrupted code.
	Regs      Values
}

// Unwinder is implemented by controllers that can decode the exception
// frame of a core halted in a handler. Unwind returns false when the core
// is not in one.
type Unwinder interface {
	Unwind(ctx context.Context) (*ExceptionFrame, bool, error)
}

// Stopper is implemented by controllers that tear down their own debug
// setup when the session ends, instead of the target's DebugCoreStop.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Sequence is the part of a target debug sequence that controllers call
// into around core start and reset.
type Sequence interface {
	DebugCoreStart(ctx context.Context, mem *memory.Memory, t Type, debugBase, ctiBase uint64) error
	DebugCoreStop(ctx context.Context, mem *memory.Memory, t Type) error
	ResetCatchSet(ctx context.Context, mem *memory.Memory, t Type, debugBase uint64) error
	ResetCatchClear(ctx context.Context, mem *memory.Memory, t Type, debugBase uint64) error
	ResetSystem(ctx context.Context, mem *memory.Memory, t Type, debugBase uint64) error
}
