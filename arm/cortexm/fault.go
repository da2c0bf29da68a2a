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

package cortexm

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
)

// FaultStatus is a snapshot of the configurable and HardFault status
// registers with the fault address registers when valid.
type FaultStatus struct {
	CFSR  uint32
	HFSR  uint32
	MMFAR uint32
	BFAR  uint32
}

type faultBit struct {
	bit  uint32
	name string
}

var cfsrBits = []faultBit{
	{1 << 0, "instruction access violation"},
	{1 << 1, "data access violation"},
	{1 << 3, "MemManage fault on exception return unstacking"},
	{1 << 4, "MemManage fault on exception entry stacking"},
	{1 << 5, "MemManage fault during FP lazy state preservation"},
	{1 << 8, "instruction bus error"},
	{1 << 9, "precise data bus error"},
	{1 << 10, "imprecise data bus error"},
	{1 << 11, "bus fault on exception return unstacking"},
	{1 << 12, "bus fault on exception entry stacking"},
	{1 << 13, "bus fault during FP lazy state preservation"},
	{1 << 16, "undefined instruction"},
	{1 << 17, "invalid state"},
	{1 << 18, "invalid PC load"},
	{1 << 19, "no coprocessor"},
	{1 << 20, "stack overflow"},
	{1 << 24, "unaligned access"},
	{1 << 25, "divide by zero"},
}

var hfsrBits = []faultBit{
	{1 << 1, "vector table read fault"},
	{1 << 30, "forced"},
	{1 << 31, "debug event"},
}

const (
	cfsrMMARValid = 1 << 7
	cfsrBFARValid = 1 << 15
)

func (c *Controller) ReadFaultStatus(ctx context.Context) (FaultStatus, error) {
	var f FaultStatus
	var err error
	if f.CFSR, err = c.mem.Read32(ctx, RegCFSR); err != nil {
		return f, errors.Annotatef(err, "failed to get CFSR")
	}
	if f.HFSR, err = c.mem.Read32(ctx, RegHFSR); err != nil {
		return f, errors.Annotatef(err, "failed to get HFSR")
	}
	if f.CFSR&cfsrMMARValid != 0 {
		if f.MMFAR, err = c.mem.Read32(ctx, RegMMFAR); err != nil {
			return f, errors.Annotatef(err, "failed to get MMFAR")
		}
	}
	if f.CFSR&cfsrBFARValid != 0 {
		if f.BFAR, err = c.mem.Read32(ctx, RegBFAR); err != nil {
			return f, errors.Annotatef(err, "failed to get BFAR")
		}
	}
	return f, nil
}

// ClearFaultStatus writes back the set bits, which clears them.
func (c *Controller) ClearFaultStatus(ctx context.Context, f FaultStatus) error {
	if err := c.mem.Write32(ctx, RegCFSR, f.CFSR); err != nil {
		return errors.Annotatef(err, "failed to clear CFSR")
	}
	return errors.Annotatef(c.mem.Write32(ctx, RegHFSR, f.HFSR), "failed to clear HFSR")
}

func (f FaultStatus) HardFault() bool {
	return f.HFSR != 0 || f.CFSR != 0
}

func (f FaultStatus) String() string {
	var parts []string
	for _, b := range hfsrBits {
		if f.HFSR&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	for _, b := range cfsrBits {
		if f.CFSR&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if f.CFSR&cfsrMMARValid != 0 {
		parts = append(parts, fmt.Sprintf("MMFAR 0x%08x", f.MMFAR))
	}
	if f.CFSR&cfsrBFARValid != 0 {
		parts = append(parts, fmt.Sprintf("BFAR 0x%08x", f.BFAR))
	}
	if len(parts) == 0 {
		return "HardFault"
	}
	return "HardFault: " + strings.Join(parts, ", ")
}

const (
	basicFrameSize    = 8 * 4
	extendedFrameSize = 26 * 4
	xpsrStackAlign    = 1 << 9
)

// IsExcReturn reports an EXC_RETURN marker. 0xFFFFFFFF is the reset value
// of LR, not a marker.
func IsExcReturn(lr uint32) bool {
	return lr>>28 == 0xf && lr != 0xffffffff
}

// Unwind decodes the exception frame of a core halted inside a handler.
// It returns false when LR holds no EXC_RETURN value. The frame holds R0-R3,
// R12, LR, PC, xPSR and SP of the interrupted code.
func (c *Controller) Unwind(ctx context.Context) (*core.ExceptionFrame, bool, error) {
	lr, err := c.readReg(ctx, RegLR)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if !IsExcReturn(lr) {
		return nil, false, nil
	}
	spReg := RegMSP
	if lr&(1<<2) != 0 {
		spReg = RegPSP
	}
	sp, err := c.readReg(ctx, spReg)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	words := make([]uint32, 8)
	if err := c.mem.ReadBlock32(ctx, uint64(sp), words); err != nil {
		return nil, false, errors.Annotatef(err, "reading exception frame at 0x%08x", sp)
	}
	f := &core.ExceptionFrame{ExcReturn: lr, Extended: lr&(1<<4) == 0, FrameSP: sp, Regs: core.Values{}}
	for i, id := range []core.RegID{0, 1, 2, 3, 12, RegLR, RegPC, RegXPSR} {
		f.Regs[id] = uint64(words[i])
	}
	size := uint32(basicFrameSize)
	if f.Extended {
		size = extendedFrameSize
	}
	callerSP := sp + size
	if words[7]&xpsrStackAlign != 0 {
		callerSP += 4
	}
	f.Regs[RegSP] = uint64(callerSP)
	return f, true, nil
}
