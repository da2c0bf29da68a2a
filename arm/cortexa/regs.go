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

package cortexa

import (
	"fmt"

	"github.com/mongoose-os/probekit/core"
)

// Debug register offsets from the core debug base. The v7-A and v8-A
// external debug interfaces share the DCC and ITR layout.
const (
	RegDIDR  = 0x000
	RegEDECR = 0x024
	RegDSCCR = 0x028
	RegDSMCR = 0x02c
	RegDTRRX = 0x080
	RegITR   = 0x084
	RegDSCR  = 0x088
	RegDTRTX = 0x08c
	RegDRCR  = 0x090
	RegOSLAR = 0x300
	RegPRCR  = 0x310
	RegPRSR  = 0x314
	RegEDDFR = 0xd28
	RegLAR   = 0xfb0

	// v7-A breakpoint pairs are 4 bytes apart, v8-A pairs 16.
	RegV7BVR = 0x100
	RegV7BCR = 0x140
	RegV8BVR = 0x400
	RegV8BCR = 0x408

	LARKey = 0xc5acce55
)

// DBGDSCR (v7-A) and EDSCR (v8-A) bits.
const (
	DSCRHalted     = 1 << 0
	DSCRRestarted  = 1 << 1
	DSCRSDAbort    = 1 << 6
	DSCRADAbort    = 1 << 7
	DSCRUnd        = 1 << 8
	DSCRITREn      = 1 << 13
	DSCRHDBGEn     = 1 << 14
	DSCRInstrCompl = 1 << 24
	DSCRTXFullL    = 1 << 26
	DSCRRXFullL    = 1 << 27
	DSCRTXFull     = 1 << 29
	DSCRRXFull     = 1 << 30

	EDSCRStatusMask = 0x3f
	EDSCRErr        = 1 << 6
	EDSCRHDE        = 1 << 14
	EDSCRITE        = 1 << 24
	EDSCRRWShift    = 10
)

const (
	DRCRHaltReq   = 1 << 0
	DRCRRestart   = 1 << 1
	DRCRClrSticky = 1 << 2

	EDECRRCE = 1 << 1
	EDECRSS  = 1 << 2

	PRCRCoreWarmReset = 1 << 1
	PRCRHoldWarmReset = 1 << 2

	PRSRStickyReset   = 1 << 3
	PRSRHalted        = 1 << 4
	PRSRStickyRestart = 1 << 11
)

// EDSCR.STATUS values.
const (
	statusRestarting     = 0x01
	statusNonDebug       = 0x02
	statusBreakpoint     = 0x07
	statusExtDebugReq    = 0x13
	statusStepNormal     = 0x1b
	statusStepExclusive  = 0x1f
	statusOSUnlock       = 0x23
	statusResetCatch     = 0x27
	statusWatchpoint     = 0x2b
	statusHLT            = 0x2f
	statusSoftwareAccess = 0x33
	statusExceptionCatch = 0x37
	statusStepNoSyndrome = 0x3b
)

// CTI register offsets from the CTI base.
const (
	RegCTIControl   = 0x000
	RegCTIIntAck    = 0x010
	RegCTIAppPulse  = 0x01c
	RegCTIOutEn     = 0x0a0
	RegCTITrigOutSt = 0x134
	RegCTIGate      = 0x140

	ctiHaltChannel   = 0
	ctiResumeChannel = 1
)

// Breakpoint control: enable, all modes, all byte lanes.
const (
	bcrEnable   = 1 << 0
	bcrPMCAll   = 3 << 1
	bcrHMC      = 1 << 13
	bcrBASShift = 5
	bcrMismatch = 4 << 20
)

func bcrValue(addr uint64) uint32 {
	bas := uint32(0xf)
	switch addr & 3 {
	case 2:
		bas = 0xc
	case 1:
		bas = 0x3
	}
	return bcrEnable | bcrPMCAll | bcrHMC | bas<<bcrBASShift
}

// Instruction encodings issued through ITR. MCR and MRC have the same bit
// pattern in A32 (condition AL) and T32.

func mcr(cp, opc1, rt, crn, crm, opc2 uint32) uint32 {
	return 0xee000010 | opc1<<21 | crn<<16 | rt<<12 | cp<<8 | opc2<<5 | crm
}

func mrc(cp, opc1, rt, crn, crm, opc2 uint32) uint32 {
	return mcr(cp, opc1, rt, crn, crm, opc2) | 1<<20
}

// Rt to DTRTX.
func insnToDTR(rt uint32) uint32 {
	return mcr(14, 0, rt, 0, 5, 0)
}

// DTRRX to Rt.
func insnFromDTR(rt uint32) uint32 {
	return mrc(14, 0, rt, 0, 5, 0)
}

// AArch64 MSR DBGDTR_EL0, Xt.
func insnMsrDTRX(rt uint32) uint32 {
	return 0xd5130400 | rt
}

// AArch64 MRS Xt, DBGDTR_EL0.
func insnMrsXDTR(rt uint32) uint32 {
	return 0xd5330400 | rt
}

const (
	// v7-A A32.
	insnMovR0PC   = 0xe1a0000f
	insnMovPCR0   = 0xe1a0f000
	insnMrsR0CPSR = 0xe10f0000
	insnMsrCPSRR0 = 0xe12ff000

	// v8-A AArch64.
	insnMrsX0DLR   = 0xd53b4520
	insnMsrDLRX0   = 0xd51b4520
	insnMrsX0DSPSR = 0xd53b4500
	insnMsrDSPSRX0 = 0xd51b4500
	insnMovX0SP    = 0x910003e0
	insnMovSPX0    = 0x9100001f
)

// v8-A AArch32: DLR and DSPSR through CP15.
var (
	insnReadDLR    = mrc(15, 3, 0, 4, 5, 1)
	insnWriteDLR   = mcr(15, 3, 0, 4, 5, 1)
	insnReadDSPSR  = mrc(15, 3, 0, 4, 5, 0)
	insnWriteDSPSR = mcr(15, 3, 0, 4, 5, 0)
)

// swapT32 puts a 32-bit T32 instruction into ITR halfword order.
func swapT32(insn uint32) uint32 {
	return insn<<16 | insn>>16
}

// AArch32 register numbering.
const (
	RegSP   core.RegID = 13
	RegLR   core.RegID = 14
	RegPC   core.RegID = 15
	RegCPSR core.RegID = 16
)

// AArch64 register numbering.
const (
	RegX30    core.RegID = 30
	RegSP64   core.RegID = 31
	RegPC64   core.RegID = 32
	RegPState core.RegID = 33
)

const cpsrThumb = 1 << 5

var aarch32Regs = func() *core.RegisterFile {
	f := &core.RegisterFile{}
	for i := 0; i < 13; i++ {
		r := core.Register{Name: fmt.Sprintf("r%d", i), ID: core.RegID(i), Bits: 32}
		switch {
		case i < 4:
			r.Role, r.Arg = core.RoleArg, i
		case i == 11:
			r.Role = core.RoleFP
		}
		f.Regs = append(f.Regs, r)
	}
	f.Regs = append(f.Regs,
		core.Register{Name: "sp", ID: RegSP, Bits: 32, Role: core.RoleSP},
		core.Register{Name: "lr", ID: RegLR, Bits: 32, Role: core.RoleLR},
		core.Register{Name: "pc", ID: RegPC, Bits: 32, Role: core.RolePC},
		core.Register{Name: "cpsr", ID: RegCPSR, Bits: 32, Role: core.RolePSR},
	)
	return f
}()

var aarch64Regs = func() *core.RegisterFile {
	f := &core.RegisterFile{}
	for i := 0; i < 31; i++ {
		r := core.Register{Name: fmt.Sprintf("x%d", i), ID: core.RegID(i), Bits: 64}
		switch {
		case i < 8:
			r.Role, r.Arg = core.RoleArg, i
		case i == 29:
			r.Role = core.RoleFP
		case i == 30:
			r.Role = core.RoleLR
		}
		f.Regs = append(f.Regs, r)
	}
	f.Regs = append(f.Regs,
		core.Register{Name: "sp", ID: RegSP64, Bits: 64, Role: core.RoleSP},
		core.Register{Name: "pc", ID: RegPC64, Bits: 64, Role: core.RolePC},
		core.Register{Name: "pstate", ID: RegPState, Bits: 32, Role: core.RolePSR},
	)
	return f
}()
