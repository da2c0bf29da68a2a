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
	"fmt"

	"github.com/mongoose-os/probekit/core"
)

// TAP instructions.
const (
	IRPwrCtl  = 0x08
	IRPwrStat = 0x09
	IRNARSel  = 0x1c
	IRIDCode  = 0x1e
	IRLen     = 5
)

// NAR addresses of the OCD registers.
const (
	NAROCDID    = 0x40
	NARDCRClr   = 0x42
	NARDCRSet   = 0x43
	NARDSR      = 0x44
	NARDDR      = 0x45
	NARDDRExec  = 0x46
	NARDIR0Exec = 0x47
	NARDIR0     = 0x48
)

const (
	narLen = 8
	ndrLen = 32
)

// PWRCTL bits.
const (
	pwrJTAGDebugUse = 1 << 7
	pwrDebugReset   = 1 << 6
	pwrCoreReset    = 1 << 4
	pwrDebugWakeup  = 1 << 2
	pwrMemWakeup    = 1 << 1
	pwrCoreWakeup   = 1 << 0

	pwrWakeup = pwrDebugWakeup | pwrMemWakeup | pwrCoreWakeup
)

// PWRSTAT bits. The WasReset bits are cleared by writing ones.
const (
	pwrStatDebugWasReset   = 1 << 6
	pwrStatCoreWasReset    = 1 << 4
	pwrStatCoreStillNeeded = 1 << 3
	pwrStatDebugDomainOn   = 1 << 2
	pwrStatMemDomainOn     = 1 << 1
	pwrStatCoreDomainOn    = 1 << 0
)

// DCR bits.
const (
	dcrEnableOCD       = 1 << 0
	dcrDebugInterrupt  = 1 << 1
	dcrInterruptAll    = 1 << 2
	dcrBreakInEn       = 1 << 16
	dcrBreakOutEn      = 1 << 17
	dcrDebugSWActive   = 1 << 20
	dcrRunStallInEn    = 1 << 21
	dcrDebugModeOutEn  = 1 << 22
	dcrBreakOutITO     = 1 << 24
	dcrBreakAckITO     = 1 << 25
	dcrDefaultSettings = dcrEnableOCD
)

// DSR bits. The Exec bits are cleared by writing ones.
const (
	dsrExecDone      = 1 << 0
	dsrExecException = 1 << 1
	dsrExecBusy      = 1 << 2
	dsrExecOverrun   = 1 << 3
	dsrStopped       = 1 << 4
	dsrCoreWroteDDR  = 1 << 10
	dsrCoreReadDDR   = 1 << 11
	dsrHostWroteDDR  = 1 << 14
	dsrHostReadDDR   = 1 << 15
	dsrDebugPendBrk  = 1 << 16
	dsrDebugPendHost = 1 << 17
	dsrDebugIntBrk   = 1 << 20
	dsrDebugIntHost  = 1 << 21
	dsrPowerOn       = 1 << 31

	dsrExecW1C = dsrExecDone | dsrExecException | dsrExecOverrun
)

// Special register numbers.
const (
	SRLBeg         = 0
	SRLEnd         = 1
	SRLCount       = 2
	SRSAR          = 3
	SRWindowBase   = 72
	SRWindowStart  = 73
	SRIBreakEnable = 96
	SRDDR          = 104
	SRIBreakA0     = 128
	SRDBreakA0     = 144
	SRDBreakC0     = 160
	SREPC1         = 177
	SREPS2         = 194
	SRExcSave1     = 209
	SRPS           = 230
	SRExcCause     = 232
	SRDebugCause   = 233
	SRCCount       = 234
	SRPRID         = 235
	SRICount       = 236
	SRICountLevel  = 237
	SRExcVAddr     = 238
)

// epc and eps return the EPC and EPS registers of interrupt level n.
func epc(n int) uint8 {
	return uint8(SREPC1 + n - 1)
}

func eps(n int) uint8 {
	return uint8(SREPS2 + n - 2)
}

// DEBUGCAUSE bits.
const (
	causeICount   = 1 << 0
	causeIBreak   = 1 << 1
	causeDBreak   = 1 << 2
	causeBreak    = 1 << 3
	causeBreakN   = 1 << 4
	causeDebugInt = 1 << 5
)

const psIntLevelMask = 0xf

// Instruction encodings, little endian.
func insnRSR(sr uint8, t int) uint32 {
	return 0x030000 | uint32(sr)<<8 | uint32(t&0xf)<<4
}

func insnWSR(sr uint8, t int) uint32 {
	return 0x130000 | uint32(sr)<<8 | uint32(t&0xf)<<4
}

func insnLDDR32P(s int) uint32 {
	return 0x0070e0 | uint32(s&0xf)<<8
}

func insnSDDR32P(s int) uint32 {
	return 0x0070f0 | uint32(s&0xf)<<8
}

func insnROTW(n int) uint32 {
	return 0x408000 | uint32(n&0xf)<<4
}

func insnBreak(s, t int) uint32 {
	return 0x004000 | uint32(s&0xf)<<8 | uint32(t&0xf)<<4
}

const (
	insnRFDO = 0xf1e000
	insnLen  = 3
)

// BREAK 1,14 marks a semihosting call and BREAK 1,15 is used for
// software breakpoints.
var (
	insnSemihosting = insnBreak(1, 14)
	insnSWBreak     = insnBreak(1, 15)
)

// scratch is the address register used to stage special register and
// memory accesses. It is saved and restored around each access.
const scratch = 3

// Register IDs. a0..a15 are the visible window, AR0.. the physical
// address registers and SR0.. the special registers.
const (
	RegA0  core.RegID = 0x000
	RegAR0 core.RegID = 0x100
	RegSR0 core.RegID = 0x200
	RegPC  core.RegID = 0x300
	RegPS  core.RegID = 0x301
)

var namedSRs = []struct {
	name string
	sr   uint8
}{
	{"sar", SRSAR},
	{"lbeg", SRLBeg},
	{"lend", SRLEnd},
	{"lcount", SRLCount},
	{"windowbase", SRWindowBase},
	{"windowstart", SRWindowStart},
	{"exccause", SRExcCause},
	{"excvaddr", SRExcVAddr},
	{"debugcause", SRDebugCause},
}

// registerFile follows the windowed ABI as seen by a called function:
// a0 holds the return address, a1 the stack pointer and a2..a7 the
// arguments.
func registerFile(numAR int) *core.RegisterFile {
	f := &core.RegisterFile{}
	f.Regs = append(f.Regs, core.Register{Name: "pc", ID: RegPC, Bits: 32, Role: core.RolePC})
	for i := 0; i < 16; i++ {
		r := core.Register{Name: fmt.Sprintf("a%d", i), ID: RegA0 + core.RegID(i), Bits: 32}
		switch {
		case i == 0:
			r.Role = core.RoleLR
		case i == 1:
			r.Role = core.RoleSP
		case i >= 2 && i <= 7:
			r.Role, r.Arg = core.RoleArg, i-2
		}
		f.Regs = append(f.Regs, r)
	}
	f.Regs = append(f.Regs, core.Register{Name: "ps", ID: RegPS, Bits: 32, Role: core.RolePSR})
	for _, s := range namedSRs {
		f.Regs = append(f.Regs, core.Register{Name: s.name, ID: RegSR0 + core.RegID(s.sr), Bits: 32})
	}
	for i := 0; i < numAR; i++ {
		f.Regs = append(f.Regs, core.Register{Name: fmt.Sprintf("ar%d", i), ID: RegAR0 + core.RegID(i), Bits: 32})
	}
	return f
}
