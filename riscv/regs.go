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

package riscv

import (
	"fmt"

	"github.com/mongoose-os/probekit/core"
)

// JTAG DTM instructions and dtmcs fields.
const (
	IRIDCode = 0x01
	IRDTMCS  = 0x10
	IRDMI    = 0x11
	IRLen    = 5

	dtmcsVersionMask  = 0xf
	dtmcsAbitsShift   = 4
	dtmcsAbitsMask    = 0x3f
	dtmcsIdleShift    = 12
	dtmcsIdleMask     = 0x7
	dtmcsDMIReset     = 1 << 16
	dtmcsDMIHardReset = 1 << 17

	dmiOpNop   = 0
	dmiOpRead  = 1
	dmiOpWrite = 2

	dmiStatusOK     = 0
	dmiStatusFailed = 2
	dmiStatusBusy   = 3
)

// Debug Module register addresses.
const (
	DMData0        = 0x04
	DMControl      = 0x10
	DMStatus       = 0x11
	DMHartInfo     = 0x12
	DMAbstractCS   = 0x16
	DMCommand      = 0x17
	DMAbstractAuto = 0x18
	DMProgBuf0     = 0x20
	DMSBCS         = 0x38
	DMSBAddress0   = 0x39
	DMSBAddress1   = 0x3a
	DMSBData0      = 0x3c
	DMSBData1      = 0x3d
	DMHaltSum0     = 0x40
)

const (
	ctlHaltReq         = 1 << 31
	ctlResumeReq       = 1 << 30
	ctlHartReset       = 1 << 29
	ctlAckHaveReset    = 1 << 28
	ctlHartSelLoShift  = 16
	ctlHartSelHiShift  = 6
	ctlSetResetHaltReq = 1 << 3
	ctlClrResetHaltReq = 1 << 2
	ctlNDMReset        = 1 << 1
	ctlDMActive        = 1 << 0

	statImpEBreak       = 1 << 22
	statAllHaveReset    = 1 << 19
	statAllResumeAck    = 1 << 17
	statAnyNonexistent  = 1 << 14
	statAllUnavail      = 1 << 13
	statAllRunning      = 1 << 11
	statAllHalted       = 1 << 9
	statAuthenticated   = 1 << 7
	statHasResetHaltReq = 1 << 5
	statVersionMask     = 0xf

	acsProgBufSizeShift = 24
	acsProgBufSizeMask  = 0x1f
	acsBusy             = 1 << 12
	acsCmdErrShift      = 8
	acsCmdErrMask       = 0x7
	acsDataCountMask    = 0xf
)

// Debug Module versions in dmstatus.version.
const (
	dmVersion013 = 2
	dmVersion10  = 3
)

// Access Register abstract command fields.
const (
	cmdAarSizeShift = 20
	cmdPostExec     = 1 << 18
	cmdTransfer     = 1 << 17
	cmdWrite        = 1 << 16

	aarSize32 = 2
	aarSize64 = 3
)

// Abstract command errors in abstractcs.cmderr.
const (
	cmdErrNone         = 0
	cmdErrBusy         = 1
	cmdErrNotSupported = 2
	cmdErrException    = 3
	cmdErrHaltResume   = 4
	cmdErrBus          = 5
	cmdErrOther        = 7
)

var cmdErrNames = map[uint32]string{
	cmdErrBusy:         "busy",
	cmdErrNotSupported: "not supported",
	cmdErrException:    "exception",
	cmdErrHaltResume:   "halt/resume",
	cmdErrBus:          "bus",
	cmdErrOther:        "other",
}

// System bus access control.
const (
	sbcsVersionShift  = 29
	sbcsBusyError     = 1 << 22
	sbcsBusy          = 1 << 21
	sbcsReadOnAddr    = 1 << 20
	sbcsAccessShift   = 17
	sbcsAutoIncrement = 1 << 16
	sbcsReadOnData    = 1 << 15
	sbcsErrorShift    = 12
	sbcsErrorMask     = 0x7
	sbcsAccess8       = 1 << 0
	sbcsAccess16      = 1 << 1
	sbcsAccess32      = 1 << 2
	sbcsAccess64      = 1 << 3
	sbcsErrorW1C      = sbcsErrorMask << sbcsErrorShift

	sbVersion1 = 1
)

// CSR numbers used by the debugger.
const (
	CSRMisa    = 0x301
	CSRTSelect = 0x7a0
	CSRTData1  = 0x7a1
	CSRTData2  = 0x7a2
	CSRTInfo   = 0x7a4
	CSRDCSR    = 0x7b0
	CSRDPC     = 0x7b1
)

const (
	dcsrEBreakM    = 1 << 15
	dcsrEBreakS    = 1 << 13
	dcsrEBreakU    = 1 << 12
	dcsrStepIE     = 1 << 11
	dcsrCauseShift = 6
	dcsrCauseMask  = 0x7
	dcsrStep       = 1 << 2

	causeEBreak       = 1
	causeTrigger      = 2
	causeHaltReq      = 3
	causeStep         = 4
	causeResetHaltReq = 5
	causeGroup        = 6
)

// mcontrol trigger bits below the type and dmode fields, which sit at
// XLEN-4 and XLEN-5.
const (
	triggerTypeMControl  = 2
	triggerTypeMControl6 = 6

	mcontrolActionDebug = 1 << 12
	mcontrolM           = 1 << 6
	mcontrolS           = 1 << 4
	mcontrolU           = 1 << 3
	mcontrolExecute     = 1 << 2
)

// Program buffer instructions. s0 holds the address and s1 the data.
const (
	insnLwS1S0  = 0x00042483
	insnSwS1S0  = 0x00942023
	insnEBreak  = 0x00100073
	insnCEBreak = 0x9002

	// Semihosting marker around an EBREAK.
	insnSlliX0 = 0x01f01013
	insnSraiX0 = 0x40705013
)

// Register numbers follow the abstract command regno space.
const (
	RegGPR0 core.RegID = 0x1000
	RegFPR0 core.RegID = 0x1020
)

const (
	RegRA   = RegGPR0 + 1
	RegSP   = RegGPR0 + 2
	RegS0   = RegGPR0 + 8
	RegS1   = RegGPR0 + 9
	RegA0   = RegGPR0 + 10
	RegPC   = core.RegID(CSRDPC)
	RegMisa = core.RegID(CSRMisa)
)

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// registerFile describes the integer registers and pc, plus f0-f31 when the
// hart has a floating point unit.
func registerFile(xlen int, fpr bool) *core.RegisterFile {
	f := &core.RegisterFile{}
	for i := 0; i < 32; i++ {
		r := core.Register{Name: abiNames[i], ID: RegGPR0 + core.RegID(i), Bits: xlen}
		switch {
		case i == 1:
			r.Role = core.RoleLR
		case i == 2:
			r.Role = core.RoleSP
		case i == 8:
			r.Role = core.RoleFP
		case i >= 10 && i < 18:
			r.Role, r.Arg = core.RoleArg, i-10
		}
		f.Regs = append(f.Regs, r)
	}
	f.Regs = append(f.Regs, core.Register{Name: "pc", ID: RegPC, Bits: xlen, Role: core.RolePC})
	if fpr {
		for i := 0; i < 32; i++ {
			f.Regs = append(f.Regs, core.Register{Name: fmt.Sprintf("f%d", i), ID: RegFPR0 + core.RegID(i), Bits: xlen})
		}
	}
	return f
}
