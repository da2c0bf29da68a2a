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
	"fmt"

	"github.com/golang/glog"

	"github.com/mongoose-os/probekit/core"
)

// Doc: ARMv7-M Architecture Reference Manual, ARMv8-M Architecture Reference
// Manual, ARMv6-M Architecture Reference Manual.

const (
	RegCPUID uint32 = 0xE000ED00
	RegICSR         = 0xE000ED04
	RegVTOR         = 0xE000ED08
	RegAIRCR        = 0xE000ED0C
	RegCFSR         = 0xE000ED28
	RegHFSR         = 0xE000ED2C
	RegDFSR         = 0xE000ED30
	RegMMFAR        = 0xE000ED34
	RegBFAR         = 0xE000ED38
	RegCPACR        = 0xE000ED88
	RegDHCSR        = 0xE000EDF0
	RegDCRSR        = 0xE000EDF4
	RegDCRDR        = 0xE000EDF8
	RegDEMCR        = 0xE000EDFC
	RegMVFR0        = 0xE000EF40
	RegPID0         = 0xE000EFE0

	RegFPCtrl = 0xE0002000
	RegFPComp = 0xE0002008

	AIRCRKey         = 0x05FA0000
	AIRCRSysResetReq = 1 << 2
	AIRCRVectReset   = 1 << 0

	DHCSRKey      = 0xA05F0000
	DHCSRDebugEn  = 1 << 0
	DHCSRHalt     = 1 << 1
	DHCSRStep     = 1 << 2
	DHCSRMaskInts = 1 << 3
	DHCSRRegRdy   = 1 << 16
	DHCSRSHalt    = 1 << 17
	DHCSRSSleep   = 1 << 18
	DHCSRSLockup  = 1 << 19
	DHCSRSRetire  = 1 << 24
	DHCSRSReset   = 1 << 25

	DCRSRWrite = 1 << 16

	DEMCRVCCoreReset = 1 << 0
	DEMCRVCMMErr     = 1 << 4
	DEMCRVCNoCPErr   = 1 << 5
	DEMCRVCChkErr    = 1 << 6
	DEMCRVCStatErr   = 1 << 7
	DEMCRVCBusErr    = 1 << 8
	DEMCRVCIntErr    = 1 << 9
	DEMCRVCHardErr   = 1 << 10
	DEMCRTrcEna      = 1 << 24

	DFSRHalted   = 1 << 0
	DFSRBkpt     = 1 << 1
	DFSRDWTTrap  = 1 << 2
	DFSRVCatch   = 1 << 3
	DFSRExternal = 1 << 4
	DFSRAll      = 0x1f

	FPCtrlEnable = 1 << 0
	FPCtrlKey    = 1 << 1
)

const (
	RegSP    core.RegID = 13
	RegLR    core.RegID = 14
	RegPC    core.RegID = 15
	RegXPSR  core.RegID = 0x10
	RegMSP   core.RegID = 0x11
	RegPSP   core.RegID = 0x12
	// RegCFBP packs CONTROL, FAULTMASK, BASEPRI and PRIMASK.
	RegCFBP  core.RegID = 0x14
	RegFPSCR core.RegID = 0x21
	RegS0    core.RegID = 0x40
)

func isFPReg(id core.RegID) bool {
	return id == RegFPSCR || (id >= RegS0 && id < RegS0+32)
}

func baseRegs() []core.Register {
	var regs []core.Register
	for i := 0; i < 13; i++ {
		r := core.Register{Name: fmt.Sprintf("r%d", i), ID: core.RegID(i), Bits: 32}
		if i < 4 {
			r.Role, r.Arg = core.RoleArg, i
		}
		if i == 7 {
			r.Role = core.RoleFP
		}
		regs = append(regs, r)
	}
	return append(regs,
		core.Register{Name: "sp", ID: RegSP, Bits: 32, Role: core.RoleSP},
		core.Register{Name: "lr", ID: RegLR, Bits: 32, Role: core.RoleLR},
		core.Register{Name: "pc", ID: RegPC, Bits: 32, Role: core.RolePC},
		core.Register{Name: "xpsr", ID: RegXPSR, Bits: 32, Role: core.RolePSR},
		core.Register{Name: "msp", ID: RegMSP, Bits: 32},
		core.Register{Name: "psp", ID: RegPSP, Bits: 32},
		core.Register{Name: "cfbp", ID: RegCFBP, Bits: 32},
	)
}

// RegisterFile returns the registers of a Cortex-M core, with the FP
// extension registers when fpu is set.
func RegisterFile(fpu bool) *core.RegisterFile {
	regs := baseRegs()
	if fpu {
		regs = append(regs, core.Register{Name: "fpscr", ID: RegFPSCR, Bits: 32})
		for i := 0; i < 32; i++ {
			regs = append(regs, core.Register{Name: fmt.Sprintf("s%d", i), ID: RegS0 + core.RegID(i), Bits: 32})
		}
	}
	return &core.RegisterFile{Regs: regs}
}

// CoreType derives the architecture from CPUID.PARTNO.
func CoreType(cpuid uint32) core.Type {
	switch (cpuid >> 4) & 0xfff {
	case 0xc20, 0xc60, 0xc21:
		return core.Armv6m
	case 0xc23:
		return core.Armv7m
	case 0xc24, 0xc27:
		return core.Armv7em
	case 0xd20, 0xd21, 0xd22, 0xd23, 0xd31:
		return core.Armv8m
	}
	return core.TypeUnknown
}

func TargetName(cpuid uint32, fpu bool) string {
	glog.V(1).Infof("CPUID: 0x%08x, FPU: %t", cpuid, fpu)
	vendorno := cpuid >> 24
	vendor := ""
	switch vendorno {
	case 0x41:
		vendor = "ARM"
	default:
		vendor = fmt.Sprintf("0x%02x", vendorno)
	}
	patch := cpuid & 0xf
	partno := (cpuid >> 4) & 0xfff
	rev := (cpuid >> 20) & 0xf
	part := ""
	switch partno {
	case 0xc20:
		part = "Cortex-M0"
	case 0xc60:
		part = "Cortex-M0+"
	case 0xc21:
		part = "Cortex-M1"
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	case 0xd20:
		part = "Cortex-M23"
	case 0xd21:
		part = "Cortex-M33"
	case 0xd31:
		part = "Cortex-M35P"
	case 0xd22:
		part = "Cortex-M55"
	case 0xd23:
		part = "Cortex-M85"
	default:
		part = fmt.Sprintf("part 0x%03x", partno)
	}
	f := ""
	if fpu {
		f = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, f, rev, patch)
}
