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

// Package arm holds the ARM Debug Interface register map shared by the DP,
// AP and core packages: DP register addresses with their banks, AP
// addresses of both ADIv5 (APSEL) and ADIv6 (base address) flavours, and
// the identification register decoders.
package arm

import (
	"fmt"
)

// DPRegister is a DP register: byte address A[3:2] and DPBANKSEL bank.
type DPRegister struct {
	Addr   uint8
	Bank   uint8
	Name   string
	// Banked registers need DPv1 or later.
	Banked bool
	// Since is the DP version that introduced the register.
	Since  int
}

func (r DPRegister) String() string {
	return r.Name
}

var (
	DPIDR     = DPRegister{Addr: 0x0, Name: "DPIDR"}
	DPIDR1    = DPRegister{Addr: 0x0, Bank: 1, Banked: true, Since: 3, Name: "DPIDR1"}
	BASEPTR0  = DPRegister{Addr: 0x0, Bank: 2, Banked: true, Since: 3, Name: "BASEPTR0"}
	BASEPTR1  = DPRegister{Addr: 0x0, Bank: 3, Banked: true, Since: 3, Name: "BASEPTR1"}
	ABORT     = DPRegister{Addr: 0x0, Name: "ABORT"}
	CTRLSTAT  = DPRegister{Addr: 0x4, Name: "CTRL/STAT"}
	DLCR      = DPRegister{Addr: 0x4, Bank: 1, Banked: true, Since: 1, Name: "DLCR"}
	TARGETID  = DPRegister{Addr: 0x4, Bank: 2, Banked: true, Since: 2, Name: "TARGETID"}
	DLPIDR    = DPRegister{Addr: 0x4, Bank: 3, Banked: true, Since: 2, Name: "DLPIDR"}
	EVENTSTAT = DPRegister{Addr: 0x4, Bank: 4, Banked: true, Since: 2, Name: "EVENTSTAT"}
	SELECT1   = DPRegister{Addr: 0x4, Bank: 5, Banked: true, Since: 3, Name: "SELECT1"}
	SELECT    = DPRegister{Addr: 0x8, Name: "SELECT"}
	RDBUFF    = DPRegister{Addr: 0xc, Name: "RDBUFF"}
	TARGETSEL = DPRegister{Addr: 0xc, Name: "TARGETSEL"}
)

// CTRL/STAT bits.
const (
	CtrlOrunDetect   = 1 << 0
	CtrlStickyOrun   = 1 << 1
	CtrlStickyCmp    = 1 << 4
	CtrlStickyErr    = 1 << 5
	CtrlReadOK       = 1 << 6
	CtrlWDataErr     = 1 << 7
	CtrlCDbgRstReq   = 1 << 26
	CtrlCDbgRstAck   = 1 << 27
	CtrlCDbgPwrUpReq = 1 << 28
	CtrlCDbgPwrUpAck = 1 << 29
	CtrlCSysPwrUpReq = 1 << 30
	CtrlCSysPwrUpAck = 1 << 31

	CtrlStickyMask = CtrlStickyOrun | CtrlStickyCmp | CtrlStickyErr | CtrlWDataErr
)

// ABORT bits.
const (
	AbortDAPAbort   = 1 << 0
	AbortStkCmpClr  = 1 << 1
	AbortStkErrClr  = 1 << 2
	AbortWdErrClr   = 1 << 3
	AbortOrunErrClr = 1 << 4

	AbortClearAll = AbortStkCmpClr | AbortStkErrClr | AbortWdErrClr | AbortOrunErrClr
)

// DPIDRValue decodes DPIDR.
type DPIDRValue uint32

type Designer uint16

const DesignerARM Designer = 0x23b

// Designer is the JEP106 code, continuation count in bits 10:7.
func (v DPIDRValue) Designer() Designer {
	return Designer(v >> 1 & 0x7ff)
}

// Version is the DP architecture version: 0 for DPv0 up to 3 for ADIv6.
func (v DPIDRValue) Version() int {
	return int(v >> 12 & 0xf)
}

func (v DPIDRValue) Minimal() bool {
	return v>>16&1 != 0
}

func (v DPIDRValue) PartNo() uint8 {
	return uint8(v >> 20)
}

func (v DPIDRValue) Revision() uint8 {
	return uint8(v >> 28)
}

func (v DPIDRValue) String() string {
	return fmt.Sprintf("DPIDR 0x%08x (designer %s, DPv%d, part 0x%02x, rev %d)",
		uint32(v), v.Designer(), v.Version(), v.PartNo(), v.Revision())
}

func (d Designer) String() string {
	if d == DesignerARM {
		return "ARM"
	}
	return fmt.Sprintf("0x%03x", uint16(d))
}

// APAddress names an access port: by APSEL on ADIv5 or by the base address
// of its register block on ADIv6.
type APAddress struct {
	V2   bool
	Sel  uint8
	Base uint64
}

func APv1(sel uint8) APAddress {
	return APAddress{Sel: sel}
}

func APv2(base uint64) APAddress {
	return APAddress{V2: true, Base: base}
}

func (a APAddress) String() string {
	if a.V2 {
		return fmt.Sprintf("AP@0x%x", a.Base)
	}
	return fmt.Sprintf("AP%d", a.Sel)
}

// APRegister is the ADIv5 register offset of an AP register. ADIv6 APs
// place the same registers 0xD00 higher in their 4 KiB block.
type APRegister uint16

const (
	CSW   APRegister = 0x00
	TAR   APRegister = 0x04
	TAR2  APRegister = 0x08
	DRW   APRegister = 0x0c
	BD0   APRegister = 0x10
	BD1   APRegister = 0x14
	BD2   APRegister = 0x18
	BD3   APRegister = 0x1c
	MBT   APRegister = 0x20
	BASE2 APRegister = 0xf0
	CFG   APRegister = 0xf4
	BASE  APRegister = 0xf8
	IDR   APRegister = 0xfc
)

// APv2Offset is the offset of the ADIv5 register map in an ADIv6 AP.
const APv2Offset = 0xd00

// Offset is the register offset within the AP for address a.
func (r APRegister) Offset(a APAddress) uint64 {
	if a.V2 {
		return uint64(r) + APv2Offset
	}
	return uint64(r)
}

func (r APRegister) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case TAR2:
		return "TAR2"
	case DRW:
		return "DRW"
	case BD0, BD1, BD2, BD3:
		return fmt.Sprintf("BD%d", (r-BD0)/4)
	case MBT:
		return "MBT"
	case BASE2:
		return "BASE2"
	case CFG:
		return "CFG"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint16(r))
}
