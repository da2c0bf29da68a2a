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

const (
	testIDCode  = 0x120034e5
	testOCDID   = 0x1ff00100
	ramBase     = 0x3ffb0000
	ramSize     = 0x1000
	resetVector = ramBase
	// resetReg resets the core when bit 31 is written, like the RTC
	// software reset.
	resetReg    = 0x3ff48000
	debugLevel  = 6
	numAR       = 64
)

// fakeXDM is an Xtensa TAP with OCD and a core that executes one
// instruction per NAR scan while running. Every instruction is three bytes
// long and only BREAK has an effect.
type fakeXDM struct {
	ocdid uint32

	ndr   bool
	nar   uint8
	write bool

	pwrctl  uint8
	pwrstat uint8
	inReset bool

	// resetPending takes effect at the next PWRSTAT scan.
	resetPending bool
	resets       int

	dcr  uint32
	dsr  uint32
	ddr  uint32
	dir0 uint32

	stopped bool
	ar      [numAR]uint32
	wb      uint32
	sr      map[uint8]uint32
	pc      uint32

	ram [ramSize]byte
}

func newFakeXDM() *fakeXDM {
	return &fakeXDM{ocdid: testOCDID, sr: map[uint8]uint32{}, pc: ramBase + 0x100}
}

func (f *fakeXDM) IRLen() int     { return IRLen }
func (f *fakeXDM) IDCode() uint32 { return testIDCode }

func (f *fakeXDM) DRLen(ir uint32) int {
	switch ir {
	case IRIDCode:
		return 32
	case IRPwrCtl, IRPwrStat:
		return 8
	case IRNARSel:
		if f.ndr {
			return ndrLen
		}
		return narLen
	}
	return 0
}

func (f *fakeXDM) CaptureDR(ir uint32) uint64 {
	switch ir {
	case IRIDCode:
		return testIDCode
	case IRPwrCtl:
		return uint64(f.pwrctl)
	case IRPwrStat:
		if f.resetPending {
			f.resetPending = false
			f.reset()
		}
		return uint64(f.powerStatus())
	case IRNARSel:
		if f.ndr && !f.write {
			return uint64(f.readNAR(f.nar))
		}
	}
	return 0
}

func (f *fakeXDM) UpdateDR(ir uint32, v uint64) {
	switch ir {
	case IRPwrCtl:
		f.setPower(uint8(v))
	case IRPwrStat:
		f.pwrstat &^= uint8(v) & (pwrStatCoreWasReset | pwrStatDebugWasReset)
	case IRNARSel:
		if !f.ndr {
			f.nar, f.write, f.ndr = uint8(v>>1), v&1 != 0, true
			f.tick()
			return
		}
		f.ndr = false
		switch {
		case !f.ocdOn():
		case f.write:
			f.writeNAR(f.nar, uint32(v))
		case f.nar == NARDDRExec:
			f.exec(f.dir0)
		}
	}
}

func (f *fakeXDM) powerStatus() uint8 {
	st := f.pwrstat
	if f.pwrctl&pwrDebugWakeup != 0 {
		st |= pwrStatDebugDomainOn
	}
	if f.pwrctl&pwrMemWakeup != 0 {
		st |= pwrStatMemDomainOn
	}
	if f.pwrctl&pwrCoreWakeup != 0 {
		st |= pwrStatCoreDomainOn
	}
	return st
}

func (f *fakeXDM) setPower(v uint8) {
	f.pwrctl = v
	switch {
	case v&pwrCoreReset != 0:
		f.inReset = true
	case f.inReset:
		f.inReset = false
		f.reset()
	}
}

func (f *fakeXDM) reset() {
	f.resets++
	f.pwrstat |= pwrStatCoreWasReset
	f.pc = resetVector
	f.wb = 0
	f.sr[SRPS] = 0
	f.sr[SRIBreakEnable] = 0
	f.sr[SRICountLevel] = 0
	f.stopped = false
	if f.dcr&dcrDebugInterrupt != 0 {
		f.halt(causeDebugInt)
	}
}

func (f *fakeXDM) ocdOn() bool {
	return f.pwrctl&pwrJTAGDebugUse != 0 && f.pwrctl&pwrDebugWakeup != 0
}

func (f *fakeXDM) readNAR(reg uint8) uint32 {
	if !f.ocdOn() {
		return 0
	}
	switch reg {
	case NAROCDID:
		return f.ocdid
	case NARDSR:
		if f.stopped {
			return f.dsr | dsrStopped
		}
		return f.dsr
	case NARDDR, NARDDRExec:
		return f.ddr
	case NARDCRSet, NARDCRClr:
		return f.dcr
	}
	return 0
}

func (f *fakeXDM) writeNAR(reg uint8, v uint32) {
	switch reg {
	case NARDCRSet:
		f.dcr |= v
	case NARDCRClr:
		f.dcr &^= v
	case NARDSR:
		f.dsr &^= v & dsrExecW1C
	case NARDDR:
		f.ddr = v
	case NARDDRExec:
		f.ddr = v
		f.exec(f.dir0)
	case NARDIR0Exec:
		f.dir0 = v & 0xffffff
		f.exec(f.dir0)
	case NARDIR0:
		f.dir0 = v & 0xffffff
	}
}

func (f *fakeXDM) halt(cause uint32) {
	f.stopped = true
	f.sr[epc(debugLevel)] = f.pc
	f.sr[eps(debugLevel)] = f.sr[SRPS]
	f.sr[SRDebugCause] = cause
}

func (f *fakeXDM) fetch(addr uint32) uint32 {
	off := addr - ramBase
	if addr < ramBase || off+insnLen > ramSize {
		return 0
	}
	return uint32(f.ram[off]) | uint32(f.ram[off+1])<<8 | uint32(f.ram[off+2])<<16
}

func (f *fakeXDM) tick() {
	if f.stopped || f.inReset {
		return
	}
	if f.dcr&dcrDebugInterrupt != 0 {
		f.halt(causeDebugInt)
		return
	}
	counting := f.sr[SRICountLevel] > f.sr[SRPS]&psIntLevelMask
	if counting && f.sr[SRICount] == 0xffffffff {
		f.halt(causeICount)
		return
	}
	for i := 0; i < 2; i++ {
		if f.sr[SRIBreakEnable]&(1<<uint(i)) != 0 && f.sr[uint8(SRIBreakA0+i)] == f.pc {
			f.halt(causeIBreak)
			return
		}
	}
	if f.fetch(f.pc)&0xfff00f == 0x004000 {
		f.halt(causeBreak)
		return
	}
	f.pc += insnLen
	if counting {
		f.sr[SRICount]++
	}
}

func (f *fakeXDM) a(t uint32) *uint32 {
	return &f.ar[(f.wb*4+t)%numAR]
}

func (f *fakeXDM) rsr(sr uint8) uint32 {
	switch sr {
	case SRDDR:
		return f.ddr
	case SRWindowBase:
		return f.wb
	}
	return f.sr[sr]
}

func (f *fakeXDM) wsr(sr uint8, v uint32) {
	switch sr {
	case SRDDR:
		f.ddr = v
	case SRWindowBase:
		f.wb = v & 0xf
	default:
		f.sr[sr] = v
	}
}

func (f *fakeXDM) load(addr uint32) (uint32, bool) {
	off := addr - ramBase
	switch {
	case addr == resetReg:
		return 0, true
	case addr < ramBase || off+4 > ramSize || addr%4 != 0:
		return 0, false
	}
	return uint32(f.ram[off]) | uint32(f.ram[off+1])<<8 | uint32(f.ram[off+2])<<16 | uint32(f.ram[off+3])<<24, true
}

func (f *fakeXDM) store(addr, v uint32) bool {
	off := addr - ramBase
	switch {
	case addr == resetReg:
		if v&(1<<31) != 0 {
			f.resetPending = true
		}
		return true
	case addr < ramBase || off+4 > ramSize || addr%4 != 0:
		return false
	}
	f.ram[off], f.ram[off+1], f.ram[off+2], f.ram[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return true
}

// exec runs an instruction in OCD mode.
func (f *fakeXDM) exec(insn uint32) {
	if f.dcr&dcrEnableOCD == 0 || !f.stopped {
		f.dsr |= dsrExecException
		return
	}
	sr, s, t := uint8(insn>>8), insn>>8&0xf, insn>>4&0xf
	switch {
	case insn&0xff000f == 0x130000:
		f.wsr(sr, *f.a(t))
	case insn&0xff000f == 0x030000:
		*f.a(t) = f.rsr(sr)
	case insn&0xfff0ff == 0x0070e0:
		addr := *f.a(s)
		v, ok := f.load(addr)
		if !ok {
			f.dsr |= dsrExecException
			return
		}
		f.ddr = v
		*f.a(s) = addr + 4
	case insn&0xfff0ff == 0x0070f0:
		addr := *f.a(s)
		if !f.store(addr, f.ddr) {
			f.dsr |= dsrExecException
			return
		}
		*f.a(s) = addr + 4
	case insn&0xffff0f == 0x408000:
		n := int32(t)
		if n >= 8 {
			n -= 16
		}
		f.wb = uint32(int32(f.wb)+n) & 0xf
	case insn == insnRFDO:
		f.pc = f.sr[epc(debugLevel)]
		f.sr[SRPS] = f.sr[eps(debugLevel)]
		f.stopped = false
	default:
		f.dsr |= dsrExecException
		return
	}
	f.dsr |= dsrExecDone
}
