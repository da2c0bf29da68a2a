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
	"encoding/binary"
)

const (
	testIDCode  = 0x00005c25
	testAbits   = 7
	ramBase     = 0x80000000
	ramSize     = 0x1000
	resetVector = ramBase
	// resetReg resets the hart when bit 31 is written, like an SoC reset
	// controller.
	resetReg    = 0x60008000
	numTriggers = 4
	fakeMisa    = 1<<30 | 1<<('I'-'A') | 1<<('M'-'A') | 1<<('C'-'A')
)

// fakeDTM is a JTAG DTM in front of a v0.13 Debug Module with one RV32
// hart. Every DMI operation lets a running hart execute one instruction.
type fakeDTM struct {
	idle int

	result    uint32
	status    uint32
	busyNext  int
	dmiResets int

	dmactive bool
	hartsel  uint32
	haltReq  bool
	ndmreset bool

	hartResetImpl   bool
	hasResetHaltReq bool
	noSysBus        bool

	inReset      bool
	haveReset    bool
	resetHaltReq bool
	resumeAck    bool
	resets       int

	cmderr  uint32
	data    [2]uint32
	progbuf [2]uint32

	sbcs    uint32
	sbaddr  uint32
	sbdata  uint32
	sberror uint32

	halted bool
	cause  uint32
	x      [32]uint32
	pc     uint32
	dpc    uint32
	dcsr   uint32

	tselect uint32
	tdata1  [numTriggers]uint32
	tdata2  [numTriggers]uint32

	ram [ramSize]byte
}

func newFakeDTM() *fakeDTM {
	return &fakeDTM{idle: 1, hartResetImpl: true, hasResetHaltReq: true, pc: ramBase + 0x100, dcsr: 4 << 28}
}

func (f *fakeDTM) IRLen() int     { return IRLen }
func (f *fakeDTM) IDCode() uint32 { return testIDCode }

func (f *fakeDTM) DRLen(ir uint32) int {
	switch ir {
	case IRIDCode, IRDTMCS:
		return 32
	case IRDMI:
		return testAbits + 34
	}
	return 0
}

func (f *fakeDTM) CaptureDR(ir uint32) uint64 {
	switch ir {
	case IRIDCode:
		return testIDCode
	case IRDTMCS:
		return uint64(1 | testAbits<<dtmcsAbitsShift | f.idle<<dtmcsIdleShift)
	case IRDMI:
		return uint64(f.status) | uint64(f.result)<<2
	}
	return 0
}

func (f *fakeDTM) UpdateDR(ir uint32, v uint64) {
	switch ir {
	case IRDTMCS:
		if v&dtmcsDMIReset != 0 {
			f.status = dmiStatusOK
			f.dmiResets++
		}
	case IRDMI:
		op := v & 3
		if op == dmiOpNop || f.status != dmiStatusOK {
			return
		}
		if f.busyNext > 0 {
			f.busyNext--
			f.status = dmiStatusBusy
			return
		}
		addr := uint32(v >> 34)
		data := uint32(v >> 2)
		f.tick()
		if op == dmiOpRead {
			f.result = f.read(addr)
		} else {
			f.write(addr, data)
		}
	}
}

func (f *fakeDTM) halt(cause uint32) {
	f.halted = true
	f.cause = cause
	f.dpc = f.pc
}

func (f *fakeDTM) tick() {
	if f.halted || f.inReset {
		return
	}
	for i := range f.tdata1 {
		if f.tdata1[i]&mcontrolExecute != 0 && f.tdata2[i] == f.pc {
			f.halt(causeTrigger)
			return
		}
	}
	if f.mem32(f.pc) == insnEBreak && f.dcsr&dcsrEBreakM != 0 {
		f.halt(causeEBreak)
		return
	}
	f.pc += 4
	if f.dcsr&dcsrStep != 0 {
		f.halt(causeStep)
	}
}

func (f *fakeDTM) inRAM(addr uint32, n int) bool {
	return addr >= ramBase && addr+uint32(n) <= ramBase+ramSize
}

func (f *fakeDTM) mem32(addr uint32) uint32 {
	if !f.inRAM(addr, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(f.ram[addr-ramBase:])
}

func (f *fakeDTM) reset() {
	f.resets++
	f.pc = resetVector
	f.haveReset = true
	f.halted = false
	f.dcsr &^= dcsrStep
	for i := range f.tdata1 {
		f.tdata1[i] = 0
	}
	switch {
	case f.resetHaltReq:
		f.halt(causeResetHaltReq)
	case f.haltReq:
		f.halt(causeHaltReq)
	}
}

func (f *fakeDTM) dmstatus() uint32 {
	v := uint32(dmVersion013) | statAuthenticated
	if f.hartsel != 0 {
		return v | statAnyNonexistent | 1<<15
	}
	if f.hasResetHaltReq {
		v |= statHasResetHaltReq
	}
	if f.halted {
		v |= statAllHalted | statAllHalted>>1
	} else {
		v |= statAllRunning | statAllRunning>>1
	}
	if f.resumeAck {
		v |= statAllResumeAck | statAllResumeAck>>1
	}
	if f.haveReset {
		v |= statAllHaveReset | statAllHaveReset>>1
	}
	return v
}

func (f *fakeDTM) read(addr uint32) uint32 {
	switch {
	case addr == DMControl:
		v := f.hartsel << ctlHartSelLoShift
		if f.dmactive {
			v |= ctlDMActive
		}
		if f.inReset && f.hartResetImpl {
			v |= ctlHartReset
		}
		if f.ndmreset {
			v |= ctlNDMReset
		}
		return v
	case addr == DMStatus:
		return f.dmstatus()
	case addr == DMAbstractCS:
		return 2<<acsProgBufSizeShift | f.cmderr<<acsCmdErrShift | 2
	case addr == DMData0, addr == DMData0+1:
		return f.data[addr-DMData0]
	case addr == DMSBCS:
		if f.noSysBus {
			return 0
		}
		return sbVersion1<<sbcsVersionShift | f.sbcs | f.sberror<<sbcsErrorShift |
			sbcsAccess8 | sbcsAccess16 | sbcsAccess32
	case addr == DMSBAddress0:
		return f.sbaddr
	case addr == DMSBData0:
		v := f.sbdata
		if f.sbcs&sbcsReadOnData != 0 {
			f.sbRead()
		}
		return v
	}
	return 0
}

func (f *fakeDTM) write(addr, v uint32) {
	switch {
	case addr == DMControl:
		f.writeControl(v)
	case addr == DMAbstractCS:
		f.cmderr &^= v >> acsCmdErrShift & acsCmdErrMask
	case addr == DMCommand:
		if f.cmderr == 0 {
			f.cmderr = f.command(v)
		}
	case addr == DMData0, addr == DMData0+1:
		f.data[addr-DMData0] = v
	case addr >= DMProgBuf0 && addr < DMProgBuf0+2:
		f.progbuf[addr-DMProgBuf0] = v
	case addr == DMSBCS:
		f.sbcs = v & (sbcsReadOnAddr | 7<<sbcsAccessShift | sbcsAutoIncrement | sbcsReadOnData)
		f.sberror &^= v >> sbcsErrorShift & sbcsErrorMask
	case addr == DMSBAddress0:
		f.sbaddr = v
		if f.sbcs&sbcsReadOnAddr != 0 {
			f.sbRead()
		}
	case addr == DMSBData0:
		f.sbdata = v
		f.sbWrite()
	}
}

func (f *fakeDTM) writeControl(v uint32) {
	f.dmactive = v&ctlDMActive != 0
	f.hartsel = v >> ctlHartSelLoShift & 1
	if f.hartsel != 0 {
		return
	}
	if v&ctlAckHaveReset != 0 {
		f.haveReset = false
	}
	if v&ctlSetResetHaltReq != 0 {
		f.resetHaltReq = true
	}
	if v&ctlClrResetHaltReq != 0 {
		f.resetHaltReq = false
	}
	f.haltReq = v&ctlHaltReq != 0
	if f.haltReq && !f.halted && !f.inReset {
		f.halt(causeHaltReq)
	}
	if v&ctlResumeReq != 0 && f.halted {
		f.halted = false
		f.pc = f.dpc
		f.resumeAck = true
	}
	hartReset := f.hartResetImpl && v&ctlHartReset != 0
	ndm := v&ctlNDMReset != 0
	switch {
	case hartReset || ndm:
		f.inReset = true
		f.ndmreset = ndm
	case f.inReset:
		f.inReset = false
		f.ndmreset = false
		f.reset()
	}
}

func (f *fakeDTM) command(cmd uint32) uint32 {
	if cmd>>24 != 0 {
		return cmdErrNotSupported
	}
	if !f.halted {
		return cmdErrHaltResume
	}
	size := cmd >> cmdAarSizeShift & 7
	regno := cmd & 0xffff
	if cmd&cmdTransfer != 0 {
		if size != aarSize32 {
			return cmdErrNotSupported
		}
		p := f.reg(regno)
		if p == nil {
			return cmdErrException
		}
		switch {
		case cmd&cmdWrite == 0:
			f.data[0] = *p
		case regno == CSRTSelect && f.data[0] >= numTriggers:
			// Out of range selections keep the old value.
		case regno != uint32(RegGPR0):
			*p = f.data[0]
		}
	}
	if cmd&cmdPostExec != 0 {
		return f.exec()
	}
	return cmdErrNone
}

func (f *fakeDTM) reg(regno uint32) *uint32 {
	misa := uint32(fakeMisa)
	switch {
	case regno >= uint32(RegGPR0) && regno < uint32(RegGPR0)+32:
		return &f.x[regno-uint32(RegGPR0)]
	case regno == CSRDPC:
		return &f.dpc
	case regno == CSRDCSR:
		f.dcsr = f.dcsr&^(dcsrCauseMask<<dcsrCauseShift) | f.cause<<dcsrCauseShift
		return &f.dcsr
	case regno == CSRMisa:
		return &misa
	case regno == CSRTSelect:
		return &f.tselect
	case regno == CSRTData1:
		return &f.tdata1[f.tselect]
	case regno == CSRTData2:
		return &f.tdata2[f.tselect]
	case regno == CSRTInfo:
		info := uint32(1 << triggerTypeMControl)
		return &info
	}
	return nil
}

// exec runs the program buffer. It understands the memory access programs
// the debugger loads.
func (f *fakeDTM) exec() uint32 {
	for _, insn := range f.progbuf {
		switch insn {
		case insnLwS1S0:
			if !f.inRAM(f.x[8], 4) {
				return cmdErrException
			}
			f.x[9] = f.mem32(f.x[8])
		case insnSwS1S0:
			if !f.inRAM(f.x[8], 4) {
				return cmdErrException
			}
			binary.LittleEndian.PutUint32(f.ram[f.x[8]-ramBase:], f.x[9])
		case insnEBreak:
			return cmdErrNone
		default:
			return cmdErrException
		}
	}
	return cmdErrNone
}

func (f *fakeDTM) sbSize() uint32 {
	return 1 << (f.sbcs >> sbcsAccessShift & 7)
}

func (f *fakeDTM) sbRead() {
	n := f.sbSize()
	if !f.inRAM(f.sbaddr, int(n)) {
		f.sberror = 2
		return
	}
	b := f.ram[f.sbaddr-ramBase:]
	switch n {
	case 1:
		f.sbdata = uint32(b[0])
	case 2:
		f.sbdata = uint32(binary.LittleEndian.Uint16(b))
	default:
		f.sbdata = binary.LittleEndian.Uint32(b)
	}
	if f.sbcs&sbcsAutoIncrement != 0 {
		f.sbaddr += n
	}
}

func (f *fakeDTM) sbWrite() {
	n := f.sbSize()
	if f.sbaddr == resetReg && n == 4 {
		if f.sbdata&(1<<31) != 0 {
			f.reset()
		}
		return
	}
	if !f.inRAM(f.sbaddr, int(n)) {
		f.sberror = 2
		return
	}
	b := f.ram[f.sbaddr-ramBase:]
	switch n {
	case 1:
		b[0] = byte(f.sbdata)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(f.sbdata))
	default:
		binary.LittleEndian.PutUint32(b, f.sbdata)
	}
	if f.sbcs&sbcsAutoIncrement != 0 {
		f.sbaddr += n
	}
}
