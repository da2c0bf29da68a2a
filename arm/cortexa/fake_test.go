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
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mongoose-os/probekit/memory"
)

const (
	testDebugBase = 0x80010000
	testCTIBase   = 0x80020000
	testNumBP     = 4
	resetVector   = 0x0
)

// fakeCore models the external debug view of one A-profile core. Each bus
// access lets a running core execute one 4-byte instruction.
type fakeCore struct {
	v8   bool
	is64 bool

	halted    bool
	reason    uint32 // MOE on v7-A, EDSCR.STATUS on v8-A
	restarted bool
	dscrRW    uint32
	abort     bool
	abortNext bool

	rx, tx         uint32
	rxFull, txFull bool

	regs [31]uint64
	sp   uint64
	pc   uint64
	psr  uint32

	bvr [testNumBP]uint64
	bcr [testNumBP]uint32

	edecr        uint32
	prcr         uint32
	stickyReset  bool
	stickyRestrt bool
	heldInReset  bool
	pendingHalt  bool
	resets       int

	ctiGate  uint32
	ctiOutEn [2]uint32
	trigHalt bool

	insns []uint32
}

func newFakeCore(v8, is64 bool) *fakeCore {
	f := &fakeCore{v8: v8, is64: is64 && v8, pc: 0x1000}
	if !f.is64 {
		f.psr = 0x1d3
	}
	return f
}

func (f *fakeCore) SupportsWidth(w memory.Width) bool {
	return w == memory.Width32
}

func (f *fakeCore) ReadBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	for i := 0; i < len(data); i += 4 {
		f.tick()
		binary.LittleEndian.PutUint32(data[i:], f.read(addr+uint64(i)))
	}
	return nil
}

func (f *fakeCore) WriteBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	for i := 0; i < len(data); i += 4 {
		f.tick()
		if err := f.write(addr+uint64(i), binary.LittleEndian.Uint32(data[i:])); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeCore) Flush(ctx context.Context) error { return nil }

func (f *fakeCore) bpRegs() (bvr, bcr, stride uint64) {
	if f.v8 {
		return RegV8BVR, RegV8BCR, 16
	}
	return RegV7BVR, RegV7BCR, 4
}

func (f *fakeCore) enterDebug(reason uint32) {
	f.halted = true
	f.reason = reason
	f.restarted = false
}

func (f *fakeCore) tick() {
	if f.halted || f.heldInReset {
		return
	}
	for i := range f.bvr {
		if f.bcr[i]&bcrEnable == 0 {
			continue
		}
		match := f.pc&^3 == f.bvr[i]&^3
		if f.bcr[i]&bcrMismatch != 0 {
			match = !match
		}
		if match {
			if f.v8 {
				f.enterDebug(statusBreakpoint)
			} else {
				f.enterDebug(1)
			}
			return
		}
	}
	f.pc += 4
	if f.v8 && f.edecr&EDECRSS != 0 {
		f.enterDebug(statusStepNormal)
	}
}

func (f *fakeCore) dscr() uint32 {
	v := f.dscrRW | DSCRInstrCompl
	if f.v8 {
		if f.halted {
			v |= f.reason
		} else {
			v |= statusNonDebug
		}
		if f.is64 {
			v |= 0xf << EDSCRRWShift
		}
		if f.abort {
			v |= EDSCRErr
		}
		if f.txFull {
			v |= DSCRTXFull
		}
		if f.rxFull {
			v |= DSCRRXFull
		}
		return v
	}
	if f.halted {
		v |= DSCRHalted | f.reason<<2
	}
	if f.restarted {
		v |= DSCRRestarted
	}
	if f.abort {
		v |= DSCRUnd
	}
	if f.txFull {
		v |= DSCRTXFull | DSCRTXFullL
	}
	if f.rxFull {
		v |= DSCRRXFull | DSCRRXFullL
	}
	return v
}

func (f *fakeCore) read(addr uint64) uint32 {
	if addr >= testCTIBase {
		switch addr - testCTIBase {
		case RegCTITrigOutSt:
			if f.trigHalt {
				return 1
			}
		case RegCTIGate:
			return f.ctiGate
		}
		return 0
	}
	bvr, bcr, stride := f.bpRegs()
	switch off := addr - testDebugBase; {
	case off == RegDSCR:
		return f.dscr()
	case off == RegDTRTX:
		f.txFull = false
		return f.tx
	case off == RegDTRRX:
		f.rxFull = false
		return f.rx
	case off == RegDIDR:
		return (testNumBP - 1) << 24
	case off == RegEDDFR:
		return (testNumBP - 1) << 12
	case off == RegEDECR:
		return f.edecr
	case off == RegPRCR:
		return f.prcr
	case off == RegPRSR:
		var v uint32
		if f.stickyReset {
			v |= PRSRStickyReset
		}
		if f.halted {
			v |= PRSRHalted
		}
		if f.stickyRestrt {
			v |= PRSRStickyRestart
		}
		f.stickyReset, f.stickyRestrt = false, false
		return v
	case off >= bvr && off < bvr+stride*testNumBP && (off-bvr)%stride == 0:
		return uint32(f.bvr[(off-bvr)/stride])
	case off >= bvr && off < bvr+stride*testNumBP && (off-bvr)%stride == 4 && f.v8:
		return uint32(f.bvr[(off-bvr)/stride] >> 32)
	case off >= bcr && off < bcr+stride*testNumBP && (off-bcr)%stride == 0:
		return f.bcr[(off-bcr)/stride]
	}
	return 0
}

func (f *fakeCore) write(addr uint64, v uint32) error {
	if addr >= testCTIBase {
		f.writeCTI(addr-testCTIBase, v)
		return nil
	}
	bvr, bcr, stride := f.bpRegs()
	switch off := addr - testDebugBase; {
	case off == RegDSCR:
		f.dscrRW = v & (DSCRITREn | DSCRHDBGEn)
	case off == RegITR:
		f.exec(v)
	case off == RegDTRRX:
		f.rx, f.rxFull = v, true
	case off == RegDTRTX:
		f.tx = v
	case off == RegDRCR:
		if v&DRCRClrSticky != 0 {
			f.abort = false
		}
		if v&DRCRHaltReq != 0 {
			if f.heldInReset {
				f.pendingHalt = true
			} else if !f.halted {
				f.enterDebug(0)
			}
		}
		if v&DRCRRestart != 0 && f.halted {
			f.halted = false
			f.restarted = true
		}
	case off == RegEDECR:
		f.edecr = v
	case off == RegPRCR:
		// CWRR is write-only.
		f.prcr = v &^ PRCRCoreWarmReset
		if v&PRCRCoreWarmReset != 0 {
			f.warmReset()
		}
		if v&PRCRHoldWarmReset == 0 && f.heldInReset {
			f.heldInReset = false
			if f.pendingHalt {
				f.pendingHalt = false
				f.enterDebug(0)
			}
		}
	case off == RegLAR, off == RegOSLAR, off == RegDSCCR, off == RegDSMCR:
	case off >= bvr && off < bvr+stride*testNumBP && (off-bvr)%stride == 0:
		i := (off - bvr) / stride
		f.bvr[i] = f.bvr[i]&^0xffffffff | uint64(v)
	case off >= bvr && off < bvr+stride*testNumBP && (off-bvr)%stride == 4 && f.v8:
		i := (off - bvr) / stride
		f.bvr[i] = f.bvr[i]&0xffffffff | uint64(v)<<32
	case off >= bcr && off < bcr+stride*testNumBP && (off-bcr)%stride == 0:
		f.bcr[(off-bcr)/stride] = v
	default:
		return fmt.Errorf("write to unmodelled debug register 0x%x", off)
	}
	return nil
}

func (f *fakeCore) writeCTI(off uint64, v uint32) {
	switch off {
	case RegCTIGate:
		f.ctiGate = v
	case RegCTIOutEn:
		f.ctiOutEn[0] = v
	case RegCTIOutEn + 4:
		f.ctiOutEn[1] = v
	case RegCTIIntAck:
		if v&1 != 0 {
			f.trigHalt = false
		}
	case RegCTIAppPulse:
		v &= f.ctiGate
		if v&f.ctiOutEn[0] != 0 {
			f.trigHalt = true
			if !f.halted {
				f.enterDebug(statusExtDebugReq)
			}
		}
		// The halt trigger keeps the core in debug state until acked.
		if v&f.ctiOutEn[1] != 0 && f.halted && !f.trigHalt {
			f.halted = false
			f.stickyRestrt = true
		}
	}
}

func (f *fakeCore) warmReset() {
	f.resets++
	f.pc = resetVector
	f.stickyReset = true
	f.halted = false
	switch {
	case f.v8 && f.edecr&EDECRRCE != 0:
		f.enterDebug(statusResetCatch)
	case !f.v8 && f.prcr&PRCRHoldWarmReset != 0:
		f.heldInReset = true
	}
}

func (f *fakeCore) exec(insn uint32) {
	if f.abortNext {
		f.abortNext = false
		f.abort = true
		return
	}
	if !f.halted || (!f.v8 && f.dscrRW&DSCRITREn == 0) {
		f.abort = true
		return
	}
	f.insns = append(f.insns, insn)
	if f.is64 {
		f.exec64(insn)
		return
	}
	if f.v8 {
		insn = swapT32(insn)
	}
	rt := (insn >> 12) & 0xf
	switch {
	case insn == insnToDTR(rt):
		f.tx, f.txFull = uint32(f.reg32(rt)), true
	case insn == insnFromDTR(rt):
		f.setReg32(rt, f.rx)
		f.rxFull = false
	case !f.v8 && insn == insnMovR0PC:
		off := uint64(8)
		if f.psr&cpsrThumb != 0 {
			off = 4
		}
		f.regs[0] = f.pc + off
	case !f.v8 && insn == insnMovPCR0:
		f.pc = f.regs[0]
	case !f.v8 && insn == insnMrsR0CPSR, f.v8 && insn == insnReadDSPSR:
		f.regs[0] = uint64(f.psr)
	case !f.v8 && insn == insnMsrCPSRR0, f.v8 && insn == insnWriteDSPSR:
		f.psr = uint32(f.regs[0])
	case f.v8 && insn == insnReadDLR:
		f.regs[0] = f.pc
	case f.v8 && insn == insnWriteDLR:
		f.pc = f.regs[0]
	default:
		f.abort = true
	}
}

func (f *fakeCore) reg32(n uint32) uint64 {
	if n == 13 {
		return f.sp
	}
	return f.regs[n]
}

func (f *fakeCore) setReg32(n uint32, v uint32) {
	if n == 13 {
		f.sp = uint64(v)
		return
	}
	f.regs[n] = uint64(v)
}

func (f *fakeCore) exec64(insn uint32) {
	rt := insn & 0x1f
	switch {
	case rt < 31 && insn == insnMsrDTRX(rt):
		f.rx, f.tx = uint32(f.regs[rt]>>32), uint32(f.regs[rt])
		f.rxFull, f.txFull = true, true
	case rt < 31 && insn == insnMrsXDTR(rt):
		f.regs[rt] = uint64(f.tx)<<32 | uint64(f.rx)
		f.rxFull = false
	case insn == insnMrsX0DLR:
		f.regs[0] = f.pc
	case insn == insnMsrDLRX0:
		f.pc = f.regs[0]
	case insn == insnMrsX0DSPSR:
		f.regs[0] = uint64(f.psr)
	case insn == insnMsrDSPSRX0:
		f.psr = uint32(f.regs[0])
	case insn == insnMovX0SP:
		f.regs[0] = f.sp
	case insn == insnMovSPX0:
		f.sp = f.regs[0]
	default:
		f.abort = true
	}
}
