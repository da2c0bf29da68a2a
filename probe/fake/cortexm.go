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

package fake

// Cortex-M system control space registers.
const (
	addrCPUID  = 0xe000ed00
	addrVTOR   = 0xe000ed08
	addrAIRCR  = 0xe000ed0c
	addrCFSR   = 0xe000ed28
	addrHFSR   = 0xe000ed2c
	addrDFSR   = 0xe000ed30
	addrCPACR  = 0xe000ed88
	addrDHCSR  = 0xe000edf0
	addrDCRSR  = 0xe000edf4
	addrDCRDR  = 0xe000edf8
	addrDEMCR  = 0xe000edfc
	addrMVFR0  = 0xe000ef40
	addrFPCtrl = 0xe0002000
	addrFPComp = 0xe0002008

	scsBase = 0xe000e000
	fpbBase = 0xe0002000
	dwtBase = 0xe0001000
	romBase = 0xe00ff000
)

const (
	dhcsrDebugEn  = 1 << 0
	dhcsrHalt     = 1 << 1
	dhcsrStep     = 1 << 2
	dhcsrRegRdy   = 1 << 16
	dhcsrSHalt    = 1 << 17
	dhcsrSLockup  = 1 << 19
	dhcsrSRetire  = 1 << 24
	dhcsrSResetSt = 1 << 25
	dbgKey        = 0xa05f << 16

	dfsrHalted = 1 << 0
	dfsrBkpt   = 1 << 1
	dfsrVCatch = 1 << 3

	demcrVCCoreReset = 1 << 0
	demcrVCHardErr   = 1 << 10

	aircrVectKey     = 0x05fa << 16
	aircrSysResetReq = 1 << 2
	aircrVectReset   = 1 << 0
	aircrVectKeyMask = 0xffff << 16
	regSelMask       = 0x7f
	dcrsrWrite       = 1 << 16
	regPC            = 15
	regLR            = 14
	regSP            = 13
	regXPSR          = 16
	regMSP           = 17
)

// Routine is Go code standing in for target code at an address. It runs
// when the core reaches the address and returns true once done, after which
// the core returns to LR. Returning false keeps the core spinning there.
type Routine func(c *Core) bool

// Core simulates the debug view of an ARMv7-M core. Instructions are
// modelled as 16-bit no-ops except BKPT, which halts the core.
type Core struct {
	bus *Bus
	t   *Target

	Regs map[uint32]uint32

	debugEn  bool
	halted   bool
	maskInts bool
	resetSt  bool
	retired  bool
	lockup   bool
	dcrdr    uint32
	dfsr     uint32
	demcr    uint32
	cfsr     uint32
	hfsr     uint32
	cpacr    uint32
	vtor     uint32
	cpuid    uint32
	fpu      bool

	fpEnabled bool
	numCode   int
	fpComp    []uint32

	scsID component

	Routines  map[uint32]Routine
	// Steps counts single steps, Resets system resets.
	Steps     int
	Resets    int
	// StepMasks records C_MASKINTS for every single step.
	StepMasks []bool
}

func newCore(t *Target, cpuid uint32, numCode int, fpu bool) *Core {
	return &Core{
		bus:      t.Bus,
		t:        t,
		Regs:     map[uint32]uint32{},
		cpuid:    cpuid,
		fpu:      fpu,
		numCode:  numCode,
		fpComp:   make([]uint32, numCode),
		scsID:    component{base: scsBase, cidr1: 0xe0, pidr: armPIDR(0x00c)},
		Routines: map[uint32]Routine{},
	}
}

func (c *Core) Halted() bool {
	return c.halted
}

func (c *Core) PC() uint32 {
	return c.Regs[regPC]
}

func (c *Core) SetPC(pc uint32) {
	c.Regs[regPC] = pc
}

// Reg returns a core register by DCRSR selector.
func (c *Core) Reg(sel uint32) uint32 {
	return c.Regs[sel]
}

func (c *Core) SetReg(sel, v uint32) {
	c.Regs[sel] = v
}

// Halt stops the core as if an external debug request arrived.
func (c *Core) Halt() {
	c.halt(dfsrHalted)
}

func (c *Core) halt(reason uint32) {
	c.halted = true
	c.dfsr |= reason
}

func (c *Core) Contains(addr uint32) bool {
	return addr>>12 == scsBase>>12 || addr>>12 == fpbBase>>12
}

func (c *Core) fpCtrl() uint32 {
	v := uint32(c.numCode&0xf)<<4 | uint32(c.numCode>>4&0x7)<<12
	if c.fpEnabled {
		v |= 1
	}
	return v
}

func (c *Core) Read32(addr uint32) uint32 {
	switch addr {
	case addrCPUID:
		return c.cpuid
	case addrVTOR:
		return c.vtor
	case addrAIRCR:
		return 0xfa050000
	case addrCFSR:
		return c.cfsr
	case addrHFSR:
		return c.hfsr
	case addrDFSR:
		return c.dfsr
	case addrCPACR:
		return c.cpacr
	case addrMVFR0:
		if c.fpu {
			return 0x10110021
		}
		return 0
	case addrDHCSR:
		v := uint32(dhcsrRegRdy)
		if c.debugEn {
			v |= dhcsrDebugEn
		}
		if c.halted {
			v |= dhcsrSHalt | dhcsrHalt
		}
		if c.lockup {
			v |= dhcsrSLockup
		}
		if c.resetSt {
			v |= dhcsrSResetSt
			c.resetSt = false
		}
		if c.retired {
			v |= dhcsrSRetire
			c.retired = false
		}
		return v
	case addrDCRDR:
		return c.dcrdr
	case addrDEMCR:
		return c.demcr
	case addrFPCtrl:
		return c.fpCtrl()
	}
	if addr >= addrFPComp && addr < addrFPComp+uint32(4*c.numCode) {
		return c.fpComp[(addr-addrFPComp)/4]
	}
	if addr >= scsBase+0xfd0 && addr <= scsBase+0xffc {
		return c.scsID.Read32(addr)
	}
	return 0
}

func (c *Core) Write32(addr, v uint32) {
	switch addr {
	case addrVTOR:
		c.vtor = v
	case addrAIRCR:
		if v&aircrVectKeyMask == aircrVectKey && v&(aircrSysResetReq|aircrVectReset) != 0 {
			c.t.SystemReset()
		}
	case addrCFSR:
		c.cfsr &^= v
	case addrHFSR:
		c.hfsr &^= v
	case addrDFSR:
		c.dfsr &^= v
	case addrCPACR:
		c.cpacr = v
	case addrDHCSR:
		c.writeDHCSR(v)
	case addrDCRSR:
		if !c.halted {
			return
		}
		sel := v & regSelMask
		if v&dcrsrWrite != 0 {
			c.Regs[sel] = c.dcrdr
			if sel == regSP {
				c.Regs[regMSP] = c.dcrdr
			}
		} else {
			c.dcrdr = c.Regs[sel]
		}
	case addrDCRDR:
		c.dcrdr = v
	case addrDEMCR:
		c.demcr = v
	case addrFPCtrl:
		if v&2 != 0 {
			c.fpEnabled = v&1 != 0
		}
	default:
		if addr >= addrFPComp && addr < addrFPComp+uint32(4*c.numCode) {
			c.fpComp[(addr-addrFPComp)/4] = v
		}
	}
}

func (c *Core) writeDHCSR(v uint32) {
	if v&0xffff0000 != dbgKey {
		return
	}
	c.debugEn = v&dhcsrDebugEn != 0
	c.maskInts = v&(1<<3) != 0
	switch {
	case !c.debugEn:
		c.halted = false
	case v&dhcsrHalt != 0:
		if !c.halted {
			c.halt(dfsrHalted)
		}
	case c.halted && v&dhcsrStep != 0:
		c.halted = false
		c.Steps++
		c.StepMasks = append(c.StepMasks, c.maskInts)
		if !c.exec() {
			c.halt(dfsrHalted)
		}
	case c.halted:
		c.halted = false
	}
}

// fpbMatch reports whether an FPB v1 comparator covers pc.
func (c *Core) fpbMatch(pc uint32) bool {
	if !c.fpEnabled {
		return false
	}
	for _, comp := range c.fpComp {
		if comp&1 == 0 || comp&0x1ffffffc != pc&^3 {
			continue
		}
		switch comp >> 30 {
		case 1:
			if pc&2 == 0 {
				return true
			}
		case 2:
			if pc&2 != 0 {
				return true
			}
		case 3:
			return true
		}
	}
	return false
}

// exec runs one instruction and reports whether the core halted. An FPB
// match halts before the instruction executes.
func (c *Core) exec() bool {
	pc := c.Regs[regPC]
	if c.fpbMatch(pc) {
		c.halt(dfsrBkpt)
		return true
	}
	if r, ok := c.Routines[pc]; ok {
		if r(c) {
			c.Regs[regPC] = c.Regs[regLR] &^ 1
		}
		c.retired = true
		return false
	}
	insn := c.bus.read16(pc)
	if insn&0xff00 == 0xbe00 {
		c.halt(dfsrBkpt)
		return true
	}
	pc += 2
	if hi := insn >> 11; hi == 0x1d || hi == 0x1e || hi == 0x1f {
		pc += 2
	}
	c.Regs[regPC] = pc
	c.retired = true
	return false
}

// Fault takes the HardFault exception with the given fault status: the
// basic frame is stacked, LR gets EXC_RETURN and PC the handler from the
// vector table. With DEMCR.VC_HARDERR the core halts on handler entry.
func (c *Core) Fault(cfsr, hfsr uint32) {
	sp := (c.Regs[regSP] - 32) &^ 7
	frame := make([]byte, 32)
	for i, sel := range []uint32{0, 1, 2, 3, 12, regLR, regPC, regXPSR} {
		putLE32(frame[4*i:], c.Regs[sel])
	}
	c.bus.Load(sp, frame)
	c.Regs[regSP] = sp
	c.Regs[regMSP] = sp
	c.Regs[regLR] = 0xfffffff9
	c.Regs[regPC] = c.bus.mustRead32(c.vtor+12) &^ 1
	c.Regs[regXPSR] = c.Regs[regXPSR]&^0x1ff | 3
	c.cfsr |= cfsr
	c.hfsr |= hfsr
	if c.debugEn && c.demcr&demcrVCHardErr != 0 {
		c.halt(dfsrVCatch)
	}
}

// Lockup puts the core into the locked up state.
func (c *Core) Lockup() {
	c.lockup = true
}

// tick advances a running core by one instruction.
func (c *Core) tick() {
	if c.halted || c.lockup {
		return
	}
	c.exec()
}

// reset performs a core reset, halting on the reset vector when vector
// catch is enabled.
func (c *Core) reset() {
	c.Resets++
	c.vtor = 0
	c.Regs = map[uint32]uint32{}
	c.Regs[regMSP] = c.bus.mustRead32(c.vtor)
	c.Regs[regSP] = c.Regs[regMSP]
	c.Regs[regPC] = c.bus.mustRead32(c.vtor+4) &^ 1
	c.Regs[regLR] = 0xffffffff
	c.Regs[regXPSR] = 1 << 24
	c.resetSt = true
	c.lockup = false
	c.halted = false
	if c.debugEn && c.demcr&demcrVCCoreReset != 0 {
		c.halt(dfsrVCatch)
	}
}
