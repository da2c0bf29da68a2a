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

import (
	"github.com/golang/glog"
)

type ack int

const (
	ackOK ack = iota
	ackWait
	ackFault
	ackNone
)

// DP CTRL/STAT and ABORT bits.
const (
	ctrlOrunDetect   = 1 << 0
	ctrlStickyOrun   = 1 << 1
	ctrlStickyCmp    = 1 << 4
	ctrlStickyErr    = 1 << 5
	ctrlWDataErr     = 1 << 7
	ctrlDbgPwrUpReq  = 1 << 28
	ctrlDbgPwrUpAck  = 1 << 29
	ctrlSysPwrUpReq  = 1 << 30
	ctrlSysPwrUpAck  = 1 << 31
	ctrlStickyMask   = ctrlStickyOrun | ctrlStickyCmp | ctrlStickyErr | ctrlWDataErr
	abortStkCmpClr   = 1 << 1
	abortStkErrClr   = 1 << 2
	abortWdErrClr    = 1 << 3
	abortOrunErrClr  = 1 << 4
	memAPBoundary    = 0x400
	cswDeviceEn      = 1 << 6
	cswSizeMask      = 0x7
	cswAddrIncSingle = 1 << 4
)

// MemAP is a simulated MEM-AP in front of a bus.
type MemAP struct {
	IDR  uint32
	CFG  uint32
	Base uint32
	Bus  *Bus

	csw uint32
	tar uint32

	// TARWrites records every value written to TAR.
	TARWrites []uint32
	// Accesses counts DRW and BDn transfers.
	Accesses  int
}

func (ap *MemAP) size() uint32 {
	return 1 << (ap.csw & cswSizeMask)
}

func (ap *MemAP) lanes(addr uint32) uint32 {
	switch ap.size() {
	case 1:
		return 0xff << (8 * (addr & 3))
	case 2:
		return 0xffff << (8 * (addr & 2))
	}
	return 0xffffffff
}

func (ap *MemAP) incr() {
	if ap.csw&(3<<4) == cswAddrIncSingle {
		ap.tar = ap.tar&^(memAPBoundary-1) | (ap.tar+ap.size())&(memAPBoundary-1)
	}
}

func (ap *MemAP) read(addr uint8) (uint32, bool) {
	switch {
	case addr == 0x00:
		return ap.csw | cswDeviceEn, true
	case addr == 0x04:
		return ap.tar, true
	case addr == 0x0c:
		ap.Accesses++
		v, err := ap.Bus.Read32(ap.tar)
		if err != nil {
			glog.V(3).Infof("fake: %s", err)
			return 0, false
		}
		ap.incr()
		return v, true
	case addr >= 0x10 && addr < 0x20:
		ap.Accesses++
		v, err := ap.Bus.Read32(ap.tar&^0xf | uint32(addr-0x10))
		return v, err == nil
	case addr == 0xf4:
		return ap.CFG, true
	case addr == 0xf8:
		return ap.Base, true
	case addr == 0xfc:
		return ap.IDR, true
	}
	return 0, true
}

func (ap *MemAP) write(addr uint8, v uint32) bool {
	switch {
	case addr == 0x00:
		// 64-bit and larger transfers are not implemented.
		if v&cswSizeMask > 2 {
			v = v&^cswSizeMask | 2
		}
		ap.csw = v &^ cswDeviceEn
	case addr == 0x04:
		ap.tar = v
		ap.TARWrites = append(ap.TARWrites, v)
	case addr == 0x0c:
		ap.Accesses++
		if err := ap.Bus.Write32(ap.tar, v, ap.lanes(ap.tar)); err != nil {
			glog.V(3).Infof("fake: %s", err)
			return false
		}
		ap.incr()
	case addr >= 0x10 && addr < 0x20:
		ap.Accesses++
		return ap.Bus.Write32(ap.tar&^0xf|uint32(addr-0x10), v, 0xffffffff) == nil
	}
	return true
}

// RegAP is an AP that is a plain register file, such as a vendor control
// AP.
type RegAP struct {
	Regs map[uint8]uint32
	// OnWrite, if set, runs after every register write.
	OnWrite func(addr uint8, v uint32)
}

func (ap *RegAP) read(addr uint8) uint32 {
	return ap.Regs[addr]
}

func (ap *RegAP) write(addr uint8, v uint32) {
	if ap.Regs == nil {
		ap.Regs = map[uint8]uint32{}
	}
	ap.Regs[addr] = v
	if ap.OnWrite != nil {
		ap.OnWrite(addr, v)
	}
}

// TAR returns the current transfer address.
func (ap *MemAP) TAR() uint32 {
	return ap.tar
}

// DP is a simulated ADIv5 debug port.
type DP struct {
	t *Target

	IDR      uint32
	TargetID uint32

	ctrl    uint32
	sel     uint32
	rdbuff  uint32
	// waits is the number of WAIT responses to give to AP accesses.
	waits   int
	// faultIn counts down AP accesses to an injected fault, 0 when none.
	faultIn int

	// SelectWrites counts writes to SELECT.
	SelectWrites int
	// Aborts records ABORT writes.
	Aborts       []uint32
	// Transfers counts DP and AP accesses.
	Transfers    int
}

// InjectWaits makes the next n AP accesses answer WAIT.
func (d *DP) InjectWaits(n int) {
	d.waits = n
}

// InjectStickyError sets STICKYERR as if an AP access had faulted.
func (d *DP) InjectStickyError() {
	d.ctrl |= ctrlStickyErr
}

// InjectFaultAfter lets n more AP accesses through and faults the next one
// with STICKYERR, as a bus error in the middle of a block transfer would.
func (d *DP) InjectFaultAfter(n int) {
	d.faultIn = n + 1
}

func (d *DP) Ctrl() uint32 {
	return d.ctrl
}

func (d *DP) poweredUp() bool {
	return d.ctrl&ctrlDbgPwrUpAck != 0
}

// access performs one DP or AP register access. Reads are not posted.
func (d *DP) access(ap, write bool, addr uint8, v uint32) (uint32, ack) {
	d.Transfers++
	d.t.tick()
	if !ap {
		return d.dpAccess(write, addr, v)
	}
	if d.waits > 0 {
		d.waits--
		if d.ctrl&ctrlOrunDetect != 0 {
			d.ctrl |= ctrlStickyOrun
		}
		return 0, ackWait
	}
	if d.ctrl&ctrlStickyOrun != 0 {
		return 0, ackFault
	}
	if d.faultIn > 0 {
		d.faultIn--
		if d.faultIn == 0 {
			d.ctrl |= ctrlStickyErr
		}
	}
	if d.ctrl&ctrlStickyMask != 0 || !d.poweredUp() {
		d.ctrl |= ctrlStickyErr
		return 0, ackFault
	}
	apsel := int(d.sel >> 24)
	full := uint8(d.sel&0xf0) | addr&0xc
	if ra := d.t.RegAPs[apsel]; ra != nil {
		if write {
			ra.write(full, v)
			return 0, ackOK
		}
		d.rdbuff = ra.read(full)
		return d.rdbuff, ackOK
	}
	if apsel >= len(d.t.APs) {
		if write {
			return 0, ackOK
		}
		d.rdbuff = 0
		return 0, ackOK
	}
	a := d.t.APs[apsel]
	if write {
		if !a.write(full, v) {
			d.ctrl |= ctrlStickyErr
			return 0, ackFault
		}
		return 0, ackOK
	}
	r, ok := a.read(full)
	if !ok {
		d.ctrl |= ctrlStickyErr
		return 0, ackFault
	}
	d.rdbuff = r
	return r, ackOK
}

func (d *DP) dpAccess(write bool, addr uint8, v uint32) (uint32, ack) {
	bank := d.sel & 0xf
	if write {
		switch addr {
		case 0x0:
			d.Aborts = append(d.Aborts, v)
			if v&abortStkCmpClr != 0 {
				d.ctrl &^= ctrlStickyCmp
			}
			if v&abortStkErrClr != 0 {
				d.ctrl &^= ctrlStickyErr
			}
			if v&abortWdErrClr != 0 {
				d.ctrl &^= ctrlWDataErr
			}
			if v&abortOrunErrClr != 0 {
				d.ctrl &^= ctrlStickyOrun
			}
		case 0x4:
			if bank == 0 {
				reqs := v & (ctrlDbgPwrUpReq | ctrlSysPwrUpReq | ctrlOrunDetect)
				d.ctrl = d.ctrl&ctrlStickyMask | reqs | (reqs&(ctrlDbgPwrUpReq|ctrlSysPwrUpReq))<<1
			}
		case 0x8:
			d.SelectWrites++
			d.sel = v
		}
		return 0, ackOK
	}
	if d.ctrl&ctrlStickyOrun != 0 && addr != 0x0 && !(addr == 0x4 && bank == 0) {
		return 0, ackFault
	}
	switch addr {
	case 0x0:
		return d.IDR, ackOK
	case 0x4:
		switch bank {
		case 0:
			return d.ctrl, ackOK
		case 2:
			return d.TargetID, ackOK
		}
		return 0, ackOK
	case 0xc:
		return d.rdbuff, ackOK
	}
	return 0, ackOK
}

// reset is a power-on reset of the debug logic.
func (d *DP) reset() {
	d.ctrl = 0
	d.sel = 0
	d.rdbuff = 0
}

// writeAck is the acknowledge of a raw SWD write, given before its data.
func (d *DP) writeAck(ap bool) ack {
	if !ap {
		return ackOK
	}
	if d.waits > 0 {
		d.waits--
		if d.ctrl&ctrlOrunDetect != 0 {
			d.ctrl |= ctrlStickyOrun
		}
		return ackWait
	}
	if d.ctrl&ctrlStickyOrun != 0 {
		return ackFault
	}
	if d.ctrl&ctrlStickyMask != 0 || !d.poweredUp() {
		d.ctrl |= ctrlStickyErr
		return ackFault
	}
	return ackOK
}
