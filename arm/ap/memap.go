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

package ap

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/arm"
	"github.com/mongoose-os/probekit/arm/dp"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

// CSW fields.
const (
	CSWSizeMask      = 0x7
	CSWAddrIncMask   = 0x3 << 4
	CSWAddrIncOff    = 0x0 << 4
	CSWAddrIncSingle = 0x1 << 4
	CSWDeviceEn      = 1 << 6
	CSWTrInProg      = 1 << 7
	CSWModeMask      = 0xf << 8
	// AHB-AP HPROT: privileged data access, master type debug.
	CSWAHBProt       = 0x23000000
)

// CFG fields.
const (
	CFGBigEndian = 1 << 0
	CFGLargeAddr = 1 << 1
	CFGLargeData = 1 << 2
)

// DefaultBoundary is the TAR auto-increment boundary ADIv5 guarantees.
const DefaultBoundary = 0x400

func sizeCode(w memory.Width) uint32 {
	switch w {
	case memory.Width8:
		return 0
	case memory.Width16:
		return 1
	case memory.Width64:
		return 3
	}
	return 2
}

// MemAP is a memory access port. It implements memory.Port and keeps
// shadows of CSW and TAR so that a register is only written when its value
// has to change.
type MemAP struct {
	d    *dp.DP
	addr arm.APAddress
	idr  IDR
	cfg  uint32
	base uint32

	// Boundary is the TAR auto-increment boundary.
	Boundary uint32

	prot   uint32
	widths map[memory.Width]bool

	csw      uint32
	cswValid bool
	tar      uint32
	tarValid bool
}

func NewMemAP(d *dp.DP, addr arm.APAddress) *MemAP {
	return &MemAP{d: d, addr: addr, Boundary: DefaultBoundary}
}

func (m *MemAP) Addr() arm.APAddress {
	return m.addr
}

func (m *MemAP) IDR() IDR {
	return m.idr
}

func (m *MemAP) DP() *dp.DP {
	return m.d
}

func (m *MemAP) String() string {
	return fmt.Sprintf("MEM-AP %s (%s)", m.addr, m.idr)
}

// BigEndian reports CFG.BE. Such APs are not supported for memory access.
func (m *MemAP) BigEndian() bool {
	return m.cfg&CFGBigEndian != 0
}

// LargeAddress reports CFG.LA.
func (m *MemAP) LargeAddress() bool {
	return m.cfg&CFGLargeAddr != 0
}

// DebugBase decodes BASE: the address of the top level ROM table of the
// memory behind the AP. The legacy format with no present bit is reported
// as present unless it is 0xffffffff.
func (m *MemAP) DebugBase() (uint32, bool) {
	switch {
	case m.base == 0xffffffff:
		return 0, false
	case m.base&0x2 == 0:
		// Legacy format.
		return m.base &^ 0xfff, true
	}
	return m.base &^ 0xfff, m.base&0x1 != 0
}

// Invalidate drops the CSW and TAR shadows. Call it after anything that
// may have reset the AP behind our back.
func (m *MemAP) Invalidate() {
	m.cswValid = false
	m.tarValid = false
}

// Init identifies the AP and puts it into the basic 32-bit auto-increment
// mode, probing the transfer sizes it supports on the way.
func (m *MemAP) Init(ctx context.Context) error {
	m.Invalidate()
	v, err := m.d.ReadAP(ctx, m.addr, arm.IDR)
	if err != nil {
		return errors.Trace(err)
	}
	m.idr = IDR(v)
	if !m.idr.IsMemAP() {
		return dbgerr.Dap("%s is not a MEM-AP: %s", m.addr, m.idr)
	}
	if m.cfg, err = m.d.ReadAP(ctx, m.addr, arm.CFG); err != nil {
		return errors.Trace(err)
	}
	if m.base, err = m.d.ReadAP(ctx, m.addr, arm.BASE); err != nil {
		return errors.Trace(err)
	}
	if m.BigEndian() {
		return dbgerr.Unsupported("%s is big-endian", m.addr)
	}
	csw, err := m.d.ReadAP(ctx, m.addr, arm.CSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&CSWDeviceEn == 0 {
		return dbgerr.Dap("MEM-AP is disabled")
	}
	m.prot = csw &^ (CSWSizeMask | CSWAddrIncMask | CSWDeviceEn | CSWTrInProg | CSWModeMask)
	switch m.idr.Type() {
	case TypeAHB3, TypeAHB5, TypeAHB5Enh:
		m.prot |= CSWAHBProt
	}
	m.widths = map[memory.Width]bool{memory.Width32: true}
	for _, w := range []memory.Width{memory.Width8, memory.Width16} {
		want := m.prot | sizeCode(w)
		if err := m.d.WriteAP(ctx, m.addr, arm.CSW, want); err != nil {
			return errors.Trace(err)
		}
		got, err := m.d.ReadAP(ctx, m.addr, arm.CSW)
		if err != nil {
			return errors.Trace(err)
		}
		m.widths[w] = got&CSWSizeMask == sizeCode(w)
	}
	if err := m.setCSW(ctx, memory.Width32, true); err != nil {
		return errors.Trace(err)
	}
	glog.V(1).Infof("%s: CFG 0x%x BASE 0x%08x widths %v", m, m.cfg, m.base, m.widths)
	return nil
}

func (m *MemAP) cswValue(w memory.Width, inc bool) uint32 {
	v := m.prot | sizeCode(w)
	if inc {
		v |= CSWAddrIncSingle
	}
	return v
}

func (m *MemAP) setCSW(ctx context.Context, w memory.Width, inc bool) error {
	v := m.cswValue(w, inc)
	if m.cswValid && m.csw == v {
		return nil
	}
	if err := m.d.WriteAP(ctx, m.addr, arm.CSW, v); err != nil {
		m.cswValid = false
		return errors.Trace(err)
	}
	m.csw, m.cswValid = v, true
	return nil
}

// ReadReg reads an AP register directly. Writes to CSW and TAR through
// WriteReg keep the shadows coherent.
func (m *MemAP) ReadReg(ctx context.Context, reg arm.APRegister) (uint32, error) {
	return m.d.ReadAP(ctx, m.addr, reg)
}

func (m *MemAP) WriteReg(ctx context.Context, reg arm.APRegister, v uint32) error {
	switch reg {
	case arm.CSW:
		m.cswValid = false
	case arm.TAR, arm.DRW, arm.BD0, arm.BD1, arm.BD2, arm.BD3:
		m.tarValid = false
	}
	return m.d.WriteAP(ctx, m.addr, reg, v)
}

func (m *MemAP) SupportsWidth(w memory.Width) bool {
	return m.widths[w]
}

// chunk limits n elements of width w at addr into runs that do not cross
// the auto-increment boundary and fit in one transfer along with the
// SELECT, CSW and TAR writes.
func (m *MemAP) chunk(addr uint32, w memory.Width, n int) int {
	left := int((m.Boundary - addr%m.Boundary) / uint32(w))
	if left < n {
		n = left
	}
	if max := m.d.MaxBlock() - 4; n > max {
		n = max
	}
	return n
}

// prefix returns the CSW and TAR writes needed before a run at addr, and
// updates the shadows as if the run of n elements had completed.
func (m *MemAP) prefix(addr uint32, w memory.Width, n int) []dp.Op {
	var ops []dp.Op
	csw := m.cswValue(w, true)
	if !m.cswValid || m.csw != csw {
		ops = append(ops, dp.Op{Reg: arm.CSW, Write: true, Value: csw})
		m.csw, m.cswValid = csw, true
	}
	if !m.tarValid || m.tar != addr {
		glog.V(3).Infof("%s: TAR = 0x%08x", m.addr, addr)
		ops = append(ops, dp.Op{Reg: arm.TAR, Write: true, Value: addr})
	}
	// Auto-increment wraps within the boundary.
	b := m.Boundary
	m.tar = addr&^(b-1) | (addr+uint32(n)*uint32(w))&(b-1)
	m.tarValid = true
	return ops
}

// run performs the DRW run built by build. After a FAULT or sticky error
// the target's TAR has advanced past the accesses that completed, so the
// run is rebuilt from invalidated CSW and TAR shadows and replayed once.
func (m *MemAP) run(ctx context.Context, build func() []dp.Op) ([]uint32, error) {
	res, err := m.d.APTransferOnce(ctx, m.addr, build())
	if err == nil {
		return res, nil
	}
	m.Invalidate()
	if !dp.IsStickyFault(err) {
		return nil, errors.Trace(err)
	}
	glog.V(2).Infof("%s: replaying run after: %s", m.addr, err)
	res, err = m.d.APTransferOnce(ctx, m.addr, build())
	if err != nil {
		m.Invalidate()
		if dp.IsStickyFault(err) {
			return nil, dbgerr.Dap("%s: sticky error persists after ABORT: %s", m.addr, err)
		}
		return nil, errors.Trace(err)
	}
	return res, nil
}

func (m *MemAP) checkAccess(w memory.Width, addr uint64, size int) error {
	if !m.widths[w] {
		return dbgerr.Memory(dbgerr.UnsupportedWidth, addr, "%s does not support %s transfers", m, w)
	}
	if addr%uint64(w) != 0 {
		return dbgerr.Memory(dbgerr.Misaligned, addr, "%s access at 0x%08x is misaligned", w, addr)
	}
	if addr+uint64(size) > 1<<32 {
		return dbgerr.Unsupported("%s: address 0x%x is beyond 32 bits", m, addr)
	}
	return nil
}

func lane(addr uint32, w memory.Width) uint {
	return uint(8 * (addr & 3 &^ (uint32(w) - 1)))
}

func (m *MemAP) ReadBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	if err := m.checkAccess(w, addr, len(data)); err != nil {
		return err
	}
	a := uint32(addr)
	n := len(data) / w.Bytes()
	for i := 0; i < n; {
		cl := m.chunk(a, w, n-i)
		res, err := m.run(ctx, func() []dp.Op {
			ops := m.prefix(a, w, cl)
			for j := 0; j < cl; j++ {
				ops = append(ops, dp.Op{Reg: arm.DRW})
			}
			return ops
		})
		if err != nil {
			return errors.Annotatef(err, "read of %d bytes at 0x%08x", cl*w.Bytes(), a)
		}
		for j, v := range res {
			ea := a + uint32(j)*uint32(w)
			v >>= lane(ea, w)
			off := (i + j) * w.Bytes()
			switch w {
			case memory.Width8:
				data[off] = byte(v)
			case memory.Width16:
				binary.LittleEndian.PutUint16(data[off:], uint16(v))
			default:
				binary.LittleEndian.PutUint32(data[off:], v)
			}
		}
		if glog.V(4) {
			glog.Infof("%s: [0x%08x] == % x", m.addr, a, data[i*w.Bytes():(i+cl)*w.Bytes()])
		}
		a += uint32(cl) * uint32(w)
		i += cl
	}
	return nil
}

func (m *MemAP) WriteBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	if err := m.checkAccess(w, addr, len(data)); err != nil {
		return err
	}
	a := uint32(addr)
	n := len(data) / w.Bytes()
	for i := 0; i < n; {
		cl := m.chunk(a, w, n-i)
		var drw []dp.Op
		for j := 0; j < cl; j++ {
			off := (i + j) * w.Bytes()
			var v uint32
			switch w {
			case memory.Width8:
				v = uint32(data[off])
			case memory.Width16:
				v = uint32(binary.LittleEndian.Uint16(data[off:]))
			default:
				v = binary.LittleEndian.Uint32(data[off:])
			}
			drw = append(drw, dp.Op{Reg: arm.DRW, Write: true, Value: v << lane(a+uint32(j)*uint32(w), w)})
		}
		if glog.V(4) {
			glog.Infof("%s: [0x%08x] = % x", m.addr, a, data[i*w.Bytes():(i+cl)*w.Bytes()])
		}
		_, err := m.run(ctx, func() []dp.Op {
			return append(m.prefix(a, w, cl), drw...)
		})
		if err != nil {
			return errors.Annotatef(err, "write of %d bytes at 0x%08x", cl*w.Bytes(), a)
		}
		a += uint32(cl) * uint32(w)
		i += cl
	}
	return nil
}

// ReadBanked reads the four words of the 16-byte aligned block at addr
// through BD0..BD3 with a single TAR write.
func (m *MemAP) ReadBanked(ctx context.Context, addr uint32) ([4]uint32, error) {
	var res [4]uint32
	if addr&0xf != 0 {
		return res, dbgerr.Memory(dbgerr.Misaligned, uint64(addr), "banked access at 0x%08x is not 16-byte aligned", addr)
	}
	// BDn live in a different register bank from CSW and TAR.
	if ops := m.prefix(addr, memory.Width32, 0); len(ops) > 0 {
		if _, err := m.d.APTransfer(ctx, m.addr, ops); err != nil {
			m.Invalidate()
			return res, errors.Annotatef(err, "banked read at 0x%08x", addr)
		}
	}
	vals, err := m.d.APTransfer(ctx, m.addr, []dp.Op{{Reg: arm.BD0}, {Reg: arm.BD1}, {Reg: arm.BD2}, {Reg: arm.BD3}})
	if err != nil {
		m.Invalidate()
		return res, errors.Annotatef(err, "banked read at 0x%08x", addr)
	}
	copy(res[:], vals)
	return res, nil
}

// Flush is a no-op: every transfer completes before ReadBlock and
// WriteBlock return.
func (m *MemAP) Flush(ctx context.Context) error {
	return nil
}
