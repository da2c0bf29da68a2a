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

// Package memory provides typed 8/16/32/64-bit access to target memory on
// top of a Port, emulating the widths the port lacks and enforcing alignment
// and region bounds before anything reaches the wire.
package memory

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
)

type Width int

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

func (w Width) Bytes() int {
	return int(w)
}

func (w Width) Bits() int {
	return int(w) * 8
}

func (w Width) String() string {
	return fmt.Sprintf("%d-bit", w.Bits())
}

// Port moves little-endian data between the host and target memory in
// elements of one width. len(data) is a multiple of the width and addr is
// aligned to it.
type Port interface {
	SupportsWidth(w Width) bool
	ReadBlock(ctx context.Context, w Width, addr uint64, data []byte) error
	WriteBlock(ctx context.Context, w Width, addr uint64, data []byte) error
	// Flush commits queued writes.
	Flush(ctx context.Context) error
}

type RegionKind int

const (
	RAM RegionKind = iota
	NVM
	Generic
)

func (k RegionKind) String() string {
	switch k {
	case RAM:
		return "RAM"
	case NVM:
		return "NVM"
	}
	return "generic"
}

// Region is an address range [Start, End).
type Region struct {
	Name  string
	Kind  RegionKind
	Start uint64
	End   uint64
}

func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ContainsRange reports whether [addr, addr+n) lies within r.
func (r Region) ContainsRange(addr uint64, n int) bool {
	return addr >= r.Start && addr+uint64(n) <= r.End && addr+uint64(n) >= addr
}

func (r Region) Size() uint64 {
	return r.End - r.Start
}

func (r Region) String() string {
	return fmt.Sprintf("%s %s [0x%08x, 0x%08x)", r.Kind, r.Name, r.Start, r.End)
}

// PPB is the Cortex-M private peripheral bus.
var PPB = Region{Name: "PPB", Kind: Generic, Start: 0xe0000000, End: 0xe0100000}

// Memory is a typed view of a Port. When Strict is set every access must
// fall within one of Regions.
type Memory struct {
	port    Port
	Regions []Region
	Strict  bool
}

func New(port Port, regions []Region) *Memory {
	return &Memory{port: port, Regions: regions}
}

func (m *Memory) Port() Port {
	return m.port
}

// SupportsNative64 reports whether 64-bit accesses reach the port as such.
func (m *Memory) SupportsNative64() bool {
	return m.port.SupportsWidth(Width64)
}

// RegionAt returns the region containing addr.
func (m *Memory) RegionAt(addr uint64) (Region, bool) {
	for _, r := range m.Regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

func (m *Memory) check(w Width, addr uint64, n int) error {
	if addr%uint64(w) != 0 {
		return dbgerr.Memory(dbgerr.Misaligned, addr, "%s access at 0x%08x is misaligned", w, addr)
	}
	if !m.Strict {
		return nil
	}
	size := n * w.Bytes()
	for _, r := range m.Regions {
		if r.ContainsRange(addr, size) {
			return nil
		}
	}
	return dbgerr.Memory(dbgerr.OutOfBounds, addr, "%d bytes at 0x%08x are outside of known memory", size, addr)
}

// read fills data from addr using width w, emulating it if needed.
func (m *Memory) read(ctx context.Context, w Width, addr uint64, data []byte) error {
	if err := m.check(w, addr, len(data)/w.Bytes()); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if m.port.SupportsWidth(w) {
		return errors.Annotatef(m.port.ReadBlock(ctx, w, addr, data), "read of %d bytes at 0x%08x", len(data), addr)
	}
	switch w {
	case Width64:
		return errors.Trace(m.read(ctx, Width32, addr, data))
	case Width8, Width16:
		// Read the containing words and pick the bytes out.
		start := addr &^ 3
		end := (addr + uint64(len(data)) + 3) &^ 3
		buf := make([]byte, end-start)
		if err := m.port.ReadBlock(ctx, Width32, start, buf); err != nil {
			return errors.Annotatef(err, "read of %d bytes at 0x%08x", len(data), addr)
		}
		copy(data, buf[addr-start:])
		return nil
	}
	return dbgerr.Memory(dbgerr.UnsupportedWidth, addr, "%s access is not supported", w)
}

// write stores data at addr using width w, emulating it if needed. Sub-word
// writes become read-modify-write of the containing words.
func (m *Memory) write(ctx context.Context, w Width, addr uint64, data []byte) error {
	if err := m.check(w, addr, len(data)/w.Bytes()); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if m.port.SupportsWidth(w) {
		return errors.Annotatef(m.port.WriteBlock(ctx, w, addr, data), "write of %d bytes at 0x%08x", len(data), addr)
	}
	switch w {
	case Width64:
		return errors.Trace(m.write(ctx, Width32, addr, data))
	case Width8, Width16:
		start := addr &^ 3
		end := (addr + uint64(len(data)) + 3) &^ 3
		buf := make([]byte, end-start)
		// Only the partial words at either end need their old contents.
		if addr != start {
			if err := m.port.ReadBlock(ctx, Width32, start, buf[:4]); err != nil {
				return errors.Annotatef(err, "read-modify-write at 0x%08x", start)
			}
		}
		if last := addr + uint64(len(data)); last != end {
			if err := m.port.ReadBlock(ctx, Width32, end-4, buf[len(buf)-4:]); err != nil {
				return errors.Annotatef(err, "read-modify-write at 0x%08x", end-4)
			}
		}
		copy(buf[addr-start:], data)
		glog.V(3).Infof("emulated %s write of %d bytes at 0x%08x", w, len(data), addr)
		return errors.Annotatef(m.port.WriteBlock(ctx, Width32, start, buf), "write of %d bytes at 0x%08x", len(data), addr)
	}
	return dbgerr.Memory(dbgerr.UnsupportedWidth, addr, "%s access is not supported", w)
}

func (m *Memory) Read8(ctx context.Context, addr uint64) (uint8, error) {
	var b [1]byte
	err := m.read(ctx, Width8, addr, b[:])
	return b[0], errors.Trace(err)
}

func (m *Memory) Read16(ctx context.Context, addr uint64) (uint16, error) {
	var b [2]byte
	err := m.read(ctx, Width16, addr, b[:])
	return binary.LittleEndian.Uint16(b[:]), errors.Trace(err)
}

func (m *Memory) Read32(ctx context.Context, addr uint64) (uint32, error) {
	var b [4]byte
	err := m.read(ctx, Width32, addr, b[:])
	return binary.LittleEndian.Uint32(b[:]), errors.Trace(err)
}

// Read64 reads a 64-bit value, as two 32-bit accesses, low word first, when
// the port has no 64-bit access.
func (m *Memory) Read64(ctx context.Context, addr uint64) (uint64, error) {
	var b [8]byte
	err := m.read(ctx, Width64, addr, b[:])
	return binary.LittleEndian.Uint64(b[:]), errors.Trace(err)
}

func (m *Memory) Write8(ctx context.Context, addr uint64, v uint8) error {
	return errors.Trace(m.write(ctx, Width8, addr, []byte{v}))
}

func (m *Memory) Write16(ctx context.Context, addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return errors.Trace(m.write(ctx, Width16, addr, b[:]))
}

func (m *Memory) Write32(ctx context.Context, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return errors.Trace(m.write(ctx, Width32, addr, b[:]))
}

func (m *Memory) Write64(ctx context.Context, addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return errors.Trace(m.write(ctx, Width64, addr, b[:]))
}

func (m *Memory) ReadBlock8(ctx context.Context, addr uint64, data []byte) error {
	return errors.Trace(m.read(ctx, Width8, addr, data))
}

func (m *Memory) WriteBlock8(ctx context.Context, addr uint64, data []byte) error {
	return errors.Trace(m.write(ctx, Width8, addr, data))
}

func (m *Memory) ReadBlock16(ctx context.Context, addr uint64, data []uint16) error {
	b := make([]byte, 2*len(data))
	if err := m.read(ctx, Width16, addr, b); err != nil {
		return errors.Trace(err)
	}
	for i := range data {
		data[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return nil
}

func (m *Memory) WriteBlock16(ctx context.Context, addr uint64, data []uint16) error {
	b := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return errors.Trace(m.write(ctx, Width16, addr, b))
}

func (m *Memory) ReadBlock32(ctx context.Context, addr uint64, data []uint32) error {
	b := make([]byte, 4*len(data))
	if err := m.read(ctx, Width32, addr, b); err != nil {
		return errors.Trace(err)
	}
	for i := range data {
		data[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return nil
}

func (m *Memory) WriteBlock32(ctx context.Context, addr uint64, data []uint32) error {
	b := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return errors.Trace(m.write(ctx, Width32, addr, b))
}

func (m *Memory) ReadBlock64(ctx context.Context, addr uint64, data []uint64) error {
	b := make([]byte, 8*len(data))
	if err := m.read(ctx, Width64, addr, b); err != nil {
		return errors.Trace(err)
	}
	for i := range data {
		data[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return nil
}

func (m *Memory) WriteBlock64(ctx context.Context, addr uint64, data []uint64) error {
	b := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(b[8*i:], v)
	}
	return errors.Trace(m.write(ctx, Width64, addr, b))
}

// Read reads n bytes at addr using the widest aligned accesses.
func (m *Memory) Read(ctx context.Context, addr uint64, n int) ([]byte, error) {
	data := make([]byte, n)
	if addr%4 == 0 && n%4 == 0 {
		return data, errors.Trace(m.read(ctx, Width32, addr, data))
	}
	return data, errors.Trace(m.read(ctx, Width8, addr, data))
}

// Write writes data at addr using the widest aligned accesses.
func (m *Memory) Write(ctx context.Context, addr uint64, data []byte) error {
	if addr%4 == 0 && len(data)%4 == 0 {
		return errors.Trace(m.write(ctx, Width32, addr, data))
	}
	return errors.Trace(m.write(ctx, Width8, addr, data))
}

func (m *Memory) Flush(ctx context.Context) error {
	return errors.Trace(m.port.Flush(ctx))
}
