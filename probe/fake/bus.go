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
	"encoding/binary"
	"fmt"
)

// Region is a block of simulated memory.
type Region struct {
	Name     string
	Start    uint32
	Data     []byte
	ReadOnly bool
}

func (r *Region) contains(addr uint32) bool {
	return addr >= r.Start && uint64(addr) < uint64(r.Start)+uint64(len(r.Data))
}

// Peripheral is a memory-mapped register block.
type Peripheral interface {
	Contains(addr uint32) bool
	Read32(addr uint32) uint32
	Write32(addr, v uint32)
}

// Bus routes word accesses to regions and peripherals. Unmapped accesses
// fail like a bus error.
type Bus struct {
	Regions     []*Region
	Peripherals []Peripheral
}

func (b *Bus) region(addr uint32) *Region {
	for _, r := range b.Regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

func (b *Bus) peripheral(addr uint32) Peripheral {
	for _, p := range b.Peripherals {
		if p.Contains(addr) {
			return p
		}
	}
	return nil
}

// Read32 reads the aligned word containing addr.
func (b *Bus) Read32(addr uint32) (uint32, error) {
	addr &^= 3
	if r := b.region(addr); r != nil {
		return binary.LittleEndian.Uint32(r.Data[addr-r.Start:]), nil
	}
	if p := b.peripheral(addr); p != nil {
		return p.Read32(addr), nil
	}
	return 0, fmt.Errorf("bus error reading 0x%08x", addr)
}

// Write32 writes the byte lanes of v selected by mask into the aligned word
// containing addr. Writes to read-only regions are dropped.
func (b *Bus) Write32(addr, v, mask uint32) error {
	addr &^= 3
	if r := b.region(addr); r != nil {
		if r.ReadOnly {
			return nil
		}
		old := binary.LittleEndian.Uint32(r.Data[addr-r.Start:])
		binary.LittleEndian.PutUint32(r.Data[addr-r.Start:], old&^mask|v&mask)
		return nil
	}
	if p := b.peripheral(addr); p != nil {
		if mask != 0xffffffff {
			v = p.Read32(addr)&^mask | v&mask
		}
		p.Write32(addr, v)
		return nil
	}
	return fmt.Errorf("bus error writing 0x%08x", addr)
}

// Load copies data into memory, ignoring the read-only flag.
func (b *Bus) Load(addr uint32, data []byte) {
	for i, c := range data {
		r := b.region(addr + uint32(i))
		if r == nil {
			panic(fmt.Sprintf("fake: no memory at 0x%08x", addr+uint32(i)))
		}
		r.Data[addr+uint32(i)-r.Start] = c
	}
}

// Dump returns a copy of n bytes at addr.
func (b *Bus) Dump(addr uint32, n int) []byte {
	res := make([]byte, n)
	for i := range res {
		r := b.region(addr + uint32(i))
		if r == nil {
			panic(fmt.Sprintf("fake: no memory at 0x%08x", addr+uint32(i)))
		}
		res[i] = r.Data[addr+uint32(i)-r.Start]
	}
	return res
}

func (b *Bus) mustRead32(addr uint32) uint32 {
	v, _ := b.Read32(addr)
	return v
}

func (b *Bus) read16(addr uint32) uint16 {
	v := b.mustRead32(addr)
	return uint16(v >> (8 * (addr & 2)))
}

// component serves the CoreSight identification registers of a 4 KiB
// component block, plus ROM table entries.
type component struct {
	base    uint32
	cidr1   uint32
	pidr    [5]uint32
	entries []uint32
	regs    map[uint32]uint32
}

// armPIDR builds PIDR0..4 for an ARM-designed part.
func armPIDR(part uint16) [5]uint32 {
	return [5]uint32{
		uint32(part & 0xff),
		uint32(part>>8)&0xf | 0xb0,
		0x0b,
		0,
		0x04,
	}
}

// romEntry is the ROM table entry of the component at base: the offset from
// the ROM table, two's complement for components below it, with the
// present and 32-bit format bits set.
func romEntry(base uint32) uint32 {
	return (base - romBase) | 3
}

func (c *component) Contains(addr uint32) bool {
	return addr >= c.base && addr < c.base+0x1000
}

func (c *component) Read32(addr uint32) uint32 {
	off := addr - c.base
	switch {
	case off >= 0xff0:
		return [4]uint32{0x0d, c.cidr1, 0x05, 0xb1}[(off-0xff0)/4]
	case off >= 0xfe0:
		return c.pidr[(off-0xfe0)/4]
	case off == 0xfd0:
		return c.pidr[4]
	case int(off/4) < len(c.entries):
		return c.entries[off/4]
	}
	return c.regs[off]
}

func (c *component) Write32(addr, v uint32) {
	if c.regs == nil {
		c.regs = map[uint32]uint32{}
	}
	c.regs[addr-c.base] = v
}
