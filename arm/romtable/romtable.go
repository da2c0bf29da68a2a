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

// Package romtable walks CoreSight ROM tables into a flat arena of
// components. Components refer to their parent table by index.
package romtable

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/arm"
)

// Reader reads 32-bit registers in the address space holding the tables.
type Reader interface {
	Read32(ctx context.Context, addr uint64) (uint32, error)
}

// Component classes from CIDR1.
type Class int

const (
	ClassGenericVerification Class = 0x0
	ClassROM                 Class = 0x1
	ClassCoreSight           Class = 0x9
	ClassPeripheralTest      Class = 0xb
	ClassGenericIP           Class = 0xe
	ClassPrimeCell           Class = 0xf
)

func (c Class) String() string {
	switch c {
	case ClassROM:
		return "ROM table"
	case ClassCoreSight:
		return "CoreSight"
	case ClassGenericIP:
		return "generic IP"
	case ClassPrimeCell:
		return "PrimeCell"
	}
	return fmt.Sprintf("class 0x%x", int(c))
}

// DevArch decodes the DEVARCH register of a CoreSight component.
type DevArch uint32

func (d DevArch) Present() bool {
	return d>>20&1 != 0
}

func (d DevArch) Architect() arm.Designer {
	return arm.Designer(d >> 21)
}

func (d DevArch) ArchID() uint16 {
	return uint16(d)
}

// Well-known DEVARCH architecture IDs.
const (
	ArchROMTable = 0x0af7
	ArchMemAP    = 0x0a17
	ArchV7MDebug = 0x2a04
	ArchV8MDebug = 0x2a05
	ArchV8ADebug = 0x6a15
	ArchCTI      = 0x1a14
)

// PIDR is the 40-bit peripheral ID assembled from PIDR0..4.
type PIDR uint64

func (p PIDR) Part() uint16 {
	return uint16(p & 0xfff)
}

// Designer is the JEP106 code of the designer, continuation count in bits
// 10:7, the same layout as DPIDR.
func (p PIDR) Designer() arm.Designer {
	id := uint16(p >> 12 & 0x7f)
	cont := uint16(p >> 32 & 0xf)
	return arm.Designer(cont<<7 | id)
}

func (p PIDR) Revision() int {
	return int(p >> 20 & 0xf)
}

// Component is one entry of the arena.
type Component struct {
	Addr    uint64
	CIDR    uint32
	PIDR    PIDR
	DevArch DevArch
	DevType uint32
	// Parent is the index of the ROM table listing the component, -1 for
	// the root.
	Parent int
}

func (c Component) Class() Class {
	return Class(c.CIDR >> 12 & 0xf)
}

// IsROMTable reports a class 1 table or a CoreSight class 9 table.
func (c Component) IsROMTable() bool {
	switch c.Class() {
	case ClassROM:
		return true
	case ClassCoreSight:
		return c.DevArch.Present() && c.DevArch.Architect() == arm.DesignerARM && c.DevArch.ArchID() == ArchROMTable
	}
	return false
}

func (c Component) String() string {
	return fmt.Sprintf("0x%08x: %s, designer %s, part 0x%03x, devarch 0x%08x, devtype 0x%02x",
		c.Addr, c.Class(), c.PIDR.Designer(), c.PIDR.Part(), uint32(c.DevArch), c.DevType)
}

// Table is the arena of components found by Walk, in discovery order.
type Table struct {
	Components []Component
}

// Children returns the indices of the components listed by table i.
func (t *Table) Children(i int) []int {
	var res []int
	for j, c := range t.Components {
		if c.Parent == i {
			res = append(res, j)
		}
	}
	return res
}

// Find returns the indices of the components for which match is true.
func (t *Table) Find(match func(c Component) bool) []int {
	var res []int
	for i, c := range t.Components {
		if match(c) {
			res = append(res, i)
		}
	}
	return res
}

const (
	maxDepth     = 8
	maxEntries   = 960
	cidrPreamble = 0xb105000d
)

// ReadComponent reads the identification registers of the 4 KiB component
// at base.
func ReadComponent(ctx context.Context, r Reader, base uint64) (Component, error) {
	c := Component{Addr: base, Parent: -1}
	var cidr [4]uint32
	for i := range cidr {
		v, err := r.Read32(ctx, base+0xff0+uint64(4*i))
		if err != nil {
			return c, errors.Annotatef(err, "CIDR%d at 0x%x", i, base)
		}
		cidr[i] = v & 0xff
	}
	c.CIDR = cidr[0] | cidr[1]<<8 | cidr[2]<<16 | cidr[3]<<24
	if c.CIDR&0xffff0fff != cidrPreamble {
		return c, errors.Errorf("no component at 0x%x (CIDR 0x%08x)", base, c.CIDR)
	}
	for i, off := range []uint64{0xfe0, 0xfe4, 0xfe8, 0xfec, 0xfd0} {
		v, err := r.Read32(ctx, base+off)
		if err != nil {
			return c, errors.Annotatef(err, "PIDR%d at 0x%x", i, base)
		}
		c.PIDR |= PIDR(v&0xff) << (8 * uint(i))
	}
	if c.Class() == ClassCoreSight {
		v, err := r.Read32(ctx, base+0xfbc)
		if err != nil {
			return c, errors.Annotatef(err, "DEVARCH at 0x%x", base)
		}
		c.DevArch = DevArch(v)
		if c.DevType, err = r.Read32(ctx, base+0xfcc); err != nil {
			return c, errors.Annotatef(err, "DEVTYPE at 0x%x", base)
		}
		c.DevType &= 0xff
	}
	return c, nil
}

// Walk reads the component at base and, for ROM tables, every component
// they list.
func Walk(ctx context.Context, r Reader, base uint64) (*Table, error) {
	t := &Table{}
	if err := t.walk(ctx, r, base, -1, 0); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

func (t *Table) walk(ctx context.Context, r Reader, base uint64, parent, depth int) error {
	if depth > maxDepth {
		return errors.Errorf("ROM tables nested too deep at 0x%x", base)
	}
	for _, c := range t.Components {
		if c.Addr == base {
			glog.V(2).Infof("component at 0x%x is listed twice", base)
			return nil
		}
	}
	c, err := ReadComponent(ctx, r, base)
	if err != nil {
		return errors.Trace(err)
	}
	c.Parent = parent
	idx := len(t.Components)
	t.Components = append(t.Components, c)
	glog.V(2).Infof("%s", c)
	if !c.IsROMTable() {
		return nil
	}
	for i := 0; i < maxEntries; i++ {
		e, err := r.Read32(ctx, base+uint64(4*i))
		if err != nil {
			return errors.Annotatef(err, "ROM table entry %d at 0x%x", i, base)
		}
		if e == 0 {
			break
		}
		// Bit 0 is PRESENT; a class 9 table uses 0b11 for present entries.
		if e&1 == 0 {
			continue
		}
		off := int64(int32(e &^ 0xfff))
		child := uint64(int64(base) + off)
		if err := t.walk(ctx, r, child, idx, depth+1); err != nil {
			glog.V(1).Infof("skipping ROM table entry 0x%08x: %s", e, err)
		}
	}
	return nil
}
