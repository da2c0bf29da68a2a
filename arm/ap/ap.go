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

// Package ap identifies and drives ARM access ports. Discovery covers both
// the ADIv5 APSEL scan and the ADIv6 ROM table walk from the DP base
// pointer.
package ap

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/arm"
	"github.com/mongoose-os/probekit/arm/dp"
	"github.com/mongoose-os/probekit/arm/romtable"
)

// IDR decodes an AP identification register.
type IDR uint32

type Class int

const (
	ClassNone Class = 0x0
	ClassCOM  Class = 0x1
	ClassMEM  Class = 0x8
)

// Type is the bus type of a MEM-AP, or the variant of a COM-AP.
type Type int

const (
	TypeJTAG    Type = 0x0
	TypeAHB3    Type = 0x1
	TypeAPB     Type = 0x2
	TypeAXI     Type = 0x4
	TypeAHB5    Type = 0x5
	TypeAPB4    Type = 0x6
	TypeAXI5    Type = 0x7
	TypeAHB5Enh Type = 0x8
)

var typeNames = map[Type]string{
	TypeAHB3:    "AHB3",
	TypeAPB:     "APB2/3",
	TypeAXI:     "AXI3/4",
	TypeAHB5:    "AHB5",
	TypeAPB4:    "APB4/5",
	TypeAXI5:    "AXI5",
	TypeAHB5Enh: "AHB5 with enhanced HPROT",
}

func (v IDR) Type() Type {
	return Type(v & 0xf)
}

func (v IDR) Variant() int {
	return int(v >> 4 & 0xf)
}

func (v IDR) Class() Class {
	return Class(v >> 13 & 0xf)
}

func (v IDR) Designer() arm.Designer {
	return arm.Designer(v >> 17 & 0x7ff)
}

func (v IDR) Revision() int {
	return int(v >> 28)
}

func (v IDR) IsMemAP() bool {
	return v.Class() == ClassMEM
}

// IsJTAGAP reports an ARM JTAG-AP, the one AP without a class.
func (v IDR) IsJTAGAP() bool {
	return v.Class() == ClassNone && v.Type() == TypeJTAG && v.Designer() == arm.DesignerARM
}

func (v IDR) String() string {
	switch {
	case v.IsMemAP():
		name, ok := typeNames[v.Type()]
		if !ok {
			name = fmt.Sprintf("type %d", v.Type())
		}
		return fmt.Sprintf("MEM-AP %s (IDR 0x%08x)", name, uint32(v))
	case v.IsJTAGAP():
		return fmt.Sprintf("JTAG-AP (IDR 0x%08x)", uint32(v))
	case v.Class() == ClassCOM:
		return fmt.Sprintf("COM-AP (IDR 0x%08x)", uint32(v))
	}
	return fmt.Sprintf("AP (IDR 0x%08x)", uint32(v))
}

// Info describes a discovered access port.
type Info struct {
	Addr arm.APAddress
	IDR  IDR
}

func (i Info) String() string {
	return fmt.Sprintf("%s: %s", i.Addr, i.IDR)
}

// Discover finds the access ports behind d, by APSEL scan on ADIv5 and by
// ROM table walk on ADIv6.
func Discover(ctx context.Context, d *dp.DP) ([]Info, error) {
	if d.Version() >= 3 {
		base, ok, err := d.BasePointer(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			return nil, errors.Errorf("DP has no valid base pointer")
		}
		return DiscoverV2(ctx, d, base)
	}
	return DiscoverV1(ctx, d)
}

// DiscoverV1 reads IDR for APSEL 0 to 255 and stops at the second
// consecutive AP without an IDR.
func DiscoverV1(ctx context.Context, d *dp.DP) ([]Info, error) {
	var res []Info
	zeros := 0
	for sel := 0; sel < 256 && zeros < 2; sel++ {
		addr := arm.APv1(uint8(sel))
		v, err := d.ReadAP(ctx, addr, arm.IDR)
		if err != nil {
			return nil, errors.Annotatef(err, "AP scan")
		}
		if v == 0 {
			zeros++
			continue
		}
		zeros = 0
		info := Info{Addr: addr, IDR: IDR(v)}
		glog.V(1).Infof("%s", info)
		res = append(res, info)
	}
	return res, nil
}

type dpReader struct {
	d *dp.DP
}

func (r dpReader) Read32(ctx context.Context, addr uint64) (uint32, error) {
	return r.d.ReadRaw(ctx, addr)
}

// DEVARCH architecture IDs of ADIv6 access ports.
var apArchIDs = map[uint16]bool{
	0x0a17: true, // MEM-AP
	0x0a27: true, // JTAG-AP
	0x0a47: true, // COM-AP
}

// DiscoverV2 walks the ROM tables under base; access ports show up as
// CoreSight components with an AP architecture ID.
func DiscoverV2(ctx context.Context, d *dp.DP, base uint64) ([]Info, error) {
	table, err := romtable.Walk(ctx, dpReader{d}, base)
	if err != nil {
		return nil, errors.Annotatef(err, "ROM table walk at 0x%x", base)
	}
	var res []Info
	for _, c := range table.Components {
		if c.Class() != romtable.ClassCoreSight || c.DevArch.Architect() != arm.DesignerARM {
			continue
		}
		if !apArchIDs[c.DevArch.ArchID()] {
			continue
		}
		addr := arm.APv2(c.Addr)
		v, err := d.ReadAP(ctx, addr, arm.IDR)
		if err != nil {
			return nil, errors.Trace(err)
		}
		info := Info{Addr: addr, IDR: IDR(v)}
		glog.V(1).Infof("%s", info)
		res = append(res, info)
	}
	return res, nil
}
