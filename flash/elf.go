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

package flash

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
)

// Layout of the FlashDevice structure in DevDsc.
const (
	devVersion     = 0
	devName        = 2
	devNameLen     = 128
	devType        = 130
	devStart       = 132
	devSize        = 136
	devPageSize    = 140
	devErasedValue = 148
	devProgTimeout = 152
	devEraseTime   = 156
	devSectors     = 160
	devSectorEnd   = 0xffffffff
)

var entrySymbols = []struct {
	name     string
	required bool
	set      func(a *RawAlgorithm, e Entry)
}{
	{"Init", false, func(a *RawAlgorithm, e Entry) { a.Init = e }},
	{"UnInit", false, func(a *RawAlgorithm, e Entry) { a.UnInit = e }},
	{"EraseSector", true, func(a *RawAlgorithm, e Entry) { a.EraseSector = e }},
	{"ProgramPage", true, func(a *RawAlgorithm, e Entry) { a.ProgramPage = e }},
	{"EraseChip", false, func(a *RawAlgorithm, e Entry) { a.EraseChip = e }},
	{"Verify", false, func(a *RawAlgorithm, e Entry) { a.Verify = e }},
	{"BlankCheck", false, func(a *RawAlgorithm, e Entry) { a.BlankCheck = e }},
}

// ParseAlgorithm reads a flash algorithm ELF (a CMSIS-Pack FLM): code from
// PrgCode, data and BSS from PrgData, the flash description from DevDsc
// and entry points from the symbol table.
func ParseAlgorithm(name string, data []byte) (*RawAlgorithm, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, dbgerr.TargetDescription("algorithm %s: %s", name, err)
	}
	defer f.Close()
	code := f.Section("PrgCode")
	if code == nil || code.Type != elf.SHT_PROGBITS {
		return nil, dbgerr.TargetDescription("algorithm %s: no PrgCode section", name)
	}
	a := &RawAlgorithm{Name: name}
	if a.Code, err = code.Data(); err != nil {
		return nil, errors.Annotatef(err, "algorithm %s: PrgCode", name)
	}
	a.DataOffset = uint32(len(a.Code))
	// PrgData may be split into initialized data and BSS.
	first := true
	for _, s := range f.Sections {
		if s.Name != "PrgData" {
			continue
		}
		if s.Addr < code.Addr+uint64(len(a.Code)) {
			return nil, dbgerr.TargetDescription("algorithm %s: PrgData at 0x%x overlaps code", name, s.Addr)
		}
		off := s.Addr - code.Addr
		if first {
			a.DataOffset = uint32(off)
			first = false
		}
		for uint64(len(a.Code)) < off {
			a.Code = append(a.Code, 0)
		}
		switch s.Type {
		case elf.SHT_PROGBITS:
			d, err := s.Data()
			if err != nil {
				return nil, errors.Annotatef(err, "algorithm %s: PrgData", name)
			}
			a.Code = append(a.Code, d...)
		case elf.SHT_NOBITS:
			a.Code = append(a.Code, make([]byte, s.Size)...)
		}
	}
	dev := f.Section("DevDsc")
	if dev == nil {
		return nil, dbgerr.TargetDescription("algorithm %s: no DevDsc section", name)
	}
	dd, err := dev.Data()
	if err != nil {
		return nil, errors.Annotatef(err, "algorithm %s: DevDsc", name)
	}
	if a.Device, err = parseDevice(dd); err != nil {
		return nil, errors.Annotatef(err, "algorithm %s", name)
	}
	syms, err := f.Symbols()
	if err != nil {
		return nil, dbgerr.TargetDescription("algorithm %s: no symbols: %s", name, err)
	}
	for _, es := range entrySymbols {
		e := NoEntry
		for _, s := range syms {
			if s.Name == es.name && s.Value >= code.Addr && s.Value < code.Addr+code.Size {
				e = Entry(s.Value - code.Addr)
				break
			}
		}
		if es.required && !e.Present() {
			return nil, dbgerr.TargetDescription("algorithm %s: no %s entry point", name, es.name)
		}
		es.set(a, e)
	}
	glog.V(1).Infof("algorithm %s: %d bytes, data at +0x%x, device %q [0x%08x, 0x%08x)",
		name, len(a.Code), a.DataOffset, a.Device.Name, a.Device.Start, a.Device.Start+a.Device.Size)
	return a, nil
}

// parseDevice decodes a FlashDevice structure.
func parseDevice(d []byte) (Device, error) {
	if len(d) < devSectors+8 {
		return Device{}, dbgerr.TargetDescription("DevDsc too short (%d bytes)", len(d))
	}
	le := binary.LittleEndian
	name := d[devName : devName+devNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	dev := Device{
		Name:           string(name),
		Start:          uint64(le.Uint32(d[devStart:])),
		Size:           uint64(le.Uint32(d[devSize:])),
		PageSize:       uint64(le.Uint32(d[devPageSize:])),
		ErasedValue:    d[devErasedValue],
		ProgramTimeout: time.Duration(le.Uint32(d[devProgTimeout:])) * time.Millisecond,
		EraseTimeout:   time.Duration(le.Uint32(d[devEraseTime:])) * time.Millisecond,
	}
	glog.V(2).Infof("FlashDevice version 0x%04x type %d", le.Uint16(d[devVersion:]), le.Uint16(d[devType:]))
	for off := devSectors; off+8 <= len(d); off += 8 {
		size, addr := le.Uint32(d[off:]), le.Uint32(d[off+4:])
		if size == devSectorEnd && addr == devSectorEnd {
			break
		}
		dev.Sectors = append(dev.Sectors, SectorDesc{Offset: uint64(addr), Size: uint64(size)})
	}
	if dev.PageSize == 0 || len(dev.Sectors) == 0 {
		return Device{}, dbgerr.TargetDescription("DevDsc %q has no page size or sectors", dev.Name)
	}
	return dev, nil
}
