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
	"encoding/binary"
	"time"

	"github.com/golang/glog"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

// Entry is the offset of an algorithm routine from the start of its code,
// or NoEntry.
type Entry uint32

const NoEntry Entry = 0xffffffff

func (e Entry) Present() bool {
	return e != NoEntry
}

// Operation is passed to Init and UnInit.
type Operation uint32

const (
	OpErase   Operation = 1
	OpProgram Operation = 2
	OpVerify  Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpProgram:
		return "program"
	case OpVerify:
		return "verify"
	}
	return "unknown"
}

// Device is the flash description an algorithm carries in its DevDsc
// section.
type Device struct {
	Name        string
	Start       uint64
	Size        uint64
	PageSize    uint64
	ErasedValue byte

	// ProgramTimeout and EraseTimeout bound one ProgramPage and one
	// EraseSector call.
	ProgramTimeout time.Duration
	EraseTimeout   time.Duration
	Sectors        []SectorDesc
}

// Region turns d into a flash region programmed by a.
func (d *Device) Region(a *RawAlgorithm) *Region {
	return &Region{
		Name:        d.Name,
		Start:       d.Start,
		End:         d.Start + d.Size,
		PageSize:    d.PageSize,
		Sectors:     d.Sectors,
		ErasedValue: d.ErasedValue,
		Algorithm:   a,
	}
}

// RawAlgorithm is an algorithm as stored in its ELF file: code and data in
// one blob, with entry points relative to the blob start.
type RawAlgorithm struct {
	Name string
	// Code holds PrgCode followed by PrgData, with BSS zeroed.
	Code []byte

	Init        Entry
	UnInit      Entry
	EraseSector Entry
	ProgramPage Entry
	EraseChip   Entry
	Verify      Entry
	BlankCheck  Entry

	// DataOffset is where PrgData starts within Code.
	DataOffset uint32
	Device     Device

	// LoadAddress pins the blob to an address. Zero lets Assemble place
	// it at the start of RAM.
	LoadAddress uint64
}

// Algorithm is a RawAlgorithm placed in a RAM region of a core.
type Algorithm struct {
	*RawAlgorithm
	// Blob is the header followed by Code, loaded at LoadAddress.
	Blob        []byte
	LoadAddress uint64
	// Return is where routines return to: a breakpoint in the header.
	Return      uint64
	StaticBase  uint64
	StackTop    uint64
	StackSize   uint64
	// PageBuffers holds one buffer, or two when double buffering fits.
	PageBuffers []uint64
	Thumb       bool
}

// Entry resolves e to an address.
func (a *Algorithm) Entry(e Entry) uint64 {
	addr := a.LoadAddress + uint64(len(a.Blob)-len(a.Code)) + uint64(e)
	if a.Thumb {
		addr &^= 1
	}
	return addr
}

func (a *Algorithm) DoubleBuffered() bool {
	return len(a.PageBuffers) > 1
}

// Returning from a routine lands on a breakpoint at the start of the blob.
var (
	// BKPT 0 followed by code that is never reached.
	armHeader = []uint32{
		0xe00abe00, 0x062d780d, 0x24084068, 0xd3000040,
		0x1e644058, 0x1c49d1fa, 0x2a001e52, 0x04770d1f,
	}
	riscvHeader = []uint32{0x00100073, 0x00100073}
)

const (
	stackSize      = 512
	stackDecrement = 64
)

func header(t core.Type) ([]uint32, bool, error) {
	switch {
	case t.IsCortexM():
		return armHeader, true, nil
	case t == core.Riscv:
		return riscvHeader, false, nil
	}
	return nil, false, dbgerr.Unsupported("flash algorithms are not supported on %s cores", t)
}

// Assemble places raw in ram for a core of type t: stack first, then the
// blob, then page buffers. The stack shrinks down to a minimum to make room
// for one page buffer; a second buffer is added when it still fits.
func Assemble(raw *RawAlgorithm, ram memory.Region, t core.Type) (*Algorithm, error) {
	hdr, thumb, err := header(t)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 4*len(hdr), 4*len(hdr)+len(raw.Code)+3)
	for i, w := range hdr {
		binary.LittleEndian.PutUint32(blob[4*i:], w)
	}
	blob = append(blob, raw.Code...)
	for len(blob)%4 != 0 {
		blob = append(blob, 0)
	}
	page := raw.Device.PageSize
	size := uint64(len(blob))
	a := &Algorithm{RawAlgorithm: raw, Blob: blob, Thumb: thumb}
	fits := false
	for stack := uint64(stackSize); stack > 0; stack -= stackDecrement {
		a.StackSize = stack
		if raw.LoadAddress != 0 {
			// A pinned blob keeps its stack above the code.
			a.LoadAddress = raw.LoadAddress
			a.StackTop = raw.LoadAddress + size + stack
			a.PageBuffers = []uint64{a.StackTop}
		} else {
			a.StackTop = ram.Start + stack
			a.LoadAddress = a.StackTop
			a.PageBuffers = []uint64{a.LoadAddress + size}
		}
		if a.LoadAddress >= ram.Start && a.PageBuffers[0]+page <= ram.End {
			fits = true
			break
		}
	}
	if !fits {
		return nil, dbgerr.Flash(dbgerr.RamTooSmall, "algorithm %s (%d bytes, %d byte pages) does not fit %s", raw.Name, size, page, ram)
	}
	if second := a.PageBuffers[0] + page; second+page <= ram.End {
		a.PageBuffers = append(a.PageBuffers, second)
	}
	a.Return = a.LoadAddress
	a.StaticBase = a.LoadAddress + uint64(4*len(hdr)) + uint64(raw.DataOffset)
	glog.V(1).Infof("algorithm %s: load 0x%08x, stack 0x%08x, buffers %x", raw.Name, a.LoadAddress, a.StackTop, a.PageBuffers)
	return a, nil
}
