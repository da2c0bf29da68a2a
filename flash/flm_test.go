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

package flash_test

import (
	"encoding/binary"

	"github.com/mongoose-os/probekit/flash"
)

// flmParts describes a flash algorithm ELF built by buildFLM.
type flmParts struct {
	code    []byte
	data    []byte
	bss     int
	dev     []byte
	symbols map[string]uint32
}

type section struct {
	name    string
	typ     uint32
	addr    uint32
	data    []byte
	size    uint32
	link    uint32
	entsize uint32
}

// buildFLM writes a little endian ELF32 with PrgCode at address 0 followed
// by PrgData and BSS, a DevDsc section and a symbol table.
func buildFLM(s flmParts) []byte {
	le := binary.LittleEndian
	const (
		shtProgbits = 1
		shtSymtab   = 2
		shtStrtab   = 3
		shtNobits   = 8
	)
	dataAddr := uint32(len(s.code)+3) &^ 3
	strtab := []byte{0}
	symtab := make([]byte, 16)
	for name, v := range s.symbols {
		sym := make([]byte, 16)
		le.PutUint32(sym[0:], uint32(len(strtab)))
		le.PutUint32(sym[4:], v)
		sym[12] = 0x12 // global func
		le.PutUint16(sym[14:], 1)
		symtab = append(symtab, sym...)
		strtab = append(append(strtab, name...), 0)
	}
	secs := []section{
		{},
		{name: "PrgCode", typ: shtProgbits, data: s.code},
	}
	if len(s.data) > 0 {
		secs = append(secs, section{name: "PrgData", typ: shtProgbits, addr: dataAddr, data: s.data})
	}
	if s.bss > 0 {
		secs = append(secs, section{name: "PrgData", typ: shtNobits, addr: dataAddr + uint32(len(s.data)), size: uint32(s.bss)})
	}
	secs = append(secs,
		section{name: "DevDsc", typ: shtProgbits, addr: 0x10000, data: s.dev},
		section{name: ".symtab", typ: shtSymtab, data: symtab, link: uint32(len(secs) + 2), entsize: 16},
		section{name: ".strtab", typ: shtStrtab, data: strtab},
	)
	shstrtab := []byte{0}
	names := make([]uint32, len(secs)+1)
	for i, sec := range secs {
		if sec.name == "" {
			continue
		}
		names[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, sec.name...), 0)
	}
	names[len(secs)] = uint32(len(shstrtab))
	shstrtab = append(append(shstrtab, ".shstrtab"...), 0)
	secs = append(secs, section{name: ".shstrtab", typ: shtStrtab, data: shstrtab})

	out := make([]byte, 52)
	offs := make([]uint32, len(secs))
	for i, sec := range secs {
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		offs[i] = uint32(len(out))
		out = append(out, sec.data...)
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	shoff := uint32(len(out))
	for i, sec := range secs {
		sh := make([]byte, 40)
		size := uint32(len(sec.data))
		if sec.typ == shtNobits {
			size = sec.size
		}
		le.PutUint32(sh[0:], names[i])
		le.PutUint32(sh[4:], sec.typ)
		le.PutUint32(sh[12:], sec.addr)
		if sec.typ != 0 {
			le.PutUint32(sh[16:], offs[i])
		}
		le.PutUint32(sh[20:], size)
		le.PutUint32(sh[24:], sec.link)
		le.PutUint32(sh[32:], 4)
		le.PutUint32(sh[36:], sec.entsize)
		out = append(out, sh...)
	}
	copy(out, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(out[16:], 2)  // ET_EXEC
	le.PutUint16(out[18:], 40) // EM_ARM
	le.PutUint32(out[20:], 1)
	le.PutUint32(out[32:], shoff)
	le.PutUint16(out[40:], 52)
	le.PutUint16(out[42:], 32)
	le.PutUint16(out[46:], 40)
	le.PutUint16(out[48:], uint16(len(secs)))
	le.PutUint16(out[50:], uint16(len(secs)-1))
	return out
}

// devDesc encodes a FlashDevice structure.
func devDesc(d flash.Device) []byte {
	le := binary.LittleEndian
	b := make([]byte, 160, 160+8*(len(d.Sectors)+1))
	le.PutUint16(b[0:], 0x0101)
	copy(b[2:130], d.Name)
	le.PutUint16(b[130:], 1)
	le.PutUint32(b[132:], uint32(d.Start))
	le.PutUint32(b[136:], uint32(d.Size))
	le.PutUint32(b[140:], uint32(d.PageSize))
	b[148] = d.ErasedValue
	le.PutUint32(b[152:], uint32(d.ProgramTimeout.Milliseconds()))
	le.PutUint32(b[156:], uint32(d.EraseTimeout.Milliseconds()))
	for _, s := range d.Sectors {
		var e [8]byte
		le.PutUint32(e[0:], uint32(s.Size))
		le.PutUint32(e[4:], uint32(s.Offset))
		b = append(b, e[:]...)
	}
	return append(b, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}
