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

package image

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/flash"
)

type chunkCase struct {
	addr uint64
	data string
}

func chunks(cc []chunkCase) []flash.Chunk {
	var res []flash.Chunk
	for _, c := range cc {
		res = append(res, flash.Chunk{Addr: c.addr, Data: []byte(c.data)})
	}
	return res
}

func TestLoadHex(t *testing.T) {
	cases := []struct {
		data   string
		fail   bool
		entry  uint64
		chunks []chunkCase
	}{
		// 0
		{data: "", fail: true},
		// 1
		{data: `
:040000004F484149DB
:00000001FF
`,
			chunks: []chunkCase{{0, "OHAI"}},
		},
		// 2 - linear address
		{data: `
:020000040800F2
:040000004F484149DB
:00000001FF
`,
			chunks: []chunkCase{{0x8000000, "OHAI"}},
		},
		// 3 - segment address, linear start address
		{data: `
:020000021000EC
:040000004F484149DB
:04000005000123458E
:00000001FF
`,
			entry:  0x12345,
			chunks: []chunkCase{{0x10000, "OHAI"}},
		},
		// 4 - chunk continuations
		{data: `
:100000004F4D474F4D474F4D474F4D474F4D472160
:020000020001FB
:10000000575446575446575446575446575446211A
:10001000575446575446575446575446575446210A
:020000020003F9
:030000002121219A
:00000001FF
`,
			chunks: []chunkCase{{0, "OMGOMGOMGOMGOMG!WTFWTFWTFWTFWTF!WTFWTFWTFWTFWTF!!!!"}},
		},
		// 5 - separate chunks
		{data: `
:100000004F4D474F4D474F4D474F4D474F4D472160
:020000020001FB
:10000000575446575446575446575446575446211A
:10001000575446575446575446575446575446210A
:020000020300F9
:030000002121219A
:00000001FF
`,
			chunks: []chunkCase{
				{0, "OMGOMGOMGOMGOMG!WTFWTFWTFWTFWTF!WTFWTFWTFWTFWTF!"},
				{0x3000, "!!!"},
			},
		},
		// 6 - bad checksum
		{data: `
:040000004F484149DC
:00000001FF
`, fail: true},
		// 7 - no EOF record
		{data: `
:040000004F484149DB
`, fail: true},
	}

	for i, c := range cases {
		im, err := LoadHex([]byte(c.data))
		if c.fail {
			if err == nil {
				t.Errorf("%d: expected failure, got %#v", i, im)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%d: got error: %s", i, err)
		}
		if im.Entry != c.entry {
			t.Errorf("%d: entry: got 0x%x, want 0x%x", i, im.Entry, c.entry)
		}
		if diff := cmp.Diff(chunks(c.chunks), im.Chunks); diff != "" {
			t.Errorf("%d: chunks (-want +got):\n%s", i, diff)
		}
	}
}

type segment struct {
	vaddr, paddr uint32
	data         []byte
	memsz        uint32
}

// buildELF writes an ELF32 executable with one PT_LOAD header per segment.
func buildELF(entry uint32, segs []segment) []byte {
	le := binary.LittleEndian
	out := make([]byte, 52+32*len(segs))
	copy(out, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(out[16:], 2)
	le.PutUint16(out[18:], 40)
	le.PutUint32(out[20:], 1)
	le.PutUint32(out[24:], entry)
	le.PutUint32(out[28:], 52)
	le.PutUint16(out[40:], 52)
	le.PutUint16(out[42:], 32)
	le.PutUint16(out[44:], uint16(len(segs)))
	le.PutUint16(out[46:], 40)
	for i, s := range segs {
		ph := out[52+32*i:]
		memsz := s.memsz
		if memsz == 0 {
			memsz = uint32(len(s.data))
		}
		le.PutUint32(ph[0:], 1) // PT_LOAD
		le.PutUint32(ph[4:], uint32(len(out)))
		le.PutUint32(ph[8:], s.vaddr)
		le.PutUint32(ph[12:], s.paddr)
		le.PutUint32(ph[16:], uint32(len(s.data)))
		le.PutUint32(ph[20:], memsz)
		le.PutUint32(ph[28:], 4)
		out = append(out, s.data...)
	}
	return out
}

func TestLoadELF(t *testing.T) {
	data := buildELF(0x08000101, []segment{
		{vaddr: 0x08000000, paddr: 0x08000000, data: []byte("vector+text")},
		// .data runs from RAM but is stored after .text.
		{vaddr: 0x20000000, paddr: 0x0800000b, data: []byte("DATA"), memsz: 0x100},
		{vaddr: 0x20000100, paddr: 0x20000100, memsz: 0x40},
	})
	im, err := LoadELF(data)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := im.Entry, uint64(0x08000101); got != want {
		t.Errorf("entry: got 0x%x, want 0x%x", got, want)
	}
	want := chunks([]chunkCase{{0x08000000, "vector+textDATA"}})
	if diff := cmp.Diff(want, im.Chunks); diff != "" {
		t.Errorf("chunks (-want +got):\n%s", diff)
	}
	if _, err := LoadELF([]byte("nope")); err == nil {
		t.Errorf("garbage was accepted")
	}
}

func TestDetect(t *testing.T) {
	elfData := buildELF(0, []segment{{data: []byte{1}}})
	for _, tc := range []struct {
		name string
		data []byte
		want Format
	}{
		{"fw.elf", elfData, FormatELF},
		{"fw.bin", elfData, FormatELF},
		{"fw.HEX", []byte(":00000001FF"), FormatHex},
		{"fw.bin", []byte{1, 2, 3}, FormatBinary},
	} {
		if got := Detect(tc.name, tc.data); got != tc.want {
			t.Errorf("Detect(%q): got %d, want %d", tc.name, got, tc.want)
		}
	}
	im, err := Load(FormatBinary, []byte{1, 2}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]flash.Chunk{{Addr: 0x1000, Data: []byte{1, 2}}}, im.Chunks); diff != "" {
		t.Errorf("binary (-want +got):\n%s", diff)
	}
}

func TestOverlap(t *testing.T) {
	im := &Image{Chunks: chunks([]chunkCase{{0x10, "abcd"}, {0x0, "0123456789abcdef!"}})}
	if err := im.normalize(); err == nil {
		t.Errorf("overlapping chunks were accepted")
	}
}
