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

// Package image turns firmware files into chunks for the flash loader.
package image

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/flash"
)

type Format int

const (
	FormatBinary Format = iota
	FormatHex
	FormatELF
)

// Image is a set of non-overlapping chunks in address order.
type Image struct {
	Chunks []flash.Chunk
	// Entry is the start address, if the file has one.
	Entry uint64
}

func (im *Image) Size() int {
	n := 0
	for _, c := range im.Chunks {
		n += len(c.Data)
	}
	return n
}

// Detect guesses the format from the file name and contents.
func Detect(name string, data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		return FormatELF
	case strings.HasSuffix(strings.ToLower(name), ".hex") || strings.HasSuffix(strings.ToLower(name), ".ihex"):
		return FormatHex
	}
	return FormatBinary
}

// Load parses data in format f. base is used by binary images only.
func Load(f Format, data []byte, base uint64) (*Image, error) {
	switch f {
	case FormatHex:
		return LoadHex(data)
	case FormatELF:
		return LoadELF(data)
	}
	return LoadBinary(data, base), nil
}

func LoadBinary(data []byte, base uint64) *Image {
	return &Image{Chunks: []flash.Chunk{{Addr: base, Data: data}}, Entry: base}
}

// LoadHex parses Intel HEX. Contiguous data records are merged into one
// chunk.
func LoadHex(data []byte) (*Image, error) {
	im := &Image{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	var cur *flash.Chunk
	var base uint64
	eof := false
	for !eof && scanner.Scan() {
		lineNo++
		l := strings.TrimSpace(scanner.Text())
		if len(l) == 0 {
			continue
		}
		if l[0] != ':' {
			return nil, errors.Errorf("line %d: invalid start of the line", lineNo)
		}
		if len(l) < 11 || len(l)%2 != 1 {
			return nil, errors.Errorf("line %d: too short (%d)", lineNo, len(l))
		}
		ld, err := hex.DecodeString(l[1:])
		if err != nil {
			return nil, errors.Errorf("line %d: error decoding record body", lineNo)
		}
		recLen := int(ld[0])
		if len(ld) != 4+recLen+1 {
			return nil, errors.Errorf("line %d: invalid length %d", lineNo, len(ld))
		}
		var cs uint8
		for _, b := range ld[:len(ld)-1] {
			cs += b
		}
		if cs = -cs; cs != ld[len(ld)-1] {
			return nil, errors.Errorf("line %d: invalid checksum (want %02x, got %02x)", lineNo, ld[len(ld)-1], cs)
		}
		offset := binary.BigEndian.Uint16(ld[1:])
		payload := ld[4 : 4+recLen]
		switch recType := ld[3]; recType {
		case 0:
			addr := base + uint64(offset)
			if cur == nil || addr != cur.End() {
				// There is a discontinuity in data, start a new chunk.
				im.Chunks = append(im.Chunks, flash.Chunk{Addr: addr})
				cur = &im.Chunks[len(im.Chunks)-1]
			}
			cur.Data = append(cur.Data, payload...)
		case 1:
			eof = true
		case 2:
			if recLen != 2 {
				return nil, errors.Errorf("line %d: invalid extended segment address", lineNo)
			}
			base = uint64(binary.BigEndian.Uint16(payload)) << 4
		case 3:
			if recLen != 4 {
				return nil, errors.Errorf("line %d: invalid start segment address", lineNo)
			}
			im.Entry = uint64(binary.BigEndian.Uint16(payload))<<4 + uint64(binary.BigEndian.Uint16(payload[2:]))
		case 4:
			if recLen != 2 {
				return nil, errors.Errorf("line %d: invalid extended linear address", lineNo)
			}
			base = uint64(binary.BigEndian.Uint16(payload)) << 16
		case 5:
			if recLen != 4 {
				return nil, errors.Errorf("line %d: invalid start linear address", lineNo)
			}
			im.Entry = uint64(binary.BigEndian.Uint32(payload))
		default:
			return nil, errors.Errorf("line %d: unsupported record type (%d)", lineNo, recType)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotatef(err, "line %d", lineNo)
	}
	if !eof {
		return nil, errors.Errorf("unexpected end of data")
	}
	return im, errors.Trace(im.normalize())
}

// LoadELF collects the PT_LOAD segments of an ELF file at their physical
// addresses. BSS is not included.
func LoadELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Annotatef(err, "invalid ELF file")
	}
	defer f.Close()
	im := &Image{Entry: f.Entry}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		d, err := io.ReadAll(p.Open())
		if err != nil {
			return nil, errors.Annotatef(err, "segment at 0x%x", p.Paddr)
		}
		glog.V(1).Infof("segment: paddr 0x%08x vaddr 0x%08x size %d", p.Paddr, p.Vaddr, len(d))
		im.Chunks = append(im.Chunks, flash.Chunk{Addr: p.Paddr, Data: d})
	}
	if len(im.Chunks) == 0 {
		return nil, errors.Errorf("no loadable segments")
	}
	return im, errors.Trace(im.normalize())
}

// normalize sorts the chunks, merges adjacent ones and rejects overlaps.
func (im *Image) normalize() error {
	sort.SliceStable(im.Chunks, func(i, j int) bool { return im.Chunks[i].Addr < im.Chunks[j].Addr })
	var res []flash.Chunk
	for _, c := range im.Chunks {
		if n := len(res); n > 0 {
			last := &res[n-1]
			switch {
			case c.Addr < last.End():
				return errors.Errorf("data at 0x%08x overlaps [0x%08x, 0x%08x)", c.Addr, last.Addr, last.End())
			case c.Addr == last.End():
				last.Data = append(last.Data, c.Data...)
				continue
			}
		}
		res = append(res, c)
	}
	im.Chunks = res
	return nil
}
