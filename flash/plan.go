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
	"fmt"
	"sort"

	"github.com/boljen/go-bitmap"
	"github.com/golang/glog"

	"github.com/mongoose-os/probekit/dbgerr"
)

// Chunk is a run of bytes to be written at Addr.
type Chunk struct {
	Addr uint64
	Data []byte
}

func (c Chunk) End() uint64 {
	return c.Addr + uint64(len(c.Data))
}

// Page is one programming unit with its final content.
type Page struct {
	Addr uint64
	Data []byte
}

// Fill is a part of a page that keeps the current flash content. It is read
// back before the containing sector is erased.
type Fill struct {
	Page int
	Addr uint64
	Size uint64
}

// Layout is what a commit does to one region.
type Layout struct {
	Region    *Region
	// Sectors to erase, empty when ChipErase is set.
	Sectors   []Sector
	Pages     []Page
	Fills     []Fill
	ChipErase bool
}

func (l *Layout) String() string {
	return fmt.Sprintf("%s: %d sectors, %d pages, %d fills, chip erase %t",
		l.Region.Name, len(l.Sectors), len(l.Pages), len(l.Fills), l.ChipErase)
}

// EraseSize is the number of bytes erased sector by sector.
func (l *Layout) EraseSize() uint64 {
	var n uint64
	for _, s := range l.Sectors {
		n += s.Size
	}
	return n
}

func (l *Layout) ProgramSize() uint64 {
	return uint64(len(l.Pages)) * l.Region.PageSize
}

// Plan intersects chunks with the sector and page grid of r. Chunks must
// be sorted, non-overlapping and inside r.
//
// Every sector holding a chunk byte is erased, unless chipErase is set. A
// page holding a chunk byte is programmed; its other bytes get the erased
// value. With keepUnwritten every page of an erased sector is programmed
// and the bytes not covered by chunks become fills, so that they keep their
// content. A chip erase drops everything outside the chunks, so fills are
// not planned then.
func Plan(r *Region, chunks []Chunk, keepUnwritten, chipErase bool) (*Layout, error) {
	l := &Layout{Region: r, ChipErase: chipErase}
	sectors := map[uint64]Sector{}
	pages := map[uint64]int{}
	var written []bitmap.Bitmap
	page := func(addr uint64) int {
		base := addr - (addr-r.Start)%r.PageSize
		if i, ok := pages[base]; ok {
			return i
		}
		data := make([]byte, r.PageSize)
		for j := range data {
			data[j] = r.ErasedValue
		}
		pages[base] = len(l.Pages)
		l.Pages = append(l.Pages, Page{Addr: base, Data: data})
		written = append(written, bitmap.New(int(r.PageSize)))
		return len(l.Pages) - 1
	}
	for _, c := range chunks {
		if c.Addr < r.Start || c.End() > r.End {
			return nil, dbgerr.Flash(dbgerr.RegionNotFound, "data [0x%08x, 0x%08x) is not inside %s", c.Addr, c.End(), r)
		}
		for addr := c.Addr; addr < c.End(); {
			s, ok := r.SectorAt(addr)
			if !ok {
				return nil, dbgerr.Flash(dbgerr.RegionNotFound, "no sector at 0x%08x in %s", addr, r)
			}
			sectors[s.Addr] = s
			i := page(addr)
			p := &l.Pages[i]
			end := p.Addr + r.PageSize
			if c.End() < end {
				end = c.End()
			}
			copy(p.Data[addr-p.Addr:], c.Data[addr-c.Addr:end-c.Addr])
			for a := addr; a < end; a++ {
				written[i].Set(int(a-p.Addr), true)
			}
			addr = end
		}
	}
	for _, s := range sectors {
		if !chipErase {
			l.Sectors = append(l.Sectors, s)
		}
		if keepUnwritten && !chipErase {
			for a := s.Addr; a < s.End(); a += r.PageSize {
				page(a)
			}
		}
	}
	sort.Slice(l.Sectors, func(i, j int) bool { return l.Sectors[i].Addr < l.Sectors[j].Addr })
	// Pages were created out of order; keep coverage in step when sorting.
	order := make([]int, len(l.Pages))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return l.Pages[order[i]].Addr < l.Pages[order[j]].Addr })
	sorted := make([]Page, len(l.Pages))
	sortedWritten := make([]bitmap.Bitmap, len(l.Pages))
	for i, j := range order {
		sorted[i], sortedWritten[i] = l.Pages[j], written[j]
	}
	l.Pages, written = sorted, sortedWritten
	if keepUnwritten && !chipErase {
		for i, p := range l.Pages {
			l.Fills = append(l.Fills, gaps(i, p.Addr, written[i], int(r.PageSize))...)
		}
	}
	glog.V(2).Infof("flash plan %s", l)
	return l, nil
}

// gaps lists the runs of unwritten bytes of page i.
func gaps(i int, base uint64, written bitmap.Bitmap, n int) []Fill {
	var res []Fill
	for j := 0; j < n; {
		if written.Get(j) {
			j++
			continue
		}
		k := j
		for k < n && !written.Get(k) {
			k++
		}
		res = append(res, Fill{Page: i, Addr: base + uint64(j), Size: uint64(k - j)})
		j = k
	}
	return res
}

// IsErased reports whether data holds nothing but the erased value.
func (r *Region) IsErased(data []byte) bool {
	for _, b := range data {
		if b != r.ErasedValue {
			return false
		}
	}
	return true
}
