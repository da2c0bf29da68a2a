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

// Package flash programs non-volatile memory through flash algorithms: small
// position independent routines that are loaded into target RAM and called
// with the core's calling convention.
package flash

import (
	"fmt"
	"sort"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

// SectorDesc starts a run of equally sized sectors at Offset from the start
// of the region. The run lasts until the next descriptor or the region end.
type SectorDesc struct {
	Offset uint64
	Size   uint64
}

// Region is a flash region: an address range with a page and sector grid
// and the algorithm that programs it.
type Region struct {
	Name  string
	Start uint64
	End   uint64

	// PageSize is the programming granule.
	PageSize    uint64
	// Sectors is ordered by Offset and starts at offset 0.
	Sectors     []SectorDesc
	ErasedValue byte
	// Algorithm programs the region. Regions that share an algorithm are
	// erased together by EraseChip.
	Algorithm   *RawAlgorithm
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r *Region) String() string {
	return fmt.Sprintf("%s [0x%08x, 0x%08x)", r.Name, r.Start, r.End)
}

// MemoryRegion is r as seen by memory bounds checks.
func (r *Region) MemoryRegion() memory.Region {
	return memory.Region{Name: r.Name, Kind: memory.NVM, Start: r.Start, End: r.End}
}

// Sector is one erase unit.
type Sector struct {
	Addr uint64
	Size uint64
}

func (s Sector) End() uint64 {
	return s.Addr + s.Size
}

// SectorAt returns the sector containing addr.
func (r *Region) SectorAt(addr uint64) (Sector, bool) {
	if !r.Contains(addr) || len(r.Sectors) == 0 {
		return Sector{}, false
	}
	off := addr - r.Start
	i := sort.Search(len(r.Sectors), func(i int) bool { return r.Sectors[i].Offset > off }) - 1
	if i < 0 {
		return Sector{}, false
	}
	d := r.Sectors[i]
	n := (off - d.Offset) / d.Size
	return Sector{Addr: r.Start + d.Offset + n*d.Size, Size: d.Size}, true
}

// AllSectors lists every sector of the region in address order.
func (r *Region) AllSectors() []Sector {
	var res []Sector
	for addr := r.Start; addr < r.End; {
		s, ok := r.SectorAt(addr)
		if !ok {
			break
		}
		res = append(res, s)
		addr = s.End()
	}
	return res
}

// Validate checks the sector table against the region bounds.
func (r *Region) Validate() error {
	switch {
	case r.End <= r.Start:
		return dbgerr.TargetDescription("flash region %s is empty", r.Name)
	case r.PageSize == 0:
		return dbgerr.TargetDescription("flash region %s has no page size", r.Name)
	case len(r.Sectors) == 0 || r.Sectors[0].Offset != 0:
		return dbgerr.TargetDescription("flash region %s: sector table must start at offset 0", r.Name)
	}
	for i, d := range r.Sectors {
		if d.Size == 0 || d.Size%r.PageSize != 0 {
			return dbgerr.TargetDescription("flash region %s: sector size 0x%x is not a multiple of page size 0x%x", r.Name, d.Size, r.PageSize)
		}
		if i > 0 && d.Offset <= r.Sectors[i-1].Offset {
			return dbgerr.TargetDescription("flash region %s: sector table is not sorted", r.Name)
		}
	}
	return nil
}

// regionFor finds the flash region holding addr.
func regionFor(regions []*Region, addr uint64) (*Region, error) {
	for _, r := range regions {
		if r.Contains(addr) {
			return r, nil
		}
	}
	return nil, dbgerr.Flash(dbgerr.RegionNotFound, "no flash region contains 0x%08x", addr)
}
