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
	"context"
	"sort"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

type Options struct {
	// KeepUnwritten preserves the bytes of erased sectors that no chunk
	// covers.
	KeepUnwritten bool
	// ChipErase erases with EraseChip when every touched algorithm has it.
	ChipErase bool
	Verify    bool

	DisableDoubleBuffering bool
	// Clock is passed to Init. Zero lets the algorithm pick.
	Clock    uint32
	Progress Progress
}

// Loader collects the data of an image and writes it to the target.
type Loader struct {
	regions []*Region
	ram     []memory.Region
	chunks  []Chunk
}

// NewLoader returns a loader for the given flash regions. Algorithms run in
// the first RAM region they fit in; RAM is also a valid destination for
// chunks.
func NewLoader(regions []*Region, ram []memory.Region) *Loader {
	return &Loader{regions: regions, ram: ram}
}

// AddData queues data for addr. Chunks must not overlap and must lie in a
// flash region or in RAM.
func (l *Loader) AddData(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c := Chunk{Addr: addr, Data: append([]byte(nil), data...)}
	if !l.known(c) {
		return dbgerr.Flash(dbgerr.RegionNotFound, "no flash or RAM region holds [0x%08x, 0x%08x)", c.Addr, c.End())
	}
	i := sort.Search(len(l.chunks), func(i int) bool { return l.chunks[i].Addr >= addr })
	if i > 0 && l.chunks[i-1].End() > addr {
		return errors.Errorf("data at 0x%08x overlaps [0x%08x, 0x%08x)", addr, l.chunks[i-1].Addr, l.chunks[i-1].End())
	}
	if i < len(l.chunks) && l.chunks[i].Addr < c.End() {
		return errors.Errorf("data at 0x%08x overlaps [0x%08x, 0x%08x)", addr, l.chunks[i].Addr, l.chunks[i].End())
	}
	l.chunks = append(l.chunks, Chunk{})
	copy(l.chunks[i+1:], l.chunks[i:])
	l.chunks[i] = c
	return nil
}

// known reports whether every byte of c lies in flash or RAM. A chunk may
// span adjacent regions.
func (l *Loader) known(c Chunk) bool {
	for addr := c.Addr; addr < c.End(); {
		end := uint64(0)
		for _, r := range l.regions {
			if r.Contains(addr) {
				end = r.End
			}
		}
		for _, r := range l.ram {
			if r.Contains(addr) {
				end = r.End
			}
		}
		if end == 0 {
			return false
		}
		addr = end
	}
	return true
}

func (l *Loader) Chunks() []Chunk {
	return l.chunks
}

// split clips the chunks to the flash regions. Chunks outside every flash
// region are returned as ram.
func (l *Loader) split() (map[*Region][]Chunk, []Chunk) {
	flash := map[*Region][]Chunk{}
	var ram []Chunk
	for _, c := range l.chunks {
		for addr := c.Addr; addr < c.End(); {
			r, err := regionFor(l.regions, addr)
			if err != nil {
				end := c.End()
				for _, fr := range l.regions {
					if fr.Start > addr && fr.Start < end {
						end = fr.Start
					}
				}
				ram = append(ram, Chunk{Addr: addr, Data: c.Data[addr-c.Addr : end-c.Addr]})
				addr = end
				continue
			}
			end := c.End()
			if r.End < end {
				end = r.End
			}
			flash[r] = append(flash[r], Chunk{Addr: addr, Data: c.Data[addr-c.Addr : end-c.Addr]})
			addr = end
		}
	}
	return flash, ram
}

// Commit writes the queued data: plans every touched region, reads back
// fills, erases, programs and, if asked, verifies.
func (l *Loader) Commit(ctx context.Context, c *core.Core, opts Options) error {
	p := progress{opts.Progress}
	flash, ram := l.split()
	var touched []*Region
	for _, r := range l.regions {
		if len(flash[r]) == 0 {
			continue
		}
		if err := r.Validate(); err != nil {
			return errors.Trace(err)
		}
		if r.Algorithm == nil {
			return dbgerr.TargetDescription("flash region %s has no algorithm", r.Name)
		}
		touched = append(touched, r)
	}
	chipErase := opts.ChipErase
	for _, r := range touched {
		if chipErase && !r.Algorithm.EraseChip.Present() {
			p.emit(Event{Kind: Message, Level: "warning", Text: "algorithm " + r.Algorithm.Name + " cannot erase the chip, erasing sectors"})
			chipErase = false
		}
	}
	layouts := map[*Region]*Layout{}
	for _, r := range touched {
		lay, err := Plan(r, flash[r], opts.KeepUnwritten, chipErase)
		if err != nil {
			return errors.Trace(err)
		}
		layouts[r] = lay
		p.emit(Event{Kind: Initialized, Layout: lay})
	}

	// Regions sharing an algorithm are done with one load of it.
	var algos []*RawAlgorithm
	groups := map[*RawAlgorithm][]*Region{}
	for _, r := range touched {
		if groups[r.Algorithm] == nil {
			algos = append(algos, r.Algorithm)
		}
		groups[r.Algorithm] = append(groups[r.Algorithm], r)
	}
	for _, a := range algos {
		f, err := l.newFlasher(ctx, c, a, opts.Clock, opts.Progress)
		if err != nil {
			return errors.Trace(err)
		}
		if err := l.commit(ctx, f, groups[a], layouts, chipErase, !opts.DisableDoubleBuffering); err != nil {
			return errors.Trace(err)
		}
	}

	mem := c.Memory()
	for _, ch := range ram {
		glog.V(1).Infof("writing %d bytes to RAM at 0x%08x", len(ch.Data), ch.Addr)
		if err := mem.Write(ctx, ch.Addr, ch.Data); err != nil {
			return errors.Trace(err)
		}
	}
	if opts.Verify {
		return errors.Trace(Verify(ctx, mem, l.chunks))
	}
	return nil
}

func (l *Loader) commit(ctx context.Context, f *Flasher, regions []*Region, layouts map[*Region]*Layout, chipErase, doubleBuffer bool) error {
	// Fills must be read before anything is erased.
	for _, r := range regions {
		if err := f.Fill(ctx, layouts[r]); err != nil {
			return errors.Annotatef(err, "fill %s", r.Name)
		}
	}
	if chipErase {
		if err := f.EraseChip(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	for _, r := range regions {
		lay := layouts[r]
		if !chipErase {
			if err := f.EraseSectors(ctx, lay.Sectors); err != nil {
				return errors.Annotatef(err, "erase %s", r.Name)
			}
		}
		if err := f.Program(ctx, lay.Pages, doubleBuffer); err != nil {
			return errors.Annotatef(err, "program %s", r.Name)
		}
	}
	return nil
}

// newFlasher loads a into the first RAM region with room for it.
func (l *Loader) newFlasher(ctx context.Context, c *core.Core, a *RawAlgorithm, clock uint32, sink Progress) (*Flasher, error) {
	if len(l.ram) == 0 {
		return nil, dbgerr.Flash(dbgerr.RamTooSmall, "no RAM for algorithm %s", a.Name)
	}
	var err error
	for _, ram := range l.ram {
		var f *Flasher
		if f, err = NewFlasher(ctx, c, a, ram, clock, sink); err == nil {
			return f, nil
		}
		if !dbgerr.IsDetail(err, dbgerr.RamTooSmall) {
			return nil, err
		}
	}
	return nil, err
}

// Verify reads the chunks back and reports the first differing byte.
func Verify(ctx context.Context, mem *memory.Memory, chunks []Chunk) error {
	for _, ch := range chunks {
		got, err := mem.Read(ctx, ch.Addr, len(ch.Data))
		if err != nil {
			return errors.Annotatef(err, "verify 0x%08x", ch.Addr)
		}
		if bytes.Equal(got, ch.Data) {
			continue
		}
		for i := range got {
			if got[i] != ch.Data[i] {
				return dbgerr.VerifyFailedErr(ch.Addr + uint64(i))
			}
		}
	}
	return nil
}

// EraseAll erases every sector of the regions, with EraseChip where the
// algorithm has it.
func EraseAll(ctx context.Context, c *core.Core, regions []*Region, ram []memory.Region, sink Progress) error {
	l := NewLoader(regions, ram)
	done := map[*RawAlgorithm]bool{}
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return errors.Trace(err)
		}
		if r.Algorithm == nil {
			return dbgerr.TargetDescription("flash region %s has no algorithm", r.Name)
		}
		if done[r.Algorithm] {
			continue
		}
		f, err := l.newFlasher(ctx, c, r.Algorithm, 0, sink)
		if err != nil {
			return errors.Trace(err)
		}
		if r.Algorithm.EraseChip.Present() {
			if err := f.EraseChip(ctx); err != nil {
				return errors.Annotatef(err, "erase %s", r.Name)
			}
			done[r.Algorithm] = true
			continue
		}
		if err := f.EraseSectors(ctx, r.AllSectors()); err != nil {
			return errors.Annotatef(err, "erase %s", r.Name)
		}
	}
	return nil
}
