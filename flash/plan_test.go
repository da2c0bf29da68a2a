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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/flash"
	"github.com/mongoose-os/probekit/memory"
)

// stm32Region has 16, 64 and 128 KiB sectors like an STM32F4 bank.
func stm32Region() *flash.Region {
	return &flash.Region{
		Name:     "bank1",
		Start:    0x08000000,
		End:      0x08100000,
		PageSize: 0x400,
		Sectors: []flash.SectorDesc{
			{Offset: 0, Size: 0x4000},
			{Offset: 0x10000, Size: 0x10000},
			{Offset: 0x20000, Size: 0x20000},
		},
		ErasedValue: 0xff,
	}
}

func TestSectorAt(t *testing.T) {
	r := stm32Region()
	for _, tc := range []struct {
		addr uint64
		want flash.Sector
		ok   bool
	}{
		{0x08000000, flash.Sector{Addr: 0x08000000, Size: 0x4000}, true},
		{0x0800c123, flash.Sector{Addr: 0x0800c000, Size: 0x4000}, true},
		{0x08010000, flash.Sector{Addr: 0x08010000, Size: 0x10000}, true},
		{0x08030000, flash.Sector{Addr: 0x08020000, Size: 0x20000}, true},
		{0x080fffff, flash.Sector{Addr: 0x080e0000, Size: 0x20000}, true},
		{0x08100000, flash.Sector{}, false},
	} {
		got, ok := r.SectorAt(tc.addr)
		if got != tc.want || ok != tc.ok {
			t.Errorf("SectorAt(0x%x): got %+v %t, want %+v %t", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
	if got, want := len(r.AllSectors()), 4+1+7; got != want {
		t.Errorf("AllSectors: got %d, want %d", got, want)
	}
	if err := r.Validate(); err != nil {
		t.Error(err)
	}
}

func TestValidate(t *testing.T) {
	r := stm32Region()
	r.Sectors[1].Size = 0x10001
	if err := r.Validate(); !dbgerr.Is(err, dbgerr.KindTargetDescription) {
		t.Errorf("got %v, want TargetDescription", err)
	}
	r = stm32Region()
	r.Sectors[0].Offset = 0x100
	if err := r.Validate(); !dbgerr.Is(err, dbgerr.KindTargetDescription) {
		t.Errorf("got %v, want TargetDescription", err)
	}
}

func TestPlanSpansSectors(t *testing.T) {
	r := stm32Region()
	chunks := []flash.Chunk{{Addr: 0x0800fe00, Data: make([]byte, 0x400)}}
	l, err := flash.Plan(r, chunks, false, false)
	if err != nil {
		t.Fatal(err)
	}
	wantSectors := []flash.Sector{{Addr: 0x0800c000, Size: 0x4000}, {Addr: 0x08010000, Size: 0x10000}}
	if diff := cmp.Diff(wantSectors, l.Sectors); diff != "" {
		t.Errorf("sectors (-want +got):\n%s", diff)
	}
	var pages []uint64
	for _, p := range l.Pages {
		pages = append(pages, p.Addr)
	}
	if diff := cmp.Diff([]uint64{0x0800fc00, 0x08010000}, pages); diff != "" {
		t.Errorf("pages (-want +got):\n%s", diff)
	}
	// Bytes of a page outside the chunks are left erased.
	for i, b := range l.Pages[0].Data[:0x200] {
		if b != 0xff {
			t.Fatalf("page byte %d: got 0x%02x, want 0xff", i, b)
		}
	}
	if len(l.Fills) != 0 {
		t.Errorf("unexpected fills %v", l.Fills)
	}
}

func TestPlanKeepUnwritten(t *testing.T) {
	r := &flash.Region{
		Name:        "flash",
		End:         0x10000,
		PageSize:    0x200,
		Sectors:     []flash.SectorDesc{{Offset: 0, Size: 0x1000}},
		ErasedValue: 0xff,
	}
	chunks := []flash.Chunk{{Addr: 0x100, Data: make([]byte, 0x300)}}
	l, err := flash.Plan(r, chunks, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(l.Pages), 8; got != want {
		t.Errorf("pages: got %d, want %d", got, want)
	}
	want := []flash.Fill{{Page: 0, Addr: 0, Size: 0x100}}
	for i := 2; i < 8; i++ {
		want = append(want, flash.Fill{Page: i, Addr: uint64(i) * 0x200, Size: 0x200})
	}
	if diff := cmp.Diff(want, l.Fills); diff != "" {
		t.Errorf("fills (-want +got):\n%s", diff)
	}

	l, err = flash.Plan(r, chunks, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Fills) != 0 || len(l.Sectors) != 0 || len(l.Pages) != 2 {
		t.Errorf("chip erase plan: %s", l)
	}
}

func TestPlanOutsideRegion(t *testing.T) {
	r := stm32Region()
	_, err := flash.Plan(r, []flash.Chunk{{Addr: 0x080ffff0, Data: make([]byte, 0x20)}}, false, false)
	if !dbgerr.IsDetail(err, dbgerr.RegionNotFound) {
		t.Errorf("got %v, want RegionNotFound", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	dev := flash.Device{
		Name:           "nRF52 Flash",
		Size:           0x80000,
		PageSize:       0x1000,
		ErasedValue:    0xff,
		ProgramTimeout: 100 * time.Millisecond,
		EraseTimeout:   3 * time.Second,
		Sectors:        []flash.SectorDesc{{Offset: 0, Size: 0x1000}},
	}
	code := make([]byte, 0x42)
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	raw, err := flash.ParseAlgorithm("nrf52", buildFLM(flmParts{
		code: code,
		data: data,
		bss:  8,
		dev:  devDesc(dev),
		symbols: map[string]uint32{
			"Init":        0x1,
			"UnInit":      0x5,
			"EraseSector": 0x9,
			"ProgramPage": 0x21,
			"EraseChip":   0x31,
			"Unrelated":   0x1000,
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(dev, raw.Device); diff != "" {
		t.Errorf("device (-want +got):\n%s", diff)
	}
	if got, want := raw.DataOffset, uint32(0x44); got != want {
		t.Errorf("data offset: got 0x%x, want 0x%x", got, want)
	}
	wantCode := append(append(append(append([]byte(nil), code...), 0, 0), data...), make([]byte, 8)...)
	if diff := cmp.Diff(wantCode, raw.Code); diff != "" {
		t.Errorf("code (-want +got):\n%s", diff)
	}
	gotEntries := []flash.Entry{raw.Init, raw.UnInit, raw.EraseSector, raw.ProgramPage, raw.EraseChip, raw.Verify, raw.BlankCheck}
	wantEntries := []flash.Entry{0x1, 0x5, 0x9, 0x21, 0x31, flash.NoEntry, flash.NoEntry}
	if diff := cmp.Diff(wantEntries, gotEntries); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
}

func TestParseAlgorithmErrors(t *testing.T) {
	dev := devDesc(testDevice())
	for _, tc := range []struct {
		name string
		flm  flmParts
	}{
		{"not elf", flmParts{}},
		{"no ProgramPage", flmParts{code: make([]byte, 16), dev: dev, symbols: map[string]uint32{"EraseSector": 1}}},
		{"short DevDsc", flmParts{code: make([]byte, 16), dev: dev[:100], symbols: map[string]uint32{"EraseSector": 1, "ProgramPage": 3}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			data := []byte("garbage")
			if tc.flm.code != nil {
				data = buildFLM(tc.flm)
			}
			if _, err := flash.ParseAlgorithm(tc.name, data); !dbgerr.Is(err, dbgerr.KindTargetDescription) {
				t.Errorf("got %v, want TargetDescription", err)
			}
		})
	}
}

func TestAssemble(t *testing.T) {
	raw := &flash.RawAlgorithm{
		Name:       "algo",
		Code:       make([]byte, 0x100),
		DataOffset: 0xc0,
		Device:     flash.Device{PageSize: 0x400},
	}
	ram := memory.Region{Name: "ram", Kind: memory.RAM, Start: 0x20000000, End: 0x20004000}
	a, err := flash.Assemble(raw, ram, core.Armv7m)
	if err != nil {
		t.Fatal(err)
	}
	want := &flash.Algorithm{
		LoadAddress: 0x20000200,
		Return:      0x20000200,
		StaticBase:  0x20000200 + 32 + 0xc0,
		StackTop:    0x20000200,
		StackSize:   512,
		PageBuffers: []uint64{0x20000320, 0x20000720},
		Thumb:       true,
	}
	if diff := cmp.Diff(want, a, cmpopts.IgnoreFields(flash.Algorithm{}, "RawAlgorithm", "Blob")); diff != "" {
		t.Errorf("layout (-want +got):\n%s", diff)
	}
	if got, want := a.Entry(0x41), uint64(0x20000260); got != want {
		t.Errorf("entry: got 0x%x, want 0x%x", got, want)
	}

	a, err = flash.Assemble(raw, ram, core.Riscv)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(a.Blob), 8+0x100; got != want || a.Thumb {
		t.Errorf("riscv blob: got %d bytes thumb %t, want %d", got, a.Thumb, want)
	}

	// The stack shrinks to make room for one buffer.
	small := memory.Region{Name: "ram", Kind: memory.RAM, Start: 0x20000000, End: 0x20000000 + 0x100 + 0x120 + 0x400}
	a, err = flash.Assemble(raw, small, core.Armv7m)
	if err != nil {
		t.Fatal(err)
	}
	if a.StackSize != 0x100 || a.DoubleBuffered() {
		t.Errorf("small RAM: stack %d, buffers %x", a.StackSize, a.PageBuffers)
	}

	tiny := memory.Region{Name: "ram", Kind: memory.RAM, Start: 0x20000000, End: 0x20000400}
	if _, err := flash.Assemble(raw, tiny, core.Armv7m); !dbgerr.IsDetail(err, dbgerr.RamTooSmall) {
		t.Errorf("got %v, want RamTooSmall", err)
	}
	if _, err := flash.Assemble(raw, ram, core.Xtensa); !dbgerr.Is(err, dbgerr.KindUnsupportedOperation) {
		t.Errorf("got %v, want UnsupportedOperation", err)
	}
}
