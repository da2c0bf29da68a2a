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

package jtag_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/probe/bitseq"
	"github.com/mongoose-os/probekit/probe/fake"
)

func TestPath(t *testing.T) {
	if diff := cmp.Diff([]bool{true, false, false}, jtag.Path(jtag.RunTestIdle, jtag.ShiftDR)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, true, false, false}, jtag.Path(jtag.RunTestIdle, jtag.ShiftIR)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	for from := jtag.TestLogicReset; from <= jtag.UpdateIR; from++ {
		for to := jtag.TestLogicReset; to <= jtag.UpdateIR; to++ {
			if got := from.Walk(jtag.Path(from, to)); got != to {
				t.Errorf("%s -> %s: ended in %s", from, to, got)
			}
		}
		if got := from.Walk([]bool{true, true, true, true, true}); got != jtag.TestLogicReset {
			t.Errorf("5xTMS=1 from %s ended in %s", from, got)
		}
	}
}

// regTAP has an 8-bit data register behind IR 0x2.
type regTAP struct {
	val     uint8
	updates []uint8
}

func (r *regTAP) IRLen() int     { return 4 }
func (r *regTAP) IDCode() uint32 { return 0x10000001 }

func (r *regTAP) DRLen(ir uint32) int {
	if ir == 0x2 {
		return 8
	}
	return 0
}

func (r *regTAP) CaptureDR(ir uint32) uint64 {
	return uint64(r.val)
}

func (r *regTAP) UpdateDR(ir uint32, v uint64) {
	r.val = uint8(v)
	r.updates = append(r.updates, r.val)
}

func TestScanChain(t *testing.T) {
	c := fake.NewChain(
		&fake.BypassTAP{IR: 4, ID: 0x4ba00477},
		&fake.BypassTAP{IR: 5},
		&fake.BypassTAP{IR: 5, ID: 0x06431041},
	)
	e := jtag.New(c, jtag.DefaultOptions())
	chain, err := e.ScanChain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []jtag.TapInfo{{IDCode: 0x4ba00477, IRLen: 4}, {IRLen: 5}, {IDCode: 0x06431041, IRLen: 5}}
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got, want := e.State(), jtag.RunTestIdle; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
	if got, want := c.State(), jtag.RunTestIdle; got != want {
		t.Errorf("chain got: %s, want: %s", got, want)
	}
}

func TestSelectedTAP(t *testing.T) {
	r := &regTAP{val: 0x3c}
	c := fake.NewChain(&fake.BypassTAP{IR: 4, ID: 0x4ba00477}, r, &fake.BypassTAP{IR: 5, ID: 0x06431041})
	e := jtag.New(c, jtag.DefaultOptions())
	ctx := context.Background()
	if _, err := e.ScanChain(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.SelectTarget(1); err != nil {
		t.Fatal(err)
	}
	got, err := e.ScanDR(ctx, 0x2, 0xa5, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x3c {
		t.Errorf("got: 0x%x, want: 0x3c", got)
	}
	if got, err = e.ScanDR(ctx, 0x2, 0x5a, 8); err != nil || got != 0xa5 {
		t.Errorf("got: 0x%x %v, want: 0xa5", got, err)
	}
	if diff := cmp.Diff([]uint8{0xa5, 0x5a}, r.updates); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if c.IR(0) != 0xf || c.IR(1) != 0x2 || c.IR(2) != 0x1f {
		t.Errorf("IRs: 0x%x 0x%x 0x%x", c.IR(0), c.IR(1), c.IR(2))
	}
	if err := e.SelectTarget(3); err == nil {
		t.Errorf("selecting a TAP past the chain must fail")
	}
}

func TestSetIRIsCached(t *testing.T) {
	r := &regTAP{}
	c := fake.NewChain(r)
	e := jtag.New(c, jtag.DefaultOptions())
	ctx := context.Background()
	if _, err := e.ScanChain(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.SetIR(ctx, 0x2); err != nil {
		t.Fatal(err)
	}
	cycles := c.Cycles
	if err := e.SetIR(ctx, 0x2); err != nil {
		t.Fatal(err)
	}
	if c.Cycles != cycles {
		t.Errorf("second SetIR clocked %d cycles", c.Cycles-cycles)
	}
	if err := e.ResetTAP(ctx); err != nil {
		t.Fatal(err)
	}
	cycles = c.Cycles
	if err := e.SetIR(ctx, 0x2); err != nil {
		t.Fatal(err)
	}
	if c.Cycles == cycles {
		t.Errorf("SetIR after a TAP reset must rescan the IR")
	}
}

func TestBatch(t *testing.T) {
	r := &regTAP{val: 1}
	c := fake.NewChain(r)
	e := jtag.New(c, jtag.Options{IdleCycles: 3})
	ctx := context.Background()
	if _, err := e.ScanChain(ctx); err != nil {
		t.Fatal(err)
	}
	b := e.NewBatch()
	if err := b.SetIR(0x2); err != nil {
		t.Fatal(err)
	}
	var idx []int
	for _, v := range []uint64{2, 3, 4} {
		idx = append(idx, b.ShiftDR(bitseq.FromUint(v, 8), true))
	}
	res, err := b.Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got []uint64
	for _, i := range idx {
		got = append(got, bitseq.ToUint(res[i]))
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.State(), jtag.RunTestIdle; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
}

func TestIRLengthOverride(t *testing.T) {
	c := fake.NewChain(&fake.BypassTAP{IR: 4, ID: 0x4ba00477}, &fake.BypassTAP{IR: 5, ID: 0x06431041})
	e := jtag.New(c, jtag.Options{IRLengths: []int{4, 4}})
	if _, err := e.ScanChain(context.Background()); !dbgerr.Is(err, dbgerr.KindTargetDescription) {
		t.Errorf("want TargetDescription error, got %v", err)
	}
	e = jtag.New(c, jtag.Options{IRLengths: []int{4, 5}})
	chain, err := e.ScanChain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := chain[1].IRLen, 5; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func TestEmptyChain(t *testing.T) {
	e := jtag.New(fake.NewChain(), jtag.DefaultOptions())
	if _, err := e.ScanChain(context.Background()); !dbgerr.IsDetail(err, dbgerr.JtagNoIdcode) {
		t.Errorf("want NoIdcode, got %v", err)
	}
}

func TestTapInfo(t *testing.T) {
	ti := jtag.TapInfo{IDCode: 0x4ba00477, IRLen: 4}
	if got, want := ti.Designer(), uint16(0x23b); got != want {
		t.Errorf("got: 0x%x, want: 0x%x", got, want)
	}
	if ti.Part() != 0xba00 || ti.Version() != 4 {
		t.Errorf("part 0x%x version %d", ti.Part(), ti.Version())
	}
	if s := ti.String(); !strings.Contains(s, "ARM") {
		t.Errorf("%q does not name the designer", s)
	}
}
