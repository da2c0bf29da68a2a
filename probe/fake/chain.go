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

package fake

import (
	"context"

	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

// Device is a TAP behind the simulated scan chain. DR contents are limited
// to 64 bits, which covers IDCODE, DPACC/APACC, DMI and the Xtensa NAR/NDR.
type Device interface {
	IRLen() int
	// IDCode is loaded into the DR after Test-Logic-Reset; 0 selects BYPASS.
	IDCode() uint32
	// DRLen returns the DR length for ir, 0 for BYPASS.
	DRLen(ir uint32) int
	CaptureDR(ir uint32) uint64
	UpdateDR(ir uint32, v uint64)
}

// BypassTAP is a TAP with only IDCODE and BYPASS.
type BypassTAP struct {
	IR int
	ID uint32
}

func (b *BypassTAP) IRLen() int                   { return b.IR }
func (b *BypassTAP) IDCode() uint32               { return b.ID }
func (b *BypassTAP) DRLen(ir uint32) int          { return 0 }
func (b *BypassTAP) CaptureDR(ir uint32) uint64   { return 0 }
func (b *BypassTAP) UpdateDR(ir uint32, v uint64) {}

type tap struct {
	dev Device
	// idcode is set after Test-Logic-Reset until the next IR update.
	idcode bool
	ir     uint32
	reg    []bool
}

// Chain simulates TAPs sharing TMS and TCK. Index 0 is closest to TDO.
type Chain struct {
	state jtag.State
	taps  []*tap
	// Cycles counts every TCK cycle clocked.
	Cycles int
}

func NewChain(devs ...Device) *Chain {
	c := &Chain{state: jtag.TestLogicReset}
	for _, d := range devs {
		c.taps = append(c.taps, &tap{dev: d, idcode: true})
	}
	return c
}

func (c *Chain) State() jtag.State {
	return c.state
}

// IR returns the instruction loaded in TAP i.
func (c *Chain) IR(i int) uint32 {
	return c.taps[i].ir
}

func (t *tap) bypass() bool {
	return t.ir == 1<<uint(t.dev.IRLen())-1 || t.dev.DRLen(t.ir) == 0
}

func (t *tap) capture(ir bool) {
	switch {
	case ir:
		t.reg = bitseq.FromUint(1, t.dev.IRLen())
	case t.idcode && t.dev.IDCode() != 0:
		t.reg = bitseq.FromUint(uint64(t.dev.IDCode()), 32)
	case t.idcode || t.bypass():
		t.reg = []bool{false}
	default:
		t.reg = bitseq.FromUint(t.dev.CaptureDR(t.ir), t.dev.DRLen(t.ir))
	}
}

func (t *tap) update(ir bool) {
	v := bitseq.ToUint(t.reg)
	switch {
	case ir:
		t.ir = uint32(v)
		t.idcode = false
	case !t.idcode && !t.bypass():
		t.dev.UpdateDR(t.ir, v)
	}
}

// shift moves every register one bit towards TDO and returns the TDO bit.
func (c *Chain) shift(tdi bool) bool {
	if len(c.taps) == 0 {
		return tdi
	}
	in := tdi
	for i := len(c.taps) - 1; i >= 0; i-- {
		r := c.taps[i].reg
		out := r[0]
		copy(r, r[1:])
		r[len(r)-1] = in
		in = out
	}
	return in
}

// Shift clocks the cycles and returns TDO of every cycle.
func (c *Chain) Shift(tms, tdi []bool) []bool {
	tdo := make([]bool, len(tms))
	for i := range tms {
		c.Cycles++
		if c.state == jtag.ShiftDR || c.state == jtag.ShiftIR {
			tdo[i] = c.shift(tdi[i])
		}
		next := c.state.Next(tms[i])
		if next != c.state {
			for _, t := range c.taps {
				switch next {
				case jtag.TestLogicReset:
					t.idcode = true
				case jtag.CaptureDR:
					t.capture(false)
				case jtag.CaptureIR:
					t.capture(true)
				case jtag.UpdateDR:
					t.update(false)
				case jtag.UpdateIR:
					t.update(true)
				}
			}
		}
		c.state = next
	}
	return tdo
}

// RawJTAGShift lets a bare chain stand in for a probe.
func (c *Chain) RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error) {
	tdo := c.Shift(tms, tdi)
	if !capture {
		return nil, nil
	}
	return tdo, nil
}
