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

// Package jtag tracks the IEEE 1149.1 TAP state of a scan chain and turns IR
// and DR scans into raw TMS/TDI cycles for the probe.
package jtag

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/probe/bitseq"
)

// Shifter clocks raw JTAG cycles. Every probe.Probe is a Shifter.
type Shifter interface {
	RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error)
}

type Options struct {
	// IdleCycles are spent in Run-Test/Idle after every Update.
	IdleCycles int
	// IRLengths overrides IR length detection, one entry per TAP starting
	// with the TAP closest to TDO.
	IRLengths []int
}

func DefaultOptions() Options {
	return Options{}
}

// Engine drives one scan chain. Public operations start and end in
// Run-Test/Idle. It is not safe for concurrent use.
type Engine struct {
	sh    Shifter
	opts  Options
	state State

	chain    []TapInfo
	selected int

	// IR last loaded into the selected TAP.
	irValid bool
	ir      uint32
}

func New(sh Shifter, opts Options) *Engine {
	return &Engine{sh: sh, opts: opts, state: TestLogicReset}
}

// State is the TAP state the engine believes the chain is in.
func (e *Engine) State() State {
	return e.state
}

func (e *Engine) SetIdleCycles(n int) {
	e.opts.IdleCycles = n
}

func (e *Engine) IdleCycles() int {
	return e.opts.IdleCycles
}

// ResetTAP clocks five TMS=1 cycles, which reach Test-Logic-Reset from any
// state, and then enters Run-Test/Idle.
func (e *Engine) ResetTAP(ctx context.Context) error {
	tms := []bool{true, true, true, true, true, false}
	glog.V(3).Infof("TAP reset")
	_, err := e.sh.RawJTAGShift(ctx, tms, make([]bool, len(tms)), false)
	e.irValid = false
	if err != nil {
		e.state = TestLogicReset
		return errors.Annotatef(err, "TAP reset")
	}
	e.state = RunTestIdle
	return nil
}

// ShiftIR loads bits into the IR of the selected TAP and returns the
// captured IR value. Other TAPs are put in BYPASS.
func (e *Engine) ShiftIR(ctx context.Context, bits []bool) ([]bool, error) {
	b := e.NewBatch()
	i := b.ShiftIR(bits, true)
	res, err := b.Execute(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return res[i], nil
}

// ShiftDR shifts bits through the DR of the selected TAP and returns the
// captured bits.
func (e *Engine) ShiftDR(ctx context.Context, bits []bool) ([]bool, error) {
	b := e.NewBatch()
	i := b.ShiftDR(bits, true)
	res, err := b.Execute(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return res[i], nil
}

// SetIR loads ir into the selected TAP unless it is already loaded.
func (e *Engine) SetIR(ctx context.Context, ir uint32) error {
	b := e.NewBatch()
	if err := b.SetIR(ir); err != nil {
		return errors.Trace(err)
	}
	_, err := b.Execute(ctx)
	return errors.Trace(err)
}

// ScanDR selects ir and shifts an n-bit value through the DR.
func (e *Engine) ScanDR(ctx context.Context, ir uint32, v uint64, n int) (uint64, error) {
	b := e.NewBatch()
	if err := b.SetIR(ir); err != nil {
		return 0, errors.Trace(err)
	}
	i := b.ShiftDR(bitseq.FromUint(v, n), true)
	res, err := b.Execute(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return bitseq.ToUint(res[i]), nil
}

// irLen is the IR length of the selected TAP, 0 if unknown.
func (e *Engine) irLen() int {
	if e.selected < len(e.chain) {
		return e.chain[e.selected].IRLen
	}
	return 0
}

// padding returns the number of bits before and after the selected TAP in
// an IR (BYPASS ones) and DR (one bit per TAP) scan.
func (e *Engine) padding(ir bool) (pre, post int) {
	for i, t := range e.chain {
		n := 1
		if ir {
			n = t.IRLen
		}
		switch {
		case i < e.selected:
			pre += n
		case i > e.selected:
			post += n
		}
	}
	return pre, post
}

type scan struct {
	ir      bool
	tdi     []bool
	capture bool
}

// Batch queues IR and DR scans that are executed with a single raw shift.
type Batch struct {
	e     *Engine
	scans []scan

	irValid bool
	ir      uint32
}

func (e *Engine) NewBatch() *Batch {
	return &Batch{e: e, irValid: e.irValid, ir: e.ir}
}

// Len is the number of queued scans.
func (b *Batch) Len() int {
	return len(b.scans)
}

// ShiftIR queues an IR scan and returns its result index.
func (b *Batch) ShiftIR(bits []bool, capture bool) int {
	b.scans = append(b.scans, scan{ir: true, tdi: bits, capture: capture})
	b.irValid = false
	return len(b.scans) - 1
}

// SetIR queues an IR scan for ir unless ir is already loaded at this point
// of the batch.
func (b *Batch) SetIR(ir uint32) error {
	if b.irValid && b.ir == ir {
		return nil
	}
	n := b.e.irLen()
	if n == 0 {
		return errors.Errorf("IR length of TAP %d is unknown, scan the chain first", b.e.selected)
	}
	b.scans = append(b.scans, scan{ir: true, tdi: bitseq.FromUint(uint64(ir), n)})
	b.irValid, b.ir = true, ir
	return nil
}

// ShiftDR queues a DR scan and returns its result index.
func (b *Batch) ShiftDR(bits []bool, capture bool) int {
	b.scans = append(b.scans, scan{tdi: bits, capture: capture})
	return len(b.scans) - 1
}

// Execute runs the queued scans. The result has one entry per queued scan,
// nil where capture was not requested.
func (b *Batch) Execute(ctx context.Context) ([][]bool, error) {
	e := b.e
	res := make([][]bool, len(b.scans))
	if len(b.scans) == 0 {
		return res, nil
	}
	var tms, tdi []bool
	capture := false
	offsets := make([]int, len(b.scans))
	state := e.state
	for i, s := range b.scans {
		pre, post := e.padding(s.ir)
		shift := ShiftDR
		fill := false
		if s.ir {
			shift, fill = ShiftIR, true
		}
		p := Path(state, shift)
		tms = append(tms, p...)
		tdi = append(tdi, make([]bool, len(p))...)
		offsets[i] = len(tms) + pre
		data := bitseq.Concat(bitseq.Repeat(fill, pre), s.tdi, bitseq.Repeat(fill, post))
		if len(data) == 0 {
			return nil, errors.Errorf("empty scan")
		}
		tdi = append(tdi, data...)
		tms = append(tms, bitseq.Repeat(false, len(data)-1)...)
		tms = append(tms, true)
		// Exit1 -> Update -> Run-Test/Idle.
		tms = append(tms, true, false)
		tdi = append(tdi, false, false)
		for j := 0; j < e.opts.IdleCycles; j++ {
			tms = append(tms, false)
			tdi = append(tdi, false)
		}
		state = RunTestIdle
		capture = capture || s.capture
	}
	glog.V(3).Infof("JTAG batch: %d scans, %d cycles", len(b.scans), len(tms))
	tdo, err := e.sh.RawJTAGShift(ctx, tms, tdi, capture)
	if err != nil {
		e.irValid = false
		return nil, errors.Annotatef(err, "JTAG batch of %d scans", len(b.scans))
	}
	e.state = RunTestIdle
	e.irValid, e.ir = b.irValid, b.ir
	if !capture {
		return res, nil
	}
	if len(tdo) != len(tms) {
		return nil, errors.Errorf("captured %d bits, want %d", len(tdo), len(tms))
	}
	for i, s := range b.scans {
		if s.capture {
			res[i] = tdo[offsets[i] : offsets[i]+len(s.tdi)]
		}
	}
	return res, nil
}
