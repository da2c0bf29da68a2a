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

package jtag

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

const (
	maxChainBits = 1024
	maxTaps      = maxChainBits/32 - 1
)

// TapInfo describes one TAP of the chain. IDCode is 0 for a TAP that came
// up in BYPASS.
type TapInfo struct {
	IDCode uint32
	IRLen  int
}

func (t TapInfo) Bypass() bool {
	return t.IDCode == 0
}

// Manufacturer returns the JEP106 continuation count and identity code.
func (t TapInfo) Manufacturer() (bank, id uint8) {
	return uint8(t.IDCode>>8) & 0xf, uint8(t.IDCode>>1) & 0x7f
}

// Designer is the 11-bit JEP106 designer code, bank in the upper bits.
func (t TapInfo) Designer() uint16 {
	return uint16(t.IDCode>>1) & 0x7ff
}

func (t TapInfo) Part() uint16 {
	return uint16(t.IDCode >> 12)
}

func (t TapInfo) Version() uint8 {
	return uint8(t.IDCode >> 28)
}

var designers = map[uint16]string{
	0x020: "STMicroelectronics",
	0x015: "NXP",
	0x23b: "ARM",
	0x244: "Nordic",
	0x612: "Espressif",
	0x049: "Xilinx",
	0x489: "SiFive",
}

// Known IR lengths by designer, used when the capture pattern is ambiguous.
var designerIRLen = map[uint16]int{
	0x23b: 4,
	0x612: 5,
	0x020: 5,
}

func (t TapInfo) String() string {
	if t.Bypass() {
		return fmt.Sprintf("bypass (ir %d)", t.IRLen)
	}
	mfr, ok := designers[t.Designer()]
	if !ok {
		bank, id := t.Manufacturer()
		mfr = fmt.Sprintf("%d/0x%02x", bank, id)
	}
	return fmt.Sprintf("0x%08x (%s, part 0x%04x, version %d, ir %d)", t.IDCode, mfr, t.Part(), t.Version(), t.IRLen)
}

// Chain returns the TAPs found by the last ScanChain, closest to TDO first.
func (e *Engine) Chain() []TapInfo {
	return e.chain
}

// SetChain installs a chain description without scanning.
func (e *Engine) SetChain(chain []TapInfo) {
	e.chain = append([]TapInfo(nil), chain...)
	e.selected = 0
	e.irValid = false
}

// SelectTarget makes following scans address TAP i only.
func (e *Engine) SelectTarget(i int) error {
	if i < 0 || i >= len(e.chain) {
		return errors.Errorf("TAP %d out of range, chain has %d", i, len(e.chain))
	}
	if i != e.selected {
		e.irValid = false
	}
	e.selected = i
	return nil
}

func (e *Engine) Selected() int {
	return e.selected
}

// ScanChain resets the chain, reads the IDCODE (or BYPASS bit) of every TAP
// and determines IR lengths. It leaves every TAP in BYPASS and the first
// TAP selected.
func (e *Engine) ScanChain(ctx context.Context) ([]TapInfo, error) {
	e.chain = nil
	e.selected = 0
	if err := e.ResetTAP(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	dr, err := e.ShiftDR(ctx, bitseq.Repeat(true, maxChainBits))
	if err != nil {
		return nil, errors.Annotatef(err, "IDCODE scan")
	}
	ids, err := parseIDCodes(dr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Flush zeros through every IR, then watch for ones.
	ir, err := e.ShiftIR(ctx, bitseq.Concat(bitseq.Repeat(false, maxChainBits/2), bitseq.Repeat(true, maxChainBits/2)))
	if err != nil {
		return nil, errors.Annotatef(err, "IR scan")
	}
	total := -1
	for i := maxChainBits / 2; i < len(ir); i++ {
		if ir[i] {
			total = i - maxChainBits/2
			break
		}
	}
	if total <= 0 {
		return nil, dbgerr.Wire(dbgerr.JtagNoIdcode, "could not measure the IR chain length")
	}
	lens, err := irLengths(ir[:total], ids, e.opts.IRLengths)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var chain []TapInfo
	for i, id := range ids {
		chain = append(chain, TapInfo{IDCode: id, IRLen: lens[i]})
		glog.V(1).Infof("TAP %d: %s", i, chain[i])
	}
	e.chain = chain
	e.irValid = false
	return chain, nil
}

// parseIDCodes splits a DR capture taken after Test-Logic-Reset. A TAP with
// an IDCODE register shifts out 32 bits with LSB 1; a TAP without one shifts
// out a single 0 from BYPASS. The ones shifted in mark the end of the chain.
func parseIDCodes(dr []bool) ([]uint32, error) {
	var ids []uint32
	for pos := 0; pos+32 <= len(dr); {
		if !dr[pos] {
			ids = append(ids, 0)
			pos++
		} else {
			v := uint32(bitseq.ToUint(dr[pos : pos+32]))
			if v == 0xffffffff {
				if len(ids) == 0 {
					break
				}
				return ids, nil
			}
			ids = append(ids, v)
			pos += 32
		}
		if len(ids) > maxTaps {
			break
		}
	}
	if len(ids) == 0 {
		return nil, dbgerr.Wire(dbgerr.JtagNoIdcode, "no TAPs found (TDO stuck high?)")
	}
	return nil, dbgerr.Wire(dbgerr.JtagNoIdcode, "end of chain not found (TDO stuck low?)")
}

// irLengths splits the captured IR of the whole chain into per-TAP lengths.
// Every IR captures ...01 (LSB first: 1, 0).
func irLengths(capture []bool, ids []uint32, override []int) ([]int, error) {
	n, total := len(ids), len(capture)
	if len(override) > 0 {
		if len(override) != n {
			return nil, dbgerr.TargetDescription("%d IR lengths given for %d TAPs", len(override), n)
		}
		sum := 0
		for _, l := range override {
			sum += l
		}
		if sum != total {
			return nil, dbgerr.TargetDescription("IR lengths add up to %d, chain has %d", sum, total)
		}
		return override, nil
	}
	if n == 1 {
		return []int{total}, nil
	}
	var starts []int
	for i := 0; i+1 < total; i++ {
		if capture[i] && !capture[i+1] {
			starts = append(starts, i)
		}
	}
	if len(starts) == n && starts[0] == 0 {
		res := make([]int, n)
		for i := range starts {
			end := total
			if i+1 < n {
				end = starts[i+1]
			}
			res[i] = end - starts[i]
		}
		return res, nil
	}
	// Fall back to known lengths with at most one unknown TAP.
	res := make([]int, n)
	unknown, sum := -1, 0
	for i, id := range ids {
		l, ok := designerIRLen[TapInfo{IDCode: id}.Designer()]
		if !ok || id == 0 {
			if unknown >= 0 {
				return nil, dbgerr.Wire(dbgerr.JtagNoIdcode, "cannot infer IR lengths of %d TAPs from %d bits, set them explicitly", n, total)
			}
			unknown = i
			continue
		}
		res[i] = l
		sum += l
	}
	if unknown >= 0 {
		res[unknown] = total - sum
	} else if sum != total {
		return nil, dbgerr.Wire(dbgerr.JtagNoIdcode, "known IR lengths add up to %d, chain has %d", sum, total)
	}
	if unknown >= 0 && res[unknown] < 2 {
		return nil, dbgerr.Wire(dbgerr.JtagNoIdcode, "cannot infer IR lengths of %d TAPs from %d bits, set them explicitly", n, total)
	}
	return res, nil
}
