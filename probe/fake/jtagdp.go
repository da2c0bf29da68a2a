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

// JTAG-DP instructions.
const (
	irAbort  = 0x8
	irDPACC  = 0xa
	irAPACC  = 0xb
	irIDCode = 0xe

	jtagAckOK   = 0x2
	jtagAckWait = 0x1
)

// jtagDP exposes the DP of a target through DPACC and APACC scans. The
// captured value of a scan holds the result of the previous transaction.
type jtagDP struct {
	t      *Target
	idcode uint32

	result uint32
	// busy is the number of scans that still answer WAIT.
	busy   int
	ignore bool
}

func (j *jtagDP) IRLen() int     { return 4 }
func (j *jtagDP) IDCode() uint32 { return j.idcode }

func (j *jtagDP) DRLen(ir uint32) int {
	switch ir {
	case irAbort, irDPACC, irAPACC:
		return 35
	case irIDCode:
		return 32
	}
	return 0
}

func (j *jtagDP) CaptureDR(ir uint32) uint64 {
	switch ir {
	case irIDCode:
		return uint64(j.idcode)
	case irDPACC, irAPACC:
		if j.busy > 0 {
			j.busy--
			j.ignore = true
			if j.t.DP.ctrl&ctrlOrunDetect != 0 {
				j.t.DP.ctrl |= ctrlStickyOrun
			}
			return jtagAckWait
		}
		j.ignore = false
		return jtagAckOK | uint64(j.result)<<3
	}
	return 0
}

func (j *jtagDP) UpdateDR(ir uint32, v uint64) {
	if j.t.linkLost {
		return
	}
	data := uint32(v >> 3)
	switch ir {
	case irAbort:
		j.t.DP.access(false, true, 0x0, data)
		return
	case irDPACC, irAPACC:
	default:
		return
	}
	if j.ignore {
		return
	}
	ap := ir == irAPACC
	read := v&1 != 0
	addr := uint8(v>>1&3) << 2
	ctrlStat := !ap && addr == 0x4 && j.t.DP.sel&0xf == 0
	if j.t.DP.ctrl&ctrlStickyOrun != 0 && !ctrlStat {
		// Overrun: everything but CTRL/STAT is discarded.
		return
	}
	if ctrlStat && !read {
		// Sticky flags are write-one-to-clear on a JTAG-DP.
		j.t.DP.ctrl &^= data & ctrlStickyMask
	}
	if ap && j.t.DP.waits > 0 {
		j.busy = j.t.DP.waits
		j.t.DP.waits = 0
	}
	r, _ := j.t.DP.access(ap, !read, addr, data)
	j.result = 0
	if read {
		j.result = r
	}
}
