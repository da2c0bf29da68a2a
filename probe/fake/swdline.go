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
	"github.com/mongoose-os/probekit/probe/bitseq"
)

type swdState int

const (
	swdIdle swdState = iota
	swdHeader
	swdRespond
	swdWriteData
)

// swdLine decodes raw SWDIO cycles into DP transactions. AP reads are
// posted as on real hardware. The data phase is always present, as with
// overrun detection enabled.
type swdLine struct {
	t   *Target
	trn int

	state swdState
	hdr   []bool
	ones  int
	resp  []bool
	data  []bool

	wAP    bool
	wAddr  uint8
	wAck   ack
	wValid bool
}

func ackBits(a ack) []bool {
	switch a {
	case ackOK:
		return []bool{true, false, false}
	case ackWait:
		return []bool{false, true, false}
	case ackFault:
		return []bool{false, false, true}
	}
	return []bool{true, true, true}
}

func (l *swdLine) reset() {
	l.state = swdIdle
	l.hdr, l.resp, l.data = nil, nil, nil
}

func (l *swdLine) cycle(drive, bit bool) bool {
	if drive {
		if bit {
			l.ones++
			if l.ones == 50 {
				l.reset()
				l.t.lineReset()
				return false
			}
		} else {
			l.ones = 0
		}
	}
	switch l.state {
	case swdIdle:
		if drive && bit && l.ones < 50 {
			l.hdr = []bool{true}
			l.state = swdHeader
		}
	case swdHeader:
		l.hdr = append(l.hdr, bit)
		if len(l.hdr) == 8 {
			l.header()
		}
	case swdRespond:
		var v bool
		if len(l.resp) > 0 {
			v, l.resp = l.resp[0], l.resp[1:]
		}
		if len(l.resp) == 0 {
			if l.wValid {
				l.state = swdWriteData
			} else {
				l.state = swdIdle
			}
		}
		if !drive {
			return v
		}
	case swdWriteData:
		l.data = append(l.data, bit)
		if len(l.data) == 33 {
			l.write()
		}
	}
	return false
}

func (l *swdLine) header() {
	h := l.hdr
	l.hdr = nil
	l.state = swdIdle
	if !h[0] || h[6] || !h[7] {
		return
	}
	parity := h[1] != h[2]
	parity = parity != h[3]
	parity = parity != h[4]
	if parity != h[5] {
		return
	}
	ap, read := h[1], h[2]
	var addr uint8
	if h[3] {
		addr |= 0x4
	}
	if h[4] {
		addr |= 0x8
	}
	trn := make([]bool, l.trn)
	l.state = swdRespond
	l.data = nil
	if !ap && !read && addr == 0xc {
		// TARGETSEL: no acknowledge is driven.
		l.resp = make([]bool, l.trn+3+l.trn)
		l.wValid, l.wAck = true, ackNone
		return
	}
	a := l.t.swdAck(ap, read, addr)
	if !read {
		if a == ackOK || a == ackWait {
			a = l.t.DP.writeAck(ap)
		}
		l.resp = bitseq.Concat(trn, ackBits(a), trn)
		l.wValid, l.wAP, l.wAddr, l.wAck = true, ap, addr, a
		return
	}
	l.wValid = false
	var v uint32
	if a == ackOK {
		prev := l.t.DP.rdbuff
		v, a = l.t.DP.access(ap, false, addr, 0)
		if ap {
			v = prev
		}
		if !ap && addr == 0 {
			l.t.needIDR = false
		}
	}
	l.resp = bitseq.Concat(trn, ackBits(a))
	if a == ackOK {
		l.resp = bitseq.Concat(l.resp, bitseq.FromUint(uint64(v), 32), []bool{bitseq.Parity(v)}, trn)
	} else {
		l.resp = bitseq.Concat(l.resp, make([]bool, 33+l.trn))
	}
}

func (l *swdLine) write() {
	d := l.data
	l.data = nil
	l.state = swdIdle
	l.wValid = false
	if l.wAck != ackOK {
		return
	}
	v := uint32(bitseq.ToUint(d[:32]))
	if d[32] != bitseq.Parity(v) {
		l.t.DP.ctrl |= ctrlWDataErr
		return
	}
	l.t.DP.access(l.wAP, true, l.wAddr, v)
}

// io clocks raw cycles and returns the sampled values.
func (l *swdLine) io(dir, out []bool) []bool {
	in := make([]bool, len(dir))
	for i := range dir {
		in[i] = l.cycle(dir[i], out[i])
	}
	return in
}
