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

package ftdi

import (
	"github.com/mongoose-os/probekit/probe/bitseq"
)

// MPSSE opcodes. Data is clocked LSB first, written on the falling edge and
// read on the rising edge.
const (
	opWriteBytes     = 0x19
	opWriteBits      = 0x1b
	opReadWriteBytes = 0x39
	opReadWriteBits  = 0x3b
	opWriteTMS       = 0x4b
	opReadWriteTMS   = 0x6b

	opSetLow          = 0x80
	opGetLow          = 0x81
	opSetHigh         = 0x82
	opGetHigh         = 0x83
	opLoopbackOff     = 0x85
	opClockDivisor    = 0x86
	opSendImmediate   = 0x87
	opDisableDiv5     = 0x8a
	opDisable3Phase   = 0x8d
	opDisableAdaptive = 0x97
)

// Maximum TMS bits per TMS command. Seven is legal but some chips
// mis-clock it.
const maxTMSBits = 6

// mpsseCmd is one encoded command and the bit counts of the response bytes it
// produces.
type mpsseCmd struct {
	data  []byte
	reads []int
}

// encodeShift converts a JTAG cycle sequence into MPSSE commands. Cycles with
// TMS low are sent as byte or bit data commands while the TMS line is known
// to be low; everything else goes out as TMS commands, which also set TDI.
// level is the TMS line state before the first cycle; the returned level is
// the state after the last.
func encodeShift(tms, tdi []bool, capture bool, level bool, maxData int) ([]mpsseCmd, bool) {
	var res []mpsseCmd
	for i := 0; i < len(tms); {
		if !tms[i] && !level {
			j := i
			for j < len(tms) && !tms[j] && j-i < maxData*8 {
				j++
			}
			res = append(res, encodeData(tdi[i:j], capture)...)
			i = j
			continue
		}
		j := i
		for j < len(tms) && j-i < maxTMSBits && tdi[j] == tdi[i] {
			j++
			if !tms[j-1] {
				break
			}
		}
		res = append(res, encodeTMS(tms[i:j], tdi[i], capture))
		level = tms[j-1]
		i = j
	}
	return res, level
}

func encodeData(tdi []bool, capture bool) []mpsseCmd {
	var res []mpsseCmd
	nBytes := len(tdi) / 8
	if nBytes > 0 {
		op := byte(opWriteBytes)
		if capture {
			op = opReadWriteBytes
		}
		c := mpsseCmd{data: []byte{op, byte(nBytes - 1), byte((nBytes - 1) >> 8)}}
		c.data = append(c.data, bitseq.ToBytes(tdi[:nBytes*8])...)
		if capture {
			for k := 0; k < nBytes; k++ {
				c.reads = append(c.reads, 8)
			}
		}
		res = append(res, c)
	}
	rest := tdi[nBytes*8:]
	if len(rest) == 7 {
		res = append(res, encodeBits(rest[:6], capture), encodeBits(rest[6:], capture))
	} else if len(rest) > 0 {
		res = append(res, encodeBits(rest, capture))
	}
	return res
}

func encodeBits(tdi []bool, capture bool) mpsseCmd {
	op := byte(opWriteBits)
	if capture {
		op = opReadWriteBits
	}
	c := mpsseCmd{data: []byte{op, byte(len(tdi) - 1), byte(bitseq.ToUint(tdi))}}
	if capture {
		c.reads = []int{len(tdi)}
	}
	return c
}

func encodeTMS(tms []bool, tdi bool, capture bool) mpsseCmd {
	op := byte(opWriteTMS)
	if capture {
		op = opReadWriteTMS
	}
	v := byte(bitseq.ToUint(tms))
	if tdi {
		v |= 0x80
	}
	c := mpsseCmd{data: []byte{op, byte(len(tms) - 1), v}}
	if capture {
		c.reads = []int{len(tms)}
	}
	return c
}

// decodeReads unpacks response bytes. Bit commands shift TDO in from the MSB
// so a byte carrying n bits holds them in its top n bits.
func decodeReads(resp []byte, reads []int) []bool {
	var res []bool
	for i, n := range reads {
		res = append(res, bitseq.FromUint(uint64(resp[i]>>uint(8-n)), n)...)
	}
	return res
}

// stripStatus removes the two modem status bytes that start every IN packet.
func stripStatus(buf []byte, packetSize int) []byte {
	var res []byte
	for off := 0; off < len(buf); off += packetSize {
		end := off + packetSize
		if end > len(buf) {
			end = len(buf)
		}
		if end-off > 2 {
			res = append(res, buf[off+2:end]...)
		}
	}
	return res
}
