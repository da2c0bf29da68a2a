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

package espjtag

import "context"

// Commands are 4 bits, two per byte, high nibble first.
const (
	nibClock  = 0x0 // | cap<<2 | tms<<1 | tdi
	nibReset  = 0x8 // | srst
	nibFlush  = 0xa
	nibRepeat = 0xc // + 2-bit count
)

const (
	outBufSize = 64
	inBufSize  = 64
	hwFIFOSize = 4

	// The repeat counter is 10 bits and does not count the first execution.
	maxRepeats = 1023
	// The device stalls once this many captured bits are unread.
	maxPendingBits = 128 * 8
)

func clockNibble(tms, tdi, capture bool) uint8 {
	var n uint8
	if capture {
		n |= 4
	}
	if tms {
		n |= 2
	}
	if tdi {
		n |= 1
	}
	return n
}

func isCapture(n uint8) bool {
	return n < nibReset && n&4 != 0
}

// stream packs nibbles into USB packets and run-length encodes repeated
// clock commands. Packets are handed to send as soon as they fill up.
type stream struct {
	out     []byte
	half    bool
	queued  bool
	last    uint8
	repeats int
	pending int

	send func(ctx context.Context, pkt []byte) error
}

func (s *stream) raw(ctx context.Context, n uint8) error {
	if len(s.out) == outBufSize && !s.half {
		if err := s.sendBuffer(ctx); err != nil {
			return err
		}
	}
	if s.half {
		s.out[len(s.out)-1] |= n
	} else {
		s.out = append(s.out, n<<4)
	}
	s.half = !s.half
	return nil
}

// writeRun emits a command followed by its repeat count, two bits per
// repeat nibble, least significant first.
func (s *stream) writeRun(ctx context.Context, n uint8, repeats int) error {
	if isCapture(n) && s.pending+repeats+1 > maxPendingBits {
		if err := s.sendBuffer(ctx); err != nil {
			return err
		}
	}
	if err := s.raw(ctx, n); err != nil {
		return err
	}
	for r := repeats; r > 0; r >>= 2 {
		if err := s.raw(ctx, nibRepeat + uint8(r&3)); err != nil {
			return err
		}
	}
	if isCapture(n) {
		s.pending += repeats + 1
	}
	return nil
}

// clock queues one TCK cycle.
func (s *stream) clock(ctx context.Context, tms, tdi, capture bool) error {
	n := clockNibble(tms, tdi, capture)
	if s.queued && s.last == n && s.repeats < maxRepeats {
		s.repeats++
		return nil
	}
	if err := s.finish(ctx); err != nil {
		return err
	}
	s.queued, s.last, s.repeats = true, n, 0
	return nil
}

// finish writes out the queued run.
func (s *stream) finish(ctx context.Context) error {
	if !s.queued {
		return nil
	}
	s.queued = false
	return s.writeRun(ctx, s.last, s.repeats)
}

// sendBuffer pads an odd nibble count with a flush and hands the packet on.
func (s *stream) sendBuffer(ctx context.Context) error {
	if len(s.out) == 0 {
		return nil
	}
	if s.half {
		s.out[len(s.out)-1] |= nibFlush
		s.half = false
	}
	pkt := s.out
	s.out = nil
	return s.send(ctx, pkt)
}
