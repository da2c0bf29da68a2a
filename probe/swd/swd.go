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

// Package swd encodes ARM Serial Wire Debug transactions as raw SWDIO cycles
// for adapters that only move bits (J-Link, FTDI-class bit banging, the fake
// probe). It implements WAIT retries and the posted AP read pipeline.
package swd

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

const (
	AckOK    = 0x1
	AckWait  = 0x2
	AckFault = 0x4
)

// DP register addresses and the ABORT bit clearing an overrun.
const (
	regABORT     = 0x0
	regRDBUFF    = 0xC
	abortOrunClr = 1 << 4
)

type Config struct {
	// Turnaround is the number of turnaround cycles.
	Turnaround int
	// WaitRetries bounds retries after a WAIT acknowledge.
	WaitRetries int
	// IdleCycles are clocked with SWDIO low after every transaction.
	IdleCycles int
}

func DefaultConfig() Config {
	return Config{Turnaround: 1, WaitRetries: 128, IdleCycles: 2}
}

// Line moves raw SWDIO cycles.
type Line interface {
	RawSWDIO(ctx context.Context, dir, out []bool) ([]bool, error)
}

// Header returns the 8-bit request header, LSB first on the wire.
func Header(ap, read bool, addr uint8) uint8 {
	var h uint8 = 0x81 // start, park
	var bits uint32
	if ap {
		h |= 1 << 1
		bits++
	}
	if read {
		h |= 1 << 2
		bits++
	}
	if addr&0x4 != 0 {
		h |= 1 << 3
		bits++
	}
	if addr&0x8 != 0 {
		h |= 1 << 4
		bits++
	}
	if bits%2 == 1 {
		h |= 1 << 5
	}
	return h
}

// Response of one raw transaction.
type Response struct {
	Ack      uint8
	Data     uint32
	ParityOK bool
}

type seqBuilder struct {
	dir, out []bool
}

func (b *seqBuilder) drive(bits []bool) {
	b.out = append(b.out, bits...)
	b.dir = append(b.dir, bitseq.Repeat(true, len(bits))...)
}

func (b *seqBuilder) sample(n int) {
	b.out = append(b.out, make([]bool, n)...)
	b.dir = append(b.dir, make([]bool, n)...)
}

// IO performs a single raw SWD transaction: header, turnaround, ACK, and for
// an OK acknowledge the data phase. data is written when non-nil, otherwise
// a read data phase is clocked. The data phase is always clocked so the wire
// stays in sync even after WAIT or FAULT.
func IO(ctx context.Context, line Line, header uint8, data *uint32, cfg Config) (Response, error) {
	var b seqBuilder
	b.drive(bitseq.FromUint(uint64(header), 8))
	b.sample(cfg.Turnaround)
	ackPos := len(b.dir)
	b.sample(3)
	dataPos := 0
	if data == nil {
		dataPos = len(b.dir)
		b.sample(33)
		b.sample(cfg.Turnaround)
	} else {
		b.sample(cfg.Turnaround)
		b.drive(bitseq.FromUint(uint64(*data), 32))
		b.drive([]bool{bitseq.Parity(*data)})
	}
	b.drive(make([]bool, cfg.IdleCycles))
	in, err := line.RawSWDIO(ctx, b.dir, b.out)
	if err != nil {
		return Response{}, errors.Trace(err)
	}
	if len(in) < len(b.dir) {
		return Response{}, dbgerr.ProbeProtocol("short SWD response: %d of %d cycles", len(in), len(b.dir))
	}
	resp := Response{Ack: uint8(bitseq.ToUint(in[ackPos : ackPos+3])), ParityOK: true}
	if data == nil {
		resp.Data = uint32(bitseq.ToUint(in[dataPos : dataPos+32]))
		resp.ParityOK = in[dataPos+32] == bitseq.Parity(resp.Data)
	}
	return resp, nil
}

func ackError(ack uint8, req probe.DAPRequest) error {
	switch ack {
	case AckWait:
		return dbgerr.Wire(dbgerr.SwdWait, "%s: WAIT", req)
	case AckFault:
		return dbgerr.Wire(dbgerr.SwdFault, "%s: FAULT", req)
	}
	return dbgerr.Wire(dbgerr.SwdNoAck, "%s: no valid ACK (0x%x)", req, ack)
}

// Transact performs one request, retrying WAIT up to cfg.WaitRetries times.
// For AP reads the returned value is the posted (previous) result.
func Transact(ctx context.Context, line Line, req probe.DAPRequest, cfg Config) (uint32, error) {
	h := Header(req.AP, !req.Write, req.Addr)
	var data *uint32
	if req.Write {
		v := req.Value
		data = &v
	}
	for i := 0; ; i++ {
		resp, err := IO(ctx, line, h, data, cfg)
		if err != nil {
			return 0, errors.Trace(err)
		}
		switch resp.Ack {
		case AckOK:
			if !resp.ParityOK {
				return 0, dbgerr.Wire(dbgerr.SwdParity, "%s: data parity error", req)
			}
			glog.V(4).Infof("swd %s -> 0x%08x", req, resp.Data)
			return resp.Data, nil
		case AckWait:
			if i < cfg.WaitRetries {
				// The data phase was clocked regardless, which raised
				// STICKYORUN when overrun detection is on.
				if err := clearOverrun(ctx, line, cfg); err != nil {
					return 0, errors.Trace(err)
				}
				continue
			}
		}
		return 0, ackError(resp.Ack, req)
	}
}

func clearOverrun(ctx context.Context, line Line, cfg Config) error {
	v := uint32(abortOrunClr)
	resp, err := IO(ctx, line, Header(false, false, regABORT), &v, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Ack != AckOK {
		return ackError(resp.Ack, probe.DAPRequest{Write: true, Addr: regABORT, Value: v})
	}
	return nil
}

// Transfer executes reqs in order and returns the read results. AP reads are
// posted: the data of an AP read arrives with the next AP read or with a
// trailing DP RDBUFF read, which Transfer issues transparently.
func Transfer(ctx context.Context, line Line, reqs []probe.DAPRequest, cfg Config) ([]uint32, error) {
	var res []uint32
	pending := -1
	for _, req := range reqs {
		if pending >= 0 && !(req.AP && !req.Write) {
			v, err := Transact(ctx, line, probe.DAPRequest{Addr: regRDBUFF}, cfg)
			if err != nil {
				return nil, errors.Annotatef(err, "RDBUFF")
			}
			res[pending] = v
			pending = -1
		}
		v, err := Transact(ctx, line, req, cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if req.Write {
			continue
		}
		if !req.AP {
			res = append(res, v)
			continue
		}
		if pending >= 0 {
			res[pending] = v
		}
		res = append(res, 0)
		pending = len(res) - 1
	}
	if pending >= 0 {
		v, err := Transact(ctx, line, probe.DAPRequest{Addr: regRDBUFF}, cfg)
		if err != nil {
			return nil, errors.Annotatef(err, "RDBUFF")
		}
		res[pending] = v
	}
	return res, nil
}

// WriteTargetSel selects a multidrop SWD target. The target does not drive
// an acknowledge for TARGETSEL, so the ACK cycles are clocked and ignored.
func WriteTargetSel(ctx context.Context, line Line, id uint32, cfg Config) error {
	var b seqBuilder
	b.drive(bitseq.FromUint(uint64(Header(false, false, 0xC)), 8))
	b.sample(cfg.Turnaround + 3 + cfg.Turnaround)
	b.drive(bitseq.FromUint(uint64(id), 32))
	b.drive([]bool{bitseq.Parity(id)})
	b.drive(make([]bool, cfg.IdleCycles))
	_, err := line.RawSWDIO(ctx, b.dir, b.out)
	return errors.Annotatef(err, "TARGETSEL 0x%08x", id)
}

// LineReset returns at least 50 SWDIO-high cycles followed by two idle cycles.
func LineReset() []byte {
	return []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}
}
