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

package wire

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/bitseq"
)

// JTAG-DP instructions, acknowledges and CTRL/STAT sticky flags.
const (
	irABORT = 0x8
	irDPACC = 0xa
	irAPACC = 0xb

	jtagAckOK   = 0x2
	jtagAckWait = 0x1

	regABORT = 0x0

	abortDAPAbort  = 1 << 0
	abortStkCmpClr = 1 << 1
	abortStkErrClr = 1 << 2
	abortWdErrClr  = 1 << 3
	abortOrunClr   = 1 << 4

	ctrlStickyOrun = 1 << 1
	ctrlStickyCmp  = 1 << 4
	ctrlStickyErr  = 1 << 5
	ctrlWDataErr   = 1 << 7
)

// accScan is the 35-bit DPACC/APACC scan: RnW, A[3:2], DATA.
func accScan(r probe.DAPRequest) []bool {
	v := uint64(r.Value)<<3 | uint64(r.Addr>>2&3)<<1
	if !r.Write {
		v |= 1
	}
	return bitseq.FromUint(v, 35)
}

type jtagResult struct {
	ack  uint8
	data uint32
}

// scanAcc shifts reqs through DPACC/APACC in one batch. The result of scan i
// carries the acknowledge of request i and the data of request i-1.
func (w *Wire) scanAcc(ctx context.Context, reqs []probe.DAPRequest) ([]jtagResult, error) {
	b := w.tap.NewBatch()
	idx := make([]int, len(reqs))
	for i, r := range reqs {
		ir := uint32(irDPACC)
		if r.AP {
			ir = irAPACC
		}
		if err := b.SetIR(ir); err != nil {
			return nil, errors.Trace(err)
		}
		idx[i] = b.ShiftDR(accScan(r), true)
	}
	caps, err := b.Execute(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]jtagResult, len(reqs))
	for i := range reqs {
		v := bitseq.ToUint(caps[idx[i]])
		res[i] = jtagResult{ack: uint8(v & 7), data: uint32(v >> 3)}
	}
	return res, nil
}

// jtagTransfer performs reqs through DPACC/APACC. Every read is posted: its
// data is captured by the following scan, and a trailing RDBUFF read
// collects the last one. When DPBANKSEL is 0 the batch also reads CTRL/STAT
// to report sticky errors, which JTAG does not acknowledge.
func (w *Wire) jtagTransfer(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error) {
	var res []uint32
	start := 0
	for i, r := range reqs {
		if r.AP || !r.Write || r.Addr != regABORT {
			continue
		}
		part, err := w.jtagBatch(ctx, reqs[start:i])
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, part...)
		if err := w.jtagAbort(ctx, r.Value); err != nil {
			return nil, errors.Trace(err)
		}
		start = i + 1
	}
	part, err := w.jtagBatch(ctx, reqs[start:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return append(res, part...), nil
}

func (w *Wire) jtagBatch(ctx context.Context, reqs []probe.DAPRequest) ([]uint32, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	all := append([]probe.DAPRequest(nil), reqs...)
	check := -1
	if w.bank == 0 {
		check = len(all)
		all = append(all, probe.DAPRequest{Addr: regCTRLSTAT})
	}
	all = append(all, probe.DAPRequest{Addr: regRDBUFF})
	data := make([]uint32, len(all))
	waits := 0
	for start := 0; start < len(all); {
		rs, err := w.scanAcc(ctx, all[start:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		next := len(all)
		for k, r := range rs {
			i := start + k
			if r.ack == jtagAckWait {
				if waits++; waits > w.opts.SWD.WaitRetries {
					return nil, dbgerr.Wire(dbgerr.SwdWait, "%s: JTAG-DP WAIT", all[i])
				}
				glog.V(3).Infof("%s: WAIT, retrying", all[i])
				v, err := w.drainPosted(ctx, &waits)
				if err != nil {
					return nil, errors.Trace(err)
				}
				if k > 0 {
					data[i-1] = v
				}
				if err := w.clearOverrun(ctx); err != nil {
					return nil, errors.Trace(err)
				}
				next = i
				break
			}
			if r.ack != jtagAckOK {
				return nil, dbgerr.Wire(dbgerr.JtagBadAck, "%s: JTAG-DP acknowledge 0x%x", all[i], r.ack)
			}
			if k > 0 {
				data[i-1] = r.data
			}
		}
		start = next
	}
	if check >= 0 && data[check]&(ctrlStickyErr|ctrlStickyCmp|ctrlWDataErr) != 0 {
		return nil, dbgerr.Sticky(data[check])
	}
	var res []uint32
	for i, r := range reqs {
		if !r.Write {
			res = append(res, data[i])
		}
	}
	return res, nil
}

// drainPosted waits out a WAIT with RDBUFF reads and returns the data of the
// transaction that was still in progress.
func (w *Wire) drainPosted(ctx context.Context, waits *int) (uint32, error) {
	for {
		rs, err := w.scanAcc(ctx, []probe.DAPRequest{{Addr: regRDBUFF}})
		if err != nil {
			return 0, errors.Trace(err)
		}
		switch rs[0].ack {
		case jtagAckOK:
			return rs[0].data, nil
		case jtagAckWait:
			if *waits++; *waits > w.opts.SWD.WaitRetries {
				return 0, dbgerr.Wire(dbgerr.SwdWait, "RDBUFF: JTAG-DP WAIT")
			}
		default:
			return 0, dbgerr.Wire(dbgerr.JtagBadAck, "RDBUFF: JTAG-DP acknowledge 0x%x", rs[0].ack)
		}
	}
}

// readCtrlStat reads CTRL/STAT with DPBANKSEL assumed 0.
func (w *Wire) readCtrlStat(ctx context.Context) (uint32, error) {
	rs, err := w.scanAcc(ctx, []probe.DAPRequest{{Addr: regCTRLSTAT}, {Addr: regRDBUFF}})
	if err != nil {
		return 0, errors.Trace(err)
	}
	for _, r := range rs {
		if r.ack != jtagAckOK {
			return 0, dbgerr.Wire(dbgerr.JtagBadAck, "CTRL/STAT: JTAG-DP acknowledge 0x%x", r.ack)
		}
	}
	return rs[1].data, nil
}

// clearSticky writes the given sticky flags back to CTRL/STAT, which
// clears them on a JTAG-DP.
func (w *Wire) clearSticky(ctx context.Context, flags uint32) error {
	ctrl, err := w.readCtrlStat(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	flags &= ctrl
	if flags == 0 {
		return nil
	}
	v := ctrl&^ctrlStickyMask | flags
	rs, err := w.scanAcc(ctx, []probe.DAPRequest{{Write: true, Addr: regCTRLSTAT, Value: v}})
	if err != nil {
		return errors.Trace(err)
	}
	if rs[0].ack != jtagAckOK {
		return dbgerr.Wire(dbgerr.JtagBadAck, "CTRL/STAT: JTAG-DP acknowledge 0x%x", rs[0].ack)
	}
	glog.V(3).Infof("cleared sticky flags 0x%x", flags)
	return nil
}

// clearOverrun clears STICKYORUN after a WAIT. With overrun detection the
// DP discards every transaction after the WAIT until then.
func (w *Wire) clearOverrun(ctx context.Context) error {
	if w.bank != 0 {
		return dbgerr.Wire(dbgerr.SwdWait, "JTAG-DP WAIT with DPBANKSEL %d", w.bank)
	}
	return errors.Trace(w.clearSticky(ctx, ctrlStickyOrun))
}

// jtagAbort maps an SW-DP style ABORT write onto a JTAG-DP: DAPABORT goes
// through the ABORT instruction, the clear bits through CTRL/STAT.
func (w *Wire) jtagAbort(ctx context.Context, v uint32) error {
	if v&abortDAPAbort != 0 {
		b := w.tap.NewBatch()
		if err := b.SetIR(irABORT); err != nil {
			return errors.Trace(err)
		}
		b.ShiftDR(bitseq.FromUint(uint64(abortDAPAbort)<<3, 35), false)
		if _, err := b.Execute(ctx); err != nil {
			return errors.Annotatef(err, "DAPABORT")
		}
	}
	var flags uint32
	for _, m := range []struct{ abort, ctrl uint32 }{
		{abortStkCmpClr, ctrlStickyCmp},
		{abortStkErrClr, ctrlStickyErr},
		{abortWdErrClr, ctrlWDataErr},
		{abortOrunClr, ctrlStickyOrun},
	} {
		if v&m.abort != 0 {
			flags |= m.ctrl
		}
	}
	if flags == 0 {
		return nil
	}
	return errors.Annotatef(w.clearSticky(ctx, flags), "ABORT 0x%x", v)
}
