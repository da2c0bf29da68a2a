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

package cmsisdap

// This file implements the CMSIS-DAP command set
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/retry"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus     cmd = 0x01
	cmdConnect           cmd = 0x02
	cmdDisconnect        cmd = 0x03
	cmdTransferConfigure cmd = 0x04
	cmdTransfer          cmd = 0x05
	cmdTransferBlock     cmd = 0x06
	cmdDelay             cmd = 0x09
	cmdResetTarget       cmd = 0x0a
	cmdSWJPins           cmd = 0x10
	cmdSWJClock          cmd = 0x11
	cmdSWJSequence       cmd = 0x12
	cmdSWDConfigure      cmd = 0x13
	cmdJTAGSequence      cmd = 0x14
	cmdJTAGConfigure     cmd = 0x15
	cmdSWDSequence       cmd = 0x1d
)

// DAP_Info IDs.
const (
	infoVendor       = 0x01
	infoProduct      = 0x02
	infoSerial       = 0x03
	infoFirmware     = 0x04
	infoTargetVendor = 0x05
	infoTargetName   = 0x06
	infoCapabilities = 0xf0
	infoPacketCount  = 0xfe
	infoPacketSize   = 0xff
)

// DAP_Info capability bits.
const (
	capSWD  = 1 << 0
	capJTAG = 1 << 1
)

type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning   StatusType = 0x01
)

type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD  ConnectMode = 0x01
	ConnectModeJTAG ConnectMode = 0x02
)

type TransferOp uint8

const (
	OpRead       TransferOp = 0
	OpReadMatch  TransferOp = 1
	OpWrite      TransferOp = 2
	OpWriteMatch TransferOp = 3
)

type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8
	Data uint32
}

func (r TransferRequest) hasData() bool {
	return r.Op != OpRead
}

type TransferStatus uint8

const (
	TransferStatusOK    TransferStatus = 1
	TransferStatusWait  TransferStatus = 2
	TransferStatusFault TransferStatus = 4
)

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == 1 && !ts.SWDError() && !ts.ValueMismatch()
}

func (ts TransferStatus) AckValue() uint8 {
	return uint8(ts & 7)
}

func (ts TransferStatus) SWDError() bool {
	return ts&8 != 0
}

func (ts TransferStatus) ValueMismatch() bool {
	return ts&0x10 != 0
}

// Err converts a failed transfer status into a classified error.
func (ts TransferStatus) Err(tc, n int) error {
	switch {
	case ts.SWDError():
		return dbgerr.Wire(dbgerr.SwdParity, "transfer failed (tc %d/%d st 0x%02x): protocol error", tc, n, uint8(ts))
	case ts.AckValue() == uint8(TransferStatusWait):
		return dbgerr.Wire(dbgerr.SwdWait, "transfer failed (tc %d/%d st 0x%02x): WAIT", tc, n, uint8(ts))
	case ts.AckValue() == uint8(TransferStatusFault):
		return dbgerr.Wire(dbgerr.SwdFault, "transfer failed (tc %d/%d st 0x%02x): FAULT", tc, n, uint8(ts))
	case ts.ValueMismatch():
		return dbgerr.ProbeProtocol("transfer failed (tc %d/%d st 0x%02x): value mismatch", tc, n, uint8(ts))
	}
	return dbgerr.Wire(dbgerr.SwdNoAck, "transfer failed (tc %d/%d st 0x%02x): no ACK", tc, n, uint8(ts))
}

// JTAGSequence is one entry of DAP_JTAG_Sequence: up to 64 cycles with a
// constant TMS.
type JTAGSequence struct {
	Count   int
	TMS     bool
	Capture bool
	TDI     []byte
}

// SWDSequence is one entry of DAP_SWD_Sequence.
type SWDSequence struct {
	Count int
	Input bool
	Data  []byte
}

type dapClient struct {
	t             transport
	maxPacketSize int
	packetCount   int
	timeout       time.Duration
}

func newClient(ctx context.Context, t transport) (*dapClient, error) {
	dapc := &dapClient{
		t:             t,
		maxPacketSize: 64, // Start with a conservative guess
		packetCount:   1,
		timeout:       time.Second,
	}
	resp, err := dapc.GetInfo(ctx, infoPacketSize)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	binary.Read(resp, binary.LittleEndian, &rl)
	binary.Read(resp, binary.LittleEndian, &mps)
	if rl == 2 && mps >= 8 {
		dapc.maxPacketSize = int(mps)
	}
	if resp, err := dapc.GetInfo(ctx, infoPacketCount); err == nil {
		var pc uint8
		binary.Read(resp, binary.LittleEndian, &rl)
		binary.Read(resp, binary.LittleEndian, &pc)
		if rl == 1 && pc > 0 {
			dapc.packetCount = int(pc)
		}
	}
	glog.V(2).Infof("max packet size: %d, packet count: %d", dapc.maxPacketSize, dapc.packetCount)
	return dapc, nil
}

func newCmd(cmd cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{uint8(cmd)})
}

func (dapc *dapClient) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()))
	if args.Len() > dapc.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", dapc.maxPacketSize, args.Len())
	}
	ctx, cancel := context.WithTimeout(ctx, dapc.timeout)
	defer cancel()
	if err := dapc.t.Write(ctx, args.Bytes()); err != nil {
		return nil, errors.Annotatef(err, "DAP exec")
	}
	resp, err := dapc.t.Read(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "DAP exec")
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	cmd := args.Bytes()[0]
	if len(resp) == 0 || resp[0] != cmd {
		var got uint8
		if len(resp) > 0 {
			got = resp[0]
		}
		return nil, dbgerr.ProbeProtocol("response to wrong command (want 0x%02x, got 0x%02x)", cmd, got)
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (dapc *dapClient) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	cmd := args.Bytes()[0]
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() < 1 {
		return dbgerr.ProbeProtocol("command 0x%02x: empty response", cmd)
	}
	if status := resp.Bytes()[0]; status != 0 {
		return dbgerr.ProbeProtocol("command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

func (dapc *dapClient) GetInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	glog.V(3).Infof("GetInfo(%d)", info)
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := dapc.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (dapc *dapClient) GetInfoString(ctx context.Context, info uint8) (string, error) {
	resp, err := dapc.GetInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	var sl uint8
	binary.Read(resp, binary.LittleEndian, &sl)
	s := make([]uint8, sl)
	resp.Read(s)
	return string(bytes.TrimRight(s, "\x00")), nil
}

func (dapc *dapClient) GetCapabilities(ctx context.Context) (uint8, error) {
	resp, err := dapc.GetInfo(ctx, infoCapabilities)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var l, caps uint8
	if binary.Read(resp, binary.LittleEndian, &l) != nil || l < 1 ||
		binary.Read(resp, binary.LittleEndian, &caps) != nil {
		return 0, dbgerr.ProbeProtocol("malformed capabilities response")
	}
	return caps, nil
}

func (dapc *dapClient) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(cmdSetHostStatus)
	binary.Write(args, binary.LittleEndian, uint8(st))
	var v uint8
	if value {
		v = 1
	}
	binary.Write(args, binary.LittleEndian, v)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) Connect(ctx context.Context, mode ConnectMode) (ConnectMode, error) {
	glog.V(3).Infof("Connect(%d)", mode)
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(mode))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if resp.Len() < 1 || resp.Bytes()[0] == 0 {
		return 0, dbgerr.Wire(dbgerr.ProtocolUnsupported, "connect error (mode %d)", mode)
	}
	return ConnectMode(resp.Bytes()[0]), nil
}

func (dapc *dapClient) Disconnect(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

func (dapc *dapClient) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

// maxTransfers returns how many of reqs fit into one DAP_Transfer packet
// and its response.
func (dapc *dapClient) maxTransfers(reqs []TransferRequest) int {
	reqLen, respLen := 3, 3
	n := 0
	for _, req := range reqs {
		rl, sl := 1, 0
		if req.hasData() {
			rl += 4
		} else {
			sl += 4
		}
		if reqLen+rl > dapc.maxPacketSize || respLen+sl > dapc.maxPacketSize || n == 255 {
			break
		}
		reqLen += rl
		respLen += sl
		n++
	}
	return n
}

func (dapc *dapClient) doTransfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.Reg)
		}
		treq := (req.Reg & 0xc)
		if req.AP {
			treq |= 1 << 0
		}
		switch req.Op {
		case OpRead:
			treq |= 1 << 1
		case OpReadMatch:
			treq |= 1<<1 | 1<<4
		case OpWrite:
			// Nothing
		case OpWriteMatch:
			treq |= 1 << 5
		}
		binary.Write(args, binary.LittleEndian, treq)
		if req.hasData() {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	var data []uint32
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return st, nil, dbgerr.ProbeProtocol("response is too short")
	}
	if !st.Ok() {
		return st, nil, st.Err(int(tc), len(reqs))
	}
	if int(tc) != len(reqs) {
		return st, nil, dbgerr.ProbeProtocol("not all transfers completed (%d/%d)", tc, len(reqs))
	}
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return st, nil, dbgerr.ProbeProtocol("response is too short")
		}
		data = append(data, d)
	}
	return st, data, nil
}

// Transfer executes reqs, splitting them over as many packets as needed. The
// firmware retries WAIT itself; a WAIT that still escapes is retried here a
// few more times. Requests already completed by a failed packet are not
// repeated: a WAIT aborts the packet at the request that saw it.
func (dapc *dapClient) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) ([]uint32, error) {
	var res []uint32
	for len(reqs) > 0 {
		n := dapc.maxTransfers(reqs)
		if n == 0 {
			return nil, errors.Errorf("transfer does not fit packet size %d", dapc.maxPacketSize)
		}
		var data []uint32
		err := retry.Do(ctx, retry.Policy{Attempts: 5}, func() error {
			var err error
			_, data, err = dapc.doTransfer(ctx, dapIndex, reqs[:n])
			return err
		}, func(err error) bool {
			return dbgerr.IsDetail(err, dbgerr.SwdWait)
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, data...)
		reqs = reqs[n:]
	}
	return res, nil
}

func (dapc *dapClient) GetTransferBlockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (dapc.maxPacketSize - headerLen) / 4
}

func (dapc *dapClient) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%d, %t, 0x%x, %d)", dapIndex, ap, reg, length)
	if length > dapc.GetTransferBlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), length)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(length))
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	treq := uint8(reg&0xc) | 2 /* read */
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, dbgerr.ProbeProtocol("response is too short")
	}
	if !st.Ok() {
		return nil, st.Err(int(tc), length)
	}
	if int(tc) != length {
		return nil, dbgerr.ProbeProtocol("not all transfers completed (%d/%d)", tc, length)
	}
	var res []uint32
	for i := 0; i < length; i++ {
		var w uint32
		if binary.Read(resp, binary.LittleEndian, &w) != nil {
			return nil, dbgerr.ProbeProtocol("response is too short")
		}
		res = append(res, w)
	}
	return res, nil
}

func (dapc *dapClient) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	glog.V(3).Infof("TransferBlockWrite(%d, %t, 0x%x, %d)", dapIndex, ap, reg, len(data))
	if len(data) > dapc.GetTransferBlockMaxSize() {
		return errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), len(data))
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(len(data)))
	if reg&3 != 0 {
		return errors.Errorf("invalid reg 0x%x", reg)
	}
	treq := uint8(reg & 0xc)
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	for _, value := range data {
		binary.Write(args, binary.LittleEndian, value)
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return dbgerr.ProbeProtocol("response is too short")
	}
	if !st.Ok() {
		return st.Err(int(tc), len(data))
	}
	if int(tc) != len(data) {
		return dbgerr.ProbeProtocol("not all transfers completed (%d/%d)", tc, len(data))
	}
	return nil
}

// maxDelay is the longest wait DAP_Delay can express.
const maxDelay = 65535 * time.Microsecond

func (dapc *dapClient) Delay(ctx context.Context, delay time.Duration) error {
	delayMicros := delay.Nanoseconds() / 1000
	if delayMicros > 65535 {
		return errors.Errorf("delay too large (%d)", delayMicros)
	}
	glog.V(3).Infof("Delay(%d)", delayMicros)
	args := newCmd(cmdDelay)
	binary.Write(args, binary.LittleEndian, uint16(delayMicros))
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

// ResetTarget runs the firmware's device-specific reset sequence. It
// reports false if the firmware has none, in which case nothing was done.
func (dapc *dapClient) ResetTarget(ctx context.Context) (bool, error) {
	glog.V(3).Infof("ResetTarget()")
	resp, err := dapc.exec(ctx, newCmd(cmdResetTarget))
	if err != nil {
		return false, errors.Trace(err)
	}
	if resp.Len() < 2 {
		return false, dbgerr.ProbeProtocol("reset target: response is too short")
	}
	b := resp.Bytes()
	if b[0] != 0 {
		return false, dbgerr.ProbeProtocol("reset target returned error (0x%02x)", b[0])
	}
	return b[1] != 0, nil
}

func (dapc *dapClient) SWJPins(ctx context.Context, output, sel uint8, wait time.Duration) (uint8, error) {
	glog.V(3).Infof("SWJPins(0x%02x, 0x%02x, %s)", output, sel, wait)
	args := newCmd(cmdSWJPins)
	binary.Write(args, binary.LittleEndian, output)
	binary.Write(args, binary.LittleEndian, sel)
	binary.Write(args, binary.LittleEndian, uint32(wait/time.Microsecond))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if resp.Len() < 1 {
		return 0, dbgerr.ProbeProtocol("response is too short")
	}
	return resp.Bytes()[0], nil
}

func (dapc *dapClient) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d, %v)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmd(cmdSWJSequence)
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data[:(numBits+7)/8])
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	args := newCmd(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, config)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *dapClient) JTAGConfigure(ctx context.Context, irLens []int) error {
	glog.V(3).Infof("JTAGConfigure(%v)", irLens)
	args := newCmd(cmdJTAGConfigure)
	binary.Write(args, binary.LittleEndian, uint8(len(irLens)))
	for _, l := range irLens {
		binary.Write(args, binary.LittleEndian, uint8(l))
	}
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

// JTAGSequence runs seqs in one packet and returns the captured TDO bytes,
// concatenated per sequence.
func (dapc *dapClient) JTAGSequence(ctx context.Context, seqs []JTAGSequence) ([][]byte, error) {
	args := newCmd(cmdJTAGSequence)
	binary.Write(args, binary.LittleEndian, uint8(len(seqs)))
	for _, s := range seqs {
		if s.Count < 1 || s.Count > 64 {
			return nil, errors.Errorf("invalid JTAG sequence length %d", s.Count)
		}
		info := uint8(s.Count & 0x3f)
		if s.TMS {
			info |= 1 << 6
		}
		if s.Capture {
			info |= 1 << 7
		}
		args.WriteByte(info)
		tdi := make([]byte, (s.Count+7)/8)
		copy(tdi, s.TDI)
		args.Write(tdi)
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.Len() < 1 {
		return nil, dbgerr.ProbeProtocol("response is too short")
	}
	if st := resp.Next(1)[0]; st != 0 {
		return nil, dbgerr.ProbeProtocol("JTAG sequence returned error (0x%02x)", st)
	}
	res := make([][]byte, len(seqs))
	for i, s := range seqs {
		if !s.Capture {
			continue
		}
		n := (s.Count + 7) / 8
		if resp.Len() < n {
			return nil, dbgerr.ProbeProtocol("response is too short")
		}
		res[i] = append([]byte(nil), resp.Next(n)...)
	}
	return res, nil
}

// SWDSequence runs raw SWD sequences and returns the sampled input bytes.
func (dapc *dapClient) SWDSequence(ctx context.Context, seqs []SWDSequence) ([][]byte, error) {
	args := newCmd(cmdSWDSequence)
	binary.Write(args, binary.LittleEndian, uint8(len(seqs)))
	for _, s := range seqs {
		if s.Count < 1 || s.Count > 64 {
			return nil, errors.Errorf("invalid SWD sequence length %d", s.Count)
		}
		info := uint8(s.Count & 0x3f)
		if s.Input {
			info |= 1 << 7
			args.WriteByte(info)
			continue
		}
		args.WriteByte(info)
		out := make([]byte, (s.Count+7)/8)
		copy(out, s.Data)
		args.Write(out)
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.Len() < 1 {
		return nil, dbgerr.ProbeProtocol("response is too short")
	}
	if st := resp.Next(1)[0]; st != 0 {
		return nil, dbgerr.ProbeProtocol("SWD sequence returned error (0x%02x)", st)
	}
	res := make([][]byte, len(seqs))
	for i, s := range seqs {
		if !s.Input {
			continue
		}
		n := (s.Count + 7) / 8
		if resp.Len() < n {
			return nil, dbgerr.ProbeProtocol("response is too short")
		}
		res[i] = append([]byte(nil), resp.Next(n)...)
	}
	return res, nil
}

func (dapc *dapClient) Close(ctx context.Context) error {
	return dapc.t.Close()
}
