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

package riscv

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/retry"
)

// SysBusTimeout bounds the wait for sbcs.sbbusy to clear.
const SysBusTimeout = 100 * time.Millisecond

// SysBus accesses memory through the Debug Module system bus master. It
// works while the hart runs.
type SysBus struct {
	dm *DM
}

func NewSysBus(dm *DM) *SysBus {
	return &SysBus{dm: dm}
}

func sbAccess(w memory.Width) uint32 {
	switch w {
	case memory.Width8:
		return 0
	case memory.Width16:
		return 1
	case memory.Width32:
		return 2
	}
	return 3
}

func (s *SysBus) SupportsWidth(w memory.Width) bool {
	return s.dm.SBCS&(1<<sbAccess(w)) != 0
}

// check waits for the bus to go idle and converts sticky errors into
// Memory errors, clearing them.
func (s *SysBus) check(ctx context.Context, addr uint64) error {
	var sbcs uint32
	err := retry.Poll(ctx, "system bus", SysBusTimeout, retry.DefaultPollInterval, func() (bool, error) {
		var err error
		sbcs, err = s.dm.ReadDMI(ctx, DMSBCS)
		return sbcs&sbcsBusy == 0, errors.Trace(err)
	})
	if err != nil {
		return errors.Trace(err)
	}
	sberr := sbcs >> sbcsErrorShift & sbcsErrorMask
	if sberr == 0 && sbcs&sbcsBusyError == 0 {
		return nil
	}
	if err := s.dm.WriteDMI(ctx, DMSBCS, sbcsErrorW1C|sbcsBusyError); err != nil {
		return errors.Trace(err)
	}
	return dbgerr.Memory(dbgerr.DetailNone, addr, "system bus error %d at 0x%08x (sbcs 0x%08x)", sberr, addr, sbcs)
}

func (s *SysBus) setAddress(ctx context.Context, addr uint64) error {
	if addr>>32 != 0 {
		if err := s.dm.WriteDMI(ctx, DMSBAddress1, uint32(addr>>32)); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(s.dm.WriteDMI(ctx, DMSBAddress0, uint32(addr)))
}

func (s *SysBus) ReadBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	n := w.Bytes()
	sbcs := sbAccess(w)<<sbcsAccessShift | sbcsReadOnAddr | sbcsAutoIncrement | sbcsReadOnData
	if err := s.dm.WriteDMI(ctx, DMSBCS, sbcs); err != nil {
		return errors.Trace(err)
	}
	if err := s.setAddress(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	for off := 0; off < len(data); off += n {
		if off+n == len(data) {
			// No read ahead past the last element.
			if err := s.dm.WriteDMI(ctx, DMSBCS, sbcs&^(sbcsReadOnData|sbcsAutoIncrement)); err != nil {
				return errors.Trace(err)
			}
		}
		var hi uint32
		if w == memory.Width64 {
			var err error
			if hi, err = s.dm.ReadDMI(ctx, DMSBData1); err != nil {
				return errors.Trace(err)
			}
		}
		lo, err := s.dm.ReadDMI(ctx, DMSBData0)
		if err != nil {
			return errors.Trace(err)
		}
		putLE(data[off:off+n], uint64(hi)<<32|uint64(lo))
	}
	glog.V(4).Infof("sysbus read %d bytes at 0x%08x", len(data), addr)
	return s.check(ctx, addr)
}

func (s *SysBus) WriteBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	n := w.Bytes()
	if err := s.dm.WriteDMI(ctx, DMSBCS, sbAccess(w)<<sbcsAccessShift|sbcsAutoIncrement); err != nil {
		return errors.Trace(err)
	}
	if err := s.setAddress(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	for off := 0; off < len(data); off += n {
		v := getLE(data[off : off+n])
		if w == memory.Width64 {
			if err := s.dm.WriteDMI(ctx, DMSBData1, uint32(v>>32)); err != nil {
				return errors.Trace(err)
			}
		}
		if err := s.dm.WriteDMI(ctx, DMSBData0, uint32(v)); err != nil {
			return errors.Trace(err)
		}
	}
	glog.V(4).Infof("sysbus wrote %d bytes at 0x%08x", len(data), addr)
	return s.check(ctx, addr)
}

func (s *SysBus) Flush(ctx context.Context) error {
	return nil
}

func putLE(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func getLE(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// ProgBuf accesses memory by running loads and stores in the program
// buffer of a halted hart. s0 and s1 are saved and restored around each
// block.
type ProgBuf struct {
	dm   *DM
	size int // aarsize of the hart GPRs
}

func NewProgBuf(dm *DM, xlen int) *ProgBuf {
	size := aarSize32
	if xlen == 64 {
		size = aarSize64
	}
	return &ProgBuf{dm: dm, size: size}
}

func (p *ProgBuf) SupportsWidth(w memory.Width) bool {
	return w == memory.Width32
}

func (p *ProgBuf) halted(ctx context.Context, addr uint64) error {
	st, err := p.dm.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if st&statAllHalted == 0 {
		return dbgerr.Arch(dbgerr.NotHalted, "program buffer access at 0x%08x needs a halted hart", addr)
	}
	return nil
}

// block saves s0 and s1, loads prog and calls fn, then restores them.
func (p *ProgBuf) block(ctx context.Context, addr uint64, prog uint32, fn func() error) error {
	if err := p.halted(ctx, addr); err != nil {
		return err
	}
	s0, err := p.dm.ReadRegister(ctx, uint32(RegS0), p.size)
	if err != nil {
		return errors.Trace(err)
	}
	s1, err := p.dm.ReadRegister(ctx, uint32(RegS1), p.size)
	if err != nil {
		return errors.Trace(err)
	}
	if err := p.dm.LoadProgram(ctx, []uint32{prog}); err != nil {
		return errors.Trace(err)
	}
	ferr := fn()
	if code, ok := cmdErrCode(ferr); ok && code == cmdErrException {
		ferr = dbgerr.Memory(dbgerr.DetailNone, addr, "access fault at 0x%08x", addr)
	}
	if err := p.dm.WriteRegister(ctx, uint32(RegS1), p.size, s1, false); err != nil && ferr == nil {
		ferr = errors.Trace(err)
	}
	if err := p.dm.WriteRegister(ctx, uint32(RegS0), p.size, s0, false); err != nil && ferr == nil {
		ferr = errors.Trace(err)
	}
	return ferr
}

func (p *ProgBuf) ReadBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	return p.block(ctx, addr, insnLwS1S0, func() error {
		for off := 0; off < len(data); off += 4 {
			a := addr + uint64(off)
			if err := p.dm.WriteRegister(ctx, uint32(RegS0), p.size, a, true); err != nil {
				return errors.Annotatef(err, "load at 0x%08x", a)
			}
			v, err := p.dm.ReadRegister(ctx, uint32(RegS1), p.size)
			if err != nil {
				return errors.Trace(err)
			}
			binary.LittleEndian.PutUint32(data[off:], uint32(v))
		}
		return nil
	})
}

func (p *ProgBuf) WriteBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	return p.block(ctx, addr, insnSwS1S0, func() error {
		for off := 0; off < len(data); off += 4 {
			a := addr + uint64(off)
			if err := p.dm.WriteRegister(ctx, uint32(RegS1), p.size, uint64(binary.LittleEndian.Uint32(data[off:])), false); err != nil {
				return errors.Trace(err)
			}
			if err := p.dm.WriteRegister(ctx, uint32(RegS0), p.size, a, true); err != nil {
				return errors.Annotatef(err, "store at 0x%08x", a)
			}
		}
		return nil
	})
}

func (p *ProgBuf) Flush(ctx context.Context) error {
	return nil
}

// NewMemory picks the system bus when it can do 32-bit accesses and falls
// back to the program buffer otherwise.
func NewMemory(dm *DM, xlen int, regions []memory.Region) (*memory.Memory, error) {
	if dm.SBCS&sbcsAccess32 != 0 {
		return memory.New(NewSysBus(dm), regions), nil
	}
	if dm.ProgBufSize == 0 {
		return nil, dbgerr.Unsupported("debug module has neither system bus access nor a program buffer")
	}
	return memory.New(NewProgBuf(dm, xlen), regions), nil
}
