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
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/retry"
)

// AbstractTimeout bounds the wait for abstractcs.busy to clear.
const AbstractTimeout = 100 * time.Millisecond

// DM is a Debug Module (v0.13 or v1.0) reached through a DMI.
type DM struct {
	dmi DMI

	Version     int
	ProgBufSize int
	DataCount   int
	ImpEBreak   bool
	NumHarts    int
	// SBCS is the system bus capability word, 0 without system bus access.
	SBCS        uint32

	hart int
}

// NewDM activates the Debug Module, discovers its harts and capabilities,
// and selects hart 0.
func NewDM(ctx context.Context, dmi DMI) (*DM, error) {
	dm := &DM{dmi: dmi}
	if err := dmi.WriteDMI(ctx, DMControl, ctlDMActive); err != nil {
		return nil, errors.Annotatef(err, "DM activation")
	}
	err := retry.Poll(ctx, "DM activation", AbstractTimeout, retry.DefaultPollInterval, func() (bool, error) {
		v, err := dmi.ReadDMI(ctx, DMControl)
		return v&ctlDMActive != 0, errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	st, err := dmi.ReadDMI(ctx, DMStatus)
	if err != nil {
		return nil, errors.Annotatef(err, "dmstatus")
	}
	dm.Version = int(st & statVersionMask)
	if dm.Version != dmVersion013 && dm.Version != dmVersion10 {
		return nil, dbgerr.Unsupported("debug module version %d", dm.Version)
	}
	if st&statAuthenticated == 0 {
		return nil, dbgerr.MissingPermissions("debug module requires authentication")
	}
	dm.ImpEBreak = st&statImpEBreak != 0
	if err := dm.countHarts(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := dm.SelectHart(ctx, 0); err != nil {
		return nil, errors.Trace(err)
	}
	acs, err := dmi.ReadDMI(ctx, DMAbstractCS)
	if err != nil {
		return nil, errors.Annotatef(err, "abstractcs")
	}
	dm.ProgBufSize = int(acs >> acsProgBufSizeShift & acsProgBufSizeMask)
	dm.DataCount = int(acs & acsDataCountMask)
	sbcs, err := dmi.ReadDMI(ctx, DMSBCS)
	if err != nil {
		return nil, errors.Annotatef(err, "sbcs")
	}
	if sbcs>>sbcsVersionShift == sbVersion1 {
		dm.SBCS = sbcs
	}
	glog.V(1).Infof("DM v%d: %d harts, progbuf %d, data %d, sbcs 0x%08x",
		dm.Version, dm.NumHarts, dm.ProgBufSize, dm.DataCount, dm.SBCS)
	return dm, nil
}

func hartSel(hart int) uint32 {
	return uint32(hart&0x3ff)<<ctlHartSelLoShift | uint32(hart>>10&0x3ff)<<ctlHartSelHiShift
}

// countHarts finds the width of hartsel and walks harts until one is
// reported nonexistent. DMs that do not implement anynonexistent are
// assumed to have a single hart.
func (dm *DM) countHarts(ctx context.Context) error {
	if err := dm.dmi.WriteDMI(ctx, DMControl, ctlDMActive|hartSel(0xfffff)); err != nil {
		return errors.Trace(err)
	}
	ctl, err := dm.dmi.ReadDMI(ctx, DMControl)
	if err != nil {
		return errors.Trace(err)
	}
	max := 1
	for m := ctl >> ctlHartSelLoShift & 0x3ff; m != 0; m >>= 1 {
		max <<= 1
	}
	dm.NumHarts = 1
	if max == 1 {
		return nil
	}
	if err := dm.dmi.WriteDMI(ctx, DMControl, ctlDMActive|hartSel(max-1)); err != nil {
		return errors.Trace(err)
	}
	st, err := dm.dmi.ReadDMI(ctx, DMStatus)
	if err != nil {
		return errors.Trace(err)
	}
	if st&statAnyNonexistent == 0 {
		return nil
	}
	for h := 1; h < max; h++ {
		if err := dm.dmi.WriteDMI(ctx, DMControl, ctlDMActive|hartSel(h)); err != nil {
			return errors.Trace(err)
		}
		st, err := dm.dmi.ReadDMI(ctx, DMStatus)
		if err != nil {
			return errors.Trace(err)
		}
		if st&statAnyNonexistent != 0 {
			break
		}
		dm.NumHarts++
	}
	return nil
}

// SelectHart makes hart the target of subsequent control and abstract
// commands.
func (dm *DM) SelectHart(ctx context.Context, hart int) error {
	if hart < 0 || hart >= dm.NumHarts {
		return dbgerr.TargetDescription("hart %d does not exist (%d harts)", hart, dm.NumHarts)
	}
	dm.hart = hart
	return errors.Annotatef(dm.dmi.WriteDMI(ctx, DMControl, dm.control(0)), "select hart %d", hart)
}

func (dm *DM) Hart() int {
	return dm.hart
}

func (dm *DM) control(bits uint32) uint32 {
	return ctlDMActive | hartSel(dm.hart) | bits
}

// WriteControl writes dmcontrol with dmactive and the selected hart.
func (dm *DM) WriteControl(ctx context.Context, bits uint32) error {
	return errors.Annotatef(dm.dmi.WriteDMI(ctx, DMControl, dm.control(bits)), "dmcontrol")
}

func (dm *DM) ReadControl(ctx context.Context) (uint32, error) {
	v, err := dm.dmi.ReadDMI(ctx, DMControl)
	return v, errors.Annotatef(err, "dmcontrol")
}

func (dm *DM) Status(ctx context.Context) (uint32, error) {
	v, err := dm.dmi.ReadDMI(ctx, DMStatus)
	return v, errors.Annotatef(err, "dmstatus")
}

// PollStatus waits until all bits of mask are set in dmstatus.
func (dm *DM) PollStatus(ctx context.Context, what string, mask uint32, timeout time.Duration) error {
	return retry.Poll(ctx, what, timeout, retry.DefaultPollInterval, func() (bool, error) {
		st, err := dm.Status(ctx)
		return st&mask == mask, err
	})
}

// Execute runs an abstract command and waits for it to complete. A command
// error is cleared and returned as an AbstractCommand error carrying the
// cmderr value in Code.
func (dm *DM) Execute(ctx context.Context, cmd uint32) error {
	glog.V(3).Infof("abstract command 0x%08x", cmd)
	if err := dm.dmi.WriteDMI(ctx, DMCommand, cmd); err != nil {
		return errors.Annotatef(err, "command")
	}
	var acs uint32
	err := retry.Poll(ctx, "abstract command", AbstractTimeout, retry.DefaultPollInterval, func() (bool, error) {
		var err error
		acs, err = dm.dmi.ReadDMI(ctx, DMAbstractCS)
		return acs&acsBusy == 0, errors.Trace(err)
	})
	if err != nil {
		return errors.Trace(err)
	}
	code := acs >> acsCmdErrShift & acsCmdErrMask
	if code == cmdErrNone {
		return nil
	}
	if err := dm.dmi.WriteDMI(ctx, DMAbstractCS, acsCmdErrMask<<acsCmdErrShift); err != nil {
		return errors.Annotatef(err, "clear cmderr")
	}
	e := dbgerr.As(dbgerr.Arch(dbgerr.AbstractCommand, "command 0x%08x: %s", cmd, cmdErrNames[code]))
	e.Code = code
	return e
}

// cmdErrCode extracts the abstractcs.cmderr value from err, if any.
func cmdErrCode(err error) (uint32, bool) {
	if e := dbgerr.As(err); e != nil && e.Detail == dbgerr.AbstractCommand {
		return e.Code, true
	}
	return 0, false
}

func accessCmd(regno uint32, size int, write, postexec bool) uint32 {
	cmd := uint32(size)<<cmdAarSizeShift | cmdTransfer | regno
	if write {
		cmd |= cmdWrite
	}
	if postexec {
		cmd |= cmdPostExec
	}
	return cmd
}

// ReadRegister reads regno with an Access Register command of the given
// aarsize.
func (dm *DM) ReadRegister(ctx context.Context, regno uint32, size int) (uint64, error) {
	if err := dm.Execute(ctx, accessCmd(regno, size, false, false)); err != nil {
		return 0, errors.Annotatef(err, "read register 0x%x", regno)
	}
	lo, err := dm.dmi.ReadDMI(ctx, DMData0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if size < aarSize64 {
		return uint64(lo), nil
	}
	hi, err := dm.dmi.ReadDMI(ctx, DMData0+1)
	return uint64(hi)<<32 | uint64(lo), errors.Trace(err)
}

// WriteRegister writes v to regno, optionally running the program buffer
// afterwards.
func (dm *DM) WriteRegister(ctx context.Context, regno uint32, size int, v uint64, postexec bool) error {
	if err := dm.dmi.WriteDMI(ctx, DMData0, uint32(v)); err != nil {
		return errors.Trace(err)
	}
	if size >= aarSize64 {
		if err := dm.dmi.WriteDMI(ctx, DMData0+1, uint32(v>>32)); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Annotatef(dm.Execute(ctx, accessCmd(regno, size, true, postexec)), "write register 0x%x", regno)
}

// LoadProgram fills the program buffer, adding an EBREAK unless the DM
// provides an implicit one after the last word.
func (dm *DM) LoadProgram(ctx context.Context, insns []uint32) error {
	prog := insns
	if !dm.ImpEBreak || len(prog) < dm.ProgBufSize {
		prog = append(append([]uint32(nil), insns...), insnEBreak)
	}
	if len(prog) > dm.ProgBufSize {
		return dbgerr.Unsupported("program of %d words does not fit a %d word program buffer", len(prog), dm.ProgBufSize)
	}
	for i, insn := range prog {
		if err := dm.dmi.WriteDMI(ctx, DMProgBuf0+uint32(i), insn); err != nil {
			return errors.Annotatef(err, "progbuf%d", i)
		}
	}
	return nil
}

func (dm *DM) ReadDMI(ctx context.Context, addr uint32) (uint32, error) {
	return dm.dmi.ReadDMI(ctx, addr)
}

func (dm *DM) WriteDMI(ctx context.Context, addr, v uint32) error {
	return dm.dmi.WriteDMI(ctx, addr, v)
}
