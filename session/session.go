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

// Package session ties a probe to a target description. Attach runs the
// debug sequences that bring the chip under control and builds one core
// controller per core; Close undoes it and releases the probe.
//
// A Session is not safe for concurrent use. Callers that share one between
// goroutines must serialize access to it and to the cores it vends.
package session

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/arm"
	"github.com/mongoose-os/probekit/arm/ap"
	"github.com/mongoose-os/probekit/arm/cortexa"
	"github.com/mongoose-os/probekit/arm/cortexm"
	"github.com/mongoose-os/probekit/arm/dp"
	"github.com/mongoose-os/probekit/arm/romtable"
	"github.com/mongoose-os/probekit/common/multierror"
	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/flash"
	"github.com/mongoose-os/probekit/jtag"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/riscv"
	"github.com/mongoose-os/probekit/target"
	"github.com/mongoose-os/probekit/wire"
	"github.com/mongoose-os/probekit/xtensa"
)

type Permissions = target.Permissions

type Options struct {
	// Protocol overrides the protocol of the target description.
	Protocol probe.Protocol
	SpeedKHz uint32

	// ConnectUnderReset holds the target in reset while the debug port is
	// brought up and catches the core on its first instruction.
	ConnectUnderReset bool
	// DiscoverAPs enumerates the access ports on attach. It is implied on
	// ADIv6 debug ports, where AP addresses are only known from discovery.
	DiscoverAPs       bool
	// UncheckedMemory lets core memory accesses reach addresses outside the
	// memory map, which otherwise fail with OutOfBounds.
	UncheckedMemory   bool
	Permissions       Permissions

	// ResetTimeout bounds the wait for a core to halt after a reset.
	ResetTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		SpeedKHz:     1000,
		ResetTimeout: 500 * time.Millisecond,
	}
}

// armCore is the per-core ARM state needed for reconnects and teardown.
type armCore struct {
	memAP *ap.MemAP
	dbgAP *ap.MemAP
}

// Session owns a probe and the cores of the target attached through it.
type Session struct {
	p    probe.Probe
	desc *target.Description
	seq  target.Sequence
	opts Options

	w     *wire.Wire
	d     *dp.DP
	aps   []ap.Info
	cores []*core.Core
	arm   []armCore

	closed bool
}

// Attach takes ownership of p and attaches to the chip described by desc:
// the debug port is set up and started, the device unlocked and every
// core's debug logic started. The probe is closed if Attach fails.
func Attach(ctx context.Context, p probe.Probe, desc *target.Description, opts Options) (_ *Session, err error) {
	s := &Session{p: p, desc: desc, seq: desc.SequenceOrDefault(), opts: opts}
	defer func() {
		if err != nil {
			if cerr := s.closeProbe(ctx); cerr != nil {
				glog.Errorf("%s", cerr)
			}
		}
	}()
	if err := desc.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.opts.ResetTimeout == 0 {
		s.opts.ResetTimeout = DefaultOptions().ResetTimeout
	}
	glog.V(1).Infof("attaching to %s with %s", desc.Name, p.Info())
	if err := s.attach(ctx); err != nil {
		return nil, errors.Annotatef(err, "%s", desc.Name)
	}
	return s, nil
}

func (s *Session) arch() core.Type {
	return s.desc.Arch()
}

func (s *Session) protocol() probe.Protocol {
	switch {
	case s.opts.Protocol != probe.ProtocolNone:
		return s.opts.Protocol
	case s.desc.Protocol != probe.ProtocolNone:
		return s.desc.Protocol
	}
	return probe.ProtocolSWD
}

func (s *Session) attach(ctx context.Context) error {
	proto := s.protocol()
	if !s.arch().IsARM() && proto != probe.ProtocolJTAG {
		return dbgerr.TargetDescription("%s cores are reached over JTAG only", s.arch())
	}
	wopts := wire.DefaultOptions()
	wopts.Protocol = proto
	if s.opts.SpeedKHz != 0 {
		wopts.SpeedKHz = s.opts.SpeedKHz
	}
	wopts.TAP = s.desc.Cores[0].TAP
	s.w = wire.New(s.p, wopts)

	if s.opts.ConnectUnderReset {
		if err := s.p.TargetResetAssert(ctx); err != nil {
			return errors.Annotatef(err, "connect under reset")
		}
	}
	if !s.arch().IsARM() {
		return errors.Trace(s.attachJTAG(ctx))
	}
	if err := s.startPort(ctx); err != nil {
		return errors.Trace(err)
	}
	apAddr := s.desc.Cores[0].AP
	err := s.seq.DebugDeviceUnlock(ctx, s.d, apAddr, s.opts.Permissions)
	if errors.Cause(err) == target.ErrReattachRequired {
		glog.V(1).Infof("re-attaching after unlock")
		err = s.startPort(ctx)
	}
	if err != nil {
		return errors.Annotatef(err, "debug device unlock")
	}
	if s.opts.DiscoverAPs || s.d.Version() >= 3 {
		if s.aps, err = ap.Discover(ctx, s.d); err != nil {
			return errors.Annotatef(err, "AP discovery")
		}
		for _, a := range s.aps {
			glog.V(1).Infof("found %s", a)
		}
	}
	for i, cd := range s.desc.Cores {
		c, ac, err := s.startARMCore(ctx, i, cd)
		if err != nil {
			return errors.Annotatef(err, "core %d (%s)", i, cd.Name)
		}
		s.cores = append(s.cores, c)
		s.arm = append(s.arm, ac)
	}
	if s.opts.ConnectUnderReset {
		return errors.Trace(s.catchReset(ctx))
	}
	return nil
}

// startPort runs the debug port setup and start sequences.
func (s *Session) startPort(ctx context.Context) error {
	if err := s.seq.DebugPortSetup(ctx, s.w); err != nil {
		return errors.Annotatef(err, "debug port setup")
	}
	s.d = dp.New(s.w, dp.DefaultOptions())
	if err := s.seq.DebugPortStart(ctx, s.d); err != nil {
		return errors.Annotatef(err, "debug port start")
	}
	glog.V(1).Infof("%s link up at %d kHz, DPIDR 0x%08x", s.w.Protocol(), s.w.SpeedKHz(), uint32(s.d.IDR()))
	return nil
}

// resolveAP maps the AP of a core description onto the debug port. On
// ADIv6 an APSEL style address picks the n-th discovered MEM-AP.
func (s *Session) resolveAP(addr arm.APAddress) (arm.APAddress, error) {
	if s.aps == nil {
		return addr, nil
	}
	if s.d.Version() >= 3 && !addr.V2 {
		n := int(addr.Sel)
		for _, a := range s.aps {
			if a.IDR.Class() != ap.ClassMEM {
				continue
			}
			if n == 0 {
				return a.Addr, nil
			}
			n--
		}
		return addr, dbgerr.TargetDescription("MEM-AP #%d not found", addr.Sel)
	}
	for _, a := range s.aps {
		if a.Addr == addr {
			if a.IDR.Class() != ap.ClassMEM {
				return addr, dbgerr.Dap("%s is not a MEM-AP", a)
			}
			return addr, nil
		}
	}
	return addr, dbgerr.TargetDescription("%s not found", addr)
}

func (s *Session) memAP(ctx context.Context, addr arm.APAddress) (*ap.MemAP, error) {
	addr, err := s.resolveAP(addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m := ap.NewMemAP(s.d, addr)
	if err := m.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "%s", addr)
	}
	return m, nil
}

func (s *Session) newMemory(port memory.Port) *memory.Memory {
	mem := memory.New(port, append(s.desc.MemoryMap(), memory.PPB))
	mem.Strict = !s.opts.UncheckedMemory
	return mem
}

// reconnect brings the link back after a reset dropped it.
func (s *Session) reconnect(ctx context.Context) error {
	if err := s.w.Reinitialize(ctx); err != nil {
		return errors.Trace(err)
	}
	s.d.Invalidate()
	if err := s.d.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	for _, ac := range s.arm {
		for _, m := range []*ap.MemAP{ac.memAP, ac.dbgAP} {
			if m == nil {
				continue
			}
			if err := m.Init(ctx); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (s *Session) startARMCore(ctx context.Context, i int, cd target.CoreDesc) (*core.Core, armCore, error) {
	var ac armCore
	var err error
	if ac.memAP, err = s.memAP(ctx, cd.AP); err != nil {
		return nil, ac, errors.Trace(err)
	}
	mem := s.newMemory(ac.memAP)
	if cd.Type.IsCortexM() {
		opts := cortexm.DefaultOptions()
		// The exact profile is read from CPUID.
		opts.Type = core.TypeUnknown
		if cd.DebugBase != 0 {
			opts.DebugBase = cd.DebugBase
		}
		opts.Sequence = s.seq
		opts.Reconnect = s.reconnect
		c := cortexm.New(mem, opts)
		if err := c.Init(ctx); err != nil {
			return nil, ac, errors.Trace(err)
		}
		return core.New(i, cd.Name, c), ac, nil
	}
	if cd.DebugBase == 0 {
		return nil, ac, dbgerr.TargetDescription("%s core needs a debug base", cd.Type)
	}
	if ac.dbgAP, err = s.memAP(ctx, cd.DebugAP); err != nil {
		return nil, ac, errors.Trace(err)
	}
	dbg := memory.New(ac.dbgAP, nil)
	opts := cortexa.DefaultOptions()
	opts.Type = cd.Type
	opts.DebugBase = cd.DebugBase
	opts.CTIBase = cd.CTIBase
	opts.Sequence = s.seq
	c := cortexa.New(mem, dbg, opts)
	if err := c.Init(ctx); err != nil {
		return nil, ac, errors.Trace(err)
	}
	return core.New(i, cd.Name, c), ac, nil
}

// attachJTAG attaches RISC-V and Xtensa cores, each behind its own TAP.
func (s *Session) attachJTAG(ctx context.Context) error {
	if err := s.seq.DebugPortSetup(ctx, s.w); err != nil {
		return errors.Annotatef(err, "debug port setup")
	}
	e := s.w.JTAG()
	if e == nil {
		return dbgerr.Unsupported("%s cannot shift raw JTAG", s.p.Info().Driver)
	}
	for _, t := range s.w.Chain() {
		glog.V(1).Infof("TAP %s", t)
	}
	dms := map[int]*riscv.DM{}
	regions := s.desc.MemoryMap()
	for i, cd := range s.desc.Cores {
		if err := e.SelectTarget(cd.TAP); err != nil {
			return errors.Annotatef(err, "core %d (%s)", i, cd.Name)
		}
		var ctrl core.Controller
		switch cd.Type {
		case core.Riscv:
			dm := dms[cd.TAP]
			if dm == nil {
				dtm, err := riscv.NewDTM(ctx, e)
				if err != nil {
					return errors.Annotatef(err, "core %d (%s)", i, cd.Name)
				}
				if dm, err = riscv.NewDM(ctx, dtm); err != nil {
					return errors.Annotatef(err, "core %d (%s)", i, cd.Name)
				}
				dms[cd.TAP] = dm
			}
			opts := riscv.DefaultOptions()
			opts.Hart = cd.Hart
			opts.Sequence = s.seq
			opts.Regions = regions
			c, err := riscv.New(ctx, dm, opts)
			if err != nil {
				return errors.Annotatef(err, "core %d (%s)", i, cd.Name)
			}
			ctrl = c
		case core.Xtensa:
			x, err := xtensa.NewXDM(ctx, e)
			if err != nil {
				return errors.Annotatef(err, "core %d (%s)", i, cd.Name)
			}
			opts := xtensa.DefaultOptions()
			opts.Sequence = s.seq
			opts.Regions = regions
			c, err := xtensa.New(ctx, x, opts)
			if err != nil {
				return errors.Annotatef(err, "core %d (%s)", i, cd.Name)
			}
			ctrl = c
		default:
			return dbgerr.TargetDescription("core %d: unsupported type %s", i, cd.Type)
		}
		if mem := ctrl.Memory(); mem != nil {
			mem.Strict = !s.opts.UncheckedMemory
		}
		s.cores = append(s.cores, core.New(i, cd.Name, ctrl))
	}
	if err := e.SelectTarget(s.desc.Cores[0].TAP); err != nil {
		return errors.Trace(err)
	}
	if s.opts.ConnectUnderReset {
		return errors.Trace(s.catchReset(ctx))
	}
	return nil
}

// catchReset releases the reset held since attach with the reset catch of
// the first core armed, leaving that core halted on its first instruction.
func (s *Session) catchReset(ctx context.Context) error {
	c := s.cores[0]
	cd := s.desc.Cores[0]
	base := cd.DebugBase
	if base == 0 && cd.Type.IsCortexM() {
		base = cortexm.RegDHCSR
	}
	if err := s.seq.ResetCatchSet(ctx, c.Memory(), c.Type(), base); err != nil {
		return errors.Annotatef(err, "reset catch set")
	}
	if err := s.p.TargetResetDeassert(ctx); err != nil {
		return errors.Annotatef(err, "reset deassert")
	}
	if err := c.WaitHalted(ctx, s.opts.ResetTimeout); err != nil {
		return errors.Annotatef(err, "halt after reset")
	}
	return errors.Annotatef(s.seq.ResetCatchClear(ctx, c.Memory(), c.Type(), base), "reset catch clear")
}

// Description is the target the session is attached to.
func (s *Session) Description() *target.Description {
	return s.desc
}

func (s *Session) Probe() probe.Probe {
	return s.p
}

// DebugPort is the ARM debug port, nil for targets without one.
func (s *Session) DebugPort() *dp.DP {
	return s.d
}

// Chain lists the TAPs found on the scan chain when attached over JTAG.
func (s *Session) Chain() []jtag.TapInfo {
	return s.w.Chain()
}

// APs lists the access ports found on attach, if discovery ran.
func (s *Session) APs() []ap.Info {
	return s.aps
}

func (s *Session) NumCores() int {
	return len(s.cores)
}

// Core returns core i. Cores behind separate TAPs are selected on the scan
// chain as a side effect. An index out of range panics.
func (s *Session) Core(i int) *core.Core {
	if i < 0 || i >= len(s.cores) {
		panic(errors.Errorf("core %d out of range, %s has %d", i, s.desc.Name, len(s.cores)))
	}
	if e := s.w.JTAG(); e != nil && !s.arch().IsARM() {
		// TAP indices were checked on attach.
		if err := e.SelectTarget(s.desc.Cores[i].TAP); err != nil {
			panic(err)
		}
	}
	return s.cores[i]
}

// CoreInfo is one line of List.
type CoreInfo struct {
	Index  int
	Name   string
	Type   core.Type
	Status core.Status
}

// List reports every core with its current status.
func (s *Session) List(ctx context.Context) ([]CoreInfo, error) {
	var res []CoreInfo
	for i := range s.cores {
		c := s.Core(i)
		st, err := c.Status(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "core %d", i)
		}
		res = append(res, CoreInfo{Index: i, Name: s.desc.Cores[i].Name, Type: c.Type(), Status: st})
	}
	if len(s.cores) > 1 {
		s.Core(0)
	}
	return res, nil
}

// Reattach rebuilds the link and the cores after the connection was lost.
// Core handles obtained before are stale afterwards.
func (s *Session) Reattach(ctx context.Context) error {
	if s.closed {
		return errors.Errorf("session is closed")
	}
	glog.V(1).Infof("re-attaching to %s", s.desc.Name)
	s.cores, s.arm, s.aps = nil, nil, nil
	return errors.Annotatef(s.attach(ctx), "%s", s.desc.Name)
}

// Components walks the CoreSight ROM table behind the memory AP of core i.
func (s *Session) Components(ctx context.Context, i int) (*romtable.Table, error) {
	c := s.Core(i)
	if !c.Type().IsARM() {
		return nil, dbgerr.Unsupported("%s has no CoreSight components", c.Type())
	}
	base, ok := s.arm[i].memAP.DebugBase()
	if !ok {
		return nil, dbgerr.Dap("%s has no debug base", s.arm[i].memAP)
	}
	t, err := romtable.Walk(ctx, c.Memory(), uint64(base))
	return t, errors.Annotatef(err, "ROM table at 0x%08x", base)
}

// TraceStart hands the CoreSight components of core i to the trace start
// sequence.
func (s *Session) TraceStart(ctx context.Context, i int) error {
	t, err := s.Components(ctx, i)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.seq.TraceStart(ctx, s.Core(i).Memory(), t.Components))
}

// FlashLoader returns a loader for the flash regions of the target.
func (s *Session) FlashLoader() *flash.Loader {
	return flash.NewLoader(s.desc.Flash, s.desc.RAM())
}

// EraseAll erases every flash region through core 0. It needs the erase
// all permission.
func (s *Session) EraseAll(ctx context.Context, sink flash.Progress) error {
	if err := s.opts.Permissions.EraseAll("requested"); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(flash.EraseAll(ctx, s.Core(0), s.desc.Flash, s.desc.RAM(), sink))
}

// Close stops the debug logic of every core, detaches and closes the probe.
// The probe is released whatever else fails.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	var err error
	for i := range s.cores {
		err = multierror.Append(err, errors.Annotatef(s.stopCore(ctx, i), "core %d", i))
	}
	err = multierror.Append(err, s.closeProbe(ctx))
	return err
}

func (s *Session) stopCore(ctx context.Context, i int) error {
	c := s.Core(i)
	if st, ok := c.Controller().(core.Stopper); ok {
		return errors.Trace(st.Stop(ctx))
	}
	return errors.Trace(s.seq.DebugCoreStop(ctx, c.Memory(), c.Type()))
}

func (s *Session) closeProbe(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if derr := s.p.Detach(ctx); derr != nil {
		err = multierror.Append(err, errors.Annotatef(derr, "detach"))
	}
	if cerr := s.p.Close(ctx); cerr != nil {
		err = multierror.Append(err, errors.Annotatef(cerr, "close"))
	}
	return err
}
