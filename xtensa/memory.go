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

package xtensa

import (
	"context"
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

// DDRPort moves words between DDR and memory with LDDR32.P and SDDR32.P,
// re-executing them through DDREXEC. The core must be stopped.
type DDRPort struct {
	x *XDM
}

func NewDDRPort(x *XDM) *DDRPort {
	return &DDRPort{x: x}
}

func (p *DDRPort) SupportsWidth(w memory.Width) bool {
	return w == memory.Width32
}

func (p *DDRPort) stopped(ctx context.Context, addr uint64) error {
	ok, err := p.x.Stopped(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return dbgerr.Arch(dbgerr.NotHalted, "memory access at 0x%08x needs a stopped core", addr)
	}
	return nil
}

// fault turns an OCD execution exception into a memory error at addr.
func fault(err error, addr uint64) error {
	if dbgerr.IsDetail(err, dbgerr.OcdError) {
		return dbgerr.Memory(dbgerr.DetailNone, addr, "access fault in 0x%08x block", addr)
	}
	return errors.Trace(err)
}

func (p *DDRPort) ReadBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := p.stopped(ctx, addr); err != nil {
		return err
	}
	err := p.x.withScratch(ctx, func() error {
		if err := p.x.WriteAR(ctx, scratch, uint32(addr)); err != nil {
			return errors.Trace(err)
		}
		if err := p.x.Execute(ctx, insnLDDR32P(scratch)); err != nil {
			return fault(err, addr)
		}
		for off := 0; off < len(data); off += 4 {
			var v uint32
			var err error
			if off+4 < len(data) {
				v, err = p.x.ReadDDRExec(ctx)
			} else {
				v, err = p.x.ReadDDR(ctx)
			}
			if err != nil {
				return errors.Trace(err)
			}
			binary.LittleEndian.PutUint32(data[off:], v)
		}
		return fault(p.x.CheckExec(ctx), addr)
	})
	glog.V(4).Infof("DDR read %d bytes at 0x%08x", len(data), addr)
	return err
}

func (p *DDRPort) WriteBlock(ctx context.Context, w memory.Width, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := p.stopped(ctx, addr); err != nil {
		return err
	}
	err := p.x.withScratch(ctx, func() error {
		if err := p.x.WriteAR(ctx, scratch, uint32(addr)); err != nil {
			return errors.Trace(err)
		}
		if err := p.x.WriteDDR(ctx, binary.LittleEndian.Uint32(data)); err != nil {
			return errors.Trace(err)
		}
		if err := p.x.Execute(ctx, insnSDDR32P(scratch)); err != nil {
			return fault(err, addr)
		}
		for off := 4; off < len(data); off += 4 {
			if err := p.x.WriteDDRExec(ctx, binary.LittleEndian.Uint32(data[off:])); err != nil {
				return errors.Trace(err)
			}
		}
		return fault(p.x.CheckExec(ctx), addr)
	})
	glog.V(4).Infof("DDR wrote %d bytes at 0x%08x", len(data), addr)
	return err
}

func (p *DDRPort) Flush(ctx context.Context) error {
	return nil
}
