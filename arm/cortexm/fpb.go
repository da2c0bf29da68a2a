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

package cortexm

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
)

// fpb is the flash patch and breakpoint unit.
type fpb struct {
	rev     int
	numCode int
}

func readFPB(ctx context.Context, mem *memory.Memory) (*fpb, error) {
	ctrl, err := mem.Read32(ctx, RegFPCtrl)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get FP_CTRL")
	}
	f := &fpb{
		rev:     int(ctrl >> 28),
		numCode: int((ctrl>>4)&0xf | (ctrl>>8)&0x70),
	}
	glog.V(1).Infof("FPB rev %d, %d code comparators", f.rev+1, f.numCode)
	return f, nil
}

// comparator encodes an enabled FP_COMPn value for a breakpoint at addr.
func (f *fpb) comparator(addr uint64) (uint32, error) {
	if addr > 0xffffffff {
		return 0, dbgerr.Unsupported("breakpoint address 0x%x is beyond 32 bits", addr)
	}
	a := uint32(addr)
	if f.rev > 0 {
		return a&^1 | 1, nil
	}
	// Revision 1 comparators only match the code region.
	if a >= 0x20000000 {
		return 0, dbgerr.Unsupported("FPB v1 cannot break at 0x%08x", a)
	}
	replace := uint32(1) << 30
	if a&2 != 0 {
		replace = 1 << 31
	}
	return replace | a&0x1ffffffc | 1, nil
}

func (f *fpb) set(ctx context.Context, mem *memory.Memory, unit int, v uint32) error {
	if unit < 0 || unit >= f.numCode {
		return dbgerr.Arch(dbgerr.NoFreeBreakpointUnit, "no breakpoint unit %d", unit)
	}
	glog.V(3).Infof("FP_COMP%d = 0x%08x", unit, v)
	return errors.Annotatef(mem.Write32(ctx, uint64(RegFPComp)+4*uint64(unit), v), "failed to set FP_COMP%d", unit)
}
