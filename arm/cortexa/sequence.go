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

package cortexa

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/retry"
)

// ResetTimeout bounds the wait for the sticky reset status.
const ResetTimeout = 500 * time.Millisecond

// DefaultSequence is the generic ARMv7-A/ARMv8-A behaviour of the debug
// sequence hooks. mem is the debug bus holding the core debug registers.
type DefaultSequence struct{}

func rmw(ctx context.Context, mem *memory.Memory, addr uint64, set, clear uint32) error {
	v, err := mem.Read32(ctx, addr)
	if err != nil {
		return errors.Annotatef(err, "read 0x%x", addr)
	}
	return errors.Annotatef(mem.Write32(ctx, addr, v&^clear|set), "write 0x%x", addr)
}

func (DefaultSequence) DebugCoreStart(ctx context.Context, mem *memory.Memory, t core.Type, debugBase, ctiBase uint64) error {
	glog.V(1).Infof("starting debug for %s core at 0x%x", t, debugBase)
	if err := mem.Write32(ctx, debugBase+RegLAR, LARKey); err != nil {
		return errors.Annotatef(err, "debug unlock")
	}
	if t == core.Armv8a {
		if err := mem.Write32(ctx, debugBase+RegOSLAR, 0); err != nil {
			return errors.Annotatef(err, "OS lock")
		}
		if ctiBase == 0 {
			return dbgerr.TargetDescription("ARMv8-A core needs a CTI base")
		}
		for _, w := range []struct {
			off uint64
			v   uint32
		}{
			{RegCTIControl, 1},
			{RegCTIGate, 0},
			{RegCTIOutEn + 4*ctiHaltChannel, 1 << ctiHaltChannel},
			{RegCTIOutEn + 4*ctiResumeChannel, 1 << ctiResumeChannel},
		} {
			if err := mem.Write32(ctx, ctiBase+w.off, w.v); err != nil {
				return errors.Annotatef(err, "CTI setup")
			}
		}
		return rmw(ctx, mem, debugBase+RegDSCR, EDSCRHDE, 0)
	}
	if err := mem.Write32(ctx, debugBase+RegDSCCR, 0); err != nil {
		return errors.Annotatef(err, "DSCCR")
	}
	if err := mem.Write32(ctx, debugBase+RegDSMCR, 0); err != nil {
		return errors.Annotatef(err, "DSMCR")
	}
	return rmw(ctx, mem, debugBase+RegDSCR, DSCRHDBGEn, 0)
}

func (DefaultSequence) DebugCoreStop(ctx context.Context, mem *memory.Memory, t core.Type) error {
	// The debug base is not passed here; controllers call their own
	// teardown before this hook.
	return nil
}

func (DefaultSequence) ResetCatchSet(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	if t == core.Armv8a {
		return rmw(ctx, mem, debugBase+RegEDECR, EDECRRCE, 0)
	}
	return rmw(ctx, mem, debugBase+RegPRCR, PRCRHoldWarmReset, 0)
}

func (DefaultSequence) ResetCatchClear(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	if t == core.Armv8a {
		return rmw(ctx, mem, debugBase+RegEDECR, 0, EDECRRCE)
	}
	return rmw(ctx, mem, debugBase+RegPRCR, 0, PRCRHoldWarmReset)
}

// ResetSystem requests a core warm reset and waits for the sticky reset
// status.
func (DefaultSequence) ResetSystem(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	if err := rmw(ctx, mem, debugBase+RegPRCR, PRCRCoreWarmReset, 0); err != nil {
		return errors.Annotatef(err, "warm reset request")
	}
	return retry.Poll(ctx, "reset", ResetTimeout, retry.DefaultPollInterval, func() (bool, error) {
		prsr, err := mem.Read32(ctx, debugBase+RegPRSR)
		if err != nil {
			return false, errors.Annotatef(err, "PRSR")
		}
		return prsr&PRSRStickyReset != 0, nil
	})
}

// Stop disables halting debug. A halted core gets its registers back and
// is resumed first.
func (c *Controller) Stop(ctx context.Context) error {
	halted, err := c.isHalted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if halted {
		if err := c.Run(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	bit := uint32(DSCRHDBGEn)
	if c.v8() {
		bit = EDSCRHDE
	}
	if err := rmw(ctx, c.dbg, c.opts.DebugBase+RegDSCR, 0, bit); err != nil {
		return errors.Trace(err)
	}
	return c.seq.DebugCoreStop(ctx, c.dbg, c.opts.Type)
}
