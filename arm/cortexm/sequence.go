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
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/memory"
	"github.com/mongoose-os/probekit/retry"
)

// ResetTimeout bounds the wait for DHCSR.S_RESET_ST to clear.
const ResetTimeout = 500 * time.Millisecond

// DefaultSequence is the generic ARMv6-M/v7-M/v8-M behaviour of the debug
// sequence hooks.
type DefaultSequence struct{}

func (DefaultSequence) DebugCoreStart(ctx context.Context, mem *memory.Memory, t core.Type, debugBase, ctiBase uint64) error {
	dhcsr, err := mem.Read32(ctx, RegDHCSR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DHCSR")
	}
	if dhcsr&DHCSRDebugEn != 0 {
		return nil
	}
	return errors.Annotatef(mem.Write32(ctx, RegDHCSR, DHCSRKey|DHCSRDebugEn), "failed to set DHCSR")
}

func (DefaultSequence) DebugCoreStop(ctx context.Context, mem *memory.Memory, t core.Type) error {
	demcr, err := mem.Read32(ctx, RegDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DEMCR")
	}
	if err := mem.Write32(ctx, RegDEMCR, demcr&^(DEMCRVCCoreReset|DEMCRVCHardErr)); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	// Debug disabled: a halted core resumes.
	return errors.Annotatef(mem.Write32(ctx, RegDHCSR, DHCSRKey), "failed to set DHCSR")
}

func (DefaultSequence) ResetCatchSet(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	demcr, err := mem.Read32(ctx, RegDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DEMCR")
	}
	if err := mem.Write32(ctx, RegDEMCR, demcr|DEMCRVCCoreReset); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	// Reading DHCSR clears a stale S_RESET_ST.
	_, err = mem.Read32(ctx, RegDHCSR)
	return errors.Annotatef(err, "failed to get DHCSR")
}

func (DefaultSequence) ResetCatchClear(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	demcr, err := mem.Read32(ctx, RegDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DEMCR")
	}
	if demcr&DEMCRVCCoreReset == 0 {
		return nil
	}
	return errors.Annotatef(mem.Write32(ctx, RegDEMCR, demcr&^DEMCRVCCoreReset), "failed to set DEMCR")
}

// ResetSystem requests a system reset through AIRCR and waits for the core
// to come out of it. A link that drops with the reset is reported as is so
// that the caller can reconnect.
func (DefaultSequence) ResetSystem(ctx context.Context, mem *memory.Memory, t core.Type, debugBase uint64) error {
	return ResetSystemAIRCR(ctx, mem, AIRCRSysResetReq)
}

// ResetSystemAIRCR writes AIRCR with the given reset bits and polls
// DHCSR.S_RESET_ST.
func ResetSystemAIRCR(ctx context.Context, mem *memory.Memory, bits uint32) error {
	if err := mem.Write32(ctx, RegAIRCR, AIRCRKey|bits); err != nil {
		return errors.Annotatef(err, "failed to set AIRCR")
	}
	if err := mem.Flush(ctx); err != nil && !LostConnection(err) {
		return errors.Trace(err)
	}
	seen := false
	return retry.Poll(ctx, "reset", ResetTimeout, retry.DefaultPollInterval, func() (bool, error) {
		dhcsr, err := mem.Read32(ctx, RegDHCSR)
		if err != nil {
			return false, errors.Annotatef(err, "failed to get DHCSR")
		}
		glog.V(3).Infof("reset: DHCSR 0x%08x", dhcsr)
		// S_RESET_ST is sticky until read: set on the first read after the
		// reset, clear afterwards.
		if dhcsr&DHCSRSReset != 0 {
			seen = true
			return false, nil
		}
		return seen || dhcsr&DHCSRSHalt != 0, nil
	})
}
