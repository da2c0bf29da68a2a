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

package probe

import (
	"context"
	"time"

	"github.com/mongoose-os/probekit/dbgerr"
)

// Unsupported implements every optional Probe operation by reporting
// UnsupportedOperation. Drivers embed it and override what they support.
type Unsupported struct {
	Name string
}

func (u Unsupported) unsupported(op string) error {
	return dbgerr.Unsupported("%s: %s is not supported", u.Name, op)
}

func (u Unsupported) SelectProtocol(ctx context.Context, p Protocol) (Protocol, error) {
	return ProtocolNone, dbgerr.Wire(dbgerr.ProtocolUnsupported, "%s: protocol %s is not supported", u.Name, p)
}

func (u Unsupported) SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error) {
	return 0, u.unsupported("speed control")
}

func (u Unsupported) Attach(ctx context.Context) error { return nil }
func (u Unsupported) Detach(ctx context.Context) error { return nil }

func (u Unsupported) TargetResetAssert(ctx context.Context) error {
	return u.unsupported("reset assert")
}

func (u Unsupported) TargetResetDeassert(ctx context.Context) error {
	return u.unsupported("reset deassert")
}

// TargetResetPulse is built from assert and deassert of the embedding type
// only when the driver overrides it; the default reports unsupported.
func (u Unsupported) TargetResetPulse(ctx context.Context, d time.Duration) error {
	return u.unsupported("reset pulse")
}

func (u Unsupported) SWJSequence(ctx context.Context, bitCount int, bits []byte) error {
	return u.unsupported("SWJ sequence")
}

func (u Unsupported) SWJPins(ctx context.Context, set, clear uint8, wait time.Duration) (uint8, error) {
	return 0, u.unsupported("SWJ pins")
}

func (u Unsupported) RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error) {
	return nil, u.unsupported("raw JTAG")
}

func (u Unsupported) RawSWDIO(ctx context.Context, dir, out []bool) ([]bool, error) {
	return nil, u.unsupported("raw SWD")
}

func (u Unsupported) DAPTransfer(ctx context.Context, reqs []DAPRequest) ([]uint32, error) {
	return nil, u.unsupported("DAP transfer")
}

func (u Unsupported) ConfigureJTAGChain(ctx context.Context, irLens []int, selected int) error {
	return nil
}

func (u Unsupported) Flush(ctx context.Context) error { return nil }

// PulseReset asserts reset, waits d and deasserts it.
func PulseReset(ctx context.Context, p Probe, d time.Duration) error {
	if err := p.TargetResetAssert(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		p.TargetResetDeassert(ctx)
		return ctx.Err()
	case <-time.After(d):
	}
	return p.TargetResetDeassert(ctx)
}
