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

// Package probe defines the debug adapter interface implemented by every
// driver, the capability flags drivers advertise when opened, and the driver
// registry used to enumerate and open adapters.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolSWD
	ProtocolJTAG
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSWD:
		return "SWD"
	case ProtocolJTAG:
		return "JTAG"
	}
	return "none"
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "swd":
		return ProtocolSWD, nil
	case "jtag":
		return ProtocolJTAG, nil
	}
	return ProtocolNone, fmt.Errorf("unknown protocol %q", s)
}

// Capabilities is the set of operations a probe supports natively.
type Capabilities uint32

const (
	CapSWD Capabilities = 1 << iota
	CapJTAG
	// CapDAPTransfer: the probe performs DP/AP register transfers itself.
	CapDAPTransfer
	CapRawJTAG
	CapRawSWD
	CapSWJSequence
	CapSWJPins
	CapTargetReset
	CapSpeedControl
)

var capNames = []string{"swd", "jtag", "dap-transfer", "raw-jtag", "raw-swd", "swj-sequence", "swj-pins", "reset", "speed"}

func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

func (c Capabilities) String() string {
	var parts []string
	for i, n := range capNames {
		if c&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, ",")
}

type DriverKind string

const (
	DriverCMSISDAP   DriverKind = "cmsis-dap"
	DriverJLink      DriverKind = "jlink"
	DriverSTLink     DriverKind = "stlink"
	DriverFTDI       DriverKind = "ftdi"
	DriverESPUSBJTAG DriverKind = "esp-usb-jtag"
	DriverFake       DriverKind = "fake"
)

// Info identifies an adapter.
type Info struct {
	Driver    DriverKind
	VendorID  uint16
	ProductID uint16
	Serial    string
	Product   string
	Firmware  string
}

func (i Info) String() string {
	s := fmt.Sprintf("%s %04x:%04x", i.Driver, i.VendorID, i.ProductID)
	if i.Serial != "" {
		s += ":" + i.Serial
	}
	if i.Product != "" {
		s += " (" + i.Product + ")"
	}
	return s
}

// SWJ pin bits, numbered as in CMSIS-DAP DAP_SWJ_Pins.
const (
	PinSWCLK  uint8 = 1 << 0
	PinSWDIO  uint8 = 1 << 1
	PinTDI    uint8 = 1 << 2
	PinTDO    uint8 = 1 << 3
	PinNTRST  uint8 = 1 << 5
	PinNRESET uint8 = 1 << 7
)

// DAPRequest is one DP or AP register access. Addr is the register byte
// address A[3:2] (0x0, 0x4, 0x8 or 0xC) within the currently selected bank.
type DAPRequest struct {
	AP    bool
	Write bool
	Addr  uint8
	Value uint32
}

func (r DAPRequest) String() string {
	port := "DP"
	if r.AP {
		port = "AP"
	}
	if r.Write {
		return fmt.Sprintf("W %s[0x%x]=0x%08x", port, r.Addr, r.Value)
	}
	return fmt.Sprintf("R %s[0x%x]", port, r.Addr)
}

// Probe is a debug adapter. A probe is owned by exactly one session and is
// not safe for concurrent use.
type Probe interface {
	Info() Info
	Capabilities() Capabilities

	// SelectProtocol returns the negotiated protocol or a WireProtocol
	// ProtocolUnsupported error.
	SelectProtocol(ctx context.Context, p Protocol) (Protocol, error)
	Protocol() Protocol
	// SetSpeedKHz returns the speed actually chosen: the fastest supported
	// step not above khz, or the slowest step.
	SetSpeedKHz(ctx context.Context, khz uint32) (uint32, error)
	SpeedKHz() uint32

	Attach(ctx context.Context) error
	Detach(ctx context.Context) error

	TargetResetAssert(ctx context.Context) error
	TargetResetDeassert(ctx context.Context) error
	TargetResetPulse(ctx context.Context, d time.Duration) error

	// SWJSequence clocks bitCount bits of bits (LSB first) on SWDIO/TMS.
	SWJSequence(ctx context.Context, bitCount int, bits []byte) error
	// SWJPins drives set high and clear low, waits up to wait and returns
	// the sampled pin state.
	SWJPins(ctx context.Context, set, clear uint8, wait time.Duration) (uint8, error)

	// RawJTAGShift clocks len(tms) cycles. tdi must have the same length.
	// With capture the TDO value of every cycle is returned.
	RawJTAGShift(ctx context.Context, tms, tdi []bool, capture bool) ([]bool, error)
	// RawSWDIO clocks len(dir) SWD cycles. dir[i] true drives out[i] on
	// SWDIO; false samples SWDIO into the returned slice.
	RawSWDIO(ctx context.Context, dir, out []bool) ([]bool, error)
	// DAPTransfer performs DP/AP register accesses and returns the values
	// of the reads in order.
	DAPTransfer(ctx context.Context, reqs []DAPRequest) ([]uint32, error)
	// ConfigureJTAGChain tells a DAPTransfer-capable probe the IR lengths of
	// the scan chain and which TAP is the DAP. Probes without a notion of the
	// chain ignore it.
	ConfigureJTAGChain(ctx context.Context, irLens []int, selected int) error

	// Flush commits any queued operations to the wire.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// PickSpeed chooses the fastest of steps not above want, else the slowest.
func PickSpeed(steps []uint32, want uint32) uint32 {
	var best, slowest uint32
	for _, s := range steps {
		if s == 0 {
			continue
		}
		if s <= want && s > best {
			best = s
		}
		if slowest == 0 || s < slowest {
			slowest = s
		}
	}
	if best == 0 {
		return slowest
	}
	return best
}
