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

package flags

import (
	"time"

	flag "github.com/spf13/pflag"
)

var (
	Probe = flag.String("probe", "", "Debug probe to use, as [driver=]vid:pid[:serial]. "+
		"If empty, the first probe found is used.")
	Protocol = flag.String("protocol", "", "Wire protocol, swd or jtag. Default is the target's preferred one.")
	Speed    = flag.Uint32("speed", 1000, "Wire clock, kHz")
	Target   = flag.String("target", "generic-cortex-m", "Target chip name")
	Core     = flag.Int("core", 0, "Index of the core to operate on")
	Timeout  = flag.Duration("timeout", time.Second, "How long to wait for the core to halt")
	Halt     = flag.Bool("halt", false, "Stop the core at the reset vector after reset")

	StepInterrupts = flag.Bool("step-interrupts", false, "Let pending interrupts be taken while stepping instead of masking them")

	FlashAlgo         = flag.String("flash-algo", "", "CMSIS-Pack flash algorithm (.FLM) to program the target's flash with")
	Base              = flag.Uint64("base", 0, "Load address of raw binary images")
	Verify            = flag.Bool("verify", true, "Read back and compare flash contents after programming")
	ChipErase         = flag.Bool("chip-erase", false, "Erase the whole chip instead of the touched sectors")
	KeepUnwritten     = flag.Bool("keep-unwritten", false, "Preserve the parts of erased sectors that the image does not cover")
	ConnectUnderReset = flag.Bool("connect-under-reset", false, "Hold the target in reset while attaching")
	AllowEraseAll     = flag.Bool("allow-erase-all", false, "Allow erasing the entire chip, including to unlock a protected one")
	AnyAddress        = flag.Bool("any-address", false, "Allow memory accesses outside the target's memory map")

	Config   = flag.String("config", "", "YAML session config file. Flags override its values.")
	Sequence = flag.String("sequence", "", "Lua script with debug sequence hooks overriding the target's")
	Width    = flag.Int("width", 32, "Access width for read and write, bits: 8, 16 or 32")
	Output   = flag.StringP("output", "o", "", "Where to store the data read, - for stdout. Default is a hex dump.")
	Yes      = flag.BoolP("yes", "y", false, "Do not ask for confirmation")
)
