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

package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probekit/cli/flags"
	"github.com/mongoose-os/probekit/common/ourutil"
	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/memory"
)

func parseUint(what, s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", what, s)
	}
	return v, nil
}

func accessWidth() (int, error) {
	switch *flags.Width {
	case 8, 16, 32:
		return *flags.Width / 8, nil
	}
	return 0, errors.Errorf("invalid --width %d, want 8, 16 or 32", *flags.Width)
}

// readMem reads n bytes at addr using accesses of the given size.
func readMem(ctx context.Context, mem *memory.Memory, addr uint64, n, size int) ([]byte, error) {
	if addr%uint64(size) != 0 || n%size != 0 {
		return nil, errors.Errorf("address and length must be multiples of %d", size)
	}
	data := make([]byte, n)
	switch size {
	case 4:
		words := make([]uint32, n/4)
		if err := mem.ReadBlock32(ctx, addr, words); err != nil {
			return nil, errors.Trace(err)
		}
		for i, w := range words {
			binary.LittleEndian.PutUint32(data[4*i:], w)
		}
	case 2:
		halves := make([]uint16, n/2)
		if err := mem.ReadBlock16(ctx, addr, halves); err != nil {
			return nil, errors.Trace(err)
		}
		for i, h := range halves {
			binary.LittleEndian.PutUint16(data[2*i:], h)
		}
	default:
		if err := mem.ReadBlock8(ctx, addr, data); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return data, nil
}

func read(ctx context.Context) error {
	if flag.NArg() != 3 {
		return errors.Errorf("address and length are required")
	}
	addr, err := parseUint("address", flag.Arg(1), 64)
	if err != nil {
		return errors.Trace(err)
	}
	n, err := parseUint("length", flag.Arg(2), 31)
	if err != nil {
		return errors.Trace(err)
	}
	size, err := accessWidth()
	if err != nil {
		return errors.Trace(err)
	}
	return withCore(ctx, func(c *core.Core) error {
		data, err := readMem(ctx, c.Memory(), addr, int(n), size)
		if err != nil {
			return errors.Trace(err)
		}
		switch *flags.Output {
		case "":
			fmt.Print(hex.Dump(data))
		case "-":
			_, err = os.Stdout.Write(data)
		default:
			err = ioutil.WriteFile(*flags.Output, data, 0644)
			if err == nil {
				ourutil.Reportf("Wrote %s", *flags.Output)
			}
		}
		return errors.Trace(err)
	})
}

func write(ctx context.Context) error {
	if flag.NArg() < 3 {
		return errors.Errorf("address and at least one value are required")
	}
	addr, err := parseUint("address", flag.Arg(1), 64)
	if err != nil {
		return errors.Trace(err)
	}
	size, err := accessWidth()
	if err != nil {
		return errors.Trace(err)
	}
	if addr%uint64(size) != 0 {
		return errors.Errorf("address must be a multiple of %d", size)
	}
	var vals []uint64
	for _, s := range flag.Args()[2:] {
		v, err := parseUint("value", s, 8*size)
		if err != nil {
			return errors.Trace(err)
		}
		vals = append(vals, v)
	}
	return withCore(ctx, func(c *core.Core) error {
		mem := c.Memory()
		for i, v := range vals {
			a := addr + uint64(i*size)
			var err error
			switch size {
			case 4:
				err = mem.Write32(ctx, a, uint32(v))
			case 2:
				err = mem.Write16(ctx, a, uint16(v))
			default:
				err = mem.Write8(ctx, a, uint8(v))
			}
			if err != nil {
				return errors.Annotatef(err, "0x%08x", a)
			}
		}
		return errors.Trace(mem.Flush(ctx))
	})
}
