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
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probekit/cli/flags"
	"github.com/mongoose-os/probekit/common/ourutil"
	"github.com/mongoose-os/probekit/core"
)

// withCore attaches and runs f on the core selected with --core.
func withCore(ctx context.Context, f func(c *core.Core) error) error {
	s, done, err := attach(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer done()
	c, err := selectedCore(s)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f(c))
}

func reportPC(ctx context.Context, c *core.Core) error {
	st, err := c.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !st.IsHalted() {
		ourutil.Reportf("Core %d: %s", *flags.Core, st)
		return nil
	}
	pc, err := c.PC(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Core %d: %s at 0x%08x", *flags.Core, st, pc)
	return nil
}

func reset(ctx context.Context) error {
	return withCore(ctx, func(c *core.Core) error {
		if *flags.Halt {
			if err := c.ResetAndHalt(ctx, *flags.Timeout); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(reportPC(ctx, c))
		}
		return errors.Trace(c.Reset(ctx, *flags.Timeout))
	})
}

func halt(ctx context.Context) error {
	return withCore(ctx, func(c *core.Core) error {
		if err := c.Halt(ctx, *flags.Timeout); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(reportPC(ctx, c))
	})
}

func resume(ctx context.Context) error {
	return withCore(ctx, func(c *core.Core) error {
		return errors.Trace(c.Run(ctx))
	})
}

// haltIfRunning halts c and reports whether it was running.
func haltIfRunning(ctx context.Context, c *core.Core) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	if st.IsHalted() {
		return false, nil
	}
	return true, errors.Trace(c.Halt(ctx, *flags.Timeout))
}

func step(ctx context.Context) error {
	n := 1
	if flag.NArg() > 1 {
		v, err := strconv.Atoi(flag.Arg(1))
		if err != nil || v < 1 {
			return errors.Errorf("invalid step count %q", flag.Arg(1))
		}
		n = v
	}
	return withCore(ctx, func(c *core.Core) error {
		if _, err := haltIfRunning(ctx, c); err != nil {
			return errors.Trace(err)
		}
		for i := 0; i < n; i++ {
			if err := c.Step(ctx, *flags.StepInterrupts); err != nil {
				return errors.Annotatef(err, "step %d", i+1)
			}
		}
		return errors.Trace(reportPC(ctx, c))
	})
}

// selectRegisters picks registers by name, all of them if names is empty.
func selectRegisters(f *core.RegisterFile, names []string) ([]core.Register, error) {
	if len(names) == 0 {
		return f.Regs, nil
	}
	var res []core.Register
	for _, name := range names {
		r, ok := f.ByName(name)
		if !ok {
			return nil, errors.Errorf("unknown register %q", name)
		}
		res = append(res, r)
	}
	return res, nil
}

func regs(ctx context.Context) error {
	return withCore(ctx, func(c *core.Core) error {
		sel, err := selectRegisters(c.Registers(), flag.Args()[1:])
		if err != nil {
			return errors.Trace(err)
		}
		wasRunning, err := haltIfRunning(ctx, c)
		if err != nil {
			return errors.Trace(err)
		}
		vals, err := c.ReadRegs(ctx, sel)
		if err != nil {
			return errors.Trace(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, r := range sel {
			digits := (r.Bits + 3) / 4
			fmt.Fprintf(w, "%s\t0x%0*x\n", r.Name, digits, vals[r.ID])
		}
		if err := w.Flush(); err != nil {
			return errors.Trace(err)
		}
		if wasRunning {
			return errors.Trace(c.Run(ctx))
		}
		return nil
	})
}

func unwind(ctx context.Context) error {
	return withCore(ctx, func(c *core.Core) error {
		if _, err := haltIfRunning(ctx, c); err != nil {
			return errors.Trace(err)
		}
		f, err := c.Unwind(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if f == nil {
			ourutil.Reportf("Core %d is not in an exception handler", *flags.Core)
			return nil
		}
		kind := "basic"
		if f.Extended {
			kind = "extended"
		}
		ourutil.Reportf("Core %d: %s frame at 0x%08x, EXC_RETURN 0x%08x", *flags.Core, kind, f.FrameSP, f.ExcReturn)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, r := range c.Registers().Regs {
			if v, ok := f.Regs[r.ID]; ok {
				fmt.Fprintf(w, "%s\t0x%08x\n", r.Name, v)
			}
		}
		return errors.Trace(w.Flush())
	})
}
