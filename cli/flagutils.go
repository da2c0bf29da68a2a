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
	goflag "flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probekit/common/multierror"
	"github.com/mongoose-os/probekit/common/pflagenv"
	"github.com/mongoose-os/probekit/version"
)

var (
	hiddenFlags = []string{
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"logtostderr",
		"stderrthreshold",
		"v",
		"vmodule",
	}

	// Usage lists commands in these groups, in this order.
	commandGroups = []struct {
		title string
		names []string
	}{
		{"Probes and targets", []string{"list", "targets", "info"}},
		{"Core control", []string{"reset", "halt", "run", "step", "regs", "unwind"}},
		{"Memory", []string{"read", "write"}},
		{"Flash", []string{"flash", "erase"}},
	}
)

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	hideFlags()
	pflagenv.AnnotateUsage(flag.CommandLine, envPrefix)
	flag.Usage = usage
}

func hideFlags() {
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
}

func unhideFlags() {
	for _, f := range hiddenFlags {
		f := flag.Lookup(f)
		if f != nil {
			f.Hidden = false
		}
	}
}

func checkFlags(fs []string) error {
	var errs error
	for _, req := range fs {
		f := flag.Lookup(req)
		if f == nil {
			errs = multierror.Append(errs, errors.Errorf("--%s is required", req))
		} else if !f.Changed {
			errs = multierror.Append(errs, errors.Errorf("--%s is required\t\t%s", f.Name, f.Usage))
		}
	}
	return errors.Trace(errs)
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func printFlag(w io.Writer, opt string, name string) {
	f := flag.Lookup(name)
	if f == nil {
		return
	}
	arg := "<" + f.Value.Type() + ">"
	if f.Value.Type() == "bool" {
		arg = ""
	}
	names := "--" + name
	if f.Shorthand != "" {
		names = "-" + f.Shorthand + ", " + names
	}
	fmt.Fprintf(w, "  %s %s\t%s. %s, default value: %q\n", names, arg, f.Usage, opt, f.DefValue)
}

func commandUsage(w io.Writer, c *command) {
	fmt.Fprintf(w, "%s %s FLAGS %s\n", os.Args[0], c.name, c.args)
	fmt.Fprintf(w, "\n%s.\n", c.short)
	if len(c.required)+len(c.optional) == 0 {
		return
	}
	fmt.Fprintf(w, "\nFlags:\n")
	for _, name := range c.required {
		printFlag(w, "Required", name)
	}
	for _, name := range c.optional {
		printFlag(w, "Optional", name)
	}
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', 0)

	if len(os.Args) == 3 && os.Args[1] == "help" {
		if c := findCommand(os.Args[2]); c != nil {
			commandUsage(w, c)
			w.Flush()
			os.Exit(1)
		}
	}

	fmt.Fprintf(w, "The probekit debug probe tool %s.\n", version.GetVersion())
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s <command>\n", os.Args[0])
	fmt.Fprintf(w, "  %s help <command>\n", os.Args[0])

	for _, g := range commandGroups {
		fmt.Fprintf(w, "\n%s:\n", g.title)
		for _, name := range g.names {
			if c := findCommand(name); c != nil {
				fmt.Fprintf(w, "  %s %s\t\t%s\n", c.name, c.args, c.short)
			}
		}
	}

	fmt.Fprintf(w, "\nGlobal Flags:\n")
	if *helpFull {
		fmt.Fprint(w, flag.CommandLine.FlagUsages())
	} else {
		printFlag(w, "Optional", "probe")
		printFlag(w, "Optional", "target")
		printFlag(w, "Optional", "config")
		printFlag(w, "Optional", "v")
	}
	fmt.Fprintf(w, "\nEvery flag can also be set with a %s<FLAG> environment variable.\n", envPrefix)

	w.Flush()
}
