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
	"os/signal"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probekit/cli/config"
	"github.com/mongoose-os/probekit/cli/flags"
	"github.com/mongoose-os/probekit/common/pflagenv"
	"github.com/mongoose-os/probekit/version"
)

const (
	envPrefix = "PROBEKIT_"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

type command struct {
	name     string
	handler  handler
	short    string
	args     string
	required []string
	optional []string
}

type handler func(ctx context.Context) error

var connFlags = []string{"probe", "protocol", "speed", "target", "connect-under-reset", "allow-erase-all", "sequence", "config"}

func withConn(more ...string) []string {
	return append(append([]string(nil), connFlags...), more...)
}

var commands = []command{
	{"list", listProbes, `List connected debug probes`, "", nil, nil},
	{"targets", listTargets, `List built-in target descriptions`, "", nil, nil},
	{"info", info, `Attach and show the debug port, access ports and cores`, "", nil, withConn()},
	{"reset", reset, `Reset the target. With --halt, stop the core at the reset vector`, "", nil, withConn("core", "halt", "timeout")},
	{"halt", halt, `Halt the core and show where it stopped`, "", nil, withConn("core", "timeout")},
	{"run", resume, `Resume the core`, "", nil, withConn("core")},
	{"step", step, `Execute a single instruction`, "[count]", nil, withConn("core", "timeout", "step-interrupts")},
	{"regs", regs, `Print the core registers`, "[name...]", nil, withConn("core", "timeout")},
	{"unwind", unwind, `Show the registers of the code interrupted by the current exception`, "", nil, withConn("core", "timeout")},
	{"read", read, `Read target memory`, "<addr> <length>", nil, withConn("core", "width", "output", "any-address")},
	{"write", write, `Write words to target memory`, "<addr> <value>...", nil, withConn("core", "width", "any-address")},
	{"flash", flashImage, `Program an ELF, Intel HEX or binary image into flash`, "<file>", nil,
		withConn("core", "flash-algo", "base", "verify", "chip-erase", "keep-unwritten", "yes")},
	{"erase", erase, `Erase the entire flash`, "", []string{"allow-erase-all"}, withConn("core", "flash-algo", "yes")},
}

func run(ctx context.Context) error {
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			if err := checkFlags(c.required); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(c.handler(ctx))
		}
	}
	usage()
	return nil
}

// loadConfig applies the session config file to the flags not given on the
// command line.
func loadConfig() error {
	if *flags.Config == "" {
		return nil
	}
	s, err := config.Load(*flags.Config)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.Apply(flag.CommandLine))
}

func main() {
	initFlags()
	flag.Parse()
	if err := pflagenv.Parse(envPrefix); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		fmt.Println(version.String())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		glog.Infof("interrupted")
		cancel()
	}()

	err := loadConfig()
	if err == nil {
		err = run(ctx)
	}
	cancel()
	glog.Flush()
	if err != nil {
		glog.Infof("Error: %+v", err)
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
