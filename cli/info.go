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
	"text/tabwriter"

	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/common/ourutil"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/target"
)

func listProbes(ctx context.Context) error {
	infos := probe.List(ctx)
	if len(infos) == 0 {
		ourutil.Reportf("No debug probes found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "DRIVER\tID\tSERIAL\tPRODUCT\tFIRMWARE\n")
	for _, i := range infos {
		fmt.Fprintf(w, "%s\t%04x:%04x\t%s\t%s\t%s\n", i.Driver, i.VendorID, i.ProductID, i.Serial, i.Product, i.Firmware)
	}
	return errors.Trace(w.Flush())
}

func listTargets(ctx context.Context) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "NAME\tARCH\tCORES\tFLASH\n")
	for _, name := range target.Names() {
		d, err := target.ByName(name)
		if err != nil {
			return errors.Trace(err)
		}
		var flashSize uint64
		for _, r := range d.Flash {
			flashSize += r.End - r.Start
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Name, d.Arch(), len(d.Cores), ourutil.FormatSize(flashSize))
	}
	return errors.Trace(w.Flush())
}

func info(ctx context.Context) error {
	s, done, err := attach(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer done()

	d := s.Description()
	fmt.Printf("Target: %s\n", d.Name)
	if dp := s.DebugPort(); dp != nil {
		fmt.Printf("Debug port: %s\n", dp.IDR())
	}
	for i, t := range s.Chain() {
		fmt.Printf("TAP %d: %s\n", i, t)
	}
	for _, a := range s.APs() {
		fmt.Printf("  %s\n", a)
	}
	cores, err := s.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, c := range cores {
		fmt.Printf("Core %d (%s): %s, %s\n", c.Index, c.Name, c.Type, c.Status)
		if !c.Type.IsARM() {
			continue
		}
		tbl, err := s.Components(ctx, c.Index)
		if err != nil {
			fmt.Printf("  ROM table: %s\n", err)
			continue
		}
		for _, comp := range tbl.Components {
			fmt.Printf("  %s\n", comp)
		}
	}
	for _, r := range d.MemoryMap() {
		fmt.Printf("Memory: %s\n", r)
	}
	return nil
}
