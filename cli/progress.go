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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/mongoose-os/probekit/common/ourutil"
	"github.com/mongoose-os/probekit/flash"
)

// progressBar renders flash events. On a terminal it redraws a bar per
// phase; otherwise it prints one line per finished phase.
type progressBar struct {
	w     io.Writer
	tty   bool
	width int

	phase string
	total uint64
	done  uint64
}

func newProgressBar() *progressBar {
	pb := &progressBar{w: os.Stderr, width: 40}
	fd := int(os.Stderr.Fd())
	if term.IsTerminal(fd) {
		pb.tty = true
		if w, _, err := term.GetSize(fd); err == nil && w > 40 {
			pb.width = w - 40
		}
	}
	return pb
}

func (pb *progressBar) start(phase string, total uint64) {
	pb.phase, pb.total, pb.done = phase, total, 0
	pb.draw()
}

func (pb *progressBar) advance(n uint64) {
	pb.done += n
	pb.draw()
}

func (pb *progressBar) finish(ok bool) {
	if pb.phase == "" {
		return
	}
	status := "done"
	if !ok {
		status = "failed"
	}
	if pb.tty {
		fmt.Fprintf(pb.w, "\n")
	}
	ourutil.Freportf(pb.w, "%s %s: %s", pb.phase, ourutil.FormatSize(pb.done), status)
	pb.phase = ""
}

func (pb *progressBar) draw() {
	if !pb.tty || pb.total == 0 {
		return
	}
	done := pb.done
	if done > pb.total {
		done = pb.total
	}
	n := int(uint64(pb.width) * done / pb.total)
	fmt.Fprintf(pb.w, "\r%-12s [%s%s] %3d%%", pb.phase, strings.Repeat("=", n), strings.Repeat(" ", pb.width-n), 100*done/pb.total)
}

func (pb *progressBar) Event(e flash.Event) {
	glog.V(2).Infof("%s", e)
	switch e.Kind {
	case flash.StartedErasing:
		pb.start("Erasing", e.Size)
	case flash.StartedProgramming:
		pb.start("Programming", e.Size)
	case flash.StartedFilling:
		pb.start("Reading", e.Size)
	case flash.SectorErased, flash.PageProgrammed, flash.PageFilled:
		pb.advance(e.Size)
	case flash.FinishedErasing, flash.FinishedProgramming, flash.FinishedFilling:
		pb.finish(true)
	case flash.FailedErasing, flash.FailedProgramming, flash.FailedFilling:
		pb.finish(false)
	case flash.Message:
		ourutil.Freportf(pb.w, "%s: %s", e.Level, e.Text)
	}
}
