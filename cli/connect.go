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
	"io/ioutil"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/cli/flags"
	"github.com/mongoose-os/probekit/common/ourutil"
	"github.com/mongoose-os/probekit/core"
	"github.com/mongoose-os/probekit/flash"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/session"
	"github.com/mongoose-os/probekit/target"

	_ "github.com/mongoose-os/probekit/probe/cmsisdap"
	_ "github.com/mongoose-os/probekit/probe/espjtag"
	_ "github.com/mongoose-os/probekit/probe/ftdi"
	_ "github.com/mongoose-os/probekit/probe/jlink"
	_ "github.com/mongoose-os/probekit/probe/stlink"
)

// targetDescription resolves --target, --flash-algo and --sequence.
func targetDescription() (*target.Description, func(), error) {
	d, err := target.ByName(*flags.Target)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if *flags.FlashAlgo != "" {
		data, err := ioutil.ReadFile(*flags.FlashAlgo)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "failed to read flash algorithm")
		}
		a, err := flash.ParseAlgorithm(filepath.Base(*flags.FlashAlgo), data)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "%s", *flags.FlashAlgo)
		}
		glog.V(1).Infof("flash algorithm %s for %s", a.Name, a.Device.Name)
		d = d.WithAlgorithm(a)
	}
	cleanup := func() {}
	if *flags.Sequence != "" {
		script, err := ioutil.ReadFile(*flags.Sequence)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "failed to read debug sequence")
		}
		ls, err := target.NewLuaSequence(filepath.Base(*flags.Sequence), string(script), d.SequenceOrDefault())
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		nd := *d
		nd.Sequence = ls
		d = &nd
		cleanup = ls.Close
	}
	return d, cleanup, nil
}

func sessionOptions() (session.Options, error) {
	opts := session.DefaultOptions()
	if *flags.Protocol != "" {
		proto, err := probe.ParseProtocol(*flags.Protocol)
		if err != nil {
			return opts, errors.Trace(err)
		}
		opts.Protocol = proto
	}
	opts.SpeedKHz = *flags.Speed
	opts.ConnectUnderReset = *flags.ConnectUnderReset
	opts.Permissions.AllowEraseAll = *flags.AllowEraseAll
	opts.UncheckedMemory = *flags.AnyAddress
	if *flags.Timeout > opts.ResetTimeout {
		opts.ResetTimeout = *flags.Timeout
	}
	return opts, nil
}

// attach opens the probe selected with --probe and attaches to the target.
// The returned function ends the session.
func attach(ctx context.Context) (*session.Session, func(), error) {
	sel, err := probe.ParseSelector(*flags.Probe)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	d, cleanup, err := targetDescription()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	opts, err := sessionOptions()
	if err != nil {
		cleanup()
		return nil, nil, errors.Trace(err)
	}
	p, err := probe.Open(ctx, sel)
	if err != nil {
		cleanup()
		return nil, nil, errors.Trace(err)
	}
	ourutil.Reportf("Using %s", p.Info())
	s, err := session.Attach(ctx, p, d, opts)
	if err != nil {
		cleanup()
		return nil, nil, errors.Trace(err)
	}
	return s, func() {
		if err := s.Close(ctx); err != nil {
			glog.Errorf("failed to close the session: %s", err)
		}
		cleanup()
	}, nil
}

// selectedCore returns the core chosen with --core.
func selectedCore(s *session.Session) (*core.Core, error) {
	if *flags.Core < 0 || *flags.Core >= s.NumCores() {
		return nil, errors.Errorf("invalid --core %d, %s has %d", *flags.Core, s.Description().Name, s.NumCores())
	}
	return s.Core(*flags.Core), nil
}
