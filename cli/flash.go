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

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probekit/cli/flags"
	"github.com/mongoose-os/probekit/common/ourutil"
	"github.com/mongoose-os/probekit/flash"
	"github.com/mongoose-os/probekit/flash/image"
)

func loadImage(name string) (*image.Image, error) {
	data, err := ioutil.ReadFile(name)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read %s", name)
	}
	im, err := image.Load(image.Detect(name, data), data, *flags.Base)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", name)
	}
	return im, nil
}

func flashImage(ctx context.Context) error {
	if flag.NArg() != 2 {
		return errors.Errorf("image file is required")
	}
	fname := flag.Arg(1)
	im, err := loadImage(fname)
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Loaded %s: %s in %d chunks", fname, ourutil.FormatSize(uint64(im.Size())), len(im.Chunks))
	if *flags.ChipErase && !*flags.Yes && !ourutil.Confirm("This will erase the entire chip. Continue?") {
		return errors.Errorf("cancelled")
	}

	s, done, err := attach(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer done()
	c, err := selectedCore(s)
	if err != nil {
		return errors.Trace(err)
	}

	l := s.FlashLoader()
	for _, ch := range im.Chunks {
		if err := l.AddData(ch.Addr, ch.Data); err != nil {
			return errors.Trace(err)
		}
	}
	err = l.Commit(ctx, c, flash.Options{
		KeepUnwritten: *flags.KeepUnwritten,
		ChipErase:     *flags.ChipErase,
		Verify:        *flags.Verify,
		Progress:      newProgressBar(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Booting the firmware...")
	if err := c.Reset(ctx, *flags.Timeout); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("All done!")
	return nil
}

func erase(ctx context.Context) error {
	if !*flags.Yes && !ourutil.Confirm("This will erase the entire flash. Continue?") {
		return errors.Errorf("cancelled")
	}
	s, done, err := attach(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer done()
	if err := s.EraseAll(ctx, newProgressBar()); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("All done!")
	return nil
}
