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

package ftdi

import (
	"context"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/usbutil"
)

// layout describes how a board wires the MPSSE pins. Reset signals are
// active low bits of the 16-bit pin word (high byte is ACBUS).
type layout struct {
	name     string
	initPins uint16
	initDir  uint16
	trst     uint16
	srst     uint16
	fallback chipType
}

var genericLayout = layout{
	name:     "generic",
	initPins: pinTMS,
	initDir:  jtagDir,
}

var olimexLayout = layout{
	name:     "Olimex ARM-USB",
	initPins: pinTMS | 0x0b00,
	initDir:  jtagDir | 0x0b00,
	trst:     0x0100,
	srst:     0x0200,
}

type device struct {
	vid, pid uint16
	layout   layout
	fallback chipType
}

var devices = []device{
	{0x0403, 0x6010, genericLayout, chipFT2232C},
	{0x0403, 0x6011, genericLayout, chipFT4232H},
	{0x0403, 0x6014, genericLayout, chipFT232H},
	{0x15ba, 0x0003, olimexLayout, chipFT2232C},
	{0x15ba, 0x0004, olimexLayout, chipFT2232C},
	{0x15ba, 0x002a, olimexLayout, chipFT2232H},
	{0x15ba, 0x002b, olimexLayout, chipFT2232H},
}

func lookup(vid, pid uint16) (device, bool) {
	for _, d := range devices {
		if d.vid == vid && d.pid == pid {
			return d, true
		}
	}
	return device{}, false
}

// Interface A bulk endpoints.
const (
	epIn  = 1
	epOut = 2
)

type driver struct{}

func init() {
	probe.Register(driver{})
}

func (driver) Kind() probe.DriverKind {
	return probe.DriverFTDI
}

type found struct {
	info probe.Info
	dev  device
	chip chipType
}

func find() ([]found, error) {
	devs, err := usbutil.FindDevices(func(dd *gousb.DeviceDesc) bool {
		_, ok := lookup(uint16(dd.Vendor), uint16(dd.Product))
		return ok
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var res []found
	for _, d := range devs {
		dev, _ := lookup(d.VendorID, d.ProductID)
		chip := chipFromBCD(uint16(d.Desc.Device))
		glog.V(2).Infof("FTDI %04x:%04x bcdDevice %s chip %d", d.VendorID, d.ProductID, d.Desc.Device, chip)
		res = append(res, found{
			info: probe.Info{
				Driver:    probe.DriverFTDI,
				VendorID:  d.VendorID,
				ProductID: d.ProductID,
				Serial:    d.Serial,
				Product:   d.Product,
			},
			dev:  dev,
			chip: chip,
		})
	}
	return res, nil
}

func (driver) List(ctx context.Context) ([]probe.Info, error) {
	fs, err := find()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var res []probe.Info
	for _, f := range fs {
		res = append(res, f.info)
	}
	return res, nil
}

func (driver) Open(ctx context.Context, sel probe.Selector) (probe.Probe, error) {
	fs, err := find()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, f := range fs {
		if !sel.Matches(f.info) {
			continue
		}
		b, err := usbutil.OpenBulk(f.info.VendorID, f.info.ProductID, f.info.Serial, 0, epIn, epOut)
		if err != nil {
			return nil, errors.Trace(err)
		}
		l := f.dev.layout
		l.fallback = f.dev.fallback
		p := newProbe(b, f.info, f.chip, l)
		if err := p.Attach(ctx); err != nil {
			b.Close()
			return nil, errors.Annotatef(err, "FTDI")
		}
		return p, nil
	}
	return nil, errors.NotFoundf("FTDI probe %s", sel)
}
