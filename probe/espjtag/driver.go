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

package espjtag

import (
	"context"

	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/usbutil"
)

type driver struct{}

func init() {
	probe.Register(driver{})
}

func (driver) Kind() probe.DriverKind {
	return probe.DriverESPUSBJTAG
}

type found struct {
	info        probe.Info
	intf        int
	epIn, epOut int
}

func find() ([]found, error) {
	devs, err := usbutil.FindDevices(func(dd *gousb.DeviceDesc) bool {
		return uint16(dd.Vendor) == VendorID && uint16(dd.Product) == ProductID
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var res []found
	for _, d := range devs {
		intf, epIn, epOut, ok := usbutil.VendorBulkInterface(d.Desc)
		if !ok {
			continue
		}
		res = append(res, found{
			info: probe.Info{
				Driver:    probe.DriverESPUSBJTAG,
				VendorID:  d.VendorID,
				ProductID: d.ProductID,
				Serial:    d.Serial,
				Product:   d.Product,
			},
			intf:  intf,
			epIn:  epIn,
			epOut: epOut,
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
		b, err := usbutil.OpenBulk(f.info.VendorID, f.info.ProductID, f.info.Serial, f.intf, f.epIn, f.epOut)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p, err := newProbe(ctx, b, f.info, f.intf)
		if err != nil {
			return nil, errors.Annotatef(err, "ESP USB-JTAG")
		}
		return p, nil
	}
	return nil, errors.NotFoundf("ESP USB-JTAG probe %s", sel)
}
