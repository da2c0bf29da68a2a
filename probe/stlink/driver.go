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

package stlink

import (
	"context"

	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/usbutil"
)

const (
	VendorID = 0x0483

	pidV1       = 0x3744
	pidV2       = 0x3748
	pidV21      = 0x374b
	pidV21NoMSD = 0x3752
	pidV3USBLd  = 0x374d
	pidV3E      = 0x374e
	pidV3S      = 0x374f
	pidV3TwoVCP = 0x3753
)

// Bulk endpoint numbers.
const (
	epRx      = 1
	epTxV2    = 2
	epTxV21V3 = 1
)

func txEndpoint(pid uint16) (int, bool) {
	switch pid {
	case pidV2:
		return epTxV2, true
	case pidV21, pidV21NoMSD, pidV3USBLd, pidV3E, pidV3S, pidV3TwoVCP:
		return epTxV21V3, true
	}
	return 0, false
}

type driver struct{}

func init() {
	probe.Register(driver{})
}

func (driver) Kind() probe.DriverKind {
	return probe.DriverSTLink
}

func (driver) List(ctx context.Context) ([]probe.Info, error) {
	devs, err := usbutil.FindDevices(func(dd *gousb.DeviceDesc) bool {
		if dd.Vendor != VendorID {
			return false
		}
		_, ok := txEndpoint(uint16(dd.Product))
		return ok
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var res []probe.Info
	for _, d := range devs {
		res = append(res, probe.Info{
			Driver:    probe.DriverSTLink,
			VendorID:  d.VendorID,
			ProductID: d.ProductID,
			Serial:    d.Serial,
			Product:   d.Product,
		})
	}
	return res, nil
}

func (d driver) Open(ctx context.Context, sel probe.Selector) (probe.Probe, error) {
	if sel.ProductID == pidV1 {
		return nil, dbgerr.Unsupported("ST-LINK/V1 is not supported")
	}
	infos, err := d.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, info := range infos {
		if !sel.Matches(info) {
			continue
		}
		tx, _ := txEndpoint(info.ProductID)
		b, err := usbutil.OpenBulk(info.VendorID, info.ProductID, info.Serial, 0, epRx, tx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p, err := newProbe(ctx, b, info)
		if err != nil {
			return nil, errors.Annotatef(err, "ST-Link")
		}
		return p, nil
	}
	return nil, errors.NotFoundf("ST-Link %s", sel)
}
