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

// Package cmsisdap drives CMSIS-DAP adapters: v1 over HID and v2 over a
// vendor bulk interface.
package cmsisdap

import (
	"context"
	"strings"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/probe"
	"github.com/mongoose-os/probekit/probe/usbutil"
)

const productTag = "CMSIS-DAP"

type driver struct{}

func init() {
	probe.Register(driver{})
}

func (driver) Kind() probe.DriverKind {
	return probe.DriverCMSISDAP
}

// bulkIntf is a CMSIS-DAP v2 interface found during enumeration.
type bulkIntf struct {
	info        probe.Info
	intf        int
	epIn, epOut int
}

func findBulk() ([]bulkIntf, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		_, _, _, ok := usbutil.VendorBulkInterface(dd)
		return ok
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Trace(err)
	}
	var res []bulkIntf
	for _, dev := range devs {
		func() {
			defer dev.Close()
			intfNum, epIn, epOut, _ := usbutil.VendorBulkInterface(dev.Desc)
			name, _ := dev.InterfaceDescription(1, intfNum, 0)
			prod, _ := dev.Product()
			if !strings.Contains(name, productTag) && !strings.Contains(prod, productTag) {
				glog.V(2).Infof("%s: not a CMSIS-DAP interface (%q / %q)", dev, name, prod)
				return
			}
			sn, _ := dev.SerialNumber()
			bi := bulkIntf{
				info: probe.Info{
					Driver:    probe.DriverCMSISDAP,
					VendorID:  uint16(dev.Desc.Vendor),
					ProductID: uint16(dev.Desc.Product),
					Serial:    sn,
					Product:   prod,
				},
				intf:  intfNum,
				epIn:  epIn,
				epOut: epOut,
			}
			res = append(res, bi)
		}()
	}
	return res, nil
}

func findHID() ([]*hid.DeviceInfo, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	var res []*hid.DeviceInfo
	for i, di := range devs {
		glog.V(2).Infof("%d: %04x:%04x %s %q", i, di.VendorID, di.ProductID, di.Path, di.Product)
		if strings.Contains(di.Product, productTag) {
			res = append(res, di)
		}
	}
	return res, nil
}

func hidInfo(di *hid.DeviceInfo) probe.Info {
	return probe.Info{
		Driver:    probe.DriverCMSISDAP,
		VendorID:  di.VendorID,
		ProductID: di.ProductID,
		Product:   di.Product,
	}
}

// hidSerial opens the device briefly to read its serial number, which the HID
// layer does not report.
func hidSerial(ctx context.Context, di *hid.DeviceInfo) string {
	t, err := openHID(di)
	if err != nil {
		glog.V(1).Infof("%s: %s", di.Path, err)
		return ""
	}
	defer t.Close()
	dapc, err := newClient(ctx, t)
	if err != nil {
		return ""
	}
	sn, _ := dapc.GetInfoString(ctx, infoSerial)
	return sn
}

func (driver) List(ctx context.Context) ([]probe.Info, error) {
	var res []probe.Info
	bulk, berr := findBulk()
	for _, bi := range bulk {
		res = append(res, bi.info)
	}
	hids, herr := findHID()
	for _, di := range hids {
		info := hidInfo(di)
		if dup(res, info) {
			// v2 firmware also exposes the v1 interface.
			continue
		}
		info.Serial = hidSerial(ctx, di)
		res = append(res, info)
	}
	if len(res) == 0 && berr != nil {
		return nil, errors.Trace(berr)
	}
	if len(res) == 0 && herr != nil {
		return nil, errors.Trace(herr)
	}
	return res, nil
}

func dup(infos []probe.Info, i probe.Info) bool {
	for _, o := range infos {
		if o.VendorID == i.VendorID && o.ProductID == i.ProductID {
			return true
		}
	}
	return false
}

// Open prefers the v2 bulk interface and falls back to HID.
func (driver) Open(ctx context.Context, sel probe.Selector) (probe.Probe, error) {
	bulk, _ := findBulk()
	for _, bi := range bulk {
		if !sel.Matches(bi.info) {
			continue
		}
		b, err := usbutil.OpenBulk(bi.info.VendorID, bi.info.ProductID, bi.info.Serial, bi.intf, bi.epIn, bi.epOut)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p, err := newProbe(ctx, &bulkTransport{b: b}, bi.info)
		if err != nil {
			return nil, errors.Annotatef(err, "CMSIS-DAP v2")
		}
		return p, nil
	}
	hids, err := findHID()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, di := range hids {
		info := hidInfo(di)
		if sel.Serial == "" && !sel.Matches(info) {
			continue
		}
		if sel.Serial != "" {
			info.Serial = hidSerial(ctx, di)
			if !sel.Matches(info) {
				continue
			}
		}
		t, err := openHID(di)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p, err := newProbe(ctx, t, info)
		if err != nil {
			return nil, errors.Annotatef(err, "CMSIS-DAP v1")
		}
		return p, nil
	}
	return nil, errors.NotFoundf("CMSIS-DAP probe %s", sel)
}
