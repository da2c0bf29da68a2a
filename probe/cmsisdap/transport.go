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

package cmsisdap

import (
	"context"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
	"github.com/mongoose-os/probekit/probe/usbutil"
)

// transport moves whole CMSIS-DAP packets.
type transport interface {
	Write(ctx context.Context, pkt []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// hidTransport is CMSIS-DAP v1.
type hidTransport struct {
	d       hid.Device
	di      *hid.DeviceInfo
	lock    *usbutil.Lock
	repSize int
}

func openHID(di *hid.DeviceInfo) (*hidTransport, error) {
	lock, err := usbutil.AcquireLock(di.VendorID, di.ProductID, di.Path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d, err := di.Open()
	if err != nil {
		lock.Release()
		return nil, dbgerr.Transport(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
	}
	glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
	repSize := int(di.OutputReportLength)
	if repSize == 0 {
		repSize = 64
	}
	return &hidTransport{d: d, di: di, lock: lock, repSize: repSize}, nil
}

func (t *hidTransport) Write(ctx context.Context, pkt []byte) error {
	// HID report number (unused) followed by a full report.
	buf := make([]byte, 1+t.repSize)
	copy(buf[1:], pkt)
	if err := t.d.Write(buf); err != nil {
		return dbgerr.Transport(err, "device write failed")
	}
	return nil
}

func (t *hidTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, dbgerr.Timeout("HID read")
	case resp, ok := <-t.d.ReadCh():
		if !ok {
			return nil, dbgerr.Transport(t.d.ReadError(), "device read failed")
		}
		return resp, nil
	}
}

func (t *hidTransport) Close() error {
	if t.d != nil {
		t.d.Close()
	}
	return t.lock.Release()
}

// bulkTransport is CMSIS-DAP v2.
type bulkTransport struct {
	b   *usbutil.Bulk
	buf []byte
}

func (t *bulkTransport) Write(ctx context.Context, pkt []byte) error {
	return t.b.Write(ctx, pkt)
}

func (t *bulkTransport) Read(ctx context.Context) ([]byte, error) {
	if t.buf == nil {
		t.buf = make([]byte, 1024)
	}
	n, err := t.b.Read(ctx, t.buf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]byte, n)
	copy(res, t.buf[:n])
	return res, nil
}

func (t *bulkTransport) Close() error {
	return t.b.Close()
}
