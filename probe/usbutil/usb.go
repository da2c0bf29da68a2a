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

// Package usbutil opens USB debug adapters and guards them with a per-probe
// ownership lock.
package usbutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/probekit/dbgerr"
)

// DefaultTimeout bounds a single bulk transfer.
const DefaultTimeout = time.Second

// DeviceInfo describes an enumerated USB device.
type DeviceInfo struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
	Product   string
	Desc      *gousb.DeviceDesc
}

// FindDevices enumerates devices accepted by match and returns their
// descriptions. The devices are closed again.
func FindDevices(match func(dd *gousb.DeviceDesc) bool) ([]DeviceInfo, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		result := match(dd)
		glog.V(2).Infof("Dev %+v match %t", dd, result)
		return result
	})
	// OpenDevices may fail overall but still return results. Only fail if no devices were returned.
	if err != nil && len(devs) == 0 {
		return nil, dbgerr.Transport(err, "failed to enumerate USB devices")
	}
	var res []DeviceInfo
	for _, dev := range devs {
		sn, _ := dev.SerialNumber()
		prod, _ := dev.Product()
		res = append(res, DeviceInfo{
			VendorID:  uint16(dev.Desc.Vendor),
			ProductID: uint16(dev.Desc.Product),
			Serial:    sn,
			Product:   prod,
			Desc:      dev.Desc,
		})
		dev.Close()
	}
	return res, nil
}

// VendorBulkInterface returns the number and the lowest bulk IN and OUT
// endpoint numbers of the first vendor-specific interface of configuration 1
// that has bulk endpoints in both directions.
func VendorBulkInterface(dd *gousb.DeviceDesc) (intf, epIn, epOut int, ok bool) {
	cfg, found := dd.Configs[1]
	if !found {
		return 0, 0, 0, false
	}
	for _, id := range cfg.Interfaces {
		if len(id.AltSettings) == 0 {
			continue
		}
		alt := id.AltSettings[0]
		if alt.Class != gousb.ClassVendorSpec {
			continue
		}
		in, out := -1, -1
		for _, ep := range alt.Endpoints {
			if ep.TransferType != gousb.TransferTypeBulk {
				continue
			}
			if ep.Direction == gousb.EndpointDirectionIn {
				if in < 0 || ep.Number < in {
					in = ep.Number
				}
			} else if out < 0 || ep.Number < out {
				out = ep.Number
			}
		}
		if in >= 0 && out >= 0 {
			return id.Number, in, out, true
		}
	}
	return 0, 0, 0, false
}

// OpenUSBDevice opens the first device with the given IDs and, if not
// empty, serial number.
func OpenUSBDevice(vid, pid gousb.ID, serial string) (*gousb.Context, *gousb.Device, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		result := (dd.Vendor == vid && dd.Product == pid)
		glog.V(1).Infof("Dev %+v", dd)
		return result
	})
	// OpenDevices may fail overall but still return results. Only fail if no devices were returned.
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, nil, dbgerr.Transport(err, "failed to enumerate USB devices")
	}
	var res *gousb.Device
	for _, dev := range devs {
		if res != nil {
			// Found one already
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		glog.V(1).Infof("Dev %+v sn '%s'", dev, sn)
		if serial == "" || sn == serial {
			res = dev
		} else {
			dev.Close()
		}
	}
	if res == nil {
		sp := ""
		if serial != "" {
			sp = "/"
		}
		uctx.Close()
		return nil, nil, errors.NotFoundf("device matching %s:%s%s%s", vid, pid, sp, serial)
	}
	return uctx, res, nil
}

// Lock is an exclusive claim on one physical probe shared by all processes
// on the host.
type Lock struct {
	fl *flock.Flock
}

func lockPath(vid, pid uint16, serial string) string {
	id := fmt.Sprintf("probekit-%04x-%04x", vid, pid)
	if serial != "" {
		id += "-" + strings.Map(func(r rune) rune {
			if r == '/' || r == '\\' || r == ':' {
				return '_'
			}
			return r
		}, serial)
	}
	return filepath.Join(os.TempDir(), id+".lock")
}

// AcquireLock claims the probe or fails with a Transport error if another
// process owns it.
func AcquireLock(vid, pid uint16, serial string) (*Lock, error) {
	fl := flock.NewFlock(lockPath(vid, pid, serial))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, dbgerr.Transport(err, "failed to lock probe %04x:%04x", vid, pid)
	}
	if !ok {
		return nil, dbgerr.Transport(nil, "probe %04x:%04x %s is in use by another process", vid, pid, serial)
	}
	glog.V(1).Infof("locked %s", fl.Path())
	return &Lock{fl: fl}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return errors.Trace(err)
}

// Bulk is a claimed interface with one bulk IN and one bulk OUT endpoint.
type Bulk struct {
	uctx *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	lock *Lock

	Timeout time.Duration
}

// OpenBulk opens vid:pid[/serial], claims interface intfNum in config 1 and
// the given endpoints, and takes the ownership lock.
func OpenBulk(vid, pid uint16, serial string, intfNum, epIn, epOut int) (*Bulk, error) {
	lock, err := AcquireLock(vid, pid, serial)
	if err != nil {
		return nil, errors.Trace(err)
	}
	uctx, dev, err := OpenUSBDevice(gousb.ID(vid), gousb.ID(pid), serial)
	if err != nil {
		lock.Release()
		return nil, errors.Trace(err)
	}
	b := &Bulk{uctx: uctx, dev: dev, lock: lock, Timeout: DefaultTimeout}
	dev.SetAutoDetach(true)
	if b.cfg, err = dev.Config(1); err != nil {
		b.Close()
		return nil, dbgerr.Transport(err, "failed to set config")
	}
	if b.intf, err = b.cfg.Interface(intfNum, 0); err != nil {
		b.Close()
		return nil, dbgerr.Transport(err, "failed to claim interface %d", intfNum)
	}
	if b.in, err = b.intf.InEndpoint(epIn); err != nil {
		b.Close()
		return nil, dbgerr.Transport(err, "failed to open IN endpoint 0x%x", epIn)
	}
	if b.out, err = b.intf.OutEndpoint(epOut); err != nil {
		b.Close()
		return nil, dbgerr.Transport(err, "failed to open OUT endpoint 0x%x", epOut)
	}
	glog.V(1).Infof("opened %04x:%04x intf %d in 0x%x out 0x%x", vid, pid, intfNum, epIn, epOut)
	return b, nil
}

func (b *Bulk) Device() *gousb.Device {
	return b.dev
}

func (b *Bulk) MaxPacketSize() int {
	return b.in.Desc.MaxPacketSize
}

func (b *Bulk) Write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	n, err := b.out.WriteContext(ctx, data)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return dbgerr.Timeout("USB write")
		}
		return dbgerr.Transport(err, "USB write failed")
	}
	if n != len(data) {
		return dbgerr.Transport(nil, "short USB write (%d of %d)", n, len(data))
	}
	return nil
}

// Read reads one transfer of up to len(buf) bytes.
func (b *Bulk) Read(ctx context.Context, buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	n, err := b.in.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return n, dbgerr.Timeout("USB read")
		}
		return n, dbgerr.Transport(err, "USB read failed")
	}
	return n, nil
}

// ReadFull reads until buf is full.
func (b *Bulk) ReadFull(ctx context.Context, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := b.Read(ctx, buf[got:])
		if err != nil {
			return errors.Trace(err)
		}
		got += n
	}
	return nil
}

// Control issues a vendor control request on the device.
func (b *Bulk) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := b.dev.Control(rType, request, val, idx, data)
	if err != nil {
		return n, dbgerr.Transport(err, "control request 0x%02x failed", request)
	}
	return n, nil
}

func (b *Bulk) Close() error {
	if b.intf != nil {
		b.intf.Close()
	}
	if b.cfg != nil {
		b.cfg.Close()
	}
	if b.dev != nil {
		b.dev.Close()
	}
	if b.uctx != nil {
		b.uctx.Close()
	}
	return b.lock.Release()
}
