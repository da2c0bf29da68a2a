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

package probe

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Driver enumerates and opens adapters of one family.
type Driver interface {
	Kind() DriverKind
	List(ctx context.Context) ([]Info, error)
	Open(ctx context.Context, sel Selector) (Probe, error)
}

var (
	driversLock sync.Mutex
	drivers     = map[DriverKind]Driver{}
)

// Register makes a driver available to List and Open. Registering the same
// kind twice panics.
func Register(d Driver) {
	driversLock.Lock()
	defer driversLock.Unlock()
	if _, ok := drivers[d.Kind()]; ok {
		panic("probe driver already registered: " + string(d.Kind()))
	}
	drivers[d.Kind()] = d
}

func registered() []Driver {
	driversLock.Lock()
	defer driversLock.Unlock()
	var res []Driver
	for _, d := range drivers {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Kind() < res[j].Kind() })
	return res
}

// List enumerates all adapters visible to registered drivers. Drivers that
// fail to enumerate are logged and skipped.
func List(ctx context.Context) []Info {
	var res []Info
	for _, d := range registered() {
		infos, err := d.List(ctx)
		if err != nil {
			glog.V(1).Infof("%s: enumeration failed: %s", d.Kind(), err)
			continue
		}
		res = append(res, infos...)
	}
	return res
}

// Open opens the first adapter matching sel.
func Open(ctx context.Context, sel Selector) (Probe, error) {
	for _, d := range registered() {
		if sel.Driver != "" && sel.Driver != d.Kind() {
			continue
		}
		infos, err := d.List(ctx)
		if err != nil {
			glog.V(1).Infof("%s: enumeration failed: %s", d.Kind(), err)
			continue
		}
		for _, info := range infos {
			if !sel.Matches(info) {
				continue
			}
			glog.V(1).Infof("opening %s", info)
			s := sel
			s.VendorID, s.ProductID, s.Serial = info.VendorID, info.ProductID, info.Serial
			p, err := d.Open(ctx, s)
			return p, errors.Annotatef(err, "failed to open %s", info)
		}
	}
	return nil, errors.NotFoundf("probe matching %q", sel.String())
}

// Selector picks an adapter. Zero fields match anything.
type Selector struct {
	Driver    DriverKind
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// ParseSelector parses "vid:pid[:serial]" (hex IDs), optionally prefixed by
// "driver=". An empty string selects the first probe found.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	if i := strings.Index(s, "="); i >= 0 {
		sel.Driver = DriverKind(s[:i])
		s = s[i+1:]
	}
	if s == "" {
		return sel, nil
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return sel, errors.Errorf("invalid probe selector %q, want vid:pid[:serial]", s)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return sel, errors.Annotatef(err, "invalid vendor id %q", parts[0])
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return sel, errors.Annotatef(err, "invalid product id %q", parts[1])
	}
	sel.VendorID, sel.ProductID = uint16(vid), uint16(pid)
	if len(parts) == 3 {
		sel.Serial = parts[2]
	}
	return sel, nil
}

func (s Selector) Matches(i Info) bool {
	if s.Driver != "" && s.Driver != i.Driver {
		return false
	}
	if s.VendorID != 0 && s.VendorID != i.VendorID {
		return false
	}
	if s.ProductID != 0 && s.ProductID != i.ProductID {
		return false
	}
	return s.Serial == "" || s.Serial == i.Serial
}

func (s Selector) String() string {
	var res string
	if s.Driver != "" {
		res = string(s.Driver) + "="
	}
	if s.VendorID == 0 && s.ProductID == 0 && s.Serial == "" {
		return res
	}
	res += strconv.FormatUint(uint64(s.VendorID), 16) + ":" + strconv.FormatUint(uint64(s.ProductID), 16)
	if s.Serial != "" {
		res += ":" + s.Serial
	}
	return res
}
