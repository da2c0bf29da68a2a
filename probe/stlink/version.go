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
	"fmt"

	"github.com/boljen/go-bitmap"
	goversion "github.com/mcuadros/go-version"
)

type feature int

const (
	featTrace feature = iota
	featLastRWStatus2
	featSWDSetFreq
	featJTAGSetFreq
	featDAPReg
	featMem16
	featAPInit
	featFixCloseAP
	featDPBankSel
	numFeatures
)

var featureNames = []string{"trace", "rw-status2", "swd-freq", "jtag-freq", "dap-reg", "mem16", "ap-init", "fix-close-ap", "dp-banksel"}

// Minimum "stlink.jtag" API versions per feature. V3 is a superset of V2.
var featureVersions = []struct {
	f      feature
	v2, v3 string
}{
	{featTrace, "2.13", "3.0"},
	{featLastRWStatus2, "2.15", "3.0"},
	{featSWDSetFreq, "2.22", "3.0"},
	{featJTAGSetFreq, "2.24", "3.0"},
	{featDAPReg, "2.24", "3.0"},
	{featMem16, "2.26", "3.0"},
	{featAPInit, "2.28", "3.0"},
	{featFixCloseAP, "2.29", "3.0"},
	{featDPBankSel, "2.32", "3.2"},
}

type version struct {
	stlink, jtag, swim, msd, bridge int
	vid, pid                        uint16
	flags                           bitmap.Bitmap
}

// parseVersion decodes the GET_VERSION response: a big-endian word holding
// stlink(4) jtag(6) swim-or-msd(6) followed by VID and PID.
func parseVersion(resp []byte) version {
	raw := uint16(resp[0])<<8 | uint16(resp[1])
	v := version{
		stlink: int(raw>>12) & 0xf,
		vid:    uint16(resp[2]) | uint16(resp[3])<<8,
		pid:    uint16(resp[4]) | uint16(resp[5])<<8,
	}
	x, y := int(raw>>6)&0x3f, int(raw)&0x3f
	switch v.pid {
	case pidV21, pidV21NoMSD:
		if (x <= 22 && y == 7) || (x >= 25 && y >= 7 && y <= 12) {
			v.msd, v.swim = x, y
		} else {
			v.jtag, v.msd = x, y
		}
	default:
		v.jtag, v.swim = x, y
	}
	return v
}

// needsVersionEx reports whether the STLINK-V3 GET_VERSION_EX command must be
// used to get the real version.
func (v version) needsVersionEx() bool {
	return v.stlink == 3 && v.jtag == 0 && v.swim == 0
}

func parseVersionEx(resp []byte) version {
	return version{
		stlink: int(resp[0]),
		swim:   int(resp[1]),
		jtag:   int(resp[2]),
		msd:    int(resp[3]),
		bridge: int(resp[4]),
		vid:    uint16(resp[8]) | uint16(resp[9])<<8,
		pid:    uint16(resp[10]) | uint16(resp[11])<<8,
	}
}

func (v *version) computeFlags() {
	v.flags = bitmap.New(int(numFeatures))
	api := fmt.Sprintf("%d.%d", v.stlink, v.jtag)
	for _, fv := range featureVersions {
		var min string
		switch v.stlink {
		case 2:
			min = fv.v2
		case 3:
			min = fv.v3
		default:
			continue
		}
		if goversion.Compare(api, min, ">=") {
			v.flags.Set(int(fv.f), true)
		}
	}
}

func (v version) has(f feature) bool {
	if v.flags == nil {
		return false
	}
	return v.flags.Get(int(f))
}

func (v version) featureString() string {
	s := ""
	for i, n := range featureNames {
		if v.has(feature(i)) {
			if s != "" {
				s += ","
			}
			s += n
		}
	}
	return s
}

func (v version) String() string {
	s := fmt.Sprintf("V%d", v.stlink)
	if v.jtag > 0 || v.msd != 0 {
		s += fmt.Sprintf("J%d", v.jtag)
	}
	if v.msd > 0 {
		s += fmt.Sprintf("M%d", v.msd)
	}
	if v.swim > 0 {
		s += fmt.Sprintf("S%d", v.swim)
	}
	if v.bridge > 0 {
		s += fmt.Sprintf("B%d", v.bridge)
	}
	return s
}
