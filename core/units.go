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

package core

import (
	"github.com/boljen/go-bitmap"

	"github.com/mongoose-os/probekit/dbgerr"
)

// Units tracks which hardware breakpoint comparators are taken.
type Units struct {
	n    int
	used bitmap.Bitmap
}

func NewUnits(n int) *Units {
	return &Units{n: n, used: bitmap.New(n)}
}

func (u *Units) Len() int {
	return u.n
}

// Alloc returns the lowest free unit.
func (u *Units) Alloc() (int, error) {
	for i := 0; i < u.n; i++ {
		if !u.used.Get(i) {
			u.used.Set(i, true)
			return i, nil
		}
	}
	return -1, dbgerr.Arch(dbgerr.NoFreeBreakpointUnit, "all %d hardware breakpoint units are in use", u.n)
}

func (u *Units) Free(i int) {
	if i >= 0 && i < u.n {
		u.used.Set(i, false)
	}
}

func (u *Units) InUse(i int) bool {
	return i >= 0 && i < u.n && u.used.Get(i)
}

// Count returns the number of units taken.
func (u *Units) Count() int {
	c := 0
	for i := 0; i < u.n; i++ {
		if u.used.Get(i) {
			c++
		}
	}
	return c
}
