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

package usbutil

import (
	"strings"
	"testing"

	"github.com/mongoose-os/probekit/dbgerr"
)

func TestLockPath(t *testing.T) {
	p := lockPath(0x0483, 0x374b, "0671FF/50:55")
	if !strings.HasSuffix(p, "probekit-0483-374b-0671FF_50_55.lock") {
		t.Errorf("unexpected lock path %q", p)
	}
}

func TestLockIsExclusive(t *testing.T) {
	l1, err := AcquireLock(0xfffe, 0x0001, "lock-test")
	if err != nil {
		t.Fatal(err)
	}
	_, err = AcquireLock(0xfffe, 0x0001, "lock-test")
	if !dbgerr.Is(err, dbgerr.KindTransport) {
		t.Errorf("second lock must fail with Transport, got %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatal(err)
	}
	l2, err := AcquireLock(0xfffe, 0x0001, "lock-test")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	l2.Release()
}
