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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
)

func TestDoAttempts(t *testing.T) {
	for _, c := range []struct {
		name     string
		failures int
		attempts int
		wantErr  bool
		wantRuns int
	}{
		{"first try", 0, 3, false, 1},
		{"last try", 2, 3, false, 3},
		{"exhausted", 3, 3, true, 3},
		{"zero budget runs once", 5, 0, true, 1},
	} {
		runs := 0
		err := Do(context.Background(), Policy{Attempts: c.attempts}, func() error {
			runs++
			if runs <= c.failures {
				return errors.Errorf("fail %d", runs)
			}
			return nil
		}, nil)
		if (err != nil) != c.wantErr {
			t.Errorf("%s: err = %v", c.name, err)
		}
		if runs != c.wantRuns {
			t.Errorf("%s: got %d runs, want %d", c.name, runs, c.wantRuns)
		}
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	runs := 0
	err := Do(context.Background(), Policy{Attempts: 10}, func() error {
		runs++
		return dbgerr.Wire(dbgerr.SwdFault, "fault")
	}, func(err error) bool {
		return dbgerr.IsDetail(err, dbgerr.SwdWait)
	})
	if !dbgerr.IsDetail(err, dbgerr.SwdFault) {
		t.Errorf("unexpected error %v", err)
	}
	if runs != 1 {
		t.Errorf("got %d runs, want 1", runs)
	}
}

func TestPollTimeout(t *testing.T) {
	start := time.Now()
	err := Poll(context.Background(), "S_HALT", 5*time.Millisecond, time.Millisecond, func() (bool, error) {
		return false, nil
	})
	if !dbgerr.Is(err, dbgerr.KindTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Errorf("returned before the deadline")
	}
}

func TestPollDone(t *testing.T) {
	n := 0
	err := Poll(context.Background(), "ready", time.Second, time.Millisecond, func() (bool, error) {
		n++
		return n == 3, nil
	})
	if err != nil || n != 3 {
		t.Errorf("err %v, n %d", err, n)
	}
}
