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

// Package retry holds the bounded retry and polling helpers used around SWD
// WAIT, sticky DAP errors, resets and halt polling.
package retry

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probekit/dbgerr"
)

// DefaultPollInterval is the sleep between target polls.
const DefaultPollInterval = time.Millisecond

type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	Backoff  time.Duration
}

// ResetPolicy is used by reset choreography.
var ResetPolicy = Policy{Attempts: 10, Backoff: 50 * time.Millisecond}

// Do runs op until it succeeds, returns an error for which retryable reports
// false, or the attempt budget is exhausted. A nil retryable retries any error.
// The last error is returned.
func Do(ctx context.Context, p Policy, op func() error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			glog.V(3).Infof("retry %d/%d after: %s", i, attempts-1, err)
			if err := Sleep(ctx, p.Backoff); err != nil {
				return errors.Trace(err)
			}
		}
		err = op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}

// Poll calls cond every interval until it returns true, returns an error, or
// timeout expires. Expiry yields a dbgerr Timeout for what.
func Poll(ctx context.Context, what string, timeout, interval time.Duration, cond func() (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			return dbgerr.Timeout(what)
		}
		if err := Sleep(ctx, interval); err != nil {
			return errors.Trace(err)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
