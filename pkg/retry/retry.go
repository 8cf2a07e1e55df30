// Copyright (c) 2018 Stanford Research Computing. All rights reserved.
// Use of this source code is governed by a GPL-style
// license that can be found in the LICENSE file.

// Package retry implements the randomized exponential backoff wrapper
// applied to every remote call made by the copytool. Many copytool
// processes may be draining the same HSM queue at once, so transient
// and rate-limit failures from the remote store are expected; backing
// off lets the fleet transfer as fast as the backend allows.
package retry

import (
	"math/rand"
	"time"

	"github.com/intel-hpdd/logging/alert"
	"github.com/intel-hpdd/logging/audit"
)

// MaxBackoffDelay is the largest single sleep the executor will compute
// before abandoning an operation. The retry loop is bounded by delay
// magnitude, not by an attempt count.
const MaxBackoffDelay = 2100 * time.Second

// Policy drives retries of remote operations. A single Policy may be
// shared by any number of operations; all mutable retry state is local
// to one Do call.
type Policy struct {
	// MaxDelay aborts the backoff once a computed delay exceeds it.
	MaxDelay time.Duration

	// Retryable classifies an operation error. A false return
	// re-raises the error immediately with no further attempts.
	Retryable func(error) bool

	// Sleep and Jitter may be replaced in tests.
	Sleep  func(time.Duration)
	Jitter func() time.Duration
}

// NewPolicy returns a Policy with the standard schedule: delays of 2^n
// seconds plus up to one second of jitter, doubling per attempt,
// abandoned once a single delay would exceed MaxBackoffDelay.
func NewPolicy(retryable func(error) bool) *Policy {
	return &Policy{
		MaxDelay:  MaxBackoffDelay,
		Retryable: retryable,
		Sleep:     time.Sleep,
		Jitter:    jitter,
	}
}

// jitter draws uniformly from [0, 1s] at millisecond granularity, both
// ends inclusive.
func jitter() time.Duration {
	return time.Duration(rand.Intn(1001)) * time.Millisecond
}

// Do invokes op until it succeeds, fails with a non-retryable error, or
// the next computed delay exceeds MaxDelay. The most recent error is
// returned in both failure cases.
func (p *Policy) Do(name string, op func() error) error {
	var attempt uint
	for {
		err := op()
		if err == nil {
			return nil
		}
		alert.Warnf("%s: %s", name, err)

		if p.Retryable != nil && !p.Retryable(err) {
			alert.Warnf("%s: fatal error, no retry", name)
			return err
		}

		attempt++
		delay := time.Duration(1<<attempt)*time.Second + p.Jitter()
		if delay > p.MaxDelay {
			alert.Warnf("%s: aborting exponential backoff after %d attempts", name, attempt)
			return err
		}

		alert.Warnf("%s: sleeping %s", name, delay)
		p.Sleep(delay)
		audit.Logf("%s: now retrying", name)
	}
}
