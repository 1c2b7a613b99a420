// Copyright 2025 Kadir Pekel
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

// Package ratelimit throttles outbound model calls with a sliding window.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kadirpekel/strata/pkg/config"
)

// ErrLimited is returned when no slot becomes available within the
// acquire timeout.
var ErrLimited = errors.New("rate limited: retry later")

// Limiter is a sliding-window call limiter. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	stamps   []time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter allowing maxCalls per window.
func New(maxCalls int, window time.Duration) *Limiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
}

// NewFromConfig builds a limiter from configuration.
func NewFromConfig(cfg *config.RateLimitConfig) *Limiter {
	return New(cfg.MaxCalls, time.Duration(cfg.WindowSeconds)*time.Second)
}

// prune drops timestamps older than the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep
}

// TryAcquire takes a slot if one is free. Non-blocking.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.stamps) >= l.maxCalls {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Acquire blocks until a slot is free, the timeout elapses, or ctx is
// canceled. A zero timeout degenerates to TryAcquire semantics.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) error {
	if l.TryAcquire() {
		return nil
	}
	if timeout <= 0 {
		return ErrLimited
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if l.TryAcquire() {
				return nil
			}
		case <-deadline.C:
			return ErrLimited
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending reports the number of calls currently counted in the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// RetryAfter estimates when the oldest counted call ages out.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.stamps) < l.maxCalls {
		return 0
	}
	return l.stamps[0].Add(l.window).Sub(now)
}
