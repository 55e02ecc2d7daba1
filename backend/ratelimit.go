// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter guards the ingest path with one token bucket per
// (subject, operation) pair. A batch of N actions costs N tokens.
type RateLimiter struct {
	limit rate.Limit
	burst int
	clock Clock

	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

// Stale buckets are pruned lazily on the write path.
const bucketIdleTTL = 10 * time.Minute

// NewRateLimiter creates a limiter refilling at rps tokens per second
// with the given burst capacity.
func NewRateLimiter(rps float64, burst int, clock Clock) *RateLimiter {
	if clock == nil {
		clock = RealClock
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		clock:    clock,
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func limiterKey(subject, op string) string {
	return subject + "|" + op
}

// AllowN consumes n tokens for the subject and operation. When the bucket
// is short, it reports false and how long the caller must wait before the
// same request could succeed (surfaced as Retry-After).
func (l *RateLimiter) AllowN(subject, op string, n int) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	key := limiterKey(subject, op)
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = lim
	}
	l.lastSeen[key] = now
	l.pruneLocked(now)
	l.mu.Unlock()

	if n > l.burst {
		// Never satisfiable in one burst; charge a full drain.
		return false, secondsCeil(float64(n) / float64(l.limit))
	}
	res := lim.ReserveN(now, n)
	if !res.OK() {
		return false, secondsCeil(float64(n) / float64(l.limit))
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, secondsCeil(delay.Seconds())
	}
	return true, 0
}

// Allow is AllowN with a single token.
func (l *RateLimiter) Allow(subject, op string) (bool, time.Duration) {
	return l.AllowN(subject, op, 1)
}

// RetryAfterSeconds converts a wait to whole seconds for the Retry-After
// header, never less than 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func secondsCeil(s float64) time.Duration {
	return time.Duration(math.Ceil(s)) * time.Second
}

func (l *RateLimiter) pruneLocked(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	for key, seen := range l.lastSeen {
		if now.Sub(seen) > bucketIdleTTL {
			delete(l.buckets, key)
			delete(l.lastSeen, key)
		}
	}
}
