// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"sync"
	"time"
)

// EveryN provides a way to rate limit spammy log messages, such as the
// idling controller's "timer fired but queue was reactivated" notice, which
// can otherwise fire many times a second under a thrashing workload.
type EveryN struct {
	mu       sync.Mutex
	period   time.Duration
	lastSeen time.Time
}

// Every is a convenience constructor for an EveryN object that allows a log
// message every n duration.
func Every(n time.Duration) *EveryN {
	return &EveryN{period: n}
}

// ShouldLog returns whether it's been more than N time since the last
// event that passed this check.
func (e *EveryN) ShouldLog() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if now.Sub(e.lastSeen) < e.period {
		return false
	}
	e.lastSeen = now
	return true
}
