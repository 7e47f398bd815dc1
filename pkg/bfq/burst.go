// Copyright 2024 The Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package bfq

import "time"

// burstDetector tracks temporally clustered queue creations sharing a
// parent group. A cluster that grows past threshold is assumed to be a
// fork-heavy workload (e.g. a build) rather than a set of independently
// interactive tasks, and is excluded from weight-raising en masse.
type burstDetector struct {
	interval  time.Duration
	threshold int

	members    []EntityID
	lastCreate time.Time
	parent     EntityID
	large      bool
}

// reset drops every tracked member and leaves large-burst mode.
func (b *burstDetector) reset() {
	b.members = b.members[:0]
	b.large = false
	b.parent = 0
}

// observeCreate records one queue creation. A queue created within
// b.interval of the last one, under the same parent, extends the current
// burst; otherwise the burst restarts with just the newcomer. When the
// burst reaches the large threshold, observeCreate returns true together
// with every member to be flagged, clears the list, and enters large-burst
// mode, in which later close-enough arrivals are flagged directly by the
// caller (b.large stays set) without re-joining the list.
func (b *burstDetector) observeCreate(now time.Time, id, parent EntityID) (becameLarge bool, members []EntityID) {
	if b.lastCreate.IsZero() || now.Sub(b.lastCreate) > b.interval || parent != b.parent {
		b.reset()
		b.parent = parent
	}
	b.lastCreate = now

	if b.large {
		return false, nil
	}
	b.members = append(b.members, id)
	if len(b.members) >= b.threshold {
		members = append(members, b.members...)
		b.members = b.members[:0]
		b.large = true
		return true, members
	}
	return false, nil
}

// forget drops id from the tracked burst, e.g. when its queue is merged
// into a cooperator or released before the burst could grow large.
func (b *burstDetector) forget(id EntityID) {
	for i, m := range b.members {
		if m == id {
			b.members = append(b.members[:i], b.members[i+1:]...)
			return
		}
	}
}
