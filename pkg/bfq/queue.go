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

import (
	"math/bits"
	"time"
)

// Queue is the leaf entity: the per-process (or per-async-priority-slot)
// request queue.
type Queue struct {
	Entity EntityID

	reqs requestIndex

	State QueueState

	// Sync marks a synchronous queue; async queues never idle the device
	// and are charged at a penalty factor.
	Sync bool
	// ProcessRefs counts processes whose io-context points at this
	// queue; InFlightRefs counts requests bound to it and not yet
	// released. The queue is only returned to the allocator once both
	// reach zero.
	ProcessRefs  int
	InFlightRefs int

	IOBound      bool
	IdleWindow   bool
	WaitRequest  bool
	MustAlloc    bool
	FifoExpire   bool
	JustCreated  bool
	SoftRTUpdate bool
	Coop         bool
	SplitCoop    bool
	InLargeBurst bool
	IsOOM        bool

	// seekHistory is a bit window of the last 32 consecutive request
	// pairs; the queue counts as seeky when too many of them were
	// non-sequential.
	seekHistory uint32
	lastPos     int64

	// dispatched counts this queue's requests currently at the device.
	dispatched int

	// posIndexed/posSector track this queue's current entry (if any) in
	// its parent group's position tree, so syncPosition can always find
	// and remove the stale entry before inserting the fresh one.
	posIndexed bool
	posSector  int64

	// Weight-raising state.
	wrStartTime       time.Time
	wrDuration        time.Duration
	lastWrStartFinish time.Time
	softRT            bool

	lastIdleBusy          time.Time
	serviceFromBacklogged int64
	softRTNextStart       time.Time

	// budgetTimeout is armed to the slice deadline on selection, and is
	// then also read, once the queue drains, as "when did this queue last
	// hold the device" -- the overlap is what lets the interactivity and
	// soft-rt heuristics measure idleness without a second stamp.
	budgetTimeout time.Time

	// burst-list linkage.
	burstParent EntityID
	inBurstList bool

	// newBfqq, when non-zero, redirects this queue's future requests to
	// the cooperator it was merged into.
	newBfqq EntityID

	maxBudget int64
}

// busy reports whether the queue has at least one pending request.
func (q *Queue) busy() bool {
	return q.reqs.len() > 0
}

// seeky reports whether most recent consecutive request pairs were
// non-sequential.
func (q *Queue) seeky() bool {
	return bits.OnesCount32(q.seekHistory) > seekyHistoryThreshold
}

// recordSeek shifts a new sample into the seek-history window: 0 if the
// request continues sequentially from lastPos within the seek threshold,
// 1 otherwise.
func (q *Queue) recordSeek(sector int64) {
	bit := uint32(0)
	if sdist(q.lastPos, sector) > seekThresholdSectors {
		bit = 1
	}
	q.seekHistory = (q.seekHistory << 1) | bit
	q.lastPos = sector
}
