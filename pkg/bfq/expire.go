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
	"context"
	"time"

	"github.com/iosched/bfq/internal/log"
)

// isSlow detects a sync queue that consumed its slice without moving
// data. Short slices fall back to the seeky flag as a proxy; longer ones
// compare service against half the budget cap. The half factor leaves
// headroom for processes stuck in the slower zones of a rotational disk,
// whose bandwidth trails the surface-wide peak estimate through no fault
// of their own.
func (s *Scheduler) isSlow(q *Queue, e *Entity, elapsed time.Duration) bool {
	if !q.Sync {
		return false
	}
	if elapsed < 20*time.Millisecond {
		return q.seeky()
	}
	maxB := q.maxBudget
	if maxB <= 0 {
		maxB = defaultMaxBudget
	}
	return e.Service < maxB/2
}

// chargeService computes the sectors to charge for the finished slice: a
// slow queue, or a timed-out queue that still had more than a third of its
// budget left, is charged for elapsed time scaled to sectors by the
// peak-rate estimate rather than for the sectors it actually transferred,
// which stops seeky queues from hogging the device at a discount.
func (s *Scheduler) chargeService(e *Entity, slow, timedOut bool, elapsed time.Duration) int64 {
	penalize := slow || (timedOut && e.Service < (e.Budget*2)/3)
	if !penalize || s.rate.peakRate <= 0 {
		return e.Service
	}
	sectors := (elapsed.Microseconds() * s.rate.peakRate) >> rateShift
	if sectors < e.Service {
		return e.Service
	}
	return sectors
}

// recomputeMaxBudget applies the per-reason budget feedback for the next
// activation. Async queues always get the device max regardless of reason.
func (s *Scheduler) recomputeMaxBudget(q *Queue, reason ExpireReason, charged int64, outstanding bool) int64 {
	devMax := s.maxBudgetNow()
	if !q.Sync {
		return devMax
	}
	cur := q.maxBudget
	if cur <= 0 {
		cur = defaultMaxBudget
	}
	var next int64
	switch reason {
	case ExpireTooIdle:
		if outstanding {
			next = cur * 2
		} else {
			next = cur - 4*minBudget
		}
	case ExpireBudgetTimeout:
		next = cur * 2
	case ExpireBudgetExhausted:
		next = cur * 4
	case ExpireNoMoreRequests:
		next = charged
	default:
		next = cur
	}
	if next < minBudget {
		next = minBudget
	}
	if next > devMax {
		next = devMax
	}
	return next
}

// expireQueue is the top-level expiration routine: it determines slowness,
// charges service, recomputes the queue's budget for its next activation,
// updates weight-raising and soft-rt state, and finally hands off to
// expireEntity to either reactivate the queue or park it in the idle tree.
func (s *Scheduler) expireQueue(id EntityID, reason ExpireReason, now, sliceStart time.Time) {
	e := s.entity(id)
	q := e.Queue

	elapsed := now.Sub(sliceStart)
	slow := s.isSlow(q, e, elapsed)
	timedOut := reason == ExpireBudgetTimeout
	charged := s.chargeService(e, slow, timedOut, elapsed)

	outstanding := q.dispatched > 0
	q.maxBudget = s.recomputeMaxBudget(q, reason, charged, outstanding)

	switch {
	case reason == ExpireBudgetExhausted:
		q.IOBound = true
	case reason == ExpireTooIdle && slow:
		q.IOBound = false
	}

	s.endWrIfExpired(e, q, now, true)

	stillBusy := q.busy()
	q.serviceFromBacklogged += charged
	if !stillBusy {
		q.lastIdleBusy = now
		if q.dispatched > 0 {
			// The last completions are still in flight; the prediction is
			// deferred until they land.
			q.SoftRTUpdate = true
		} else {
			q.softRTNextStart = s.computeSoftRTNextStart(q, now)
			q.serviceFromBacklogged = 0
		}
		s.noteIdle(e)
		q.State = StateIdle
	}
	q.WaitRequest = false
	if stillBusy {
		q.State = StateBusy
	}

	if s.inService == id {
		s.inService = 0
	}
	s.cancelIdleIf(id)
	s.expireEntity(e, q.maxBudget, stillBusy)
	s.requeueAncestors(e)
	s.metrics.Expirations.Inc(1)
	log.VEventf(context.Background(), 2,
		"expired queue %d: reason=%s charged=%d slow=%t next-budget=%d", id, reason, charged, slow, q.maxBudget)
}

// cancelIdleIf cancels the idling timer only when it is watching id.
func (s *Scheduler) cancelIdleIf(id EntityID) {
	if s.idleArmed && s.idleQueue == id {
		s.cancelIdle()
	}
}

// requeueAncestors re-timestamps any ancestor group whose accumulated
// service has consumed its budget, giving sibling groups their turn.
func (s *Scheduler) requeueAncestors(e *Entity) {
	for pid := e.Parent; pid != 0 && pid != s.root.Entity; {
		pe := s.arena.Lookup(pid)
		if pe == nil {
			return
		}
		if pe.OnTree && !pe.InIdleTree && pe.Service >= pe.Budget {
			s.expireEntity(pe, s.maxBudgetNow(), true)
		}
		pid = pe.Parent
	}
}
