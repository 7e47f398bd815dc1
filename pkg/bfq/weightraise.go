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

const (
	minInteractiveWrDuration = 3 * time.Second
	maxInteractiveWrDuration = 13 * time.Second
)

// interactiveDuration scales the reference raising window by how much
// slower the device is than its reference rate, clamped to [3s, 13s]: a
// slow device needs a longer boost for the same latency effect.
func interactiveDuration(t time.Duration, r, peakRate int64) time.Duration {
	dur := t
	if peakRate > 0 {
		dur = time.Duration(int64(t) * r / peakRate)
	}
	if dur < minInteractiveWrDuration {
		dur = minInteractiveWrDuration
	}
	if dur > maxInteractiveWrDuration {
		dur = maxInteractiveWrDuration
	}
	return dur
}

// updateSoftRTEligibility recomputes Queue.softRT on a busy transition:
// true only if the queue actually remained idle until its predicted next
// batch start.
func (s *Scheduler) updateSoftRTEligibility(q *Queue, now time.Time) {
	q.softRT = q.Sync && q.ProcessRefs == 1 &&
		!q.softRTNextStart.IsZero() &&
		!now.Before(q.softRTNextStart) &&
		s.tunables.WrMaxSoftRTRate > 0
}

// computeSoftRTNextStart predicts when an isochronous queue's next batch is
// due, assuming it consumes bandwidth exactly at the soft-real-time
// reference rate. The prediction is clamped above by now plus the idling
// window plus the interactivity threshold, guarding against an implausibly
// distant estimate from a tiny batch.
func (s *Scheduler) computeSoftRTNextStart(q *Queue, now time.Time) time.Time {
	if s.tunables.WrMaxSoftRTRate <= 0 || q.lastIdleBusy.IsZero() {
		return now
	}
	next := q.lastIdleBusy.Add(
		time.Duration(q.serviceFromBacklogged) * time.Second / time.Duration(s.tunables.WrMaxSoftRTRate))
	guard := now.Add(s.tunables.SliceIdle + s.tunables.WrMinIdleTime)
	if next.After(guard) {
		next = guard
	}
	if next.Before(now) {
		next = now
	}
	return next
}

// maybeStartWeightRaising runs on a busy transition, before the entity's
// activation timestamps are computed, so a granted raise is already
// reflected in the new virtual finish time.
//
// Sync queues are raised when interactive (long idle, or brand new) or
// soft-real-time, unless shared between processes or part of a large
// burst. A shared async slot is raised when raised queues are present to
// starve it and it has not itself been raised too recently, which keeps
// write-back from waiting indefinitely behind a stream of boosted
// readers. A raised soft-rt queue has its window refreshed while the
// predicate keeps holding.
func (s *Scheduler) maybeStartWeightRaising(id EntityID, now time.Time) {
	e := s.entity(id)
	q := e.Queue
	if q == nil || q.IsOOM || !s.tunables.LowLatency {
		return
	}

	if e.weightRaised() {
		if q.softRT && q.Sync {
			q.wrStartTime = now
			q.wrDuration = s.tunables.WrRTMaxTime
		}
		return
	}

	if !q.Sync {
		longSinceLastWr := q.lastWrStartFinish.IsZero() ||
			now.Sub(q.lastWrStartFinish) >= s.tunables.WrMinInterArrAsync
		if s.wrBusyQueues > 0 && longSinceLastWr {
			r, t := s.rate.referencePair()
			e.WrCoeff = s.tunables.WrCoeff
			q.wrDuration = interactiveDuration(t, r, s.rate.peakRate)
			q.wrStartTime = now
			q.lastWrStartFinish = now
			e.Weight = e.OrigWeight * e.WrCoeff
		}
		return
	}

	if q.ProcessRefs != 1 || q.InLargeBurst {
		return
	}

	// The budget-timeout stamp doubles as "when this queue last held the
	// device": a queue whose stamp lies far enough in the past has been
	// idle long enough to count as interactive. A just-created queue has
	// no stamp yet and counts as well.
	idleForLong := q.JustCreated ||
		(!q.budgetTimeout.IsZero() && now.Sub(q.budgetTimeout) >= s.tunables.WrMinIdleTime)

	switch {
	case q.softRT:
		e.WrCoeff = s.tunables.WrCoeff * s.tunables.SoftRTFactor
		q.wrDuration = s.tunables.WrRTMaxTime
	case idleForLong:
		r, t := s.rate.referencePair()
		e.WrCoeff = s.tunables.WrCoeff
		q.wrDuration = interactiveDuration(t, r, s.rate.peakRate)
	default:
		return
	}
	q.wrStartTime = now
	q.lastWrStartFinish = now
	e.Weight = e.OrigWeight * e.WrCoeff
}

// endWrIfExpired terminates weight raising when its window has elapsed or
// the queue has since joined a large burst. countedBusy says whether the
// queue is currently counted in the busy-queue totals, in which case the
// raised-and-busy counter must drop with the raise.
func (s *Scheduler) endWrIfExpired(e *Entity, q *Queue, now time.Time, countedBusy bool) {
	if !e.weightRaised() {
		return
	}
	expired := now.Sub(q.wrStartTime) >= q.wrDuration
	if !q.InLargeBurst && !expired {
		return
	}
	s.endWeightRaising(e, q, now, countedBusy)
}

// endWeightRaising unconditionally drops the raise; the weight falls back to
// the original weight at once, and an entity on the active tree has its
// virtual finish time recomputed with that weight.
func (s *Scheduler) endWeightRaising(e *Entity, q *Queue, now time.Time, countedBusy bool) {
	if !e.weightRaised() {
		return
	}
	onTree := e.OnTree && !e.InIdleTree
	if onTree {
		s.weightCounterFor(e).Remove(e.effectiveWeight())
	}
	e.WrCoeff = 1
	e.Weight = e.OrigWeight
	if onTree {
		s.weightCounterFor(e).Add(e.effectiveWeight())
		st := &s.groupOf(e.Parent).node.trees[e.Class.index()]
		st.active.remove(e.node)
		e.VFinish = e.VStart + float64(e.Budget)/float64(e.effectiveWeight())
		e.node = st.active.insert(e)
	}
	q.softRT = false
	q.lastWrStartFinish = now
	if countedBusy {
		s.wrBusyQueues--
		s.metrics.WrBusyQueues.Update(float64(s.wrBusyQueues))
	}
}
