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

// SetRequest binds rq to the queue it will be served from, allocating the
// queue on the process's first I/O in that direction. A merged cooperator
// that has drifted seeky again is split back out here, handing the process
// a fresh queue with the state saved at merge time. The bound queue holds
// one in-flight reference until PutRequest.
func (s *Scheduler) SetRequest(ioc *IOContext, rq *Request, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.getQueue(ioc, rq.Sync, now)
	e := s.entity(id)
	if rq.Sync && e.Queue.Coop && e.Queue.seeky() && ioc.hasSaved {
		id = s.splitQueue(ioc, id, now)
		e = s.entity(id)
	}
	e.Queue.InFlightRefs++
	rq.queue = id
	rq.ioc = ioc
}

// PutRequest releases rq's in-flight reference on its queue. The queue is
// torn down once neither the process nor any outstanding request holds it.
func (s *Scheduler) PutRequest(rq *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rq.queue
	rq.queue = 0
	rq.ioc = nil
	e := s.arena.Lookup(id)
	if e == nil || e.Queue == nil {
		return
	}
	q := e.Queue
	q.InFlightRefs--
	if q.ProcessRefs <= 0 && q.InFlightRefs <= 0 && !q.busy() && id != oomEntityID {
		s.releaseQueue(id)
	}
}

// splitQueue reverses a cooperator merge for one process: it leaves the
// shared queue and gets a fresh private queue carrying the weight-raising,
// idle-window, and burst state saved when its old queue was merged away.
func (s *Scheduler) splitQueue(ioc *IOContext, mergedID EntityID, now time.Time) EntityID {
	s.splitCooperatorRefs(mergedID)
	s.putQueueRef(mergedID)

	id := s.newQueue(ioc, true, s.groupEntityID(ioc), now)
	ioc.syncQueue = id
	if id == oomEntityID {
		// Out of queue slots: the process falls back to the sentinel and
		// its saved state is simply dropped.
		ioc.hasSaved = false
		return id
	}
	e := s.entity(id)
	q := e.Queue

	saved := ioc.saved
	ioc.hasSaved = false
	q.IdleWindow = saved.idleWindow
	q.IOBound = saved.ioBound
	q.InLargeBurst = saved.inLargeBurst
	q.SplitCoop = true
	q.JustCreated = false
	if saved.wasInBurst && !q.inBurstList && s.burst.parent == e.Parent {
		q.inBurstList = true
		s.burst.members = append(s.burst.members, id)
	}
	if saved.wrCoeff > 1 && now.Sub(saved.wrStartTime) < saved.wrDuration {
		e.WrCoeff = saved.wrCoeff
		e.Weight = e.OrigWeight * e.WrCoeff
		q.wrStartTime = saved.wrStartTime
		q.wrDuration = saved.wrDuration
	}
	return id
}

// splitCooperatorRefs undoes the shared queue's bookkeeping for one leaving
// process.
func (s *Scheduler) splitCooperatorRefs(mergedID EntityID) {
	e := s.entity(mergedID)
	q := e.Queue
	if q.ProcessRefs <= 2 {
		q.Coop = false
	}
}

// InsertRequest queues rq for dispatch: it lands in its queue's FIFO with a
// deadline and in the sector-sorted index, may trigger a cooperator merge,
// and drives the queue's idle->busy (or waiting->in-service) transition,
// possibly preempting the queue currently in service.
func (s *Scheduler) InsertRequest(rq *Request, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.resolveCooperator(rq.queue)
	if id != rq.queue {
		s.redirectInFlight(rq, id)
	}
	e := s.entity(id)
	q := e.Queue

	if tid := s.maybeMergeCooperator(e, q, rq, now); tid != 0 {
		id = tid
		s.redirectInFlight(rq, id)
		e = s.entity(id)
		q = e.Queue
	}

	exp := s.tunables.FifoExpireAsync
	if rq.Sync {
		exp = s.tunables.FifoExpireSync
	}
	rq.deadline = now.Add(exp)

	wasBusy := q.State != StateIdle
	q.reqs.insert(rq)
	s.queued++
	s.metrics.Queued.Update(float64(s.queued))
	s.syncPosition(s.groupOf(e.Parent), id)

	if !wasBusy {
		s.activateQueue(e, q, now)
		if s.inService != 0 && s.inService != id {
			cur := s.entity(s.inService)
			if s.shouldPreempt(e, cur) {
				s.expireQueue(s.inService, ExpirePreempted, now, s.sliceStart)
			}
		}
	} else if q.WaitRequest && s.inService == id {
		// The idling timer was waiting for exactly this: back to service.
		s.cancelIdle()
		q.WaitRequest = false
		q.State = StateInService
	}
}

// redirectInFlight moves rq's in-flight reference from its bound queue to
// the queue that will actually serve it after a cooperator redirect.
func (s *Scheduler) redirectInFlight(rq *Request, to EntityID) {
	if old := s.arena.Lookup(rq.queue); old != nil && old.Queue != nil {
		old.Queue.InFlightRefs--
	}
	rq.queue = to
	s.entity(to).Queue.InFlightRefs++
}

// maybeMergeCooperator checks whether rq's arrival brings q within the
// close-sector threshold of another queue at the same node, and merges the
// two if every eligibility condition holds. Returns the merge target, or
// zero when no merge happened.
func (s *Scheduler) maybeMergeCooperator(e *Entity, q *Queue, rq *Request, now time.Time) EntityID {
	if !q.Sync || q.IsOOM || q.newBfqq != 0 {
		return 0
	}
	g := s.groupOf(e.Parent)
	cand := findCooperator(g, e.ID, rq.Sector, s.tunables.CloseThrSectors)
	if cand == 0 {
		return 0
	}
	ce := s.entity(cand)
	if !s.mergeEligible(e, ce, now) {
		return 0
	}
	if rq.ioc != nil {
		s.saveQueueState(rq.ioc, e, q)
	}
	s.mergeQueues(e.ID, cand)
	return cand
}

// saveQueueState snapshots the source queue's per-process state into the
// io-context before a merge, for restoration on a later split.
func (s *Scheduler) saveQueueState(ioc *IOContext, e *Entity, q *Queue) {
	ioc.saved = savedQueueState{
		idleWindow:   q.IdleWindow,
		ioBound:      q.IOBound,
		inLargeBurst: q.InLargeBurst,
		wasInBurst:   q.inBurstList,
		wrCoeff:      e.WrCoeff,
		wrStartTime:  q.wrStartTime,
		wrDuration:   q.wrDuration,
	}
	ioc.hasSaved = true
}

// activateQueue drives the idle->busy transition: weight-raising decisions
// are made first (so the activation's timestamps already reflect the raised
// weight), then the entity joins its parent's active tree.
func (s *Scheduler) activateQueue(e *Entity, q *Queue, now time.Time) {
	s.endWrIfExpired(e, q, now, false)
	s.updateSoftRTEligibility(q, now)
	s.maybeStartWeightRaising(e.ID, now)
	s.updateIdleWindow(q, e)

	if devMax := s.maxBudgetNow(); q.maxBudget > devMax {
		q.maxBudget = devMax
	}
	e.Budget = q.maxBudget
	e.Service = 0
	s.activate(e)
	s.noteBusy(e)
	q.State = StateBusy
	q.JustCreated = false
}

// updateIdleWindow recomputes whether this queue deserves device idling on
// throughput grounds. Guarantee-driven idling (asymmetric scenario, raised
// queues) is decided dynamically in shouldIdle instead, since it depends on
// the whole device's state rather than this queue's.
func (s *Scheduler) updateIdleWindow(q *Queue, e *Entity) {
	q.IdleWindow = q.Sync && e.Class != ClassIdle && (!q.seeky() || e.weightRaised())
}

// shouldPreempt reports whether a newly busy queue should evict the one in
// service: a weight-raised queue preempts a non-raised one, and a higher
// priority class preempts a lower.
func (s *Scheduler) shouldPreempt(newE, cur *Entity) bool {
	if cur.Queue == nil {
		return false
	}
	if newE.Queue == nil || !newE.Queue.Sync {
		return false
	}
	if newE.weightRaised() && !cur.weightRaised() {
		return true
	}
	return newE.Class < cur.Class && newE.Class != ClassNone
}
