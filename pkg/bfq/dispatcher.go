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

// staleIdleFire limits the log rate for timer fires that lost the race
// against an expiration; a thrashing workload can produce these many times
// a second.
var staleIdleFire = log.Every(10 * time.Second)

// symmetricScenario reports whether every busy queue and group shares one
// weight and no queue is currently weight-raised. In a symmetric scenario
// idling can be skipped without harming the service guarantees.
func (s *Scheduler) symmetricScenario() bool {
	return !s.queueWeights.Differentiated() && !s.groupWeights.Differentiated() && s.wrBusyQueues == 0
}

// shouldIdle decides whether to keep the device idle for q after it drains:
// never for async or idle-class queues; always when guarantees demand it
// (asymmetric scenario or a raised queue); otherwise only when idling can
// plausibly help throughput, which rules out seeky queues and deep-queue
// non-rotational devices.
func (s *Scheduler) shouldIdle(q *Queue, e *Entity) bool {
	if s.tunables.SliceIdle <= 0 || !q.Sync || e.Class == ClassIdle {
		return false
	}
	if e.weightRaised() || !s.symmetricScenario() {
		return true
	}
	if q.seeky() {
		return false
	}
	return q.IdleWindow && (bool(s.rot) || !s.hwTag)
}

// armIdle starts (or restarts) the single per-device idling timer watching
// id.
func (s *Scheduler) armIdle(id EntityID) {
	if s.idleArmed {
		s.idleTimer.Stop()
	}
	s.idleQueue = id
	s.idleArmed = true
	s.idleTimer.Reset(s.tunables.SliceIdle)
}

// cancelIdle is best-effort: Stop may lose against a timer that already
// fired, in which case HandleIdleTimerFired re-checks identity under the
// lock and exits harmlessly.
func (s *Scheduler) cancelIdle() {
	if !s.idleArmed {
		return
	}
	s.idleTimer.Stop()
	s.idleArmed = false
	s.idleQueue = 0
}

// IdleTimerC exposes the idling timer's fire channel so an embedder's event
// loop can select on it; on fire it must call HandleIdleTimerFired. The
// channel is exposed rather than serviced by an internal goroutine so that
// the library never runs code outside a caller's control.
func (s *Scheduler) IdleTimerC() <-chan time.Time {
	return s.idleTimer.C
}

// HandleIdleTimerFired is the idling timer's fire callback. It re-acquires
// the scheduler lock and re-checks identity before acting, so a race with a
// concurrent cancelIdle is harmless.
func (s *Scheduler) HandleIdleTimerFired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idleArmed {
		return
	}
	id := s.idleQueue
	s.idleArmed = false
	s.idleQueue = 0
	if s.inService != id {
		if staleIdleFire.ShouldLog() {
			log.VEventf(context.Background(), 2, "idle timer fired for queue %d after it left service", id)
		}
		return
	}
	e := s.entity(id)
	q := e.Queue
	if q.busy() {
		return
	}
	q.WaitRequest = false
	s.expireQueue(id, ExpireTooIdle, now, s.sliceStart)
}

// scaledTimeout grows a queue's slice length by the ratio of its effective
// weight to its original weight, so a weight-raised queue is not cut off
// before the boost could buy it any latency.
func scaledTimeout(base time.Duration, e *Entity) time.Duration {
	coeff := e.WrCoeff
	if coeff <= 0 {
		coeff = 1
	}
	return base * time.Duration(coeff)
}

// beginService is the busy -> in-service transition.
func (s *Scheduler) beginService(e *Entity, now time.Time) {
	s.inService = e.ID
	s.sliceStart = now
	e.Service = 0
	e.saveTimestamps()
	q := e.Queue
	q.State = StateInService
	q.WaitRequest = false
	q.MustAlloc = false
	q.FifoExpire = false
	q.budgetTimeout = now.Add(scaledTimeout(s.tunables.TimeoutSync, e))
}

// Dispatch moves up to one request toward the driver: selecting an entity
// if none is in service, picking its next request (deadline-expired FIFO
// head first, head-proximity otherwise), charging service, and expiring the
// queue when its budget is gone, its slice timed out, or it has nothing
// left. The returned request is considered in-driver until
// CompletedRequest.
func (s *Scheduler) Dispatch(now time.Time) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked(now)
}

func (s *Scheduler) dispatchLocked(now time.Time) (*Request, bool) {
	if s.tunables.StrictGuarantees && s.rqInDriver >= 1 {
		return nil, false
	}
	if s.inService == 0 {
		e := s.selectEntity()
		if e == nil {
			return nil, false
		}
		s.cancelIdle()
		s.beginService(e, now)
	}

	e := s.entity(s.inService)
	q := e.Queue
	if q.WaitRequest && !q.busy() {
		// Idling: the device is deliberately kept unoccupied until the
		// timer fires or the awaited request arrives.
		return nil, false
	}

	rq := q.reqs.expiredFIFO(now)
	if rq != nil {
		q.FifoExpire = true
	} else {
		rq = q.reqs.nextFromSector(q.lastPos, s.tunables.BackSeekMaxSectors, s.tunables.BackSeekPenalty)
	}
	if rq == nil {
		s.expireQueue(s.inService, ExpireNoMoreRequests, now, s.sliceStart)
		return nil, false
	}

	q.reqs.remove(rq)
	s.syncPosition(s.groupOf(e.Parent), e.ID)
	q.recordSeek(rq.Sector)

	s.rqInDriver++
	q.dispatched++
	s.queued--
	s.metrics.RqInDriver.Update(float64(s.rqInDriver))
	s.metrics.Queued.Update(float64(s.queued))

	charge := rq.Sectors
	if !q.Sync {
		charge *= asyncChargeFactor
	}
	e.Service += charge
	if e.Service > e.Budget {
		// The final request of a slice may be larger than the budget
		// left; the overshoot is not charged, the queue just expires.
		e.Service = e.Budget
	}
	s.chargeAncestors(e, charge)

	s.rate.onDispatch(now, rq.Sector, rq.Sectors, s.rqInDriver > 1)
	s.metrics.PeakRate.Update(float64(s.rate.peakRate))

	switch {
	case e.budgetLeft() <= 0:
		s.expireQueue(s.inService, ExpireBudgetExhausted, now, s.sliceStart)
	case now.After(q.budgetTimeout):
		s.expireQueue(s.inService, ExpireBudgetTimeout, now, s.sliceStart)
	case q.reqs.len() == 0:
		if s.shouldIdle(q, e) {
			q.WaitRequest = true
			q.State = StateWaiting
			s.armIdle(e.ID)
		} else {
			s.expireQueue(s.inService, ExpireNoMoreRequests, now, s.sliceStart)
		}
	}
	return rq, true
}

// chargeAncestors propagates served sectors up the group chain, so that
// sibling groups compete on accumulated service the same way sibling queues
// do.
func (s *Scheduler) chargeAncestors(e *Entity, served int64) {
	for pid := e.Parent; pid != 0 && pid != s.root.Entity; {
		pe := s.arena.Lookup(pid)
		if pe == nil {
			return
		}
		pe.Service += served
		pid = pe.Parent
	}
}

// ForcedDispatch is the device-removal/scheduler-switch path: every busy
// entity's FIFO is drained (the caller hands every returned request to the
// driver dispatch list), budgets reset, and idle entries forgotten.
// Outstanding references then drain naturally as completions arrive.
func (s *Scheduler) ForcedDispatch() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var drained []*Request
	s.cancelIdle()

	var walk func(g *Group)
	walk = func(g *Group) {
		for c := 0; c < numPriorityClasses; c++ {
			st := &g.node.trees[c]
			var nodes []*vnode
			st.active.forEach(func(n *vnode) { nodes = append(nodes, n) })
			for _, n := range nodes {
				e := n.entity
				if e.Kind == KindQueue {
					drained = append(drained, e.Queue.reqs.fifo...)
					e.Queue.reqs = requestIndex{}
					e.Service = 0
					s.syncPosition(g, e.ID)
					s.noteIdle(e)
					e.Queue.State = StateIdle
					e.Queue.WaitRequest = false
					s.expireEntity(e, 0, false)
				} else {
					walk(e.Group)
				}
			}
			st.idle.forEach(func(n *vnode) {
				if n.entity.Kind == KindGroup {
					walk(n.entity.Group)
				}
			})
		}
	}
	walk(s.root)

	s.inService = 0
	s.queued = 0
	s.metrics.Queued.Update(0)
	return drained
}
