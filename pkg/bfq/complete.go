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
	hwTagSampleWindow = 32
	hwTagDepth        = 3
)

// ActivateRequest and DeactivateRequest track the driver's requeue cycle:
// Dispatch already counts a request as in-driver when handing it over, so
// these hooks only matter when the driver gives a request back
// (DeactivateRequest) and later re-issues it (ActivateRequest).
func (s *Scheduler) ActivateRequest(rq *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rqInDriver++
	s.metrics.RqInDriver.Update(float64(s.rqInDriver))
}

func (s *Scheduler) DeactivateRequest(rq *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rqInDriver--
	s.checkInvariant(s.rqInDriver >= 0, "in-driver count went negative")
	s.metrics.RqInDriver.Update(float64(s.rqInDriver))
}

// updateHWTag infers whether the device has internal queueing by sampling
// the high-water mark of in-flight requests. Devices that never hold more
// than a few requests at once behave like a single-slot disk and benefit
// from idling; deep-queue devices mostly do not.
func (s *Scheduler) updateHWTag() {
	if s.rqInDriver > s.maxRqInDriver {
		s.maxRqInDriver = s.rqInDriver
	}
	s.hwTagSamples++
	if s.hwTagSamples < hwTagSampleWindow {
		return
	}
	s.hwTag = s.maxRqInDriver > hwTagDepth
	s.hwTagSamples = 0
	s.maxRqInDriver = 0
}

// CompletedRequest is the completion hook: the in-flight counter drops, the
// peak-rate estimator sees the completion, and the in-service queue is
// expired or put into idling when this was its last outstanding request.
func (s *Scheduler) CompletedRequest(rq *Request, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateHWTag()
	s.rqInDriver--
	s.checkInvariant(s.rqInDriver >= 0, "in-driver count went negative")
	s.metrics.RqInDriver.Update(float64(s.rqInDriver))
	s.lastCompletion = now
	s.rate.onCompletion(now, rq.Sectors)

	id := rq.queue
	ce := s.arena.Lookup(id)
	if ce != nil && ce.Queue != nil {
		cq := ce.Queue
		if cq.dispatched > 0 {
			cq.dispatched--
		}
		if cq.SoftRTUpdate && cq.dispatched == 0 {
			cq.softRTNextStart = s.computeSoftRTNextStart(cq, now)
			cq.serviceFromBacklogged = 0
			cq.SoftRTUpdate = false
		}
	}
	if id != s.inService {
		return
	}
	e := s.entity(id)
	q := e.Queue
	if q.busy() || q.WaitRequest {
		return
	}
	if q.dispatched > 0 {
		// More of this queue's requests are still in flight; the decision
		// is deferred to the last completion.
		return
	}
	switch {
	case now.After(q.budgetTimeout):
		s.expireQueue(id, ExpireBudgetTimeout, now, s.sliceStart)
	case s.shouldIdle(q, e):
		q.WaitRequest = true
		q.State = StateWaiting
		s.armIdle(id)
	default:
		s.expireQueue(id, ExpireNoMoreRequests, now, s.sliceStart)
	}
}
