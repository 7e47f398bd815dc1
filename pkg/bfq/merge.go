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

// QueuePermission is the answer to may_queue: whether the block layer may,
// or must, let the caller allocate a request right now.
type QueuePermission int8

const (
	PermissionMay QueuePermission = iota
	PermissionMust
)

// Merge looks for a pending request in the bio's target queue that the bio
// can be folded into: a request ending exactly where the bio starts (back
// merge) or starting exactly where the bio ends (front merge). The caller
// performs the actual fold and then reports it via MergedRequest.
func (s *Scheduler) Merge(ioc *IOContext, bio BioRef, sync bool) (MergeKind, *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.queueForLocked(ioc, sync)
	if id == 0 {
		return NoMerge, nil
	}
	q := s.entity(id).Queue
	for _, r := range q.reqs.bySector {
		if r.Sector+r.Sectors == bio.Sect {
			return BackMerge, r
		}
		if bio.Sect+bio.Sectors == r.Sector {
			return FrontMerge, r
		}
		if r.Sector > bio.Sect+bio.Sectors {
			break
		}
	}
	return NoMerge, nil
}

// MergedRequest re-sorts rq inside its queue after the block layer has
// grown it. Only a front merge moves the start sector, but re-sorting is
// cheap enough to do unconditionally.
func (s *Scheduler) MergedRequest(rq *Request, kind MergeKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.arena.Lookup(rq.queue)
	if e == nil || e.Queue == nil {
		return
	}
	e.Queue.reqs.resort(rq)
	s.syncPosition(s.groupOf(e.Parent), rq.queue)
}

// MergedRequests folds next into rq: next leaves its queue, and rq inherits
// the earlier of the two FIFO deadlines so the fold cannot push service
// past a deadline that was already promised. The caller still owns next's
// in-flight reference and releases it with PutRequest.
func (s *Scheduler) MergedRequests(rq, next *Request, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next.deadline.Before(rq.deadline) {
		rq.deadline = next.deadline
	}
	e := s.arena.Lookup(next.queue)
	if e == nil || e.Queue == nil {
		return
	}
	q := e.Queue
	if q.reqs.remove(next) {
		s.queued--
		s.metrics.Queued.Update(float64(s.queued))
	}
	s.syncPosition(s.groupOf(e.Parent), next.queue)
	if !q.busy() && q.State != StateIdle && s.inService != next.queue {
		s.noteIdle(e)
		q.State = StateIdle
		s.expireEntity(e, 0, false)
	}
}

// AllowMerge gates a proposed rq<-bio fold: it is allowed only when the bio
// would be routed to the very queue rq already sits in, following any
// cooperator redirect, and the two agree on synchronicity.
func (s *Scheduler) AllowMerge(ioc *IOContext, rq *Request, bio BioRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.queueForLocked(ioc, rq.Sync)
	return id != 0 && id == s.resolveCooperator(rq.queue)
}

// MayQueue implements may_queue: the block layer must admit an allocation
// when the in-service queue is idling in wait of exactly this process's
// next request; everything else is a plain may.
func (s *Scheduler) MayQueue(ioc *IOContext, sync bool) QueuePermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inService == 0 {
		return PermissionMay
	}
	e := s.entity(s.inService)
	if e.Queue == nil || !e.Queue.WaitRequest {
		return PermissionMay
	}
	if s.queueForLocked(ioc, sync) == s.inService {
		e.Queue.MustAlloc = true
		return PermissionMust
	}
	return PermissionMay
}
