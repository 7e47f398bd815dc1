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

// savedQueueState is the per-process snapshot taken when a queue is merged
// into a cooperator, so that a later split can hand the process a queue
// with the state it had before the merge.
type savedQueueState struct {
	idleWindow   bool
	ioBound      bool
	inLargeBurst bool
	wasInBurst   bool
	wrCoeff      int64
	wrStartTime  time.Time
	wrDuration   time.Duration
}

// IOContext is the per-process control block: it owns the process's
// pointers to its sync and async queues, its scheduling parameters, and the
// state saved across a cooperator merge for rollback on split. The embedder
// creates one per io-context (InitIOContext) and releases it through
// ExitIOContext when the process's last reference drops.
type IOContext struct {
	// Class and Weight are the process's I/O priority parameters, applied
	// to queues created on its behalf.
	Class  PriorityClass
	Weight int64
	// GroupID is the scheduling node the process is attached to; zero
	// means the root group.
	GroupID EntityID

	syncQueue  EntityID
	asyncQueue EntityID

	saved    savedQueueState
	hasSaved bool
}

// InitIOContext constructs the per-process control block. Zero-valued
// fields default to best-effort class, weight 1, root group.
func (s *Scheduler) InitIOContext(class PriorityClass, weight int64) *IOContext {
	if class == ClassNone {
		class = ClassBE
	}
	if weight <= 0 {
		weight = 1
	}
	return &IOContext{Class: class, Weight: weight}
}

// QueueFor resolves the queue the context's next request of the given
// synchronicity should land in, following any cooperator redirect chain.
// It returns zero if the context has no queue for that direction yet.
func (s *Scheduler) QueueFor(ioc *IOContext, sync bool) EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueForLocked(ioc, sync)
}

func (s *Scheduler) queueForLocked(ioc *IOContext, sync bool) EntityID {
	id := ioc.asyncQueue
	if sync {
		id = ioc.syncQueue
	}
	if id == 0 {
		return 0
	}
	resolved := s.resolveCooperator(id)
	if resolved != id && sync {
		// Keep the process pointer pointing at the live end of the chain so
		// later lookups do not re-walk it.
		ioc.syncQueue = resolved
		s.queueRef(resolved)
		s.putQueueRef(id)
	}
	return resolved
}

func (s *Scheduler) groupEntityID(ioc *IOContext) EntityID {
	if ioc.GroupID == 0 {
		return s.root.Entity
	}
	return ioc.GroupID
}

// getQueue returns the queue for (ioc, sync), creating it on first use. For
// async I/O the queue is the group's shared per-class slot; for sync I/O it
// is private to the process. Creation runs the burst detector and, when the
// arena is out of capacity, falls back to the OOM sentinel.
func (s *Scheduler) getQueue(ioc *IOContext, sync bool, now time.Time) EntityID {
	if id := s.queueForLocked(ioc, sync); id != 0 {
		return id
	}

	parentID := s.groupEntityID(ioc)
	if !sync {
		g := s.groupOf(parentID)
		slot := &g.asyncQueues[ioc.Class.index()]
		if *slot == 0 {
			*slot = s.newQueue(ioc, false, parentID, now)
		} else {
			s.queueRef(*slot)
		}
		ioc.asyncQueue = *slot
		return *slot
	}

	id := s.newQueue(ioc, true, parentID, now)
	ioc.syncQueue = id
	return id
}

// newQueue allocates a queue entity under parentID. Sync queues pass
// through the burst detector; a creation that tips the current burst over
// the large threshold flags every member, including this one.
func (s *Scheduler) newQueue(ioc *IOContext, sync bool, parentID EntityID, now time.Time) EntityID {
	q := &Queue{
		Sync:        sync,
		ProcessRefs: 1,
		State:       StateIdle,
		JustCreated: true,
		maxBudget:   s.maxBudgetNow(),
	}
	e := &Entity{
		Kind:       KindQueue,
		Class:      ioc.Class,
		OrigWeight: ioc.Weight,
		Weight:     ioc.Weight,
		WrCoeff:    1,
		Budget:     q.maxBudget,
		Parent:     parentID,
	}
	id, ok := s.arena.New(e)
	if !ok {
		oom := s.entity(oomEntityID)
		oom.Queue.ProcessRefs++
		return oomEntityID
	}
	e.Queue = q
	q.Entity = id

	if sync {
		s.handleBurst(q, id, parentID, now)
	}
	return id
}

// handleBurst feeds one sync queue creation to the burst detector and
// applies the resulting flags.
func (s *Scheduler) handleBurst(q *Queue, id, parentID EntityID, now time.Time) {
	q.burstParent = parentID
	q.inBurstList = true
	becameLarge, members := s.burst.observeCreate(now, id, parentID)
	if s.burst.large {
		q.InLargeBurst = true
		q.inBurstList = false
	}
	if !becameLarge {
		return
	}
	for _, m := range members {
		if me := s.arena.Lookup(m); me != nil && me.Queue != nil {
			me.Queue.InLargeBurst = true
			me.Queue.inBurstList = false
		}
	}
}

// queueRef takes one more process reference on a queue.
func (s *Scheduler) queueRef(id EntityID) {
	e := s.entity(id)
	if e != nil && e.Queue != nil {
		e.Queue.ProcessRefs++
	}
}

// putQueueRef drops one process reference, releasing the queue once neither
// processes nor in-flight requests hold it.
func (s *Scheduler) putQueueRef(id EntityID) {
	if id == oomEntityID {
		e := s.entity(id)
		if e.Queue.ProcessRefs > 1 {
			e.Queue.ProcessRefs--
		}
		return
	}
	e := s.arena.Lookup(id)
	if e == nil || e.Queue == nil {
		return
	}
	q := e.Queue
	q.ProcessRefs--
	if q.ProcessRefs > 0 || q.InFlightRefs > 0 || q.busy() {
		return
	}
	s.releaseQueue(id)
}

// releaseQueue tears down an idle, unreferenced queue: it is dropped from
// the idle tree, the position tree, the burst list, and any group async
// slot, and its arena slot is recycled.
func (s *Scheduler) releaseQueue(id EntityID) {
	e := s.entity(id)
	q := e.Queue
	g := s.groupOf(e.Parent)

	s.forgetIdle(e)
	if q.posIndexed {
		g.position.Delete(positionItem{sector: q.posSector, id: id})
		q.posIndexed = false
	}
	if q.inBurstList {
		s.burst.forget(id)
	}
	if !q.Sync {
		slot := &g.asyncQueues[e.Class.index()]
		if *slot == id {
			*slot = 0
		}
	}
	if s.idleQueue == id {
		s.cancelIdle()
	}
	s.arena.Release(id)
}

// ExitIOContext is the io-context exit hook: the process drops its queue
// references. Queues with in-flight requests survive until the completions
// drain.
func (s *Scheduler) ExitIOContext(ioc *IOContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ioc.syncQueue != 0 {
		s.putQueueRef(ioc.syncQueue)
		ioc.syncQueue = 0
	}
	if ioc.asyncQueue != 0 {
		s.putQueueRef(ioc.asyncQueue)
		ioc.asyncQueue = 0
	}
}

// AddGroup creates a scheduling group under parentID (zero for the root)
// with the given priority class and weight, returning its entity id. This
// is the cgroup-attach path; the root group itself is permanent.
func (s *Scheduler) AddGroup(parentID EntityID, class PriorityClass, weight int64) EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parentID == 0 {
		parentID = s.root.Entity
	}
	if class == ClassNone {
		class = ClassBE
	}
	if weight <= 0 {
		weight = 1
	}
	g := newGroup()
	e := &Entity{
		Kind:       KindGroup,
		Class:      class,
		OrigWeight: weight,
		Weight:     weight,
		WrCoeff:    1,
		Parent:     parentID,
	}
	id, ok := s.arena.New(e)
	if !ok {
		return 0
	}
	e.Group = g
	g.Entity = id
	return id
}

// RemoveGroup tears down a group on cgroup detach. It fails with
// ErrQueueBusy while any child entity is still busy under it.
func (s *Scheduler) RemoveGroup(id EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.arena.Lookup(id)
	if e == nil || e.Group == nil {
		return ErrNoSuchEntity
	}
	if e.Group.node.busyEntries > 0 {
		return ErrQueueBusy
	}
	s.forgetIdle(e)
	s.arena.Release(id)
	return nil
}
