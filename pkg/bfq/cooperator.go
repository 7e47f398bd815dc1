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
	"time"

	"github.com/google/btree"
)

// positionItem is one entry of a Group's position tree: the sector a
// queue's next request targets, tagged with the owning entity so two
// queues can share a sector without colliding as tree keys.
type positionItem struct {
	sector int64
	id     EntityID
}

func (p positionItem) Less(than btree.Item) bool {
	o := than.(positionItem)
	if p.sector != o.sector {
		return p.sector < o.sector
	}
	return p.id < o.id
}

// syncPosition re-indexes id in g's position tree at its queue's current
// head-of-sort-list sector, removing any stale entry first. A queue with no
// pending requests is removed from the tree entirely. Call after every
// mutation of a queue's sector-sorted index (insert, dispatch, merge).
func (s *Scheduler) syncPosition(g *Group, id EntityID) {
	e := s.entity(id)
	q := e.Queue
	if q == nil {
		return
	}
	if q.posIndexed {
		g.position.Delete(positionItem{sector: q.posSector, id: id})
		q.posIndexed = false
	}
	if q.reqs.len() == 0 {
		return
	}
	head := q.reqs.bySector[0].Sector
	g.position.ReplaceOrInsert(positionItem{sector: head, id: id})
	q.posIndexed = true
	q.posSector = head
}

// findCooperator returns the closest other queue in g's position tree
// within closeThr sectors of pivot, scanning both directions from the
// pivot the way an ordered index scan does.
func findCooperator(g *Group, self EntityID, pivot, closeThr int64) EntityID {
	var best EntityID
	bestDist := closeThr + 1

	g.position.AscendGreaterOrEqual(positionItem{sector: pivot}, func(item btree.Item) bool {
		p := item.(positionItem)
		if p.id == self {
			return true
		}
		d := p.sector - pivot
		if d > closeThr {
			return false
		}
		if d < bestDist {
			bestDist = d
			best = p.id
		}
		return true
	})
	g.position.DescendLessOrEqual(positionItem{sector: pivot}, func(item btree.Item) bool {
		p := item.(positionItem)
		if p.id == self {
			return true
		}
		d := pivot - p.sector
		if d > closeThr {
			return false
		}
		if d < bestDist {
			bestDist = d
			best = p.id
		}
		return true
	})
	return best
}

// withinWrBlockWindow reports whether q started weight-raising less than
// WrFromTooLongMs ago, during which it is refused cooperator merges: a
// freshly boosted queue merging into a shared one would immediately forfeit
// the latency the boost was granted for.
func (s *Scheduler) withinWrBlockWindow(q *Queue, now time.Time) bool {
	if q.wrStartTime.IsZero() {
		return false
	}
	return now.Sub(q.wrStartTime) < s.tunables.WrFromTooLongMs
}

// mergeEligible gates a proposed cooperator merge: same node, same class,
// both sync, neither seeky, neither freshly weight-raised, neither the OOM
// fallback, both still referenced by a live process.
func (s *Scheduler) mergeEligible(ea, eb *Entity, now time.Time) bool {
	qa, qb := ea.Queue, eb.Queue
	if qa == nil || qb == nil {
		return false
	}
	return ea.Parent == eb.Parent &&
		ea.Class == eb.Class &&
		qa.Sync && qb.Sync &&
		!qa.seeky() && !qb.seeky() &&
		!qa.IsOOM && !qb.IsOOM &&
		qa.ProcessRefs > 0 && qb.ProcessRefs > 0 &&
		!s.withinWrBlockWindow(qa, now) && !s.withinWrBlockWindow(qb, now)
}

// resolveCooperator flattens a chain of redirects, guarding against a
// cycle with a visited set.
func (s *Scheduler) resolveCooperator(id EntityID) EntityID {
	visited := make(map[EntityID]bool)
	cur := id
	for {
		e := s.arena.Lookup(cur)
		if e == nil || e.Queue == nil {
			return id
		}
		q := e.Queue
		if q.newBfqq == 0 || q.newBfqq == cur || visited[cur] {
			return cur
		}
		visited[cur] = true
		cur = q.newBfqq
	}
}

// mergeQueues redirects sourceID's future requests to targetID and, if the
// source was weight-raised and the target was not, hands over its
// weight-raising state. Process references move to the target lazily, as
// each redirected process's queue pointer is resolved through the chain.
func (s *Scheduler) mergeQueues(sourceID, targetID EntityID) {
	src, dst := s.entity(sourceID), s.entity(targetID)
	sq, dq := src.Queue, dst.Queue

	sq.newBfqq = targetID

	if src.weightRaised() && !dst.weightRaised() {
		onTree := dst.OnTree && !dst.InIdleTree
		if onTree {
			s.weightCounterFor(dst).Remove(dst.effectiveWeight())
		}
		dst.WrCoeff = src.WrCoeff
		dst.Weight = dst.OrigWeight * dst.WrCoeff
		if onTree {
			s.weightCounterFor(dst).Add(dst.effectiveWeight())
			st := &s.groupOf(dst.Parent).node.trees[dst.Class.index()]
			st.active.remove(dst.node)
			dst.VFinish = dst.VStart + float64(dst.Budget)/float64(dst.effectiveWeight())
			dst.node = st.active.insert(dst)
		}
		dq.wrStartTime = sq.wrStartTime
		dq.wrDuration = sq.wrDuration
		if dq.State != StateIdle {
			s.wrBusyQueues++
			s.metrics.WrBusyQueues.Update(float64(s.wrBusyQueues))
		}
	}
	dq.Coop = true
	if sq.inBurstList {
		s.burst.forget(sourceID)
		sq.inBurstList = false
	}
}
