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

// activate inserts an entity into its parent's active tree on an
// idle->busy transition (first pending request, or un-forgetting an entity
// still parked in the idle tree). It cascades: if this is the first busy
// entity at its scheduling node, the node's own entity (a Group, unless it
// is the permanent root) must itself become busy at the next level up.
func (s *Scheduler) activate(e *Entity) {
	g := s.groupOf(e.Parent)
	wasBusy := g.node.busyEntries > 0
	st := &g.node.trees[e.Class.index()]

	if e.OnTree && e.InIdleTree {
		st.idle.remove(e.node)
		e.node = nil
	}

	start := e.VFinish
	if start < st.vtime {
		start = st.vtime
	}
	e.VStart = start
	e.VFinish = start + float64(e.Budget)/float64(e.effectiveWeight())

	e.node = st.active.insert(e)
	e.OnTree = true
	e.InIdleTree = false
	g.node.busyEntries++
	s.weightCounterFor(e).Add(e.effectiveWeight())

	if !wasBusy && g != s.root {
		pe := s.entity(g.Entity)
		pe.Budget = s.maxBudgetNow()
		pe.Service = 0
		s.activate(pe)
	}
}

// expireEntity handles the service-tree side of expiration. When stillBusy
// is false the entity has no more pending work and moves to the idle tree
// (cascading a busy->idle transition upward if it was the node's last busy
// entity); otherwise it is reactivated with a finish time derived from
// nextBudget.
func (s *Scheduler) expireEntity(e *Entity, nextBudget int64, stillBusy bool) {
	g := s.groupOf(e.Parent)
	st := &g.node.trees[e.Class.index()]

	if e.OnTree && !e.InIdleTree {
		st.active.remove(e.node)
		e.OnTree = false
		e.node = nil
	}

	if !stillBusy {
		g.node.busyEntries--
		s.weightCounterFor(e).Remove(e.effectiveWeight())
		e.node = st.idle.insert(e)
		e.OnTree = true
		e.InIdleTree = true
		if g.node.busyEntries == 0 && g != s.root {
			s.expireEntity(s.entity(g.Entity), 0, false)
		}
		return
	}

	// Weight-raising hole recovery: back-shift to the timestamps this
	// entity had the last time it was selected, so a brief idle period
	// between activations does not penalize it.
	if e.weightRaised() && e.hasSaved {
		e.VFinish = e.savedFinish
		e.hasSaved = false
	}
	e.Budget = nextBudget
	e.Service = 0
	start := e.VFinish
	if start < st.vtime {
		start = st.vtime
	}
	e.VStart = start
	e.VFinish = start + float64(e.Budget)/float64(e.effectiveWeight())
	e.node = st.active.insert(e)
	e.OnTree = true
	e.InIdleTree = false
}

// forgetIdle removes e from the idle tree entirely, without touching
// busyEntries (it was already decremented when e was moved there).
func (s *Scheduler) forgetIdle(e *Entity) {
	g := s.groupOf(e.Parent)
	st := &g.node.trees[e.Class.index()]
	if e.OnTree && e.InIdleTree {
		st.idle.remove(e.node)
	}
	e.OnTree = false
	e.node = nil
}

// forgetIdleExpired garbage-collects idle-tree entries whose finish time
// already lies in the past: their timestamps carry no information the next
// activation should inherit.
func forgetIdleExpired(st *serviceTree) {
	for {
		n := st.idle.min()
		if n == nil || n.entity.VFinish > st.vtime {
			return
		}
		st.idle.remove(n)
		n.entity.OnTree = false
		n.entity.InIdleTree = false
		n.entity.node = nil
	}
}

func (s *Scheduler) weightCounterFor(e *Entity) *weightCounter {
	if e.Kind == KindQueue {
		return s.queueWeights
	}
	return s.groupWeights
}

// priorityOrder is the strict RT -> BE -> IDLE serving order. A busy RT
// queue starves BE and IDLE; interleaving classes under one virtual-time
// domain would require a single shared vtime across classes, which the
// per-class service trees deliberately do not have. The strict_guarantees
// tunable keeps its other, literal meaning: at most one outstanding request
// at the device (see dispatcher.go).
var priorityOrder = [...]PriorityClass{ClassRT, ClassBE, ClassIdle}

// selectAtNode picks the eligible entity with smallest virtual finish at
// one scheduling node, descending priority classes in order and advancing a
// tree's virtual time when nothing under it is yet eligible.
func selectAtNode(g *Group) *Entity {
	for _, c := range priorityOrder {
		st := &g.node.trees[c.index()]
		if st.active.size == 0 {
			continue
		}
		n := st.active.minEligible(st.vtime)
		if n == nil && st.active.root != nil {
			st.vtime = st.active.root.minVStart
			forgetIdleExpired(st)
			n = st.active.minEligible(st.vtime)
		}
		if n != nil {
			return n.entity
		}
	}
	return nil
}

// selectEntity descends the entity hierarchy recursively until it reaches a
// leaf Queue, or returns nil when no entity anywhere is busy.
func (s *Scheduler) selectEntity() *Entity {
	g := s.root
	for {
		e := selectAtNode(g)
		if e == nil {
			return nil
		}
		if e.Kind == KindQueue {
			return e
		}
		g = e.Group
	}
}
