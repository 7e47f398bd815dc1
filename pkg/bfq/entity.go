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

// EntityKind distinguishes a leaf Queue entity from an inner Group entity.
type EntityKind int8

const (
	KindQueue EntityKind = iota
	KindGroup
)

// Entity is the schedulable unit shared by Queue (leaf) and Group (inner)
// nodes. It carries every field the service tree and B-WF2Q+ scheduler need
// regardless of what it fans out to.
type Entity struct {
	ID     EntityID
	Kind   EntityKind
	Class  PriorityClass
	Parent EntityID // parent Group's entity id; zero (root) has no parent

	// Weight is the entity's currently effective weight: OrigWeight when
	// WrCoeff == 1, OrigWeight * WrCoeff while weight-raised.
	Weight     int64
	OrigWeight int64
	WrCoeff    int64

	// OnTree is true while the entity sits in its parent's active or idle
	// service tree.
	OnTree bool
	// InIdleTree is true when OnTree is true and the entity is parked in
	// the idle tree specifically (garbage-collectible, awaiting
	// reactivation), as opposed to the active tree.
	InIdleTree bool

	// VStart and VFinish are virtual timestamps in the parent's service
	// tree; VFinish = VStart + Budget/Weight.
	VStart  float64
	VFinish float64

	// Budget is the sectors this activation may serve before expiring.
	// Service is the sectors charged so far against Budget.
	Budget  int64
	Service int64

	// savedStart/savedFinish record the timestamps this entity had the
	// last time it was selected into service, used by the weight-raising
	// hole-recovery back-shift on reactivation.
	savedStart  float64
	savedFinish float64
	hasSaved    bool

	// node is the entity's slot in whichever augmented tree (active or
	// idle) currently holds it, or nil when not on a tree.
	node *vnode

	Queue *Queue // non-nil iff Kind == KindQueue
	Group *Group // non-nil iff Kind == KindGroup
}

// effectiveWeight is Weight, kept as a distinct accessor so callers read
// intent rather than a bare field.
func (e *Entity) effectiveWeight() int64 {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}

// budgetLeft returns the sectors remaining in the current activation.
func (e *Entity) budgetLeft() int64 {
	left := e.Budget - e.Service
	if left < 0 {
		return 0
	}
	return left
}

// weightRaised reports whether the entity currently has a boosted weight.
func (e *Entity) weightRaised() bool {
	return e.WrCoeff > 1
}

// saveTimestamps records the entity's current start/finish for later hole
// recovery.
func (e *Entity) saveTimestamps() {
	e.savedStart = e.VStart
	e.savedFinish = e.VFinish
	e.hasSaved = true
}
