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

// EntityID is a stable identifier for an Entity, used by every collection
// (service trees, weight-counter trees, the position tree, the burst list,
// cooperator chains) instead of an owning pointer: an entity lives in
// several collections at once, and identifiers keep their lifetimes from
// entangling.
type EntityID int64

// oomEntityID is the identifier reserved for the pre-allocated OOM sentinel
// queue. It is never returned to the free list.
const oomEntityID EntityID = 0

// arena owns every live Entity for one Scheduler and hands out stable
// EntityIDs. Slots freed by Release are recycled. Lookup does not check the
// generation: an EntityID held across a Release resolves to nil until its
// slot is reused, and to the new, unrelated entity after that.
type arena struct {
	slots      []*Entity
	generation []uint32
	free       []EntityID
	// capacity is a soft cap on live entities: once reached, New reports
	// failure and the caller falls back to the OOM sentinel. Zero means
	// unbounded.
	capacity int
	live     int
}

func newArena(capacity int) *arena {
	a := &arena{capacity: capacity}
	// Slot 0 is reserved for the OOM sentinel; it is filled in by
	// Scheduler.newOOMQueue.
	a.slots = append(a.slots, nil)
	a.generation = append(a.generation, 0)
	return a
}

// New allocates a fresh Entity slot. ok is false only when the arena has a
// configured capacity and is at it; the caller must fall back to the OOM
// sentinel queue in that case.
func (a *arena) New(e *Entity) (EntityID, bool) {
	if a.capacity > 0 && a.live >= a.capacity {
		return 0, false
	}
	var id EntityID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		id = EntityID(len(a.slots))
		a.slots = append(a.slots, nil)
		a.generation = append(a.generation, 0)
	}
	e.ID = id
	a.slots[id] = e
	a.live++
	return id, true
}

// bind installs e at a fixed, caller-chosen id (used only for the reserved
// OOM sentinel at id 0).
func (a *arena) bind(id EntityID, e *Entity) {
	e.ID = id
	a.slots[id] = e
	a.live++
}

// Lookup resolves an EntityID to the Entity currently in its slot, or nil if
// the slot is out of range or released and not yet reused.
func (a *arena) Lookup(id EntityID) *Entity {
	if int(id) < 0 || int(id) >= len(a.slots) {
		return nil
	}
	return a.slots[id]
}

// Release returns a slot to the free list. It is a no-op for the reserved
// OOM sentinel.
func (a *arena) Release(id EntityID) {
	if id == oomEntityID {
		return
	}
	if a.Lookup(id) == nil {
		return
	}
	a.slots[id] = nil
	a.generation[id]++
	a.free = append(a.free, id)
	a.live--
}
