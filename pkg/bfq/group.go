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

import "github.com/google/btree"

// Group is an inner entity: a cgroup-attached scheduling node whose
// children are other entities (queues or nested groups). The root group is
// permanent; every other group is created on cgroup attach and torn down
// on detach.
type Group struct {
	Entity EntityID

	// node composes this group's children (one service tree pair per
	// priority class) into a B-WF2Q+ scheduling node.
	node schedNode

	// asyncQueues holds, per priority class, the shared queue that async
	// requests from different processes at this class coalesce into.
	asyncQueues [numPriorityClasses]EntityID

	// position indexes this group's children by next-request sector, for
	// cooperator lookup.
	position *btree.BTree
}

func newGroup() *Group {
	return &Group{
		position: btree.New(32),
	}
}

// schedNode composes per-priority-class service trees for one level of the
// entity hierarchy.
type schedNode struct {
	trees       [numPriorityClasses]serviceTree
	busyEntries int
}

// serviceTree is an active/idle tree pair with its own system virtual
// time: entities with positive remaining budget wait in active, expired
// entities await reactivation (or garbage collection) in idle.
type serviceTree struct {
	active vtree
	idle   vtree
	vtime  float64
}
