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

import "math/rand"

// vnode is a node of the augmented treap backing a service tree. It is
// keyed by VFinish (ties broken by VStart, then by priority class, then by a
// monotonic insertion sequence for FIFO tie-break on equal timestamps) and
// augmented with
// minVStart, the minimum VStart over its subtree.
//
// google/btree's Item interface has no per-node augmentation hook in the
// version this module pins, so this tree is purpose-built rather than
// layered on the library multiset used elsewhere (weightcounter, position
// tree).
type vnode struct {
	left, right *vnode
	priority    uint32

	entity *Entity
	seq    uint64

	// minVStart is min(entity.VStart, left.minVStart, right.minVStart).
	minVStart float64
}

func (n *vnode) less(other *vnode) bool {
	if n.entity.VFinish != other.entity.VFinish {
		return n.entity.VFinish < other.entity.VFinish
	}
	if n.entity.VStart != other.entity.VStart {
		return n.entity.VStart < other.entity.VStart
	}
	if n.entity.Class != other.entity.Class {
		return n.entity.Class < other.entity.Class
	}
	return n.seq < other.seq
}

func (n *vnode) pull() {
	min := n.entity.VStart
	if n.left != nil && n.left.minVStart < min {
		min = n.left.minVStart
	}
	if n.right != nil && n.right.minVStart < min {
		min = n.right.minVStart
	}
	n.minVStart = min
}

// vtree is a treap ordered by vnode.less, i.e. primarily by VFinish.
type vtree struct {
	root *vnode
	size int
	seq  uint64
}

func merge(left, right *vnode) *vnode {
	if left == nil {
		return right
	}
	if right == nil {
		return left
	}
	if left.priority > right.priority {
		left.right = merge(left.right, right)
		left.pull()
		return left
	}
	right.left = merge(left, right.left)
	right.pull()
	return right
}

// split partitions t into (<pivot, >=pivot) by the tree order.
func split(t *vnode, pivot *vnode) (*vnode, *vnode) {
	if t == nil {
		return nil, nil
	}
	if t.less(pivot) {
		l, r := split(t.right, pivot)
		t.right = l
		t.pull()
		return t, r
	}
	l, r := split(t.left, pivot)
	t.left = r
	t.pull()
	return l, t
}

// insert adds e to the tree and returns the node backing it.
func (t *vtree) insert(e *Entity) *vnode {
	t.seq++
	n := &vnode{entity: e, priority: rand.Uint32(), seq: t.seq}
	n.pull()
	l, r := split(t.root, n)
	t.root = merge(merge(l, n), r)
	t.size++
	return n
}

// remove deletes n from the tree. n must currently be in this tree.
func (t *vtree) remove(n *vnode) {
	t.root = removeNode(t.root, n)
	t.size--
}

func removeNode(t *vnode, target *vnode) *vnode {
	if t == nil {
		return nil
	}
	if t == target {
		return merge(t.left, t.right)
	}
	if target.less(t) {
		t.left = removeNode(t.left, target)
	} else {
		t.right = removeNode(t.right, target)
	}
	t.pull()
	return t
}

// minEligible returns the node with the smallest VFinish among all nodes
// whose VStart is <= vtime, or nil if none qualify. The minVStart cache
// lets it prune entire subtrees that cannot contain an eligible entity.
func (t *vtree) minEligible(vtime float64) *vnode {
	return searchEligible(t.root, vtime)
}

func searchEligible(n *vnode, vtime float64) *vnode {
	if n == nil || n.minVStart > vtime {
		return nil
	}
	if n.left != nil && n.left.minVStart <= vtime {
		if cand := searchEligible(n.left, vtime); cand != nil {
			return cand
		}
	}
	if n.entity.VStart <= vtime {
		return n
	}
	return searchEligible(n.right, vtime)
}

// min returns the node with the smallest VFinish in the tree, ignoring
// eligibility. Used by the idle tree, where eligibility does not apply.
func (t *vtree) min() *vnode {
	n := t.root
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// forEach visits every node in ascending VFinish order.
func (t *vtree) forEach(f func(*vnode)) {
	var walk func(*vnode)
	walk = func(n *vnode) {
		if n == nil {
			return
		}
		walk(n.left)
		f(n)
		walk(n.right)
	}
	walk(t.root)
}
