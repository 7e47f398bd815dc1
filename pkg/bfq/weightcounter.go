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

// weightCounter is a sorted multiset keyed by weight, used to answer "how
// many distinct weights are currently busy" in O(log N) without scanning
// every entity -- the symmetric-scenario check needs exactly this. Backed
// by google/btree.BTree, the shape that library is built for (a total
// order over a scalar key), unlike the service trees' augmented minimum
// query.
type weightCounter struct {
	tree     *btree.BTree
	distinct int
}

type weightCountItem struct {
	weight int64
	count  int
}

func (w weightCountItem) Less(than btree.Item) bool {
	return w.weight < than.(weightCountItem).weight
}

func newWeightCounter() *weightCounter {
	return &weightCounter{tree: btree.New(16)}
}

// Add records one more busy entity at weight.
func (w *weightCounter) Add(weight int64) {
	key := weightCountItem{weight: weight}
	if existing := w.tree.Get(key); existing != nil {
		item := existing.(weightCountItem)
		item.count++
		w.tree.ReplaceOrInsert(item)
		return
	}
	w.tree.ReplaceOrInsert(weightCountItem{weight: weight, count: 1})
	w.distinct++
}

// Remove records that one busy entity at weight is no longer busy.
func (w *weightCounter) Remove(weight int64) {
	key := weightCountItem{weight: weight}
	existing := w.tree.Get(key)
	if existing == nil {
		return
	}
	item := existing.(weightCountItem)
	item.count--
	if item.count <= 0 {
		w.tree.Delete(key)
		w.distinct--
		return
	}
	w.tree.ReplaceOrInsert(item)
}

// Differentiated reports whether more than one distinct weight is
// currently busy.
func (w *weightCounter) Differentiated() bool {
	return w.distinct > 1
}
