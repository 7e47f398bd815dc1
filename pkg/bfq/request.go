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

// Request is a block-layer request descriptor as seen by the scheduler.
// Allocation, the FIFO list, and dispatch-list hand-off live in the block
// layer; the scheduler only ever holds requests it has been given a
// pointer to.
type Request struct {
	// Sector is the starting sector this request targets.
	Sector int64
	// Sectors is the request's length in sectors.
	Sectors int64
	// Sync marks a synchronous (as opposed to async/write-back) request.
	Sync bool

	deadline time.Time
	queue    EntityID
	ioc      *IOContext
}

// requestIndex is a queue's sector-sorted index plus FIFO deadline list.
// It backs head-proximity selection, deadline scanning, and the position
// updates feeding cooperator lookup.
type requestIndex struct {
	bySector []*Request // kept sorted by Sector; small-N insertion sort is fine at BFQ's per-queue depths
	fifo     []*Request // insertion order, for FIFO-expire scanning
}

func (ri *requestIndex) insert(rq *Request) {
	i := 0
	for i < len(ri.bySector) && ri.bySector[i].Sector < rq.Sector {
		i++
	}
	ri.bySector = append(ri.bySector, nil)
	copy(ri.bySector[i+1:], ri.bySector[i:])
	ri.bySector[i] = rq
	ri.fifo = append(ri.fifo, rq)
}

func (ri *requestIndex) remove(rq *Request) bool {
	for i, r := range ri.bySector {
		if r == rq {
			ri.bySector = append(ri.bySector[:i], ri.bySector[i+1:]...)
			break
		}
	}
	for i, r := range ri.fifo {
		if r == rq {
			ri.fifo = append(ri.fifo[:i], ri.fifo[i+1:]...)
			return true
		}
	}
	return false
}

// resort restores sector order after rq's start sector moved (front
// merge); the FIFO position is untouched, since a merge does not change
// when the request was promised.
func (ri *requestIndex) resort(rq *Request) {
	for i, r := range ri.bySector {
		if r == rq {
			ri.bySector = append(ri.bySector[:i], ri.bySector[i+1:]...)
			break
		}
	}
	i := 0
	for i < len(ri.bySector) && ri.bySector[i].Sector < rq.Sector {
		i++
	}
	ri.bySector = append(ri.bySector, nil)
	copy(ri.bySector[i+1:], ri.bySector[i:])
	ri.bySector[i] = rq
}

func (ri *requestIndex) len() int { return len(ri.fifo) }

func (ri *requestIndex) expiredFIFO(now time.Time) *Request {
	if len(ri.fifo) == 0 {
		return nil
	}
	if head := ri.fifo[0]; now.After(head.deadline) {
		return head
	}
	return nil
}

// nextFromSector picks the next request by head proximity: the request
// whose sector is closest to last, with a backward seek scaled by
// backSeekPenalty and disallowed past backSeekMax.
func (ri *requestIndex) nextFromSector(last int64, backSeekMax, backSeekPenalty int64) *Request {
	if len(ri.bySector) == 0 {
		return nil
	}
	// Binary search for the first sector >= last.
	lo, hi := 0, len(ri.bySector)
	for lo < hi {
		mid := (lo + hi) / 2
		if ri.bySector[mid].Sector < last {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	var fwd, back *Request
	if lo < len(ri.bySector) {
		fwd = ri.bySector[lo]
	}
	if lo > 0 {
		back = ri.bySector[lo-1]
	}
	switch {
	case fwd == nil && back == nil:
		return nil
	case fwd == nil:
		return back
	case back == nil:
		return fwd
	}
	fwdDist := fwd.Sector - last
	backDist := last - back.Sector
	if backDist > backSeekMax {
		return fwd
	}
	if fwdDist <= backDist*backSeekPenalty {
		return fwd
	}
	return back
}

func sdist(last, sector int64) int64 {
	if sector >= last {
		return sector - last
	}
	return last - sector
}
