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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newMergeScheduler() *Scheduler {
	tn := DefaultTunables()
	tn.PanicOnInvariantViolation = true
	tn.LowLatency = false
	tn.SliceIdle = 0
	return NewScheduler(tn, NonRotational)
}

func TestCooperatorMergeAndRouting(t *testing.T) {
	s := newMergeScheduler()
	d := newSimDevice(t, s)

	iocB := s.InitIOContext(ClassBE, 1)
	d.insert(iocB, 1004, 8, true)
	qB := iocB.syncQueue

	iocA := s.InitIOContext(ClassBE, 1)
	rqA := &Request{Sector: 1000, Sectors: 4, Sync: true}
	s.SetRequest(iocA, rqA, d.now)
	qA := iocA.syncQueue
	require.NotEqual(t, qB, qA)

	// The insert lands within the close threshold of qB and merges into it.
	s.InsertRequest(rqA, d.now)
	require.Equal(t, qB, rqA.queue)
	require.True(t, s.arena.Lookup(qB).Queue.Coop)
	require.True(t, iocA.hasSaved)

	// The process pointer now resolves through the redirect chain to qB.
	require.Equal(t, qB, s.QueueFor(iocA, true))

	// Subsequent requests from A bind straight to qB.
	rqA2 := &Request{Sector: 1012, Sectors: 4, Sync: true}
	s.SetRequest(iocA, rqA2, d.now)
	require.Equal(t, qB, rqA2.queue)
	require.Equal(t, 2, s.arena.Lookup(qB).Queue.ProcessRefs)

	s.InsertRequest(rqA2, d.now)
	checkSchedulerInvariants(t, s)
}

func TestCooperatorSplitRestoresState(t *testing.T) {
	s := newMergeScheduler()
	d := newSimDevice(t, s)

	iocB := s.InitIOContext(ClassBE, 1)
	d.insert(iocB, 1004, 8, true)
	qB := iocB.syncQueue

	iocA := s.InitIOContext(ClassBE, 1)
	rqA := &Request{Sector: 1000, Sectors: 4, Sync: true}
	s.SetRequest(iocA, rqA, d.now)
	qA := iocA.syncQueue

	// Give A's queue distinctive state to survive the round trip.
	ae := s.arena.Lookup(qA)
	ae.Queue.IdleWindow = true
	ae.Queue.IOBound = true
	wasInBurst := ae.Queue.inBurstList

	s.InsertRequest(rqA, d.now)
	require.Equal(t, qB, s.QueueFor(iocA, true))

	saved := iocA.saved
	require.True(t, saved.idleWindow)
	require.True(t, saved.ioBound)
	require.Equal(t, wasInBurst, saved.wasInBurst)

	// The shared queue drifts seeky; A's next request splits back out.
	s.arena.Lookup(qB).Queue.seekHistory = 0xffffffff
	rqA2 := &Request{Sector: 1, Sectors: 4, Sync: true}
	s.SetRequest(iocA, rqA2, d.now.Add(200*time.Millisecond))

	split := iocA.syncQueue
	require.NotEqual(t, qB, split)
	se := s.arena.Lookup(split)
	require.True(t, se.Queue.SplitCoop)
	require.True(t, se.Queue.IdleWindow, "idle window restored")
	require.True(t, se.Queue.IOBound, "IO-bound flag restored")
	require.Equal(t, wasInBurst, se.Queue.inBurstList, "burst membership restored")
	require.Equal(t, se.OrigWeight, se.Weight, "weight back to original")
	require.False(t, iocA.hasSaved)
	require.False(t, s.arena.Lookup(qB).Queue.Coop)

	s.InsertRequest(rqA2, d.now.Add(200*time.Millisecond))
	checkSchedulerInvariants(t, s)
}

func TestMergeRefusedForSeekyOrAsync(t *testing.T) {
	s := newMergeScheduler()
	now := simT0

	mk := func(sync bool) (*Entity, *IOContext) {
		ioc := s.InitIOContext(ClassBE, 1)
		rq := &Request{Sector: 0, Sectors: 8, Sync: sync}
		s.SetRequest(ioc, rq, now)
		id := ioc.syncQueue
		if !sync {
			id = ioc.asyncQueue
		}
		return s.arena.Lookup(id), ioc
	}

	ea, _ := mk(true)
	eb, _ := mk(true)
	require.True(t, s.mergeEligible(ea, eb, now))

	eb.Queue.seekHistory = 0xffffffff
	require.False(t, s.mergeEligible(ea, eb, now), "seeky partner refused")
	eb.Queue.seekHistory = 0

	ec, _ := mk(false)
	require.False(t, s.mergeEligible(ea, ec, now), "async partner refused")

	// A partner that started raising moments ago is refused until the
	// block window passes.
	eb.Queue.wrStartTime = now.Add(-50 * time.Millisecond)
	require.False(t, s.mergeEligible(ea, eb, now))
	require.True(t, s.mergeEligible(ea, eb, now.Add(100*time.Millisecond)))
}

func TestResolveCooperatorBreaksCycles(t *testing.T) {
	s := newMergeScheduler()
	now := simT0

	iocA := s.InitIOContext(ClassBE, 1)
	s.SetRequest(iocA, &Request{Sector: 0, Sectors: 8, Sync: true}, now)
	iocB := s.InitIOContext(ClassBE, 1)
	s.SetRequest(iocB, &Request{Sector: 64, Sectors: 8, Sync: true}, now)

	qA, qB := iocA.syncQueue, iocB.syncQueue
	s.arena.Lookup(qA).Queue.newBfqq = qB
	s.arena.Lookup(qB).Queue.newBfqq = qA

	// A malformed cycle terminates rather than spinning.
	got := s.resolveCooperator(qA)
	require.Contains(t, []EntityID{qA, qB}, got)
}
