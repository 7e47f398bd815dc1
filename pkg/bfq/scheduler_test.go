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

var simT0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler(tweak func(*Tunables), rot Rotational) *Scheduler {
	tn := DefaultTunables()
	tn.PanicOnInvariantViolation = true
	if tweak != nil {
		tweak(&tn)
	}
	return NewScheduler(tn, rot)
}

// checkSchedulerInvariants asserts the cross-cutting invariants that must
// hold after any scheduler event.
func checkSchedulerInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	var busy, wrBusy int
	var sumService, sumBudget int64
	for _, e := range s.arena.slots {
		if e == nil || e.Queue == nil {
			continue
		}
		if e.Queue.State != StateIdle {
			busy++
			if e.WrCoeff > 1 {
				wrBusy++
			}
			sumService += e.Service
			sumBudget += e.Budget
		}
		if e.OnTree && !e.InIdleTree {
			want := e.VStart + float64(e.Budget)/float64(e.effectiveWeight())
			require.InDelta(t, want, e.VFinish, 1e-6)
		}
	}
	require.Equal(t, busy, s.busyQueues, "busy queue count")
	require.Equal(t, wrBusy, s.wrBusyQueues, "weight-raised busy queue count")
	require.LessOrEqual(t, sumService, sumBudget, "aggregate service within aggregate budget")
	require.GreaterOrEqual(t, s.rqInDriver, 0)
	require.GreaterOrEqual(t, s.queued, 0)
	for _, m := range s.burst.members {
		if e := s.arena.Lookup(m); e != nil {
			require.Equal(t, s.burst.parent, e.Parent, "burst member parent")
		}
	}
}

// simDevice drives the scheduler against a simulated device serving one
// sector per microsecond, completing each request before the next
// dispatch.
type simDevice struct {
	t      *testing.T
	s      *Scheduler
	now    time.Time
	served map[EntityID]int64
	order  []EntityID
}

func newSimDevice(t *testing.T, s *Scheduler) *simDevice {
	return &simDevice{t: t, s: s, now: simT0, served: map[EntityID]int64{}}
}

func (d *simDevice) insert(ioc *IOContext, sector, sectors int64, sync bool) *Request {
	rq := &Request{Sector: sector, Sectors: sectors, Sync: sync}
	d.s.SetRequest(ioc, rq, d.now)
	d.s.InsertRequest(rq, d.now)
	return rq
}

// step dispatches and completes one request; false means nothing was
// dispatchable right now.
func (d *simDevice) step() bool {
	rq, ok := d.s.Dispatch(d.now)
	if !ok {
		if d.s.idleArmed {
			// Stand in for the idling timer's fire.
			d.now = d.now.Add(d.s.tunables.SliceIdle)
			d.s.HandleIdleTimerFired(d.now)
			return true
		}
		return false
	}
	owner := rq.queue
	d.served[owner] += rq.Sectors
	d.order = append(d.order, owner)
	d.now = d.now.Add(time.Duration(rq.Sectors) * time.Microsecond)
	d.s.CompletedRequest(rq, d.now)
	d.s.PutRequest(rq)
	return true
}

func (d *simDevice) runUntil(deadline time.Time) {
	for d.now.Before(deadline) {
		if !d.step() {
			return
		}
	}
}

func TestSingleQueueGetsEverything(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.SliceIdle = 0
		tn.LowLatency = false
	}, NonRotational)
	d := newSimDevice(t, s)

	active := s.InitIOContext(ClassBE, 7)
	idle := s.InitIOContext(ClassBE, 1)
	_ = idle

	for i := 0; i < 100; i++ {
		d.insert(active, int64(i)*512, 512, true)
	}
	d.runUntil(simT0.Add(time.Hour))

	q := active.syncQueue
	require.Equal(t, int64(100*512), d.served[q])
	require.Len(t, d.served, 1, "only the active queue is ever served")
	checkSchedulerInvariants(t, s)
}

func TestProportionalShare(t *testing.T) {
	cases := []struct {
		name      string
		wA, wB    int64
		want, tol float64
	}{
		{"equal-weights", 1, 1, 1.0, 0.05},
		{"two-to-one", 2, 1, 2.0, 0.10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestScheduler(func(tn *Tunables) {
				tn.SliceIdle = 0
				tn.LowLatency = false
				tn.MaxBudget = 8192
			}, NonRotational)
			d := newSimDevice(t, s)

			iocA := s.InitIOContext(ClassBE, tc.wA)
			iocB := s.InitIOContext(ClassBE, tc.wB)

			// Two sequential streams far enough apart that the cooperator
			// merger never considers them close.
			for i := 0; i < 4096; i++ {
				d.insert(iocA, int64(i)*512, 512, true)
				d.insert(iocB, int64(1)<<33+int64(i)*512, 512, true)
			}

			d.runUntil(simT0.Add(2 * time.Second))

			servedA := float64(d.served[iocA.syncQueue])
			servedB := float64(d.served[iocB.syncQueue])
			require.NotZero(t, servedB)
			require.InDelta(t, tc.want, servedA/servedB, tc.want*tc.tol)
			checkSchedulerInvariants(t, s)
		})
	}
}

func TestStrictGuaranteesSerializesDevice(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.StrictGuarantees = true
		tn.SliceIdle = 0
		tn.LowLatency = false
	}, NonRotational)
	d := newSimDevice(t, s)

	ioc := s.InitIOContext(ClassBE, 1)
	for i := 0; i < 4; i++ {
		d.insert(ioc, int64(i)*512, 512, true)
	}

	rq1, ok := s.Dispatch(d.now)
	require.True(t, ok)
	require.Equal(t, 1, s.RqInDriver())

	_, ok = s.Dispatch(d.now)
	require.False(t, ok, "a second dispatch is refused while one request is outstanding")
	require.Equal(t, 1, s.RqInDriver())

	d.now = d.now.Add(512 * time.Microsecond)
	s.CompletedRequest(rq1, d.now)
	s.PutRequest(rq1)
	require.Equal(t, 0, s.RqInDriver())

	_, ok = s.Dispatch(d.now)
	require.True(t, ok)
	checkSchedulerInvariants(t, s)
}

func TestInsertRemoveLeavesCountersUnchanged(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.SliceIdle = 0
		tn.LowLatency = false
	}, NonRotational)
	d := newSimDevice(t, s)
	ioc := s.InitIOContext(ClassBE, 1)

	rqB := d.insert(ioc, 8, 8, true)
	d.now = d.now.Add(10 * time.Millisecond)
	rqA := d.insert(ioc, 0, 8, true)

	queued, busy := s.Queued(), s.BusyQueues()

	// Fold rqB away again: counters return to where they were, and rqA
	// inherits rqB's earlier FIFO deadline.
	s.MergedRequests(rqA, rqB, d.now)
	s.PutRequest(rqB)

	require.Equal(t, queued-1, s.Queued())
	require.Equal(t, busy, s.BusyQueues())
	require.Equal(t, simT0.Add(s.tunables.FifoExpireSync), rqA.deadline)
	checkSchedulerInvariants(t, s)
}

func TestInteractiveWeightRaising(t *testing.T) {
	s := newTestScheduler(nil, NonRotational)
	d := newSimDevice(t, s)

	// An async writer is busy in the background; it is not raised because
	// it activates with no other busy queues.
	writer := s.InitIOContext(ClassBE, 1)
	for i := 0; i < 4; i++ {
		d.insert(writer, int64(1)<<32+int64(i)*8, 8, false)
	}
	require.Equal(t, 0, s.WrBusyQueues())

	// A fresh interactive reader issues 8 sync 4-KiB reads.
	reader := s.InitIOContext(ClassBE, 1)
	for i := 0; i < 8; i++ {
		d.insert(reader, int64(i)*8, 8, true)
	}

	re := s.arena.Lookup(reader.syncQueue)
	require.NotNil(t, re)
	require.Equal(t, int64(30), re.WrCoeff)
	require.GreaterOrEqual(t, re.Queue.wrDuration, 3*time.Second)
	require.LessOrEqual(t, re.Queue.wrDuration, 13*time.Second)

	// All 8 reads are dispatched before the writer gets another turn.
	for i := 0; i < 8; i++ {
		require.True(t, d.step())
	}
	require.Len(t, d.order, 8)
	for _, owner := range d.order {
		require.Equal(t, reader.syncQueue, owner)
	}
	checkSchedulerInvariants(t, s)
}

func TestLargeBurstDeniesRaising(t *testing.T) {
	s := newTestScheduler(nil, NonRotational)
	d := newSimDevice(t, s)

	// Nine processes fork within the burst interval; the threshold is 8.
	iocs := make([]*IOContext, 9)
	rqs := make([]*Request, 9)
	for i := range iocs {
		iocs[i] = s.InitIOContext(ClassBE, 1)
		rqs[i] = &Request{Sector: int64(i) << 24, Sectors: 8, Sync: true}
		s.SetRequest(iocs[i], rqs[i], d.now)
		d.now = d.now.Add(10 * time.Millisecond)

		flagged := 0
		for _, ioc := range iocs[:i+1] {
			if e := s.arena.Lookup(ioc.syncQueue); e != nil && e.Queue.InLargeBurst {
				flagged++
			}
		}
		if i < 7 {
			require.Zero(t, flagged, "below the threshold nothing is flagged")
		} else {
			require.Equal(t, i+1, flagged, "at and past the threshold everyone is flagged")
		}
	}

	// None of them is raised on its first busy transition.
	for i, ioc := range iocs {
		s.InsertRequest(rqs[i], d.now)
		e := s.arena.Lookup(ioc.syncQueue)
		require.Equal(t, int64(1), e.WrCoeff)
	}
	require.Equal(t, 0, s.WrBusyQueues())
	checkSchedulerInvariants(t, s)
}

func TestForcedDispatchDrainsEverything(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.SliceIdle = 0
		tn.LowLatency = false
	}, NonRotational)
	d := newSimDevice(t, s)

	iocA := s.InitIOContext(ClassBE, 1)
	iocB := s.InitIOContext(ClassBE, 1)
	for i := 0; i < 5; i++ {
		d.insert(iocA, int64(i)*512, 512, true)
		d.insert(iocB, int64(1)<<33+int64(i)*512, 512, true)
	}

	drained := s.ForcedDispatch()
	require.Len(t, drained, 10)
	require.Equal(t, 0, s.Queued())
	require.Equal(t, 0, s.BusyQueues())
	require.Equal(t, EntityID(0), s.InService())
	for _, rq := range drained {
		s.PutRequest(rq)
	}
	checkSchedulerInvariants(t, s)
}

func TestPreemptionByRaisedQueue(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.SliceIdle = 0
	}, NonRotational)
	d := newSimDevice(t, s)

	// A long-running, no-longer-raised stream occupies the device.
	old := s.InitIOContext(ClassBE, 1)
	for i := 0; i < 64; i++ {
		d.insert(old, int64(i)*512, 512, true)
	}
	oldQ := old.syncQueue
	// End its raise directly.
	s.mu.Lock()
	oe := s.entity(oldQ)
	s.endWeightRaising(oe, oe.Queue, d.now, true)
	s.mu.Unlock()

	require.True(t, d.step())
	require.Equal(t, oldQ, s.InService())

	// A fresh interactive queue arrives and preempts.
	newcomer := s.InitIOContext(ClassBE, 1)
	d.insert(newcomer, int64(1)<<33, 8, true)
	require.NotEqual(t, oldQ, s.InService())

	require.True(t, d.step())
	require.Equal(t, newcomer.syncQueue, d.order[len(d.order)-1])
	checkSchedulerInvariants(t, s)
}

func TestMayQueue(t *testing.T) {
	s := newTestScheduler(nil, IsRotational)
	d := newSimDevice(t, s)

	ioc := s.InitIOContext(ClassBE, 1)
	d.insert(ioc, 0, 8, true)
	require.True(t, d.step())

	// The queue drained and the device is idling on its behalf.
	require.Equal(t, StateWaiting, s.arena.Lookup(ioc.syncQueue).Queue.State)
	require.Equal(t, PermissionMust, s.MayQueue(ioc, true))

	other := s.InitIOContext(ClassBE, 1)
	require.Equal(t, PermissionMay, s.MayQueue(other, true))
}

func TestExitIOContextReleasesIdleQueue(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.SliceIdle = 0
		tn.LowLatency = false
	}, NonRotational)
	d := newSimDevice(t, s)

	ioc := s.InitIOContext(ClassBE, 1)
	d.insert(ioc, 0, 8, true)
	id := ioc.syncQueue
	require.True(t, d.step())

	require.NotNil(t, s.arena.Lookup(id))
	s.ExitIOContext(ioc)
	require.Nil(t, s.arena.Lookup(id), "queue slot recycled once idle and unreferenced")
	checkSchedulerInvariants(t, s)
}
