// Copyright 2024 The Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package bfq implements a proportional-share block-device I/O scheduler
// based on Budget Fair Queueing: a hierarchical variant of WF2Q+ that
// schedules per-process queues and groups on virtual timestamps derived
// from budgets expressed in sectors, supplemented by heuristics for
// interactive/soft-real-time latency, burst detection, and cooperating
// sequential queues.
package bfq

import (
	"time"

	"github.com/iosched/bfq/internal/metric"
	"github.com/iosched/bfq/internal/syncutil"
	"github.com/iosched/bfq/internal/timeutil"
)

// Scheduler is the per-device scheduling root. All public entry points take
// mu for the lifetime of the call; the single per-device lock is the
// serialization boundary with the block layer.
type Scheduler struct {
	mu syncutil.Mutex

	tunables Tunables
	rot      Rotational

	arena *arena
	root  *Group

	inService EntityID // zero means no entity is currently in service

	queueWeights *weightCounter
	groupWeights *weightCounter

	burst burstDetector
	rate  *peakRateEstimator

	busyQueues   int
	wrBusyQueues int
	rqInDriver   int
	queued       int

	idleTimer timeutil.Timer
	idleArmed bool
	idleQueue EntityID

	sliceStart     time.Time
	lastCompletion time.Time

	// hwTag tracks whether the device appears to have internal queueing,
	// inferred from how many requests it keeps in flight at once.
	hwTag         bool
	hwTagSamples  int
	maxRqInDriver int

	metrics *Metrics
}

// NewScheduler constructs a Scheduler for one device. rot indicates whether
// the device is rotational, feeding both the idling heuristics and the
// peak-rate reference table.
func NewScheduler(tunables Tunables, rot Rotational) *Scheduler {
	tunables.Validate()
	s := &Scheduler{
		tunables:     tunables,
		rot:          rot,
		arena:        newArena(0),
		queueWeights: newWeightCounter(),
		groupWeights: newWeightCounter(),
		rate:         newPeakRateEstimator(rot),
	}
	s.burst.interval = tunables.BurstInterval
	s.burst.threshold = tunables.LargeBurstThresh
	s.root = newGroup()
	rootEntity := &Entity{Kind: KindGroup, Class: ClassBE, OrigWeight: 1, Weight: 1, WrCoeff: 1}
	id, _ := s.arena.New(rootEntity)
	rootEntity.Group = s.root
	s.root.Entity = id
	s.newOOMQueue()
	s.metrics = newMetrics()
	return s
}

// newOOMQueue pre-allocates the fallback queue handed out when the arena's
// soft capacity is exhausted. It never participates in burst detection,
// cooperation, or weight raising, and it ignores priority changes for its
// whole lifetime.
func (s *Scheduler) newOOMQueue() {
	q := &Queue{Sync: true, IsOOM: true, ProcessRefs: 1, maxBudget: defaultMaxBudget}
	e := &Entity{
		Kind:       KindQueue,
		Class:      ClassBE,
		OrigWeight: 1,
		Weight:     1,
		WrCoeff:    1,
		Budget:     defaultMaxBudget,
		Parent:     s.root.Entity,
	}
	s.arena.bind(oomEntityID, e)
	e.Queue = q
	q.Entity = oomEntityID
}

// OOMQueueID returns the identifier of the pre-allocated fallback queue
// used when the arena's soft capacity is exhausted.
func (s *Scheduler) OOMQueueID() EntityID { return oomEntityID }

// RootGroupID returns the identifier of the permanent root group.
func (s *Scheduler) RootGroupID() EntityID { return s.root.Entity }

func (s *Scheduler) now() time.Time { return timeutil.Now() }

// entity resolves id via the arena, reporting an invariant violation if it
// is missing. Every caller within this package is expected to be holding a
// live id it just looked up.
func (s *Scheduler) entity(id EntityID) *Entity {
	e := s.arena.Lookup(id)
	s.checkInvariant(e != nil, "entity %d missing from arena", id)
	return e
}

func (s *Scheduler) groupOf(id EntityID) *Group {
	e := s.entity(id)
	if e == nil || e.Group == nil {
		return s.root
	}
	return e.Group
}

// maxBudgetNow returns the device-wide budget cap currently in effect: the
// configured value when set, otherwise the number of sectors the device can
// serve in one sync timeout at the estimated peak rate, falling back to a
// fixed default before the first estimate lands.
func (s *Scheduler) maxBudgetNow() int64 {
	if s.tunables.MaxBudget > 0 {
		return s.tunables.MaxBudget
	}
	if s.rate.peakRate > 0 {
		b := (s.rate.peakRate * s.tunables.TimeoutSync.Microseconds()) >> rateShift
		if b < minBudget {
			b = minBudget
		}
		return b
	}
	return defaultMaxBudget
}

// MaxBudget reports the device-wide budget cap currently in effect.
func (s *Scheduler) MaxBudget() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBudgetNow()
}

// noteBusy and noteIdle maintain the busy-queue counters on a queue's
// idle<->busy transitions. A queue counts as busy from its first pending
// request until it is expired empty, including while it is in service
// waiting for a new request.
func (s *Scheduler) noteBusy(e *Entity) {
	s.busyQueues++
	if e.weightRaised() {
		s.wrBusyQueues++
	}
	s.metrics.BusyQueues.Inc()
	s.metrics.WrBusyQueues.Update(float64(s.wrBusyQueues))
}

func (s *Scheduler) noteIdle(e *Entity) {
	s.busyQueues--
	if e.weightRaised() {
		s.wrBusyQueues--
	}
	s.checkInvariant(s.busyQueues >= 0, "busy queue count went negative")
	s.metrics.BusyQueues.Dec()
	s.metrics.WrBusyQueues.Update(float64(s.wrBusyQueues))
}

// BusyQueues reports the number of queues currently holding at least one
// pending request (or in service awaiting one).
func (s *Scheduler) BusyQueues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyQueues
}

// WrBusyQueues reports how many busy queues are currently weight-raised.
func (s *Scheduler) WrBusyQueues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrBusyQueues
}

// RqInDriver reports the number of requests outstanding at the device.
func (s *Scheduler) RqInDriver() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rqInDriver
}

// Queued reports the number of requests queued but not yet dispatched.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// InService reports the entity currently in service, or zero if none.
func (s *Scheduler) InService() EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inService
}

// PeakRate reports the current peak-rate estimate in sectors/usec, left
// shifted by the estimator's fixed-point shift.
func (s *Scheduler) PeakRate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate.peakRate
}

// DeviceSpeedClass reports the estimator's current fast/slow classification.
func (s *Scheduler) DeviceSpeedClass() DeviceSpeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate.speed
}

// Metrics returns the scheduler's metric bundle for registration against a
// *metric.Registry.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// RegisterMetrics registers every scheduler metric against reg.
func (s *Scheduler) RegisterMetrics(reg *metric.Registry) {
	reg.AddMetric(s.metrics.BusyQueues.Collector())
	reg.AddMetric(s.metrics.WrBusyQueues.Collector())
	reg.AddMetric(s.metrics.RqInDriver.Collector())
	reg.AddMetric(s.metrics.Queued.Collector())
	reg.AddMetric(s.metrics.PeakRate.Collector())
	reg.AddMetric(s.metrics.Expirations.Collector())
}
