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

// Tunables holds every user-visible knob of the scheduler, translated
// from sysfs-style milliseconds/sectors into Go durations and plain
// integers.
type Tunables struct {
	// FifoExpireSync is the deadline for a sync request sitting in the FIFO.
	FifoExpireSync time.Duration
	// FifoExpireAsync is the deadline for an async request sitting in the
	// FIFO.
	FifoExpireAsync time.Duration
	// BackSeekMaxSectors is the maximum backwards seek tolerated before a
	// request is no longer considered for head-proximity selection.
	BackSeekMaxSectors int64
	// BackSeekPenalty multiplies a backwards seek distance before it is
	// compared against a forward distance in request selection.
	BackSeekPenalty int64
	// SliceIdle is the idling window armed when a queue drains but may not
	// be finished.
	SliceIdle time.Duration
	// MaxBudget caps the sectors a queue may be charged per activation. Zero
	// means auto-size from the peak-rate estimate.
	MaxBudget int64
	// TimeoutSync is the per-slice time budget for a sync queue.
	TimeoutSync time.Duration
	// StrictGuarantees serializes the device to at most one outstanding
	// request when true.
	StrictGuarantees bool
	// LowLatency enables weight raising.
	LowLatency bool
	// WrCoeff is the interactive weight-raising multiplier.
	WrCoeff int64
	// WrRTMaxTime bounds the soft-real-time raising window.
	WrRTMaxTime time.Duration
	// WrMinIdleTime is the idle threshold past which a queue is considered
	// interactive on its next busy transition.
	WrMinIdleTime time.Duration
	// WrMinInterArrAsync is the analogous threshold used for async queues.
	WrMinInterArrAsync time.Duration
	// WrMaxSoftRTRate is the sectors/s ceiling below which a queue's
	// bandwidth demand is considered to fit the soft-real-time reference.
	WrMaxSoftRTRate int64
	// WrFromTooLongMs is the window, starting at weight-raising start,
	// during which cooperator merges are refused for the queue.
	WrFromTooLongMs time.Duration
	// SoftRTFactor multiplies WrCoeff for the soft-real-time raising case.
	SoftRTFactor int64
	// BurstInterval bounds how close together two queue creations under the
	// same parent must be to join the same burst.
	BurstInterval time.Duration
	// LargeBurstThresh is the burst-list size at which all listed queues are
	// flagged in_large_burst.
	LargeBurstThresh int
	// CloseThrSectors is the cooperator-merge proximity threshold.
	CloseThrSectors int64
	// PanicOnInvariantViolation controls whether checkInvariant panics (as
	// in a debug build) in addition to logging. Defaults to false so that a
	// library embedder gets the "log and recover" release behavior by
	// default; tests set it to true.
	PanicOnInvariantViolation bool
}

// DefaultTunables returns the reference defaults, translated into this
// package's units.
func DefaultTunables() Tunables {
	return Tunables{
		FifoExpireSync:     250 * time.Millisecond,
		FifoExpireAsync:    125 * time.Millisecond,
		BackSeekMaxSectors: 16384 * 2, // 16384 KiB, in 512-byte sectors
		BackSeekPenalty:    2,
		SliceIdle:          8 * time.Millisecond,
		MaxBudget:          0,
		TimeoutSync:        125 * time.Millisecond,
		StrictGuarantees:   false,
		LowLatency:         true,
		WrCoeff:            30,
		WrRTMaxTime:        300 * time.Millisecond,
		WrMinIdleTime:      2000 * time.Millisecond,
		WrMinInterArrAsync: 500 * time.Millisecond,
		WrMaxSoftRTRate:    7000,
		WrFromTooLongMs:    100 * time.Millisecond,
		SoftRTFactor:       1,
		BurstInterval:      180 * time.Millisecond,
		LargeBurstThresh:   8,
		CloseThrSectors:    8192,
	}
}

// Validate clamps every field to its declared range in place, following the
// "invalid tunable is clamped, not rejected" rule.
func (t *Tunables) Validate() {
	if t.FifoExpireSync <= 0 {
		t.FifoExpireSync = 250 * time.Millisecond
	}
	if t.FifoExpireAsync <= 0 {
		t.FifoExpireAsync = 125 * time.Millisecond
	}
	if t.BackSeekMaxSectors < 0 {
		t.BackSeekMaxSectors = 0
	}
	if t.BackSeekPenalty < 1 {
		t.BackSeekPenalty = 1
	}
	if t.SliceIdle < 0 {
		t.SliceIdle = 0
	}
	if t.MaxBudget < 0 {
		t.MaxBudget = 0
	}
	if t.TimeoutSync <= 0 {
		t.TimeoutSync = 125 * time.Millisecond
	}
	if t.WrCoeff < 1 {
		t.WrCoeff = 1
	}
	if t.WrRTMaxTime < 0 {
		t.WrRTMaxTime = 300 * time.Millisecond
	}
	if t.WrMinIdleTime < 0 {
		t.WrMinIdleTime = 2000 * time.Millisecond
	}
	if t.WrMinInterArrAsync < 0 {
		t.WrMinInterArrAsync = 500 * time.Millisecond
	}
	if t.WrMaxSoftRTRate < 0 {
		t.WrMaxSoftRTRate = 7000
	}
	if t.WrFromTooLongMs < 0 {
		t.WrFromTooLongMs = 100 * time.Millisecond
	}
	if t.SoftRTFactor < 1 {
		t.SoftRTFactor = 1
	}
	if t.BurstInterval < 0 {
		t.BurstInterval = 180 * time.Millisecond
	}
	if t.LargeBurstThresh < 1 {
		t.LargeBurstThresh = 8
	}
	if t.CloseThrSectors < 0 {
		t.CloseThrSectors = 8192
	}
}

const (
	// minBudget is the floor applied when shrinking a budget.
	minBudget = 4 * 1024
	// defaultMaxBudget is the budget cap used before the first peak-rate
	// estimate lands.
	defaultMaxBudget = 16 * 1024
	// asyncChargeFactor scales the sectors charged for an async request.
	asyncChargeFactor = 10
	// seekThresholdSectors bounds the distance below which two requests
	// count as sequential, for both the seek history and the peak-rate
	// estimator.
	seekThresholdSectors = 8 * 100
	// seekyHistoryThreshold is the popcount of the seek-history bit window
	// above which a queue is considered seeky.
	seekyHistoryThreshold = 32 / 8
	// minThinkTime is the completion-to-dispatch gap below which the
	// process is considered to have no think time.
	minThinkTime = 2 * 1_000_000 // nanoseconds
)
