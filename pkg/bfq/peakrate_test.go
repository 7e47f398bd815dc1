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

var rateT0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// driveSequential feeds back-to-back sequential dispatches at one sector
// per microsecond, the canonical fast-device profile.
func driveSequential(p *peakRateEstimator, start time.Time, total time.Duration, reqSectors int64) time.Time {
	now := start
	var sector int64
	for now.Sub(start) < total {
		p.onDispatch(now, sector, reqSectors, true)
		sector += reqSectors
		now = now.Add(time.Duration(reqSectors) * time.Microsecond)
	}
	return now
}

func TestPeakRateEstimateFastDevice(t *testing.T) {
	p := newPeakRateEstimator(NonRotational)
	driveSequential(p, rateT0, 1100*time.Millisecond, 512)

	// One window closed, at one sector/usec in fixed-point terms.
	require.NotZero(t, p.peakRate)
	require.InDelta(t, float64(int64(1)<<rateShift), float64(p.peakRate), float64(int64(1)<<rateShift)*0.05)
	require.Equal(t, SpeedFast, p.speed)

	// The window reset right after the single update; the tail past the
	// one-second mark started a fresh window that never closed.
	require.GreaterOrEqual(t, p.windowStart.Sub(rateT0), rateRefInterval)
}

func TestPeakRateAutoBudget(t *testing.T) {
	tn := DefaultTunables()
	tn.PanicOnInvariantViolation = true
	s := NewScheduler(tn, NonRotational)
	s.rate.peakRate = 1 << rateShift // one sector/usec

	// The auto budget is what the device can serve in one sync timeout.
	require.Equal(t, tn.TimeoutSync.Microseconds(), s.MaxBudget())
}

func TestPeakRateRejectsImplausible(t *testing.T) {
	p := newPeakRateEstimator(NonRotational)
	now := rateT0
	// Absurd bandwidth: a billion sectors per dispatch, back to back.
	for i := 0; i < rateMinSamples+1; i++ {
		p.onDispatch(now, int64(i)<<30, 1<<30, true)
		now = now.Add(35 * time.Millisecond)
	}
	require.Zero(t, p.peakRate, "implausibly high bandwidth is discarded")
}

func TestPeakRateCompletionReset(t *testing.T) {
	p := newPeakRateEstimator(NonRotational)
	driveSequential(p, rateT0, 100*time.Millisecond, 512)
	require.NotZero(t, p.samples)

	// A completion so late the implied rate collapses discards the window.
	p.onCompletion(rateT0.Add(10*time.Second), 512)
	require.Zero(t, p.samples)
	require.Zero(t, p.sectors)
}

func TestReferencePairMatchesClassification(t *testing.T) {
	p := newPeakRateEstimator(IsRotational)
	p.speed = SpeedSlow
	rSlow, tSlow := p.referencePair()
	p.speed = SpeedFast
	rFast, tFast := p.referencePair()
	require.Equal(t, int64(1000), rSlow)
	require.Equal(t, int64(14000), rFast)
	require.Equal(t, 3500*time.Millisecond, tSlow)
	require.Equal(t, 7000*time.Millisecond, tFast)

	q := newPeakRateEstimator(NonRotational)
	q.speed = SpeedSlow
	nrSlow, ntSlow := q.referencePair()
	q.speed = SpeedFast
	nrFast, ntFast := q.referencePair()
	require.Equal(t, int64(10700), nrSlow)
	require.Equal(t, int64(33000), nrFast)
	require.Equal(t, 1000*time.Millisecond, ntSlow)
	require.Equal(t, 2500*time.Millisecond, ntFast)
}

func TestSpeedClassThresholds(t *testing.T) {
	rates := getReferenceRates()
	// Thresholds sit at 4/3 of the slow reference rate, biased toward
	// classifying devices fast.
	require.Equal(t, int64(4*10700/3), rates.thresh[0])
	require.Equal(t, int64(4*1000/3), rates.thresh[1])

	p := newPeakRateEstimator(IsRotational)
	p.peakRate = 1340
	p.reclassify()
	require.Equal(t, SpeedFast, p.speed)
	p.peakRate = 1200
	p.reclassify()
	require.Equal(t, SpeedSlow, p.speed)
}
