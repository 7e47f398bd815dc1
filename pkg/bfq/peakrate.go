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
	"sync"
	"time"
)

const (
	rateMinSamples  = 32
	rateMinInterval = 300 * time.Millisecond
	rateRefInterval = time.Second
	rateShift       = 16
	maxPlausibleBW  = 20 << rateShift // 20M sectors/s, implausibly-high rejection threshold
	minViableRate   = 1_000_000       // sectors/s, below which a delayed completion resets the window
)

// referenceRates holds the reference (R, T) pairs keyed by
// [rotational/non-rotational][slow/fast]. They are computed once and
// frozen.
type referenceRates struct {
	r      [2][2]int64         // [rotational][speed] sectors/usec, shifted by rateShift
	t      [2][2]time.Duration // [rotational][speed]
	thresh [2]int64            // [rotational] speed-class threshold
}

var refRatesOnce sync.Once
var refRates referenceRates

func getReferenceRates() *referenceRates {
	refRatesOnce.Do(func() {
		// Reference rates in sectors/usec, left-shifted by rateShift.
		// Index 0 is non-rotational, index 1 rotational, matching the
		// estimator's rot index. The rates are deliberately a bit below
		// the real devices' peaks, because the estimator itself tends to
		// undershoot.
		rSlow := [2]int64{10700, 1000}
		rFast := [2]int64{33000, 14000}
		tSlow := [2]time.Duration{1000 * time.Millisecond, 3500 * time.Millisecond}
		tFast := [2]time.Duration{2500 * time.Millisecond, 7000 * time.Millisecond}
		for rot := 0; rot < 2; rot++ {
			refRates.r[rot][0] = rSlow[rot]
			refRates.r[rot][1] = rFast[rot]
			refRates.t[rot][0] = tSlow[rot]
			refRates.t[rot][1] = tFast[rot]
			// Biased toward the fast class: wrongly classifying a device
			// slow shortens weight-raising periods, which hurts more than
			// the opposite mistake lengthening them.
			refRates.thresh[rot] = (4 * rSlow[rot]) / 3
		}
	})
	return &refRates
}

// peakRateEstimator maintains an EWMA of observed dispatch bandwidth.
type peakRateEstimator struct {
	windowStart    time.Time
	samples        int
	seqSamples     int
	sectors        int64
	lastPos        int64
	lastDispatch   time.Time
	lastCompletion time.Time

	peakRate int64 // sectors/usec, shifted by rateShift
	speed    DeviceSpeed
	rot      Rotational
}

func newPeakRateEstimator(rot Rotational) *peakRateEstimator {
	return &peakRateEstimator{rot: rot}
}

// onDispatch accumulates one sample.
func (p *peakRateEstimator) onDispatch(now time.Time, sector, sectors int64, driverBusy bool) {
	if p.samples == 0 {
		p.windowStart = now
	}
	p.samples++
	seq := sdist(p.lastPos, sector) < seekThresholdSectors &&
		(driverBusy || (!p.lastCompletion.IsZero() && now.Sub(p.lastCompletion) < minThinkTime))
	if seq {
		p.seqSamples++
	}
	p.sectors += sectors
	p.lastPos = sector + sectors
	p.lastDispatch = now

	elapsed := now.Sub(p.windowStart)
	if elapsed >= rateRefInterval && p.samples >= rateMinSamples {
		p.update(elapsed)
	}
}

// onCompletion implements the completion-driven reset: if a completion is
// delayed so much that the implied rate is below minViableRate, the window
// is discarded and restarted.
func (p *peakRateEstimator) onCompletion(now time.Time, sectorsSinceDispatch int64) {
	p.lastCompletion = now
	if sectorsSinceDispatch <= 0 {
		return
	}
	elapsed := now.Sub(p.lastDispatch)
	if elapsed <= 0 {
		return
	}
	impliedRate := sectorsSinceDispatch * int64(time.Second) / int64(elapsed)
	if impliedRate < minViableRate {
		p.reset(now)
	}
}

func (p *peakRateEstimator) reset(now time.Time) {
	p.windowStart = now
	p.samples = 0
	p.seqSamples = 0
	p.sectors = 0
}

func (p *peakRateEstimator) update(elapsed time.Duration) {
	elapsedUs := elapsed.Microseconds()
	if elapsedUs <= 0 {
		p.reset(p.lastDispatch)
		return
	}
	bw := (p.sectors << rateShift) / elapsedUs

	seqFraction := float64(p.seqSamples) / float64(p.samples)
	if seqFraction < 0.75 && bw <= p.peakRate {
		p.reset(p.lastDispatch)
		return
	}
	if bw > maxPlausibleBW {
		p.reset(p.lastDispatch)
		return
	}

	wf := 9 * seqFraction * (float64(elapsedUs) / float64(rateRefInterval.Microseconds()))
	if wf < 0 {
		wf = 0
	}
	if wf > 8 {
		wf = 8
	}
	divisor := 10 - int64(wf)
	if divisor < 2 {
		divisor = 2
	}
	if p.peakRate == 0 {
		p.peakRate = bw
	} else {
		p.peakRate = (p.peakRate*(divisor-1) + bw) / divisor
	}

	p.reclassify()
	p.reset(p.lastDispatch)
}

func (p *peakRateEstimator) reclassify() {
	rot := 0
	if bool(p.rot) {
		rot = 1
	}
	rates := getReferenceRates()
	if p.peakRate >= rates.thresh[rot] {
		p.speed = SpeedFast
	} else {
		p.speed = SpeedSlow
	}
}

// referencePair returns the (R, T) pair matching the device's current
// rotational/speed classification, for sizing weight-raising durations.
func (p *peakRateEstimator) referencePair() (r int64, t time.Duration) {
	rot := 0
	if bool(p.rot) {
		rot = 1
	}
	speed := 0
	if p.speed == SpeedFast {
		speed = 1
	}
	rates := getReferenceRates()
	return rates.r[rot][speed], rates.t[rot][speed]
}
