// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerFires(t *testing.T) {
	var timer Timer
	timer.Reset(time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerStopBeforeFire(t *testing.T) {
	var timer Timer
	timer.Reset(time.Hour)
	require.True(t, timer.Stop(), "stop should win against a distant deadline")
}

func TestTimerStopAfterFire(t *testing.T) {
	var timer Timer
	timer.Reset(time.Millisecond)
	<-timer.C
	require.False(t, timer.Stop(), "stop must report that it lost the race")
}

func TestTimerStopUnarmed(t *testing.T) {
	var timer Timer
	require.False(t, timer.Stop())
}

func TestTimerReuseAfterStop(t *testing.T) {
	var timer Timer
	timer.Reset(time.Hour)
	timer.Stop()
	timer.Reset(time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(5 * time.Second):
		t.Fatal("reused timer never fired")
	}
}
