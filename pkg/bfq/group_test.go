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

func TestGroupHierarchyServesAllChildren(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.SliceIdle = 0
		tn.LowLatency = false
		tn.MaxBudget = 8192
	}, NonRotational)
	d := newSimDevice(t, s)

	gA := s.AddGroup(0, ClassBE, 1)
	gB := s.AddGroup(0, ClassBE, 1)
	require.NotZero(t, gA)
	require.NotZero(t, gB)

	iocA := s.InitIOContext(ClassBE, 1)
	iocA.GroupID = gA
	iocB := s.InitIOContext(ClassBE, 1)
	iocB.GroupID = gB

	for i := 0; i < 512; i++ {
		d.insert(iocA, int64(i)*512, 512, true)
		d.insert(iocB, int64(1)<<33+int64(i)*512, 512, true)
	}

	d.runUntil(simT0.Add(400 * time.Millisecond))

	servedA := float64(d.served[iocA.syncQueue])
	servedB := float64(d.served[iocB.syncQueue])
	require.NotZero(t, servedA)
	require.NotZero(t, servedB)
	require.InDelta(t, 1.0, servedA/servedB, 0.25, "sibling groups of equal weight share service")
	checkSchedulerInvariants(t, s)
}

func TestRemoveGroup(t *testing.T) {
	s := newTestScheduler(func(tn *Tunables) {
		tn.SliceIdle = 0
		tn.LowLatency = false
	}, NonRotational)
	d := newSimDevice(t, s)

	g := s.AddGroup(0, ClassBE, 1)
	ioc := s.InitIOContext(ClassBE, 1)
	ioc.GroupID = g
	d.insert(ioc, 0, 512, true)

	require.ErrorIs(t, s.RemoveGroup(g), ErrQueueBusy)

	// Drain, release the process, then removal succeeds.
	for d.step() {
	}
	s.ExitIOContext(ioc)
	require.NoError(t, s.RemoveGroup(g))
	require.ErrorIs(t, s.RemoveGroup(g), ErrNoSuchEntity)
}
