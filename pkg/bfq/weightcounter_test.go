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

	"github.com/stretchr/testify/require"
)

func TestWeightCounter(t *testing.T) {
	w := newWeightCounter()
	require.False(t, w.Differentiated())

	w.Add(5)
	w.Add(5)
	w.Add(5)
	require.False(t, w.Differentiated())

	w.Add(7)
	require.True(t, w.Differentiated())

	w.Remove(7)
	require.False(t, w.Differentiated())

	w.Remove(5)
	w.Remove(5)
	w.Remove(5)
	require.Equal(t, 0, w.distinct)

	// Removing an absent weight is a no-op, not a panic.
	w.Remove(11)
	require.Equal(t, 0, w.distinct)
}
