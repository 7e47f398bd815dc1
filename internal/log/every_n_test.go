// Copyright 2017 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEveryN(t *testing.T) {
	e := Every(time.Hour)
	require.True(t, e.ShouldLog())
	require.False(t, e.ShouldLog(), "second call within the period is suppressed")

	e.lastSeen = time.Now().Add(-2 * time.Hour)
	require.True(t, e.ShouldLog())
}
