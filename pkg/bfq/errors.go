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
	"context"

	"github.com/cockroachdb/errors"

	"github.com/iosched/bfq/internal/log"
)

// ErrNoSuchEntity is returned when an EntityID no longer resolves to a live
// arena slot, e.g. because the entity was already returned to the
// allocator.
var ErrNoSuchEntity = errors.New("bfq: no such entity")

// ErrQueueBusy is returned by operations that require a queue to be idle,
// such as tearing it down while it still has pending requests.
var ErrQueueBusy = errors.New("bfq: queue is still busy")

// checkInvariant always logs an assertion-wrapped error on failure, and
// additionally panics when the scheduler is configured to
// (Tunables.PanicOnInvariantViolation): debug builds want the crash, a
// production embedder wants the log line and a best-effort recovery.
func (s *Scheduler) checkInvariant(cond bool, msg string, args ...interface{}) {
	if cond {
		return
	}
	err := errors.AssertionFailedf(msg, args...)
	log.Errorf(context.Background(), "invariant violation: %+v", err)
	if s.tunables.PanicOnInvariantViolation {
		panic(err)
	}
}
