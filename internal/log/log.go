// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package log provides the severity-levelled, printf-style logging surface
// the scheduler uses for its own diagnostics (queue creation, expiration
// reasons, weight-raising transitions, invariant violations). It mirrors the
// Infof/Warningf/Errorf/Fatalf vocabulary of pkg/util/log, backed here by
// zap instead of the monorepo-internal file/fluentd sinks.
package log

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

var base = newBase()

func newBase() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l
}

// SetOutput replaces the package-level logger, e.g. with zaptest.NewLogger
// in tests that want captured output.
func SetOutput(l *zap.Logger) {
	base = l
}

// Infof logs at info severity.
func Infof(ctx context.Context, format string, args ...interface{}) {
	base.Info(fmt.Sprintf(format, args...))
}

// Warningf logs at warning severity.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	base.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs at error severity.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	base.Error(fmt.Sprintf(format, args...))
}

// Fatalf logs at fatal severity and then terminates the process. Reserved
// for conditions the caller has already decided are unrecoverable.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	base.Fatal(fmt.Sprintf(format, args...))
}

// VEventf logs a verbose, trace-level event. The verbosity level is
// currently advisory only; this module has no per-file verbosity
// configuration surface.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	base.Debug(fmt.Sprintf(format, args...), zap.Int32("verbosity", level))
}
