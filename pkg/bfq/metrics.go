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

import "github.com/iosched/bfq/internal/metric"

var (
	busyQueuesMeta = metric.Metadata{
		Name: "bfq.busy_queues",
		Help: "Number of queues currently holding at least one pending request",
		Unit: "Queues",
	}
	wrBusyQueuesMeta = metric.Metadata{
		Name: "bfq.wr_busy_queues",
		Help: "Number of busy queues currently weight-raised",
		Unit: "Queues",
	}
	rqInDriverMeta = metric.Metadata{
		Name: "bfq.rq_in_driver",
		Help: "Requests currently outstanding at the device",
		Unit: "Requests",
	}
	queuedMeta = metric.Metadata{
		Name: "bfq.queued",
		Help: "Requests currently queued but not yet dispatched",
		Unit: "Requests",
	}
	peakRateMeta = metric.Metadata{
		Name: "bfq.peak_rate",
		Help: "Estimated device peak rate, in sectors/usec shifted by 16",
		Unit: "Rate",
	}
	expirationsMeta = metric.Metadata{
		Name: "bfq.expirations",
		Help: "Total number of in-service queue expirations",
		Unit: "Count",
	}
)

// Metrics bundles the scheduler's transient stats for registration against
// an internal/metric.Registry.
type Metrics struct {
	BusyQueues   *metric.Gauge
	WrBusyQueues *metric.Gauge
	RqInDriver   *metric.Gauge
	Queued       *metric.Gauge
	PeakRate     *metric.Gauge
	Expirations  *metric.Counter
}

func (Metrics) MetricStruct() {}

func newMetrics() *Metrics {
	return &Metrics{
		BusyQueues:   metric.NewGauge(busyQueuesMeta),
		WrBusyQueues: metric.NewGauge(wrBusyQueuesMeta),
		RqInDriver:   metric.NewGauge(rqInDriverMeta),
		Queued:       metric.NewGauge(queuedMeta),
		PeakRate:     metric.NewGauge(peakRateMeta),
		Expirations:  metric.NewCounter(expirationsMeta),
	}
}
