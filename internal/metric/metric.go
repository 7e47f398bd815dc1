// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package metric provides a small Metadata/Gauge/Counter/Registry
// vocabulary for the scheduler's transient stats, backed by prometheus
// client_golang for export.
package metric

import "github.com/prometheus/client_golang/prometheus"

// Metadata holds the fixed, descriptive fields of a metric.
type Metadata struct {
	Name string
	Help string
	Unit string
}

// Gauge is a point-in-time value, such as the number of busy queues or the
// current peak-rate estimate.
type Gauge struct {
	md Metadata
	g  prometheus.Gauge
}

// NewGauge constructs a Gauge from its Metadata.
func NewGauge(md Metadata) *Gauge {
	return &Gauge{
		md: md,
		g: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: sanitize(md.Name),
			Help: md.Help,
		}),
	}
}

// Collector exposes the underlying prometheus.Collector for registration.
func (g *Gauge) Collector() prometheus.Collector { return g.g }

// Update sets the gauge's value.
func (g *Gauge) Update(v float64) { g.g.Set(v) }

// Inc increments the gauge's value by 1.
func (g *Gauge) Inc() { g.g.Inc() }

// Dec decrements the gauge's value by 1.
func (g *Gauge) Dec() { g.g.Dec() }

// Counter is a monotonically increasing value, such as the count of
// expirations by reason.
type Counter struct {
	md Metadata
	c  prometheus.Counter
}

// NewCounter constructs a Counter from its Metadata.
func NewCounter(md Metadata) *Counter {
	return &Counter{
		md: md,
		c: prometheus.NewCounter(prometheus.CounterOpts{
			Name: sanitize(md.Name),
			Help: md.Help,
		}),
	}
}

// Inc increments the counter by delta.
func (c *Counter) Inc(delta int64) { c.c.Add(float64(delta)) }

// Collector exposes the underlying prometheus.Collector for registration.
func (c *Counter) Collector() prometheus.Collector { return c.c }

// MetricStruct marks a struct as a bundle of metrics suitable for
// registration as a whole.
type MetricStruct interface {
	MetricStruct()
}

// Registry collects gauges and counters for export.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// AddMetric registers a single Gauge or Counter for export.
func (r *Registry) AddMetric(m prometheus.Collector) {
	_ = r.reg.Register(m)
}

// AddMetricStruct accepts a bundle of metrics whose fields the caller
// registers individually with AddMetric; the method exists so call sites
// can state "this whole struct is exported" in one place.
func (r *Registry) AddMetricStruct(ms MetricStruct) {
	_ = ms
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP /metrics
// endpoint, when the embedding binary wants one.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
