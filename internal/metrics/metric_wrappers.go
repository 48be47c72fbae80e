/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// enabled is set once at startup, before Init builds the collectors.
var enabled atomic.Bool

// IsEnabled reports whether metrics are collected.
func IsEnabled() bool { return enabled.Load() }

// SetEnabled turns collection on or off. Collectors built by Init keep the
// mode that was active when they were created.
func SetEnabled(e bool) { enabled.Store(e) }

// The engine records through these narrow interfaces so that a disabled
// build never touches prometheus.

type Counter interface {
	Inc()
	Add(float64)
}

type CounterVec interface {
	WithLabelValues(labels ...string) Counter
}

type Histogram interface {
	Observe(float64)
}

type HistogramVec interface {
	WithLabelValues(labels ...string) Histogram
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
}

// GaugeFunc is a gauge sampled from a callback at scrape time.
type GaugeFunc interface {
	prometheus.Metric
	prometheus.Collector
}

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) WithLabelValues(...string) Counter { return noopCounter{} }

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}

type noopHistogramVec struct{}

func (noopHistogramVec) WithLabelValues(...string) Histogram { return noopHistogram{} }

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}
func (noopGauge) Add(float64) {}

// counterVecWrapper narrows WithLabelValues to the Counter interface.
type counterVecWrapper struct {
	*prometheus.CounterVec
}

func (c *counterVecWrapper) WithLabelValues(labels ...string) Counter {
	return c.CounterVec.WithLabelValues(labels...)
}

type histogramVecWrapper struct {
	*prometheus.HistogramVec
}

func (h *histogramVecWrapper) WithLabelValues(labels ...string) Histogram {
	return h.HistogramVec.WithLabelValues(labels...)
}

// build returns the collector made by live when metrics are enabled, else off.
func build[T any](live func() T, off T) T {
	if enabled.Load() {
		return live()
	}
	return off
}

func newCounterVec(opts prometheus.CounterOpts, labels []string) CounterVec {
	return build[CounterVec](func() CounterVec {
		return &counterVecWrapper{prometheus.NewCounterVec(opts, labels)}
	}, noopCounterVec{})
}

func newCounter(opts prometheus.CounterOpts) Counter {
	return build[Counter](func() Counter { return prometheus.NewCounter(opts) }, noopCounter{})
}

func newHistogramVec(opts prometheus.HistogramOpts, labels []string) HistogramVec {
	return build[HistogramVec](func() HistogramVec {
		return &histogramVecWrapper{prometheus.NewHistogramVec(opts, labels)}
	}, noopHistogramVec{})
}

func newGauge(opts prometheus.GaugeOpts) Gauge {
	return build[Gauge](func() Gauge { return prometheus.NewGauge(opts) }, noopGauge{})
}

// newGaugeFunc returns nil when disabled; register skips nil collectors.
func newGaugeFunc(opts prometheus.GaugeOpts, f func() float64) GaugeFunc {
	return build[GaugeFunc](func() GaugeFunc { return prometheus.NewGaugeFunc(opts, f) }, nil)
}
