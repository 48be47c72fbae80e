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
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "flow_engine"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	RequestsTotal          CounterVec   = noopCounterVec{}
	RequestDurationSeconds HistogramVec = noopHistogramVec{}
	PendingRequests        Gauge        = noopGauge{}
	RequestTimeoutsTotal   CounterVec   = noopCounterVec{}
	InterruptionsTotal     CounterVec   = noopCounterVec{}

	FlowResolutionsTotal      CounterVec = noopCounterVec{}
	ConditionEvaluationsTotal CounterVec = noopCounterVec{}

	ChainExecutionsTotal  CounterVec   = noopCounterVec{}
	PolicyExecutionsTotal CounterVec   = noopCounterVec{}
	PolicyDurationSeconds HistogramVec = noopHistogramVec{}
	ShortCircuitsTotal    CounterVec   = noopCounterVec{}

	PlanResolutionsTotal CounterVec = noopCounterVec{}
	PlansDroppedTotal    CounterVec = noopCounterVec{}

	ApisDeployed      Gauge      = noopGauge{}
	DeploymentsTotal  CounterVec = noopCounterVec{}
	ApisRejectedTotal CounterVec = noopCounterVec{}
	ActiveStreams     Gauge      = noopGauge{}
	StreamErrorsTotal CounterVec = noopCounterVec{}

	ReporterDroppedTotal       Counter    = noopCounter{}
	ReporterPublishErrorsTotal CounterVec = noopCounterVec{}

	Up                   Gauge = noopGauge{}
	Goroutines           GaugeFunc
	PanicRecoveriesTotal CounterVec = noopCounterVec{}
)

// initMetrics creates all metric variables.
// This must be called after SetEnabled() so disabled metrics stay noop.
func initMetrics() {
	RequestsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests handled, by api and final status class",
		},
		[]string{"api", "status_class"},
	)

	RequestDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_phase_duration_seconds",
			Help:      "Duration of the request and response phases in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"api", "phase"},
	)

	PendingRequests = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of requests currently in flight",
		},
	)

	RequestTimeoutsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Total number of requests interrupted by the request timeout",
		},
		[]string{"api"},
	)

	InterruptionsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of requests ended with a failure, by failure key",
		},
		[]string{"api", "key"},
	)

	FlowResolutionsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_resolutions_total",
			Help:      "Total number of flow resolutions per axis",
		},
		[]string{"axis", "result"},
	)

	ConditionEvaluationsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_evaluations_total",
			Help:      "Total number of condition evaluations by outcome",
		},
		[]string{"result"},
	)

	ChainExecutionsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_executions_total",
			Help:      "Total number of policy chain executions by phase and final state",
		},
		[]string{"phase", "state"},
	)

	PolicyExecutionsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_executions_total",
			Help:      "Total number of policy executions",
		},
		[]string{"policy", "phase", "status"},
	)

	PolicyDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_duration_seconds",
			Help:      "Duration of individual policy execution in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"policy", "phase"},
	)

	ShortCircuitsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "short_circuits_total",
			Help:      "Total number of chains ended early by a policy failure",
		},
		[]string{"policy", "phase"},
	)

	PlanResolutionsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_resolutions_total",
			Help:      "Total number of security plan resolutions by security type",
		},
		[]string{"api", "security_type"},
	)

	PlansDroppedTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_dropped_total",
			Help:      "Total number of plans dropped at deploy time because their security type is unknown",
		},
		[]string{"api", "security_type"},
	)

	ApisDeployed = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "apis_deployed",
			Help:      "Number of APIs currently deployed",
		},
	)

	DeploymentsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Total number of definition deployments by outcome",
		},
		[]string{"status"},
	)

	ApisRejectedTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apis_rejected_total",
			Help:      "Total number of APIs rejected at deploy time because a policy chain could not be built",
		},
		[]string{"api"},
	)

	ActiveStreams = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of active ext_proc streams",
		},
	)

	StreamErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total number of gRPC stream errors",
		},
		[]string{"error_type"},
	)

	ReporterDroppedTotal = newCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reporter_dropped_total",
			Help:      "Total number of request reports dropped because the reporter queue was full",
		},
	)

	ReporterPublishErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reporter_publish_errors_total",
			Help:      "Total number of reporter publish failures",
		},
		[]string{"publisher"},
	)

	Up = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Flow engine liveness indicator (1=up, 0=down)",
		},
	)

	Goroutines = newGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
		func() float64 {
			return float64(runtime.NumGoroutine())
		},
	)

	PanicRecoveriesTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panic_recoveries_total",
			Help:      "Total number of panic recoveries",
		},
		[]string{"component"},
	)
}

func register(metrics ...interface{}) {
	for _, m := range metrics {
		var c prometheus.Collector
		switch v := m.(type) {
		case *counterVecWrapper:
			c = v.CounterVec
		case *histogramVecWrapper:
			c = v.HistogramVec
		case prometheus.Collector:
			c = v
		default:
			continue
		}
		// Already registered collectors are ignored
		_ = registry.Register(c)
	}
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	register(
		RequestsTotal, RequestDurationSeconds, PendingRequests, RequestTimeoutsTotal, InterruptionsTotal,
		FlowResolutionsTotal, ConditionEvaluationsTotal,
		ChainExecutionsTotal, PolicyExecutionsTotal, PolicyDurationSeconds, ShortCircuitsTotal,
		PlanResolutionsTotal, PlansDroppedTotal,
		ApisDeployed, DeploymentsTotal, ApisRejectedTotal, ActiveStreams, StreamErrorsTotal,
		ReporterDroppedTotal, ReporterPublishErrorsTotal,
		Up, PanicRecoveriesTotal,
	)
	if Goroutines != nil {
		register(Goroutines)
	}

	Up.Set(1)
}

// Init initializes the metrics registry with all collectors.
// This must be called after SetEnabled() has been called.
func Init() *prometheus.Registry {
	once.Do(func() {
		initMetrics()

		if !IsEnabled() {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// StatusClass maps an HTTP status to its class label (2xx, 4xx, ...).
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
