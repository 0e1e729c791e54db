// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for every component of the
// running server: tool dispatch, workflow execution, the tool-server pool,
// and the RPC front-end's HTTP transport. A nil *Metrics is always safe to
// call methods on — every recording method is a no-op when metrics are
// disabled, so callers never need to branch on whether they are enabled.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	toolErrors   *prometheus.CounterVec

	workflowExecutions *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec
	stepOutcomes       *prometheus.CounterVec

	poolConnectedServers prometheus.Gauge

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance from cfg. It returns (nil, nil) when
// metrics are disabled, matching the nil-safe pattern above.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initToolMetrics(cfg)
	m.initWorkflowMetrics(cfg)
	m.initPoolMetrics(cfg)
	m.initHTTPMetrics(cfg)
	return m, nil
}

func (m *Metrics) initToolMetrics(cfg *MetricsConfig) {
	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "tool",
		Name:        "calls_total",
		Help:        "Total tool invocations dispatched, by tool name.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"tool"})
	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "tool",
		Name:        "call_duration_seconds",
		Help:        "Tool call duration in seconds.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: cfg.ConstLabels,
	}, []string{"tool"})
	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "tool",
		Name:        "errors_total",
		Help:        "Total tool invocations that failed, by tool name and error category.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"tool", "category"})
	m.registry.MustRegister(m.toolCalls, m.toolDuration, m.toolErrors)
}

func (m *Metrics) initWorkflowMetrics(cfg *MetricsConfig) {
	m.workflowExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "workflow",
		Name:        "executions_total",
		Help:        "Total workflow executions, by workflow name and terminal status.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"workflow", "status"})
	m.workflowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "workflow",
		Name:        "execution_duration_seconds",
		Help:        "Workflow execution duration in seconds.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: cfg.ConstLabels,
	}, []string{"workflow"})
	m.stepOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "workflow",
		Name:        "step_outcomes_total",
		Help:        "Total step outcomes, by workflow name and outcome status.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"workflow", "status"})
	m.registry.MustRegister(m.workflowExecutions, m.workflowDuration, m.stepOutcomes)
}

func (m *Metrics) initPoolMetrics(cfg *MetricsConfig) {
	m.poolConnectedServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "pool",
		Name:        "connected_servers",
		Help:        "Number of tool servers currently in the connected state.",
		ConstLabels: cfg.ConstLabels,
	})
	m.registry.MustRegister(m.poolConnectedServers)
}

func (m *Metrics) initHTTPMetrics(cfg *MetricsConfig) {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "http",
		Name:        "requests_total",
		Help:        "Total HTTP requests served, by method, route and status class.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"method", "path", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "http",
		Name:        "request_duration_seconds",
		Help:        "HTTP request duration in seconds.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: cfg.ConstLabels,
	}, []string{"method", "path"})
	m.httpResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "http",
		Name:        "response_size_bytes",
		Help:        "HTTP response size in bytes.",
		Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
		ConstLabels: cfg.ConstLabels,
	}, []string{"method", "path"})
	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.httpResponseSize)
}

// RecordToolCall records one tool dispatch outcome. category is empty on
// success.
func (m *Metrics) RecordToolCall(tool string, duration time.Duration, category string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if category != "" {
		m.toolErrors.WithLabelValues(tool, category).Inc()
	}
}

// RecordWorkflowExecution records one completed workflow run.
func (m *Metrics) RecordWorkflowExecution(workflow, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.workflowExecutions.WithLabelValues(workflow, status).Inc()
	m.workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordStepOutcome records one step's terminal status within a workflow
// run.
func (m *Metrics) RecordStepOutcome(workflow, status string) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(workflow, status).Inc()
}

// SetPoolConnectedServers reports the current count of connected tool
// servers, called by the pool after every connect/disconnect transition.
func (m *Metrics) SetPoolConnectedServers(n int) {
	if m == nil {
		return
	}
	m.poolConnectedServers.Set(float64(n))
}

// RecordHTTPRequest records one served HTTP request against the RPC
// front-end's HTTP transport.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, responseSize int) {
	if m == nil {
		return
	}
	status := strconv.Itoa(statusCode/100) + "xx"
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if responseSize > 0 {
		m.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
	}
}

// Handler returns the Prometheus scrape handler for this registry, or a 503
// placeholder when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, or nil if metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// SetGlobalMetrics installs m as the process-wide metrics instance,
// reachable to packages (like the chi HTTP middleware) that have no direct
// handle to the Manager that constructed it.
func SetGlobalMetrics(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics instance, or nil if
// none has been installed. The returned value is always safe to call
// methods on.
func GetGlobalMetrics() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}
