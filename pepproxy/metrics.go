// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pepproxy

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hesusruiz/pepproxy/pep"
	"github.com/hesusruiz/pepproxy/tokencache"
)

const metricsNamespace = "pep_proxy"

// Metrics are exported in the admin server, on their own registry
type Metrics struct {
	registry       *prometheus.Registry
	decisions      *prometheus.CounterVec
	decisionTime   prometheus.Histogram
	upstreamErrors prometheus.Counter
}

func NewMetrics(cache *tokencache.Cache) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Decisions taken for the requests to protected paths, by outcome and reason.",
		}, []string{"outcome", "reason"}),
		decisionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "decision_duration_seconds",
			Help:      "Time to authenticate and authorize a request.",
			Buckets:   prometheus.DefBuckets,
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Requests which could not be forwarded to the application.",
		}),
	}

	m.registry.MustRegister(
		m.decisions,
		m.decisionTime,
		m.upstreamErrors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_entries",
			Help:      "Tokens in the cache, including expired tokens not yet evicted.",
		}, func() float64 { return float64(cache.Len()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Observe records the verdict of the pipeline for a request
func (m *Metrics) Observe(v pep.Verdict, elapsed time.Duration) {
	reason := ""
	switch v.Outcome {
	case pep.Deny:
		reason = string(v.Denial.Reason)
	case pep.Error:
		reason = string(pep.ReasonInternalError)
	}
	m.decisions.WithLabelValues(v.Outcome.String(), reason).Inc()
	m.decisionTime.Observe(elapsed.Seconds())
}

func (m *Metrics) UpstreamError() {
	m.upstreamErrors.Inc()
}

// Handler serves the metrics in the Prometheus format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
