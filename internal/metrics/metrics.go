// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics exports counters of the cluster client in prometheus
// format. A nil *Collector is valid and records nothing, so the metrics can
// be switched off without touching the callers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sheepvol"

// Collector owns the registry and all metrics of one client.
type Collector struct {
	registry *prometheus.Registry

	remoteOps     *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	requestBytes  *prometheus.CounterVec
}

// New creates the collector with a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		remoteOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_operations_total",
			Help:      "Remote operations by opcode and result.",
		}, []string{"op", "result"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_operation_seconds",
			Help:      "Latency of remote operations including transport.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_requests_total",
			Help:      "Volume I/O requests completed by the dispatchers.",
		}, []string{"direction", "result"}),
		requestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_bytes_total",
			Help:      "Bytes transferred by completed volume I/O requests.",
		}, []string{"direction"}),
	}

	c.registry.MustRegister(c.remoteOps, c.remoteLatency, c.requests, c.requestBytes)

	return c
}

// QueueDepth exports the current value of depth as a gauge.
func (c *Collector) QueueDepth(depth func() int) {
	if c == nil {
		return
	}

	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Requests waiting for a dispatcher.",
	}, func() float64 {
		return float64(depth())
	}))
}

func (c *Collector) RemoteOp(op, result string, took time.Duration) {
	if c == nil {
		return
	}

	c.remoteOps.WithLabelValues(op, result).Inc()
	c.remoteLatency.WithLabelValues(op).Observe(took.Seconds())
}

func (c *Collector) Request(write bool, result string, bytes int) {
	if c == nil {
		return
	}

	direction := "read"
	if write {
		direction = "write"
	}

	c.requests.WithLabelValues(direction, result).Inc()
	c.requestBytes.WithLabelValues(direction).Add(float64(bytes))
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
