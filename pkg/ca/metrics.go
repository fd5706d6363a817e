// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the connection layer collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Connections      prometheus.Gauge
	Contexts         prometheus.Gauge
	Requests         *prometheus.CounterVec
	CallbacksDropped *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "calink",
			Subsystem: "ca",
			Name:      "connections",
			Help:      "Number of live channel connections",
		}),
		Contexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "calink",
			Subsystem: "ca",
			Name:      "contexts",
			Help:      "Number of live client contexts (0 or 1)",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calink",
			Subsystem: "ca",
			Name:      "requests_total",
			Help:      "Connection requests by operation and result",
		}, []string{"op", "result"}),
		CallbacksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calink",
			Subsystem: "ca",
			Name:      "callbacks_dropped_total",
			Help:      "Library callbacks dropped because their connection was gone",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.Connections, m.Contexts, m.Requests, m.CallbacksDropped)
	}
	return m
}

func (m *Metrics) request(op string, r Result) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(op, r.String()).Inc()
}

func (m *Metrics) dropped(kind string) {
	if m == nil {
		return
	}
	m.CallbacksDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) setContexts(n int) {
	if m == nil {
		return
	}
	m.Contexts.Set(float64(n))
}
