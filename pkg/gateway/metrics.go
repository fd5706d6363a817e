// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	Sessions *prometheus.GaugeVec
	Messages *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Calls    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "calink",
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Open gateway sessions by transport",
		}, []string{"transport"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calink",
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Gateway messages by direction and op",
		}, []string{"direction", "op"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calink",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Gateway stream errors by kind",
		}, []string{"kind"}),
		Calls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "calink",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Client round trip time by op",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(m.Sessions, m.Messages, m.Errors, m.Calls)
	}
	return m
}

func (m *Metrics) message(direction string, op Op) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, op.String()).Inc()
}

func (m *Metrics) failure(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) session(transport string, delta float64) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(transport).Add(delta)
}

func (m *Metrics) call(op Op, seconds float64) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(op.String()).Observe(seconds)
}
