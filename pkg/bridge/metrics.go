// Copyright 2024-2026 Aiku AI

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the lifecycle counters the engine reports to. These are the
// observability collaborator's view of every event's terminal state.
type Metrics struct {
	Received      *prometheus.CounterVec
	EchoesDropped *prometheus.CounterVec
	Delivered     *prometheus.CounterVec
	Failed        *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Attachments   *prometheus.CounterVec
}

// NewMetrics registers the bridge counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "events_received_total",
			Help:      "Inbound normalized events by source platform.",
		}, []string{"platform"}),
		EchoesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "echoes_dropped_total",
			Help:      "Inbound events recognized as the bridge's own relays.",
		}, []string{"platform"}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "events_delivered_total",
			Help:      "Events successfully reproduced on the target platform.",
		}, []string{"platform"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "events_failed_total",
			Help:      "Events that reached the Failed terminal state.",
		}, []string{"platform", "reason"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "delivery_retries_total",
			Help:      "Transient delivery failures that were retried.",
		}, []string{"platform"}),
		Attachments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "attachments_relayed_total",
			Help:      "Attachment relay outcomes (native or link fallback).",
		}, []string{"platform", "outcome"}),
	}
}
