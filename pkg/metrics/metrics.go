// Package metrics exposes the daemon's own health gauges for the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration is the last aggregation cycle's wall time.
	TickDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shaperd",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of the last aggregation tick.",
	})

	// MissedTicks counts cycles that overran their period.
	MissedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shaperd",
		Name:      "missed_ticks_total",
		Help:      "Aggregation ticks that overran their period.",
	})

	// ActiveFlows is the current flow-table population.
	ActiveFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shaperd",
		Name:      "active_flows",
		Help:      "Currently tracked flows.",
	})

	// BakeryQueueDepth is the undelivered Bakery command count.
	BakeryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shaperd",
		Name:      "bakery_queue_depth",
		Help:      "Commands waiting in the Bakery channel.",
	})

	// PubsubDrops counts telemetry messages dropped to backpressure.
	PubsubDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shaperd",
		Name:      "pubsub_dropped_messages_total",
		Help:      "Telemetry messages dropped because a subscriber outbox was full.",
	})
)
