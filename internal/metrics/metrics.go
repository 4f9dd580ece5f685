// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package metrics provides Prometheus instrumentation for the fanout core:
// connection lifecycle, frame dispatch, broker traffic, and manager health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echochat_active_connections",
			Help: "Current number of attached websocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochat_connections_total",
			Help: "Total connections by outcome (registered, rejected, evicted)",
		},
		[]string{"outcome"},
	)

	// Frame processing
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochat_frames_total",
			Help: "Total inbound client frames by result (dispatched, malformed, sacrificed)",
		},
		[]string{"result"},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochat_dispatches_total",
			Help: "Total handler dispatches by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// Delivery routing
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochat_deliveries_total",
			Help: "Total envelope deliveries by route (local, broker, undeliverable)",
		},
		[]string{"route"},
	)

	// Broker
	BrokerPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echochat_broker_publishes_total",
			Help: "Total broker publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	BrokerSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echochat_broker_subscriptions",
			Help: "Current number of active broker topic subscriptions",
		},
	)

	BrokerRebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echochat_broker_rebuilds_total",
			Help: "Total broker client rebuilds after recovery",
		},
	)

	// ManagerHealth: 1 when connected, 0 when degraded.
	ManagerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echochat_manager_connected",
			Help: "Manager health state (1 connected, 0 degraded)",
		},
	)
)
