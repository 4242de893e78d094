// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package metrics holds the Prometheus collectors of the DM server. They are
// registered with the default registry and served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "conversation_cache_lookups_total",
			Help:      "Conversation cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "messages_sent_total",
			Help:      "Messages persisted by the send operation.",
		},
	)

	LifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "lifecycle_operations_total",
			Help:      "Message lifecycle operations by kind and outcome code.",
		},
		[]string{"op", "code"},
	)

	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "efdm",
			Name:      "online_users",
			Help:      "Users with at least one bound session.",
		},
	)

	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "efdm",
			Name:      "realtime_connections",
			Help:      "Open realtime connections, bound or not.",
		},
	)

	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "realtime_frames_total",
			Help:      "Inbound realtime frames by type.",
		},
		[]string{"type"},
	)

	DroppedDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "realtime_dropped_deliveries_total",
			Help:      "Events dropped because a session's send buffer was full or closed.",
		},
	)

	PushNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "push_notifications_total",
			Help:      "Push notifications handed to the delivery sink by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheLookups,
		MessagesSent,
		LifecycleOps,
		OnlineUsers,
		Connections,
		Frames,
		DroppedDeliveries,
		PushNotifications,
	)
}
