package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CurrentCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jsongle_current_calls",
		Help: "Number of calls currently owned by session handlers",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jsongle_transitions_total",
		Help: "Applied state-actions, by state-action and origin (local or remote)",
	}, []string{"action", "origin"})

	RejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jsongle_rejected_messages_total",
		Help: "Dropped envelopes and refused local actions, by cause",
	}, []string{"cause"})

	TicketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jsongle_tickets_total",
		Help: "Ended calls, by termination",
	}, []string{"termination"})
)
