// Package metrics exposes Prometheus collectors for the courier runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_envelopes_received_total",
		Help: "Total number of inbound envelopes by outcome.",
	}, []string{"outcome"})
	EnvelopesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_envelopes_delivered_total",
		Help: "Total number of outbound envelopes delivered.",
	})
	EnvelopesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_envelopes_failed_total",
		Help: "Total number of outbound envelopes that failed by reason.",
	}, []string{"reason"})
	HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_handler_duration_seconds",
		Help:    "Duration of message and interval handler invocations.",
		Buckets: prometheus.DefBuckets,
	})
	HandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_handler_errors_total",
		Help: "Total number of handler invocations that returned an error or panicked.",
	})
	RegistrationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_registration_attempts_total",
		Help: "Total number of almanac registration attempts by outcome.",
	}, []string{"outcome"})
	ResolverLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_resolver_lookups_total",
		Help: "Total number of resolver lookups by source and outcome.",
	}, []string{"source", "outcome"})
	DispenserQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_dispenser_queue_depth",
		Help: "Number of envelopes waiting in the outbound dispenser.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_dialogue_sessions_active",
		Help: "Number of live dialogue sessions across all agents.",
	})
)
