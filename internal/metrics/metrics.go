// Package metrics holds the prometheus instrumentation for the filter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpenSessions tracks the number of MTA connections currently served.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmarcation_open_sessions",
		Help: "Number of open milter sessions",
	})

	// ProtocolErrors counts connections terminated because of malformed or
	// out-of-sequence milter packets.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmarcation_protocol_errors_total",
		Help: "Milter protocol errors, each fatal to one connection",
	})

	// MessagesSeen counts messages that reached the end-of-headers decision.
	MessagesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmarcation_messages_total",
		Help: "Messages evaluated by the filter",
	})

	// MessagesRewritten counts forward From rewrites.
	MessagesRewritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmarcation_messages_rewritten_total",
		Help: "Messages whose From header was rewritten",
	})

	// MessagesRestored counts reverse rewrites (X-Original-From restores).
	MessagesRestored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmarcation_messages_restored_total",
		Help: "Messages whose original From header was restored",
	})

	// MessagesSkipped counts messages passed through unmodified because of
	// a parse or decode problem.
	MessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmarcation_messages_skipped_total",
		Help: "Messages passed through unmodified, by reason",
	}, []string{"reason"})
)
