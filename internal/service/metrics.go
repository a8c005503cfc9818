package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	identitiesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_identities_created_total",
		Help: "Total identities issued",
	})
	identitiesRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_identities_revoked_total",
		Help: "Total identities revoked",
	})

	messagesSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopin_messages_submitted_total",
		Help: "Finalized messages by target kind and moderation result",
	}, []string{"kind", "moderation"})
	messageSubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loopin_message_submit_duration_seconds",
		Help:    "Submit latency including moderation and fan-out",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	moderationOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopin_moderation_outcomes_total",
		Help: "Moderation gate outcomes",
	}, []string{"outcome"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopin_sessions_active",
		Help: "Live sessions currently attached",
	})
	sessionDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_session_drops_total",
		Help: "Messages dropped because a session buffer was full",
	})

	sweeperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_sweeper_runs_total",
		Help: "Expiry sweeper runs",
	})
	sweeperMessagesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_sweeper_messages_deleted_total",
		Help: "Expired messages removed by the sweeper",
	})
	sweeperPresenceDemotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_sweeper_presence_demoted_total",
		Help: "Stale presence records demoted to offline",
	})
	sweeperErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_sweeper_errors_total",
		Help: "Sweeper storage errors",
	})
	sweeperDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loopin_sweeper_duration_seconds",
		Help:    "Sweeper run duration",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	outboxSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_outbox_sent_total",
		Help: "Message events delivered to the event sink",
	})
	outboxFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_outbox_failed_total",
		Help: "Message event delivery failures",
	})
	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopin_events_dropped_total",
		Help: "Message events dropped because the in-memory queue was full",
	})
)
