package history

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_transcript_history_events_total",
		Help: "Domain events applied to the history store, by event and outcome",
	}, []string{"event", "outcome"})

	recordsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_transcript_history_records",
		Help: "Current number of transcript records",
	})

	rebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_transcript_history_rebuilds_total",
		Help: "Defensive index rebuilds after an invariant violation",
	})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "echo_transcript_history_apply_duration_seconds",
		Help:    "Time spent applying one domain event",
		Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
	}, []string{"event"})

	inboxFullTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_transcript_history_inbox_full_total",
		Help: "Dispatches that had to wait because the store inbox was full",
	})
)

func observeApply(event string, m Mutation, err error, took time.Duration) {
	outcome := m.Kind.String()
	switch {
	case err != nil:
		outcome = "rejected"
	case m.Stale:
		outcome = "stale"
	}
	eventsAppliedTotal.WithLabelValues(event, outcome).Inc()
	applyDuration.WithLabelValues(event).Observe(took.Seconds())
}
