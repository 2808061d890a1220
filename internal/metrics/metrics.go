package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lottery_reservations_total",
			Help: "Reservation attempts by result",
		},
		[]string{"result"},
	)

	reservationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lottery_reservation_duration_ms",
			Help:    "Reservation latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
		[]string{"result"},
	)

	numberTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lottery_number_transitions_total",
			Help: "Number pool status changes by target status",
		},
		[]string{"to"},
	)

	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lottery_order_transitions_total",
			Help: "Order status changes by target status",
		},
		[]string{"to"},
	)

	sagaMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lottery_saga_messages_total",
			Help: "Consumed saga messages by topic, group and outcome",
		},
		[]string{"topic", "group", "outcome"},
	)

	schedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lottery_scheduler_fires_total",
			Help: "Scheduler trigger fires by outcome",
		},
		[]string{"outcome"},
	)

	outboxDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lottery_outbox_dispatch_total",
			Help: "Outbox publish attempts by outbox and outcome",
		},
		[]string{"outbox", "outcome"},
	)
)

// RecordReservation result: "success" | "conflict" | "error"
func RecordReservation(result string, started time.Time) {
	reservationTotal.WithLabelValues(result).Inc()
	reservationDuration.WithLabelValues(result).Observe(float64(time.Since(started).Milliseconds()))
}

func RecordNumberTransition(to string, n int) {
	if n <= 0 {
		return
	}
	numberTransitions.WithLabelValues(to).Add(float64(n))
}

func RecordOrderTransition(to string) {
	orderTransitions.WithLabelValues(to).Inc()
}

// RecordSagaMessage outcome: "handled" | "duplicate" | "in_flight" | "failed" | "escalated"
func RecordSagaMessage(topic, group, outcome string) {
	sagaMessages.WithLabelValues(topic, group, outcome).Inc()
}

// RecordSchedulerFire outcome: "fired" | "misfire_discarded" | "failed"
func RecordSchedulerFire(outcome string) {
	schedulerFires.WithLabelValues(outcome).Inc()
}

func RecordOutboxDispatch(outbox, outcome string) {
	outboxDispatch.WithLabelValues(outbox, outcome).Inc()
}
