package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "inkslot"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Applied booking state transitions by action.",
		},
		[]string{"action"},
	)

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verifications_total",
			Help:      "Payment verification results.",
		},
		[]string{"result"},
	)

	sweepExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Bookings cancelled by the payment TTL sweep.",
		},
	)

	sweepReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reconciled_total",
			Help:      "Bookings confirmed by the sweep after the gateway reported success.",
		},
	)

	capacityDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_drift_slots",
			Help:      "Slots whose counter disagreed with active bookings on the last check.",
		},
	)

	syncQueue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_tasks_total",
			Help:      "Read-model mirror tasks by final status.",
		},
		[]string{"status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			reservations,
			transitions,
			verifications,
			sweepExpired,
			sweepReconciled,
			capacityDrift,
			syncQueue,
		)
	})
}

func IncHTTP(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}

// IncReservation records a reservation outcome: created, slot_full, failed.
func IncReservation(outcome string) {
	reservations.WithLabelValues(outcome).Inc()
}

func IncTransition(action string) {
	transitions.WithLabelValues(action).Inc()
}

func IncVerification(result string) {
	verifications.WithLabelValues(result).Inc()
}

func AddSweep(expired, reconciled int) {
	sweepExpired.Add(float64(expired))
	sweepReconciled.Add(float64(reconciled))
}

func SetCapacityDrift(n int) {
	capacityDrift.Set(float64(n))
}

func IncMirrorTask(status string) {
	syncQueue.WithLabelValues(status).Inc()
}
