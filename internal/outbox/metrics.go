package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Delivery attempts by result (success, failure, skipped).",
	}, []string{"result"})

	deliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "delivery_errors_total",
		Help:      "Failed delivery attempts by error kind.",
	}, []string{"kind"})

	terminalTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "terminal_failures_total",
		Help:      "Records that reached the retry cap.",
	})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent in the remote submit call.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "passes_total",
		Help:      "Sync pass requests by trigger and outcome (ran, skipped, error).",
	}, []string{"trigger", "outcome"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "pass_duration_seconds",
		Help:      "Duration of completed sync passes.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	recoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "records_recovered_total",
		Help:      "Records found in syncing at startup and reset to failed.",
	})

	watchersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "physiosync",
		Subsystem: "outbox",
		Name:      "watchers",
		Help:      "Live read-model subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(
		deliveriesTotal,
		deliveryErrorsTotal,
		terminalTotal,
		deliveryDuration,
		passesTotal,
		passDuration,
		recoveredTotal,
		watchersGauge,
	)
}
