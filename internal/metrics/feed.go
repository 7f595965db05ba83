package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery results used as the "result" label.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

// FeedMetrics covers ingestion, persistence and fan-out.
type FeedMetrics struct {
	EventsIngested prometheus.Counter
	StoreFailures  *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	SendDuration   prometheus.Histogram
}

// NewFeedMetrics creates and registers feed metrics on the given registry.
func NewFeedMetrics(reg prometheus.Registerer) *FeedMetrics {
	m := &FeedMetrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_ingested_total",
			Help:      "Total number of events accepted on /collect.",
		}),
		StoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "store_failures_total",
			Help:      "Total number of events that could not be persisted, by failure kind.",
		}, []string{"kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "deliveries_total",
			Help:      "Total number of per-subscriber delivery attempts, by result.",
		}, []string{"result"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "send_duration_seconds",
			Help:      "Time spent handing one message to one subscriber.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}

	reg.MustRegister(m.EventsIngested, m.StoreFailures, m.Deliveries, m.SendDuration)
	return m
}

// RegisterActiveSubscribers exposes the live subscriber count, read from
// count at scrape time.
func RegisterActiveSubscribers(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "active_subscribers",
		Help:      "Number of registered subscriber connections.",
	}, func() float64 { return float64(count()) }))
}
