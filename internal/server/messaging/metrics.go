package messaging

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for request outcomes.
const (
	outcomeDispatched = "dispatched"
	outcomeCompleted  = "completed"
	outcomeFailed     = "failed"
	outcomeCancelled  = "cancelled"
	outcomeRejected   = "rejected"
)

type metrics struct {
	dispatched prometheus.Counter
	completed  prometheus.Counter
	failed     prometheus.Counter
	cancelled  prometheus.Counter
	rejected   prometheus.Counter
	inFlight   prometheus.Gauge
}

// newMetrics creates the gateway metrics and registers them with r when it is not nil.
func newMetrics(r prometheus.Registerer) (*metrics, error) {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_gateway_requests_total",
			Help: "Total number of dispatch requests by outcome.",
		},
		[]string{"outcome"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskflow_gateway_in_flight",
			Help: "Number of dispatch requests that are queued or being sent.",
		},
	)
	if r != nil {
		for _, c := range []prometheus.Collector{requests, inFlight} {
			if err := r.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return &metrics{
		dispatched: requests.WithLabelValues(outcomeDispatched),
		completed:  requests.WithLabelValues(outcomeCompleted),
		failed:     requests.WithLabelValues(outcomeFailed),
		cancelled:  requests.WithLabelValues(outcomeCancelled),
		rejected:   requests.WithLabelValues(outcomeRejected),
		inFlight:   inFlight,
	}, nil
}
