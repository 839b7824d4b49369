package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAcked    = "acked"
	outcomeDropped  = "dropped"
	outcomeRequeued = "requeued"
)

var deliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "newsletter",
		Subsystem: "queue",
		Name:      "deliveries_total",
		Help:      "Total number of processed queue deliveries by outcome",
	},
	[]string{"outcome"},
)

func recordDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}
