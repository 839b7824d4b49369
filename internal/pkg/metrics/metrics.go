// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "newsletter"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// StorePoolConnections tracks store client pool state.
	StorePoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pool_connections",
			Help:      "Number of store connections by driver and state",
		},
		[]string{"driver", "state"},
	)

	// StoreOperationDuration tracks subscriber store call latency.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Subscriber store operation duration in seconds",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"driver", "operation", "status"},
	)
)

// ObserveStoreOperation records the duration of a store call started at start.
func ObserveStoreOperation(driver, operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(driver, operation, status).Observe(time.Since(start).Seconds())
}
