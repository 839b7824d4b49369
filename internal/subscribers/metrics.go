package subscribers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "newsletter"

var (
	subscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "subscriptions_total",
			Help:      "Subscribe requests by result",
		},
		[]string{"result"},
	)

	confirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "confirmations_total",
			Help:      "Confirmation attempts by result",
		},
		[]string{"result"},
	)

	unsubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "unsubscriptions_total",
			Help:      "Unsubscribe requests by result",
		},
		[]string{"result"},
	)

	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "tokens_issued_total",
			Help:      "Validation messages processed by the token issuer, by result",
		},
		[]string{"result"},
	)

	queuePublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "queue_publish_failures_total",
			Help:      "Validation messages that could not be published. Subscribers stay without a token until resent.",
		},
	)

	confirmationEmails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "confirmation_emails_total",
			Help:      "Confirmation emails handed to the mailer, by status",
		},
		[]string{"status"},
	)
)

func recordSubscription(result string) {
	subscriptionsTotal.WithLabelValues(result).Inc()
}

func recordConfirmation(result string) {
	confirmationsTotal.WithLabelValues(result).Inc()
}

func recordUnsubscription(result string) {
	unsubscriptionsTotal.WithLabelValues(result).Inc()
}

func recordTokenIssued(result string) {
	tokensIssuedTotal.WithLabelValues(result).Inc()
}

func recordConfirmationEmail(status string) {
	confirmationEmails.WithLabelValues(status).Inc()
}
