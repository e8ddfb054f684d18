package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Gateway webhook deliveries by outcome",
		},
		[]string{"gateway", "outcome"},
	)

	reconciliationChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_checks_total",
			Help: "Reconciliation checks by kind (expiry, sweep) and outcome",
		},
		[]string{"kind", "outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_notifications_total",
			Help: "Payment notifications handed off, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(webhookEventsTotal)
	prometheus.MustRegister(reconciliationChecksTotal)
	prometheus.MustRegister(notificationsTotal)
}

func RecordWebhook(gateway, outcome string) {
	webhookEventsTotal.WithLabelValues(gateway, outcome).Inc()
}

func RecordReconciliation(kind, outcome string) {
	reconciliationChecksTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordNotification(result string) {
	notificationsTotal.WithLabelValues(result).Inc()
}
