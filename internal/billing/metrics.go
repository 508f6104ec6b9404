package billing

import "github.com/prometheus/client_golang/prometheus"

var (
	billingTopUps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "billing",
		Name:      "topups_total",
		Help:      "Payment intents created, by result.",
	}, []string{"result"})

	billingWebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook events received, by outcome.",
	}, []string{"outcome"})

	billingCreditsPurchased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "billing",
		Name:      "credits_purchased_total",
		Help:      "Total credits granted through Stripe purchases.",
	})
)

func init() {
	prometheus.MustRegister(
		billingTopUps,
		billingWebhookEvents,
		billingCreditsPurchased,
	)
}
