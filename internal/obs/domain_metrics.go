package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// RentalStartTotal counts rental start attempts by outcome.
	RentalStartTotal *prometheus.CounterVec
	// RentalFinalizeTotal counts finalize attempts by outcome.
	RentalFinalizeTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound provider webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// QRSessionTotal counts QR payment session polls by reported status.
	QRSessionTotal *prometheus.CounterVec
	// RentalExpiredTotal counts pending rentals swept to failed by the worker.
	RentalExpiredTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		RentalStartTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rental_start_total",
			Help:      "Count of rental start (card hold) outcomes.",
		}, []string{"result"})
		RentalFinalizeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rental_finalize_total",
			Help:      "Count of rental finalize (off-session charge) outcomes.",
		}, []string{"result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by event type and outcome.",
		}, []string{"type", "result"})
		QRSessionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_session_total",
			Help:      "Count of QR payment session status polls by reported status.",
		}, []string{"status"})
		RentalExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rental_expired_total",
			Help:      "Number of stale pending rentals swept to the failed state.",
		})

		mustRegisterCollector(reg, RentalStartTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RentalStartTotal = v
			}
		})
		mustRegisterCollector(reg, RentalFinalizeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RentalFinalizeTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, QRSessionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				QRSessionTotal = v
			}
		})
		mustRegisterCollector(reg, RentalExpiredTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				RentalExpiredTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
