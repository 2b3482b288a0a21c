package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики жизненного цикла заказа, оплаты и погашения.
// Все методы безопасны для nil-получателя: сервисы в тестах работают без метрик.
type OrderMetrics struct {
	// Счётчики операций
	ordersCreated  prometheus.Counter
	ordersCanceled prometheus.Counter
	ordersRefunded prometheus.Counter
	refundFailures *prometheus.CounterVec
	transitions    *prometheus.CounterVec

	// Оплата
	paymentOutcomes  *prometheus.CounterVec
	paymentTimeouts  prometheus.Counter
	activePollers    prometheus.Gauge
	versionConflicts prometheus.Counter

	// Погашение QR
	redemptions *prometheus.CounterVec

	operationDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rescuebag_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersCanceled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rescuebag_orders_canceled_total",
			Help: "Total number of orders canceled",
		}),
		ordersRefunded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rescuebag_orders_refunded_total",
			Help: "Total number of paid orders refunded after cancel",
		}),
		refundFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rescuebag_refund_failures_total",
			Help: "Refunds that failed at the provider and stay pending, by trigger",
		}, []string{"trigger"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rescuebag_order_transitions_total",
			Help: "Fulfillment transitions by target status",
		}, []string{"to"}),
		paymentOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rescuebag_payment_outcomes_total",
			Help: "Payment outcomes applied to orders by outcome and result",
		}, []string{"outcome", "result"}),
		paymentTimeouts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rescuebag_payment_poll_timeouts_total",
			Help: "Total number of payment polls that hit the hard timeout",
		}),
		activePollers: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "rescuebag_payment_active_pollers",
			Help: "Number of payment status pollers currently running",
		}),
		versionConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rescuebag_order_version_conflicts_total",
			Help: "Optimistic lock conflicts retried by the lifecycle service",
		}),
		redemptions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rescuebag_redemptions_total",
			Help: "QR redemption attempts by result",
		}, []string{"result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "rescuebag_operation_duration_seconds",
			Help:    "Duration of order operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rescuebag_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rescuebag_outbox_events_total",
			Help: "Total number of events enqueued to outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordOrderCanceled увеличивает счётчик отменённых заказов.
func (m *OrderMetrics) RecordOrderCanceled() {
	if m == nil {
		return
	}
	m.ordersCanceled.Inc()
}

// RecordOrderRefunded увеличивает счётчик возвратов.
func (m *OrderMetrics) RecordOrderRefunded() {
	if m == nil {
		return
	}
	m.ordersRefunded.Inc()
}

// RecordRefundFailure учитывает неудачный возврат; trigger: cancel, late_payment или retry.
func (m *OrderMetrics) RecordRefundFailure(trigger string) {
	if m == nil {
		return
	}
	m.refundFailures.WithLabelValues(trigger).Inc()
}

// RecordTransition учитывает переход fulfillment в статус to.
func (m *OrderMetrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// RecordPaymentOutcome учитывает исход оплаты; result: applied, duplicate или ignored.
func (m *OrderMetrics) RecordPaymentOutcome(outcome, result string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(outcome, result).Inc()
}

// RecordPaymentTimeout увеличивает счётчик таймаутов поллинга.
func (m *OrderMetrics) RecordPaymentTimeout() {
	if m == nil {
		return
	}
	m.paymentTimeouts.Inc()
}

// RecordPollerStarted увеличивает число активных поллеров.
func (m *OrderMetrics) RecordPollerStarted() {
	if m == nil {
		return
	}
	m.activePollers.Inc()
}

// RecordPollerFinished уменьшает число активных поллеров.
func (m *OrderMetrics) RecordPollerFinished() {
	if m == nil {
		return
	}
	m.activePollers.Dec()
}

// RecordVersionConflict учитывает повтор из-за optimistic lock.
func (m *OrderMetrics) RecordVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

// RecordRedemption учитывает попытку погашения с результатом result.
func (m *OrderMetrics) RecordRedemption(result string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(result).Inc()
}

// RecordOperationDuration записывает длительность операции.
func (m *OrderMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
