package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// IdempotencyMetrics: метрики фоновой уборки ключей идемпотентности HTTP API.
// Методы безопасны для nil-получателя.
type IdempotencyMetrics struct {
	sweeps  *prometheus.CounterVec
	removed *prometheus.CounterVec
	last    *prometheus.GaugeVec
}

// NewIdempotencyMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &IdempotencyMetrics{
		sweeps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rescuebag_idempotency_sweeps_total",
			Help: "Idempotency sweeps by result",
		}, []string{"result"}),
		removed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rescuebag_idempotency_removed_total",
			Help: "Idempotency records removed by kind: expired or stale processing",
		}, []string{"kind"}),
		last: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "rescuebag_idempotency_sweep_last_removed",
			Help: "Records removed by the last sweep by kind",
		}, []string{"kind"}),
	}
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	collector := prometheus.NewGaugeVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSweep учитывает завершённый проход уборки.
func (m *IdempotencyMetrics) RecordSweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

// RecordRemoved учитывает удалённые за проход записи вида kind.
func (m *IdempotencyMetrics) RecordRemoved(kind string, n int) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(kind).Add(float64(n))
	m.last.WithLabelValues(kind).Set(float64(n))
}
