package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the engine; a nil *Metrics records nothing
// 在庫エンジンのPrometheusメトリクス。nilの場合は何も記録しない
type Metrics struct {
	operations       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	movements        *prometheus.CounterVec
	notifierFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg
// メトリクスを作成しregに登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_ledger",
			Name:      "operations_total",
			Help:      "Stock engine operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stock_ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of stock engine operations including lock waits.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		movements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_ledger",
			Name:      "movements_total",
			Help:      "Committed ledger movements by type.",
		}, []string{"movement_type"}),
		notifierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_ledger",
			Name:      "low_stock_notifier_failures_total",
			Help:      "Low-stock notifier invocations that returned an error.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.movements, m.notifierFailures)
	}
	return m
}

func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, ErrorKind(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) movementsCommitted(movements []Movement) {
	if m == nil {
		return
	}
	for _, mv := range movements {
		m.movements.WithLabelValues(string(mv.Type)).Inc()
	}
}

func (m *Metrics) notifierFailed() {
	if m == nil {
		return
	}
	m.notifierFailures.Inc()
}
