package connpool

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
	"github.com/gluk-w/claworc/ftpbroker/internal/retry"
)

// Metrics provides Prometheus metrics for the pool.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// Active is the number of ready handles in this process.
	Active prometheus.Gauge

	// StoreUp is 1 while the distributed store is reachable.
	StoreUp prometheus.Gauge

	// DialsTotal counts dial loops by kind ("create", "rehydrate",
	// "reconnect") and result ("ok", "timeout", "auth_failure",
	// "network_error", "deadline", "error").
	DialsTotal *prometheus.CounterVec

	// DialDuration observes a full dial loop including backoff sleeps.
	DialDuration *prometheus.HistogramVec

	// EvictionsTotal counts handles removed by reason ("idle", "error",
	// "health", "closed").
	EvictionsTotal *prometheus.CounterVec

	// OperationsTotal counts handle operations by op and result.
	OperationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers pool metrics. If reg is nil, metrics are
// created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpbroker",
			Subsystem: "pool",
			Name:      "active_connections",
			Help:      "Ready connection handles held by this process",
		}),
		StoreUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpbroker",
			Subsystem: "pool",
			Name:      "store_up",
			Help:      "Whether the distributed connection store is reachable",
		}),
		DialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpbroker",
			Subsystem: "pool",
			Name:      "dials_total",
			Help:      "Dial loops by kind and result",
		}, []string{"kind", "result"}),
		DialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpbroker",
			Subsystem: "pool",
			Name:      "dial_duration_seconds",
			Help:      "Duration of dial loops including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpbroker",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Handles removed from the local table by reason",
		}, []string{"reason"}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpbroker",
			Subsystem: "pool",
			Name:      "operations_total",
			Help:      "File operations on handles by op and result",
		}, []string{"op", "result"}),
	}

	if reg != nil {
		m.Active = registerOrReuse(reg, m.Active).(prometheus.Gauge)
		m.StoreUp = registerOrReuse(reg, m.StoreUp).(prometheus.Gauge)
		m.DialsTotal = registerOrReuse(reg, m.DialsTotal).(*prometheus.CounterVec)
		m.DialDuration = registerOrReuse(reg, m.DialDuration).(*prometheus.HistogramVec)
		m.EvictionsTotal = registerOrReuse(reg, m.EvictionsTotal).(*prometheus.CounterVec)
		m.OperationsTotal = registerOrReuse(reg, m.OperationsTotal).(*prometheus.CounterVec)
	}
	return m
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.Active.Set(float64(n))
}

func (m *Metrics) setStoreUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.StoreUp.Set(1)
	} else {
		m.StoreUp.Set(0)
	}
}

func (m *Metrics) observeDial(kind string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.DialsTotal.WithLabelValues(kind, dialResult(err)).Inc()
	m.DialDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) recordEviction(reason string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
}

func dialResult(err error) string {
	if err == nil {
		return "ok"
	}
	var te *retry.TimeoutError
	if errors.As(err, &te) {
		return "deadline"
	}
	var de *protocol.DialError
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	var td *protocol.TargetDeniedError
	if errors.As(err, &td) {
		return "denied"
	}
	return "error"
}
