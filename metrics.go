package rewind

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMetricsNamespace prefixes every metric name.
const DefaultMetricsNamespace = "rewind"

// Metrics holds the Prometheus instrumentation of a Library. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	providersOpen         *prometheus.GaugeVec
	cursorsOpen           prometheus.Gauge
	materializedTotal     *prometheus.CounterVec
	growths               *prometheus.CounterVec
	spilledBytes          prometheus.Counter
	capacityExceededTotal *prometheus.CounterVec
	sourceFailures        *prometheus.CounterVec
	leaks                 prometheus.Counter
	poolReused            prometheus.Counter
}

// NewMetrics creates and registers the collectors. Collectors that are
// already registered (another Library on the same registerer) are shared.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	m := &Metrics{}
	var err error

	if m.providersOpen, err = register(reg, prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "providers_open",
			Help:      "Number of open cursor providers",
		},
		[]string{"strategy"},
	)); err != nil {
		return nil, err
	}

	if m.cursorsOpen, err = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursors_open",
			Help:      "Number of open cursors",
		},
	)); err != nil {
		return nil, err
	}

	if m.materializedTotal, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elements_materialized_total",
			Help:      "Total number of elements pulled from sources into buffers",
		},
		[]string{"strategy"},
	)); err != nil {
		return nil, err
	}

	if m.growths, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_growths_total",
			Help:      "Total number of regions added to buffers after the initial one",
		},
		[]string{"strategy"},
	)); err != nil {
		return nil, err
	}

	if m.spilledBytes, err = register(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spilled_bytes_total",
			Help:      "Total number of bytes written to spill files",
		},
	)); err != nil {
		return nil, err
	}

	if m.capacityExceededTotal, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_exceeded_total",
			Help:      "Total number of buffers that hit their maximum capacity",
		},
		[]string{"strategy"},
	)); err != nil {
		return nil, err
	}

	if m.sourceFailures, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Total number of sources that failed while being buffered",
		},
		[]string{"strategy"},
	)); err != nil {
		return nil, err
	}

	if m.leaks, err = register(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaks_reported_total",
			Help:      "Total number of resources reported as leaked",
		},
	)); err != nil {
		return nil, err
	}

	if m.poolReused, err = register(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_regions_reused_total",
			Help:      "Total number of buffer regions served from the shared pool",
		},
	)); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) providerOpened(s Strategy) {
	if m != nil {
		m.providersOpen.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) providerClosed(s Strategy) {
	if m != nil {
		m.providersOpen.WithLabelValues(s.String()).Dec()
	}
}

func (m *Metrics) cursorOpened() {
	if m != nil {
		m.cursorsOpen.Inc()
	}
}

func (m *Metrics) cursorClosed() {
	if m != nil {
		m.cursorsOpen.Dec()
	}
}

func (m *Metrics) materialized(s Strategy, n int) {
	if m != nil {
		m.materializedTotal.WithLabelValues(s.String()).Add(float64(n))
	}
}

func (m *Metrics) grew(s Strategy) {
	if m != nil {
		m.growths.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) spilled(n int) {
	if m != nil {
		m.spilledBytes.Add(float64(n))
	}
}

func (m *Metrics) capacityExceeded(s Strategy) {
	if m != nil {
		m.capacityExceededTotal.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) sourceFailed(s Strategy) {
	if m != nil {
		m.sourceFailures.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) leaked(n int) {
	if m != nil && n > 0 {
		m.leaks.Add(float64(n))
	}
}

func (m *Metrics) poolReuse() {
	if m != nil {
		m.poolReused.Inc()
	}
}
