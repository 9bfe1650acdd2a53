// Package prommetrics implements the MetricsRecorder port with Prometheus.
package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "keyrelay"

// Compile-time interface satisfaction check.
var _ driven.MetricsRecorder = (*Collector)(nil)

// Collector records key pool and daemon events as Prometheus metrics.
type Collector struct {
	validations *prometheus.CounterVec
	rotations   *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	cycles      *prometheus.CounterVec
	poolSize    prometheus.Gauge
}

// NewCollector creates and registers the metrics.
//
// Parameters:
//   - reg: registerer (prometheus.DefaultRegisterer if nil)
//   - namespace: metric namespace (DefaultNamespace if empty)
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "validations_total",
			Help:      "Upstream key validations by result (success|failure).",
		}, []string{"result"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "rotations_total",
			Help:      "Key rotations by result (success|failure).",
		}, []string{"result"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "pool_size",
			Help:      "Number of keys in the pool.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "providers",
			Name:      "fallback_activations_total",
			Help:      "Switches to a fallback provider by provider.",
		}, []string{"provider"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "cycles_total",
			Help:      "Health monitor iterations by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(c.validations, c.rotations, c.poolSize, c.fallbacks, c.cycles)
	return c
}

// KeyValidated counts one upstream validation.
func (c *Collector) KeyValidated(success bool) {
	c.validations.WithLabelValues(result(success)).Inc()
}

// KeyRotated counts one rotation attempt.
func (c *Collector) KeyRotated(success bool) {
	c.rotations.WithLabelValues(result(success)).Inc()
}

// FallbackActivated counts a switch to provider.
func (c *Collector) FallbackActivated(provider model.Provider) {
	c.fallbacks.WithLabelValues(string(provider)).Inc()
}

// DaemonCycle counts one health monitor iteration.
func (c *Collector) DaemonCycle(outcome string) {
	c.cycles.WithLabelValues(outcome).Inc()
}

// PoolSize sets the pool size gauge.
func (c *Collector) PoolSize(total int) {
	c.poolSize.Set(float64(total))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
