// Package metrics instruments the device update engine with
// Prometheus collectors: update-cycle latency and error counts, the
// per-module disable/cooldown state, transport retry counts, and a
// generic feature-value gauge modules can feed their Sensor readings
// into for scraping. Collectors are built against an injected
// prometheus.Registerer rather than the global DefaultRegisterer, so a
// process can run more than one Collector (tests included) without
// "duplicate metrics collector registration" panics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every gauge/counter the device engine feeds.
type Collector struct {
	updateDuration   *prometheus.HistogramVec
	updateErrors     *prometheus.CounterVec
	moduleErrors     *prometheus.CounterVec
	moduleDisabled   *prometheus.GaugeVec
	transportRetries *prometheus.CounterVec
	featureValue     *prometheus.GaugeVec
}

// NewCollector registers every collector against reg. Pass
// prometheus.DefaultRegisterer in production, or a fresh
// prometheus.NewRegistry() per test.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		updateDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kasa_device_update_duration_seconds",
				Help:    "Time spent in one Device.Update cycle, including base-info fetch, batched module queries, and Process dispatch.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host"},
		),
		updateErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kasa_device_update_errors_total",
				Help: "Update cycles that returned an error, including hub-child refresh failures.",
			},
			[]string{"host"},
		),
		moduleErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kasa_module_errors_total",
				Help: "Process errors per module, counted toward its disable/cooldown threshold.",
			},
			[]string{"host", "module"},
		),
		moduleDisabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kasa_module_disabled",
				Help: "1 while a module is in its error cooldown window, 0 otherwise.",
			},
			[]string{"host", "module"},
		),
		transportRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kasa_transport_retries_total",
				Help: "Retries issued by a protocol's send loop, split out by whether the retry followed an invalid-session reset.",
			},
			[]string{"host", "reason"},
		),
		featureValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kasa_feature_value",
				Help: "Last-read numeric value of a Sensor or Number feature.",
			},
			[]string{"host", "feature_id"},
		),
	}
}

// ObserveUpdate records one Update cycle's duration and, if err is
// non-nil, increments the update-error counter instead of assuming the
// cycle reached module dispatch.
func (c *Collector) ObserveUpdate(host string, duration time.Duration, err error) {
	c.updateDuration.WithLabelValues(host).Observe(duration.Seconds())
	if err != nil {
		c.updateErrors.WithLabelValues(host).Inc()
	}
}

// RecordModuleError increments module's error counter for host.
func (c *Collector) RecordModuleError(host, module string) {
	c.moduleErrors.WithLabelValues(host, module).Inc()
}

// SetModuleDisabled reflects whether module is currently in its
// cooldown window.
func (c *Collector) SetModuleDisabled(host, module string, disabled bool) {
	v := 0.0
	if disabled {
		v = 1.0
	}
	c.moduleDisabled.WithLabelValues(host, module).Set(v)
}

// RecordTransportRetry increments the retry counter for host, tagged
// with why the retry happened ("backoff" or "invalid_session").
func (c *Collector) RecordTransportRetry(host, reason string) {
	c.transportRetries.WithLabelValues(host, reason).Inc()
}

// SetFeatureValue records the last numeric reading of a feature, for
// callers that want every Sensor/Number value scraped directly instead
// of read back through the Feature Getter on each request.
func (c *Collector) SetFeatureValue(host, featureID string, value float64) {
	c.featureValue.WithLabelValues(host, featureID).Set(value)
}
