// Package metrics exposes Prometheus counters for the execution stack.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the execution stack's collectors. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	ordersSpawned  *prometheus.CounterVec
	brokerOrders   *prometheus.CounterVec
	skips          *prometheus.CounterVec
	cancelTimeouts prometheus.Counter
	criticalAlerts prometheus.Counter
	activeOrders   *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ordersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execstack_contract_orders_spawned_total",
			Help: "Contract orders spawned from instrument orders.",
		}, []string{"instrument"}),
		brokerOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execstack_broker_orders_total",
			Help: "Broker orders submitted, by algo.",
		}, []string{"algo"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execstack_order_skips_total",
			Help: "Contract orders skipped for this cycle, by reason.",
		}, []string{"reason"}),
		cancelTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execstack_cancel_timeouts_total",
			Help: "Cancellation passes that ended with unconfirmed orders.",
		}),
		criticalAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execstack_critical_alerts_total",
			Help: "Critical alerts raised.",
		}),
		activeOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "execstack_active_orders",
			Help: "Active orders on each stack level.",
		}, []string{"level"}),
	}
	r.registry.MustRegister(r.ordersSpawned, r.brokerOrders, r.skips,
		r.cancelTimeouts, r.criticalAlerts, r.activeOrders)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Spawned(instrument string, n int) {
	if r == nil {
		return
	}
	r.ordersSpawned.WithLabelValues(instrument).Add(float64(n))
}

func (r *Recorder) BrokerOrder(algo string) {
	if r == nil {
		return
	}
	r.brokerOrders.WithLabelValues(algo).Inc()
}

func (r *Recorder) Skip(reason string) {
	if r == nil {
		return
	}
	r.skips.WithLabelValues(reason).Inc()
}

func (r *Recorder) CancelTimeout() {
	if r == nil {
		return
	}
	r.cancelTimeouts.Inc()
}

func (r *Recorder) CriticalAlert() {
	if r == nil {
		return
	}
	r.criticalAlerts.Inc()
}

func (r *Recorder) ActiveOrders(level string, n int) {
	if r == nil {
		return
	}
	r.activeOrders.WithLabelValues(level).Set(float64(n))
}
