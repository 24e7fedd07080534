package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values shared by the counters below.
const (
	OutcomeOK             = "ok"
	OutcomeError          = "error"
	OutcomeDenied         = "denied"
	OutcomeRouted         = "routed"
	OutcomeUnrouted       = "unrouted"
	OutcomeDelivered      = "delivered"
	OutcomeDeliveryFailed = "delivery_failed"
)

var processStart = time.Now()

// Metrics groups the counters of the dispatch pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Handler invocations by handler and outcome
	HandlerInvocations *prometheus.CounterVec

	// Bus publications by routing key and outcome
	Events *prometheus.CounterVec

	QueueSends           *prometheus.CounterVec
	AuthorizationDenials *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "process_uptime_seconds",
		Help: "Seconds since process start.",
	}, func() float64 {
		return time.Since(processStart).Seconds()
	})

	return &Metrics{
		Registry: reg,
		HandlerInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_handler_invocations_total",
			Help: "Command handler invocations by handler and outcome.",
		}, []string{"handler", "outcome"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_events_total",
			Help: "Domain events by source, type and outcome.",
		}, []string{"source", "type", "outcome"}),
		QueueSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_queue_sends_total",
			Help: "Queue sends by queue and outcome.",
		}, []string{"queue", "outcome"}),
		AuthorizationDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_authorization_denials_total",
			Help: "Capability checks that failed, by handler, resource and action.",
		}, []string{"handler", "resource", "action"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IncHandler(handler, outcome string) {
	if m != nil {
		m.HandlerInvocations.WithLabelValues(handler, outcome).Inc()
	}
}

func (m *Metrics) IncEvent(source, eventType, outcome string) {
	if m != nil {
		m.Events.WithLabelValues(source, eventType, outcome).Inc()
	}
}

func (m *Metrics) IncQueueSend(queue, outcome string) {
	if m != nil {
		m.QueueSends.WithLabelValues(queue, outcome).Inc()
	}
}

func (m *Metrics) IncDenial(handler, resource, action string) {
	if m != nil {
		m.AuthorizationDenials.WithLabelValues(handler, resource, action).Inc()
	}
}
