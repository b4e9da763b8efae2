package statechart

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver records every transition and error as Prometheus
// series, the same promauto.With(registerer) idiom this repository's
// pkg/observability/prometheus metrics use for HTTP and EventBus traffic.
type PrometheusObserver struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// NewPrometheusObserver registers its metrics against registerer. Pass
// nil to use prometheus.DefaultRegisterer.
func NewPrometheusObserver(registerer prometheus.Registerer) *PrometheusObserver {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusObserver{
		transitions: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "statechart_transitions_total",
				Help: "Total number of completed macrosteps, by machine and triggering event",
			},
			[]string{"machine", "event"},
		),
		errors: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "statechart_errors_total",
				Help: "Total number of errors absorbed or raised while running a machine",
			},
			[]string{"machine"},
		),
	}
}

func (o *PrometheusObserver) OnTransition(sc StateChanged) {
	o.transitions.WithLabelValues(sc.MachineID, sc.Event).Inc()
}

func (o *PrometheusObserver) OnError(machineID string, err error) {
	o.errors.WithLabelValues(machineID).Inc()
}
