package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_events_total",
		Help: "Events emitted per event type.",
	}, []string{"event_type"})

	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_handler_failures_total",
		Help: "Handler invocations that returned an error or panicked.",
	}, []string{"event_type"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_retries_scheduled_total",
		Help: "Retries scheduled after handler failures.",
	}, []string{"event_type"})

	activeKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_active_keys",
		Help: "Keys with queued or in-flight work.",
	}, []string{"event_type"})
)
