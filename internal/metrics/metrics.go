// Package metrics exposes prometheus collectors for the ingest pipeline.
// Stage timings are fed from the event bus, so the pipeline itself does
// not have to know about prometheus.
package metrics

import (
	"net/http"

	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leaf"

type (
	// GaugeSource reports a value sampled at scrape time.
	GaugeSource func() float64

	Metrics struct {
		registry      *prometheus.Registry
		stageDuration *prometheus.HistogramVec
		events        *prometheus.CounterVec
	}
)

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time taken by each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"stage"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_events_total",
			Help:      "Number of pipeline events dispatched, by event",
		}, []string{"event"}),
	}
}

// Gauge registers a gauge whose value is read from source on every scrape.
func (metrics *Metrics) Gauge(name string, help string, source GaugeSource) {
	promauto.With(metrics.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, source)
}

// Subscribe registers the metrics as a handler of every pipeline event.
func (metrics *Metrics) Subscribe(bus event.EventHandler) {
	for _, ev := range event.All {
		bus.RegisterHandlerFunction(ev, metrics.observe)
	}
}

func (metrics *Metrics) observe(ev event.Event, payload event.Payload) {
	metrics.events.WithLabelValues(string(ev)).Inc()

	stage, ok := payload.(event.Stage)
	if !ok || stage.Duration <= 0 {
		return
	}

	metrics.stageDuration.WithLabelValues(stage.Stage).Observe(stage.Duration.Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// Registry exposes the underlying registry, primarily for tests.
func (metrics *Metrics) Registry() *prometheus.Registry { return metrics.registry }
