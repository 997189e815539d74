// Package metrics exports Prometheus collectors fed by client events.
package metrics

import (
	"context"
	"net/http"

	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the queryset metrics.
type Collector struct {
	operationsTotal      *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
	cacheReadsTotal      *prometheus.CounterVec
	subscriptionMessages prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryset_operations_total",
				Help: "Total number of GraphQL operations sent",
			},
			[]string{"type", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queryset_operation_duration_seconds",
				Help:    "GraphQL operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		cacheReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryset_cache_reads_total",
				Help: "Total number of cache reads",
			},
			[]string{"result"},
		),
		subscriptionMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "queryset_subscription_messages_total",
				Help: "Total number of subscription payloads received",
			},
		),
	}
	reg.MustRegister(c.operationsTotal, c.operationDuration, c.cacheReadsTotal, c.subscriptionMessages)
	return c
}

// Attach updates the collectors from the global eventbus.
func (c *Collector) Attach() (detach func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.OperationFinish) {
			status := "ok"
			if len(e.Errors) > 0 {
				status = "error"
			}
			c.operationsTotal.WithLabelValues(e.OperationType, status).Inc()
			c.operationDuration.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.CacheRead) {
			result := "miss"
			if e.Hit {
				result = "hit"
			}
			c.cacheReadsTotal.WithLabelValues(result).Inc()
		}),
		eventbus.Subscribe(func(context.Context, events.SubscriptionMessage) {
			c.subscriptionMessages.Inc()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
