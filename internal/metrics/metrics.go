// Package metrics exposes Prometheus metrics for delivery, scheduling and the
// HTTP surface on a private registry.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifycore/internal/delivery"
	"notifycore/internal/eventbus"
	"notifycore/internal/scheduler"
	kit "notifycore/internal/transport"
)

const namespace = "notifycore"

type Metrics struct {
	reg *prometheus.Registry

	delivery  *prometheus.CounterVec
	attempts  prometheus.Histogram
	channels  *prometheus.CounterVec
	scheduled *prometheus.CounterVec
	httpReqs  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		delivery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_events_total",
			Help:      "Delivery lifecycle events by event and lane.",
		}, []string{"event", "lane"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "Attempt number carried by sent and failed events.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		channels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_results_total",
			Help:      "Per-channel delivery results.",
		}, []string{"channel", "success"}),
		scheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_events_total",
			Help:      "Scheduler outcomes by event.",
		}, []string{"event"}),
		httpReqs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route, method and status code.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"route", "method", "code"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Sources feed gauges that are read at scrape time. Nil funcs are skipped.
type Sources struct {
	Stats            func() delivery.Statistics
	ScheduledPending func() int
	Connections      func() int
}

func (m *Metrics) RegisterSources(src Sources) {
	f := promauto.With(m.reg)
	if src.Stats != nil {
		for _, l := range kit.Lanes {
			f.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "queue_depth",
				Help:        "Notifications waiting in a delivery lane.",
				ConstLabels: prometheus.Labels{"lane": string(l)},
			}, func() float64 { return float64(src.Stats().QueueDepths[l]) })
		}
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_pending",
			Help:      "Failed notifications waiting for their next attempt.",
		}, func() float64 { return float64(src.Stats().RetryPending) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_filtered_total",
			Help:      "Recipients dropped by preferences or quiet hours.",
		}, func() float64 { return float64(src.Stats().TotalFiltered) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_throttled_total",
			Help:      "Recipients dropped by throttle windows.",
		}, func() float64 { return float64(src.Stats().TotalThrottled) })
	}
	if src.ScheduledPending != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_pending",
			Help:      "Scheduled notifications waiting to fire.",
		}, func() float64 { return float64(src.ScheduledPending()) })
	}
	if src.Connections != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inapp_connections",
			Help:      "Open in-app websocket connections.",
		}, func() float64 { return float64(src.Connections()) })
	}
}

// Observe records one bus event. Unknown event types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch {
	case strings.HasPrefix(e.Type, "delivery."):
		ev, ok := e.Data.(delivery.Event)
		if !ok {
			return
		}
		name := strings.TrimPrefix(e.Type, "delivery.")
		m.delivery.WithLabelValues(name, string(ev.Lane)).Inc()
		if e.Type == delivery.EventSent || e.Type == delivery.EventFailed {
			m.attempts.Observe(float64(ev.Attempts))
			for _, r := range ev.Results {
				m.channels.WithLabelValues(string(r.Channel), strconv.FormatBool(r.Success)).Inc()
			}
		}
	case strings.HasPrefix(e.Type, "scheduler."):
		if _, ok := e.Data.(scheduler.Event); !ok {
			return
		}
		m.scheduled.WithLabelValues(strings.TrimPrefix(e.Type, "scheduler.")).Inc()
	}
}

// Consume feeds bus events into Observe until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, "delivery.", "scheduler.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	m.httpReqs.WithLabelValues(route, method, strconv.Itoa(code)).Observe(d.Seconds())
}
