// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/ratelimit"
	"relaybot/internal/relay"
	"relaybot/internal/task/scheduler"
)

const namespace = "relaybot"

type Metrics struct {
	Registry *prometheus.Registry

	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	skipAheads   prometheus.Counter

	polls      *prometheus.CounterVec
	itemsFound *prometheus.CounterVec
	dispatched *prometheus.CounterVec

	quotaRemaining prometheus.Gauge
	quotaResetAt   prometheus.Gauge
	backoff        prometheus.Gauge

	deliveries *prometheus.CounterVec
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_passes_total",
			Help:      "Polling passes by outcome",
		}, []string{"status"}), // "ok", "error"
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_pass_duration_seconds",
			Help:      "Duration of polling passes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		skipAheads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skip_ahead_total",
			Help:      "Ticks moved past an exhausted quota window",
		}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_polls_total",
			Help:      "Per-entity polls by source and outcome",
		}, []string{"source", "status"}),
		itemsFound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_items_total",
			Help:      "New items found upstream",
		}, []string{"source"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_items_dispatched_total",
			Help:      "Items handed to the dispatcher",
		}, []string{"source"}),
		quotaRemaining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "twitter_quota_remaining",
			Help:      "Requests left in the current quota window",
		}),
		quotaResetAt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "twitter_quota_reset_timestamp_seconds",
			Help:      "Unix time the quota window resets",
		}),
		backoff: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "twitter_backoff_seconds",
			Help:      "Current throttling backoff",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery outcomes by source",
		}, []string{"source", "outcome"}),
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe updates series for one event; unknown events are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case scheduler.PassStats:
		status := "ok"
		if d.Err != "" {
			status = "error"
		}
		m.passes.WithLabelValues(status).Inc()
		m.passDuration.Observe(d.Duration.Seconds())
	case scheduler.SkipEvent:
		m.skipAheads.Inc()
	case relay.PollEvent:
		src := string(d.Source)
		status := "ok"
		if d.Err != "" {
			status = "error"
		}
		m.polls.WithLabelValues(src, status).Inc()
		m.itemsFound.WithLabelValues(src).Add(float64(d.Items))
		m.dispatched.WithLabelValues(src).Add(float64(d.Dispatched))
	case ratelimit.State:
		m.quotaRemaining.Set(float64(d.Remaining))
		if !d.ResetAt.IsZero() {
			m.quotaResetAt.Set(float64(d.ResetAt.Unix()))
		}
		m.backoff.Set(d.Backoff.Seconds())
	case notifier.DeliveryEvent:
		if outcome, ok := deliveryOutcome(ev.Type); ok {
			m.deliveries.WithLabelValues(string(d.Source), outcome).Inc()
		}
	}
}

func deliveryOutcome(typ string) (string, bool) {
	switch typ {
	case notifier.EventSent:
		return "sent", true
	case notifier.EventFailed:
		return "failed", true
	case notifier.EventDeduped:
		return "deduped", true
	case notifier.EventDropped:
		return "dropped", true
	case notifier.EventSkipped:
		return "skipped", true
	default:
		return "", false
	}
}
