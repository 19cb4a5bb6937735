// Package telemetry registers the engine's Prometheus instruments. The
// daemon exposes them on /metrics; embedded users get them on the default
// registry for free.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	// OpenSubscriptions tracks live store subscriptions.
	OpenSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_open_subscriptions",
		Help: "Number of live store change subscriptions.",
	})
	// SnapshotsPublished counts full snapshots fanned out to subscribers.
	SnapshotsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_snapshots_published_total",
		Help: "Full snapshots delivered to subscribers.",
	})
	// DecodeSkips counts stored records omitted because they failed to
	// decode. A skip never fails the surrounding subscription.
	DecodeSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_decode_skips_total",
		Help: "Stored records skipped due to decode failure.",
	})
	// SendsTotal counts send attempts by outcome.
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "Message send attempts.",
	}, []string{"outcome"})
	// Refilters counts watermark-triggered message re-filters.
	Refilters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_watermark_refilters_total",
		Help: "Message list re-filters triggered by watermark changes.",
	})
	// OpenSessions tracks open conversation sessions.
	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_open_sessions",
		Help: "Open conversation sessions.",
	})
)

func init() {
	prometheus.MustRegister(
		OpenSubscriptions,
		SnapshotsPublished,
		DecodeSkips,
		SendsTotal,
		Refilters,
		OpenSessions,
	)
}
