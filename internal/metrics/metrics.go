// Package metrics defines the Prometheus metrics exposed on /metrics.
// Label cardinality is kept low on purpose: no session ids, no channel ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// TunersInUse tracks live tuner slots (sessions in starting or running).
	TunersInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexbridge_tuners_in_use",
		Help: "Current number of tuner slots held by live sessions.",
	})

	// SessionsStarted counts sessions that reached the running state.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexbridge_sessions_started_total",
		Help: "Total number of sessions that produced first bytes.",
	})

	// SessionsClosed counts terminal session transitions by reason.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_sessions_closed_total",
		Help: "Total number of closed sessions, by reason.",
	}, []string{"reason"})

	// SessionsRejected counts acquire rejections by reason.
	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_sessions_rejected_total",
		Help: "Total number of rejected stream requests, by reason.",
	}, []string{"reason"})

	// MetadataRewrites counts forbidden Live-TV metadata values rewritten by
	// the safety filter, by rule name.
	MetadataRewrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_metadata_rewrites_total",
		Help: "Total number of forbidden metadata values rewritten, by rule.",
	}, []string{"rule"})

	// TranscoderRestarts counts supervisor-initiated ffmpeg restarts.
	TranscoderRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_transcoder_restarts_total",
		Help: "Total number of ffmpeg restarts, by cause.",
	}, []string{"cause"})

	// StreamBytes counts MPEG-TS bytes delivered to clients.
	StreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexbridge_stream_bytes_total",
		Help: "Total MPEG-TS bytes written to stream clients.",
	})

	// SSDPResponses counts answered M-SEARCH requests by search target.
	SSDPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_ssdp_responses_total",
		Help: "Total SSDP M-SEARCH responses sent, by search target.",
	}, []string{"st"})
)

// GaugeValue returns the current value of a gauge (for tests).
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// CounterValue returns the current value of a counter (for tests).
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
