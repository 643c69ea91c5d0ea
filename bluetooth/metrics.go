package bluetooth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes device counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	framesSent        *prometheus.CounterVec
	writesIgnored     prometheus.Counter
	screenUpdates     *prometheus.CounterVec
	payloadTruncated  prometheus.Counter
	reconnectAttempts prometheus.Counter
	connected         prometheus.Gauge
}

// NewMetrics registers the device metrics on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "synthlink"
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Command frames written to the synth",
		}, []string{"kind"}),
		writesIgnored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_ignored_total",
			Help:      "Command frames dropped while no command endpoint was held",
		}),
		screenUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screen_updates_total",
			Help:      "Completed framebuffer assemblies",
		}, []string{"mode"}),
		payloadTruncated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_truncated_total",
			Help:      "Screen payloads clipped during decompression",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a session to the synth is up",
		}),
	}
}

func (m *Metrics) frameSent(kind string) {
	if m != nil {
		m.framesSent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) writeIgnored() {
	if m != nil {
		m.writesIgnored.Inc()
	}
}

func (m *Metrics) screenUpdated(mode TransferMode) {
	if m != nil {
		m.screenUpdates.WithLabelValues(mode.String()).Inc()
	}
}

func (m *Metrics) payloadClipped() {
	if m != nil {
		m.payloadTruncated.Inc()
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) setConnected(on bool) {
	if m == nil {
		return
	}
	if on {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
