// Package metrics exposes the protocol engine's counters and gauges via
// Prometheus, grounded on the retrieval pack's own use of
// github.com/prometheus/client_golang (runZeroInc-conniver/pkg/exporter).
// Unlike TCPInfoCollector's custom prometheus.Collector, this package uses
// the library's higher-level CounterVec/GaugeVec, since the values here
// are pushed by the protocol's own actors rather than sampled from kernel
// state on Collect.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide set of metrics, private so multiple
// sessions in one test binary don't collide on the default registry.
type Registry struct {
	reg *prometheus.Registry

	MalformedFrames prometheus.Counter

	packetsSent   *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	blocksAcked   *prometheus.CounterVec
	rateBps       *prometheus.GaugeVec
	lossEventRate *prometheus.GaugeVec
	rttSeconds    *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmb_malformed_frames_total",
			Help: "Frames dropped for failing to parse as a known packet kind.",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmb_packets_sent_total",
			Help: "Data packets sent, by remote endpoint.",
		}, []string{"remote"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmb_bytes_sent_total",
			Help: "Data bytes sent, by remote endpoint.",
		}, []string{"remote"}),
		blocksAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmb_blocks_acked_total",
			Help: "Blocks acknowledged, by remote endpoint.",
		}, []string{"remote"}),
		rateBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cmb_sending_rate_bps",
			Help: "Currently negotiated sending rate, by remote endpoint.",
		}, []string{"remote"}),
		lossEventRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cmb_loss_event_rate",
			Help: "Estimated loss-event rate, by remote endpoint.",
		}, []string{"remote"}),
		rttSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cmb_rtt_seconds",
			Help:    "Measured round-trip time samples, by remote endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"remote"}),
	}

	reg.MustRegister(r.MalformedFrames, r.packetsSent, r.bytesSent, r.blocksAcked,
		r.rateBps, r.lossEventRate, r.rttSeconds)
	return r
}

// Handler exposes the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Connection is the per-connection view of the registry's vectors, handed
// to one sender.Connection or receiver.Connection actor.
type Connection struct {
	PacketsSent   prometheus.Counter
	BytesSent     prometheus.Counter
	BlocksAcked   prometheus.Counter
	RateBps       prometheus.Gauge
	LossEventRate prometheus.Gauge
	RTT           prometheus.Observer
}

func (r *Registry) ForConnection(remote string) *Connection {
	return &Connection{
		PacketsSent:   r.packetsSent.WithLabelValues(remote),
		BytesSent:     r.bytesSent.WithLabelValues(remote),
		BlocksAcked:   r.blocksAcked.WithLabelValues(remote),
		RateBps:       r.rateBps.WithLabelValues(remote),
		LossEventRate: r.lossEventRate.WithLabelValues(remote),
		RTT:           r.rttSeconds.WithLabelValues(remote),
	}
}
