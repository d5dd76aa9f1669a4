package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements ports.EngineMetrics on its own registry, so
// several collectors can coexist in one process and in tests.
type PrometheusCollector struct {
	registry *prometheus.Registry

	framesCaptured   prometheus.Counter
	captureFailures  prometheus.Counter
	framesDropped    *prometheus.CounterVec
	unitsEncoded     *prometheus.CounterVec
	encodedBytes     *prometheus.CounterVec
	packetsSent      *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	violations       *prometheus.CounterVec
	livenessTimeouts *prometheus.CounterVec
	staleUnits       prometheus.Counter

	presentersActive  prometheus.Gauge
	presentersRemoved *prometheus.CounterVec
	visibleTiles      prometheus.Gauge
	queueDepth        *prometheus.GaugeVec

	layoutDuration prometheus.Histogram
	stitchDuration *prometheus.HistogramVec
}

func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "tilecast"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		framesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Screen frames captured",
		}),
		captureFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Failed screen captures",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Items discarded by queue overflow, by pipeline stage",
		}, []string{"stage"}),
		unitsEncoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_encoded_total",
			Help:      "Encoded units by kind (full, delta, noop)",
		}, []string{"kind"}),
		encodedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoded_bytes_total",
			Help:      "Approximate encoded payload bytes by kind",
		}, []string{"kind"}),
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets handed to the transport by header",
		}, []string{"header"}),
		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Transport send failures by header",
		}, []string{"header"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received by header",
		}, []string{"header"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Dropped packets by reason",
		}, []string{"reason"}),
		livenessTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_timeouts_total",
			Help:      "Liveness timer expirations by side",
		}, []string{"side"}),
		staleUnits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_units_discarded_total",
			Help:      "Units discarded because their presenter was not visible",
		}),
		presentersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presenters_active",
			Help:      "Registered presenters",
		}),
		presentersRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presenters_removed_total",
			Help:      "Presenter removals by reason",
		}, []string{"reason"}),
		visibleTiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "visible_tiles",
			Help:      "Tiles on the current page",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current bounded queue depth by stage",
		}, []string{"stage"}),
		layoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "layout_recompute_duration_seconds",
			Help:      "Time spent recomputing the visible page",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		stitchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_stitch_duration_seconds",
			Help:      "Time to turn a unit into a finalized tile",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),
	}
}

// Registry exposes the underlying registry.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collector's metrics.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) FrameCaptured()      { p.framesCaptured.Inc() }
func (p *PrometheusCollector) CaptureFailed()      { p.captureFailures.Inc() }
func (p *PrometheusCollector) StaleUnitDiscarded() { p.staleUnits.Inc() }

func (p *PrometheusCollector) FramesDropped(stage string, n int) {
	p.framesDropped.WithLabelValues(stage).Add(float64(n))
}

func (p *PrometheusCollector) UnitEncoded(kind string, bytes int) {
	p.unitsEncoded.WithLabelValues(kind).Inc()
	p.encodedBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) PacketSent(header string) {
	p.packetsSent.WithLabelValues(header).Inc()
}

func (p *PrometheusCollector) SendFailed(header string) {
	p.sendFailures.WithLabelValues(header).Inc()
}

func (p *PrometheusCollector) PacketReceived(header string) {
	p.packetsReceived.WithLabelValues(header).Inc()
}

func (p *PrometheusCollector) ProtocolViolation(reason string) {
	p.violations.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) PresenterRegistered() {
	p.presentersActive.Inc()
}

func (p *PrometheusCollector) PresenterRemoved(reason string) {
	p.presentersActive.Dec()
	p.presentersRemoved.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) LivenessTimeout(side string) {
	p.livenessTimeouts.WithLabelValues(side).Inc()
}

func (p *PrometheusCollector) LayoutRecomputed(visible int, took time.Duration) {
	p.visibleTiles.Set(float64(visible))
	p.layoutDuration.Observe(took.Seconds())
}

func (p *PrometheusCollector) TileStitched(kind string, took time.Duration) {
	p.stitchDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// SetQueueDepth records a sampled queue depth.
func (p *PrometheusCollector) SetQueueDepth(stage string, depth int) {
	p.queueDepth.WithLabelValues(stage).Set(float64(depth))
}
