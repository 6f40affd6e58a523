package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"wrts/internal/core/domain"
)

// PrometheusCollector exports playback telemetry; it implements
// ports.Collector.
type PrometheusCollector struct {
	bufferLevel   prometheus.Gauge
	bufferState   prometheus.Gauge
	bitrate       *prometheus.GaugeVec
	bytesReceived prometheus.Counter
	stallsTotal   prometheus.Counter

	skippedMedia     *prometheus.HistogramVec
	sequenceDuration *prometheus.HistogramVec
	upProbesTotal    *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		bufferLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wrts_buffer_level_ms",
			Help: "Buffered media ahead of the playhead in milliseconds",
		}),

		bufferState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wrts_buffer_state",
			Help: "Buffer state machine position (0=none 1=low 2=ok 3=high)",
		}),

		bitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wrts_selected_bitrate_bytes_per_second",
			Help: "Bandwidth of the currently selected rendition",
		}, []string{"kind"}),

		bytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wrts_bytes_received_total",
			Help: "Total media bytes received",
		}),

		stallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wrts_stalls_total",
			Help: "Total playback stalls",
		}),

		skippedMedia: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wrts_skipped_media_ms",
			Help:    "Media skipped during timestamp repair and frame skipping",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"kind"}),

		sequenceDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wrts_sequence_download_duration_seconds",
			Help:    "Duration of sequence downloads",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"result"}),

		upProbesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wrts_up_probes_total",
			Help: "Bandwidth-emulation probe outcomes",
		}, []string{"result"}),
	}
}

func (p *PrometheusCollector) RecordBufferLevel(ms int64) {
	p.bufferLevel.Set(float64(ms))
}

func (p *PrometheusCollector) RecordBufferState(state domain.BufferState) {
	p.bufferState.Set(float64(state))
}

func (p *PrometheusCollector) RecordBitrate(kind domain.TrackKind, bytesPerSecond int) {
	p.bitrate.WithLabelValues(kind.String()).Set(float64(bytesPerSecond))
}

func (p *PrometheusCollector) RecordBytesReceived(n int) {
	p.bytesReceived.Add(float64(n))
}

func (p *PrometheusCollector) RecordStall() {
	p.stallsTotal.Inc()
}

func (p *PrometheusCollector) RecordSkip(kind domain.TrackKind, ms int64) {
	p.skippedMedia.WithLabelValues(kind.String()).Observe(float64(ms))
}

func (p *PrometheusCollector) RecordSequenceDownload(d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.sequenceDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordUpProbe(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.upProbesTotal.WithLabelValues(result).Inc()
}
