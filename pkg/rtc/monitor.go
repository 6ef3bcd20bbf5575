package rtc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/transport"
)

var (
	metricAudioBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xiaozhi_webrtc_audio_bitrate_bps",
		Help: "Inbound audio bitrate in bits per second.",
	})
	metricVideoBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xiaozhi_webrtc_video_bitrate_bps",
		Help: "Inbound video bitrate in bits per second.",
	})
	metricPacketsLost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xiaozhi_webrtc_packets_lost",
		Help: "Cumulative inbound packets lost.",
	})
	metricRoundTripTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xiaozhi_webrtc_round_trip_seconds",
		Help: "Current ICE round trip time in seconds.",
	})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xiaozhi_webrtc_reconnects_total",
		Help: "Reconnection attempts executed.",
	})
)

// QualitySample is one normalized statistics snapshot. Fields the transport
// could not supply are zero.
type QualitySample struct {
	AudioLevel      float64
	AudioBitrateBps float64
	VideoBitrateBps float64
	PacketsLost     int32
	RoundTripTime   time.Duration
	SampledAt       time.Time
}

// PerformanceSummary is the caller-facing view of collected quality data.
type PerformanceSummary struct {
	Latest             QualitySample
	Samples            []QualitySample // populated only with sample retention
	ConnectionDuration time.Duration
}

// qualityMonitor polls the current transport adapter on a fixed period and
// derives normalized samples. A tick whose stats are unavailable is skipped;
// the timer keeps running.
type qualityMonitor struct {
	adapter   func() transport.Adapter
	interval  time.Duration
	retention int
	logger    *slog.Logger
	emit      func(QualitySample)

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	connectedAt time.Time
	duration    time.Duration
	prev        *transport.RawStats
	latest      QualitySample
	samples     []QualitySample
}

func newQualityMonitor(adapter func() transport.Adapter, interval time.Duration, retention int, logger *slog.Logger, emit func(QualitySample)) *qualityMonitor {
	return &qualityMonitor{
		adapter:   adapter,
		interval:  interval,
		retention: retention,
		logger:    logger,
		emit:      emit,
	}
}

// markConnected records the start of the connected span used for the final
// connection duration.
func (m *qualityMonitor) markConnected(at time.Time) {
	m.mu.Lock()
	m.connectedAt = at
	m.mu.Unlock()
}

// Start begins sampling. Starting a running monitor is a no-op.
func (m *qualityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.prev = nil
	m.stop = make(chan struct{})
	go m.loop(m.stop)
}

func (m *qualityMonitor) loop(stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *qualityMonitor) tick() {
	a := m.adapter()
	if a == nil {
		return
	}
	stats := a.GetStats()
	if stats == nil {
		m.logger.Debug("stats unavailable, skipping sample")
		return
	}

	m.mu.Lock()
	sample := QualitySample{
		AudioLevel:    stats.AudioLevel,
		PacketsLost:   stats.PacketsLost,
		RoundTripTime: stats.RoundTripTime,
		SampledAt:     stats.CollectedAt,
	}
	if m.prev != nil {
		elapsed := stats.CollectedAt.Sub(m.prev.CollectedAt).Seconds()
		if elapsed > 0 {
			sample.AudioBitrateBps = float64(stats.AudioBytesReceived-m.prev.AudioBytesReceived) * 8 / elapsed
			sample.VideoBitrateBps = float64(stats.VideoBytesReceived-m.prev.VideoBytesReceived) * 8 / elapsed
		}
	}
	m.prev = stats
	m.latest = sample
	if m.retention > 0 {
		m.samples = append(m.samples, sample)
		if len(m.samples) > m.retention {
			m.samples = m.samples[len(m.samples)-m.retention:]
		}
	}
	m.mu.Unlock()

	metricAudioBitrate.Set(sample.AudioBitrateBps)
	metricVideoBitrate.Set(sample.VideoBitrateBps)
	metricPacketsLost.Set(float64(sample.PacketsLost))
	metricRoundTripTime.Set(sample.RoundTripTime.Seconds())

	m.emit(sample)
}

// Stop halts sampling and records the final connection duration. Stopping a
// stopped monitor is a no-op.
func (m *qualityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	m.stop = nil
	if !m.connectedAt.IsZero() {
		m.duration = time.Since(m.connectedAt)
	}
}

// Running reports whether the sampling timer is active.
func (m *qualityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Summary returns the collected quality data.
func (m *qualityMonitor) Summary() PerformanceSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.duration
	if m.running && !m.connectedAt.IsZero() {
		duration = time.Since(m.connectedAt)
	}
	out := PerformanceSummary{
		Latest:             m.latest,
		ConnectionDuration: duration,
	}
	if m.retention > 0 {
		out.Samples = append([]QualitySample(nil), m.samples...)
	}
	return out
}
