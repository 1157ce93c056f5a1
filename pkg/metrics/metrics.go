// Package metrics defines the Prometheus collectors of the acquisition
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "capgrid"
	subsystem = "pipeline"
)

// Frame kinds for the FramesTotal label.
const (
	FrameComplete = "complete"
	FramePartial  = "partial"
)

// Parse drop reasons for the ParseDropped label.
const (
	DropBanner    = "banner"
	DropMalformed = "malformed"
)

// Metrics groups the pipeline collectors. Each pipeline registers its own set
// so several pipelines (or tests) can run in one process.
type Metrics struct {
	// SamplesTotal counts samples that reached the tracker.
	SamplesTotal prometheus.Counter
	// ParseDropped counts discarded lines. Labels: reason (banner, malformed)
	ParseDropped *prometheus.CounterVec
	// PersistedTotal counts samples written to the CSV log.
	PersistedTotal prometheus.Counter
	// LostTotal counts samples dropped because the write queue was full.
	LostTotal prometheus.Counter
	// FramesTotal counts published frames. Labels: kind (complete, partial)
	FramesTotal *prometheus.CounterVec
	// FrameInterval observes the device-time spacing of published frames.
	FrameInterval prometheus.Histogram
	// QueueDepth is the number of samples waiting for the writer.
	QueueDepth prometheus.Gauge
	// QueueCapacity is the configured write queue size.
	QueueCapacity prometheus.Gauge
	// StaleNodes is the number of nodes carried over in the latest frame.
	StaleNodes prometheus.Gauge
	// Trackers counts touch trackers, including nodes outside the grid.
	Trackers prometheus.Gauge
	// Reconnects counts serial reconnect attempts.
	Reconnects prometheus.Counter
	// TouchedNodes is the number of nodes currently pressed.
	TouchedNodes prometheus.Gauge
	// CalibrationState mirrors calibration.State (0 collecting, 1 pending, 2 ready).
	CalibrationState prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SamplesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_total",
			Help:      "Samples routed to the touch trackers",
		}),
		ParseDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parse_dropped_total",
			Help:      "Serial lines discarded by the parser",
		}, []string{"reason"}),
		PersistedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "persisted_total",
			Help:      "Samples written to the CSV log",
		}),
		LostTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lost_total",
			Help:      "Samples dropped from persistence because the write queue was full",
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Frames published to the latest-frame slot",
		}, []string{"kind"}),
		FrameInterval: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frame_interval_seconds",
			Help:      "Time between consecutive published frames",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Samples waiting for the CSV writer",
		}),
		QueueCapacity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_capacity",
			Help:      "Size of the CSV write queue",
		}),
		StaleNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_nodes",
			Help:      "Nodes that did not report in the latest frame",
		}),
		Trackers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "trackers",
			Help:      "Touch trackers, including nodes outside the declared grid",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Serial reconnect attempts",
		}),
		TouchedNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "touched_nodes",
			Help:      "Nodes currently detected as pressed",
		}),
		CalibrationState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calibration_state",
			Help:      "Baseline calibration state (0 collecting, 1 pending, 2 ready)",
		}),
	}
}
