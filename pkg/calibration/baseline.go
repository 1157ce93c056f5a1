// Package calibration computes the per-node resting capacitance (C0) used to
// normalise frames, and the per-node peak deltas used to scale touch intensity.
package calibration

import (
	"sort"
	"time"

	"github.com/itohio/capgrid/pkg/sample"
	"gonum.org/v1/gonum/stat"
)

// State is the calibration lifecycle state.
type State int

const (
	// Collecting accumulates samples until the window closes.
	Collecting State = iota
	// Pending means the window closed but some nodes reported nothing; each
	// of them takes its first later reading as C0. The nodes that did report
	// are already usable.
	Pending
	// Ready means every configured node has a C0.
	Ready
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Config selects the calibration window. The window closes on whichever limit
// is reached first; a zero value disables that limit.
type Config struct {
	Duration       time.Duration `yaml:"duration"`         // Time-based window, measured on sample timestamps
	SamplesPerNode int           `yaml:"samples_per_node"` // Count-based window
}

// Table is a write-once baseline table.
type Table map[sample.NodeKey]float64

// Get returns C0 for a node.
func (t Table) Get(k sample.NodeKey) (float64, bool) {
	v, ok := t[k]
	return v, ok
}

// NodeReport summarises the samples a node contributed to its C0.
type NodeReport struct {
	Key      sample.NodeKey
	C0       float64
	Samples  int
	Min      float64
	Max      float64
	StdDev   float64
	Fallback bool // C0 came from the first reading after the window
}

// Baseline computes a median C0 per node over a startup window.
//
// Baseline is not safe for concurrent use. The acquisition reader owns it.
type Baseline struct {
	cfg   Config
	nodes []sample.NodeKey
	known map[sample.NodeKey]struct{}

	state   State
	started bool
	first   float64

	samples map[sample.NodeKey][]float64
	c0      map[sample.NodeKey]float64
	reports map[sample.NodeKey]NodeReport
	table   Table
	version uint64
}

// NewBaseline creates a calibrator for the given nodes.
func NewBaseline(nodes []sample.NodeKey, cfg Config) *Baseline {
	b := &Baseline{
		cfg:   cfg,
		nodes: append([]sample.NodeKey(nil), nodes...),
		known: make(map[sample.NodeKey]struct{}, len(nodes)),
	}
	for _, k := range nodes {
		b.known[k] = struct{}{}
	}
	b.Restart()
	return b
}

// Restart discards all collected data and starts a fresh window.
func (b *Baseline) Restart() {
	b.state = Collecting
	b.started = false
	b.first = 0
	b.samples = make(map[sample.NodeKey][]float64, len(b.nodes))
	b.c0 = make(map[sample.NodeKey]float64, len(b.nodes))
	b.reports = make(map[sample.NodeKey]NodeReport, len(b.nodes))
	b.table = nil
}

// State returns the current lifecycle state.
func (b *Baseline) State() State {
	return b.state
}

// Add consumes one sample. It returns true exactly once per run, on the
// sample that makes the calibration Ready.
func (b *Baseline) Add(s sample.Sample) bool {
	k := s.Key()
	if _, ok := b.known[k]; !ok {
		return false
	}

	switch b.state {
	case Collecting:
		if !b.started {
			b.started = true
			b.first = s.Timestamp
		}
		if b.cfg.Duration > 0 && s.Timestamp-b.first >= b.cfg.Duration.Seconds() {
			ready := b.close()
			// The closing sample may be the fallback reading of a silent node.
			return b.fallback(k, s.Raw) || ready
		}
		if b.cfg.SamplesPerNode > 0 && len(b.samples[k]) >= b.cfg.SamplesPerNode {
			// A full node reporting again means the scan wrapped; nodes that
			// still have nothing are treated as silent.
			if b.reportersFull() {
				return b.close()
			}
			return false
		}
		b.samples[k] = append(b.samples[k], float64(s.Raw))
		if b.cfg.SamplesPerNode > 0 && b.countReached() {
			return b.close()
		}
		return false
	case Pending:
		return b.fallback(k, s.Raw)
	case Ready:
		// A node cleared by ResetNode is re-acquired from its next reading.
		if _, ok := b.c0[k]; !ok {
			b.setFallback(k, s.Raw)
			b.table = b.snapshot()
		}
	}
	return false
}

// ResetNode clears the C0 of one node; its next reading becomes its C0.
func (b *Baseline) ResetNode(k sample.NodeKey) {
	if _, ok := b.known[k]; !ok || b.state == Collecting {
		return
	}
	delete(b.c0, k)
	delete(b.reports, k)
}

// Table returns the current baseline table: nil while collecting, the nodes
// that reported while pending and every node once ready. Nodes missing from a
// pending table normalise to zero.
func (b *Baseline) Table() Table {
	if b.state == Collecting {
		return nil
	}
	return b.table
}

// Version increases every time the table is rebuilt.
func (b *Baseline) Version() uint64 {
	return b.version
}

// Report returns per-node calibration statistics in node order.
func (b *Baseline) Report() []NodeReport {
	out := make([]NodeReport, 0, len(b.reports))
	for _, k := range b.nodes {
		if r, ok := b.reports[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (b *Baseline) reportersFull() bool {
	for _, vals := range b.samples {
		if len(vals) < b.cfg.SamplesPerNode {
			return false
		}
	}
	return true
}

func (b *Baseline) countReached() bool {
	for _, k := range b.nodes {
		if len(b.samples[k]) < b.cfg.SamplesPerNode {
			return false
		}
	}
	return true
}

// close computes C0 for every node that reported and reports whether the
// calibration became Ready.
func (b *Baseline) close() bool {
	for _, k := range b.nodes {
		vals := b.samples[k]
		if len(vals) == 0 {
			continue
		}
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		_, std := stat.MeanStdDev(sorted, nil)
		if len(sorted) < 2 {
			std = 0
		}
		c0 := Median(sorted)
		b.c0[k] = c0
		b.reports[k] = NodeReport{
			Key:     k,
			C0:      c0,
			Samples: len(sorted),
			Min:     sorted[0],
			Max:     sorted[len(sorted)-1],
			StdDev:  std,
		}
	}
	b.samples = nil
	b.state = Pending
	if b.promote() {
		return true
	}
	b.table = b.snapshot()
	return false
}

func (b *Baseline) fallback(k sample.NodeKey, raw int64) bool {
	if _, ok := b.c0[k]; ok {
		return false
	}
	b.setFallback(k, raw)
	if b.promote() {
		return true
	}
	b.table = b.snapshot()
	return false
}

func (b *Baseline) setFallback(k sample.NodeKey, raw int64) {
	v := float64(raw)
	b.c0[k] = v
	b.reports[k] = NodeReport{Key: k, C0: v, Samples: 0, Min: v, Max: v, Fallback: true}
}

// promote moves Pending to Ready when every node has a C0.
func (b *Baseline) promote() bool {
	if b.state != Pending || len(b.c0) < len(b.nodes) {
		return false
	}
	b.table = b.snapshot()
	b.state = Ready
	return true
}

func (b *Baseline) snapshot() Table {
	b.version++
	t := make(Table, len(b.c0))
	for k, v := range b.c0 {
		t[k] = v
	}
	return t
}

// Median returns the median of sorted values; even counts average the middle
// pair. It returns 0 for an empty slice.
func Median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
