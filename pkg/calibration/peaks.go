package calibration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/itohio/capgrid/pkg/sample"
	"gopkg.in/yaml.v3"
)

// Peaks holds the maximum tracker delta recorded per node while the node was
// pressed hard. It scales live deltas into a 0..1 intensity.
type Peaks map[sample.NodeKey]float64

// Get returns the peak for a node, or 1 when the node has no usable peak.
func (p Peaks) Get(k sample.NodeKey) float64 {
	v, ok := p[k]
	if !ok || v <= 0 {
		return 1
	}
	return v
}

// LoadPeaks reads a peak table. A missing file yields an empty table.
func LoadPeaks(path string) (Peaks, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Peaks{}, nil
		}
		return nil, fmt.Errorf("failed to read peaks file: %w", err)
	}

	raw := map[string]float64{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse peaks file: %w", err)
	}

	out := make(Peaks, len(raw))
	for ks, v := range raw {
		k, err := sample.ParseKey(ks)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Save writes the peak table keyed by "row,col".
func (p Peaks) Save(path string) error {
	raw := make(map[string]float64, len(p))
	for k, v := range p {
		raw[k.String()] = v
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal peaks: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create peaks directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write peaks file: %w", err)
	}
	return nil
}

// PeakRecorder tracks the largest delta seen for a single target node while
// the operator presses it. Readings from other nodes are ignored.
type PeakRecorder struct {
	target sample.NodeKey
	peak   float64
	seen   int
}

// NewPeakRecorder starts recording for one node.
func NewPeakRecorder(target sample.NodeKey) *PeakRecorder {
	return &PeakRecorder{target: target}
}

// Observe records a tracker delta for a node and reports whether it belonged
// to the target.
func (r *PeakRecorder) Observe(k sample.NodeKey, delta float64) bool {
	if k != r.target {
		return false
	}
	r.seen++
	if delta > r.peak {
		r.peak = delta
	}
	return true
}

// Peak returns the maximum delta observed for the target.
func (r *PeakRecorder) Peak() float64 {
	return r.peak
}

// Seen returns how many target readings were observed.
func (r *PeakRecorder) Seen() int {
	return r.seen
}

// Target returns the node being recorded.
func (r *PeakRecorder) Target() sample.NodeKey {
	return r.target
}
