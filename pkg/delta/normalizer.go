// Package delta turns frames into relative capacitance change (ΔC/C0) grids.
package delta

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/itohio/capgrid/pkg/frame"
	"github.com/itohio/capgrid/pkg/sample"
)

// Lookup resolves a node's calibrated resting value.
type Lookup interface {
	Get(k sample.NodeKey) (float64, bool)
}

// Config controls post-processing of normalised values.
type Config struct {
	Clamp          bool    `yaml:"clamp"`
	ClampMin       float64 `yaml:"clamp_min"`
	ClampMax       float64 `yaml:"clamp_max"`
	TouchThreshold float64 `yaml:"touch_threshold"` // |ΔC/C0| below this is reported as 0
}

// DefaultConfig clamps to ±10 % and suppresses changes under 0.01 %.
func DefaultConfig() Config {
	return Config{
		Clamp:          true,
		ClampMin:       -0.1,
		ClampMax:       0.1,
		TouchThreshold: 0.0001,
	}
}

// Grid is a row-major grid of ΔC/C0 values.
type Grid struct {
	Rows   int
	Cols   int
	Values []float64
}

// At returns the value of (row, col).
func (g *Grid) At(row, col int) float64 {
	return g.Values[row*g.Cols+col]
}

// Normalizer computes ΔC/C0 per node.
type Normalizer struct {
	cfg Config
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize computes (C - C0) / C0 for every node of the frame. Nodes with a
// missing or non-positive C0 yield 0. A nil lookup yields an all-zero grid.
func (n *Normalizer) Normalize(f *frame.Frame, baselines Lookup) *Grid {
	g := &Grid{Rows: f.Rows, Cols: f.Cols, Values: make([]float64, len(f.Values))}
	if baselines == nil {
		return g
	}
	for i, raw := range f.Values {
		c0, ok := baselines.Get(f.Key(i))
		if !ok || c0 <= 0 {
			continue
		}
		g.Values[i] = n.apply((float64(raw) - c0) / c0)
	}
	return g
}

func (n *Normalizer) apply(v float64) float64 {
	if math.Abs(v) < n.cfg.TouchThreshold {
		return 0
	}
	if n.cfg.Clamp {
		v = math.Max(n.cfg.ClampMin, math.Min(n.cfg.ClampMax, v))
	}
	return v
}

// Intensity scales a tracker delta by the node's recorded peak into [0, 1].
// A non-positive peak counts as 1.
func Intensity(d, peak float64) float64 {
	if peak <= 0 {
		peak = 1
	}
	v := d / peak
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Display converts values to float32 for compact consumer payloads. NaN and
// infinities become 0.
func Display(values []float64) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		f := float32(v)
		if math32.IsNaN(f) || math32.IsInf(f, 0) {
			continue
		}
		out[i] = f
	}
	return out
}
