// Package touch implements per-node touch detection: an adaptive baseline that
// follows slow drift while the node is idle, a dip-triggered press detector and
// an absolute hysteresis band for release.
package touch

import (
	"fmt"
	"math"
)

// Default tracker parameters, tuned for the FDC2x1x raw counts the lab
// firmware streams.
const (
	DefaultAlphaBaseline = 0.0005
	DefaultPressDip      = 50000
	DefaultReleaseBand   = 20000
	DefaultWindow        = 5
	DefaultDeltaDecay    = 0.1
)

// Config holds NodeTracker parameters.
//
// ReleaseBand must be strictly smaller than PressDip, otherwise a press can be
// released by the very sample that started it. Check reports a violation; the
// tracker does not correct it.
type Config struct {
	AlphaBaseline float64 `yaml:"alpha_baseline"`      // EMA rate applied while untouched
	PressDip      float64 `yaml:"press_dip_threshold"` // Sample-to-sample drop that starts a press
	ReleaseBand   float64 `yaml:"release_band"`        // |baseline - raw| below this releases
	Window        int     `yaml:"window"`              // Size of the recent-sample ring buffer
	DeltaDecay    float64 `yaml:"delta_decay"`         // Fraction of delta removed per idle sample
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		AlphaBaseline: DefaultAlphaBaseline,
		PressDip:      DefaultPressDip,
		ReleaseBand:   DefaultReleaseBand,
		Window:        DefaultWindow,
		DeltaDecay:    DefaultDeltaDecay,
	}
}

// Check reports configurations that make the state machine chatter or stall.
func (c Config) Check() error {
	if c.ReleaseBand >= c.PressDip {
		return fmt.Errorf("release_band (%g) must be smaller than press_dip_threshold (%g)", c.ReleaseBand, c.PressDip)
	}
	if c.Window < 2 {
		return fmt.Errorf("window must hold at least 2 samples, got %d", c.Window)
	}
	if c.AlphaBaseline < 0 || c.AlphaBaseline > 1 {
		return fmt.Errorf("alpha_baseline must be within [0,1], got %g", c.AlphaBaseline)
	}
	if c.DeltaDecay < 0 || c.DeltaDecay > 1 {
		return fmt.Errorf("delta_decay must be within [0,1], got %g", c.DeltaDecay)
	}
	return nil
}

// Tracker turns the raw readings of one node into a (delta, touched) decision
// per sample. It is not safe for concurrent use.
type Tracker struct {
	cfg Config

	baseline    float64
	hasBaseline bool
	delta       float64
	touched     bool

	// Ring buffer of the last cfg.Window raw values.
	recent []int64
	head   int
	count  int
}

// NewTracker creates an untouched tracker without a baseline.
func NewTracker(cfg Config) *Tracker {
	if cfg.Window < 2 {
		cfg.Window = 2
	}
	return &Tracker{
		cfg:    cfg,
		recent: make([]int64, cfg.Window),
	}
}

// Reset returns the tracker to its initial state so the next sample becomes
// the new baseline.
func (t *Tracker) Reset() {
	t.baseline = 0
	t.hasBaseline = false
	t.delta = 0
	t.touched = false
	t.head = 0
	t.count = 0
}

// Feed processes one raw reading and returns the current delta (>= 0) and
// whether the node is touched.
func (t *Tracker) Feed(raw int64) (float64, bool) {
	t.push(raw)
	val := float64(raw)

	if !t.hasBaseline {
		t.baseline = val
		t.hasBaseline = true
		return 0, false
	}

	prev := t.previous(raw)

	// Press starts on a dip, not on an absolute level.
	if !t.touched && float64(prev-raw) > t.cfg.PressDip {
		t.touched = true
	}

	if t.touched && math.Abs(t.baseline-val) < t.cfg.ReleaseBand {
		t.touched = false
	}

	if !t.touched {
		t.baseline = (1-t.cfg.AlphaBaseline)*t.baseline + t.cfg.AlphaBaseline*val
		// Snap back if a single extreme reading dragged the baseline away.
		if t.baseline < val/20 || t.baseline > val*20 {
			t.baseline = val
		}

		t.delta *= 1 - t.cfg.DeltaDecay
		if math.Abs(t.delta) < 1 {
			t.delta = 0
		}
	} else {
		t.delta = t.baseline - val
	}

	if t.delta < 0 {
		t.delta = 0
	}

	return t.delta, t.touched
}

// Baseline returns the adaptive baseline and whether one has been set.
func (t *Tracker) Baseline() (float64, bool) {
	return t.baseline, t.hasBaseline
}

// Delta returns the last computed delta.
func (t *Tracker) Delta() float64 {
	return t.delta
}

// Touched reports whether the node is currently pressed.
func (t *Tracker) Touched() bool {
	return t.touched
}

// Config returns the tracker parameters.
func (t *Tracker) Config() Config {
	return t.cfg
}

func (t *Tracker) push(raw int64) {
	t.recent[t.head] = raw
	t.head = (t.head + 1) % len(t.recent)
	if t.count < len(t.recent) {
		t.count++
	}
}

// previous returns the value pushed before the most recent one, or fallback
// when the buffer holds a single value.
func (t *Tracker) previous(fallback int64) int64 {
	if t.count < 2 {
		return fallback
	}
	n := len(t.recent)
	return t.recent[(t.head-2+n)%n]
}
