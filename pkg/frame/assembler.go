package frame

import (
	"time"

	"github.com/itohio/capgrid/pkg/sample"
)

// Config bounds how long a frame may stay incomplete.
type Config struct {
	MaxSamples int           `yaml:"max_samples"` // Samples buffered before a partial frame is forced (0 = 4×expected nodes)
	MaxAge     time.Duration `yaml:"max_age"`     // Age of the oldest buffered sample before a partial frame is forced (0 = never)
}

// Assembler groups samples into frames.
//
// A frame completes when every expected node has reported at least once since
// the last publish, in any order. A node reporting twice within one cycle
// overwrites its earlier value. Samples for nodes outside the declared grid
// are ignored.
//
// Assembler is not safe for concurrent use.
type Assembler struct {
	rows, cols int
	cfg        Config
	expected   []int // Row-major indices that must report
	isExpected []bool

	seq      uint64
	values   []int64
	seen     []bool
	missing  int
	buffered int
	first    float64
	last     []int64 // Values of the last published frame
}

// NewAssembler creates an assembler for a rows×cols grid. active restricts
// completion to a subset of nodes; nil means the whole grid.
func NewAssembler(rows, cols int, active []sample.NodeKey, cfg Config) *Assembler {
	n := rows * cols
	a := &Assembler{
		rows:       rows,
		cols:       cols,
		cfg:        cfg,
		isExpected: make([]bool, n),
		values:     make([]int64, n),
		seen:       make([]bool, n),
		last:       make([]int64, n),
	}
	if len(active) == 0 {
		active = sample.GridKeys(rows, cols)
	}
	for _, k := range active {
		if !k.In(rows, cols) {
			continue
		}
		i := k.Index(cols)
		if !a.isExpected[i] {
			a.isExpected[i] = true
			a.expected = append(a.expected, i)
		}
	}
	if a.cfg.MaxSamples <= 0 {
		a.cfg.MaxSamples = 4 * len(a.expected)
	}
	a.Reset()
	return a
}

// Reset drops the in-progress buffer. Published history is kept so stale
// values stay meaningful.
func (a *Assembler) Reset() {
	for i := range a.seen {
		a.seen[i] = false
	}
	a.missing = len(a.expected)
	a.buffered = 0
	a.first = 0
}

// Add buffers a sample and returns a frame when one is published.
func (a *Assembler) Add(s sample.Sample) (*Frame, bool) {
	k := s.Key()
	if !k.In(a.rows, a.cols) {
		return nil, false
	}

	if a.buffered == 0 {
		a.first = s.Timestamp
	}
	a.buffered++

	i := k.Index(a.cols)
	a.values[i] = s.Raw
	if !a.seen[i] {
		a.seen[i] = true
		if a.isExpected[i] {
			a.missing--
		}
	}

	if a.missing == 0 {
		return a.publish(s.Timestamp), true
	}
	if a.buffered >= a.cfg.MaxSamples || a.expired(s.Timestamp) {
		return a.publish(s.Timestamp), true
	}
	return nil, false
}

// Flush force-publishes a partial frame when the buffer is older than MaxAge
// at time now. The reader calls it while the stream is quiet so a truncated
// scan cannot hold a frame back indefinitely.
func (a *Assembler) Flush(now float64) (*Frame, bool) {
	if a.buffered == 0 || !a.expired(now) {
		return nil, false
	}
	return a.publish(now), true
}

// Pending returns the number of samples buffered toward the next frame.
func (a *Assembler) Pending() int {
	return a.buffered
}

func (a *Assembler) expired(now float64) bool {
	return a.cfg.MaxAge > 0 && now-a.first >= a.cfg.MaxAge.Seconds()
}

func (a *Assembler) publish(ts float64) *Frame {
	n := a.rows * a.cols
	f := &Frame{
		Seq:       a.seq + 1,
		Timestamp: ts,
		Rows:      a.rows,
		Cols:      a.cols,
		Values:    make([]int64, n),
		Stale:     make([]bool, n),
		Partial:   a.missing > 0,
	}
	for i := 0; i < n; i++ {
		if a.seen[i] {
			f.Values[i] = a.values[i]
		} else {
			f.Values[i] = a.last[i]
			f.Stale[i] = true
		}
	}
	copy(a.last, f.Values)
	a.seq = f.Seq
	a.Reset()
	return f
}
