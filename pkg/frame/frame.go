// Package frame assembles the raster-scanned sample stream into whole-grid
// snapshots.
package frame

import (
	"github.com/itohio/capgrid/pkg/sample"
)

// Frame is one reading per node of the declared grid. Frames are immutable
// once published; consumers may share them freely.
type Frame struct {
	Seq       uint64
	Timestamp float64 // Timestamp of the sample that completed the frame
	Rows      int
	Cols      int
	Values    []int64 // Row-major raw values
	Stale     []bool  // Node did not report in this frame; value carried over
	Partial   bool    // Frame was force-published before every node reported
}

// Value returns the raw value of (row, col).
func (f *Frame) Value(row, col int) int64 {
	return f.Values[row*f.Cols+col]
}

// IsStale reports whether (row, col) carries a value from an earlier frame.
func (f *Frame) IsStale(row, col int) bool {
	return f.Stale[row*f.Cols+col]
}

// Key returns the node key at a row-major index.
func (f *Frame) Key(i int) sample.NodeKey {
	return sample.Key(uint32(i/f.Cols), uint32(i%f.Cols))
}

// StaleCount returns how many nodes carry stale values.
func (f *Frame) StaleCount() int {
	n := 0
	for _, s := range f.Stale {
		if s {
			n++
		}
	}
	return n
}
