package sample

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeKey identifies a sensing node by its scan position.
type NodeKey struct {
	Row uint32
	Col uint32
}

// Key builds a NodeKey.
func Key(row, col uint32) NodeKey {
	return NodeKey{Row: row, Col: col}
}

// In reports whether the key lies inside a rows×cols grid.
func (k NodeKey) In(rows, cols int) bool {
	return int(k.Row) < rows && int(k.Col) < cols
}

// Index returns the row-major index of the key in a grid with the given
// number of columns. The caller must check In first.
func (k NodeKey) Index(cols int) int {
	return int(k.Row)*cols + int(k.Col)
}

// String formats the key as "row,col", the form used in calibration files.
func (k NodeKey) String() string {
	return fmt.Sprintf("%d,%d", k.Row, k.Col)
}

// ParseKey parses a "row,col" key. Spaces around either number are allowed;
// anything else is an error.
func ParseKey(s string) (NodeKey, error) {
	rs, cs, ok := strings.Cut(s, ",")
	if !ok {
		return NodeKey{}, fmt.Errorf("invalid node key %q: want row,col", s)
	}
	r, err := strconv.ParseUint(strings.TrimSpace(rs), 10, 32)
	if err != nil {
		return NodeKey{}, fmt.Errorf("invalid node key %q: %w", s, err)
	}
	c, err := strconv.ParseUint(strings.TrimSpace(cs), 10, 32)
	if err != nil {
		return NodeKey{}, fmt.Errorf("invalid node key %q: %w", s, err)
	}
	return NodeKey{Row: uint32(r), Col: uint32(c)}, nil
}

// GridKeys returns every key of a rows×cols grid in row-major order.
func GridKeys(rows, cols int) []NodeKey {
	keys := make([]NodeKey, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			keys = append(keys, NodeKey{Row: uint32(r), Col: uint32(c)})
		}
	}
	return keys
}

// Sample is one parsed reading of one node.
type Sample struct {
	Timestamp    float64 // Seconds since acquisition start
	Row          uint32
	Col          uint32
	Raw          int64 // Raw capacitance-proxy count reported by the firmware
	DeviceMillis int64 // Firmware timestamp in ms, 0 when the line carried none
}

// Key returns the node the sample belongs to.
func (s Sample) Key() NodeKey {
	return NodeKey{Row: s.Row, Col: s.Col}
}

// Elapsed converts a receive time into the Sample timestamp domain.
func Elapsed(start, now time.Time) float64 {
	return now.Sub(start).Seconds()
}

// Capacitance converts a raw count into picofarads using a linear scale
// (pF per count). A zero scale means no conversion is configured and the raw
// count is returned unchanged.
func Capacitance(raw int64, scale float64) float64 {
	if scale == 0 {
		return float64(raw)
	}
	return float64(raw) * scale
}
