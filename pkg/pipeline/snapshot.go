package pipeline

import (
	"time"

	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/delta"
	"github.com/itohio/capgrid/pkg/frame"
)

// TouchCell is the tracker decision of one node at frame publish time.
type TouchCell struct {
	Delta   float64 `json:"delta"`
	Touched bool    `json:"touched"`
}

// Snapshot is the latest published frame with everything derived from it.
// Snapshots are immutable once stored.
type Snapshot struct {
	Frame       *frame.Frame
	Deltas      *delta.Grid   // ΔC/C0 per node, zeros until calibration is ready
	Touch       []TouchCell   // Row-major, same layout as Frame.Values
	Intensity   []float64     // Tracker delta scaled by the node's peak, in [0,1]
	Calibration calibration.State
}

// TouchedCount returns the number of pressed nodes.
func (s Snapshot) TouchedCount() int {
	n := 0
	for _, c := range s.Touch {
		if c.Touched {
			n++
		}
	}
	return n
}

// CalibrationStatus describes the baseline calibration for consumers.
type CalibrationStatus struct {
	State calibration.State
	Nodes []calibration.NodeReport // Empty until the first window closes
}

// Stats are the pipeline counters.
type Stats struct {
	StartedAt     time.Time
	Connected     bool
	Samples       uint64 // Samples routed to the trackers
	ParseDropped  uint64 // Banner and malformed lines
	Persisted     uint64 // Samples written by the sink
	Lost          uint64 // Samples dropped from persistence on a full queue
	Frames        uint64
	PartialFrames uint64
	Reconnects    uint64
	QueueDepth    int
	QueueCapacity int
	Trackers      int // Includes nodes outside the declared grid
	Calibration   calibration.State
}
