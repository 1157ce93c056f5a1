package touch

import (
	"sort"

	"github.com/itohio/capgrid/pkg/sample"
)

// Router owns one Tracker per node and routes readings to them. Readings for
// nodes outside the declared grid get a tracker on first sight; the grid never
// rejects an index.
//
// Router is not safe for concurrent use. The acquisition reader owns it.
type Router struct {
	cfg      Config
	trackers map[sample.NodeKey]*Tracker
}

// NewRouter creates a router with trackers for every node of a rows×cols grid.
func NewRouter(rows, cols int, cfg Config) *Router {
	r := &Router{
		cfg:      cfg,
		trackers: make(map[sample.NodeKey]*Tracker, rows*cols),
	}
	for _, k := range sample.GridKeys(rows, cols) {
		r.trackers[k] = NewTracker(cfg)
	}
	return r
}

// Feed routes a reading to the tracker of (row, col).
func (r *Router) Feed(row, col uint32, raw int64) (float64, bool) {
	return r.get(sample.Key(row, col)).Feed(raw)
}

// ResetCell re-initialises one node so its next reading becomes its baseline.
func (r *Router) ResetCell(row, col uint32) {
	r.get(sample.Key(row, col)).Reset()
}

// Tracker returns the tracker of (row, col) if one exists.
func (r *Router) Tracker(row, col uint32) (*Tracker, bool) {
	t, ok := r.trackers[sample.Key(row, col)]
	return t, ok
}

// Each calls fn for every tracker in row-major key order.
func (r *Router) Each(fn func(key sample.NodeKey, t *Tracker)) {
	keys := make([]sample.NodeKey, 0, len(r.trackers))
	for k := range r.trackers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Row != keys[j].Row {
			return keys[i].Row < keys[j].Row
		}
		return keys[i].Col < keys[j].Col
	})
	for _, k := range keys {
		fn(k, r.trackers[k])
	}
}

// Len returns the number of trackers, including lazily created ones.
func (r *Router) Len() int {
	return len(r.trackers)
}

func (r *Router) get(k sample.NodeKey) *Tracker {
	t, ok := r.trackers[k]
	if !ok {
		t = NewTracker(r.cfg)
		r.trackers[k] = t
	}
	return t
}
