package api

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges control requests.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// FrameResponse is the latest raw frame.
type FrameResponse struct {
	Seq        uint64  `json:"seq"`
	Timestamp  float64 `json:"ts"`
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	Values     []int64 `json:"values"`
	Stale      []bool  `json:"stale"`
	StaleCount int     `json:"stale_count"`
	Partial    bool    `json:"partial"`
}

// DeltaResponse is the normalised ΔC/C0 grid of the latest frame.
type DeltaResponse struct {
	Seq         uint64    `json:"seq"`
	Timestamp   float64   `json:"ts"`
	Rows        int       `json:"rows"`
	Cols        int       `json:"cols"`
	Values      []float64 `json:"values"`
	Calibration string    `json:"calibration"`
}

// TouchCell is one node's tracker decision.
type TouchCell struct {
	Delta     float64 `json:"delta"`
	Touched   bool    `json:"touched"`
	Intensity float64 `json:"intensity"`
}

// TouchResponse holds the tracker decisions at the latest frame.
type TouchResponse struct {
	Seq     uint64      `json:"seq"`
	Rows    int         `json:"rows"`
	Cols    int         `json:"cols"`
	Cells   []TouchCell `json:"cells"`
	Touched int         `json:"touched"`
}

// StatsResponse exposes the pipeline counters.
type StatsResponse struct {
	StartedAt     string `json:"started_at,omitempty"`
	Connected     bool   `json:"connected"`
	Samples       uint64 `json:"samples"`
	ParseDropped  uint64 `json:"parse_dropped"`
	Persisted     uint64 `json:"persisted"`
	Lost          uint64 `json:"lost"`
	Frames        uint64 `json:"frames"`
	PartialFrames uint64 `json:"partial_frames"`
	Reconnects    uint64 `json:"reconnects"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Trackers      int    `json:"trackers"`
	Calibration   string `json:"calibration"`
}

// NodeCalibration is the calibration outcome of one node.
type NodeCalibration struct {
	Row      uint32  `json:"row"`
	Col      uint32  `json:"col"`
	C0       float64 `json:"c0"`
	Samples  int     `json:"samples"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	StdDev   float64 `json:"stddev"`
	Fallback bool    `json:"fallback"`
}

// CalibrationResponse describes the baseline calibration.
type CalibrationResponse struct {
	State string            `json:"state"`
	Nodes []NodeCalibration `json:"nodes"`
}

// SessionResponse describes one recorded acquisition run.
type SessionResponse struct {
	ID         string `json:"id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"` // Empty while running
	Port       string `json:"port"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
	Samples    uint64 `json:"samples"`
	Frames     uint64 `json:"frames"`
	Lost       uint64 `json:"lost"`
}

// SessionsResponse lists sessions, newest first.
type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// BaselineNode is one stored C0.
type BaselineNode struct {
	Row uint32  `json:"row"`
	Col uint32  `json:"col"`
	C0  float64 `json:"c0"`
}

// BaselinesResponse is the C0 table recorded for a session.
type BaselinesResponse struct {
	SessionID string         `json:"session_id"`
	Nodes     []BaselineNode `json:"nodes"`
}
