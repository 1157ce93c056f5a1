package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/delta"
	"github.com/itohio/capgrid/pkg/frame"
	"github.com/itohio/capgrid/pkg/pipeline"
	"github.com/itohio/capgrid/pkg/sample"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

type fakeSource struct {
	snap     pipeline.Snapshot
	hasSnap  bool
	stats    pipeline.Stats
	cal      pipeline.CalibrationStatus
	ctrlErr  error
	recal    int
	resetRow uint32
	resetCol uint32
}

func (f *fakeSource) Snapshot() (pipeline.Snapshot, bool) { return f.snap, f.hasSnap }
func (f *fakeSource) Stats() pipeline.Stats { return f.stats }
func (f *fakeSource) Calibration() pipeline.CalibrationStatus { return f.cal }

func (f *fakeSource) Recalibrate() error {
	f.recal++
	return f.ctrlErr
}

func (f *fakeSource) ResetCell(row, col uint32) error {
	f.resetRow, f.resetCol = row, col
	return f.ctrlErr
}

func testSnapshot() pipeline.Snapshot {
	return pipeline.Snapshot{
		Frame: &frame.Frame{
			Seq: 7, Timestamp: 1.5, Rows: 1, Cols: 2,
			Values: []int64{1000, 940},
			Stale:  []bool{false, true},
		},
		Deltas:      &delta.Grid{Rows: 1, Cols: 2, Values: []float64{0, -0.06}},
		Touch:       []pipeline.TouchCell{{}, {Delta: 60, Touched: true}},
		Intensity:   []float64{0, 0.6},
		Calibration: calibration.Ready,
	}
}

func setupTestRouter(src Source) *gin.Engine {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "capgrid_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	return NewRouter(NewHandlers(src, reg))
}

func do(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlers_NoFrameYet(t *testing.T) {
	router := setupTestRouter(&fakeSource{})

	for _, path := range []string{"/api/frame", "/api/delta", "/api/touch"} {
		t.Run(path, func(t *testing.T) {
			w := do(router, http.MethodGet, path)
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandlers_Frame(t *testing.T) {
	router := setupTestRouter(&fakeSource{snap: testSnapshot(), hasSnap: true})

	w := do(router, http.MethodGet, "/api/frame")
	require.Equal(t, http.StatusOK, w.Code)

	var resp FrameResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(7), resp.Seq)
	assert.Equal(t, []int64{1000, 940}, resp.Values)
	assert.Equal(t, []bool{false, true}, resp.Stale)
	assert.Equal(t, 1, resp.StaleCount)
}

func TestHandlers_Delta(t *testing.T) {
	router := setupTestRouter(&fakeSource{snap: testSnapshot(), hasSnap: true})

	w := do(router, http.MethodGet, "/api/delta")
	require.Equal(t, http.StatusOK, w.Code)

	var resp DeltaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []float64{0, -0.06}, resp.Values)
	assert.Equal(t, "ready", resp.Calibration)
}

func TestHandlers_Touch(t *testing.T) {
	router := setupTestRouter(&fakeSource{snap: testSnapshot(), hasSnap: true})

	w := do(router, http.MethodGet, "/api/touch")
	require.Equal(t, http.StatusOK, w.Code)

	var resp TouchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Touched)
	require.Len(t, resp.Cells, 2)
	assert.Equal(t, TouchCell{Delta: 60, Touched: true, Intensity: 0.6}, resp.Cells[1])
}

func TestHandlers_StatsAndHealth(t *testing.T) {
	src := &fakeSource{stats: pipeline.Stats{
		StartedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Connected:     true,
		Samples:       100,
		Lost:          3,
		QueueCapacity: 4096,
		Trackers:      65,
		Calibration:   calibration.Pending,
	}}
	router := setupTestRouter(src)

	w := do(router, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(100), stats.Samples)
	assert.Equal(t, uint64(3), stats.Lost)
	assert.Equal(t, "pending", stats.Calibration)
	assert.Equal(t, 4096, stats.QueueCapacity)
	assert.Equal(t, 65, stats.Trackers)
	assert.Equal(t, "2024-01-02T03:04:05Z", stats.StartedAt)

	w = do(router, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, HealthResponse{Status: "ok", Connected: true}, health)
}

func TestHandlers_Calibration(t *testing.T) {
	src := &fakeSource{cal: pipeline.CalibrationStatus{
		State: calibration.Ready,
		Nodes: []calibration.NodeReport{{Key: sample.Key(0, 1), C0: 1000, Samples: 5, Min: 990, Max: 1010, StdDev: 4}},
	}}
	router := setupTestRouter(src)

	w := do(router, http.MethodGet, "/api/calibration")
	require.Equal(t, http.StatusOK, w.Code)

	var resp CalibrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.State)
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, NodeCalibration{Row: 0, Col: 1, C0: 1000, Samples: 5, Min: 990, Max: 1010, StdDev: 4}, resp.Nodes[0])
}

func TestHandlers_Control(t *testing.T) {
	src := &fakeSource{}
	router := setupTestRouter(src)

	w := do(router, http.MethodPost, "/api/calibration/restart")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, src.recal)

	w = do(router, http.MethodPost, "/api/cells/2/3/reset")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, uint32(2), src.resetRow)
	assert.Equal(t, uint32(3), src.resetCol)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"bad row", "/api/cells/x/3/reset", http.StatusBadRequest},
		{"negative col", "/api/cells/1/-3/reset", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(router, http.MethodPost, tt.path).Code)
		})
	}

	src.ctrlErr = pipeline.ErrBusy
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodPost, "/api/calibration/restart").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodPost, "/api/cells/0/0/reset").Code)
}

func TestHandlers_Metrics(t *testing.T) {
	router := setupTestRouter(&fakeSource{})

	w := do(router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "capgrid_test_total 1"))
}
