// Package api serves the latest frame, its derived grids and the pipeline
// counters over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itohio/capgrid/pkg/monitoring"
	"github.com/itohio/capgrid/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Source is the part of the pipeline the API reads and controls.
type Source interface {
	Snapshot() (pipeline.Snapshot, bool)
	Stats() pipeline.Stats
	Calibration() pipeline.CalibrationStatus
	Recalibrate() error
	ResetCell(row, col uint32) error
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	src      Source
	gatherer prometheus.Gatherer
	history  History
}

// NewHandlers creates handlers for src. gatherer backs /metrics; nil uses the
// default registry.
func NewHandlers(src Source, gatherer prometheus.Gatherer) *Handlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{src: src, gatherer: gatherer}
}

// RegisterRoutes mounts the endpoints on r.
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	r.GET("/healthz", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	a := r.Group("/api")
	a.GET("/frame", h.HandleFrame)
	a.GET("/delta", h.HandleDelta)
	a.GET("/touch", h.HandleTouch)
	a.GET("/stats", h.HandleStats)
	a.GET("/calibration", h.HandleCalibration)
	a.POST("/calibration/restart", h.HandleRecalibrate)
	a.POST("/cells/:row/:col/reset", h.HandleResetCell)
	a.GET("/sessions", h.HandleSessions)
	a.GET("/sessions/:id", h.HandleSession)
	a.GET("/sessions/:id/baselines", h.HandleSessionBaselines)
}

// NewRouter returns an engine with recovery and all routes mounted.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	RegisterRoutes(router, h)
	return router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("HTTP API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// HandleHealth reports liveness and the serial link state.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Connected: h.src.Stats().Connected,
	})
}

func (h *Handlers) snapshot(c *gin.Context) (pipeline.Snapshot, bool) {
	snap, ok := h.src.Snapshot()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no frame published yet"})
	}
	return snap, ok
}

// HandleFrame returns the latest raw frame.
func (h *Handlers) HandleFrame(c *gin.Context) {
	snap, ok := h.snapshot(c)
	if !ok {
		return
	}
	f := snap.Frame
	c.JSON(http.StatusOK, FrameResponse{
		Seq:        f.Seq,
		Timestamp:  f.Timestamp,
		Rows:       f.Rows,
		Cols:       f.Cols,
		Values:     f.Values,
		Stale:      f.Stale,
		StaleCount: f.StaleCount(),
		Partial:    f.Partial,
	})
}

// HandleDelta returns the ΔC/C0 grid of the latest frame.
func (h *Handlers) HandleDelta(c *gin.Context) {
	snap, ok := h.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, DeltaResponse{
		Seq:         snap.Frame.Seq,
		Timestamp:   snap.Frame.Timestamp,
		Rows:        snap.Deltas.Rows,
		Cols:        snap.Deltas.Cols,
		Values:      snap.Deltas.Values,
		Calibration: snap.Calibration.String(),
	})
}

// HandleTouch returns the tracker decisions at the latest frame.
func (h *Handlers) HandleTouch(c *gin.Context) {
	snap, ok := h.snapshot(c)
	if !ok {
		return
	}
	cells := make([]TouchCell, len(snap.Touch))
	for i, t := range snap.Touch {
		cells[i] = TouchCell{Delta: t.Delta, Touched: t.Touched}
		if i < len(snap.Intensity) {
			cells[i].Intensity = snap.Intensity[i]
		}
	}
	c.JSON(http.StatusOK, TouchResponse{
		Seq:     snap.Frame.Seq,
		Rows:    snap.Frame.Rows,
		Cols:    snap.Frame.Cols,
		Cells:   cells,
		Touched: snap.TouchedCount(),
	})
}

// HandleStats returns the pipeline counters.
func (h *Handlers) HandleStats(c *gin.Context) {
	st := h.src.Stats()
	resp := StatsResponse{
		Connected:     st.Connected,
		Samples:       st.Samples,
		ParseDropped:  st.ParseDropped,
		Persisted:     st.Persisted,
		Lost:          st.Lost,
		Frames:        st.Frames,
		PartialFrames: st.PartialFrames,
		Reconnects:    st.Reconnects,
		QueueDepth:    st.QueueDepth,
		QueueCapacity: st.QueueCapacity,
		Trackers:      st.Trackers,
		Calibration:   st.Calibration.String(),
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCalibration returns the calibration state and per-node report.
func (h *Handlers) HandleCalibration(c *gin.Context) {
	st := h.src.Calibration()
	nodes := make([]NodeCalibration, 0, len(st.Nodes))
	for _, n := range st.Nodes {
		nodes = append(nodes, NodeCalibration{
			Row:      n.Key.Row,
			Col:      n.Key.Col,
			C0:       n.C0,
			Samples:  n.Samples,
			Min:      n.Min,
			Max:      n.Max,
			StdDev:   n.StdDev,
			Fallback: n.Fallback,
		})
	}
	c.JSON(http.StatusOK, CalibrationResponse{State: st.State.String(), Nodes: nodes})
}

// HandleRecalibrate starts a new calibration window.
func (h *Handlers) HandleRecalibrate(c *gin.Context) {
	if err := h.src.Recalibrate(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, StatusResponse{Status: "recalibrating"})
}

// HandleResetCell re-initialises one node.
func (h *Handlers) HandleResetCell(c *gin.Context) {
	row, err := strconv.ParseUint(c.Param("row"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid row %q", c.Param("row"))})
		return
	}
	col, err := strconv.ParseUint(c.Param("col"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid col %q", c.Param("col"))})
		return
	}
	if err := h.src.ResetCell(uint32(row), uint32(col)); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, StatusResponse{Status: "resetting"})
}
