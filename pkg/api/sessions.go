package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/store"
)

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 1000
	historyTimeout      = 5 * time.Second
)

// History reads recorded acquisition sessions. *store.Store implements it.
type History interface {
	Session(ctx context.Context, id string) (store.Session, error)
	Sessions(ctx context.Context, limit int) ([]store.Session, error)
	Baselines(ctx context.Context, id string) (calibration.Table, error)
}

// WithHistory enables the session endpoints.
func (h *Handlers) WithHistory(history History) *Handlers {
	h.history = history
	return h
}

func (h *Handlers) requireHistory(c *gin.Context) bool {
	if h.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no session store configured"})
		return false
	}
	return true
}

// HandleSessions lists recorded sessions, newest first. ?limit bounds the list.
func (h *Handlers) HandleSessions(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	limit := defaultSessionLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSessionLimit {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	sessions, err := h.history.Sessions(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, newSessionResponse(s))
	}
	c.JSON(http.StatusOK, SessionsResponse{Sessions: out})
}

// HandleSession returns one session.
func (h *Handlers) HandleSession(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()

	sess, ok := h.session(ctx, c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(sess))
}

// HandleSessionBaselines returns the C0 table recorded for a session in
// row-major order.
func (h *Handlers) HandleSessionBaselines(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()

	sess, ok := h.session(ctx, c)
	if !ok {
		return
	}
	table, err := h.history.Baselines(ctx, sess.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	nodes := make([]BaselineNode, 0, len(table))
	for k, c0 := range table {
		nodes = append(nodes, BaselineNode{Row: k.Row, Col: k.Col, C0: c0})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Row != nodes[j].Row {
			return nodes[i].Row < nodes[j].Row
		}
		return nodes[i].Col < nodes[j].Col
	})
	c.JSON(http.StatusOK, BaselinesResponse{SessionID: sess.ID, Nodes: nodes})
}

func (h *Handlers) session(ctx context.Context, c *gin.Context) (store.Session, bool) {
	sess, err := h.history.Session(ctx, c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return store.Session{}, false
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return store.Session{}, false
	}
	return sess, true
}

func newSessionResponse(s store.Session) SessionResponse {
	resp := SessionResponse{
		ID:        s.ID,
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339Nano),
		Port:      s.Port,
		Rows:      s.Rows,
		Cols:      s.Cols,
		Samples:   s.Samples,
		Frames:    s.Frames,
		Lost:      s.Lost,
	}
	if !s.FinishedAt.IsZero() {
		resp.FinishedAt = s.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}
