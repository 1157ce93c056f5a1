package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SamplesTotal.Add(3)
	m.ParseDropped.WithLabelValues(DropBanner).Inc()
	m.FramesTotal.WithLabelValues(FramePartial).Inc()
	m.QueueDepth.Set(7)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SamplesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseDropped.WithLabelValues(DropBanner)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ParseDropped.WithLabelValues(DropMalformed)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))

	expected := `
# HELP capgrid_pipeline_frames_total Frames published to the latest-frame slot
# TYPE capgrid_pipeline_frames_total counter
capgrid_pipeline_frames_total{kind="partial"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "capgrid_pipeline_frames_total"))
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.LostTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.LostTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.LostTotal))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
