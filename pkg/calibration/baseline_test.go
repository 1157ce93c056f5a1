package calibration

import (
	"testing"
	"time"

	"github.com/itohio/capgrid/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedRaster(b *Baseline, rows, cols int, ts float64, values ...int64) (readyAt int) {
	readyAt = -1
	i := 0
	for _, v := range values {
		for _, k := range sample.GridKeys(rows, cols) {
			if b.Add(sample.Sample{Timestamp: ts, Row: k.Row, Col: k.Col, Raw: v}) {
				readyAt = i
			}
			i++
		}
		ts += 0.01
	}
	return readyAt
}

func TestBaseline_CountWindowMedian(t *testing.T) {
	nodes := sample.GridKeys(2, 2)
	b := NewBaseline(nodes, Config{SamplesPerNode: 5})

	readyAt := feedRaster(b, 2, 2, 0, 100, 102, 98, 101, 99)
	require.Equal(t, Ready, b.State())
	assert.Equal(t, 19, readyAt, "ready on the last sample of the window")

	table := b.Table()
	require.Len(t, table, 4)
	for _, k := range nodes {
		c0, ok := table.Get(k)
		require.True(t, ok)
		assert.Equal(t, 100.0, c0)
	}
}

func TestBaseline_MedianRejectsTouchOutliers(t *testing.T) {
	k := sample.Key(0, 0)
	b := NewBaseline([]sample.NodeKey{k}, Config{SamplesPerNode: 7})
	for _, v := range []int64{1000, 1002, 400, 999, 350, 1001, 1000} {
		b.Add(sample.Sample{Row: 0, Col: 0, Raw: v})
	}
	require.Equal(t, Ready, b.State())
	c0, _ := b.Table().Get(k)
	assert.Equal(t, 1000.0, c0)
}

func TestBaseline_TimeWindow(t *testing.T) {
	k := sample.Key(0, 0)
	b := NewBaseline([]sample.NodeKey{k}, Config{Duration: time.Second})

	for i, v := range []int64{10, 20, 30, 40} {
		assert.False(t, b.Add(sample.Sample{Timestamp: 5 + float64(i)*0.25, Raw: v}))
	}
	assert.Equal(t, Collecting, b.State())

	// The sample that closes the window is not part of the median.
	assert.True(t, b.Add(sample.Sample{Timestamp: 6.0, Raw: 1000}))
	c0, _ := b.Table().Get(k)
	assert.Equal(t, 25.0, c0)
}

func TestBaseline_ReadyOnlyOnce(t *testing.T) {
	b := NewBaseline(sample.GridKeys(1, 2), Config{SamplesPerNode: 2})
	count := 0
	for i := 0; i < 20; i++ {
		if b.Add(sample.Sample{Row: 0, Col: uint32(i % 2), Raw: 50}) {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, Ready, b.State())
}

func TestBaseline_SilentNodeFallsBack(t *testing.T) {
	nodes := sample.GridKeys(1, 2)
	b := NewBaseline(nodes, Config{Duration: time.Second})

	b.Add(sample.Sample{Timestamp: 0, Row: 0, Col: 0, Raw: 500})
	b.Add(sample.Sample{Timestamp: 0.5, Row: 0, Col: 0, Raw: 502})
	// Window closes on a sample of the reporting node.
	assert.False(t, b.Add(sample.Sample{Timestamp: 1.2, Row: 0, Col: 0, Raw: 510}))
	assert.Equal(t, Pending, b.State())
	pending := b.Table()
	require.Len(t, pending, 1, "reporting nodes are usable while pending")
	c0, _ := pending.Get(sample.Key(0, 0))
	assert.Equal(t, 501.0, c0)

	assert.True(t, b.Add(sample.Sample{Timestamp: 1.3, Row: 0, Col: 1, Raw: 777}))
	assert.Equal(t, Ready, b.State())

	table := b.Table()
	c0, _ = table.Get(sample.Key(0, 0))
	assert.Equal(t, 501.0, c0)
	c1, _ := table.Get(sample.Key(0, 1))
	assert.Equal(t, 777.0, c1)

	report := b.Report()
	require.Len(t, report, 2)
	assert.False(t, report[0].Fallback)
	assert.True(t, report[1].Fallback)
}

func TestBaseline_TimeWindowReportsReadyOnce(t *testing.T) {
	b := NewBaseline(sample.GridKeys(1, 2), Config{Duration: time.Second})

	assert.False(t, b.Add(sample.Sample{Timestamp: 0, Row: 0, Col: 0, Raw: 10}))
	assert.False(t, b.Add(sample.Sample{Timestamp: 0.5, Row: 0, Col: 1, Raw: 20}))
	assert.True(t, b.Add(sample.Sample{Timestamp: 1.5, Row: 0, Col: 0, Raw: 99}))
	assert.Equal(t, Ready, b.State())
	assert.False(t, b.Add(sample.Sample{Timestamp: 1.6, Row: 0, Col: 1, Raw: 99}))
}

func TestBaseline_CountWindowWithSilentNode(t *testing.T) {
	nodes := sample.GridKeys(1, 2)
	b := NewBaseline(nodes, Config{SamplesPerNode: 2})

	for i := 0; i < 2; i++ {
		assert.False(t, b.Add(sample.Sample{Row: 0, Col: 0, Raw: 1000}))
	}
	assert.Equal(t, Collecting, b.State())

	// The third reading of a full node closes the window without (0,1).
	assert.False(t, b.Add(sample.Sample{Row: 0, Col: 0, Raw: 1000}))
	assert.Equal(t, Pending, b.State())
	c0, ok := b.Table().Get(sample.Key(0, 0))
	require.True(t, ok)
	assert.Equal(t, 1000.0, c0)
	_, ok = b.Table().Get(sample.Key(0, 1))
	assert.False(t, ok)

	assert.True(t, b.Add(sample.Sample{Row: 0, Col: 1, Raw: 800}))
	assert.Equal(t, Ready, b.State())
}

func TestBaseline_CountWindowWaitsForSlowNodes(t *testing.T) {
	b := NewBaseline(sample.GridKeys(1, 2), Config{SamplesPerNode: 2})

	b.Add(sample.Sample{Row: 0, Col: 0, Raw: 1})
	b.Add(sample.Sample{Row: 0, Col: 1, Raw: 1})
	b.Add(sample.Sample{Row: 0, Col: 0, Raw: 1})
	// (0,0) is full but (0,1) has reported and is not.
	b.Add(sample.Sample{Row: 0, Col: 0, Raw: 1})
	assert.Equal(t, Collecting, b.State())
	assert.True(t, b.Add(sample.Sample{Row: 0, Col: 1, Raw: 1}))
}

func TestBaseline_IgnoresUnknownNodes(t *testing.T) {
	b := NewBaseline(sample.GridKeys(1, 1), Config{SamplesPerNode: 1})
	assert.False(t, b.Add(sample.Sample{Row: 4, Col: 4, Raw: 1}))
	assert.Equal(t, Collecting, b.State())
	assert.True(t, b.Add(sample.Sample{Row: 0, Col: 0, Raw: 1}))
}

func TestBaseline_RestartAndResetNode(t *testing.T) {
	k := sample.Key(0, 0)
	b := NewBaseline([]sample.NodeKey{k}, Config{SamplesPerNode: 1})
	b.Add(sample.Sample{Raw: 100})
	require.Equal(t, Ready, b.State())
	old := b.Table()
	v := b.Version()

	b.ResetNode(k)
	assert.Equal(t, Ready, b.State())
	assert.False(t, b.Add(sample.Sample{Raw: 250}))
	assert.Greater(t, b.Version(), v, "re-acquisition rebuilds the table")
	c0, _ := b.Table().Get(k)
	assert.Equal(t, 250.0, c0)
	oldC0, _ := old.Get(k)
	assert.Equal(t, 100.0, oldC0, "previous table is not mutated")

	b.Restart()
	assert.Equal(t, Collecting, b.State())
	assert.Nil(t, b.Table())
	assert.True(t, b.Add(sample.Sample{Raw: 300}))
}

func TestBaseline_ReportStats(t *testing.T) {
	k := sample.Key(0, 0)
	b := NewBaseline([]sample.NodeKey{k}, Config{SamplesPerNode: 4})
	for _, v := range []int64{2, 4, 4, 6} {
		b.Add(sample.Sample{Raw: v})
	}
	report := b.Report()
	require.Len(t, report, 1)
	assert.Equal(t, 4.0, report[0].C0)
	assert.Equal(t, 4, report[0].Samples)
	assert.Equal(t, 2.0, report[0].Min)
	assert.Equal(t, 6.0, report[0].Max)
	assert.InDelta(t, 1.63299, report[0].StdDev, 1e-4)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{3}))
	assert.Equal(t, 2.5, Median([]float64{1, 2, 3, 4}))
	assert.Equal(t, 100.0, Median([]float64{98, 99, 100, 101, 102}))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "collecting", Collecting.String())
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "ready", Ready.String())
}
