package scanner

import (
	"testing"
	"time"

	"github.com/itohio/capgrid/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMockConfig() *config.MockConfig {
	return &config.MockConfig{
		Base:           1000000,
		Noise:          0,
		PressDepth:     100000,
		PressDuration:  time.Hour,
		PressPeriod:    time.Hour,
		SampleInterval: time.Millisecond,
		Seed:           7,
	}
}

func TestMock_RasterScan(t *testing.T) {
	m := NewMock(testMockConfig(), 2, 3)
	require.NoError(t, m.Connect())
	defer m.Close()

	line, err := m.ReadLine(time.Second)
	require.NoError(t, err)
	_, err = ParseLine(line, FormatAuto)
	assert.ErrorIs(t, err, ErrBanner, "first line is the firmware banner")

	for i := 0; i < 12; i++ {
		line, err := m.ReadLine(time.Second)
		require.NoError(t, err)

		s, err := ParseLine(line, FormatCSV)
		require.NoError(t, err, line)
		idx := i % 6
		assert.Equal(t, uint32(idx/3), s.Row)
		assert.Equal(t, uint32(idx%3), s.Col)
		assert.Equal(t, int64(1000000), s.Value)
	}
}

func TestMock_Pressed(t *testing.T) {
	m := NewMock(&config.MockConfig{
		PressDuration: 100 * time.Millisecond,
		PressPeriod:   time.Second,
	}, 2, 2)

	tests := []struct {
		name    string
		elapsed time.Duration
		idx     int
		want    bool
	}{
		{"first period is idle", 50 * time.Millisecond, 0, false},
		{"second period presses node 0", 1050 * time.Millisecond, 0, true},
		{"other nodes idle", 1050 * time.Millisecond, 1, false},
		{"press ends", 1200 * time.Millisecond, 0, false},
		{"third period presses node 1", 2010 * time.Millisecond, 1, true},
		{"wraps around", 5010 * time.Millisecond, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.pressed(tt.elapsed, tt.idx))
		})
	}
}

func TestMock_ConnectTwice(t *testing.T) {
	m := NewMock(testMockConfig(), 1, 1)
	require.NoError(t, m.Connect())
	assert.Error(t, m.Connect())
	require.NoError(t, m.Close())

	require.NoError(t, m.Connect(), "a closed mock reconnects")
	assert.True(t, m.IsConnected())
	require.NoError(t, m.Close())
}

func TestMock_InvalidGrid(t *testing.T) {
	m := NewMock(testMockConfig(), 0, 4)
	assert.Error(t, m.Connect())
	assert.False(t, m.IsConnected())
}

func TestMock_ReadTimeout(t *testing.T) {
	cfg := testMockConfig()
	cfg.SampleInterval = time.Hour
	m := NewMock(cfg, 1, 1)
	require.NoError(t, m.Connect())
	defer m.Close()

	_, err := m.ReadLine(time.Second) // banner
	require.NoError(t, err)

	_, err = m.ReadLine(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
}
