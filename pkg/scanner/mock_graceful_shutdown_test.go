package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMock_GracefulShutdown tests that a blocked ReadLine returns
// ErrNotConnected when Close() is called.
func TestMock_GracefulShutdown(t *testing.T) {
	cfg := testMockConfig()
	cfg.SampleInterval = time.Hour
	mock := NewMock(cfg, 2, 2)
	require.NoError(t, mock.Connect())

	_, err := mock.ReadLine(time.Second) // banner
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := mock.ReadLine(time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, mock.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadLine did not return within timeout after Close")
	}

	_, err = mock.ReadLine(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
}
