package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/itohio/capgrid/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(1)

	start := time.Now()
	accepted := 0
	for i := 0; i < 3; i++ {
		if q.Push(sample.Sample{Raw: int64(i)}, 5*time.Millisecond) {
			accepted++
		}
	}
	elapsed := time.Since(start)

	assert.Equal(t, 1, accepted)
	assert.Equal(t, uint64(2), q.Lost())
	assert.Equal(t, 1, q.Len())
	assert.Less(t, elapsed, time.Second, "push must not block beyond its timeout")

	s := <-q.C()
	assert.Equal(t, int64(0), s.Raw, "the first sample is kept")
}

func TestQueue_PushWaitsForRoom(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Push(sample.Sample{Raw: 1}, 0))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-q.C()
	}()

	assert.True(t, q.Push(sample.Sample{Raw: 2}, time.Second))
	assert.Equal(t, uint64(0), q.Lost())
}

func TestQueue_ZeroTimeoutNeverBlocks(t *testing.T) {
	q := NewQueue(1)
	assert.True(t, q.Push(sample.Sample{}, 0))
	assert.False(t, q.Push(sample.Sample{}, 0))
	assert.Equal(t, uint64(1), q.Lost())
}

func TestQueue_CloseEndsStreamAfterDrain(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 3; i++ {
		require.True(t, q.Push(sample.Sample{Raw: int64(i)}, 0))
	}
	q.Close()
	q.Close()

	var got []int64
	for s := range q.C() {
		got = append(got, s.Raw)
	}
	assert.Equal(t, []int64{0, 1, 2}, got)
}

func TestQueue_ConcurrentConsumer(t *testing.T) {
	q := NewQueue(8)
	const n = 1000

	var wg sync.WaitGroup
	received := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range q.C() {
			received++
		}
	}()

	for i := 0; i < n; i++ {
		q.Push(sample.Sample{Raw: int64(i)}, time.Second)
	}
	q.Close()
	wg.Wait()

	assert.Equal(t, n, received+int(q.Lost()))
}
