package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "capgrid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	start := time.Unix(1700000000, 123)
	sess, err := s.StartSession(ctx, "/dev/ttyACM0", 8, 8, start)
	require.NoError(t, err)
	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err, "session IDs are UUIDs")

	got, err := s.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.FinishedAt.IsZero())
	assert.True(t, got.StartedAt.Equal(start))
	assert.Equal(t, "/dev/ttyACM0", got.Port)

	end := start.Add(time.Minute)
	require.NoError(t, s.FinishSession(ctx, sess.ID, end, Summary{Samples: 1000, Frames: 15, Lost: 2}))

	got, err = s.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.FinishedAt.Equal(end))
	assert.Equal(t, uint64(1000), got.Samples)
	assert.Equal(t, uint64(15), got.Frames)
	assert.Equal(t, uint64(2), got.Lost)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, err := s.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.FinishSession(ctx, "missing", time.Now(), Summary{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Baselines(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	sess, err := s.StartSession(ctx, "mock", 1, 2, time.Now())
	require.NoError(t, err)

	reports := []calibration.NodeReport{
		{Key: sample.Key(0, 0), C0: 1000, Samples: 5, StdDev: 1.5},
		{Key: sample.Key(0, 1), C0: 2000, Samples: 4},
	}
	require.NoError(t, s.SaveBaselines(ctx, sess.ID, reports))

	// A second save replaces the table instead of failing on the primary key.
	reports[1].C0 = 2100
	require.NoError(t, s.SaveBaselines(ctx, sess.ID, reports))

	table, err := s.Baselines(ctx, sess.ID)
	require.NoError(t, err)
	want := calibration.Table{sample.Key(0, 0): 1000, sample.Key(0, 1): 2100}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Errorf("baselines mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	base := time.Unix(1700000000, 0)
	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := s.StartSession(ctx, "mock", 2, 2, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	list, err := s.Sessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
}
