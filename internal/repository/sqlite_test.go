package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run := &domain.RunRecord{
		RunID:     "run_a1",
		State:     domain.RunStateRunning,
		DatasetID: "ds_1",
		Features:  []string{"path_cache"},
		RunDir:    "/tmp/run_a1",
		PID:       4242,
		StartedAt: time.Now(),
	}
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, "run_a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunStateRunning, got.State)
	assert.Equal(t, []string{"path_cache"}, got.Features)
	assert.Equal(t, 4242, got.PID)
	assert.Nil(t, got.EndedAt)

	ended := time.Now()
	run.State = domain.RunStateCompleted
	run.PID = 0
	run.EndedAt = &ended
	run.Exit = &domain.ExitOutcome{Code: 0}
	require.NoError(t, store.SaveRun(ctx, run))

	got, err = store.GetRun(ctx, "run_a1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCompleted, got.State)
	assert.Equal(t, 0, got.PID)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, ended, *got.EndedAt, time.Millisecond)
	require.NotNil(t, got.Exit)

	missing, err := store.GetRun(ctx, "run_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFailInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveRun(ctx, &domain.RunRecord{RunID: "run_live", State: domain.RunStateRunning, PID: 7, StartedAt: time.Now()}))
	require.NoError(t, store.SaveRun(ctx, &domain.RunRecord{RunID: "run_done", State: domain.RunStateCompleted, StartedAt: time.Now()}))

	n, err := store.FailInterruptedRuns(ctx, "server restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetRun(ctx, "run_live")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateFailed, got.State)
	assert.Equal(t, 0, got.PID)
	assert.Equal(t, "server restarted", got.Exit.Error)
}

func archiveEntry(id string, ended time.Time) *domain.ArchiveEntry {
	return &domain.ArchiveEntry{
		RunID:     id,
		Status:    "completed",
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
		Final:     domain.CanonicalState{Total: 10, Completed: 10, Resources: map[string]domain.Occupancy{}},
	}
}

func TestArchiveEntriesOrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now()

	require.NoError(t, store.CreateArchiveEntry(ctx, archiveEntry("run_1", base)))
	require.NoError(t, store.CreateArchiveEntry(ctx, archiveEntry("run_3", base.Add(2*time.Second))))
	require.NoError(t, store.CreateArchiveEntry(ctx, archiveEntry("run_2", base.Add(time.Second))))

	err := store.CreateArchiveEntry(ctx, archiveEntry("run_1", base))
	assert.ErrorIs(t, err, ErrDuplicate)

	entries, err := store.ListArchiveEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "run_3", entries[0].RunID)
	assert.Equal(t, "run_2", entries[1].RunID)
	assert.Equal(t, "run_1", entries[2].RunID)
	assert.Equal(t, 10, entries[0].Final.Completed)

	limited, err := store.ListArchiveEntries(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestArchiveEntryNullableFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry := archiveEntry("run_x", time.Now())
	require.NoError(t, store.CreateArchiveEntry(ctx, entry))

	out := "/data/runs/run_y/output.csv"
	withOutput := archiveEntry("run_y", time.Now())
	withOutput.OutputPath = &out
	withOutput.Metrics = &domain.OutputMetrics{LatestFinishSeconds: 90, MaxDIJobs: 3}
	require.NoError(t, store.CreateArchiveEntry(ctx, withOutput))

	got, err := store.GetArchiveEntry(ctx, "run_x")
	require.NoError(t, err)
	assert.Nil(t, got.OutputPath)
	assert.Nil(t, got.LogPath)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Metrics)

	got, err = store.GetArchiveEntry(ctx, "run_y")
	require.NoError(t, err)
	require.NotNil(t, got.OutputPath)
	assert.Equal(t, out, *got.OutputPath)
	assert.Nil(t, got.LogPath)
	assert.Equal(t, 3, got.Metrics.MaxDIJobs)

	missing, err := store.GetArchiveEntry(ctx, "run_none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
