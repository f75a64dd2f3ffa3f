package datalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/tracker"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigratesToLatest(t *testing.T) {
	db := openTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	_, err = db.Exec(`SELECT source FROM poses`)
	assert.Error(t, err)
	_, err = db.Exec(`SELECT COUNT(*) FROM worker_events`)
	assert.NoError(t, err)
}

func TestOpenFileReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	db, err := Open(path)
	require.NoError(t, err)
	run, err := db.StartRun(context.Background(), time.Unix(10, 0), "{}")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run, runs[0].ID)
}

func TestRecordAndSummarise(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	older, err := db.StartRun(ctx, time.Unix(100, 0), `{"cameras":[]}`)
	require.NoError(t, err)
	run, err := db.StartRun(ctx, time.Unix(200, 0), `{}`)
	require.NoError(t, err)
	session := uuid.New()

	pose := geom.FromXYYaw(1, 2, 0.3)
	require.NoError(t, db.RecordPose(ctx, run, "front", session, SourceVIO, 1_000, pose))
	require.NoError(t, db.RecordPose(ctx, run, "rear", session, SourceTags, 2_000, pose))
	require.NoError(t, db.RecordCorrection(ctx, run, 2_000, geom.FromXYZ(0.1, 0, 0)))
	require.NoError(t, db.RecordDetections(ctx, run, "front", 1_000, []tracker.Detection{
		{Label: "cone", Confidence: 0.9, Position: geom.Vec(0, 0, 2)},
		{Label: "cube", Confidence: 0.4, Position: geom.Vec(1, 0, 3)},
	}))
	require.NoError(t, db.RecordDetections(ctx, run, "front", 1_500, nil))
	require.NoError(t, db.RecordWorkerEvent(ctx, run, "side", 3_000, "failed", 3, "exit status 1"))
	require.NoError(t, db.EndRun(ctx, run, time.Unix(300, 0)))

	runs, err := db.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	got := runs[0]
	assert.Equal(t, run, got.ID)
	assert.Equal(t, 2, got.Poses)
	assert.Equal(t, 1, got.TagPoses)
	assert.Equal(t, 1, got.Corrections)
	assert.Equal(t, 2, got.Detections)
	assert.Equal(t, 1, got.WorkerEvents)
	assert.Equal(t, []string{"front", "rear", "side"}, got.Workers)
	assert.Equal(t, time.Unix(300, 0), got.EndedAt)

	assert.Equal(t, older, runs[1].ID)
	assert.True(t, runs[1].EndedAt.IsZero())
	assert.Empty(t, runs[1].Workers)

	var x, qw float64
	var source string
	require.NoError(t, db.QueryRow(`SELECT x, qw, source FROM poses WHERE worker = 'front'`).Scan(&x, &qw, &source))
	assert.Equal(t, 1.0, x)
	assert.Equal(t, "vio", source)
	assert.InDelta(t, pose.Rotation.Real, qw, 1e-12)
}

func TestEndUnknownRun(t *testing.T) {
	db := openTestDB(t)
	err := db.EndRun(context.Background(), uuid.New(), time.Now())
	assert.ErrorIs(t, err, ErrUnknownRun)
}
