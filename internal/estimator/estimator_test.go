package estimator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/geom"
)

const eps = 1e-9

func assertTransformNear(t *testing.T, want, got geom.Transform) {
	t.Helper()
	assert.InDelta(t, want.Translation.X, got.Translation.X, eps, "x")
	assert.InDelta(t, want.Translation.Y, got.Translation.Y, eps, "y")
	assert.InDelta(t, want.Translation.Z, got.Translation.Z, eps, "z")
	d := quat.Abs(quat.Sub(want.Rotation, got.Rotation))
	s := quat.Abs(quat.Add(want.Rotation, got.Rotation))
	assert.True(t, d < 1e-6 || s < 1e-6, "rotation mismatch: want %v got %v", want.Rotation, got.Rotation)
}

func newTestEstimator() (*Estimator, *clock.Clock) {
	c, _ := clock.NewManual("estimator", 0)
	return New(c, 10*time.Second), c
}

func TestOdomCorrectionRoundTrip(t *testing.T) {
	t.Parallel()
	e, c := newTestEstimator()
	robotToCamera := geom.Identity()

	e.RecordPose(robotToCamera, Sample{Timestamp: stamp(c, 0), Pose: pose(geom.FromXYYaw(0, 0, 0))})
	e.RecordPose(robotToCamera, Sample{Timestamp: stamp(c, time.Second), Pose: pose(geom.FromXYYaw(2, 1, 0.4))})
	e.RecordPose(robotToCamera, Sample{Timestamp: stamp(c, 2*time.Second), Pose: pose(geom.FromXYYaw(4, 2, 0.8))})
	fieldToOdom := geom.FromXYZ(1, 1, 0)
	e.RecordOdometry(stamp(c, time.Second), fieldToOdom)

	correction := e.OdomToRobot()
	assertTransformNear(t, geom.FromXYYaw(2, 1, 0.4), fieldToOdom.Compose(correction))
	assertTransformNear(t, e.FieldToRobot(stamp(c, time.Second)), e.FieldToOdom(stamp(c, time.Second)).Compose(correction))

	when, ok := e.LastCorrectionTime()
	require.True(t, ok)
	assert.Equal(t, stamp(c, time.Second), when)
}

func TestOdomToRobotSamplesLatestSharedInstant(t *testing.T) {
	t.Parallel()
	e, c := newTestEstimator()

	e.RecordOdometry(stamp(c, 0), geom.Identity())
	e.RecordOdometry(stamp(c, 4*time.Second), geom.Identity())
	e.RecordPose(geom.Identity(), Sample{Timestamp: stamp(c, time.Second), Pose: pose(geom.FromXYZ(1, 0, 0))})
	e.RecordPose(geom.Identity(), Sample{Timestamp: stamp(c, 3*time.Second), Pose: pose(geom.FromXYZ(3, 0, 0))})

	// Pose ends first, so the correction uses the pose sample at 3s.
	assertTransformNear(t, geom.FromXYZ(3, 0, 0), e.OdomToRobot())
}

func TestOdomToRobotFallsBackWithoutOverlap(t *testing.T) {
	t.Parallel()
	c, _ := clock.NewManual("estimator", 0)
	e := New(c, 2*time.Second)
	assert.Equal(t, geom.Identity(), e.OdomToRobot(), "empty histories")

	e.RecordOdometry(stamp(c, time.Second), geom.Identity())
	e.RecordPose(geom.Identity(), Sample{Timestamp: stamp(c, time.Second), Pose: pose(geom.FromXYZ(5, 0, 0))})
	cached := e.OdomToRobot()
	assertTransformNear(t, geom.FromXYZ(5, 0, 0), cached)

	// Odometry at 10s evicts the 1s sample, leaving spans [10s] and [1s].
	e.RecordOdometry(stamp(c, 10*time.Second), geom.FromXYZ(-3, 0, 0))
	assert.Equal(t, cached, e.OdomToRobot())
}

func TestResetClearsCorrection(t *testing.T) {
	t.Parallel()
	e, c := newTestEstimator()
	e.RecordOdometry(stamp(c, time.Second), geom.Identity())
	e.RecordPose(geom.Identity(), Sample{Timestamp: stamp(c, time.Second), Pose: pose(geom.FromXYZ(5, 0, 0))})
	cached := e.OdomToRobot()

	e.Reset()
	assert.Equal(t, geom.Identity(), e.OdomToRobot())

	e.RecordOdometry(stamp(c, 0), geom.Identity())
	e.RecordPose(geom.Identity(), Sample{Timestamp: stamp(c, 3*time.Second), Pose: pose(geom.FromXYZ(1, 0, 0))})
	assert.Equal(t, geom.Identity(), e.OdomToRobot(), "disjoint spans keep the reset fallback")
	assert.NotEqual(t, cached, e.OdomToRobot())
}

func TestRecordPoseAppliesExtrinsic(t *testing.T) {
	t.Parallel()
	e, c := newTestEstimator()
	robotToCamera := geom.FromXYZ(0.2, 0, 0.5)
	fieldToCamera := geom.FromXYYaw(3, 4, math.Pi/2)

	e.RecordPose(robotToCamera, Sample{Timestamp: stamp(c, 0), Pose: pose(fieldToCamera)})
	got := e.FieldToRobot(stamp(c, 0))
	assertTransformNear(t, fieldToCamera, got.Compose(robotToCamera))
}

func TestEstimatorRejectsForeignClock(t *testing.T) {
	t.Parallel()
	e, _ := newTestEstimator()
	other, _ := clock.NewManual("other", 0)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		var mismatch *clock.ClockMismatchError
		require.IsType(t, mismatch, r)
		assert.Equal(t, "record odometry", r.(*clock.ClockMismatchError).Op)
	}()
	e.RecordOdometry(stamp(other, 0), geom.Identity())
}

func TestRecordTagObservations(t *testing.T) {
	t.Parallel()
	e, c := newTestEstimator()
	robotToCamera := geom.FromXYZ(0, 0, 1)

	_, ok := e.RecordTagObservations(robotToCamera, stamp(c, 0), nil, StrategyLowestError)
	assert.False(t, ok)
	_, ok = e.LatestPose()
	assert.False(t, ok)

	obs := []Observation{
		{Pose: geom.FromXYZ(1, 0, 1), Error: 0.5},
		{Pose: geom.FromXYZ(2, 0, 1), Error: 0.1},
	}
	fused, ok := e.RecordTagObservations(robotToCamera, stamp(c, time.Second), obs, StrategyLowestError)
	require.True(t, ok)
	assertTransformNear(t, geom.FromXYZ(2, 0, 0), fused)
	latest, ok := e.LatestPose()
	require.True(t, ok)
	assertTransformNear(t, fused, latest.Pose.Transform)
}
