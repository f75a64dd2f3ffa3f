// Package estimator reconciles the drift-prone odometry frame against
// corrected field-frame pose samples using time-indexed pose histories.
package estimator

import (
	"time"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/geom"
)

// DefaultHistoryDuration bounds both pose histories when no duration is
// configured.
const DefaultHistoryDuration = 5 * time.Second

// Estimator holds the field→robot and field→odom histories and serves the
// odom→robot correction between them. All methods must be called from one
// goroutine.
type Estimator struct {
	clock        *clock.Clock
	fieldToRobot *History
	fieldToOdom  *History

	lastOdomToRobot geom.Transform
	lastCorrection  clock.Timestamp
	haveCorrection  bool
}

// New creates an estimator whose samples are all timestamped on c.
func New(c *clock.Clock, historyDuration time.Duration) *Estimator {
	if historyDuration <= 0 {
		historyDuration = DefaultHistoryDuration
	}
	return &Estimator{
		clock:           c,
		fieldToRobot:    NewHistory(historyDuration),
		fieldToOdom:     NewHistory(historyDuration),
		lastOdomToRobot: geom.Identity(),
	}
}

// Clock returns the clock every recorded timestamp must carry.
func (e *Estimator) Clock() *clock.Clock { return e.clock }

func (e *Estimator) checkClock(op string, ts clock.Timestamp) {
	if ts.Clock() != e.clock {
		panic(&clock.ClockMismatchError{Op: op, Left: e.clock, Right: ts.Clock()})
	}
}

// RecordPose converts a field→camera sample into field→robot using the fixed
// robot→camera extrinsic and stores it.
func (e *Estimator) RecordPose(robotToCamera geom.Transform, s Sample) {
	e.checkClock("record pose", s.Timestamp)
	fieldToRobot := geom.Pose{
		Transform:  s.Pose.Compose(robotToCamera.Inverse()),
		Covariance: geom.TransformCovariance(s.Pose.Covariance, robotToCamera),
	}
	e.fieldToRobot.AddSample(s.Timestamp, fieldToRobot)
	tracef("pose %s at %s", fieldToRobot.Transform, s.Timestamp)
}

// RecordOdometry stores a field→odom sample.
func (e *Estimator) RecordOdometry(ts clock.Timestamp, fieldToOdom geom.Transform) {
	e.checkClock("record odometry", ts)
	e.fieldToOdom.AddSample(ts, geom.Pose{Transform: fieldToOdom})
	tracef("odometry %s at %s", fieldToOdom, ts)
}

// OdomToRobot returns the correction that maps the odometry frame onto the
// robot frame. It is evaluated at the latest instant both histories cover;
// when they are empty or do not overlap the previous correction is returned
// unchanged.
func (e *Estimator) OdomToRobot() geom.Transform {
	so, eo, okOdom := e.fieldToOdom.Span()
	sr, er, okRobot := e.fieldToRobot.Span()
	if !okOdom || !okRobot {
		return e.lastOdomToRobot
	}
	at := clock.Min(eo, er)
	if at.Before(clock.Max(so, sr)) {
		diagf("odometry [%s, %s] and pose [%s, %s] do not overlap, keeping last correction", so, eo, sr, er)
		return e.lastOdomToRobot
	}
	fieldToOdom := e.fieldToOdom.Sample(at, geom.Identity())
	fieldToRobot := e.fieldToRobot.Sample(at, geom.Identity())
	e.lastOdomToRobot = fieldToOdom.Inverse().Compose(fieldToRobot)
	e.lastCorrection = at
	e.haveCorrection = true
	return e.lastOdomToRobot
}

// LastCorrectionTime reports the instant the cached correction was computed
// at. ok is false until a correction has been computed.
func (e *Estimator) LastCorrectionTime() (ts clock.Timestamp, ok bool) {
	return e.lastCorrection, e.haveCorrection
}

// FieldToRobot samples the robot history at ts, identity when empty.
func (e *Estimator) FieldToRobot(ts clock.Timestamp) geom.Transform {
	return e.fieldToRobot.Sample(ts, geom.Identity())
}

// FieldToOdom samples the odometry history at ts, identity when empty.
func (e *Estimator) FieldToOdom(ts clock.Timestamp) geom.Transform {
	return e.fieldToOdom.Sample(ts, geom.Identity())
}

// LatestPose returns the newest field→robot sample.
func (e *Estimator) LatestPose() (Sample, bool) {
	return e.fieldToRobot.Latest()
}

// RobotTrail returns a copy of the field→robot history.
func (e *Estimator) RobotTrail() []Sample {
	return e.fieldToRobot.Samples()
}

// Reset drops both histories and the cached correction, as after a pose
// override.
func (e *Estimator) Reset() {
	e.fieldToRobot.Clear()
	e.fieldToOdom.Clear()
	e.lastOdomToRobot = geom.Identity()
	e.lastCorrection = clock.Timestamp{}
	e.haveCorrection = false
	opsf("estimator reset")
}

// RecordTagObservations reduces simultaneous field→camera observations to one
// field→robot sample with strategy and records it. It returns the recorded
// sample and whether there was one; zero observations leave the estimator
// unchanged.
func (e *Estimator) RecordTagObservations(robotToCamera geom.Transform, ts clock.Timestamp, obs []Observation, strategy Strategy) (geom.Transform, bool) {
	e.checkClock("record tag observations", ts)
	if len(obs) == 0 {
		return geom.Identity(), false
	}
	cameraToRobot := robotToCamera.Inverse()
	candidates := make([]Observation, len(obs))
	for i, o := range obs {
		candidates[i] = o
		candidates[i].Pose = o.Pose.Compose(cameraToRobot)
	}
	last := geom.Identity()
	if latest, ok := e.fieldToRobot.Latest(); ok {
		last = latest.Pose.Transform
	}
	fused, ok := Fuse(strategy, candidates, last)
	if !ok {
		return geom.Identity(), false
	}
	e.fieldToRobot.AddSample(ts, geom.Pose{Transform: fused})
	tracef("fused %d tag observations with %s: %s", len(obs), strategy, fused)
	return fused, true
}
