// Package publish is the transport boundary: it carries tracked objects,
// odometry corrections and status out over MQTT, and odometry samples and
// pose overrides in.
package publish

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/status"
)

// Vec3 is a position in metres.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// VecFrom converts v.
func VecFrom(v r3.Vec) Vec3 { return Vec3{X: v.X, Y: v.Y, Z: v.Z} }

// Pose is a rigid transform as published: translation plus unit quaternion.
type Pose struct {
	Position Vec3    `json:"position"`
	QW       float64 `json:"qw"`
	QX       float64 `json:"qx"`
	QY       float64 `json:"qy"`
	QZ       float64 `json:"qz"`
}

// PoseFrom converts t.
func PoseFrom(t geom.Transform) Pose {
	return Pose{
		Position: VecFrom(t.Translation),
		QW:       t.Rotation.Real,
		QX:       t.Rotation.Imag,
		QY:       t.Rotation.Jmag,
		QZ:       t.Rotation.Kmag,
	}
}

// Transform converts p back. An all-zero quaternion is read as identity.
func (p Pose) Transform() geom.Transform {
	q := quat.Number{Real: p.QW, Imag: p.QX, Jmag: p.QY, Kmag: p.QZ}
	if q == (quat.Number{}) {
		q.Real = 1
	}
	return geom.NewTransform(r3.Vec{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z}, q)
}

// Object is one confirmed track.
type Object struct {
	ID             int64   `json:"id"`
	LabelID        int     `json:"label_id"`
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	DetectionCount int     `json:"detections"`
	Field          Vec3    `json:"field"`
	Robot          Vec3    `json:"robot"`
}

// Objects is the full set of confirmed tracks at one instant. Timestamp is
// wall-clock Unix nanoseconds.
type Objects struct {
	Timestamp int64    `json:"timestamp"`
	Objects   []Object `json:"objects"`
}

// Correction is the odometry→robot correction the estimator currently
// applies.
type Correction struct {
	Timestamp int64 `json:"timestamp"`
	OdomToBot Pose  `json:"odom_to_robot"`
	FieldPose Pose  `json:"field_to_robot"`
	Fresh     bool  `json:"fresh"`
}

// WorkerStatus describes one camera worker.
type WorkerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Remote   string `json:"remote"`
	Restarts int    `json:"restarts"`
	Flushing bool   `json:"flushing"`
	Error    string `json:"error,omitempty"`
}

// Status is the overall health report.
type Status struct {
	Timestamp int64          `json:"timestamp"`
	Status    status.Status  `json:"status"`
	Workers   []WorkerStatus `json:"workers"`
	Disabled  []string       `json:"disabled,omitempty"`
	Tracks    int            `json:"tracks"`
}

// Odometry is a field→odometry sample from the drive controller. Timestamp
// is wall-clock Unix nanoseconds.
type Odometry struct {
	Timestamp int64 `json:"timestamp"`
	Pose      Pose  `json:"pose"`
}

// PoseOverride resets the robot's field pose.
type PoseOverride struct {
	Pose Pose `json:"pose"`
}
