package worker

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posefusion/internal/estimator"
	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/tracker"
)

// Kind tags every message on the wire.
type Kind uint8

const (
	KindChangeState  Kind = 1
	KindPoseOverride Kind = 2
	KindFlush        Kind = 3

	KindPose            Kind = 10
	KindDetections      Kind = 11
	KindTagObservations Kind = 12

	KindStateNotice Kind = 20
	KindFlushAck    Kind = 21
	KindLog         Kind = 22
)

var kindNames = map[Kind]string{
	KindChangeState:     "change_state",
	KindPoseOverride:    "pose_override",
	KindFlush:           "flush",
	KindPose:            "pose",
	KindDetections:      "detections",
	KindTagObservations: "tag_observations",
	KindStateNotice:     "state_notice",
	KindFlushAck:        "flush_ack",
	KindLog:             "log",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// RemoteState is the worker process's own view of its lifecycle.
type RemoteState uint8

const (
	RemoteUnknown RemoteState = iota
	RemoteActive
	RemotePaused
	RemoteStopped
)

func (s RemoteState) String() string {
	switch s {
	case RemoteActive:
		return "active"
	case RemotePaused:
		return "paused"
	case RemoteStopped:
		return "stopped"
	}
	return "unknown"
}

// Command is a message from the supervisor to a worker.
type Command interface {
	Kind() Kind
	command()
}

// Packet is a message from a worker to the supervisor.
type Packet interface {
	Kind() Kind
	packet()
}

// DataPacket is a Packet forwarded to the consumer, subject to flush
// gating.
type DataPacket interface {
	Packet
	dataPacket()
}

// ControlPacket is a Packet consumed by the Handle itself.
type ControlPacket interface {
	Packet
	controlPacket()
}

// ChangeState asks the worker to move to Target.
type ChangeState struct {
	Target RemoteState `msgpack:"target"`
}

// PoseOverride resets the worker's pose source to Pose.
type PoseOverride struct {
	Pose WirePose `msgpack:"pose"`
}

// Flush asks the worker to acknowledge ID once everything it queued before
// the command has been written.
type Flush struct {
	ID uint64 `msgpack:"id"`
}

func (ChangeState) Kind() Kind  { return KindChangeState }
func (PoseOverride) Kind() Kind { return KindPoseOverride }
func (Flush) Kind() Kind        { return KindFlush }
func (ChangeState) command()    {}
func (PoseOverride) command()   {}
func (Flush) command()          {}

// PoseData is a field→camera pose sample. Timestamp is in nanoseconds on the
// worker's device clock.
type PoseData struct {
	Timestamp  int64     `msgpack:"ts"`
	Pose       WirePose  `msgpack:"pose"`
	Covariance []float64 `msgpack:"cov,omitempty"`
}

// DetectionsData is one frame of camera-relative detections.
type DetectionsData struct {
	Timestamp  int64           `msgpack:"ts"`
	Detections []WireDetection `msgpack:"dets"`
}

// TagObservationsData carries the field→camera poses implied by each fiducial
// tag seen in one frame.
type TagObservationsData struct {
	Timestamp    int64             `msgpack:"ts"`
	Observations []WireObservation `msgpack:"obs"`
}

// StateNotice reports the worker's state and its device clock offset,
// device minus wall, in nanoseconds.
type StateNotice struct {
	Current     RemoteState `msgpack:"state"`
	ClockOffset int64       `msgpack:"offset"`
}

// FlushAck acknowledges a Flush.
type FlushAck struct {
	ID uint64 `msgpack:"id"`
}

// LogRecord forwards one log line from the worker.
type LogRecord struct {
	Level string `msgpack:"level"`
	Text  string `msgpack:"text"`
}

func (PoseData) Kind() Kind            { return KindPose }
func (DetectionsData) Kind() Kind      { return KindDetections }
func (TagObservationsData) Kind() Kind { return KindTagObservations }
func (StateNotice) Kind() Kind         { return KindStateNotice }
func (FlushAck) Kind() Kind            { return KindFlushAck }
func (LogRecord) Kind() Kind           { return KindLog }

func (PoseData) packet()            {}
func (DetectionsData) packet()      {}
func (TagObservationsData) packet() {}
func (StateNotice) packet()         {}
func (FlushAck) packet()            {}
func (LogRecord) packet()           {}

func (PoseData) dataPacket()            {}
func (DetectionsData) dataPacket()      {}
func (TagObservationsData) dataPacket() {}
func (StateNotice) controlPacket()      {}
func (FlushAck) controlPacket()         {}
func (LogRecord) controlPacket()        {}

// WirePose is a rigid transform in wire form.
type WirePose struct {
	X  float64 `msgpack:"x"`
	Y  float64 `msgpack:"y"`
	Z  float64 `msgpack:"z"`
	QW float64 `msgpack:"qw"`
	QX float64 `msgpack:"qx"`
	QY float64 `msgpack:"qy"`
	QZ float64 `msgpack:"qz"`
}

// ToWirePose converts t for transmission.
func ToWirePose(t geom.Transform) WirePose {
	return WirePose{
		X: t.Translation.X, Y: t.Translation.Y, Z: t.Translation.Z,
		QW: t.Rotation.Real, QX: t.Rotation.Imag, QY: t.Rotation.Jmag, QZ: t.Rotation.Kmag,
	}
}

// Transform converts p back, normalising the rotation.
func (p WirePose) Transform() geom.Transform {
	return geom.NewTransform(
		r3.Vec{X: p.X, Y: p.Y, Z: p.Z},
		quat.Number{Real: p.QW, Imag: p.QX, Jmag: p.QY, Kmag: p.QZ},
	)
}

// WireDetection is a camera-relative detection.
type WireDetection struct {
	Label      string  `msgpack:"label"`
	Confidence float64 `msgpack:"conf"`
	X          float64 `msgpack:"x"`
	Y          float64 `msgpack:"y"`
	Z          float64 `msgpack:"z"`
}

// Detection converts d for the tracker.
func (d WireDetection) Detection() tracker.Detection {
	return tracker.Detection{
		Label:      d.Label,
		Confidence: d.Confidence,
		Position:   r3.Vec{X: d.X, Y: d.Y, Z: d.Z},
	}
}

// WireObservation is one absolute pose observation.
type WireObservation struct {
	Pose   WirePose `msgpack:"pose"`
	Error  float64  `msgpack:"err"`
	TagIDs []int    `msgpack:"tags"`
}

// Observation converts o for the estimator.
func (o WireObservation) Observation() estimator.Observation {
	return estimator.Observation{Pose: o.Pose.Transform(), Error: o.Error, TagIDs: o.TagIDs}
}

// TrackerDetections converts every detection in d.
func (d DetectionsData) TrackerDetections() []tracker.Detection {
	out := make([]tracker.Detection, len(d.Detections))
	for i, det := range d.Detections {
		out[i] = det.Detection()
	}
	return out
}

// EstimatorObservations converts every observation in d.
func (d TagObservationsData) EstimatorObservations() []estimator.Observation {
	out := make([]estimator.Observation, len(d.Observations))
	for i, o := range d.Observations {
		out[i] = o.Observation()
	}
	return out
}
