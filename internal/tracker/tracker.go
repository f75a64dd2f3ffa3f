// Package tracker clusters noisy per-frame object detections into
// field-frame tracks, smoothing their positions and ageing out stale ones.
package tracker

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/monitoring"
)

var logs = monitoring.NewStreams("[tracker] ")

// Config holds the clustering and ageing parameters.
type Config struct {
	// ClusterDistance is the maximum lateral-separation-to-depth ratio at
	// which a detection joins an existing track.
	ClusterDistance float64
	// MinDepth floors the depth divisor so that very near objects do not
	// make the score explode.
	MinDepth float64
	// MinDetections is the number of detections before a track is reported.
	MinDetections int
	// Alpha is the EMA weight given to each new detection.
	Alpha float64
	// DetectedDuration prunes tracks that never reached MinDetections.
	DetectedDuration time.Duration
	// HistoryDuration prunes every track not seen for this long.
	HistoryDuration time.Duration
}

// DefaultConfig returns the tracking parameters used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		ClusterDistance:  0.3,
		MinDepth:         0.5,
		MinDetections:    2,
		Alpha:            0.2,
		DetectedDuration: 500 * time.Millisecond,
		HistoryDuration:  3 * time.Second,
	}
}

// Detection is one object seen in a camera frame.
type Detection struct {
	Label      string
	Confidence float64
	// Position is camera-relative: x right, y down, z forward (depth).
	Position r3.Vec
}

// Object is a tracked object in the field frame.
type Object struct {
	ID             int64
	Label          string
	Position       r3.Vec
	Confidence     float64
	LastSeen       clock.Timestamp
	DetectionCount int

	// Position relative to memoRef, valid while memoPos == Position.
	memoRef   geom.Transform
	memoPos   r3.Vec
	memoRel   r3.Vec
	memoValid bool
}

// RelativeTo returns the object's position in the frame whose pose in the
// field is fieldToRef. The result is memoised until the reference or the
// object's position changes.
func (o *Object) RelativeTo(fieldToRef geom.Transform) r3.Vec {
	if o.memoValid && o.memoRef == fieldToRef && o.memoPos == o.Position {
		return o.memoRel
	}
	o.memoRef = fieldToRef
	o.memoPos = o.Position
	o.memoRel = fieldToRef.Inverse().Apply(o.Position)
	o.memoValid = true
	return o.memoRel
}

func (o *Object) merge(ts clock.Timestamp, position r3.Vec, confidence, alpha float64) {
	o.Position = r3.Add(r3.Scale(alpha, position), r3.Scale(1-alpha, o.Position))
	o.Confidence = alpha*confidence + (1-alpha)*o.Confidence
	o.DetectionCount++
	o.LastSeen = ts
}

// Tracker maintains tracks bucketed by label. It is not safe for concurrent
// use.
type Tracker struct {
	cfg    Config
	tracks map[string][]*Object
	nextID int64
}

// New creates an empty tracker.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, tracks: make(map[string][]*Object)}
}

// Config returns the tracker's parameters.
func (t *Tracker) Config() Config { return t.cfg }

// Track folds one frame of detections into the track table, then runs
// Cleanup at ts.
func (t *Tracker) Track(ts clock.Timestamp, detections []Detection, fieldToRobot, robotToCamera geom.Transform) {
	fieldToCamera := fieldToRobot.Compose(robotToCamera)
	for _, det := range detections {
		fieldPos := fieldToCamera.Apply(det.Position)
		if match := t.bestMatch(det, fieldToCamera); match != nil {
			match.merge(ts, fieldPos, det.Confidence, t.cfg.Alpha)
			logs.Tracef("merged %s into track %d (count %d)", det.Label, match.ID, match.DetectionCount)
			continue
		}
		t.nextID++
		obj := &Object{
			ID:             t.nextID,
			Label:          det.Label,
			Position:       fieldPos,
			Confidence:     det.Confidence,
			LastSeen:       ts,
			DetectionCount: 1,
		}
		t.tracks[det.Label] = append(t.tracks[det.Label], obj)
		logs.Diagf("new %s track %d at (%.2f, %.2f, %.2f)", det.Label, obj.ID, fieldPos.X, fieldPos.Y, fieldPos.Z)
	}
	t.Cleanup(ts)
}

// bestMatch returns the track in det's label bucket with the lowest score
// below ClusterDistance. Scores compare lateral separation in the current
// camera frame against the larger of the two depths; the first track wins a
// tie.
func (t *Tracker) bestMatch(det Detection, fieldToCamera geom.Transform) *Object {
	var best *Object
	bestScore := t.cfg.ClusterDistance
	for _, obj := range t.tracks[det.Label] {
		old := obj.RelativeTo(fieldToCamera)
		depth := math.Max(t.cfg.MinDepth, math.Max(old.Z, det.Position.Z))
		score := math.Hypot(old.X-det.Position.X, old.Y-det.Position.Y) / depth
		if score < bestScore {
			best, bestScore = obj, score
		}
	}
	return best
}

// Cleanup removes unconfirmed tracks not seen within DetectedDuration and
// any track not seen within HistoryDuration.
func (t *Tracker) Cleanup(now clock.Timestamp) {
	detectedCutoff := now.Add(-t.cfg.DetectedDuration)
	historyCutoff := now.Add(-t.cfg.HistoryDuration)
	for label, bucket := range t.tracks {
		kept := bucket[:0]
		for _, obj := range bucket {
			noise := obj.DetectionCount < t.cfg.MinDetections && obj.LastSeen.Before(detectedCutoff)
			if noise || obj.LastSeen.Before(historyCutoff) {
				logs.Tracef("dropped %s track %d (count %d)", label, obj.ID, obj.DetectionCount)
				continue
			}
			kept = append(kept, obj)
		}
		for i := len(kept); i < len(bucket); i++ {
			bucket[i] = nil
		}
		if len(kept) == 0 {
			delete(t.tracks, label)
			continue
		}
		t.tracks[label] = kept
	}
}

// Items returns copies of the confirmed tracks ordered by label, then id.
func (t *Tracker) Items() []Object {
	var out []Object
	for _, bucket := range t.tracks {
		for _, obj := range bucket {
			if obj.DetectionCount >= t.cfg.MinDetections {
				out = append(out, *obj)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tracks, confirmed or not.
func (t *Tracker) Len() int {
	n := 0
	for _, bucket := range t.tracks {
		n += len(bucket)
	}
	return n
}

// Reset drops every track. Ids keep increasing across resets.
func (t *Tracker) Reset() {
	t.tracks = make(map[string][]*Object)
}
