package estimator

import (
	"sort"
	"time"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/geom"
)

// Sample is a pose observed at a timestamp.
type Sample struct {
	Timestamp clock.Timestamp
	Pose      geom.Pose
}

// History is a time-ordered, duration-bounded store of pose samples that can
// be queried at any instant. It is not safe for concurrent use.
type History struct {
	duration time.Duration
	samples  []Sample
}

// NewHistory creates a history retaining samples within duration of the
// newest one.
func NewHistory(duration time.Duration) *History {
	return &History{duration: duration}
}

// AddSample inserts a sample in timestamp order, then evicts samples older
// than newest-duration. Samples that arrive out of order are placed by
// timestamp; equal timestamps keep arrival order.
func (h *History) AddSample(ts clock.Timestamp, pose geom.Pose) {
	idx := sort.Search(len(h.samples), func(i int) bool {
		return h.samples[i].Timestamp.After(ts)
	})
	h.samples = append(h.samples, Sample{})
	copy(h.samples[idx+1:], h.samples[idx:])
	h.samples[idx] = Sample{Timestamp: ts, Pose: pose}
	h.evict()
}

func (h *History) evict() {
	if len(h.samples) == 0 {
		return
	}
	cutoff := h.samples[len(h.samples)-1].Timestamp.Add(-h.duration)
	drop := sort.Search(len(h.samples), func(i int) bool {
		return !h.samples[i].Timestamp.Before(cutoff)
	})
	if drop > 0 {
		h.samples = append(h.samples[:0], h.samples[drop:]...)
	}
}

// Sample returns the pose at ts. Queries outside the stored span clamp to
// the nearest edge sample, queries inside it are screw-interpolated between
// the bracketing pair, and an empty history returns fallback.
func (h *History) Sample(ts clock.Timestamp, fallback geom.Transform) geom.Transform {
	n := len(h.samples)
	if n == 0 {
		return fallback
	}
	idx := sort.Search(n, func(i int) bool {
		return h.samples[i].Timestamp.After(ts)
	})
	switch {
	case idx == 0:
		return h.samples[0].Pose.Transform
	case idx == n:
		return h.samples[n-1].Pose.Transform
	}
	s0, s1 := h.samples[idx-1], h.samples[idx]
	t := float64(ts.Sub(s0.Timestamp)) / float64(s1.Timestamp.Sub(s0.Timestamp))
	return geom.Interpolate(s0.Pose.Transform, s1.Pose.Transform, t)
}

// Span returns the oldest and newest timestamps held. ok is false when the
// history is empty.
func (h *History) Span() (start, end clock.Timestamp, ok bool) {
	if len(h.samples) == 0 {
		return clock.Timestamp{}, clock.Timestamp{}, false
	}
	return h.samples[0].Timestamp, h.samples[len(h.samples)-1].Timestamp, true
}

// Latest returns the newest sample.
func (h *History) Latest() (Sample, bool) {
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Len returns the number of stored samples.
func (h *History) Len() int { return len(h.samples) }

// Clear drops every sample.
func (h *History) Clear() { h.samples = h.samples[:0] }

// Samples returns a copy of the stored samples, oldest first.
func (h *History) Samples() []Sample {
	out := make([]Sample, len(h.samples))
	copy(out, h.samples)
	return out
}
