// Package monitor serves the operator-facing HTTP surface: status, metrics
// and debug views of the tracks and the robot trail. It only ever reads
// immutable snapshots published by the fusion loop.
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/posefusion/internal/publish"
	"github.com/banshee-data/posefusion/internal/status"
)

// Snapshot is the fusion state at one instant. Once stored it must not be
// modified.
type Snapshot struct {
	Time       time.Time              `json:"time"`
	Status     status.Status          `json:"status"`
	Workers    []publish.WorkerStatus `json:"workers"`
	Disabled   []string               `json:"disabled,omitempty"`
	Tracks     []publish.Object       `json:"tracks"`
	Trail      []publish.Vec3         `json:"-"`
	Correction *publish.Correction    `json:"correction,omitempty"`
	// IMUOffset is the IMU clock minus host clock, when an IMU is attached.
	IMUOffset *time.Duration `json:"imu_offset,omitempty"`
	Cycles    uint64         `json:"cycles"`
}

// Store holds the latest snapshot.
type Store struct {
	p atomic.Pointer[Snapshot]
}

// Set publishes snap.
func (s *Store) Set(snap *Snapshot) { s.p.Store(snap) }

// Get returns the latest snapshot, or nil before the first Set.
func (s *Store) Get() *Snapshot { return s.p.Load() }
