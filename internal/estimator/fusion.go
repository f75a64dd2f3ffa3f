package estimator

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posefusion/internal/geom"
)

// minObservationError floors reported errors so that a perfect (zero error)
// observation still gets a finite weight.
const minObservationError = 1e-9

// Observation is one absolute pose measurement, e.g. the camera pose implied
// by a fiducial tag, with the producer's scalar error metric.
type Observation struct {
	Pose   geom.Transform
	Error  float64
	TagIDs []int
}

// Strategy selects how simultaneous observations are reduced to one pose.
type Strategy int

const (
	// StrategyLowestError keeps the observation with the smallest error.
	StrategyLowestError Strategy = iota
	// StrategyClosestToLast keeps the observation nearest the last known
	// pose by translation distance.
	StrategyClosestToLast
	// StrategyWeightedAverage blends all observations with weights
	// proportional to 1/error.
	StrategyWeightedAverage
)

var strategyNames = map[Strategy]string{
	StrategyLowestError:     "lowest_error",
	StrategyClosestToLast:   "closest_to_last",
	StrategyWeightedAverage: "weighted_average",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown fusion strategy %q", name)
}

// Fuse reduces obs to a single pose. It returns false when obs is empty; a
// single observation is returned as is whatever the strategy.
func Fuse(strategy Strategy, obs []Observation, last geom.Transform) (geom.Transform, bool) {
	switch len(obs) {
	case 0:
		return geom.Identity(), false
	case 1:
		return obs[0].Pose, true
	}

	switch strategy {
	case StrategyClosestToLast:
		best, bestDist := 0, math.Inf(1)
		for i, o := range obs {
			if d := geom.Distance(o.Pose, last); d < bestDist {
				best, bestDist = i, d
			}
		}
		return obs[best].Pose, true
	case StrategyWeightedAverage:
		return weightedAverage(obs), true
	default:
		best := 0
		for i, o := range obs {
			if o.Error < obs[best].Error {
				best = i
			}
		}
		return obs[best].Pose, true
	}
}

func weightedAverage(obs []Observation) geom.Transform {
	weights := make([]float64, len(obs))
	var total float64
	for i, o := range obs {
		weights[i] = 1 / math.Max(o.Error, minObservationError)
		total += weights[i]
	}

	var trans r3.Vec
	var rot quat.Number
	ref := obs[0].Pose.Rotation
	for i, o := range obs {
		w := weights[i] / total
		trans = r3.Add(trans, r3.Scale(w, o.Pose.Translation))
		q := o.Pose.Rotation
		// q and -q are the same rotation; keep every term in ref's hemisphere.
		if dot(ref, q) < 0 {
			q = quat.Scale(-1, q)
		}
		rot = quat.Add(rot, quat.Scale(w, q))
	}
	return geom.NewTransform(trans, geom.Normalize(rot))
}

func dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}
