package worker

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/geom"
)

const (
	syntheticMinDepth = 0.1
	syntheticMaxRange = 6.0
)

// SyntheticProducer simulates a camera on a robot driving a circle. It emits
// noisy field→camera poses, detections of the configured landmarks that are
// in front of the camera, and periodic tag observations.
type SyntheticProducer struct {
	cfg    InitConfig
	tags   []Tag
	device *clock.Clock
	skew   int64

	mu      sync.Mutex
	anchor  geom.Transform
	t0      int64
	rng     *rand.Rand
	frames  int
	started bool
}

// NewSyntheticProducer creates the producer for cfg. tags may be nil.
func NewSyntheticProducer(cfg InitConfig, tags []Tag) *SyntheticProducer {
	skew := cfg.Synthetic.ClockSkewMs * int64(time.Millisecond)
	h := fnv.New64a()
	_, _ = h.Write([]byte(cfg.Name))
	seed := h.Sum64()
	return &SyntheticProducer{
		cfg:    cfg,
		tags:   tags,
		device: clock.NewOffsetClock("device:"+cfg.Name, clock.Wall(), clock.ConstantOffset(skew)),
		skew:   skew,
		anchor: geom.Identity(),
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// ClockOffset returns the configured device clock skew.
func (p *SyntheticProducer) ClockOffset() int64 { return p.skew }

// OverridePose makes pose the robot's current field pose; the circle
// continues from there.
func (p *SyntheticProducer) OverridePose(pose geom.Transform) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anchor = pose
	p.t0 = p.device.Nanos()
	p.started = true
}

// FieldToRobot returns the noise-free robot pose at device time n.
func (p *SyntheticProducer) FieldToRobot(n int64) geom.Transform {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fieldToRobot(n)
}

func (p *SyntheticProducer) fieldToRobot(n int64) geom.Transform {
	if !p.started {
		p.t0 = n
		p.started = true
	}
	s := float64(n-p.t0) / 1e9
	r := p.cfg.Synthetic.Radius
	if r <= 0 {
		return p.anchor
	}
	theta := p.cfg.Synthetic.Speed * s / r
	step := geom.FromXYYaw(r*math.Sin(theta), r*(1-math.Cos(theta)), theta)
	return p.anchor.Compose(step)
}

func (p *SyntheticProducer) noise() float64 {
	return p.rng.NormFloat64() * p.cfg.Synthetic.Noise
}

func (p *SyntheticProducer) jitter(t geom.Transform) geom.Transform {
	if p.cfg.Synthetic.Noise == 0 {
		return t
	}
	d := geom.FromXYYaw(p.noise(), p.noise(), p.noise()*0.1)
	d.Translation.Z = p.noise()
	return t.Compose(d)
}

// Frame builds the packets for one frame at device time n.
func (p *SyntheticProducer) Frame(n int64) []DataPacket {
	p.mu.Lock()
	defer p.mu.Unlock()

	fieldToCamera := p.fieldToRobot(n).Compose(p.cfg.RobotToCamera)
	cameraFromField := fieldToCamera.Inverse()
	variance := math.Max(p.cfg.Synthetic.Noise*p.cfg.Synthetic.Noise, 1e-6)

	out := []DataPacket{PoseData{
		Timestamp: n,
		Pose:      ToWirePose(p.jitter(fieldToCamera)),
		Covariance: geom.CovarianceValues(geom.DiagonalCovariance(
			[geom.CovarianceDim]float64{variance, variance, variance, variance / 10, variance / 10, variance / 10})),
	}}

	var dets []WireDetection
	for _, lm := range p.cfg.Synthetic.Landmarks {
		rel := cameraFromField.Apply(r3.Vec{X: lm.X, Y: lm.Y, Z: lm.Z})
		if !inView(rel) {
			continue
		}
		dets = append(dets, WireDetection{
			Label:      lm.Label,
			Confidence: math.Max(0.05, 0.9-0.05*r3.Norm(rel)),
			X:          rel.X + p.noise(),
			Y:          rel.Y + p.noise(),
			Z:          rel.Z + p.noise(),
		})
	}
	if len(dets) > 0 {
		out = append(out, DetectionsData{Timestamp: n, Detections: dets})
	}

	p.frames++
	if every := p.cfg.Synthetic.TagEvery; every > 0 && p.frames%every == 0 {
		var obs []WireObservation
		for _, tag := range p.tags {
			rel := cameraFromField.Apply(r3.Vec{X: tag.X, Y: tag.Y, Z: tag.Z})
			if !inView(rel) {
				continue
			}
			obs = append(obs, WireObservation{
				Pose:   ToWirePose(p.jitter(fieldToCamera)),
				Error:  0.01 + 0.02*r3.Norm(rel),
				TagIDs: []int{tag.ID},
			})
		}
		if len(obs) > 0 {
			out = append(out, TagObservationsData{Timestamp: n, Observations: obs})
		}
	}
	return out
}

func inView(rel r3.Vec) bool {
	return rel.Z > syntheticMinDepth && r3.Norm(rel) <= syntheticMaxRange
}

// Run emits a frame at the configured rate until ctx ends.
func (p *SyntheticProducer) Run(ctx context.Context, emit Emit) error {
	rate := p.cfg.RateHz
	if rate <= 0 {
		rate = 30
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, pkt := range p.Frame(p.device.Nanos()) {
				if err := emit(ctx, pkt); err != nil {
					return err
				}
			}
		}
	}
}
