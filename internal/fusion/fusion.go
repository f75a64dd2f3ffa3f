// Package fusion runs the daemon's single poll loop. It drains every camera
// worker, maps packet timestamps onto the monotonic clock, feeds the pose
// estimator and object tracker, applies inbound odometry and pose overrides,
// and publishes the results. The estimator and tracker are only touched
// from the loop goroutine.
package fusion

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/datalog"
	"github.com/banshee-data/posefusion/internal/estimator"
	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/metrics"
	"github.com/banshee-data/posefusion/internal/monitor"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/publish"
	"github.com/banshee-data/posefusion/internal/status"
	"github.com/banshee-data/posefusion/internal/tracker"
	"github.com/banshee-data/posefusion/internal/worker"
)

var logs = monitoring.NewStreams("[fusion] ")

const (
	odometryBuffer = 64
	overrideBuffer = 4
)

// camera is the per-worker state the loop caches.
type camera struct {
	handle        *worker.Handle
	robotToCamera geom.Transform
	state         worker.State
}

// Loop is the fusion poll loop.
type Loop struct {
	workers *worker.Manager
	opts    Options

	ref       *clock.Clock
	wallToRef clock.Mapper
	odomClock *clock.Clock
	odomToRef clock.Mapper

	est     *estimator.Estimator
	trk     *tracker.Tracker
	cameras map[string]*camera
	rec     *recorder

	odometry  chan publish.Odometry
	overrides chan publish.PoseOverride

	lastStatus     status.Status
	statusSent     time.Time
	havePublished  bool
	lastCorrection clock.Timestamp
	cycles         uint64
}

// New creates a loop over the workers in m.
func New(m *worker.Manager, opts Options) *Loop {
	opts.setDefaults()
	ref := clock.Monotonic()
	wallToRef := clock.Compute(clock.Wall(), ref)
	l := &Loop{
		workers:   m,
		opts:      opts,
		ref:       ref,
		wallToRef: wallToRef,
		odomClock: clock.Wall(),
		odomToRef: wallToRef,
		est:       estimator.New(ref, opts.HistoryDuration),
		trk:       tracker.New(opts.Tracker),
		cameras:   make(map[string]*camera),
		odometry:  make(chan publish.Odometry, odometryBuffer),
		overrides: make(chan publish.PoseOverride, overrideBuffer),
	}
	if opts.IMU != nil {
		l.odomClock = opts.IMU.Clock()
		l.odomToRef = clock.Chain(opts.IMU.Mapper().Inverse(), wallToRef)
	}
	if opts.Datalog != nil {
		l.rec = newRecorder(opts.DatalogQueue)
	}
	return l
}

// Close waits for queued datalog writes. Step must not be called after
// Close.
func (l *Loop) Close() {
	if l.rec != nil {
		l.rec.close()
	}
}

// Estimator exposes the estimator for tests and diagnostics. It must only
// be used from the loop goroutine.
func (l *Loop) Estimator() *estimator.Estimator { return l.est }

// Reference is the clock every estimator and tracker timestamp is on.
func (l *Loop) Reference() *clock.Clock { return l.ref }

// HandleOdometry queues an inbound odometry sample. It never blocks; a
// sample is dropped when the loop is behind.
func (l *Loop) HandleOdometry(o publish.Odometry) {
	select {
	case l.odometry <- o:
	default:
		logs.Diagf("odometry queue full, dropping sample at %d", o.Timestamp)
	}
}

// HandlePoseOverride queues an inbound pose override.
func (l *Loop) HandlePoseOverride(o publish.PoseOverride) {
	select {
	case l.overrides <- o:
	default:
		logs.Opsf("pose override queue full, dropping override")
	}
}

// Inbound routes subscriptions into the loop.
func (l *Loop) Inbound() publish.Inbound {
	return publish.Inbound{Odometry: l.HandleOdometry, PoseOverride: l.HandlePoseOverride}
}

// Run steps the loop every PollInterval until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	logs.Opsf("fusion loop running every %s with %s fusion", l.opts.PollInterval, l.opts.Strategy)
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step runs one cycle.
func (l *Loop) Step(ctx context.Context) {
	start := time.Now()
	overridden := l.applyOverrides(ctx)
	odom := l.applyOdometry()

	deliveries, err := l.workers.PollAll(ctx)
	if err != nil {
		if errors.Is(err, worker.ErrWorkerFailed) {
			logs.Opsf("%v", err)
		} else {
			logs.Diagf("poll: %v", err)
		}
	}
	for _, d := range deliveries {
		l.ingest(d)
	}

	now := l.ref.Now()
	l.trk.Cleanup(now)
	items := l.trk.Items()
	fieldToRobot := l.est.FieldToRobot(now)
	wallNow := l.wallToRef.BToA(now).Nanos()

	objects := make([]publish.Object, len(items))
	for i := range items {
		o := &items[i]
		objects[i] = publish.Object{
			ID:             o.ID,
			LabelID:        l.opts.labelID(o.Label),
			Label:          o.Label,
			Confidence:     o.Confidence,
			DetectionCount: o.DetectionCount,
			Field:          publish.VecFrom(o.Position),
			Robot:          publish.VecFrom(o.RelativeTo(fieldToRobot)),
		}
	}

	correction := l.correction(now, fieldToRobot)
	changed := overridden || odom > 0 || len(deliveries) > 0

	pctx, cancel := context.WithTimeout(ctx, l.opts.PublishTimeout)
	defer cancel()
	if changed && l.opts.Publisher != nil {
		if err := l.opts.Publisher.PublishObjects(pctx, publish.Objects{Timestamp: wallNow, Objects: objects}); err != nil {
			logs.Diagf("publish objects: %v", err)
		}
		if correction != nil {
			if err := l.opts.Publisher.PublishCorrection(pctx, *correction); err != nil {
				logs.Diagf("publish correction: %v", err)
			}
		}
	}

	st, workers := l.workerStatus(wallNow)
	l.publishStatus(pctx, wallNow, st, workers, len(objects))

	l.cycles++
	metrics.TrackedObjects.Set(float64(len(objects)))
	metrics.LoopDuration.Observe(time.Since(start).Seconds())
	if l.opts.Monitor != nil {
		l.opts.Monitor.Set(l.snapshot(wallNow, st, workers, objects, correction))
	}
}

func (l *Loop) applyOverrides(ctx context.Context) bool {
	applied := false
	for {
		select {
		case o := <-l.overrides:
			pose := o.Pose.Transform()
			logs.Opsf("pose override to %s", pose)
			l.est.Reset()
			l.trk.Reset()
			l.lastCorrection = clock.Timestamp{}
			if err := l.workers.OverridePose(ctx, pose); err != nil {
				logs.Opsf("pose override: %v", err)
			}
			applied = true
		default:
			return applied
		}
	}
}

func (l *Loop) applyOdometry() int {
	n := 0
	for {
		select {
		case o := <-l.odometry:
			ts := l.odomToRef.AToB(clock.At(o.Timestamp, l.odomClock))
			l.est.RecordOdometry(ts, o.Pose.Transform())
			n++
		default:
			return n
		}
	}
}

func (l *Loop) camera(name string) *camera {
	if c, ok := l.cameras[name]; ok {
		return c
	}
	h := l.workers.Handle(name)
	if h == nil {
		return nil
	}
	c := &camera{
		handle:        h,
		robotToCamera: h.Config().RobotToCamera,
		state:         worker.StateNotStarted,
	}
	l.cameras[name] = c
	return c
}

func (l *Loop) ingest(d worker.Delivery) {
	cam := l.camera(d.Worker)
	if cam == nil {
		logs.Diagf("delivery from unknown worker %s", d.Worker)
		return
	}
	// Map with the offset the worker had reported when the packet was
	// drained, not the one current now.
	device := cam.handle.DeviceClock()
	toRef := clock.Chain(d.WallToDevice(device).Inverse(), l.wallToRef)
	at := func(n int64) clock.Timestamp {
		return toRef.AToB(clock.At(n, device))
	}

	switch p := d.Packet.(type) {
	case worker.PoseData:
		ts := at(p.Timestamp)
		pose := geom.Pose{Transform: p.Pose.Transform()}
		if len(p.Covariance) > 0 {
			cov, err := geom.NewCovariance(p.Covariance)
			if err != nil {
				logs.Diagf("worker %s: %v", d.Worker, err)
			} else {
				pose.Covariance = cov
			}
		}
		l.est.RecordPose(cam.robotToCamera, estimator.Sample{Timestamp: ts, Pose: pose})
		l.recordPose(d, datalog.SourceVIO, ts, pose.Compose(cam.robotToCamera.Inverse()))
	case worker.TagObservationsData:
		ts := at(p.Timestamp)
		if fused, ok := l.est.RecordTagObservations(cam.robotToCamera, ts, p.EstimatorObservations(), l.opts.Strategy); ok {
			l.recordPose(d, datalog.SourceTags, ts, fused)
		}
	case worker.DetectionsData:
		ts := at(p.Timestamp)
		dets := p.TrackerDetections()
		l.trk.Track(ts, dets, l.est.FieldToRobot(ts), cam.robotToCamera)
		if l.rec != nil {
			db, run, wall := l.opts.Datalog, l.opts.Run, l.wallNanos(ts)
			l.rec.enqueue(func(ctx context.Context) error {
				return db.RecordDetections(ctx, run, d.Worker, wall, dets)
			})
		}
	}
}

// recordPose queues a field→robot sample for the datalog.
func (l *Loop) recordPose(d worker.Delivery, source datalog.PoseSource, ts clock.Timestamp, fieldToRobot geom.Transform) {
	if l.rec == nil {
		return
	}
	db, run, wall := l.opts.Datalog, l.opts.Run, l.wallNanos(ts)
	l.rec.enqueue(func(ctx context.Context) error {
		return db.RecordPose(ctx, run, d.Worker, d.Session, source, wall, fieldToRobot)
	})
}

func (l *Loop) wallNanos(ts clock.Timestamp) int64 {
	return l.wallToRef.BToA(ts).Nanos()
}

// correction returns the current odom→robot correction, or nil before one
// has ever been computed.
func (l *Loop) correction(now clock.Timestamp, fieldToRobot geom.Transform) *publish.Correction {
	odomToRobot := l.est.OdomToRobot()
	at, ok := l.est.LastCorrectionTime()
	if !ok {
		return nil
	}
	fresh := at != l.lastCorrection
	l.lastCorrection = at
	metrics.CorrectionAge.Set(now.Sub(at).Seconds())
	if fresh && l.rec != nil {
		db, run, wall := l.opts.Datalog, l.opts.Run, l.wallNanos(at)
		l.rec.enqueue(func(ctx context.Context) error {
			return db.RecordCorrection(ctx, run, wall, odomToRobot)
		})
	}
	return &publish.Correction{
		Timestamp: l.wallNanos(at),
		OdomToBot: publish.PoseFrom(odomToRobot),
		FieldPose: publish.PoseFrom(fieldToRobot),
		Fresh:     fresh,
	}
}

// workerStatus reports every worker and records lifecycle changes.
func (l *Loop) workerStatus(wallNow int64) (status.Status, []publish.WorkerStatus) {
	handles := l.workers.Handles()
	out := make([]publish.WorkerStatus, len(handles))
	for i, h := range handles {
		ws := publish.WorkerStatus{
			Name:     h.Name(),
			State:    h.State().String(),
			Remote:   h.Remote().String(),
			Restarts: h.Restarts(),
			Flushing: h.Flushing(),
		}
		if err := h.LastError(); err != nil {
			ws.Error = err.Error()
		}
		out[i] = ws

		cam := l.camera(h.Name())
		if cam.state != h.State() {
			cam.state = h.State()
			if l.rec != nil {
				db, run := l.opts.Datalog, l.opts.Run
				l.rec.enqueue(func(ctx context.Context) error {
					return db.RecordWorkerEvent(ctx, run, ws.Name, wallNow, ws.State, ws.Restarts, ws.Error)
				})
			}
		}
	}
	return l.workers.Status(), out
}

func (l *Loop) publishStatus(ctx context.Context, wallNow int64, st status.Status, workers []publish.WorkerStatus, tracks int) {
	if st != l.lastStatus || !l.havePublished {
		logs.Opsf("status %s", st)
	}
	due := time.Since(l.statusSent) >= l.opts.StatusInterval
	if l.havePublished && st == l.lastStatus && !due {
		return
	}
	l.lastStatus = st
	l.havePublished = true
	l.statusSent = time.Now()
	if l.opts.Publisher == nil {
		return
	}
	msg := publish.Status{
		Timestamp: wallNow,
		Status:    st,
		Workers:   workers,
		Disabled:  l.workers.Disabled(),
		Tracks:    tracks,
	}
	if err := l.opts.Publisher.PublishStatus(ctx, msg); err != nil {
		logs.Diagf("publish status: %v", err)
	}
}

func (l *Loop) snapshot(wallNow int64, st status.Status, workers []publish.WorkerStatus, objects []publish.Object, correction *publish.Correction) *monitor.Snapshot {
	trail := l.est.RobotTrail()
	points := make([]publish.Vec3, len(trail))
	for i, s := range trail {
		points[i] = publish.VecFrom(s.Pose.Translation)
	}
	snap := &monitor.Snapshot{
		Time:       time.Unix(0, wallNow),
		Status:     st,
		Workers:    workers,
		Disabled:   l.workers.Disabled(),
		Tracks:     objects,
		Trail:      points,
		Correction: correction,
		Cycles:     l.cycles,
	}
	if l.opts.IMU != nil {
		d := time.Duration(l.opts.IMU.Offset())
		snap.IMUOffset = &d
	}
	return snap
}
