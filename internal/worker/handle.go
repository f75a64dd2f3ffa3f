// Package worker supervises the out-of-process camera workers: launching
// them, restarting them within a budget, draining their packets and gating
// stale data behind the flush protocol. It also holds the worker-side Agent
// that speaks the same protocol from inside the child process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/metrics"
	"github.com/banshee-data/posefusion/internal/monitoring"
)

const (
	// DefaultStopTimeout bounds both the stop command and the join that
	// follows it.
	DefaultStopTimeout = time.Second
	// DefaultCommandTimeout bounds every other command send.
	DefaultCommandTimeout = time.Second
	// DefaultMaxRestartTries is used when InitConfig leaves it unset.
	DefaultMaxRestartTries = 3
)

// State is the supervisor-side lifecycle of a worker.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Delivery is a data packet released to the consumer.
type Delivery struct {
	Worker  string
	Session uuid.UUID
	Packet  DataPacket
	// DeviceOffset is the worker's device-minus-wall offset in nanoseconds
	// as last reported before Packet arrived.
	DeviceOffset int64
}

// WallToDevice maps wall time onto the worker's device clock using the
// offset that was in effect when the packet was drained.
func (d Delivery) WallToDevice(device *clock.Clock) clock.Mapper {
	return clock.Fixed(clock.Wall(), device, d.DeviceOffset)
}

// Handle owns one worker process: its channels, restart counter, flush ids
// and lifecycle state. It is not safe for concurrent use.
type Handle struct {
	cfg      InitConfig
	launcher Launcher

	StopTimeout    time.Duration
	CommandTimeout time.Duration

	proc     Process
	state    State
	restarts int
	starts   int
	session  uuid.UUID
	lastErr  error

	requiredFlush uint64
	ackedFlush    uint64

	remote      RemoteState
	offset      *clock.SharedOffset
	deviceClock *clock.Clock
}

// NewHandle creates a handle in StateNotStarted.
func NewHandle(cfg InitConfig, launcher Launcher) *Handle {
	if cfg.MaxRestartTries <= 0 {
		cfg.MaxRestartTries = DefaultMaxRestartTries
	}
	offset := clock.NewSharedOffset(0)
	h := &Handle{
		cfg:            cfg,
		launcher:       launcher,
		StopTimeout:    DefaultStopTimeout,
		CommandTimeout: DefaultCommandTimeout,
		offset:         offset,
		deviceClock:    clock.NewOffsetClock("device:"+cfg.Name, clock.Wall(), offset),
	}
	metrics.WorkerState.WithLabelValues(cfg.Name).Set(float64(StateNotStarted))
	return h
}

func (h *Handle) Name() string        { return h.cfg.Name }
func (h *Handle) Config() InitConfig  { return h.cfg }
func (h *Handle) State() State        { return h.state }
func (h *Handle) Restarts() int       { return h.restarts }
func (h *Handle) Starts() int         { return h.starts }
func (h *Handle) Session() uuid.UUID  { return h.session }
func (h *Handle) LastError() error    { return h.lastErr }
func (h *Handle) Remote() RemoteState { return h.remote }

// FlushIDs returns the required and last acknowledged flush ids.
func (h *Handle) FlushIDs() (required, acked uint64) {
	return h.requiredFlush, h.ackedFlush
}

// Flushing reports whether data is currently being discarded.
func (h *Handle) Flushing() bool { return h.ackedFlush < h.requiredFlush }

// DeviceClock is the identity of the worker's clock. Its offset from wall
// time follows the worker's state notices.
func (h *Handle) DeviceClock() *clock.Clock { return h.deviceClock }

// WallToDevice maps wall timestamps onto the worker's device clock.
func (h *Handle) WallToDevice() clock.Mapper {
	return clock.Dynamic(clock.Wall(), h.deviceClock, h.offset)
}

func (h *Handle) setState(s State) {
	if h.state != s {
		logs.Diagf("worker %s: %s -> %s", h.cfg.Name, h.state, s)
	}
	h.state = s
	metrics.WorkerState.WithLabelValues(h.cfg.Name).Set(float64(s))
}

// Start launches the worker. A launch failure counts against the restart
// budget exactly like an unexpected exit.
func (h *Handle) Start(ctx context.Context) error {
	switch h.state {
	case StateRunning:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %s", ErrWorkerFailed, h.cfg.Name)
	}
	if err := h.launch(ctx); err != nil {
		return h.recoverFrom(ctx, err)
	}
	return nil
}

func (h *Handle) launch(ctx context.Context) error {
	h.starts++
	metrics.WorkerStarts.WithLabelValues(h.cfg.Name).Inc()
	proc, err := h.launcher.Launch(ctx, h.cfg)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	h.proc = proc
	h.session = uuid.New()
	h.remote = RemoteUnknown
	h.setState(StateRunning)
	// Channels do not survive a restart, so re-request a pending flush.
	if h.Flushing() {
		if err := h.send(ctx, Flush{ID: h.requiredFlush}); err != nil {
			logs.Opsf("worker %s: resend flush %d: %v", h.cfg.Name, h.requiredFlush, err)
		}
	}
	return nil
}

// recoverFrom applies the restart policy after the process died or could
// not be launched.
func (h *Handle) recoverFrom(ctx context.Context, cause error) error {
	for {
		h.proc = nil
		h.restarts++
		h.lastErr = cause
		metrics.WorkerRestarts.WithLabelValues(h.cfg.Name).Inc()
		if h.restarts >= h.cfg.MaxRestartTries {
			if h.cfg.Optional {
				logs.Opsf("optional worker %s stopped after %d attempts: %v", h.cfg.Name, h.restarts, cause)
				h.setState(StateStopped)
				return nil
			}
			h.setState(StateFailed)
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrWorkerFailed, h.cfg.Name, h.restarts, cause)
		}
		logs.Opsf("worker %s: %v; restart attempt %d/%d", h.cfg.Name, cause, h.restarts, h.cfg.MaxRestartTries-1)
		h.setState(StateStopped)
		err := h.launch(ctx)
		if err == nil {
			return nil
		}
		cause = err
	}
}

// Poll drains whatever the worker has queued without blocking. Control
// packets are consumed here; data packets are returned unless a flush is
// outstanding. When the process has died the drain is final and the restart
// policy runs; a returned error wraps ErrWorkerFailed.
func (h *Handle) Poll(ctx context.Context) ([]Delivery, error) {
	if h.state != StateRunning || h.proc == nil {
		return nil, nil
	}
	dead := false
	select {
	case <-h.proc.Done():
		dead = true
	default:
	}
	out := h.drain(nil, dead)
	if !dead {
		return out, nil
	}
	cause := h.proc.Err()
	if cause == nil {
		cause = errors.New("exited")
	}
	return out, h.recoverFrom(ctx, fmt.Errorf("unexpected exit: %w", cause))
}

func (h *Handle) drain(out []Delivery, final bool) []Delivery {
	data := h.proc.Data()
	for i := 0; final || i < DataBuffer; i++ {
		select {
		case p, ok := <-data:
			if !ok {
				return out
			}
			out = h.dispatch(p, out)
		default:
			return out
		}
	}
	return out
}

func (h *Handle) dispatch(p Packet, out []Delivery) []Delivery {
	metrics.PacketsReceived.WithLabelValues(h.cfg.Name, p.Kind().String()).Inc()
	switch p := p.(type) {
	case ControlPacket:
		h.control(p)
	case DataPacket:
		if h.Flushing() {
			metrics.StalePacketsDropped.WithLabelValues(h.cfg.Name).Inc()
			logs.Tracef("worker %s: dropped stale %s (flush %d, acked %d)", h.cfg.Name, p.Kind(), h.requiredFlush, h.ackedFlush)
			return out
		}
		out = append(out, Delivery{Worker: h.cfg.Name, Session: h.session, Packet: p, DeviceOffset: h.offset.Offset()})
	}
	return out
}

func (h *Handle) control(p ControlPacket) {
	switch c := p.(type) {
	case StateNotice:
		if h.remote != c.Current {
			logs.Diagf("worker %s reports %s", h.cfg.Name, c.Current)
		}
		h.remote = c.Current
		h.offset.Set(c.ClockOffset)
	case FlushAck:
		if c.ID > h.ackedFlush {
			h.ackedFlush = c.ID
		}
		logs.Tracef("worker %s acked flush %d", h.cfg.Name, c.ID)
	case LogRecord:
		level, err := monitoring.ParseLevel(c.Level)
		if err != nil {
			level = monitoring.LevelDiag
		}
		logs.Logf(level, "%s: %s", h.cfg.Name, c.Text)
	}
}

func (h *Handle) send(ctx context.Context, cmd Command) error {
	if h.state != StateRunning || h.proc == nil {
		return fmt.Errorf("%s: %w", h.cfg.Name, ErrNotRunning)
	}
	ctx, cancel := context.WithTimeout(ctx, h.CommandTimeout)
	defer cancel()
	return h.proc.Send(ctx, cmd)
}

// Flush allocates the next flush id and asks the worker to acknowledge it.
// Data is discarded until the acknowledgement arrives. A worker that is not
// running receives the flush when it next starts.
func (h *Handle) Flush(ctx context.Context) (uint64, error) {
	h.requiredFlush++
	id := h.requiredFlush
	if h.state != StateRunning {
		return id, nil
	}
	return id, h.send(ctx, Flush{ID: id})
}

// OverridePose resets the worker's pose source, then flushes so that no
// packet produced from the old pose is delivered.
func (h *Handle) OverridePose(ctx context.Context, pose geom.Transform) error {
	var overrideErr error
	if h.state == StateRunning {
		overrideErr = h.send(ctx, PoseOverride{Pose: ToWirePose(pose)})
	}
	_, flushErr := h.Flush(ctx)
	return errors.Join(overrideErr, flushErr)
}

// Stop asks the worker to stop, waits up to StopTimeout, then kills it. The
// handle always ends in StateStopped; anything still queued is discarded.
func (h *Handle) Stop(ctx context.Context) error {
	if h.state != StateRunning || h.proc == nil {
		if h.state == StateNotStarted {
			h.setState(StateStopped)
		}
		return nil
	}
	h.setState(StateStopping)
	proc := h.proc
	h.proc = nil

	sendCtx, cancel := context.WithTimeout(ctx, h.StopTimeout)
	if err := proc.Send(sendCtx, ChangeState{Target: RemoteStopped}); err != nil {
		logs.Diagf("worker %s: stop command: %v", h.cfg.Name, err)
	}
	cancel()

	var killErr error
	if !waitExit(proc, h.StopTimeout) {
		logs.Opsf("worker %s did not stop within %s, killing", h.cfg.Name, h.StopTimeout)
		killErr = proc.Kill()
		if !waitExit(proc, h.StopTimeout) {
			logs.Opsf("worker %s still running after kill", h.cfg.Name)
		}
	}
	h.setState(StateStopped)
	return killErr
}

// waitExit waits up to d for p to exit, discarding packets so that a full
// data channel cannot hold the process open.
func waitExit(p Process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	data := p.Data()
	for {
		select {
		case <-p.Done():
			return true
		case _, ok := <-data:
			if !ok {
				data = nil
			}
		case <-t.C:
			return false
		}
	}
}
