package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/monitoring"
)

// DefaultNoticeInterval is how often an Agent re-reports its state and clock
// offset.
const DefaultNoticeInterval = time.Second

var (
	errStopRequested = errors.New("stop requested")
	errAgentClosed   = errors.New("agent closed")
)

// Emit queues a data packet for the supervisor.
type Emit func(ctx context.Context, p DataPacket) error

// Producer is the sensor pipeline running inside a worker process.
type Producer interface {
	// Run produces packets until ctx ends.
	Run(ctx context.Context, emit Emit) error
	// OverridePose resets the producer's pose estimate.
	OverridePose(pose geom.Transform)
	// ClockOffset is the producer's device clock minus wall time, in
	// nanoseconds.
	ClockOffset() int64
}

// Agent is the worker-process end of the protocol: it reads commands from
// In, runs a Producer and writes packets to Out in the order they were
// queued. A FlushAck is queued behind every packet emitted before the Flush
// was read.
type Agent struct {
	name     string
	in       io.Reader
	out      io.Writer
	producer Producer

	NoticeInterval time.Duration

	queue  chan Packet
	mu     sync.RWMutex
	closed bool
	paused atomic.Bool
}

// NewAgent creates an agent for the worker called name.
func NewAgent(name string, in io.Reader, out io.Writer, p Producer) *Agent {
	return &Agent{
		name:           name,
		in:             in,
		out:            out,
		producer:       p,
		NoticeInterval: DefaultNoticeInterval,
		queue:          make(chan Packet, DataBuffer),
	}
}

// Run serves until a stop command, the end of the command stream, or a
// producer error. A requested stop returns nil.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() { writeErr <- a.writeLoop() }()

	// The reader blocks on In and is left behind when Run returns; the
	// process exits right after.
	cmds := make(chan Command)
	readErr := make(chan error, 1)
	go a.readLoop(ctx, cmds, readErr)

	_ = a.send(ctx, StateNotice{Current: RemoteActive, ClockOffset: a.producer.ClockOffset()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.producer.Run(gctx, a.emit) })
	g.Go(func() error { return a.control(gctx, cmds, readErr) })
	err := g.Wait()

	a.close()
	if werr := <-writeErr; werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, errStopRequested) {
		return nil
	}
	return err
}

func (a *Agent) readLoop(ctx context.Context, cmds chan<- Command, readErr chan<- error) {
	for {
		cmd, err := ReadCommand(a.in)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case cmds <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) current() RemoteState {
	if a.paused.Load() {
		return RemotePaused
	}
	return RemoteActive
}

func (a *Agent) control(ctx context.Context, cmds <-chan Command, readErr <-chan error) error {
	ticker := time.NewTicker(a.NoticeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				logs.Diagf("%s: command stream closed", a.name)
				return errStopRequested
			}
			return err
		case cmd := <-cmds:
			switch c := cmd.(type) {
			case ChangeState:
				switch c.Target {
				case RemoteStopped:
					_ = a.send(ctx, StateNotice{Current: RemoteStopped, ClockOffset: a.producer.ClockOffset()})
					return errStopRequested
				case RemotePaused:
					a.paused.Store(true)
				case RemoteActive:
					a.paused.Store(false)
				}
				if err := a.send(ctx, StateNotice{Current: a.current(), ClockOffset: a.producer.ClockOffset()}); err != nil {
					return err
				}
			case PoseOverride:
				a.producer.OverridePose(c.Pose.Transform())
				logs.Diagf("%s: pose override %s", a.name, c.Pose.Transform())
			case Flush:
				if err := a.send(ctx, FlushAck{ID: c.ID}); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := a.send(ctx, StateNotice{Current: a.current(), ClockOffset: a.producer.ClockOffset()}); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) emit(ctx context.Context, p DataPacket) error {
	if a.paused.Load() {
		return nil
	}
	return a.send(ctx, p)
}

func (a *Agent) send(ctx context.Context, p Packet) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errAgentClosed
	}
	select {
	case a.queue <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) trySend(p Packet) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- p:
		return true
	default:
		return false
	}
}

func (a *Agent) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
}

func (a *Agent) writeLoop() error {
	var err error
	for p := range a.queue {
		if err != nil {
			continue
		}
		err = WritePacket(a.out, p)
	}
	return err
}

// LogWriter returns a writer that forwards each line as a LogRecord at
// level. Lines are dropped rather than blocking when the queue is full.
func (a *Agent) LogWriter(level monitoring.Level) io.Writer {
	return logForwarder{agent: a, level: level}
}

type logForwarder struct {
	agent *Agent
	level monitoring.Level
}

func (f logForwarder) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line != "" {
			f.agent.trySend(LogRecord{Level: string(f.level), Text: line})
		}
	}
	return len(b), nil
}
