package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var errInProcessKilled = errors.New("in-process worker killed")

// ProducerFactory builds the Producer for one camera.
type ProducerFactory func(cfg InitConfig) (Producer, error)

// NewProducer is the default ProducerFactory: a synthetic camera, seeing
// the tags in the camera's tag layout when one is configured.
func NewProducer(cfg InitConfig) (Producer, error) {
	var tags []Tag
	if cfg.TagLayoutPath != "" {
		var err error
		if tags, err = LoadTagLayout(cfg.TagLayoutPath); err != nil {
			return nil, err
		}
	}
	return NewSyntheticProducer(cfg, tags), nil
}

// InProcessLauncher runs each worker's Agent on goroutines inside the
// supervisor, connected through pipes that carry the same framed protocol as
// a child process's stdin and stdout.
type InProcessLauncher struct {
	NewProducer ProducerFactory
}

// Launch starts an agent for cfg.
func (l *InProcessLauncher) Launch(_ context.Context, cfg InitConfig) (Process, error) {
	factory := l.NewProducer
	if factory == nil {
		factory = NewProducer
	}
	producer, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("producer for %s: %w", cfg.Name, err)
	}

	cmdR, cmdW := io.Pipe()
	dataR, dataW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeProcess{
		name:    cfg.Name,
		cmdW:    cmdW,
		cmdR:    cmdR,
		dataR:   dataR,
		cancel:  cancel,
		data:    make(chan Packet, DataBuffer),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
	}
	agent := NewAgent(cfg.Name, cmdR, dataW, producer)

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		pumpPackets(cfg.Name, dataR, p.data, p.abandon)
	}()
	go func() {
		err := agent.Run(ctx)
		_ = dataW.Close()
		_ = cmdR.Close()
		<-pumped
		p.err = err
		close(p.done)
	}()
	logs.Opsf("started in-process worker %s", cfg.Name)
	return p, nil
}

type pipeProcess struct {
	name   string
	cmdW   *io.PipeWriter
	cmdR   *io.PipeReader
	dataR  *io.PipeReader
	cancel context.CancelFunc

	writeMu  sync.Mutex
	data     chan Packet
	done     chan struct{}
	abandon  chan struct{}
	killOnce sync.Once
	err      error
}

func (p *pipeProcess) Data() <-chan Packet   { return p.data }
func (p *pipeProcess) Done() <-chan struct{} { return p.done }
func (p *pipeProcess) Pid() int              { return os.Getpid() }

func (p *pipeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *pipeProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.abandon)
		p.cancel()
		_ = p.cmdW.CloseWithError(errInProcessKilled)
		_ = p.dataR.CloseWithError(errInProcessKilled)
	})
	return nil
}

func (p *pipeProcess) Send(ctx context.Context, cmd Command) error {
	result := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		result <- WriteCommand(p.cmdW, cmd)
	}()
	select {
	case err := <-result:
		return err
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return fmt.Errorf("send %s to %s: %w", cmd.Kind(), p.name, ErrCommandTimeout)
	}
}
