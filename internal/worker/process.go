package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// DataBuffer is the capacity of a process's data channel.
const DataBuffer = 256

// Process is one running worker bound to its own command and data channels.
type Process interface {
	// Send writes cmd to the worker, giving up when ctx ends.
	Send(ctx context.Context, cmd Command) error
	// Data delivers packets in the order the worker wrote them. It is
	// closed once the worker's output ends.
	Data() <-chan Packet
	// Done is closed after the process has exited and Data is closed, so
	// a drain after Done observes every packet the worker wrote.
	Done() <-chan struct{}
	// Kill terminates the process without waiting for it.
	Kill() error
	// Err reports why the process exited, once Done is closed.
	Err() error
	Pid() int
}

// Launcher spawns worker processes.
type Launcher interface {
	Launch(ctx context.Context, cfg InitConfig) (Process, error)
}

// ExecLauncher runs each worker as `<Path> [Args...] worker --name <camera>`
// with stdin as the command channel and stdout as the data channel. Stderr
// lines go to the diag log.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string
}

// SelfLauncher re-executes the running binary.
func SelfLauncher(args ...string) (*ExecLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecLauncher{Path: path, Args: args}, nil
}

// Launch starts the worker process for cfg.
func (l *ExecLauncher) Launch(ctx context.Context, cfg InitConfig) (Process, error) {
	args := append(append([]string(nil), l.Args...), "worker", "--name", cfg.Name)
	cmd := exec.Command(l.Path, args...)
	cmd.Env = append(os.Environ(), l.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", cfg.Name, err)
	}

	p := &execProcess{
		name:    cfg.Name,
		cmd:     cmd,
		stdin:   stdin,
		data:    make(chan Packet, DataBuffer),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readPackets(stdout)
	}()
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()
	go p.wait(&readers)
	logs.Opsf("started worker %s (pid %d)", cfg.Name, cmd.Process.Pid)
	return p, nil
}

type execProcess struct {
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu  sync.Mutex
	data     chan Packet
	done     chan struct{}
	abandon  chan struct{}
	killOnce sync.Once
	err      error
}

func (p *execProcess) Data() <-chan Packet   { return p.data }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Kill() error {
	// Nobody drains a killed process, so stop the reader blocking on Data.
	p.killOnce.Do(func() { close(p.abandon) })
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker %s: %w", p.name, err)
	}
	return nil
}

// Send writes on a separate goroutine so that a worker that stops reading
// cannot block the caller past ctx.
func (p *execProcess) Send(ctx context.Context, cmd Command) error {
	result := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		result <- WriteCommand(p.stdin, cmd)
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

func (p *execProcess) readPackets(r io.Reader) {
	pumpPackets(p.name, r, p.data, p.abandon)
}

// pumpPackets decodes packets from r into data until r ends or abandon is
// closed, then closes data.
func pumpPackets(name string, r io.Reader, data chan<- Packet, abandon <-chan struct{}) {
	defer close(data)
	br := bufio.NewReader(r)
	for {
		pkt, err := ReadPacket(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				logs.Opsf("worker %s: %v", name, err)
			}
			return
		}
		select {
		case data <- pkt:
		case <-abandon:
			return
		}
	}
}

func (p *execProcess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logs.Diagf("worker %s stderr: %s", p.name, scanner.Text())
	}
}

func (p *execProcess) wait(readers *sync.WaitGroup) {
	// Pipes must be fully read before Wait closes them.
	readers.Wait()
	p.err = p.cmd.Wait()
	_ = p.stdin.Close()
	close(p.done)
}
