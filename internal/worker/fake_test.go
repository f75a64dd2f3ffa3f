package worker

import (
	"context"
	"errors"
	"sync"
)

var errKilled = errors.New("signal: killed")

// fakeProcess is an in-memory Process. Tests push packets onto data and end
// it with exit.
type fakeProcess struct {
	data chan Packet
	done chan struct{}

	mu     sync.Mutex
	sent   []Command
	err    error
	killed bool
	once   sync.Once

	// onSend runs after a command is recorded.
	onSend func(p *fakeProcess, cmd Command)
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		data: make(chan Packet, DataBuffer),
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.data)
		close(p.done)
	})
}

func (p *fakeProcess) Send(_ context.Context, cmd Command) error {
	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	p.mu.Lock()
	p.sent = append(p.sent, cmd)
	hook := p.onSend
	p.mu.Unlock()
	if hook != nil {
		hook(p, cmd)
	}
	return nil
}

func (p *fakeProcess) Commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.sent...)
}

func (p *fakeProcess) Data() <-chan Packet   { return p.data }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errKilled)
	return nil
}

func (p *fakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// fakeLauncher hands out fakeProcesses and remembers them.
type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	launches int
	fail     error
	// dead makes every launched process exit immediately.
	dead   bool
	onSend func(p *fakeProcess, cmd Command)
}

func (l *fakeLauncher) Launch(_ context.Context, _ InitConfig) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.fail != nil {
		return nil, l.fail
	}
	p := newFakeProcess()
	p.onSend = l.onSend
	if l.dead {
		p.exit(errors.New("exit status 1"))
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}
