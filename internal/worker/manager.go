package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/status"
)

// Manager owns the set of handles. One worker's failure never affects its
// siblings. It is not safe for concurrent use.
type Manager struct {
	launcher Launcher
	handles  []*Handle
	disabled map[string]error
	next     int
}

// NewManager creates a manager launching workers with l.
func NewManager(l Launcher) *Manager {
	return &Manager{launcher: l, disabled: make(map[string]error)}
}

// Add resolves cfg and registers a handle for it. A camera whose
// configuration does not resolve is recorded as disabled and not started.
func (m *Manager) Add(cfg InitConfig) (*Handle, error) {
	if m.Handle(cfg.Name) != nil {
		return nil, fmt.Errorf("worker %s already added", cfg.Name)
	}
	if err := cfg.Resolve(); err != nil {
		m.disabled[cfg.Name] = err
		logs.Opsf("camera %s disabled: %v", cfg.Name, err)
		return nil, err
	}
	h := NewHandle(cfg, m.launcher)
	m.handles = append(m.handles, h)
	return h, nil
}

// Handle returns the handle named name, or nil.
func (m *Manager) Handle(name string) *Handle {
	for _, h := range m.handles {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

// Handles returns the handles in the order they were added.
func (m *Manager) Handles() []*Handle {
	return append([]*Handle(nil), m.handles...)
}

// Disabled returns the cameras rejected by Add, sorted by name.
func (m *Manager) Disabled() []string {
	names := make([]string, 0, len(m.disabled))
	for n := range m.disabled {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every handle and joins their errors.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, h := range m.handles {
		if err := h.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PollAll polls every handle once, rotating the starting handle each call.
// Every handle is polled even when an earlier one fails.
func (m *Manager) PollAll(ctx context.Context) ([]Delivery, error) {
	n := len(m.handles)
	if n == 0 {
		return nil, nil
	}
	var out []Delivery
	var errs []error
	for i := 0; i < n; i++ {
		h := m.handles[(m.next+i)%n]
		got, err := h.Poll(ctx)
		out = append(out, got...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	m.next = (m.next + 1) % n
	return out, errors.Join(errs...)
}

// FlushAll flushes every handle.
func (m *Manager) FlushAll(ctx context.Context) error {
	var errs []error
	for _, h := range m.handles {
		if _, err := h.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OverridePose sends a pose override, and the flush that follows it, to
// every handle.
func (m *Manager) OverridePose(ctx context.Context, pose geom.Transform) error {
	var errs []error
	for _, h := range m.handles {
		if err := h.OverridePose(ctx, pose); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every handle concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, h := range m.handles {
		g.Go(func() error { return h.Stop(ctx) })
	}
	return g.Wait()
}

// Status folds worker states into an overall status: a disabled camera or a
// stopped worker degrades it, a failed worker is an error, and nothing left
// running after a failure is fatal.
func (m *Manager) Status() status.Status {
	out := status.Ready
	if len(m.disabled) > 0 {
		out = status.Degraded
	}
	running, failed := 0, 0
	for _, h := range m.handles {
		switch h.State() {
		case StateRunning:
			running++
		case StateFailed:
			failed++
			out = status.Worst(out, status.Error)
		default:
			out = status.Worst(out, status.Degraded)
		}
	}
	if failed > 0 && running == 0 {
		return status.Fatal
	}
	if len(m.handles) == 0 {
		return status.Worst(out, status.Degraded)
	}
	return out
}
