// Package imusync tracks the offset between an IMU's sensor clock and a host
// clock from the timestamp lines the IMU prints over serial.
package imusync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/monitoring"
)

var logs = monitoring.NewStreams("[imusync] ")

// DefaultWindow is the number of recent samples the offset estimate spans.
const DefaultWindow = 16

var errBadLine = errors.New("malformed timestamp line")

// Port is the minimal serial port surface.
type Port interface {
	io.ReadWriter
	io.Closer
}

// Opener opens a serial port.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Mode returns 8N1 at baud.
func Mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Sync estimates sensor − host from lines of the form `T,<sensor micros>`.
// Serial latency only ever delays a line, so the largest offset in the
// recent window is the best estimate.
type Sync struct {
	host   *clock.Clock
	offset *clock.SharedOffset
	sensor *clock.Clock
	window int

	mu      sync.Mutex
	recent  []int64
	next    int
	samples uint64
	bad     uint64
	last    time.Time
}

// New creates a synchroniser against host. Until the first sample the
// offset is zero.
func New(host *clock.Clock, window int) *Sync {
	if window <= 0 {
		window = DefaultWindow
	}
	offset := clock.NewSharedOffset(0)
	return &Sync{
		host:   host,
		offset: offset,
		sensor: clock.NewOffsetClock("imu", host, offset),
		window: window,
	}
}

// Clock is the IMU's sensor clock as seen from the host.
func (s *Sync) Clock() *clock.Clock { return s.sensor }

// Mapper maps host timestamps onto the sensor clock, following the live
// estimate.
func (s *Sync) Mapper() clock.Mapper { return clock.Dynamic(s.host, s.sensor, s.offset) }

// Offset returns the current sensor − host estimate in nanoseconds.
func (s *Sync) Offset() int64 { return s.offset.Offset() }

// Stats reports accepted and rejected sample counts and when the last
// sample arrived.
func (s *Sync) Stats() (samples, bad uint64, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples, s.bad, s.last
}

// ParseLine extracts the sensor time from a `T,<micros>` line. ok is false
// for lines that are not timestamp lines at all.
func ParseLine(line string) (sensorNanos int64, ok bool, err error) {
	line = strings.TrimSpace(line)
	rest, found := strings.CutPrefix(line, "T,")
	if !found {
		return 0, false, nil
	}
	micros, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w %q: %v", errBadLine, line, err)
	}
	if micros < 0 {
		return 0, true, fmt.Errorf("%w %q: negative time", errBadLine, line)
	}
	return micros * int64(time.Microsecond), true, nil
}

// Observe folds one sample received at host time hostNanos.
func (s *Sync) Observe(sensorNanos, hostNanos int64) {
	raw := sensorNanos - hostNanos
	s.mu.Lock()
	if len(s.recent) < s.window {
		s.recent = append(s.recent, raw)
	} else {
		s.recent[s.next] = raw
		s.next = (s.next + 1) % s.window
	}
	best := s.recent[0]
	for _, v := range s.recent[1:] {
		best = max(best, v)
	}
	s.samples++
	s.last = time.Now()
	s.mu.Unlock()
	s.offset.Set(best)
	logs.Tracef("sample raw=%d estimate=%d", raw, best)
}

func (s *Sync) handle(line string) {
	hostNanos := s.host.Nanos()
	sensorNanos, ok, err := ParseLine(line)
	if !ok {
		return
	}
	if err != nil {
		s.mu.Lock()
		s.bad++
		s.mu.Unlock()
		logs.Diagf("%v", err)
		return
	}
	s.Observe(sensorNanos, hostNanos)
}

// Run reads lines from port until ctx ends or the port fails.
func (s *Sync) Run(ctx context.Context, port io.Reader) error {
	scan := bufio.NewScanner(port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// Scan blocks, so it runs apart from the loop watching ctx.
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return fmt.Errorf("read imu: %w", err)
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return fmt.Errorf("read imu: %w", err)
				default:
					return nil
				}
			}
			s.handle(line)
		}
	}
}

// Open opens the IMU's serial port and runs s on it until ctx ends.
func (s *Sync) Open(ctx context.Context, open Opener, path string, baud int) error {
	port, err := open(path, Mode(baud))
	if err != nil {
		return fmt.Errorf("open imu %s: %w", path, err)
	}
	logs.Opsf("reading imu timestamps from %s at %d baud", path, baud)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		port.Close()
	}()
	err = s.Run(ctx, port)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
