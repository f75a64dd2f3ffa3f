package imusync

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/posefusion/internal/clock"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		want    int64
		isStamp bool
		wantErr bool
	}{
		{"T,1500", 1_500_000, true, false},
		{"  T, 42 \r", 42_000, true, false},
		{"Y,0.1,0.2", 0, false, false},
		{"", 0, false, false},
		{"T,abc", 0, true, true},
		{"T,-5", 0, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok, err := ParseLine(tt.line)
			assert.Equal(t, tt.isStamp, ok)
			if tt.wantErr {
				assert.ErrorIs(t, err, errBadLine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObserveKeepsLargestRecentOffset(t *testing.T) {
	host, _ := clock.NewManual("host", 0)
	s := New(host, 3)

	s.Observe(1_000, 900)   // 100
	s.Observe(2_000, 1_950) // 50
	assert.Equal(t, int64(100), s.Offset())

	s.Observe(3_000, 2_980) // 20
	s.Observe(4_000, 3_970) // 30, evicts 100
	assert.Equal(t, int64(50), s.Offset())

	samples, bad, last := s.Stats()
	assert.Equal(t, uint64(4), samples)
	assert.Zero(t, bad)
	assert.False(t, last.IsZero())
}

func TestSensorClockFollowsEstimate(t *testing.T) {
	host, manual := clock.NewManual("host", 1_000)
	s := New(host, 0)
	s.Observe(5_000, 1_000)
	assert.Equal(t, int64(5_000), s.Clock().Nanos())

	manual.Advance(time.Microsecond)
	assert.Equal(t, int64(6_000), s.Clock().Nanos())

	m := s.Mapper()
	assert.Same(t, s.Clock(), m.ClockB())
	assert.Equal(t, int64(6_000), m.AToB(host.Now()).Nanos())
}

func TestRunReadsUntilEOF(t *testing.T) {
	host, _ := clock.NewManual("host", 0)
	s := New(host, 0)
	input := "noise\nT,10\nT,bogus\nT,30\n"
	require.NoError(t, s.Run(context.Background(), strings.NewReader(input)))

	samples, bad, _ := s.Stats()
	assert.Equal(t, uint64(2), samples)
	assert.Equal(t, uint64(1), bad)
	assert.Equal(t, int64(30_000), s.Offset())
}

type blockingPort struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed chan struct{}
}

func newBlockingPort() *blockingPort {
	r, w := io.Pipe()
	return &blockingPort{r: r, w: w, closed: make(chan struct{})}
}

func (p *blockingPort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *blockingPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *blockingPort) Close() error {
	close(p.closed)
	return p.r.Close()
}

func TestOpenStopsWithContext(t *testing.T) {
	port := newBlockingPort()
	var gotMode *serial.Mode
	open := func(path string, mode *serial.Mode) (Port, error) {
		gotMode = mode
		return port, nil
	}
	host, _ := clock.NewManual("host", 0)
	s := New(host, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Open(ctx, open, "/dev/ttyACM0", 57600) }()

	_, err := port.w.Write([]byte("T,7\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Offset() == 7_000 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Open did not return")
	}
	<-port.closed
	assert.Equal(t, 57600, gotMode.BaudRate)
}

func TestOpenFailure(t *testing.T) {
	host, _ := clock.NewManual("host", 0)
	s := New(host, 0)
	boom := errors.New("no such device")
	err := s.Open(context.Background(), func(string, *serial.Mode) (Port, error) { return nil, boom }, "/dev/x", 9600)
	assert.ErrorIs(t, err, boom)
}
