package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/monitoring"
)

// scriptedProducer emits whatever the test feeds it and reports each emit.
type scriptedProducer struct {
	feed     chan DataPacket
	emitted  chan error
	override atomic.Pointer[geom.Transform]
}

func newScriptedProducer() *scriptedProducer {
	return &scriptedProducer{feed: make(chan DataPacket), emitted: make(chan error)}
}

func (p *scriptedProducer) Run(ctx context.Context, emit Emit) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-p.feed:
			err := emit(ctx, pkt)
			select {
			case p.emitted <- err:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *scriptedProducer) OverridePose(t geom.Transform) { p.override.Store(&t) }
func (p *scriptedProducer) ClockOffset() int64            { return 250 }

func (p *scriptedProducer) produce(t *testing.T, pkt DataPacket) {
	t.Helper()
	p.feed <- pkt
	require.NoError(t, <-p.emitted)
}

type agentHarness struct {
	agent    *Agent
	producer *scriptedProducer
	cmdW     *io.PipeWriter
	packets  chan Packet
	result   chan error
}

func startAgent(t *testing.T) *agentHarness {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()
	h := &agentHarness{
		producer: newScriptedProducer(),
		cmdW:     cmdW,
		packets:  make(chan Packet, 64),
		result:   make(chan error, 1),
	}
	h.agent = NewAgent("test", cmdR, outW, h.producer)
	h.agent.NoticeInterval = time.Hour

	go func() {
		defer close(h.packets)
		for {
			p, err := ReadPacket(outR)
			if err != nil {
				return
			}
			h.packets <- p
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.result <- h.agent.Run(ctx)
		_ = outW.Close()
	}()
	t.Cleanup(func() {
		cancel()
		_ = cmdW.Close()
	})
	return h
}

func (h *agentHarness) command(t *testing.T, c Command) {
	t.Helper()
	require.NoError(t, WriteCommand(h.cmdW, c))
}

func (h *agentHarness) next(t *testing.T) Packet {
	t.Helper()
	select {
	case p, ok := <-h.packets:
		require.True(t, ok, "packet stream closed")
		return p
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for packet")
	}
	return nil
}

func (h *agentHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		require.FailNow(t, "agent did not return")
	}
	return nil
}

func TestAgentAcksFlushAfterEarlierData(t *testing.T) {
	h := startAgent(t)
	assert.Equal(t, StateNotice{Current: RemoteActive, ClockOffset: 250}, h.next(t))

	for i := int64(1); i <= 3; i++ {
		h.producer.produce(t, PoseData{Timestamp: i})
	}
	h.command(t, Flush{ID: 7})

	for i := int64(1); i <= 3; i++ {
		assert.Equal(t, PoseData{Timestamp: i}, h.next(t))
	}
	assert.Equal(t, FlushAck{ID: 7}, h.next(t))

	h.command(t, ChangeState{Target: RemoteStopped})
	assert.Equal(t, StateNotice{Current: RemoteStopped, ClockOffset: 250}, h.next(t))
	assert.NoError(t, h.wait(t))
}

func TestAgentPauseDropsData(t *testing.T) {
	h := startAgent(t)
	h.next(t)

	h.command(t, ChangeState{Target: RemotePaused})
	assert.Equal(t, StateNotice{Current: RemotePaused, ClockOffset: 250}, h.next(t))
	h.producer.produce(t, PoseData{Timestamp: 1})

	h.command(t, ChangeState{Target: RemoteActive})
	assert.Equal(t, StateNotice{Current: RemoteActive, ClockOffset: 250}, h.next(t))
	h.producer.produce(t, PoseData{Timestamp: 2})
	assert.Equal(t, PoseData{Timestamp: 2}, h.next(t))
}

func TestAgentAppliesPoseOverride(t *testing.T) {
	h := startAgent(t)
	h.next(t)

	pose := geom.FromXYYaw(3, 4, 1)
	h.command(t, PoseOverride{Pose: ToWirePose(pose)})
	h.command(t, Flush{ID: 1})
	assert.Equal(t, FlushAck{ID: 1}, h.next(t))

	got := h.producer.override.Load()
	require.NotNil(t, got)
	assert.InDelta(t, 0, geom.Distance(pose, *got), 1e-12)
}

func TestAgentStopsWhenCommandsClose(t *testing.T) {
	h := startAgent(t)
	h.next(t)
	require.NoError(t, h.cmdW.Close())
	assert.NoError(t, h.wait(t))
}

func TestAgentReturnsProducerError(t *testing.T) {
	boom := errors.New("camera unplugged")
	cmdR, _ := io.Pipe()
	a := NewAgent("test", cmdR, io.Discard, producerFunc(func(context.Context, Emit) error { return boom }))
	assert.ErrorIs(t, a.Run(context.Background()), boom)
}

func TestAgentLogWriterForwardsLines(t *testing.T) {
	h := startAgent(t)
	h.next(t)

	w := h.agent.LogWriter(monitoring.LevelOps)
	_, err := fmt.Fprint(w, "first\nsecond\n")
	require.NoError(t, err)
	assert.Equal(t, LogRecord{Level: "ops", Text: "first"}, h.next(t))
	assert.Equal(t, LogRecord{Level: "ops", Text: "second"}, h.next(t))
}

type producerFunc func(context.Context, Emit) error

func (f producerFunc) Run(ctx context.Context, emit Emit) error { return f(ctx, emit) }
func (producerFunc) OverridePose(geom.Transform)                {}
func (producerFunc) ClockOffset() int64                         { return 0 }
