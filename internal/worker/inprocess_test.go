package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/geom"
)

func pollUntil(t *testing.T, h *Handle, want func([]Delivery) bool) []Delivery {
	t.Helper()
	var got []Delivery
	require.Eventually(t, func() bool {
		d, err := h.Poll(context.Background())
		require.NoError(t, err)
		got = append(got, d...)
		return want(got)
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestInProcessRoundTrip(t *testing.T) {
	emitOne := producerFunc(func(ctx context.Context, emit Emit) error {
		if err := emit(ctx, PoseData{Timestamp: 7, Pose: ToWirePose(geom.Identity())}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	l := &InProcessLauncher{NewProducer: func(InitConfig) (Producer, error) { return emitOne, nil }}
	h := NewHandle(InitConfig{Name: "cam"}, l)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	got := pollUntil(t, h, func(d []Delivery) bool { return len(d) >= 1 })
	require.IsType(t, PoseData{}, got[0].Packet)
	assert.Equal(t, int64(7), got[0].Packet.(PoseData).Timestamp)
	assert.Equal(t, RemoteActive, h.Remote())

	_, err := h.Flush(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := h.Poll(ctx)
		require.NoError(t, err)
		return !h.Flushing()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop(ctx))
	assert.Equal(t, StateStopped, h.State())
}

func TestInProcessProducerFailureRestarts(t *testing.T) {
	boom := errors.New("sensor unplugged")
	l := &InProcessLauncher{NewProducer: func(InitConfig) (Producer, error) {
		return producerFunc(func(context.Context, Emit) error { return boom }), nil
	}}
	h := NewHandle(InitConfig{Name: "cam", MaxRestartTries: 2}, l)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	require.Eventually(t, func() bool {
		_, err := h.Poll(ctx)
		return errors.Is(err, ErrWorkerFailed)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, 2, h.Starts())
	assert.ErrorIs(t, h.LastError(), boom)
}

func TestInProcessFactoryError(t *testing.T) {
	l := &InProcessLauncher{NewProducer: func(InitConfig) (Producer, error) { return nil, errors.New("no model") }}
	h := NewHandle(InitConfig{Name: "cam", MaxRestartTries: 1, Optional: true}, l)
	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, StateStopped, h.State())
	assert.ErrorContains(t, h.LastError(), "no model")
}

func TestInProcessKillUnblocksProducer(t *testing.T) {
	l := &InProcessLauncher{NewProducer: func(InitConfig) (Producer, error) {
		return producerFunc(func(ctx context.Context, _ Emit) error {
			<-ctx.Done()
			return ctx.Err()
		}), nil
	}}
	p, err := l.Launch(context.Background(), InitConfig{Name: "cam"})
	require.NoError(t, err)
	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("killed worker did not exit")
	}
	assert.Error(t, p.Err())
	assert.Error(t, p.Send(context.Background(), Flush{ID: 1}))
}

func TestNewProducerLoadsTagLayout(t *testing.T) {
	_, err := NewProducer(InitConfig{Name: "cam", TagLayoutPath: "/nonexistent/tags.yaml"})
	assert.Error(t, err)

	p, err := NewProducer(InitConfig{Name: "cam"})
	require.NoError(t, err)
	assert.IsType(t, &SyntheticProducer{}, p)
}
