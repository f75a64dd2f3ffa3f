package fusion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorderDropsWhenQueueIsFull(t *testing.T) {
	r := newRecorder(1)
	release := make(chan struct{})
	started := make(chan struct{})
	var wrote atomic.Int32

	assert.True(t, r.enqueue(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	assert.True(t, r.enqueue(func(context.Context) error {
		wrote.Add(1)
		return errors.New("disk full")
	}))
	assert.False(t, r.enqueue(func(context.Context) error {
		wrote.Add(1)
		return nil
	}))

	close(release)
	r.close()
	r.close()
	assert.Equal(t, int32(1), wrote.Load())
}
