package fusion

import (
	"context"
	"sync"

	"github.com/banshee-data/posefusion/internal/metrics"
)

// DefaultDatalogQueue is how many pending datalog writes the loop buffers.
const DefaultDatalogQueue = 1024

// recorder runs datalog writes on its own goroutine. The loop enqueues
// without waiting; when the queue is full the write is dropped.
type recorder struct {
	writes chan func(context.Context) error
	done   chan struct{}
	once   sync.Once
}

func newRecorder(queue int) *recorder {
	r := &recorder{
		writes: make(chan func(context.Context) error, queue),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *recorder) run() {
	defer close(r.done)
	for write := range r.writes {
		if err := write(context.Background()); err != nil {
			logs.Diagf("datalog: %v", err)
		}
	}
}

// enqueue reports whether write was queued. It must not be called after
// close.
func (r *recorder) enqueue(write func(context.Context) error) bool {
	select {
	case r.writes <- write:
		return true
	default:
		metrics.DatalogDropped.Inc()
		logs.Diagf("datalog queue full, dropping write")
		return false
	}
}

// close stops accepting writes and waits for the queued ones.
func (r *recorder) close() {
	r.once.Do(func() { close(r.writes) })
	<-r.done
}
