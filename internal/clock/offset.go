package clock

import "sync"

// OffsetSource supplies a live clock offset in nanoseconds.
type OffsetSource interface {
	Offset() int64
}

// SharedOffset is an offset written by one producer goroutine (for example a
// sensor's packet callback) and read by any number of mappers. Readers copy
// the value out under the lock and never compute while holding it.
type SharedOffset struct {
	mu      sync.RWMutex
	offset  int64
	updates uint64
}

// NewSharedOffset creates a SharedOffset seeded with initial.
func NewSharedOffset(initial int64) *SharedOffset {
	return &SharedOffset{offset: initial}
}

// Set publishes a new offset.
func (s *SharedOffset) Set(offset int64) {
	s.mu.Lock()
	s.offset = offset
	s.updates++
	s.mu.Unlock()
}

// Offset returns the most recently published offset.
func (s *SharedOffset) Offset() int64 {
	s.mu.RLock()
	o := s.offset
	s.mu.RUnlock()
	return o
}

// Updates returns how many times Set has been called.
func (s *SharedOffset) Updates() uint64 {
	s.mu.RLock()
	n := s.updates
	s.mu.RUnlock()
	return n
}

// ConstantOffset is an OffsetSource that never changes.
type ConstantOffset int64

// Offset returns the constant.
func (c ConstantOffset) Offset() int64 { return int64(c) }
