package clock

import (
	"fmt"
	"time"
)

// Mapper relates two clocks through offset = B.now - A.now.
//
// AToB(t) = t + offset and BToA(AToB(t)) == t. Mappers are pure: the only
// shared state a Dynamic mapper touches is a single read of its offset
// source.
type Mapper interface {
	ClockA() *Clock
	ClockB() *Clock
	// Offset returns the current B - A offset in nanoseconds.
	Offset() int64
	AToB(t Timestamp) Timestamp
	BToA(t Timestamp) Timestamp
	// Inverse returns the B -> A mapper. Inverse().Inverse() returns the
	// receiver itself.
	Inverse() Mapper
}

// Compute measures a fixed mapper between a and b. Clock a is sampled twice
// around a single sample of b and the midpoint of the two a readings is
// paired with the b reading.
func Compute(a, b *Clock) Mapper {
	a1 := a.Nanos()
	bn := b.Nanos()
	a2 := a.Nanos()
	mid := a1 + (a2-a1)/2
	return &fixedMapper{a: a, b: b, offset: bn - mid}
}

// Fixed returns a mapper with a known, constant offset.
func Fixed(a, b *Clock, offset int64) Mapper {
	return &fixedMapper{a: a, b: b, offset: offset}
}

// Identity maps a clock onto itself.
func Identity(c *Clock) Mapper {
	return &fixedMapper{a: c, b: c}
}

// Dynamic returns a mapper whose offset is read from src on every call.
func Dynamic(a, b *Clock, src OffsetSource) Mapper {
	return &dynamicMapper{a: a, b: b, src: src}
}

// Chain composes first (A->B) with second (B->C) into an A->C mapper. A
// discontinuity (first.ClockB() != second.ClockA()) is a programming error
// and panics with *ChainError. Chains never nest: chaining a chain splices
// its links.
func Chain(first, second Mapper) Mapper {
	if first.ClockB() != second.ClockA() {
		panic(&ChainError{Left: first, Right: second})
	}
	links := make([]Mapper, 0, 4)
	links = appendLinks(links, first)
	links = appendLinks(links, second)
	return &chainedMapper{links: links}
}

func appendLinks(dst []Mapper, m Mapper) []Mapper {
	if c, ok := m.(*chainedMapper); ok {
		return append(dst, c.links...)
	}
	return append(dst, m)
}

// ChainError reports an attempt to chain mappers whose clocks do not meet.
type ChainError struct {
	Left, Right Mapper
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("cannot chain %s->%s with %s->%s",
		e.Left.ClockA().Name(), e.Left.ClockB().Name(),
		e.Right.ClockA().Name(), e.Right.ClockB().Name())
}

// OffsetDuration is a convenience wrapper returning m.Offset() as a duration.
func OffsetDuration(m Mapper) time.Duration {
	return time.Duration(m.Offset())
}

func shift(t Timestamp, from, to *Clock, offset int64) Timestamp {
	if t.clock != from {
		panic(&ClockMismatchError{Op: "map", Left: t.clock, Right: from})
	}
	return Timestamp{nanos: t.nanos + offset, clock: to}
}

type fixedMapper struct {
	a, b   *Clock
	offset int64
}

func (m *fixedMapper) ClockA() *Clock { return m.a }
func (m *fixedMapper) ClockB() *Clock { return m.b }
func (m *fixedMapper) Offset() int64  { return m.offset }

func (m *fixedMapper) AToB(t Timestamp) Timestamp { return shift(t, m.a, m.b, m.offset) }
func (m *fixedMapper) BToA(t Timestamp) Timestamp { return shift(t, m.b, m.a, -m.offset) }
func (m *fixedMapper) Inverse() Mapper            { return &invertedMapper{inner: m} }

type dynamicMapper struct {
	a, b *Clock
	src  OffsetSource
}

func (m *dynamicMapper) ClockA() *Clock { return m.a }
func (m *dynamicMapper) ClockB() *Clock { return m.b }
func (m *dynamicMapper) Offset() int64  { return m.src.Offset() }

func (m *dynamicMapper) AToB(t Timestamp) Timestamp { return shift(t, m.a, m.b, m.src.Offset()) }
func (m *dynamicMapper) BToA(t Timestamp) Timestamp { return shift(t, m.b, m.a, -m.src.Offset()) }
func (m *dynamicMapper) Inverse() Mapper            { return &invertedMapper{inner: m} }

type invertedMapper struct {
	inner Mapper
}

func (m *invertedMapper) ClockA() *Clock { return m.inner.ClockB() }
func (m *invertedMapper) ClockB() *Clock { return m.inner.ClockA() }
func (m *invertedMapper) Offset() int64  { return -m.inner.Offset() }

func (m *invertedMapper) AToB(t Timestamp) Timestamp { return m.inner.BToA(t) }
func (m *invertedMapper) BToA(t Timestamp) Timestamp { return m.inner.AToB(t) }
func (m *invertedMapper) Inverse() Mapper            { return m.inner }

type chainedMapper struct {
	links []Mapper
}

func (m *chainedMapper) ClockA() *Clock { return m.links[0].ClockA() }
func (m *chainedMapper) ClockB() *Clock { return m.links[len(m.links)-1].ClockB() }

func (m *chainedMapper) Offset() int64 {
	var sum int64
	for _, l := range m.links {
		sum += l.Offset()
	}
	return sum
}

func (m *chainedMapper) AToB(t Timestamp) Timestamp {
	return shift(t, m.ClockA(), m.ClockB(), m.Offset())
}

func (m *chainedMapper) BToA(t Timestamp) Timestamp {
	return shift(t, m.ClockB(), m.ClockA(), -m.Offset())
}

func (m *chainedMapper) Inverse() Mapper { return &invertedMapper{inner: m} }
