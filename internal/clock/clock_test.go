package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReturnsSameHandle(t *testing.T) {
	t.Parallel()
	assert.Same(t, Monotonic(), Get(KindMonotonic))
	assert.Same(t, Wall(), Get(KindWall))
	assert.NotSame(t, Monotonic(), Wall())
}

func TestRegistryUnknownKindPanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { Get(Kind(99)) })
}

func TestMonotonicNonDecreasing(t *testing.T) {
	t.Parallel()
	c := Monotonic()
	prev := c.Nanos()
	for i := 0; i < 1000; i++ {
		n := c.Nanos()
		require.GreaterOrEqual(t, n, prev)
		prev = n
	}
}

func TestClocksWithSameSourceAreDistinct(t *testing.T) {
	t.Parallel()
	src := func() int64 { return 42 }
	a := New("dev", src)
	b := New("dev", src)

	assert.NotSame(t, a, b)
	assert.Panics(t, func() { a.Now().Sub(b.Now()) })
}

func TestTimestampArithmetic(t *testing.T) {
	t.Parallel()
	c, _ := NewManual("m", 0)

	ts := At(1_000, c)
	later := ts.Add(500 * time.Nanosecond)

	assert.Same(t, c, later.Clock())
	assert.Equal(t, int64(1_500), later.Nanos())
	assert.Equal(t, 500*time.Nanosecond, later.Sub(ts))
	assert.True(t, ts.Before(later))
	assert.True(t, later.After(ts))
	assert.True(t, ts.Equal(At(1_000, c)))
	assert.Equal(t, ts, Min(ts, later))
	assert.Equal(t, later, Max(ts, later))
}

func TestRawTimestampsCompareWithEachOther(t *testing.T) {
	t.Parallel()
	a := Raw(10)
	b := Raw(25)
	assert.True(t, a.IsRaw())
	assert.Equal(t, 15*time.Nanosecond, b.Sub(a))
	assert.NoError(t, SameClock(a, b))
}

func TestClockMismatchFailsFast(t *testing.T) {
	t.Parallel()
	c, _ := NewManual("m", 0)

	tagged := At(10, c)
	raw := Raw(10)

	require.Error(t, SameClock(tagged, raw))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(*ClockMismatchError)
		require.True(t, ok, "panic value should be *ClockMismatchError, got %T", r)
		assert.Equal(t, "Sub", err.Op)
		assert.Contains(t, err.Error(), "<raw>")
	}()
	_ = tagged.Sub(raw)
}

func TestManualClock(t *testing.T) {
	t.Parallel()
	c, m := NewManual("replay", 100)
	assert.Equal(t, int64(100), c.Nanos())
	m.Advance(time.Second)
	assert.Equal(t, int64(100)+int64(time.Second), c.Nanos())
	m.Set(5)
	assert.Equal(t, int64(5), c.Now().Nanos())
}

func TestOffsetClockFollowsSource(t *testing.T) {
	t.Parallel()
	base, m := NewManual("base", 1_000)
	src := NewSharedOffset(250)
	derived := NewOffsetClock("navx", base, src)

	assert.Equal(t, int64(1_250), derived.Nanos())
	src.Set(-50)
	m.Advance(10)
	assert.Equal(t, int64(960), derived.Nanos())
	assert.Equal(t, uint64(1), src.Updates())
}

func TestSharedOffsetConcurrentAccess(t *testing.T) {
	t.Parallel()
	src := NewSharedOffset(0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 1000; i++ {
			src.Set(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			o := src.Offset()
			assert.GreaterOrEqual(t, o, int64(0))
		}
	}()
	wg.Wait()
	assert.Equal(t, int64(999), src.Offset())
}
