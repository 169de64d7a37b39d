package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/syncwatch/internal/metrics"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

func record(sessions uint64) *metrics.Record {
	rec := metrics.NewRecord()
	rec.Sessions = sessions

	return &rec
}

func TestGet_CoalescesConcurrentCallers(t *testing.T) {
	var calls atomic.Int32

	release := make(chan struct{})
	want := record(7)

	c := New(testLog(), DefaultConfig(), func(_ context.Context) *metrics.Record {
		calls.Add(1)
		<-release

		return want
	})

	const n = 32

	var wg sync.WaitGroup

	results := make([]*metrics.Record, n)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i] = c.Get(context.Background())
		}()
	}

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for _, got := range results {
		assert.Same(t, want, got)
	}
}

func TestGet_TTLHit(t *testing.T) {
	clock := newFakeClock()

	var calls int

	c := New(testLog(), DefaultConfig(), func(_ context.Context) *metrics.Record {
		calls++

		return record(uint64(calls))
	}, WithClock(clock.Now))

	first := c.Get(context.Background())
	require.NotNil(t, first)

	clock.Advance(59 * time.Second)

	assert.Same(t, first, c.Get(context.Background()))
	assert.Equal(t, 1, calls)

	clock.Advance(2 * time.Second)

	second := c.Get(context.Background())
	require.NotNil(t, second)
	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(2), second.Sessions)
}

func TestGet_CooldownAppliesToEmptyResults(t *testing.T) {
	clock := newFakeClock()

	var calls int

	c := New(testLog(), DefaultConfig(), func(_ context.Context) *metrics.Record {
		calls++

		return nil
	}, WithClock(clock.Now))

	assert.Nil(t, c.Get(context.Background()))

	clock.Advance(30 * time.Second)
	assert.Nil(t, c.Get(context.Background()))
	assert.Equal(t, 1, calls, "second call inside cooldown must not collect")

	clock.Advance(31 * time.Second)
	assert.Nil(t, c.Get(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestGet_CooldownLongerThanTTLServesStale(t *testing.T) {
	clock := newFakeClock()

	var calls int

	c := New(testLog(), Config{
		TTL:      10 * time.Second,
		Cooldown: 60 * time.Second,
	}, func(_ context.Context) *metrics.Record {
		calls++

		return record(uint64(calls))
	}, WithClock(clock.Now))

	first := c.Get(context.Background())

	clock.Advance(20 * time.Second)
	assert.Same(t, first, c.Get(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestGet_PanickingFetchStoresNil(t *testing.T) {
	clock := newFakeClock()

	c := New(testLog(), DefaultConfig(), func(_ context.Context) *metrics.Record {
		panic("boom")
	}, WithClock(clock.Now))

	assert.NotPanics(t, func() {
		assert.Nil(t, c.Get(context.Background()))
	})

	rec, at := c.Peek()
	assert.Nil(t, rec)
	assert.Equal(t, clock.Now(), at)
}

func TestGet_CancelledCallerDoesNotAbortFetch(t *testing.T) {
	release := make(chan struct{})

	c := New(testLog(), DefaultConfig(), func(ctx context.Context) *metrics.Record {
		<-release

		if ctx.Err() != nil {
			return nil
		}

		return record(3)
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *metrics.Record)

	go func() {
		done <- c.Get(ctx)
	}()

	cancel()

	select {
	case got := <-done:
		assert.Nil(t, got, "no previous value to fall back to")
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)

	require.Eventually(t, func() bool {
		rec, _ := c.Peek()

		return rec != nil
	}, time.Second, 5*time.Millisecond)

	rec, _ := c.Peek()
	assert.Equal(t, uint64(3), rec.Sessions)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.TTL = -time.Second
	assert.Error(t, cfg.Validate())
}
