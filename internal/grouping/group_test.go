package grouping

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/faultline/internal/model"
)

func newTestRegistry(t *testing.T, cfg Config, rec *recorder, opts ...Option) *Registry {
	t.Helper()
	if cfg.Dimensions == nil {
		cfg.Dimensions = []Dimension{DimensionException}
	}
	r, err := NewRegistry(cfg, rec.flush, opts...)
	require.NoError(t, err)
	return r
}

func mustGroup(t *testing.T, r *Registry, key string) *Group {
	t.Helper()
	g, ok := r.Group(key)
	require.True(t, ok, "group %q not found", key)
	return g
}

func TestGroupFlushesAtThreshold(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: 3}, rec)

	require.NoError(t, r.Add(newErr("E", "/a")))
	require.NoError(t, r.Add(newErr("E", "/b")))
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 2, mustGroup(t, r, "E").Count())

	require.NoError(t, r.Add(newErr("E", "/c")))
	snaps := rec.all()
	require.Len(t, snaps, 1)
	assert.Equal(t, 3, snaps[0].Count())
	assert.Equal(t, TriggerThreshold, snaps[0].Trigger)
	assert.Equal(t, "E", snaps[0].Key)
	assert.Equal(t, 0, mustGroup(t, r, "E").Count())

	require.NoError(t, r.Add(newErr("E", "/d")))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, mustGroup(t, r, "E").Count())
}

func TestGroupPreservesArrivalOrder(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: 3}, rec)

	errs := []*model.Error{newErr("E", "/1"), newErr("E", "/2"), newErr("E", "/3")}
	for _, e := range errs {
		require.NoError(t, r.Add(e))
	}
	require.Len(t, rec.all(), 1)
	assert.Equal(t, errs, rec.all()[0].Errors)
}

func TestGroupFlushesAfterRetention(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxRetention: 500 * time.Millisecond}, rec, WithClock(mock))

	require.NoError(t, r.Add(newErr("E", "/a")))
	g := mustGroup(t, r, "E")
	assert.True(t, g.TimerArmed())

	mock.Add(499 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	snap := rec.all()[0]
	assert.Equal(t, TriggerRetention, snap.Trigger)
	assert.Equal(t, 1, snap.Count())
	assert.Equal(t, 0, g.Count())
	assert.False(t, g.TimerArmed())
}

func TestGroupRetentionWithWallClock(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxRetention: 500 * time.Millisecond}, rec)

	require.NoError(t, r.Add(newErr("E", "/a")))
	assert.Equal(t, 0, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	g := mustGroup(t, r, "E")
	assert.Equal(t, 0, g.Count())
	assert.False(t, g.TimerArmed())
}

func TestGroupRetentionWindowStartsAtFirstError(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxRetention: time.Second}, rec, WithClock(mock))

	require.NoError(t, r.Add(newErr("E", "/a")))
	mock.Add(900 * time.Millisecond)
	require.NoError(t, r.Add(newErr("E", "/b")))
	mock.Add(100 * time.Millisecond)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.all()[0].Count())
}

func TestThresholdFlushDisarmsTimer(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxRetention: time.Second, MaxOccurrences: 2}, rec, WithClock(mock))

	require.NoError(t, r.Add(newErr("E", "/a")))
	require.NoError(t, r.Add(newErr("E", "/b")))
	g := mustGroup(t, r, "E")
	assert.False(t, g.TimerArmed())
	require.Equal(t, 1, rec.count())

	mock.Add(2 * time.Second)
	assert.Never(t, func() bool { return rec.count() != 1 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, r.Add(newErr("E", "/c")))
	assert.True(t, g.TimerArmed())
}

func TestStaleTimerFireIsIgnored(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxRetention: time.Second}, rec, WithClock(mock))

	require.NoError(t, r.Add(newErr("E", "/a")))
	g := mustGroup(t, r, "E")
	require.NoError(t, g.Flush())
	require.NoError(t, r.Add(newErr("E", "/b")))

	g.expire(0)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, g.Count())
	assert.True(t, g.TimerArmed())
}

func TestFlushEmptyGroupIsNoop(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: 2}, rec)

	require.NoError(t, r.Add(newErr("E", "/a")))
	g := mustGroup(t, r, "E")
	require.NoError(t, g.Flush())
	require.Equal(t, 1, rec.count())
	assert.Equal(t, TriggerManual, rec.all()[0].Trigger)

	require.NoError(t, g.Flush())
	require.NoError(t, g.Flush())
	assert.Equal(t, 1, rec.count())
}

func TestGroupsAreIsolated(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: 2}, rec)

	require.NoError(t, r.Add(newErr("A", "/")))
	require.NoError(t, r.Add(newErr("B", "/")))
	assert.Equal(t, 0, rec.count())

	require.NoError(t, r.Add(newErr("A", "/")))
	snaps := rec.all()
	require.Len(t, snaps, 1)
	assert.Equal(t, "A", snaps[0].Key)
	for _, e := range snaps[0].Errors {
		assert.Equal(t, "A", e.Type())
	}
	assert.Equal(t, 1, mustGroup(t, r, "B").Count())
}

func TestConcurrentAddsFlushExactlyOnce(t *testing.T) {
	const workers, perWorker = 16, 250
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: workers * perWorker}, rec)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, r.Add(newErr("E", fmt.Sprintf("/%d/%d", w, i))))
			}
		}(w)
	}
	wg.Wait()

	snaps := rec.all()
	require.Len(t, snaps, 1)
	require.Equal(t, workers*perWorker, snaps[0].Count())

	seen := make(map[string]bool, workers*perWorker)
	for _, e := range snaps[0].Errors {
		assert.False(t, seen[e.ID()], "duplicate error %s", e.ID())
		seen[e.ID()] = true
	}
	assert.Equal(t, 0, mustGroup(t, r, "E").Count())
}

func TestConcurrentAddsWithRetentionLoseNothing(t *testing.T) {
	const workers, perWorker = 8, 200
	mock := clock.NewMock()
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: 7, MaxRetention: time.Millisecond}, rec, WithClock(mock))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, r.Add(newErr("E", "/")))
			}
		}()
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				mock.Add(time.Millisecond)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-done
	require.NoError(t, r.FlushAll(TriggerShutdown))

	require.Eventually(t, func() bool {
		total := 0
		for _, s := range rec.all() {
			total += s.Count()
		}
		return total == workers*perWorker
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEndExceptionGrouping(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, Config{Dimensions: []Dimension{DimensionException}, MaxOccurrences: 2}, rec)

	require.NoError(t, r.Add(newErr("ArgumentException", "/a")))
	require.NoError(t, r.Add(newErr("ArgumentException", "/b")))

	snaps := rec.all()
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].Count())
	assert.Equal(t, "ArgumentException", snaps[0].Key)

	require.NoError(t, r.Add(newErr("NullReferenceException", "/c")))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, mustGroup(t, r, "NullReferenceException").Count())
}

func TestCallbackErrorIsReturnedAndGroupCleared(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{err: errors.New("sink down")}
	r := newTestRegistry(t, Config{MaxOccurrences: 2, MaxRetention: time.Minute}, rec, WithClock(mock))

	require.NoError(t, r.Add(newErr("E", "/a")))
	err := r.Add(newErr("E", "/b"))
	require.Error(t, err)

	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, "E", cbErr.Key)
	assert.Equal(t, 2, cbErr.Count)
	assert.Equal(t, TriggerThreshold, cbErr.Trigger)
	assert.EqualError(t, cbErr.Unwrap(), "sink down")

	g := mustGroup(t, r, "E")
	assert.Equal(t, 0, g.Count())
	assert.False(t, g.TimerArmed())

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	require.NoError(t, r.Add(newErr("E", "/c")))
	assert.Equal(t, 1, g.Count())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	r, err := NewRegistry(Config{Dimensions: []Dimension{DimensionException}, MaxOccurrences: 1},
		func(Snapshot) error { panic("bad sink") })
	require.NoError(t, err)

	err = r.Add(newErr("E", "/"))
	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Contains(t, cbErr.Error(), "bad sink")
	assert.Equal(t, 0, mustGroup(t, r, "E").Count())
}

func TestRetentionFlushErrorGoesToHandler(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{err: errors.New("sink down")}

	var mu sync.Mutex
	var got []error
	handler := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, err)
	}
	r := newTestRegistry(t, Config{MaxRetention: time.Second}, rec, WithClock(mock), WithFlushErrorHandler(handler))

	require.NoError(t, r.Add(newErr("E", "/")))
	mock.Add(time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	var cbErr *CallbackError
	mu.Lock()
	require.ErrorAs(t, got[0], &cbErr)
	mu.Unlock()
	assert.Equal(t, TriggerRetention, cbErr.Trigger)
}

func TestGroupStats(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: 2, MaxRetention: time.Minute}, rec, WithClock(mock))

	start := mock.Now()
	require.NoError(t, r.Add(newErr("E", "/")))
	mock.Add(time.Second)
	require.NoError(t, r.Add(newErr("E", "/")))
	require.NoError(t, r.Add(newErr("E", "/")))

	st := mustGroup(t, r, "E").Stats()
	assert.Equal(t, "E", st.Key)
	assert.Equal(t, 1, st.Count)
	assert.True(t, st.TimerArmed)
	assert.Equal(t, uint64(1), st.Flushes)
	assert.Equal(t, uint64(3), st.Total)
	assert.Equal(t, start.Add(time.Second), st.LastFlush)

	snap := rec.all()[0]
	assert.Equal(t, start, snap.FirstSeen)
	assert.Equal(t, start.Add(time.Second), snap.LastSeen)
	assert.Equal(t, uint64(0), snap.Epoch)
}

func TestGroupAddNil(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, Config{MaxOccurrences: 1}, rec)
	require.NoError(t, r.Add(newErr("E", "/")))

	assert.ErrorIs(t, mustGroup(t, r, "E").Add(nil), ErrNilError)
}
