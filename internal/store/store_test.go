package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/faultline/internal/memlog"
	"github.com/tinytelemetry/faultline/internal/metrics"
	"github.com/tinytelemetry/faultline/internal/model"
	"github.com/tinytelemetry/faultline/internal/store/storetest"
)

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		cfg  Config
		name string
	}{
		{Config{Backend: "memory", MemorySize: 10}, "memory"},
		{Config{Backend: "SQLite"}, "sqlite"},
		{Config{Backend: "file", Path: filepath.Join(dir, "errors.jsonl")}, "file"},
		{Config{Backend: "duckdb", Path: filepath.Join(dir, "errors.duckdb")}, "duckdb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := Open(tc.cfg)
			require.NoError(t, err)
			defer l.Close()
			assert.Equal(t, tc.name, l.Name())
		})
	}
}

func TestOpenedSQLBackendsSatisfyErrorLog(t *testing.T) {
	for _, backend := range []string{BackendDuckDB, BackendSQLite} {
		backend := backend
		t.Run(backend, func(t *testing.T) {
			storetest.Run(t, func(t *testing.T) model.ErrorLog {
				l, err := Open(Config{Backend: backend})
				require.NoError(t, err)
				_, ok := l.(model.ErrorStats)
				assert.True(t, ok, "%s should expose dimension counts", backend)
				return l
			})
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	l, err := Open(Config{Backend: "cassandra"})
	assert.Nil(t, l)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestOpenFileRequiresPath(t *testing.T) {
	l, err := Open(Config{Backend: BackendFile})
	assert.Nil(t, l)
	assert.Error(t, err)
}

func newMemLog(t *testing.T) *memlog.Log {
	t.Helper()
	l, err := memlog.New(100)
	require.NoError(t, err)
	return l
}

func TestInsertBufferFlushesOnBatchSize(t *testing.T) {
	l := newMemLog(t)
	buf := NewInsertBuffer(l, InsertBufferConfig{BatchSize: 3, FlushInterval: time.Hour})
	defer buf.Stop()

	for i := 0; i < 3; i++ {
		buf.Add(storetest.NewError(string(rune('a'+i)), "shop", "E", time.Duration(i)*time.Second))
	}

	require.Eventually(t, func() bool {
		n, _ := l.Count(context.Background(), model.QueryOpts{})
		return n == 3
	}, time.Second, 5*time.Millisecond)
}

func TestInsertBufferFlushesOnInterval(t *testing.T) {
	l := newMemLog(t)
	buf := NewInsertBuffer(l, InsertBufferConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	defer buf.Stop()

	buf.Add(storetest.NewError("a", "shop", "E", 0))

	require.Eventually(t, func() bool {
		_, err := l.Get(context.Background(), "a")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, buf.Pending())
}

func TestInsertBufferStopDrains(t *testing.T) {
	l := newMemLog(t)
	m := metrics.New()
	buf := NewInsertBuffer(l, InsertBufferConfig{BatchSize: 100, FlushInterval: time.Hour, Metrics: m})

	for i := 0; i < 5; i++ {
		buf.Add(storetest.NewError(string(rune('a'+i)), "shop", "E", 0))
	}
	buf.Stop()
	buf.Stop()

	n, err := l.Count(context.Background(), model.QueryOpts{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, 5.0, counterValue(t, m, "faultline_store_inserted_errors_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "faultline_store_insert_batches_total"))
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestInsertBufferAddAfterStop(t *testing.T) {
	l := newMemLog(t)
	buf := NewInsertBuffer(l)
	buf.Stop()

	buf.Add(storetest.NewError("late", "shop", "E", 0))
	buf.Add(nil)

	_, err := l.Get(context.Background(), "late")
	assert.NoError(t, err)
}

type failingWriter struct {
	calls atomic.Int32
}

func (w *failingWriter) Log(context.Context, []*model.Error) error {
	w.calls.Add(1)
	return errors.New("disk full")
}

func TestInsertBufferWriteFailureCounted(t *testing.T) {
	w := &failingWriter{}
	buf := NewInsertBuffer(w, InsertBufferConfig{BatchSize: 2, FlushInterval: time.Hour})
	buf.Add(storetest.NewError("a", "shop", "E", 0))
	buf.Add(storetest.NewError("b", "shop", "E", 0))
	buf.Stop()

	assert.EqualValues(t, 1, w.calls.Load())
}

func TestInsertBufferConcurrentAdds(t *testing.T) {
	l, err := memlog.New(10000)
	require.NoError(t, err)
	buf := NewInsertBuffer(l, InsertBufferConfig{BatchSize: 7, FlushInterval: time.Millisecond, FlushQueueSize: 1})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := string(rune('A'+g)) + "-" + time.Duration(i).String()
				buf.Add(storetest.NewError(id, "shop", "E", 0))
			}
		}(g)
	}
	wg.Wait()
	buf.Stop()

	n, err := l.Count(context.Background(), model.QueryOpts{})
	require.NoError(t, err)
	assert.EqualValues(t, 800, n)
}

func TestRetentionDisabled(t *testing.T) {
	assert.Nil(t, NewRetentionCleaner(newMemLog(t), RetentionConfig{RetentionDays: 0}))
	assert.Nil(t, NewRetentionCleaner(newMemLog(t), RetentionConfig{RetentionDays: -1}))
}

func TestRetentionStartupCleanup(t *testing.T) {
	ctx := context.Background()
	l := newMemLog(t)
	old := model.NewError(model.ErrorFields{ID: "old", Type: "E", Time: time.Now().Add(-10 * 24 * time.Hour)})
	fresh := model.NewError(model.ErrorFields{ID: "fresh", Type: "E", Time: time.Now().Add(-time.Hour)})
	require.NoError(t, l.Log(ctx, []*model.Error{old, fresh}))

	rc := NewRetentionCleaner(l, RetentionConfig{RetentionDays: 7, Interval: time.Hour})
	require.NotNil(t, rc)
	rc.Stop()
	rc.Stop()

	_, err := l.Get(ctx, "old")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = l.Get(ctx, "fresh")
	assert.NoError(t, err)
}
