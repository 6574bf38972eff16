// Package memlog keeps the most recent errors in memory. The oldest entry
// is evicted once the configured size is reached.
package memlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tinytelemetry/faultline/internal/model"
)

// DefaultSize is the number of errors retained when no size is given.
const DefaultSize = 10000

// Log is a bounded in-memory error log.
type Log struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *model.Error]
	size  int
}

// New returns a log holding at most size errors.
func New(size int) (*Log, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, *model.Error](size)
	if err != nil {
		return nil, fmt.Errorf("memlog: %w", err)
	}
	return &Log{cache: cache, size: size}, nil
}

func (l *Log) Name() string { return "memory" }

// Size returns the capacity.
func (l *Log) Size() int { return l.size }

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Purge()
	return nil
}

// Log stores errs. An error whose ID is already present replaces it.
func (l *Log) Log(_ context.Context, errs []*model.Error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range errs {
		if e == nil {
			continue
		}
		l.cache.Add(e.ID(), e)
	}
	return nil
}

func (l *Log) Get(_ context.Context, id string) (*model.Error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache.Peek(id)
	if !ok {
		return nil, model.ErrNotFound
	}
	return e, nil
}

func (l *Log) List(_ context.Context, opts model.ListOpts) ([]*model.Error, int64, error) {
	opts = opts.Normalize()
	matched := l.newestFirst(opts.App)

	total := int64(len(matched))
	start := opts.Offset()
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + opts.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (l *Log) Count(_ context.Context, opts model.QueryOpts) (int64, error) {
	if opts.App == "" {
		l.mu.Lock()
		defer l.mu.Unlock()
		return int64(l.cache.Len()), nil
	}
	return int64(len(l.newestFirst(opts.App))), nil
}

func (l *Log) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for _, id := range l.cache.Keys() {
		e, ok := l.cache.Peek(id)
		if ok && e.Time().Before(cutoff) {
			l.cache.Remove(id)
			n++
		}
	}
	return n, nil
}

// TopTypes returns error types by descending count.
func (l *Log) TopTypes(_ context.Context, limit int, opts model.QueryOpts) ([]model.DimensionCount, error) {
	return topBy(l.newestFirst(opts.App), limit, func(e *model.Error) string {
		if e.Type() == "" {
			return "unknown"
		}
		return e.Type()
	}), nil
}

// TopApps returns applications by descending count.
func (l *Log) TopApps(_ context.Context, limit int) ([]model.DimensionCount, error) {
	return topBy(l.newestFirst(""), limit, (*model.Error).Application), nil
}

// newestFirst returns matching errors ordered by time, newest first;
// ties keep the most recently logged first.
func (l *Log) newestFirst(app string) []*model.Error {
	l.mu.Lock()
	values := l.cache.Values() // oldest to newest
	l.mu.Unlock()

	out := make([]*model.Error, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		if app == "" || values[i].Application() == app {
			out = append(out, values[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time().After(out[j].Time()) })
	return out
}

func topBy(errs []*model.Error, limit int, key func(*model.Error) string) []model.DimensionCount {
	counts := make(map[string]int64)
	for _, e := range errs {
		counts[key(e)]++
	}
	out := make([]model.DimensionCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, model.DimensionCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
