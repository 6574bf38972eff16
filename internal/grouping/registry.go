package grouping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/tinytelemetry/faultline/internal/model"
)

// Config controls how errors are grouped and when groups flush.
type Config struct {
	// Dimensions selects and orders the key parts. Required.
	Dimensions []Dimension
	// MaxRetention is the longest a group holds an error before flushing.
	// Zero disables time-based flushing.
	MaxRetention time.Duration
	// MaxOccurrences flushes a group once it holds this many errors.
	// Zero disables count-based flushing.
	MaxOccurrences int
	// IdleEviction lets EvictIdle drop empty groups that have been quiet for
	// this long. Zero keeps groups for the life of the registry.
	IdleEviction time.Duration
}

// Validate checks the configuration without building anything.
func (c Config) Validate() error {
	if err := validateDimensions(c.Dimensions); err != nil {
		return err
	}
	if c.MaxRetention < 0 {
		return fmt.Errorf("%w: negative max retention %s", ErrInvalidConfig, c.MaxRetention)
	}
	if c.MaxOccurrences < 0 {
		return fmt.Errorf("%w: negative max occurrences %d", ErrInvalidConfig, c.MaxOccurrences)
	}
	if c.IdleEviction < 0 {
		return fmt.Errorf("%w: negative idle eviction %s", ErrInvalidConfig, c.IdleEviction)
	}
	return nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithFlushErrorHandler receives callback failures from retention flushes,
// which have no caller to return to.
func WithFlushErrorHandler(fn func(error)) Option {
	return func(r *Registry) {
		r.onFlushError = fn
	}
}

// Registry maps group keys to groups and routes incoming errors. It is
// safe for concurrent use; independent registries share nothing.
type Registry struct {
	cfg          Config
	keys         *KeyBuilder
	flush        FlushFunc
	clock        clock.Clock
	onFlushError func(error)

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg Config, flush FlushFunc, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if flush == nil {
		return nil, fmt.Errorf("%w: nil flush func", ErrInvalidConfig)
	}
	keys, err := NewKeyBuilder(cfg.Dimensions...)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:    cfg,
		keys:   keys,
		flush:  flush,
		clock:  clock.New(),
		groups: make(map[string]*Group),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Add routes err to its group, creating the group on first sight.
func (r *Registry) Add(err *model.Error) error {
	if err == nil {
		return ErrNilError
	}
	key := r.keys.Key(err)
	for {
		aerr := r.getOrCreate(key).Add(err)
		if errors.Is(aerr, errGroupRetired) {
			continue
		}
		return aerr
	}
}

// GroupKey returns the key err would be grouped under, or "" for nil.
func (r *Registry) GroupKey(err *model.Error) string {
	if err == nil {
		return ""
	}
	return r.keys.Key(err)
}

// Dimensions returns the configured dimensions.
func (r *Registry) Dimensions() []Dimension {
	return r.keys.Dimensions()
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	cfg := r.cfg
	cfg.Dimensions = r.keys.Dimensions()
	return cfg
}

func (r *Registry) getOrCreate(key string) *Group {
	r.mu.RLock()
	g, ok := r.groups[key]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[key]; ok {
		return g
	}
	g = newGroup(key, r.cfg, r.flush, r.clock, r.onFlushError)
	r.groups[key] = g
	return g
}

// Group returns the group for key, if it exists.
func (r *Registry) Group(key string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[key]
	return g, ok
}

// Len returns the number of live groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Groups returns stats for every group, sorted by key.
func (r *Registry) Groups() []GroupStats {
	groups := r.snapshotGroups()
	out := make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Pending returns the total number of errors held across all groups.
func (r *Registry) Pending() int {
	n := 0
	for _, g := range r.snapshotGroups() {
		n += g.Count()
	}
	return n
}

func (r *Registry) snapshotGroups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Flush flushes one group by key.
func (r *Registry) Flush(key string) error {
	_, err := r.FlushCount(key)
	return err
}

// FlushCount is Flush, also reporting how many errors this call took from
// the group. A concurrent flush that empties the group first yields 0.
func (r *Registry) FlushCount(key string) (int, error) {
	g, ok := r.Group(key)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrGroupNotFound, key)
	}
	return g.flushWith(TriggerManual)
}

// FlushAll flushes every non-empty group, tagging batches with trigger.
// All groups are attempted; callback failures are combined.
func (r *Registry) FlushAll(trigger Trigger) error {
	_, err := r.FlushAllCount(trigger)
	return err
}

// FlushAllCount is FlushAll, also reporting how many errors were taken.
func (r *Registry) FlushAllCount(trigger Trigger) (int, error) {
	var (
		result *multierror.Error
		total  int
	)
	for _, g := range r.snapshotGroups() {
		n, err := g.flushWith(trigger)
		total += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return total, result.ErrorOrNil()
}

// EvictIdle removes empty groups idle for at least Config.IdleEviction and
// returns how many were removed. It does nothing when eviction is disabled.
func (r *Registry) EvictIdle() int {
	if r.cfg.IdleEviction <= 0 {
		return 0
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, g := range r.groups {
		if g.retireIfIdle(now, r.cfg.IdleEviction) {
			delete(r.groups, key)
			n++
		}
	}
	return n
}

// RunEviction calls EvictIdle every interval until ctx is done. It returns
// immediately when eviction is disabled.
func (r *Registry) RunEviction(ctx context.Context, interval time.Duration) {
	if r.cfg.IdleEviction <= 0 || interval <= 0 {
		return
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}
