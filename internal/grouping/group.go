package grouping

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tinytelemetry/faultline/internal/model"
)

// Trigger records why a group was flushed.
type Trigger string

const (
	TriggerThreshold Trigger = "threshold"
	TriggerRetention Trigger = "retention"
	TriggerManual    Trigger = "manual"
	TriggerShutdown  Trigger = "shutdown"
)

// Snapshot is the batch handed to a FlushFunc. Errors is owned by the
// receiver; the group no longer references it.
type Snapshot struct {
	Key       string
	Trigger   Trigger
	Errors    []*model.Error
	FirstSeen time.Time
	LastSeen  time.Time
	FlushedAt time.Time
	// Epoch increments on every flush of the group.
	Epoch uint64
}

// Count returns the number of errors in the batch.
func (s Snapshot) Count() int {
	return len(s.Errors)
}

// FlushFunc receives each flushed batch. It is called without any group
// lock held, at most once per batch.
type FlushFunc func(snap Snapshot) error

// GroupStats is a point-in-time view of a group for diagnostics.
type GroupStats struct {
	Key        string    `json:"key"`
	Count      int       `json:"count"`
	TimerArmed bool      `json:"timerArmed"`
	FirstSeen  time.Time `json:"firstSeen,omitempty"`
	LastSeen   time.Time `json:"lastSeen,omitempty"`
	LastFlush  time.Time `json:"lastFlush,omitempty"`
	Flushes    uint64    `json:"flushes"`
	Total      uint64    `json:"total"`
}

// Group accumulates errors that share a key until either the occurrence
// threshold or the retention window is reached.
type Group struct {
	key            string
	maxRetention   time.Duration
	maxOccurrences int
	flush          FlushFunc
	clock          clock.Clock
	onFlushError   func(error)

	mu        sync.Mutex
	errors    []*model.Error
	timer     *clock.Timer
	epoch     uint64
	firstSeen time.Time
	lastSeen  time.Time
	lastFlush time.Time
	flushes   uint64
	total     uint64
	retired   bool
}

func newGroup(key string, cfg Config, flush FlushFunc, clk clock.Clock, onFlushError func(error)) *Group {
	return &Group{
		key:            key,
		maxRetention:   cfg.MaxRetention,
		maxOccurrences: cfg.MaxOccurrences,
		flush:          flush,
		clock:          clk,
		onFlushError:   onFlushError,
	}
}

// Key returns the group key.
func (g *Group) Key() string {
	return g.key
}

// Add appends err. Reaching the occurrence threshold flushes synchronously
// and the callback's failure, if any, is returned as a *CallbackError.
func (g *Group) Add(err *model.Error) error {
	if err == nil {
		return ErrNilError
	}

	g.mu.Lock()
	if g.retired {
		g.mu.Unlock()
		return errGroupRetired
	}

	now := g.clock.Now()
	if len(g.errors) == 0 {
		g.firstSeen = now
		g.armTimerLocked()
	}
	g.errors = append(g.errors, err)
	g.lastSeen = now
	g.total++

	if g.maxOccurrences <= 0 || len(g.errors) < g.maxOccurrences {
		g.mu.Unlock()
		return nil
	}
	snap := g.takeLocked(TriggerThreshold)
	g.mu.Unlock()

	return g.deliver(snap)
}

// Flush hands any pending errors to the callback. An empty group is a no-op.
func (g *Group) Flush() error {
	_, err := g.flushWith(TriggerManual)
	return err
}

// flushWith returns the number of errors taken for delivery, which is
// non-zero even when the callback fails.
func (g *Group) flushWith(trigger Trigger) (int, error) {
	g.mu.Lock()
	if len(g.errors) == 0 {
		g.mu.Unlock()
		return 0, nil
	}
	snap := g.takeLocked(trigger)
	g.mu.Unlock()

	return snap.Count(), g.deliver(snap)
}

// Count returns the number of pending errors.
func (g *Group) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.errors)
}

// TimerArmed reports whether a retention timer is pending.
func (g *Group) TimerArmed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}

// Stats returns a diagnostic snapshot.
func (g *Group) Stats() GroupStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GroupStats{
		Key:        g.key,
		Count:      len(g.errors),
		TimerArmed: g.timer != nil,
		FirstSeen:  g.firstSeen,
		LastSeen:   g.lastSeen,
		LastFlush:  g.lastFlush,
		Flushes:    g.flushes,
		Total:      g.total,
	}
}

func (g *Group) armTimerLocked() {
	if g.maxRetention <= 0 {
		return
	}
	epoch := g.epoch
	g.timer = g.clock.AfterFunc(g.maxRetention, func() {
		g.expire(epoch)
	})
}

func (g *Group) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// expire is the retention timer body. A fire from an earlier epoch finds
// the epoch advanced and does nothing.
func (g *Group) expire(epoch uint64) {
	g.mu.Lock()
	if g.epoch != epoch || len(g.errors) == 0 {
		g.mu.Unlock()
		return
	}
	snap := g.takeLocked(TriggerRetention)
	g.mu.Unlock()

	if err := g.deliver(snap); err != nil && g.onFlushError != nil {
		g.onFlushError(err)
	}
}

// takeLocked detaches the pending batch and resets the group to empty.
func (g *Group) takeLocked(trigger Trigger) Snapshot {
	now := g.clock.Now()
	snap := Snapshot{
		Key:       g.key,
		Trigger:   trigger,
		Errors:    g.errors,
		FirstSeen: g.firstSeen,
		LastSeen:  g.lastSeen,
		FlushedAt: now,
		Epoch:     g.epoch,
	}
	g.errors = nil
	g.firstSeen = time.Time{}
	g.stopTimerLocked()
	g.epoch++
	g.flushes++
	g.lastFlush = now
	return snap
}

func (g *Group) deliver(snap Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Key: snap.Key, Trigger: snap.Trigger, Count: snap.Count(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if ferr := g.flush(snap); ferr != nil {
		return &CallbackError{Key: snap.Key, Trigger: snap.Trigger, Count: snap.Count(), Err: ferr}
	}
	return nil
}

// retireIfIdle marks an empty group that has seen no error for idle as
// retired. Later Adds on it fail with errGroupRetired.
func (g *Group) retireIfIdle(now time.Time, idle time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retired {
		return true
	}
	if len(g.errors) > 0 || now.Sub(g.lastSeen) < idle {
		return false
	}
	g.retired = true
	return true
}
