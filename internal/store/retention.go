package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/faultline/internal/metrics"
	"github.com/tinytelemetry/faultline/internal/model"
)

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	Interval      time.Duration // default 1h
	Metrics       *metrics.Metrics
}

// RetentionCleaner periodically deletes errors older than the configured retention period.
type RetentionCleaner struct {
	log           model.ErrorLog
	retentionDays int
	interval      time.Duration
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewRetentionCleaner creates a retention cleaner that deletes expired errors.
// Returns nil when retention is 0 (disabled).
func NewRetentionCleaner(errLog model.ErrorLog, conf ...RetentionConfig) *RetentionCleaner {
	days := 30
	interval := time.Hour
	var m *metrics.Metrics
	if len(conf) > 0 {
		days = conf[0].RetentionDays
		if conf[0].Interval > 0 {
			interval = conf[0].Interval
		}
		m = conf[0].Metrics
	}
	if days <= 0 {
		return nil
	}

	rc := &RetentionCleaner{
		log:           errLog,
		retentionDays: days,
		interval:      interval,
		metrics:       m,
		logger:        log.With().Str("component", "retention").Logger(),
		done:          make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()

	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := time.Now().Add(-time.Duration(rc.retentionDays) * 24 * time.Hour)

	rows, err := rc.log.DeleteBefore(context.Background(), cutoff)
	if err != nil {
		rc.logger.Error().Err(err).Msg("retention cleanup error")
		return
	}
	if rows > 0 {
		rc.metrics.RetentionDeleted(rows)
		rc.logger.Info().Int64("deleted", rows).Int("retention_days", rc.retentionDays).Msg("retention cleanup deleted expired errors")
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
