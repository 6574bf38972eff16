// Package sqllog implements model.ErrorLog over a database/sql connection
// holding the errors table. The duckdb and sqlite packages open the
// connection, run their dialect's migrations and wrap a Store.
//
// Indexed columns carry the fields used for filtering and ordering; the
// full error is kept as JSON in all_json and is the source of truth on read.
package sqllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/faultline/internal/model"
)

const insertSQL = `INSERT INTO errors (id, application, host, type, source, message, user_name, status_code, url, time_unix_us, all_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Store is a SQL-backed error log.
type Store struct {
	db           *sql.DB
	name         string
	mu           sync.RWMutex
	logger       zerolog.Logger
	QueryTimeout time.Duration
}

// New wraps an already-migrated connection.
func New(db *sql.DB, name string, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = model.DefaultQueryTimeout
	}
	return &Store{
		db:           db,
		name:         name,
		logger:       log.With().Str("component", name).Logger(),
		QueryTimeout: queryTimeout,
	}
}

// Name returns the backend name.
func (l *Store) Name() string { return l.name }

// DB returns the underlying connection.
func (l *Store) DB() *sql.DB { return l.db }

// Close closes the database connection.
func (l *Store) Close() error { return l.db.Close() }

// queryCtx bounds ctx with the configured query timeout.
func (l *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.QueryTimeout)
}

// Read runs fn under the read lock with the query timeout applied.
func (l *Store) Read(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ctx, cancel := l.queryCtx(ctx)
	defer cancel()
	return fn(ctx, l.db)
}

// appFilter returns a WHERE clause and args when app is non-empty.
func appFilter(app string) (clause string, args []interface{}) {
	if app != "" {
		return "WHERE application = ?", []interface{}{app}
	}
	return "", nil
}

// Log appends a batch in a single transaction. If the batch fails, it is
// retried error by error so one bad row (such as a duplicate ID) does not
// drop the rest.
func (l *Store) Log(ctx context.Context, errs []*model.Error) error {
	if len(errs) == 0 {
		return nil
	}

	ctx, cancel := l.queryCtx(ctx)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.insertBatchTx(ctx, errs)
	if err == nil {
		return nil
	}

	var failed int
	var lastErr error
	for _, e := range errs {
		if rerr := l.insertBatchTx(ctx, []*model.Error{e}); rerr != nil {
			failed++
			lastErr = rerr
			l.logger.Warn().Err(rerr).Str("id", e.ID()).Str("type", e.Type()).Msg("dropping error")
		}
	}
	if failed == len(errs) {
		return fmt.Errorf("%s: insert batch: %w", l.name, lastErr)
	}
	if failed > 0 {
		l.logger.Warn().Int("failed", failed).Int("total", len(errs)).Msg("batch partially failed")
	}
	return nil
}

func (l *Store) insertBatchTx(ctx context.Context, errs []*model.Error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range errs {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal error %s: %w", e.ID(), err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID(), e.Application(), e.Host(), e.Type(), e.Source(), e.Message(),
			e.User(), e.StatusCode(), e.URL(), e.Time().UnixMicro(), string(data),
		); err != nil {
			return fmt.Errorf("insert error %s: %w", e.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get returns one error by ID, or model.ErrNotFound.
func (l *Store) Get(ctx context.Context, id string) (*model.Error, error) {
	var data string
	err := l.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT all_json FROM errors WHERE id = ?`, id).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// List returns one page of errors, newest first, and the total matching.
func (l *Store) List(ctx context.Context, opts model.ListOpts) ([]*model.Error, int64, error) {
	opts = opts.Normalize()
	where, args := appFilter(opts.App)

	var total int64
	var out []*model.Error
	err := l.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM errors %s`, where), args...).Scan(&total); err != nil {
			return err
		}

		query := fmt.Sprintf(`SELECT all_json FROM errors %s ORDER BY time_unix_us DESC, seq DESC LIMIT ? OFFSET ?`, where)
		rows, err := db.QueryContext(ctx, query, append(args, opts.PageSize, opts.Offset())...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				l.logger.Warn().Err(err).Msg("scan error (List)")
				continue
			}
			e, err := decode(data)
			if err != nil {
				l.logger.Warn().Err(err).Msg("decode error (List)")
				continue
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Count returns the number of stored errors.
func (l *Store) Count(ctx context.Context, opts model.QueryOpts) (int64, error) {
	where, args := appFilter(opts.App)
	var count int64
	err := l.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM errors %s`, where), args...).Scan(&count)
	})
	return count, err
}

// DeleteBefore removes errors that occurred before cutoff.
func (l *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := l.queryCtx(ctx)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `DELETE FROM errors WHERE time_unix_us < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TopTypes returns error types by descending count.
func (l *Store) TopTypes(ctx context.Context, limit int, opts model.QueryOpts) ([]model.DimensionCount, error) {
	where, args := appFilter(opts.App)
	query := fmt.Sprintf(`
		SELECT COALESCE(NULLIF(type, ''), 'unknown') AS t, COUNT(*) AS count
		FROM errors %s
		GROUP BY t
		ORDER BY count DESC, t ASC
		LIMIT ?`, where)
	return l.dimensionCounts(ctx, "TopTypes", query, append(args, limit)...)
}

// TopApps returns applications by descending count.
func (l *Store) TopApps(ctx context.Context, limit int) ([]model.DimensionCount, error) {
	query := `
		SELECT application AS a, COUNT(*) AS count
		FROM errors
		GROUP BY a
		ORDER BY count DESC, a ASC
		LIMIT ?`
	return l.dimensionCounts(ctx, "TopApps", query, limit)
}

func (l *Store) dimensionCounts(ctx context.Context, op, query string, args ...interface{}) ([]model.DimensionCount, error) {
	var results []model.DimensionCount
	err := l.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var item model.DimensionCount
			if err := rows.Scan(&item.Value, &item.Count); err != nil {
				l.logger.Warn().Err(err).Str("op", op).Msg("scan error")
				continue
			}
			results = append(results, item)
		}
		return rows.Err()
	})
	return results, err
}

func decode(data string) (*model.Error, error) {
	var e model.Error
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decode stored error: %w", err)
	}
	return &e, nil
}
