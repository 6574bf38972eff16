// Package store selects and opens an error log backend, and provides the
// batching and retention helpers that run in front of any backend.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/faultline/internal/duckdb"
	"github.com/tinytelemetry/faultline/internal/journal"
	"github.com/tinytelemetry/faultline/internal/memlog"
	"github.com/tinytelemetry/faultline/internal/model"
	"github.com/tinytelemetry/faultline/internal/sqlite"
)

// Backend names accepted by Open.
const (
	BackendDuckDB = "duckdb"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendFile   = "file"
)

// Config selects a backend.
type Config struct {
	Backend      string
	Path         string // database or journal file; empty = in-memory for SQL backends
	MemorySize   int
	QueryTimeout time.Duration
}

// Backends lists the supported backend names.
func Backends() []string {
	return []string{BackendDuckDB, BackendSQLite, BackendMemory, BackendFile}
}

// Open returns the configured error log.
func Open(cfg Config) (model.ErrorLog, error) {
	var (
		l   model.ErrorLog
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendDuckDB:
		var s *duckdb.Store
		if s, err = duckdb.NewStore(cfg.Path, cfg.QueryTimeout); err == nil {
			l = s
		}
	case BackendSQLite:
		var s *sqlite.Store
		if s, err = sqlite.NewStore(cfg.Path, cfg.QueryTimeout); err == nil {
			l = s
		}
	case BackendMemory:
		var m *memlog.Log
		if m, err = memlog.New(cfg.MemorySize); err == nil {
			l = m
		}
	case BackendFile:
		var j *journal.Journal
		if j, err = journal.Open(cfg.Path); err == nil {
			l = j
		}
	default:
		return nil, fmt.Errorf("store: unknown backend %q (want one of %s)", cfg.Backend, strings.Join(Backends(), ", "))
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}
