// Package duckdb stores captured errors in an embedded DuckDB database and
// supports read-only ad-hoc SQL over them.
package duckdb

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/faultline/internal/migrate"
	"github.com/tinytelemetry/faultline/internal/model"
	"github.com/tinytelemetry/faultline/internal/sqllog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a DuckDB-backed error log.
type Store struct {
	*sqllog.Store
	dbPath string
}

var (
	_ model.ErrorLog      = (*Store)(nil)
	_ model.ErrorStats    = (*Store)(nil)
	_ model.SchemaQuerier = (*Store)(nil)
)

// NewStore opens or creates a DuckDB database.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("duckdb: mkdir: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open: %w", err)
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate.NewRunner(db, sub).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: %w", err)
	}

	var qt time.Duration
	if len(queryTimeout) > 0 {
		qt = queryTimeout[0]
	}

	return &Store{
		Store:  sqllog.New(db, "duckdb", qt),
		dbPath: dbPath,
	}, nil
}

// DBPath returns the configured database path. Empty means in-memory.
func (s *Store) DBPath() string {
	return s.dbPath
}
