// Package sqlite stores captured errors in a SQLite database using the
// pure-Go modernc driver.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tinytelemetry/faultline/internal/migrate"
	"github.com/tinytelemetry/faultline/internal/model"
	"github.com/tinytelemetry/faultline/internal/sqllog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite-backed error log.
type Store struct {
	*sqllog.Store
	dbPath string
}

var (
	_ model.ErrorLog   = (*Store)(nil)
	_ model.ErrorStats = (*Store)(nil)
)

// NewStore opens or creates a SQLite database in WAL mode. An empty dbPath
// opens a private in-memory database.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ":memory:"
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; an in-memory database also needs a single
	// connection so every query sees the same data.
	db.SetMaxOpenConns(1)

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate.NewRunner(db, sub).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	var qt time.Duration
	if len(queryTimeout) > 0 {
		qt = queryTimeout[0]
	}
	return &Store{
		Store:  sqllog.New(db, "sqlite", qt),
		dbPath: dbPath,
	}, nil
}

// DBPath returns the configured database path. Empty means in-memory.
func (s *Store) DBPath() string {
	return s.dbPath
}
