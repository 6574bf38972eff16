package migrate

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var testMigrations = fstest.MapFS{
	"001_widgets.sql": {Data: []byte(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name VARCHAR NOT NULL)`)},
	"002_index.sql":   {Data: []byte(`CREATE INDEX idx_widgets_name ON widgets(name)`)},
	"README.md":       {Data: []byte("ignored")},
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewRunner(db, testMigrations).Run())

	for _, table := range []string{"widgets", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, testMigrations)

	require.NoError(t, r.Run())
	require.NoError(t, r.Run())

	cur, pending, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, cur)
	assert.Equal(t, 0, pending)
}

func TestStatusReportsCorrectly(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, testMigrations)

	cur, pending, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, cur)
	assert.Equal(t, 2, pending)

	require.NoError(t, r.Run())
	cur, pending, err = r.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, cur)
	assert.Equal(t, 0, pending)
}

func TestRunStopsOnBadMigration(t *testing.T) {
	db := openTestDB(t)
	bad := fstest.MapFS{
		"001_ok.sql":     {Data: []byte(`CREATE TABLE a (id INTEGER)`)},
		"002_broken.sql": {Data: []byte(`CREATE TABLE`)},
	}
	r := NewRunner(db, bad)

	err := r.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.sql")

	cur, pending, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, cur)
	assert.Equal(t, 1, pending)
}
