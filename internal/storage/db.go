// Package storage keeps the call journal in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const schemaVersionKey = "schema_version"

// migrations run in order, each once. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS _calls (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		role         TEXT NOT NULL,
		remote_label TEXT DEFAULT '',
		state        TEXT DEFAULT '',
		last_error   TEXT DEFAULT '',
		started_at   TEXT NOT NULL,
		ended_at     TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS _calls_session ON _calls (session_id);`,
}

// DB is the journal database of one peer directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at dbPath and brings its schema up to
// date.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; WAL lets readers of the history run alongside it.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{db: sqlDB, path: dbPath}
	if err := d.init(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	if _, err := d.db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("configure database: %w", err)
	}
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS _meta (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	v, err := d.SchemaVersion()
	if err != nil {
		return err
	}
	for i := v; i < len(migrations); i++ {
		if err := d.migrate(i+1, migrations[i]); err != nil {
			return err
		}
	}
	if v < len(migrations) {
		log.Infof("journal schema %d -> %d (%s)", v, len(migrations), d.path)
	}
	return nil
}

func (d *DB) migrate(version int, stmt string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`,
		schemaVersionKey, strconv.Itoa(version)); err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	return tx.Commit()
}

// SchemaVersion is the number of migrations applied.
func (d *DB) SchemaVersion() (int, error) {
	s, err := d.Meta(schemaVersionKey)
	if err != nil || s == "" {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", schemaVersionKey, s)
	}
	if v > len(migrations) {
		return 0, fmt.Errorf("journal schema %d is newer than this build (%d)", v, len(migrations))
	}
	return v, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// SetMeta stores a key/value pair in _meta.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Meta returns the value for key, or "" if unset.
func (d *DB) Meta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
