package ktaudit

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// stateKey is the fixed key of the single auditor state row.
const stateKey = "AuditorState"

type sqliteStateRepository struct {
	db *sql.DB
}

// OpenSQLiteStateRepository opens/creates a SQLite DB and ensures schema +
// PRAGMAs. The repository stores the auditor state blob as a single row
// keyed by a fixed constant.
func OpenSQLiteStateRepository(dsn string) (StateRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS auditor_state (
  k  TEXT PRIMARY KEY,
  v  BLOB NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStateRepository{db: db}, nil
}

func (r *sqliteStateRepository) Get() ([]byte, bool, error) {
	var blob []byte
	err := r.db.QueryRow(`SELECT v FROM auditor_state WHERE k=?`, stateKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read auditor state: %w", err)
	}
	return blob, true, nil
}

func (r *sqliteStateRepository) Put(blob []byte) error {
	_, err := r.db.Exec(
		`INSERT INTO auditor_state(k, v) VALUES(?, ?)
		 ON CONFLICT(k) DO UPDATE SET v=excluded.v`,
		stateKey, blob)
	if err != nil {
		return fmt.Errorf("write auditor state: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *sqliteStateRepository) Close() error {
	return r.db.Close()
}
