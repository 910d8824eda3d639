package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFile is the database file name created under the store directory.
const SQLiteFile = "mcpwarden.db"

// SQLiteStore keeps records in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) <dir>/mcpwarden.db. A dir of ":memory:"
// opens a private in-memory database.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		dsn = filepath.Join(dir, SQLiteFile) + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		kind       TEXT NOT NULL,
		name       TEXT NOT NULL,
		doc        TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (kind, name)
	);`)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, kind string) (map[string]json.RawMessage, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, doc FROM records WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var name, doc string
		if err := rows.Scan(&name, &doc); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", kind, err)
		}
		out[name] = json.RawMessage(doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Put(ctx context.Context, kind, name string, doc any) error {
	if err := validKind(kind); err != nil {
		return err
	}
	raw, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (kind, name, doc, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, name) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		kind, name, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing %s/%s: %w", kind, name, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, kind, name string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND name = ?`, kind, name); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", kind, name, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
